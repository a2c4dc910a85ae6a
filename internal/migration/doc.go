/*
包 migration 管理执行核心的数据库 Schema，基于 golang-migrate，
支持 PostgreSQL、MySQL 与 SQLite。

# 概述

各方言的 SQL 迁移文件通过 embed.FS 内嵌在 migrations/{postgres,mysql,sqlite}
目录下，覆盖 agents、executions、iteration_logs、tenant_queues 与
archived_artifacts 五张表。SQLite 连接使用纯 Go 的 glebarez 驱动，
与 GORM 侧共用同一个 database/sql 注册名。

# 核心类型

  - Migrator / DefaultMigrator：Up/Down/Force/Version/Status/Info/Close。
  - CLI：agentcore migrate 子命令的终端输出层。
  - NewMigratorFromDatabaseConfig / NewMigratorFromURL：工厂函数。
*/
package migration
