/*
包 store 是执行核心的 GORM 持久化实现。

# 概述

agents、executions、iteration_logs、tenant_queues 与 archived_artifacts
五张表的模型定义与 internal/migration 中的 SQL 一一对应。执行上的列表字段
（observations、plan 等）以 JSON 文本保存，时间统一按 UTC 写入。

SaveIteration 在单个事务中追加迭代日志并写回执行，事务通过
internal/database 的 PoolManager 在死锁或锁竞争时重试。
*/
package store
