/*
包 cache 提供执行核心的热数据缓存：Agent 定义、执行快照、工作记忆与限流计数。

# 概述

Manager 在 Redis 可达时读写 Redis，不可达时退化为进程内有界 map，
后台健康检查在连接断开/恢复时自动切换。Redis 故障一律按未命中处理并记录日志，
不会让调用方失败。

# 核心类型

  - Manager：缓存管理器，提供 Get/Set/Delete、GetJSON/SetJSON、
    LoadJSON（singleflight 合并并发加载）与 IncrementRateLimit。
  - Config：地址、TTL（agent/execution/working_memory/tenant_queue）、
    本地容量上限、压缩阈值与健康检查间隔。
  - Stats：命中/未命中、命中率、淘汰次数、平均延迟、内存估算与当前后端。

# 主要能力

  - 命名空间键：Key(kind, tenantID, id) → agentcore:{kind}:{tenant}:{id}
  - 本地存储：读取时惰性过期，写满时淘汰插入最早的 10%
  - 大值压缩：超过 CompressThreshold 的值以 gzip 存储
  - 固定窗口限流：按 (tenant, user 或 tenant, windowStart) 计数
*/
package cache
