// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 metrics 提供基于 Prometheus 的执行核心指标采集。

# 概述

Collector 通过 promauto 注册全部指标，按 namespace 隔离。
覆盖 HTTP、执行状态机、调度队列、缓存、归档、结果合并与数据库连接。

# 主要能力

  - 执行指标：创建/终态计数、阶段耗时、状态转换、模型花费与 token
    （区分上报与本地估算）、超时扫描命中数。
  - 调度指标：按 queue/type/status 的投递计数，队列深度 Gauge。
  - 归档指标：原始与存储字节数、各操作成功/失败计数。
  - 合并指标：按策略计数与置信度分布。
*/
package metrics
