// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package handlers 提供 agentcore 内部 HTTP API 的请求处理器实现。

# 核心类型

  - ExecutionHandler — 执行的创建、查询、迭代日志、同步推进、取消与恢复
  - OpsHandler       — 队列深度、缓存统计与租户归档统计
  - MergeHandler     — 多模型结果合并（直接合并或先并发收集）
  - HealthHandler    — 存活与就绪探针（/health, /ready）及版本信息
  - Response         — 统一 JSON 响应结构（success + data + error + timestamp）
  - ErrorInfo        — 结构化错误信息，含 code、message、retryable 标记

# 约定

处理器依赖小接口（ExecutionService、QueueMetricsSource 等），
由 orchestrator、dispatch、cache、archive 的具体类型实现。
租户由 RequireTenant 解析：JWT 声明优先，其次 X-Tenant-ID 请求头。
错误统一经 WriteError 输出，状态码来自 types.HTTPStatusFor，
非 types.Error 的错误以 INTERNAL_ERROR 返回且不暴露原始信息。
*/
package handlers
