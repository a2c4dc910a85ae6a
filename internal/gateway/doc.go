// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
Package gateway 提供状态机在服务进程中使用的外部能力客户端。

  - ModelClient 调用 OpenAI 兼容的 chat completions 接口，实现 types.ModelInvoker。
  - ToolClient 调用 HTTP 工具网关，实现 orchestrator.ToolExecutor。

两者共用 tlsutil 加固的 HTTP 客户端，并把上游 HTTP 状态映射为 types.Error：
429 与 5xx 可重试，401/403 为 UNAUTHORIZED，其余 4xx 为 INVALID_REQUEST。
*/
package gateway
