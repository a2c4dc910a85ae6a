// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
Package api 定义 agentcore 内部 HTTP API 的请求与响应类型。

# 端点

	POST /api/v1/executions                 创建执行
	GET  /api/v1/executions/{id}            查询执行
	GET  /api/v1/executions/{id}/logs       迭代日志
	POST /api/v1/executions/{id}/iterate    同步推进一次迭代
	POST /api/v1/executions/{id}/cancel     取消执行
	POST /api/v1/executions/{id}/resume     恢复暂停的执行
	GET  /api/v1/queues/metrics             队列深度
	GET  /api/v1/cache/stats                缓存统计
	GET  /api/v1/archive/stats              归档统计
	GET  /api/v1/artifacts/{id}             下载归档产物（原始字节）
	POST /api/v1/merge                      多模型结果合并

# 鉴权

配置 JWT 密钥后，请求需携带 Authorization: Bearer <token>，
租户取自 tenant_id 声明；否则使用 X-Tenant-ID 请求头。

处理器实现位于 api/handlers。
*/
package api
