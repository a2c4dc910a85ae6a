// Package retry 提供指数退避重试器。默认只重试 types.Error 标记为
// Retryable 的错误，用于合成合并与队列消费。
package retry
