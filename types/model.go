package types

import "context"

// ModelResponse 模型调用结果。TokensUsed 为 0 表示提供方未上报用量。
type ModelResponse struct {
	Model      string   `json:"model"`
	Content    string   `json:"content"`
	TokensUsed int      `json:"tokens_used,omitempty"`
	CostUSD    *float64 `json:"cost_usd,omitempty"`
	Confidence *float64 `json:"confidence,omitempty"`
}

// ModelInvoker 模型调用能力，实现方负责自身的网络重试
type ModelInvoker interface {
	Invoke(ctx context.Context, tenantID, model, prompt string) (*ModelResponse, error)
}

// ModelInvokerFunc 函数适配器
type ModelInvokerFunc func(ctx context.Context, tenantID, model, prompt string) (*ModelResponse, error)

// Invoke 实现 ModelInvoker
func (f ModelInvokerFunc) Invoke(ctx context.Context, tenantID, model, prompt string) (*ModelResponse, error) {
	return f(ctx, tenantID, model, prompt)
}
