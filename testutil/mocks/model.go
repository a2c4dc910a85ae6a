// =============================================================================
// 🤖 MockModelInvoker - 模型调用模拟实现
// =============================================================================
// 按提示词关键字匹配预设回复，记录所有调用
//
// 使用方法:
//
//	models := mocks.NewMockModelInvoker().
//		WithRule("information_needs", `{"information_needs": []}`).
//		WithDefault("done")
// =============================================================================
package mocks

import (
	"context"
	"strings"
	"sync"

	"github.com/BaSui01/agentcore/types"
)

// ModelCall 记录单次模型调用
type ModelCall struct {
	TenantID string
	Model    string
	Prompt   string
}

type modelRule struct {
	contains string
	response types.ModelResponse
	sequence []types.ModelResponse
	next     int
}

// MockModelInvoker 是 types.ModelInvoker 的模拟实现
type MockModelInvoker struct {
	mu sync.Mutex

	rules    []modelRule
	fallback types.ModelResponse
	err      error

	calls []ModelCall
}

// NewMockModelInvoker 创建新的 MockModelInvoker
func NewMockModelInvoker() *MockModelInvoker {
	return &MockModelInvoker{fallback: types.ModelResponse{Content: "ok", TokensUsed: 10}}
}

// WithRule 提示词包含 contains 时返回 content。先注册的规则优先。
func (m *MockModelInvoker) WithRule(contains, content string) *MockModelInvoker {
	return m.WithResponse(contains, types.ModelResponse{Content: content, TokensUsed: 100})
}

// WithResponse 提示词包含 contains 时返回完整响应
func (m *MockModelInvoker) WithResponse(contains string, resp types.ModelResponse) *MockModelInvoker {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules = append(m.rules, modelRule{contains: contains, response: resp})
	return m
}

// WithSequence 提示词包含 contains 时依次返回 contents，用完后重复最后一条
func (m *MockModelInvoker) WithSequence(contains string, contents ...string) *MockModelInvoker {
	m.mu.Lock()
	defer m.mu.Unlock()
	seq := make([]types.ModelResponse, len(contents))
	for i, c := range contents {
		seq[i] = types.ModelResponse{Content: c, TokensUsed: 100}
	}
	m.rules = append(m.rules, modelRule{contains: contains, sequence: seq})
	return m
}

// WithDefault 设置无规则命中时的回复
func (m *MockModelInvoker) WithDefault(content string) *MockModelInvoker {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fallback = types.ModelResponse{Content: content, TokensUsed: 10}
	return m
}

// WithError 所有调用返回该错误
func (m *MockModelInvoker) WithError(err error) *MockModelInvoker {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
	return m
}

// Invoke 实现 types.ModelInvoker
func (m *MockModelInvoker) Invoke(ctx context.Context, tenantID, model, prompt string) (*types.ModelResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, ModelCall{TenantID: tenantID, Model: model, Prompt: prompt})
	if m.err != nil {
		return nil, m.err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	resp := m.fallback
	for i := range m.rules {
		rule := &m.rules[i]
		if !strings.Contains(prompt, rule.contains) {
			continue
		}
		resp = rule.response
		if n := len(rule.sequence); n > 0 {
			resp = rule.sequence[min(rule.next, n-1)]
			rule.next++
		}
		break
	}
	if resp.Model == "" {
		resp.Model = model
	}
	return &resp, nil
}

// Calls 返回调用记录副本
func (m *MockModelInvoker) Calls() []ModelCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ModelCall(nil), m.calls...)
}

// CallCount 返回调用次数
func (m *MockModelInvoker) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}
