// MockToolExecutor 工具执行的测试模拟实现。
//
// 支持固定结果、按次序返回的结果序列与错误注入。
package mocks

import (
	"context"
	"sync"

	"github.com/BaSui01/agentcore/orchestrator"
)

// --- MockToolExecutor 结构 ---

// ToolFunc 工具执行函数类型
type ToolFunc func(ctx context.Context, params map[string]any) (*orchestrator.ToolResult, error)

// ToolCall 记录单次工具调用
type ToolCall struct {
	Name   string
	Params map[string]any
	Result *orchestrator.ToolResult
	Error  error
}

// MockToolExecutor 是 orchestrator.ToolExecutor 的模拟实现
type MockToolExecutor struct {
	mu sync.Mutex

	funcs     map[string]ToolFunc
	sequences map[string][]*orchestrator.ToolResult
	errors    map[string]error

	calls []ToolCall
}

// NewMockToolExecutor 创建新的 MockToolExecutor
func NewMockToolExecutor() *MockToolExecutor {
	return &MockToolExecutor{
		funcs:     make(map[string]ToolFunc),
		sequences: make(map[string][]*orchestrator.ToolResult),
		errors:    make(map[string]error),
	}
}

// WithTool 注册工具执行函数
func (m *MockToolExecutor) WithTool(name string, fn ToolFunc) *MockToolExecutor {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.funcs[name] = fn
	return m
}

// WithResult 工具每次返回成功结果
func (m *MockToolExecutor) WithResult(name string, result any) *MockToolExecutor {
	return m.WithTool(name, func(context.Context, map[string]any) (*orchestrator.ToolResult, error) {
		return &orchestrator.ToolResult{Success: true, Result: result}, nil
	})
}

// WithSequence 按调用次序依次返回结果，耗尽后重复最后一个
func (m *MockToolExecutor) WithSequence(name string, results ...*orchestrator.ToolResult) *MockToolExecutor {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sequences[name] = results
	return m
}

// WithError 工具每次返回错误
func (m *MockToolExecutor) WithError(name string, err error) *MockToolExecutor {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors[name] = err
	return m
}

// --- ToolExecutor 接口实现 ---

// Execute 执行工具。未注册的工具返回失败结果。
func (m *MockToolExecutor) Execute(ctx context.Context, name string, params map[string]any) (*orchestrator.ToolResult, error) {
	m.mu.Lock()
	fn, hasFn := m.funcs[name]
	seq := m.sequences[name]
	err := m.errors[name]
	var res *orchestrator.ToolResult
	if len(seq) > 0 {
		res = seq[0]
		if len(seq) > 1 {
			m.sequences[name] = seq[1:]
		}
	}
	m.mu.Unlock()

	switch {
	case err != nil:
	case res != nil:
	case hasFn:
		res, err = fn(ctx, params)
	default:
		res = &orchestrator.ToolResult{Success: false, Error: "tool not registered: " + name}
	}

	m.mu.Lock()
	m.calls = append(m.calls, ToolCall{Name: name, Params: params, Result: res, Error: err})
	m.mu.Unlock()
	return res, err
}

// --- 调用记录 ---

// Calls 返回调用记录副本
func (m *MockToolExecutor) Calls() []ToolCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ToolCall(nil), m.calls...)
}

// CallCount 返回指定工具的调用次数
func (m *MockToolExecutor) CallCount(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.Name == name {
			n++
		}
	}
	return n
}
