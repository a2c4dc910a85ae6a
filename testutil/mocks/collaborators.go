// =============================================================================
// 🛡 安全闸门 / 恢复顾问 / 审核队列 / 通知 / 调度模拟实现
// =============================================================================
package mocks

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/BaSui01/agentcore/dispatch"
	"github.com/BaSui01/agentcore/orchestrator"
	"github.com/BaSui01/agentcore/types"
)

// =============================================================================
// MockSafetyGate
// =============================================================================

// MockSafetyGate 按固定结论放行或拦截
type MockSafetyGate struct {
	mu      sync.Mutex
	verdict orchestrator.SafetyVerdict
	err     error
	// allowTool 包含该工具的计划总是放行
	allowTool string
	calls     int
}

// NewMockSafetyGate 默认放行
func NewMockSafetyGate() *MockSafetyGate {
	return &MockSafetyGate{verdict: orchestrator.SafetyVerdict{Allowed: true}}
}

// Block 拦截所有计划
func (g *MockSafetyGate) Block(reason string) *MockSafetyGate {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.verdict = orchestrator.SafetyVerdict{Allowed: false, Reason: reason}
	return g
}

// AllowTool 只放行首步使用该工具的计划
func (g *MockSafetyGate) AllowTool(tool string) *MockSafetyGate {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.allowTool = tool
	return g
}

// WithError 评估返回错误
func (g *MockSafetyGate) WithError(err error) *MockSafetyGate {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.err = err
	return g
}

// Evaluate 实现 orchestrator.SafetyGate
func (g *MockSafetyGate) Evaluate(_ context.Context, _ *types.Execution, plan []types.PlannedAction) (orchestrator.SafetyVerdict, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	if g.err != nil {
		return orchestrator.SafetyVerdict{}, g.err
	}
	if g.allowTool != "" && len(plan) > 0 && plan[0].Tool == g.allowTool {
		return orchestrator.SafetyVerdict{Allowed: true}, nil
	}
	return g.verdict, nil
}

// Calls 返回评估次数
func (g *MockSafetyGate) Calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

// =============================================================================
// MockRecoveryAdvisor
// =============================================================================

// MockRecoveryAdvisor 返回固定的恢复建议，nil 表示无法恢复
type MockRecoveryAdvisor struct {
	mu       sync.Mutex
	recovery *orchestrator.Recovery
	err      error
	requests []error
}

// NewMockRecoveryAdvisor 创建无建议的顾问
func NewMockRecoveryAdvisor() *MockRecoveryAdvisor { return &MockRecoveryAdvisor{} }

// WithRecovery 设置恢复建议
func (a *MockRecoveryAdvisor) WithRecovery(rec *orchestrator.Recovery) *MockRecoveryAdvisor {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.recovery = rec
	return a
}

// WithError 顾问自身出错
func (a *MockRecoveryAdvisor) WithError(err error) *MockRecoveryAdvisor {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.err = err
	return a
}

// SuggestRecovery 实现 orchestrator.RecoveryAdvisor
func (a *MockRecoveryAdvisor) SuggestRecovery(_ context.Context, err error, _ types.PlannedAction, _ int) (*orchestrator.Recovery, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.requests = append(a.requests, err)
	if a.err != nil {
		return nil, a.err
	}
	if a.recovery == nil {
		return &orchestrator.Recovery{CanAutoRecover: false}, nil
	}
	rec := *a.recovery
	return &rec, nil
}

// Requests 返回收到的错误
func (a *MockRecoveryAdvisor) Requests() []error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]error(nil), a.requests...)
}

// =============================================================================
// MockReviewQueue
// =============================================================================

// ReviewRequest 记录一次人工审核请求
type ReviewRequest struct {
	ExecutionID string
	Plan        []types.PlannedAction
	Reason      string
}

// MockReviewQueue 记录审核请求
type MockReviewQueue struct {
	mu       sync.Mutex
	requests []ReviewRequest
	err      error
}

// NewMockReviewQueue 创建审核队列
func NewMockReviewQueue() *MockReviewQueue { return &MockReviewQueue{} }

// WithError 提交请求返回错误
func (q *MockReviewQueue) WithError(err error) *MockReviewQueue {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.err = err
	return q
}

// CreateRequest 实现 orchestrator.ReviewQueue
func (q *MockReviewQueue) CreateRequest(_ context.Context, exec *types.Execution, plan []types.PlannedAction, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.requests = append(q.requests, ReviewRequest{ExecutionID: exec.ID, Plan: plan, Reason: reason})
	return nil
}

// Requests 返回审核请求副本
func (q *MockReviewQueue) Requests() []ReviewRequest {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]ReviewRequest(nil), q.requests...)
}

// =============================================================================
// MockNotifier
// =============================================================================

// MockNotifier 收集通知事件，Notify 在 goroutine 中被调用
type MockNotifier struct {
	mu     sync.Mutex
	events []orchestrator.Event
}

// NewMockNotifier 创建通知收集器
func NewMockNotifier() *MockNotifier { return &MockNotifier{} }

// Notify 实现 orchestrator.Notifier
func (n *MockNotifier) Notify(_ context.Context, ev orchestrator.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
}

// Events 返回事件副本
func (n *MockNotifier) Events() []orchestrator.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]orchestrator.Event(nil), n.events...)
}

// Count 返回指定类型事件数量
func (n *MockNotifier) Count(typ orchestrator.EventType) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, ev := range n.events {
		if ev.Type == typ {
			c++
		}
	}
	return c
}

// =============================================================================
// MockDispatcher
// =============================================================================

// MockDispatcher 记录投递的消息
type MockDispatcher struct {
	mu       sync.Mutex
	messages []*dispatch.Message
	fail     string
}

// NewMockDispatcher 创建投递记录器
func NewMockDispatcher() *MockDispatcher { return &MockDispatcher{} }

// Fail 后续投递全部失败
func (d *MockDispatcher) Fail(reason string) *MockDispatcher {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fail = reason
	return d
}

// Dispatch 实现 orchestrator.Dispatcher
func (d *MockDispatcher) Dispatch(_ context.Context, msg *dispatch.Message) dispatch.Result {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail != "" {
		return dispatch.Result{Success: false, Error: d.fail}
	}
	d.messages = append(d.messages, msg)
	return dispatch.Result{Success: true, MessageID: uuid.NewString(), QueueName: "mock"}
}

// Messages 返回已投递消息副本
func (d *MockDispatcher) Messages() []*dispatch.Message {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*dispatch.Message(nil), d.messages...)
}

// Clock 可手动推进的测试时钟
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock 创建测试时钟
func NewClock(start time.Time) *Clock { return &Clock{now: start} }

// Now 返回当前时间
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance 推进时间
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
