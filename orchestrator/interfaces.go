package orchestrator

import (
	"context"
	"time"

	"github.com/BaSui01/agentcore/archive"
	"github.com/BaSui01/agentcore/dispatch"
	"github.com/BaSui01/agentcore/types"
)

// =============================================================================
// 🔌 外部协作方
// =============================================================================

// Store 持久化存储，由 store.Store 实现。同一执行 ID 需要读写一致。
type Store interface {
	GetAgent(ctx context.Context, agentID string) (*types.Agent, error)
	CreateExecution(ctx context.Context, exec *types.Execution) error
	GetExecution(ctx context.Context, executionID, tenantID string) (*types.Execution, error)
	UpdateExecution(ctx context.Context, exec *types.Execution) error
	// SaveIteration 在同一事务中追加迭代日志并更新执行
	SaveIteration(ctx context.Context, exec *types.Execution, log *types.IterationLog) error
	ListTimedOut(ctx context.Context, now time.Time, limit int) ([]*types.Execution, error)
	ListIterationLogs(ctx context.Context, executionID string) ([]types.IterationLog, error)
}

// Dispatcher 投递延续消息，由 dispatch.Dispatcher 实现
type Dispatcher interface {
	Dispatch(ctx context.Context, msg *dispatch.Message) dispatch.Result
}

// ToolResult 工具执行结果
type ToolResult struct {
	Success  bool               `json:"success"`
	Result   any                `json:"result,omitempty"`
	Error    string             `json:"error,omitempty"`
	Artifact *types.ArtifactRef `json:"artifact,omitempty"`
}

// Archiver 大体量步骤输出的冷存储，由 archive.Archiver 实现
type Archiver interface {
	Archive(ctx context.Context, req archive.ArchiveRequest) (*types.ArchivedArtifact, error)
}

// ArtifactStepOutput 归档的工具结果类型
const ArtifactStepOutput = "step_output"

// ArchivedResult 工具结果归档后留在执行记录中的引用
type ArchivedResult struct {
	ArtifactID string `json:"archived_artifact_id"`
	Bytes      int64  `json:"bytes"`
}

// ToolExecutor 工具执行能力
type ToolExecutor interface {
	Execute(ctx context.Context, tool string, params map[string]any) (*ToolResult, error)
}

// SafetyVerdict 安全评估结论
type SafetyVerdict struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

// SafetyGate 安全评估闸门
type SafetyGate interface {
	Evaluate(ctx context.Context, exec *types.Execution, plan []types.PlannedAction) (SafetyVerdict, error)
}

// Recovery 错误恢复建议。ModifiedPlan 仅在安全拦截时使用。
type Recovery struct {
	CanAutoRecover     bool                  `json:"can_auto_recover"`
	ModifiedParams     map[string]any        `json:"modified_params,omitempty"`
	ModifiedPlan       []types.PlannedAction `json:"modified_plan,omitempty"`
	Suggestion         string                `json:"suggestion,omitempty"`
	RequiresHumanInput bool                  `json:"requires_human_input"`
}

// RecoveryAdvisor 错误恢复顾问
type RecoveryAdvisor interface {
	SuggestRecovery(ctx context.Context, err error, action types.PlannedAction, attempt int) (*Recovery, error)
}

// ReviewQueue 人工审核队列
type ReviewQueue interface {
	CreateRequest(ctx context.Context, exec *types.Execution, plan []types.PlannedAction, reason string) error
}

// EventType 通知事件类型
type EventType string

const (
	EventEscalation     EventType = "escalation"
	EventExpired        EventType = "expired"
	EventBudgetExceeded EventType = "budget_exceeded"
)

// Event 通知事件
type Event struct {
	Type        EventType `json:"type"`
	ExecutionID string    `json:"execution_id"`
	TenantID    string    `json:"tenant_id"`
	Reason      string    `json:"reason,omitempty"`
	At          time.Time `json:"at"`
}

// Notifier 通知分发，核心不等待其完成
type Notifier interface {
	Notify(ctx context.Context, ev Event)
}

// ToolCostFunc 计算一次工具调用的费用（美元），默认不计费
type ToolCostFunc func(tool string, params map[string]any, result *ToolResult) float64
