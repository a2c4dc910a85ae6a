package api

import (
	"encoding/json"
	"time"

	"github.com/BaSui01/agentcore/merge"
	"github.com/BaSui01/agentcore/types"
)

// =============================================================================
// 执行请求类型
// =============================================================================

// StartExecutionRequest 创建执行的请求体。租户来自 JWT 声明或 X-Tenant-ID 请求头。
type StartExecutionRequest struct {
	AgentID     string                `json:"agent_id"`
	Goal        string                `json:"goal"`
	SessionID   string                `json:"session_id,omitempty"`
	Constraints map[string]any        `json:"constraints,omitempty"`
	Config      types.ExecutionConfig `json:"config,omitempty"`
}

// CancelExecutionRequest 取消执行的请求体（可为空）
type CancelExecutionRequest struct {
	Reason string `json:"reason,omitempty"`
}

// ResumeExecutionRequest 恢复暂停执行的请求体（可为空）。Plan 非空时替换待执行计划。
type ResumeExecutionRequest struct {
	Plan []types.PlannedAction `json:"plan,omitempty"`
}

// =============================================================================
// 执行响应类型
// =============================================================================

// StartExecutionResponse 创建执行的响应
type StartExecutionResponse struct {
	ExecutionID string                `json:"execution_id"`
	Status      types.ExecutionStatus `json:"status"`
}

// IterationLogView 迭代日志的对外表示，状态快照以原始 JSON 输出
type IterationLogView struct {
	Iteration   int             `json:"iteration"`
	Phase       types.Phase     `json:"phase"`
	InputState  json.RawMessage `json:"input_state,omitempty"`
	OutputState json.RawMessage `json:"output_state,omitempty"`
	DurationMs  int64           `json:"duration_ms"`
	CreatedAt   time.Time       `json:"created_at"`
}

// NewIterationLogViews 转换迭代日志。非 JSON 快照被省略。
func NewIterationLogViews(logs []types.IterationLog) []IterationLogView {
	views := make([]IterationLogView, 0, len(logs))
	for _, l := range logs {
		views = append(views, IterationLogView{
			Iteration:   l.Iteration,
			Phase:       l.Phase,
			InputState:  rawJSON(l.InputState),
			OutputState: rawJSON(l.OutputState),
			DurationMs:  l.DurationMs,
			CreatedAt:   l.CreatedAt,
		})
	}
	return views
}

func rawJSON(b []byte) json.RawMessage {
	if len(b) == 0 || !json.Valid(b) {
		return nil
	}
	return json.RawMessage(b)
}

// =============================================================================
// 结果合并类型
// =============================================================================

// MergeRequest 合并请求。提供 Responses 时直接合并；否则以 Prompt 并发调用 Models 后合并。
type MergeRequest struct {
	Strategy       merge.Strategy     `json:"strategy,omitempty"`
	Responses      []merge.Response   `json:"responses,omitempty"`
	Models         []string           `json:"models,omitempty"`
	Prompt         string             `json:"prompt,omitempty"`
	PreferredModel string             `json:"preferred_model,omitempty"`
	Weights        map[string]float64 `json:"weights,omitempty"`
}
