package types

import "time"

// ExecutionStatus 执行生命周期状态
type ExecutionStatus string

const (
	StatusPending        ExecutionStatus = "pending"
	StatusProvisioning   ExecutionStatus = "provisioning"
	StatusRunning        ExecutionStatus = "running"
	StatusPaused         ExecutionStatus = "paused"
	StatusCompleted      ExecutionStatus = "completed"
	StatusFailed         ExecutionStatus = "failed"
	StatusTimeout        ExecutionStatus = "timeout"
	StatusBudgetExceeded ExecutionStatus = "budget_exceeded"
	StatusCancelled      ExecutionStatus = "cancelled"
)

// IsTerminal returns true for every status an execution never leaves.
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case StatusPending, StatusProvisioning, StatusRunning, StatusPaused:
		return false
	default:
		return true
	}
}

// Cancellable reports whether CancelExecution may move this status to cancelled.
func (s ExecutionStatus) Cancellable() bool {
	return s == StatusPending || s == StatusRunning || s == StatusPaused
}

// validTransitions 合法的状态转换
var validTransitions = map[ExecutionStatus][]ExecutionStatus{
	StatusPending:      {StatusProvisioning, StatusRunning, StatusCancelled, StatusFailed},
	StatusProvisioning: {StatusRunning, StatusFailed, StatusCancelled},
	StatusRunning: {StatusPaused, StatusCompleted, StatusFailed, StatusTimeout,
		StatusBudgetExceeded, StatusCancelled},
	StatusPaused: {StatusRunning, StatusCancelled, StatusFailed, StatusTimeout},
}

// CanTransition 检查状态转换是否合法
func CanTransition(from, to ExecutionStatus) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Phase is one step of the OODA cycle plus the terminal report.
type Phase string

const (
	PhaseObserve Phase = "observe"
	PhaseOrient  Phase = "orient"
	PhaseDecide  Phase = "decide"
	PhaseAct     Phase = "act"
	PhaseReport  Phase = "report"
)

// ExecutionConfig carries per-execution overrides supplied at start.
type ExecutionConfig struct {
	BudgetUSD      *float64       `json:"budget_usd,omitempty"`
	TimeoutMinutes *int           `json:"timeout_minutes,omitempty"`
	Model          string         `json:"model,omitempty"`
	Extra          map[string]any `json:"extra,omitempty"`
}

// PlannedAction is one step of a decided plan.
type PlannedAction struct {
	Tool      string         `json:"tool"`
	Params    map[string]any `json:"params,omitempty"`
	Rationale string         `json:"rationale,omitempty"`
}

// Observation is a timestamped result of gathering one information need.
type Observation struct {
	Source    string    `json:"source"`
	Query     string    `json:"query,omitempty"`
	Result    any       `json:"result,omitempty"`
	Success   bool      `json:"success"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Hypothesis produced by the orient phase.
type Hypothesis struct {
	Statement  string  `json:"statement"`
	Confidence float64 `json:"confidence"`
}

// CompletedAction records the outcome of an executed plan step.
type CompletedAction struct {
	Action    PlannedAction `json:"action"`
	Success   bool          `json:"success"`
	Result    any           `json:"result,omitempty"`
	Error     string        `json:"error,omitempty"`
	ErrorCode ErrorCode     `json:"error_code,omitempty"`
	Attempts  int           `json:"attempts"`
	Recovered bool          `json:"recovered,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

// ArtifactRef points at an artifact produced during the execution.
type ArtifactRef struct {
	ArtifactID string    `json:"artifact_id"`
	Type       string    `json:"type"`
	Tool       string    `json:"tool,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Execution is the mutable record of one agent invocation.
type Execution struct {
	ID               string            `json:"id"`
	TenantID         string            `json:"tenant_id"`
	UserID           string            `json:"user_id,omitempty"`
	SessionID        string            `json:"session_id,omitempty"`
	AgentID          string            `json:"agent_id"`
	Goal             string            `json:"goal"`
	Constraints      map[string]any    `json:"constraints,omitempty"`
	Config           ExecutionConfig   `json:"config"`
	Status           ExecutionStatus   `json:"status"`
	Phase            Phase             `json:"phase"`
	CurrentIteration int               `json:"current_iteration"`
	Observations     []Observation     `json:"observations,omitempty"`
	Hypotheses       []Hypothesis      `json:"hypotheses,omitempty"`
	Plan             []PlannedAction   `json:"plan,omitempty"`
	CompletedActions []CompletedAction `json:"completed_actions,omitempty"`
	Artifacts        []ArtifactRef     `json:"artifacts,omitempty"`
	BudgetAllocated  float64           `json:"budget_allocated_usd"`
	BudgetConsumed   float64           `json:"budget_consumed_usd"`
	TokensUsed       int64             `json:"tokens_used"`
	OutputSummary    string            `json:"output_summary,omitempty"`
	RequiresHITL     bool              `json:"requires_hitl"`
	StartedAt        *time.Time        `json:"started_at,omitempty"`
	CompletedAt      *time.Time        `json:"completed_at,omitempty"`
	TimeoutAt        *time.Time        `json:"timeout_at,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

// BudgetRemaining returns allocated minus consumed.
func (e *Execution) BudgetRemaining() float64 {
	return e.BudgetAllocated - e.BudgetConsumed
}

// MarkTerminal moves the execution to a terminal status, stamps completion and
// clamps consumption so budgetConsumed never exceeds budgetAllocated.
func (e *Execution) MarkTerminal(status ExecutionStatus, summary string, now time.Time) {
	e.Status = status
	if summary != "" {
		e.OutputSummary = summary
	}
	e.CompletedAt = &now
	if e.BudgetConsumed > e.BudgetAllocated {
		e.BudgetConsumed = e.BudgetAllocated
	}
}

// IterationLog is the immutable record of one phase execution.
type IterationLog struct {
	ID          string    `json:"id"`
	ExecutionID string    `json:"execution_id"`
	TenantID    string    `json:"tenant_id"`
	Iteration   int       `json:"iteration"`
	Phase       Phase     `json:"phase"`
	InputState  []byte    `json:"input_state"`
	OutputState []byte    `json:"output_state"`
	DurationMs  int64     `json:"duration_ms"`
	CreatedAt   time.Time `json:"created_at"`
}
