package store

import (
	"time"

	"github.com/BaSui01/agentcore/types"
)

// =============================================================================
// 🗃️ GORM 模型（与 internal/migration 的 SQL 保持一致）
// =============================================================================

// AgentModel agents 表
type AgentModel struct {
	ID                    string         `gorm:"primaryKey;size:64"`
	TenantID              string         `gorm:"size:64;index:idx_agents_tenant"`
	Name                  string         `gorm:"size:255;not null"`
	Version               int            `gorm:"not null;default:1"`
	Category              string         `gorm:"size:100"`
	Capabilities          []string       `gorm:"serializer:json"`
	ExecutionMode         string         `gorm:"size:16;not null"`
	MaxIterations         int            `gorm:"not null"`
	DefaultTimeoutMinutes int            `gorm:"not null"`
	MaxBudgetUSD          float64        `gorm:"column:max_budget_usd;not null"`
	DefaultBudgetUSD      float64        `gorm:"column:default_budget_usd;not null"`
	DefaultModel          string         `gorm:"size:100"`
	AllowedModels         []string       `gorm:"serializer:json"`
	AllowedTools          []string       `gorm:"serializer:json"`
	SafetyProfile         string         `gorm:"size:16;not null"`
	RequiresHITL          bool           `gorm:"column:requires_hitl;not null"`
	Active                bool           `gorm:"not null"`
	Overrides             map[string]any `gorm:"serializer:json"`
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// TableName 指定表名
func (AgentModel) TableName() string { return "agents" }

// ExecutionModel executions 表，列表字段以 JSON 文本保存
type ExecutionModel struct {
	ID                 string                  `gorm:"primaryKey;size:64"`
	TenantID           string                  `gorm:"size:64;not null;index:idx_executions_tenant_status"`
	UserID             string                  `gorm:"size:64"`
	SessionID          string                  `gorm:"size:64"`
	AgentID            string                  `gorm:"size:64;not null"`
	Goal               string                  `gorm:"type:text;not null"`
	Constraints        map[string]any          `gorm:"serializer:json"`
	Config             types.ExecutionConfig   `gorm:"serializer:json"`
	Status             string                  `gorm:"size:32;not null;index:idx_executions_tenant_status;index:idx_executions_status_timeout"`
	Phase              string                  `gorm:"size:16;not null"`
	CurrentIteration   int                     `gorm:"not null"`
	Observations       []types.Observation     `gorm:"serializer:json"`
	Hypotheses         []types.Hypothesis      `gorm:"serializer:json"`
	Plan               []types.PlannedAction   `gorm:"serializer:json"`
	CompletedActions   []types.CompletedAction `gorm:"serializer:json"`
	Artifacts          []types.ArtifactRef     `gorm:"serializer:json"`
	BudgetAllocatedUSD float64                 `gorm:"column:budget_allocated_usd;not null"`
	BudgetConsumedUSD  float64                 `gorm:"column:budget_consumed_usd;not null"`
	TokensUsed         int64                   `gorm:"not null"`
	OutputSummary      string                  `gorm:"type:text"`
	RequiresHITL       bool                    `gorm:"column:requires_hitl;not null"`
	StartedAt          *time.Time
	CompletedAt        *time.Time
	TimeoutAt          *time.Time `gorm:"index:idx_executions_status_timeout"`
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// TableName 指定表名
func (ExecutionModel) TableName() string { return "executions" }

// IterationLogModel iteration_logs 表，(execution_id, iteration, phase) 唯一
type IterationLogModel struct {
	ID          string `gorm:"primaryKey;size:64"`
	ExecutionID string `gorm:"size:64;not null;uniqueIndex:idx_iteration_logs_step"`
	TenantID    string `gorm:"size:64;not null"`
	Iteration   int    `gorm:"not null;uniqueIndex:idx_iteration_logs_step"`
	Phase       string `gorm:"size:16;not null;uniqueIndex:idx_iteration_logs_step"`
	InputState  string `gorm:"type:text"`
	OutputState string `gorm:"type:text"`
	DurationMs  int64  `gorm:"not null"`
	CreatedAt   time.Time
}

// TableName 指定表名
func (IterationLogModel) TableName() string { return "iteration_logs" }

// TenantQueueModel tenant_queues 表
type TenantQueueModel struct {
	TenantID        string `gorm:"primaryKey;size:64"`
	QueueName       string `gorm:"size:255;not null"`
	FIFO            bool   `gorm:"column:fifo;not null"`
	Dedicated       bool   `gorm:"not null"`
	MaxDelaySeconds int    `gorm:"not null"`
	MaxBatchSize    int    `gorm:"not null"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// TableName 指定表名
func (TenantQueueModel) TableName() string { return "tenant_queues" }

// ArchivedArtifactModel archived_artifacts 表。DeletedAt 是业务软删除标记，
// 不使用 gorm.DeletedAt，查询需显式过滤。
type ArchivedArtifactModel struct {
	ID             string     `gorm:"primaryKey;size:64"`
	TenantID       string     `gorm:"size:64;not null;index:idx_archived_artifacts_tenant"`
	ExecutionID    string     `gorm:"size:64;not null;index:idx_archived_artifacts_execution"`
	SnapshotID     string     `gorm:"size:64"`
	ArtifactType   string     `gorm:"size:64;not null"`
	Backend        string     `gorm:"size:16;not null"`
	StorageKey     string     `gorm:"size:512"`
	Payload        string     `gorm:"type:text"`
	OriginalSize   int64      `gorm:"not null"`
	CompressedSize int64      `gorm:"not null"`
	Compression    string     `gorm:"size:8;not null"`
	Checksum       string     `gorm:"size:64;not null"`
	ExpiresAt      *time.Time `gorm:"index:idx_archived_artifacts_expires"`
	DeletedAt      *time.Time
	CreatedAt      time.Time
}

// TableName 指定表名
func (ArchivedArtifactModel) TableName() string { return "archived_artifacts" }

// AllModels 返回 AutoMigrate 使用的模型列表
func AllModels() []any {
	return []any{
		&AgentModel{},
		&ExecutionModel{},
		&IterationLogModel{},
		&TenantQueueModel{},
		&ArchivedArtifactModel{},
	}
}

// =============================================================================
// 🔄 模型转换
// =============================================================================

func agentToModel(a *types.Agent) *AgentModel {
	return &AgentModel{
		ID:                    a.ID,
		TenantID:              a.TenantID,
		Name:                  a.Name,
		Version:               a.Version,
		Category:              a.Category,
		Capabilities:          a.Capabilities,
		ExecutionMode:         string(a.ExecutionMode),
		MaxIterations:         a.MaxIterations,
		DefaultTimeoutMinutes: a.DefaultTimeoutMinutes,
		MaxBudgetUSD:          a.MaxBudgetUSD,
		DefaultBudgetUSD:      a.DefaultBudgetUSD,
		DefaultModel:          a.DefaultModel,
		AllowedModels:         a.AllowedModels,
		AllowedTools:          a.AllowedTools,
		SafetyProfile:         string(a.SafetyProfile),
		RequiresHITL:          a.RequiresHITL,
		Active:                a.Active,
		Overrides:             a.Overrides,
		CreatedAt:             a.CreatedAt,
		UpdatedAt:             a.UpdatedAt,
	}
}

func (m *AgentModel) toAgent() *types.Agent {
	return &types.Agent{
		ID:                    m.ID,
		TenantID:              m.TenantID,
		Name:                  m.Name,
		Version:               m.Version,
		Category:              m.Category,
		Capabilities:          m.Capabilities,
		ExecutionMode:         types.ExecutionMode(m.ExecutionMode),
		MaxIterations:         m.MaxIterations,
		DefaultTimeoutMinutes: m.DefaultTimeoutMinutes,
		MaxBudgetUSD:          m.MaxBudgetUSD,
		DefaultBudgetUSD:      m.DefaultBudgetUSD,
		DefaultModel:          m.DefaultModel,
		AllowedModels:         m.AllowedModels,
		AllowedTools:          m.AllowedTools,
		SafetyProfile:         types.SafetyProfile(m.SafetyProfile),
		RequiresHITL:          m.RequiresHITL,
		Active:                m.Active,
		Overrides:             m.Overrides,
		CreatedAt:             m.CreatedAt,
		UpdatedAt:             m.UpdatedAt,
	}
}

func executionToModel(e *types.Execution) *ExecutionModel {
	return &ExecutionModel{
		ID:                 e.ID,
		TenantID:           e.TenantID,
		UserID:             e.UserID,
		SessionID:          e.SessionID,
		AgentID:            e.AgentID,
		Goal:               e.Goal,
		Constraints:        e.Constraints,
		Config:             e.Config,
		Status:             string(e.Status),
		Phase:              string(e.Phase),
		CurrentIteration:   e.CurrentIteration,
		Observations:       e.Observations,
		Hypotheses:         e.Hypotheses,
		Plan:               e.Plan,
		CompletedActions:   e.CompletedActions,
		Artifacts:          e.Artifacts,
		BudgetAllocatedUSD: e.BudgetAllocated,
		BudgetConsumedUSD:  e.BudgetConsumed,
		TokensUsed:         e.TokensUsed,
		OutputSummary:      e.OutputSummary,
		RequiresHITL:       e.RequiresHITL,
		StartedAt:          utcPtr(e.StartedAt),
		CompletedAt:        utcPtr(e.CompletedAt),
		TimeoutAt:          utcPtr(e.TimeoutAt),
		CreatedAt:          e.CreatedAt.UTC(),
		UpdatedAt:          e.UpdatedAt.UTC(),
	}
}

func (m *ExecutionModel) toExecution() *types.Execution {
	return &types.Execution{
		ID:               m.ID,
		TenantID:         m.TenantID,
		UserID:           m.UserID,
		SessionID:        m.SessionID,
		AgentID:          m.AgentID,
		Goal:             m.Goal,
		Constraints:      m.Constraints,
		Config:           m.Config,
		Status:           types.ExecutionStatus(m.Status),
		Phase:            types.Phase(m.Phase),
		CurrentIteration: m.CurrentIteration,
		Observations:     m.Observations,
		Hypotheses:       m.Hypotheses,
		Plan:             m.Plan,
		CompletedActions: m.CompletedActions,
		Artifacts:        m.Artifacts,
		BudgetAllocated:  m.BudgetAllocatedUSD,
		BudgetConsumed:   m.BudgetConsumedUSD,
		TokensUsed:       m.TokensUsed,
		OutputSummary:    m.OutputSummary,
		RequiresHITL:     m.RequiresHITL,
		StartedAt:        m.StartedAt,
		CompletedAt:      m.CompletedAt,
		TimeoutAt:        m.TimeoutAt,
		CreatedAt:        m.CreatedAt,
		UpdatedAt:        m.UpdatedAt,
	}
}

func iterationLogToModel(l *types.IterationLog) *IterationLogModel {
	return &IterationLogModel{
		ID:          l.ID,
		ExecutionID: l.ExecutionID,
		TenantID:    l.TenantID,
		Iteration:   l.Iteration,
		Phase:       string(l.Phase),
		InputState:  string(l.InputState),
		OutputState: string(l.OutputState),
		DurationMs:  l.DurationMs,
		CreatedAt:   l.CreatedAt.UTC(),
	}
}

func (m *IterationLogModel) toIterationLog() types.IterationLog {
	return types.IterationLog{
		ID:          m.ID,
		ExecutionID: m.ExecutionID,
		TenantID:    m.TenantID,
		Iteration:   m.Iteration,
		Phase:       types.Phase(m.Phase),
		InputState:  []byte(m.InputState),
		OutputState: []byte(m.OutputState),
		DurationMs:  m.DurationMs,
		CreatedAt:   m.CreatedAt,
	}
}

func tenantQueueToModel(q *types.TenantQueue) *TenantQueueModel {
	return &TenantQueueModel{
		TenantID:        q.TenantID,
		QueueName:       q.QueueName,
		FIFO:            q.FIFO,
		Dedicated:       q.Dedicated,
		MaxDelaySeconds: int(q.MaxDelay / time.Second),
		MaxBatchSize:    q.MaxBatchSize,
		CreatedAt:       q.CreatedAt,
		UpdatedAt:       q.UpdatedAt,
	}
}

func (m *TenantQueueModel) toTenantQueue() *types.TenantQueue {
	return &types.TenantQueue{
		TenantID:     m.TenantID,
		QueueName:    m.QueueName,
		FIFO:         m.FIFO,
		Dedicated:    m.Dedicated,
		MaxDelay:     time.Duration(m.MaxDelaySeconds) * time.Second,
		MaxBatchSize: m.MaxBatchSize,
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
	}
}

func artifactToModel(a *types.ArchivedArtifact) *ArchivedArtifactModel {
	return &ArchivedArtifactModel{
		ID:             a.ID,
		TenantID:       a.TenantID,
		ExecutionID:    a.ExecutionID,
		SnapshotID:     a.SnapshotID,
		ArtifactType:   a.ArtifactType,
		Backend:        string(a.Backend),
		StorageKey:     a.StorageKey,
		Payload:        a.Payload,
		OriginalSize:   a.OriginalSize,
		CompressedSize: a.CompressedSize,
		Compression:    string(a.Compression),
		Checksum:       a.Checksum,
		ExpiresAt:      utcPtr(a.ExpiresAt),
		DeletedAt:      utcPtr(a.DeletedAt),
		CreatedAt:      a.CreatedAt.UTC(),
	}
}

func (m *ArchivedArtifactModel) toArtifact() *types.ArchivedArtifact {
	return &types.ArchivedArtifact{
		ID:             m.ID,
		TenantID:       m.TenantID,
		ExecutionID:    m.ExecutionID,
		SnapshotID:     m.SnapshotID,
		ArtifactType:   m.ArtifactType,
		Backend:        types.StorageBackend(m.Backend),
		StorageKey:     m.StorageKey,
		Payload:        m.Payload,
		OriginalSize:   m.OriginalSize,
		CompressedSize: m.CompressedSize,
		Compression:    types.Compression(m.Compression),
		Checksum:       m.Checksum,
		ExpiresAt:      m.ExpiresAt,
		DeletedAt:      m.DeletedAt,
		CreatedAt:      m.CreatedAt,
	}
}

// utcPtr 统一以 UTC 写入，保证 SQLite 文本时间的字典序比较正确
func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
