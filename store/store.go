package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/BaSui01/agentcore/internal/database"
	"github.com/BaSui01/agentcore/types"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// nonTerminalStatuses 超时扫描关注的状态
var nonTerminalStatuses = []string{
	string(types.StatusPending),
	string(types.StatusProvisioning),
	string(types.StatusRunning),
	string(types.StatusPaused),
}

const (
	// txRetries 迭代持久化事务的最大尝试次数
	txRetries = 3

	defaultListLimit = 100
)

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	return limit
}

// =============================================================================
// 💾 GORM 持久化
// =============================================================================

// Store 基于 GORM 的持久化实现，供状态机、调度与归档共享
type Store struct {
	pool   *database.PoolManager
	logger *zap.Logger
}

// New 创建 Store
func New(pool *database.PoolManager, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		pool:   pool,
		logger: logger.With(zap.String("component", "store")),
	}
}

// AutoMigrate 为开发与测试环境建表，生产环境使用 internal/migration
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("failed to auto migrate: %w", err)
	}
	return nil
}

func (s *Store) db(ctx context.Context) *gorm.DB {
	return s.pool.DB().WithContext(ctx)
}

// Ping 检查数据库连通性
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// =============================================================================
// 🤖 Agent
// =============================================================================

// GetAgent 按 ID 读取 Agent 定义
func (s *Store) GetAgent(ctx context.Context, agentID string) (*types.Agent, error) {
	var m AgentModel
	if err := s.db(ctx).Where("id = ?", agentID).Take(&m).Error; err != nil {
		return nil, notFoundOr(err, "agent", agentID)
	}
	return m.toAgent(), nil
}

// SaveAgent 插入或覆盖 Agent 定义
func (s *Store) SaveAgent(ctx context.Context, agent *types.Agent) error {
	m := agentToModel(agent)
	err := s.db(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(m).Error
	if err != nil {
		return fmt.Errorf("save agent %s: %w", agent.ID, err)
	}
	agent.CreatedAt, agent.UpdatedAt = m.CreatedAt, m.UpdatedAt
	return nil
}

// =============================================================================
// 🔁 Execution
// =============================================================================

// CreateExecution 插入新执行
func (s *Store) CreateExecution(ctx context.Context, exec *types.Execution) error {
	if err := s.db(ctx).Create(executionToModel(exec)).Error; err != nil {
		return fmt.Errorf("create execution %s: %w", exec.ID, err)
	}
	return nil
}

// GetExecution 按租户读取执行
func (s *Store) GetExecution(ctx context.Context, executionID, tenantID string) (*types.Execution, error) {
	var m ExecutionModel
	err := s.db(ctx).Where("id = ? AND tenant_id = ?", executionID, tenantID).Take(&m).Error
	if err != nil {
		return nil, notFoundOr(err, "execution", executionID)
	}
	return m.toExecution(), nil
}

// UpdateExecution 覆盖写执行的全部字段
func (s *Store) UpdateExecution(ctx context.Context, exec *types.Execution) error {
	return updateExecution(s.db(ctx), exec)
}

// SaveIteration 在同一事务中追加迭代日志并写回执行
func (s *Store) SaveIteration(ctx context.Context, exec *types.Execution, log *types.IterationLog) error {
	return s.pool.WithTransactionRetry(ctx, txRetries, func(tx *gorm.DB) error {
		if err := tx.Create(iterationLogToModel(log)).Error; err != nil {
			return fmt.Errorf("append iteration log %s/%d/%s: %w", log.ExecutionID, log.Iteration, log.Phase, err)
		}
		return updateExecution(tx, exec)
	})
}

func updateExecution(db *gorm.DB, exec *types.Execution) error {
	res := db.Model(&ExecutionModel{}).
		Where("id = ? AND tenant_id = ?", exec.ID, exec.TenantID).
		Select("*").
		Updates(executionToModel(exec))
	if res.Error != nil {
		return fmt.Errorf("update execution %s: %w", exec.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return types.NewNotFoundError("execution", exec.ID)
	}
	return nil
}

// ListTimedOut 返回 TimeoutAt 已过且未进入终态的执行，按 TimeoutAt 升序
func (s *Store) ListTimedOut(ctx context.Context, now time.Time, limit int) ([]*types.Execution, error) {
	var models []ExecutionModel
	err := s.db(ctx).
		Where("status IN ? AND timeout_at IS NOT NULL AND timeout_at <= ?", nonTerminalStatuses, now.UTC()).
		Order("timeout_at").
		Limit(normalizeLimit(limit)).
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("list timed out executions: %w", err)
	}
	out := make([]*types.Execution, 0, len(models))
	for i := range models {
		out = append(out, models[i].toExecution())
	}
	return out, nil
}

// ListIterationLogs 按迭代顺序返回执行的全部日志
func (s *Store) ListIterationLogs(ctx context.Context, executionID string) ([]types.IterationLog, error) {
	var models []IterationLogModel
	err := s.db(ctx).Where("execution_id = ?", executionID).Order("iteration, created_at").Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("list iteration logs: %w", err)
	}
	logs := make([]types.IterationLog, 0, len(models))
	for i := range models {
		logs = append(logs, models[i].toIterationLog())
	}
	return logs, nil
}

// =============================================================================
// 📬 TenantQueue
// =============================================================================

// GetTenantQueue 读取租户队列路由
func (s *Store) GetTenantQueue(ctx context.Context, tenantID string) (*types.TenantQueue, error) {
	var m TenantQueueModel
	if err := s.db(ctx).Where("tenant_id = ?", tenantID).Take(&m).Error; err != nil {
		return nil, notFoundOr(err, "tenant queue", tenantID)
	}
	return m.toTenantQueue(), nil
}

// SaveTenantQueue 插入或覆盖租户队列路由
func (s *Store) SaveTenantQueue(ctx context.Context, q *types.TenantQueue) error {
	err := s.db(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(tenantQueueToModel(q)).Error
	if err != nil {
		return fmt.Errorf("save tenant queue %s: %w", q.TenantID, err)
	}
	return nil
}

// =============================================================================
// 🗄️ ArchivedArtifact
// =============================================================================

// BackendUsage 单个后端的归档用量
type BackendUsage struct {
	Backend       types.StorageBackend
	Count         int64
	OriginalBytes int64
	StoredBytes   int64
}

// CreateArtifact 写入归档元数据
func (s *Store) CreateArtifact(ctx context.Context, a *types.ArchivedArtifact) error {
	if err := s.db(ctx).Create(artifactToModel(a)).Error; err != nil {
		return fmt.Errorf("create artifact %s: %w", a.ID, err)
	}
	return nil
}

// GetArtifact 按租户读取未删除的归档元数据
func (s *Store) GetArtifact(ctx context.Context, tenantID, artifactID string) (*types.ArchivedArtifact, error) {
	var m ArchivedArtifactModel
	err := s.db(ctx).
		Where("id = ? AND tenant_id = ? AND deleted_at IS NULL", artifactID, tenantID).
		Take(&m).Error
	if err != nil {
		return nil, notFoundOr(err, "artifact", artifactID)
	}
	return m.toArtifact(), nil
}

// MarkArtifactDeleted 软删除并清空内联数据
func (s *Store) MarkArtifactDeleted(ctx context.Context, artifactID string, at time.Time) error {
	res := s.db(ctx).Model(&ArchivedArtifactModel{}).
		Where("id = ? AND deleted_at IS NULL", artifactID).
		Updates(map[string]any{"deleted_at": at.UTC(), "payload": nil})
	if res.Error != nil {
		return fmt.Errorf("mark artifact %s deleted: %w", artifactID, res.Error)
	}
	if res.RowsAffected == 0 {
		return types.NewNotFoundError("artifact", artifactID)
	}
	return nil
}

// ListExpiredArtifacts 返回已过期且未删除的归档
func (s *Store) ListExpiredArtifacts(ctx context.Context, now time.Time, limit int) ([]*types.ArchivedArtifact, error) {
	var models []ArchivedArtifactModel
	err := s.db(ctx).
		Where("deleted_at IS NULL AND expires_at IS NOT NULL AND expires_at <= ?", now.UTC()).
		Order("expires_at").
		Limit(normalizeLimit(limit)).
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("list expired artifacts: %w", err)
	}
	out := make([]*types.ArchivedArtifact, 0, len(models))
	for i := range models {
		out = append(out, models[i].toArtifact())
	}
	return out, nil
}

// ArtifactUsage 按后端汇总租户的未删除归档
func (s *Store) ArtifactUsage(ctx context.Context, tenantID string) ([]BackendUsage, error) {
	var rows []struct {
		Backend       string
		Count         int64
		OriginalBytes int64
		StoredBytes   int64
	}
	err := s.db(ctx).Model(&ArchivedArtifactModel{}).
		Select("backend, COUNT(*) AS count, COALESCE(SUM(original_size), 0) AS original_bytes, COALESCE(SUM(compressed_size), 0) AS stored_bytes").
		Where("tenant_id = ? AND deleted_at IS NULL", tenantID).
		Group("backend").
		Order("backend").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("artifact usage: %w", err)
	}
	usage := make([]BackendUsage, 0, len(rows))
	for _, r := range rows {
		usage = append(usage, BackendUsage{
			Backend:       types.StorageBackend(r.Backend),
			Count:         r.Count,
			OriginalBytes: r.OriginalBytes,
			StoredBytes:   r.StoredBytes,
		})
	}
	return usage, nil
}

// notFoundOr 将 gorm.ErrRecordNotFound 转为 NotFound，其余错误包装返回
func notFoundOr(err error, kind, id string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return types.NewNotFoundError(kind, id)
	}
	return fmt.Errorf("load %s %s: %w", kind, id, err)
}
