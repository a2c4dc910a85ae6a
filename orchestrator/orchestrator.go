package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/agentcore/config"
	"github.com/BaSui01/agentcore/dispatch"
	"github.com/BaSui01/agentcore/internal/cache"
	"github.com/BaSui01/agentcore/internal/metrics"
	"github.com/BaSui01/agentcore/internal/telemetry"
	"github.com/BaSui01/agentcore/internal/tokenizer"
	"github.com/BaSui01/agentcore/types"
)

// sweepBatch 单次超时扫描上限
const sweepBatch = 100

// =============================================================================
// 🧭 Orchestrator
// =============================================================================

// Orchestrator 迭代状态机。每次调用只执行一个阶段并持久化，
// 之后由 Dispatcher 调度下一次迭代。
type Orchestrator struct {
	store       Store
	models      types.ModelInvoker
	tools       ToolExecutor
	dispatcher  Dispatcher
	cache       *cache.Manager
	safety      SafetyGate
	recovery    RecoveryAdvisor
	reviews     ReviewQueue
	notifier    Notifier
	archiver    Archiver
	toolCost    ToolCostFunc
	counter     tokenizer.Counter
	metrics     *metrics.Collector
	instruments *telemetry.Instruments
	config      config.OrchestratorConfig
	logger      *zap.Logger
	now         func() time.Time
}

// Option Orchestrator 可选项
type Option func(*Orchestrator)

// WithDispatcher 设置异步续跑的投递器
func WithDispatcher(d Dispatcher) Option { return func(o *Orchestrator) { o.dispatcher = d } }

// WithCache 设置缓存层
func WithCache(c *cache.Manager) Option { return func(o *Orchestrator) { o.cache = c } }

// WithSafetyGate 设置安全闸门
func WithSafetyGate(g SafetyGate) Option { return func(o *Orchestrator) { o.safety = g } }

// WithRecoveryAdvisor 设置错误恢复顾问
func WithRecoveryAdvisor(r RecoveryAdvisor) Option { return func(o *Orchestrator) { o.recovery = r } }

// WithReviewQueue 设置人工审核队列
func WithReviewQueue(q ReviewQueue) Option { return func(o *Orchestrator) { o.reviews = q } }

// WithNotifier 设置通知分发
func WithNotifier(n Notifier) Option { return func(o *Orchestrator) { o.notifier = n } }

// WithArchiver 设置归档层，超过 ArchiveThreshold 的工具结果写入归档
func WithArchiver(a Archiver) Option { return func(o *Orchestrator) { o.archiver = a } }

// WithToolCost 设置工具计费函数
func WithToolCost(f ToolCostFunc) Option { return func(o *Orchestrator) { o.toolCost = f } }

// WithTokenCounter 设置模型未上报用量时的 token 估算器
func WithTokenCounter(c tokenizer.Counter) Option { return func(o *Orchestrator) { o.counter = c } }

// WithMetrics 设置 Prometheus 采集器
func WithMetrics(c *metrics.Collector) Option { return func(o *Orchestrator) { o.metrics = c } }

// WithInstruments 设置 OTel 计数器
func WithInstruments(i *telemetry.Instruments) Option {
	return func(o *Orchestrator) { o.instruments = i }
}

// WithClock 替换时钟
func WithClock(now func() time.Time) Option { return func(o *Orchestrator) { o.now = now } }

// New 创建 Orchestrator
func New(store Store, models types.ModelInvoker, tools ToolExecutor, cfg config.OrchestratorConfig, logger *zap.Logger, opts ...Option) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := config.DefaultOrchestratorConfig()
	if cfg.StartRateWindow <= 0 {
		cfg.StartRateWindow = def.StartRateWindow
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	o := &Orchestrator{
		store:    store,
		models:   models,
		tools:    tools,
		toolCost: func(string, map[string]any, *ToolResult) float64 { return 0 },
		counter:  tokenizer.NewEstimator(),
		config:   cfg,
		logger:   logger.With(zap.String("component", "orchestrator")),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// StartRequest 启动执行的参数
type StartRequest struct {
	AgentID     string                `json:"agent_id"`
	TenantID    string                `json:"tenant_id"`
	UserID      string                `json:"user_id,omitempty"`
	SessionID   string                `json:"session_id,omitempty"`
	Goal        string                `json:"goal"`
	Constraints map[string]any        `json:"constraints,omitempty"`
	Config      types.ExecutionConfig `json:"config"`
}

// StartResult 启动结果
type StartResult struct {
	ExecutionID string                `json:"execution_id"`
	Status      types.ExecutionStatus `json:"status"`
}

// IterationResult 单次迭代结果。Completed 为 true 时不应再调度下一次迭代。
type IterationResult struct {
	ExecutionID  string                `json:"execution_id"`
	Completed    bool                  `json:"completed"`
	GoalAchieved bool                  `json:"goal_achieved"`
	NextPhase    types.Phase           `json:"next_phase"`
	Status       types.ExecutionStatus `json:"status"`
	Iteration    int                   `json:"iteration"`
}

// Modifications 恢复执行时对待执行计划的修改
type Modifications struct {
	Plan []types.PlannedAction `json:"plan,omitempty"`
}

// StartExecution 创建执行。异步 Agent 会立即投递第一次迭代。
func (o *Orchestrator) StartExecution(ctx context.Context, req StartRequest) (*StartResult, error) {
	if req.AgentID == "" || req.TenantID == "" || req.Goal == "" {
		return nil, types.NewError(types.ErrInvalidRequest, "agent_id, tenant_id and goal are required")
	}
	if err := o.checkStartRate(ctx, req.TenantID, req.UserID); err != nil {
		return nil, err
	}

	agent, err := o.loadAgent(ctx, req.AgentID, req.TenantID)
	if err != nil {
		return nil, err
	}

	budget := agent.DefaultBudgetUSD
	if req.Config.BudgetUSD != nil {
		budget = *req.Config.BudgetUSD
	}
	if agent.MaxBudgetUSD > 0 {
		budget = min(budget, agent.MaxBudgetUSD)
	}
	timeoutMinutes := agent.DefaultTimeoutMinutes
	if req.Config.TimeoutMinutes != nil {
		timeoutMinutes = *req.Config.TimeoutMinutes
	}

	now := o.now().UTC()
	exec := &types.Execution{
		ID:              uuid.NewString(),
		TenantID:        req.TenantID,
		UserID:          req.UserID,
		SessionID:       req.SessionID,
		AgentID:         agent.ID,
		Goal:            req.Goal,
		Constraints:     req.Constraints,
		Config:          req.Config,
		Status:          types.StatusPending,
		Phase:           types.PhaseObserve,
		BudgetAllocated: budget,
		RequiresHITL:    agent.RequiresHITL,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if timeoutMinutes > 0 {
		timeoutAt := now.Add(time.Duration(timeoutMinutes) * time.Minute)
		exec.TimeoutAt = &timeoutAt
	}
	if err := o.store.CreateExecution(ctx, exec); err != nil {
		return nil, err
	}
	o.metrics.RecordExecutionStarted(agent.ID, string(agent.ExecutionMode))

	async := agent.ExecutionMode == types.ExecutionModeAsync && o.dispatcher != nil
	if async {
		o.transition(exec, types.StatusProvisioning)
	}
	o.transition(exec, types.StatusRunning)
	exec.StartedAt = &now
	if err := o.persist(ctx, exec); err != nil {
		return nil, err
	}

	if async {
		o.scheduleNext(ctx, exec)
	}

	o.logger.Info("execution started",
		zap.String("execution_id", exec.ID),
		zap.String("tenant_id", exec.TenantID),
		zap.String("agent_id", agent.ID),
		zap.Float64("budget_usd", budget),
		zap.Int("timeout_minutes", timeoutMinutes),
		zap.Bool("async", async))
	return &StartResult{ExecutionID: exec.ID, Status: exec.Status}, nil
}

func (o *Orchestrator) checkStartRate(ctx context.Context, tenantID, userID string) error {
	if o.cache == nil || o.config.StartRateLimit <= 0 {
		return nil
	}
	res, err := o.cache.IncrementRateLimit(ctx, tenantID, userID, o.config.StartRateLimit, o.config.StartRateWindow)
	if err != nil {
		o.logger.Warn("start rate limit unavailable, allowing", zap.String("tenant_id", tenantID), zap.Error(err))
		return nil
	}
	if res.Limited {
		return types.Errorf(types.ErrRateLimited, "tenant %s exceeded %d executions per %s, retry after %s",
			tenantID, res.Limit, o.config.StartRateWindow, res.ResetAt.Format(time.RFC3339)).WithRetryable(true)
	}
	return nil
}

// GetExecution 读取执行（缓存优先）
func (o *Orchestrator) GetExecution(ctx context.Context, executionID, tenantID string) (*types.Execution, error) {
	return o.loadExecution(ctx, executionID, tenantID)
}

// IterationLogs 返回执行的迭代日志
func (o *Orchestrator) IterationLogs(ctx context.Context, executionID, tenantID string) ([]types.IterationLog, error) {
	if _, err := o.store.GetExecution(ctx, executionID, tenantID); err != nil {
		return nil, err
	}
	return o.store.ListIterationLogs(ctx, executionID)
}

// CancelExecution 取消执行。仅 pending/running/paused 可取消，其余状态为幂等空操作。
// 正在执行的阶段不会被中断，下一次迭代检查状态时停止。
func (o *Orchestrator) CancelExecution(ctx context.Context, executionID, tenantID, reason string) (*types.Execution, error) {
	exec, err := o.store.GetExecution(ctx, executionID, tenantID)
	if err != nil {
		return nil, err
	}
	if !exec.Status.Cancellable() {
		return exec, nil
	}
	if reason == "" {
		reason = "cancelled by request"
	}
	o.finish(exec, types.StatusCancelled, reason)
	if err := o.persist(ctx, exec); err != nil {
		return nil, err
	}
	o.logger.Info("execution cancelled",
		zap.String("execution_id", exec.ID), zap.String("tenant_id", tenantID), zap.String("reason", reason))
	return exec, nil
}

// ResumeExecution 从 paused 恢复。带待执行计划时直接进入 act。
func (o *Orchestrator) ResumeExecution(ctx context.Context, executionID, tenantID string, mods *Modifications) (*types.Execution, error) {
	exec, err := o.store.GetExecution(ctx, executionID, tenantID)
	if err != nil {
		return nil, err
	}
	if exec.Status != types.StatusPaused {
		return nil, types.NewInvalidStateError("resume", exec.Status)
	}
	if mods != nil && mods.Plan != nil {
		exec.Plan = mods.Plan
	}
	if len(exec.Plan) > 0 {
		exec.Phase = types.PhaseAct
	}
	o.transition(exec, types.StatusRunning)
	if err := o.persist(ctx, exec); err != nil {
		return nil, err
	}

	agent, err := o.loadAgent(ctx, exec.AgentID, tenantID)
	if err == nil && agent.ExecutionMode == types.ExecutionModeAsync {
		o.scheduleNext(ctx, exec)
	}
	o.logger.Info("execution resumed",
		zap.String("execution_id", exec.ID), zap.String("phase", string(exec.Phase)))
	return exec, nil
}

// SweepTimeouts 将超过 TimeoutAt 的非终态执行标记为 timeout，返回处理数量
func (o *Orchestrator) SweepTimeouts(ctx context.Context, now time.Time) (int, error) {
	overdue, err := o.store.ListTimedOut(ctx, now, sweepBatch)
	if err != nil {
		return 0, err
	}
	swept := 0
	for _, exec := range overdue {
		if exec.Status.IsTerminal() {
			continue
		}
		o.finish(exec, types.StatusTimeout, "execution exceeded its wall-clock timeout")
		if err := o.persist(ctx, exec); err != nil {
			o.logger.Warn("timeout sweep update failed", zap.String("execution_id", exec.ID), zap.Error(err))
			continue
		}
		o.notify(ctx, EventExpired, exec, "wall-clock timeout")
		swept++
	}
	o.metrics.RecordTimeoutSweep(swept)
	if swept > 0 {
		o.logger.Info("timed out executions swept", zap.Int("count", swept))
	}
	return swept, nil
}

// RunSweeper 按 SweepInterval 周期执行超时扫描，直到 ctx 取消
func (o *Orchestrator) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(o.config.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := o.SweepTimeouts(ctx, o.now()); err != nil && ctx.Err() == nil {
				o.logger.Warn("timeout sweep failed", zap.Error(err))
			}
		}
	}
}

// HandleMessage 队列消费入口，实现 dispatch.Handler
func (o *Orchestrator) HandleMessage(ctx context.Context, msg *dispatch.Message) error {
	var err error
	switch msg.Type {
	case types.MessageStart, types.MessageIterate:
		_, err = o.RunIteration(ctx, msg.ExecutionID, msg.TenantID)
	case types.MessageResume:
		_, err = o.ResumeExecution(ctx, msg.ExecutionID, msg.TenantID, nil)
	case types.MessageCancel:
		reason, _ := msg.Payload["reason"].(string)
		_, err = o.CancelExecution(ctx, msg.ExecutionID, msg.TenantID, reason)
	}
	if err == nil {
		return nil
	}

	// 执行不存在或已离开 running 时，这条消息没有意义
	if types.IsNotFound(err) || types.IsErrorCode(err, types.ErrInvalidState) {
		o.logger.Debug("dropping stale message",
			zap.String("execution_id", msg.ExecutionID), zap.String("type", string(msg.Type)), zap.Error(err))
		return nil
	}
	if _, ok := types.AsError(err); !ok && !errors.Is(err, context.Canceled) {
		return types.NewError(types.ErrTransientDispatch, "message handling failed").WithCause(err).WithRetryable(true)
	}
	return err
}

// =============================================================================
// 内部辅助
// =============================================================================

// transition 修改状态并记录转换
func (o *Orchestrator) transition(exec *types.Execution, to types.ExecutionStatus) {
	if exec.Status == to {
		return
	}
	if !types.CanTransition(exec.Status, to) {
		o.logger.Warn("unexpected status transition",
			zap.String("execution_id", exec.ID),
			zap.String("from", string(exec.Status)),
			zap.String("to", string(to)))
	}
	o.metrics.RecordStatusTransition(string(exec.Status), string(to))
	exec.Status = to
}

// finish 进入终态
func (o *Orchestrator) finish(exec *types.Execution, status types.ExecutionStatus, summary string) {
	o.transition(exec, status)
	exec.MarkTerminal(status, summary, o.now().UTC())
	o.metrics.RecordExecutionFinished(string(status))
}

// persist 写存储并刷新缓存
func (o *Orchestrator) persist(ctx context.Context, exec *types.Execution) error {
	exec.UpdatedAt = o.now().UTC()
	if err := o.store.UpdateExecution(ctx, exec); err != nil {
		return err
	}
	o.writeThrough(ctx, exec)
	return nil
}

func (o *Orchestrator) scheduleNext(ctx context.Context, exec *types.Execution) {
	if o.dispatcher == nil {
		return
	}
	res := o.dispatcher.Dispatch(ctx, &dispatch.Message{
		Type:        types.MessageIterate,
		TenantID:    exec.TenantID,
		ExecutionID: exec.ID,
		Payload:     map[string]any{"iteration": exec.CurrentIteration, "phase": string(exec.Phase)},
		Timestamp:   o.now(),
	})
	if !res.Success {
		o.logger.Warn("failed to schedule next iteration",
			zap.String("execution_id", exec.ID),
			zap.String("tenant_id", exec.TenantID),
			zap.String("error", res.Error))
	}
}

func (o *Orchestrator) notify(ctx context.Context, typ EventType, exec *types.Execution, reason string) {
	if o.notifier == nil {
		return
	}
	ev := Event{Type: typ, ExecutionID: exec.ID, TenantID: exec.TenantID, Reason: reason, At: o.now().UTC()}
	go o.notifier.Notify(context.WithoutCancel(ctx), ev)
}
