package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/agentcore/internal/cache"
	"github.com/BaSui01/agentcore/internal/telemetry"
	"github.com/BaSui01/agentcore/types"
)

// phaseOutcome 阶段处理结果
type phaseOutcome struct {
	goalAchieved bool
}

// phaseHandler 阶段处理函数，直接修改 exec 并设置下一阶段
type phaseHandler func(ctx context.Context, exec *types.Execution, agent *types.Agent) (phaseOutcome, error)

// RunIteration 执行当前阶段一次并持久化
func (o *Orchestrator) RunIteration(ctx context.Context, executionID, tenantID string) (result *IterationResult, err error) {
	ctx, span := telemetry.StartSpan(ctx, "orchestrator", "RunIteration",
		telemetry.ExecutionAttrs(executionID, tenantID)...)
	defer func() { telemetry.EndSpan(span, err) }()

	exec, err := o.store.GetExecution(ctx, executionID, tenantID)
	if err != nil {
		return nil, err
	}
	if exec.Status != types.StatusRunning {
		return nil, types.NewInvalidStateError("iterate", exec.Status)
	}

	agent, err := o.loadAgent(ctx, exec.AgentID, tenantID)
	if err != nil {
		return o.fail(ctx, exec, fmt.Errorf("load agent: %w", err)), nil
	}

	if exec.BudgetRemaining() <= 0 {
		o.finish(exec, types.StatusBudgetExceeded, fmt.Sprintf("budget exhausted: consumed %.4f of %.4f USD",
			exec.BudgetConsumed, exec.BudgetAllocated))
		if err := o.persist(ctx, exec); err != nil {
			return nil, err
		}
		o.notify(ctx, EventBudgetExceeded, exec, "budget exhausted")
		return o.result(exec, false), nil
	}
	// 达到上限后不再运行任何阶段（包括 report），只落终态
	if agent.MaxIterations > 0 && exec.CurrentIteration >= agent.MaxIterations {
		o.finish(exec, types.StatusTimeout, fmt.Sprintf("iteration limit %d reached", agent.MaxIterations))
		if err := o.persist(ctx, exec); err != nil {
			return nil, err
		}
		return o.result(exec, false), nil
	}

	phase := exec.Phase
	input, err := snapshot(exec)
	if err != nil {
		return o.fail(ctx, exec, err), nil
	}
	tokensBefore := exec.TokensUsed
	started := o.now()

	outcome, err := o.runPhase(ctx, exec, agent)
	duration := o.now().Sub(started)
	if err != nil {
		o.metrics.RecordPhase(string(phase), "error", duration)
		return o.fail(ctx, exec, fmt.Errorf("phase %s: %w", phase, err)), nil
	}
	o.metrics.RecordPhase(string(phase), "ok", duration)
	o.instruments.RecordIteration(ctx, string(phase), exec.TokensUsed-tokensBefore)

	o.reconcileCancel(ctx, exec)

	output, err := snapshot(exec)
	if err != nil {
		return o.fail(ctx, exec, err), nil
	}
	exec.CurrentIteration++
	exec.UpdatedAt = o.now().UTC()
	entry := &types.IterationLog{
		ID:          uuid.NewString(),
		ExecutionID: exec.ID,
		TenantID:    exec.TenantID,
		Iteration:   exec.CurrentIteration,
		Phase:       phase,
		InputState:  input,
		OutputState: output,
		DurationMs:  duration.Milliseconds(),
		CreatedAt:   exec.UpdatedAt,
	}
	if err := o.store.SaveIteration(ctx, exec, entry); err != nil {
		return o.fail(ctx, exec, fmt.Errorf("save iteration: %w", err)), nil
	}
	o.writeThrough(ctx, exec)

	o.logger.Debug("iteration completed",
		zap.String("execution_id", exec.ID),
		zap.Int("iteration", exec.CurrentIteration),
		zap.String("phase", string(phase)),
		zap.String("next_phase", string(exec.Phase)),
		zap.String("status", string(exec.Status)),
		zap.Duration("duration", duration))

	if exec.Status == types.StatusRunning && agent.ExecutionMode == types.ExecutionModeAsync {
		o.scheduleNext(ctx, exec)
	}
	return o.result(exec, outcome.goalAchieved), nil
}

// runPhase 分派到唯一的阶段处理函数，panic 转为错误
func (o *Orchestrator) runPhase(ctx context.Context, exec *types.Execution, agent *types.Agent) (out phaseOutcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("phase handler panicked",
				zap.String("execution_id", exec.ID),
				zap.String("phase", string(exec.Phase)),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
			err = types.Errorf(types.ErrPhaseExecutionFailure, "phase handler panicked: %v", r)
		}
	}()

	var handler phaseHandler
	switch exec.Phase {
	case types.PhaseObserve:
		handler = o.observe
	case types.PhaseOrient:
		handler = o.orient
	case types.PhaseDecide:
		handler = o.decide
	case types.PhaseAct:
		handler = o.act
	case types.PhaseReport:
		handler = o.report
	default:
		return out, types.Errorf(types.ErrPhaseExecutionFailure, "unknown phase %q", exec.Phase)
	}

	ctx, span := telemetry.StartSpan(ctx, "orchestrator", "phase."+string(exec.Phase),
		telemetry.ExecutionAttrs(exec.ID, exec.TenantID)...)
	out, err = handler(ctx, exec, agent)
	telemetry.EndSpan(span, err)
	return out, err
}

// reconcileCancel 阶段执行期间被取消时保留取消状态
func (o *Orchestrator) reconcileCancel(ctx context.Context, exec *types.Execution) {
	current, err := o.store.GetExecution(ctx, exec.ID, exec.TenantID)
	if err != nil || current.Status != types.StatusCancelled {
		return
	}
	exec.Status = current.Status
	exec.CompletedAt = current.CompletedAt
	exec.OutputSummary = current.OutputSummary
	exec.Plan = nil
}

// fail 标记失败并尽力持久化
func (o *Orchestrator) fail(ctx context.Context, exec *types.Execution, cause error) *IterationResult {
	o.logger.Error("iteration failed",
		zap.String("execution_id", exec.ID),
		zap.String("tenant_id", exec.TenantID),
		zap.String("phase", string(exec.Phase)),
		zap.Error(cause))
	exec.Plan = nil
	o.finish(exec, types.StatusFailed, cause.Error())
	if err := o.persist(ctx, exec); err != nil {
		o.logger.Error("failed to persist failed execution", zap.String("execution_id", exec.ID), zap.Error(err))
	}
	return o.result(exec, false)
}

func (o *Orchestrator) result(exec *types.Execution, goalAchieved bool) *IterationResult {
	return &IterationResult{
		ExecutionID:  exec.ID,
		Completed:    exec.Status.IsTerminal(),
		GoalAchieved: goalAchieved,
		NextPhase:    exec.Phase,
		Status:       exec.Status,
		Iteration:    exec.CurrentIteration,
	}
}

// workingMemory 每次迭代写入缓存的工作记忆
type workingMemory struct {
	Phase        types.Phase             `json:"phase"`
	Iteration    int                     `json:"iteration"`
	Observations []types.Observation     `json:"observations,omitempty"`
	Hypotheses   []types.Hypothesis      `json:"hypotheses,omitempty"`
	Plan         []types.PlannedAction   `json:"plan,omitempty"`
	Completed    []types.CompletedAction `json:"completed_actions,omitempty"`
}

func newWorkingMemory(exec *types.Execution) workingMemory {
	return workingMemory{
		Phase:        exec.Phase,
		Iteration:    exec.CurrentIteration,
		Observations: exec.Observations,
		Hypotheses:   exec.Hypotheses,
		Plan:         exec.Plan,
		Completed:    exec.CompletedActions,
	}
}

// snapshot 序列化迭代日志使用的状态快照
func snapshot(exec *types.Execution) ([]byte, error) {
	data, err := json.Marshal(newWorkingMemory(exec))
	if err != nil {
		return nil, fmt.Errorf("snapshot working state: %w", err)
	}
	return data, nil
}

// =============================================================================
// 💾 缓存读写
// =============================================================================

func (o *Orchestrator) loadAgent(ctx context.Context, agentID, tenantID string) (*types.Agent, error) {
	var agent *types.Agent
	if o.cache != nil {
		var cached types.Agent
		err := o.cache.LoadJSON(ctx, o.cache.Key(cache.KindAgent, tenantID, agentID), o.cache.TTL(cache.KindAgent), &cached,
			func(ctx context.Context) (any, error) { return o.store.GetAgent(ctx, agentID) })
		if err != nil && !types.IsNotFound(err) {
			o.logger.Debug("agent cache load failed, reading store", zap.String("agent_id", agentID), zap.Error(err))
		}
		if err == nil {
			agent = &cached
		} else if types.IsNotFound(err) {
			return nil, err
		}
	}
	if agent == nil {
		loaded, err := o.store.GetAgent(ctx, agentID)
		if err != nil {
			return nil, err
		}
		agent = loaded
	}
	if !agent.AvailableForTenant(tenantID) {
		return nil, types.NewNotFoundError("agent", agentID)
	}
	return agent, nil
}

func (o *Orchestrator) loadExecution(ctx context.Context, executionID, tenantID string) (*types.Execution, error) {
	if o.cache == nil {
		return o.store.GetExecution(ctx, executionID, tenantID)
	}
	var exec types.Execution
	err := o.cache.LoadJSON(ctx, o.cache.Key(cache.KindExecution, tenantID, executionID), o.cache.TTL(cache.KindExecution), &exec,
		func(ctx context.Context) (any, error) { return o.store.GetExecution(ctx, executionID, tenantID) })
	if err == nil {
		return &exec, nil
	}
	if types.IsNotFound(err) {
		return nil, err
	}
	o.logger.Debug("execution cache load failed, reading store", zap.String("execution_id", executionID), zap.Error(err))
	return o.store.GetExecution(ctx, executionID, tenantID)
}

// writeThrough 刷新执行与工作记忆缓存，失败只记录日志
func (o *Orchestrator) writeThrough(ctx context.Context, exec *types.Execution) {
	if o.cache == nil {
		return
	}
	key := o.cache.Key(cache.KindExecution, exec.TenantID, exec.ID)
	if err := o.cache.SetJSON(ctx, key, exec, o.cache.TTL(cache.KindExecution)); err != nil {
		o.logger.Warn("execution cache write failed", zap.String("execution_id", exec.ID), zap.Error(err))
	}
	memKey := o.cache.Key(cache.KindWorkingMemory, exec.TenantID, exec.ID)
	if exec.Status.IsTerminal() {
		_ = o.cache.Delete(ctx, memKey)
		return
	}
	if err := o.cache.SetJSON(ctx, memKey, newWorkingMemory(exec), o.cache.TTL(cache.KindWorkingMemory)); err != nil {
		o.logger.Warn("working memory cache write failed", zap.String("execution_id", exec.ID), zap.Error(err))
	}
}

// withTimeout d <= 0 时不设超时
func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
