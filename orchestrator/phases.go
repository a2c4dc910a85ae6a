package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/agentcore/archive"
	"github.com/BaSui01/agentcore/types"
)

const (
	// maxInformationNeeds observe 阶段单次最多执行的查询数
	maxInformationNeeds = 3
	// maxPlanSteps decide 阶段计划最多步数
	maxPlanSteps = 3
	// recentObservations 提示词中携带的最近观察条数
	recentObservations = 5
)

// =============================================================================
// 👁 observe
// =============================================================================

const observePrompt = `你正在执行以下目标：
%s

约束条件：
%s

可用工具：%s

最近的观察结果：
%s

请列出 1 到 3 条继续推进目标所需的信息，只输出 JSON：
{"information_needs": [{"tool": "工具名", "query": "要查询的内容", "params": {}}]}`

type informationNeed struct {
	Tool   string         `json:"tool"`
	Query  string         `json:"query"`
	Params map[string]any `json:"params"`
}

func (o *Orchestrator) observe(ctx context.Context, exec *types.Execution, agent *types.Agent) (phaseOutcome, error) {
	prompt := fmt.Sprintf(observePrompt, exec.Goal, formatJSON(exec.Constraints),
		strings.Join(agent.AllowedTools, ", "), formatObservations(exec.Observations))
	content, err := o.invokeModel(ctx, exec, agent, prompt)
	if err != nil {
		return phaseOutcome{}, err
	}

	var reply struct {
		InformationNeeds []informationNeed `json:"information_needs"`
	}
	if err := decodeReply(content, &reply); err != nil {
		o.logger.Warn("observe reply not parseable, no queries issued",
			zap.String("execution_id", exec.ID), zap.Error(err))
	}
	needs := reply.InformationNeeds
	if len(needs) > maxInformationNeeds {
		needs = needs[:maxInformationNeeds]
	}

	for _, need := range needs {
		params := need.Params
		if params == nil {
			params = map[string]any{}
		}
		if _, ok := params["query"]; !ok && need.Query != "" {
			params["query"] = need.Query
		}
		res, err := o.runTool(ctx, exec, agent, need.Tool, params)
		obs := types.Observation{
			Source:    need.Tool,
			Query:     need.Query,
			Success:   err == nil,
			Timestamp: o.now().UTC(),
		}
		if res != nil {
			obs.Result = res.Result
		}
		if err != nil {
			obs.Error = err.Error()
		}
		exec.Observations = append(exec.Observations, obs)
	}

	exec.Phase = types.PhaseOrient
	return phaseOutcome{}, nil
}

// =============================================================================
// 🧭 orient
// =============================================================================

const orientPrompt = `目标：
%s

已收集的观察结果：
%s

请分析这些观察结果，判断目标是否已经达成，并给出假设及置信度（0 到 1）。只输出 JSON：
{"analysis": "分析", "goal_achieved": false, "hypotheses": [{"statement": "假设", "confidence": 0.5}]}`

func (o *Orchestrator) orient(ctx context.Context, exec *types.Execution, agent *types.Agent) (phaseOutcome, error) {
	prompt := fmt.Sprintf(orientPrompt, exec.Goal, formatObservations(exec.Observations))
	content, err := o.invokeModel(ctx, exec, agent, prompt)
	if err != nil {
		return phaseOutcome{}, err
	}

	var reply struct {
		Analysis     string             `json:"analysis"`
		GoalAchieved bool               `json:"goal_achieved"`
		Hypotheses   []types.Hypothesis `json:"hypotheses"`
	}
	if err := decodeReply(content, &reply); err != nil {
		o.logger.Debug("orient reply not JSON, keeping as analysis",
			zap.String("execution_id", exec.ID), zap.Error(err))
		reply.Analysis = content
	}

	hypotheses := make([]types.Hypothesis, 0, len(reply.Hypotheses))
	for _, h := range reply.Hypotheses {
		if h.Statement == "" {
			continue
		}
		h.Confidence = min(max(h.Confidence, 0), 1)
		hypotheses = append(hypotheses, h)
	}
	exec.Hypotheses = hypotheses

	if reply.GoalAchieved {
		exec.Phase = types.PhaseReport
	} else {
		exec.Phase = types.PhaseDecide
	}
	return phaseOutcome{goalAchieved: reply.GoalAchieved}, nil
}

// =============================================================================
// 🗺 decide
// =============================================================================

const decidePrompt = `目标：
%s

当前假设：
%s

可用工具：%s

请制定 1 到 3 步的行动计划，每一步指定工具、参数和理由。只输出 JSON：
{"plan": [{"tool": "工具名", "params": {}, "rationale": "理由"}]}`

func (o *Orchestrator) decide(ctx context.Context, exec *types.Execution, agent *types.Agent) (phaseOutcome, error) {
	prompt := fmt.Sprintf(decidePrompt, exec.Goal, formatJSON(exec.Hypotheses), strings.Join(agent.AllowedTools, ", "))
	content, err := o.invokeModel(ctx, exec, agent, prompt)
	if err != nil {
		return phaseOutcome{}, err
	}

	var reply struct {
		Plan []types.PlannedAction `json:"plan"`
	}
	if err := decodeReply(content, &reply); err != nil {
		o.logger.Warn("decide reply not parseable", zap.String("execution_id", exec.ID), zap.Error(err))
	}
	plan := reply.Plan
	if len(plan) > maxPlanSteps {
		plan = plan[:maxPlanSteps]
	}
	if len(plan) == 0 {
		o.recordNote(exec, "planner", "no actionable plan produced")
		exec.Plan = nil
		exec.Phase = types.PhaseObserve
		return phaseOutcome{}, nil
	}

	if agent.SafetyProfile.RequiresSafetyGate() && o.safety != nil {
		verdict := o.evaluate(ctx, exec, plan)
		if !verdict.Allowed {
			if fixed := o.autoFix(ctx, exec, plan, verdict.Reason); fixed != nil {
				plan = fixed
			} else if agent.RequiresHITL || exec.RequiresHITL {
				return phaseOutcome{}, o.pauseForReview(ctx, exec, plan, verdict.Reason)
			} else {
				o.logger.Info("plan blocked by safety gate, dropped",
					zap.String("execution_id", exec.ID), zap.String("reason", verdict.Reason))
				o.recordNote(exec, "safety_gate", "plan blocked: "+verdict.Reason)
				exec.Plan = nil
				exec.Phase = types.PhaseObserve
				return phaseOutcome{}, nil
			}
		}
	}

	exec.Plan = plan
	exec.Phase = types.PhaseAct
	return phaseOutcome{}, nil
}

// evaluate 闸门异常时按拦截处理
func (o *Orchestrator) evaluate(ctx context.Context, exec *types.Execution, plan []types.PlannedAction) SafetyVerdict {
	verdict, err := o.safety.Evaluate(ctx, exec, plan)
	if err != nil {
		o.logger.Warn("safety evaluation failed, treating as blocked",
			zap.String("execution_id", exec.ID), zap.Error(err))
		return SafetyVerdict{Allowed: false, Reason: "safety evaluation unavailable: " + err.Error()}
	}
	return verdict
}

// autoFix 请求恢复顾问改写被拦截的计划，改写结果须再次通过闸门
func (o *Orchestrator) autoFix(ctx context.Context, exec *types.Execution, plan []types.PlannedAction, reason string) []types.PlannedAction {
	if o.recovery == nil {
		return nil
	}
	blocked := types.NewError(types.ErrSafetyBlocked, reason)
	rec, err := o.recovery.SuggestRecovery(ctx, blocked, plan[0], 1)
	if err != nil || rec == nil || !rec.CanAutoRecover || len(rec.ModifiedPlan) == 0 {
		return nil
	}
	fixed := rec.ModifiedPlan
	if len(fixed) > maxPlanSteps {
		fixed = fixed[:maxPlanSteps]
	}
	if !o.evaluate(ctx, exec, fixed).Allowed {
		return nil
	}
	o.logger.Info("blocked plan replaced by recovery advisor", zap.String("execution_id", exec.ID))
	return fixed
}

// pauseForReview 暂停执行并提交唯一一条人工审核请求，阶段保持 decide
func (o *Orchestrator) pauseForReview(ctx context.Context, exec *types.Execution, plan []types.PlannedAction, reason string) error {
	exec.Plan = plan
	if o.reviews != nil {
		if err := o.reviews.CreateRequest(ctx, exec, plan, reason); err != nil {
			return fmt.Errorf("create review request: %w", err)
		}
	}
	o.transition(exec, types.StatusPaused)
	o.notify(ctx, EventEscalation, exec, reason)
	o.logger.Info("execution paused for human review",
		zap.String("execution_id", exec.ID), zap.String("reason", reason))
	return nil
}

// =============================================================================
// 🛠 act
// =============================================================================

func (o *Orchestrator) act(ctx context.Context, exec *types.Execution, agent *types.Agent) (phaseOutcome, error) {
	for _, action := range exec.Plan {
		exec.CompletedActions = append(exec.CompletedActions, o.executeAction(ctx, exec, agent, action))
	}
	exec.Plan = nil
	exec.Phase = types.PhaseObserve
	return phaseOutcome{}, nil
}

// executeAction 执行单个动作。失败时咨询恢复顾问一次，给出新参数则再试一次。
func (o *Orchestrator) executeAction(ctx context.Context, exec *types.Execution, agent *types.Agent, action types.PlannedAction) types.CompletedAction {
	done := types.CompletedAction{Action: action, Attempts: 1}

	res, err := o.runTool(ctx, exec, agent, action.Tool, action.Params)
	if err != nil && o.recovery != nil && !types.IsErrorCode(err, types.ErrToolNotAllowed) {
		rec, recErr := o.recovery.SuggestRecovery(ctx, err, action, 1)
		switch {
		case recErr != nil:
			o.logger.Warn("recovery advisor failed", zap.String("execution_id", exec.ID), zap.Error(recErr))
		case rec != nil && rec.CanAutoRecover && len(rec.ModifiedParams) > 0:
			done.Attempts = 2
			res, err = o.runTool(ctx, exec, agent, action.Tool, rec.ModifiedParams)
			done.Recovered = err == nil
		}
	}

	done.Success = err == nil
	done.Timestamp = o.now().UTC()
	if res != nil {
		done.Result = o.archiveResult(ctx, exec, action.Tool, res.Result, done.Timestamp)
		if res.Artifact != nil {
			ref := *res.Artifact
			if ref.Tool == "" {
				ref.Tool = action.Tool
			}
			if ref.CreatedAt.IsZero() {
				ref.CreatedAt = done.Timestamp
			}
			exec.Artifacts = append(exec.Artifacts, ref)
		}
	}
	if err != nil {
		done.Error = err.Error()
		done.ErrorCode = types.GetErrorCode(err)
	}
	return done
}

// archiveResult 序列化后达到阈值的工具结果转入归档，执行记录中只保留引用。
// 归档失败时保留原结果。
func (o *Orchestrator) archiveResult(ctx context.Context, exec *types.Execution, tool string, result any, at time.Time) any {
	if o.archiver == nil || o.config.ArchiveThreshold <= 0 || result == nil {
		return result
	}
	data, err := json.Marshal(result)
	if err != nil || len(data) < o.config.ArchiveThreshold {
		return result
	}

	art, err := o.archiver.Archive(ctx, archive.ArchiveRequest{
		TenantID:    exec.TenantID,
		ExecutionID: exec.ID,
		Type:        ArtifactStepOutput,
		Data:        data,
		SnapshotID:  fmt.Sprintf("%s:%d", exec.ID, exec.CurrentIteration),
	})
	if err != nil {
		o.logger.Warn("archive step output failed, keeping inline",
			zap.String("execution_id", exec.ID), zap.String("tool", tool), zap.Error(err))
		return result
	}

	exec.Artifacts = append(exec.Artifacts, types.ArtifactRef{
		ArtifactID: art.ID,
		Type:       ArtifactStepOutput,
		Tool:       tool,
		CreatedAt:  at,
	})
	o.logger.Debug("step output archived",
		zap.String("execution_id", exec.ID),
		zap.String("artifact_id", art.ID),
		zap.Int("bytes", len(data)))
	return ArchivedResult{ArtifactID: art.ID, Bytes: art.OriginalSize}
}

// =============================================================================
// 📝 report
// =============================================================================

const reportPrompt = `目标：
%s

观察结果：
%s

已执行的动作：
%s

请用简洁的段落总结执行结果，包括达成情况与关键发现。`

func (o *Orchestrator) report(ctx context.Context, exec *types.Execution, agent *types.Agent) (phaseOutcome, error) {
	prompt := fmt.Sprintf(reportPrompt, exec.Goal, formatObservations(exec.Observations), formatJSON(exec.CompletedActions))
	content, err := o.invokeModel(ctx, exec, agent, prompt)
	if err != nil {
		return phaseOutcome{}, err
	}
	exec.Plan = nil
	o.finish(exec, types.StatusCompleted, strings.TrimSpace(content))
	o.logger.Info("execution completed",
		zap.String("execution_id", exec.ID),
		zap.Float64("budget_consumed_usd", exec.BudgetConsumed),
		zap.Int64("tokens_used", exec.TokensUsed))
	return phaseOutcome{goalAchieved: true}, nil
}

// =============================================================================
// 模型与工具调用
// =============================================================================

// invokeModel 调用模型并记账。未上报 token 时本地估算，未上报费用时按 token 估价。
func (o *Orchestrator) invokeModel(ctx context.Context, exec *types.Execution, agent *types.Agent, prompt string) (string, error) {
	model := agent.ResolveModel(exec.Config.Model)
	callCtx, cancel := withTimeout(ctx, o.config.ModelTimeout)
	defer cancel()

	resp, err := o.models.Invoke(callCtx, exec.TenantID, model, prompt)
	if err != nil {
		return "", types.NewError(types.ErrPhaseExecutionFailure, "model invocation failed").WithCause(err)
	}
	if resp == nil {
		return "", types.NewError(types.ErrPhaseExecutionFailure, "model returned no response")
	}
	if resp.Model != "" {
		model = resp.Model
	}

	tokens := resp.TokensUsed
	estimated := tokens <= 0
	if estimated {
		tokens = o.counter.CountTokens(model, prompt) + o.counter.CountTokens(model, resp.Content)
	}
	cost := float64(tokens) / 1000 * o.config.CostPer1KTokens
	if resp.CostUSD != nil {
		cost = *resp.CostUSD
	}
	exec.TokensUsed += int64(tokens)
	exec.BudgetConsumed += cost
	o.metrics.RecordModelUsage(model, tokens, cost, estimated)
	return resp.Content, nil
}

// runTool 执行工具并计费。工具不在白名单、执行报错或返回失败都视为错误。
func (o *Orchestrator) runTool(ctx context.Context, exec *types.Execution, agent *types.Agent, tool string, params map[string]any) (*ToolResult, error) {
	if !agent.ToolAllowed(tool) {
		return nil, types.NewToolNotAllowedError(tool, agent.ID)
	}
	if o.tools == nil {
		return nil, errors.New("no tool executor configured")
	}
	callCtx, cancel := withTimeout(ctx, o.config.ToolTimeout)
	defer cancel()
	callCtx = types.WithExecutionID(types.WithTenantID(callCtx, exec.TenantID), exec.ID)

	res, err := o.tools.Execute(callCtx, tool, params)
	exec.BudgetConsumed += o.toolCost(tool, params, res)
	if err != nil {
		return res, fmt.Errorf("tool %s: %w", tool, err)
	}
	if res == nil {
		return nil, fmt.Errorf("tool %s returned no result", tool)
	}
	if !res.Success {
		msg := res.Error
		if msg == "" {
			msg = "unsuccessful"
		}
		return res, fmt.Errorf("tool %s: %s", tool, msg)
	}
	return res, nil
}

// recordNote 记录一条非工具来源的观察
func (o *Orchestrator) recordNote(exec *types.Execution, source, note string) {
	exec.Observations = append(exec.Observations, types.Observation{
		Source:    source,
		Result:    note,
		Success:   false,
		Error:     note,
		Timestamp: o.now().UTC(),
	})
}

// =============================================================================
// 提示词辅助
// =============================================================================

// decodeReply 从模型回复中提取第一个 JSON 对象，容忍代码块与前后说明文字
func decodeReply(content string, dest any) error {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return errors.New("no JSON object in reply")
	}
	return json.Unmarshal([]byte(content[start:end+1]), dest)
}

func formatObservations(observations []types.Observation) string {
	if len(observations) == 0 {
		return "（暂无）"
	}
	if len(observations) > recentObservations {
		observations = observations[len(observations)-recentObservations:]
	}
	return formatJSON(observations)
}

func formatJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil || string(data) == "null" {
		return "（无）"
	}
	return string(data)
}
