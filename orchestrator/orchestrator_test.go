package orchestrator_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/agentcore/archive"
	"github.com/BaSui01/agentcore/config"
	"github.com/BaSui01/agentcore/dispatch"
	"github.com/BaSui01/agentcore/internal/cache"
	"github.com/BaSui01/agentcore/orchestrator"
	"github.com/BaSui01/agentcore/store"
	"github.com/BaSui01/agentcore/testutil"
	"github.com/BaSui01/agentcore/testutil/fixtures"
	"github.com/BaSui01/agentcore/testutil/mocks"
	"github.com/BaSui01/agentcore/types"
)

// =============================================================================
// 🧪 测试装置
// =============================================================================

type harness struct {
	orch       *orchestrator.Orchestrator
	store      *store.Store
	models     *mocks.MockModelInvoker
	tools      *mocks.MockToolExecutor
	dispatcher *mocks.MockDispatcher
	gate       *mocks.MockSafetyGate
	advisor    *mocks.MockRecoveryAdvisor
	reviews    *mocks.MockReviewQueue
	notifier   *mocks.MockNotifier
}

func newHarness(t *testing.T, agent *types.Agent, models *mocks.MockModelInvoker, opts ...orchestrator.Option) *harness {
	t.Helper()
	h := &harness{
		store:      testutil.NewTestStore(t),
		models:     models,
		tools:      mocks.NewMockToolExecutor().WithResult("web_search", "3 incidents").WithResult("write_report", "saved"),
		dispatcher: mocks.NewMockDispatcher(),
		gate:       mocks.NewMockSafetyGate(),
		advisor:    mocks.NewMockRecoveryAdvisor(),
		reviews:    mocks.NewMockReviewQueue(),
		notifier:   mocks.NewMockNotifier(),
	}
	require.NoError(t, h.store.SaveAgent(context.Background(), agent))

	cfg := config.DefaultOrchestratorConfig()
	cfg.StartRateLimit = 0
	base := []orchestrator.Option{
		orchestrator.WithDispatcher(h.dispatcher),
		orchestrator.WithSafetyGate(h.gate),
		orchestrator.WithRecoveryAdvisor(h.advisor),
		orchestrator.WithReviewQueue(h.reviews),
		orchestrator.WithNotifier(h.notifier),
	}
	h.orch = orchestrator.New(h.store, h.models, h.tools, cfg, zap.NewNop(), append(base, opts...)...)
	return h
}

// cycleModels 返回覆盖全部阶段的模型回复
func cycleModels(goalAchieved bool) *mocks.MockModelInvoker {
	return mocks.NewMockModelInvoker().
		WithRule(fixtures.ObserveMarker, fixtures.ObserveReply("web_search")).
		WithRule(fixtures.OrientMarker, fixtures.OrientReply(goalAchieved)).
		WithRule(fixtures.DecideMarker, fixtures.DecideReply(fixtures.Action("write_report", map[string]any{"title": "incidents"}))).
		WithRule(fixtures.ReportMarker, fixtures.ReportReply())
}

func (h *harness) start(t *testing.T, agent *types.Agent) string {
	t.Helper()
	res, err := h.orch.StartExecution(testutil.TestContext(t), orchestrator.StartRequest{
		AgentID:  agent.ID,
		TenantID: fixtures.TestTenant,
		UserID:   "user-test",
		Goal:     "summarize recent incidents",
	})
	require.NoError(t, err)
	return res.ExecutionID
}

func (h *harness) seed(t *testing.T, exec *types.Execution) *types.Execution {
	t.Helper()
	require.NoError(t, h.store.CreateExecution(context.Background(), exec))
	return exec
}

func (h *harness) reload(t *testing.T, id string) *types.Execution {
	t.Helper()
	exec, err := h.store.GetExecution(context.Background(), id, fixtures.TestTenant)
	require.NoError(t, err)
	return exec
}

// =============================================================================
// 🚀 StartExecution
// =============================================================================

func TestStartExecution_AsyncDispatchesFirstIteration(t *testing.T) {
	agent := fixtures.AsyncAgent()
	h := newHarness(t, agent, cycleModels(false))

	before := time.Now().UTC()
	id := h.start(t, agent)

	exec := h.reload(t, id)
	assert.Equal(t, types.StatusRunning, exec.Status)
	assert.Equal(t, types.PhaseObserve, exec.Phase)
	assert.Equal(t, 0, exec.CurrentIteration)
	assert.InDelta(t, 1.0, exec.BudgetAllocated, 1e-9)
	require.NotNil(t, exec.TimeoutAt)
	assert.WithinDuration(t, before.Add(30*time.Minute), *exec.TimeoutAt, 5*time.Second)

	msgs := h.dispatcher.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, types.MessageIterate, msgs[0].Type)
	assert.Equal(t, id, msgs[0].ExecutionID)
	assert.Equal(t, fixtures.TestTenant, msgs[0].TenantID)
}

func TestStartExecution_SyncDoesNotDispatch(t *testing.T) {
	agent := fixtures.SyncAgent()
	h := newHarness(t, agent, cycleModels(false))

	id := h.start(t, agent)

	assert.Equal(t, types.StatusRunning, h.reload(t, id).Status)
	assert.Empty(t, h.dispatcher.Messages())
}

func TestStartExecution_BudgetAndTimeoutOverrides(t *testing.T) {
	agent := fixtures.SyncAgent()
	h := newHarness(t, agent, cycleModels(false))

	requested := 50.0
	minutes := 5
	res, err := h.orch.StartExecution(context.Background(), orchestrator.StartRequest{
		AgentID:  agent.ID,
		TenantID: fixtures.TestTenant,
		Goal:     "g",
		Config:   types.ExecutionConfig{BudgetUSD: &requested, TimeoutMinutes: &minutes},
	})
	require.NoError(t, err)

	exec := h.reload(t, res.ExecutionID)
	assert.InDelta(t, agent.MaxBudgetUSD, exec.BudgetAllocated, 1e-9)
	assert.WithinDuration(t, exec.CreatedAt.Add(5*time.Minute), *exec.TimeoutAt, time.Second)
}

func TestStartExecution_AgentUnavailable(t *testing.T) {
	agent := fixtures.SyncAgent()
	h := newHarness(t, agent, cycleModels(false))

	inactive := fixtures.SyncAgent()
	inactive.ID = "agent-retired"
	inactive.Active = false
	require.NoError(t, h.store.SaveAgent(context.Background(), inactive))

	tests := []struct {
		name     string
		agentID  string
		tenantID string
	}{
		{"unknown agent", "agent-missing", fixtures.TestTenant},
		{"inactive agent", inactive.ID, fixtures.TestTenant},
		{"other tenant", agent.ID, "tenant-other"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.orch.StartExecution(context.Background(), orchestrator.StartRequest{
				AgentID: tt.agentID, TenantID: tt.tenantID, Goal: "g",
			})
			assert.True(t, types.IsNotFound(err), "got %v", err)
		})
	}
}

func TestStartExecution_InvalidRequest(t *testing.T) {
	agent := fixtures.SyncAgent()
	h := newHarness(t, agent, cycleModels(false))

	_, err := h.orch.StartExecution(context.Background(), orchestrator.StartRequest{AgentID: agent.ID, TenantID: fixtures.TestTenant})
	assert.True(t, types.IsErrorCode(err, types.ErrInvalidRequest))
}

func TestStartExecution_RateLimited(t *testing.T) {
	agent := fixtures.SyncAgent()
	mgr, err := cache.NewManager(cache.Config{MaxEntries: 100}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = mgr.Close() })

	st := testutil.NewTestStore(t)
	require.NoError(t, st.SaveAgent(context.Background(), agent))
	cfg := config.DefaultOrchestratorConfig()
	cfg.StartRateLimit = 2
	cfg.StartRateWindow = time.Hour
	orch := orchestrator.New(st, cycleModels(false), mocks.NewMockToolExecutor(), cfg, zap.NewNop(), orchestrator.WithCache(mgr))

	req := orchestrator.StartRequest{AgentID: agent.ID, TenantID: fixtures.TestTenant, Goal: "g"}
	for i := 0; i < 2; i++ {
		_, err := orch.StartExecution(context.Background(), req)
		require.NoError(t, err)
	}
	_, err = orch.StartExecution(context.Background(), req)
	require.Error(t, err)
	assert.True(t, types.IsErrorCode(err, types.ErrRateLimited))
	assert.True(t, types.IsRetryable(err))
}

// =============================================================================
// 🔁 RunIteration
// =============================================================================

func TestRunIteration_GoalAchievedReachesReport(t *testing.T) {
	agent := fixtures.SyncAgent()
	h := newHarness(t, agent, cycleModels(true))
	ctx := testutil.TestContext(t)
	id := h.start(t, agent)

	res, err := h.orch.RunIteration(ctx, id, fixtures.TestTenant)
	require.NoError(t, err)
	assert.False(t, res.Completed)
	assert.Equal(t, types.PhaseOrient, res.NextPhase)

	res, err = h.orch.RunIteration(ctx, id, fixtures.TestTenant)
	require.NoError(t, err)
	assert.True(t, res.GoalAchieved)
	assert.False(t, res.Completed)
	assert.Equal(t, types.PhaseReport, res.NextPhase)

	res, err = h.orch.RunIteration(ctx, id, fixtures.TestTenant)
	require.NoError(t, err)
	assert.True(t, res.Completed)
	assert.Equal(t, types.StatusCompleted, res.Status)

	exec := h.reload(t, id)
	assert.Equal(t, types.StatusCompleted, exec.Status)
	assert.Equal(t, fixtures.ReportReply(), exec.OutputSummary)
	assert.Equal(t, 3, exec.CurrentIteration)
	assert.Equal(t, int64(300), exec.TokensUsed)
	assert.InDelta(t, 0.0006, exec.BudgetConsumed, 1e-9)
	assert.NotNil(t, exec.CompletedAt)
	require.Len(t, exec.Observations, 1)
	assert.True(t, exec.Observations[0].Success)
	require.Len(t, exec.Hypotheses, 1, "empty statements are discarded")
	assert.InDelta(t, 0.8, exec.Hypotheses[0].Confidence, 1e-9)

	logs, err := h.orch.IterationLogs(ctx, id, fixtures.TestTenant)
	require.NoError(t, err)
	require.Len(t, logs, 3)
	assert.Equal(t, []types.Phase{types.PhaseObserve, types.PhaseOrient, types.PhaseReport},
		[]types.Phase{logs[0].Phase, logs[1].Phase, logs[2].Phase})
	assert.Equal(t, 1, logs[0].Iteration)
	assert.NotEmpty(t, logs[0].InputState)
	assert.NotEmpty(t, logs[0].OutputState)
}

func TestRunIteration_DecideThenAct(t *testing.T) {
	agent := fixtures.SyncAgent()
	h := newHarness(t, agent, cycleModels(false))
	ctx := testutil.TestContext(t)
	exec := h.seed(t, fixtures.RunningExecution(agent, types.PhaseDecide))

	res, err := h.orch.RunIteration(ctx, exec.ID, fixtures.TestTenant)
	require.NoError(t, err)
	assert.Equal(t, types.PhaseAct, res.NextPhase)
	assert.Len(t, h.reload(t, exec.ID).Plan, 1)

	res, err = h.orch.RunIteration(ctx, exec.ID, fixtures.TestTenant)
	require.NoError(t, err)
	assert.Equal(t, types.PhaseObserve, res.NextPhase)

	got := h.reload(t, exec.ID)
	assert.Empty(t, got.Plan)
	require.Len(t, got.CompletedActions, 1)
	assert.True(t, got.CompletedActions[0].Success)
	assert.Equal(t, "write_report", got.CompletedActions[0].Action.Tool)
	assert.Equal(t, 1, h.tools.CallCount("write_report"))
}

func TestRunIteration_EmptyPlanReturnsToObserve(t *testing.T) {
	agent := fixtures.SyncAgent()
	models := mocks.NewMockModelInvoker().WithRule(fixtures.DecideMarker, "I am not sure what to do next.")
	h := newHarness(t, agent, models)
	exec := h.seed(t, fixtures.RunningExecution(agent, types.PhaseDecide))

	res, err := h.orch.RunIteration(context.Background(), exec.ID, fixtures.TestTenant)
	require.NoError(t, err)
	assert.Equal(t, types.PhaseObserve, res.NextPhase)
	got := h.reload(t, exec.ID)
	require.Len(t, got.Observations, 1)
	assert.Equal(t, "planner", got.Observations[0].Source)
}

func TestRunIteration_ObserveLimitsQueriesAndEnforcesAllowList(t *testing.T) {
	agent := fixtures.SyncAgent()
	models := mocks.NewMockModelInvoker().
		WithRule(fixtures.ObserveMarker, fixtures.ObserveReply("web_search", "shell_exec", "web_search", "write_report"))
	h := newHarness(t, agent, models)
	exec := h.seed(t, fixtures.RunningExecution(agent, types.PhaseObserve))

	_, err := h.orch.RunIteration(context.Background(), exec.ID, fixtures.TestTenant)
	require.NoError(t, err)

	got := h.reload(t, exec.ID)
	require.Len(t, got.Observations, 3)
	assert.True(t, got.Observations[0].Success)
	assert.False(t, got.Observations[1].Success)
	assert.Contains(t, got.Observations[1].Error, "not allowed")
	assert.Equal(t, 2, h.tools.CallCount("web_search"))
	assert.Equal(t, 0, h.tools.CallCount("shell_exec"))
	assert.Equal(t, 0, h.tools.CallCount("write_report"))
	assert.Equal(t, types.PhaseOrient, got.Phase)
}

func TestRunIteration_ActRecoversOnceAndRecordsFailures(t *testing.T) {
	agent := fixtures.SyncAgent()
	h := newHarness(t, agent, cycleModels(false))
	h.tools.WithSequence("web_search",
		&orchestrator.ToolResult{Success: false, Error: "quota exceeded"},
		&orchestrator.ToolResult{Success: true, Result: "ok", Artifact: &types.ArtifactRef{ArtifactID: "art-1", Type: "report"}},
	)
	h.advisor.WithRecovery(&orchestrator.Recovery{CanAutoRecover: true, ModifiedParams: map[string]any{"query": "narrower"}})

	exec := fixtures.RunningExecution(agent, types.PhaseAct)
	exec.Plan = []types.PlannedAction{
		fixtures.Action("web_search", map[string]any{"query": "incidents"}),
		fixtures.Action("shell_exec", map[string]any{"cmd": "ls"}),
	}
	h.seed(t, exec)

	res, err := h.orch.RunIteration(context.Background(), exec.ID, fixtures.TestTenant)
	require.NoError(t, err)
	assert.Equal(t, types.PhaseObserve, res.NextPhase)

	got := h.reload(t, exec.ID)
	require.Len(t, got.CompletedActions, 2)

	recovered := got.CompletedActions[0]
	assert.True(t, recovered.Success)
	assert.True(t, recovered.Recovered)
	assert.Equal(t, 2, recovered.Attempts)

	denied := got.CompletedActions[1]
	assert.False(t, denied.Success)
	assert.Equal(t, types.ErrToolNotAllowed, denied.ErrorCode)
	assert.Equal(t, 1, denied.Attempts)

	require.Len(t, got.Artifacts, 1)
	assert.Equal(t, "web_search", got.Artifacts[0].Tool)
	assert.Len(t, h.advisor.Requests(), 1, "advisor is only consulted for the recoverable failure")

	calls := h.tools.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, "narrower", calls[1].Params["query"])
}

func TestRunIteration_ActArchivesLargeToolResult(t *testing.T) {
	ctx := context.Background()
	archiver, err := archive.NewArchiver(testutil.NewTestStore(t), nil, config.DefaultArchiveConfig(), nil, zap.NewNop())
	require.NoError(t, err)

	agent := fixtures.SyncAgent()
	h := newHarness(t, agent, cycleModels(false), orchestrator.WithArchiver(archiver))
	big := strings.Repeat("incident 4711: database failover took 93s\n", 1000)
	h.tools.WithResult("web_search", big)

	exec := fixtures.RunningExecution(agent, types.PhaseAct)
	exec.Plan = []types.PlannedAction{
		fixtures.Action("web_search", map[string]any{"query": "incidents"}),
		fixtures.Action("write_report", map[string]any{"title": "incidents"}),
	}
	h.seed(t, exec)

	_, err = h.orch.RunIteration(ctx, exec.ID, fixtures.TestTenant)
	require.NoError(t, err)

	got := h.reload(t, exec.ID)
	require.Len(t, got.CompletedActions, 2)
	ref, ok := got.CompletedActions[0].Result.(map[string]any)
	require.True(t, ok, "large result replaced by an archive reference, got %T", got.CompletedActions[0].Result)
	artifactID, _ := ref["archived_artifact_id"].(string)
	require.NotEmpty(t, artifactID)
	assert.Equal(t, "saved", got.CompletedActions[1].Result, "small results stay inline")

	require.Len(t, got.Artifacts, 1)
	assert.Equal(t, artifactID, got.Artifacts[0].ArtifactID)
	assert.Equal(t, orchestrator.ArtifactStepOutput, got.Artifacts[0].Type)
	assert.Equal(t, "web_search", got.Artifacts[0].Tool)

	data, err := archiver.Retrieve(ctx, fixtures.TestTenant, artifactID)
	require.NoError(t, err)
	want, err := json.Marshal(big)
	require.NoError(t, err)
	assert.Equal(t, want, data)
}

func TestRunIteration_MaxIterationsTimesOut(t *testing.T) {
	agent := fixtures.SyncAgent()
	agent.MaxIterations = 1
	h := newHarness(t, agent, cycleModels(false))
	id := h.start(t, agent)

	res, err := h.orch.RunIteration(context.Background(), id, fixtures.TestTenant)
	require.NoError(t, err)
	assert.False(t, res.Completed)

	res, err = h.orch.RunIteration(context.Background(), id, fixtures.TestTenant)
	require.NoError(t, err)
	assert.True(t, res.Completed)
	assert.Equal(t, types.StatusTimeout, res.Status)
	assert.Equal(t, types.StatusTimeout, h.reload(t, id).Status)
}

// phaseModels 第一次 orient 未达成目标，第二次达成，驱动完整的 OODA 循环
func phaseModels() *mocks.MockModelInvoker {
	return mocks.NewMockModelInvoker().
		WithRule(fixtures.ObserveMarker, fixtures.ObserveReply("web_search")).
		WithSequence(fixtures.OrientMarker, fixtures.OrientReply(false), fixtures.OrientReply(true)).
		WithRule(fixtures.DecideMarker, fixtures.DecideReply(fixtures.Action("write_report", map[string]any{"title": "incidents"}))).
		WithRule(fixtures.ReportMarker, fixtures.ReportReply())
}

func TestRunIteration_FullPhaseSequence(t *testing.T) {
	agent := fixtures.SyncAgent()
	agent.MaxIterations = 7
	h := newHarness(t, agent, phaseModels())
	ctx := testutil.TestContext(t)
	id := h.start(t, agent)

	want := []types.Phase{
		types.PhaseObserve, types.PhaseOrient, types.PhaseDecide, types.PhaseAct,
		types.PhaseObserve, types.PhaseOrient, types.PhaseReport,
	}
	last := 0
	for i, phase := range want {
		before := h.reload(t, id)
		require.Equal(t, phase, before.Phase, "call %d", i+1)

		res, err := h.orch.RunIteration(ctx, id, fixtures.TestTenant)
		require.NoError(t, err)

		got := h.reload(t, id)
		assert.GreaterOrEqual(t, got.CurrentIteration, last, "iteration must not decrease")
		assert.LessOrEqual(t, got.CurrentIteration, agent.MaxIterations)
		assert.Equal(t, res.Iteration, got.CurrentIteration)
		last = got.CurrentIteration
	}

	exec := h.reload(t, id)
	assert.Equal(t, types.StatusCompleted, exec.Status)
	assert.Equal(t, agent.MaxIterations, exec.CurrentIteration)
	assert.Equal(t, fixtures.ReportReply(), exec.OutputSummary)

	logs, err := h.orch.IterationLogs(ctx, id, fixtures.TestTenant)
	require.NoError(t, err)
	require.Len(t, logs, len(want))
	for i, entry := range logs {
		assert.Equal(t, want[i], entry.Phase)
		assert.Equal(t, i+1, entry.Iteration)
	}
}

func TestRunIteration_CeilingAppliesToReport(t *testing.T) {
	agent := fixtures.SyncAgent()
	agent.MaxIterations = 2
	h := newHarness(t, agent, cycleModels(true))
	ctx := testutil.TestContext(t)
	id := h.start(t, agent)

	for i := 0; i < 2; i++ {
		_, err := h.orch.RunIteration(ctx, id, fixtures.TestTenant)
		require.NoError(t, err)
	}
	exec := h.reload(t, id)
	require.Equal(t, types.PhaseReport, exec.Phase)
	require.Equal(t, 2, exec.CurrentIteration)

	res, err := h.orch.RunIteration(ctx, id, fixtures.TestTenant)
	require.NoError(t, err)
	assert.True(t, res.Completed)
	assert.Equal(t, types.StatusTimeout, res.Status)
	assert.Equal(t, 2, res.Iteration)

	exec = h.reload(t, id)
	assert.Equal(t, types.StatusTimeout, exec.Status)
	assert.Equal(t, 2, exec.CurrentIteration)
	for _, c := range h.models.Calls() {
		assert.NotContains(t, c.Prompt, fixtures.ReportMarker, "report must not run past the ceiling")
	}

	_, err = h.orch.RunIteration(ctx, id, fixtures.TestTenant)
	assert.True(t, types.IsErrorCode(err, types.ErrInvalidState))
}

func TestRunIteration_BudgetExceeded(t *testing.T) {
	agent := fixtures.SyncAgent()
	cost := 2.0
	models := mocks.NewMockModelInvoker().
		WithResponse(fixtures.ObserveMarker, types.ModelResponse{Content: `{"information_needs": []}`, TokensUsed: 50, CostUSD: &cost})
	h := newHarness(t, agent, models)
	id := h.start(t, agent)

	_, err := h.orch.RunIteration(context.Background(), id, fixtures.TestTenant)
	require.NoError(t, err)
	assert.InDelta(t, 2.0, h.reload(t, id).BudgetConsumed, 1e-9)

	res, err := h.orch.RunIteration(context.Background(), id, fixtures.TestTenant)
	require.NoError(t, err)
	assert.True(t, res.Completed)
	assert.Equal(t, types.StatusBudgetExceeded, res.Status)

	exec := h.reload(t, id)
	assert.InDelta(t, exec.BudgetAllocated, exec.BudgetConsumed, 1e-9, "consumption is clamped on terminal")
	assert.Equal(t, 1, h.models.CallCount(), "no model call once the budget is gone")
	testutil.AssertEventuallyTrue(t, func() bool {
		return h.notifier.Count(orchestrator.EventBudgetExceeded) == 1
	}, time.Second)
}

func TestRunIteration_EstimatesUnreportedTokens(t *testing.T) {
	agent := fixtures.SyncAgent()
	models := mocks.NewMockModelInvoker().
		WithResponse(fixtures.ObserveMarker, types.ModelResponse{Content: `{"information_needs": []}`})
	h := newHarness(t, agent, models)
	id := h.start(t, agent)

	_, err := h.orch.RunIteration(context.Background(), id, fixtures.TestTenant)
	require.NoError(t, err)

	exec := h.reload(t, id)
	assert.Positive(t, exec.TokensUsed)
	assert.InDelta(t, float64(exec.TokensUsed)/1000*0.002, exec.BudgetConsumed, 1e-12)
}

func TestRunIteration_ModelFailureMarksFailed(t *testing.T) {
	agent := fixtures.AsyncAgent()
	h := newHarness(t, agent, mocks.NewMockModelInvoker().WithError(errors.New("upstream 503")))
	id := h.start(t, agent)

	res, err := h.orch.RunIteration(context.Background(), id, fixtures.TestTenant)
	require.NoError(t, err)
	assert.True(t, res.Completed)
	assert.Equal(t, types.StatusFailed, res.Status)

	exec := h.reload(t, id)
	assert.Equal(t, types.StatusFailed, exec.Status)
	assert.Contains(t, exec.OutputSummary, "upstream 503")
	assert.Len(t, h.dispatcher.Messages(), 1, "failed executions are not rescheduled")
}

func TestRunIteration_Errors(t *testing.T) {
	agent := fixtures.SyncAgent()
	h := newHarness(t, agent, cycleModels(false))

	_, err := h.orch.RunIteration(context.Background(), "missing", fixtures.TestTenant)
	assert.True(t, types.IsNotFound(err))

	exec := fixtures.RunningExecution(agent, types.PhaseObserve)
	exec.Status = types.StatusPaused
	h.seed(t, exec)
	_, err = h.orch.RunIteration(context.Background(), exec.ID, fixtures.TestTenant)
	assert.True(t, types.IsErrorCode(err, types.ErrInvalidState))
}

func TestRunIteration_AsyncSchedulesContinuation(t *testing.T) {
	agent := fixtures.AsyncAgent()
	h := newHarness(t, agent, cycleModels(false))
	id := h.start(t, agent)

	_, err := h.orch.RunIteration(context.Background(), id, fixtures.TestTenant)
	require.NoError(t, err)

	msgs := h.dispatcher.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, 1, msgs[1].Payload["iteration"])
}

// =============================================================================
// 🛡 decide + 安全闸门
// =============================================================================

func TestDecide_BlockedWithHITLPausesOnce(t *testing.T) {
	agent := fixtures.StrictAgent(true)
	h := newHarness(t, agent, cycleModels(false))
	h.gate.Block("plan touches patient records")
	exec := fixtures.RunningExecution(agent, types.PhaseDecide)
	exec.RequiresHITL = true
	h.seed(t, exec)

	res, err := h.orch.RunIteration(context.Background(), exec.ID, fixtures.TestTenant)
	require.NoError(t, err)
	assert.False(t, res.Completed)
	assert.Equal(t, types.StatusPaused, res.Status)
	assert.Equal(t, types.PhaseDecide, res.NextPhase)

	got := h.reload(t, exec.ID)
	assert.Equal(t, types.StatusPaused, got.Status)
	assert.Len(t, got.Plan, 1)

	reviews := h.reviews.Requests()
	require.Len(t, reviews, 1)
	assert.Equal(t, "plan touches patient records", reviews[0].Reason)
	testutil.AssertEventuallyTrue(t, func() bool {
		return h.notifier.Count(orchestrator.EventEscalation) == 1
	}, time.Second)

	_, err = h.orch.RunIteration(context.Background(), exec.ID, fixtures.TestTenant)
	assert.True(t, types.IsErrorCode(err, types.ErrInvalidState))
	assert.Len(t, h.reviews.Requests(), 1)

	resumed, err := h.orch.ResumeExecution(context.Background(), exec.ID, fixtures.TestTenant, nil)
	require.NoError(t, err)
	assert.Equal(t, types.StatusRunning, resumed.Status)
	assert.Equal(t, types.PhaseAct, resumed.Phase)
}

func TestDecide_BlockedWithoutHITLDropsPlan(t *testing.T) {
	agent := fixtures.StrictAgent(false)
	h := newHarness(t, agent, cycleModels(false))
	h.gate.Block("destructive write")
	exec := h.seed(t, fixtures.RunningExecution(agent, types.PhaseDecide))

	res, err := h.orch.RunIteration(context.Background(), exec.ID, fixtures.TestTenant)
	require.NoError(t, err)
	assert.Equal(t, types.StatusRunning, res.Status)
	assert.Equal(t, types.PhaseObserve, res.NextPhase)

	got := h.reload(t, exec.ID)
	assert.Empty(t, got.Plan)
	require.Len(t, got.Observations, 1)
	assert.Equal(t, "safety_gate", got.Observations[0].Source)
	assert.Contains(t, got.Observations[0].Error, "destructive write")
	assert.Empty(t, h.reviews.Requests())
}

func TestDecide_BlockedPlanAutoFixed(t *testing.T) {
	agent := fixtures.StrictAgent(true)
	h := newHarness(t, agent, cycleModels(false))
	h.gate.Block("writes are not allowed").AllowTool("web_search")
	h.advisor.WithRecovery(&orchestrator.Recovery{
		CanAutoRecover: true,
		ModifiedPlan:   []types.PlannedAction{fixtures.Action("web_search", map[string]any{"query": "read only"})},
	})
	exec := h.seed(t, fixtures.RunningExecution(agent, types.PhaseDecide))

	res, err := h.orch.RunIteration(context.Background(), exec.ID, fixtures.TestTenant)
	require.NoError(t, err)
	assert.Equal(t, types.StatusRunning, res.Status)
	assert.Equal(t, types.PhaseAct, res.NextPhase)

	got := h.reload(t, exec.ID)
	require.Len(t, got.Plan, 1)
	assert.Equal(t, "web_search", got.Plan[0].Tool)
	assert.Empty(t, h.reviews.Requests())
	assert.Equal(t, 2, h.gate.Calls())
}

func TestDecide_StandardProfileSkipsGate(t *testing.T) {
	agent := fixtures.SyncAgent()
	h := newHarness(t, agent, cycleModels(false))
	h.gate.Block("never consulted")
	exec := h.seed(t, fixtures.RunningExecution(agent, types.PhaseDecide))

	res, err := h.orch.RunIteration(context.Background(), exec.ID, fixtures.TestTenant)
	require.NoError(t, err)
	assert.Equal(t, types.PhaseAct, res.NextPhase)
	assert.Zero(t, h.gate.Calls())
}

// =============================================================================
// ⏹ Cancel / Resume / Sweep / HandleMessage
// =============================================================================

func TestCancelExecution_Idempotent(t *testing.T) {
	agent := fixtures.SyncAgent()
	h := newHarness(t, agent, cycleModels(false))
	id := h.start(t, agent)

	first, err := h.orch.CancelExecution(context.Background(), id, fixtures.TestTenant, "user abort")
	require.NoError(t, err)
	assert.Equal(t, types.StatusCancelled, first.Status)
	require.NotNil(t, first.CompletedAt)

	second, err := h.orch.CancelExecution(context.Background(), id, fixtures.TestTenant, "again")
	require.NoError(t, err)
	assert.Equal(t, types.StatusCancelled, second.Status)
	assert.Equal(t, "user abort", second.OutputSummary)
	assert.WithinDuration(t, *first.CompletedAt, *second.CompletedAt, time.Second)

	_, err = h.orch.RunIteration(context.Background(), id, fixtures.TestTenant)
	assert.True(t, types.IsErrorCode(err, types.ErrInvalidState))
}

func TestCancelExecution_NotFound(t *testing.T) {
	agent := fixtures.SyncAgent()
	h := newHarness(t, agent, cycleModels(false))

	_, err := h.orch.CancelExecution(context.Background(), "missing", fixtures.TestTenant, "")
	assert.True(t, types.IsNotFound(err))
}

func TestResumeExecution_OnlyFromPaused(t *testing.T) {
	agent := fixtures.SyncAgent()
	h := newHarness(t, agent, cycleModels(false))
	id := h.start(t, agent)

	_, err := h.orch.ResumeExecution(context.Background(), id, fixtures.TestTenant, nil)
	assert.True(t, types.IsErrorCode(err, types.ErrInvalidState))
}

func TestResumeExecution_OverridesPlan(t *testing.T) {
	agent := fixtures.AsyncAgent()
	h := newHarness(t, agent, cycleModels(false))
	exec := fixtures.RunningExecution(agent, types.PhaseDecide)
	exec.Status = types.StatusPaused
	exec.Plan = []types.PlannedAction{fixtures.Action("write_report", nil)}
	h.seed(t, exec)

	plan := []types.PlannedAction{fixtures.Action("web_search", map[string]any{"query": "approved"})}
	resumed, err := h.orch.ResumeExecution(context.Background(), exec.ID, fixtures.TestTenant, &orchestrator.Modifications{Plan: plan})
	require.NoError(t, err)
	assert.Equal(t, types.PhaseAct, resumed.Phase)

	got := h.reload(t, exec.ID)
	require.Len(t, got.Plan, 1)
	assert.Equal(t, "web_search", got.Plan[0].Tool)
	assert.Len(t, h.dispatcher.Messages(), 1)
}

func TestSweepTimeouts(t *testing.T) {
	agent := fixtures.SyncAgent()
	h := newHarness(t, agent, cycleModels(false))
	now := time.Now().UTC()

	overdue := fixtures.RunningExecution(agent, types.PhaseObserve)
	past := now.Add(-time.Minute)
	overdue.TimeoutAt = &past
	h.seed(t, overdue)
	fresh := h.seed(t, fixtures.RunningExecution(agent, types.PhaseObserve))

	n, err := h.orch.SweepTimeouts(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, types.StatusTimeout, h.reload(t, overdue.ID).Status)
	assert.Equal(t, types.StatusRunning, h.reload(t, fresh.ID).Status)
	testutil.AssertEventuallyTrue(t, func() bool {
		return h.notifier.Count(orchestrator.EventExpired) == 1
	}, time.Second)

	n, err = h.orch.SweepTimeouts(context.Background(), now)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestHandleMessage(t *testing.T) {
	agent := fixtures.AsyncAgent()
	h := newHarness(t, agent, cycleModels(false))
	id := h.start(t, agent)
	msg := h.dispatcher.Messages()[0]

	require.NoError(t, h.orch.HandleMessage(context.Background(), msg))
	assert.Equal(t, 1, h.reload(t, id).CurrentIteration)

	cancel := &dispatch.Message{
		Type:        types.MessageCancel,
		TenantID:    fixtures.TestTenant,
		ExecutionID: id,
		Payload:     map[string]any{"reason": "tenant offboarded"},
		Timestamp:   time.Now(),
	}
	require.NoError(t, h.orch.HandleMessage(context.Background(), cancel))
	assert.Equal(t, "tenant offboarded", h.reload(t, id).OutputSummary)

	// 已取消执行的迭代消息直接丢弃
	assert.NoError(t, h.orch.HandleMessage(context.Background(), msg))
	assert.Equal(t, 1, h.reload(t, id).CurrentIteration)
}

func TestGetExecution_ReadsThroughCache(t *testing.T) {
	agent := fixtures.SyncAgent()
	mgr, err := cache.NewManager(cache.Config{MaxEntries: 100}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = mgr.Close() })
	h := newHarness(t, agent, cycleModels(false), orchestrator.WithCache(mgr))
	id := h.start(t, agent)

	_, err = h.orch.RunIteration(context.Background(), id, fixtures.TestTenant)
	require.NoError(t, err)

	exec, err := h.orch.GetExecution(context.Background(), id, fixtures.TestTenant)
	require.NoError(t, err)
	assert.Equal(t, 1, exec.CurrentIteration)

	var memory map[string]any
	require.NoError(t, mgr.GetJSON(context.Background(), mgr.Key(cache.KindWorkingMemory, fixtures.TestTenant, id), &memory))
	assert.Equal(t, "orient", memory["phase"])

	_, err = h.orch.GetExecution(context.Background(), id, "tenant-other")
	assert.True(t, types.IsNotFound(err))
}
