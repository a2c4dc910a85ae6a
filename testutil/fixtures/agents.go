// =============================================================================
// 📦 测试数据工厂 - Agent 与执行
// =============================================================================
// 提供预定义的 Agent 定义和执行记录，用于测试
// =============================================================================
package fixtures

import (
	"time"

	"github.com/google/uuid"

	"github.com/BaSui01/agentcore/types"
)

// TestTenant 默认测试租户
const TestTenant = "tenant-test"

// =============================================================================
// 🤖 Agent 工厂
// =============================================================================

// AsyncAgent 返回异步执行、标准安全级别的 Agent
func AsyncAgent() *types.Agent {
	now := time.Now().UTC()
	return &types.Agent{
		ID:                    "agent-async",
		TenantID:              TestTenant,
		Name:                  "researcher",
		Version:               1,
		Category:              "research",
		Capabilities:          []string{"search", "summarize"},
		ExecutionMode:         types.ExecutionModeAsync,
		MaxIterations:         10,
		DefaultTimeoutMinutes: 30,
		MaxBudgetUSD:          5,
		DefaultBudgetUSD:      1,
		DefaultModel:          "gpt-4o-mini",
		AllowedModels:         []string{"gpt-4o-mini", "gpt-4o"},
		AllowedTools:          []string{"web_search", "write_report"},
		SafetyProfile:         types.SafetyProfileStandard,
		Active:                true,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
}

// SyncAgent 返回同步执行的 Agent，调用方自行驱动迭代
func SyncAgent() *types.Agent {
	a := AsyncAgent()
	a.ID = "agent-sync"
	a.ExecutionMode = types.ExecutionModeSync
	return a
}

// StrictAgent 返回需要安全闸门的 Agent
func StrictAgent(requiresHITL bool) *types.Agent {
	a := SyncAgent()
	a.ID = "agent-strict"
	a.SafetyProfile = types.SafetyProfileStrict
	a.RequiresHITL = requiresHITL
	return a
}

// =============================================================================
// 🏃 执行工厂
// =============================================================================

// RunningExecution 返回处于 running 的执行
func RunningExecution(agent *types.Agent, phase types.Phase) *types.Execution {
	now := time.Now().UTC().Truncate(time.Second)
	timeout := now.Add(30 * time.Minute)
	return &types.Execution{
		ID:              uuid.NewString(),
		TenantID:        TestTenant,
		UserID:          "user-test",
		AgentID:         agent.ID,
		Goal:            "summarize recent incidents",
		Status:          types.StatusRunning,
		Phase:           phase,
		BudgetAllocated: agent.DefaultBudgetUSD,
		StartedAt:       &now,
		TimeoutAt:       &timeout,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}
