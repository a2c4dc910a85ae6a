package types

import (
	"slices"
	"time"
)

// ExecutionMode 决定启动后是否立即交给队列异步推进
type ExecutionMode string

const (
	ExecutionModeSync      ExecutionMode = "sync"
	ExecutionModeAsync     ExecutionMode = "async"
	ExecutionModeStreaming ExecutionMode = "streaming"
)

// SafetyProfile 安全策略等级
type SafetyProfile string

const (
	SafetyProfileMinimal  SafetyProfile = "minimal"
	SafetyProfileStandard SafetyProfile = "standard"
	SafetyProfileStrict   SafetyProfile = "strict"
	SafetyProfileHIPAA    SafetyProfile = "hipaa"
)

// RequiresSafetyGate reports whether plans must pass the safety gate.
func (p SafetyProfile) RequiresSafetyGate() bool {
	return p == SafetyProfileStrict || p == SafetyProfileHIPAA
}

// Agent is an immutable (per version) agent definition. The core only reads it.
type Agent struct {
	ID                    string         `json:"id"`
	TenantID              string         `json:"tenant_id"`
	Name                  string         `json:"name"`
	Version               int            `json:"version"`
	Category              string         `json:"category,omitempty"`
	Capabilities          []string       `json:"capabilities,omitempty"`
	ExecutionMode         ExecutionMode  `json:"execution_mode"`
	MaxIterations         int            `json:"max_iterations"`
	DefaultTimeoutMinutes int            `json:"default_timeout_minutes"`
	MaxBudgetUSD          float64        `json:"max_budget_usd"`
	DefaultBudgetUSD      float64        `json:"default_budget_usd"`
	DefaultModel          string         `json:"default_model,omitempty"`
	AllowedModels         []string       `json:"allowed_models,omitempty"`
	AllowedTools          []string       `json:"allowed_tools,omitempty"`
	SafetyProfile         SafetyProfile  `json:"safety_profile"`
	RequiresHITL          bool           `json:"requires_hitl"`
	Active                bool           `json:"active"`
	Overrides             map[string]any `json:"overrides,omitempty"`
	CreatedAt             time.Time      `json:"created_at"`
	UpdatedAt             time.Time      `json:"updated_at"`
}

// ToolAllowed reports whether the tool is on the agent's allow-list.
// An empty allow-list permits nothing.
func (a *Agent) ToolAllowed(tool string) bool {
	return slices.Contains(a.AllowedTools, tool)
}

// ResolveModel picks the model for a call: the requested one when allowed,
// otherwise the agent default, otherwise the first allowed model.
func (a *Agent) ResolveModel(requested string) string {
	if requested != "" && (len(a.AllowedModels) == 0 || slices.Contains(a.AllowedModels, requested)) {
		return requested
	}
	if a.DefaultModel != "" {
		return a.DefaultModel
	}
	if len(a.AllowedModels) > 0 {
		return a.AllowedModels[0]
	}
	return requested
}

// AvailableForTenant 检查 Agent 是否对该租户可用（空 TenantID 表示全局 Agent）
func (a *Agent) AvailableForTenant(tenantID string) bool {
	if !a.Active {
		return false
	}
	return a.TenantID == "" || a.TenantID == tenantID
}
