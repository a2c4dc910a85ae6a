package types

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestError_ChainingAndHelpers(t *testing.T) {
	t.Parallel()

	root := errors.New("root")
	err := NewError(ErrTransientDispatch, "queue unavailable").
		WithCause(root).
		WithHTTPStatus(503).
		WithRetryable(true)

	if GetErrorCode(err) != ErrTransientDispatch {
		t.Fatalf("expected code %s, got %s", ErrTransientDispatch, GetErrorCode(err))
	}
	if !IsRetryable(err) {
		t.Fatalf("expected retryable")
	}
	if !errors.Is(err, root) {
		t.Fatalf("expected errors.Is unwrap to root")
	}
	if got := err.Error(); got == "" {
		t.Fatalf("expected non-empty error string")
	}
}

func TestError_IsMatchesByCode(t *testing.T) {
	t.Parallel()

	wrapped := fmt.Errorf("load agent: %w", NewNotFoundError("agent", "a-1"))
	assert.True(t, errors.Is(wrapped, NewError(ErrNotFound, "")))
	assert.False(t, errors.Is(wrapped, NewError(ErrInvalidState, "")))
	assert.True(t, IsNotFound(wrapped))
}

func TestIntegrityError_NotRetryable(t *testing.T) {
	t.Parallel()

	err := NewIntegrityError("art-1", "aa", "bb")
	assert.Equal(t, ErrIntegrity, err.Code)
	assert.False(t, IsRetryable(err))
	assert.Contains(t, err.Error(), "art-1")
}

func TestHTTPStatusFor(t *testing.T) {
	t.Parallel()

	assert.Equal(t, http.StatusNotFound, HTTPStatusFor(ErrNotFound))
	assert.Equal(t, http.StatusConflict, HTTPStatusFor(ErrInvalidState))
	assert.Equal(t, http.StatusTooManyRequests, HTTPStatusFor(ErrRateLimited))
	assert.Equal(t, http.StatusInternalServerError, HTTPStatusFor(ErrIntegrity))
}

func TestExecutionStatus_Terminal(t *testing.T) {
	t.Parallel()

	for _, s := range []ExecutionStatus{StatusPending, StatusProvisioning, StatusRunning, StatusPaused} {
		assert.False(t, s.IsTerminal(), s)
	}
	for _, s := range []ExecutionStatus{StatusCompleted, StatusFailed, StatusTimeout, StatusBudgetExceeded, StatusCancelled} {
		assert.True(t, s.IsTerminal(), s)
		assert.False(t, s.Cancellable(), s)
	}
	assert.True(t, CanTransition(StatusPaused, StatusRunning))
	assert.False(t, CanTransition(StatusCompleted, StatusRunning))
}

func TestExecution_MarkTerminalClampsBudget(t *testing.T) {
	t.Parallel()

	exec := &Execution{BudgetAllocated: 1.0, BudgetConsumed: 1.25}
	now := time.Now()
	exec.MarkTerminal(StatusBudgetExceeded, "", now)

	assert.Equal(t, StatusBudgetExceeded, exec.Status)
	assert.Equal(t, 1.0, exec.BudgetConsumed)
	assert.Equal(t, &now, exec.CompletedAt)
}

func TestAgent_ToolAndModelResolution(t *testing.T) {
	t.Parallel()

	a := &Agent{
		Active:        true,
		AllowedTools:  []string{"search"},
		AllowedModels: []string{"gpt-4o", "claude-sonnet"},
		SafetyProfile: SafetyProfileHIPAA,
	}
	assert.True(t, a.ToolAllowed("search"))
	assert.False(t, a.ToolAllowed("shell"))
	assert.Equal(t, "claude-sonnet", a.ResolveModel("claude-sonnet"))
	assert.Equal(t, "gpt-4o", a.ResolveModel("unknown"))
	assert.True(t, a.SafetyProfile.RequiresSafetyGate())
	assert.True(t, a.AvailableForTenant("any"))

	a.TenantID = "t1"
	assert.False(t, a.AvailableForTenant("t2"))
}
