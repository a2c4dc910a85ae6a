package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/BaSui01/agentcore/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func fastPolicy(attempts int) Policy {
	return Policy{
		MaxAttempts:  attempts,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
		ShouldRetry:  Always,
	}
}

func TestRetryer_SuccessFirstTry(t *testing.T) {
	r := New(fastPolicy(3), zap.NewNop())

	calls := 0
	err := r.Do(context.Background(), func(context.Context) error {
		calls++
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetryer_RetryThenSuccess(t *testing.T) {
	r := New(fastPolicy(3), zap.NewNop())

	var retries []int
	r.policy.OnRetry = func(attempt int, _ error, _ time.Duration) { retries = append(retries, attempt) }

	calls := 0
	got, err := Do(context.Background(), r, func(context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", errors.New("temporary")
		}
		return "merged", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "merged", got)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []int{2, 3}, retries)
}

func TestRetryer_Exhausted(t *testing.T) {
	r := New(fastPolicy(2), zap.NewNop())
	boom := errors.New("persistent")

	calls := 0
	err := r.Do(context.Background(), func(context.Context) error {
		calls++
		return boom
	})

	assert.ErrorIs(t, err, boom)
	assert.ErrorContains(t, err, "failed after 2 attempts")
	assert.Equal(t, 2, calls)
}

func TestRetryer_DefaultClassifierUsesTypes(t *testing.T) {
	p := fastPolicy(5)
	p.ShouldRetry = nil
	r := New(p, nil)

	calls := 0
	err := r.Do(context.Background(), func(context.Context) error {
		calls++
		return types.NewError(types.ErrInvalidRequest, "bad input")
	})
	assert.Error(t, err)
	assert.Equal(t, 1, calls, "non-retryable errors stop immediately")

	calls = 0
	err = r.Do(context.Background(), func(context.Context) error {
		calls++
		return types.NewError(types.ErrTransientDispatch, "queue down").WithRetryable(true)
	})
	assert.Error(t, err)
	assert.Equal(t, 5, calls)
}

func TestRetryer_ContextCancelled(t *testing.T) {
	p := fastPolicy(3)
	p.InitialDelay = time.Hour
	p.MaxDelay = time.Hour
	r := New(p, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := r.Do(ctx, func(context.Context) error {
		calls++
		cancel()
		return errors.New("fail")
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestRetryer_Delay(t *testing.T) {
	r := New(Policy{MaxAttempts: 5, InitialDelay: 100 * time.Millisecond, MaxDelay: 300 * time.Millisecond, Multiplier: 2}, nil)

	assert.Equal(t, 100*time.Millisecond, r.Delay(1))
	assert.Equal(t, 200*time.Millisecond, r.Delay(2))
	assert.Equal(t, 300*time.Millisecond, r.Delay(3))

	r.policy.Jitter = true
	for i := 0; i < 50; i++ {
		d := r.Delay(2)
		assert.GreaterOrEqual(t, d, 150*time.Millisecond)
		assert.LessOrEqual(t, d, 250*time.Millisecond)
	}
}

func TestNew_Normalizes(t *testing.T) {
	r := New(Policy{MaxAttempts: -1, Multiplier: 0.5}, nil)
	p := r.Policy()
	assert.Equal(t, 1, p.MaxAttempts)
	assert.Equal(t, 2.0, p.Multiplier)
	assert.NotNil(t, p.ShouldRetry)
}
