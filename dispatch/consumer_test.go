package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/BaSui01/agentcore/config"
	"github.com/BaSui01/agentcore/internal/retry"
	"github.com/BaSui01/agentcore/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testConsumerConfig() config.DispatchConfig {
	cfg := config.DefaultDispatchConfig()
	cfg.PollInterval = 10 * time.Millisecond
	return cfg
}

func fastRetryer() *retry.Retryer {
	return retry.New(retry.Policy{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond}, nil)
}

func enqueue(t *testing.T, d *Dispatcher, msgs ...*Message) {
	t.Helper()
	for _, m := range msgs {
		require.True(t, d.Dispatch(context.Background(), m).Success)
	}
}

func TestConsumer_ProcessesGroupInOrder(t *testing.T) {
	q := NewMemoryQueue(0)
	d := newTestDispatcher(t, q, nil)
	enqueue(t, d,
		iterateMsg("t1", "e1", testNow),
		iterateMsg("t1", "e2", testNow.Add(time.Millisecond)),
		iterateMsg("t2", "e3", testNow),
		iterateMsg("t1", "e4", testNow.Add(2*time.Millisecond)),
	)

	var mu sync.Mutex
	var seen []string
	handler := func(_ context.Context, msg *Message) error {
		mu.Lock()
		defer mu.Unlock()
		if msg.TenantID == "t1" {
			seen = append(seen, msg.ExecutionID)
		}
		return nil
	}

	c := NewConsumer(q, "", handler, testConsumerConfig(), zap.NewNop())
	n, err := c.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, []string{"e1", "e2", "e4"}, seen)

	m, err := q.Metrics(context.Background(), "agentcore-executions")
	require.NoError(t, err)
	assert.Zero(t, m.Visible)
	assert.Zero(t, m.InFlight)
}

func TestConsumer_RetryableErrorRequeues(t *testing.T) {
	q := NewMemoryQueue(0)
	d := newTestDispatcher(t, q, nil)
	enqueue(t, d, iterateMsg("t1", "e1", testNow))

	handler := func(context.Context, *Message) error {
		return types.NewError(types.ErrTransientDispatch, "try later").WithRetryable(true)
	}
	c := NewConsumer(q, "", handler, testConsumerConfig(), zap.NewNop(), WithRetryer(fastRetryer()))

	_, err := c.Poll(context.Background())
	require.NoError(t, err)

	m, err := q.Metrics(context.Background(), "agentcore-executions")
	require.NoError(t, err)
	assert.Equal(t, int64(1), m.Delayed+m.Visible)
	assert.Zero(t, m.InFlight)
}

func TestConsumer_NonRetryableErrorDrops(t *testing.T) {
	q := NewMemoryQueue(0)
	d := newTestDispatcher(t, q, nil)
	enqueue(t, d, iterateMsg("t1", "e1", testNow))

	handler := func(context.Context, *Message) error {
		return types.NewInvalidStateError("iterate", "completed")
	}
	c := NewConsumer(q, "", handler, testConsumerConfig(), zap.NewNop())

	_, err := c.Poll(context.Background())
	require.NoError(t, err)

	m, err := q.Metrics(context.Background(), "agentcore-executions")
	require.NoError(t, err)
	assert.Zero(t, m.Visible+m.Delayed+m.InFlight)
}

func TestConsumer_MaxReceivesDrops(t *testing.T) {
	q := NewMemoryQueue(0)
	d := newTestDispatcher(t, q, nil)
	enqueue(t, d, iterateMsg("t1", "e1", testNow))

	var calls int
	handler := func(context.Context, *Message) error {
		calls++
		return errors.Join(context.Canceled)
	}
	c := NewConsumer(q, "", handler, testConsumerConfig(), zap.NewNop(),
		WithMaxReceives(2),
		WithRetryer(retry.New(retry.Policy{MaxAttempts: 1, InitialDelay: time.Nanosecond, MaxDelay: time.Nanosecond}, nil)))

	for i := 0; i < 5; i++ {
		time.Sleep(time.Millisecond)
		_, err := c.Poll(context.Background())
		require.NoError(t, err)
	}
	assert.Equal(t, 2, calls)
}

func TestConsumer_LockedGroupIsDeferred(t *testing.T) {
	q := NewMemoryQueue(0)
	d := newTestDispatcher(t, q, nil)
	enqueue(t, d, iterateMsg("t1", "e1", testNow))

	locker := NewLocalLocker()
	_, ok, _ := locker.Acquire(context.Background(), "t1", time.Minute)
	require.True(t, ok)

	var calls int
	c := NewConsumer(q, "", func(context.Context, *Message) error { calls++; return nil },
		testConsumerConfig(), zap.NewNop(), WithLocker(locker))

	_, err := c.Poll(context.Background())
	require.NoError(t, err)
	assert.Zero(t, calls)

	m, err := q.Metrics(context.Background(), "agentcore-executions")
	require.NoError(t, err)
	assert.Equal(t, int64(1), m.Delayed)
}

func TestConsumer_RunStopsOnCancel(t *testing.T) {
	q := NewMemoryQueue(0)
	c := NewConsumer(q, "", func(context.Context, *Message) error { return nil }, testConsumerConfig(), zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	time.Sleep(30 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("consumer did not stop")
	}
}
