package dispatch

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/BaSui01/agentcore/config"
	"github.com/BaSui01/agentcore/internal/cache"
	"github.com/BaSui01/agentcore/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// =============================================================================
// 🧪 Dispatcher 测试
// =============================================================================

type fakeRoutes struct {
	routes map[string]*types.TenantQueue
	calls  atomic.Int32
	err    error
}

func (f *fakeRoutes) GetTenantQueue(_ context.Context, tenantID string) (*types.TenantQueue, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	r, ok := f.routes[tenantID]
	if !ok {
		return nil, types.NewNotFoundError("tenant_queue", tenantID)
	}
	cp := *r
	return &cp, nil
}

// failingQueue 所有发送都失败
type failingQueue struct{ *MemoryQueue }

func (failingQueue) Send(context.Context, string, *Envelope) (SendResult, error) {
	return SendResult{}, errors.New("queue unavailable")
}

func (failingQueue) SendBatch(context.Context, string, []*Envelope) ([]SendResult, error) {
	return nil, errors.New("queue unavailable")
}

var testNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestDispatcher(t *testing.T, q Queue, routes RouteStore, opts ...Option) *Dispatcher {
	t.Helper()
	opts = append([]Option{WithClock(func() time.Time { return testNow })}, opts...)
	return NewDispatcher(q, routes, config.DefaultDispatchConfig(), zap.NewNop(), opts...)
}

func iterateMsg(tenant, exec string, ts time.Time) *Message {
	return &Message{Type: types.MessageIterate, TenantID: tenant, ExecutionID: exec, Timestamp: ts}
}

func TestDispatcher_DefaultRouteWhenTenantUnknown(t *testing.T) {
	q := NewMemoryQueue(0)
	d := newTestDispatcher(t, q, &fakeRoutes{})

	res := d.Dispatch(context.Background(), iterateMsg("t1", "e1", testNow))
	require.True(t, res.Success, res.Error)
	assert.Equal(t, "agentcore-executions", res.QueueName)
	assert.NotEmpty(t, res.MessageID)

	m, err := d.GetQueueMetrics(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, int64(1), m.Visible)
}

func TestDispatcher_FIFOGroupKeyIsTenant(t *testing.T) {
	q := NewMemoryQueue(0)
	routes := &fakeRoutes{routes: map[string]*types.TenantQueue{
		"t1": {TenantID: "t1", QueueName: "t1-dedicated.fifo", FIFO: true, Dedicated: true},
	}}
	d := newTestDispatcher(t, q, routes)
	ctx := context.Background()

	r1 := d.Dispatch(ctx, iterateMsg("t1", "e1", testNow))
	r2 := d.Dispatch(ctx, iterateMsg("t1", "e1", testNow.Add(time.Millisecond)))
	require.True(t, r1.Success)
	require.True(t, r2.Success)
	assert.Equal(t, "t1-dedicated.fifo", r1.QueueName)
	assert.NotEqual(t, r1.MessageID, r2.MessageID)

	got, err := q.Receive(ctx, "t1-dedicated.fifo", 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "t1", got[0].Envelope.GroupKey)
	assert.Equal(t, got[0].Envelope.GroupKey, got[1].Envelope.GroupKey)
	assert.NotEqual(t, got[0].Envelope.DedupKey, got[1].Envelope.DedupKey)
	assert.Equal(t, "e1", got[0].Envelope.Attributes[AttrExecutionID])
	assert.Equal(t, "iterate", got[0].Envelope.Attributes[AttrType])
}

func TestDispatcher_StandardQueueHasNoGroup(t *testing.T) {
	q := NewMemoryQueue(0)
	routes := &fakeRoutes{routes: map[string]*types.TenantQueue{
		"t2": {TenantID: "t2", QueueName: "t2-standard", FIFO: false, Dedicated: true},
	}}
	d := newTestDispatcher(t, q, routes)

	res := d.Dispatch(context.Background(), iterateMsg("t2", "e1", testNow))
	require.True(t, res.Success)

	got, err := q.Receive(context.Background(), "t2-standard", 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Empty(t, got[0].Envelope.GroupKey)
	assert.Empty(t, got[0].Envelope.DedupKey)
}

func TestDispatcher_DuplicateSuppressed(t *testing.T) {
	q := NewMemoryQueue(0)
	d := newTestDispatcher(t, q, &fakeRoutes{})
	ctx := context.Background()

	r1 := d.Dispatch(ctx, iterateMsg("t1", "e1", testNow))
	r2 := d.Dispatch(ctx, iterateMsg("t1", "e1", testNow))
	require.True(t, r1.Success)
	require.True(t, r2.Success)
	assert.Equal(t, r1.MessageID, r2.MessageID)

	m, err := d.GetQueueMetrics(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, int64(1), m.Visible)
}

func TestDispatcher_DelayClampedToQueueMaximum(t *testing.T) {
	d := newTestDispatcher(t, NewMemoryQueue(0), nil)
	route := d.DefaultRoute("t1")

	far := testNow.Add(2 * time.Hour)
	env, err := d.BuildEnvelope(&Message{Type: types.MessageIterate, TenantID: "t1", ExecutionID: "e1", ScheduledAt: &far}, route)
	require.NoError(t, err)
	assert.Equal(t, 15*time.Minute, env.Delay)

	near := testNow.Add(30 * time.Second)
	env, err = d.BuildEnvelope(&Message{Type: types.MessageIterate, TenantID: "t1", ExecutionID: "e1", ScheduledAt: &near}, route)
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, env.Delay)

	past := testNow.Add(-time.Minute)
	env, err = d.BuildEnvelope(&Message{Type: types.MessageIterate, TenantID: "t1", ExecutionID: "e1", ScheduledAt: &past}, route)
	require.NoError(t, err)
	assert.Zero(t, env.Delay)
}

func TestDispatcher_RouteMaxDelayTighterThanGlobal(t *testing.T) {
	routes := &fakeRoutes{routes: map[string]*types.TenantQueue{
		"t1": {TenantID: "t1", QueueName: "t1q", FIFO: true, MaxDelay: time.Minute},
	}}
	d := newTestDispatcher(t, NewMemoryQueue(0), routes)
	route := d.ResolveQueue(context.Background(), "t1")
	assert.Equal(t, time.Minute, route.MaxDelay)
	assert.Equal(t, 10, route.MaxBatchSize)

	far := testNow.Add(time.Hour)
	env, err := d.BuildEnvelope(&Message{Type: types.MessageIterate, TenantID: "t1", ExecutionID: "e1", ScheduledAt: &far}, route)
	require.NoError(t, err)
	assert.Equal(t, time.Minute, env.Delay)
}

func TestDispatcher_InvalidMessage(t *testing.T) {
	d := newTestDispatcher(t, NewMemoryQueue(0), nil)

	res := d.Dispatch(context.Background(), &Message{Type: "bogus", TenantID: "t1", ExecutionID: "e1"})
	assert.False(t, res.Success)
	assert.NotEmpty(t, res.Error)
}

func TestDispatcher_QueueFailureIsNonFatal(t *testing.T) {
	d := newTestDispatcher(t, failingQueue{NewMemoryQueue(0)}, nil)

	res := d.Dispatch(context.Background(), iterateMsg("t1", "e1", testNow))
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "queue unavailable")

	results := d.DispatchBatch(context.Background(), []*Message{iterateMsg("t1", "e1", testNow), iterateMsg("t2", "e2", testNow)})
	require.Len(t, results, 2)
	assert.False(t, results[0].Success)
	assert.False(t, results[1].Success)
}

func TestDispatcher_RouteLookupErrorFallsBack(t *testing.T) {
	d := newTestDispatcher(t, NewMemoryQueue(0), &fakeRoutes{err: errors.New("db down")})

	route := d.ResolveQueue(context.Background(), "t1")
	assert.Equal(t, "agentcore-executions", route.QueueName)
	assert.True(t, route.FIFO)
}

func TestDispatcher_RouteCached(t *testing.T) {
	mgr, err := cache.NewManager(cache.Config{MaxEntries: 100, TenantQueueTTL: time.Minute}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = mgr.Close() })

	routes := &fakeRoutes{routes: map[string]*types.TenantQueue{
		"t1": {TenantID: "t1", QueueName: "t1q", FIFO: true},
	}}
	d := newTestDispatcher(t, NewMemoryQueue(0), routes, WithCache(mgr))

	for i := 0; i < 3; i++ {
		route := d.ResolveQueue(context.Background(), "t1")
		assert.Equal(t, "t1q", route.QueueName)
	}
	assert.Equal(t, int32(1), routes.calls.Load())
}

func TestDispatcher_DispatchBatchChunksPerTenant(t *testing.T) {
	q := NewMemoryQueue(0)
	routes := &fakeRoutes{routes: map[string]*types.TenantQueue{
		"t1": {TenantID: "t1", QueueName: "t1q", FIFO: true, MaxBatchSize: 3},
	}}
	d := newTestDispatcher(t, q, routes)

	var msgs []*Message
	for i := 0; i < 7; i++ {
		msgs = append(msgs, iterateMsg("t1", "e1", testNow.Add(time.Duration(i)*time.Millisecond)))
	}
	msgs = append(msgs, iterateMsg("t2", "e2", testNow))
	msgs = append(msgs, &Message{Type: types.MessageIterate, TenantID: "t3"})

	results := d.DispatchBatch(context.Background(), msgs)
	require.Len(t, results, 9)
	for i := 0; i < 7; i++ {
		assert.True(t, results[i].Success)
		assert.Equal(t, "t1q", results[i].QueueName)
	}
	assert.True(t, results[7].Success)
	assert.Equal(t, "agentcore-executions", results[7].QueueName)
	assert.False(t, results[8].Success)

	m, err := q.Metrics(context.Background(), "t1q")
	require.NoError(t, err)
	assert.Equal(t, int64(7), m.Visible)
}
