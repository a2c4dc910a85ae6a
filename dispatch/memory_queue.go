package dispatch

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type delayedEnvelope struct {
	env *Envelope
	due time.Time
}

type dedupEntry struct {
	id      string
	expires time.Time
}

type memoryQueueState struct {
	ready      []*Envelope
	processing map[string]*Envelope
	delayed    []delayedEnvelope
	dedup      map[string]dedupEntry
}

// MemoryQueue 进程内队列，用于开发与测试，语义与 RedisQueue 一致
type MemoryQueue struct {
	mu          sync.Mutex
	queues      map[string]*memoryQueueState
	dedupWindow time.Duration
	now         func() time.Time
}

// NewMemoryQueue 创建进程内队列
func NewMemoryQueue(dedupWindow time.Duration) *MemoryQueue {
	if dedupWindow <= 0 {
		dedupWindow = 5 * time.Minute
	}
	return &MemoryQueue{
		queues:      make(map[string]*memoryQueueState),
		dedupWindow: dedupWindow,
		now:         time.Now,
	}
}

func (q *MemoryQueue) state(name string) *memoryQueueState {
	s, ok := q.queues[name]
	if !ok {
		s = &memoryQueueState{
			processing: make(map[string]*Envelope),
			dedup:      make(map[string]dedupEntry),
		}
		q.queues[name] = s
	}
	return s
}

// Send 实现 Queue
func (q *MemoryQueue) Send(ctx context.Context, queue string, env *Envelope) (SendResult, error) {
	results, _ := q.SendBatch(ctx, queue, []*Envelope{env})
	return results[0], results[0].Err
}

// SendBatch 实现 Queue
func (q *MemoryQueue) SendBatch(_ context.Context, queue string, envs []*Envelope) ([]SendResult, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	s := q.state(queue)
	now := q.now()
	results := make([]SendResult, len(envs))

	for i, env := range envs {
		if env.ID == "" {
			env.ID = uuid.NewString()
		}
		env.SentAt = now

		if env.DedupKey != "" {
			if d, ok := s.dedup[env.DedupKey]; ok && now.Before(d.expires) {
				results[i] = SendResult{MessageID: d.id, Duplicate: true}
				continue
			}
			s.dedup[env.DedupKey] = dedupEntry{id: env.ID, expires: now.Add(q.dedupWindow)}
		}

		cp := *env
		if env.Delay > 0 {
			s.delayed = append(s.delayed, delayedEnvelope{env: &cp, due: now.Add(env.Delay)})
		} else {
			s.ready = append(s.ready, &cp)
		}
		results[i] = SendResult{MessageID: env.ID}
	}
	return results, nil
}

// Receive 实现 Queue
func (q *MemoryQueue) Receive(_ context.Context, queue string, max int) ([]*Delivery, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	s := q.state(queue)
	q.promoteLocked(s)

	var out []*Delivery
	for len(out) < max && len(s.ready) > 0 {
		env := s.ready[0]
		s.ready = s.ready[1:]
		handle := uuid.NewString()
		s.processing[handle] = env
		cp := *env
		out = append(out, &Delivery{Envelope: &cp, handle: handle})
	}
	return out, nil
}

func (q *MemoryQueue) promoteLocked(s *memoryQueueState) {
	if len(s.delayed) == 0 {
		return
	}
	now := q.now()
	sort.SliceStable(s.delayed, func(i, j int) bool { return s.delayed[i].due.Before(s.delayed[j].due) })

	n := 0
	for n < len(s.delayed) && !s.delayed[n].due.After(now) {
		s.ready = append(s.ready, s.delayed[n].env)
		n++
	}
	s.delayed = s.delayed[n:]
}

// Ack 实现 Queue
func (q *MemoryQueue) Ack(_ context.Context, queue string, d *Delivery) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.state(queue).processing, d.handle)
	return nil
}

// Nack 实现 Queue
func (q *MemoryQueue) Nack(_ context.Context, queue string, d *Delivery, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	s := q.state(queue)
	env, ok := s.processing[d.handle]
	if !ok {
		return nil
	}
	delete(s.processing, d.handle)
	env.ReceiveCount++
	if delay > 0 {
		s.delayed = append(s.delayed, delayedEnvelope{env: env, due: q.now().Add(delay)})
	} else {
		s.ready = append(s.ready, env)
	}
	return nil
}

// Metrics 实现 Queue
func (q *MemoryQueue) Metrics(_ context.Context, queue string) (QueueMetrics, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	s := q.state(queue)
	return QueueMetrics{
		QueueName: queue,
		Visible:   int64(len(s.ready)),
		InFlight:  int64(len(s.processing)),
		Delayed:   int64(len(s.delayed)),
	}, nil
}
