package dispatch

import (
	"context"
	"encoding/json"
	"time"

	"github.com/BaSui01/agentcore/config"
	"github.com/BaSui01/agentcore/internal/cache"
	"github.com/BaSui01/agentcore/internal/metrics"
	"github.com/BaSui01/agentcore/internal/telemetry"
	"github.com/BaSui01/agentcore/types"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// 队列硬上限
const (
	hardMaxBatchSize = 10
	hardMaxDelay     = 15 * time.Minute
)

// RouteStore 读取租户队列路由，由 store.Store 实现
type RouteStore interface {
	GetTenantQueue(ctx context.Context, tenantID string) (*types.TenantQueue, error)
}

// =============================================================================
// 📬 Dispatcher
// =============================================================================

// Dispatcher 解析租户队列并投递延续消息。投递失败不会向调用方返回 error。
type Dispatcher struct {
	queue   Queue
	routes  RouteStore
	cache   *cache.Manager
	config  config.DispatchConfig
	metrics *metrics.Collector
	logger  *zap.Logger
	now     func() time.Time
}

// Option Dispatcher 可选项
type Option func(*Dispatcher)

// WithCache 使用缓存层缓存租户路由
func WithCache(c *cache.Manager) Option {
	return func(d *Dispatcher) { d.cache = c }
}

// WithMetrics 记录投递与队列深度指标
func WithMetrics(c *metrics.Collector) Option {
	return func(d *Dispatcher) { d.metrics = c }
}

// WithClock 替换时钟（测试用）
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// NewDispatcher 创建 Dispatcher
func NewDispatcher(queue Queue, routes RouteStore, cfg config.DispatchConfig, logger *zap.Logger, opts ...Option) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.DefaultQueue == "" {
		cfg.DefaultQueue = config.DefaultDispatchConfig().DefaultQueue
	}
	if cfg.MaxBatchSize <= 0 || cfg.MaxBatchSize > hardMaxBatchSize {
		cfg.MaxBatchSize = hardMaxBatchSize
	}
	if cfg.MaxDelay <= 0 || cfg.MaxDelay > hardMaxDelay {
		cfg.MaxDelay = hardMaxDelay
	}
	d := &Dispatcher{
		queue:  queue,
		routes: routes,
		config: cfg,
		logger: logger.With(zap.String("component", "dispatcher")),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// DefaultRoute 共享默认队列。默认队列按 FIFO 处理，保证同一租户的消息串行。
func (d *Dispatcher) DefaultRoute(tenantID string) *types.TenantQueue {
	return &types.TenantQueue{
		TenantID:     tenantID,
		QueueName:    d.config.DefaultQueue,
		FIFO:         true,
		MaxDelay:     d.config.MaxDelay,
		MaxBatchSize: d.config.MaxBatchSize,
	}
}

// ResolveQueue 返回租户的队列路由：缓存 → 存储 → 共享默认队列
func (d *Dispatcher) ResolveQueue(ctx context.Context, tenantID string) *types.TenantQueue {
	load := func(ctx context.Context) (any, error) {
		if d.routes == nil {
			return d.DefaultRoute(tenantID), nil
		}
		route, err := d.routes.GetTenantQueue(ctx, tenantID)
		if types.IsNotFound(err) {
			return d.DefaultRoute(tenantID), nil
		}
		return route, err
	}

	var route types.TenantQueue
	var err error
	if d.cache != nil {
		key := d.cache.Key(cache.KindTenantQueue, tenantID, "route")
		err = d.cache.LoadJSON(ctx, key, d.cache.TTL(cache.KindTenantQueue), &route, load)
	} else {
		var v any
		if v, err = load(ctx); err == nil {
			route = *v.(*types.TenantQueue)
		}
	}
	if err != nil {
		d.logger.Warn("tenant queue lookup failed, using default queue",
			zap.String("tenant_id", tenantID), zap.Error(err))
		return d.DefaultRoute(tenantID)
	}
	return d.normalizeRoute(&route)
}

func (d *Dispatcher) normalizeRoute(r *types.TenantQueue) *types.TenantQueue {
	if r.QueueName == "" {
		r.QueueName = d.config.DefaultQueue
	}
	if r.MaxBatchSize <= 0 || r.MaxBatchSize > d.config.MaxBatchSize {
		r.MaxBatchSize = d.config.MaxBatchSize
	}
	if r.MaxDelay <= 0 || r.MaxDelay > d.config.MaxDelay {
		r.MaxDelay = d.config.MaxDelay
	}
	return r
}

// BuildEnvelope 序列化消息并设置路由属性、FIFO 分组与去重键、延迟
func (d *Dispatcher) BuildEnvelope(msg *Message, route *types.TenantQueue) (*Envelope, error) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = d.now()
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, types.NewError(types.ErrInvalidRequest, "message not serializable").WithCause(err)
	}

	env := &Envelope{
		Body:       body,
		Attributes: msg.Attributes(),
	}
	if route.FIFO {
		env.GroupKey = msg.TenantID
		env.DedupKey = msg.DedupKey()
	}
	if msg.ScheduledAt != nil {
		delay := msg.ScheduledAt.Sub(d.now())
		if delay < 0 {
			delay = 0
		}
		if delay > route.MaxDelay {
			delay = route.MaxDelay
		}
		env.Delay = delay
	}
	return env, nil
}

// Dispatch 投递单条消息
func (d *Dispatcher) Dispatch(ctx context.Context, msg *Message) Result {
	if err := msg.Validate(); err != nil {
		return Result{Success: false, Error: err.Error()}
	}

	ctx, span := telemetry.StartSpan(ctx, "dispatch", "dispatch.send",
		append(telemetry.ExecutionAttrs(msg.ExecutionID, msg.TenantID),
			attribute.String("agentcore.message_type", string(msg.Type)))...)

	route := d.ResolveQueue(ctx, msg.TenantID)
	env, err := d.BuildEnvelope(msg, route)
	if err != nil {
		telemetry.EndSpan(span, err)
		return Result{Success: false, QueueName: route.QueueName, Error: err.Error()}
	}

	res, err := d.queue.Send(ctx, route.QueueName, env)
	telemetry.EndSpan(span, err)
	d.metrics.RecordDispatch(route.QueueName, string(msg.Type), err == nil)
	if err != nil {
		d.logger.Warn("dispatch failed",
			zap.String("execution_id", msg.ExecutionID),
			zap.String("tenant_id", msg.TenantID),
			zap.String("queue", route.QueueName),
			zap.Error(err))
		return Result{Success: false, QueueName: route.QueueName, Error: err.Error()}
	}

	d.logger.Debug("message dispatched",
		zap.String("execution_id", msg.ExecutionID),
		zap.String("type", string(msg.Type)),
		zap.String("queue", route.QueueName),
		zap.Bool("duplicate", res.Duplicate),
		zap.Duration("delay", env.Delay))
	return Result{Success: true, MessageID: res.MessageID, QueueName: route.QueueName}
}

// DispatchBatch 按租户分组、按队列批大小切块投递，每条消息独立成败
func (d *Dispatcher) DispatchBatch(ctx context.Context, msgs []*Message) []Result {
	results := make([]Result, len(msgs))

	var tenants []string
	byTenant := make(map[string][]int)
	for i, msg := range msgs {
		if err := msg.Validate(); err != nil {
			results[i] = Result{Success: false, Error: err.Error()}
			continue
		}
		if _, ok := byTenant[msg.TenantID]; !ok {
			tenants = append(tenants, msg.TenantID)
		}
		byTenant[msg.TenantID] = append(byTenant[msg.TenantID], i)
	}

	for _, tenantID := range tenants {
		route := d.ResolveQueue(ctx, tenantID)
		idx := byTenant[tenantID]
		for start := 0; start < len(idx); start += route.MaxBatchSize {
			end := min(start+route.MaxBatchSize, len(idx))
			d.sendChunk(ctx, route, msgs, idx[start:end], results)
		}
	}
	return results
}

func (d *Dispatcher) sendChunk(ctx context.Context, route *types.TenantQueue, msgs []*Message, idx []int, results []Result) {
	envs := make([]*Envelope, 0, len(idx))
	pos := make([]int, 0, len(idx))
	for _, i := range idx {
		env, err := d.BuildEnvelope(msgs[i], route)
		if err != nil {
			results[i] = Result{Success: false, QueueName: route.QueueName, Error: err.Error()}
			continue
		}
		envs = append(envs, env)
		pos = append(pos, i)
	}
	if len(envs) == 0 {
		return
	}

	sent, err := d.queue.SendBatch(ctx, route.QueueName, envs)
	if err != nil {
		d.logger.Warn("batch dispatch failed",
			zap.String("queue", route.QueueName), zap.Int("size", len(envs)), zap.Error(err))
	}
	for j, i := range pos {
		msgType := string(msgs[i].Type)
		switch {
		case err != nil:
			results[i] = Result{Success: false, QueueName: route.QueueName, Error: err.Error()}
		case sent[j].Err != nil:
			results[i] = Result{Success: false, QueueName: route.QueueName, Error: sent[j].Err.Error()}
		default:
			results[i] = Result{Success: true, MessageID: sent[j].MessageID, QueueName: route.QueueName}
		}
		d.metrics.RecordDispatch(route.QueueName, msgType, results[i].Success)
	}
}

// GetQueueMetrics 返回队列近似深度，空队列名表示共享默认队列
func (d *Dispatcher) GetQueueMetrics(ctx context.Context, queueName string) (QueueMetrics, error) {
	if queueName == "" {
		queueName = d.config.DefaultQueue
	}
	m, err := d.queue.Metrics(ctx, queueName)
	if err != nil {
		return QueueMetrics{}, types.NewError(types.ErrTransientDispatch, "queue metrics unavailable").
			WithCause(err).WithRetryable(true)
	}
	d.metrics.RecordQueueDepth(queueName, m.Visible, m.InFlight, m.Delayed)
	return m, nil
}

// Queue 返回底层队列
func (d *Dispatcher) Queue() Queue {
	return d.queue
}
