package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/BaSui01/agentcore/config"
	"github.com/BaSui01/agentcore/internal/retry"
	"github.com/BaSui01/agentcore/types"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Handler 处理一条延续消息。返回可重试错误时消息会延迟重投。
type Handler func(ctx context.Context, msg *Message) error

// DefaultMaxReceives 超过该接收次数的消息被丢弃
const DefaultMaxReceives = 5

// =============================================================================
// 🔁 Consumer
// =============================================================================

// Consumer 轮询队列并驱动 Handler。同一分组的消息按接收顺序串行处理，
// 并在处理期间持有分组锁。
type Consumer struct {
	queue       Queue
	queueName   string
	handler     Handler
	locker      GroupLocker
	retryer     *retry.Retryer
	config      config.DispatchConfig
	maxReceives int
	logger      *zap.Logger
}

// ConsumerOption Consumer 可选项
type ConsumerOption func(*Consumer)

// WithLocker 替换分组锁，默认为进程内锁
func WithLocker(l GroupLocker) ConsumerOption {
	return func(c *Consumer) { c.locker = l }
}

// WithRetryer 替换重投退避策略
func WithRetryer(r *retry.Retryer) ConsumerOption {
	return func(c *Consumer) { c.retryer = r }
}

// WithMaxReceives 设置最大接收次数
func WithMaxReceives(n int) ConsumerOption {
	return func(c *Consumer) {
		if n > 0 {
			c.maxReceives = n
		}
	}
}

// NewConsumer 创建消费者
func NewConsumer(queue Queue, queueName string, handler Handler, cfg config.DispatchConfig, logger *zap.Logger, opts ...ConsumerOption) *Consumer {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := config.DefaultDispatchConfig()
	if queueName == "" {
		queueName = def.DefaultQueue
	}
	if cfg.ConsumerConcurrency <= 0 {
		cfg.ConsumerConcurrency = def.ConsumerConcurrency
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.GroupLockTTL <= 0 {
		cfg.GroupLockTTL = def.GroupLockTTL
	}
	if cfg.MaxBatchSize <= 0 || cfg.MaxBatchSize > hardMaxBatchSize {
		cfg.MaxBatchSize = hardMaxBatchSize
	}

	c := &Consumer{
		queue:       queue,
		queueName:   queueName,
		handler:     handler,
		locker:      NewLocalLocker(),
		config:      cfg,
		maxReceives: DefaultMaxReceives,
		logger:      logger.With(zap.String("component", "consumer"), zap.String("queue", queueName)),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.retryer == nil {
		c.retryer = retry.New(retry.DefaultPolicy(), logger)
	}
	return c
}

// Run 持续轮询直到 ctx 取消
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info("consumer started",
		zap.Int("concurrency", c.config.ConsumerConcurrency),
		zap.Duration("poll_interval", c.config.PollInterval))

	for {
		n, err := c.Poll(ctx)
		if ctx.Err() != nil {
			c.logger.Info("consumer stopped")
			return nil
		}
		if err != nil {
			c.logger.Warn("poll failed", zap.Error(err))
		}
		if n > 0 && err == nil {
			continue
		}

		timer := time.NewTimer(c.config.PollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			c.logger.Info("consumer stopped")
			return nil
		case <-timer.C:
		}
	}
}

// Poll 执行一轮接收与处理，返回接收到的消息数
func (c *Consumer) Poll(ctx context.Context) (int, error) {
	deliveries, err := c.queue.Receive(ctx, c.queueName, c.config.MaxBatchSize)
	if err != nil && len(deliveries) == 0 {
		return 0, err
	}

	var order []string
	groups := make(map[string][]*Delivery)
	for _, d := range deliveries {
		key := d.Envelope.GroupKey
		if key == "" {
			key = "\x00" + d.Envelope.ID
		}
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], d)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.config.ConsumerConcurrency)
	for _, key := range order {
		batch := groups[key]
		g.Go(func() error {
			c.processGroup(gctx, batch)
			return nil
		})
	}
	_ = g.Wait()
	return len(deliveries), err
}

func (c *Consumer) processGroup(ctx context.Context, batch []*Delivery) {
	group := batch[0].Envelope.GroupKey
	if group != "" {
		token, ok, err := c.locker.Acquire(ctx, group, c.config.GroupLockTTL)
		if err != nil || !ok {
			if err != nil {
				c.logger.Warn("group lock unavailable", zap.String("group", group), zap.Error(err))
			}
			for _, d := range batch {
				c.requeue(ctx, d, c.config.PollInterval)
			}
			return
		}
		defer func() {
			if err := c.locker.Release(context.WithoutCancel(ctx), group, token); err != nil {
				c.logger.Warn("release group lock failed", zap.String("group", group), zap.Error(err))
			}
		}()
	}

	for _, d := range batch {
		c.process(ctx, d)
	}
}

func (c *Consumer) process(ctx context.Context, d *Delivery) {
	msg, err := DecodeMessage(d.Envelope.Body)
	if err != nil {
		c.logger.Error("dropping undecodable message", zap.String("message_id", d.Envelope.ID), zap.Error(err))
		c.ack(ctx, d)
		return
	}

	err = c.handler(ctx, msg)
	if err == nil {
		c.ack(ctx, d)
		return
	}

	attempt := d.Envelope.ReceiveCount + 1
	fields := []zap.Field{
		zap.String("message_id", d.Envelope.ID),
		zap.String("execution_id", msg.ExecutionID),
		zap.String("type", string(msg.Type)),
		zap.Int("attempt", attempt),
		zap.Error(err),
	}
	if c.shouldRetry(err) && attempt < c.maxReceives {
		delay := c.retryer.Delay(attempt)
		c.logger.Warn("handler failed, requeueing", append(fields, zap.Duration("delay", delay))...)
		c.requeue(ctx, d, delay)
		return
	}
	c.logger.Error("handler failed, dropping message", fields...)
	c.ack(ctx, d)
}

func (c *Consumer) shouldRetry(err error) bool {
	if errors.Is(err, context.Canceled) {
		return true
	}
	return types.IsRetryable(err)
}

func (c *Consumer) ack(ctx context.Context, d *Delivery) {
	if err := c.queue.Ack(context.WithoutCancel(ctx), c.queueName, d); err != nil {
		c.logger.Warn("ack failed", zap.String("message_id", d.Envelope.ID), zap.Error(err))
	}
}

func (c *Consumer) requeue(ctx context.Context, d *Delivery, delay time.Duration) {
	if err := c.queue.Nack(context.WithoutCancel(ctx), c.queueName, d, delay); err != nil {
		c.logger.Warn("nack failed", zap.String("message_id", d.Envelope.ID), zap.Error(err))
	}
}
