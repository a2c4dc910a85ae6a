package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// promoteScript 将到期的延迟消息原子地转入就绪列表
var promoteScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for _, m in ipairs(due) do
  redis.call('ZREM', KEYS[1], m)
  redis.call('LPUSH', KEYS[2], m)
end
return #due
`)

// enqueueScript 去重检查与入队在同一脚本内完成。先写入消息再写去重键，
// 入队失败时不会留下去重键。
//
//	KEYS[1] ready 列表或 delayed 有序集合，KEYS[2] 可选的去重键
//	ARGV[1] 消息 ID，ARGV[2] 去重窗口毫秒，ARGV[3] 消息体，ARGV[4] 到期分数（空串表示立即可见）
var enqueueScript = redis.NewScript(`
if #KEYS == 2 then
  local existing = redis.call('GET', KEYS[2])
  if existing then
    return {0, existing}
  end
end
if ARGV[4] == '' then
  redis.call('LPUSH', KEYS[1], ARGV[3])
else
  redis.call('ZADD', KEYS[1], ARGV[4], ARGV[3])
end
if #KEYS == 2 then
  redis.call('SET', KEYS[2], ARGV[1], 'PX', ARGV[2])
end
return {1, ARGV[1]}
`)

// receiveScript 取出一条就绪消息并登记可见性截止时间
var receiveScript = redis.NewScript(`
local m = redis.call('RPOPLPUSH', KEYS[1], KEYS[2])
if not m then
  return false
end
redis.call('ZADD', KEYS[3], ARGV[1], m)
return m
`)

// reclaimScript 将超过可见性截止时间仍未确认的消息放回就绪列表
var reclaimScript = redis.NewScript(`
local expired = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
local n = 0
for _, m in ipairs(expired) do
  redis.call('ZREM', KEYS[1], m)
  if redis.call('LREM', KEYS[2], 1, m) > 0 then
    redis.call('RPUSH', KEYS[3], m)
    n = n + 1
  end
end
return n
`)

// promoteBatch 每次 Receive 最多转移的延迟消息数
const promoteBatch = 100

// defaultVisibilityTimeout 未确认消息重新可见前的等待时间
const defaultVisibilityTimeout = 5 * time.Minute

// =============================================================================
// 📮 Redis 队列
// =============================================================================

// RedisQueue 基于 Redis 的队列：ready/processing 列表、delayed 有序集合、
// inflight 有序集合（可见性截止时间）与去重键。
type RedisQueue struct {
	client            redis.UniversalClient
	prefix            string
	dedupWindow       time.Duration
	visibilityTimeout time.Duration
	logger            *zap.Logger
	now               func() time.Time
}

// NewRedisQueue 创建 Redis 队列
func NewRedisQueue(client redis.UniversalClient, prefix string, dedupWindow time.Duration, logger *zap.Logger) *RedisQueue {
	if logger == nil {
		logger = zap.NewNop()
	}
	if prefix == "" {
		prefix = "agentcore"
	}
	if dedupWindow <= 0 {
		dedupWindow = 5 * time.Minute
	}
	return &RedisQueue{
		client:            client,
		prefix:            prefix,
		dedupWindow:       dedupWindow,
		visibilityTimeout: defaultVisibilityTimeout,
		logger:            logger.With(zap.String("component", "redis_queue")),
		now:               time.Now,
	}
}

// WithVisibilityTimeout 设置消息被接收后未确认时重新可见的时间
func (q *RedisQueue) WithVisibilityTimeout(d time.Duration) *RedisQueue {
	if d > 0 {
		q.visibilityTimeout = d
	}
	return q
}

func (q *RedisQueue) key(queue, part string) string {
	return q.prefix + ":queue:" + queue + ":" + part
}

// Send 实现 Queue
func (q *RedisQueue) Send(ctx context.Context, queue string, env *Envelope) (SendResult, error) {
	results, err := q.SendBatch(ctx, queue, []*Envelope{env})
	if err != nil {
		return SendResult{}, err
	}
	return results[0], results[0].Err
}

// SendBatch 实现 Queue。每条消息独立去重与入队，单条失败不影响其他消息。
func (q *RedisQueue) SendBatch(ctx context.Context, queue string, envs []*Envelope) ([]SendResult, error) {
	results := make([]SendResult, len(envs))
	now := q.now()
	dedupMs := strconv.FormatInt(q.dedupWindow.Milliseconds(), 10)

	pipe := q.client.Pipeline()
	cmds := make([]*redis.Cmd, len(envs))
	for i, env := range envs {
		if env.ID == "" {
			env.ID = uuid.NewString()
		}
		env.SentAt = now
		raw, err := json.Marshal(env)
		if err != nil {
			results[i] = SendResult{Err: fmt.Errorf("marshal envelope: %w", err)}
			continue
		}

		keys := []string{q.key(queue, "ready")}
		score := ""
		if env.Delay > 0 {
			keys[0] = q.key(queue, "delayed")
			score = strconv.FormatInt(now.Add(env.Delay).UnixMilli(), 10)
		}
		if env.DedupKey != "" {
			keys = append(keys, q.key(queue, "dedup:"+env.DedupKey))
		}
		cmds[i] = enqueueScript.Eval(ctx, pipe, keys, env.ID, dedupMs, string(raw), score)
	}
	if pipe.Len() > 0 {
		if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
			q.logger.Warn("redis batch send partially failed", zap.String("queue", queue), zap.Error(err))
		}
	}

	for i, cmd := range cmds {
		if cmd == nil {
			continue
		}
		reply, err := cmd.Slice()
		if err != nil {
			results[i] = SendResult{Err: fmt.Errorf("redis enqueue: %w", err)}
			continue
		}
		if len(reply) != 2 {
			results[i] = SendResult{Err: fmt.Errorf("redis enqueue: unexpected reply %v", reply)}
			continue
		}
		id, _ := reply[1].(string)
		accepted, _ := reply[0].(int64)
		results[i] = SendResult{MessageID: id, Duplicate: accepted == 0}
	}
	return results, nil
}

// Receive 实现 Queue。先回收超时未确认的消息，再转移到期的延迟消息。
func (q *RedisQueue) Receive(ctx context.Context, queue string, max int) ([]*Delivery, error) {
	now := q.now()
	nowMs := strconv.FormatInt(now.UnixMilli(), 10)

	reclaimKeys := []string{q.key(queue, "inflight"), q.key(queue, "processing"), q.key(queue, "ready")}
	reclaimed, err := reclaimScript.Run(ctx, q.client, reclaimKeys, nowMs, promoteBatch).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("reclaim expired messages: %w", err)
	}
	if reclaimed > 0 {
		q.logger.Warn("reclaimed unacknowledged messages",
			zap.String("queue", queue), zap.Int("count", reclaimed))
	}

	keys := []string{q.key(queue, "delayed"), q.key(queue, "ready")}
	if err := promoteScript.Run(ctx, q.client, keys, nowMs, promoteBatch).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("promote delayed messages: %w", err)
	}

	deadline := strconv.FormatInt(now.Add(q.visibilityTimeout).UnixMilli(), 10)
	receiveKeys := []string{q.key(queue, "ready"), q.key(queue, "processing"), q.key(queue, "inflight")}
	var deliveries []*Delivery
	for len(deliveries) < max {
		raw, err := receiveScript.Run(ctx, q.client, receiveKeys, deadline).Text()
		if errors.Is(err, redis.Nil) {
			break
		}
		if err != nil {
			return deliveries, fmt.Errorf("receive: %w", err)
		}

		var env Envelope
		if err := json.Unmarshal([]byte(raw), &env); err != nil {
			q.logger.Error("dropping malformed envelope", zap.String("queue", queue), zap.Error(err))
			q.forget(ctx, queue, raw)
			continue
		}
		deliveries = append(deliveries, &Delivery{Envelope: &env, handle: raw})
	}
	return deliveries, nil
}

// forget 从 processing 与 inflight 中移除消息，返回 processing 中移除的条数
func (q *RedisQueue) forget(ctx context.Context, queue, handle string) (int64, error) {
	pipe := q.client.TxPipeline()
	removed := pipe.LRem(ctx, q.key(queue, "processing"), 1, handle)
	pipe.ZRem(ctx, q.key(queue, "inflight"), handle)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return removed.Val(), nil
}

// Ack 实现 Queue
func (q *RedisQueue) Ack(ctx context.Context, queue string, d *Delivery) error {
	if _, err := q.forget(ctx, queue, d.handle); err != nil {
		return fmt.Errorf("ack %s: %w", d.Envelope.ID, err)
	}
	return nil
}

// Nack 实现 Queue
func (q *RedisQueue) Nack(ctx context.Context, queue string, d *Delivery, delay time.Duration) error {
	removed, err := q.forget(ctx, queue, d.handle)
	if err != nil {
		return fmt.Errorf("nack %s: %w", d.Envelope.ID, err)
	}
	if removed == 0 {
		return nil
	}

	env := *d.Envelope
	env.ReceiveCount++
	raw, err := json.Marshal(&env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if delay > 0 {
		due := q.now().Add(delay).UnixMilli()
		err = q.client.ZAdd(ctx, q.key(queue, "delayed"), redis.Z{Score: float64(due), Member: string(raw)}).Err()
	} else {
		err = q.client.LPush(ctx, q.key(queue, "ready"), string(raw)).Err()
	}
	if err != nil {
		return fmt.Errorf("requeue %s: %w", env.ID, err)
	}
	return nil
}

// Metrics 实现 Queue
func (q *RedisQueue) Metrics(ctx context.Context, queue string) (QueueMetrics, error) {
	pipe := q.client.Pipeline()
	ready := pipe.LLen(ctx, q.key(queue, "ready"))
	processing := pipe.LLen(ctx, q.key(queue, "processing"))
	delayed := pipe.ZCard(ctx, q.key(queue, "delayed"))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return QueueMetrics{}, fmt.Errorf("queue metrics: %w", err)
	}
	return QueueMetrics{
		QueueName: queue,
		Visible:   ready.Val(),
		InFlight:  processing.Val(),
		Delayed:   delayed.Val(),
	}, nil
}
