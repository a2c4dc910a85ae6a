package cache

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RateLimitResult 固定窗口计数结果。Remaining 为本次请求到达时窗口内剩余的配额，
// Remaining <= 0 与 Limited 等价。
type RateLimitResult struct {
	Count     int64     `json:"count"`
	Limit     int64     `json:"limit"`
	Remaining int64     `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
	Limited   bool      `json:"limited"`
}

// IncrementRateLimit 在 (tenant, user 或 tenant, windowStart) 窗口内计数加一。
// 计数超过 limit 时 Limited 为 true，此时 Remaining 为 0。Redis 故障时退化到本地计数。
// 第 limit 次请求仍然放行，Remaining 为 1。
func (m *Manager) IncrementRateLimit(ctx context.Context, tenantID, userID string, limit int64, window time.Duration) (*RateLimitResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrManagerClosed
	}
	if window <= 0 {
		window = time.Minute
	}

	subject := userID
	if subject == "" {
		subject = tenantID
	}
	now := m.now()
	windowStart := now.Truncate(window)
	key := m.Key(KindRateLimit, tenantID, subject+":"+strconv.FormatInt(windowStart.Unix(), 10))

	var count int64
	if m.Backend() == BackendRedis {
		var incr *redis.IntCmd
		_, err := m.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			incr = pipe.Incr(ctx, key)
			pipe.Expire(ctx, key, window)
			return nil
		})
		if err != nil {
			m.logger.Warn("rate limit increment failed, using local counter",
				zap.String("tenant_id", tenantID), zap.Error(err))
			m.markRedisDown(err)
			count = m.local.incr(key, window, now)
		} else {
			count = incr.Val()
		}
	} else {
		count = m.local.incr(key, window, now)
	}

	remaining := max(limit-count+1, 0)
	return &RateLimitResult{
		Count:     count,
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   windowStart.Add(window),
		Limited:   remaining <= 0,
	}, nil
}
