package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// GroupLocker 同一 FIFO 分组在所有消费者间互斥
type GroupLocker interface {
	// Acquire 获取锁，成功返回持有令牌；已被占用时 ok=false
	Acquire(ctx context.Context, group string, ttl time.Duration) (token string, ok bool, err error)
	// Release 仅当令牌匹配时释放
	Release(ctx context.Context, group, token string) error
}

// releaseScript 比较令牌后删除，避免释放他人在过期后重新获取的锁
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// RedisLocker 基于 SET NX PX 的分组锁
type RedisLocker struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisLocker 创建 Redis 分组锁
func NewRedisLocker(client redis.UniversalClient, prefix string) *RedisLocker {
	if prefix == "" {
		prefix = "agentcore"
	}
	return &RedisLocker{client: client, prefix: prefix}
}

func (l *RedisLocker) key(group string) string {
	return l.prefix + ":lock:group:" + group
}

// Acquire 实现 GroupLocker
func (l *RedisLocker) Acquire(ctx context.Context, group string, ttl time.Duration) (string, bool, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.key(group), token, ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("acquire group lock %s: %w", group, err)
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

// Release 实现 GroupLocker
func (l *RedisLocker) Release(ctx context.Context, group, token string) error {
	if err := releaseScript.Run(ctx, l.client, []string{l.key(group)}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release group lock %s: %w", group, err)
	}
	return nil
}

// LocalLocker 进程内分组锁，单实例部署与测试使用
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]localLock
	now  func() time.Time
}

type localLock struct {
	token    string
	expireAt time.Time
}

// NewLocalLocker 创建进程内分组锁
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]localLock), now: time.Now}
}

// Acquire 实现 GroupLocker
func (l *LocalLocker) Acquire(_ context.Context, group string, ttl time.Duration) (string, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if cur, ok := l.held[group]; ok && now.Before(cur.expireAt) {
		return "", false, nil
	}
	token := uuid.NewString()
	l.held[group] = localLock{token: token, expireAt: now.Add(ttl)}
	return token, true, nil
}

// Release 实现 GroupLocker
func (l *LocalLocker) Release(_ context.Context, group, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if cur, ok := l.held[group]; ok && cur.token == token {
		delete(l.held, group)
	}
	return nil
}
