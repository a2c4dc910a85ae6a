// Package cache provides internal cache management.
// This package is internal and should not be imported by external projects.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/BaSui01/agentcore/internal/tlsutil"
	"github.com/BaSui01/agentcore/types"
)

// =============================================================================
// 💾 缓存管理器
// =============================================================================

// Backend 标识当前生效的缓存后端
type Backend string

const (
	BackendRedis Backend = "redis"
	BackendLocal Backend = "local"
)

// Manager 缓存管理器。Redis 可达时走 Redis，否则退化为进程内有界 map。
type Manager struct {
	redis   *redis.Client
	redisUp atomic.Bool
	local   *localStore
	config  Config
	logger  *zap.Logger
	group   singleflight.Group
	stats   counters
	now     func() time.Time

	mu     sync.RWMutex
	closed bool
	stopCh chan struct{}
}

// Config 缓存配置
type Config struct {
	// Redis 地址，留空则只使用本地缓存
	Addr string `yaml:"addr" json:"addr" env:"ADDR"`

	// 密码
	Password string `yaml:"password" json:"password" env:"PASSWORD"`

	// 数据库编号
	DB int `yaml:"db" json:"db" env:"DB"`

	// 键前缀
	KeyPrefix string `yaml:"key_prefix" json:"key_prefix" env:"KEY_PREFIX"`

	// 默认过期时间
	DefaultTTL time.Duration `yaml:"default_ttl" json:"default_ttl" env:"DEFAULT_TTL"`

	// 各类缓存的 TTL
	AgentTTL         time.Duration `yaml:"agent_ttl" json:"agent_ttl" env:"AGENT_TTL"`
	ExecutionTTL     time.Duration `yaml:"execution_ttl" json:"execution_ttl" env:"EXECUTION_TTL"`
	WorkingMemoryTTL time.Duration `yaml:"working_memory_ttl" json:"working_memory_ttl" env:"WORKING_MEMORY_TTL"`
	TenantQueueTTL   time.Duration `yaml:"tenant_queue_ttl" json:"tenant_queue_ttl" env:"TENANT_QUEUE_TTL"`

	// 本地缓存最大条目数，超出时淘汰最旧的 10%
	MaxEntries int `yaml:"max_entries" json:"max_entries" env:"MAX_ENTRIES"`

	// 超过该字节数的值使用 gzip 压缩，0 表示不压缩
	CompressThreshold int `yaml:"compress_threshold" json:"compress_threshold" env:"COMPRESS_THRESHOLD"`

	// 最大重试次数
	MaxRetries int `yaml:"max_retries" json:"max_retries" env:"MAX_RETRIES"`

	// 连接池大小
	PoolSize int `yaml:"pool_size" json:"pool_size" env:"POOL_SIZE"`

	// 最小空闲连接数
	MinIdleConns int `yaml:"min_idle_conns" json:"min_idle_conns" env:"MIN_IDLE_CONNS"`

	// 启用 TLS
	TLS bool `yaml:"tls" json:"tls" env:"TLS"`

	// 健康检查间隔
	HealthCheckInterval time.Duration `yaml:"health_check_interval" json:"health_check_interval" env:"HEALTH_CHECK_INTERVAL"`
}

// DefaultConfig 返回默认缓存配置
func DefaultConfig() Config {
	return Config{
		Addr:                "localhost:6379",
		KeyPrefix:           "agentcore",
		DefaultTTL:          5 * time.Minute,
		AgentTTL:            5 * time.Minute,
		ExecutionTTL:        time.Hour,
		WorkingMemoryTTL:    24 * time.Hour,
		TenantQueueTTL:      5 * time.Minute,
		MaxEntries:          10000,
		CompressThreshold:   4096,
		MaxRetries:          3,
		PoolSize:            10,
		MinIdleConns:        2,
		HealthCheckInterval: 30 * time.Second,
	}
}

// NewManager 创建缓存管理器。Redis 不可达时不返回错误，而是以本地模式启动，
// 由健康检查在连接恢复后切回 Redis。
func NewManager(config Config, logger *zap.Logger) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.MaxEntries < 0 {
		return nil, fmt.Errorf("cache max_entries must be >= 0, got %d", config.MaxEntries)
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = "agentcore"
	}
	if config.DefaultTTL <= 0 {
		config.DefaultTTL = 5 * time.Minute
	}
	if config.MaxEntries == 0 {
		config.MaxEntries = DefaultConfig().MaxEntries
	}

	m := &Manager{
		local:  newLocalStore(config.MaxEntries),
		config: config,
		logger: logger.With(zap.String("component", "cache")),
		now:    time.Now,
		stopCh: make(chan struct{}),
	}

	if config.Addr != "" {
		opts := &redis.Options{
			Addr:         config.Addr,
			Password:     config.Password,
			DB:           config.DB,
			MaxRetries:   config.MaxRetries,
			PoolSize:     config.PoolSize,
			MinIdleConns: config.MinIdleConns,
		}
		if config.TLS {
			opts.TLSConfig = tlsutil.RedisConfig(config.Addr)
		}
		m.redis = redis.NewClient(opts)

		// 测试连接
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := m.redis.Ping(ctx).Err(); err != nil {
			m.logger.Warn("redis unreachable, falling back to local cache",
				zap.String("addr", config.Addr), zap.Error(err))
		} else {
			m.redisUp.Store(true)
		}

		// 启动健康检查
		if config.HealthCheckInterval > 0 {
			go m.healthCheckLoop()
		}
	}

	m.logger.Info("cache manager initialized",
		zap.String("backend", string(m.Backend())),
		zap.String("addr", config.Addr),
		zap.Int("max_entries", config.MaxEntries),
	)

	return m, nil
}

// Backend 返回当前生效的后端
func (m *Manager) Backend() Backend {
	if m.redis != nil && m.redisUp.Load() {
		return BackendRedis
	}
	return BackendLocal
}

// Config 返回缓存配置
func (m *Manager) Config() Config {
	return m.config
}

// =============================================================================
// 🎯 核心方法
// =============================================================================

// Get 获取缓存值。Redis 故障按未命中处理。
func (m *Manager) Get(ctx context.Context, key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return "", ErrManagerClosed
	}

	start := time.Now()
	defer func() { m.stats.observe(time.Since(start)) }()

	var raw []byte
	if m.Backend() == BackendRedis {
		val, err := m.redis.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			m.stats.misses.Add(1)
			return "", ErrCacheMiss
		}
		if err != nil {
			m.logger.Warn("cache get failed, treating as miss", zap.String("key", key), zap.Error(err))
			m.markRedisDown(err)
			m.stats.misses.Add(1)
			return "", ErrCacheMiss
		}
		raw = val
	} else {
		val, ok := m.local.get(key, m.now())
		if !ok {
			m.stats.misses.Add(1)
			return "", ErrCacheMiss
		}
		raw = val
	}

	value, err := decodeValue(raw)
	if err != nil {
		m.logger.Warn("cache value corrupt, treating as miss", zap.String("key", key), zap.Error(err))
		m.stats.misses.Add(1)
		return "", ErrCacheMiss
	}

	m.stats.hits.Add(1)
	return string(value), nil
}

// Set 设置缓存值，ttl 为 0 时使用默认过期时间
func (m *Manager) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return ErrManagerClosed
	}

	if ttl == 0 {
		ttl = m.config.DefaultTTL
	}

	raw, compressed, err := encodeValue([]byte(value), m.config.CompressThreshold)
	if err != nil {
		return fmt.Errorf("cache encode failed: %w", err)
	}

	if m.Backend() == BackendRedis {
		if err := m.redis.Set(ctx, key, raw, ttl).Err(); err != nil {
			m.logger.Warn("cache set failed", zap.String("key", key), zap.Error(err))
			m.markRedisDown(err)
			return newCacheFailure("set", key, err)
		}
		return nil
	}

	evicted := m.local.set(key, raw, compressed, ttl, m.now())
	if evicted > 0 {
		m.stats.evictions.Add(uint64(evicted))
		m.logger.Debug("local cache evicted oldest entries", zap.Int("count", evicted))
	}
	return nil
}

// GetJSON 获取 JSON 缓存值
func (m *Manager) GetJSON(ctx context.Context, key string, dest any) error {
	val, err := m.Get(ctx, key)
	if err != nil {
		return err
	}

	if err := json.Unmarshal([]byte(val), dest); err != nil {
		return fmt.Errorf("failed to unmarshal cache value: %w", err)
	}

	return nil
}

// SetJSON 设置 JSON 缓存值
func (m *Manager) SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal cache value: %w", err)
	}

	return m.Set(ctx, key, string(data), ttl)
}

// LoadJSON 读取 JSON 缓存，未命中时调用 load 并回填。
// 同一个键的并发加载通过 singleflight 合并为一次。
func (m *Manager) LoadJSON(ctx context.Context, key string, ttl time.Duration, dest any, load func(ctx context.Context) (any, error)) error {
	if err := m.GetJSON(ctx, key, dest); err == nil {
		return nil
	} else if !IsCacheMiss(err) && !errors.Is(err, ErrManagerClosed) {
		m.logger.Debug("cache value unusable, reloading", zap.String("key", key), zap.Error(err))
	}

	data, err, _ := m.group.Do(key, func() (any, error) {
		v, err := load(ctx)
		if err != nil {
			return nil, err
		}
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal loaded value: %w", err)
		}
		if setErr := m.Set(ctx, key, string(b), ttl); setErr != nil {
			m.logger.Debug("cache backfill failed", zap.String("key", key), zap.Error(setErr))
		}
		return b, nil
	})
	if err != nil {
		return err
	}

	return json.Unmarshal(data.([]byte), dest)
}

// Delete 删除缓存值
func (m *Manager) Delete(ctx context.Context, keys ...string) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return ErrManagerClosed
	}

	if len(keys) == 0 {
		return nil
	}

	// 本地副本总是删除，避免切换后端后读到旧值
	m.local.delete(keys...)

	if m.Backend() == BackendRedis {
		if err := m.redis.Del(ctx, keys...).Err(); err != nil {
			m.logger.Warn("cache delete failed", zap.Strings("keys", keys), zap.Error(err))
			m.markRedisDown(err)
			return newCacheFailure("delete", keys[0], err)
		}
	}

	return nil
}

// Ping 检查 Redis 连接
func (m *Manager) Ping(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return ErrManagerClosed
	}
	if m.redis == nil {
		return nil
	}

	return m.redis.Ping(ctx).Err()
}

// Close 关闭缓存管理器
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}

	m.closed = true
	close(m.stopCh)
	m.logger.Info("closing cache manager")

	if m.redis != nil {
		return m.redis.Close()
	}
	return nil
}

// =============================================================================
// 🏥 健康检查
// =============================================================================

// healthCheckLoop 健康检查循环，连接断开时切到本地，恢复后切回 Redis
func (m *Manager) healthCheckLoop() {
	ticker := time.NewTicker(m.config.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.checkHealth()
		}
	}
}

func (m *Manager) checkHealth() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := m.Ping(ctx)
	switch {
	case err != nil && m.redisUp.Load():
		m.markRedisDown(err)
	case err == nil && !m.redisUp.Load():
		m.redisUp.Store(true)
		m.logger.Info("redis connection restored, switching back from local cache")
	case err != nil:
		m.logger.Debug("cache health check failed", zap.Error(err))
	default:
		m.logger.Debug("cache health check passed")
	}
}

func (m *Manager) markRedisDown(err error) {
	if m.redisUp.CompareAndSwap(true, false) {
		m.logger.Error("redis connection lost, switching to local cache", zap.Error(err))
	}
}

// =============================================================================
// 🔧 辅助函数
// =============================================================================

// ErrCacheMiss 缓存未命中错误
var ErrCacheMiss = errors.New("cache miss")

// ErrManagerClosed 管理器已关闭
var ErrManagerClosed = errors.New("cache manager is closed")

// IsCacheMiss 判断是否为缓存未命中错误
func IsCacheMiss(err error) bool {
	return errors.Is(err, ErrCacheMiss)
}

func newCacheFailure(op, key string, err error) error {
	return types.Errorf(types.ErrCacheFailure, "cache %s %s", op, key).
		WithCause(err).
		WithRetryable(true)
}
