package cache

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"pgregory.net/rapid"
)

// =============================================================================
// 🧪 Manager 测试
// =============================================================================

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *Manager) {
	// 创建 miniredis 实例
	mr, err := miniredis.Run()
	require.NoError(t, err)

	// 创建 Manager
	logger := zap.NewNop()
	config := Config{
		Addr:              mr.Addr(),
		DefaultTTL:        1 * time.Minute,
		MaxRetries:        -1,
		MaxEntries:        100,
		CompressThreshold: 64,
	}

	manager, err := NewManager(config, logger)
	require.NoError(t, err)

	return mr, manager
}

func setupLocal(t *testing.T, maxEntries int) (*Manager, *time.Time) {
	manager, err := NewManager(Config{MaxEntries: maxEntries, DefaultTTL: time.Minute}, zap.NewNop())
	require.NoError(t, err)

	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	manager.now = func() time.Time { return clock }
	t.Cleanup(func() { _ = manager.Close() })
	return manager, &clock
}

func TestNewManager(t *testing.T) {
	mr, manager := setupTestRedis(t)
	defer mr.Close()
	defer manager.Close()

	assert.NotNil(t, manager.redis)
	assert.Equal(t, BackendRedis, manager.Backend())
}

func TestNewManager_UnreachableRedisFallsBackToLocal(t *testing.T) {
	manager, err := NewManager(Config{Addr: "127.0.0.1:1", MaxRetries: -1}, zap.NewNop())
	require.NoError(t, err)
	defer manager.Close()

	assert.Equal(t, BackendLocal, manager.Backend())

	ctx := context.Background()
	require.NoError(t, manager.Set(ctx, "k", "v", 0))
	v, err := manager.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", v)
}

func TestManager_SetAndGet(t *testing.T) {
	mr, manager := setupTestRedis(t)
	defer mr.Close()
	defer manager.Close()

	ctx := context.Background()

	err := manager.Set(ctx, "test-key", "test-value", 1*time.Minute)
	require.NoError(t, err)

	value, err := manager.Get(ctx, "test-key")
	require.NoError(t, err)
	assert.Equal(t, "test-value", value)
}

func TestManager_GetNonExistent(t *testing.T) {
	mr, manager := setupTestRedis(t)
	defer mr.Close()
	defer manager.Close()

	value, err := manager.Get(context.Background(), "non-existent")
	assert.True(t, IsCacheMiss(err))
	assert.Equal(t, "", value)
}

func TestManager_Delete(t *testing.T) {
	mr, manager := setupTestRedis(t)
	defer mr.Close()
	defer manager.Close()

	ctx := context.Background()
	require.NoError(t, manager.Set(ctx, "a", "1", 0))
	require.NoError(t, manager.Delete(ctx, "a"))

	_, err := manager.Get(ctx, "a")
	assert.True(t, IsCacheMiss(err))
}

func TestManager_RedisTTL(t *testing.T) {
	mr, manager := setupTestRedis(t)
	defer mr.Close()
	defer manager.Close()

	ctx := context.Background()
	require.NoError(t, manager.Set(ctx, "ttl-key", "v", time.Second))

	mr.FastForward(2 * time.Second)

	_, err := manager.Get(ctx, "ttl-key")
	assert.True(t, IsCacheMiss(err))
}

func TestManager_CompressesLargeValues(t *testing.T) {
	mr, manager := setupTestRedis(t)
	defer mr.Close()
	defer manager.Close()

	ctx := context.Background()
	large := strings.Repeat("observation ", 100)
	require.NoError(t, manager.Set(ctx, "big", large, 0))

	stored, err := mr.Get("big")
	require.NoError(t, err)
	assert.Equal(t, flagGzip, stored[0])
	assert.Less(t, len(stored), len(large))

	got, err := manager.Get(ctx, "big")
	require.NoError(t, err)
	assert.Equal(t, large, got)
}

func TestManager_JSON(t *testing.T) {
	mr, manager := setupTestRedis(t)
	defer mr.Close()
	defer manager.Close()

	type snapshot struct {
		Phase     string `json:"phase"`
		Iteration int    `json:"iteration"`
	}

	ctx := context.Background()
	require.NoError(t, manager.SetJSON(ctx, "exec", snapshot{Phase: "orient", Iteration: 3}, 0))

	var got snapshot
	require.NoError(t, manager.GetJSON(ctx, "exec", &got))
	assert.Equal(t, snapshot{Phase: "orient", Iteration: 3}, got)
}

func TestManager_RedisFailureDegradesToMiss(t *testing.T) {
	mr, manager := setupTestRedis(t)
	defer manager.Close()

	ctx := context.Background()
	require.NoError(t, manager.Set(ctx, "k", "v", 0))

	mr.Close()

	_, err := manager.Get(ctx, "k")
	assert.True(t, IsCacheMiss(err))
	assert.Equal(t, BackendLocal, manager.Backend())

	// 之后的写入落到本地
	require.NoError(t, manager.Set(ctx, "k2", "v2", 0))
	v, err := manager.Get(ctx, "k2")
	require.NoError(t, err)
	assert.Equal(t, "v2", v)
}

func TestManager_HealthCheckRestoresRedis(t *testing.T) {
	mr, manager := setupTestRedis(t)
	defer mr.Close()
	defer manager.Close()

	manager.markRedisDown(fmt.Errorf("simulated"))
	require.Equal(t, BackendLocal, manager.Backend())

	require.Eventually(t, func() bool {
		manager.checkHealth()
		return manager.Backend() == BackendRedis
	}, 2*time.Second, 20*time.Millisecond)
}

func TestManager_Closed(t *testing.T) {
	manager, _ := setupLocal(t, 10)
	require.NoError(t, manager.Close())
	require.NoError(t, manager.Close())

	_, err := manager.Get(context.Background(), "k")
	assert.ErrorIs(t, err, ErrManagerClosed)
}

// =============================================================================
// 🧪 本地后端
// =============================================================================

func TestLocal_LazyExpiry(t *testing.T) {
	manager, clock := setupLocal(t, 10)
	ctx := context.Background()

	require.NoError(t, manager.Set(ctx, "k", "v", time.Minute))
	*clock = clock.Add(59 * time.Second)
	_, err := manager.Get(ctx, "k")
	require.NoError(t, err)

	*clock = clock.Add(2 * time.Second)
	_, err = manager.Get(ctx, "k")
	assert.True(t, IsCacheMiss(err))
	assert.Equal(t, 0, manager.Stats().LocalEntries)
}

func TestLocal_EvictsOldestTenPercent(t *testing.T) {
	manager, clock := setupLocal(t, 20)
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		*clock = clock.Add(time.Second)
		require.NoError(t, manager.Set(ctx, fmt.Sprintf("k%02d", i), "v", time.Hour))
	}
	*clock = clock.Add(time.Second)
	require.NoError(t, manager.Set(ctx, "overflow", "v", time.Hour))

	stats := manager.Stats()
	assert.Equal(t, uint64(2), stats.Evictions)
	assert.Equal(t, 19, stats.LocalEntries)

	for _, k := range []string{"k00", "k01"} {
		_, err := manager.Get(ctx, k)
		assert.True(t, IsCacheMiss(err), k)
	}
	_, err := manager.Get(ctx, "k02")
	assert.NoError(t, err)
}

func TestLocal_BoundedProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		maxEntries := rapid.IntRange(1, 50).Draw(rt, "max")
		store := newLocalStore(maxEntries)
		now := time.Unix(0, 0)

		keys := rapid.SliceOf(rapid.StringMatching(`k[0-9]{1,3}`)).Draw(rt, "keys")
		for _, k := range keys {
			now = now.Add(time.Millisecond)
			store.set(k, []byte("v"), false, time.Hour, now)
			if store.len() > maxEntries {
				rt.Fatalf("store holds %d entries, bound is %d", store.len(), maxEntries)
			}
		}
	})
}

func TestStats_HitRate(t *testing.T) {
	manager, _ := setupLocal(t, 10)
	ctx := context.Background()

	require.NoError(t, manager.Set(ctx, "k", "v", 0))
	_, _ = manager.Get(ctx, "k")
	_, _ = manager.Get(ctx, "k")
	_, _ = manager.Get(ctx, "missing")

	stats := manager.Stats()
	assert.Equal(t, uint64(2), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
	assert.InDelta(t, 2.0/3.0, stats.HitRate, 1e-9)
	assert.Equal(t, BackendLocal, stats.Backend)
	assert.Greater(t, stats.ApproxMemoryKB, 0.0)

	manager.ResetStats()
	assert.Equal(t, uint64(0), manager.Stats().Hits)
}

// =============================================================================
// 🧪 键与加载
// =============================================================================

func TestKeyAndTTL(t *testing.T) {
	manager, _ := setupLocal(t, 10)
	manager.config.AgentTTL = 2 * time.Minute

	assert.Equal(t, "agentcore:execution:t1:e1", manager.Key(KindExecution, "t1", "e1"))
	assert.Equal(t, 2*time.Minute, manager.TTL(KindAgent))
	assert.Equal(t, time.Minute, manager.TTL(KindWorkingMemory))
}

func TestLoadJSON_BackfillsAndCollapses(t *testing.T) {
	mr, manager := setupTestRedis(t)
	defer mr.Close()
	defer manager.Close()

	var calls atomic.Int32
	release := make(chan struct{})
	load := func(ctx context.Context) (any, error) {
		calls.Add(1)
		<-release
		return map[string]int{"v": 7}, nil
	}

	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var out map[string]int
			assert.NoError(t, manager.LoadJSON(ctx, "agent:1", time.Minute, &out, load))
			assert.Equal(t, 7, out["v"])
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	first := calls.Load()
	assert.GreaterOrEqual(t, first, int32(1))
	assert.Less(t, first, int32(8))

	var out map[string]int
	require.NoError(t, manager.LoadJSON(ctx, "agent:1", time.Minute, &out, load))
	assert.Equal(t, first, calls.Load())
}
