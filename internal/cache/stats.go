package cache

import (
	"sync/atomic"
	"time"
)

// =============================================================================
// 📊 统计信息
// =============================================================================

type counters struct {
	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64
	ops       atomic.Uint64
	latencyNs atomic.Uint64
}

func (c *counters) observe(d time.Duration) {
	c.ops.Add(1)
	c.latencyNs.Add(uint64(d.Nanoseconds()))
}

// Stats 缓存统计信息
type Stats struct {
	Backend        Backend `json:"backend"`
	Hits           uint64  `json:"hits"`
	Misses         uint64  `json:"misses"`
	HitRate        float64 `json:"hit_rate"`
	Evictions      uint64  `json:"evictions"`
	AvgLatencyMs   float64 `json:"avg_latency_ms"`
	LocalEntries   int     `json:"local_entries"`
	ApproxMemoryKB float64 `json:"approx_memory_kb"`
}

// Stats 返回命中率、淘汰次数、平均读延迟和本地内存估算
func (m *Manager) Stats() Stats {
	hits := m.stats.hits.Load()
	misses := m.stats.misses.Load()
	ops := m.stats.ops.Load()

	s := Stats{
		Backend:        m.Backend(),
		Hits:           hits,
		Misses:         misses,
		Evictions:      m.stats.evictions.Load(),
		LocalEntries:   m.local.len(),
		ApproxMemoryKB: float64(m.local.memory()) / 1024,
	}
	if total := hits + misses; total > 0 {
		s.HitRate = float64(hits) / float64(total)
	}
	if ops > 0 {
		s.AvgLatencyMs = float64(m.stats.latencyNs.Load()) / float64(ops) / 1e6
	}
	return s
}

// ResetStats 清零统计计数
func (m *Manager) ResetStats() {
	m.stats.hits.Store(0)
	m.stats.misses.Store(0)
	m.stats.evictions.Store(0)
	m.stats.ops.Store(0)
	m.stats.latencyNs.Store(0)
}
