package cache

import (
	"strings"
	"time"
)

// Kind 缓存键类别
type Kind string

const (
	KindAgent         Kind = "agent"
	KindExecution     Kind = "execution"
	KindWorkingMemory Kind = "working_memory"
	KindRateLimit     Kind = "rate_limit"
	KindTenantQueue   Kind = "tenant_queue"
)

// Key 构造命名空间键 {prefix}:{kind}:{tenantID}:{id}
func (m *Manager) Key(kind Kind, tenantID, id string) string {
	return strings.Join([]string{m.config.KeyPrefix, string(kind), tenantID, id}, ":")
}

// TTL 返回某类缓存的过期时间
func (m *Manager) TTL(kind Kind) time.Duration {
	var ttl time.Duration
	switch kind {
	case KindAgent:
		ttl = m.config.AgentTTL
	case KindExecution:
		ttl = m.config.ExecutionTTL
	case KindWorkingMemory:
		ttl = m.config.WorkingMemoryTTL
	case KindTenantQueue:
		ttl = m.config.TenantQueueTTL
	}
	if ttl <= 0 {
		ttl = m.config.DefaultTTL
	}
	return ttl
}
