package cache

import (
	"sort"
	"sync"
	"time"
)

// localEntry 本地缓存条目
type localEntry struct {
	value      []byte
	compressed bool
	insertedAt time.Time
	ttl        time.Duration
}

func (e *localEntry) expired(now time.Time) bool {
	return e.ttl > 0 && now.Sub(e.insertedAt) >= e.ttl
}

// localStore 有界的进程内存储，读取时惰性过期，写满时淘汰最旧的 10%
type localStore struct {
	mu         sync.Mutex
	entries    map[string]*localEntry
	maxEntries int
	bytes      int64
}

func newLocalStore(maxEntries int) *localStore {
	return &localStore{
		entries:    make(map[string]*localEntry),
		maxEntries: maxEntries,
	}
}

func (s *localStore) get(key string, now time.Time) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		return nil, false
	}
	if e.expired(now) {
		s.removeLocked(key, e)
		return nil, false
	}
	return e.value, true
}

// set 写入条目，返回被淘汰的条目数
func (s *localStore) set(key string, value []byte, compressed bool, ttl time.Duration, now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	evicted := 0
	if old, ok := s.entries[key]; ok {
		s.removeLocked(key, old)
	} else if len(s.entries) >= s.maxEntries {
		evicted = s.evictOldestLocked()
	}

	s.entries[key] = &localEntry{
		value:      value,
		compressed: compressed,
		insertedAt: now,
		ttl:        ttl,
	}
	s.bytes += int64(len(key) + len(value))
	return evicted
}

func (s *localStore) delete(keys ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, k := range keys {
		if e, ok := s.entries[k]; ok {
			s.removeLocked(k, e)
		}
	}
}

// incr 对计数器加一，窗口内首次写入时设置 ttl
func (s *localStore) incr(key string, ttl time.Duration, now time.Time) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	e, ok := s.entries[key]
	if ok && !e.expired(now) {
		n = decodeCounter(e.value)
		s.removeLocked(key, e)
	} else {
		if ok {
			s.removeLocked(key, e)
		}
		if len(s.entries) >= s.maxEntries {
			s.evictOldestLocked()
		}
		e = &localEntry{insertedAt: now, ttl: ttl}
	}
	n++
	e.value = encodeCounter(n)
	s.entries[key] = e
	s.bytes += int64(len(key) + len(e.value))
	return n
}

func (s *localStore) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *localStore) memory() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bytes
}

func (s *localStore) removeLocked(key string, e *localEntry) {
	delete(s.entries, key)
	s.bytes -= int64(len(key) + len(e.value))
}

// evictOldestLocked 淘汰插入时间最早的 10%（至少 1 条）
func (s *localStore) evictOldestLocked() int {
	n := len(s.entries) / 10
	if n < 1 {
		n = 1
	}

	keys := make([]string, 0, len(s.entries))
	for k := range s.entries {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return s.entries[keys[i]].insertedAt.Before(s.entries[keys[j]].insertedAt)
	})

	for _, k := range keys[:n] {
		s.removeLocked(k, s.entries[k])
	}
	return n
}
