// Package store holds the injectable counter store shared by the rate
// limiter and the notification dedup window.
package store

import (
	"context"
	"strings"
	"sync"
	"time"

	"security-gateway/internal/bucketing"
)

// Counter is a keyed integer store with per-key expiry. Implementations must
// be safe for concurrent use.
type Counter interface {
	// Incr adds one to key. ttl is applied only when the key is created.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
	// Get returns 0 for missing or expired keys.
	Get(ctx context.Context, key string) (int64, error)
	Set(ctx context.Context, key string, value int64, ttl time.Duration) error
	// Scan returns every live key with the given prefix.
	Scan(ctx context.Context, prefix string) (map[string]int64, error)
	Clear(ctx context.Context, prefix string) (int, error)
	// SweepExpired drops expired keys and reports how many were removed.
	SweepExpired(ctx context.Context) (int, error)
}

const defaultShards = 32

type entry struct {
	value     int64
	expiresAt time.Time
}

type shard struct {
	mu      sync.Mutex
	entries map[string]entry
}

// MemoryCounter is a process-local Counter striped across mutex-guarded
// shards.
type MemoryCounter struct {
	shards []*shard
	now    func() time.Time
}

func NewMemoryCounter(shards int, now func() time.Time) *MemoryCounter {
	if shards <= 0 {
		shards = defaultShards
	}
	if now == nil {
		now = time.Now
	}
	m := &MemoryCounter{shards: make([]*shard, shards), now: now}
	for i := range m.shards {
		m.shards[i] = &shard{entries: make(map[string]entry)}
	}
	return m
}

func (m *MemoryCounter) shardFor(key string) *shard {
	return m.shards[bucketing.Bucket(key, len(m.shards))]
}

func (e entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

func (m *MemoryCounter) Incr(_ context.Context, key string, ttl time.Duration) (int64, error) {
	now := m.now()
	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok || e.expired(now) {
		e = entry{}
		if ttl > 0 {
			e.expiresAt = now.Add(ttl)
		}
	}
	e.value++
	s.entries[key] = e
	return e.value, nil
}

func (m *MemoryCounter) Get(_ context.Context, key string) (int64, error) {
	now := m.now()
	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok || e.expired(now) {
		return 0, nil
	}
	return e.value, nil
}

func (m *MemoryCounter) Set(_ context.Context, key string, value int64, ttl time.Duration) error {
	e := entry{value: value}
	if ttl > 0 {
		e.expiresAt = m.now().Add(ttl)
	}
	s := m.shardFor(key)
	s.mu.Lock()
	s.entries[key] = e
	s.mu.Unlock()
	return nil
}

func (m *MemoryCounter) Scan(_ context.Context, prefix string) (map[string]int64, error) {
	now := m.now()
	out := make(map[string]int64)
	for _, s := range m.shards {
		s.mu.Lock()
		for k, e := range s.entries {
			if strings.HasPrefix(k, prefix) && !e.expired(now) {
				out[k] = e.value
			}
		}
		s.mu.Unlock()
	}
	return out, nil
}

func (m *MemoryCounter) Clear(_ context.Context, prefix string) (int, error) {
	removed := 0
	for _, s := range m.shards {
		s.mu.Lock()
		for k := range s.entries {
			if strings.HasPrefix(k, prefix) {
				delete(s.entries, k)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed, nil
}

func (m *MemoryCounter) SweepExpired(_ context.Context) (int, error) {
	now := m.now()
	removed := 0
	for _, s := range m.shards {
		s.mu.Lock()
		for k, e := range s.entries {
			if e.expired(now) {
				delete(s.entries, k)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed, nil
}

// Len reports the number of stored keys, expired or not.
func (m *MemoryCounter) Len() int {
	n := 0
	for _, s := range m.shards {
		s.mu.Lock()
		n += len(s.entries)
		s.mu.Unlock()
	}
	return n
}
