package device

import (
	"context"
	"sync"
	"time"

	"security-gateway/internal/bucketing"
	"security-gateway/internal/models"
)

type memoryShard struct {
	mu      sync.RWMutex
	records map[string]models.DeviceRecord
}

// MemoryStore is a process-local Store striped across shards.
type MemoryStore struct {
	shards []*memoryShard
}

func NewMemoryStore(shards int) *MemoryStore {
	if shards <= 0 {
		shards = 32
	}
	m := &MemoryStore{shards: make([]*memoryShard, shards)}
	for i := range m.shards {
		m.shards[i] = &memoryShard{records: make(map[string]models.DeviceRecord)}
	}
	return m
}

func (m *MemoryStore) shardFor(fingerprint string) *memoryShard {
	return m.shards[bucketing.Bucket(fingerprint, len(m.shards))]
}

func (m *MemoryStore) Get(_ context.Context, fingerprint string) (*models.DeviceRecord, error) {
	s := m.shardFor(fingerprint)
	s.mu.RLock()
	rec, ok := s.records[fingerprint]
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (m *MemoryStore) Put(_ context.Context, rec models.DeviceRecord) error {
	s := m.shardFor(rec.Fingerprint)
	s.mu.Lock()
	s.records[rec.Fingerprint] = rec
	s.mu.Unlock()
	return nil
}

func (m *MemoryStore) Sweep(_ context.Context, cutoff time.Time) (int, error) {
	removed := 0
	for _, s := range m.shards {
		s.mu.Lock()
		for fp, rec := range s.records {
			if rec.LastSeen.Before(cutoff) {
				delete(s.records, fp)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed, nil
}

func (m *MemoryStore) Stats(context.Context) (Stats, error) {
	var st Stats
	for _, s := range m.shards {
		s.mu.RLock()
		for _, rec := range s.records {
			st.TotalDevices++
			if rec.Trusted {
				st.TrustedDevices++
			}
		}
		s.mu.RUnlock()
	}
	return st, nil
}

func (m *MemoryStore) Clear(context.Context) error {
	for _, s := range m.shards {
		s.mu.Lock()
		s.records = make(map[string]models.DeviceRecord)
		s.mu.Unlock()
	}
	return nil
}
