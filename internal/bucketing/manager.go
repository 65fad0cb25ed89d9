package bucketing

import (
	"hash"
	"sync"
	"time"

	"github.com/spaolacci/murmur3"
)

var hasherPool = sync.Pool{
	New: func() interface{} {
		return murmur3.New32()
	},
}

// Bucket returns a stable bucket in [0, buckets) for key.
func Bucket(key string, buckets int) int {
	if buckets <= 1 {
		return 0
	}
	h := hasherPool.Get().(hash.Hash32)
	h.Reset()
	_, _ = h.Write([]byte(key))
	sum := h.Sum32()
	hasherPool.Put(h)
	return int(sum % uint32(buckets))
}

type Manager struct {
	eventBuckets int
}

func NewManager(eventBuckets int) *Manager {
	if eventBuckets <= 0 {
		eventBuckets = 64
	}
	return &Manager{eventBuckets: eventBuckets}
}

// EventBucket spreads security events for one source across partitions.
func (m *Manager) EventBucket(identifier string) int {
	return Bucket(identifier, m.eventBuckets)
}

// DateBucket returns the UTC day partition for t.
func (m *Manager) DateBucket(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// WindowStart rounds t down to the start of its fixed window.
func WindowStart(t time.Time, window time.Duration) int64 {
	sec := int64(window / time.Second)
	if sec <= 0 {
		sec = 1
	}
	return t.Unix() / sec * sec
}
