package tenant

import (
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// CacheKey namespaces a cache key by tenant.
func CacheKey(tenantID string, parts ...string) string {
	return "tenant:" + tenantID + ":" + strings.Join(parts, ":")
}

// Session holds one caller's active tenant and a result cache whose keys are
// namespaced by that tenant. Switching tenants purges the cache.
type Session struct {
	mu     sync.Mutex
	active string
	cache  *expirable.LRU[string, any]
}

func NewSession(size int, ttl time.Duration) *Session {
	if size <= 0 {
		size = 128
	}
	return &Session{cache: expirable.NewLRU[string, any](size, nil, ttl)}
}

func (s *Session) ActiveTenant() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// SwitchTenant makes tenantID active. It reports whether the tenant changed,
// in which case every cached entry was dropped.
func (s *Session) SwitchTenant(tenantID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == tenantID {
		return false
	}
	s.active = tenantID
	s.cache.Purge()
	return true
}

// Get looks up a key in the active tenant's namespace.
func (s *Session) Get(parts ...string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cache.Get(CacheKey(s.active, parts...))
}

func (s *Session) Put(value any, parts ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache.Add(CacheKey(s.active, parts...), value)
}

// Invalidate drops every cached entry, typically after a mutation.
func (s *Session) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache.Purge()
}

func (s *Session) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cache.Len()
}
