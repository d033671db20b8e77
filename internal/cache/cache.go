package cache

import (
	"sync"
	"time"

	"github.com/Rajchodisetti/broker-resilience/internal/observ"
)

type entry struct {
	value     any
	expiresAt time.Time
}

// Manager is a TTL key-value store with process-wide hit/miss accounting.
// Expired entries are removed opportunistically on read. The default TTL is
// mutable at runtime: the degradation manager widens it during an outage and
// restores it on recovery.
type Manager struct {
	mu         sync.RWMutex
	entries    map[string]entry
	defaultTTL time.Duration
	hits       int64
	misses     int64
}

// Stats summarizes cache effectiveness
type Stats struct {
	Entries int     `json:"entries"`
	Hits    int64   `json:"hits"`
	Misses  int64   `json:"misses"`
	HitRate float64 `json:"hit_rate"`
}

// NewManager creates an empty cache with the given default TTL.
func NewManager(defaultTTL time.Duration) *Manager {
	if defaultTTL <= 0 {
		defaultTTL = time.Minute
	}
	return &Manager{
		entries:    make(map[string]entry),
		defaultTTL: defaultTTL,
	}
}

// Set stores value under key. A non-positive ttl uses the default TTL; the
// absolute expiry is computed now, so later TTL changes do not affect
// existing entries.
func (m *Manager) Set(key string, value any, ttl time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ttl <= 0 {
		ttl = m.defaultTTL
	}
	m.entries[key] = entry{value: value, expiresAt: time.Now().Add(ttl)}
}

// Get returns the live value for key. An expired entry counts as a miss and
// is removed.
func (m *Manager) Get(key string) (any, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		m.misses++
		observ.IncCounter("cache_misses_total", nil)
		return nil, false
	}
	if time.Now().After(e.expiresAt) {
		delete(m.entries, key)
		m.misses++
		observ.IncCounter("cache_misses_total", nil)
		return nil, false
	}
	m.hits++
	observ.IncCounter("cache_hits_total", nil)
	return e.value, true
}

// Delete removes key if present.
func (m *Manager) Delete(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
}

// Clear drops every entry; counters are retained.
func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make(map[string]entry)
}

// Stats reports live entries and cumulative hit/miss counts.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := Stats{
		Entries: len(m.entries),
		Hits:    m.hits,
		Misses:  m.misses,
	}
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRate = float64(s.Hits) / float64(total)
	}
	return s
}

// DefaultTTL returns the TTL applied when Set is called without one.
func (m *Manager) DefaultTTL() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.defaultTTL
}

// SetDefaultTTL changes the TTL applied to future Set calls.
func (m *Manager) SetDefaultTTL(ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.defaultTTL = ttl
}
