package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Rajchodisetti/broker-resilience/internal/observ"
)

// Limits configures a single bucket
type Limits struct {
	RatePerSecond float64
	Burst         float64
}

// Config configures the manager. Zero-value fields fall back to the
// defaults below.
type Config struct {
	GlobalRate  float64
	GlobalBurst float64
	Endpoints   map[string]Limits // merged over DefaultEndpointLimits
	Critical    []string          // endpoints allowed to bypass limiting
}

// DefaultEndpointLimits mirrors the broker's published per-resource limits
var DefaultEndpointLimits = map[string]Limits{
	"pricing":   {RatePerSecond: 50, Burst: 100},
	"orders":    {RatePerSecond: 20, Burst: 40},
	"accounts":  {RatePerSecond: 10, Burst: 20},
	"streaming": {RatePerSecond: 5, Burst: 10},
}

// DefaultCriticalEndpoints may bypass all limiting when flagged critical
var DefaultCriticalEndpoints = []string{"emergency_close", "risk_check"}

// defaultLimits is applied to endpoints first seen at call time
var defaultLimits = Limits{RatePerSecond: 10, Burst: 20}

// Decision is the outcome of a non-blocking rate-limit check
type Decision struct {
	Result   Result `json:"result"`
	Endpoint string `json:"endpoint"` // bucket that produced the decision
	Reason   string `json:"reason,omitempty"`
}

// Allowed reports whether the call may proceed.
func (d Decision) Allowed() bool {
	return d.Result == ResultAllowed || d.Result == ResultQueued
}

// Event is an immutable audit record of a rate-limit decision. Events feed
// metrics and tests only; decisions always read live bucket state.
type Event struct {
	Timestamp time.Time `json:"timestamp"`
	Endpoint  string    `json:"endpoint"`
	ClientID  string    `json:"client_id,omitempty"`
	Tokens    float64   `json:"tokens"`
	Result    Result    `json:"result"`
	Reason    string    `json:"reason,omitempty"`
}

const eventHistorySize = 256

// TimeoutError reports that a blocking acquire exhausted its wait budget.
// It is an expected outcome, distinct from transport failures.
type TimeoutError struct {
	Endpoint string
	Waited   time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("rate limit wait timed out for %s after %s", e.Endpoint, e.Waited)
}

// Manager owns one global bucket plus a bucket per named endpoint and
// applies the critical-endpoint bypass.
type Manager struct {
	mu        sync.RWMutex
	global    *TokenBucket
	endpoints map[string]*TokenBucket
	critical  map[string]bool
	events    []Event
}

// NewManager builds a manager with the configured buckets.
func NewManager(cfg Config) *Manager {
	if cfg.GlobalRate <= 0 {
		cfg.GlobalRate = 100
	}
	if cfg.GlobalBurst <= 0 {
		cfg.GlobalBurst = 200
	}

	m := &Manager{
		global:    NewTokenBucket("global", cfg.GlobalRate, cfg.GlobalBurst),
		endpoints: make(map[string]*TokenBucket),
		critical:  make(map[string]bool),
	}

	for name, lim := range DefaultEndpointLimits {
		m.endpoints[name] = NewTokenBucket(name, lim.RatePerSecond, lim.Burst)
	}
	for name, lim := range cfg.Endpoints {
		m.endpoints[name] = NewTokenBucket(name, lim.RatePerSecond, lim.Burst)
	}

	critical := cfg.Critical
	if len(critical) == 0 {
		critical = DefaultCriticalEndpoints
	}
	for _, name := range critical {
		m.critical[name] = true
	}

	return m
}

// CheckRateLimit is the non-blocking path: critical bypass first, then the
// global bucket, then the endpoint bucket. The first rejection wins.
func (m *Manager) CheckRateLimit(endpoint string, tokens float64, clientID string, isCritical bool) Decision {
	if tokens <= 0 {
		tokens = 1
	}

	if isCritical && m.isCritical(endpoint) {
		d := Decision{Result: ResultAllowed, Endpoint: endpoint, Reason: "critical_bypass"}
		m.recordEvent(d, tokens, clientID)
		return d
	}

	ctx := context.Background() // non-blocking path never sleeps
	if m.global.Acquire(ctx, tokens, false) == ResultRateLimited {
		d := Decision{Result: ResultRateLimited, Endpoint: "global", Reason: "global bucket exhausted"}
		m.recordEvent(d, tokens, clientID)
		return d
	}

	bucket := m.bucketFor(endpoint)
	if bucket.Acquire(ctx, tokens, false) == ResultRateLimited {
		d := Decision{Result: ResultRateLimited, Endpoint: endpoint, Reason: "endpoint bucket exhausted"}
		m.recordEvent(d, tokens, clientID)
		return d
	}

	d := Decision{Result: ResultAllowed, Endpoint: endpoint}
	m.recordEvent(d, tokens, clientID)
	return d
}

// AcquireWithWait tries the non-blocking path first and, if rejected, waits
// on the endpoint bucket for up to maxWait. A timeout returns false, never
// an error: running out of wait budget is a normal outcome here.
func (m *Manager) AcquireWithWait(ctx context.Context, endpoint string, tokens float64, clientID string, maxWait time.Duration) bool {
	if m.CheckRateLimit(endpoint, tokens, clientID, false).Allowed() {
		return true
	}

	waitCtx, cancel := context.WithTimeout(ctx, maxWait)
	defer cancel()

	waited, err := m.bucketFor(endpoint).WaitForTokens(waitCtx, tokens)
	if err != nil {
		m.recordEvent(Decision{Result: ResultRateLimited, Endpoint: endpoint, Reason: "wait timeout"}, tokens, clientID)
		observ.Log("rate_limit_wait_timeout", map[string]any{
			"endpoint":  endpoint,
			"waited_ms": waited.Milliseconds(),
		})
		return false
	}
	m.recordEvent(Decision{Result: ResultQueued, Endpoint: endpoint}, tokens, clientID)
	return true
}

// AddEndpointLimiter registers or replaces a named bucket.
func (m *Manager) AddEndpointLimiter(name string, ratePerSecond, burst float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.endpoints[name] = NewTokenBucket(name, ratePerSecond, burst)
}

// ResetLimiter refills the named bucket; in-flight acquisitions on other
// buckets are unaffected.
func (m *Manager) ResetLimiter(name string) {
	if name == "global" {
		m.global.Reset()
		return
	}
	m.mu.RLock()
	bucket, ok := m.endpoints[name]
	m.mu.RUnlock()
	if ok {
		bucket.Reset()
	}
}

// ResetAll refills every bucket.
func (m *Manager) ResetAll() {
	m.global.Reset()
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, bucket := range m.endpoints {
		bucket.Reset()
	}
}

// AllStatus snapshots capacity for every bucket, keyed by name.
func (m *Manager) AllStatus() map[string]Status {
	out := map[string]Status{"global": m.global.Status()}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for name, bucket := range m.endpoints {
		out[name] = bucket.Status()
	}
	return out
}

// AllMetrics snapshots counters for every bucket, keyed by name.
func (m *Manager) AllMetrics() map[string]Metrics {
	out := map[string]Metrics{"global": m.global.Metrics()}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for name, bucket := range m.endpoints {
		out[name] = bucket.Metrics()
	}
	return out
}

// RecentEvents returns the most recent audit records, oldest first.
func (m *Manager) RecentEvents() []Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Event, len(m.events))
	copy(out, m.events)
	return out
}

func (m *Manager) isCritical(endpoint string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.critical[endpoint]
}

// bucketFor returns the endpoint bucket, creating one with default limits
// for endpoints first seen at call time.
func (m *Manager) bucketFor(endpoint string) *TokenBucket {
	m.mu.RLock()
	bucket, ok := m.endpoints[endpoint]
	m.mu.RUnlock()
	if ok {
		return bucket
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if bucket, ok = m.endpoints[endpoint]; ok {
		return bucket
	}
	bucket = NewTokenBucket(endpoint, defaultLimits.RatePerSecond, defaultLimits.Burst)
	m.endpoints[endpoint] = bucket
	observ.Log("rate_limiter_created", map[string]any{
		"endpoint": endpoint,
		"rate":     defaultLimits.RatePerSecond,
		"burst":    defaultLimits.Burst,
	})
	return bucket
}

func (m *Manager) recordEvent(d Decision, tokens float64, clientID string) {
	ev := Event{
		Timestamp: time.Now(),
		Endpoint:  d.Endpoint,
		ClientID:  clientID,
		Tokens:    tokens,
		Result:    d.Result,
		Reason:    d.Reason,
	}
	m.mu.Lock()
	m.events = append(m.events, ev)
	if len(m.events) > eventHistorySize {
		m.events = m.events[len(m.events)-eventHistorySize:]
	}
	m.mu.Unlock()
}
