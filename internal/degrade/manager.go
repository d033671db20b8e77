package degrade

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Rajchodisetti/broker-resilience/internal/cache"
	"github.com/Rajchodisetti/broker-resilience/internal/observ"
)

// HealthProbe reports whether a named service currently answers.
type HealthProbe func(ctx context.Context, service string) bool

// Callback is invoked on every level transition. Panics are recovered and
// logged; a misbehaving subscriber never aborts a transition.
type Callback func(Event)

// Config for the degradation manager. Zero-value fields use defaults.
type Config struct {
	ServiceName              string  // primary service failures are attributed to
	AutoRecovery             bool    // arm recovery timers on escalation
	PartialRecoveryThreshold float64 // healthy fraction for partial recovery (default 0.5)

	DegradedTTL time.Duration // cache default TTL while level >= CachedData

	// Per-level delay before an automatic recovery attempt
	Timeouts map[Level]time.Duration
}

// DefaultTimeouts are the per-level auto-recovery delays
var DefaultTimeouts = map[Level]time.Duration{
	LevelRateLimited: 300 * time.Second,
	LevelCachedData:  900 * time.Second,
	LevelReadOnly:    1800 * time.Second,
	LevelEmergency:   3600 * time.Second,
}

const eventHistorySize = 256

// Manager mediates all broker calls through an explicit, monotonically
// escalating failure-severity state machine. One instance per process;
// transitions are serialized under mu so concurrent failures cannot
// interleave classify, compare-ordinal, commit.
type Manager struct {
	mu             sync.Mutex
	cfg            Config
	cache          *cache.Manager
	baseTTL        time.Duration
	level          Level
	levelChangedAt time.Time
	services       map[string]*ServiceStatus
	callbacks      []Callback
	events         []Event
	probe          HealthProbe
	recoveryTimer  *time.Timer
}

// SystemStatus is a read-only snapshot for dashboards
type SystemStatus struct {
	Level        Level                    `json:"level"`
	LevelName    string                   `json:"level_name"`
	Since        time.Time                `json:"since"`
	AutoRecovery bool                     `json:"auto_recovery"`
	CacheStats   cache.Stats              `json:"cache_stats"`
	Services     map[string]ServiceStatus `json:"services"`
}

// NewManager builds a manager over the given cache. The cache's TTL at
// construction time becomes the baseline restored on recovery.
func NewManager(c *cache.Manager, cfg Config) *Manager {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "oanda_api"
	}
	if cfg.PartialRecoveryThreshold <= 0 {
		cfg.PartialRecoveryThreshold = 0.5
	}
	if cfg.DegradedTTL <= 0 {
		cfg.DegradedTTL = 10 * time.Minute
	}
	if cfg.Timeouts == nil {
		cfg.Timeouts = DefaultTimeouts
	}

	m := &Manager{
		cfg:            cfg,
		cache:          c,
		baseTTL:        c.DefaultTTL(),
		level:          LevelNone,
		levelChangedAt: time.Now(),
		services:       make(map[string]*ServiceStatus),
	}
	observ.SetGauge("degradation_level", 0, nil)
	return m
}

// Close stops the auto-recovery timer.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.recoveryTimer != nil {
		m.recoveryTimer.Stop()
		m.recoveryTimer = nil
	}
}

// CurrentLevel returns the live degradation level.
func (m *Manager) CurrentLevel() Level {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.level
}

// ServiceName returns the service failures default to when the caller does
// not name one.
func (m *Manager) ServiceName() string {
	return m.cfg.ServiceName
}

// AddCallback subscribes to level transitions.
func (m *Manager) AddCallback(cb Callback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, cb)
}

// SetHealthProbe installs the per-service health predicate used by
// AttemptRecovery.
func (m *Manager) SetHealthProbe(p HealthProbe) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.probe = p
}

// TrackService ensures a service is known to recovery probes before its
// first failure.
func (m *Manager) TrackService(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.serviceLocked(name)
}

// HandleAPIFailure classifies err, books it against the named service, and
// escalates the level if the classification is strictly worse than the
// current one. A worse-or-equal current level is retained; de-escalation
// only happens through the recovery paths. Returns the resulting level.
func (m *Manager) HandleAPIFailure(service string, err error, suggested ...Level) Level {
	kind := KindOf(err)
	target := levelFor(kind)
	reason := string(kind) + " failure on " + service
	if len(suggested) > 0 {
		target = suggested[0]
		reason = "suggested escalation on " + service
	}

	m.mu.Lock()
	st := m.serviceLocked(service)
	st.Health = HealthUnavailable
	st.ErrorCount++
	st.LastError = err.Error()
	st.LastChecked = time.Now()
	observ.SetGauge("service_health", 0, map[string]string{"service": service})
	observ.IncCounter("api_failures_total", map[string]string{"service": service, "kind": string(kind)})

	var ev *Event
	if target > m.level {
		ev = m.transitionLocked(target, reason)
	}
	level := m.level
	m.mu.Unlock()

	if ev != nil {
		m.notify(*ev)
	}
	return level
}

// IsOperationAllowed checks op against the permission matrix at the current
// level.
func (m *Manager) IsOperationAllowed(op string) bool {
	return allowedAt(m.CurrentLevel(), op)
}

// ExecuteWithFallback is the recommended entry point for any broker call.
// The permission gate is hard: a rejected operation fails immediately and no
// fallback runs. After a primary failure the error is classified and booked
// before the fallback chain, so the transition is recorded even when a
// fallback masks the failure. Chain exhaustion returns the original error.
func (m *Manager) ExecuteWithFallback(ctx context.Context, op string, primary func(context.Context) (any, error), fallback func(context.Context) (any, error), cacheKey string) (any, error) {
	level := m.CurrentLevel()
	if !allowedAt(level, op) {
		observ.IncCounter("operations_rejected_total", map[string]string{"op": op, "level": level.String()})
		return nil, &OperationNotPermittedError{Op: op, Level: level}
	}

	value, err := primary(ctx)
	if err == nil {
		return value, nil
	}

	m.HandleAPIFailure(m.cfg.ServiceName, err)

	if fallback != nil {
		if v, ferr := fallback(ctx); ferr == nil {
			observ.IncCounter("fallback_served_total", map[string]string{"op": op, "source": "fallback_fn"})
			return v, nil
		}
	}

	if cacheKey != "" {
		if v, ok := m.GetCachedData(cacheNamespace(op), cacheKey); ok {
			observ.IncCounter("fallback_served_total", map[string]string{"op": op, "source": "cache"})
			observ.Log("fallback_cache_hit", map[string]any{"op": op, "key": cacheKey})
			return v, nil
		}
	}

	return nil, err
}

// CacheData stores value under namespace:key.
func (m *Manager) CacheData(namespace, key string, value any, ttl time.Duration) {
	m.cache.Set(namespace+":"+key, value, ttl)
}

// GetCachedData reads namespace:key.
func (m *Manager) GetCachedData(namespace, key string) (any, bool) {
	return m.cache.Get(namespace + ":" + key)
}

// ManualRecovery unconditionally returns the system to LevelNone and
// restores the baseline cache TTL, regardless of the current level.
func (m *Manager) ManualRecovery(reason string) bool {
	m.mu.Lock()
	ev := m.transitionLocked(LevelNone, "manual_recovery: "+reason)
	m.mu.Unlock()
	m.notify(*ev)
	return true
}

// AttemptRecovery probes every known service. All healthy means full
// recovery to LevelNone; a healthy fraction at or above the configured
// threshold means partial recovery to LevelCachedData — the one sanctioned
// severity downgrade outside ManualRecovery. Anything less leaves the level
// untouched and returns false.
func (m *Manager) AttemptRecovery(ctx context.Context) bool {
	m.mu.Lock()
	probe := m.probe
	names := make([]string, 0, len(m.services))
	for name := range m.services {
		names = append(names, name)
	}
	m.mu.Unlock()
	sort.Strings(names)

	if len(names) == 0 || probe == nil {
		observ.Log("recovery_skipped", map[string]any{
			"services": len(names),
			"probe":    probe != nil,
		})
		return false
	}

	healthy := 0
	now := time.Now()
	for _, name := range names {
		ok := probe(ctx, name)
		m.mu.Lock()
		st := m.serviceLocked(name)
		st.LastChecked = now
		if ok {
			st.Health = HealthHealthy
			healthy++
			observ.SetGauge("service_health", 1, map[string]string{"service": name})
		} else {
			st.Health = HealthUnavailable
			observ.SetGauge("service_health", 0, map[string]string{"service": name})
		}
		m.mu.Unlock()
	}

	fraction := float64(healthy) / float64(len(names))
	observ.Log("recovery_attempted", map[string]any{
		"healthy":  healthy,
		"total":    len(names),
		"fraction": fraction,
	})

	m.mu.Lock()
	var ev *Event
	recovered := false
	switch {
	case fraction == 1.0:
		if m.level != LevelNone {
			ev = m.transitionLocked(LevelNone, "full_recovery")
		}
		recovered = true
	case fraction >= m.cfg.PartialRecoveryThreshold && m.level > LevelNone:
		if m.level != LevelCachedData {
			ev = m.transitionLocked(LevelCachedData, "partial_recovery")
		}
		recovered = true
	}
	m.mu.Unlock()

	if ev != nil {
		m.notify(*ev)
	}
	return recovered
}

// SystemStatus snapshots the manager for dashboards; never mutates state.
func (m *Manager) SystemStatus() SystemStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return SystemStatus{
		Level:        m.level,
		LevelName:    m.level.String(),
		Since:        m.levelChangedAt,
		AutoRecovery: m.cfg.AutoRecovery,
		CacheStats:   m.cache.Stats(),
		Services:     m.serviceSnapshotLocked(),
	}
}

// ServiceStatuses snapshots per-service health.
func (m *Manager) ServiceStatuses() map[string]ServiceStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.serviceSnapshotLocked()
}

// RecentEvents returns the transition audit trail, oldest first.
func (m *Manager) RecentEvents() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, len(m.events))
	copy(out, m.events)
	return out
}

// serviceLocked lazily creates a status record; caller holds mu
func (m *Manager) serviceLocked(name string) *ServiceStatus {
	st, ok := m.services[name]
	if !ok {
		st = &ServiceStatus{Name: name, Health: HealthUnknown}
		m.services[name] = st
	}
	return st
}

func (m *Manager) serviceSnapshotLocked() map[string]ServiceStatus {
	out := make(map[string]ServiceStatus, len(m.services))
	for name, st := range m.services {
		out[name] = *st
	}
	return out
}

// transitionLocked commits a level change, records the event, adjusts the
// cache TTL, and arms the recovery timer. Caller holds mu. Subscriber
// notification happens after the lock is released (see notify) so the
// commit itself stays serialized.
func (m *Manager) transitionLocked(newLevel Level, reason string) *Event {
	ev := Event{
		OldLevel:  m.level,
		NewLevel:  newLevel,
		Reason:    reason,
		Timestamp: time.Now(),
	}
	m.level = newLevel
	m.levelChangedAt = ev.Timestamp

	m.events = append(m.events, ev)
	if len(m.events) > eventHistorySize {
		m.events = m.events[len(m.events)-eventHistorySize:]
	}

	// Stale data beats no data during an outage; widen the TTL while the
	// level says reads may be served from cache, restore it once healthy.
	if newLevel >= LevelCachedData {
		m.cache.SetDefaultTTL(m.cfg.DegradedTTL)
	} else if newLevel == LevelNone {
		m.cache.SetDefaultTTL(m.baseTTL)
	}

	if m.recoveryTimer != nil {
		m.recoveryTimer.Stop()
		m.recoveryTimer = nil
	}
	if m.cfg.AutoRecovery && newLevel > LevelNone {
		if timeout, ok := m.cfg.Timeouts[newLevel]; ok && timeout > 0 {
			m.recoveryTimer = time.AfterFunc(timeout, func() {
				m.AttemptRecovery(context.Background())
			})
		}
	}

	observ.SetGauge("degradation_level", float64(newLevel), nil)
	observ.IncCounter("degradation_transitions_total", map[string]string{
		"from": ev.OldLevel.String(),
		"to":   ev.NewLevel.String(),
	})
	observ.Log("degradation_transition", map[string]any{
		"from":   ev.OldLevel.String(),
		"to":     ev.NewLevel.String(),
		"reason": reason,
	})

	return &ev
}

// notify runs subscribers outside the state lock. A panicking subscriber is
// logged and skipped.
func (m *Manager) notify(ev Event) {
	m.mu.Lock()
	callbacks := make([]Callback, len(m.callbacks))
	copy(callbacks, m.callbacks)
	m.mu.Unlock()

	for _, cb := range callbacks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					observ.Log("degradation_callback_panic", map[string]any{
						"panic": r,
						"from":  ev.OldLevel.String(),
						"to":    ev.NewLevel.String(),
					})
				}
			}()
			cb(ev)
		}()
	}
}

// cacheNamespace maps an operation to the namespace its fallback data lives
// under, e.g. get_prices reads what CacheData("pricing", ...) wrote.
func cacheNamespace(op string) string {
	switch op {
	case "get_prices":
		return "pricing"
	case "get_account":
		return "account"
	case "get_positions", "get_open_trades":
		return "positions"
	case "get_transactions":
		return "transactions"
	default:
		return strings.TrimPrefix(op, "get_")
	}
}
