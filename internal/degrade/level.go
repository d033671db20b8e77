package degrade

import "time"

// Level is a totally ordered degradation severity. Ordinal comparison is the
// point: transition logic asks "is the new level worse than the current one",
// so Level is an int, not an opaque enum.
type Level int

const (
	LevelNone        Level = iota // full functionality
	LevelRateLimited              // all operations allowed, limiter is biting
	LevelCachedData               // reads only, served stale when needed
	LevelReadOnly                 // essential reads only
	LevelEmergency                // critical operations only
)

func (l Level) String() string {
	switch l {
	case LevelNone:
		return "none"
	case LevelRateLimited:
		return "rate_limited"
	case LevelCachedData:
		return "cached_data"
	case LevelReadOnly:
		return "read_only"
	case LevelEmergency:
		return "emergency"
	default:
		return "unknown"
	}
}

// ServiceHealth is the probe-level state of one named upstream service
type ServiceHealth string

const (
	HealthUnknown     ServiceHealth = "unknown"
	HealthHealthy     ServiceHealth = "healthy"
	HealthDegraded    ServiceHealth = "degraded"
	HealthUnavailable ServiceHealth = "unavailable"
)

// ServiceStatus tracks failures per named service. Created lazily on first
// reference, never deleted.
type ServiceStatus struct {
	Name        string        `json:"name"`
	Health      ServiceHealth `json:"health"`
	ErrorCount  int64         `json:"error_count"`
	LastError   string        `json:"last_error,omitempty"`
	LastChecked time.Time     `json:"last_checked"`
}

// Event is an immutable audit record of a level transition
type Event struct {
	OldLevel  Level     `json:"old_level"`
	NewLevel  Level     `json:"new_level"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// Operation permission matrix. Each level's allowed set is a subset of every
// less severe level's: critical ⊂ essential reads ⊂ reads ⊂ everything.
var (
	criticalOps = map[string]bool{
		"emergency_close": true,
		"risk_check":      true,
	}
	essentialReadOps = map[string]bool{
		"get_account": true,
		"get_prices":  true,
	}
	readOps = map[string]bool{
		"get_account":      true,
		"get_prices":       true,
		"get_positions":    true,
		"get_open_trades":  true,
		"get_transactions": true,
		"get_candles":      true,
	}
)

// allowedAt implements the permission matrix. Unknown operations are treated
// as writes: rejected at CachedData and above.
func allowedAt(level Level, op string) bool {
	if criticalOps[op] {
		return true
	}
	switch level {
	case LevelNone, LevelRateLimited:
		return true
	case LevelCachedData:
		return readOps[op]
	case LevelReadOnly:
		return essentialReadOps[op]
	default: // LevelEmergency and anything beyond
		return false
	}
}
