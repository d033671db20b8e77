package degrade

import (
	"errors"
	"fmt"
)

// ErrorKind is the closed failure taxonomy the broker-client boundary must
// produce. Classification is a total function over this set; there is no
// message sniffing.
type ErrorKind string

const (
	KindUnknown    ErrorKind = "unknown"
	KindConnection ErrorKind = "connection" // network/socket-level failure
	KindRateLimit  ErrorKind = "rate_limit" // broker 429 or our own limiter
	KindAuth       ErrorKind = "auth"       // credentials rejected
)

// Kinder is implemented by boundary errors that carry their classification.
type Kinder interface {
	ErrorKind() ErrorKind
}

// KindOf extracts the classification from an error chain.
func KindOf(err error) ErrorKind {
	var k Kinder
	if errors.As(err, &k) {
		return k.ErrorKind()
	}
	return KindUnknown
}

// levelFor maps a failure kind to the degradation level it escalates to.
// Unclassified failures get the conservative default.
func levelFor(kind ErrorKind) Level {
	switch kind {
	case KindConnection:
		return LevelReadOnly
	case KindRateLimit:
		return LevelRateLimited
	case KindAuth:
		// Credential failures cannot be worked around by caching or retry.
		return LevelEmergency
	default:
		return LevelRateLimited
	}
}

// OperationNotPermittedError reports that the degradation gate rejected an
// operation. It is surfaced directly; the fallback chain is never attempted.
type OperationNotPermittedError struct {
	Op    string
	Level Level
}

func (e *OperationNotPermittedError) Error() string {
	return fmt.Sprintf("operation %s not allowed at degradation level %s", e.Op, e.Level)
}
