package broker

import (
	"fmt"

	"github.com/Rajchodisetti/broker-resilience/internal/degrade"
)

// Error is the boundary error type: every failure the broker client surfaces
// carries an explicit kind so the degradation manager never has to guess
// from message text.
type Error struct {
	Kind    degrade.ErrorKind
	Op      string // operation that failed, e.g. "get_prices"
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s error in %s: %s (%v)", e.Kind, e.Op, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s error in %s: %s", e.Kind, e.Op, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// ErrorKind implements degrade.Kinder.
func (e *Error) ErrorKind() degrade.ErrorKind {
	return e.Kind
}

// Common error constructors
func NewConnectionError(op, message string, cause error) *Error {
	return &Error{Kind: degrade.KindConnection, Op: op, Message: message, Cause: cause}
}

func NewRateLimitError(op, message string) *Error {
	return &Error{Kind: degrade.KindRateLimit, Op: op, Message: message}
}

func NewAuthError(op, message string) *Error {
	return &Error{Kind: degrade.KindAuth, Op: op, Message: message}
}

func NewServerError(op, message string, cause error) *Error {
	return &Error{Kind: degrade.KindUnknown, Op: op, Message: message, Cause: cause}
}
