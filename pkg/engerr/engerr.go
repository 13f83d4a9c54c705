// Package engerr defines the typed error-kind taxonomy that every engine
// component returns at its operation boundaries instead of raising
// exceptions or panicking. Callers branch on kind via
// errors.Is/errors.As; every value also carries a human-readable message
// for the evolution log.
package engerr

import (
	"errors"
	"fmt"
)

// Kind identifies one of the engine's error categories.
type Kind string

const (
	StaleData         Kind = "stale_data"
	Unavailable       Kind = "unavailable"
	InsufficientFunds Kind = "insufficient_funds"
	RateLimited       Kind = "rate_limited"
	ExchangeError     Kind = "exchange_error"
	Network           Kind = "network"
	Rejected          Kind = "rejected"
	CycleConflict     Kind = "cycle_conflict"
	Constraint        Kind = "constraint"
	Budget            Kind = "budget"
	Internal          Kind = "internal"
)

// Error wraps an underlying cause with a Kind so policy code (retry,
// demotion pressure, fatal-to-proposal, escalation) can dispatch on it
// without string matching.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an *Error with no wrapped cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an *Error carrying cause, so errors.Is/errors.As keep
// working through the chain while the kind rides along.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Is reports whether err carries the given kind, walking the chain.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf extracts the Kind from err, defaulting to Internal when err does
// not carry one — unclassified failures are never silently swallowed.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if err == nil {
		return ""
	}
	return Internal
}

// IsClassified reports whether err already carries an *Error in its chain,
// so wrapping code can avoid double-wrapping an already-typed error.
func IsClassified(err error) bool {
	var e *Error
	return errors.As(err, &e)
}

// Recoverable reports whether kind is handled locally with retry/backoff
// or re-enqueue rather than escalated.
func Recoverable(kind Kind) bool {
	switch kind {
	case Network, RateLimited, StaleData, Budget, CycleConflict:
		return true
	default:
		return false
	}
}

// DemotionPressure reports whether repeated occurrences of kind on a
// strategy should lower its scheduler tier.
func DemotionPressure(kind Kind) bool {
	switch kind {
	case ExchangeError, Rejected, InsufficientFunds:
		return true
	default:
		return false
	}
}
