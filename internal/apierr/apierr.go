// Package apierr defines the typed error taxonomy every core operation
// returns instead of panicking. Background components never propagate an
// unrecoverable error to a caller; they record it on the affected job and
// continue (internal/worker does this).
package apierr

import (
	"errors"
	"fmt"
)

// Kind classifies an Error for HTTP status mapping and caller branching.
type Kind string

const (
	Unauthenticated  Kind = "unauthenticated"
	PrincipalMismatch Kind = "principal-mismatch"
	Forbidden        Kind = "forbidden"
	NotFound         Kind = "not-found"
	TerminalState    Kind = "terminal-state"
	Validation       Kind = "validation"
	QuotaRate        Kind = "quota-rate"
	QuotaConcurrent  Kind = "quota-concurrent"
	Transport        Kind = "transport"
	Storage          Kind = "storage"
	ScannerReject    Kind = "scanner-reject"
)

// Error is the concrete type every core operation returns on failure.
type Error struct {
	Kind       Kind
	Message    string
	RetryAfter int // seconds; only meaningful for QuotaRate
	Cause      error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds a bare Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an Error of the given kind around a lower-level cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// RateLimited builds a QuotaRate error carrying a retry-after hint.
func RateLimited(retryAfter int) *Error {
	return &Error{Kind: QuotaRate, Message: "submission rate exceeded", RetryAfter: retryAfter}
}

// As extracts *Error from err via errors.As, for callers that need the
// Kind/RetryAfter fields rather than just the message.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}
