// Package apperrors defines the closed set of error kinds the core
// subsystems raise.
package apperrors

import (
	"errors"
	"fmt"
)

// ErrorCode is a closed enum of error kinds the core can raise.
type ErrorCode string

const (
	// ErrValidation is raised when an ingress payload fails to parse
	// or fails struct validation. No state change accompanies it.
	ErrValidation ErrorCode = "VALIDATION_ERROR"

	// ErrSuppressed is raised when a pre-contact guard blocks an
	// action because the target is in the Suppression Store.
	ErrSuppressed ErrorCode = "SUPPRESSED"

	// ErrAdapterTransient is raised when a dial or send fails in a
	// way that should be retried using the progressive-interval
	// table without incrementing attempts.
	ErrAdapterTransient ErrorCode = "ADAPTER_TRANSIENT"

	// ErrAdapterFatal is raised after repeated consecutive
	// per-record adapter failures; the record is demoted to paused.
	ErrAdapterFatal ErrorCode = "ADAPTER_FATAL"

	// ErrPersistence is raised when a shard fails to write.
	ErrPersistence ErrorCode = "PERSISTENCE_ERROR"

	// ErrDuplicate marks an idempotent no-op completion event; it is
	// informational, never surfaced as a failure to the caller.
	ErrDuplicate ErrorCode = "DUPLICATE_EVENT"

	// ErrStalePending marks a tracker entry demoted by the stale sweep.
	ErrStalePending ErrorCode = "STALE_PENDING"

	// ErrUnknownOutcome marks an ingress payload whose provider tag
	// did not map to a known outcome; classified as confused.
	ErrUnknownOutcome ErrorCode = "UNKNOWN_OUTCOME"

	// ErrNotFound is raised when a lookup by key finds nothing.
	ErrNotFound ErrorCode = "NOT_FOUND"
)

// AppError is the core's structured error type. It always carries a
// closed Code so callers can branch on kind rather than string-match
// an error message.
type AppError struct {
	Code    ErrorCode
	Message string
	Err     error
	Fields  map[string]any
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates an AppError with no wrapped cause.
func New(code ErrorCode, message string) *AppError {
	return &AppError{Code: code, Message: message}
}

// Wrap creates an AppError wrapping an existing error. Returns nil if
// err is nil, so it composes at call sites like fmt.Errorf does.
func Wrap(err error, code ErrorCode, message string) *AppError {
	if err == nil {
		return nil
	}
	return &AppError{Code: code, Message: message, Err: err}
}

// WithField attaches a structured field to the error for logging and
// returns the same error for chaining.
func (e *AppError) WithField(key string, value any) *AppError {
	if e.Fields == nil {
		e.Fields = make(map[string]any)
	}
	e.Fields[key] = value
	return e
}

// CodeOf extracts the ErrorCode from err if it is (or wraps) an
// AppError, returning ok=false otherwise.
func CodeOf(err error) (ErrorCode, bool) {
	var ae *AppError
	if errors.As(err, &ae) {
		return ae.Code, true
	}
	return "", false
}

// Is reports whether err is an AppError carrying the given code.
func Is(err error, code ErrorCode) bool {
	c, ok := CodeOf(err)
	return ok && c == code
}
