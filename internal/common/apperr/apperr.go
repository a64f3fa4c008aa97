// Package apperr defines the closed set of error categories used across the
// messaging core. Components classify failures by category, not by concrete
// type; the retry, circuit-breaker and saga machinery branch on categories.
package apperr

import (
	"context"
	"errors"
	"fmt"
)

// Category classifies a failure for propagation and retry decisions.
type Category int

const (
	// CategoryTransient - retryable I/O, transport nacks, storage hiccups
	CategoryTransient Category = iota

	// CategoryValidation - input violates contract; surfaced, never retried
	CategoryValidation

	// CategoryNotFound - no handler, or no saga instance for a non-initial event
	CategoryNotFound

	// CategoryConflict - optimistic concurrency conflict (saga save, outbox CAS)
	CategoryConflict

	// CategoryCircuitOpen - admission refused by an open circuit breaker
	CategoryCircuitOpen

	// CategoryRateLimited - admission refused by the rate limiter
	CategoryRateLimited

	// CategoryCancelled - cooperative cancellation observed
	CategoryCancelled

	// CategoryTimeout - per-operation deadline reached; retryable
	CategoryTimeout

	// CategoryFatal - programmer error or invariant violation
	CategoryFatal
)

// String returns a human-readable category name
func (c Category) String() string {
	switch c {
	case CategoryTransient:
		return "TRANSIENT"
	case CategoryValidation:
		return "VALIDATION"
	case CategoryNotFound:
		return "NOT_FOUND"
	case CategoryConflict:
		return "CONFLICT"
	case CategoryCircuitOpen:
		return "CIRCUIT_OPEN"
	case CategoryRateLimited:
		return "RATE_LIMITED"
	case CategoryCancelled:
		return "CANCELLED"
	case CategoryTimeout:
		return "TIMEOUT"
	case CategoryFatal:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

// Retryable reports whether failures in this category may be retried.
func (c Category) Retryable() bool {
	switch c {
	case CategoryTransient, CategoryTimeout, CategoryConflict:
		return true
	default:
		return false
	}
}

// Error is a categorized failure. CorrelationID links the failure to the
// message conversation it occurred in, for log correlation.
type Error struct {
	Category      Category
	Message       string
	CorrelationID string
	Err           error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Category, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Category, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a categorized error.
func New(category Category, message string) *Error {
	return &Error{Category: category, Message: message}
}

// Wrap wraps an underlying error with a category and message.
func Wrap(category Category, message string, err error) *Error {
	return &Error{Category: category, Message: message, Err: err}
}

// WithCorrelation attaches a correlation id and returns the error.
func (e *Error) WithCorrelation(correlationID string) *Error {
	e.CorrelationID = correlationID
	return e
}

// Transient creates a transient (retryable) error.
func Transient(message string, err error) *Error {
	return Wrap(CategoryTransient, message, err)
}

// Validation creates a validation error.
func Validation(message string) *Error {
	return New(CategoryValidation, message)
}

// NotFound creates a not-found error.
func NotFound(message string) *Error {
	return New(CategoryNotFound, message)
}

// Conflict creates an optimistic-concurrency conflict error.
func Conflict(message string) *Error {
	return New(CategoryConflict, message)
}

// Fatal creates a fatal error.
func Fatal(message string, err error) *Error {
	return Wrap(CategoryFatal, message, err)
}

// CategoryOf extracts the category from an error chain. Plain context errors
// map to Cancelled/Timeout; anything unclassified defaults to Transient so
// handler-thrown errors retry unless the handler says otherwise.
func CategoryOf(err error) Category {
	if err == nil {
		return CategoryTransient
	}

	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Category
	}

	if errors.Is(err, context.Canceled) {
		return CategoryCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CategoryTimeout
	}

	return CategoryTransient
}

// IsRetryable reports whether the error's category permits a retry.
func IsRetryable(err error) bool {
	return CategoryOf(err).Retryable()
}

// Is lets errors.Is match on category: two *Error values match when their
// categories are equal regardless of message.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Category == t.Category
	}
	return false
}
