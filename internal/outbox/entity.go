// Package outbox implements the transactional-outbox pattern: messages are
// appended next to business writes and a background relay publishes them to
// the transport with at-least-once semantics.
//
// Architecture (single-poller, status-based):
//  1. The poller fetches eligible entries (status Pending, nextRetryAt due)
//  2. Each entry is claimed with a Pending -> Processing compare-and-swap
//  3. A per-destination worker publishes claimed entries in FIFO order
//  4. Outcomes commit per entry: Processed, retried with backoff, or Failed
//     with a dead-letter copy once retries are exhausted
//  5. Crash recovery: stuck Processing entries are reset to Pending on start
//     and periodically thereafter
package outbox

import (
	"time"

	"go.heromessaging.dev/internal/message"
)

// Status is the processing status of an outbox entry. Integers for
// efficient storage and cross-database compatibility.
type Status int

const (
	// StatusPending - entry is waiting to be dispatched
	StatusPending Status = 0

	// StatusProcessed - entry was published successfully (terminal)
	StatusProcessed Status = 1

	// StatusFailed - retries exhausted, dead-letter copy written (terminal)
	StatusFailed Status = 2

	// StatusProcessing - entry is claimed by a relay worker
	// Reset to Pending by crash recovery
	StatusProcessing Status = 9
)

// String returns a human-readable status name
func (s Status) String() string {
	switch s {
	case StatusPending:
		return "PENDING"
	case StatusProcessed:
		return "PROCESSED"
	case StatusFailed:
		return "FAILED"
	case StatusProcessing:
		return "PROCESSING"
	default:
		return "UNKNOWN"
	}
}

// IsTerminal returns true if this status represents a final state
func (s Status) IsTerminal() bool {
	return s == StatusProcessed || s == StatusFailed
}

// Entry is one outbox record. Higher priority dispatches first; entries with
// a future NextRetryAt are deferred.
type Entry struct {
	// ID is the unique identifier (TSID format, 13-char Crockford Base32)
	ID string `bson:"_id" json:"id"`

	// Message is the envelope to publish
	Message *message.Message `bson:"message" json:"message"`

	// Destination is the logical endpoint the message is addressed to
	Destination string `bson:"destination" json:"destination"`

	// Priority orders dispatch within a destination, higher first
	Priority int `bson:"priority" json:"priority"`

	// Status is the current processing status (integer)
	Status Status `bson:"status" json:"status"`

	// RetryCount is the number of failed dispatch attempts so far
	RetryCount int `bson:"retryCount" json:"retryCount"`

	// MaxRetries bounds RetryCount; beyond it the entry is dead-lettered
	MaxRetries int `bson:"maxRetries" json:"maxRetries"`

	// NextRetryAt defers re-dispatch after a failure; nil means due now
	NextRetryAt *time.Time `bson:"nextRetryAt,omitempty" json:"nextRetryAt,omitempty"`

	// CreatedAt is when the entry was appended
	CreatedAt time.Time `bson:"createdAt" json:"createdAt"`

	// ProcessedAt is when the entry reached Processed
	ProcessedAt *time.Time `bson:"processedAt,omitempty" json:"processedAt,omitempty"`

	// LastError is the most recent dispatch failure
	LastError string `bson:"lastError,omitempty" json:"lastError,omitempty"`
}

// Eligible reports whether the entry may be dispatched at the given instant.
func (e *Entry) Eligible(now time.Time) bool {
	if e.Status != StatusPending {
		return false
	}
	return e.NextRetryAt == nil || !e.NextRetryAt.After(now)
}

// DeadLetterDestination returns the destination for a failed entry's
// dead-letter copy: one queue per origin destination.
func (e *Entry) DeadLetterDestination() string {
	return "dlq." + e.Destination
}
