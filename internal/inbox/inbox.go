// Package inbox implements the idempotent-inbox half of the durable
// messaging path: received message ids are logged and repeats within the
// deduplication window are dropped before they reach a handler.
package inbox

import (
	"context"
	"time"
)

// Status is the processing status of an inbox entry.
type Status int

const (
	// StatusPending - received, handler not yet finished
	StatusPending Status = 0

	// StatusProcessed - handler completed
	StatusProcessed Status = 1

	// StatusFailed - handler failed; retained for replay
	StatusFailed Status = 2

	// StatusDuplicate - repeat arrival within the deduplication window
	StatusDuplicate Status = 3
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
	case StatusDuplicate:
		return "DUPLICATE"
	default:
		return "UNKNOWN"
	}
}

// Entry is one inbox record. At most one non-Duplicate entry exists per
// (deduplicationKey, window).
type Entry struct {
	// MessageID is the received message's stable id
	MessageID string `bson:"_id" json:"messageId"`

	// Source names where the message arrived from
	Source string `bson:"source" json:"source"`

	// ReceivedAt is the arrival instant
	ReceivedAt time.Time `bson:"receivedAt" json:"receivedAt"`

	// Status is the current processing status
	Status Status `bson:"status" json:"status"`

	// ProcessedAt is when the handler finished
	ProcessedAt *time.Time `bson:"processedAt,omitempty" json:"processedAt,omitempty"`

	// Error is the handler failure, if any
	Error string `bson:"error,omitempty" json:"error,omitempty"`

	// DeduplicationKey groups arrivals considered the same message
	DeduplicationKey string `bson:"deduplicationKey" json:"deduplicationKey"`
}

// Store persists inbox entries.
type Store interface {
	// Add inserts an entry. Implementations reject a second non-Duplicate
	// entry for the same message id.
	Add(ctx context.Context, entry *Entry) error

	// IsDuplicate reports whether a non-Duplicate entry exists for the key
	// with receivedAt inside the window.
	IsDuplicate(ctx context.Context, deduplicationKey string, window time.Duration) (bool, error)

	// Get returns the entry for a message id, or nil.
	Get(ctx context.Context, messageID string) (*Entry, error)

	// MarkProcessed finalizes a Pending entry after handler success.
	MarkProcessed(ctx context.Context, messageID string) error

	// MarkFailed records a handler failure; the entry stays queryable for
	// replay.
	MarkFailed(ctx context.Context, messageID string, handlerError string) error

	// GetUnprocessed returns up to limit Pending or Failed entries.
	GetUnprocessed(ctx context.Context, limit int) ([]*Entry, error)

	// CleanupOldEntries removes Processed and Duplicate entries older than
	// retentionProcessed and Failed entries older than retentionFailed,
	// reporting the count removed. A retentionFailed of zero keeps Failed
	// entries until PurgeFailed.
	CleanupOldEntries(ctx context.Context, retentionProcessed, retentionFailed time.Duration) (int, error)

	// PurgeFailed removes Failed entries, reporting the count removed.
	PurgeFailed(ctx context.Context) (int, error)
}
