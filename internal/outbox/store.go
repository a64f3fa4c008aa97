package outbox

import (
	"context"
	"time"

	"go.heromessaging.dev/internal/message"
)

// Store persists outbox entries. Implementations must make Claim an atomic
// compare-and-swap so concurrent relay workers never both own one entry.
type Store interface {
	// Add appends a Pending entry. When the backing store supports
	// transactions the caller runs Add inside the business transaction.
	Add(ctx context.Context, entry *Entry) error

	// GetPending returns up to limit eligible entries: status Pending and
	// nextRetryAt absent or due, ordered by priority descending then
	// createdAt ascending.
	GetPending(ctx context.Context, limit int) ([]*Entry, error)

	// Claim transitions an entry Pending -> Processing. Returns false when
	// another worker already claimed it or the entry is no longer Pending.
	Claim(ctx context.Context, id string) (bool, error)

	// MarkProcessed finalizes an entry after a successful publish.
	MarkProcessed(ctx context.Context, id string) error

	// MarkFailed finalizes an entry after retry exhaustion.
	MarkFailed(ctx context.Context, id string, lastError string) error

	// UpdateRetryCount returns a Processing entry to Pending with the new
	// retry count and deferral instant.
	UpdateRetryCount(ctx context.Context, id string, count int, nextRetryAt time.Time, lastError string) error

	// GetPendingCount reports entries currently in Pending.
	GetPendingCount(ctx context.Context) (int, error)

	// GetFailed returns up to limit Failed entries for inspection or replay.
	GetFailed(ctx context.Context, limit int) ([]*Entry, error)

	// ResetStuckProcessing returns Processing entries older than the cutoff
	// to Pending, reporting how many were reset. A zero maxAge resets all
	// Processing entries (startup crash recovery).
	ResetStuckProcessing(ctx context.Context, maxAge time.Duration) (int, error)
}

// Publisher is the transport surface the relay dispatches through. Failed
// entries are republished to their dead-letter destination through the same
// interface.
type Publisher interface {
	Publish(ctx context.Context, destination string, msg *message.Message) error
}
