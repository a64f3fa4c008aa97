// Package storage defines the pluggable store contracts that are not owned
// by a specific component package: the general message store and the queue
// store. The outbox, inbox, saga, idempotency and scheduler contracts live
// with their components; every contract has a canonical in-memory
// implementation under storage/memstore.
package storage

import (
	"context"
	"time"

	"go.heromessaging.dev/internal/message"
)

// Record is a stored message with its storage envelope. Expiry is enforced
// at read time: an expired record behaves as absent.
type Record struct {
	// Collection is the logical grouping the record was stored under
	Collection string `bson:"collection" json:"collection"`

	// Message is the stored envelope; its ID keys the record
	Message *message.Message `bson:"message" json:"message"`

	// StoredAt is the insertion instant
	StoredAt time.Time `bson:"storedAt" json:"storedAt"`

	// ExpiresAt is the optional TTL boundary
	ExpiresAt *time.Time `bson:"expiresAt,omitempty" json:"expiresAt,omitempty"`
}

// Expired reports whether the record is past its TTL.
func (r *Record) Expired(now time.Time) bool {
	return r.ExpiresAt != nil && now.After(*r.ExpiresAt)
}

// Query selects records from one collection. Zero fields mean "no
// constraint".
type Query struct {
	// Collection is required
	Collection string

	// From and To bound StoredAt (inclusive from, exclusive to)
	From *time.Time
	To   *time.Time

	// Metadata entries must all match the message's metadata
	Metadata map[string]string

	// Offset and Limit page the result; Limit 0 means no limit
	Offset int
	Limit  int

	// Descending orders by StoredAt newest-first; default oldest-first
	Descending bool
}

// MessageStore persists message envelopes by collection and id.
type MessageStore interface {
	// Store inserts a message. ttl 0 means no expiry. Storing an id that
	// already exists in the collection is a Conflict.
	Store(ctx context.Context, collection string, msg *message.Message, ttl time.Duration) error

	// Get returns the message, or nil when absent or expired.
	Get(ctx context.Context, collection, id string) (*message.Message, error)

	// Query returns messages matching the query, excluding expired records.
	Query(ctx context.Context, q Query) ([]*message.Message, error)

	// Update replaces a stored message in place, keeping its TTL. Updating
	// an absent or expired record is NotFound.
	Update(ctx context.Context, collection string, msg *message.Message) error

	// Delete removes a record. Deleting an absent record is NotFound.
	Delete(ctx context.Context, collection, id string) error

	// Exists reports whether a live (non-expired) record exists.
	Exists(ctx context.Context, collection, id string) (bool, error)

	// Count returns the number of live records in the collection.
	Count(ctx context.Context, collection string) (int, error)
}

// QueueMessage is one entry in a stored queue.
type QueueMessage struct {
	// ID identifies the queue entry, not the message
	ID string `bson:"_id" json:"id"`

	// Queue is the owning queue name
	Queue string `bson:"queue" json:"queue"`

	// Message is the carried envelope
	Message *message.Message `bson:"message" json:"message"`

	// Priority orders dequeue, higher first
	Priority int `bson:"priority" json:"priority"`

	EnqueuedAt time.Time `bson:"enqueuedAt" json:"enqueuedAt"`

	// VisibleAt is when the entry becomes eligible for dequeue; delay on
	// enqueue and visibility timeout on dequeue both move it forward
	VisibleAt time.Time `bson:"visibleAt" json:"visibleAt"`

	// ExpiresAt is the optional entry TTL
	ExpiresAt *time.Time `bson:"expiresAt,omitempty" json:"expiresAt,omitempty"`

	// DequeueCount is how many times the entry has been handed out
	DequeueCount int `bson:"dequeueCount" json:"dequeueCount"`
}

// EnqueueOptions tunes one enqueue.
type EnqueueOptions struct {
	// Priority orders dequeue, higher first
	Priority int

	// Delay postpones first visibility
	Delay time.Duration

	// TTL expires the entry; 0 means no expiry
	TTL time.Duration
}

// QueueConfig configures a queue at creation.
type QueueConfig struct {
	// MaxDequeueCount moves an entry to the dead-letter queue once its
	// dequeue count reaches this value; 0 disables the cap
	MaxDequeueCount int

	// DeadLetterQueue receives capped and rejected entries; defaults to
	// "dlq.<queue>"
	DeadLetterQueue string
}

// QueueStore persists named queues with visibility-timeout dequeue
// semantics.
type QueueStore interface {
	// CreateQueue creates a queue. Creating an existing queue is a
	// Conflict. config may be nil.
	CreateQueue(ctx context.Context, name string, config *QueueConfig) error

	// DeleteQueue removes a queue and its entries.
	DeleteQueue(ctx context.Context, name string) error

	// ListQueues returns all queue names.
	ListQueues(ctx context.Context) ([]string, error)

	// QueueExists reports whether the queue exists.
	QueueExists(ctx context.Context, name string) (bool, error)

	// Enqueue adds an entry and returns its id.
	Enqueue(ctx context.Context, name string, msg *message.Message, opts EnqueueOptions) (string, error)

	// Dequeue hands out the highest-priority visible entry, making it
	// invisible for the visibility timeout and incrementing its dequeue
	// count. Entries past their max dequeue count move to the dead-letter
	// queue instead of being handed out. Returns nil when nothing is
	// available.
	Dequeue(ctx context.Context, name string, visibilityTimeout time.Duration) (*QueueMessage, error)

	// Peek returns the entry Dequeue would hand out, without side effects.
	Peek(ctx context.Context, name string) (*QueueMessage, error)

	// Acknowledge removes a dequeued entry permanently.
	Acknowledge(ctx context.Context, name string, entryID string) error

	// Reject returns a dequeued entry to the queue (requeue true) or moves
	// it to the dead-letter queue (requeue false).
	Reject(ctx context.Context, name string, entryID string, requeue bool) error

	// Depth returns the number of live entries, visible or not.
	Depth(ctx context.Context, name string) (int, error)
}
