// Package scheduler delivers messages at a future instant. Two strategies
// implement the same contract: an in-memory timer strategy for
// single-process deployments, and a storage-backed polling strategy that
// survives restarts. Recurring delivery is built on top by having the
// handler re-schedule the next occurrence.
package scheduler

import (
	"context"
	"time"

	"go.heromessaging.dev/internal/message"
)

// Status is the lifecycle state of a scheduled message.
type Status int

const (
	// StatusPending - scheduled, not yet delivered
	StatusPending Status = 0

	// StatusDelivered - handed to the handler successfully
	StatusDelivered Status = 1

	// StatusCancelled - cancelled before delivery
	StatusCancelled Status = 2

	// StatusFailed - the handler failed at delivery time
	StatusFailed Status = 3

	// StatusProcessing - claimed by a poller for delivery
	StatusProcessing Status = 9
)

// String returns a human-readable status name
func (s Status) String() string {
	switch s {
	case StatusPending:
		return "PENDING"
	case StatusDelivered:
		return "DELIVERED"
	case StatusCancelled:
		return "CANCELLED"
	case StatusFailed:
		return "FAILED"
	case StatusProcessing:
		return "PROCESSING"
	default:
		return "UNKNOWN"
	}
}

// ScheduledMessage is one pending future delivery.
type ScheduledMessage struct {
	// ScheduleID identifies the schedule, not the message
	ScheduleID string `bson:"_id" json:"scheduleId"`

	// Message is the envelope to deliver
	Message *message.Message `bson:"message" json:"message"`

	// DeliverAt is the earliest delivery instant
	DeliverAt time.Time `bson:"deliverAt" json:"deliverAt"`

	// Priority orders deliveries due at the same instant, higher first
	Priority int `bson:"priority" json:"priority"`

	// Destination is an optional routing hint carried to the handler
	Destination string `bson:"destination,omitempty" json:"destination,omitempty"`

	// Status is the current lifecycle state
	Status Status `bson:"status" json:"status"`

	CreatedAt time.Time `bson:"createdAt" json:"createdAt"`

	// DeliveredAt is when the handler completed
	DeliveredAt *time.Time `bson:"deliveredAt,omitempty" json:"deliveredAt,omitempty"`

	// LastError is the most recent delivery failure
	LastError string `bson:"lastError,omitempty" json:"lastError,omitempty"`
}

// Handler receives a scheduled message when it falls due. Recurring
// schedules re-schedule their next occurrence from inside the handler.
type Handler func(ctx context.Context, sm *ScheduledMessage) error

// Store persists scheduled messages for the polling strategy.
type Store interface {
	// Add inserts a Pending scheduled message.
	Add(ctx context.Context, sm *ScheduledMessage) error

	// GetDue returns up to limit Pending messages with deliverAt <= asOf,
	// ordered by deliverAt ascending then priority descending. GetDue only
	// reads; dispatch ownership is taken with Claim.
	GetDue(ctx context.Context, asOf time.Time, limit int) ([]*ScheduledMessage, error)

	// Claim flips Pending to Processing with a compare-and-swap. Returns
	// false when the message is absent, cancelled or already claimed, so
	// concurrent pollers dispatch each schedule at most once.
	Claim(ctx context.Context, scheduleID string) (bool, error)

	// Get returns the scheduled message, or nil when absent.
	Get(ctx context.Context, scheduleID string) (*ScheduledMessage, error)

	// Cancel flips Pending to Cancelled. Returns false when the message is
	// absent or already past Pending.
	Cancel(ctx context.Context, scheduleID string) (bool, error)

	// MarkDelivered finalizes a delivery. Implementations apply it only
	// while the message is Processing, so a Cancel that won before the
	// claim is not overwritten.
	MarkDelivered(ctx context.Context, scheduleID string) error

	// MarkFailed records a delivery failure. Like MarkDelivered it applies
	// only while Processing.
	MarkFailed(ctx context.Context, scheduleID string, lastError string) error

	// GetPendingCount returns the number of Pending messages.
	GetPendingCount(ctx context.Context) (int, error)

	// GetPending returns up to limit Pending messages ordered by deliverAt.
	GetPending(ctx context.Context, limit int) ([]*ScheduledMessage, error)
}

// Strategy is the scheduling contract shared by the timer and polling
// implementations. It satisfies the saga engine's timeout scheduler.
type Strategy interface {
	// Schedule registers a message for delivery at the given instant and
	// returns the schedule id.
	Schedule(ctx context.Context, msg *message.Message, deliverAt time.Time) (string, error)

	// Cancel withdraws a Pending schedule. Cancelling a schedule that has
	// already fired, is mid-delivery or was cancelled returns a Conflict
	// error; an unknown id returns NotFound.
	Cancel(ctx context.Context, scheduleID string) error

	// Get returns the scheduled message, or nil when unknown.
	Get(ctx context.Context, scheduleID string) (*ScheduledMessage, error)

	// ListPending returns up to limit schedules awaiting delivery.
	ListPending(ctx context.Context, limit int) ([]*ScheduledMessage, error)
}
