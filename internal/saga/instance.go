// Package saga implements an event-driven saga engine: declarative state
// machine definitions, correlation-based instance lookup, optimistic
// concurrency on every persisted mutation and LIFO compensation on failure.
package saga

import (
	"context"
	"time"
)

// Reserved terminal states set by the engine on failure paths.
const (
	// StateFailed - the saga unwound and every compensation succeeded
	StateFailed = "Failed"

	// StateCompensationFailed - the saga unwound but a compensation failed
	// terminally; manual intervention is needed
	StateCompensationFailed = "CompensationFailed"
)

// CompensationRecord is one entry in an instance's compensation log,
// appended when a forward action succeeds and invoked in reverse order on
// failure.
type CompensationRecord struct {
	// Name identifies the compensation handler in the definition
	Name string `bson:"name" json:"name"`

	// RegisteredAt is when the forward action registered it
	RegisteredAt time.Time `bson:"registeredAt" json:"registeredAt"`

	// Invoked is set once the compensation has run
	Invoked bool `bson:"invoked" json:"invoked"`

	// Error records a terminal compensation failure
	Error string `bson:"error,omitempty" json:"error,omitempty"`
}

// Instance is one running saga. Version increases strictly on every
// persisted mutation; completed instances accept no further events.
type Instance struct {
	// ID is the unique instance identifier (TSID)
	ID string `bson:"_id" json:"id"`

	// SagaType names the definition this instance runs
	SagaType string `bson:"sagaType" json:"sagaType"`

	// CorrelationID is the secondary lookup key binding events to this
	// instance
	CorrelationID string `bson:"correlationId" json:"correlationId"`

	// State is the current state machine state; "" before the initial
	// transition applies
	State string `bson:"state" json:"state"`

	// Version guards optimistic concurrency; see Repository.Save
	Version int64 `bson:"version" json:"version"`

	// Data is the instance's accumulated payload
	Data map[string]any `bson:"data" json:"data"`

	// Timeouts maps a timeout event type to its pending schedule id
	Timeouts map[string]string `bson:"timeouts,omitempty" json:"timeouts,omitempty"`

	CreatedAt time.Time `bson:"createdAt" json:"createdAt"`
	UpdatedAt time.Time `bson:"updatedAt" json:"updatedAt"`

	// Completed marks the instance terminal
	Completed bool `bson:"completed" json:"completed"`

	// Compensations is the ordered compensation log
	Compensations []CompensationRecord `bson:"compensations,omitempty" json:"compensations,omitempty"`
}

// Repository persists saga instances under a version guard.
type Repository interface {
	// FindByID returns the instance, or nil when absent.
	FindByID(ctx context.Context, id string) (*Instance, error)

	// FindByCorrelation returns the live (not completed) instance of the
	// given saga type bound to the correlation id, or nil.
	FindByCorrelation(ctx context.Context, sagaType, correlationID string) (*Instance, error)

	// Save persists the instance when the stored version still equals
	// expectedVersion, then advances the version. expectedVersion 0
	// inserts. Returns a Conflict error when the stored version moved.
	Save(ctx context.Context, instance *Instance, expectedVersion int64) error

	// Delete removes an instance.
	Delete(ctx context.Context, id string) error
}
