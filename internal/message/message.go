// Package message defines the immutable envelope that flows through the
// processing pipeline. Commands, queries and events are tagged variants of
// the same envelope; handlers are resolved by the envelope's Type name.
package message

import (
	"time"

	"github.com/google/uuid"

	"go.heromessaging.dev/internal/common/tsid"
)

// Kind tags the envelope variant.
type Kind int

const (
	// KindCommand may produce a single result
	KindCommand Kind = iota

	// KindQuery always produces a result and must be side-effect-free
	KindQuery

	// KindEvent produces no result and may have any number of handlers
	KindEvent
)

// String returns a human-readable kind name
func (k Kind) String() string {
	switch k {
	case KindCommand:
		return "COMMAND"
	case KindQuery:
		return "QUERY"
	case KindEvent:
		return "EVENT"
	default:
		return "UNKNOWN"
	}
}

// Message is the envelope carried through the pipeline. Messages have value
// semantics: shared by reference, never mutated after construction. The ID
// is stable across retries; CorrelationID groups a logical conversation and
// CausationID names the direct predecessor message.
type Message struct {
	ID            string
	Kind          Kind
	Type          string
	Timestamp     time.Time
	CorrelationID string
	CausationID   string
	Metadata      map[string]string
	Payload       any
}

// Option customizes a message at construction time.
type Option func(*Message)

// WithCorrelation sets the correlation id.
func WithCorrelation(id string) Option {
	return func(m *Message) { m.CorrelationID = id }
}

// WithCausation sets the causation id.
func WithCausation(id string) Option {
	return func(m *Message) { m.CausationID = id }
}

// WithMetadata adds a metadata entry.
func WithMetadata(key, value string) Option {
	return func(m *Message) {
		if m.Metadata == nil {
			m.Metadata = make(map[string]string)
		}
		m.Metadata[key] = value
	}
}

// WithID overrides the generated id. Used when replaying a message whose
// identity must be preserved.
func WithID(id string) Option {
	return func(m *Message) { m.ID = id }
}

// New creates an envelope of the given kind and type.
func New(kind Kind, msgType string, payload any, opts ...Option) *Message {
	m := &Message{
		ID:        tsid.Generate(),
		Kind:      kind,
		Type:      msgType,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.CorrelationID == "" {
		m.CorrelationID = uuid.NewString()
	}
	return m
}

// NewCommand creates a command envelope.
func NewCommand(msgType string, payload any, opts ...Option) *Message {
	return New(KindCommand, msgType, payload, opts...)
}

// NewQuery creates a query envelope.
func NewQuery(msgType string, payload any, opts ...Option) *Message {
	return New(KindQuery, msgType, payload, opts...)
}

// NewEvent creates an event envelope.
func NewEvent(msgType string, payload any, opts ...Option) *Message {
	return New(KindEvent, msgType, payload, opts...)
}

// Follow derives a new envelope caused by this one: the child shares the
// parent's correlation id and records the parent as its causation.
func (m *Message) Follow(kind Kind, msgType string, payload any, opts ...Option) *Message {
	base := []Option{
		WithCorrelation(m.CorrelationID),
		WithCausation(m.ID),
	}
	return New(kind, msgType, payload, append(base, opts...)...)
}

// Meta returns the metadata value for key, or "".
func (m *Message) Meta(key string) string {
	if m.Metadata == nil {
		return ""
	}
	return m.Metadata[key]
}
