// Package transport moves message envelopes between processes. The contract
// is destination-based publish plus subscriptions whose handlers decide per
// delivery: acknowledge, requeue for redelivery, or route to the
// destination's dead-letter queue.
package transport

import (
	"context"
	"encoding/json"
	"time"

	"go.heromessaging.dev/internal/common/apperr"
	"go.heromessaging.dev/internal/message"
)

// Decision is a handler's verdict on one delivery.
type Decision int

const (
	// Ack - processed, remove from the queue
	Ack Decision = iota

	// NackRequeue - failed, redeliver later
	NackRequeue

	// NackDeadLetter - failed permanently, move to the dead-letter queue
	NackDeadLetter
)

// String returns a human-readable decision name
func (d Decision) String() string {
	switch d {
	case Ack:
		return "ack"
	case NackRequeue:
		return "nack_requeue"
	case NackDeadLetter:
		return "nack_dlq"
	default:
		return "unknown"
	}
}

// Handler processes one delivery and returns the decision. A panic inside
// the handler is treated as NackRequeue by implementations.
type Handler func(ctx context.Context, msg *message.Message) Decision

// SubscribeOptions tunes a subscription.
type SubscribeOptions struct {
	// Prefetch is the number of deliveries processed concurrently per
	// subscription; zero means 1
	Prefetch int

	// RequeueDelay is the pause before a NackRequeue redelivery
	RequeueDelay time.Duration
}

// DefaultSubscribeOptions returns sensible defaults
func DefaultSubscribeOptions() *SubscribeOptions {
	return &SubscribeOptions{
		Prefetch:     1,
		RequeueDelay: time.Second,
	}
}

// Subscription is a running consumer. Pause stops pulling new deliveries
// without dropping the subscription; in-flight handlers finish.
type Subscription interface {
	Pause()
	Resume()
	IsPaused() bool

	// Stop ends the subscription and waits for in-flight handlers.
	Stop()
}

// Transport is the messaging fabric contract.
type Transport interface {
	// Publish sends an envelope to a destination.
	Publish(ctx context.Context, destination string, msg *message.Message) error

	// Subscribe starts consuming a destination. opts may be nil.
	Subscribe(ctx context.Context, destination string, handler Handler, opts *SubscribeOptions) (Subscription, error)

	// Close stops every subscription and releases the transport.
	Close() error
}

// DeadLetterDestination returns the dead-letter queue name for a
// destination.
func DeadLetterDestination(destination string) string {
	return "dlq." + destination
}

// envelope is the wire form of a message. Payloads round-trip as JSON, so a
// struct payload decodes as map[string]any on the consuming side.
type envelope struct {
	ID            string            `json:"id"`
	Kind          int               `json:"kind"`
	Type          string            `json:"type"`
	Timestamp     time.Time         `json:"timestamp"`
	CorrelationID string            `json:"correlationId,omitempty"`
	CausationID   string            `json:"causationId,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	Payload       json.RawMessage   `json:"payload,omitempty"`
}

// Encode serializes an envelope for the wire.
func Encode(msg *message.Message) ([]byte, error) {
	var payload json.RawMessage
	if msg.Payload != nil {
		raw, err := json.Marshal(msg.Payload)
		if err != nil {
			return nil, apperr.Wrap(apperr.CategoryFatal, "encoding message payload", err)
		}
		payload = raw
	}

	data, err := json.Marshal(&envelope{
		ID:            msg.ID,
		Kind:          int(msg.Kind),
		Type:          msg.Type,
		Timestamp:     msg.Timestamp,
		CorrelationID: msg.CorrelationID,
		CausationID:   msg.CausationID,
		Metadata:      msg.Metadata,
		Payload:       payload,
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.CategoryFatal, "encoding message envelope", err)
	}
	return data, nil
}

// Decode deserializes a wire envelope.
func Decode(data []byte) (*message.Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, apperr.Wrap(apperr.CategoryValidation, "decoding message envelope", err)
	}

	var payload any
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			return nil, apperr.Wrap(apperr.CategoryValidation, "decoding message payload", err)
		}
	}

	return &message.Message{
		ID:            env.ID,
		Kind:          message.Kind(env.Kind),
		Type:          env.Type,
		Timestamp:     env.Timestamp,
		CorrelationID: env.CorrelationID,
		CausationID:   env.CausationID,
		Metadata:      env.Metadata,
		Payload:       payload,
	}, nil
}
