package saga

import (
	"time"

	"go.heromessaging.dev/internal/message"
)

// Step is the context handed to a transition's action: the triggering
// event, the instance being mutated, and collectors for messages and
// timeout requests the engine acts on after the transition persists.
type Step struct {
	// Instance is the saga instance the transition runs against.
	Instance *Instance

	// Event is the triggering event.
	Event *message.Message

	published []*message.Message
	timeouts  []timeoutRequest
}

type timeoutRequest struct {
	eventType string
	delay     time.Duration
}

// Set writes an instance data entry.
func (s *Step) Set(key string, value any) {
	if s.Instance.Data == nil {
		s.Instance.Data = make(map[string]any)
	}
	s.Instance.Data[key] = value
}

// Get reads an instance data entry, or nil.
func (s *Step) Get(key string) any {
	if s.Instance.Data == nil {
		return nil
	}
	return s.Instance.Data[key]
}

// Publish queues a message for emission after the transition persists. The
// message is dropped if the transition fails or loses its version race.
func (s *Step) Publish(msg *message.Message) {
	s.published = append(s.published, msg)
}

// RequestTimeout asks the engine to deliver an event of the given type back
// to this saga after the delay. Any earlier pending timeout for the same
// event type is cancelled when this transition advances.
func (s *Step) RequestTimeout(eventType string, delay time.Duration) {
	s.timeouts = append(s.timeouts, timeoutRequest{eventType: eventType, delay: delay})
}

// messages returns everything queued for publication, including the
// transition's declarative Publish output.
func (s *Step) messages(t *transition) []*message.Message {
	out := s.published
	if t.publish != nil {
		out = append(out, t.publish(s)...)
	}
	return out
}
