// Package processing implements message dispatch: the decorator chain that
// applies retry, circuit breaking, rate limiting and idempotency around
// handlers, and the command, query and event processors built on it.
package processing

import (
	"context"
	"sync"

	"go.heromessaging.dev/internal/message"
)

// Result is what a handler produces. Commands may return one, queries always
// do, events never do.
type Result struct {
	Payload any
}

// CompensationRecorder receives compensations registered by handlers running
// under a saga step. Outside a saga the recorder is nil and registrations are
// dropped.
type CompensationRecorder interface {
	RecordCompensation(name string, fn func(context.Context) error)
}

// attrBag is the append-only attribute map shared by all copies of one
// invocation's context.
type attrBag struct {
	mu    sync.Mutex
	attrs map[string]any
}

// Context carries per-invocation state down the decorator chain: the
// message, cancellation, an attribute bag shared between decorators and an
// optional compensation recorder. The bag is append-only; everything else is
// immutable after construction.
type Context struct {
	ctx           context.Context
	msg           *message.Message
	compensations CompensationRecorder
	bag           *attrBag
}

// NewContext creates a processing context for one invocation.
func NewContext(ctx context.Context, msg *message.Message) *Context {
	return &Context{
		ctx: ctx,
		msg: msg,
		bag: &attrBag{attrs: make(map[string]any)},
	}
}

// Context returns the cancellation context.
func (pc *Context) Context() context.Context {
	return pc.ctx
}

// Message returns the message being processed.
func (pc *Context) Message() *message.Message {
	return pc.msg
}

// WithContext returns a copy carrying ctx. The attribute bag and recorder
// are shared with the original so decorators above and below a timeout
// boundary see the same state.
func (pc *Context) WithContext(ctx context.Context) *Context {
	return &Context{
		ctx:           ctx,
		msg:           pc.msg,
		compensations: pc.compensations,
		bag:           pc.bag,
	}
}

// WithCompensations returns a copy carrying a compensation recorder.
func (pc *Context) WithCompensations(rec CompensationRecorder) *Context {
	clone := pc.WithContext(pc.ctx)
	clone.compensations = rec
	return clone
}

// SetAttribute stores a value under key. The bag is append-only: a second
// write to the same key is rejected and the original value kept.
func (pc *Context) SetAttribute(key string, value any) bool {
	pc.bag.mu.Lock()
	defer pc.bag.mu.Unlock()
	if _, exists := pc.bag.attrs[key]; exists {
		return false
	}
	pc.bag.attrs[key] = value
	return true
}

// Attribute returns the value stored under key.
func (pc *Context) Attribute(key string) (any, bool) {
	pc.bag.mu.Lock()
	defer pc.bag.mu.Unlock()
	v, ok := pc.bag.attrs[key]
	return v, ok
}

// RecordCompensation forwards to the recorder when one is attached.
func (pc *Context) RecordCompensation(name string, fn func(context.Context) error) {
	if pc.compensations != nil {
		pc.compensations.RecordCompensation(name, fn)
	}
}
