// Package registry holds components by capability id. The saga engine, the
// scheduler and the event bus reference each other; giving each a direct
// owning reference would make a cycle, so the registry exclusively owns
// every component and collaborators look each other up by id on demand.
//
// Process-wide policy state (circuit breakers, token buckets) is registered
// here too, so init and teardown are explicit instead of hidden in package
// statics.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"go.heromessaging.dev/internal/common/apperr"
)

// Capability identifies a registered component.
type Capability string

// Well-known capability ids wired by the host binary.
const (
	CapTransport   Capability = "transport"
	CapCommandBus  Capability = "command-bus"
	CapQueryBus    Capability = "query-bus"
	CapEventBus    Capability = "eventbus"
	CapSagaEngine  Capability = "saga-engine"
	CapScheduler   Capability = "scheduler"
	CapOutboxRelay Capability = "outbox-relay"
	CapInboxFilter Capability = "inbox-filter"
)

// Starter is implemented by components that need startup work.
type Starter interface {
	Start(ctx context.Context) error
}

// Stopper is implemented by components that need teardown work.
type Stopper interface {
	Stop(ctx context.Context) error
}

// Registry owns components keyed by capability id. Components are started
// in registration order and stopped in reverse.
type Registry struct {
	mu      sync.RWMutex
	items   map[Capability]any
	order   []Capability
	started bool
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{items: make(map[Capability]any)}
}

// Register adds a component under the given id. Registration closes once
// Start has run.
func (r *Registry) Register(id Capability, component any) error {
	if component == nil {
		return apperr.Validation(fmt.Sprintf("nil component for capability %s", id))
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.started {
		return apperr.Conflict("registry already started")
	}
	if _, exists := r.items[id]; exists {
		return apperr.Conflict(fmt.Sprintf("capability %s already registered", id))
	}
	r.items[id] = component
	r.order = append(r.order, id)
	return nil
}

// Lookup returns the component for the id.
func (r *Registry) Lookup(id Capability) (any, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	component, ok := r.items[id]
	if !ok {
		return nil, apperr.NotFound(fmt.Sprintf("capability %s not registered", id))
	}
	return component, nil
}

// Capabilities returns the registered ids in registration order.
func (r *Registry) Capabilities() []Capability {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Capability(nil), r.order...)
}

// Start initializes components in registration order. A failure stops the
// sequence and tears down what already started, in reverse.
func (r *Registry) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return apperr.Conflict("registry already started")
	}
	r.started = true
	order := append([]Capability(nil), r.order...)
	r.mu.Unlock()

	var started []Capability
	for _, id := range order {
		component, _ := r.Lookup(id)
		starter, ok := component.(Starter)
		if !ok {
			started = append(started, id)
			continue
		}
		if err := starter.Start(ctx); err != nil {
			slog.Error("Component failed to start", "capability", id, "error", err)
			r.stopAll(ctx, started)
			r.mu.Lock()
			r.started = false
			r.mu.Unlock()
			return apperr.Wrap(apperr.CategoryFatal, fmt.Sprintf("starting %s", id), err)
		}
		slog.Info("Component started", "capability", id)
		started = append(started, id)
	}
	return nil
}

// Stop tears down components in reverse registration order.
func (r *Registry) Stop(ctx context.Context) {
	r.mu.Lock()
	order := append([]Capability(nil), r.order...)
	r.started = false
	r.mu.Unlock()

	r.stopAll(ctx, order)
}

func (r *Registry) stopAll(ctx context.Context, order []Capability) {
	for i := len(order) - 1; i >= 0; i-- {
		id := order[i]
		component, err := r.Lookup(id)
		if err != nil {
			continue
		}
		stopper, ok := component.(Stopper)
		if !ok {
			continue
		}
		if err := stopper.Stop(ctx); err != nil {
			slog.Error("Component failed to stop", "capability", id, "error", err)
			continue
		}
		slog.Info("Component stopped", "capability", id)
	}
}

// Resolve looks up a capability and asserts its type. A registered
// component of the wrong type is a wiring bug, reported as Fatal.
func Resolve[T any](r *Registry, id Capability) (T, error) {
	var zero T
	component, err := r.Lookup(id)
	if err != nil {
		return zero, err
	}
	typed, ok := component.(T)
	if !ok {
		return zero, apperr.New(apperr.CategoryFatal,
			fmt.Sprintf("capability %s has type %T, not the requested type", id, component))
	}
	return typed, nil
}
