package processing

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"go.heromessaging.dev/internal/common/apperr"
	"go.heromessaging.dev/internal/message"
)

// DispatchMode selects how the event bus invokes multiple handlers.
type DispatchMode int

const (
	// Sequential runs handlers one after another in registration order
	Sequential DispatchMode = iota

	// Parallel runs handlers concurrently, each in its own chain instance
	Parallel
)

// FailureMode selects how handler failures are reported.
type FailureMode int

const (
	// FailFast stops at the first failure (sequential mode only)
	FailFast FailureMode = iota

	// Aggregate runs every handler and reports all failures together
	Aggregate
)

// HandlerError is one handler's failure inside an aggregate report.
type HandlerError struct {
	Handler int
	Err     error
}

// AggregateError reports per-handler failures from one event dispatch.
type AggregateError struct {
	MessageType string
	Failures    []HandlerError
}

func (e *AggregateError) Error() string {
	parts := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		parts[i] = fmt.Sprintf("handler %d: %v", f.Handler, f.Err)
	}
	return fmt.Sprintf("%d of %s handlers failed: %s", len(e.Failures), e.MessageType, strings.Join(parts, "; "))
}

// Unwrap exposes the individual failures to errors.Is and errors.As.
func (e *AggregateError) Unwrap() []error {
	errs := make([]error, len(e.Failures))
	for i, f := range e.Failures {
		errs[i] = f.Err
	}
	return errs
}

// EventBusConfig configures dispatch and failure handling.
type EventBusConfig struct {
	Dispatch DispatchMode
	Failure  FailureMode

	// MaxConcurrency bounds parallel handler fan-out; 0 means unbounded
	MaxConcurrency int
}

// EventBus dispatches events to every registered handler, each wrapped in
// its own decorator chain instance.
type EventBus struct {
	registry *Registry
	chain    ChainConfig
	config   EventBusConfig

	mu        sync.Mutex
	pipelines map[string][]Processor
}

// NewEventBus creates an event bus.
func NewEventBus(registry *Registry, chain ChainConfig, config EventBusConfig) *EventBus {
	if chain.Name == "" {
		chain.Name = "event"
	}
	return &EventBus{
		registry:  registry,
		chain:     chain,
		config:    config,
		pipelines: make(map[string][]Processor),
	}
}

// Publish dispatches an event to all handlers for its type. Zero handlers
// is not an error: events are broadcast, not addressed.
func (b *EventBus) Publish(ctx context.Context, msg *message.Message) error {
	if msg.Kind != message.KindEvent {
		return apperr.Validation(fmt.Sprintf("Publish requires an event, got %s", msg.Kind))
	}

	pipelines := b.resolve(msg.Type)
	if len(pipelines) == 0 {
		slog.Debug("No handlers for event", "messageType", msg.Type, "messageId", msg.ID)
		return nil
	}

	if b.config.Dispatch == Parallel {
		return b.publishParallel(ctx, msg, pipelines)
	}
	return b.publishSequential(ctx, msg, pipelines)
}

func (b *EventBus) publishSequential(ctx context.Context, msg *message.Message, pipelines []Processor) error {
	var failures []HandlerError
	for i, pipeline := range pipelines {
		_, err := pipeline.Process(NewContext(ctx, msg))
		if err == nil {
			continue
		}
		if b.config.Failure == FailFast {
			return err
		}
		failures = append(failures, HandlerError{Handler: i, Err: err})
	}
	if len(failures) > 0 {
		return &AggregateError{MessageType: msg.Type, Failures: failures}
	}
	return nil
}

func (b *EventBus) publishParallel(ctx context.Context, msg *message.Message, pipelines []Processor) error {
	var sem chan struct{}
	if b.config.MaxConcurrency > 0 {
		sem = make(chan struct{}, b.config.MaxConcurrency)
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		failures []HandlerError
	)
	for i, pipeline := range pipelines {
		wg.Add(1)
		go func(i int, pipeline Processor) {
			defer wg.Done()
			if sem != nil {
				sem <- struct{}{}
				defer func() { <-sem }()
			}
			if _, err := pipeline.Process(NewContext(ctx, msg)); err != nil {
				mu.Lock()
				failures = append(failures, HandlerError{Handler: i, Err: err})
				mu.Unlock()
			}
		}(i, pipeline)
	}
	wg.Wait()

	if len(failures) > 0 {
		// Parallel handlers all run to completion; failures are always
		// reported as an aggregate even under FailFast.
		sort.Slice(failures, func(i, j int) bool { return failures[i].Handler < failures[j].Handler })
		return &AggregateError{MessageType: msg.Type, Failures: failures}
	}
	return nil
}

// resolve builds (and caches) one chain instance per registered handler.
func (b *EventBus) resolve(messageType string) []Processor {
	b.mu.Lock()
	defer b.mu.Unlock()

	handlers := b.registry.EventHandlers(messageType)
	cached := b.pipelines[messageType]
	if len(cached) == len(handlers) {
		return cached
	}

	pipelines := make([]Processor, len(handlers))
	for i, h := range handlers {
		pipelines[i] = b.chain.Build(h)
	}
	b.pipelines[messageType] = pipelines
	return pipelines
}
