package saga

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.heromessaging.dev/internal/common/apperr"
	"go.heromessaging.dev/internal/common/metrics"
	"go.heromessaging.dev/internal/common/tsid"
	"go.heromessaging.dev/internal/message"
)

// Publisher emits messages produced by saga transitions. Wire it to the
// outbox relay for durable emission, or to the event bus for in-process
// delivery.
type Publisher interface {
	Publish(ctx context.Context, msg *message.Message) error
}

// TimeoutScheduler delivers saga timeout events. Schedule returns a
// schedule id usable with Cancel.
type TimeoutScheduler interface {
	Schedule(ctx context.Context, msg *message.Message, deliverAt time.Time) (string, error)
	Cancel(ctx context.Context, scheduleID string) error
}

// DeadLetterFunc receives events the engine gave up on: unmatched events
// under UnmatchedDeadLetter, and events whose step lost every version race.
type DeadLetterFunc func(ctx context.Context, msg *message.Message, cause error)

// EngineConfig holds configuration for the saga engine
type EngineConfig struct {
	// ConflictRetries is how many times a step is replayed after losing a
	// version race before the event dead-letters
	ConflictRetries int

	// ConflictBackoff is the pause between conflict replays
	ConflictBackoff time.Duration

	// CompensationRetries is how many attempts each compensation gets
	CompensationRetries int

	// CompensationTimeout bounds a single compensation attempt
	CompensationTimeout time.Duration

	// DeadLetter is invoked for events the engine gives up on; nil logs
	DeadLetter DeadLetterFunc
}

// DefaultEngineConfig returns sensible defaults
func DefaultEngineConfig() *EngineConfig {
	return &EngineConfig{
		ConflictRetries:     3,
		ConflictBackoff:     50 * time.Millisecond,
		CompensationRetries: 3,
		CompensationTimeout: 30 * time.Second,
	}
}

// Engine routes events to registered saga definitions, applying one
// transition per event under optimistic concurrency.
type Engine struct {
	config    *EngineConfig
	repo      Repository
	publisher Publisher
	scheduler TimeoutScheduler

	mu         sync.RWMutex
	defs       map[string]*Definition
	eventIndex map[string][]*Definition
}

// NewEngine creates a saga engine. The scheduler may be nil; timeout
// requests are then dropped with a warning.
func NewEngine(repo Repository, publisher Publisher, scheduler TimeoutScheduler, config *EngineConfig) *Engine {
	if config == nil {
		config = DefaultEngineConfig()
	}
	return &Engine{
		config:     config,
		repo:       repo,
		publisher:  publisher,
		scheduler:  scheduler,
		defs:       make(map[string]*Definition),
		eventIndex: make(map[string][]*Definition),
	}
}

// Register adds a definition. Event types the definition listens for are
// routed to it from then on.
func (e *Engine) Register(def *Definition) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.defs[def.name]; exists {
		return apperr.Conflict(fmt.Sprintf("saga %q already registered", def.name))
	}
	for _, eventType := range def.eventTypes() {
		if def.correlatorFor(eventType) == nil {
			return apperr.Validation(fmt.Sprintf("saga %q has no correlator for event %q", def.name, eventType))
		}
		e.eventIndex[eventType] = append(e.eventIndex[eventType], def)
	}
	e.defs[def.name] = def

	slog.Info("Registered saga definition", "saga", def.name, "events", len(def.eventTypes()))
	return nil
}

// HandleEvent routes an event to every definition listening for its type.
// Per-definition failures are joined; one saga failing does not stop the
// others.
func (e *Engine) HandleEvent(ctx context.Context, msg *message.Message) error {
	if msg.Kind != message.KindEvent {
		return apperr.Validation(fmt.Sprintf("saga engine accepts events, got %s", msg.Kind))
	}

	e.mu.RLock()
	defs := append([]*Definition(nil), e.eventIndex[msg.Type]...)
	e.mu.RUnlock()

	var errs []error
	for _, def := range defs {
		if err := e.handleFor(ctx, def, msg); err != nil {
			errs = append(errs, fmt.Errorf("saga %s: %w", def.name, err))
		}
	}
	return errors.Join(errs...)
}

// handleFor runs one definition's step with bounded conflict replays. Each
// replay re-reads the instance, so a lost race is resolved against fresh
// state.
func (e *Engine) handleFor(ctx context.Context, def *Definition, msg *message.Message) error {
	correlate := def.correlatorFor(msg.Type)
	correlationID := correlate(msg)
	if correlationID == "" {
		metrics.SagaSteps.WithLabelValues(def.name, "ignored").Inc()
		slog.Warn("Event has no correlation id, ignoring",
			"saga", def.name,
			"eventType", msg.Type,
			"messageId", msg.ID)
		return nil
	}

	var lastErr error
	for attempt := 0; attempt <= e.config.ConflictRetries; attempt++ {
		if attempt > 0 {
			metrics.SagaSteps.WithLabelValues(def.name, "conflict").Inc()
			select {
			case <-ctx.Done():
				return apperr.Wrap(apperr.CategoryCancelled, "saga step cancelled", ctx.Err())
			case <-time.After(e.config.ConflictBackoff):
			}
		}

		lastErr = e.step(ctx, def, correlationID, msg)
		if apperr.CategoryOf(lastErr) != apperr.CategoryConflict {
			return lastErr
		}
	}

	metrics.SagaSteps.WithLabelValues(def.name, "dead_lettered").Inc()
	e.deadLetter(ctx, msg, lastErr)
	return lastErr
}

// step applies at most one transition: correlate, load or create, apply,
// save under the version guard.
func (e *Engine) step(ctx context.Context, def *Definition, correlationID string, msg *message.Message) error {
	instance, err := e.repo.FindByCorrelation(ctx, def.name, correlationID)
	if err != nil {
		return err
	}

	if instance == nil {
		tr, ok := def.initial[msg.Type]
		if !ok {
			return e.unmatched(ctx, def, "", msg)
		}

		now := time.Now().UTC()
		instance = &Instance{
			ID:            tsid.Generate(),
			SagaType:      def.name,
			CorrelationID: correlationID,
			Data:          make(map[string]any),
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		// Creation persists on its own so concurrent initial events race on
		// the insert, not on divergent first transitions.
		if err := e.repo.Save(ctx, instance, 0); err != nil {
			return err
		}
		metrics.SagaActiveInstances.WithLabelValues(def.name).Inc()

		return e.applyTransition(ctx, def, instance, tr, msg)
	}

	if instance.Completed {
		metrics.SagaSteps.WithLabelValues(def.name, "ignored").Inc()
		slog.Debug("Event for completed saga instance, ignoring",
			"saga", def.name,
			"instanceId", instance.ID,
			"eventType", msg.Type)
		return nil
	}

	tr, ok := def.states[instance.State][msg.Type]
	if !ok {
		return e.unmatched(ctx, def, instance.State, msg)
	}
	return e.applyTransition(ctx, def, instance, tr, msg)
}

func (e *Engine) unmatched(ctx context.Context, def *Definition, state string, msg *message.Message) error {
	metrics.SagaSteps.WithLabelValues(def.name, "ignored").Inc()
	cause := apperr.New(apperr.CategoryValidation,
		fmt.Sprintf("no transition for event %s in state %q", msg.Type, state))

	if def.unmatched == UnmatchedDeadLetter {
		e.deadLetter(ctx, msg, cause)
		return nil
	}
	slog.Warn("Unmatched saga event, ignoring",
		"saga", def.name,
		"state", state,
		"eventType", msg.Type,
		"messageId", msg.ID)
	return nil
}

func (e *Engine) applyTransition(ctx context.Context, def *Definition, instance *Instance, tr *transition, msg *message.Message) error {
	expected := instance.Version
	step := &Step{Instance: instance, Event: msg}

	for _, key := range tr.copyKeys {
		if v := msg.Meta(key); v != "" {
			step.Set(key, v)
		}
	}

	if tr.action != nil {
		if err := tr.action(ctx, step); err != nil {
			if reason, ok := IsAbort(err); ok {
				slog.Info("Saga aborting, compensating",
					"saga", def.name,
					"instanceId", instance.ID,
					"reason", reason)
				return e.compensate(ctx, def, instance, expected, reason)
			}
			// Plain errors surface without touching the instance; the
			// caller's redelivery retries the whole step.
			return err
		}
	}

	if tr.compensation != "" {
		instance.Compensations = append(instance.Compensations, CompensationRecord{
			Name:         tr.compensation,
			RegisteredAt: time.Now().UTC(),
		})
	}

	advanced := false
	if target := tr.targetFor(step); target != "" && target != instance.State {
		instance.State = target
		advanced = true
	}
	completing := def.finals[instance.State]
	instance.Completed = completing

	scheduled, err := e.scheduleTimeouts(ctx, instance, step)
	if err != nil {
		return err
	}

	// Advancing (or completing) supersedes every pending timeout; staying in
	// state only replaces same-type timeouts the step re-requested.
	var stale map[string]string
	switch {
	case advanced || completing:
		stale = instance.Timeouts
		instance.Timeouts = scheduled
	case len(scheduled) > 0:
		stale = make(map[string]string)
		merged := make(map[string]string, len(instance.Timeouts)+len(scheduled))
		for eventType, id := range instance.Timeouts {
			merged[eventType] = id
		}
		for eventType, id := range scheduled {
			if old, ok := merged[eventType]; ok {
				stale[eventType] = old
			}
			merged[eventType] = id
		}
		instance.Timeouts = merged
	}

	instance.UpdatedAt = time.Now().UTC()
	if err := e.repo.Save(ctx, instance, expected); err != nil {
		// The schedules belong to a version of the instance that never
		// persisted.
		e.cancelTimeouts(ctx, scheduled)
		return err
	}

	// Stale timeouts are cancelled only after the new version is durable.
	e.cancelTimeouts(ctx, stale)

	metrics.SagaSteps.WithLabelValues(def.name, "applied").Inc()
	if completing {
		metrics.SagaActiveInstances.WithLabelValues(def.name).Dec()
		slog.Info("Saga instance completed",
			"saga", def.name,
			"instanceId", instance.ID,
			"state", instance.State,
			"version", instance.Version)
	}

	return e.publishAll(ctx, step.messages(tr))
}

// compensate unwinds the instance: every registered compensation runs in
// reverse registration order, each with its own timeout and retry budget.
// Invoked marks are persisted one by one so a replay after a lost version
// race skips compensations that already ran.
func (e *Engine) compensate(ctx context.Context, def *Definition, instance *Instance, expected int64, reason error) error {
	for i := len(instance.Compensations) - 1; i >= 0; i-- {
		rec := &instance.Compensations[i]
		if rec.Invoked {
			continue
		}

		handler, ok := def.compensators[rec.Name]
		if !ok {
			rec.Error = fmt.Sprintf("no handler registered for compensation %q", rec.Name)
			metrics.SagaCompensations.WithLabelValues(def.name, "failed").Inc()
			return e.finishUnwind(ctx, def, instance, expected, StateCompensationFailed)
		}

		if err := e.runCompensation(ctx, handler, instance); err != nil {
			rec.Error = err.Error()
			metrics.SagaCompensations.WithLabelValues(def.name, "failed").Inc()
			slog.Error("Compensation failed terminally",
				"saga", def.name,
				"instanceId", instance.ID,
				"compensation", rec.Name,
				"error", err)
			return e.finishUnwind(ctx, def, instance, expected, StateCompensationFailed)
		}

		rec.Invoked = true
		instance.UpdatedAt = time.Now().UTC()
		if err := e.repo.Save(ctx, instance, expected); err != nil {
			return err
		}
		expected = instance.Version

		metrics.SagaCompensations.WithLabelValues(def.name, "success").Inc()
		slog.Info("Compensation applied",
			"saga", def.name,
			"instanceId", instance.ID,
			"compensation", rec.Name)
	}

	if err := e.finishUnwind(ctx, def, instance, expected, StateFailed); err != nil {
		return err
	}
	slog.Info("Saga instance unwound",
		"saga", def.name,
		"instanceId", instance.ID,
		"reason", reason)
	return nil
}

func (e *Engine) runCompensation(ctx context.Context, handler CompensationHandler, instance *Instance) error {
	var lastErr error
	for attempt := 1; attempt <= e.config.CompensationRetries; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, e.config.CompensationTimeout)
		lastErr = handler(attemptCtx, instance)
		cancel()
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return lastErr
		}
	}
	return lastErr
}

// finishUnwind persists the terminal unwind state and cancels pending
// timeouts.
func (e *Engine) finishUnwind(ctx context.Context, def *Definition, instance *Instance, expected int64, state string) error {
	stale := instance.Timeouts
	instance.State = state
	instance.Completed = true
	instance.Timeouts = nil
	instance.UpdatedAt = time.Now().UTC()

	if err := e.repo.Save(ctx, instance, expected); err != nil {
		return err
	}
	e.cancelTimeouts(ctx, stale)
	metrics.SagaActiveInstances.WithLabelValues(def.name).Dec()
	metrics.SagaSteps.WithLabelValues(def.name, "applied").Inc()
	return nil
}

func (e *Engine) scheduleTimeouts(ctx context.Context, instance *Instance, step *Step) (map[string]string, error) {
	if len(step.timeouts) == 0 {
		return nil, nil
	}
	if e.scheduler == nil {
		slog.Warn("Saga timeout requested but no scheduler is wired",
			"saga", instance.SagaType,
			"instanceId", instance.ID)
		return nil, nil
	}

	scheduled := make(map[string]string, len(step.timeouts))
	now := time.Now()
	for _, req := range step.timeouts {
		ev := step.Event.Follow(message.KindEvent, req.eventType, nil)
		id, err := e.scheduler.Schedule(ctx, ev, now.Add(req.delay))
		if err != nil {
			e.cancelTimeouts(ctx, scheduled)
			return nil, fmt.Errorf("scheduling saga timeout %s: %w", req.eventType, err)
		}
		scheduled[req.eventType] = id
	}
	return scheduled, nil
}

func (e *Engine) cancelTimeouts(ctx context.Context, timeouts map[string]string) {
	if e.scheduler == nil {
		return
	}
	for eventType, id := range timeouts {
		if err := e.scheduler.Cancel(ctx, id); err != nil {
			slog.Warn("Failed to cancel saga timeout",
				"eventType", eventType,
				"scheduleId", id,
				"error", err)
		}
	}
}

func (e *Engine) publishAll(ctx context.Context, msgs []*message.Message) error {
	if e.publisher == nil || len(msgs) == 0 {
		return nil
	}
	var errs []error
	for _, m := range msgs {
		if err := e.publisher.Publish(ctx, m); err != nil {
			slog.Error("Failed to publish saga message",
				"messageType", m.Type,
				"messageId", m.ID,
				"error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (e *Engine) deadLetter(ctx context.Context, msg *message.Message, cause error) {
	if e.config.DeadLetter != nil {
		e.config.DeadLetter(ctx, msg, cause)
		return
	}
	slog.Error("Saga event dead-lettered",
		"eventType", msg.Type,
		"messageId", msg.ID,
		"cause", cause)
}
