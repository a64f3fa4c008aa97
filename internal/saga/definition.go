package saga

import (
	"context"
	"errors"
	"fmt"

	"go.heromessaging.dev/internal/message"
)

// Correlator extracts the correlation id binding an event to a saga
// instance. Returning "" means the event cannot be correlated.
type Correlator func(msg *message.Message) string

// CorrelateBy returns a Correlator reading a metadata key.
func CorrelateBy(metadataKey string) Correlator {
	return func(msg *message.Message) string { return msg.Meta(metadataKey) }
}

// Action is a transition's forward work. It runs before the transition is
// persisted; returning an error leaves the instance untouched, returning
// Abort(...) starts compensation.
type Action func(ctx context.Context, step *Step) error

// CompensationHandler undoes a previously completed forward action.
type CompensationHandler func(ctx context.Context, instance *Instance) error

// Predicate selects a branch target after the action ran.
type Predicate func(step *Step) bool

// UnmatchedPolicy decides what happens to an event that reaches a saga with
// no transition defined for the current state.
type UnmatchedPolicy int

const (
	// UnmatchedIgnore logs and drops the event
	UnmatchedIgnore UnmatchedPolicy = iota

	// UnmatchedDeadLetter hands the event to the engine's dead-letter hook
	UnmatchedDeadLetter
)

type abortError struct {
	reason error
}

func (e *abortError) Error() string {
	return fmt.Sprintf("saga aborted: %v", e.reason)
}

func (e *abortError) Unwrap() error {
	return e.reason
}

// Abort wraps a business failure so the engine unwinds the saga instead of
// surfacing a handler error. Use inside an Action.
func Abort(reason error) error {
	return &abortError{reason: reason}
}

// IsAbort reports whether an action error requests compensation and returns
// the underlying reason.
func IsAbort(err error) (error, bool) {
	var abort *abortError
	if errors.As(err, &abort) {
		return abort.reason, true
	}
	return nil, false
}

type branch struct {
	when   Predicate
	target string
}

// transition is one compiled edge of the state machine.
type transition struct {
	eventType    string
	copyKeys     []string
	action       Action
	compensation string
	publish      func(step *Step) []*message.Message
	branches     []branch
	target       string
}

// targetFor resolves the next state, or "" to stay.
func (t *transition) targetFor(step *Step) string {
	for _, b := range t.branches {
		if b.when(step) {
			return b.target
		}
	}
	return t.target
}

// Definition is a declarative saga state machine. Build one with
// NewDefinition, Initially, InState and Final, then register it on an
// Engine. Definitions are not safe for concurrent mutation; build them
// fully before use.
type Definition struct {
	name         string
	unmatched    UnmatchedPolicy
	initial      map[string]*transition            // event type -> transition
	states       map[string]map[string]*transition // state -> event type -> transition
	correlators  map[string]Correlator             // event type -> correlator
	compensators map[string]CompensationHandler
	finals       map[string]bool
}

// NewDefinition creates an empty definition.
func NewDefinition(name string) *Definition {
	return &Definition{
		name:         name,
		initial:      make(map[string]*transition),
		states:       make(map[string]map[string]*transition),
		correlators:  make(map[string]Correlator),
		compensators: make(map[string]CompensationHandler),
		finals:       make(map[string]bool),
	}
}

// Name returns the saga type name.
func (d *Definition) Name() string {
	return d.name
}

// OnUnmatched sets the policy for events with no matching transition.
func (d *Definition) OnUnmatched(policy UnmatchedPolicy) *Definition {
	d.unmatched = policy
	return d
}

// Compensation registers a named compensation handler. Transitions refer to
// it by name so the instance's compensation log survives persistence.
func (d *Definition) Compensation(name string, handler CompensationHandler) *Definition {
	d.compensators[name] = handler
	return d
}

// Final marks states as terminal: entering one completes the instance.
func (d *Definition) Final(states ...string) *Definition {
	for _, s := range states {
		d.finals[s] = true
	}
	return d
}

// Initially declares the transition that creates an instance when an event
// of the given type arrives with no live instance for its correlation id.
func (d *Definition) Initially(eventType string, correlate Correlator) *TransitionBuilder {
	t := &transition{eventType: eventType}
	d.initial[eventType] = t
	d.correlators[eventType] = correlate
	return &TransitionBuilder{def: d, tr: t}
}

// InState scopes transition declarations to a state.
func (d *Definition) InState(state string) *StateBuilder {
	if d.states[state] == nil {
		d.states[state] = make(map[string]*transition)
	}
	return &StateBuilder{def: d, state: state}
}

// eventTypes returns every event type the definition listens for.
func (d *Definition) eventTypes() []string {
	seen := make(map[string]bool)
	var out []string
	add := func(t string) {
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	for t := range d.initial {
		add(t)
	}
	for _, byEvent := range d.states {
		for t := range byEvent {
			add(t)
		}
	}
	return out
}

func (d *Definition) correlatorFor(eventType string) Correlator {
	return d.correlators[eventType]
}

// StateBuilder declares transitions out of one state.
type StateBuilder struct {
	def   *Definition
	state string
}

// On declares a transition fired by the given event type while in this
// state.
func (b *StateBuilder) On(eventType string, correlate Correlator) *TransitionBuilder {
	t := &transition{eventType: eventType}
	b.def.states[b.state][eventType] = t
	b.def.correlators[eventType] = correlate
	return &TransitionBuilder{def: b.def, tr: t}
}

// TransitionBuilder configures a single transition.
type TransitionBuilder struct {
	def *Definition
	tr  *transition
}

// Copy copies the named metadata keys of the triggering event into the
// instance data before the action runs.
func (b *TransitionBuilder) Copy(keys ...string) *TransitionBuilder {
	b.tr.copyKeys = append(b.tr.copyKeys, keys...)
	return b
}

// Do sets the forward action.
func (b *TransitionBuilder) Do(action Action) *TransitionBuilder {
	b.tr.action = action
	return b
}

// Compensate appends the named compensation to the instance's log once the
// forward action succeeds. The handler must be registered with
// Definition.Compensation.
func (b *TransitionBuilder) Compensate(name string) *TransitionBuilder {
	b.tr.compensation = name
	return b
}

// Publish emits messages after the transition has been persisted.
func (b *TransitionBuilder) Publish(build func(step *Step) []*message.Message) *TransitionBuilder {
	b.tr.publish = build
	return b
}

// When adds a conditional branch target, evaluated in declaration order
// after the action ran. The first matching predicate wins over
// TransitionTo.
func (b *TransitionBuilder) When(pred Predicate, state string) *TransitionBuilder {
	b.tr.branches = append(b.tr.branches, branch{when: pred, target: state})
	return b
}

// TransitionTo sets the default target state. Without it the instance stays
// in its current state.
func (b *TransitionBuilder) TransitionTo(state string) *TransitionBuilder {
	b.tr.target = state
	return b
}
