package processing

import (
	"fmt"
	"sync"

	"go.heromessaging.dev/internal/common/apperr"
)

// Processor handles one message and optionally produces a result. Handlers
// and decorators both satisfy this.
type Processor interface {
	Process(pctx *Context) (*Result, error)
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc func(pctx *Context) (*Result, error)

func (f ProcessorFunc) Process(pctx *Context) (*Result, error) {
	return f(pctx)
}

// Decorator wraps a processor with cross-cutting behavior. Chains are built
// outside-in; invocation order mirrors construction.
type Decorator func(Processor) Processor

// Registry maps message types to their handlers. Commands and queries take
// exactly one handler per type; events take any number.
type Registry struct {
	mu       sync.RWMutex
	commands map[string]Processor
	queries  map[string]Processor
	events   map[string][]Processor
}

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{
		commands: make(map[string]Processor),
		queries:  make(map[string]Processor),
		events:   make(map[string][]Processor),
	}
}

// RegisterCommand binds the single handler for a command type.
func (r *Registry) RegisterCommand(messageType string, handler Processor) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.commands[messageType]; exists {
		return apperr.New(apperr.CategoryConflict,
			fmt.Sprintf("command handler already registered for %s", messageType))
	}
	r.commands[messageType] = handler
	return nil
}

// CommandHandler resolves the handler for a command type.
func (r *Registry) CommandHandler(messageType string) (Processor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.commands[messageType]
	if !ok {
		return nil, apperr.NotFound(fmt.Sprintf("no command handler for %s", messageType))
	}
	return h, nil
}

// RegisterQuery binds the single handler for a query type.
func (r *Registry) RegisterQuery(messageType string, handler Processor) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.queries[messageType]; exists {
		return apperr.New(apperr.CategoryConflict,
			fmt.Sprintf("query handler already registered for %s", messageType))
	}
	r.queries[messageType] = handler
	return nil
}

// QueryHandler resolves the handler for a query type. Query handlers must be
// side-effect-free; that contract is documented, not enforced.
func (r *Registry) QueryHandler(messageType string) (Processor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.queries[messageType]
	if !ok {
		return nil, apperr.NotFound(fmt.Sprintf("no query handler for %s", messageType))
	}
	return h, nil
}

// RegisterEvent appends a handler for an event type.
func (r *Registry) RegisterEvent(messageType string, handler Processor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events[messageType] = append(r.events[messageType], handler)
}

// EventHandlers resolves all handlers for an event type.
func (r *Registry) EventHandlers(messageType string) []Processor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	handlers := r.events[messageType]
	out := make([]Processor, len(handlers))
	copy(out, handlers)
	return out
}
