package processing

import (
	"context"
	"fmt"
	"sync"

	"go.heromessaging.dev/internal/common/apperr"
	"go.heromessaging.dev/internal/message"
)

// CommandProcessor dispatches commands to their single registered handler
// through the decorator chain.
type CommandProcessor struct {
	registry *Registry
	chain    ChainConfig

	mu        sync.Mutex
	pipelines map[string]Processor
}

// NewCommandProcessor creates a command processor.
func NewCommandProcessor(registry *Registry, chain ChainConfig) *CommandProcessor {
	if chain.Name == "" {
		chain.Name = "command"
	}
	return &CommandProcessor{
		registry:  registry,
		chain:     chain,
		pipelines: make(map[string]Processor),
	}
}

// Send dispatches a command and returns the handler's result, or the first
// failure observed after retry exhaustion.
func (p *CommandProcessor) Send(ctx context.Context, msg *message.Message) (*Result, error) {
	if msg.Kind != message.KindCommand {
		return nil, apperr.Validation(fmt.Sprintf("Send requires a command, got %s", msg.Kind))
	}

	pipeline, err := p.pipeline(msg.Type)
	if err != nil {
		return nil, err
	}
	return pipeline.Process(NewContext(ctx, msg))
}

// pipeline resolves and caches the decorated pipeline for a message type.
func (p *CommandProcessor) pipeline(messageType string) (Processor, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if pipeline, ok := p.pipelines[messageType]; ok {
		return pipeline, nil
	}
	handler, err := p.registry.CommandHandler(messageType)
	if err != nil {
		return nil, err
	}
	pipeline := p.chain.Build(handler)
	p.pipelines[messageType] = pipeline
	return pipeline, nil
}
