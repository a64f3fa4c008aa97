package processing

import (
	"context"
	"fmt"
	"sync"

	"go.heromessaging.dev/internal/common/apperr"
	"go.heromessaging.dev/internal/message"
)

// QueryProcessor dispatches queries to their single registered handler. A
// query always produces a result; handlers are side-effect-free by contract.
type QueryProcessor struct {
	registry *Registry
	chain    ChainConfig

	mu        sync.Mutex
	pipelines map[string]Processor
}

// NewQueryProcessor creates a query processor.
func NewQueryProcessor(registry *Registry, chain ChainConfig) *QueryProcessor {
	if chain.Name == "" {
		chain.Name = "query"
	}
	return &QueryProcessor{
		registry:  registry,
		chain:     chain,
		pipelines: make(map[string]Processor),
	}
}

// Ask dispatches a query and returns its result.
func (p *QueryProcessor) Ask(ctx context.Context, msg *message.Message) (*Result, error) {
	if msg.Kind != message.KindQuery {
		return nil, apperr.Validation(fmt.Sprintf("Ask requires a query, got %s", msg.Kind))
	}

	pipeline, err := p.pipeline(msg.Type)
	if err != nil {
		return nil, err
	}

	result, err := pipeline.Process(NewContext(ctx, msg))
	if err != nil {
		return nil, err
	}
	if result == nil {
		return nil, apperr.New(apperr.CategoryFatal,
			fmt.Sprintf("query handler for %s returned no result", msg.Type))
	}
	return result, nil
}

func (p *QueryProcessor) pipeline(messageType string) (Processor, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if pipeline, ok := p.pipelines[messageType]; ok {
		return pipeline, nil
	}
	handler, err := p.registry.QueryHandler(messageType)
	if err != nil {
		return nil, err
	}
	pipeline := p.chain.Build(handler)
	p.pipelines[messageType] = pipeline
	return pipeline, nil
}
