package transport

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.heromessaging.dev/internal/common/apperr"
	"go.heromessaging.dev/internal/common/metrics"
	"go.heromessaging.dev/internal/message"
)

const memoryQueueDepth = 1024

// MemoryTransport is an in-process channel-backed transport. One pump per
// subscribed destination feeds a bounded worker pool; Publish blocks when
// the destination queue is full, which backpressures producers.
type MemoryTransport struct {
	mu     sync.Mutex
	queues map[string]chan *message.Message
	subs   []*memorySubscription
	closed bool
}

// NewMemoryTransport creates an in-process transport.
func NewMemoryTransport() *MemoryTransport {
	return &MemoryTransport{
		queues: make(map[string]chan *message.Message),
	}
}

func (t *MemoryTransport) queue(destination string) chan *message.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	q, ok := t.queues[destination]
	if !ok {
		q = make(chan *message.Message, memoryQueueDepth)
		t.queues[destination] = q
	}
	return q
}

// Publish enqueues the envelope for the destination.
func (t *MemoryTransport) Publish(ctx context.Context, destination string, msg *message.Message) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return apperr.New(apperr.CategoryFatal, "transport is closed")
	}
	t.mu.Unlock()

	select {
	case t.queue(destination) <- msg:
		metrics.TransportPublished.WithLabelValues(destination, "ok").Inc()
		return nil
	case <-ctx.Done():
		metrics.TransportPublished.WithLabelValues(destination, "error").Inc()
		return apperr.Wrap(apperr.CategoryCancelled, "publish cancelled", ctx.Err())
	}
}

// Subscribe starts a consumer pump for the destination.
func (t *MemoryTransport) Subscribe(ctx context.Context, destination string, handler Handler, opts *SubscribeOptions) (Subscription, error) {
	if opts == nil {
		opts = DefaultSubscribeOptions()
	}
	prefetch := opts.Prefetch
	if prefetch <= 0 {
		prefetch = 1
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, apperr.New(apperr.CategoryFatal, "transport is closed")
	}
	t.mu.Unlock()

	subCtx, cancel := context.WithCancel(ctx)
	sub := &memorySubscription{
		transport:    t,
		destination:  destination,
		handler:      handler,
		requeueDelay: opts.RequeueDelay,
		queue:        t.queue(destination),
		sem:          make(chan struct{}, prefetch),
		ctx:          subCtx,
		cancel:       cancel,
		resume:       make(chan struct{}, 1),
	}

	t.mu.Lock()
	t.subs = append(t.subs, sub)
	t.mu.Unlock()

	sub.wg.Add(1)
	go sub.pump()

	slog.Debug("Memory transport subscription started",
		"destination", destination,
		"prefetch", prefetch)
	return sub, nil
}

// Close stops all subscriptions.
func (t *MemoryTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	subs := append([]*memorySubscription(nil), t.subs...)
	t.mu.Unlock()

	for _, sub := range subs {
		sub.Stop()
	}
	return nil
}

type memorySubscription struct {
	transport    *MemoryTransport
	destination  string
	handler      Handler
	requeueDelay time.Duration
	queue        chan *message.Message
	sem          chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	pauseMu sync.Mutex
	paused  bool
	resume  chan struct{}
}

func (s *memorySubscription) Pause() {
	s.pauseMu.Lock()
	s.paused = true
	s.pauseMu.Unlock()
}

func (s *memorySubscription) Resume() {
	s.pauseMu.Lock()
	wasPaused := s.paused
	s.paused = false
	s.pauseMu.Unlock()

	if wasPaused {
		select {
		case s.resume <- struct{}{}:
		default:
		}
	}
}

func (s *memorySubscription) IsPaused() bool {
	s.pauseMu.Lock()
	defer s.pauseMu.Unlock()
	return s.paused
}

func (s *memorySubscription) Stop() {
	s.cancel()
	s.wg.Wait()
}

// pump pulls deliveries while not paused and dispatches them to at most
// prefetch concurrent handlers.
func (s *memorySubscription) pump() {
	defer s.wg.Done()

	for {
		if s.IsPaused() {
			select {
			case <-s.ctx.Done():
				return
			case <-s.resume:
				continue
			}
		}

		select {
		case <-s.ctx.Done():
			return
		case msg := <-s.queue:
			select {
			case s.sem <- struct{}{}:
			case <-s.ctx.Done():
				// Shutting down; put the delivery back for a later consumer.
				s.requeue(msg)
				return
			}
			s.wg.Add(1)
			go func(msg *message.Message) {
				defer s.wg.Done()
				defer func() { <-s.sem }()
				s.dispatch(msg)
			}(msg)
		}
	}
}

func (s *memorySubscription) dispatch(msg *message.Message) {
	decision := s.invoke(msg)
	metrics.TransportConsumed.WithLabelValues(s.destination, decision.String()).Inc()

	switch decision {
	case Ack:
	case NackRequeue:
		if s.requeueDelay > 0 {
			select {
			case <-time.After(s.requeueDelay):
			case <-s.ctx.Done():
			}
		}
		s.requeue(msg)
	case NackDeadLetter:
		dlq := DeadLetterDestination(s.destination)
		if err := s.transport.Publish(context.Background(), dlq, msg); err != nil {
			slog.Error("Failed to dead-letter delivery",
				"destination", s.destination,
				"messageId", msg.ID,
				"error", err)
		} else {
			slog.Warn("Delivery dead-lettered",
				"destination", s.destination,
				"dlq", dlq,
				"messageId", msg.ID)
		}
	}
}

func (s *memorySubscription) invoke(msg *message.Message) (decision Decision) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Handler panicked, requeueing delivery",
				"destination", s.destination,
				"messageId", msg.ID,
				"panic", r)
			decision = NackRequeue
		}
	}()
	return s.handler(s.ctx, msg)
}

func (s *memorySubscription) requeue(msg *message.Message) {
	select {
	case s.queue <- msg:
	default:
		slog.Error("Requeue dropped, destination queue full",
			"destination", s.destination,
			"messageId", msg.ID)
	}
}
