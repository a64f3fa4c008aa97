package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"go.heromessaging.dev/internal/common/metrics"
	"go.heromessaging.dev/internal/message"
)

// NATSConfig holds configuration for the JetStream transport
type NATSConfig struct {
	// URL is the NATS server URL
	URL string

	// StreamName is the JetStream stream holding all destinations
	StreamName string

	// AckWait is how long JetStream waits for an ack before redelivery
	AckWait time.Duration

	// MaxDeliver caps redelivery attempts per message
	MaxDeliver int

	// MaxAge bounds message retention in the stream
	MaxAge time.Duration

	// Codec serializes messages for the wire; nil means PlainCodec
	Codec Codec
}

// DefaultNATSConfig returns sensible defaults
func DefaultNATSConfig() *NATSConfig {
	return &NATSConfig{
		URL:        "nats://localhost:4222",
		StreamName: "HEROMESSAGING",
		AckWait:    2 * time.Minute,
		MaxDeliver: 5,
		MaxAge:     24 * time.Hour,
	}
}

// NATSTransport is a JetStream-backed Transport. Destinations map to
// subjects under "<stream>.>"; message ids double as JetStream
// deduplication ids.
type NATSTransport struct {
	conn   *nats.Conn
	js     jetstream.JetStream
	config *NATSConfig
	codec  Codec

	mu   sync.Mutex
	subs []*natsSubscription
}

// NewNATSTransport connects to NATS and ensures the stream exists.
func NewNATSTransport(ctx context.Context, config *NATSConfig) (*NATSTransport, error) {
	if config == nil {
		config = DefaultNATSConfig()
	}
	if config.URL == "" {
		config.URL = "nats://localhost:4222"
	}

	conn, err := nats.Connect(config.URL,
		nats.ReconnectWait(time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				slog.Warn("NATS disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			slog.Info("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	codec := config.Codec
	if codec == nil {
		codec = PlainCodec{}
	}

	t := &NATSTransport{
		conn:   conn,
		js:     js,
		config: config,
		codec:  codec,
	}
	if err := t.ensureStream(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return t, nil
}

func (t *NATSTransport) ensureStream(ctx context.Context) error {
	_, err := t.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      t.config.StreamName,
		Subjects:  []string{t.config.StreamName + ".>"},
		Retention: jetstream.WorkQueuePolicy,
		MaxAge:    t.config.MaxAge,
		Storage:   jetstream.FileStorage,
	})
	if err != nil {
		return fmt.Errorf("failed to ensure stream %s: %w", t.config.StreamName, err)
	}
	return nil
}

// subject maps a destination to its stream subject. Dots in destination
// names are preserved, so "dlq.orders" lands under its own subject tree.
func (t *NATSTransport) subject(destination string) string {
	return t.config.StreamName + "." + destination
}

// Publish sends the envelope with the message id as deduplication id.
func (t *NATSTransport) Publish(ctx context.Context, destination string, msg *message.Message) error {
	data, err := t.codec.Encode(msg)
	if err != nil {
		metrics.TransportPublished.WithLabelValues(destination, "error").Inc()
		return err
	}

	natsMsg := &nats.Msg{
		Subject: t.subject(destination),
		Data:    data,
		Header:  make(nats.Header),
	}
	natsMsg.Header.Set("Nats-Msg-Id", msg.ID)

	if _, err := t.js.PublishMsg(ctx, natsMsg); err != nil {
		metrics.TransportPublished.WithLabelValues(destination, "error").Inc()
		return fmt.Errorf("failed to publish to %s: %w", destination, err)
	}
	metrics.TransportPublished.WithLabelValues(destination, "ok").Inc()
	return nil
}

// IsConnected reports whether the underlying connection is currently up.
// The client reconnects on its own, so a false here is usually transient.
func (t *NATSTransport) IsConnected() bool {
	return t.conn.IsConnected()
}

// Subscribe creates a durable consumer for the destination and starts a
// pull loop.
func (t *NATSTransport) Subscribe(ctx context.Context, destination string, handler Handler, opts *SubscribeOptions) (Subscription, error) {
	if opts == nil {
		opts = DefaultSubscribeOptions()
	}
	prefetch := opts.Prefetch
	if prefetch <= 0 {
		prefetch = 1
	}

	durable := consumerName(destination)
	consumerCfg := jetstream.ConsumerConfig{
		Name:          durable,
		Durable:       durable,
		FilterSubject: t.subject(destination),
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       t.config.AckWait,
		MaxDeliver:    t.config.MaxDeliver,
		DeliverPolicy: jetstream.DeliverAllPolicy,
		ReplayPolicy:  jetstream.ReplayInstantPolicy,
		MaxAckPending: prefetch,
	}

	stream, err := t.js.Stream(ctx, t.config.StreamName)
	if err != nil {
		return nil, fmt.Errorf("failed to get stream: %w", err)
	}
	consumer, err := stream.CreateOrUpdateConsumer(ctx, consumerCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer for %s: %w", destination, err)
	}

	iter, err := consumer.Messages(jetstream.PullMaxMessages(prefetch))
	if err != nil {
		return nil, fmt.Errorf("failed to start message iterator: %w", err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &natsSubscription{
		transport:    t,
		destination:  destination,
		handler:      handler,
		requeueDelay: opts.RequeueDelay,
		iter:         iter,
		ctx:          subCtx,
		cancel:       cancel,
		resume:       make(chan struct{}, 1),
	}

	t.mu.Lock()
	t.subs = append(t.subs, sub)
	t.mu.Unlock()

	sub.wg.Add(1)
	go sub.loop()

	slog.Info("NATS subscription started",
		"destination", destination,
		"durable", durable,
		"prefetch", prefetch)
	return sub, nil
}

// Close stops subscriptions and drops the connection.
func (t *NATSTransport) Close() error {
	t.mu.Lock()
	subs := append([]*natsSubscription(nil), t.subs...)
	t.mu.Unlock()

	for _, sub := range subs {
		sub.Stop()
	}
	t.conn.Close()
	return nil
}

// consumerName derives a durable consumer name from a destination.
// JetStream durable names cannot contain dots.
func consumerName(destination string) string {
	return "hm-" + strings.ReplaceAll(destination, ".", "-")
}

type natsSubscription struct {
	transport    *NATSTransport
	destination  string
	handler      Handler
	requeueDelay time.Duration
	iter         jetstream.MessagesContext

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	pauseMu sync.Mutex
	paused  bool
	resume  chan struct{}
}

func (s *natsSubscription) Pause() {
	s.pauseMu.Lock()
	s.paused = true
	s.pauseMu.Unlock()
}

func (s *natsSubscription) Resume() {
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

func (s *natsSubscription) IsPaused() bool {
	s.pauseMu.Lock()
	defer s.pauseMu.Unlock()
	return s.paused
}

func (s *natsSubscription) Stop() {
	s.cancel()
	s.iter.Stop()
	s.wg.Wait()
}

// loop pulls deliveries one at a time. While paused it stops calling Next;
// unacked messages stay pending server-side.
func (s *natsSubscription) loop() {
	defer s.wg.Done()

	for {
		if s.ctx.Err() != nil {
			return
		}
		if s.IsPaused() {
			select {
			case <-s.ctx.Done():
				return
			case <-s.resume:
				continue
			}
		}

		natsMsg, err := s.iter.Next()
		if err != nil {
			if errors.Is(err, jetstream.ErrMsgIteratorClosed) || s.ctx.Err() != nil {
				return
			}
			slog.Error("Error pulling next delivery",
				"destination", s.destination,
				"error", err)
			continue
		}
		s.dispatch(natsMsg)
	}
}

func (s *natsSubscription) dispatch(natsMsg jetstream.Msg) {
	msg, err := s.transport.codec.Decode(natsMsg.Data())
	if err != nil {
		// Poison payload: no amount of redelivery will fix it.
		slog.Error("Failed to decode delivery, dead-lettering",
			"destination", s.destination,
			"error", err)
		s.deadLetterRaw(natsMsg)
		return
	}

	decision := s.invoke(msg)
	metrics.TransportConsumed.WithLabelValues(s.destination, decision.String()).Inc()

	switch decision {
	case Ack:
		if err := natsMsg.Ack(); err != nil {
			slog.Error("Failed to ack delivery", "destination", s.destination, "messageId", msg.ID, "error", err)
		}
	case NackRequeue:
		if err := natsMsg.NakWithDelay(s.requeueDelay); err != nil {
			slog.Error("Failed to nak delivery", "destination", s.destination, "messageId", msg.ID, "error", err)
		}
	case NackDeadLetter:
		dlq := DeadLetterDestination(s.destination)
		if err := s.transport.Publish(context.Background(), dlq, msg); err != nil {
			slog.Error("Failed to dead-letter delivery, requeueing",
				"destination", s.destination,
				"messageId", msg.ID,
				"error", err)
			_ = natsMsg.NakWithDelay(s.requeueDelay)
			return
		}
		if err := natsMsg.Ack(); err != nil {
			slog.Error("Failed to ack dead-lettered delivery", "destination", s.destination, "messageId", msg.ID, "error", err)
		}
		slog.Warn("Delivery dead-lettered",
			"destination", s.destination,
			"dlq", dlq,
			"messageId", msg.ID)
	}
}

// deadLetterRaw forwards an undecodable payload to the DLQ subject as-is.
func (s *natsSubscription) deadLetterRaw(natsMsg jetstream.Msg) {
	dlqSubject := s.transport.subject(DeadLetterDestination(s.destination))
	if _, err := s.transport.js.Publish(context.Background(), dlqSubject, natsMsg.Data()); err != nil {
		slog.Error("Failed to dead-letter raw payload", "destination", s.destination, "error", err)
		_ = natsMsg.NakWithDelay(s.requeueDelay)
		return
	}
	_ = natsMsg.Ack()
}

func (s *natsSubscription) invoke(msg *message.Message) (decision Decision) {
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
