// HeroMessaging Host
//
// Single-process host binary. Wires storage, transport, the processing
// pipeline, the outbox relay, the inbox filter, the saga engine, the
// scheduler and the ops HTTP server from environment configuration.

package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"time"

	"go.heromessaging.dev/internal/common/apperr"
	"go.heromessaging.dev/internal/common/health"
	"go.heromessaging.dev/internal/common/leader"
	"go.heromessaging.dev/internal/common/lifecycle"
	"go.heromessaging.dev/internal/config"
	"go.heromessaging.dev/internal/inbox"
	"go.heromessaging.dev/internal/message"
	"go.heromessaging.dev/internal/ops"
	"go.heromessaging.dev/internal/outbox"
	"go.heromessaging.dev/internal/policy"
	"go.heromessaging.dev/internal/processing"
	"go.heromessaging.dev/internal/registry"
	"go.heromessaging.dev/internal/saga"
	"go.heromessaging.dev/internal/scheduler"
	"go.heromessaging.dev/internal/security"
	"go.heromessaging.dev/internal/serializer"
	"go.heromessaging.dev/internal/storage/memstore"
	"go.heromessaging.dev/internal/storage/mongostore"
	"go.heromessaging.dev/internal/storage/redisstore"
	"go.heromessaging.dev/internal/transport"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

// eventsDestination is the transport queue the host consumes. Inbound
// messages pass through the inbox filter before dispatch.
const eventsDestination = "events"

// sagaEventsDestination is where saga transition emissions are relayed.
const sagaEventsDestination = "saga.events"

func main() {
	// Configure logging
	logLevel := slog.LevelInfo
	if os.Getenv("HEROMESSAGING_DEV") == "true" {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	slog.Info("Starting HeroMessaging host",
		"version", version,
		"build_time", buildTime)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Peek at the storage type before Initialize so only the needed
	// connections are opened
	storageType := os.Getenv("STORAGE_TYPE")
	if storageType == "" {
		storageType = "memory"
	}

	app, cleanup, err := lifecycle.Initialize(ctx, lifecycle.AppOptions{
		NeedsMongoDB: storageType == "mongo",
		NeedsRedis:   storageType == "redis",
	})
	if err != nil {
		fatal("Failed to initialize", err)
	}
	defer cleanup()
	cfg := app.Config

	stores, err := buildStores(ctx, app)
	if err != nil {
		fatal("Failed to build storage", err)
	}

	tp, err := buildTransport(ctx, cfg)
	if err != nil {
		fatal("Failed to build transport", err)
	}

	// Policies shared by the pipeline and the relay
	retryPolicy := buildRetryPolicy(cfg.Retry)

	var breaker *policy.CircuitBreaker
	if cfg.CircuitBreaker.Enabled {
		breaker = policy.NewCircuitBreaker(retryPolicy, policy.BreakerConfig{
			Name:             "processing",
			FailureThreshold: uint32(cfg.CircuitBreaker.FailureThreshold),
			WindowDuration:   cfg.CircuitBreaker.WindowDuration,
			OpenDuration:     cfg.CircuitBreaker.OpenDuration,
			HalfOpenProbes:   uint32(cfg.CircuitBreaker.HalfOpenProbes),
		})
	}

	var bucket *policy.TokenBucket
	if cfg.RateLimit.Enabled {
		behavior := policy.Reject
		if cfg.RateLimit.Behavior == "queue" {
			behavior = policy.Queue
		}
		bucket = policy.NewTokenBucket(policy.RateLimitConfig{
			Capacity:     cfg.RateLimit.Capacity,
			RefillRate:   cfg.RateLimit.RefillRate,
			Behavior:     behavior,
			MaxQueueWait: cfg.RateLimit.MaxQueueWait,
			MaxScopes:    cfg.RateLimit.MaxScopes,
		})
	}

	var idem *policy.IdempotencyChecker
	if cfg.Idempotency.Enabled {
		idem = policy.NewIdempotencyChecker(stores.idempotency, buildKeyGenerator(cfg.Idempotency), policy.IdempotencyConfig{
			TTLSuccess:    cfg.Idempotency.TTLSuccess,
			TTLFailure:    cfg.Idempotency.TTLFailure,
			CacheFailures: cfg.Idempotency.CacheFailures,
		})
	}

	// Processing pipeline
	chain := processing.ChainConfig{
		Timeout:     cfg.Processing.Timeout,
		Retry:       retryPolicy,
		Breaker:     breaker,
		RateLimiter: bucket,
		Idempotency: idem,
		Serializer:  serializer.NewJSON(),
	}
	handlers := processing.NewRegistry()
	commands := processing.NewCommandProcessor(handlers, named(chain, "command"))

	// Queries are side-effect-free, so replaying one is harmless and the
	// idempotency decorator would only add a store round trip
	queryChain := named(chain, "query")
	queryChain.Idempotency = nil
	queries := processing.NewQueryProcessor(handlers, queryChain)

	dispatch := processing.Sequential
	if cfg.Processing.EventDispatch == "parallel" {
		dispatch = processing.Parallel
	}
	failure := processing.FailFast
	if cfg.Processing.EventErrors == "aggregate" {
		failure = processing.Aggregate
	}
	bus := processing.NewEventBus(handlers, named(chain, "event"), processing.EventBusConfig{
		Dispatch:       dispatch,
		Failure:        failure,
		MaxConcurrency: cfg.Processing.MaxConcurrency,
	})

	// Leader election: when instances share a database, only the leader
	// polls the outbox and the scheduled messages. Claim stays a CAS, so a
	// brief dual-leader window cannot double-publish.
	var elector leader.Elector
	switch cfg.Storage.Type {
	case "mongo":
		elector = leader.NewLeaderElector(app.DB, leader.DefaultElectorConfig("poller"))
	case "redis":
		elector = leader.NewRedisLeaderElector(app.Redis, leader.DefaultRedisElectorConfig("poller"))
	}
	var pollGate func() bool
	if elector != nil {
		pollGate = elector.IsLeader
		if err := elector.Start(ctx); err != nil {
			fatal("Failed to start leader election", err)
		}
	}

	// Outbox relay
	relayCfg := outbox.DefaultRelayConfig()
	relayCfg.PollInterval = cfg.Outbox.PollInterval
	relayCfg.BatchSize = cfg.Outbox.BatchSize
	relayCfg.MaxRetries = cfg.Outbox.MaxRetries
	relayCfg.RecoveryInterval = cfg.Outbox.RecoveryInterval
	relayCfg.ProcessingTimeout = cfg.Outbox.ProcessingTimeout
	relayCfg.RetryPolicy = retryPolicy
	relayCfg.Gate = pollGate
	relay := outbox.NewRelay(stores.outbox, tp, relayCfg)

	// Inbox filter
	filterCfg := inbox.DefaultFilterConfig()
	filterCfg.DedupWindow = cfg.Inbox.DedupWindow
	filterCfg.RetentionProcessed = cfg.Inbox.RetentionProcessed
	filterCfg.RetentionFailed = cfg.Inbox.RetentionFailed
	filter := inbox.NewFilter(stores.inbox, filterCfg)

	// Scheduler: due messages are republished to the transport under their
	// destination hint
	deliver := func(ctx context.Context, sm *scheduler.ScheduledMessage) error {
		destination := sm.Destination
		if destination == "" {
			destination = eventsDestination
		}
		return tp.Publish(ctx, destination, sm.Message)
	}
	strategy, stopStrategy := buildScheduler(cfg.Scheduler, stores.scheduled, deliver, pollGate)

	// Component registry: collaborators resolve each other by capability
	// instead of holding direct references
	reg := registry.New()
	mustRegister(reg, registry.CapTransport, tp)
	mustRegister(reg, registry.CapCommandBus, commands)
	mustRegister(reg, registry.CapQueryBus, queries)
	mustRegister(reg, registry.CapEventBus, bus)
	mustRegister(reg, registry.CapScheduler, strategy)
	mustRegister(reg, registry.CapOutboxRelay, relay)
	mustRegister(reg, registry.CapInboxFilter, filter)

	// Saga engine: emissions go through the outbox so they survive a crash
	// between the state write and the publish
	sched, err := registry.Resolve[scheduler.Strategy](reg, registry.CapScheduler)
	if err != nil {
		fatal("Failed to resolve scheduler", err)
	}
	engine := saga.NewEngine(stores.saga, outboxPublisher{relay: relay}, sched, &saga.EngineConfig{
		ConflictRetries:     cfg.Saga.ConflictRetries,
		ConflictBackoff:     cfg.Saga.ConflictBackoff,
		CompensationRetries: cfg.Saga.CompensationRetries,
		CompensationTimeout: cfg.Saga.CompensationTimeout,
		DeadLetter: func(ctx context.Context, msg *message.Message, cause error) {
			slog.Error("Saga event dead-lettered",
				"messageType", msg.Type,
				"messageId", msg.ID,
				"error", cause)
			if _, err := relay.Enqueue(ctx, msg, transport.DeadLetterDestination(sagaEventsDestination), 0); err != nil {
				slog.Error("Failed to enqueue dead-lettered saga event", "messageId", msg.ID, "error", err)
			}
		},
	})
	mustRegister(reg, registry.CapSagaEngine, engine)

	// Start the background components
	relay.Start()
	filter.Start()

	// Inbound consumption: transport deliveries pass through the inbox
	// filter, then dispatch by kind
	sub, err := tp.Subscribe(ctx, eventsDestination, func(hctx context.Context, msg *message.Message) transport.Decision {
		err := filter.Receive(hctx, "transport", msg, func(hctx context.Context, msg *message.Message) error {
			switch msg.Kind {
			case message.KindCommand:
				_, err := commands.Send(hctx, msg)
				return err
			case message.KindEvent:
				if err := bus.Publish(hctx, msg); err != nil {
					return err
				}
				return engine.HandleEvent(hctx, msg)
			default:
				return apperr.Validation(fmt.Sprintf("kind %s not accepted from the transport", msg.Kind))
			}
		})
		if err == nil {
			return transport.Ack
		}
		if apperr.IsRetryable(err) {
			return transport.NackRequeue
		}
		return transport.NackDeadLetter
	}, nil)
	if err != nil {
		fatal("Failed to subscribe", err)
	}

	// Ops HTTP server
	var opsSrv *ops.Server
	if cfg.Ops.Enabled {
		opsSrv = ops.NewServer(cfg.Ops, buildHealthChecker(app, tp, relay),
			func() (string, any) { return "relay", relay.Stats() },
			func() (string, any) { return "scheduler", schedulerStats(strategy) },
			func() (string, any) { return "ratelimit", rateLimitStats(bucket) },
		)
		go func() {
			if err := opsSrv.Start(); err != nil {
				slog.Error("Ops server failed", "error", err)
			}
		}()
	}

	// Graceful shutdown, outermost surfaces first
	mgr := lifecycle.NewManager()
	if opsSrv != nil {
		mgr.RegisterOpsShutdown("ops-server", opsSrv.Shutdown)
	}
	mgr.RegisterTransportShutdown("transport", func(context.Context) error {
		sub.Stop()
		return tp.Close()
	})
	mgr.RegisterRelayShutdown("outbox-relay", func(context.Context) error {
		relay.Stop()
		return nil
	})
	mgr.RegisterRelayShutdown("inbox-filter", func(context.Context) error {
		filter.Stop()
		return nil
	})
	mgr.RegisterSchedulerShutdown("scheduler", func(context.Context) error {
		stopStrategy()
		return nil
	})
	if elector != nil {
		mgr.RegisterStorageShutdown("leader-elector", func(context.Context) error {
			elector.Stop()
			return nil
		})
	}

	slog.Info("HeroMessaging host started",
		"storage", cfg.Storage.Type,
		"transport", cfg.Transport.Type,
		"scheduler", cfg.Scheduler.Strategy,
		"capabilities", reg.Capabilities())

	if err := mgr.Run(); err != nil {
		slog.Error("Shutdown finished with errors", "error", err)
	}
	slog.Info("HeroMessaging host stopped")
}

// storeSet holds one store per persistence concern. The backends differ per
// deployment; the memory stores back everything a configured backend does
// not cover.
type storeSet struct {
	outbox      outbox.Store
	inbox       inbox.Store
	saga        saga.Repository
	scheduled   scheduler.Store
	idempotency policy.IdempotencyStore
}

func buildStores(ctx context.Context, app *lifecycle.App) (*storeSet, error) {
	switch app.Config.Storage.Type {
	case "memory":
		return &storeSet{
			outbox:      memstore.NewOutboxStore(),
			inbox:       memstore.NewInboxStore(),
			saga:        memstore.NewSagaRepository(),
			scheduled:   memstore.NewScheduledStore(),
			idempotency: memstore.NewIdempotencyStore(),
		}, nil

	case "redis":
		// Redis carries the idempotency cache; the stateful stores stay
		// in memory
		return &storeSet{
			outbox:      memstore.NewOutboxStore(),
			inbox:       memstore.NewInboxStore(),
			saga:        memstore.NewSagaRepository(),
			scheduled:   memstore.NewScheduledStore(),
			idempotency: redisstore.NewIdempotencyStore(app.Redis),
		}, nil

	case "mongo":
		if err := mongostore.EnsureIndexes(ctx, app.DB); err != nil {
			return nil, fmt.Errorf("failed to ensure indexes: %w", err)
		}
		return &storeSet{
			outbox:      mongostore.NewOutboxStore(app.DB),
			inbox:       mongostore.NewInboxStore(app.DB),
			saga:        mongostore.NewSagaRepository(app.DB),
			scheduled:   mongostore.NewScheduledStore(app.DB),
			idempotency: memstore.NewIdempotencyStore(),
		}, nil

	default:
		return nil, fmt.Errorf("unknown storage type %q", app.Config.Storage.Type)
	}
}

func buildTransport(ctx context.Context, cfg *config.Config) (transport.Transport, error) {
	switch cfg.Transport.Type {
	case "memory":
		return transport.NewMemoryTransport(), nil
	case "nats":
		codec, err := buildCodec(cfg.Security)
		if err != nil {
			return nil, err
		}
		natsCfg := transport.DefaultNATSConfig()
		natsCfg.URL = cfg.Transport.NATS.URL
		natsCfg.StreamName = cfg.Transport.NATS.StreamName
		natsCfg.Codec = codec
		return transport.NewNATSTransport(ctx, natsCfg)
	default:
		return nil, fmt.Errorf("unknown transport type %q", cfg.Transport.Type)
	}
}

// buildCodec assembles the wire codec from the configured protection keys.
func buildCodec(cfg config.SecurityConfig) (transport.Codec, error) {
	if cfg.EncryptionKey == "" && cfg.SigningKey == "" {
		return transport.PlainCodec{}, nil
	}

	codec := &transport.SecureCodec{}
	if cfg.EncryptionKey != "" {
		key, err := hex.DecodeString(cfg.EncryptionKey)
		if err != nil {
			return nil, fmt.Errorf("transport encryption key is not hex: %w", err)
		}
		enc, err := security.NewChaCha20Encryptor(key)
		if err != nil {
			return nil, err
		}
		codec.Encryptor = enc
	}
	if cfg.SigningKey != "" {
		codec.Signer = security.NewHMACSigner([]byte(cfg.SigningKey))
	}
	return codec, nil
}

func buildRetryPolicy(cfg config.RetryConfig) policy.RetryPolicy {
	switch cfg.Policy {
	case "none":
		return policy.NoRetry{}
	case "linear":
		return policy.LinearRetry{
			Delay:       cfg.BaseDelay,
			MaxAttempts: cfg.MaxAttempts,
		}
	default:
		return policy.ExponentialRetry{
			BaseDelay:   cfg.BaseDelay,
			MaxDelay:    cfg.MaxDelay,
			MaxAttempts: cfg.MaxAttempts,
			Jitter:      cfg.Jitter,
		}
	}
}

func buildKeyGenerator(cfg config.IdempotencyConfig) policy.KeyGenerator {
	switch cfg.KeyStrategy {
	case "content-hash":
		return policy.ContentHashKey{}
	case "metadata":
		return policy.MetadataKey{Fields: cfg.KeyFields}
	default:
		return policy.MessageIDKey{}
	}
}

// buildScheduler returns the configured strategy and its stop function. The
// polling strategy is started here; the timer strategy has no run loop.
func buildScheduler(cfg config.SchedulerConfig, store scheduler.Store, deliver scheduler.Handler, gate func() bool) (scheduler.Strategy, func()) {
	if cfg.Strategy == "storage" {
		pollCfg := scheduler.DefaultPollingConfig()
		pollCfg.PollInterval = cfg.PollInterval
		pollCfg.BatchSize = cfg.BatchSize
		pollCfg.Gate = gate
		ps := scheduler.NewPollingStrategy(store, deliver, pollCfg)
		ps.Start()
		return ps, ps.Stop
	}
	ts := scheduler.NewTimerStrategy(deliver, scheduler.DefaultTimerConfig())
	return ts, ts.Stop
}

func buildHealthChecker(app *lifecycle.App, tp transport.Transport, relay *outbox.Relay) *health.Checker {
	checker := health.NewChecker()

	if app.Mongo != nil {
		mc := app.Mongo
		checker.AddReadinessCheck(health.MongoDBCheck(func() error {
			pctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return mc.Ping(pctx)
		}))
	}
	if app.Redis != nil {
		rdb := app.Redis
		checker.AddReadinessCheck(health.RedisCheck(func() error {
			pctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return rdb.Ping(pctx).Err()
		}))
	}
	if nt, ok := tp.(*transport.NATSTransport); ok {
		checker.AddReadinessCheck(health.NATSCheck(nt.IsConnected))
	}
	checker.AddReadinessCheck(health.ComponentCheck("outbox-relay", func() bool {
		return relay.Stats().Running
	}))

	return checker
}

func schedulerStats(strategy scheduler.Strategy) any {
	pctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	pending, err := strategy.ListPending(pctx, 1000)
	if err != nil {
		return map[string]any{"error": err.Error()}
	}
	return map[string]any{"pending": len(pending)}
}

func rateLimitStats(bucket *policy.TokenBucket) any {
	if bucket == nil {
		return map[string]any{"enabled": false}
	}
	return bucket.Stats()
}

func named(chain processing.ChainConfig, name string) processing.ChainConfig {
	chain.Name = name
	return chain
}

func mustRegister(reg *registry.Registry, id registry.Capability, component any) {
	if err := reg.Register(id, component); err != nil {
		fatal("Failed to register capability", err)
	}
}

func fatal(msg string, err error) {
	slog.Error(msg, "error", err)
	os.Exit(1)
}

// outboxPublisher adapts the relay to the saga engine's publisher.
type outboxPublisher struct {
	relay *outbox.Relay
}

func (p outboxPublisher) Publish(ctx context.Context, msg *message.Message) error {
	_, err := p.relay.Enqueue(ctx, msg, sagaEventsDestination, 0)
	return err
}
