package outbox

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.heromessaging.dev/internal/common/metrics"
	"go.heromessaging.dev/internal/common/tsid"
	"go.heromessaging.dev/internal/message"
	"go.heromessaging.dev/internal/policy"
)

// RelayConfig holds configuration for the outbox relay
type RelayConfig struct {
	// Enabled controls whether the relay is active
	Enabled bool

	// PollInterval is how often to poll for eligible entries
	PollInterval time.Duration

	// BatchSize is the maximum entries to fetch per poll
	BatchSize int

	// MaxConcurrentDestinations limits parallel destination workers
	MaxConcurrentDestinations int

	// MaxRetries is the default retry bound for entries that carry none
	MaxRetries int

	// RetryPolicy computes the deferral before each redelivery attempt
	RetryPolicy policy.RetryPolicy

	// RecoveryInterval is how often to run periodic recovery
	RecoveryInterval time.Duration

	// ProcessingTimeout is how long an entry may sit in Processing before
	// periodic recovery returns it to Pending
	ProcessingTimeout time.Duration

	// Gate, when set, must report true for a poll to run. Multi-instance
	// deployments point it at leader election so one instance polls.
	Gate func() bool
}

// DefaultRelayConfig returns sensible defaults
func DefaultRelayConfig() *RelayConfig {
	return &RelayConfig{
		Enabled:                   true,
		PollInterval:              time.Second,
		BatchSize:                 100,
		MaxConcurrentDestinations: 10,
		MaxRetries:                5,
		RetryPolicy:               policy.DefaultRetryPolicy(),
		RecoveryInterval:          time.Minute,
		ProcessingTimeout:         5 * time.Minute,
	}
}

// RelayStats is a snapshot of relay state.
type RelayStats struct {
	Running            bool      `json:"running"`
	LastPollAt         time.Time `json:"lastPollAt"`
	ActiveDestinations int       `json:"activeDestinations"`
	Processed          int64     `json:"processed"`
	Retried            int64     `json:"retried"`
	DeadLettered       int64     `json:"deadLettered"`
}

// Relay polls the outbox store and publishes eligible entries. One worker
// per destination keeps priority-then-FIFO order within a destination; no
// order is promised across destinations. Delivery is at-least-once: a crash
// between publish and MarkProcessed re-emits the entry, and the receiving
// inbox deduplicates.
type Relay struct {
	config    *RelayConfig
	store     Store
	publisher Publisher

	// Destination workers
	workers       sync.Map // map[destination]*destinationWorker
	workerSem     chan struct{}
	processed     atomic.Int64
	retried       atomic.Int64
	deadLettered  atomic.Int64
	lastPollAtNsc atomic.Int64

	// Lifecycle
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	running   bool
	runningMu sync.Mutex
	pollMu    sync.Mutex // Prevent overlapping polls
}

// NewRelay creates an outbox relay.
func NewRelay(store Store, publisher Publisher, config *RelayConfig) *Relay {
	if config == nil {
		config = DefaultRelayConfig()
	}
	if config.RetryPolicy == nil {
		config.RetryPolicy = policy.DefaultRetryPolicy()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Relay{
		config:    config,
		store:     store,
		publisher: publisher,
		workerSem: make(chan struct{}, config.MaxConcurrentDestinations),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Enqueue appends a message to the outbox with status Pending. When the
// store supports transactions the caller runs this inside the business
// transaction.
func (r *Relay) Enqueue(ctx context.Context, msg *message.Message, destination string, priority int) (*Entry, error) {
	entry := &Entry{
		ID:          tsid.Generate(),
		Message:     msg,
		Destination: destination,
		Priority:    priority,
		Status:      StatusPending,
		MaxRetries:  r.config.MaxRetries,
		CreatedAt:   time.Now(),
	}
	if err := r.store.Add(ctx, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

// Start starts the relay
func (r *Relay) Start() {
	r.runningMu.Lock()
	defer r.runningMu.Unlock()

	if r.running {
		return
	}
	r.running = true

	if !r.config.Enabled {
		slog.Info("Outbox relay is disabled")
		return
	}

	// Crash recovery first: reset entries stuck in Processing from a
	// previous run
	r.doCrashRecovery()

	r.wg.Add(1)
	go r.runPoller()

	r.wg.Add(1)
	go r.runPeriodicRecovery()

	slog.Info("Outbox relay started",
		"pollInterval", r.config.PollInterval,
		"batchSize", r.config.BatchSize,
		"maxConcurrentDestinations", r.config.MaxConcurrentDestinations)
}

// Stop stops the relay. Workers finish the current entry's state commit
// before exiting; unclaimed entries are picked up on next start.
func (r *Relay) Stop() {
	r.runningMu.Lock()
	r.running = false
	r.runningMu.Unlock()

	r.cancel()
	r.wg.Wait()

	slog.Info("Outbox relay stopped")
}

// Stats returns current relay statistics
func (r *Relay) Stats() RelayStats {
	r.runningMu.Lock()
	running := r.running
	r.runningMu.Unlock()

	active := 0
	r.workers.Range(func(_, _ any) bool {
		active++
		return true
	})

	return RelayStats{
		Running:            running,
		LastPollAt:         time.Unix(0, r.lastPollAtNsc.Load()),
		ActiveDestinations: active,
		Processed:          r.processed.Load(),
		Retried:            r.retried.Load(),
		DeadLettered:       r.deadLettered.Load(),
	}
}

// doCrashRecovery resets all Processing entries back to Pending.
func (r *Relay) doCrashRecovery() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	count, err := r.store.ResetStuckProcessing(ctx, 0)
	if err != nil {
		slog.Error("Failed crash recovery of stuck outbox entries", "error", err)
		return
	}
	if count > 0 {
		metrics.OutboxRecoveredEntries.Add(float64(count))
		slog.Info("Reset stuck outbox entries during crash recovery", "count", count)
	}
}

// runPeriodicRecovery resets entries stuck in Processing beyond the timeout.
func (r *Relay) runPeriodicRecovery() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.config.RecoveryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(r.ctx, 30*time.Second)
			count, err := r.store.ResetStuckProcessing(ctx, r.config.ProcessingTimeout)
			cancel()
			if err != nil {
				slog.Error("Failed periodic recovery of stuck outbox entries", "error", err)
				continue
			}
			if count > 0 {
				metrics.OutboxRecoveredEntries.Add(float64(count))
				slog.Info("Periodic recovery reset stuck outbox entries", "count", count)
			}
		}
	}
}

// runPoller runs the main polling loop
func (r *Relay) runPoller() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.doPoll()
		}
	}
}

// doPoll performs a single poll iteration
func (r *Relay) doPoll() {
	if r.config.Gate != nil && !r.config.Gate() {
		return
	}

	// Prevent overlapping polls
	if !r.pollMu.TryLock() {
		return
	}
	defer r.pollMu.Unlock()

	start := time.Now()
	r.lastPollAtNsc.Store(start.UnixNano())
	defer func() {
		metrics.OutboxPollDuration.Observe(time.Since(start).Seconds())
	}()

	ctx, cancel := context.WithTimeout(r.ctx, 30*time.Second)
	defer cancel()

	entries, err := r.store.GetPending(ctx, r.config.BatchSize)
	if err != nil {
		slog.Error("Failed to fetch pending outbox entries", "error", err)
		return
	}

	if count, err := r.store.GetPendingCount(ctx); err == nil {
		metrics.OutboxPendingEntries.Set(float64(count))
	}

	for _, entry := range entries {
		claimed, err := r.store.Claim(ctx, entry.ID)
		if err != nil {
			slog.Error("Failed to claim outbox entry", "error", err, "entryId", entry.ID)
			continue
		}
		if !claimed {
			// Another worker won the CAS; skip.
			continue
		}
		r.dispatch(entry)
	}
}

// dispatch routes a claimed entry to its destination worker. Entries arrive
// in poll order (priority desc, createdAt asc) and the worker is serial, so
// per-destination ordering holds.
func (r *Relay) dispatch(entry *Entry) {
	workerI, _ := r.workers.LoadOrStore(entry.Destination, &destinationWorker{
		destination: entry.Destination,
		queue:       make(chan *Entry, 1000),
		relay:       r,
	})
	worker := workerI.(*destinationWorker)

	select {
	case worker.queue <- entry:
		worker.tryStart()
	default:
		// Queue full; return the entry so the next poll retries it.
		slog.Warn("Destination queue full", "destination", entry.Destination, "entryId", entry.ID)
		r.requeue(entry, "destination queue full")
	}
}

// requeue returns a claimed entry to Pending without consuming a retry.
func (r *Relay) requeue(entry *Entry, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.store.UpdateRetryCount(ctx, entry.ID, entry.RetryCount, time.Now(), reason); err != nil {
		slog.Error("Failed to requeue outbox entry", "error", err, "entryId", entry.ID)
	}
}

// destinationWorker publishes entries for a single destination in FIFO order
type destinationWorker struct {
	destination string
	queue       chan *Entry
	relay       *Relay
	processing  bool
	mu          sync.Mutex
}

// tryStart attempts to start processing if not already running
func (w *destinationWorker) tryStart() {
	w.mu.Lock()
	if w.processing {
		w.mu.Unlock()
		return
	}
	w.processing = true
	w.mu.Unlock()

	w.relay.wg.Add(1)
	go w.processLoop()
}

// processLoop drains the destination queue. State commits use a detached
// context so a shutdown mid-entry still records the outcome.
func (w *destinationWorker) processLoop() {
	defer w.relay.wg.Done()
	defer func() {
		w.mu.Lock()
		w.processing = false
		w.mu.Unlock()
		// An entry may have been queued between the empty check and the
		// flag reset; restart so it is not stranded.
		if w.relay.ctx.Err() == nil && len(w.queue) > 0 {
			w.tryStart()
		}
	}()

	for {
		select {
		case w.relay.workerSem <- struct{}{}:
		case <-w.relay.ctx.Done():
			w.drain()
			return
		}

		select {
		case entry := <-w.queue:
			w.processEntry(entry)
			<-w.relay.workerSem
		case <-w.relay.ctx.Done():
			<-w.relay.workerSem
			w.drain()
			return
		default:
			<-w.relay.workerSem
			return
		}
	}
}

// drain releases queued entries back to Pending during shutdown.
func (w *destinationWorker) drain() {
	for {
		select {
		case entry := <-w.queue:
			w.relay.requeue(entry, "relay shutdown")
		default:
			return
		}
	}
}

// processEntry publishes one entry and commits its outcome.
func (w *destinationWorker) processEntry(entry *Entry) {
	publishCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	err := w.relay.publisher.Publish(publishCtx, entry.Destination, entry.Message)
	cancel()

	// Outcome commits run on a detached context: the relay finishes the
	// current entry's state transition even during shutdown.
	commitCtx, commitCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer commitCancel()

	if err == nil {
		if markErr := w.relay.store.MarkProcessed(commitCtx, entry.ID); markErr != nil {
			slog.Error("Failed to mark outbox entry processed", "error", markErr, "entryId", entry.ID)
			return
		}
		w.relay.processed.Add(1)
		metrics.OutboxEntriesProcessed.WithLabelValues(entry.Destination, "processed").Inc()
		return
	}

	if entry.RetryCount >= entry.MaxRetries {
		w.deadLetter(commitCtx, entry, err)
		return
	}

	// Schedule a retry: increment the count and defer per the retry policy.
	nextCount := entry.RetryCount + 1
	delay := w.relay.config.RetryPolicy.DelayFor(nextCount)
	nextRetryAt := time.Now().Add(delay)

	if updErr := w.relay.store.UpdateRetryCount(commitCtx, entry.ID, nextCount, nextRetryAt, err.Error()); updErr != nil {
		slog.Error("Failed to schedule outbox retry", "error", updErr, "entryId", entry.ID)
		return
	}
	w.relay.retried.Add(1)
	metrics.OutboxEntriesProcessed.WithLabelValues(entry.Destination, "retried").Inc()
	slog.Debug("Outbox entry scheduled for retry",
		"entryId", entry.ID,
		"destination", entry.Destination,
		"retryCount", nextCount,
		"nextRetryAt", nextRetryAt,
		"error", err)
}

// deadLetter finalizes an exhausted entry and publishes a copy to the
// destination's dead-letter queue.
func (w *destinationWorker) deadLetter(ctx context.Context, entry *Entry, cause error) {
	if err := w.relay.store.MarkFailed(ctx, entry.ID, cause.Error()); err != nil {
		slog.Error("Failed to mark outbox entry failed", "error", err, "entryId", entry.ID)
		return
	}

	if err := w.relay.publisher.Publish(ctx, entry.DeadLetterDestination(), entry.Message); err != nil {
		// The Failed row still holds the message; operators can replay it.
		slog.Error("Failed to publish dead-letter copy",
			"error", err,
			"entryId", entry.ID,
			"destination", entry.DeadLetterDestination())
	}

	w.relay.deadLettered.Add(1)
	metrics.OutboxEntriesProcessed.WithLabelValues(entry.Destination, "dead_lettered").Inc()
	slog.Warn("Outbox entry dead-lettered",
		"entryId", entry.ID,
		"destination", entry.Destination,
		"retryCount", entry.RetryCount,
		"lastError", cause.Error())
}
