package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.heromessaging.dev/internal/common/apperr"
	"go.heromessaging.dev/internal/common/metrics"
	"go.heromessaging.dev/internal/common/tsid"
	"go.heromessaging.dev/internal/message"
)

// PollingConfig holds configuration for the storage-backed strategy
type PollingConfig struct {
	// PollInterval is how often the store is polled for due messages; it
	// also bounds delivery drift
	PollInterval time.Duration

	// BatchSize is the maximum due messages fetched per poll
	BatchSize int

	// MaxConcurrent limits concurrent handler invocations
	MaxConcurrent int

	// DeliveryTimeout bounds a single handler invocation
	DeliveryTimeout time.Duration

	// Gate, when set, must report true for a poll to run. Multi-instance
	// deployments point it at leader election so one instance polls.
	Gate func() bool
}

// DefaultPollingConfig returns sensible defaults
func DefaultPollingConfig() *PollingConfig {
	return &PollingConfig{
		PollInterval:    time.Second,
		BatchSize:       100,
		MaxConcurrent:   10,
		DeliveryTimeout: 30 * time.Second,
	}
}

// PollingStrategy schedules deliveries through a Store and polls for due
// messages. Schedules survive restarts; delivery drift is bounded by the
// poll interval.
type PollingStrategy struct {
	config  *PollingConfig
	store   Store
	handler Handler

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	running   bool
	runningMu sync.Mutex

	// pollMu prevents overlapping polls when a batch outlasts the interval
	pollMu sync.Mutex
}

// NewPollingStrategy creates a storage-backed scheduling strategy.
func NewPollingStrategy(store Store, handler Handler, config *PollingConfig) *PollingStrategy {
	if config == nil {
		config = DefaultPollingConfig()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &PollingStrategy{
		config:  config,
		store:   store,
		handler: handler,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Schedule persists a delivery. A deliverAt in the past is picked up by the
// next poll.
func (s *PollingStrategy) Schedule(ctx context.Context, msg *message.Message, deliverAt time.Time) (string, error) {
	return s.ScheduleTo(ctx, msg, deliverAt, "", 0)
}

// ScheduleTo persists a delivery with a destination hint and priority.
func (s *PollingStrategy) ScheduleTo(ctx context.Context, msg *message.Message, deliverAt time.Time, destination string, priority int) (string, error) {
	sm := &ScheduledMessage{
		ScheduleID:  tsid.Generate(),
		Message:     msg,
		DeliverAt:   deliverAt,
		Priority:    priority,
		Destination: destination,
		Status:      StatusPending,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.store.Add(ctx, sm); err != nil {
		return "", err
	}

	slog.Debug("Scheduled message in store",
		"scheduleId", sm.ScheduleID,
		"messageType", msg.Type,
		"deliverAt", deliverAt)
	return sm.ScheduleID, nil
}

// Cancel withdraws a Pending schedule.
func (s *PollingStrategy) Cancel(ctx context.Context, scheduleID string) error {
	ok, err := s.store.Cancel(ctx, scheduleID)
	if err != nil {
		return err
	}
	if !ok {
		sm, err := s.store.Get(ctx, scheduleID)
		if err != nil {
			return err
		}
		if sm == nil {
			return apperr.NotFound(fmt.Sprintf("schedule %s not found", scheduleID))
		}
		return apperr.Conflict(fmt.Sprintf("schedule %s is %s", scheduleID, sm.Status))
	}
	metrics.SchedulerDelivered.WithLabelValues("polling", "cancelled").Inc()
	return nil
}

// Get returns the schedule, or nil when unknown.
func (s *PollingStrategy) Get(ctx context.Context, scheduleID string) (*ScheduledMessage, error) {
	return s.store.Get(ctx, scheduleID)
}

// ListPending returns schedules awaiting delivery.
func (s *PollingStrategy) ListPending(ctx context.Context, limit int) ([]*ScheduledMessage, error) {
	return s.store.GetPending(ctx, limit)
}

// Start starts the poll loop.
func (s *PollingStrategy) Start() {
	s.runningMu.Lock()
	if s.running {
		s.runningMu.Unlock()
		slog.Warn("Polling scheduler already running")
		return
	}
	s.running = true
	s.runningMu.Unlock()

	s.wg.Add(1)
	go s.pollLoop()

	slog.Info("Polling scheduler started",
		"pollInterval", s.config.PollInterval,
		"batchSize", s.config.BatchSize)
}

// Stop stops the poll loop and waits for in-flight deliveries.
func (s *PollingStrategy) Stop() {
	s.runningMu.Lock()
	if !s.running {
		s.runningMu.Unlock()
		return
	}
	s.running = false
	s.runningMu.Unlock()

	s.cancel()
	s.wg.Wait()

	slog.Info("Polling scheduler stopped")
}

func (s *PollingStrategy) pollLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()

	s.doPoll()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.doPoll()
		}
	}
}

func (s *PollingStrategy) doPoll() {
	if s.config.Gate != nil && !s.config.Gate() {
		return
	}

	if !s.pollMu.TryLock() {
		return
	}
	defer s.pollMu.Unlock()

	ctx, cancel := context.WithTimeout(s.ctx, 30*time.Second)
	defer cancel()

	due, err := s.store.GetDue(ctx, time.Now(), s.config.BatchSize)
	if err != nil {
		slog.Error("Failed to poll for due messages", "error", err)
		return
	}

	if pending, err := s.store.GetPendingCount(ctx); err == nil {
		metrics.SchedulerPending.Set(float64(pending))
	}

	if len(due) == 0 {
		return
	}

	sem := make(chan struct{}, s.config.MaxConcurrent)
	var wg sync.WaitGroup

	for _, sm := range due {
		sem <- struct{}{}
		wg.Add(1)

		go func(sm *ScheduledMessage) {
			defer wg.Done()
			defer func() { <-sem }()
			s.deliver(sm)
		}(sm)
	}

	wg.Wait()
}

// deliver claims the schedule, runs the handler and commits the outcome on
// a detached context so the state transition completes even during
// shutdown. The claim is what makes dispatch exclusive: a losing Claim
// means a concurrent Cancel won or another poller owns the entry.
func (s *PollingStrategy) deliver(sm *ScheduledMessage) {
	claimCtx, claimCancel := context.WithTimeout(s.ctx, 10*time.Second)
	claimed, err := s.store.Claim(claimCtx, sm.ScheduleID)
	claimCancel()
	if err != nil {
		slog.Error("Failed to claim schedule", "error", err, "scheduleId", sm.ScheduleID)
		return
	}
	if !claimed {
		return
	}

	handlerCtx, cancel := context.WithTimeout(s.ctx, s.config.DeliveryTimeout)
	err = s.handler(handlerCtx, sm)
	cancel()

	commitCtx, commitCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer commitCancel()

	if err != nil {
		if markErr := s.store.MarkFailed(commitCtx, sm.ScheduleID, err.Error()); markErr != nil {
			slog.Error("Failed to mark schedule failed", "error", markErr, "scheduleId", sm.ScheduleID)
		}
		metrics.SchedulerDelivered.WithLabelValues("polling", "failed").Inc()
		slog.Error("Scheduled delivery failed",
			"scheduleId", sm.ScheduleID,
			"messageType", sm.Message.Type,
			"error", err)
		return
	}

	if markErr := s.store.MarkDelivered(commitCtx, sm.ScheduleID); markErr != nil {
		slog.Error("Failed to mark schedule delivered", "error", markErr, "scheduleId", sm.ScheduleID)
	}
	metrics.SchedulerDelivered.WithLabelValues("polling", "delivered").Inc()
}
