package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.heromessaging.dev/internal/common/apperr"
	"go.heromessaging.dev/internal/common/metrics"
	"go.heromessaging.dev/internal/common/tsid"
	"go.heromessaging.dev/internal/message"
)

// TimerConfig holds configuration for the in-memory timer strategy
type TimerConfig struct {
	// DeliveryTimeout bounds a single handler invocation
	DeliveryTimeout time.Duration
}

// DefaultTimerConfig returns sensible defaults
func DefaultTimerConfig() *TimerConfig {
	return &TimerConfig{
		DeliveryTimeout: 30 * time.Second,
	}
}

// TimerStrategy schedules deliveries on in-process timers. Schedules do not
// survive a restart; use the polling strategy when durability matters.
type TimerStrategy struct {
	config  *TimerConfig
	handler Handler

	mu      sync.Mutex
	entries map[string]*ScheduledMessage
	timers  map[string]*time.Timer
	stopped bool

	wg sync.WaitGroup
}

// NewTimerStrategy creates an in-memory timer strategy delivering to the
// given handler.
func NewTimerStrategy(handler Handler, config *TimerConfig) *TimerStrategy {
	if config == nil {
		config = DefaultTimerConfig()
	}
	return &TimerStrategy{
		config:  config,
		handler: handler,
		entries: make(map[string]*ScheduledMessage),
		timers:  make(map[string]*time.Timer),
	}
}

// Schedule registers a delivery. A deliverAt in the past fires immediately.
func (s *TimerStrategy) Schedule(_ context.Context, msg *message.Message, deliverAt time.Time) (string, error) {
	return s.ScheduleTo(msg, deliverAt, "", 0)
}

// ScheduleTo registers a delivery with a destination hint and priority.
func (s *TimerStrategy) ScheduleTo(msg *message.Message, deliverAt time.Time, destination string, priority int) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return "", apperr.New(apperr.CategoryFatal, "timer strategy is stopped")
	}

	sm := &ScheduledMessage{
		ScheduleID:  tsid.Generate(),
		Message:     msg,
		DeliverAt:   deliverAt,
		Priority:    priority,
		Destination: destination,
		Status:      StatusPending,
		CreatedAt:   time.Now().UTC(),
	}
	s.entries[sm.ScheduleID] = sm
	s.timers[sm.ScheduleID] = time.AfterFunc(time.Until(deliverAt), func() {
		s.fire(sm.ScheduleID)
	})
	metrics.SchedulerPending.Inc()

	slog.Debug("Scheduled message on timer",
		"scheduleId", sm.ScheduleID,
		"messageType", msg.Type,
		"deliverAt", deliverAt)
	return sm.ScheduleID, nil
}

// Cancel withdraws a Pending schedule before it fires.
func (s *TimerStrategy) Cancel(_ context.Context, scheduleID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sm, ok := s.entries[scheduleID]
	if !ok {
		return apperr.NotFound(fmt.Sprintf("schedule %s not found", scheduleID))
	}
	if sm.Status != StatusPending {
		return apperr.Conflict(fmt.Sprintf("schedule %s is %s", scheduleID, sm.Status))
	}

	sm.Status = StatusCancelled
	if t := s.timers[scheduleID]; t != nil {
		t.Stop()
		delete(s.timers, scheduleID)
	}
	metrics.SchedulerPending.Dec()
	metrics.SchedulerDelivered.WithLabelValues("timer", "cancelled").Inc()
	return nil
}

// Get returns the schedule, or nil when unknown.
func (s *TimerStrategy) Get(_ context.Context, scheduleID string) (*ScheduledMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sm, ok := s.entries[scheduleID]; ok {
		copy := *sm
		return &copy, nil
	}
	return nil, nil
}

// ListPending returns schedules awaiting delivery ordered by deliverAt.
func (s *TimerStrategy) ListPending(_ context.Context, limit int) ([]*ScheduledMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*ScheduledMessage
	for _, sm := range s.entries {
		if sm.Status == StatusPending {
			copy := *sm
			out = append(out, &copy)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].DeliverAt.Before(out[j].DeliverAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Stop cancels all armed timers and waits for in-flight deliveries.
func (s *TimerStrategy) Stop() {
	s.mu.Lock()
	s.stopped = true
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
	s.mu.Unlock()

	s.wg.Wait()
	slog.Info("Timer scheduler stopped")
}

// fire runs when a timer elapses. Cancellation won the race if the status
// moved off Pending in the meantime; past this point the schedule is
// claimed and a late Cancel conflicts instead of unwinding the delivery.
func (s *TimerStrategy) fire(scheduleID string) {
	s.mu.Lock()
	sm, ok := s.entries[scheduleID]
	if !ok || sm.Status != StatusPending || s.stopped {
		s.mu.Unlock()
		return
	}
	sm.Status = StatusProcessing
	delete(s.timers, scheduleID)
	s.wg.Add(1)
	s.mu.Unlock()

	defer s.wg.Done()

	ctx, cancel := context.WithTimeout(context.Background(), s.config.DeliveryTimeout)
	defer cancel()

	delivered := *sm
	err := s.handler(ctx, &delivered)

	s.mu.Lock()
	defer s.mu.Unlock()
	if sm.Status != StatusProcessing {
		return
	}
	now := time.Now().UTC()
	if err != nil {
		sm.Status = StatusFailed
		sm.LastError = err.Error()
		metrics.SchedulerDelivered.WithLabelValues("timer", "failed").Inc()
		slog.Error("Scheduled delivery failed",
			"scheduleId", scheduleID,
			"messageType", sm.Message.Type,
			"error", err)
	} else {
		sm.Status = StatusDelivered
		sm.DeliveredAt = &now
		metrics.SchedulerDelivered.WithLabelValues("timer", "delivered").Inc()
	}
	metrics.SchedulerPending.Dec()
}
