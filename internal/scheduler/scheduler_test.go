package scheduler

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.heromessaging.dev/internal/common/apperr"
	"go.heromessaging.dev/internal/message"
)

// mapScheduleStore is an in-memory Store for tests.
type mapScheduleStore struct {
	mu      sync.Mutex
	entries map[string]*ScheduledMessage
}

func newMapScheduleStore() *mapScheduleStore {
	return &mapScheduleStore{entries: make(map[string]*ScheduledMessage)}
}

func (s *mapScheduleStore) Add(_ context.Context, sm *ScheduledMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copy := *sm
	s.entries[sm.ScheduleID] = &copy
	return nil
}

func (s *mapScheduleStore) GetDue(_ context.Context, asOf time.Time, limit int) ([]*ScheduledMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*ScheduledMessage
	for _, sm := range s.entries {
		if sm.Status == StatusPending && !sm.DeliverAt.After(asOf) {
			copy := *sm
			due = append(due, &copy)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].DeliverAt.Equal(due[j].DeliverAt) {
			return due[i].DeliverAt.Before(due[j].DeliverAt)
		}
		return due[i].Priority > due[j].Priority
	})
	if len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (s *mapScheduleStore) Get(_ context.Context, scheduleID string) (*ScheduledMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sm, ok := s.entries[scheduleID]; ok {
		copy := *sm
		return &copy, nil
	}
	return nil, nil
}

func (s *mapScheduleStore) Claim(_ context.Context, scheduleID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sm, ok := s.entries[scheduleID]
	if !ok || sm.Status != StatusPending {
		return false, nil
	}
	sm.Status = StatusProcessing
	return true, nil
}

func (s *mapScheduleStore) Cancel(_ context.Context, scheduleID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sm, ok := s.entries[scheduleID]
	if !ok || sm.Status != StatusPending {
		return false, nil
	}
	sm.Status = StatusCancelled
	return true, nil
}

func (s *mapScheduleStore) MarkDelivered(_ context.Context, scheduleID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sm, ok := s.entries[scheduleID]
	if !ok {
		return errors.New("not found")
	}
	if sm.Status != StatusProcessing {
		return nil
	}
	now := time.Now()
	sm.Status = StatusDelivered
	sm.DeliveredAt = &now
	return nil
}

func (s *mapScheduleStore) MarkFailed(_ context.Context, scheduleID string, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sm, ok := s.entries[scheduleID]
	if !ok {
		return errors.New("not found")
	}
	if sm.Status != StatusProcessing {
		return nil
	}
	sm.Status = StatusFailed
	sm.LastError = lastError
	return nil
}

func (s *mapScheduleStore) GetPendingCount(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, sm := range s.entries {
		if sm.Status == StatusPending {
			count++
		}
	}
	return count, nil
}

func (s *mapScheduleStore) GetPending(_ context.Context, limit int) ([]*ScheduledMessage, error) {
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

// capture collects delivered messages.
type capture struct {
	mu        sync.Mutex
	delivered []*ScheduledMessage
}

func (c *capture) handler(_ context.Context, sm *ScheduledMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.delivered = append(c.delivered, sm)
	return nil
}

func (c *capture) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.delivered)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached before deadline")
}

func TestTimerDeliversAtDue(t *testing.T) {
	cap := &capture{}
	strat := NewTimerStrategy(cap.handler, DefaultTimerConfig())
	defer strat.Stop()
	ctx := context.Background()

	msg := message.NewCommand("orders.Expire", nil)
	id, err := strat.Schedule(ctx, msg, time.Now().Add(30*time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}

	waitFor(t, 2*time.Second, func() bool { return cap.count() == 1 })

	sm, _ := strat.Get(ctx, id)
	if sm.Status != StatusDelivered || sm.DeliveredAt == nil {
		t.Errorf("schedule = %+v, want Delivered", sm)
	}
}

// Cancelling before the due instant prevents delivery entirely.
func TestTimerCancelBeforeDue(t *testing.T) {
	cap := &capture{}
	strat := NewTimerStrategy(cap.handler, DefaultTimerConfig())
	defer strat.Stop()
	ctx := context.Background()

	id, err := strat.Schedule(ctx, message.NewCommand("orders.Expire", nil), time.Now().Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if err := strat.Cancel(ctx, id); err != nil {
		t.Fatalf("cancel before due should succeed: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	if cap.count() != 0 {
		t.Error("cancelled schedule must not deliver")
	}

	sm, _ := strat.Get(ctx, id)
	if sm.Status != StatusCancelled {
		t.Errorf("status = %v, want Cancelled", sm.Status)
	}
}

func TestTimerCancelAfterFireConflicts(t *testing.T) {
	cap := &capture{}
	strat := NewTimerStrategy(cap.handler, DefaultTimerConfig())
	defer strat.Stop()
	ctx := context.Background()

	id, _ := strat.Schedule(ctx, message.NewCommand("orders.Expire", nil), time.Now())
	waitFor(t, 2*time.Second, func() bool { return cap.count() == 1 })

	err := strat.Cancel(ctx, id)
	if apperr.CategoryOf(err) != apperr.CategoryConflict {
		t.Errorf("cancel after delivery should conflict, got %v", err)
	}
}

// A cancel arriving while the handler runs conflicts; the delivery commits.
func TestTimerCancelDuringDeliveryConflicts(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	strat := NewTimerStrategy(func(ctx context.Context, sm *ScheduledMessage) error {
		close(entered)
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}, nil)
	defer strat.Stop()
	ctx := context.Background()

	id, _ := strat.Schedule(ctx, message.NewCommand("orders.Expire", nil), time.Now())
	<-entered

	err := strat.Cancel(ctx, id)
	if apperr.CategoryOf(err) != apperr.CategoryConflict {
		t.Errorf("cancel mid-delivery should conflict, got %v", err)
	}
	close(release)

	waitFor(t, 2*time.Second, func() bool {
		sm, _ := strat.Get(ctx, id)
		return sm.Status == StatusDelivered
	})
}

func TestTimerCancelUnknownIsNotFound(t *testing.T) {
	strat := NewTimerStrategy(func(context.Context, *ScheduledMessage) error { return nil }, nil)
	defer strat.Stop()

	err := strat.Cancel(context.Background(), "missing")
	if apperr.CategoryOf(err) != apperr.CategoryNotFound {
		t.Errorf("got %v, want NotFound", err)
	}
}

func TestTimerFailedDeliveryRecorded(t *testing.T) {
	strat := NewTimerStrategy(func(context.Context, *ScheduledMessage) error {
		return errors.New("handler boom")
	}, nil)
	defer strat.Stop()
	ctx := context.Background()

	id, _ := strat.Schedule(ctx, message.NewCommand("orders.Expire", nil), time.Now())

	waitFor(t, 2*time.Second, func() bool {
		sm, _ := strat.Get(ctx, id)
		return sm.Status == StatusFailed
	})

	sm, _ := strat.Get(ctx, id)
	if sm.LastError == "" {
		t.Error("lastError should be set")
	}
}

func testPollingConfig() *PollingConfig {
	return &PollingConfig{
		PollInterval:    10 * time.Millisecond,
		BatchSize:       100,
		MaxConcurrent:   4,
		DeliveryTimeout: time.Second,
	}
}

// Delivery drift is bounded by the poll interval: a message due in 30ms is
// delivered well within a few intervals.
func TestPollingDeliversWithinDriftBound(t *testing.T) {
	store := newMapScheduleStore()
	cap := &capture{}
	strat := NewPollingStrategy(store, cap.handler, testPollingConfig())
	ctx := context.Background()

	due := time.Now().Add(30 * time.Millisecond)
	id, err := strat.Schedule(ctx, message.NewCommand("orders.Expire", nil), due)
	if err != nil {
		t.Fatal(err)
	}

	strat.Start()
	defer strat.Stop()

	waitFor(t, 2*time.Second, func() bool { return cap.count() == 1 })
	drift := time.Since(due)
	if drift > 500*time.Millisecond {
		t.Errorf("delivery drift %v exceeds bound", drift)
	}

	sm, _ := store.Get(ctx, id)
	if sm.Status != StatusDelivered {
		t.Errorf("status = %v, want Delivered", sm.Status)
	}
}

func TestPollingNotDueNotDelivered(t *testing.T) {
	store := newMapScheduleStore()
	cap := &capture{}
	strat := NewPollingStrategy(store, cap.handler, testPollingConfig())
	ctx := context.Background()

	if _, err := strat.Schedule(ctx, message.NewCommand("orders.Expire", nil), time.Now().Add(time.Hour)); err != nil {
		t.Fatal(err)
	}

	strat.Start()
	time.Sleep(100 * time.Millisecond)
	strat.Stop()

	if cap.count() != 0 {
		t.Error("future schedule must not deliver early")
	}
}

func TestPollingCancelBeforeDue(t *testing.T) {
	store := newMapScheduleStore()
	cap := &capture{}
	strat := NewPollingStrategy(store, cap.handler, testPollingConfig())
	ctx := context.Background()

	id, _ := strat.Schedule(ctx, message.NewCommand("orders.Expire", nil), time.Now().Add(time.Hour))
	if err := strat.Cancel(ctx, id); err != nil {
		t.Fatal(err)
	}

	err := strat.Cancel(ctx, id)
	if apperr.CategoryOf(err) != apperr.CategoryConflict {
		t.Errorf("second cancel should conflict, got %v", err)
	}

	strat.Start()
	time.Sleep(50 * time.Millisecond)
	strat.Stop()

	if cap.count() != 0 {
		t.Error("cancelled schedule must not deliver")
	}
}

func TestPollingFailureRecorded(t *testing.T) {
	store := newMapScheduleStore()
	strat := NewPollingStrategy(store, func(context.Context, *ScheduledMessage) error {
		return errors.New("handler boom")
	}, testPollingConfig())
	ctx := context.Background()

	id, _ := strat.Schedule(ctx, message.NewCommand("orders.Expire", nil), time.Now())

	strat.Start()
	defer strat.Stop()

	waitFor(t, 2*time.Second, func() bool {
		sm, _ := store.Get(ctx, id)
		return sm.Status == StatusFailed && sm.LastError != ""
	})
}

// A cancel racing an in-flight delivery must lose: the claim has already
// moved the schedule out of Pending, so the cancel conflicts and the
// delivery commits.
func TestPollingCancelDuringDeliveryConflicts(t *testing.T) {
	store := newMapScheduleStore()
	entered := make(chan struct{})
	release := make(chan struct{})

	strat := NewPollingStrategy(store, func(ctx context.Context, sm *ScheduledMessage) error {
		close(entered)
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}, testPollingConfig())
	ctx := context.Background()

	id, err := strat.Schedule(ctx, message.NewCommand("orders.Expire", nil), time.Now())
	if err != nil {
		t.Fatal(err)
	}

	strat.Start()
	defer strat.Stop()

	<-entered
	cancelErr := strat.Cancel(ctx, id)
	if apperr.CategoryOf(cancelErr) != apperr.CategoryConflict {
		t.Errorf("cancel mid-delivery should conflict, got %v", cancelErr)
	}
	close(release)

	waitFor(t, 2*time.Second, func() bool {
		sm, _ := store.Get(ctx, id)
		return sm.Status == StatusDelivered
	})
}

// Two pollers over one store dispatch a schedule exactly once: GetDue may
// hand the same entry to both, but only one claim wins.
func TestPollingTwoPollersDeliverOnce(t *testing.T) {
	store := newMapScheduleStore()
	cap := &capture{}

	a := NewPollingStrategy(store, cap.handler, testPollingConfig())
	b := NewPollingStrategy(store, cap.handler, testPollingConfig())
	ctx := context.Background()

	if _, err := a.Schedule(ctx, message.NewCommand("orders.Expire", nil), time.Now()); err != nil {
		t.Fatal(err)
	}

	a.Start()
	b.Start()
	defer a.Stop()
	defer b.Stop()

	waitFor(t, 2*time.Second, func() bool { return cap.count() >= 1 })
	time.Sleep(50 * time.Millisecond)

	if cap.count() != 1 {
		t.Errorf("delivered %d times, want exactly 1", cap.count())
	}
}

// Recurring delivery: the handler re-schedules the next occurrence.
func TestPollingRecurringViaReschedule(t *testing.T) {
	store := newMapScheduleStore()
	var fired atomic.Int32

	var strat *PollingStrategy
	strat = NewPollingStrategy(store, func(ctx context.Context, sm *ScheduledMessage) error {
		if fired.Add(1) < 3 {
			_, err := strat.Schedule(ctx, sm.Message, time.Now().Add(10*time.Millisecond))
			return err
		}
		return nil
	}, testPollingConfig())
	ctx := context.Background()

	if _, err := strat.Schedule(ctx, message.NewEvent("reports.Tick", nil), time.Now()); err != nil {
		t.Fatal(err)
	}

	strat.Start()
	defer strat.Stop()

	waitFor(t, 3*time.Second, func() bool { return fired.Load() >= 3 })
}
