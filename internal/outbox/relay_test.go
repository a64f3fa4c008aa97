package outbox

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"go.heromessaging.dev/internal/message"
	"go.heromessaging.dev/internal/policy"
)

// mockStore is an in-memory Store for tests.
type mockStore struct {
	mu      sync.Mutex
	entries map[string]*Entry
}

func newMockStore() *mockStore {
	return &mockStore{entries: make(map[string]*Entry)}
}

func (s *mockStore) Add(_ context.Context, entry *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copy := *entry
	s.entries[entry.ID] = &copy
	return nil
}

func (s *mockStore) GetPending(_ context.Context, limit int) ([]*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()

	var eligible []*Entry
	for _, e := range s.entries {
		if e.Eligible(now) {
			copy := *e
			eligible = append(eligible, &copy)
		}
	}
	sort.Slice(eligible, func(i, j int) bool {
		if eligible[i].Priority != eligible[j].Priority {
			return eligible[i].Priority > eligible[j].Priority
		}
		return eligible[i].CreatedAt.Before(eligible[j].CreatedAt)
	})
	if len(eligible) > limit {
		eligible = eligible[:limit]
	}
	return eligible, nil
}

func (s *mockStore) Claim(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok || e.Status != StatusPending {
		return false, nil
	}
	e.Status = StatusProcessing
	return true, nil
}

func (s *mockStore) MarkProcessed(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return errors.New("not found")
	}
	now := time.Now()
	e.Status = StatusProcessed
	e.ProcessedAt = &now
	return nil
}

func (s *mockStore) MarkFailed(_ context.Context, id string, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return errors.New("not found")
	}
	e.Status = StatusFailed
	e.LastError = lastError
	return nil
}

func (s *mockStore) UpdateRetryCount(_ context.Context, id string, count int, nextRetryAt time.Time, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return errors.New("not found")
	}
	e.Status = StatusPending
	e.RetryCount = count
	e.NextRetryAt = &nextRetryAt
	e.LastError = lastError
	return nil
}

func (s *mockStore) GetPendingCount(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, e := range s.entries {
		if e.Status == StatusPending {
			count++
		}
	}
	return count, nil
}

func (s *mockStore) GetFailed(_ context.Context, limit int) ([]*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var failed []*Entry
	for _, e := range s.entries {
		if e.Status == StatusFailed {
			copy := *e
			failed = append(failed, &copy)
			if len(failed) == limit {
				break
			}
		}
	}
	return failed, nil
}

func (s *mockStore) ResetStuckProcessing(_ context.Context, _ time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, e := range s.entries {
		if e.Status == StatusProcessing {
			e.Status = StatusPending
			count++
		}
	}
	return count, nil
}

func (s *mockStore) get(id string) *Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[id]; ok {
		copy := *e
		return &copy
	}
	return nil
}

// mockPublisher records publishes and replays scripted failures.
type mockPublisher struct {
	mu        sync.Mutex
	published []publishRecord
	failures  map[string]int // destination -> failures remaining
}

type publishRecord struct {
	destination string
	messageID   string
}

func newMockPublisher() *mockPublisher {
	return &mockPublisher{failures: make(map[string]int)}
}

func (p *mockPublisher) failTimes(destination string, n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures[destination] = n
}

func (p *mockPublisher) Publish(_ context.Context, destination string, msg *message.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if remaining := p.failures[destination]; remaining > 0 {
		p.failures[destination] = remaining - 1
		return errors.New("transport unavailable")
	}
	p.published = append(p.published, publishRecord{destination: destination, messageID: msg.ID})
	return nil
}

func (p *mockPublisher) publishedTo(destination string) []publishRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []publishRecord
	for _, rec := range p.published {
		if rec.destination == destination {
			out = append(out, rec)
		}
	}
	return out
}

func testRelayConfig() *RelayConfig {
	return &RelayConfig{
		Enabled:                   true,
		PollInterval:              10 * time.Millisecond,
		BatchSize:                 100,
		MaxConcurrentDestinations: 4,
		MaxRetries:                5,
		RetryPolicy:               policy.LinearRetry{Delay: time.Millisecond, MaxAttempts: 10},
		RecoveryInterval:          time.Minute,
		ProcessingTimeout:         time.Minute,
	}
}

// waitFor polls until the condition holds or the deadline passes.
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

func TestRelayPublishesPendingEntry(t *testing.T) {
	store := newMockStore()
	publisher := newMockPublisher()
	relay := NewRelay(store, publisher, testRelayConfig())

	entry, err := relay.Enqueue(context.Background(), message.NewEvent("orders.Created", nil), "orders", 0)
	if err != nil {
		t.Fatal(err)
	}

	relay.Start()
	defer relay.Stop()

	waitFor(t, 2*time.Second, func() bool {
		e := store.get(entry.ID)
		return e != nil && e.Status == StatusProcessed
	})

	final := store.get(entry.ID)
	if final.ProcessedAt == nil {
		t.Error("ProcessedAt should be set")
	}
	if got := publisher.publishedTo("orders"); len(got) != 1 || got[0].messageID != entry.Message.ID {
		t.Errorf("published = %+v", got)
	}
}

// Enqueue a message with maxRetries=2 against a transport that fails three
// times: the successful delivery never happens, the entry ends Failed with
// retryCount=2, lastError set, and a dead-letter copy is published.
func TestRelayRetryThenDeadLetter(t *testing.T) {
	store := newMockStore()
	publisher := newMockPublisher()
	publisher.failTimes("orders", 3)

	cfg := testRelayConfig()
	cfg.MaxRetries = 2
	relay := NewRelay(store, publisher, cfg)

	entry, err := relay.Enqueue(context.Background(), message.NewEvent("orders.Created", nil), "orders", 0)
	if err != nil {
		t.Fatal(err)
	}

	relay.Start()
	defer relay.Stop()

	waitFor(t, 5*time.Second, func() bool {
		e := store.get(entry.ID)
		return e != nil && e.Status == StatusFailed
	})

	final := store.get(entry.ID)
	if final.RetryCount != 2 {
		t.Errorf("retryCount = %d, want 2", final.RetryCount)
	}
	if final.LastError == "" {
		t.Error("lastError should be set")
	}
	if got := publisher.publishedTo("orders"); len(got) != 0 {
		t.Errorf("no successful delivery expected, got %+v", got)
	}
	if got := publisher.publishedTo("dlq.orders"); len(got) != 1 {
		t.Errorf("expected one dead-letter copy, got %+v", got)
	}
}

func TestRelayPerDestinationPriorityThenFIFO(t *testing.T) {
	store := newMockStore()
	publisher := newMockPublisher()
	relay := NewRelay(store, publisher, testRelayConfig())
	ctx := context.Background()

	base := time.Now()
	for i, spec := range []struct {
		id       string
		priority int
	}{
		{"low-1", 0},
		{"high-1", 5},
		{"low-2", 0},
		{"high-2", 5},
	} {
		entry := &Entry{
			ID:          spec.id,
			Message:     message.NewEvent("orders.Created", nil, message.WithID(spec.id)),
			Destination: "orders",
			Priority:    spec.priority,
			Status:      StatusPending,
			MaxRetries:  1,
			CreatedAt:   base.Add(time.Duration(i) * time.Millisecond),
		}
		if err := store.Add(ctx, entry); err != nil {
			t.Fatal(err)
		}
	}

	relay.Start()
	defer relay.Stop()

	waitFor(t, 2*time.Second, func() bool {
		return len(publisher.publishedTo("orders")) == 4
	})

	got := publisher.publishedTo("orders")
	want := []string{"high-1", "high-2", "low-1", "low-2"}
	for i, rec := range got {
		if rec.messageID != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}
}

func TestRelayDeferredEntryNotDispatched(t *testing.T) {
	store := newMockStore()
	publisher := newMockPublisher()
	relay := NewRelay(store, publisher, testRelayConfig())

	future := time.Now().Add(time.Hour)
	entry := &Entry{
		ID:          "deferred",
		Message:     message.NewEvent("orders.Created", nil),
		Destination: "orders",
		Status:      StatusPending,
		MaxRetries:  1,
		NextRetryAt: &future,
		CreatedAt:   time.Now(),
	}
	if err := store.Add(context.Background(), entry); err != nil {
		t.Fatal(err)
	}

	relay.Start()
	time.Sleep(100 * time.Millisecond)
	relay.Stop()

	if got := publisher.publishedTo("orders"); len(got) != 0 {
		t.Errorf("deferred entry must not dispatch: %+v", got)
	}
}

func TestRelayCrashRecoveryResetsProcessing(t *testing.T) {
	store := newMockStore()
	publisher := newMockPublisher()

	entry := &Entry{
		ID:          "stuck",
		Message:     message.NewEvent("orders.Created", nil),
		Destination: "orders",
		Status:      StatusProcessing,
		MaxRetries:  1,
		CreatedAt:   time.Now(),
	}
	if err := store.Add(context.Background(), entry); err != nil {
		t.Fatal(err)
	}

	relay := NewRelay(store, publisher, testRelayConfig())
	relay.Start()
	defer relay.Stop()

	waitFor(t, 2*time.Second, func() bool {
		e := store.get("stuck")
		return e != nil && e.Status == StatusProcessed
	})
}
