package saga

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.heromessaging.dev/internal/common/apperr"
	"go.heromessaging.dev/internal/message"
)

// mockRepo is an in-memory Repository with version CAS. Every accepted save
// records the version it produced so tests can assert monotonicity.
type mockRepo struct {
	mu        sync.Mutex
	instances map[string]*Instance // by id
	history   map[string][]int64   // id -> accepted versions in order

	// failSaves injects a Conflict on the next n non-insert saves
	failSaves int
}

func newMockRepo() *mockRepo {
	return &mockRepo{
		instances: make(map[string]*Instance),
		history:   make(map[string][]int64),
	}
}

func cloneInstance(in *Instance) *Instance {
	out := *in
	if in.Data != nil {
		out.Data = make(map[string]any, len(in.Data))
		for k, v := range in.Data {
			out.Data[k] = v
		}
	}
	if in.Timeouts != nil {
		out.Timeouts = make(map[string]string, len(in.Timeouts))
		for k, v := range in.Timeouts {
			out.Timeouts[k] = v
		}
	}
	out.Compensations = append([]CompensationRecord(nil), in.Compensations...)
	return &out
}

func (r *mockRepo) FindByID(_ context.Context, id string) (*Instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if inst, ok := r.instances[id]; ok {
		return cloneInstance(inst), nil
	}
	return nil, nil
}

func (r *mockRepo) FindByCorrelation(_ context.Context, sagaType, correlationID string) (*Instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, inst := range r.instances {
		if inst.SagaType == sagaType && inst.CorrelationID == correlationID && !inst.Completed {
			return cloneInstance(inst), nil
		}
	}
	return nil, nil
}

func (r *mockRepo) Save(_ context.Context, instance *Instance, expectedVersion int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if expectedVersion == 0 {
		for _, existing := range r.instances {
			if existing.SagaType == instance.SagaType &&
				existing.CorrelationID == instance.CorrelationID && !existing.Completed {
				return apperr.Conflict("instance already exists")
			}
		}
	} else {
		if r.failSaves > 0 {
			r.failSaves--
			return apperr.Conflict("injected version race")
		}
		stored, ok := r.instances[instance.ID]
		if !ok {
			return apperr.NotFound("instance not found")
		}
		if stored.Version != expectedVersion {
			return apperr.Conflict("version moved")
		}
	}

	instance.Version = expectedVersion + 1
	r.instances[instance.ID] = cloneInstance(instance)
	r.history[instance.ID] = append(r.history[instance.ID], instance.Version)
	return nil
}

func (r *mockRepo) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.instances, id)
	return nil
}

func (r *mockRepo) only() *Instance {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, inst := range r.instances {
		return cloneInstance(inst)
	}
	return nil
}

func (r *mockRepo) versionsOf(id string) []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.history[id]...)
}

// recordingPublisher collects messages emitted by transitions.
type recordingPublisher struct {
	mu   sync.Mutex
	msgs []*message.Message
}

func (p *recordingPublisher) Publish(_ context.Context, msg *message.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, msg)
	return nil
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, m := range p.msgs {
		out = append(out, m.Type)
	}
	return out
}

// fakeScheduler records schedule and cancel calls.
type fakeScheduler struct {
	mu        sync.Mutex
	scheduled map[string]*message.Message
	cancelled []string
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{scheduled: make(map[string]*message.Message)}
}

func (s *fakeScheduler) Schedule(_ context.Context, msg *message.Message, _ time.Time) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := "sched-" + msg.Type
	s.scheduled[id] = msg
	return id, nil
}

func (s *fakeScheduler) Cancel(_ context.Context, scheduleID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelled = append(s.cancelled, scheduleID)
	return nil
}

func (s *fakeScheduler) cancelledIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.cancelled...)
}

func orderEvent(eventType, orderID string) *message.Message {
	return message.NewEvent(eventType, nil, message.WithMetadata("orderId", orderID))
}

// A two-step order saga: create on OrderCreated, complete on
// PaymentReceived. Creation, first transition and completion each persist,
// so the final version is at least 3.
func TestHappyPathCompletes(t *testing.T) {
	repo := newMockRepo()
	engine := NewEngine(repo, nil, nil, DefaultEngineConfig())
	ctx := context.Background()

	def := NewDefinition("OrderSaga")
	def.Initially("orders.OrderCreated", CorrelateBy("orderId")).
		Copy("orderId").
		TransitionTo("AwaitingPayment")
	def.InState("AwaitingPayment").
		On("payments.PaymentReceived", CorrelateBy("orderId")).
		TransitionTo("Completed")
	def.Final("Completed")

	if err := engine.Register(def); err != nil {
		t.Fatal(err)
	}

	if err := engine.HandleEvent(ctx, orderEvent("orders.OrderCreated", "O1")); err != nil {
		t.Fatalf("OrderCreated: %v", err)
	}
	if err := engine.HandleEvent(ctx, orderEvent("payments.PaymentReceived", "O1")); err != nil {
		t.Fatalf("PaymentReceived: %v", err)
	}

	inst := repo.only()
	if inst == nil {
		t.Fatal("no instance persisted")
	}
	if inst.State != "Completed" || !inst.Completed {
		t.Errorf("state = %q completed = %v, want Completed/true", inst.State, inst.Completed)
	}
	if inst.Version < 3 {
		t.Errorf("version = %d, want >= 3", inst.Version)
	}
	if inst.CorrelationID != "O1" {
		t.Errorf("correlationId = %q", inst.CorrelationID)
	}
	if got := inst.Data["orderId"]; got != "O1" {
		t.Errorf("copied data orderId = %v", got)
	}

	versions := repo.versionsOf(inst.ID)
	for i, v := range versions {
		if v != int64(i+1) {
			t.Fatalf("versions not strictly increasing by one: %v", versions)
		}
	}
}

// Aborting after two forward steps runs their compensations in reverse
// registration order, each exactly once, and the instance ends Failed.
func TestAbortCompensatesInReverseOrder(t *testing.T) {
	repo := newMockRepo()
	engine := NewEngine(repo, nil, nil, DefaultEngineConfig())
	ctx := context.Background()

	var mu sync.Mutex
	var unwound []string
	record := func(name string) CompensationHandler {
		return func(context.Context, *Instance) error {
			mu.Lock()
			defer mu.Unlock()
			unwound = append(unwound, name)
			return nil
		}
	}

	def := NewDefinition("OrderSaga").
		Compensation("RefundPayment", record("RefundPayment")).
		Compensation("ReleaseInventory", record("ReleaseInventory"))
	def.Initially("orders.OrderCreated", CorrelateBy("orderId")).
		Compensate("RefundPayment").
		TransitionTo("AwaitingInventory")
	def.InState("AwaitingInventory").
		On("inventory.Reserved", CorrelateBy("orderId")).
		Compensate("ReleaseInventory").
		TransitionTo("AwaitingShipment")
	def.InState("AwaitingShipment").
		On("shipping.Failed", CorrelateBy("orderId")).
		Do(func(context.Context, *Step) error {
			return Abort(errors.New("no carrier available"))
		})

	if err := engine.Register(def); err != nil {
		t.Fatal(err)
	}

	for _, eventType := range []string{"orders.OrderCreated", "inventory.Reserved", "shipping.Failed"} {
		if err := engine.HandleEvent(ctx, orderEvent(eventType, "O1")); err != nil {
			t.Fatalf("%s: %v", eventType, err)
		}
	}

	mu.Lock()
	got := append([]string(nil), unwound...)
	mu.Unlock()
	want := []string{"ReleaseInventory", "RefundPayment"}
	if len(got) != len(want) {
		t.Fatalf("compensations = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("compensations = %v, want %v", got, want)
		}
	}

	inst := repo.only()
	if inst.State != StateFailed || !inst.Completed {
		t.Errorf("state = %q completed = %v, want Failed/true", inst.State, inst.Completed)
	}
	for _, rec := range inst.Compensations {
		if !rec.Invoked {
			t.Errorf("compensation %s not marked invoked", rec.Name)
		}
	}
}

// A compensation that keeps failing parks the instance in
// CompensationFailed.
func TestCompensationFailureIsTerminal(t *testing.T) {
	repo := newMockRepo()
	cfg := DefaultEngineConfig()
	cfg.CompensationRetries = 2
	cfg.CompensationTimeout = time.Second
	engine := NewEngine(repo, nil, nil, cfg)
	ctx := context.Background()

	attempts := 0
	def := NewDefinition("OrderSaga").
		Compensation("RefundPayment", func(context.Context, *Instance) error {
			attempts++
			return errors.New("refund endpoint down")
		})
	def.Initially("orders.OrderCreated", CorrelateBy("orderId")).
		Compensate("RefundPayment").
		TransitionTo("AwaitingInventory")
	def.InState("AwaitingInventory").
		On("inventory.Failed", CorrelateBy("orderId")).
		Do(func(context.Context, *Step) error {
			return Abort(errors.New("out of stock"))
		})

	if err := engine.Register(def); err != nil {
		t.Fatal(err)
	}
	_ = engine.HandleEvent(ctx, orderEvent("orders.OrderCreated", "O1"))
	if err := engine.HandleEvent(ctx, orderEvent("inventory.Failed", "O1")); err != nil {
		t.Fatalf("abort path should persist terminal state, got %v", err)
	}

	if attempts != 2 {
		t.Errorf("compensation attempts = %d, want 2", attempts)
	}
	inst := repo.only()
	if inst.State != StateCompensationFailed || !inst.Completed {
		t.Errorf("state = %q completed = %v, want CompensationFailed/true", inst.State, inst.Completed)
	}
	if inst.Compensations[0].Error == "" {
		t.Error("compensation record should carry the failure")
	}
}

// A lost version race replays the step against fresh state and succeeds
// within the retry budget.
func TestVersionConflictReplays(t *testing.T) {
	repo := newMockRepo()
	engine := NewEngine(repo, nil, nil, &EngineConfig{
		ConflictRetries:     3,
		ConflictBackoff:     time.Millisecond,
		CompensationRetries: 1,
		CompensationTimeout: time.Second,
	})
	ctx := context.Background()

	def := NewDefinition("OrderSaga")
	def.Initially("orders.OrderCreated", CorrelateBy("orderId")).
		TransitionTo("AwaitingPayment")
	def.InState("AwaitingPayment").
		On("payments.PaymentReceived", CorrelateBy("orderId")).
		TransitionTo("Completed")
	def.Final("Completed")

	if err := engine.Register(def); err != nil {
		t.Fatal(err)
	}
	if err := engine.HandleEvent(ctx, orderEvent("orders.OrderCreated", "O1")); err != nil {
		t.Fatal(err)
	}

	repo.mu.Lock()
	repo.failSaves = 2
	repo.mu.Unlock()

	if err := engine.HandleEvent(ctx, orderEvent("payments.PaymentReceived", "O1")); err != nil {
		t.Fatalf("step should succeed within retry budget: %v", err)
	}
	if inst := repo.only(); inst.State != "Completed" {
		t.Errorf("state = %q, want Completed", inst.State)
	}
}

// Exhausting the conflict budget dead-letters the event.
func TestConflictExhaustionDeadLetters(t *testing.T) {
	repo := newMockRepo()

	var deadLettered []*message.Message
	cfg := &EngineConfig{
		ConflictRetries:     1,
		ConflictBackoff:     time.Millisecond,
		CompensationRetries: 1,
		CompensationTimeout: time.Second,
		DeadLetter: func(_ context.Context, msg *message.Message, _ error) {
			deadLettered = append(deadLettered, msg)
		},
	}
	engine := NewEngine(repo, nil, nil, cfg)
	ctx := context.Background()

	def := NewDefinition("OrderSaga")
	def.Initially("orders.OrderCreated", CorrelateBy("orderId")).
		TransitionTo("AwaitingPayment")
	def.InState("AwaitingPayment").
		On("payments.PaymentReceived", CorrelateBy("orderId")).
		TransitionTo("Completed")
	def.Final("Completed")

	if err := engine.Register(def); err != nil {
		t.Fatal(err)
	}
	if err := engine.HandleEvent(ctx, orderEvent("orders.OrderCreated", "O1")); err != nil {
		t.Fatal(err)
	}

	repo.mu.Lock()
	repo.failSaves = 10
	repo.mu.Unlock()

	err := engine.HandleEvent(ctx, orderEvent("payments.PaymentReceived", "O1"))
	if apperr.CategoryOf(err) != apperr.CategoryConflict {
		t.Fatalf("expected surfaced conflict, got %v", err)
	}
	if len(deadLettered) != 1 {
		t.Fatalf("dead letters = %d, want 1", len(deadLettered))
	}
}

// Events with no matching transition are ignored by default and the
// instance is untouched.
func TestUnmatchedEventIgnored(t *testing.T) {
	repo := newMockRepo()
	engine := NewEngine(repo, nil, nil, DefaultEngineConfig())
	ctx := context.Background()

	def := NewDefinition("OrderSaga")
	def.Initially("orders.OrderCreated", CorrelateBy("orderId")).
		TransitionTo("AwaitingPayment")
	def.InState("AwaitingPayment").
		On("payments.PaymentReceived", CorrelateBy("orderId")).
		TransitionTo("Completed")
	def.InState("Irrelevant").
		On("orders.OrderShipped", CorrelateBy("orderId")).
		TransitionTo("Completed")
	def.Final("Completed")

	if err := engine.Register(def); err != nil {
		t.Fatal(err)
	}
	_ = engine.HandleEvent(ctx, orderEvent("orders.OrderCreated", "O1"))
	before := repo.only().Version

	if err := engine.HandleEvent(ctx, orderEvent("orders.OrderShipped", "O1")); err != nil {
		t.Fatalf("unmatched event should be ignored: %v", err)
	}
	if after := repo.only().Version; after != before {
		t.Errorf("version moved %d -> %d on unmatched event", before, after)
	}
}

// Branch predicates choose the target state over the default.
func TestBranchPredicateWins(t *testing.T) {
	repo := newMockRepo()
	engine := NewEngine(repo, nil, nil, DefaultEngineConfig())
	ctx := context.Background()

	def := NewDefinition("OrderSaga")
	def.Initially("orders.OrderCreated", CorrelateBy("orderId")).
		Copy("amount").
		When(func(step *Step) bool { return step.Get("amount") == "0" }, "Completed").
		TransitionTo("AwaitingPayment")
	def.Final("Completed")

	if err := engine.Register(def); err != nil {
		t.Fatal(err)
	}

	free := message.NewEvent("orders.OrderCreated", nil,
		message.WithMetadata("orderId", "O1"),
		message.WithMetadata("amount", "0"))
	if err := engine.HandleEvent(ctx, free); err != nil {
		t.Fatal(err)
	}

	inst := repo.only()
	if inst.State != "Completed" || !inst.Completed {
		t.Errorf("zero-amount order should complete immediately, got %q", inst.State)
	}
}

// Messages published by a transition are emitted only after the transition
// persisted.
func TestTransitionPublishesAfterPersist(t *testing.T) {
	repo := newMockRepo()
	publisher := &recordingPublisher{}
	engine := NewEngine(repo, publisher, nil, DefaultEngineConfig())
	ctx := context.Background()

	def := NewDefinition("OrderSaga")
	def.Initially("orders.OrderCreated", CorrelateBy("orderId")).
		Publish(func(step *Step) []*message.Message {
			return []*message.Message{
				step.Event.Follow(message.KindEvent, "orders.SagaStarted", nil),
			}
		}).
		TransitionTo("AwaitingPayment")

	if err := engine.Register(def); err != nil {
		t.Fatal(err)
	}
	if err := engine.HandleEvent(ctx, orderEvent("orders.OrderCreated", "O1")); err != nil {
		t.Fatal(err)
	}

	types := publisher.types()
	if len(types) != 1 || types[0] != "orders.SagaStarted" {
		t.Errorf("published = %v", types)
	}
}

// A requested timeout is scheduled, and advancing the state cancels it.
func TestTimeoutCancelledOnAdvance(t *testing.T) {
	repo := newMockRepo()
	sched := newFakeScheduler()
	engine := NewEngine(repo, nil, sched, DefaultEngineConfig())
	ctx := context.Background()

	def := NewDefinition("OrderSaga")
	def.Initially("orders.OrderCreated", CorrelateBy("orderId")).
		Do(func(_ context.Context, step *Step) error {
			step.RequestTimeout("orders.PaymentTimeout", time.Hour)
			return nil
		}).
		TransitionTo("AwaitingPayment")
	def.InState("AwaitingPayment").
		On("payments.PaymentReceived", CorrelateBy("orderId")).
		TransitionTo("Completed")
	def.Final("Completed")

	if err := engine.Register(def); err != nil {
		t.Fatal(err)
	}
	if err := engine.HandleEvent(ctx, orderEvent("orders.OrderCreated", "O1")); err != nil {
		t.Fatal(err)
	}

	inst := repo.only()
	if inst.Timeouts["orders.PaymentTimeout"] == "" {
		t.Fatal("timeout schedule id not persisted")
	}

	if err := engine.HandleEvent(ctx, orderEvent("payments.PaymentReceived", "O1")); err != nil {
		t.Fatal(err)
	}
	cancelled := sched.cancelledIDs()
	if len(cancelled) != 1 || cancelled[0] != "sched-orders.PaymentTimeout" {
		t.Errorf("cancelled = %v, want the pending payment timeout", cancelled)
	}
}

// Two registrations of the same saga name conflict.
func TestRegisterDuplicateName(t *testing.T) {
	engine := NewEngine(newMockRepo(), nil, nil, DefaultEngineConfig())

	def := NewDefinition("OrderSaga")
	def.Initially("orders.OrderCreated", CorrelateBy("orderId")).TransitionTo("AwaitingPayment")

	if err := engine.Register(def); err != nil {
		t.Fatal(err)
	}
	err := engine.Register(NewDefinition("OrderSaga"))
	if apperr.CategoryOf(err) != apperr.CategoryConflict {
		t.Errorf("duplicate registration should conflict, got %v", err)
	}
}
