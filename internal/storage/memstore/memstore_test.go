package memstore

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.heromessaging.dev/internal/common/apperr"
	"go.heromessaging.dev/internal/inbox"
	"go.heromessaging.dev/internal/message"
	"go.heromessaging.dev/internal/outbox"
	"go.heromessaging.dev/internal/saga"
	"go.heromessaging.dev/internal/scheduler"
	"go.heromessaging.dev/internal/storage"
)

func TestMessageStoreTTLExpiryAtRead(t *testing.T) {
	store := NewMessageStore()
	ctx := context.Background()

	msg := message.NewEvent("orders.Created", nil)
	if err := store.Store(ctx, "events", msg, 20*time.Millisecond); err != nil {
		t.Fatal(err)
	}

	if got, _ := store.Get(ctx, "events", msg.ID); got == nil {
		t.Fatal("message should be readable before expiry")
	}

	time.Sleep(30 * time.Millisecond)

	if got, _ := store.Get(ctx, "events", msg.ID); got != nil {
		t.Error("expired message must read as absent")
	}
	if exists, _ := store.Exists(ctx, "events", msg.ID); exists {
		t.Error("expired message must not exist")
	}
	if count, _ := store.Count(ctx, "events"); count != 0 {
		t.Errorf("count = %d, want 0", count)
	}
}

func TestMessageStoreQueryFiltersAndPages(t *testing.T) {
	store := NewMessageStore()
	ctx := context.Background()

	for i, tenant := range []string{"acme", "acme", "globex", "acme"} {
		msg := message.NewEvent("orders.Created", nil, message.WithMetadata("tenant", tenant))
		if err := store.Store(ctx, "events", msg, 0); err != nil {
			t.Fatal(err)
		}
		// Distinct StoredAt values keep the ordering deterministic.
		_ = i
		time.Sleep(2 * time.Millisecond)
	}

	got, err := store.Query(ctx, storage.Query{
		Collection: "events",
		Metadata:   map[string]string{"tenant": "acme"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("matched = %d, want 3", len(got))
	}

	paged, err := store.Query(ctx, storage.Query{
		Collection: "events",
		Metadata:   map[string]string{"tenant": "acme"},
		Offset:     1,
		Limit:      1,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(paged) != 1 || paged[0].ID != got[1].ID {
		t.Errorf("paging broke ordering: %v", paged)
	}
}

func TestMessageStoreDuplicateInsertConflicts(t *testing.T) {
	store := NewMessageStore()
	ctx := context.Background()

	msg := message.NewEvent("orders.Created", nil)
	if err := store.Store(ctx, "events", msg, 0); err != nil {
		t.Fatal(err)
	}
	err := store.Store(ctx, "events", msg, 0)
	if apperr.CategoryOf(err) != apperr.CategoryConflict {
		t.Errorf("duplicate insert should conflict, got %v", err)
	}
}

// getPending never returns deferred entries, orders priority desc then
// createdAt asc, and a claimed entry can be claimed exactly once.
func TestOutboxEligibilityAndClaim(t *testing.T) {
	store := NewOutboxStore()
	ctx := context.Background()

	base := time.Now()
	future := base.Add(time.Hour)
	entries := []*outbox.Entry{
		{ID: "deferred", Destination: "orders", Status: outbox.StatusPending, NextRetryAt: &future, CreatedAt: base},
		{ID: "low-old", Destination: "orders", Priority: 0, Status: outbox.StatusPending, CreatedAt: base.Add(1 * time.Millisecond)},
		{ID: "high", Destination: "orders", Priority: 5, Status: outbox.StatusPending, CreatedAt: base.Add(2 * time.Millisecond)},
		{ID: "low-new", Destination: "orders", Priority: 0, Status: outbox.StatusPending, CreatedAt: base.Add(3 * time.Millisecond)},
	}
	for _, e := range entries {
		e.Message = message.NewEvent("orders.Created", nil)
		if err := store.Add(ctx, e); err != nil {
			t.Fatal(err)
		}
	}

	pending, err := store.GetPending(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"high", "low-old", "low-new"}
	if len(pending) != len(want) {
		t.Fatalf("pending = %d entries, want %d", len(pending), len(want))
	}
	for i, e := range pending {
		if e.ID != want[i] {
			t.Fatalf("order = %v, want %v", pending, want)
		}
	}

	// Concurrent claims on one entry: exactly one wins.
	var wg sync.WaitGroup
	wins := make(chan bool, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := store.Claim(ctx, "high")
			if err != nil {
				t.Error(err)
			}
			wins <- ok
		}()
	}
	wg.Wait()
	close(wins)

	claimed := 0
	for ok := range wins {
		if ok {
			claimed++
		}
	}
	if claimed != 1 {
		t.Errorf("claims won = %d, want 1", claimed)
	}

	// A claimed entry no longer shows as pending.
	pending, _ = store.GetPending(ctx, 10)
	for _, e := range pending {
		if e.ID == "high" {
			t.Error("claimed entry returned by getPending")
		}
	}
}

// Stuck-entry recovery measures age from the claim. An old entry freshly
// claimed must not be reset while its worker is publishing it.
func TestOutboxResetStuckAgesFromClaim(t *testing.T) {
	store := NewOutboxStore()
	ctx := context.Background()

	entry := &outbox.Entry{
		ID:          "E1",
		Message:     message.NewEvent("orders.Created", nil),
		Destination: "orders",
		Status:      outbox.StatusPending,
		CreatedAt:   time.Now().Add(-time.Hour),
	}
	if err := store.Add(ctx, entry); err != nil {
		t.Fatal(err)
	}
	if ok, _ := store.Claim(ctx, "E1"); !ok {
		t.Fatal("claim should win")
	}

	reset, err := store.ResetStuckProcessing(ctx, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if reset != 0 {
		t.Errorf("fresh claim reset by recovery sweep: %d entries", reset)
	}

	// Once the claim itself is older than the threshold, recovery applies.
	time.Sleep(20 * time.Millisecond)
	reset, _ = store.ResetStuckProcessing(ctx, 10*time.Millisecond)
	if reset != 1 {
		t.Errorf("stale claim not recovered: %d entries", reset)
	}
	pending, _ := store.GetPending(ctx, 10)
	if len(pending) != 1 || pending[0].ID != "E1" {
		t.Errorf("recovered entry not pending: %v", pending)
	}
}

// A schedule claimed for delivery can no longer be cancelled, and a
// cancelled schedule can no longer be claimed.
func TestScheduledClaimAndCancelExclusive(t *testing.T) {
	store := NewScheduledStore()
	ctx := context.Background()

	add := func(id string) {
		t.Helper()
		err := store.Add(ctx, &scheduler.ScheduledMessage{
			ScheduleID: id,
			Message:    message.NewCommand("orders.Expire", nil),
			DeliverAt:  time.Now(),
			Status:     scheduler.StatusPending,
			CreatedAt:  time.Now(),
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	add("S1")
	if ok, _ := store.Claim(ctx, "S1"); !ok {
		t.Fatal("first claim should win")
	}
	if ok, _ := store.Claim(ctx, "S1"); ok {
		t.Error("second claim must lose")
	}
	if ok, _ := store.Cancel(ctx, "S1"); ok {
		t.Error("cancel after claim must lose")
	}
	if err := store.MarkDelivered(ctx, "S1"); err != nil {
		t.Fatal(err)
	}
	sm, _ := store.Get(ctx, "S1")
	if sm.Status != scheduler.StatusDelivered {
		t.Errorf("status = %v, want Delivered", sm.Status)
	}

	add("S2")
	if ok, _ := store.Cancel(ctx, "S2"); !ok {
		t.Fatal("cancel of a pending schedule should win")
	}
	if ok, _ := store.Claim(ctx, "S2"); ok {
		t.Error("claim after cancel must lose")
	}
	// A stale mark from a worker that never held the claim is a no-op.
	if err := store.MarkDelivered(ctx, "S2"); err != nil {
		t.Fatal(err)
	}
	sm, _ = store.Get(ctx, "S2")
	if sm.Status != scheduler.StatusCancelled {
		t.Errorf("status = %v, want Cancelled", sm.Status)
	}
}

// Saga versions increase strictly by one per accepted save; a stale save
// conflicts and mutates nothing.
func TestSagaVersionCAS(t *testing.T) {
	repo := NewSagaRepository()
	ctx := context.Background()

	inst := &saga.Instance{
		ID:            "I1",
		SagaType:      "OrderSaga",
		CorrelationID: "O1",
		Data:          map[string]any{},
	}
	if err := repo.Save(ctx, inst, 0); err != nil {
		t.Fatal(err)
	}
	if inst.Version != 1 {
		t.Fatalf("version after insert = %d, want 1", inst.Version)
	}

	// Two readers race an update; the second save is stale.
	a, _ := repo.FindByID(ctx, "I1")
	b, _ := repo.FindByID(ctx, "I1")

	a.State = "AwaitingPayment"
	if err := repo.Save(ctx, a, 1); err != nil {
		t.Fatal(err)
	}
	if a.Version != 2 {
		t.Fatalf("version after update = %d, want 2", a.Version)
	}

	b.State = "SomewhereElse"
	err := repo.Save(ctx, b, 1)
	if apperr.CategoryOf(err) != apperr.CategoryConflict {
		t.Fatalf("stale save should conflict, got %v", err)
	}

	stored, _ := repo.FindByID(ctx, "I1")
	if stored.State != "AwaitingPayment" || stored.Version != 2 {
		t.Errorf("losing save leaked: %+v", stored)
	}
}

func TestSagaDuplicateLiveCorrelationConflicts(t *testing.T) {
	repo := NewSagaRepository()
	ctx := context.Background()

	first := &saga.Instance{ID: "I1", SagaType: "OrderSaga", CorrelationID: "O1"}
	if err := repo.Save(ctx, first, 0); err != nil {
		t.Fatal(err)
	}

	second := &saga.Instance{ID: "I2", SagaType: "OrderSaga", CorrelationID: "O1"}
	err := repo.Save(ctx, second, 0)
	if apperr.CategoryOf(err) != apperr.CategoryConflict {
		t.Errorf("second live instance should conflict, got %v", err)
	}

	// Completing the first frees the correlation id for reuse.
	first.Completed = true
	if err := repo.Save(ctx, first, 1); err != nil {
		t.Fatal(err)
	}
	if err := repo.Save(ctx, second, 0); err != nil {
		t.Errorf("correlation id should be reusable after completion: %v", err)
	}
}

// Processed and Failed entries age on separate retention knobs; a zero
// failed retention keeps failures for replay until purged.
func TestInboxCleanupSeparateRetentions(t *testing.T) {
	store := NewInboxStore()
	ctx := context.Background()

	old := time.Now().Add(-time.Hour)
	entries := []*inbox.Entry{
		{MessageID: "old-processed", Status: inbox.StatusProcessed, ReceivedAt: old, DeduplicationKey: "old-processed"},
		{MessageID: "old-failed", Status: inbox.StatusFailed, ReceivedAt: old, DeduplicationKey: "old-failed"},
		{MessageID: "fresh-processed", Status: inbox.StatusProcessed, ReceivedAt: time.Now(), DeduplicationKey: "fresh-processed"},
	}
	for _, e := range entries {
		if err := store.Add(ctx, e); err != nil {
			t.Fatal(err)
		}
	}

	removed, err := store.CleanupOldEntries(ctx, time.Minute, 0)
	if err != nil {
		t.Fatal(err)
	}
	if removed != 1 {
		t.Errorf("removed %d entries, want only the old processed one", removed)
	}
	if e, _ := store.Get(ctx, "old-failed"); e == nil {
		t.Error("failed entry must outlive the processed retention when its own knob is zero")
	}
	if e, _ := store.Get(ctx, "fresh-processed"); e == nil {
		t.Error("fresh processed entry swept early")
	}

	removed, _ = store.CleanupOldEntries(ctx, time.Minute, time.Minute)
	if removed != 1 {
		t.Errorf("removed %d entries, want the old failed one", removed)
	}
	if e, _ := store.Get(ctx, "old-failed"); e != nil {
		t.Error("failed entry should age out once retention_failed is set")
	}
}

func TestIdempotencyExpiry(t *testing.T) {
	store := NewIdempotencyStore()
	ctx := context.Background()

	if err := store.StoreSuccess(ctx, "K1", []byte(`"ok"`), 20*time.Millisecond); err != nil {
		t.Fatal(err)
	}
	if resp, _ := store.Get(ctx, "K1"); resp == nil {
		t.Fatal("fresh entry should be readable")
	}

	time.Sleep(30 * time.Millisecond)

	if resp, _ := store.Get(ctx, "K1"); resp != nil {
		t.Error("expired entry must read as absent")
	}

	_ = store.StoreFailure(ctx, "K2", apperr.CategoryValidation, "bad input", 10*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	removed, _ := store.CleanupExpired(ctx)
	if removed != 1 {
		t.Errorf("cleanup removed %d, want 1", removed)
	}
}

func TestQueuePriorityAndFIFO(t *testing.T) {
	store := NewQueueStore()
	ctx := context.Background()

	if err := store.CreateQueue(ctx, "work", nil); err != nil {
		t.Fatal(err)
	}

	ids := make(map[string]string)
	for _, spec := range []struct {
		name     string
		priority int
	}{
		{"low-1", 0}, {"high", 5}, {"low-2", 0},
	} {
		msg := message.NewCommand("work.Do", nil, message.WithID(spec.name))
		id, err := store.Enqueue(ctx, "work", msg, storage.EnqueueOptions{Priority: spec.priority})
		if err != nil {
			t.Fatal(err)
		}
		ids[spec.name] = id
		time.Sleep(2 * time.Millisecond)
	}

	var got []string
	for i := 0; i < 3; i++ {
		qm, err := store.Dequeue(ctx, "work", time.Minute)
		if err != nil {
			t.Fatal(err)
		}
		if qm == nil {
			t.Fatal("queue drained early")
		}
		got = append(got, qm.Message.ID)
		if err := store.Acknowledge(ctx, "work", qm.ID); err != nil {
			t.Fatal(err)
		}
	}

	want := []string{"high", "low-1", "low-2"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("dequeue order = %v, want %v", got, want)
		}
	}

	if depth, _ := store.Depth(ctx, "work"); depth != 0 {
		t.Errorf("depth after drain = %d, want 0", depth)
	}
}

func TestQueueDelayedEntryInvisible(t *testing.T) {
	store := NewQueueStore()
	ctx := context.Background()
	_ = store.CreateQueue(ctx, "work", nil)

	if _, err := store.Enqueue(ctx, "work", message.NewCommand("work.Do", nil),
		storage.EnqueueOptions{Delay: 40 * time.Millisecond}); err != nil {
		t.Fatal(err)
	}

	if qm, _ := store.Dequeue(ctx, "work", time.Minute); qm != nil {
		t.Fatal("delayed entry must not dequeue early")
	}

	time.Sleep(50 * time.Millisecond)
	if qm, _ := store.Dequeue(ctx, "work", time.Minute); qm == nil {
		t.Fatal("entry should dequeue after its delay")
	}
}

// A dequeued entry redelivers after the visibility timeout, with an
// incremented dequeue count.
func TestQueueVisibilityTimeoutRedelivers(t *testing.T) {
	store := NewQueueStore()
	ctx := context.Background()
	_ = store.CreateQueue(ctx, "work", nil)

	if _, err := store.Enqueue(ctx, "work", message.NewCommand("work.Do", nil), storage.EnqueueOptions{}); err != nil {
		t.Fatal(err)
	}

	first, err := store.Dequeue(ctx, "work", 20*time.Millisecond)
	if err != nil || first == nil {
		t.Fatalf("first dequeue: %v %v", first, err)
	}
	if first.DequeueCount != 1 {
		t.Errorf("dequeueCount = %d, want 1", first.DequeueCount)
	}

	// Still invisible.
	if qm, _ := store.Dequeue(ctx, "work", time.Minute); qm != nil {
		t.Fatal("in-flight entry must not redeliver before timeout")
	}

	time.Sleep(30 * time.Millisecond)
	second, _ := store.Dequeue(ctx, "work", time.Minute)
	if second == nil || second.DequeueCount != 2 {
		t.Fatalf("redelivery = %+v, want dequeueCount 2", second)
	}
}

// Entries that hit the max dequeue count land on the dead-letter queue.
func TestQueueMaxDequeueToDeadLetter(t *testing.T) {
	store := NewQueueStore()
	ctx := context.Background()
	_ = store.CreateQueue(ctx, "work", &storage.QueueConfig{MaxDequeueCount: 2})

	if _, err := store.Enqueue(ctx, "work", message.NewCommand("work.Do", nil), storage.EnqueueOptions{}); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 2; i++ {
		qm, err := store.Dequeue(ctx, "work", time.Millisecond)
		if err != nil || qm == nil {
			t.Fatalf("dequeue %d: %v %v", i, qm, err)
		}
		time.Sleep(5 * time.Millisecond)
	}

	// Third attempt finds the entry over its cap and dead-letters it.
	if qm, _ := store.Dequeue(ctx, "work", time.Minute); qm != nil {
		t.Fatalf("capped entry handed out: %+v", qm)
	}
	depth, err := store.Depth(ctx, "dlq.work")
	if err != nil || depth != 1 {
		t.Errorf("dlq depth = %d (%v), want 1", depth, err)
	}
}

func TestQueueRejectRequeueAndDeadLetter(t *testing.T) {
	store := NewQueueStore()
	ctx := context.Background()
	_ = store.CreateQueue(ctx, "work", nil)

	if _, err := store.Enqueue(ctx, "work", message.NewCommand("work.Do", nil, message.WithID("m1")), storage.EnqueueOptions{}); err != nil {
		t.Fatal(err)
	}

	qm, _ := store.Dequeue(ctx, "work", time.Minute)
	if err := store.Reject(ctx, "work", qm.ID, true); err != nil {
		t.Fatal(err)
	}

	// Requeued entry is immediately visible again.
	again, _ := store.Dequeue(ctx, "work", time.Minute)
	if again == nil || again.ID != qm.ID {
		t.Fatalf("requeued entry not redelivered: %+v", again)
	}

	if err := store.Reject(ctx, "work", again.ID, false); err != nil {
		t.Fatal(err)
	}
	if depth, _ := store.Depth(ctx, "work"); depth != 0 {
		t.Errorf("work depth = %d, want 0", depth)
	}
	if depth, _ := store.Depth(ctx, "dlq.work"); depth != 1 {
		t.Errorf("dlq depth = %d, want 1", depth)
	}
}

func TestQueueLifecycle(t *testing.T) {
	store := NewQueueStore()
	ctx := context.Background()

	if err := store.CreateQueue(ctx, "work", nil); err != nil {
		t.Fatal(err)
	}
	err := store.CreateQueue(ctx, "work", nil)
	if apperr.CategoryOf(err) != apperr.CategoryConflict {
		t.Errorf("duplicate create should conflict, got %v", err)
	}

	exists, _ := store.QueueExists(ctx, "work")
	if !exists {
		t.Error("queue should exist")
	}
	names, _ := store.ListQueues(ctx)
	if len(names) != 1 || names[0] != "work" {
		t.Errorf("queues = %v", names)
	}

	if err := store.DeleteQueue(ctx, "work"); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Enqueue(ctx, "work", message.NewCommand("work.Do", nil), storage.EnqueueOptions{}); apperr.CategoryOf(err) != apperr.CategoryNotFound {
		t.Errorf("enqueue to deleted queue should be NotFound, got %v", err)
	}
}
