package policy

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.heromessaging.dev/internal/common/apperr"
	"go.heromessaging.dev/internal/message"
)

// mapIdempotencyStore is an in-memory IdempotencyStore for tests.
type mapIdempotencyStore struct {
	mu      sync.Mutex
	entries map[string]*IdempotencyResponse
}

func newMapIdempotencyStore() *mapIdempotencyStore {
	return &mapIdempotencyStore{entries: make(map[string]*IdempotencyResponse)}
}

func (s *mapIdempotencyStore) Get(_ context.Context, key string) (*IdempotencyResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.entries[key]
	if !ok || r.Expired(time.Now()) {
		return nil, nil
	}
	return r, nil
}

func (s *mapIdempotencyStore) StoreSuccess(_ context.Context, key string, payload []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	s.entries[key] = &IdempotencyResponse{
		Key: key, Status: OutcomeSuccess, Payload: payload,
		StoredAt: now, ExpiresAt: now.Add(ttl),
	}
	return nil
}

func (s *mapIdempotencyStore) StoreFailure(_ context.Context, key string, category apperr.Category, msg string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	s.entries[key] = &IdempotencyResponse{
		Key: key, Status: OutcomeFailure, FailureCategory: category, FailureMessage: msg,
		StoredAt: now, ExpiresAt: now.Add(ttl),
	}
	return nil
}

func (s *mapIdempotencyStore) Exists(ctx context.Context, key string) (bool, error) {
	r, err := s.Get(ctx, key)
	return r != nil, err
}

func (s *mapIdempotencyStore) CleanupExpired(context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	now := time.Now()
	for k, r := range s.entries {
		if r.Expired(now) {
			delete(s.entries, k)
			removed++
		}
	}
	return removed, nil
}

func TestMessageIDKeyStableAcrossRetries(t *testing.T) {
	msg := message.NewCommand("orders.Create", nil)
	k := MessageIDKey{}

	if k.Key(msg) != k.Key(msg) {
		t.Error("key must be stable for the same message")
	}
	other := message.NewCommand("orders.Create", nil)
	if k.Key(msg) == k.Key(other) {
		t.Error("distinct messages must have distinct keys")
	}
}

func TestContentHashKey(t *testing.T) {
	k := ContentHashKey{}
	a := message.NewCommand("orders.Create", map[string]int{"total": 50})
	b := message.NewCommand("orders.Create", map[string]int{"total": 50})
	c := message.NewCommand("orders.Create", map[string]int{"total": 60})

	if k.Key(a) != k.Key(b) {
		t.Error("identical content must hash to the same key")
	}
	if k.Key(a) == k.Key(c) {
		t.Error("different content must hash differently")
	}
}

func TestMetadataKeyProjection(t *testing.T) {
	k := MetadataKey{Fields: []string{"orderId", "tenant"}}
	a := message.NewCommand("orders.Create", nil,
		message.WithMetadata("orderId", "O1"),
		message.WithMetadata("tenant", "acme"))
	b := message.NewCommand("orders.Create", nil,
		message.WithMetadata("tenant", "acme"),
		message.WithMetadata("orderId", "O1"))

	if k.Key(a) != k.Key(b) {
		t.Error("field order must not affect the composite key")
	}
}

func TestCheckerRoundTrip(t *testing.T) {
	store := newMapIdempotencyStore()
	checker := NewIdempotencyChecker(store, MessageIDKey{}, DefaultIdempotencyConfig())
	ctx := context.Background()

	msg := message.NewCommand("orders.Create", nil)
	key := checker.KeyFor(msg)

	if r, _ := checker.Lookup(ctx, key); r != nil {
		t.Fatal("expected miss before store")
	}

	if err := checker.RecordSuccess(ctx, key, []byte(`"R"`)); err != nil {
		t.Fatal(err)
	}

	r, err := checker.Lookup(ctx, key)
	if err != nil || r == nil {
		t.Fatalf("expected hit: %v %v", r, err)
	}
	if r.Status != OutcomeSuccess || string(r.Payload) != `"R"` {
		t.Errorf("unexpected stored response: %+v", r)
	}
}

func TestFailureCachingOptIn(t *testing.T) {
	store := newMapIdempotencyStore()
	cfg := DefaultIdempotencyConfig()
	cfg.CacheFailures = true
	checker := NewIdempotencyChecker(store, MessageIDKey{}, cfg)
	ctx := context.Background()

	// Transient failures are never cached.
	cached, err := checker.RecordFailure(ctx, "k1", apperr.Transient("io", nil))
	if err != nil || cached {
		t.Errorf("transient failure must not cache: cached=%v err=%v", cached, err)
	}

	// Validation failures are cached and reconstructed on replay.
	cached, err = checker.RecordFailure(ctx, "k2", apperr.Validation("total must be positive"))
	if err != nil || !cached {
		t.Fatalf("validation failure should cache: cached=%v err=%v", cached, err)
	}

	r, _ := checker.Lookup(ctx, "k2")
	if r == nil || r.Status != OutcomeFailure {
		t.Fatal("expected stored failure")
	}
	replayed := r.Reconstruct()
	if apperr.CategoryOf(replayed) != apperr.CategoryValidation {
		t.Errorf("reconstructed failure category = %v", apperr.CategoryOf(replayed))
	}
}

func TestFailureCachingDisabledByDefault(t *testing.T) {
	store := newMapIdempotencyStore()
	checker := NewIdempotencyChecker(store, nil, DefaultIdempotencyConfig())

	cached, _ := checker.RecordFailure(context.Background(), "k", apperr.Validation("bad"))
	if cached {
		t.Error("failure caching must be opt-in")
	}
}

func TestExpiredLookupBehavesAsAbsent(t *testing.T) {
	store := newMapIdempotencyStore()
	cfg := DefaultIdempotencyConfig()
	cfg.TTLSuccess = -time.Second // already expired when stored
	checker := NewIdempotencyChecker(store, nil, cfg)
	ctx := context.Background()

	_ = checker.RecordSuccess(ctx, "k", []byte("x"))
	if r, _ := checker.Lookup(ctx, "k"); r != nil {
		t.Error("expired entry must behave as not-present")
	}
}
