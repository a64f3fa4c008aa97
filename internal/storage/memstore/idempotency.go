package memstore

import (
	"context"
	"sync"
	"time"

	"go.heromessaging.dev/internal/common/apperr"
	"go.heromessaging.dev/internal/policy"
)

// IdempotencyStore is the in-memory policy.IdempotencyStore. Expiry is
// enforced at read time; CleanupExpired reclaims memory.
type IdempotencyStore struct {
	mu        sync.Mutex
	responses map[string]*policy.IdempotencyResponse
}

// NewIdempotencyStore creates an empty idempotency store.
func NewIdempotencyStore() *IdempotencyStore {
	return &IdempotencyStore{responses: make(map[string]*policy.IdempotencyResponse)}
}

func (s *IdempotencyStore) Get(_ context.Context, key string) (*policy.IdempotencyResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	resp, ok := s.responses[key]
	if !ok {
		return nil, nil
	}
	if resp.Expired(time.Now()) {
		delete(s.responses, key)
		return nil, nil
	}
	copy := *resp
	return &copy, nil
}

func (s *IdempotencyStore) StoreSuccess(_ context.Context, key string, payload []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	s.responses[key] = &policy.IdempotencyResponse{
		Key:       key,
		Status:    policy.OutcomeSuccess,
		Payload:   append([]byte(nil), payload...),
		StoredAt:  now,
		ExpiresAt: now.Add(ttl),
	}
	return nil
}

func (s *IdempotencyStore) StoreFailure(_ context.Context, key string, category apperr.Category, message string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	s.responses[key] = &policy.IdempotencyResponse{
		Key:             key,
		Status:          policy.OutcomeFailure,
		FailureCategory: category,
		FailureMessage:  message,
		StoredAt:        now,
		ExpiresAt:       now.Add(ttl),
	}
	return nil
}

func (s *IdempotencyStore) Exists(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	resp, ok := s.responses[key]
	if !ok {
		return false, nil
	}
	if resp.Expired(time.Now()) {
		delete(s.responses, key)
		return false, nil
	}
	return true, nil
}

func (s *IdempotencyStore) CleanupExpired(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	removed := 0
	for key, resp := range s.responses {
		if resp.Expired(now) {
			delete(s.responses, key)
			removed++
		}
	}
	return removed, nil
}
