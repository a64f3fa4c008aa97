package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.heromessaging.dev/internal/common/apperr"
	"go.heromessaging.dev/internal/outbox"
)

// OutboxStore is the in-memory outbox.Store.
type OutboxStore struct {
	mu      sync.Mutex
	entries map[string]*outbox.Entry

	// claimedAt records when an entry entered Processing. Stuck-entry
	// recovery ages on the claim, not on CreatedAt, so a long-retrying
	// entry is not swept out from under the worker publishing it.
	claimedAt map[string]time.Time
}

// NewOutboxStore creates an empty outbox store.
func NewOutboxStore() *OutboxStore {
	return &OutboxStore{
		entries:   make(map[string]*outbox.Entry),
		claimedAt: make(map[string]time.Time),
	}
}

func copyEntry(e *outbox.Entry) *outbox.Entry {
	copy := *e
	return &copy
}

func (s *OutboxStore) Add(_ context.Context, entry *outbox.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[entry.ID]; exists {
		return apperr.Conflict(fmt.Sprintf("outbox entry %s already exists", entry.ID))
	}
	s.entries[entry.ID] = copyEntry(entry)
	return nil
}

func (s *OutboxStore) GetPending(_ context.Context, limit int) ([]*outbox.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	var eligible []*outbox.Entry
	for _, e := range s.entries {
		if e.Eligible(now) {
			eligible = append(eligible, copyEntry(e))
		}
	}
	sort.Slice(eligible, func(i, j int) bool {
		if eligible[i].Priority != eligible[j].Priority {
			return eligible[i].Priority > eligible[j].Priority
		}
		return eligible[i].CreatedAt.Before(eligible[j].CreatedAt)
	})
	if limit > 0 && len(eligible) > limit {
		eligible = eligible[:limit]
	}
	return eligible, nil
}

func (s *OutboxStore) Claim(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok || e.Status != outbox.StatusPending {
		return false, nil
	}
	e.Status = outbox.StatusProcessing
	s.claimedAt[id] = time.Now()
	return true, nil
}

func (s *OutboxStore) MarkProcessed(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return apperr.NotFound(fmt.Sprintf("outbox entry %s not found", id))
	}
	now := time.Now()
	e.Status = outbox.StatusProcessed
	e.ProcessedAt = &now
	delete(s.claimedAt, id)
	return nil
}

func (s *OutboxStore) MarkFailed(_ context.Context, id string, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return apperr.NotFound(fmt.Sprintf("outbox entry %s not found", id))
	}
	e.Status = outbox.StatusFailed
	e.LastError = lastError
	delete(s.claimedAt, id)
	return nil
}

func (s *OutboxStore) UpdateRetryCount(_ context.Context, id string, count int, nextRetryAt time.Time, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return apperr.NotFound(fmt.Sprintf("outbox entry %s not found", id))
	}
	e.Status = outbox.StatusPending
	e.RetryCount = count
	e.NextRetryAt = &nextRetryAt
	e.LastError = lastError
	delete(s.claimedAt, id)
	return nil
}

func (s *OutboxStore) GetPendingCount(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for _, e := range s.entries {
		if e.Status == outbox.StatusPending {
			count++
		}
	}
	return count, nil
}

func (s *OutboxStore) GetFailed(_ context.Context, limit int) ([]*outbox.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var failed []*outbox.Entry
	for _, e := range s.entries {
		if e.Status == outbox.StatusFailed {
			failed = append(failed, copyEntry(e))
		}
	}
	sort.Slice(failed, func(i, j int) bool {
		return failed[i].CreatedAt.Before(failed[j].CreatedAt)
	})
	if limit > 0 && len(failed) > limit {
		failed = failed[:limit]
	}
	return failed, nil
}

func (s *OutboxStore) ResetStuckProcessing(_ context.Context, maxAge time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	count := 0
	for id, e := range s.entries {
		if e.Status != outbox.StatusProcessing {
			continue
		}
		if at, ok := s.claimedAt[id]; maxAge > 0 && ok && at.After(cutoff) {
			continue
		}
		e.Status = outbox.StatusPending
		delete(s.claimedAt, id)
		count++
	}
	return count, nil
}
