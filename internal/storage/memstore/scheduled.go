package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.heromessaging.dev/internal/common/apperr"
	"go.heromessaging.dev/internal/scheduler"
)

// ScheduledStore is the in-memory scheduler.Store.
type ScheduledStore struct {
	mu      sync.Mutex
	entries map[string]*scheduler.ScheduledMessage
}

// NewScheduledStore creates an empty scheduled-message store.
func NewScheduledStore() *ScheduledStore {
	return &ScheduledStore{entries: make(map[string]*scheduler.ScheduledMessage)}
}

func copyScheduled(sm *scheduler.ScheduledMessage) *scheduler.ScheduledMessage {
	copy := *sm
	return &copy
}

func (s *ScheduledStore) Add(_ context.Context, sm *scheduler.ScheduledMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[sm.ScheduleID]; exists {
		return apperr.Conflict(fmt.Sprintf("schedule %s already exists", sm.ScheduleID))
	}
	s.entries[sm.ScheduleID] = copyScheduled(sm)
	return nil
}

func (s *ScheduledStore) GetDue(_ context.Context, asOf time.Time, limit int) ([]*scheduler.ScheduledMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*scheduler.ScheduledMessage
	for _, sm := range s.entries {
		if sm.Status == scheduler.StatusPending && !sm.DeliverAt.After(asOf) {
			due = append(due, copyScheduled(sm))
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].DeliverAt.Equal(due[j].DeliverAt) {
			return due[i].DeliverAt.Before(due[j].DeliverAt)
		}
		return due[i].Priority > due[j].Priority
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (s *ScheduledStore) Get(_ context.Context, scheduleID string) (*scheduler.ScheduledMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sm, ok := s.entries[scheduleID]; ok {
		return copyScheduled(sm), nil
	}
	return nil, nil
}

// Claim takes dispatch ownership with a Pending -> Processing swap. A
// schedule cancelled between the due fetch and the claim loses here, so it
// is never delivered.
func (s *ScheduledStore) Claim(_ context.Context, scheduleID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sm, ok := s.entries[scheduleID]
	if !ok || sm.Status != scheduler.StatusPending {
		return false, nil
	}
	sm.Status = scheduler.StatusProcessing
	return true, nil
}

func (s *ScheduledStore) Cancel(_ context.Context, scheduleID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sm, ok := s.entries[scheduleID]
	if !ok || sm.Status != scheduler.StatusPending {
		return false, nil
	}
	sm.Status = scheduler.StatusCancelled
	return true, nil
}

func (s *ScheduledStore) MarkDelivered(_ context.Context, scheduleID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sm, ok := s.entries[scheduleID]
	if !ok {
		return apperr.NotFound(fmt.Sprintf("schedule %s not found", scheduleID))
	}
	if sm.Status != scheduler.StatusProcessing {
		return nil
	}
	now := time.Now()
	sm.Status = scheduler.StatusDelivered
	sm.DeliveredAt = &now
	return nil
}

func (s *ScheduledStore) MarkFailed(_ context.Context, scheduleID string, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sm, ok := s.entries[scheduleID]
	if !ok {
		return apperr.NotFound(fmt.Sprintf("schedule %s not found", scheduleID))
	}
	if sm.Status != scheduler.StatusProcessing {
		return nil
	}
	sm.Status = scheduler.StatusFailed
	sm.LastError = lastError
	return nil
}

func (s *ScheduledStore) GetPendingCount(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for _, sm := range s.entries {
		if sm.Status == scheduler.StatusPending {
			count++
		}
	}
	return count, nil
}

func (s *ScheduledStore) GetPending(_ context.Context, limit int) ([]*scheduler.ScheduledMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*scheduler.ScheduledMessage
	for _, sm := range s.entries {
		if sm.Status == scheduler.StatusPending {
			out = append(out, copyScheduled(sm))
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
