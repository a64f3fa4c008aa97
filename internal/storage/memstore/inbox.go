package memstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.heromessaging.dev/internal/common/apperr"
	"go.heromessaging.dev/internal/inbox"
)

// InboxStore is the in-memory inbox.Store. Duplicate rows are kept
// separately from first arrivals so the message-id index stays unique.
type InboxStore struct {
	mu         sync.Mutex
	entries    map[string]*inbox.Entry // first arrivals by message id
	duplicates []*inbox.Entry
}

// NewInboxStore creates an empty inbox store.
func NewInboxStore() *InboxStore {
	return &InboxStore{entries: make(map[string]*inbox.Entry)}
}

func copyInboxEntry(e *inbox.Entry) *inbox.Entry {
	copy := *e
	return &copy
}

func (s *InboxStore) Add(_ context.Context, entry *inbox.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.Status == inbox.StatusDuplicate {
		s.duplicates = append(s.duplicates, copyInboxEntry(entry))
		return nil
	}
	if _, exists := s.entries[entry.MessageID]; exists {
		return apperr.Conflict(fmt.Sprintf("inbox entry %s already exists", entry.MessageID))
	}
	s.entries[entry.MessageID] = copyInboxEntry(entry)
	return nil
}

func (s *InboxStore) IsDuplicate(_ context.Context, deduplicationKey string, window time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-window)
	for _, e := range s.entries {
		if e.DeduplicationKey == deduplicationKey && e.ReceivedAt.After(cutoff) {
			return true, nil
		}
	}
	return false, nil
}

func (s *InboxStore) Get(_ context.Context, messageID string) (*inbox.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[messageID]; ok {
		return copyInboxEntry(e), nil
	}
	return nil, nil
}

func (s *InboxStore) MarkProcessed(_ context.Context, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[messageID]
	if !ok {
		return apperr.NotFound(fmt.Sprintf("inbox entry %s not found", messageID))
	}
	now := time.Now()
	e.Status = inbox.StatusProcessed
	e.ProcessedAt = &now
	return nil
}

func (s *InboxStore) MarkFailed(_ context.Context, messageID string, handlerError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[messageID]
	if !ok {
		return apperr.NotFound(fmt.Sprintf("inbox entry %s not found", messageID))
	}
	e.Status = inbox.StatusFailed
	e.Error = handlerError
	return nil
}

func (s *InboxStore) GetUnprocessed(_ context.Context, limit int) ([]*inbox.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*inbox.Entry
	for _, e := range s.entries {
		if e.Status == inbox.StatusPending || e.Status == inbox.StatusFailed {
			out = append(out, copyInboxEntry(e))
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (s *InboxStore) CleanupOldEntries(_ context.Context, retentionProcessed, retentionFailed time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	processedCutoff := now.Add(-retentionProcessed)
	removed := 0
	for id, e := range s.entries {
		switch e.Status {
		case inbox.StatusProcessed:
			if e.ReceivedAt.Before(processedCutoff) {
				delete(s.entries, id)
				removed++
			}
		case inbox.StatusFailed:
			if retentionFailed > 0 && e.ReceivedAt.Before(now.Add(-retentionFailed)) {
				delete(s.entries, id)
				removed++
			}
		}
	}
	kept := s.duplicates[:0]
	for _, e := range s.duplicates {
		if e.ReceivedAt.Before(processedCutoff) {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	s.duplicates = kept
	return removed, nil
}

func (s *InboxStore) PurgeFailed(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, e := range s.entries {
		if e.Status == inbox.StatusFailed {
			delete(s.entries, id)
			removed++
		}
	}
	return removed, nil
}
