package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.heromessaging.dev/internal/common/apperr"
	"go.heromessaging.dev/internal/message"
	"go.heromessaging.dev/internal/storage"
)

// MessageStore is the in-memory storage.MessageStore. TTL expiry is
// enforced at read time; expired records are dropped lazily when touched.
type MessageStore struct {
	mu          sync.Mutex
	collections map[string]map[string]*storage.Record
}

// NewMessageStore creates an empty message store.
func NewMessageStore() *MessageStore {
	return &MessageStore{
		collections: make(map[string]map[string]*storage.Record),
	}
}

func (s *MessageStore) collection(name string) map[string]*storage.Record {
	col, ok := s.collections[name]
	if !ok {
		col = make(map[string]*storage.Record)
		s.collections[name] = col
	}
	return col
}

// live returns the record if present and unexpired, dropping it when
// expired.
func (s *MessageStore) live(col map[string]*storage.Record, id string, now time.Time) *storage.Record {
	rec, ok := col[id]
	if !ok {
		return nil
	}
	if rec.Expired(now) {
		delete(col, id)
		return nil
	}
	return rec
}

func (s *MessageStore) Store(_ context.Context, collection string, msg *message.Message, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	col := s.collection(collection)
	now := time.Now()
	if s.live(col, msg.ID, now) != nil {
		return apperr.Conflict(fmt.Sprintf("message %s already stored in %s", msg.ID, collection))
	}

	rec := &storage.Record{
		Collection: collection,
		Message:    msg,
		StoredAt:   now,
	}
	if ttl > 0 {
		expires := now.Add(ttl)
		rec.ExpiresAt = &expires
	}
	col[msg.ID] = rec
	return nil
}

func (s *MessageStore) Get(_ context.Context, collection, id string) (*message.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec := s.live(s.collection(collection), id, time.Now()); rec != nil {
		return rec.Message, nil
	}
	return nil, nil
}

func (s *MessageStore) Query(_ context.Context, q storage.Query) ([]*message.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	col := s.collection(q.Collection)
	now := time.Now()

	var matched []*storage.Record
	for id := range col {
		rec := s.live(col, id, now)
		if rec == nil {
			continue
		}
		if q.From != nil && rec.StoredAt.Before(*q.From) {
			continue
		}
		if q.To != nil && !rec.StoredAt.Before(*q.To) {
			continue
		}
		if !metadataMatches(rec.Message, q.Metadata) {
			continue
		}
		matched = append(matched, rec)
	}

	sort.Slice(matched, func(i, j int) bool {
		if q.Descending {
			return matched[i].StoredAt.After(matched[j].StoredAt)
		}
		return matched[i].StoredAt.Before(matched[j].StoredAt)
	})

	if q.Offset > 0 {
		if q.Offset >= len(matched) {
			return nil, nil
		}
		matched = matched[q.Offset:]
	}
	if q.Limit > 0 && len(matched) > q.Limit {
		matched = matched[:q.Limit]
	}

	out := make([]*message.Message, len(matched))
	for i, rec := range matched {
		out[i] = rec.Message
	}
	return out, nil
}

func metadataMatches(msg *message.Message, predicates map[string]string) bool {
	for k, v := range predicates {
		if msg.Meta(k) != v {
			return false
		}
	}
	return true
}

func (s *MessageStore) Update(_ context.Context, collection string, msg *message.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.live(s.collection(collection), msg.ID, time.Now())
	if rec == nil {
		return apperr.NotFound(fmt.Sprintf("message %s not found in %s", msg.ID, collection))
	}
	rec.Message = msg
	return nil
}

func (s *MessageStore) Delete(_ context.Context, collection, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	col := s.collection(collection)
	if s.live(col, id, time.Now()) == nil {
		return apperr.NotFound(fmt.Sprintf("message %s not found in %s", id, collection))
	}
	delete(col, id)
	return nil
}

func (s *MessageStore) Exists(_ context.Context, collection, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live(s.collection(collection), id, time.Now()) != nil, nil
}

func (s *MessageStore) Count(_ context.Context, collection string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	col := s.collection(collection)
	now := time.Now()
	count := 0
	for id := range col {
		if s.live(col, id, now) != nil {
			count++
		}
	}
	return count, nil
}
