package memstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.heromessaging.dev/internal/common/apperr"
	"go.heromessaging.dev/internal/common/tsid"
	"go.heromessaging.dev/internal/message"
	"go.heromessaging.dev/internal/storage"
)

// queueEntry wraps a QueueMessage with in-flight bookkeeping.
type queueEntry struct {
	msg      storage.QueueMessage
	inFlight bool
}

type namedQueue struct {
	config  storage.QueueConfig
	entries map[string]*queueEntry
}

// QueueStore is the in-memory storage.QueueStore. Visibility timeouts,
// dequeue counting and dead-letter capping follow the contract exactly;
// expired entries are reaped lazily when the queue is touched.
type QueueStore struct {
	mu     sync.Mutex
	queues map[string]*namedQueue
}

// NewQueueStore creates an empty queue store.
func NewQueueStore() *QueueStore {
	return &QueueStore{queues: make(map[string]*namedQueue)}
}

func (s *QueueStore) CreateQueue(_ context.Context, name string, config *storage.QueueConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.queues[name]; exists {
		return apperr.Conflict(fmt.Sprintf("queue %s already exists", name))
	}

	cfg := storage.QueueConfig{}
	if config != nil {
		cfg = *config
	}
	if cfg.DeadLetterQueue == "" {
		cfg.DeadLetterQueue = "dlq." + name
	}
	s.queues[name] = &namedQueue{
		config:  cfg,
		entries: make(map[string]*queueEntry),
	}
	return nil
}

func (s *QueueStore) DeleteQueue(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.queues[name]; !ok {
		return apperr.NotFound(fmt.Sprintf("queue %s not found", name))
	}
	delete(s.queues, name)
	return nil
}

func (s *QueueStore) ListQueues(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, 0, len(s.queues))
	for name := range s.queues {
		names = append(names, name)
	}
	return names, nil
}

func (s *QueueStore) QueueExists(_ context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.queues[name]
	return ok, nil
}

func (s *QueueStore) Enqueue(_ context.Context, name string, msg *message.Message, opts storage.EnqueueOptions) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.queues[name]
	if !ok {
		return "", apperr.NotFound(fmt.Sprintf("queue %s not found", name))
	}

	now := time.Now()
	entry := &queueEntry{
		msg: storage.QueueMessage{
			ID:         tsid.Generate(),
			Queue:      name,
			Message:    msg,
			Priority:   opts.Priority,
			EnqueuedAt: now,
			VisibleAt:  now.Add(opts.Delay),
		},
	}
	if opts.TTL > 0 {
		expires := now.Add(opts.TTL)
		entry.msg.ExpiresAt = &expires
	}
	q.entries[entry.msg.ID] = entry
	return entry.msg.ID, nil
}

// next returns the dequeue candidate: highest priority, then oldest, among
// visible, unexpired, not-in-flight entries. Expired entries and entries
// past their dequeue cap are reaped as a side effect; capped entries move
// to the dead-letter queue.
func (s *QueueStore) next(q *namedQueue, now time.Time) *queueEntry {
	var best *queueEntry
	for id, e := range q.entries {
		if e.msg.ExpiresAt != nil && now.After(*e.msg.ExpiresAt) {
			delete(q.entries, id)
			continue
		}
		if e.inFlight {
			// Visibility timeout elapsed means the consumer died; the entry
			// becomes dequeueable again.
			if now.Before(e.msg.VisibleAt) {
				continue
			}
			e.inFlight = false
		}
		if now.Before(e.msg.VisibleAt) {
			continue
		}
		if q.config.MaxDequeueCount > 0 && e.msg.DequeueCount >= q.config.MaxDequeueCount {
			s.moveToDeadLetter(q, e)
			delete(q.entries, id)
			continue
		}
		if best == nil ||
			e.msg.Priority > best.msg.Priority ||
			(e.msg.Priority == best.msg.Priority && e.msg.EnqueuedAt.Before(best.msg.EnqueuedAt)) {
			best = e
		}
	}
	return best
}

// moveToDeadLetter re-homes an entry onto the configured dead-letter
// queue, creating it on demand.
func (s *QueueStore) moveToDeadLetter(q *namedQueue, e *queueEntry) {
	dlqName := q.config.DeadLetterQueue
	dlq, ok := s.queues[dlqName]
	if !ok {
		dlq = &namedQueue{
			config:  storage.QueueConfig{DeadLetterQueue: "dlq." + dlqName},
			entries: make(map[string]*queueEntry),
		}
		s.queues[dlqName] = dlq
	}

	moved := *e
	moved.inFlight = false
	moved.msg.Queue = dlqName
	moved.msg.VisibleAt = time.Now()
	moved.msg.DequeueCount = 0
	dlq.entries[moved.msg.ID] = &moved
}

func (s *QueueStore) Dequeue(_ context.Context, name string, visibilityTimeout time.Duration) (*storage.QueueMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.queues[name]
	if !ok {
		return nil, apperr.NotFound(fmt.Sprintf("queue %s not found", name))
	}

	now := time.Now()
	e := s.next(q, now)
	if e == nil {
		return nil, nil
	}

	e.inFlight = true
	e.msg.DequeueCount++
	e.msg.VisibleAt = now.Add(visibilityTimeout)

	copy := e.msg
	return &copy, nil
}

func (s *QueueStore) Peek(_ context.Context, name string) (*storage.QueueMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.queues[name]
	if !ok {
		return nil, apperr.NotFound(fmt.Sprintf("queue %s not found", name))
	}

	if e := s.next(q, time.Now()); e != nil {
		copy := e.msg
		return &copy, nil
	}
	return nil, nil
}

func (s *QueueStore) Acknowledge(_ context.Context, name string, entryID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.queues[name]
	if !ok {
		return apperr.NotFound(fmt.Sprintf("queue %s not found", name))
	}
	e, ok := q.entries[entryID]
	if !ok {
		return apperr.NotFound(fmt.Sprintf("entry %s not found in queue %s", entryID, name))
	}
	if !e.inFlight {
		return apperr.Conflict(fmt.Sprintf("entry %s is not in flight", entryID))
	}
	delete(q.entries, entryID)
	return nil
}

func (s *QueueStore) Reject(_ context.Context, name string, entryID string, requeue bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.queues[name]
	if !ok {
		return apperr.NotFound(fmt.Sprintf("queue %s not found", name))
	}
	e, ok := q.entries[entryID]
	if !ok {
		return apperr.NotFound(fmt.Sprintf("entry %s not found in queue %s", entryID, name))
	}
	if !e.inFlight {
		return apperr.Conflict(fmt.Sprintf("entry %s is not in flight", entryID))
	}

	if requeue {
		e.inFlight = false
		e.msg.VisibleAt = time.Now()
		return nil
	}
	s.moveToDeadLetter(q, e)
	delete(q.entries, entryID)
	return nil
}

func (s *QueueStore) Depth(_ context.Context, name string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.queues[name]
	if !ok {
		return 0, apperr.NotFound(fmt.Sprintf("queue %s not found", name))
	}

	now := time.Now()
	count := 0
	for id, e := range q.entries {
		if e.msg.ExpiresAt != nil && now.After(*e.msg.ExpiresAt) {
			delete(q.entries, id)
			continue
		}
		count++
	}
	return count, nil
}
