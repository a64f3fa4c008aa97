package policy

import (
	"container/list"
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"go.heromessaging.dev/internal/common/apperr"
	"go.heromessaging.dev/internal/common/metrics"
)

// RateLimitBehavior controls what happens when the bucket is empty.
type RateLimitBehavior int

const (
	// Reject returns a RateLimited failure immediately
	Reject RateLimitBehavior = iota

	// Queue waits up to MaxQueueWait for tokens before rejecting
	Queue
)

// RateLimitConfig configures a token bucket.
type RateLimitConfig struct {
	// Capacity is the burst size of the bucket
	Capacity int

	// RefillRate is tokens added per second
	RefillRate float64

	// Behavior selects Reject or Queue on an empty bucket
	Behavior RateLimitBehavior

	// MaxQueueWait bounds the wait in Queue mode
	MaxQueueWait time.Duration

	// MaxScopes bounds per-scope bucket cardinality; the least recently
	// used scope is evicted beyond the bound
	MaxScopes int
}

// DefaultRateLimitConfig returns sensible defaults
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Capacity:     100,
		RefillRate:   50,
		Behavior:     Reject,
		MaxQueueWait: time.Second,
		MaxScopes:    1024,
	}
}

// RateLimitStats is a point-in-time snapshot of bucket state.
type RateLimitStats struct {
	Scopes   int
	Allowed  int64
	Rejected int64
	Queued   int64
	Tokens   map[string]float64
}

// TokenBucket is a lazily-refilled token bucket rate limiter with optional
// per-scope buckets. The empty scope "" addresses the shared bucket.
type TokenBucket struct {
	config RateLimitConfig
	now    func() time.Time

	mu       sync.Mutex
	buckets  map[string]*scopedBucket
	lru      *list.List // front = most recently used
	allowed  int64
	rejected int64
	queued   int64
}

type scopedBucket struct {
	scope   string
	limiter *rate.Limiter
	elem    *list.Element
}

// NewTokenBucket creates a token bucket limiter.
func NewTokenBucket(config RateLimitConfig) *TokenBucket {
	if config.Capacity <= 0 {
		config.Capacity = 1
	}
	if config.MaxScopes <= 0 {
		config.MaxScopes = 1024
	}
	return &TokenBucket{
		config:  config,
		now:     time.Now,
		buckets: make(map[string]*scopedBucket),
		lru:     list.New(),
	}
}

// bucketFor returns the bucket for a scope, creating and evicting as needed.
func (t *TokenBucket) bucketFor(scope string) *rate.Limiter {
	t.mu.Lock()
	defer t.mu.Unlock()

	if b, ok := t.buckets[scope]; ok {
		t.lru.MoveToFront(b.elem)
		return b.limiter
	}

	if len(t.buckets) >= t.config.MaxScopes {
		oldest := t.lru.Back()
		if oldest != nil {
			evicted := oldest.Value.(*scopedBucket)
			t.lru.Remove(oldest)
			delete(t.buckets, evicted.scope)
		}
	}

	b := &scopedBucket{
		scope:   scope,
		limiter: rate.NewLimiter(rate.Limit(t.config.RefillRate), t.config.Capacity),
	}
	b.elem = t.lru.PushFront(b)
	t.buckets[scope] = b
	return b.limiter
}

// Acquire consumes n tokens from the scope's bucket. In Reject mode an
// empty bucket yields a RateLimited error immediately; in Queue mode the
// call waits up to MaxQueueWait. A token reservation consumed by a
// cancelled waiter is not refunded.
func (t *TokenBucket) Acquire(ctx context.Context, scope string, n int) error {
	limiter := t.bucketFor(scope)
	now := t.now()

	if t.config.Behavior == Reject {
		if !limiter.AllowN(now, n) {
			t.reject(scope)
			return apperr.New(apperr.CategoryRateLimited, "rate limit exceeded")
		}
		t.allow()
		return nil
	}

	// Queue mode: reserve and wait out the delay, bounded by MaxQueueWait.
	r := limiter.ReserveN(now, n)
	if !r.OK() {
		t.reject(scope)
		return apperr.New(apperr.CategoryRateLimited, "request exceeds bucket capacity")
	}

	delay := r.DelayFrom(now)
	if delay == 0 {
		t.allow()
		return nil
	}
	if t.config.MaxQueueWait > 0 && delay > t.config.MaxQueueWait {
		r.CancelAt(now)
		t.reject(scope)
		return apperr.New(apperr.CategoryRateLimited, "rate limit queue wait exceeded")
	}

	t.mu.Lock()
	t.queued++
	t.mu.Unlock()

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-timer.C:
		t.allow()
		return nil
	case <-ctx.Done():
		return apperr.Wrap(apperr.CategoryCancelled, "cancelled while queued for tokens", ctx.Err())
	}
}

func (t *TokenBucket) allow() {
	t.mu.Lock()
	t.allowed++
	t.mu.Unlock()
}

func (t *TokenBucket) reject(scope string) {
	t.mu.Lock()
	t.rejected++
	t.mu.Unlock()
	metrics.RateLimitRejections.WithLabelValues(scope).Inc()
}

// Stats returns a snapshot of limiter state.
func (t *TokenBucket) Stats() RateLimitStats {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	tokens := make(map[string]float64, len(t.buckets))
	for scope, b := range t.buckets {
		tokens[scope] = b.limiter.TokensAt(now)
	}

	return RateLimitStats{
		Scopes:   len(t.buckets),
		Allowed:  t.allowed,
		Rejected: t.rejected,
		Queued:   t.queued,
		Tokens:   tokens,
	}
}
