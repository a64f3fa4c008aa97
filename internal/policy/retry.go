// Package policy implements the cross-cutting policy primitives applied
// around handler invocations: retry, circuit breaking, rate limiting and
// idempotency.
package policy

import (
	"math/rand"
	"time"

	"go.heromessaging.dev/internal/common/apperr"
)

// RetryPolicy decides whether a failed attempt may be retried and how long
// to wait before the next attempt. Attempt numbering starts at 1.
type RetryPolicy interface {
	ShouldRetry(err error, attempt int) bool
	DelayFor(attempt int) time.Duration
}

// NoRetry never retries.
type NoRetry struct{}

func (NoRetry) ShouldRetry(error, int) bool { return false }
func (NoRetry) DelayFor(int) time.Duration  { return 0 }

// LinearRetry retries with a fixed delay up to MaxAttempts.
type LinearRetry struct {
	Delay       time.Duration
	MaxAttempts int
}

func (p LinearRetry) ShouldRetry(err error, attempt int) bool {
	return attempt < p.MaxAttempts && apperr.IsRetryable(err)
}

func (p LinearRetry) DelayFor(int) time.Duration {
	return p.Delay
}

// ExponentialRetry retries with exponential backoff plus uniform jitter.
// The delay for attempt n is base * 2^(n-1) +/- uniform(0, jitter), capped
// at MaxDelay.
type ExponentialRetry struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
	Jitter      time.Duration
}

func (p ExponentialRetry) ShouldRetry(err error, attempt int) bool {
	return attempt < p.MaxAttempts && apperr.IsRetryable(err)
}

func (p ExponentialRetry) DelayFor(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	delay := p.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if p.MaxDelay > 0 && delay >= p.MaxDelay {
			delay = p.MaxDelay
			break
		}
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}

	if p.Jitter > 0 {
		// uniform in [-jitter, +jitter], floored at zero
		offset := time.Duration(rand.Int63n(int64(2*p.Jitter))) - p.Jitter
		if delay+offset > 0 {
			delay += offset
		}
	}

	return delay
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return ExponentialRetry{
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    5 * time.Second,
		MaxAttempts: 3,
		Jitter:      25 * time.Millisecond,
	}
}
