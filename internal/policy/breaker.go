package policy

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"go.heromessaging.dev/internal/common/apperr"
	"go.heromessaging.dev/internal/common/metrics"
)

// BreakerConfig configures a circuit breaker.
type BreakerConfig struct {
	// Name identifies the breaker in logs and metrics
	Name string

	// FailureThreshold is the consecutive-failure count that trips the breaker
	FailureThreshold uint32

	// WindowDuration is the sliding window over which counts are kept
	WindowDuration time.Duration

	// OpenDuration is how long the breaker stays open before probing
	OpenDuration time.Duration

	// HalfOpenProbes is the number of probe calls permitted in half-open
	HalfOpenProbes uint32
}

// DefaultBreakerConfig returns sensible defaults
func DefaultBreakerConfig(name string) BreakerConfig {
	return BreakerConfig{
		Name:             name,
		FailureThreshold: 5,
		WindowDuration:   60 * time.Second,
		OpenDuration:     30 * time.Second,
		HalfOpenProbes:   1,
	}
}

// CircuitBreaker wraps an inner retry policy with per-error-category breaker
// state. Each category gets its own breaker so a storm of transient failures
// does not block validation traffic and vice versa. While a category's
// breaker is open, ShouldRetry reports false and Execute fails fast with a
// CircuitOpen error.
type CircuitBreaker struct {
	inner  RetryPolicy
	config BreakerConfig

	mu       sync.Mutex
	breakers map[apperr.Category]*gobreaker.CircuitBreaker
}

// NewCircuitBreaker creates a circuit breaker around an inner policy.
func NewCircuitBreaker(inner RetryPolicy, config BreakerConfig) *CircuitBreaker {
	if inner == nil {
		inner = NoRetry{}
	}
	return &CircuitBreaker{
		inner:    inner,
		config:   config,
		breakers: make(map[apperr.Category]*gobreaker.CircuitBreaker),
	}
}

// breakerFor returns (lazily creating) the breaker for a category.
func (cb *CircuitBreaker) breakerFor(category apperr.Category) *gobreaker.CircuitBreaker {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if b, ok := cb.breakers[category]; ok {
		return b
	}

	name := cb.config.Name + ":" + category.String()
	threshold := cb.config.FailureThreshold

	b := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: cb.config.HalfOpenProbes,
		Interval:    cb.config.WindowDuration,
		Timeout:     cb.config.OpenDuration,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			// Only failures belonging to this breaker's category count
			// against it; the transient breaker also owns timeouts.
			if err == nil {
				return true
			}
			got := apperr.CategoryOf(err)
			if got == category {
				return false
			}
			if category == apperr.CategoryTransient && got == apperr.CategoryTimeout {
				return false
			}
			return true
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Info("Circuit breaker state changed",
				"breaker", name,
				"from", from.String(),
				"to", to.String())

			var state float64
			switch to {
			case gobreaker.StateClosed:
				state = metrics.CircuitBreakerClosed
			case gobreaker.StateOpen:
				state = metrics.CircuitBreakerOpen
				metrics.BreakerTrips.WithLabelValues(name).Inc()
			case gobreaker.StateHalfOpen:
				state = metrics.CircuitBreakerHalfOpen
			}
			metrics.BreakerState.WithLabelValues(name).Set(state)
		},
	})

	cb.breakers[category] = b
	return b
}

// Execute runs fn through the breaker tracking the given category. The
// whole sequence of retries around one logical call should go through a
// single Execute so the breaker sees one observation per call.
func (cb *CircuitBreaker) Execute(category apperr.Category, fn func() (any, error)) (any, error) {
	result, err := cb.breakerFor(category).Execute(fn)
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, apperr.Wrap(apperr.CategoryCircuitOpen, "circuit breaker open", err)
		}
	}
	return result, err
}

// State returns the breaker state for a category.
func (cb *CircuitBreaker) State(category apperr.Category) gobreaker.State {
	return cb.breakerFor(category).State()
}

// ShouldRetry defers to the inner policy unless the failing category's
// breaker is open, in which case retrying is pointless.
func (cb *CircuitBreaker) ShouldRetry(err error, attempt int) bool {
	category := apperr.CategoryOf(err)
	if category == apperr.CategoryCircuitOpen {
		return false
	}
	if cb.breakerFor(category).State() == gobreaker.StateOpen {
		return false
	}
	return cb.inner.ShouldRetry(err, attempt)
}

// DelayFor defers to the inner policy.
func (cb *CircuitBreaker) DelayFor(attempt int) time.Duration {
	return cb.inner.DelayFor(attempt)
}
