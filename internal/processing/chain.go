package processing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.heromessaging.dev/internal/common/apperr"
	"go.heromessaging.dev/internal/common/metrics"
	"go.heromessaging.dev/internal/message"
	"go.heromessaging.dev/internal/policy"
	"go.heromessaging.dev/internal/serializer"
)

// AttrIdempotencyKey is the context attribute under which the idempotency
// decorator publishes the derived key.
const AttrIdempotencyKey = "idempotency.key"

// Validator checks a message against its contract before the handler runs.
type Validator func(msg *message.Message) error

// ScopeKey derives the rate limiter scope for a message. Nil means the
// shared bucket.
type ScopeKey func(msg *message.Message) string

// ChainConfig assembles the decorator chain around a handler. Nil fields
// disable the corresponding decorator. The canonical order, innermost to
// outermost, is handler, idempotency, validation, rate limit, retry,
// circuit breaker, metrics, entry. Rate limiting gates retry bursts, the
// breaker sees all retries as one logical call, and idempotency is the
// last check before the handler so retries cannot double-commit.
type ChainConfig struct {
	// Name identifies the pipeline in logs
	Name string

	// Timeout bounds the whole invocation including retries
	Timeout time.Duration

	Retry       policy.RetryPolicy
	Breaker     *policy.CircuitBreaker
	RateLimiter *policy.TokenBucket
	ScopeKey    ScopeKey
	Validator   Validator
	Idempotency *policy.IdempotencyChecker
	Serializer  serializer.Serializer
}

// Build wraps handler with the configured decorators.
func (c ChainConfig) Build(handler Processor) Processor {
	p := handler

	if c.Idempotency != nil {
		ser := c.Serializer
		if ser == nil {
			ser = serializer.NewJSON()
		}
		p = Idempotent(c.Idempotency, ser)(p)
	}
	if c.Validator != nil {
		p = Validated(c.Validator)(p)
	}
	if c.RateLimiter != nil {
		p = RateLimited(c.RateLimiter, c.ScopeKey)(p)
	}
	if c.Retry != nil {
		p = Retried(c.Retry)(p)
	}
	if c.Breaker != nil {
		p = BreakerGuarded(c.Breaker)(p)
	}
	p = Instrumented()(p)
	p = Entry(c.Name, c.Timeout)(p)

	return p
}

// Entry is the outermost decorator: applies the processing timeout, turns
// panics into Fatal errors and stamps the correlation id onto failures.
func Entry(name string, timeout time.Duration) Decorator {
	return func(next Processor) Processor {
		return ProcessorFunc(func(pctx *Context) (result *Result, err error) {
			ctx := pctx.Context()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
				pctx = pctx.WithContext(ctx)
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, apperr.Wrap(apperr.CategoryCancelled, "processing aborted", ctxErr)
			}

			msg := pctx.Message()

			defer func() {
				if r := recover(); r != nil {
					slog.Error("Handler panicked",
						"pipeline", name,
						"messageType", msg.Type,
						"messageId", msg.ID,
						"panic", r)
					result = nil
					err = apperr.New(apperr.CategoryFatal, fmt.Sprintf("handler panic: %v", r))
				}
				if err != nil {
					var ae *apperr.Error
					if errors.As(err, &ae) && ae.CorrelationID == "" {
						ae.CorrelationID = msg.CorrelationID
					}
				}
			}()

			result, err = next.Process(pctx)
			return result, err
		})
	}
}

// Instrumented records dispatch counters and chain duration.
func Instrumented() Decorator {
	return func(next Processor) Processor {
		return ProcessorFunc(func(pctx *Context) (*Result, error) {
			kind := pctx.Message().Kind.String()
			start := time.Now()

			result, err := next.Process(pctx)

			metrics.ProcessorDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
			outcome := "success"
			if err != nil {
				switch apperr.CategoryOf(err) {
				case apperr.CategoryRateLimited:
					outcome = "rate_limited"
				case apperr.CategoryCircuitOpen:
					outcome = "circuit_open"
				default:
					outcome = "failed"
				}
			}
			metrics.ProcessorMessages.WithLabelValues(kind, outcome).Inc()

			return result, err
		})
	}
}

// BreakerGuarded runs the call through the circuit breaker. The breaker
// wraps the retry decorator so the whole retry sequence registers as one
// observation.
func BreakerGuarded(cb *policy.CircuitBreaker) Decorator {
	return func(next Processor) Processor {
		return ProcessorFunc(func(pctx *Context) (*Result, error) {
			v, err := cb.Execute(apperr.CategoryTransient, func() (any, error) {
				return next.Process(pctx)
			})
			if err != nil {
				return nil, err
			}
			if v == nil {
				return nil, nil
			}
			return v.(*Result), nil
		})
	}
}

// Retried re-invokes the inner processor per the retry policy. Attempt
// numbering starts at 1; the delay wait observes cancellation.
func Retried(p policy.RetryPolicy) Decorator {
	return func(next Processor) Processor {
		return ProcessorFunc(func(pctx *Context) (*Result, error) {
			attempt := 1
			for {
				result, err := next.Process(pctx)
				if err == nil {
					return result, nil
				}
				if !p.ShouldRetry(err, attempt) {
					return nil, err
				}

				delay := p.DelayFor(attempt)
				metrics.ProcessorRetries.WithLabelValues(pctx.Message().Type).Inc()
				slog.Debug("Retrying handler",
					"messageType", pctx.Message().Type,
					"messageId", pctx.Message().ID,
					"attempt", attempt,
					"delay", delay,
					"error", err)

				timer := time.NewTimer(delay)
				select {
				case <-pctx.Context().Done():
					timer.Stop()
					return nil, apperr.Wrap(apperr.CategoryCancelled, "cancelled during retry wait", pctx.Context().Err())
				case <-timer.C:
				}
				attempt++
			}
		})
	}
}

// RateLimited gates admission through the token bucket. Placed inside the
// retry decorator so each retry attempt pays for its own token.
func RateLimited(bucket *policy.TokenBucket, scopeKey ScopeKey) Decorator {
	return func(next Processor) Processor {
		return ProcessorFunc(func(pctx *Context) (*Result, error) {
			scope := ""
			if scopeKey != nil {
				scope = scopeKey(pctx.Message())
			}
			if err := bucket.Acquire(pctx.Context(), scope, 1); err != nil {
				return nil, err
			}
			return next.Process(pctx)
		})
	}
}

// Validated rejects messages violating their contract. Validation failures
// surface immediately and are never retried.
func Validated(validate Validator) Decorator {
	return func(next Processor) Processor {
		return ProcessorFunc(func(pctx *Context) (*Result, error) {
			if err := validate(pctx.Message()); err != nil {
				if apperr.CategoryOf(err) == apperr.CategoryValidation {
					return nil, err
				}
				return nil, apperr.Wrap(apperr.CategoryValidation, "message validation failed", err)
			}
			return next.Process(pctx)
		})
	}
}

// Idempotent short-circuits on a stored outcome for the message's key and
// records fresh outcomes after the handler runs. Innermost decorator so
// retries of the same invocation cannot double-commit.
func Idempotent(checker *policy.IdempotencyChecker, ser serializer.Serializer) Decorator {
	return func(next Processor) Processor {
		return ProcessorFunc(func(pctx *Context) (*Result, error) {
			key := checker.KeyFor(pctx.Message())
			pctx.SetAttribute(AttrIdempotencyKey, key)

			stored, err := checker.Lookup(pctx.Context(), key)
			if err != nil {
				// A store outage must not block processing.
				slog.Warn("Idempotency lookup failed", "key", key, "error", err)
			} else if stored != nil {
				if stored.Status == policy.OutcomeFailure {
					metrics.IdempotencyHits.WithLabelValues("failure").Inc()
					return nil, stored.Reconstruct()
				}
				metrics.IdempotencyHits.WithLabelValues("success").Inc()
				var payload any
				if len(stored.Payload) > 0 {
					if err := ser.Unmarshal(stored.Payload, &payload); err != nil {
						return nil, err
					}
				}
				return &Result{Payload: payload}, nil
			}

			result, err := next.Process(pctx)
			if err != nil {
				if _, recordErr := checker.RecordFailure(pctx.Context(), key, err); recordErr != nil {
					slog.Warn("Failed to record idempotent failure", "key", key, "error", recordErr)
				}
				return nil, err
			}

			var blob []byte
			if result != nil && result.Payload != nil {
				blob, err = ser.Marshal(result.Payload)
				if err != nil {
					return nil, err
				}
			}
			if err := checker.RecordSuccess(pctx.Context(), key, blob); err != nil {
				slog.Warn("Failed to record idempotent success", "key", key, "error", err)
			}

			return result, nil
		})
	}
}
