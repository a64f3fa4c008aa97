// Package metrics defines the Prometheus instruments exported by the
// messaging core. Instruments are package-level and registered via promauto;
// components record into them directly.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Circuit breaker state gauge values
const (
	CircuitBreakerClosed   = 0
	CircuitBreakerOpen     = 1
	CircuitBreakerHalfOpen = 2
)

var (
	// Processor metrics

	// ProcessorMessages tracks messages dispatched by kind and result
	ProcessorMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "heromessaging",
			Subsystem: "processor",
			Name:      "messages_total",
			Help:      "Total messages dispatched through the pipeline",
		},
		[]string{"kind", "result"}, // result: success, failed, rate_limited, circuit_open, duplicate
	)

	// ProcessorDuration tracks end-to-end chain duration
	ProcessorDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "heromessaging",
			Subsystem: "processor",
			Name:      "duration_seconds",
			Help:      "Time to process a message through the decorator chain",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	// ProcessorRetries tracks retry attempts performed by the retry decorator
	ProcessorRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "heromessaging",
			Subsystem: "processor",
			Name:      "retries_total",
			Help:      "Total retry attempts performed around handlers",
		},
		[]string{"type"},
	)

	// Circuit breaker metrics

	// BreakerState tracks circuit breaker state per breaker name
	// 0 = closed, 1 = open, 2 = half-open
	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "heromessaging",
			Subsystem: "breaker",
			Name:      "state",
			Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
		[]string{"name"},
	)

	// BreakerTrips counts transitions to the open state
	BreakerTrips = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "heromessaging",
			Subsystem: "breaker",
			Name:      "trips_total",
			Help:      "Total circuit breaker trips to the open state",
		},
		[]string{"name"},
	)

	// Rate limiter metrics

	// RateLimitRejections counts acquires rejected by the token bucket
	RateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "heromessaging",
			Subsystem: "ratelimit",
			Name:      "rejections_total",
			Help:      "Total acquires rejected by the rate limiter",
		},
		[]string{"scope"},
	)

	// Idempotency metrics

	// IdempotencyHits counts lookups served from the idempotency store
	IdempotencyHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "heromessaging",
			Subsystem: "idempotency",
			Name:      "hits_total",
			Help:      "Total invocations short-circuited by a stored outcome",
		},
		[]string{"outcome"}, // outcome: success, failure
	)

	// Outbox metrics

	// OutboxEntriesProcessed tracks relay outcomes per destination
	OutboxEntriesProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "heromessaging",
			Subsystem: "outbox",
			Name:      "entries_processed_total",
			Help:      "Total outbox entries processed by the relay",
		},
		[]string{"destination", "result"}, // result: processed, retried, dead_lettered
	)

	// OutboxPollDuration tracks relay poll cycle duration
	OutboxPollDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "heromessaging",
			Subsystem: "outbox",
			Name:      "poll_duration_seconds",
			Help:      "Duration of an outbox relay poll cycle",
			Buckets:   prometheus.DefBuckets,
		},
	)

	// OutboxPendingEntries tracks pending entries observed at poll time
	OutboxPendingEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "heromessaging",
			Subsystem: "outbox",
			Name:      "pending_entries",
			Help:      "Pending outbox entries at the last poll",
		},
	)

	// OutboxRecoveredEntries counts entries reset from stuck Processing
	OutboxRecoveredEntries = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "heromessaging",
			Subsystem: "outbox",
			Name:      "recovered_entries_total",
			Help:      "Entries recovered from a stuck Processing status",
		},
	)

	// Inbox metrics

	// InboxMessages tracks inbound filter outcomes
	InboxMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "heromessaging",
			Subsystem: "inbox",
			Name:      "messages_total",
			Help:      "Total messages observed by the inbox filter",
		},
		[]string{"result"}, // result: processed, duplicate, failed
	)

	// Saga metrics

	// SagaSteps tracks saga step outcomes per saga type
	SagaSteps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "heromessaging",
			Subsystem: "saga",
			Name:      "steps_total",
			Help:      "Total saga steps executed",
		},
		[]string{"saga", "result"}, // result: applied, conflict, dead_lettered, ignored
	)

	// SagaCompensations tracks compensation action outcomes
	SagaCompensations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "heromessaging",
			Subsystem: "saga",
			Name:      "compensations_total",
			Help:      "Total compensation actions invoked",
		},
		[]string{"saga", "result"}, // result: success, failed
	)

	// SagaActiveInstances tracks instances not yet completed
	SagaActiveInstances = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "heromessaging",
			Subsystem: "saga",
			Name:      "active_instances",
			Help:      "Saga instances currently in flight",
		},
		[]string{"saga"},
	)

	// Scheduler metrics

	// SchedulerDelivered counts scheduled messages delivered
	SchedulerDelivered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "heromessaging",
			Subsystem: "scheduler",
			Name:      "delivered_total",
			Help:      "Total scheduled messages delivered",
		},
		[]string{"strategy", "result"}, // result: delivered, failed, cancelled
	)

	// SchedulerPending tracks pending scheduled messages
	SchedulerPending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "heromessaging",
			Subsystem: "scheduler",
			Name:      "pending_messages",
			Help:      "Scheduled messages awaiting delivery",
		},
	)

	// Transport metrics

	// TransportPublished counts envelopes published per destination
	TransportPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "heromessaging",
			Subsystem: "transport",
			Name:      "published_total",
			Help:      "Total envelopes published to the transport",
		},
		[]string{"destination", "result"}, // result: ok, error
	)

	// TransportConsumed counts envelopes consumed per destination
	TransportConsumed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "heromessaging",
			Subsystem: "transport",
			Name:      "consumed_total",
			Help:      "Total envelopes delivered to consumers",
		},
		[]string{"destination", "result"}, // result: ack, nack_requeue, nack_dlq
	)
)
