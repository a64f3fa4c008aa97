// Package repository instruments store operations with metrics and slow
// query logging. The Mongo-backed stores run their driver calls through
// Instrument so every collection shows up under one metric family.
package repository

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"go.heromessaging.dev/internal/common/apperr"
)

var (
	operationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "heromessaging",
			Subsystem: "store",
			Name:      "operation_duration_seconds",
			Help:      "Store operation duration in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
		[]string{"collection", "operation"},
	)

	operationTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "heromessaging",
			Subsystem: "store",
			Name:      "operations_total",
			Help:      "Total store operations",
		},
		[]string{"collection", "operation", "result"},
	)

	operationErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "heromessaging",
			Subsystem: "store",
			Name:      "operation_errors_total",
			Help:      "Store operation errors by category",
		},
		[]string{"collection", "operation", "category"},
	)
)

// SlowQueryThreshold defines when an operation is considered slow
const SlowQueryThreshold = 100 * time.Millisecond

// Instrument wraps a store operation with metrics and logging. It records
// duration, success and failure counts, and logs slow operations.
func Instrument[T any](
	ctx context.Context,
	collection string,
	operation string,
	fn func() (T, error),
) (T, error) {
	start := time.Now()

	result, err := fn()

	duration := time.Since(start)
	operationDuration.WithLabelValues(collection, operation).Observe(duration.Seconds())

	if err != nil {
		operationTotal.WithLabelValues(collection, operation, "error").Inc()
		operationErrors.WithLabelValues(collection, operation, classify(err)).Inc()

		slog.Error("Store operation failed",
			"collection", collection,
			"operation", operation,
			"duration_ms", duration.Milliseconds(),
			"error", err)
	} else {
		operationTotal.WithLabelValues(collection, operation, "success").Inc()

		if duration > SlowQueryThreshold {
			slog.Warn("Slow store operation",
				"collection", collection,
				"operation", operation,
				"duration_ms", duration.Milliseconds())
		}
	}

	return result, err
}

// InstrumentVoid wraps a store operation that returns only an error.
func InstrumentVoid(
	ctx context.Context,
	collection string,
	operation string,
	fn func() error,
) error {
	_, err := Instrument(ctx, collection, operation, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// classify returns a label-safe error category for metrics. NotFound and
// Conflict are normal store outcomes, not infrastructure failures, so they
// get their own labels.
func classify(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	if errors.Is(err, context.Canceled) {
		return "canceled"
	}
	switch apperr.CategoryOf(err) {
	case apperr.CategoryNotFound:
		return "not_found"
	case apperr.CategoryConflict:
		return "conflict"
	case apperr.CategoryValidation:
		return "validation"
	case apperr.CategoryTimeout:
		return "timeout"
	case apperr.CategoryCancelled:
		return "canceled"
	default:
		return "internal"
	}
}
