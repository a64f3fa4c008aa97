package apperr

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestCategoryOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Category
	}{
		{"nil", nil, CategoryTransient},
		{"plain error defaults to transient", errors.New("boom"), CategoryTransient},
		{"validation", Validation("bad input"), CategoryValidation},
		{"wrapped validation", fmt.Errorf("outer: %w", Validation("bad")), CategoryValidation},
		{"conflict", Conflict("version moved"), CategoryConflict},
		{"context cancelled", context.Canceled, CategoryCancelled},
		{"context deadline", context.DeadlineExceeded, CategoryTimeout},
		{"wrapped deadline", fmt.Errorf("op: %w", context.DeadlineExceeded), CategoryTimeout},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CategoryOf(tt.err); got != tt.want {
				t.Errorf("CategoryOf() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRetryable(t *testing.T) {
	retryable := []Category{CategoryTransient, CategoryTimeout, CategoryConflict}
	for _, c := range retryable {
		if !c.Retryable() {
			t.Errorf("%v should be retryable", c)
		}
	}

	terminal := []Category{
		CategoryValidation, CategoryNotFound, CategoryCircuitOpen,
		CategoryRateLimited, CategoryCancelled, CategoryFatal,
	}
	for _, c := range terminal {
		if c.Retryable() {
			t.Errorf("%v should not be retryable", c)
		}
	}
}

func TestErrorIsMatchesCategory(t *testing.T) {
	err := fmt.Errorf("step: %w", Transient("publish failed", errors.New("conn reset")))

	if !errors.Is(err, New(CategoryTransient, "")) {
		t.Error("expected category match on Transient")
	}
	if errors.Is(err, New(CategoryValidation, "")) {
		t.Error("did not expect category match on Validation")
	}
}

func TestUnwrap(t *testing.T) {
	inner := errors.New("io failure")
	err := Transient("store write", inner)

	if !errors.Is(err, inner) {
		t.Error("expected unwrap to reach inner error")
	}
}

func TestWithCorrelation(t *testing.T) {
	err := Validation("missing field").WithCorrelation("corr-1")
	if err.CorrelationID != "corr-1" {
		t.Errorf("CorrelationID = %q, want corr-1", err.CorrelationID)
	}
}
