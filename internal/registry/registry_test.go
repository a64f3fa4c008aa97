package registry

import (
	"context"
	"errors"
	"sync"
	"testing"

	"go.heromessaging.dev/internal/common/apperr"
)

type fakeComponent struct {
	mu       sync.Mutex
	started  bool
	stopped  bool
	startErr error
	log      *[]string
	name     string
}

func (c *fakeComponent) Start(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.startErr != nil {
		return c.startErr
	}
	c.started = true
	if c.log != nil {
		*c.log = append(*c.log, "start:"+c.name)
	}
	return nil
}

func (c *fakeComponent) Stop(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = true
	if c.log != nil {
		*c.log = append(*c.log, "stop:"+c.name)
	}
	return nil
}

func TestRegisterAndResolve(t *testing.T) {
	r := New()
	c := &fakeComponent{name: "a"}

	if err := r.Register(CapScheduler, c); err != nil {
		t.Fatalf("Register: %v", err)
	}

	got, err := Resolve[*fakeComponent](r, CapScheduler)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != c {
		t.Error("Resolve returned a different component")
	}
}

func TestRegisterDuplicateConflicts(t *testing.T) {
	r := New()
	if err := r.Register(CapEventBus, &fakeComponent{}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	err := r.Register(CapEventBus, &fakeComponent{})
	if apperr.CategoryOf(err) != apperr.CategoryConflict {
		t.Errorf("duplicate Register: want Conflict, got %v", err)
	}
}

func TestLookupUnknownIsNotFound(t *testing.T) {
	r := New()
	_, err := r.Lookup(CapTransport)
	if apperr.CategoryOf(err) != apperr.CategoryNotFound {
		t.Errorf("want NotFound, got %v", err)
	}
}

func TestResolveWrongTypeIsFatal(t *testing.T) {
	r := New()
	if err := r.Register(CapScheduler, "not a component"); err != nil {
		t.Fatalf("Register: %v", err)
	}

	_, err := Resolve[*fakeComponent](r, CapScheduler)
	if apperr.CategoryOf(err) != apperr.CategoryFatal {
		t.Errorf("want Fatal, got %v", err)
	}
}

func TestStartStopOrder(t *testing.T) {
	r := New()
	var log []string
	a := &fakeComponent{name: "a", log: &log}
	b := &fakeComponent{name: "b", log: &log}

	if err := r.Register(CapTransport, a); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(CapScheduler, b); err != nil {
		t.Fatal(err)
	}

	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	r.Stop(context.Background())

	want := []string{"start:a", "start:b", "stop:b", "stop:a"}
	if len(log) != len(want) {
		t.Fatalf("log = %v, want %v", log, want)
	}
	for i := range want {
		if log[i] != want[i] {
			t.Fatalf("log = %v, want %v", log, want)
		}
	}
}

func TestStartFailureUnwindsStartedComponents(t *testing.T) {
	r := New()
	a := &fakeComponent{name: "a"}
	b := &fakeComponent{name: "b", startErr: errors.New("no broker")}

	if err := r.Register(CapTransport, a); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(CapEventBus, b); err != nil {
		t.Fatal(err)
	}

	err := r.Start(context.Background())
	if err == nil {
		t.Fatal("Start should fail")
	}
	if !a.stopped {
		t.Error("already-started component was not stopped after failure")
	}
}

func TestRegisterAfterStartConflicts(t *testing.T) {
	r := New()
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	err := r.Register(CapSagaEngine, &fakeComponent{})
	if apperr.CategoryOf(err) != apperr.CategoryConflict {
		t.Errorf("Register after Start: want Conflict, got %v", err)
	}
}
