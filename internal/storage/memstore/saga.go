package memstore

import (
	"context"
	"fmt"
	"sync"

	"go.heromessaging.dev/internal/common/apperr"
	"go.heromessaging.dev/internal/saga"
)

// SagaRepository is the in-memory saga.Repository. Save enforces the
// version CAS: expected 0 inserts, anything else must match the stored
// version exactly.
type SagaRepository struct {
	mu        sync.Mutex
	instances map[string]*saga.Instance
}

// NewSagaRepository creates an empty saga repository.
func NewSagaRepository() *SagaRepository {
	return &SagaRepository{instances: make(map[string]*saga.Instance)}
}

func copySagaInstance(in *saga.Instance) *saga.Instance {
	out := *in
	if in.Data != nil {
		out.Data = make(map[string]any, len(in.Data))
		for k, v := range in.Data {
			out.Data[k] = v
		}
	}
	if in.Timeouts != nil {
		out.Timeouts = make(map[string]string, len(in.Timeouts))
		for k, v := range in.Timeouts {
			out.Timeouts[k] = v
		}
	}
	out.Compensations = append([]saga.CompensationRecord(nil), in.Compensations...)
	return &out
}

func (r *SagaRepository) FindByID(_ context.Context, id string) (*saga.Instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if inst, ok := r.instances[id]; ok {
		return copySagaInstance(inst), nil
	}
	return nil, nil
}

func (r *SagaRepository) FindByCorrelation(_ context.Context, sagaType, correlationID string) (*saga.Instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, inst := range r.instances {
		if inst.SagaType == sagaType && inst.CorrelationID == correlationID && !inst.Completed {
			return copySagaInstance(inst), nil
		}
	}
	return nil, nil
}

func (r *SagaRepository) Save(_ context.Context, instance *saga.Instance, expectedVersion int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if expectedVersion == 0 {
		if _, exists := r.instances[instance.ID]; exists {
			return apperr.Conflict(fmt.Sprintf("saga instance %s already exists", instance.ID))
		}
		for _, existing := range r.instances {
			if existing.SagaType == instance.SagaType &&
				existing.CorrelationID == instance.CorrelationID && !existing.Completed {
				return apperr.Conflict(fmt.Sprintf(
					"live instance for correlation %s already exists", instance.CorrelationID))
			}
		}
	} else {
		stored, ok := r.instances[instance.ID]
		if !ok {
			return apperr.NotFound(fmt.Sprintf("saga instance %s not found", instance.ID))
		}
		if stored.Version != expectedVersion {
			return apperr.Conflict(fmt.Sprintf(
				"saga instance %s version is %d, expected %d", instance.ID, stored.Version, expectedVersion))
		}
	}

	instance.Version = expectedVersion + 1
	r.instances[instance.ID] = copySagaInstance(instance)
	return nil
}

func (r *SagaRepository) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.instances[id]; !ok {
		return apperr.NotFound(fmt.Sprintf("saga instance %s not found", id))
	}
	delete(r.instances, id)
	return nil
}
