package mongostore

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"go.heromessaging.dev/internal/common/apperr"
	"go.heromessaging.dev/internal/common/repository"
	"go.heromessaging.dev/internal/saga"
)

// SagaRepository is the MongoDB saga.Repository. Optimistic concurrency is
// a ReplaceOne filtered on {_id, version}: a lost race matches nothing and
// surfaces as Conflict. The unique partial index on (sagaType,
// correlationId, completed=false) makes concurrent initial inserts race on
// the index instead of creating divergent twins.
type SagaRepository struct {
	collection *mongo.Collection
}

// NewSagaRepository creates a repository on the given database.
func NewSagaRepository(db *mongo.Database) *SagaRepository {
	return &SagaRepository{collection: db.Collection(sagaCollection)}
}

func (r *SagaRepository) FindByID(ctx context.Context, id string) (*saga.Instance, error) {
	var instance saga.Instance
	err := r.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&instance)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.CategoryTransient, "saga find by id", err)
	}
	return &instance, nil
}

func (r *SagaRepository) FindByCorrelation(ctx context.Context, sagaType, correlationID string) (*saga.Instance, error) {
	filter := bson.M{
		"sagaType":      sagaType,
		"correlationId": correlationID,
		"completed":     false,
	}
	var instance saga.Instance
	err := r.collection.FindOne(ctx, filter).Decode(&instance)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.CategoryTransient, "saga find by correlation", err)
	}
	return &instance, nil
}

func (r *SagaRepository) Save(ctx context.Context, instance *saga.Instance, expectedVersion int64) error {
	return repository.InstrumentVoid(ctx, sagaCollection, "save", func() error {
		return r.save(ctx, instance, expectedVersion)
	})
}

func (r *SagaRepository) save(ctx context.Context, instance *saga.Instance, expectedVersion int64) error {
	instance.Version = expectedVersion + 1

	if expectedVersion == 0 {
		if _, err := r.collection.InsertOne(ctx, instance); err != nil {
			instance.Version = expectedVersion
			if mongo.IsDuplicateKeyError(err) {
				return apperr.Conflict(fmt.Sprintf(
					"saga instance for %s/%s already exists", instance.SagaType, instance.CorrelationID))
			}
			return apperr.Wrap(apperr.CategoryTransient, "saga insert", err)
		}
		return nil
	}

	filter := bson.M{"_id": instance.ID, "version": expectedVersion}
	result, err := r.collection.ReplaceOne(ctx, filter, instance)
	if err != nil {
		instance.Version = expectedVersion
		return apperr.Wrap(apperr.CategoryTransient, "saga replace", err)
	}
	if result.MatchedCount == 0 {
		instance.Version = expectedVersion
		existing, findErr := r.FindByID(ctx, instance.ID)
		if findErr != nil {
			return findErr
		}
		if existing == nil {
			return apperr.NotFound(fmt.Sprintf("saga instance %s not found", instance.ID))
		}
		return apperr.Conflict(fmt.Sprintf(
			"saga instance %s version moved: expected %d, stored %d",
			instance.ID, expectedVersion, existing.Version))
	}
	return nil
}

func (r *SagaRepository) Delete(ctx context.Context, id string) error {
	result, err := r.collection.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return apperr.Wrap(apperr.CategoryTransient, "saga delete", err)
	}
	if result.DeletedCount == 0 {
		return apperr.NotFound(fmt.Sprintf("saga instance %s not found", id))
	}
	return nil
}
