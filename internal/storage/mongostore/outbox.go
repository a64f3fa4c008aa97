package mongostore

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"go.heromessaging.dev/internal/common/apperr"
	"go.heromessaging.dev/internal/common/repository"
	"go.heromessaging.dev/internal/outbox"
)

// OutboxStore is the MongoDB outbox.Store. Claim is a filtered UpdateOne
// on {_id, status: Pending}, so concurrent relay workers race on the
// document update and exactly one wins. Every mutation stamps updatedAt;
// stuck-entry recovery filters on it.
type OutboxStore struct {
	collection *mongo.Collection
}

// NewOutboxStore creates a store on the given database.
func NewOutboxStore(db *mongo.Database) *OutboxStore {
	return &OutboxStore{collection: db.Collection(outboxCollection)}
}

func (s *OutboxStore) Add(ctx context.Context, entry *outbox.Entry) error {
	doc := bson.M{
		"_id":         entry.ID,
		"message":     entry.Message,
		"destination": entry.Destination,
		"priority":    entry.Priority,
		"status":      int(entry.Status),
		"retryCount":  entry.RetryCount,
		"maxRetries":  entry.MaxRetries,
		"createdAt":   entry.CreatedAt,
		"updatedAt":   time.Now(),
	}
	if entry.NextRetryAt != nil {
		doc["nextRetryAt"] = *entry.NextRetryAt
	}

	return repository.InstrumentVoid(ctx, outboxCollection, "add", func() error {
		if _, err := s.collection.InsertOne(ctx, doc); err != nil {
			if mongo.IsDuplicateKeyError(err) {
				return apperr.Conflict(fmt.Sprintf("outbox entry %s already exists", entry.ID))
			}
			return apperr.Wrap(apperr.CategoryTransient, "outbox insert", err)
		}
		return nil
	})
}

func (s *OutboxStore) GetPending(ctx context.Context, limit int) ([]*outbox.Entry, error) {
	filter := bson.M{
		"status": int(outbox.StatusPending),
		"$or": []bson.M{
			{"nextRetryAt": bson.M{"$exists": false}},
			{"nextRetryAt": bson.M{"$lte": time.Now()}},
		},
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "priority", Value: -1}, {Key: "createdAt", Value: 1}}).
		SetLimit(int64(limit))

	return repository.Instrument(ctx, outboxCollection, "get_pending", func() ([]*outbox.Entry, error) {
		cursor, err := s.collection.Find(ctx, filter, opts)
		if err != nil {
			return nil, apperr.Wrap(apperr.CategoryTransient, "outbox fetch pending", err)
		}
		defer cursor.Close(ctx)

		var entries []*outbox.Entry
		if err := cursor.All(ctx, &entries); err != nil {
			return nil, apperr.Wrap(apperr.CategoryTransient, "outbox decode pending", err)
		}
		return entries, nil
	})
}

func (s *OutboxStore) Claim(ctx context.Context, id string) (bool, error) {
	filter := bson.M{"_id": id, "status": int(outbox.StatusPending)}
	update := bson.M{"$set": bson.M{
		"status":    int(outbox.StatusProcessing),
		"updatedAt": time.Now(),
	}}

	return repository.Instrument(ctx, outboxCollection, "claim", func() (bool, error) {
		result, err := s.collection.UpdateOne(ctx, filter, update)
		if err != nil {
			return false, apperr.Wrap(apperr.CategoryTransient, "outbox claim", err)
		}
		return result.ModifiedCount == 1, nil
	})
}

func (s *OutboxStore) MarkProcessed(ctx context.Context, id string) error {
	now := time.Now()
	update := bson.M{"$set": bson.M{
		"status":      int(outbox.StatusProcessed),
		"processedAt": now,
		"updatedAt":   now,
	}}
	return s.updateByID(ctx, id, update, "outbox mark processed")
}

func (s *OutboxStore) MarkFailed(ctx context.Context, id string, lastError string) error {
	update := bson.M{"$set": bson.M{
		"status":    int(outbox.StatusFailed),
		"lastError": lastError,
		"updatedAt": time.Now(),
	}}
	return s.updateByID(ctx, id, update, "outbox mark failed")
}

func (s *OutboxStore) UpdateRetryCount(ctx context.Context, id string, count int, nextRetryAt time.Time, lastError string) error {
	update := bson.M{"$set": bson.M{
		"status":      int(outbox.StatusPending),
		"retryCount":  count,
		"nextRetryAt": nextRetryAt,
		"lastError":   lastError,
		"updatedAt":   time.Now(),
	}}
	return s.updateByID(ctx, id, update, "outbox update retry count")
}

func (s *OutboxStore) updateByID(ctx context.Context, id string, update bson.M, op string) error {
	result, err := s.collection.UpdateOne(ctx, bson.M{"_id": id}, update)
	if err != nil {
		return apperr.Wrap(apperr.CategoryTransient, op, err)
	}
	if result.MatchedCount == 0 {
		return apperr.NotFound(fmt.Sprintf("outbox entry %s not found", id))
	}
	return nil
}

func (s *OutboxStore) GetPendingCount(ctx context.Context) (int, error) {
	count, err := s.collection.CountDocuments(ctx, bson.M{"status": int(outbox.StatusPending)})
	if err != nil {
		return 0, apperr.Wrap(apperr.CategoryTransient, "outbox count pending", err)
	}
	return int(count), nil
}

func (s *OutboxStore) GetFailed(ctx context.Context, limit int) ([]*outbox.Entry, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "createdAt", Value: 1}}).
		SetLimit(int64(limit))

	cursor, err := s.collection.Find(ctx, bson.M{"status": int(outbox.StatusFailed)}, opts)
	if err != nil {
		return nil, apperr.Wrap(apperr.CategoryTransient, "outbox fetch failed", err)
	}
	defer cursor.Close(ctx)

	var entries []*outbox.Entry
	if err := cursor.All(ctx, &entries); err != nil {
		return nil, apperr.Wrap(apperr.CategoryTransient, "outbox decode failed", err)
	}
	return entries, nil
}

func (s *OutboxStore) ResetStuckProcessing(ctx context.Context, maxAge time.Duration) (int, error) {
	filter := bson.M{"status": int(outbox.StatusProcessing)}
	if maxAge > 0 {
		filter["updatedAt"] = bson.M{"$lt": time.Now().Add(-maxAge)}
	}
	update := bson.M{"$set": bson.M{
		"status":    int(outbox.StatusPending),
		"updatedAt": time.Now(),
	}}

	result, err := s.collection.UpdateMany(ctx, filter, update)
	if err != nil {
		return 0, apperr.Wrap(apperr.CategoryTransient, "outbox reset stuck", err)
	}
	return int(result.ModifiedCount), nil
}
