package mongostore

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"go.heromessaging.dev/internal/common/apperr"
	"go.heromessaging.dev/internal/scheduler"
)

// ScheduledStore is the MongoDB scheduler.Store. Claim and Cancel race on
// status Pending and the Mark operations filter on Processing, so only one
// outcome ever commits for a schedule.
type ScheduledStore struct {
	collection *mongo.Collection
}

// NewScheduledStore creates a store on the given database.
func NewScheduledStore(db *mongo.Database) *ScheduledStore {
	return &ScheduledStore{collection: db.Collection(scheduledCollection)}
}

func (s *ScheduledStore) Add(ctx context.Context, sm *scheduler.ScheduledMessage) error {
	if _, err := s.collection.InsertOne(ctx, sm); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return apperr.Conflict(fmt.Sprintf("schedule %s already exists", sm.ScheduleID))
		}
		return apperr.Wrap(apperr.CategoryTransient, "schedule insert", err)
	}
	return nil
}

func (s *ScheduledStore) GetDue(ctx context.Context, asOf time.Time, limit int) ([]*scheduler.ScheduledMessage, error) {
	filter := bson.M{
		"status":    int(scheduler.StatusPending),
		"deliverAt": bson.M{"$lte": asOf},
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "deliverAt", Value: 1}, {Key: "priority", Value: -1}}).
		SetLimit(int64(limit))

	cursor, err := s.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, apperr.Wrap(apperr.CategoryTransient, "schedule fetch due", err)
	}
	defer cursor.Close(ctx)

	var due []*scheduler.ScheduledMessage
	if err := cursor.All(ctx, &due); err != nil {
		return nil, apperr.Wrap(apperr.CategoryTransient, "schedule decode due", err)
	}
	return due, nil
}

func (s *ScheduledStore) Get(ctx context.Context, scheduleID string) (*scheduler.ScheduledMessage, error) {
	var sm scheduler.ScheduledMessage
	err := s.collection.FindOne(ctx, bson.M{"_id": scheduleID}).Decode(&sm)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.CategoryTransient, "schedule get", err)
	}
	return &sm, nil
}

func (s *ScheduledStore) Claim(ctx context.Context, scheduleID string) (bool, error) {
	filter := bson.M{"_id": scheduleID, "status": int(scheduler.StatusPending)}
	update := bson.M{"$set": bson.M{
		"status":    int(scheduler.StatusProcessing),
		"updatedAt": time.Now(),
	}}

	result, err := s.collection.UpdateOne(ctx, filter, update)
	if err != nil {
		return false, apperr.Wrap(apperr.CategoryTransient, "schedule claim", err)
	}
	return result.ModifiedCount == 1, nil
}

func (s *ScheduledStore) Cancel(ctx context.Context, scheduleID string) (bool, error) {
	filter := bson.M{"_id": scheduleID, "status": int(scheduler.StatusPending)}
	update := bson.M{"$set": bson.M{"status": int(scheduler.StatusCancelled)}}

	result, err := s.collection.UpdateOne(ctx, filter, update)
	if err != nil {
		return false, apperr.Wrap(apperr.CategoryTransient, "schedule cancel", err)
	}
	return result.ModifiedCount == 1, nil
}

func (s *ScheduledStore) MarkDelivered(ctx context.Context, scheduleID string) error {
	update := bson.M{"$set": bson.M{
		"status":      int(scheduler.StatusDelivered),
		"deliveredAt": time.Now(),
	}}
	return s.markProcessing(ctx, scheduleID, update, "schedule mark delivered")
}

func (s *ScheduledStore) MarkFailed(ctx context.Context, scheduleID string, lastError string) error {
	update := bson.M{"$set": bson.M{
		"status":    int(scheduler.StatusFailed),
		"lastError": lastError,
	}}
	return s.markProcessing(ctx, scheduleID, update, "schedule mark failed")
}

// markProcessing applies an outcome only while the schedule is claimed. A
// miss on a schedule that exists means this worker never held the claim;
// that is not an error.
func (s *ScheduledStore) markProcessing(ctx context.Context, scheduleID string, update bson.M, op string) error {
	filter := bson.M{"_id": scheduleID, "status": int(scheduler.StatusProcessing)}
	result, err := s.collection.UpdateOne(ctx, filter, update)
	if err != nil {
		return apperr.Wrap(apperr.CategoryTransient, op, err)
	}
	if result.MatchedCount == 1 {
		return nil
	}

	count, err := s.collection.CountDocuments(ctx, bson.M{"_id": scheduleID}, options.Count().SetLimit(1))
	if err != nil {
		return apperr.Wrap(apperr.CategoryTransient, op, err)
	}
	if count == 0 {
		return apperr.NotFound(fmt.Sprintf("schedule %s not found", scheduleID))
	}
	return nil
}

func (s *ScheduledStore) GetPendingCount(ctx context.Context) (int, error) {
	count, err := s.collection.CountDocuments(ctx, bson.M{"status": int(scheduler.StatusPending)})
	if err != nil {
		return 0, apperr.Wrap(apperr.CategoryTransient, "schedule count pending", err)
	}
	return int(count), nil
}

func (s *ScheduledStore) GetPending(ctx context.Context, limit int) ([]*scheduler.ScheduledMessage, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "deliverAt", Value: 1}}).
		SetLimit(int64(limit))

	cursor, err := s.collection.Find(ctx, bson.M{"status": int(scheduler.StatusPending)}, opts)
	if err != nil {
		return nil, apperr.Wrap(apperr.CategoryTransient, "schedule fetch pending", err)
	}
	defer cursor.Close(ctx)

	var pending []*scheduler.ScheduledMessage
	if err := cursor.All(ctx, &pending); err != nil {
		return nil, apperr.Wrap(apperr.CategoryTransient, "schedule decode pending", err)
	}
	return pending, nil
}
