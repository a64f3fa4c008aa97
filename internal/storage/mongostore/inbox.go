package mongostore

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"go.heromessaging.dev/internal/common/apperr"
	"go.heromessaging.dev/internal/common/tsid"
	"go.heromessaging.dev/internal/inbox"
)

// InboxStore is the MongoDB inbox.Store. First arrivals live in the main
// collection keyed by message id; Duplicate entries share that id, so they
// go to a side collection under a generated key.
type InboxStore struct {
	entries    *mongo.Collection
	duplicates *mongo.Collection
}

// NewInboxStore creates a store on the given database.
func NewInboxStore(db *mongo.Database) *InboxStore {
	return &InboxStore{
		entries:    db.Collection(inboxCollection),
		duplicates: db.Collection(inboxDuplicateCollection),
	}
}

func (s *InboxStore) Add(ctx context.Context, entry *inbox.Entry) error {
	if entry.Status == inbox.StatusDuplicate {
		doc := bson.M{
			"_id":              tsid.Generate(),
			"messageId":        entry.MessageID,
			"source":           entry.Source,
			"receivedAt":       entry.ReceivedAt,
			"deduplicationKey": entry.DeduplicationKey,
		}
		if _, err := s.duplicates.InsertOne(ctx, doc); err != nil {
			return apperr.Wrap(apperr.CategoryTransient, "inbox duplicate insert", err)
		}
		return nil
	}

	if _, err := s.entries.InsertOne(ctx, entry); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return apperr.Conflict(fmt.Sprintf("inbox entry %s already exists", entry.MessageID))
		}
		return apperr.Wrap(apperr.CategoryTransient, "inbox insert", err)
	}
	return nil
}

func (s *InboxStore) IsDuplicate(ctx context.Context, deduplicationKey string, window time.Duration) (bool, error) {
	filter := bson.M{
		"deduplicationKey": deduplicationKey,
		"receivedAt":       bson.M{"$gt": time.Now().Add(-window)},
	}
	count, err := s.entries.CountDocuments(ctx, filter, options.Count().SetLimit(1))
	if err != nil {
		return false, apperr.Wrap(apperr.CategoryTransient, "inbox duplicate check", err)
	}
	return count > 0, nil
}

func (s *InboxStore) Get(ctx context.Context, messageID string) (*inbox.Entry, error) {
	var entry inbox.Entry
	err := s.entries.FindOne(ctx, bson.M{"_id": messageID}).Decode(&entry)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.CategoryTransient, "inbox get", err)
	}
	return &entry, nil
}

func (s *InboxStore) MarkProcessed(ctx context.Context, messageID string) error {
	update := bson.M{"$set": bson.M{
		"status":      int(inbox.StatusProcessed),
		"processedAt": time.Now(),
	}}
	return s.updateByID(ctx, messageID, update, "inbox mark processed")
}

func (s *InboxStore) MarkFailed(ctx context.Context, messageID string, handlerError string) error {
	update := bson.M{"$set": bson.M{
		"status": int(inbox.StatusFailed),
		"error":  handlerError,
	}}
	return s.updateByID(ctx, messageID, update, "inbox mark failed")
}

func (s *InboxStore) updateByID(ctx context.Context, messageID string, update bson.M, op string) error {
	result, err := s.entries.UpdateOne(ctx, bson.M{"_id": messageID}, update)
	if err != nil {
		return apperr.Wrap(apperr.CategoryTransient, op, err)
	}
	if result.MatchedCount == 0 {
		return apperr.NotFound(fmt.Sprintf("inbox entry %s not found", messageID))
	}
	return nil
}

func (s *InboxStore) GetUnprocessed(ctx context.Context, limit int) ([]*inbox.Entry, error) {
	filter := bson.M{"status": bson.M{"$in": []int{
		int(inbox.StatusPending),
		int(inbox.StatusFailed),
	}}}
	opts := options.Find().
		SetSort(bson.D{{Key: "receivedAt", Value: 1}}).
		SetLimit(int64(limit))

	cursor, err := s.entries.Find(ctx, filter, opts)
	if err != nil {
		return nil, apperr.Wrap(apperr.CategoryTransient, "inbox fetch unprocessed", err)
	}
	defer cursor.Close(ctx)

	var entries []*inbox.Entry
	if err := cursor.All(ctx, &entries); err != nil {
		return nil, apperr.Wrap(apperr.CategoryTransient, "inbox decode unprocessed", err)
	}
	return entries, nil
}

func (s *InboxStore) CleanupOldEntries(ctx context.Context, retentionProcessed, retentionFailed time.Duration) (int, error) {
	now := time.Now()
	processedCutoff := now.Add(-retentionProcessed)

	processed, err := s.entries.DeleteMany(ctx, bson.M{
		"status":     int(inbox.StatusProcessed),
		"receivedAt": bson.M{"$lt": processedCutoff},
	})
	if err != nil {
		return 0, apperr.Wrap(apperr.CategoryTransient, "inbox cleanup", err)
	}
	removed := processed.DeletedCount

	if retentionFailed > 0 {
		failed, err := s.entries.DeleteMany(ctx, bson.M{
			"status":     int(inbox.StatusFailed),
			"receivedAt": bson.M{"$lt": now.Add(-retentionFailed)},
		})
		if err != nil {
			return int(removed), apperr.Wrap(apperr.CategoryTransient, "inbox failed cleanup", err)
		}
		removed += failed.DeletedCount
	}

	duplicates, err := s.duplicates.DeleteMany(ctx, bson.M{
		"receivedAt": bson.M{"$lt": processedCutoff},
	})
	if err != nil {
		return int(removed), apperr.Wrap(apperr.CategoryTransient, "inbox duplicate cleanup", err)
	}
	return int(removed + duplicates.DeletedCount), nil
}

func (s *InboxStore) PurgeFailed(ctx context.Context) (int, error) {
	result, err := s.entries.DeleteMany(ctx, bson.M{"status": int(inbox.StatusFailed)})
	if err != nil {
		return 0, apperr.Wrap(apperr.CategoryTransient, "inbox purge failed", err)
	}
	return int(result.DeletedCount), nil
}
