// Package mongostore implements the durable stores on MongoDB: outbox,
// inbox, saga instances and scheduled messages. Status fields are integer
// codes and every claim or cancel is a single-document compare-and-swap,
// so multiple relay workers can share one database.
package mongostore

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Collection names.
const (
	outboxCollection         = "outbox_entries"
	inboxCollection          = "inbox_entries"
	inboxDuplicateCollection = "inbox_duplicates"
	sagaCollection           = "saga_instances"
	scheduledCollection      = "scheduled_messages"
)

// EnsureIndexes creates the indexes every store in this package relies on.
// MongoDB creates collections implicitly, so indexes are all the schema
// there is. Call once on startup.
func EnsureIndexes(ctx context.Context, db *mongo.Database) error {
	type indexSpec struct {
		collection string
		model      mongo.IndexModel
	}

	specs := []indexSpec{
		// Outbox polling: eligible entries ordered by priority then age.
		{outboxCollection, mongo.IndexModel{
			Keys: bson.D{
				{Key: "status", Value: 1},
				{Key: "priority", Value: -1},
				{Key: "createdAt", Value: 1},
			},
			Options: options.Index().
				SetName("idx_outbox_pending").
				SetPartialFilterExpression(bson.M{"status": 0}),
		}},
		// Crash recovery: stuck Processing entries by claim age.
		{outboxCollection, mongo.IndexModel{
			Keys: bson.D{
				{Key: "status", Value: 1},
				{Key: "updatedAt", Value: 1},
			},
			Options: options.Index().
				SetName("idx_outbox_stuck").
				SetPartialFilterExpression(bson.M{"status": 9}),
		}},
		// Inbox deduplication window lookups.
		{inboxCollection, mongo.IndexModel{
			Keys: bson.D{
				{Key: "deduplicationKey", Value: 1},
				{Key: "receivedAt", Value: -1},
			},
			Options: options.Index().SetName("idx_inbox_dedup"),
		}},
		{inboxCollection, mongo.IndexModel{
			Keys: bson.D{
				{Key: "status", Value: 1},
				{Key: "receivedAt", Value: 1},
			},
			Options: options.Index().SetName("idx_inbox_status"),
		}},
		{inboxDuplicateCollection, mongo.IndexModel{
			Keys:    bson.D{{Key: "receivedAt", Value: 1}},
			Options: options.Index().SetName("idx_dup_age"),
		}},
		// One live instance per (sagaType, correlationId): the unique
		// partial index makes concurrent initial events race on the insert.
		{sagaCollection, mongo.IndexModel{
			Keys: bson.D{
				{Key: "sagaType", Value: 1},
				{Key: "correlationId", Value: 1},
			},
			Options: options.Index().
				SetName("idx_saga_live_correlation").
				SetUnique(true).
				SetPartialFilterExpression(bson.M{"completed": false}),
		}},
		// Scheduler polling: due Pending messages.
		{scheduledCollection, mongo.IndexModel{
			Keys: bson.D{
				{Key: "status", Value: 1},
				{Key: "deliverAt", Value: 1},
				{Key: "priority", Value: -1},
			},
			Options: options.Index().
				SetName("idx_scheduled_due").
				SetPartialFilterExpression(bson.M{"status": 0}),
		}},
	}

	for _, spec := range specs {
		if _, err := db.Collection(spec.collection).Indexes().CreateOne(ctx, spec.model); err != nil {
			return fmt.Errorf("create index on %s: %w", spec.collection, err)
		}
	}
	return nil
}
