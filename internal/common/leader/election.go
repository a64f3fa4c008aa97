// Package leader provides distributed leader election. When several host
// instances share one database, the outbox relay and the storage-backed
// scheduler must poll from exactly one of them; the electors here gate
// those pollers. MongoDB and Redis backings implement the same Elector
// contract.
package leader

import (
	"context"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"go.heromessaging.dev/internal/common/tsid"
)

// Elector is the contract shared by the MongoDB and Redis electors.
type Elector interface {
	// OnBecomeLeader sets the callback invoked on acquiring leadership.
	OnBecomeLeader(fn func())

	// OnLoseLeadership sets the callback invoked on losing leadership.
	OnLoseLeadership(fn func())

	// Start begins campaigning for the lock.
	Start(ctx context.Context) error

	// Stop ends the campaign and releases the lock if held.
	Stop()

	// IsLeader reports whether this instance currently holds the lock.
	IsLeader() bool
}

// leaderLock is the lock document. One document per lock name; ownership
// is whoever last wrote instanceId before expiry.
type leaderLock struct {
	ID         string    `bson:"_id"`
	InstanceID string    `bson:"instanceId"`
	AcquiredAt time.Time `bson:"acquiredAt"`
	ExpiresAt  time.Time `bson:"expiresAt"`
}

// ElectorConfig holds configuration for leader election
type ElectorConfig struct {
	// InstanceID uniquely identifies this instance (defaults to hostname)
	InstanceID string

	// LockName names the lock, for example "outbox-relay"
	LockName string

	// TTL is how long the lock is valid before expiring (default: 30s)
	TTL time.Duration

	// RefreshInterval is how often to refresh the lock while leading (default: 10s)
	RefreshInterval time.Duration
}

// DefaultElectorConfig returns sensible defaults
func DefaultElectorConfig(lockName string) *ElectorConfig {
	instanceID, _ := os.Hostname()
	if instanceID == "" {
		instanceID = "instance-" + tsid.Generate()
	}

	return &ElectorConfig{
		InstanceID:      instanceID,
		LockName:        lockName,
		TTL:             30 * time.Second,
		RefreshInterval: 10 * time.Second,
	}
}

// LeaderElector campaigns for a lock document in MongoDB. Acquisition is a
// FindOneAndUpdate guarded on expiry or prior ownership, so two instances
// can never both own an unexpired lock.
type LeaderElector struct {
	collection       *mongo.Collection
	config           *ElectorConfig
	isLeader         atomic.Bool
	ctx              context.Context
	cancel           context.CancelFunc
	refreshStopped   chan struct{}
	onBecomeLeader   func()
	onLoseLeadership func()
}

// NewLeaderElector creates a MongoDB-backed elector.
func NewLeaderElector(db *mongo.Database, config *ElectorConfig) *LeaderElector {
	if config == nil {
		config = DefaultElectorConfig("default-leader")
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &LeaderElector{
		collection:     db.Collection("leader_locks"),
		config:         config,
		ctx:            ctx,
		cancel:         cancel,
		refreshStopped: make(chan struct{}),
	}
}

// OnBecomeLeader sets a callback for when this instance becomes leader
func (e *LeaderElector) OnBecomeLeader(fn func()) {
	e.onBecomeLeader = fn
}

// OnLoseLeadership sets a callback for when this instance loses leadership
func (e *LeaderElector) OnLoseLeadership(fn func()) {
	e.onLoseLeadership = fn
}

// Start begins campaigning. A TTL index on expiresAt lets MongoDB reap
// locks from crashed instances.
func (e *LeaderElector) Start(ctx context.Context) error {
	indexModel := mongo.IndexModel{
		Keys: bson.D{{Key: "expiresAt", Value: 1}},
		Options: options.Index().
			SetExpireAfterSeconds(0).
			SetName("ttl_expiresAt"),
	}

	if _, err := e.collection.Indexes().CreateOne(ctx, indexModel); err != nil {
		// Index may already exist
		slog.Debug("Could not create TTL index", "error", err)
	}

	go e.electionLoop()

	slog.Info("Leader election started",
		"instanceId", e.config.InstanceID,
		"lockName", e.config.LockName,
		"ttl", e.config.TTL,
		"refreshInterval", e.config.RefreshInterval)

	return nil
}

// Stop stops the campaign and releases the lock if held.
func (e *LeaderElector) Stop() {
	e.cancel()
	<-e.refreshStopped

	if e.isLeader.Load() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		e.Release(ctx)
	}

	slog.Info("Leader election stopped", "instanceId", e.config.InstanceID)
}

// IsLeader reports whether this instance currently holds the lock.
func (e *LeaderElector) IsLeader() bool {
	return e.isLeader.Load()
}

// InstanceID returns the instance ID of this elector
func (e *LeaderElector) InstanceID() string {
	return e.config.InstanceID
}

func (e *LeaderElector) electionLoop() {
	defer close(e.refreshStopped)

	ticker := time.NewTicker(e.config.RefreshInterval)
	defer ticker.Stop()

	e.tryAcquireOrRefresh()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			e.tryAcquireOrRefresh()
		}
	}
}

func (e *LeaderElector) tryAcquireOrRefresh() {
	ctx, cancel := context.WithTimeout(e.ctx, 5*time.Second)
	defer cancel()

	wasLeader := e.isLeader.Load()

	if wasLeader {
		if e.refresh(ctx) {
			return
		}
		e.isLeader.Store(false)
		slog.Warn("Lost leadership, refresh failed",
			"instanceId", e.config.InstanceID,
			"lockName", e.config.LockName)
		if e.onLoseLeadership != nil {
			e.onLoseLeadership()
		}
	}

	if e.tryAcquire(ctx) {
		if !wasLeader {
			slog.Info("Acquired leadership",
				"instanceId", e.config.InstanceID,
				"lockName", e.config.LockName)
			if e.onBecomeLeader != nil {
				e.onBecomeLeader()
			}
		}
		e.isLeader.Store(true)
	}
}

// tryAcquire takes the lock when it is absent, expired, or already ours.
func (e *LeaderElector) tryAcquire(ctx context.Context) bool {
	now := time.Now()
	expiresAt := now.Add(e.config.TTL)

	filter := bson.M{
		"_id": e.config.LockName,
		"$or": []bson.M{
			{"expiresAt": bson.M{"$lt": now}},
			{"instanceId": e.config.InstanceID},
		},
	}

	update := bson.M{
		"$set": bson.M{
			"instanceId": e.config.InstanceID,
			"acquiredAt": now,
			"expiresAt":  expiresAt,
		},
	}

	opts := options.FindOneAndUpdate().
		SetUpsert(true).
		SetReturnDocument(options.After)

	var result leaderLock
	err := e.collection.FindOneAndUpdate(ctx, filter, update, opts).Decode(&result)

	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			// Another instance holds an unexpired lock; the upsert raced
			// against it
			slog.Debug("Lock held by another instance",
				"instanceId", e.config.InstanceID,
				"lockName", e.config.LockName)
			return false
		}

		if err == mongo.ErrNoDocuments {
			lock := leaderLock{
				ID:         e.config.LockName,
				InstanceID: e.config.InstanceID,
				AcquiredAt: now,
				ExpiresAt:  expiresAt,
			}
			_, insertErr := e.collection.InsertOne(ctx, lock)
			if insertErr != nil {
				if !mongo.IsDuplicateKeyError(insertErr) {
					slog.Error("Failed to insert leader lock", "error", insertErr)
				}
				return false
			}
			return true
		}

		slog.Error("Failed to acquire leader lock",
			"error", err,
			"lockName", e.config.LockName)
		return false
	}

	return result.InstanceID == e.config.InstanceID
}

// refresh extends the expiry on a lock we hold. A zero match means the
// lock moved to another instance.
func (e *LeaderElector) refresh(ctx context.Context) bool {
	now := time.Now()
	expiresAt := now.Add(e.config.TTL)

	filter := bson.M{
		"_id":        e.config.LockName,
		"instanceId": e.config.InstanceID,
	}

	update := bson.M{
		"$set": bson.M{
			"expiresAt": expiresAt,
		},
	}

	result, err := e.collection.UpdateOne(ctx, filter, update)
	if err != nil {
		slog.Error("Failed to refresh leader lock",
			"error", err,
			"lockName", e.config.LockName)
		return false
	}

	if result.MatchedCount == 0 {
		slog.Debug("Lock no longer held by this instance",
			"instanceId", e.config.InstanceID,
			"lockName", e.config.LockName)
		return false
	}

	return true
}

// Release explicitly deletes the lock if this instance owns it.
func (e *LeaderElector) Release(ctx context.Context) {
	filter := bson.M{
		"_id":        e.config.LockName,
		"instanceId": e.config.InstanceID,
	}

	result, err := e.collection.DeleteOne(ctx, filter)
	if err != nil {
		slog.Error("Failed to release leader lock",
			"error", err,
			"lockName", e.config.LockName)
		return
	}

	if result.DeletedCount > 0 {
		slog.Info("Released leader lock",
			"instanceId", e.config.InstanceID,
			"lockName", e.config.LockName)
	}

	e.isLeader.Store(false)
}

// CurrentLeader returns the instance ID of the current leader, or an empty
// string when no unexpired lock exists.
func (e *LeaderElector) CurrentLeader(ctx context.Context) (string, error) {
	filter := bson.M{
		"_id":       e.config.LockName,
		"expiresAt": bson.M{"$gt": time.Now()},
	}

	var lock leaderLock
	err := e.collection.FindOne(ctx, filter).Decode(&lock)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return "", nil
		}
		return "", err
	}

	return lock.InstanceID, nil
}
