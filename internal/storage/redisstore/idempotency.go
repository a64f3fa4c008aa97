// Package redisstore implements the idempotency store on Redis. Expiry
// rides on Redis key TTLs, which makes it the natural fit for
// high-churn idempotency entries shared across processes.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"go.heromessaging.dev/internal/common/apperr"
	"go.heromessaging.dev/internal/policy"
)

const idempotencyKeyPrefix = "heromessaging:idem:"

// IdempotencyStore is a Redis-backed policy.IdempotencyStore.
type IdempotencyStore struct {
	client *redis.Client
}

// NewIdempotencyStore creates a store on an existing Redis client.
func NewIdempotencyStore(client *redis.Client) *IdempotencyStore {
	return &IdempotencyStore{client: client}
}

// storedResponse is the Redis value layout.
type storedResponse struct {
	Status          int       `json:"status"`
	Payload         []byte    `json:"payload,omitempty"`
	FailureCategory int       `json:"failureCategory,omitempty"`
	FailureMessage  string    `json:"failureMessage,omitempty"`
	StoredAt        time.Time `json:"storedAt"`
	ExpiresAt       time.Time `json:"expiresAt"`
}

func (s *IdempotencyStore) Get(ctx context.Context, key string) (*policy.IdempotencyResponse, error) {
	data, err := s.client.Get(ctx, idempotencyKeyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.CategoryTransient, "idempotency get", err)
	}

	var stored storedResponse
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, apperr.Wrap(apperr.CategoryFatal, "idempotency entry corrupt", err)
	}
	return &policy.IdempotencyResponse{
		Key:             key,
		Status:          policy.IdempotencyOutcome(stored.Status),
		Payload:         stored.Payload,
		FailureCategory: apperr.Category(stored.FailureCategory),
		FailureMessage:  stored.FailureMessage,
		StoredAt:        stored.StoredAt,
		ExpiresAt:       stored.ExpiresAt,
	}, nil
}

func (s *IdempotencyStore) StoreSuccess(ctx context.Context, key string, payload []byte, ttl time.Duration) error {
	now := time.Now()
	return s.set(ctx, key, &storedResponse{
		Status:    int(policy.OutcomeSuccess),
		Payload:   payload,
		StoredAt:  now,
		ExpiresAt: now.Add(ttl),
	}, ttl)
}

func (s *IdempotencyStore) StoreFailure(ctx context.Context, key string, category apperr.Category, message string, ttl time.Duration) error {
	now := time.Now()
	return s.set(ctx, key, &storedResponse{
		Status:          int(policy.OutcomeFailure),
		FailureCategory: int(category),
		FailureMessage:  message,
		StoredAt:        now,
		ExpiresAt:       now.Add(ttl),
	}, ttl)
}

func (s *IdempotencyStore) set(ctx context.Context, key string, stored *storedResponse, ttl time.Duration) error {
	data, err := json.Marshal(stored)
	if err != nil {
		return apperr.Wrap(apperr.CategoryFatal, "encoding idempotency entry", err)
	}
	if err := s.client.Set(ctx, idempotencyKeyPrefix+key, data, ttl).Err(); err != nil {
		return apperr.Wrap(apperr.CategoryTransient, "idempotency set", err)
	}
	return nil
}

func (s *IdempotencyStore) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, idempotencyKeyPrefix+key).Result()
	if err != nil {
		return false, apperr.Wrap(apperr.CategoryTransient, "idempotency exists", err)
	}
	return n > 0, nil
}

// CleanupExpired is a no-op: Redis evicts expired keys itself.
func (s *IdempotencyStore) CleanupExpired(context.Context) (int, error) {
	return 0, nil
}
