package policy

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"go.heromessaging.dev/internal/common/apperr"
	"go.heromessaging.dev/internal/message"
)

// IdempotencyOutcome tags a stored invocation outcome.
type IdempotencyOutcome int

const (
	// OutcomeSuccess - the handler completed and its payload is stored
	OutcomeSuccess IdempotencyOutcome = iota

	// OutcomeFailure - the handler failed with a cacheable failure
	OutcomeFailure
)

// IdempotencyResponse is the stored outcome for a key. Lookup after
// ExpiresAt behaves as not-present.
type IdempotencyResponse struct {
	Key             string
	Status          IdempotencyOutcome
	Payload         []byte
	FailureCategory apperr.Category
	FailureMessage  string
	StoredAt        time.Time
	ExpiresAt       time.Time
}

// Expired reports whether the response has passed its expiry.
func (r *IdempotencyResponse) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && now.After(r.ExpiresAt)
}

// IdempotencyStore persists invocation outcomes keyed by idempotency key.
// At most one entry exists per key.
type IdempotencyStore interface {
	// Get returns the stored response, or nil if absent or expired.
	Get(ctx context.Context, key string) (*IdempotencyResponse, error)

	// StoreSuccess records a successful outcome with its payload.
	StoreSuccess(ctx context.Context, key string, payload []byte, ttl time.Duration) error

	// StoreFailure records a cacheable failure.
	StoreFailure(ctx context.Context, key string, category apperr.Category, message string, ttl time.Duration) error

	// Exists reports whether a non-expired entry exists for the key.
	Exists(ctx context.Context, key string) (bool, error)

	// CleanupExpired removes expired entries, returning the count removed.
	CleanupExpired(ctx context.Context) (int, error)
}

// KeyGenerator derives the idempotency key for a message.
type KeyGenerator interface {
	Key(msg *message.Message) string
}

// MessageIDKey keys by the message's stable id.
type MessageIDKey struct{}

func (MessageIDKey) Key(msg *message.Message) string {
	return msg.Type + ":" + msg.ID
}

// ContentHashKey keys by a SHA-256 hash of the message type and payload,
// so re-sent messages with fresh ids but identical content deduplicate.
type ContentHashKey struct{}

func (ContentHashKey) Key(msg *message.Message) string {
	h := sha256.New()
	h.Write([]byte(msg.Type))
	if data, err := json.Marshal(msg.Payload); err == nil {
		h.Write(data)
	}
	return msg.Type + ":" + hex.EncodeToString(h.Sum(nil))
}

// MetadataKey keys by a composite projection of metadata fields.
type MetadataKey struct {
	Fields []string
}

func (k MetadataKey) Key(msg *message.Message) string {
	fields := append([]string(nil), k.Fields...)
	sort.Strings(fields)

	parts := make([]string, 0, len(fields)+1)
	parts = append(parts, msg.Type)
	for _, f := range fields {
		parts = append(parts, f+"="+msg.Meta(f))
	}
	return strings.Join(parts, "|")
}

// FailureClassifier decides whether a failure is an idempotent failure and
// may be cached. Transient conditions must never be cached: retrying them
// later could legitimately succeed.
type FailureClassifier func(err error) bool

// DefaultFailureClassifier caches validation and business-rule failures
// only.
func DefaultFailureClassifier(err error) bool {
	switch apperr.CategoryOf(err) {
	case apperr.CategoryValidation, apperr.CategoryNotFound:
		return true
	default:
		return false
	}
}

// IdempotencyConfig configures the checker.
type IdempotencyConfig struct {
	TTLSuccess    time.Duration
	TTLFailure    time.Duration
	CacheFailures bool
	Classifier    FailureClassifier
}

// DefaultIdempotencyConfig returns sensible defaults
func DefaultIdempotencyConfig() IdempotencyConfig {
	return IdempotencyConfig{
		TTLSuccess:    24 * time.Hour,
		TTLFailure:    time.Hour,
		CacheFailures: false,
		Classifier:    DefaultFailureClassifier,
	}
}

// IdempotencyChecker looks up and records invocation outcomes. The
// processing decorator short-circuits on a hit, returning the stored
// payload or re-raising the reconstructed failure.
type IdempotencyChecker struct {
	store  IdempotencyStore
	keys   KeyGenerator
	config IdempotencyConfig
}

// NewIdempotencyChecker creates a checker.
func NewIdempotencyChecker(store IdempotencyStore, keys KeyGenerator, config IdempotencyConfig) *IdempotencyChecker {
	if keys == nil {
		keys = MessageIDKey{}
	}
	if config.Classifier == nil {
		config.Classifier = DefaultFailureClassifier
	}
	return &IdempotencyChecker{store: store, keys: keys, config: config}
}

// KeyFor derives the key for a message.
func (c *IdempotencyChecker) KeyFor(msg *message.Message) string {
	return c.keys.Key(msg)
}

// Lookup returns the stored response for the message's key, or nil.
func (c *IdempotencyChecker) Lookup(ctx context.Context, key string) (*IdempotencyResponse, error) {
	return c.store.Get(ctx, key)
}

// RecordSuccess stores a successful outcome.
func (c *IdempotencyChecker) RecordSuccess(ctx context.Context, key string, payload []byte) error {
	return c.store.StoreSuccess(ctx, key, payload, c.config.TTLSuccess)
}

// RecordFailure stores a failure when failure caching is enabled and the
// classifier marks the failure idempotent. Returns true when cached.
func (c *IdempotencyChecker) RecordFailure(ctx context.Context, key string, err error) (bool, error) {
	if !c.config.CacheFailures || !c.config.Classifier(err) {
		return false, nil
	}
	category := apperr.CategoryOf(err)
	if storeErr := c.store.StoreFailure(ctx, key, category, err.Error(), c.config.TTLFailure); storeErr != nil {
		return false, storeErr
	}
	return true, nil
}

// Reconstruct turns a stored failure back into the error surfaced to the
// caller on replay.
func (r *IdempotencyResponse) Reconstruct() error {
	if r.Status != OutcomeFailure {
		return nil
	}
	return apperr.New(r.FailureCategory, r.FailureMessage)
}
