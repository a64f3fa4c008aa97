package inbox

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.heromessaging.dev/internal/common/metrics"
	"go.heromessaging.dev/internal/message"
)

// FilterConfig holds configuration for the inbox filter
type FilterConfig struct {
	// DedupWindow is the interval during which a repeated key is a duplicate
	DedupWindow time.Duration

	// RetentionProcessed is how long Processed and Duplicate entries are
	// kept
	RetentionProcessed time.Duration

	// RetentionFailed is how long Failed entries are kept; zero retains
	// them for replay until purged explicitly
	RetentionFailed time.Duration

	// CleanupInterval is how often the retention sweep runs
	CleanupInterval time.Duration

	// KeyFunc derives the deduplication key; nil keys by message id
	KeyFunc func(msg *message.Message) string
}

// DefaultFilterConfig returns sensible defaults
func DefaultFilterConfig() *FilterConfig {
	return &FilterConfig{
		DedupWindow:        24 * time.Hour,
		RetentionProcessed: 7 * 24 * time.Hour,
		CleanupInterval:    time.Hour,
	}
}

// Handler processes a deduplicated inbound message.
type Handler func(ctx context.Context, msg *message.Message) error

// Filter deduplicates inbound messages against the inbox store and runs the
// handler for first arrivals only.
type Filter struct {
	config *FilterConfig
	store  Store

	// Lifecycle for the cleanup loop
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	running   bool
	runningMu sync.Mutex
}

// NewFilter creates an inbox filter.
func NewFilter(store Store, config *FilterConfig) *Filter {
	if config == nil {
		config = DefaultFilterConfig()
	}
	if config.DedupWindow <= 0 {
		config.DedupWindow = 24 * time.Hour
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Filter{
		config: config,
		store:  store,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Receive runs the idempotent-inbox protocol for one arrival: record or
// drop, invoke the handler for first arrivals, then commit the outcome.
// Duplicate arrivals return nil without touching the handler.
func (f *Filter) Receive(ctx context.Context, source string, msg *message.Message, handle Handler) error {
	key := msg.ID
	if f.config.KeyFunc != nil {
		key = f.config.KeyFunc(msg)
	}

	dup, err := f.store.IsDuplicate(ctx, key, f.config.DedupWindow)
	if err != nil {
		return err
	}
	if dup {
		// Record the repeat arrival and drop the message.
		_ = f.store.Add(ctx, &Entry{
			MessageID:        msg.ID,
			Source:           source,
			ReceivedAt:       time.Now(),
			Status:           StatusDuplicate,
			DeduplicationKey: key,
		})
		metrics.InboxMessages.WithLabelValues("duplicate").Inc()
		slog.Debug("Dropped duplicate message",
			"messageId", msg.ID,
			"deduplicationKey", key,
			"source", source)
		return nil
	}

	entry := &Entry{
		MessageID:        msg.ID,
		Source:           source,
		ReceivedAt:       time.Now(),
		Status:           StatusPending,
		DeduplicationKey: key,
	}
	if err := f.store.Add(ctx, entry); err != nil {
		return err
	}

	if err := handle(ctx, msg); err != nil {
		if markErr := f.store.MarkFailed(ctx, msg.ID, err.Error()); markErr != nil {
			slog.Error("Failed to mark inbox entry failed", "error", markErr, "messageId", msg.ID)
		}
		metrics.InboxMessages.WithLabelValues("failed").Inc()
		return err
	}

	if err := f.store.MarkProcessed(ctx, msg.ID); err != nil {
		slog.Error("Failed to mark inbox entry processed", "error", err, "messageId", msg.ID)
	}
	metrics.InboxMessages.WithLabelValues("processed").Inc()
	return nil
}

// Unprocessed returns entries awaiting processing or retained after failure.
func (f *Filter) Unprocessed(ctx context.Context, limit int) ([]*Entry, error) {
	return f.store.GetUnprocessed(ctx, limit)
}

// Start starts the periodic retention sweep.
func (f *Filter) Start() {
	f.runningMu.Lock()
	defer f.runningMu.Unlock()

	if f.running {
		return
	}
	f.running = true

	if f.config.CleanupInterval <= 0 {
		return
	}

	f.wg.Add(1)
	go f.runCleanup()

	slog.Info("Inbox filter started",
		"dedupWindow", f.config.DedupWindow,
		"retentionProcessed", f.config.RetentionProcessed,
		"retentionFailed", f.config.RetentionFailed,
		"cleanupInterval", f.config.CleanupInterval)
}

// Stop stops the retention sweep.
func (f *Filter) Stop() {
	f.runningMu.Lock()
	f.running = false
	f.runningMu.Unlock()

	f.cancel()
	f.wg.Wait()

	slog.Info("Inbox filter stopped")
}

func (f *Filter) runCleanup() {
	defer f.wg.Done()

	ticker := time.NewTicker(f.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-f.ctx.Done():
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(f.ctx, 30*time.Second)
			removed, err := f.store.CleanupOldEntries(ctx, f.config.RetentionProcessed, f.config.RetentionFailed)
			cancel()
			if err != nil {
				slog.Error("Inbox cleanup failed", "error", err)
				continue
			}
			if removed > 0 {
				slog.Info("Inbox cleanup removed old entries", "count", removed)
			}
		}
	}
}
