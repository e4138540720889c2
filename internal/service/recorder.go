package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"crypto_sync/internal/domain"
	"crypto_sync/internal/event"
)

const recordTimeout = 10 * time.Second

// SnapshotCacheKey is the cache key holding the last snapshot of a category.
func SnapshotCacheKey(cat domain.Category) string {
	return "snapshot:" + string(cat)
}

// Recorder archives every category update to the durable store and, when a
// cache is set, keeps the latest snapshot there for warm restarts.
type Recorder struct {
	store    domain.RecordStore
	cache    domain.KeyValueCache
	cacheTTL time.Duration
	logger   *slog.Logger
}

// NewRecorder creates a recorder writing to store.
func NewRecorder(store domain.RecordStore, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{store: store, logger: logger.With("component", "recorder")}
}

// WithCache also writes each snapshot to cache under SnapshotCacheKey.
func (r *Recorder) WithCache(cache domain.KeyValueCache, ttl time.Duration) *Recorder {
	r.cache = cache
	r.cacheTTL = ttl
	return r
}

// Attach registers the recorder on the update topic of each category.
func (r *Recorder) Attach(b *event.Broadcaster, categories []domain.Category) {
	for _, cat := range categories {
		b.On(cat.UpdatedTopic(), r.handle)
	}
}

func (r *Recorder) handle(ctx context.Context, ev event.Event) error {
	p, ok := ev.Payload.(event.UpdatePayload)
	if !ok {
		return fmt.Errorf("unexpected payload %T", ev.Payload)
	}

	// Synthetic values never reach the archive.
	records := make([]domain.FeedRecord, 0, len(p.Records))
	for _, rec := range p.Records {
		if !rec.Synthetic {
			records = append(records, rec)
		}
	}
	if len(records) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, recordTimeout)
	defer cancel()

	if r.cache != nil {
		// The fallback absorbs cache outages, so an error here is not a connection problem.
		if err := r.cache.SetCache(ctx, SnapshotCacheKey(p.Category), records, r.cacheTTL); err != nil {
			r.logger.Warn("Failed to cache snapshot", "category", p.Category, "error", err)
		}
	}

	err := r.store.SaveRecords(ctx, records)
	if errors.Is(err, domain.ErrStoreUnavailable) {
		r.logger.Debug("Durable store down, skipping archive", "category", p.Category)
		return nil
	}
	if err != nil {
		return err
	}
	r.logger.Debug("Archived records", "category", p.Category, "count", len(records))
	return nil
}

// Restore loads archived records of each category into the aggregator cache.
// The cached snapshot is used when the durable store has nothing to offer.
func (r *Recorder) Restore(ctx context.Context, agg *Aggregator, categories []domain.Category) {
	for _, cat := range categories {
		records, source := r.load(ctx, cat)
		if len(records) == 0 {
			continue
		}
		agg.Seed(cat, records)
		r.logger.Info("Restored archived records", "category", cat, "count", len(records), "source", source)
	}
}

func (r *Recorder) load(ctx context.Context, cat domain.Category) ([]domain.FeedRecord, string) {
	ctx, cancel := context.WithTimeout(ctx, recordTimeout)
	defer cancel()

	records, err := r.store.LatestRecords(ctx, cat)
	if err != nil {
		r.logger.Warn("Failed to restore archived records", "category", cat, "error", err)
	}
	if len(records) > 0 || r.cache == nil {
		return records, "durable"
	}

	if err := r.cache.GetCache(ctx, SnapshotCacheKey(cat), &records); err != nil {
		if !errors.Is(err, domain.ErrCacheMiss) {
			r.logger.Warn("Failed to read cached snapshot", "category", cat, "error", err)
		}
		return nil, "cache"
	}
	return records, "cache"
}
