package domain

import (
	"context"
	"encoding/json"
	"time"
)

// FeedSource fetches and parses one category's records from an external provider.
// Implementations return *FeedFetchError or *FeedParseError on failure.
type FeedSource interface {
	Category() Category
	Fetch(ctx context.Context) ([]FeedRecord, error)
}

// SnapshotReader reads the current cached records of a category.
type SnapshotReader interface {
	Snapshot(category Category) []FeedRecord
}

// RecordStore persists category records durably.
type RecordStore interface {
	SaveRecords(ctx context.Context, records []FeedRecord) error
	LatestRecords(ctx context.Context, category Category) ([]FeedRecord, error)
}

// KeyValueCache is the cache namespace with TTL semantics.
type KeyValueCache interface {
	SetCache(ctx context.Context, key string, value any, ttl time.Duration) error
	GetCache(ctx context.Context, key string, dst any) error
	DeleteCache(ctx context.Context, key string) error
}

// ActivityEvent is one new transaction observed for a watched address.
type ActivityEvent struct {
	Address string          `json:"address"`
	Hash    string          `json:"hash"`
	Data    json.RawMessage `json:"data"`
	At      time.Time       `json:"at"`
}

// ActivityWatcher observes on-chain activity of an address. fn is called for
// each new event until stop is called.
type ActivityWatcher interface {
	Watch(ctx context.Context, address string, fn func(ActivityEvent)) (stop func(), err error)
}
