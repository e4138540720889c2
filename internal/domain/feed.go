package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Category identifies one class of market data polled independently.
type Category string

const (
	CategoryPrices      Category = "prices"
	CategoryProtocols   Category = "protocols"
	CategoryCollections Category = "collections"
	CategoryGames       Category = "games"
	CategoryTreasury    Category = "treasury"
	CategoryMovers      Category = "movers"
	CategorySentiment   Category = "sentiment"
)

// AllCategories lists every known category in a stable order.
var AllCategories = []Category{
	CategoryPrices,
	CategoryProtocols,
	CategoryCollections,
	CategoryGames,
	CategoryTreasury,
	CategoryMovers,
	CategorySentiment,
}

// ParseCategory validates a category name.
func ParseCategory(s string) (Category, bool) {
	for _, c := range AllCategories {
		if string(c) == s {
			return c, true
		}
	}
	return "", false
}

// UpdatedTopic returns the broadcaster topic for successful refreshes (e.g. "pricesUpdated").
func (c Category) UpdatedTopic() string { return string(c) + "Updated" }

// ErrorTopic returns the broadcaster topic for failed refreshes (e.g. "pricesError").
func (c Category) ErrorTopic() string { return string(c) + "Error" }

// FeedRecord is one normalized record of a category.
// Value holds the category's primary metric:
// price (prices, movers), TVL (protocols), floor price (collections),
// active users (games), treasury value (treasury), index value (sentiment).
type FeedRecord struct {
	Category  Category        `json:"category"`
	Key       string          `json:"key"`
	Name      string          `json:"name,omitempty"`
	Value     decimal.Decimal `json:"value"`
	Change24h decimal.Decimal `json:"change_24h"`

	// Optional, category specific
	Volume24h      *decimal.Decimal `json:"volume_24h,omitempty"`
	MarketCap      *decimal.Decimal `json:"market_cap,omitempty"`
	Chain          string           `json:"chain,omitempty"`
	Holders        *int64           `json:"holders,omitempty"`
	Classification string           `json:"classification,omitempty"`

	// Synthetic marks values produced by a fallback policy, never by a real fetch.
	Synthetic bool `json:"synthetic,omitempty"`

	LastUpdate time.Time `json:"last_update"`
}

// Direction returns "positive", "negative", or "neutral"
func (r FeedRecord) Direction() string {
	if r.Change24h.IsPositive() {
		return "positive"
	}
	if r.Change24h.IsNegative() {
		return "negative"
	}
	return "neutral"
}

// CacheEntry wraps a record with the time it was written into the cache.
type CacheEntry struct {
	Record     FeedRecord `json:"record"`
	InsertedAt time.Time  `json:"inserted_at"`
}

// IsStale reports whether the entry is older than twice the poll interval.
func (e CacheEntry) IsStale(now time.Time, interval time.Duration) bool {
	if interval <= 0 {
		return false
	}
	return now.Sub(e.InsertedAt) > 2*interval
}

// Newer reports whether r should replace the cached entry.
// Equal timestamps replace so that a refetch within the same clock tick still lands.
func (e CacheEntry) Newer(r FeedRecord) bool {
	return !r.LastUpdate.Before(e.Record.LastUpdate)
}
