package domain

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestCategoryTopics(t *testing.T) {
	if CategoryPrices.UpdatedTopic() != "pricesUpdated" {
		t.Errorf("UpdatedTopic = %s", CategoryPrices.UpdatedTopic())
	}
	if CategorySentiment.ErrorTopic() != "sentimentError" {
		t.Errorf("ErrorTopic = %s", CategorySentiment.ErrorTopic())
	}
}

func TestParseCategory(t *testing.T) {
	for _, c := range AllCategories {
		got, ok := ParseCategory(string(c))
		if !ok || got != c {
			t.Errorf("ParseCategory(%s) = %s, %v", c, got, ok)
		}
	}
	if _, ok := ParseCategory("weather"); ok {
		t.Error("unknown category should not parse")
	}
}

func TestCacheEntry_IsStale(t *testing.T) {
	now := time.Now()
	entry := CacheEntry{InsertedAt: now.Add(-61 * time.Second)}

	if !entry.IsStale(now, 30*time.Second) {
		t.Error("entry older than 2x interval should be stale")
	}
	if entry.IsStale(now, time.Minute) {
		t.Error("entry within 2x interval should be fresh")
	}
}

func TestCacheEntry_Newer(t *testing.T) {
	t0 := time.Unix(1700000000, 0)
	entry := CacheEntry{Record: FeedRecord{Key: "BTC", LastUpdate: t0}}

	if entry.Newer(FeedRecord{Key: "BTC", LastUpdate: t0.Add(-time.Second)}) {
		t.Error("older record must not replace entry")
	}
	if !entry.Newer(FeedRecord{Key: "BTC", LastUpdate: t0}) {
		t.Error("equal timestamp should replace entry")
	}
	if !entry.Newer(FeedRecord{Key: "BTC", LastUpdate: t0.Add(time.Second)}) {
		t.Error("newer record should replace entry")
	}
}

func TestFeedRecord_Direction(t *testing.T) {
	tests := []struct {
		change string
		want   string
	}{
		{"2.5", "positive"},
		{"-0.01", "negative"},
		{"0", "neutral"},
	}
	for _, tt := range tests {
		r := FeedRecord{Change24h: decimal.RequireFromString(tt.change)}
		if got := r.Direction(); got != tt.want {
			t.Errorf("Direction(%s) = %s, want %s", tt.change, got, tt.want)
		}
	}
}
