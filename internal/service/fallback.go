package service

import (
	"fmt"
	"hash/fnv"
	"time"

	"crypto_sync/internal/domain"

	"github.com/shopspring/decimal"
)

// FallbackPolicy supplies records for a category that has no real data.
// The aggregator never consults it; only readers wrapped by FallbackReader do.
type FallbackPolicy interface {
	Records(cat domain.Category, now time.Time) []domain.FeedRecord
}

// NoFallback returns nothing: callers see an empty snapshot.
type NoFallback struct{}

func (NoFallback) Records(domain.Category, time.Time) []domain.FeedRecord { return nil }

// SyntheticFallback generates placeholder records for a fixed key set.
// Values are derived from the key alone so repeated calls agree, and every
// record is flagged Synthetic.
type SyntheticFallback struct {
	Keys map[domain.Category][]string
}

// NewSyntheticFallback uses symbols for the price-like categories.
func NewSyntheticFallback(symbols []string) *SyntheticFallback {
	return &SyntheticFallback{Keys: map[domain.Category][]string{
		domain.CategoryPrices:    symbols,
		domain.CategoryMovers:    symbols,
		domain.CategorySentiment: {string(domain.CategorySentiment)},
	}}
}

func (s *SyntheticFallback) Records(cat domain.Category, now time.Time) []domain.FeedRecord {
	keys := s.Keys[cat]
	if len(keys) == 0 {
		return nil
	}

	out := make([]domain.FeedRecord, 0, len(keys))
	for _, k := range keys {
		h := fnv.New64a()
		h.Write([]byte(string(cat) + ":" + k))
		sum := h.Sum64()

		// value in [1, 1001), change in [-10, 10)
		value := decimal.New(int64(sum%100000)+100, -2)
		change := decimal.New(int64((sum>>20)%2000)-1000, -2)
		if cat == domain.CategorySentiment {
			value = decimal.NewFromInt(int64(sum % 101))
			change = decimal.Zero
		}

		out = append(out, domain.FeedRecord{
			Category:   cat,
			Key:        k,
			Value:      value,
			Change24h:  change,
			Synthetic:  true,
			LastUpdate: now,
		})
	}
	return out
}

// NewFallbackPolicy resolves a configured policy name.
func NewFallbackPolicy(name string, symbols []string) (FallbackPolicy, error) {
	switch name {
	case "", "none":
		return NoFallback{}, nil
	case "synthetic":
		return NewSyntheticFallback(symbols), nil
	}
	return nil, fmt.Errorf("unknown fallback policy %q", name)
}

// FallbackReader serves the aggregator snapshot, or the policy's records when
// a category has no real data yet.
type FallbackReader struct {
	source domain.SnapshotReader
	policy FallbackPolicy
	now    func() time.Time
}

// NewFallbackReader wraps source with policy. A nil policy means NoFallback.
func NewFallbackReader(source domain.SnapshotReader, policy FallbackPolicy) *FallbackReader {
	if policy == nil {
		policy = NoFallback{}
	}
	return &FallbackReader{source: source, policy: policy, now: time.Now}
}

// Snapshot implements domain.SnapshotReader.
func (r *FallbackReader) Snapshot(cat domain.Category) []domain.FeedRecord {
	if records := r.source.Snapshot(cat); len(records) > 0 {
		return records
	}
	return r.policy.Records(cat, r.now())
}
