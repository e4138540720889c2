package feed

import (
	"strconv"
	"strings"
	"time"

	"crypto_sync/internal/domain"
	"crypto_sync/internal/infra"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
)

// DefaultFields returns the field mapping used when a feed does not override it.
// The defaults follow the common public providers of each category.
func DefaultFields(cat domain.Category) infra.FieldMapping {
	switch cat {
	case domain.CategoryPrices, domain.CategoryMovers:
		return infra.FieldMapping{
			Key:       "symbol",
			Name:      "name",
			Value:     "current_price",
			Change:    "price_change_percentage_24h",
			Volume:    "total_volume",
			MarketCap: "market_cap",
			Timestamp: "last_updated",
		}
	case domain.CategoryProtocols:
		return infra.FieldMapping{
			Key:    "slug",
			Name:   "name",
			Value:  "tvl",
			Change: "change_1d",
			Chain:  "chain",
		}
	case domain.CategoryCollections:
		return infra.FieldMapping{
			Key:     "slug",
			Name:    "name",
			Value:   "floor_price",
			Change:  "floor_price_change_24h",
			Volume:  "volume_24h",
			Chain:   "chain",
			Holders: "num_owners",
		}
	case domain.CategoryGames:
		return infra.FieldMapping{
			Key:     "slug",
			Name:    "name",
			Value:   "active_users",
			Change:  "active_users_change_24h",
			Volume:  "volume_24h",
			Chain:   "chain",
			Holders: "active_users",
		}
	case domain.CategoryTreasury:
		return infra.FieldMapping{
			Key:    "symbol",
			Name:   "name",
			Value:  "total_value_usd",
			Change: "change_24h",
			Chain:  "chain",
		}
	case domain.CategorySentiment:
		// Index feeds publish one unnamed reading per day and no change field.
		return infra.FieldMapping{
			Value:          "value",
			Classification: "value_classification",
			Timestamp:      "timestamp",
		}
	}
	return infra.FieldMapping{Key: "id", Value: "value", Change: "change_24h"}
}

// mergeFields overlays explicit paths on the category defaults.
func mergeFields(cat domain.Category, m infra.FieldMapping) infra.FieldMapping {
	d := DefaultFields(cat)
	pick := func(v, def string) string {
		if v != "" {
			return v
		}
		return def
	}
	return infra.FieldMapping{
		Key:            pick(m.Key, d.Key),
		Name:           pick(m.Name, d.Name),
		Value:          pick(m.Value, d.Value),
		Change:         pick(m.Change, d.Change),
		Volume:         pick(m.Volume, d.Volume),
		MarketCap:      pick(m.MarketCap, d.MarketCap),
		Chain:          pick(m.Chain, d.Chain),
		Holders:        pick(m.Holders, d.Holders),
		Classification: pick(m.Classification, d.Classification),
		Timestamp:      pick(m.Timestamp, d.Timestamp),
	}
}

// Parser maps a provider JSON envelope onto FeedRecords.
type Parser struct {
	category    domain.Category
	recordsPath string
	fields      infra.FieldMapping
}

// NewParser creates a parser for one category.
// recordsPath locates the record array or object inside the envelope; empty means the root.
func NewParser(cat domain.Category, recordsPath string, fields infra.FieldMapping) *Parser {
	return &Parser{
		category:    cat,
		recordsPath: recordsPath,
		fields:      mergeFields(cat, fields),
	}
}

// Parse validates the document and returns its records stamped with fetchedAt
// unless the record carries its own timestamp.
// A record missing a key, a primary value or a 24h change fails the whole document.
func (p *Parser) Parse(body []byte, fetchedAt time.Time) ([]domain.FeedRecord, error) {
	if !gjson.ValidBytes(body) {
		return nil, p.fail("invalid json", nil)
	}

	root := gjson.ParseBytes(body)
	if p.recordsPath != "" {
		root = root.Get(p.recordsPath)
		if !root.Exists() {
			return nil, p.fail("records path "+strconv.Quote(p.recordsPath)+" not found", nil)
		}
	}

	var items []gjson.Result
	var mapKeys []string
	switch {
	case root.IsArray():
		items = root.Array()
	case root.IsObject():
		// Either a single record or a map of key -> record.
		if root.Get(p.fields.Value).Exists() {
			items = []gjson.Result{root}
			break
		}
		root.ForEach(func(k, v gjson.Result) bool {
			mapKeys = append(mapKeys, k.String())
			items = append(items, v)
			return true
		})
	default:
		return nil, p.fail("records are neither array nor object", nil)
	}

	if len(items) == 0 {
		return nil, p.fail("empty document", domain.ErrEmptyPayload)
	}

	records := make([]domain.FeedRecord, 0, len(items))
	for i, item := range items {
		if !item.IsObject() {
			return nil, p.fail("record "+strconv.Itoa(i)+" is not an object", nil)
		}
		var fallbackKey string
		if mapKeys != nil {
			fallbackKey = mapKeys[i]
		}
		rec, reason := p.record(item, fallbackKey, fetchedAt)
		if reason != "" {
			return nil, p.fail("record "+strconv.Itoa(i)+": "+reason, nil)
		}
		records = append(records, rec)
	}
	return records, nil
}

func (p *Parser) record(item gjson.Result, fallbackKey string, fetchedAt time.Time) (domain.FeedRecord, string) {
	f := p.fields

	var key string
	switch {
	case f.Key != "":
		key = strings.TrimSpace(item.Get(f.Key).String())
		if key == "" {
			key = fallbackKey
		}
		if key == "" {
			return domain.FeedRecord{}, "missing key " + strconv.Quote(f.Key)
		}
	case fallbackKey != "":
		key = fallbackKey
	default:
		key = string(p.category)
	}

	value, ok := number(item.Get(f.Value))
	if !ok {
		return domain.FeedRecord{}, "missing numeric " + strconv.Quote(f.Value)
	}
	change := decimal.Zero
	if f.Change != "" {
		change, ok = number(item.Get(f.Change))
		if !ok {
			return domain.FeedRecord{}, "missing numeric " + strconv.Quote(f.Change)
		}
	}

	rec := domain.FeedRecord{
		Category:   p.category,
		Key:        normalizeKey(p.category, key),
		Value:      value,
		Change24h:  change,
		LastUpdate: fetchedAt,
	}
	if f.Name != "" {
		rec.Name = item.Get(f.Name).String()
	}
	if v, ok := optionalNumber(item, f.Volume); ok {
		rec.Volume24h = &v
	}
	if v, ok := optionalNumber(item, f.MarketCap); ok {
		rec.MarketCap = &v
	}
	if f.Chain != "" {
		rec.Chain = strings.ToLower(item.Get(f.Chain).String())
	}
	if f.Holders != "" {
		if h := item.Get(f.Holders); h.Exists() {
			n := h.Int()
			rec.Holders = &n
		}
	}
	if f.Classification != "" {
		rec.Classification = item.Get(f.Classification).String()
	}
	if f.Timestamp != "" {
		if ts, ok := timestamp(item.Get(f.Timestamp)); ok {
			rec.LastUpdate = ts
		}
	}
	return rec, ""
}

func (p *Parser) fail(reason string, err error) error {
	return &domain.FeedParseError{Category: p.category, Reason: reason, Err: err}
}

// normalizeKey upper-cases ticker symbols so "btc" and "BTC" share an entry.
func normalizeKey(cat domain.Category, key string) string {
	switch cat {
	case domain.CategoryPrices, domain.CategoryMovers, domain.CategoryTreasury:
		return strings.ToUpper(key)
	}
	return key
}

// number accepts JSON numbers and numeric strings (several providers quote numbers).
func number(r gjson.Result) (decimal.Decimal, bool) {
	switch r.Type {
	case gjson.Number:
		d, err := decimal.NewFromString(r.Raw)
		if err != nil {
			return decimal.NewFromFloat(r.Float()), true
		}
		return d, true
	case gjson.String:
		d, err := decimal.NewFromString(strings.TrimSpace(r.Str))
		if err != nil {
			return decimal.Zero, false
		}
		return d, true
	}
	return decimal.Zero, false
}

func optionalNumber(item gjson.Result, path string) (decimal.Decimal, bool) {
	if path == "" {
		return decimal.Zero, false
	}
	return number(item.Get(path))
}

// timestamp accepts RFC 3339 strings and unix seconds or milliseconds.
func timestamp(r gjson.Result) (time.Time, bool) {
	switch r.Type {
	case gjson.String:
		if t, err := time.Parse(time.RFC3339, r.Str); err == nil {
			return t, true
		}
		if n, err := strconv.ParseInt(r.Str, 10, 64); err == nil {
			return unix(n), true
		}
	case gjson.Number:
		return unix(r.Int()), true
	}
	return time.Time{}, false
}

func unix(n int64) time.Time {
	if n > 1e12 {
		return time.UnixMilli(n)
	}
	return time.Unix(n, 0)
}
