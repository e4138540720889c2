// Package transport pushes aggregator snapshots to remote sessions.
package transport

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"crypto_sync/internal/domain"
)

// Client message types.
const (
	MsgSubscribe     = "subscribe"
	MsgUnsubscribe   = "unsubscribe"
	MsgRequestUpdate = "request_update"
)

// Server envelope types.
const (
	TypePriceUpdate       = "price_update"
	TypeMarketUpdate      = "market_update"
	TypeBlockchainEvent   = "blockchain_event"
	TypeTransactionUpdate = "transaction_update"
	TypeError             = "error"
)

// Topic names and prefixes.
const (
	TopicPrices        = "prices"
	TopicMarket        = "market"
	TopicSymbolPrefix  = "symbol:"
	TopicChainPrefix   = "chain:"
	TopicAddressPrefix = "address:"
)

// ClientMessage is sent by a session.
type ClientMessage struct {
	Type   string   `json:"type"`
	Topics []string `json:"topics"`
}

// Envelope is every data message pushed to a session.
type Envelope struct {
	Type      string `json:"type"`
	Data      any    `json:"data"`
	Timestamp int64  `json:"timestamp"` // unix milliseconds
	Source    string `json:"source"`
	Stale     bool   `json:"stale,omitempty"` // last refresh of the source failed
}

// ErrorMessage reports a subscription setup failure.
type ErrorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// CategoryData is the payload of category and chain topics.
type CategoryData struct {
	Category domain.Category     `json:"category,omitempty"`
	Chain    string              `json:"chain,omitempty"`
	Records  []domain.FeedRecord `json:"records"`
}

var errUnknownTopic = errors.New("unknown topic")

// topicKind classifies a topic string.
type topicKind int

const (
	kindPrices topicKind = iota
	kindMarket
	kindSymbol
	kindCategory
	kindChain
	kindAddress
)

type topic struct {
	name     string
	kind     topicKind
	arg      string
	category domain.Category
}

// parseTopic validates and normalizes a topic. Symbols are upper-cased and
// chains lower-cased so equivalent spellings share one subscription.
func parseTopic(s string) (topic, error) {
	s = strings.TrimSpace(s)
	switch {
	case s == TopicPrices:
		return topic{name: s, kind: kindPrices}, nil
	case s == TopicMarket:
		return topic{name: s, kind: kindMarket}, nil
	case strings.HasPrefix(s, TopicSymbolPrefix):
		sym := strings.ToUpper(strings.TrimPrefix(s, TopicSymbolPrefix))
		if sym == "" {
			return topic{}, fmt.Errorf("%w: %q", errUnknownTopic, s)
		}
		return topic{name: TopicSymbolPrefix + sym, kind: kindSymbol, arg: sym}, nil
	case strings.HasPrefix(s, TopicChainPrefix):
		chain := strings.ToLower(strings.TrimPrefix(s, TopicChainPrefix))
		if chain == "" {
			return topic{}, fmt.Errorf("%w: %q", errUnknownTopic, s)
		}
		return topic{name: TopicChainPrefix + chain, kind: kindChain, arg: chain}, nil
	case strings.HasPrefix(s, TopicAddressPrefix):
		addr := strings.TrimPrefix(s, TopicAddressPrefix)
		if addr == "" {
			return topic{}, fmt.Errorf("%w: %q", errUnknownTopic, s)
		}
		return topic{name: s, kind: kindAddress, arg: addr}, nil
	}
	if cat, ok := domain.ParseCategory(s); ok {
		return topic{name: s, kind: kindCategory, category: cat}, nil
	}
	return topic{}, fmt.Errorf("%w: %q", errUnknownTopic, s)
}

// categories lists the aggregator categories a topic is built from.
func (t topic) categories() []domain.Category {
	switch t.kind {
	case kindPrices, kindSymbol:
		return []domain.Category{domain.CategoryPrices}
	case kindMarket:
		return []domain.Category{domain.CategoryPrices, domain.CategorySentiment}
	case kindCategory:
		return []domain.Category{t.category}
	case kindChain:
		return chainCategories
	}
	return nil
}

func newEnvelope(typ string, data any, source string, at time.Time) Envelope {
	return Envelope{Type: typ, Data: data, Timestamp: at.UnixMilli(), Source: source}
}
