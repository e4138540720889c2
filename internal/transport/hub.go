package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"crypto_sync/internal/domain"
	"crypto_sync/internal/event"
	"crypto_sync/internal/infra"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ErrUnknownSession is returned for operations on a removed or unknown session.
var ErrUnknownSession = errors.New("unknown session")

var errNoWatcher = errors.New("address watching is not configured")

// chainCategories are scanned for chain topics.
var chainCategories = []domain.Category{
	domain.CategoryProtocols,
	domain.CategoryCollections,
	domain.CategoryGames,
	domain.CategoryTreasury,
}

// EventSource is the broadcaster surface the hub listens on.
type EventSource interface {
	On(topic string, fn event.Listener)
}

// MarketSummary is the payload of the market topic.
type MarketSummary struct {
	Assets           int                `json:"assets"`
	Advancing        int                `json:"advancing"`
	Declining        int                `json:"declining"`
	TotalMarketCap   decimal.Decimal    `json:"total_market_cap"`
	TotalVolume      decimal.Decimal    `json:"total_volume"`
	AverageChange24h decimal.Decimal    `json:"average_change_24h"`
	Sentiment        *domain.FeedRecord `json:"sentiment,omitempty"`
}

// Session is one connected client. Its topic set is only changed through the Hub.
type Session struct {
	ID string

	ctx    context.Context
	cancel context.CancelFunc
	send   chan []byte

	mu      sync.Mutex
	topics  map[string]topic
	watches map[string]func()
	closed  bool
}

// Send returns the outbound message queue. It is closed when the session is removed.
func (s *Session) Send() <-chan []byte {
	return s.send
}

// Topics returns the subscribed topic names, sorted.
func (s *Session) Topics() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.topics))
	for name := range s.topics {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (s *Session) topicList() []topic {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]topic, 0, len(s.topics))
	for _, t := range s.topics {
		out = append(out, t)
	}
	return out
}

// Hub maps sessions to topic subscriptions and pushes snapshots to them, once on
// subscribe and then on a fixed cadence independent of the fetch intervals.
type Hub struct {
	reader  domain.SnapshotReader
	watcher domain.ActivityWatcher // nil disables address topics
	cfg     infra.TransportConfig
	logger  *slog.Logger
	metrics *infra.Metrics
	now     func() time.Time

	mu       sync.RWMutex
	sessions map[string]*Session

	// Category state fed by aggregator events. Untracked hubs push every topic each tick.
	stateMu  sync.Mutex
	tracking bool
	changed  map[domain.Category]bool
	failing  map[domain.Category]bool

	runMu   sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewHub creates a hub reading snapshots from reader. watcher may be nil.
func NewHub(reader domain.SnapshotReader, watcher domain.ActivityWatcher, cfg infra.TransportConfig, logger *slog.Logger, metrics *infra.Metrics) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = infra.NewMetrics()
	}
	if cfg.SendQueue <= 0 {
		cfg.SendQueue = infra.DefaultSendQueue
	}
	if cfg.BroadcastInterval <= 0 {
		cfg.BroadcastInterval = infra.DefaultBroadcastInterval
	}
	return &Hub{
		reader:   reader,
		watcher:  watcher,
		cfg:      cfg,
		logger:   logger.With("component", "transport_hub"),
		metrics:  metrics,
		now:      time.Now,
		sessions: make(map[string]*Session),
		changed:  make(map[domain.Category]bool),
		failing:  make(map[domain.Category]bool),
	}
}

// Listen registers update and error listeners for cats. From then on a tick
// pushes only the topics whose categories changed since the previous tick, and
// envelopes of a category whose last refresh failed carry the stale flag.
func (h *Hub) Listen(events EventSource, cats []domain.Category) {
	h.stateMu.Lock()
	h.tracking = true
	h.stateMu.Unlock()

	for _, cat := range cats {
		cat := cat // per-iteration copy; go directive predates Go 1.22 loopvar semantics
		events.On(cat.UpdatedTopic(), func(ctx context.Context, ev event.Event) error {
			h.markUpdated(cat)
			return nil
		})
		events.On(cat.ErrorTopic(), func(ctx context.Context, ev event.Event) error {
			h.markFailed(cat)
			return nil
		})
	}
}

func (h *Hub) markUpdated(cat domain.Category) {
	h.stateMu.Lock()
	defer h.stateMu.Unlock()
	h.changed[cat] = true
	delete(h.failing, cat)
}

// markFailed flags cat once per failure streak so the next tick delivers the
// stale flag.
func (h *Hub) markFailed(cat domain.Category) {
	h.stateMu.Lock()
	defer h.stateMu.Unlock()
	if !h.failing[cat] {
		h.failing[cat] = true
		h.changed[cat] = true
	}
}

// takeChanged returns and resets the changed set. ok is false when the hub is
// not tracking events.
func (h *Hub) takeChanged() (map[domain.Category]bool, bool) {
	h.stateMu.Lock()
	defer h.stateMu.Unlock()
	if !h.tracking {
		return nil, false
	}
	changed := h.changed
	h.changed = make(map[domain.Category]bool)
	return changed, true
}

func (h *Hub) stale(cats ...domain.Category) bool {
	h.stateMu.Lock()
	defer h.stateMu.Unlock()
	for _, cat := range cats {
		if h.failing[cat] {
			return true
		}
	}
	return false
}

// Start launches the periodic broadcaster. A second call is a no-op.
func (h *Hub) Start(ctx context.Context) {
	h.runMu.Lock()
	defer h.runMu.Unlock()
	if h.running {
		return
	}
	h.running = true
	ctx, h.cancel = context.WithCancel(ctx)

	h.wg.Add(1)
	go h.run(ctx)
	h.logger.Info("Transport hub started", "interval", h.cfg.BroadcastInterval)
}

// Stop halts the broadcaster and removes every session.
func (h *Hub) Stop() {
	h.runMu.Lock()
	if h.running {
		h.running = false
		h.cancel()
	}
	h.runMu.Unlock()
	h.wg.Wait()

	h.mu.RLock()
	ids := make([]string, 0, len(h.sessions))
	for id := range h.sessions {
		ids = append(ids, id)
	}
	h.mu.RUnlock()
	for _, id := range ids {
		h.Remove(id)
	}
	h.logger.Info("Transport hub stopped")
}

func (h *Hub) run(ctx context.Context) {
	defer h.wg.Done()

	ticker := time.NewTicker(h.cfg.BroadcastInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.Broadcast()
		}
	}
}

// Broadcast pushes the latest snapshot of every subscribed topic to every
// session, limited to changed categories once the hub listens for events.
func (h *Hub) Broadcast() {
	changed, tracking := h.takeChanged()
	if tracking && len(changed) == 0 {
		return
	}
	for _, s := range h.sessionList() {
		topics := s.topicList()
		if tracking {
			topics = changedTopics(topics, changed)
		}
		if len(topics) > 0 {
			h.pushSnapshot(s, topics)
		}
	}
}

func changedTopics(topics []topic, changed map[domain.Category]bool) []topic {
	out := topics[:0]
	for _, t := range topics {
		for _, cat := range t.categories() {
			if changed[cat] {
				out = append(out, t)
				break
			}
		}
	}
	return out
}

// SessionCount returns the number of connected sessions.
func (h *Hub) SessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// Session returns a connected session by id.
func (h *Hub) Session(id string) (*Session, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, ok := h.sessions[id]
	return s, ok
}

func (h *Hub) sessionList() []*Session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		out = append(out, s)
	}
	return out
}

// ======================================================================================
// Session Lifecycle
// ======================================================================================

// Register creates a session subscribed to the default topics and queues their
// snapshot at once, so the client never waits for the first tick.
func (h *Hub) Register() *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		ID:      uuid.NewString(),
		ctx:     ctx,
		cancel:  cancel,
		send:    make(chan []byte, h.cfg.SendQueue),
		topics:  make(map[string]topic),
		watches: make(map[string]func()),
	}

	for _, name := range h.defaultTopics() {
		if t, err := parseTopic(name); err == nil {
			s.topics[t.name] = t
		}
	}

	h.mu.Lock()
	h.sessions[s.ID] = s
	h.mu.Unlock()
	h.metrics.IncrementSessions()

	h.logger.Info("Session connected", "session", s.ID, "topics", len(s.topics))
	h.pushSnapshot(s, s.topicList())
	return s
}

func (h *Hub) defaultTopics() []string {
	out := []string{TopicMarket}
	for _, sym := range h.cfg.DefaultSymbols {
		out = append(out, TopicSymbolPrefix+sym)
	}
	return out
}

// Remove ends a session: its subscription, watches and send queue go with it.
// Removing an unknown session is a no-op.
func (h *Hub) Remove(id string) {
	h.mu.Lock()
	s, ok := h.sessions[id]
	delete(h.sessions, id)
	h.mu.Unlock()
	if !ok {
		return
	}

	s.mu.Lock()
	s.closed = true
	stops := make([]func(), 0, len(s.watches))
	for _, stop := range s.watches {
		stops = append(stops, stop)
	}
	s.watches = nil
	s.topics = nil
	close(s.send)
	s.mu.Unlock()

	s.cancel()
	for _, stop := range stops {
		stop()
	}
	h.metrics.DecrementSessions()
	h.logger.Info("Session disconnected", "session", id)
}

// ======================================================================================
// Subscriptions
// ======================================================================================

// Subscribe adds topics to a session and pushes their snapshot immediately.
// Invalid topics and failed address watches are reported to the session as
// error messages and returned joined; the remaining topics are still added.
func (h *Hub) Subscribe(id string, names []string) error {
	s, ok := h.Session(id)
	if !ok {
		return ErrUnknownSession
	}

	var errs []error
	var added []topic
	for _, name := range names {
		t, err := parseTopic(name)
		if err != nil {
			errs = append(errs, err)
			h.sendError(s, err.Error())
			continue
		}

		s.mu.Lock()
		_, exists := s.topics[t.name]
		s.mu.Unlock()
		if exists {
			continue
		}

		if t.kind == kindAddress {
			if err := h.watch(s, t); err != nil {
				errs = append(errs, err)
				h.sendError(s, err.Error())
				continue
			}
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return ErrUnknownSession
		}
		s.topics[t.name] = t
		s.mu.Unlock()
		added = append(added, t)
	}

	if len(added) > 0 {
		h.logger.Debug("Session subscribed", "session", id, "topics", len(added))
		h.pushSnapshot(s, added)
	}
	return errors.Join(errs...)
}

// watch registers an activity watch for an address topic. Watch is called
// without holding the session lock since it performs I/O.
func (h *Hub) watch(s *Session, t topic) error {
	if h.watcher == nil {
		return fmt.Errorf("watch %s: %w", t.arg, errNoWatcher)
	}

	stop, err := h.watcher.Watch(s.ctx, t.arg, func(ev domain.ActivityEvent) {
		h.push(s, newEnvelope(TypeTransactionUpdate, ev, "activity", h.now()))
	})
	if err != nil {
		h.logger.Warn("Address watch failed", "session", s.ID, "address", t.arg, "error", err)
		return fmt.Errorf("watch %s: %w", t.arg, err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		stop()
		return ErrUnknownSession
	}
	s.watches[t.name] = stop
	s.mu.Unlock()
	return nil
}

// Unsubscribe removes topics from a session. Unknown topics are ignored.
func (h *Hub) Unsubscribe(id string, names []string) error {
	s, ok := h.Session(id)
	if !ok {
		return ErrUnknownSession
	}

	var stops []func()
	s.mu.Lock()
	for _, name := range names {
		t, err := parseTopic(name)
		if err != nil {
			continue
		}
		delete(s.topics, t.name)
		if stop, ok := s.watches[t.name]; ok {
			stops = append(stops, stop)
			delete(s.watches, t.name)
		}
	}
	s.mu.Unlock()

	for _, stop := range stops {
		stop()
	}
	return nil
}

// RequestUpdate pushes the current snapshot on demand. With no topics it
// covers everything the session is subscribed to.
func (h *Hub) RequestUpdate(id string, names []string) error {
	s, ok := h.Session(id)
	if !ok {
		return ErrUnknownSession
	}
	if len(names) == 0 {
		h.pushSnapshot(s, s.topicList())
		return nil
	}

	topics := make([]topic, 0, len(names))
	for _, name := range names {
		t, err := parseTopic(name)
		if err != nil {
			h.sendError(s, err.Error())
			continue
		}
		topics = append(topics, t)
	}
	h.pushSnapshot(s, topics)
	return nil
}

// HandleMessage dispatches one raw client message.
func (h *Hub) HandleMessage(id string, raw []byte) error {
	var msg ClientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		h.sendErrorTo(id, "invalid message")
		return fmt.Errorf("failed to decode client message: %w", err)
	}

	switch msg.Type {
	case MsgSubscribe:
		return h.Subscribe(id, msg.Topics)
	case MsgUnsubscribe:
		return h.Unsubscribe(id, msg.Topics)
	case MsgRequestUpdate:
		return h.RequestUpdate(id, msg.Topics)
	}
	h.sendErrorTo(id, fmt.Sprintf("unknown message type %q", msg.Type))
	return fmt.Errorf("unknown message type %q", msg.Type)
}

// ======================================================================================
// Snapshot Building
// ======================================================================================

// pushSnapshot sends one envelope per topic that has data. Symbol topics are
// merged into one price_update, and dropped entirely when prices is included.
func (h *Hub) pushSnapshot(s *Session, topics []topic) {
	now := h.now()

	var allPrices bool
	var symbols []string
	var rest []topic
	for _, t := range topics {
		switch t.kind {
		case kindPrices:
			allPrices = true
		case kindSymbol:
			symbols = append(symbols, t.arg)
		case kindAddress:
			// pushed by the watcher
		default:
			rest = append(rest, t)
		}
	}
	sort.Slice(rest, func(i, j int) bool { return rest[i].name < rest[j].name })

	if allPrices || len(symbols) > 0 {
		prices := h.reader.Snapshot(domain.CategoryPrices)
		if !allPrices {
			prices = filterKeys(prices, symbols)
		}
		if len(prices) > 0 {
			env := newEnvelope(TypePriceUpdate, prices, string(domain.CategoryPrices), now)
			env.Stale = h.stale(domain.CategoryPrices)
			h.push(s, env)
		}
	}

	for _, t := range rest {
		var env Envelope
		switch t.kind {
		case kindMarket:
			summary, ok := h.marketSummary()
			if !ok {
				continue
			}
			env = newEnvelope(TypeMarketUpdate, summary, TopicMarket, now)
		case kindCategory:
			records := h.reader.Snapshot(t.category)
			if len(records) == 0 {
				continue
			}
			env = newEnvelope(TypeMarketUpdate, CategoryData{Category: t.category, Records: records}, string(t.category), now)
		case kindChain:
			records := h.chainRecords(t.arg)
			if len(records) == 0 {
				continue
			}
			env = newEnvelope(TypeBlockchainEvent, CategoryData{Chain: t.arg, Records: records}, t.name, now)
		default:
			continue
		}
		env.Stale = h.stale(t.categories()...)
		h.push(s, env)
	}
}

func filterKeys(records []domain.FeedRecord, keys []string) []domain.FeedRecord {
	want := make(map[string]bool, len(keys))
	for _, k := range keys {
		want[k] = true
	}
	out := make([]domain.FeedRecord, 0, len(keys))
	for _, r := range records {
		if want[r.Key] {
			out = append(out, r)
		}
	}
	return out
}

// marketSummary aggregates the price snapshot and attaches the sentiment reading.
func (h *Hub) marketSummary() (MarketSummary, bool) {
	prices := h.reader.Snapshot(domain.CategoryPrices)
	sentiment := h.reader.Snapshot(domain.CategorySentiment)
	if len(prices) == 0 && len(sentiment) == 0 {
		return MarketSummary{}, false
	}

	var sum MarketSummary
	change := decimal.Zero
	for _, r := range prices {
		if r.MarketCap != nil {
			sum.TotalMarketCap = sum.TotalMarketCap.Add(*r.MarketCap)
		}
		if r.Volume24h != nil {
			sum.TotalVolume = sum.TotalVolume.Add(*r.Volume24h)
		}
		change = change.Add(r.Change24h)
		switch r.Direction() {
		case "positive":
			sum.Advancing++
		case "negative":
			sum.Declining++
		}
	}
	sum.Assets = len(prices)
	if sum.Assets > 0 {
		sum.AverageChange24h = change.Div(decimal.NewFromInt(int64(sum.Assets))).Round(4)
	}
	if len(sentiment) > 0 {
		s := sentiment[0]
		sum.Sentiment = &s
	}
	return sum, true
}

func (h *Hub) chainRecords(chain string) []domain.FeedRecord {
	var out []domain.FeedRecord
	for _, cat := range chainCategories {
		for _, r := range h.reader.Snapshot(cat) {
			if strings.EqualFold(r.Chain, chain) {
				out = append(out, r)
			}
		}
	}
	return out
}

// ======================================================================================
// Delivery
// ======================================================================================

func (h *Hub) push(s *Session, env Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		h.logger.Error("Failed to encode envelope", "type", env.Type, "error", err)
		return
	}
	if h.enqueue(s, data) {
		h.metrics.ObservePush(env.Type)
	}
}

func (h *Hub) sendError(s *Session, message string) {
	data, err := json.Marshal(ErrorMessage{Type: TypeError, Message: message})
	if err != nil {
		return
	}
	if h.enqueue(s, data) {
		h.metrics.ObservePush(TypeError)
	}
}

func (h *Hub) sendErrorTo(id, message string) {
	if s, ok := h.Session(id); ok {
		h.sendError(s, message)
	}
}

// enqueue never blocks. A session whose queue is full is too slow to keep up
// and is removed.
func (h *Hub) enqueue(s *Session, data []byte) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	select {
	case s.send <- data:
		s.mu.Unlock()
		return true
	default:
	}
	s.mu.Unlock()

	h.metrics.ObserveSessionDrop()
	h.logger.Warn("Session send queue full, dropping session", "session", s.ID)
	go h.Remove(s.ID)
	return false
}
