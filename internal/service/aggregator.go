// Package service holds the aggregator that polls every feed category and the
// consumers built on its snapshots.
package service

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"crypto_sync/internal/domain"
	"crypto_sync/internal/event"
	"crypto_sync/internal/infra"
)

// Emitter publishes aggregator events. *event.Broadcaster satisfies it.
type Emitter interface {
	Emit(topic string, payload any) bool
}

// Entry is a cached record with its staleness flag.
type Entry struct {
	Record     domain.FeedRecord `json:"record"`
	InsertedAt time.Time         `json:"inserted_at"`
	Stale      bool              `json:"stale"`
}

// CategoryHealth summarizes one category task.
type CategoryHealth struct {
	Category          domain.Category `json:"category"`
	Enabled           bool            `json:"enabled"`
	DisabledReason    string          `json:"disabled_reason,omitempty"`
	Interval          string          `json:"interval,omitempty"`
	Records           int             `json:"records"`
	Fetches           int             `json:"fetches"`
	ErrorCount        int             `json:"error_count"`
	ConsecutiveErrors int             `json:"consecutive_errors"`
	Discarded         int             `json:"discarded"`
	LastSuccess       *time.Time      `json:"last_success,omitempty"`
	LastError         string          `json:"last_error,omitempty"`
	Stale             bool            `json:"stale"`
}

// AggregatorHealth is the report returned by Health.
type AggregatorHealth struct {
	Running     bool             `json:"running"`
	ActiveTasks int              `json:"active_tasks"`
	Categories  []CategoryHealth `json:"categories"`
}

// categoryState is owned by one polling task; readers take the read lock.
type categoryState struct {
	category domain.Category
	source   domain.FeedSource
	interval time.Duration
	disabled error

	mu                sync.RWMutex
	entries           map[string]domain.CacheEntry
	fetches           int
	errorCount        int
	consecutiveErrors int
	discarded         int
	lastSuccess       time.Time
	lastError         string
}

// Aggregator polls each category on its own interval and caches the results.
// A failing category keeps its previous cache and never affects the others.
type Aggregator struct {
	events  Emitter
	logger  *slog.Logger
	metrics *infra.Metrics
	now     func() time.Time

	states map[domain.Category]*categoryState

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	active  atomic.Int32
}

// NewAggregator creates an aggregator with no sources.
func NewAggregator(events Emitter, logger *slog.Logger, metrics *infra.Metrics) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = infra.NewMetrics()
	}
	return &Aggregator{
		events:  events,
		logger:  logger.With("component", "aggregator"),
		metrics: metrics,
		now:     time.Now,
		states:  make(map[domain.Category]*categoryState),
	}
}

// AddSource registers a category source. Must be called before Start.
func (a *Aggregator) AddSource(src domain.FeedSource, interval time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		a.logger.Warn("Source added after start ignored", "category", src.Category())
		return
	}
	a.states[src.Category()] = &categoryState{
		category: src.Category(),
		source:   src,
		interval: interval,
		entries:  make(map[string]domain.CacheEntry),
	}
}

// Disable marks a category as permanently disabled for this process.
func (a *Aggregator) Disable(cat domain.Category, reason error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.states[cat] = &categoryState{
		category: cat,
		disabled: reason,
		entries:  make(map[string]domain.CacheEntry),
	}
	a.logger.Warn("Category disabled", "category", cat, "reason", reason)
}

// Start launches one polling task per enabled category. A second call while
// running is a no-op.
func (a *Aggregator) Start(ctx context.Context) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.running {
		return
	}
	a.running = true
	ctx, a.cancel = context.WithCancel(ctx)

	for _, st := range a.states {
		if st.disabled != nil || st.source == nil {
			continue
		}
		a.wg.Add(1)
		a.active.Add(1)
		go a.run(ctx, st)
	}

	a.logger.Info("Aggregator started", "tasks", a.active.Load())
}

// Stop cancels every task and waits for them to exit.
func (a *Aggregator) Stop() {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return
	}
	a.running = false
	a.cancel()
	a.mu.Unlock()

	a.wg.Wait()
	a.logger.Info("Aggregator stopped")
}

// ActiveTasks returns the number of running polling tasks.
func (a *Aggregator) ActiveTasks() int {
	return int(a.active.Load())
}

func (a *Aggregator) run(ctx context.Context, st *categoryState) {
	defer a.wg.Done()
	defer a.active.Add(-1)

	ticker := time.NewTicker(st.interval)
	defer ticker.Stop()

	// Poll immediately so subscribers never wait a full interval for data.
	a.poll(ctx, st)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.poll(ctx, st)
		}
	}
}

// Refresh fetches one category outside its schedule.
func (a *Aggregator) Refresh(ctx context.Context, cat domain.Category) error {
	st := a.state(cat)
	if st == nil {
		return domain.ErrCategoryDisabled
	}
	if st.disabled != nil {
		return st.disabled
	}
	return a.poll(ctx, st)
}

func (a *Aggregator) poll(ctx context.Context, st *categoryState) error {
	start := time.Now()
	records, err := st.source.Fetch(ctx)
	a.metrics.ObserveFetch(st.category, err == nil, time.Since(start))

	if err != nil {
		if ctx.Err() != nil && errors.Is(err, context.Canceled) {
			return err // shutting down
		}
		st.recordFailure(err)
		a.logger.Warn("Feed fetch failed, keeping cached data",
			"category", st.category,
			"error", err,
		)
		a.emit(st.category.ErrorTopic(), event.ErrorPayload{Category: st.category, Err: err})
		return err
	}

	snapshot, written := st.apply(records, a.now())
	if written == 0 {
		if len(records) > 0 {
			a.metrics.ObserveDiscard(st.category)
			a.logger.Info("Discarded out-of-order batch", "category", st.category, "records", len(records))
		}
		return nil
	}

	a.metrics.SetCacheRecords(st.category, len(snapshot))
	a.emit(st.category.UpdatedTopic(), event.UpdatePayload{Category: st.category, Records: snapshot})
	return nil
}

func (a *Aggregator) emit(topic string, payload any) {
	if a.events == nil {
		return
	}
	a.events.Emit(topic, payload)
}

// Seed loads previously archived records without emitting events. A seeded
// entry ages from its record's LastUpdate, so restored data reports as stale
// until a fetch replaces it.
func (a *Aggregator) Seed(cat domain.Category, records []domain.FeedRecord) {
	st := a.state(cat)
	if st == nil || st.disabled != nil || len(records) == 0 {
		return
	}
	a.metrics.SetCacheRecords(cat, st.seed(records, a.now()))
}

func (a *Aggregator) state(cat domain.Category) *categoryState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.states[cat]
}

// Snapshot returns copies of the cached records sorted by key. It never blocks on I/O.
func (a *Aggregator) Snapshot(cat domain.Category) []domain.FeedRecord {
	st := a.state(cat)
	if st == nil {
		return nil
	}
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.snapshotLocked()
}

// Entries returns the cached entries with their staleness flag, sorted by key.
func (a *Aggregator) Entries(cat domain.Category) []Entry {
	st := a.state(cat)
	if st == nil {
		return nil
	}
	now := a.now()

	st.mu.RLock()
	defer st.mu.RUnlock()

	out := make([]Entry, 0, len(st.entries))
	for _, e := range st.entries {
		out = append(out, Entry{
			Record:     e.Record,
			InsertedAt: e.InsertedAt,
			Stale:      e.IsStale(now, st.interval),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Record.Key < out[j].Record.Key
	})
	return out
}

// Health reports every known category in a stable order.
func (a *Aggregator) Health() AggregatorHealth {
	a.mu.Lock()
	running := a.running
	states := make([]*categoryState, 0, len(a.states))
	for _, cat := range domain.AllCategories {
		if st, ok := a.states[cat]; ok {
			states = append(states, st)
		}
	}
	a.mu.Unlock()

	now := a.now()
	report := AggregatorHealth{Running: running, ActiveTasks: a.ActiveTasks()}
	for _, st := range states {
		report.Categories = append(report.Categories, st.health(now))
	}
	return report
}

// mergeLocked writes every record that is not older than its cached entry and
// returns how many were written. Restored entries take the record's own
// timestamp as their insertion time.
func (st *categoryState) mergeLocked(records []domain.FeedRecord, now time.Time, restored bool) int {
	written := 0
	for _, r := range records {
		if cur, ok := st.entries[r.Key]; ok && !cur.Newer(r) {
			continue
		}
		inserted := now
		if restored && !r.LastUpdate.IsZero() && r.LastUpdate.Before(now) {
			inserted = r.LastUpdate
		}
		st.entries[r.Key] = domain.CacheEntry{Record: r, InsertedAt: inserted}
		written++
	}
	return written
}

// seed merges archived records and returns the cache size.
func (st *categoryState) seed(records []domain.FeedRecord, now time.Time) int {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.mergeLocked(records, now, true)
	return len(st.entries)
}

// apply merges a fetched batch into the cache and returns the snapshot and the
// number of records written. A non-empty batch with nothing written was older
// than every entry it would replace and counts as discarded.
func (st *categoryState) apply(records []domain.FeedRecord, now time.Time) ([]domain.FeedRecord, int) {
	st.mu.Lock()
	defer st.mu.Unlock()

	st.fetches++
	st.lastSuccess = now
	st.consecutiveErrors = 0
	st.lastError = ""

	written := st.mergeLocked(records, now, false)
	if written == 0 {
		if len(records) > 0 {
			st.discarded++
		}
		return nil, 0
	}
	return st.snapshotLocked(), written
}

func (st *categoryState) recordFailure(err error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.fetches++
	st.errorCount++
	st.consecutiveErrors++
	st.lastError = err.Error()
}

func (st *categoryState) snapshotLocked() []domain.FeedRecord {
	out := make([]domain.FeedRecord, 0, len(st.entries))
	for _, e := range st.entries {
		out = append(out, e.Record)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Key < out[j].Key
	})
	return out
}

func (st *categoryState) health(now time.Time) CategoryHealth {
	st.mu.RLock()
	defer st.mu.RUnlock()

	h := CategoryHealth{
		Category:          st.category,
		Enabled:           st.disabled == nil,
		Records:           len(st.entries),
		Fetches:           st.fetches,
		ErrorCount:        st.errorCount,
		ConsecutiveErrors: st.consecutiveErrors,
		Discarded:         st.discarded,
		LastError:         st.lastError,
	}
	if st.disabled != nil {
		h.DisabledReason = st.disabled.Error()
		return h
	}
	h.Interval = st.interval.String()
	if !st.lastSuccess.IsZero() {
		ls := st.lastSuccess
		h.LastSuccess = &ls
		h.Stale = now.Sub(ls) > 2*st.interval
	}
	return h
}
