package storage

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"crypto_sync/internal/domain"
	"crypto_sync/internal/infra"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
)

var errDown = errors.New("connection refused")

// fakeBackend implements both DurableBackend and CacheBackend.
type fakeBackend struct {
	mu       sync.Mutex
	up       bool
	connects int
	data     map[string][]byte
	ttls     map[string]time.Duration
	records  []domain.FeedRecord
}

func newFake(up bool) *fakeBackend {
	return &fakeBackend{up: up, data: make(map[string][]byte), ttls: make(map[string]time.Duration)}
}

func (f *fakeBackend) ttl(key string) time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ttls[key]
}

func (f *fakeBackend) setUp(up bool) {
	f.mu.Lock()
	f.up = up
	f.mu.Unlock()
}

func (f *fakeBackend) connectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

func (f *fakeBackend) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	if !f.up {
		return errDown
	}
	return nil
}

func (f *fakeBackend) Ping(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.up {
		return errDown
	}
	return nil
}

func (f *fakeBackend) Close() error { return nil }

func (f *fakeBackend) Set(ctx context.Context, key string, data []byte, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.up {
		return errDown
	}
	f.data[key] = data
	f.ttls[key] = ttl
	return nil
}

func (f *fakeBackend) Get(ctx context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.up {
		return nil, errDown
	}
	d, ok := f.data[key]
	if !ok {
		return nil, domain.ErrCacheMiss
	}
	return d, nil
}

func (f *fakeBackend) Delete(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.up {
		return errDown
	}
	delete(f.data, key)
	return nil
}

func (f *fakeBackend) SaveRecords(ctx context.Context, records []domain.FeedRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, records...)
	return nil
}

func (f *fakeBackend) LatestRecords(ctx context.Context, category domain.Category) ([]domain.FeedRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.FeedRecord(nil), f.records...), nil
}

func testStoreConfig() infra.StoreConfig {
	return infra.StoreConfig{
		ProbeInterval:        time.Hour, // tests drive probes by hand
		ProbeTimeout:         time.Second,
		ReconnectBase:        10 * time.Millisecond,
		ReconnectMax:         40 * time.Millisecond,
		MaxReconnectAttempts: 3,
		CriticalThreshold:    2,
		FallbackTTL:          time.Minute,
	}
}

func startGateway(t *testing.T, cfg infra.StoreConfig, durable, cache *fakeBackend) (*Gateway, *infra.Metrics) {
	t.Helper()
	m := infra.NewMetrics()
	g := NewGateway(cfg, durable, cache, nil, m)
	g.Start(context.Background())
	t.Cleanup(g.Stop)
	return g, m
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestGateway_Healthy(t *testing.T) {
	g, _ := startGateway(t, testStoreConfig(), newFake(true), newFake(true))

	h := g.Health()
	if h.Overall != domain.StatusHealthy {
		t.Errorf("overall = %s, want healthy", h.Overall)
	}
	if h.Durable.State != domain.StateConnected || h.Cache.State != domain.StateConnected {
		t.Errorf("states = %s/%s", h.Durable.State, h.Cache.State)
	}
}

func TestGateway_CacheFallback(t *testing.T) {
	cache := newFake(false)
	g, m := startGateway(t, testStoreConfig(), newFake(true), cache)
	ctx := context.Background()

	if got := g.Health().Overall; got != domain.StatusDegraded {
		t.Errorf("overall = %s, want degraded", got)
	}

	type point struct{ Price string }
	if err := g.SetCache(ctx, "btc", point{Price: "43250"}, time.Minute); err != nil {
		t.Fatalf("SetCache should not surface outage: %v", err)
	}

	var got point
	if err := g.GetCache(ctx, "btc", &got); err != nil {
		t.Fatalf("GetCache failed: %v", err)
	}
	if got.Price != "43250" {
		t.Errorf("got %+v", got)
	}
	if n := testutil.ToFloat64(m.FallbackOps("set")); n != 1 {
		t.Errorf("fallback set count = %v", n)
	}

	// After recovery, values written during the outage are still readable.
	cache.setUp(true)
	if err := g.Reconnect(ctx, BackendCache); err != nil {
		t.Fatalf("Reconnect failed: %v", err)
	}
	got = point{}
	if err := g.GetCache(ctx, "btc", &got); err != nil || got.Price != "43250" {
		t.Errorf("value lost after recovery: %+v, %v", got, err)
	}

	if err := g.DeleteCache(ctx, "btc"); err != nil {
		t.Fatalf("DeleteCache failed: %v", err)
	}
	if err := g.GetCache(ctx, "btc", &got); !errors.Is(err, domain.ErrCacheMiss) {
		t.Errorf("expected miss after delete, got %v", err)
	}
}

func TestGateway_FallbackDisabled(t *testing.T) {
	cfg := testStoreConfig()
	off := false
	cfg.FallbackEnabled = &off
	g, _ := startGateway(t, cfg, newFake(true), newFake(false))

	err := g.SetCache(context.Background(), "k", 1, 0)
	var connErr *domain.StoreConnectionError
	if !errors.As(err, &connErr) {
		t.Fatalf("Expected StoreConnectionError, got %v", err)
	}
	if connErr.Backend != BackendCache {
		t.Errorf("backend = %s", connErr.Backend)
	}
}

func TestGateway_DurableUnavailable(t *testing.T) {
	g, _ := startGateway(t, testStoreConfig(), newFake(false), newFake(true))

	start := time.Now()
	err := g.SaveRecords(context.Background(), []domain.FeedRecord{{Key: "BTC"}})
	if !errors.Is(err, domain.ErrStoreUnavailable) {
		t.Fatalf("Expected ErrStoreUnavailable, got %v", err)
	}
	if time.Since(start) > 100*time.Millisecond {
		t.Error("SaveRecords should fail fast while disconnected")
	}
	if _, err := g.LatestRecords(context.Background(), domain.CategoryPrices); !errors.Is(err, domain.ErrStoreUnavailable) {
		t.Errorf("LatestRecords: got %v", err)
	}
}

func TestGateway_BackoffPausesThenManualReconnect(t *testing.T) {
	durable := newFake(false)
	g, _ := startGateway(t, testStoreConfig(), durable, newFake(true))

	waitFor(t, func() bool { return g.Health().Durable.ReconnectPaused })

	// One initial connect plus MaxReconnectAttempts retries.
	if n := durable.connectCount(); n != 4 {
		t.Errorf("connect attempts = %d, want 4", n)
	}
	h := g.Health().Durable
	if h.ReconnectAttempt != 3 {
		t.Errorf("reconnect attempt = %d, want 3", h.ReconnectAttempt)
	}
	if h.State != domain.StateCritical {
		t.Errorf("state = %s, want critical", h.State)
	}

	// Paused: no further attempts on their own.
	time.Sleep(60 * time.Millisecond)
	if n := durable.connectCount(); n != 4 {
		t.Errorf("attempts continued while paused: %d", n)
	}

	durable.setUp(true)
	if err := g.Reconnect(context.Background(), BackendDurable); err != nil {
		t.Fatalf("Reconnect failed: %v", err)
	}
	h = g.Health().Durable
	if h.State != domain.StateConnected || h.ReconnectAttempt != 0 || h.ReconnectPaused {
		t.Errorf("after reconnect: %+v", h)
	}
}

func TestGateway_ManualReconnectOutlivesRequest(t *testing.T) {
	durable := newFake(false)
	g, _ := startGateway(t, testStoreConfig(), durable, newFake(true))
	waitFor(t, func() bool { return g.Health().Durable.ReconnectPaused })

	// The caller's context is gone by the time retries run.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := g.Reconnect(ctx, BackendDurable); err == nil {
		t.Fatal("Expected manual reconnect to fail while down")
	}

	durable.setUp(true)
	waitFor(t, func() bool { return g.Health().Durable.State == domain.StateConnected })
}

func TestGateway_ProbeRecovers(t *testing.T) {
	cfg := testStoreConfig()
	cfg.ReconnectBase = 100 * time.Millisecond
	cfg.ReconnectMax = 400 * time.Millisecond
	cfg.MaxReconnectAttempts = 2
	cache := newFake(false)
	g, _ := startGateway(t, cfg, newFake(true), cache)

	waitFor(t, func() bool { return g.Health().Cache.ReconnectPaused })
	if n := g.Health().Cache.ReconnectAttempt; n != 2 {
		t.Fatalf("attempts before recovery = %d, want 2", n)
	}

	cache.setUp(true)
	g.probeAll(context.Background())

	h := g.Health()
	if !h.Cache.Connected || h.Cache.ConsecutiveErrors != 0 {
		t.Errorf("cache after probe: %+v", h.Cache)
	}
	if h.Cache.ReconnectAttempt != 0 || h.Cache.ReconnectPaused {
		t.Errorf("backoff not reset after probe: %+v", h.Cache)
	}
	if h.Overall != domain.StatusHealthy {
		t.Errorf("overall = %s", h.Overall)
	}

	// The next outage starts again from the base delay.
	cache.setUp(false)
	g.probeAll(context.Background())
	h = g.Health()
	if h.Cache.NextReconnect != cfg.ReconnectBase.String() || h.Cache.ReconnectAttempt != 1 {
		t.Errorf("next reconnect = %q attempt %d, want %s attempt 1",
			h.Cache.NextReconnect, h.Cache.ReconnectAttempt, cfg.ReconnectBase)
	}
}

func TestGateway_CacheTTLDefaultsOnBothPaths(t *testing.T) {
	cache := newFake(true)
	g, _ := startGateway(t, testStoreConfig(), newFake(true), cache)
	ctx := context.Background()

	if err := g.SetCache(ctx, "up", 1, 0); err != nil {
		t.Fatalf("SetCache failed: %v", err)
	}
	if got := cache.ttl("up"); got != time.Minute {
		t.Errorf("volatile ttl = %v, want fallback ttl", got)
	}

	now := time.Now()
	g.fallback.now = func() time.Time { return now }
	cache.setUp(false)
	g.probeAll(ctx)

	if err := g.SetCache(ctx, "down", 1, 0); err != nil {
		t.Fatalf("SetCache during outage failed: %v", err)
	}
	var v int
	if err := g.GetCache(ctx, "down", &v); err != nil || v != 1 {
		t.Fatalf("fallback value = %d, %v", v, err)
	}
	now = now.Add(2 * time.Minute)
	if err := g.GetCache(ctx, "down", &v); !errors.Is(err, domain.ErrCacheMiss) {
		t.Errorf("fallback entry should expire after fallback ttl, got %v", err)
	}
}

func TestGateway_ProbeDegrades(t *testing.T) {
	cfg := testStoreConfig()
	cfg.ReconnectBase = time.Hour
	cfg.ReconnectMax = time.Hour
	cache := newFake(true)
	g, _ := startGateway(t, cfg, newFake(true), cache)

	cache.setUp(false)
	g.probeAll(context.Background())

	if got := g.Health().Cache.State; got != domain.StateDegraded {
		t.Errorf("state = %s, want degraded", got)
	}
}

func TestGateway_SaveRecords(t *testing.T) {
	durable := newFake(true)
	g, _ := startGateway(t, testStoreConfig(), durable, newFake(true))

	rec := domain.FeedRecord{Category: domain.CategoryPrices, Key: "ETH", Value: decimal.NewFromInt(2650)}
	if err := g.SaveRecords(context.Background(), []domain.FeedRecord{rec}); err != nil {
		t.Fatalf("SaveRecords failed: %v", err)
	}
	got, err := g.LatestRecords(context.Background(), domain.CategoryPrices)
	if err != nil || len(got) != 1 {
		t.Fatalf("LatestRecords = %v, %v", got, err)
	}
}

func TestGateway_ReconnectUnknown(t *testing.T) {
	g, _ := startGateway(t, testStoreConfig(), newFake(true), newFake(true))
	if err := g.Reconnect(context.Background(), "mongo"); err == nil {
		t.Error("Expected error for unknown backend")
	}
}

func TestLink_ReplacedTimerDoesNotFire(t *testing.T) {
	cfg := testStoreConfig()
	cfg.ReconnectBase = time.Hour
	cfg.ReconnectMax = time.Hour
	backend := newFake(false)
	l := newLink(BackendCache, backend, cfg, slog.Default(), infra.NewMetrics())
	defer l.close()

	l.mu.Lock()
	l.scheduleLocked()
	current := l.timer
	l.mu.Unlock()

	old := time.NewTimer(time.Hour)
	old.Stop()
	l.fire(context.Background(), old)

	l.mu.Lock()
	kept := l.timer
	l.mu.Unlock()
	if kept != current {
		t.Error("late callback cleared the pending timer")
	}
	if n := backend.connectCount(); n != 0 {
		t.Errorf("late callback connected %d times", n)
	}

	current.Stop()
	l.fire(context.Background(), current)
	if n := backend.connectCount(); n != 1 {
		t.Errorf("owning callback connected %d times, want 1", n)
	}
	l.mu.Lock()
	next := l.timer
	l.mu.Unlock()
	if next == nil || next == current {
		t.Error("failed reconnect should arm a new timer")
	}
}
