// Package storage implements the durable and volatile stores and the gateway
// that tracks their health and hides volatile-store outages behind an
// in-process fallback.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"crypto_sync/internal/domain"
	"crypto_sync/internal/infra"
)

// Backend names used in health reports, logs and metrics.
const (
	BackendDurable = "postgres"
	BackendCache   = "redis"
)

// DurableBackend is a Backend that persists records.
type DurableBackend interface {
	Backend
	domain.RecordStore
}

// CacheBackend is a Backend with byte-level key/value operations.
type CacheBackend interface {
	Backend
	Set(ctx context.Context, key string, data []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

// Gateway fronts the durable and volatile stores.
type Gateway struct {
	cfg     infra.StoreConfig
	durable DurableBackend
	cache   CacheBackend

	durableLink *link
	cacheLink   *link
	fallback    *MemoryCache // nil when disabled

	logger  *slog.Logger
	metrics *infra.Metrics

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewGateway creates a gateway over the given backends. Nothing connects until Start.
func NewGateway(cfg infra.StoreConfig, durable DurableBackend, cache CacheBackend, logger *slog.Logger, metrics *infra.Metrics) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = infra.NewMetrics()
	}
	logger = logger.With("component", "store_gateway")

	g := &Gateway{
		cfg:         cfg,
		durable:     durable,
		cache:       cache,
		durableLink: newLink(BackendDurable, durable, cfg, logger, metrics),
		cacheLink:   newLink(BackendCache, cache, cfg, logger, metrics),
		logger:      logger,
		metrics:     metrics,
	}
	if cfg.UseFallback() {
		g.fallback = NewMemoryCache(cfg.FallbackTTL)
	}
	return g
}

// NewGatewayFromConfig builds the gorm and redis backends from configuration.
func NewGatewayFromConfig(cfg infra.StoreConfig, logger *slog.Logger, metrics *infra.Metrics) *Gateway {
	durable := NewDurableStore(cfg.Durable.Driver, cfg.Durable.DSN)
	cache := NewRedisStore(cfg.Cache.Addr, cfg.Cache.Password, cfg.Cache.DB)
	return NewGateway(cfg, durable, cache, logger, metrics)
}

// Start connects both backends and launches the prober. Connection failures
// are not returned: they arm the reconnect schedule instead.
func (g *Gateway) Start(ctx context.Context) {
	g.mu.Lock()
	if g.running {
		g.mu.Unlock()
		return
	}
	g.running = true
	ctx, g.cancel = context.WithCancel(ctx)
	g.mu.Unlock()

	var wg sync.WaitGroup
	for _, l := range []*link{g.durableLink, g.cacheLink} {
		l.bind(ctx)
		wg.Add(1)
		go func(l *link) {
			defer wg.Done()
			l.connect(ctx)
		}(l)
	}
	wg.Wait()

	g.wg.Add(1)
	go g.probeLoop(ctx)

	h := g.Health()
	g.logger.Info("Store gateway started",
		"durable", h.Durable.State.String(),
		"cache", h.Cache.State.String(),
		"overall", h.Overall,
		"fallback", g.fallback != nil,
	)
}

func (g *Gateway) probeLoop(ctx context.Context) {
	defer g.wg.Done()

	ticker := time.NewTicker(g.cfg.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.probeAll(ctx)
		}
	}
}

// probeAll probes both backends concurrently so a hung one does not delay the other.
func (g *Gateway) probeAll(ctx context.Context) {
	var wg sync.WaitGroup
	for _, l := range []*link{g.durableLink, g.cacheLink} {
		wg.Add(1)
		go func(l *link) {
			defer wg.Done()
			l.probe(ctx)
		}(l)
	}
	wg.Wait()
}

// Stop halts probing and reconnects, then closes both backends.
func (g *Gateway) Stop() {
	g.mu.Lock()
	if !g.running {
		g.mu.Unlock()
		return
	}
	g.running = false
	g.cancel()
	g.mu.Unlock()

	g.wg.Wait()

	if err := g.durableLink.close(); err != nil {
		g.logger.Warn("Failed to close durable store", "error", err)
	}
	if err := g.cacheLink.close(); err != nil {
		g.logger.Warn("Failed to close cache store", "error", err)
	}
	if g.fallback != nil {
		g.fallback.Close()
	}
	g.logger.Info("Store gateway stopped")
}

// Reconnect resets the backoff of one backend and reconnects it immediately.
func (g *Gateway) Reconnect(ctx context.Context, backend string) error {
	switch backend {
	case BackendDurable:
		return g.durableLink.manual(ctx)
	case BackendCache:
		return g.cacheLink.manual(ctx)
	}
	return fmt.Errorf("unknown backend %q", backend)
}

// Health returns the state of both backends and the derived overall status.
func (g *Gateway) Health() domain.StoreHealth {
	d := g.durableLink.snapshot()
	c := g.cacheLink.snapshot()
	return domain.StoreHealth{
		Durable: d,
		Cache:   c,
		Overall: domain.DeriveOverall(d, c),
	}
}

// DurableAvailable reports whether durable operations will be attempted.
func (g *Gateway) DurableAvailable() bool {
	return g.durableLink.connected()
}

// ======================================================================================
// Durable Operations
// ======================================================================================

// SaveRecords persists records, or returns ErrStoreUnavailable at once while the
// durable store is down.
func (g *Gateway) SaveRecords(ctx context.Context, records []domain.FeedRecord) error {
	if !g.durableLink.connected() {
		return &domain.StoreConnectionError{Backend: BackendDurable, Op: "save", Err: domain.ErrStoreUnavailable}
	}
	if err := g.durable.SaveRecords(ctx, records); err != nil {
		return &domain.StoreConnectionError{Backend: BackendDurable, Op: "save", Err: err}
	}
	return nil
}

// LatestRecords reads the stored records of a category.
func (g *Gateway) LatestRecords(ctx context.Context, category domain.Category) ([]domain.FeedRecord, error) {
	if !g.durableLink.connected() {
		return nil, &domain.StoreConnectionError{Backend: BackendDurable, Op: "load", Err: domain.ErrStoreUnavailable}
	}
	records, err := g.durable.LatestRecords(ctx, category)
	if err != nil {
		return nil, &domain.StoreConnectionError{Backend: BackendDurable, Op: "load", Err: err}
	}
	return records, nil
}

// ======================================================================================
// Cache Operations
// ======================================================================================

// SetCache stores value as JSON. While the volatile store is down the value
// goes to the in-process fallback and no error is returned. A ttl <= 0 means
// the configured fallback_ttl on both paths.
func (g *Gateway) SetCache(ctx context.Context, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal cache value: %w", err)
	}
	if ttl <= 0 {
		ttl = g.cfg.FallbackTTL
	}

	if g.cacheLink.connected() {
		err = g.cache.Set(ctx, key, data, ttl)
		if err == nil {
			return nil
		}
		g.logger.Debug("Cache set failed, using fallback", "key", key, "error", err)
	} else {
		err = domain.ErrStoreUnavailable
	}

	if g.fallback == nil {
		return &domain.StoreConnectionError{Backend: BackendCache, Op: "set", Err: err}
	}
	g.fallback.Set(key, data, ttl)
	g.metrics.IncFallback("set")
	return nil
}

// GetCache decodes the value under key into dst. It returns ErrCacheMiss when
// neither the volatile store nor the fallback has the key.
func (g *Gateway) GetCache(ctx context.Context, key string, dst any) error {
	var data []byte
	var err error

	if g.cacheLink.connected() {
		data, err = g.cache.Get(ctx, key)
		if err != nil && !errors.Is(err, domain.ErrCacheMiss) {
			g.logger.Debug("Cache get failed, using fallback", "key", key, "error", err)
		}
	} else {
		err = domain.ErrStoreUnavailable
	}

	// Values written during an outage stay readable after recovery until they expire.
	if err != nil && g.fallback != nil {
		data, err = g.fallback.Get(key)
		if err == nil {
			g.metrics.IncFallback("get")
		}
	}

	if err != nil {
		if errors.Is(err, domain.ErrCacheMiss) {
			return domain.ErrCacheMiss
		}
		return &domain.StoreConnectionError{Backend: BackendCache, Op: "get", Err: err}
	}

	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("failed to unmarshal cache value: %w", err)
	}
	return nil
}

// DeleteCache removes key from both the volatile store and the fallback.
func (g *Gateway) DeleteCache(ctx context.Context, key string) error {
	if g.fallback != nil {
		g.fallback.Delete(key)
	}
	if !g.cacheLink.connected() {
		if g.fallback == nil {
			return &domain.StoreConnectionError{Backend: BackendCache, Op: "delete", Err: domain.ErrStoreUnavailable}
		}
		g.metrics.IncFallback("delete")
		return nil
	}
	if err := g.cache.Delete(ctx, key); err != nil {
		if g.fallback != nil {
			g.logger.Debug("Cache delete failed", "key", key, "error", err)
			return nil
		}
		return &domain.StoreConnectionError{Backend: BackendCache, Op: "delete", Err: err}
	}
	return nil
}
