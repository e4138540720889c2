package app

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"crypto_sync/internal/domain"
	"crypto_sync/internal/event"
	"crypto_sync/internal/infra"
	"crypto_sync/internal/infra/feed"
	"crypto_sync/internal/infra/storage"
	"crypto_sync/internal/service"
	"crypto_sync/internal/transport"
)

const shutdownTimeout = 10 * time.Second

// Bootstrap orchestrates the application startup sequence
type Bootstrap struct {
	Config  *infra.Config
	Logger  *slog.Logger
	Metrics *infra.Metrics

	Events     *event.Broadcaster
	Store      *storage.Gateway
	Aggregator *service.Aggregator
	Hub        *transport.Hub
	Server     *http.Server
}

// NewBootstrap creates a new Bootstrap instance
func NewBootstrap() *Bootstrap {
	return &Bootstrap{}
}

// Initialize loads configuration and wires every component. Nothing runs until Run.
func (b *Bootstrap) Initialize(configPath string) error {
	// 1. Load Config
	cfg, err := infra.LoadConfig(configPath)
	if err != nil {
		return err // Let main handle the error
	}
	b.Config = cfg

	// 2. Setup Logger & Metrics
	b.Logger = infra.NewLogger(cfg)
	slog.SetDefault(b.Logger)
	slog.Info("🚀 Bootstrapping Crypto Sync...", "version", cfg.App.Version)

	b.Metrics = infra.NewMetrics()

	b.Events = event.NewBroadcaster(cfg.Events.QueueSize, b.Logger)
	b.Events.SetObserver(b.Metrics)

	// 3. Store Gateway
	b.Store = storage.NewGatewayFromConfig(cfg.Store, b.Logger, b.Metrics)

	// 4. Aggregator: one source per configured category
	b.Aggregator = service.NewAggregator(b.Events, b.Logger, b.Metrics)
	client := feed.NewHTTPClient()
	for _, cat := range domain.AllCategories {
		if problem := cfg.FeedProblem(cat); problem != nil {
			b.Aggregator.Disable(cat, problem)
			continue
		}
		f := cfg.Feeds[cat]
		b.Aggregator.AddSource(feed.NewHTTPSource(cat, f, client), f.Interval)
	}
	slog.Info("✅ Feed sources configured")

	// 5. Readers see fallback values only when configured
	policy, err := service.NewFallbackPolicy(cfg.Fallback.Policy, cfg.Transport.DefaultSymbols)
	if err != nil {
		return err
	}
	reader := service.NewFallbackReader(b.Aggregator, policy)

	// 6. Transport
	var watcher domain.ActivityWatcher
	if cfg.Transport.Activity.URL != "" {
		watcher = feed.NewHTTPActivityWatcher(cfg.Transport.Activity, client, b.Logger)
	}
	b.Hub = transport.NewHub(reader, watcher, cfg.Transport, b.Logger, b.Metrics)
	b.Hub.Listen(b.Events, domain.AllCategories)

	ws := transport.NewWSHandler(b.Hub, cfg.Transport, b.Logger)
	api := transport.NewAPI(b.Aggregator, b.Store, b.Hub, ws, b.Metrics, b.Logger)
	b.Server = &http.Server{
		Addr:              cfg.Transport.ListenAddr,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	slog.Info("✅ Transport ready", "addr", cfg.Transport.ListenAddr, "address_topics", watcher != nil)

	return nil
}

// Run starts every component and blocks until ctx is cancelled, then shuts
// down in reverse order.
func (b *Bootstrap) Run(ctx context.Context) error {
	cfg := b.Config

	b.Events.Start(ctx)
	b.Store.Start(ctx)

	if cfg.Store.ArchiveRecords {
		recorder := service.NewRecorder(b.Store, b.Logger).WithCache(b.Store, cfg.Store.FallbackTTL)
		recorder.Restore(ctx, b.Aggregator, domain.AllCategories)
		recorder.Attach(b.Events, domain.AllCategories)
		slog.Info("✅ Record archive attached")
	}

	b.Aggregator.Start(ctx)
	b.Hub.Start(ctx)

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("🌐 HTTP server listening", "addr", b.Server.Addr)
		if err := b.Server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	slog.Info("✨ Crypto Sync fully operational. Press Ctrl+C to exit.")

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-serverErr:
		runErr = err
	}

	slog.Info("👋 Shutting down gracefully...")
	b.shutdown()
	return runErr
}

func (b *Bootstrap) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := b.Server.Shutdown(ctx); err != nil {
		slog.Warn("HTTP server shutdown failed", "error", err)
	}
	b.Hub.Stop()
	b.Aggregator.Stop()
	b.Events.Stop()
	b.Events.RemoveAllListeners()
	b.Store.Stop()
}
