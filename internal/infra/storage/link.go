package storage

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"crypto_sync/internal/domain"
	"crypto_sync/internal/infra"
)

// Backend is the connection surface shared by both stores.
type Backend interface {
	Connect(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

// link owns the connection state of one backend. Every state change goes
// through apply, under mu.
type link struct {
	name      string
	backend   Backend
	timeout   time.Duration
	threshold int

	logger  *slog.Logger
	metrics *infra.Metrics

	mu        sync.Mutex
	base      context.Context // lifetime of scheduled reconnects
	health    domain.ConnectionHealth
	reconnect domain.ReconnectState
	timer     *time.Timer
	pending   time.Duration
	closed    bool
}

func newLink(name string, b Backend, cfg infra.StoreConfig, logger *slog.Logger, metrics *infra.Metrics) *link {
	l := &link{
		name:      name,
		backend:   b,
		timeout:   cfg.ProbeTimeout,
		threshold: cfg.CriticalThreshold,
		logger:    logger.With("backend", name),
		metrics:   metrics,
		base:      context.Background(),
		reconnect: domain.NewReconnectState(cfg.ReconnectBase, cfg.ReconnectMax, cfg.MaxReconnectAttempts),
	}
	l.health = domain.ConnectionHealth{Backend: name, State: domain.StateDisconnected}
	return l
}

// bind sets the context that scheduled reconnects run under.
func (l *link) bind(ctx context.Context) {
	l.mu.Lock()
	l.base = ctx
	l.mu.Unlock()
}

// apply runs one transition. Caller holds mu.
func (l *link) apply(ev domain.BackendEvent, elapsed time.Duration, err error) {
	h := &l.health
	prev := h.State

	switch ev {
	case domain.EventConnectOK, domain.EventProbeOK:
		h.ConsecutiveErrors = 0
		h.LastError = ""
		l.reconnect.Reset()
	case domain.EventConnectFail, domain.EventProbeFail:
		h.ConsecutiveErrors++
		if err != nil {
			h.LastError = err.Error()
		}
	}

	h.State = domain.Transition(prev, ev, h.ConsecutiveErrors, l.threshold)
	h.Connected = h.State == domain.StateConnected
	if ev != domain.EventReconnect {
		h.LastCheck = time.Now()
		h.ResponseTimeMs = elapsed.Milliseconds()
	}

	l.metrics.SetBackend(l.name, h.State, h.Connected)

	if prev != h.State {
		lvl := slog.LevelInfo
		if h.State == domain.StateCritical || h.State == domain.StateDegraded {
			lvl = slog.LevelWarn
		}
		l.logger.Log(context.Background(), lvl, "Backend state changed",
			"from", prev.String(),
			"to", h.State.String(),
			"consecutive_errors", h.ConsecutiveErrors,
		)
	}
}

// connect performs one connection attempt and schedules the next one on failure.
func (l *link) connect(ctx context.Context) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.apply(domain.EventReconnect, 0, nil)
	l.mu.Unlock()

	cctx, cancel := context.WithTimeout(ctx, l.timeout)
	start := time.Now()
	err := l.dial(cctx)
	cancel()
	elapsed := time.Since(start)

	l.mu.Lock()
	defer l.mu.Unlock()
	if err != nil {
		l.apply(domain.EventConnectFail, elapsed, err)
		l.logger.Warn("Connect failed", "error", err, "attempt", l.reconnect.Attempt)
		l.scheduleLocked()
		return &domain.StoreConnectionError{Backend: l.name, Op: "connect", Err: err}
	}
	l.apply(domain.EventConnectOK, elapsed, nil)
	l.stopTimerLocked()
	return nil
}

// probe runs one health check. A failing probe arms a reconnect unless one is pending.
func (l *link) probe(ctx context.Context) {
	l.mu.Lock()
	if l.closed || l.health.State == domain.StateConnecting {
		l.mu.Unlock()
		return
	}
	l.mu.Unlock()

	pctx, cancel := context.WithTimeout(ctx, l.timeout)
	start := time.Now()
	err := l.dial(pctx)
	cancel()
	elapsed := time.Since(start)
	l.metrics.ObserveProbe(l.name, elapsed)

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	if err != nil {
		l.apply(domain.EventProbeFail, elapsed, err)
		l.scheduleLocked()
		return
	}
	l.apply(domain.EventProbeOK, elapsed, nil)
	l.stopTimerLocked()
}

// dial opens the backend if needed and verifies it. A backend that never
// opened can therefore recover through a periodic probe.
func (l *link) dial(ctx context.Context) error {
	if err := l.backend.Connect(ctx); err != nil {
		return err
	}
	return l.backend.Ping(ctx)
}

// scheduleLocked arms the next reconnect under the bound context, so a
// failed manual reconnect keeps retrying after its request ends. Caller holds mu.
func (l *link) scheduleLocked() {
	ctx := l.base
	if l.timer != nil || l.closed || ctx.Err() != nil {
		return
	}
	delay, ok := l.reconnect.Next()
	if !ok {
		if !l.health.ReconnectPaused {
			l.logger.Error("Reconnect attempts exhausted, waiting for probe or manual reconnect",
				"attempts", l.reconnect.Attempt)
		}
		l.health.ReconnectPaused = true
		return
	}
	l.health.ReconnectPaused = false
	l.pending = delay
	l.metrics.IncReconnect(l.name)
	l.logger.Info("Reconnect scheduled", "delay", delay, "attempt", l.reconnect.Attempt)

	var t *time.Timer
	t = time.AfterFunc(delay, func() { l.fire(ctx, t) })
	l.timer = t
}

// fire runs a scheduled reconnect. A timer that was stopped or replaced after
// it started firing no longer owns the schedule and does nothing.
func (l *link) fire(ctx context.Context, t *time.Timer) {
	l.mu.Lock()
	if l.timer != t {
		l.mu.Unlock()
		return
	}
	l.timer = nil
	l.mu.Unlock()
	l.connect(ctx)
}

func (l *link) stopTimerLocked() {
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
	l.health.ReconnectPaused = false
}

// manual resets the backoff budget and connects immediately.
func (l *link) manual(ctx context.Context) error {
	l.mu.Lock()
	l.stopTimerLocked()
	l.reconnect.Reset()
	l.mu.Unlock()
	return l.connect(ctx)
}

func (l *link) snapshot() domain.ConnectionHealth {
	l.mu.Lock()
	defer l.mu.Unlock()
	h := l.health
	h.ReconnectAttempt = l.reconnect.Attempt
	if l.timer != nil {
		h.NextReconnect = l.pending.String()
	}
	return h
}

func (l *link) connected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.health.Connected
}

func (l *link) close() error {
	l.mu.Lock()
	l.closed = true
	l.stopTimerLocked()
	l.mu.Unlock()
	return l.backend.Close()
}
