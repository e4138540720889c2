package infra

import (
	"net/http"
	"time"

	"crypto_sync/internal/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "crypto_sync"

// Metrics holds the Prometheus collectors of one process.
// Each instance owns its registry so tests can create isolated copies.
type Metrics struct {
	Registry *prometheus.Registry

	fetches       *prometheus.CounterVec
	fetchDuration *prometheus.HistogramVec
	cacheRecords  *prometheus.GaugeVec
	discarded     *prometheus.CounterVec

	deliveries *prometheus.CounterVec
	dropped    *prometheus.CounterVec

	backendUp     *prometheus.GaugeVec
	backendState  *prometheus.GaugeVec
	probeDuration *prometheus.HistogramVec
	reconnects    *prometheus.CounterVec
	fallbackOps   *prometheus.CounterVec

	sessions     prometheus.Gauge
	pushes       *prometheus.CounterVec
	sessionDrops prometheus.Counter
}

// NewMetrics creates and registers all collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace, Subsystem: "feed", Name: "fetches_total",
			Help: "Feed fetch attempts by category and result.",
		}, []string{"category", "result"}),
		fetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace, Subsystem: "feed", Name: "fetch_duration_seconds",
			Help:    "Duration of feed fetches.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms to ~25s
		}, []string{"category"}),
		cacheRecords: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace, Subsystem: "feed", Name: "cache_records",
			Help: "Records currently cached per category.",
		}, []string{"category"}),
		discarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace, Subsystem: "feed", Name: "out_of_order_total",
			Help: "Fetch completions discarded because they were older than the cache.",
		}, []string{"category"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace, Subsystem: "events", Name: "deliveries_total",
			Help: "Listener deliveries by topic and result.",
		}, []string{"topic", "result"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace, Subsystem: "events", Name: "dropped_total",
			Help: "Events dropped because the queue was full.",
		}, []string{"topic"}),
		backendUp: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace, Subsystem: "store", Name: "backend_up",
			Help: "1 when the backend is connected.",
		}, []string{"backend"}),
		backendState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace, Subsystem: "store", Name: "backend_state",
			Help: "Backend state machine value (0=disconnected .. 4=critical).",
		}, []string{"backend"}),
		probeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace, Subsystem: "store", Name: "probe_duration_seconds",
			Help:    "Duration of backend health probes.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		}, []string{"backend"}),
		reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace, Subsystem: "store", Name: "reconnect_attempts_total",
			Help: "Reconnect attempts per backend.",
		}, []string{"backend"}),
		fallbackOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace, Subsystem: "store", Name: "fallback_ops_total",
			Help: "Cache operations served by the in-process fallback.",
		}, []string{"op"}),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace, Subsystem: "transport", Name: "sessions",
			Help: "Connected transport sessions.",
		}),
		pushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace, Subsystem: "transport", Name: "pushes_total",
			Help: "Messages pushed to sessions by type.",
		}, []string{"type"}),
		sessionDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace, Subsystem: "transport", Name: "slow_session_drops_total",
			Help: "Messages dropped because a session send queue was full.",
		}),
	}

	m.Registry.MustRegister(
		m.fetches, m.fetchDuration, m.cacheRecords, m.discarded,
		m.deliveries, m.dropped,
		m.backendUp, m.backendState, m.probeDuration, m.reconnects, m.fallbackOps,
		m.sessions, m.pushes, m.sessionDrops,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
	return m
}

// Handler returns an HTTP handler exposing the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// ObserveFetch records one fetch attempt.
func (m *Metrics) ObserveFetch(cat domain.Category, ok bool, d time.Duration) {
	result := "success"
	if !ok {
		result = "error"
	}
	m.fetches.WithLabelValues(string(cat), result).Inc()
	m.fetchDuration.WithLabelValues(string(cat)).Observe(d.Seconds())
}

// SetCacheRecords sets the cached record gauge of a category.
func (m *Metrics) SetCacheRecords(cat domain.Category, n int) {
	m.cacheRecords.WithLabelValues(string(cat)).Set(float64(n))
}

// ObserveDiscard counts an out-of-order completion.
func (m *Metrics) ObserveDiscard(cat domain.Category) {
	m.discarded.WithLabelValues(string(cat)).Inc()
}

// ObserveDelivery implements event.Observer.
func (m *Metrics) ObserveDelivery(topic string, ok bool) {
	result := "success"
	if !ok {
		result = "error"
	}
	m.deliveries.WithLabelValues(topic, result).Inc()
}

// ObserveDrop implements event.Observer.
func (m *Metrics) ObserveDrop(topic string) {
	m.dropped.WithLabelValues(topic).Inc()
}

// SetBackend publishes the current state of a store backend.
func (m *Metrics) SetBackend(backend string, state domain.BackendState, connected bool) {
	up := 0.0
	if connected {
		up = 1
	}
	m.backendUp.WithLabelValues(backend).Set(up)
	m.backendState.WithLabelValues(backend).Set(float64(state))
}

// ObserveProbe records a health probe duration.
func (m *Metrics) ObserveProbe(backend string, d time.Duration) {
	m.probeDuration.WithLabelValues(backend).Observe(d.Seconds())
}

// IncReconnect counts a reconnect attempt.
func (m *Metrics) IncReconnect(backend string) {
	m.reconnects.WithLabelValues(backend).Inc()
}

// IncFallback counts a cache operation served from memory.
func (m *Metrics) IncFallback(op string) {
	m.fallbackOps.WithLabelValues(op).Inc()
}

// FallbackOps returns the fallback counter of one operation.
func (m *Metrics) FallbackOps(op string) prometheus.Counter {
	return m.fallbackOps.WithLabelValues(op)
}

// IncrementSessions increments connected sessions by 1.
func (m *Metrics) IncrementSessions() {
	m.sessions.Inc()
}

// DecrementSessions decrements connected sessions by 1.
func (m *Metrics) DecrementSessions() {
	m.sessions.Dec()
}

// ObservePush counts a message pushed to a session.
func (m *Metrics) ObservePush(msgType string) {
	m.pushes.WithLabelValues(msgType).Inc()
}

// ObserveSessionDrop counts a message dropped for a slow session.
func (m *Metrics) ObserveSessionDrop() {
	m.sessionDrops.Inc()
}
