package transport

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"crypto_sync/internal/domain"
	"crypto_sync/internal/infra"
	"crypto_sync/internal/service"

	"github.com/gorilla/mux"
)

const refreshTimeout = 30 * time.Second

// FeedStatus is the aggregator surface used by the HTTP API.
type FeedStatus interface {
	Health() service.AggregatorHealth
	Entries(cat domain.Category) []service.Entry
	Refresh(ctx context.Context, cat domain.Category) error
}

// StoreStatus is the store gateway surface used by the HTTP API.
type StoreStatus interface {
	Health() domain.StoreHealth
	Reconnect(ctx context.Context, backend string) error
}

// HealthReport is the body of GET /api/health.
type HealthReport struct {
	Status   domain.OverallStatus     `json:"status"`
	Store    domain.StoreHealth       `json:"store"`
	Feeds    service.AggregatorHealth `json:"feeds"`
	Sessions int                      `json:"sessions"`
	Time     time.Time                `json:"time"`
}

// API serves the HTTP endpoints next to the websocket.
type API struct {
	feeds   FeedStatus
	store   StoreStatus
	hub     *Hub
	ws      http.Handler
	metrics *infra.Metrics
	logger  *slog.Logger
}

// NewAPI creates the HTTP API. ws serves /ws.
func NewAPI(feeds FeedStatus, store StoreStatus, hub *Hub, ws http.Handler, metrics *infra.Metrics, logger *slog.Logger) *API {
	if logger == nil {
		logger = slog.Default()
	}
	return &API{
		feeds:   feeds,
		store:   store,
		hub:     hub,
		ws:      ws,
		metrics: metrics,
		logger:  logger.With("component", "http_api"),
	}
}

// Router registers every route.
func (a *API) Router() *mux.Router {
	router := mux.NewRouter()
	router.Handle("/ws", a.ws).Methods("GET")
	router.HandleFunc("/api/health", a.handleHealth).Methods("GET")
	router.HandleFunc("/api/snapshot/{category}", a.handleSnapshot).Methods("GET")
	router.HandleFunc("/api/refresh/{category}", a.handleRefresh).Methods("POST")
	router.HandleFunc("/api/store/reconnect/{backend}", a.handleReconnect).Methods("POST")
	if a.metrics != nil {
		router.Handle("/metrics", a.metrics.Handler()).Methods("GET")
	}
	return router
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	store := a.store.Health()
	report := HealthReport{
		Status:   store.Overall,
		Store:    store,
		Feeds:    a.feeds.Health(),
		Sessions: a.hub.SessionCount(),
		Time:     time.Now().UTC(),
	}

	status := http.StatusOK
	if store.Overall == domain.StatusCritical {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}

func (a *API) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	cat, ok := domain.ParseCategory(mux.Vars(r)["category"])
	if !ok {
		writeError(w, http.StatusNotFound, "unknown category")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"category": cat,
		"entries":  a.feeds.Entries(cat),
	})
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	cat, ok := domain.ParseCategory(mux.Vars(r)["category"])
	if !ok {
		writeError(w, http.StatusNotFound, "unknown category")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), refreshTimeout)
	defer cancel()

	if err := a.feeds.Refresh(ctx, cat); err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, domain.ErrCategoryDisabled) || errors.Is(err, domain.ErrMissingURL) {
			status = http.StatusConflict
		}
		a.logger.Warn("Manual refresh failed", "category", cat, "error", err)
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"category": cat,
		"entries":  a.feeds.Entries(cat),
	})
}

func (a *API) handleReconnect(w http.ResponseWriter, r *http.Request) {
	backend := mux.Vars(r)["backend"]
	if backend != "postgres" && backend != "redis" {
		writeError(w, http.StatusNotFound, "unknown backend")
		return
	}

	err := a.store.Reconnect(r.Context(), backend)
	health := a.store.Health()
	if err != nil {
		a.logger.Warn("Manual reconnect failed", "backend", backend, "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"error": err.Error(),
			"store": health,
		})
		return
	}
	writeJSON(w, http.StatusOK, health)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
