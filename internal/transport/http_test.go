package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"crypto_sync/internal/domain"
	"crypto_sync/internal/infra"
	"crypto_sync/internal/service"
)

type fakeFeeds struct {
	refreshErr error
	refreshed  []domain.Category
}

func (f *fakeFeeds) Health() service.AggregatorHealth {
	return service.AggregatorHealth{Running: true, ActiveTasks: 1, Categories: []service.CategoryHealth{
		{Category: domain.CategoryPrices, Enabled: true, Records: 2},
	}}
}

func (f *fakeFeeds) Entries(cat domain.Category) []service.Entry {
	if cat != domain.CategoryPrices {
		return []service.Entry{}
	}
	return []service.Entry{{Record: price("BTC", 43250, 2, 800)}, {Record: price("ETH", 2650, -4, 300), Stale: true}}
}

func (f *fakeFeeds) Refresh(ctx context.Context, cat domain.Category) error {
	f.refreshed = append(f.refreshed, cat)
	return f.refreshErr
}

type fakeStore struct {
	overall      domain.OverallStatus
	reconnectErr error
	reconnected  []string
}

func (f *fakeStore) Health() domain.StoreHealth {
	return domain.StoreHealth{
		Durable: domain.ConnectionHealth{Backend: "postgres", State: domain.StateConnected, Connected: true},
		Cache:   domain.ConnectionHealth{Backend: "redis", State: domain.StateConnected, Connected: true},
		Overall: f.overall,
	}
}

func (f *fakeStore) Reconnect(ctx context.Context, backend string) error {
	f.reconnected = append(f.reconnected, backend)
	return f.reconnectErr
}

func newTestAPI(feeds *fakeFeeds, store *fakeStore) (*API, *Hub) {
	hub := NewHub(seededReader(), nil, testTransportConfig(), nil, nil)
	ws := NewWSHandler(hub, testTransportConfig(), nil)
	return NewAPI(feeds, store, hub, ws, infra.NewMetrics(), nil), hub
}

func serve(api *API, method, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	api.Router().ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func TestAPI_Health(t *testing.T) {
	tests := []struct {
		name    string
		overall domain.OverallStatus
		code    int
	}{
		{"healthy", domain.StatusHealthy, http.StatusOK},
		{"degraded", domain.StatusDegraded, http.StatusOK},
		{"critical", domain.StatusCritical, http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api, hub := newTestAPI(&fakeFeeds{}, &fakeStore{overall: tt.overall})
			hub.Register()

			rec := serve(api, http.MethodGet, "/api/health")
			if rec.Code != tt.code {
				t.Fatalf("status = %d, want %d", rec.Code, tt.code)
			}

			var body struct {
				Status   string `json:"status"`
				Sessions int    `json:"sessions"`
				Store    struct {
					Postgres struct {
						State string `json:"state"`
					} `json:"postgres"`
				} `json:"store"`
				Feeds service.AggregatorHealth `json:"feeds"`
			}
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatal(err)
			}
			if body.Status != string(tt.overall) || body.Sessions != 1 {
				t.Errorf("body = %+v", body)
			}
			if body.Store.Postgres.State != "connected" {
				t.Errorf("postgres state = %q", body.Store.Postgres.State)
			}
			if len(body.Feeds.Categories) != 1 {
				t.Errorf("feeds = %+v", body.Feeds)
			}
		})
	}
}

func TestAPI_Snapshot(t *testing.T) {
	api, _ := newTestAPI(&fakeFeeds{}, &fakeStore{overall: domain.StatusHealthy})

	rec := serve(api, http.MethodGet, "/api/snapshot/prices")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body struct {
		Category string          `json:"category"`
		Entries  []service.Entry `json:"entries"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Category != "prices" || len(body.Entries) != 2 || !body.Entries[1].Stale {
		t.Errorf("body = %+v", body)
	}

	if rec := serve(api, http.MethodGet, "/api/snapshot/stocks"); rec.Code != http.StatusNotFound {
		t.Errorf("unknown category status = %d", rec.Code)
	}
}

func TestAPI_Refresh(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
	}{
		{"ok", nil, http.StatusOK},
		{"disabled", &domain.ConfigError{Field: "feeds.games.url", Err: domain.ErrMissingURL}, http.StatusConflict},
		{"fetch failed", &domain.FeedFetchError{Category: domain.CategoryPrices, Err: errors.New("status 500")}, http.StatusBadGateway},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			feeds := &fakeFeeds{refreshErr: tt.err}
			api, _ := newTestAPI(feeds, &fakeStore{overall: domain.StatusHealthy})

			rec := serve(api, http.MethodPost, "/api/refresh/prices")
			if rec.Code != tt.code {
				t.Errorf("status = %d, want %d (%s)", rec.Code, tt.code, rec.Body.String())
			}
			if len(feeds.refreshed) != 1 || feeds.refreshed[0] != domain.CategoryPrices {
				t.Errorf("refreshed = %v", feeds.refreshed)
			}
		})
	}
}

func TestAPI_Reconnect(t *testing.T) {
	store := &fakeStore{overall: domain.StatusHealthy}
	api, _ := newTestAPI(&fakeFeeds{}, store)

	if rec := serve(api, http.MethodPost, "/api/store/reconnect/redis"); rec.Code != http.StatusOK {
		t.Errorf("status = %d", rec.Code)
	}
	if rec := serve(api, http.MethodPost, "/api/store/reconnect/mongo"); rec.Code != http.StatusNotFound {
		t.Errorf("unknown backend status = %d", rec.Code)
	}
	if len(store.reconnected) != 1 || store.reconnected[0] != "redis" {
		t.Errorf("reconnected = %v", store.reconnected)
	}

	store.reconnectErr = errors.New("connection refused")
	rec := serve(api, http.MethodPost, "/api/store/reconnect/postgres")
	if rec.Code != http.StatusServiceUnavailable || !strings.Contains(rec.Body.String(), "connection refused") {
		t.Errorf("failed reconnect: %d %s", rec.Code, rec.Body.String())
	}
}

func TestAPI_Metrics(t *testing.T) {
	api, _ := newTestAPI(&fakeFeeds{}, &fakeStore{overall: domain.StatusHealthy})
	rec := serve(api, http.MethodGet, "/metrics")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "go_goroutines") {
		t.Errorf("metrics status = %d", rec.Code)
	}
}
