package infra

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"crypto_sync/internal/domain"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_ObserveFetch(t *testing.T) {
	m := NewMetrics()

	m.ObserveFetch(domain.CategoryPrices, true, 100*time.Millisecond)
	m.ObserveFetch(domain.CategoryPrices, true, 200*time.Millisecond)
	m.ObserveFetch(domain.CategoryPrices, false, time.Second)

	if got := testutil.ToFloat64(m.fetches.WithLabelValues("prices", "success")); got != 2 {
		t.Errorf("Expected 2 successful fetches, got %v", got)
	}
	if got := testutil.ToFloat64(m.fetches.WithLabelValues("prices", "error")); got != 1 {
		t.Errorf("Expected 1 failed fetch, got %v", got)
	}
}

func TestMetrics_Sessions(t *testing.T) {
	m := NewMetrics()

	m.IncrementSessions()
	m.IncrementSessions()
	m.IncrementSessions()
	if got := testutil.ToFloat64(m.sessions); got != 3 {
		t.Errorf("Expected 3 sessions, got %v", got)
	}

	m.DecrementSessions()
	if got := testutil.ToFloat64(m.sessions); got != 2 {
		t.Errorf("Expected 2 sessions, got %v", got)
	}
}

func TestMetrics_Backend(t *testing.T) {
	m := NewMetrics()

	m.SetBackend("redis", domain.StateConnected, true)
	if got := testutil.ToFloat64(m.backendUp.WithLabelValues("redis")); got != 1 {
		t.Errorf("Expected redis up, got %v", got)
	}

	m.SetBackend("redis", domain.StateCritical, false)
	if got := testutil.ToFloat64(m.backendUp.WithLabelValues("redis")); got != 0 {
		t.Errorf("Expected redis down, got %v", got)
	}
	if got := testutil.ToFloat64(m.backendState.WithLabelValues("redis")); got != float64(domain.StateCritical) {
		t.Errorf("Expected critical state, got %v", got)
	}
}

func TestMetrics_Handler(t *testing.T) {
	m := NewMetrics()
	m.SetCacheRecords(domain.CategoryProtocols, 42)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), `crypto_sync_feed_cache_records{category="protocols"} 42`) {
		t.Error("Expected cache_records gauge in exposition output")
	}
}
