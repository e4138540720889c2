package storage

import (
	"errors"
	"testing"
	"time"

	"crypto_sync/internal/domain"
)

func TestMemoryCache_TTL(t *testing.T) {
	m := NewMemoryCache(time.Minute)
	defer m.Close()

	now := time.Unix(1700000000, 0)
	m.now = func() time.Time { return now }

	m.Set("short", []byte("1"), time.Second)
	m.Set("default", []byte("2"), 0)

	if _, err := m.Get("short"); err != nil {
		t.Fatalf("Get failed: %v", err)
	}

	now = now.Add(2 * time.Second)
	if _, err := m.Get("short"); !errors.Is(err, domain.ErrCacheMiss) {
		t.Errorf("expired entry should miss, got %v", err)
	}
	if d, err := m.Get("default"); err != nil || string(d) != "2" {
		t.Errorf("default ttl entry = %q, %v", d, err)
	}

	m.evictExpired()
	if m.Len() != 1 {
		t.Errorf("Len after eviction = %d, want 1", m.Len())
	}
}

func TestMemoryCache_CopiesInput(t *testing.T) {
	m := NewMemoryCache(0)
	defer m.Close()

	buf := []byte("abc")
	m.Set("k", buf, 0)
	buf[0] = 'x'

	d, _ := m.Get("k")
	if string(d) != "abc" {
		t.Errorf("stored value aliased caller buffer: %q", d)
	}

	m.Delete("k")
	if _, err := m.Get("k"); !errors.Is(err, domain.ErrCacheMiss) {
		t.Errorf("expected miss after delete, got %v", err)
	}
	m.Close() // idempotent
}
