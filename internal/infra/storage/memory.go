package storage

import (
	"sync"
	"time"

	"crypto_sync/internal/domain"
)

const memoryCleanInterval = 10 * time.Second

type memoryItem struct {
	data      []byte
	expiresAt time.Time // zero means no expiry
}

// MemoryCache is the in-process TTL map used while the volatile store is down.
type MemoryCache struct {
	mu         sync.RWMutex
	items      map[string]memoryItem
	defaultTTL time.Duration
	now        func() time.Time

	cleaner *time.Ticker
	done    chan struct{}
	once    sync.Once
}

// NewMemoryCache starts a cache whose entries expire after their own ttl,
// or defaultTTL when set without one.
func NewMemoryCache(defaultTTL time.Duration) *MemoryCache {
	m := &MemoryCache{
		items:      make(map[string]memoryItem),
		defaultTTL: defaultTTL,
		now:        time.Now,
		cleaner:    time.NewTicker(memoryCleanInterval),
		done:       make(chan struct{}),
	}
	go m.backgroundCleaner()
	return m
}

func (m *MemoryCache) backgroundCleaner() {
	for {
		select {
		case <-m.cleaner.C:
			m.evictExpired()
		case <-m.done:
			m.cleaner.Stop()
			return
		}
	}
}

func (m *MemoryCache) evictExpired() {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, it := range m.items {
		if !it.expiresAt.IsZero() && now.After(it.expiresAt) {
			delete(m.items, k)
		}
	}
}

// Set stores a copy of data.
func (m *MemoryCache) Set(key string, data []byte, ttl time.Duration) {
	if ttl <= 0 {
		ttl = m.defaultTTL
	}
	it := memoryItem{data: append([]byte(nil), data...)}
	if ttl > 0 {
		it.expiresAt = m.now().Add(ttl)
	}

	m.mu.Lock()
	m.items[key] = it
	m.mu.Unlock()
}

// Get returns the data under key or domain.ErrCacheMiss when absent or expired.
func (m *MemoryCache) Get(key string) ([]byte, error) {
	m.mu.RLock()
	it, ok := m.items[key]
	m.mu.RUnlock()

	if !ok || (!it.expiresAt.IsZero() && m.now().After(it.expiresAt)) {
		return nil, domain.ErrCacheMiss
	}
	return it.data, nil
}

// Delete removes key.
func (m *MemoryCache) Delete(key string) {
	m.mu.Lock()
	delete(m.items, key)
	m.mu.Unlock()
}

// Len returns the number of stored entries, expired ones included until the next sweep.
func (m *MemoryCache) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.items)
}

// Close stops the background cleaner.
func (m *MemoryCache) Close() {
	m.once.Do(func() { close(m.done) })
}
