package storage

import (
	"context"
	"errors"
	"sync"
	"time"

	"crypto_sync/internal/domain"

	"github.com/redis/go-redis/v9"
)

// keyPrefix namespaces every cache key written by this process.
const keyPrefix = "cryptosync:"

// RedisStore is the volatile cache backend.
type RedisStore struct {
	opts *redis.Options

	mu     sync.RWMutex
	client *redis.Client
}

// NewRedisStore creates an unconnected store.
func NewRedisStore(addr, password string, db int) *RedisStore {
	return &RedisStore{opts: &redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	}}
}

// Connect creates the client and verifies it with a ping.
// go-redis re-dials on its own, so an existing client is reused.
func (s *RedisStore) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.client == nil {
		s.client = redis.NewClient(s.opts)
	}
	client := s.client
	s.mu.Unlock()

	return client.Ping(ctx).Err()
}

func (s *RedisStore) conn() (*redis.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.client == nil {
		return nil, errNotConnected
	}
	return s.client, nil
}

// Ping checks the server.
func (s *RedisStore) Ping(ctx context.Context) error {
	client, err := s.conn()
	if err != nil {
		return err
	}
	return client.Ping(ctx).Err()
}

// Set stores raw bytes under key. A zero ttl means no expiry.
func (s *RedisStore) Set(ctx context.Context, key string, data []byte, ttl time.Duration) error {
	client, err := s.conn()
	if err != nil {
		return err
	}
	return client.Set(ctx, keyPrefix+key, data, ttl).Err()
}

// Get returns the bytes under key or domain.ErrCacheMiss.
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	client, err := s.conn()
	if err != nil {
		return nil, err
	}
	data, err := client.Get(ctx, keyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, domain.ErrCacheMiss
	}
	return data, err
}

// Delete removes key.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	client, err := s.conn()
	if err != nil {
		return err
	}
	return client.Del(ctx, keyPrefix+key).Err()
}

// Close closes the client.
func (s *RedisStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil {
		return nil
	}
	err := s.client.Close()
	s.client = nil
	return err
}
