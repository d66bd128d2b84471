package cache

import (
	"context"
	"errors"
	"time"
)

// Provider is the byte-oriented cache the embedding layer writes vectors into.
// Keys are content hashes, so values never need invalidation beyond the TTL.
type Provider interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Del(ctx context.Context, key string) error
	Close() error
}

// ErrCacheMiss is returned by Get when the key holds no vector.
var ErrCacheMiss = errors.New("cache miss")

// NoopProvider is used when caching is disabled or the backend is unreachable.
// Every lookup misses, so each text goes to the embedding model.
type NoopProvider struct{}

func (NoopProvider) Get(context.Context, string) ([]byte, error) {
	return nil, ErrCacheMiss
}

func (NoopProvider) Set(context.Context, string, []byte, time.Duration) error {
	return nil
}

func (NoopProvider) Del(context.Context, string) error { return nil }

func (NoopProvider) Close() error { return nil }
