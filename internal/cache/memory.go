package cache

import (
	"context"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

// MemoryProvider is a bounded in-process LRU with per-key expiry.
type MemoryProvider struct {
	entries *lru.Cache[string, memoryEntry]
	now     func() time.Time
}

// NewMemoryProvider returns an LRU holding at most size keys.
func NewMemoryProvider(size int) (*MemoryProvider, error) {
	if size <= 0 {
		size = 4096
	}
	entries, err := lru.New[string, memoryEntry](size)
	if err != nil {
		return nil, err
	}
	return &MemoryProvider{entries: entries, now: time.Now}, nil
}

// Get returns the value for key, or ErrCacheMiss when absent or expired.
func (m *MemoryProvider) Get(_ context.Context, key string) ([]byte, error) {
	entry, ok := m.entries.Get(key)
	if !ok {
		return nil, ErrCacheMiss
	}
	if !entry.expiresAt.IsZero() && m.now().After(entry.expiresAt) {
		m.entries.Remove(key)
		return nil, ErrCacheMiss
	}
	return append([]byte(nil), entry.value...), nil
}

// Set stores a copy of value. A ttl of zero never expires.
func (m *MemoryProvider) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	entry := memoryEntry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		entry.expiresAt = m.now().Add(ttl)
	}
	m.entries.Add(key, entry)
	return nil
}

// Del removes key.
func (m *MemoryProvider) Del(_ context.Context, key string) error {
	m.entries.Remove(key)
	return nil
}

// Len reports the number of resident keys, expired ones included.
func (m *MemoryProvider) Len() int {
	return m.entries.Len()
}

// Close drops every entry.
func (m *MemoryProvider) Close() error {
	m.entries.Purge()
	return nil
}
