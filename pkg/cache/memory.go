package cache

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Memory is an in-process Store. Entries live until they expire or the
// process exits.
type Memory struct {
	mu      sync.RWMutex
	entries map[CacheKey]CacheEntry
	ttl     time.Duration
}

// NewMemory creates an empty in-process store. A ttl <= 0 selects DefaultTTL.
func NewMemory(ttl time.Duration) *Memory {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Memory{
		entries: make(map[CacheKey]CacheEntry),
		ttl:     ttl,
	}
}

// TTL returns the lifetime given to new entries.
func (m *Memory) TTL() time.Duration {
	return m.ttl
}

// Get retrieves a cache entry by key.
func (m *Memory) Get(_ context.Context, key CacheKey) (*CacheEntry, error) {
	m.mu.RLock()
	entry, ok := m.entries[key]
	m.mu.RUnlock()

	if !ok || entry.IsExpired() {
		CacheMisses.WithLabelValues(string(key.Kind)).Inc()
		return nil, ErrCacheMiss
	}
	CacheHits.WithLabelValues(string(key.Kind)).Inc()
	return &entry, nil
}

// Set stores a copy of entry.
func (m *Memory) Set(_ context.Context, key CacheKey, entry *CacheEntry) error {
	if entry == nil {
		return fmt.Errorf("cache entry cannot be nil")
	}
	if entry.TTL() <= 0 {
		return nil
	}

	stored := *entry
	stored.Data = append([]byte(nil), entry.Data...)

	m.mu.Lock()
	m.entries[key] = stored
	m.mu.Unlock()
	return nil
}

// Len returns the number of stored entries, expired ones included.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}
