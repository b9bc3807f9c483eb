package cache

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

const defaultMemoryEntries = 4096

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

// Memory is a bounded in-process LRU cache with per-entry TTLs.
type Memory struct {
	mu    sync.Mutex
	store *lru.Cache[string, memoryEntry]
	now   func() time.Time
}

// NewMemory creates an in-process cache bounded to maxEntries
// (defaultMemoryEntries when <= 0).
func NewMemory(maxEntries int) *Memory {
	if maxEntries <= 0 {
		maxEntries = defaultMemoryEntries
	}
	store, _ := lru.New[string, memoryEntry](maxEntries)
	return &Memory{store: store, now: time.Now}
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.store.Get(key)
	if !ok {
		return nil, ErrMiss
	}
	if !entry.expiresAt.IsZero() && m.now().After(entry.expiresAt) {
		m.store.Remove(key)
		return nil, ErrMiss
	}
	return entry.value, nil
}

func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	entry := memoryEntry{value: value}
	if ttl > 0 {
		entry.expiresAt = m.now().Add(ttl)
	}
	m.mu.Lock()
	m.store.Add(key, entry)
	m.mu.Unlock()
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	m.store.Remove(key)
	m.mu.Unlock()
	return nil
}

func (m *Memory) Close() error { return nil }
