package cache

import (
	"context"
	"sync"
	"time"

	"github.com/golang/groupcache/lru"
)

type memoryItem struct {
	entry   Entry
	expires time.Time
}

// Memory is an in-process LRU cache. When full, the least recently used entry
// is evicted.
type Memory struct {
	mu  sync.Mutex // lru.Cache is not goroutine-safe and Get updates recency
	lru *lru.Cache

	now func() time.Time
}

// NewMemory creates a Memory cache holding at most maxEntries (0 means no limit).
func NewMemory(maxEntries int) *Memory {
	return &Memory{lru: lru.New(maxEntries), now: time.Now}
}

func (m *Memory) Get(_ context.Context, key string) (Entry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.lru.Get(key)
	if !ok {
		return Entry{}, false, nil
	}
	item := v.(memoryItem)
	if !m.now().Before(item.expires) {
		m.lru.Remove(key)
		return Entry{}, false, nil
	}
	return item.entry.Clone(), true, nil
}

func (m *Memory) Set(_ context.Context, key string, e Entry, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	item := memoryItem{entry: e.Clone(), expires: m.now().Add(ttl)}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.lru.Add(key, item)
	return nil
}

func (m *Memory) Clear(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lru.Clear()
	return nil
}

// Len returns the number of stored entries, expired or not.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lru.Len()
}
