package cache

import (
	"context"
	"strings"
	"sync"
	"time"
)

// memoryBackend is the in-process fallback store. Each category is bounded
// to a configured number of entries; when full, the single oldest key by
// insertion order is evicted before insertion. This is a deliberate FIFO
// bound, not LRU: a re-stored key keeps its original queue position only if
// it was evicted and re-inserted.
type memoryBackend struct {
	caps       map[string]int
	defaultCap int

	mu      sync.Mutex
	entries map[string]Entry
	order   map[string][]string // category -> keys in insertion order
}

// NewMemory builds the fallback backend with per-category entry caps.
func NewMemory(caps map[string]int, defaultCap int) Backend {
	if defaultCap <= 0 {
		defaultCap = 1000
	}
	return &memoryBackend{
		caps:       caps,
		defaultCap: defaultCap,
		entries:    make(map[string]Entry),
		order:      make(map[string][]string),
	}
}

func (m *memoryBackend) capFor(category string) int {
	if c, ok := m.caps[category]; ok && c > 0 {
		return c
	}
	return m.defaultCap
}

func (m *memoryBackend) Lookup(_ context.Context, key string) (Entry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[key]
	if !ok {
		return Entry{}, false, nil
	}
	// Expired entries purge lazily on read.
	if entry.Expired(time.Now()) {
		delete(m.entries, key)
		m.dropFromOrder(entry.Category, key)
		return Entry{}, false, nil
	}
	entry.AccessCount++
	m.entries[key] = entry
	return entry, true, nil
}

func (m *memoryBackend) Store(_ context.Context, key string, entry Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	if _, exists := m.entries[key]; !exists {
		order := m.order[entry.Category]
		if len(order) >= m.capFor(entry.Category) && len(order) > 0 {
			oldest := order[0]
			m.order[entry.Category] = order[1:]
			delete(m.entries, oldest)
		}
		m.order[entry.Category] = append(m.order[entry.Category], key)
	}
	m.entries[key] = entry
	return nil
}

func (m *memoryBackend) DeleteMatch(_ context.Context, pattern string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var removed int64
	for key, entry := range m.entries {
		if pattern == "" || strings.Contains(key, pattern) {
			delete(m.entries, key)
			m.dropFromOrder(entry.Category, key)
			removed++
		}
	}
	return removed, nil
}

func (m *memoryBackend) Size(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.entries)), nil
}

func (m *memoryBackend) Close(_ context.Context) error {
	return nil
}

// dropFromOrder removes key from the category's insertion queue. Callers
// hold m.mu.
func (m *memoryBackend) dropFromOrder(category, key string) {
	order := m.order[category]
	for i, k := range order {
		if k == key {
			m.order[category] = append(order[:i], order[i+1:]...)
			return
		}
	}
}
