package cache

import (
	"container/list"
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// MemoryTier is a bounded in-process tier. When full it evicts the oldest
// written entry.
type MemoryTier struct {
	mu         sync.Mutex
	entries    map[string]*list.Element
	order      *list.List
	maxEntries int
	now        func() time.Time
	evictions  atomic.Int64
}

type memoryEntry struct {
	key  string
	item Item
}

// MemoryConfig holds configuration for a MemoryTier.
type MemoryConfig struct {
	// MaxEntries bounds the tier size.
	// Default: 10000
	MaxEntries int

	// Now is the time source. Default: time.Now
	Now func() time.Time
}

// NewMemoryTier creates an in-process tier.
func NewMemoryTier(cfg MemoryConfig) *MemoryTier {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 10000
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &MemoryTier{
		entries:    make(map[string]*list.Element),
		order:      list.New(),
		maxEntries: cfg.MaxEntries,
		now:        cfg.Now,
	}
}

// Get returns a live entry. Expired entries are removed and reported as a miss.
func (m *MemoryTier) Get(_ context.Context, key string) (Item, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	el, ok := m.entries[key]
	if !ok {
		return Item{}, false, nil
	}
	entry := el.Value.(*memoryEntry)
	if !m.now().Before(entry.item.ExpiresAt) {
		m.removeLocked(el)
		return Item{}, false, nil
	}
	return entry.item, true, nil
}

// Set stores a value. A rewrite counts as the newest write.
func (m *MemoryTier) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	item := Item{Value: value, ExpiresAt: m.now().Add(ttl)}
	if el, ok := m.entries[key]; ok {
		el.Value.(*memoryEntry).item = item
		m.order.MoveToBack(el)
		return nil
	}

	for m.order.Len() >= m.maxEntries {
		m.removeLocked(m.order.Front())
		m.evictions.Add(1)
	}
	m.entries[key] = m.order.PushBack(&memoryEntry{key: key, item: item})
	return nil
}

// Delete removes a key.
func (m *MemoryTier) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if el, ok := m.entries[key]; ok {
		m.removeLocked(el)
	}
	return nil
}

// Flush removes every entry.
func (m *MemoryTier) Flush(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make(map[string]*list.Element)
	m.order.Init()
	return nil
}

// Sweep removes all expired entries.
func (m *MemoryTier) Sweep(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	removed := 0
	for el := m.order.Front(); el != nil; {
		next := el.Next()
		if !now.Before(el.Value.(*memoryEntry).item.ExpiresAt) {
			m.removeLocked(el)
			removed++
		}
		el = next
	}
	return removed, nil
}

// Len returns the number of stored entries, including expired ones not yet swept.
func (m *MemoryTier) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.order.Len()
}

// Evictions returns the number of capacity evictions.
func (m *MemoryTier) Evictions() int64 {
	return m.evictions.Load()
}

func (m *MemoryTier) removeLocked(el *list.Element) {
	entry := m.order.Remove(el).(*memoryEntry)
	delete(m.entries, entry.key)
}
