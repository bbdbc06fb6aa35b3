// =================================
// File: internal/cache/memory.go
// =================================
package cache

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// memoryBackend is the in-process store: a bounded LRU where an entry is
// stale once its age passes half its TTL and absent once past the full
// TTL. Always available; also the silent fallback when redis is not.
type memoryBackend struct {
	mu       sync.Mutex
	capacity int
	ll       *list.List // front = most recently accessed
	items    map[string]*list.Element
	now      func() time.Time
}

type memoryEntry struct {
	key      string
	data     []byte
	storedAt time.Time
	ttl      time.Duration
}

func newMemoryBackend(capacity int) *memoryBackend {
	if capacity <= 0 {
		capacity = 256
	}
	return &memoryBackend{
		capacity: capacity,
		ll:       list.New(),
		items:    make(map[string]*list.Element),
		now:      time.Now,
	}
}

func (m *memoryBackend) Get(_ context.Context, key string) ([]byte, bool, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	elem, ok := m.items[key]
	if !ok {
		return nil, false, false
	}

	entry := elem.Value.(*memoryEntry)
	age := m.now().Sub(entry.storedAt)
	if age >= entry.ttl {
		m.ll.Remove(elem)
		delete(m.items, key)
		return nil, false, false
	}

	m.ll.MoveToFront(elem)
	stale := age >= entry.ttl/2
	return entry.data, stale, true
}

// Set always resets the entry's age clock, even for an existing key.
func (m *memoryBackend) Set(_ context.Context, key string, data []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if elem, ok := m.items[key]; ok {
		entry := elem.Value.(*memoryEntry)
		entry.data = data
		entry.storedAt = m.now()
		entry.ttl = ttl
		m.ll.MoveToFront(elem)
		return nil
	}

	elem := m.ll.PushFront(&memoryEntry{
		key:      key,
		data:     data,
		storedAt: m.now(),
		ttl:      ttl,
	})
	m.items[key] = elem

	if m.ll.Len() > m.capacity {
		oldest := m.ll.Back()
		if oldest != nil {
			m.ll.Remove(oldest)
			delete(m.items, oldest.Value.(*memoryEntry).key)
		}
	}
	return nil
}

func (m *memoryBackend) Delete(_ context.Context, keys ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, key := range keys {
		if elem, ok := m.items[key]; ok {
			m.ll.Remove(elem)
			delete(m.items, key)
		}
	}
}

func (m *memoryBackend) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ll.Len()
}
