package pagecache

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/FranksOps/prospect/internal/storage"
)

type memoryEntry struct {
	page    storage.RawPage
	expires time.Time
}

// Memory is an in-process Cache. Expired entries are dropped lazily.
type Memory struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]memoryEntry
	now     func() time.Time
}

// NewMemory returns an empty Memory cache.
func NewMemory(ttl time.Duration) *Memory {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Memory{ttl: ttl, entries: make(map[string]memoryEntry), now: time.Now}
}

// Get implements Cache.
func (m *Memory) Get(_ context.Context, url string) (*storage.RawPage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[url]
	if !ok {
		return nil, nil
	}
	if !m.now().Before(e.expires) {
		delete(m.entries, url)
		return nil, nil
	}
	page := e.page
	page.Body = bytes.Clone(e.page.Body)
	return &page, nil
}

// Put implements Cache.
func (m *Memory) Put(_ context.Context, page *storage.RawPage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := *page
	stored.Body = bytes.Clone(page.Body)
	m.entries[page.URL] = memoryEntry{page: stored, expires: m.now().Add(m.ttl)}
	return nil
}

// Len returns the number of stored entries, expired ones included.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
