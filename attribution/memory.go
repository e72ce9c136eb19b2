package attribution

import (
	"context"
	"sync"
	"time"

	"github.com/warp/commission-engine/commission"
)

// MemoryStore is a process-local Store. Expired entries are dropped lazily
// on read.
type MemoryStore struct {
	mu    sync.Mutex
	items map[string]Attribution
	now   func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]Attribution), now: time.Now}
}

func (m *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	m.now = now
	return m
}

func (m *MemoryStore) Put(_ context.Context, a Attribution, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a.ExpiresAt = m.now().Add(ttl)
	m.items[a.VisitorID] = a
	return nil
}

func (m *MemoryStore) Get(_ context.Context, visitorID string) (Attribution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.items[visitorID]
	if !ok {
		return Attribution{}, commission.ErrNotFound
	}
	if a.Expired(m.now()) {
		delete(m.items, visitorID)
		return Attribution{}, commission.ErrNotFound
	}
	return a, nil
}

func (m *MemoryStore) Delete(_ context.Context, visitorID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, visitorID)
	return nil
}
