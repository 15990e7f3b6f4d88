package audit

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/captcharelay/internal/pagination"
)

// DefaultMemoryCapacity is the ring size used when none is given.
const DefaultMemoryCapacity = 1000

// MemoryStore keeps the most recent entries in a fixed-size ring.
type MemoryStore struct {
	mu      sync.RWMutex
	entries []*Entry
	next    int
	full    bool
}

// NewMemoryStore creates a ring holding up to capacity entries.
func NewMemoryStore(capacity int) *MemoryStore {
	if capacity <= 0 {
		capacity = DefaultMemoryCapacity
	}
	return &MemoryStore{entries: make([]*Entry, capacity)}
}

func (m *MemoryStore) Record(_ context.Context, e *Entry) error {
	cp := *e
	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries[m.next] = &cp
	m.next = (m.next + 1) % len(m.entries)
	if m.next == 0 {
		m.full = true
	}
	return nil
}

func (m *MemoryStore) Recent(_ context.Context, limit int, cursor *pagination.Cursor) ([]*Entry, error) {
	all := m.snapshot()
	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].ID > all[j].ID
		}
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})

	result := make([]*Entry, 0, min(limit, len(all)))
	for _, e := range all {
		if len(result) >= limit {
			break
		}
		if cursor.After(e.CreatedAt, e.ID) {
			result = append(result, e)
		}
	}
	return result, nil
}

func (m *MemoryStore) Stats(_ context.Context, since time.Time) (*Stats, error) {
	var window []*Entry
	for _, e := range m.snapshot() {
		if !e.CreatedAt.Before(since) {
			window = append(window, e)
		}
	}
	return computeStats(since, window), nil
}

// Len returns the number of entries held.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.full {
		return len(m.entries)
	}
	return m.next
}

// snapshot returns copies of the held entries in no particular order.
func (m *MemoryStore) snapshot() []*Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := m.next
	if m.full {
		n = len(m.entries)
	}
	out := make([]*Entry, 0, n)
	for _, e := range m.entries[:n] {
		cp := *e
		out = append(out, &cp)
	}
	return out
}

var _ Store = (*MemoryStore)(nil)
