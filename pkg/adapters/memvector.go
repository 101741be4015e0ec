package adapters

import (
	"context"
	"sync"
)

// MemVector is an in-memory vector sink for tests and dry runs. Upserts
// are idempotent by item id; obsolete marking and deletion implement
// both purge policies.
type MemVector struct {
	mu       sync.Mutex
	items    map[string]VectorItem
	obsolete map[string]bool
	upserts  int
}

// NewMemVector returns an empty sink.
func NewMemVector() *MemVector {
	return &MemVector{
		items:    make(map[string]VectorItem),
		obsolete: make(map[string]bool),
	}
}

func (m *MemVector) Upsert(ctx context.Context, items []VectorItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, it := range items {
		m.items[it.ID] = it
		delete(m.obsolete, it.ID)
	}
	m.upserts++
	return nil
}

func (m *MemVector) Delete(ctx context.Context, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		delete(m.items, id)
		delete(m.obsolete, id)
	}
	return nil
}

func (m *MemVector) MarkObsolete(ctx context.Context, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		if _, ok := m.items[id]; ok {
			m.obsolete[id] = true
		}
	}
	return nil
}

// VectorCount counts live (non-obsolete) items for one source.
func (m *MemVector) VectorCount(ctx context.Context, sourceID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, it := range m.items {
		if m.obsolete[id] {
			continue
		}
		if sourceID == "" || it.Metadata["source_id"] == sourceID {
			n++
		}
	}
	return n, nil
}

// Get returns a stored item by id.
func (m *MemVector) Get(id string) (VectorItem, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[id]
	return it, ok
}

// IsObsolete reports whether an id was soft-marked.
func (m *MemVector) IsObsolete(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.obsolete[id]
}

// Len reports the number of stored items, obsolete included.
func (m *MemVector) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

// UpsertCalls reports how many Upsert batches were applied.
func (m *MemVector) UpsertCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.upserts
}
