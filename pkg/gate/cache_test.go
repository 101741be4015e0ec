package gate

import (
	"context"
	"sync"
	"testing"
	"time"
)

// countingStore wraps MemoryStore and counts backend lookups.
type countingStore struct {
	*MemoryStore
	mu      sync.Mutex
	lookups int
}

func (c *countingStore) Lookup(ctx context.Context, sourceSHA, environment string) (*Entry, error) {
	c.mu.Lock()
	c.lookups++
	c.mu.Unlock()
	return c.MemoryStore.Lookup(ctx, sourceSHA, environment)
}

func TestCachedStore_LookupHitsCache(t *testing.T) {
	backend := &countingStore{MemoryStore: NewMemoryStore()}
	cached, err := NewCachedStore(backend, 8)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	entry := Entry{
		SourceSHA: shaA, SourceID: "srd", Environment: "dev",
		LastSuccessfulJobID: "j1", LastChunkCount: 5, UpdatedAt: time.Now().UTC(),
	}
	if err := cached.Record(ctx, entry); err != nil {
		t.Fatal(err)
	}

	for range 3 {
		got, err := cached.Lookup(ctx, shaA, "dev")
		if err != nil {
			t.Fatal(err)
		}
		if got == nil || got.LastSuccessfulJobID != "j1" {
			t.Fatalf("Lookup = %+v", got)
		}
	}

	// Record warms the cache, so the backend never sees a lookup.
	if backend.lookups != 0 {
		t.Errorf("backend lookups = %d, want 0", backend.lookups)
	}
}

func TestCachedStore_MissFallsThrough(t *testing.T) {
	backend := &countingStore{MemoryStore: NewMemoryStore()}
	cached, err := NewCachedStore(backend, 8)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	// Written directly to the backend, invisible to the cache.
	if err := backend.Record(ctx, Entry{
		SourceSHA: shaA, SourceID: "srd", Environment: "dev",
		LastSuccessfulJobID: "j1", LastChunkCount: 5, UpdatedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatal(err)
	}

	got, err := cached.Lookup(ctx, shaA, "dev")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.LastSuccessfulJobID != "j1" {
		t.Fatalf("Lookup = %+v", got)
	}
	if backend.lookups != 1 {
		t.Errorf("backend lookups = %d, want 1", backend.lookups)
	}

	// Second lookup is served from cache.
	if _, err := cached.Lookup(ctx, shaA, "dev"); err != nil {
		t.Fatal(err)
	}
	if backend.lookups != 1 {
		t.Errorf("backend lookups after cached hit = %d, want 1", backend.lookups)
	}
}

func TestCachedStore_RecordWritesThrough(t *testing.T) {
	backend := &countingStore{MemoryStore: NewMemoryStore()}
	cached, err := NewCachedStore(backend, 8)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	if err := cached.Record(ctx, Entry{
		SourceSHA: shaA, SourceID: "srd", Environment: "dev",
		LastSuccessfulJobID: "j1", LastChunkCount: 5, UpdatedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatal(err)
	}

	got, err := backend.MemoryStore.Lookup(ctx, shaA, "dev")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.LastSuccessfulJobID != "j1" {
		t.Errorf("backend missing written entry: %+v", got)
	}
}
