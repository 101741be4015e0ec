package gate

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Entry is one cache record: the last successful job for an exact
// content hash in an environment. SourceID additionally indexes entries
// by logical source so edited re-uploads can find their predecessor.
type Entry struct {
	SourceSHA           string    `json:"source_sha"`
	SourceID            string    `json:"source_id"`
	Environment         string    `json:"environment"`
	LastSuccessfulJobID string    `json:"last_successful_job_id"`
	LastChunkCount      int       `json:"last_chunk_count"`
	LastManifestPath    string    `json:"last_manifest_path"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// Store persists gate entries. Implementations must be safe for
// concurrent use.
type Store interface {
	// Lookup returns the entry for exactly (sourceSHA, environment),
	// or nil when absent.
	Lookup(ctx context.Context, sourceSHA, environment string) (*Entry, error)
	// LatestForSource returns the most recently updated entry for a
	// logical source in an environment, across content hashes, or nil.
	LatestForSource(ctx context.Context, sourceID, environment string) (*Entry, error)
	// Record upserts an entry keyed by (source_sha, environment).
	Record(ctx context.Context, e Entry) error
	Close() error
}

// MemoryStore keeps entries in process memory. Suits tests and
// single-shot CLI runs where persistence across invocations is not
// needed.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]Entry)}
}

func memKey(sourceSHA, environment string) string {
	return sourceSHA + ":" + environment
}

func (s *MemoryStore) Lookup(ctx context.Context, sourceSHA, environment string) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if e, ok := s.entries[memKey(sourceSHA, environment)]; ok {
		cp := e
		return &cp, nil
	}
	return nil, nil
}

func (s *MemoryStore) LatestForSource(ctx context.Context, sourceID, environment string) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matches []Entry
	for _, e := range s.entries {
		if e.SourceID == sourceID && e.Environment == environment {
			matches = append(matches, e)
		}
	}
	if len(matches) == 0 {
		return nil, nil
	}
	sort.Slice(matches, func(i, j int) bool {
		return matches[i].UpdatedAt.After(matches[j].UpdatedAt)
	})
	cp := matches[0]
	return &cp, nil
}

func (s *MemoryStore) Record(ctx context.Context, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[memKey(e.SourceSHA, e.Environment)] = e
	return nil
}

func (s *MemoryStore) Close() error { return nil }
