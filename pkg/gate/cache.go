package gate

import (
	"context"

	lru "github.com/hashicorp/golang-lru/v2"
)

// CachedStore layers an in-memory LRU over a persistent store so hot
// sources skip the backend on repeated lookups. Exact lookups are
// cached; LatestForSource always hits the backend since recency can
// change underneath us.
type CachedStore struct {
	backend Store
	hot     *lru.Cache[string, Entry]
}

// NewCachedStore wraps backend with an LRU of the given size.
func NewCachedStore(backend Store, size int) (*CachedStore, error) {
	hot, err := lru.New[string, Entry](size)
	if err != nil {
		return nil, err
	}
	return &CachedStore{backend: backend, hot: hot}, nil
}

func (s *CachedStore) Lookup(ctx context.Context, sourceSHA, environment string) (*Entry, error) {
	key := memKey(sourceSHA, environment)
	if e, ok := s.hot.Get(key); ok {
		cp := e
		return &cp, nil
	}
	e, err := s.backend.Lookup(ctx, sourceSHA, environment)
	if err != nil || e == nil {
		return e, err
	}
	s.hot.Add(key, *e)
	return e, nil
}

func (s *CachedStore) LatestForSource(ctx context.Context, sourceID, environment string) (*Entry, error) {
	return s.backend.LatestForSource(ctx, sourceID, environment)
}

func (s *CachedStore) Record(ctx context.Context, e Entry) error {
	if err := s.backend.Record(ctx, e); err != nil {
		return err
	}
	s.hot.Add(memKey(e.SourceSHA, e.Environment), e)
	return nil
}

func (s *CachedStore) Close() error {
	s.hot.Purge()
	return s.backend.Close()
}
