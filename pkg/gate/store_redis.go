package gate

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseLeaseScript deletes a lease key only if the caller still owns
// it, so an expired-and-reacquired lease is never released by the old
// holder.
// KEYS[1] = lease key
// ARGV[1] = owner token
var releaseLeaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisStore backs the gate with Redis. Entries are JSON values keyed
// by content hash; a per-source sorted set indexes them by recency for
// LatestForSource. RedisStore also implements Leaser, extending the
// duplicate-job lock across processes.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to Redis at addr.
func NewRedisStore(addr, password string, db int) *RedisStore {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &RedisStore{client: rdb}
}

func entryKey(sourceSHA, environment string) string {
	return fmt.Sprintf("gate:entry:%s:%s", environment, sourceSHA)
}

func sourceIndexKey(sourceID, environment string) string {
	return fmt.Sprintf("gate:source:%s:%s", environment, sourceID)
}

func leaseKey(key string) string {
	return "gate:lease:" + key
}

func (s *RedisStore) Lookup(ctx context.Context, sourceSHA, environment string) (*Entry, error) {
	raw, err := s.client.Get(ctx, entryKey(sourceSHA, environment)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("gate: redis lookup: %w", err)
	}
	var e Entry
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return nil, fmt.Errorf("gate: decode entry: %w", err)
	}
	return &e, nil
}

func (s *RedisStore) LatestForSource(ctx context.Context, sourceID, environment string) (*Entry, error) {
	shas, err := s.client.ZRevRange(ctx, sourceIndexKey(sourceID, environment), 0, 0).Result()
	if err != nil {
		return nil, fmt.Errorf("gate: redis source index: %w", err)
	}
	if len(shas) == 0 {
		return nil, nil
	}
	return s.Lookup(ctx, shas[0], environment)
}

func (s *RedisStore) Record(ctx context.Context, e Entry) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("gate: encode entry: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, entryKey(e.SourceSHA, e.Environment), raw, 0)
	pipe.ZAdd(ctx, sourceIndexKey(e.SourceID, e.Environment), redis.Z{
		Score:  float64(e.UpdatedAt.UnixMicro()),
		Member: e.SourceSHA,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("gate: redis record: %w", err)
	}
	return nil
}

func (s *RedisStore) Close() error { return s.client.Close() }

// AcquireLease claims key for ttl via SET NX. The returned release is
// owner-checked, so it is safe to call after the lease expired.
func (s *RedisStore) AcquireLease(ctx context.Context, key string, ttl time.Duration) (func() error, bool, error) {
	token := uuid.NewString()
	lk := leaseKey(key)

	ok, err := s.client.SetNX(ctx, lk, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("gate: redis lease: %w", err)
	}
	if !ok {
		return nil, false, nil
	}

	release := func() error {
		// Release must work even when the job's context is long gone.
		rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := releaseLeaseScript.Run(rctx, s.client, []string{lk}, token).Err(); err != nil && err != redis.Nil {
			return fmt.Errorf("gate: redis lease release: %w", err)
		}
		return nil
	}
	return release, true, nil
}
