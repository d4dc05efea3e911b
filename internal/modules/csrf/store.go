package csrf

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/redis/go-redis/v9"
)

// Record is what the vault remembers about an issued token.
type Record struct {
	OwnerID   string    `json:"owner_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Store persists token records.
type Store interface {
	Put(ctx context.Context, token string, rec Record, ttl time.Duration) error
	Get(ctx context.Context, token string) (Record, bool, error)
	Delete(ctx context.Context, token string) error
	// Sweep removes records that expired before now and returns how many.
	Sweep(now time.Time) int
}

// MemoryStore is a bounded in-process store. When full, the least recently
// used token is evicted and can no longer be validated.
type MemoryStore struct {
	cache *lru.Cache[string, Record]
}

func NewMemoryStore(capacity int) (*MemoryStore, error) {
	if capacity <= 0 {
		capacity = 100000
	}
	cache, err := lru.New[string, Record](capacity)
	if err != nil {
		return nil, fmt.Errorf("creating token cache: %w", err)
	}
	return &MemoryStore{cache: cache}, nil
}

func (s *MemoryStore) Put(_ context.Context, token string, rec Record, _ time.Duration) error {
	s.cache.Add(token, rec)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, token string) (Record, bool, error) {
	rec, ok := s.cache.Get(token)
	return rec, ok, nil
}

func (s *MemoryStore) Delete(_ context.Context, token string) error {
	s.cache.Remove(token)
	return nil
}

func (s *MemoryStore) Sweep(now time.Time) int {
	removed := 0
	for _, token := range s.cache.Keys() {
		rec, ok := s.cache.Peek(token)
		if ok && now.After(rec.ExpiresAt) {
			s.cache.Remove(token)
			removed++
		}
	}
	return removed
}

// Len returns the number of stored tokens.
func (s *MemoryStore) Len() int { return s.cache.Len() }

// expiryGrace keeps a token in Redis past its lifetime so the vault, not
// Redis, decides expiry. Instance clocks may drift a little from the server's.
const expiryGrace = time.Minute

// RedisStore shares tokens across instances. Redis drops each key
// expiryGrace after the token's lifetime.
type RedisStore struct {
	rdb    redis.UniversalClient
	prefix string
}

func NewRedisStore(rdb redis.UniversalClient, prefix string) *RedisStore {
	return &RedisStore{rdb: rdb, prefix: prefix + "csrf:"}
}

func (s *RedisStore) Put(ctx context.Context, token string, rec Record, ttl time.Duration) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshaling token record: %w", err)
	}
	if err := s.rdb.Set(ctx, s.prefix+token, data, redisTTL(ttl)).Err(); err != nil {
		return fmt.Errorf("storing token: %w", err)
	}
	return nil
}

func redisTTL(lifetime time.Duration) time.Duration {
	if lifetime <= 0 {
		return 0
	}
	return lifetime + expiryGrace
}

func (s *RedisStore) Get(ctx context.Context, token string) (Record, bool, error) {
	data, err := s.rdb.Get(ctx, s.prefix+token).Bytes()
	if errors.Is(err, redis.Nil) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("loading token: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, false, fmt.Errorf("decoding token record: %w", err)
	}
	return rec, true, nil
}

func (s *RedisStore) Delete(ctx context.Context, token string) error {
	if err := s.rdb.Del(ctx, s.prefix+token).Err(); err != nil {
		return fmt.Errorf("deleting token: %w", err)
	}
	return nil
}

func (s *RedisStore) Sweep(time.Time) int { return 0 }
