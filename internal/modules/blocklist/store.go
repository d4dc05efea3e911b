package blocklist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Entry is one blocked source.
type Entry struct {
	Source    string    `json:"source"`
	Reason    string    `json:"reason"`
	BlockedAt time.Time `json:"blocked_at"`
	// UnblockAt is zero for a permanent block.
	UnblockAt time.Time `json:"unblock_at,omitempty"`
}

// Permanent reports whether the block never expires.
func (e Entry) Permanent() bool { return e.UnblockAt.IsZero() }

// Expired reports whether a temporary block has lapsed at now.
func (e Entry) Expired(now time.Time) bool {
	return !e.Permanent() && !now.Before(e.UnblockAt)
}

// Store persists blocked sources.
type Store interface {
	Put(ctx context.Context, e Entry) error
	Get(ctx context.Context, source string) (Entry, bool, error)
	Delete(ctx context.Context, source string) (bool, error)
	List(ctx context.Context) ([]Entry, error)
	Sweep(now time.Time) int
}

// MemoryStore keeps blocks in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]Entry)}
}

func (s *MemoryStore) Put(_ context.Context, e Entry) error {
	s.mu.Lock()
	s.entries[e.Source] = e
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, source string) (Entry, bool, error) {
	s.mu.RLock()
	e, ok := s.entries[source]
	s.mu.RUnlock()
	return e, ok, nil
}

func (s *MemoryStore) Delete(_ context.Context, source string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[source]
	delete(s.entries, source)
	return ok, nil
}

func (s *MemoryStore) List(_ context.Context) ([]Entry, error) {
	s.mu.RLock()
	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Source < out[j].Source })
	return out, nil
}

func (s *MemoryStore) Sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for k, e := range s.entries {
		if e.Expired(now) {
			delete(s.entries, k)
			removed++
		}
	}
	return removed
}

// RedisStore shares blocks across instances. Temporary blocks carry a Redis
// TTL so they disappear without a sweep.
type RedisStore struct {
	rdb    redis.UniversalClient
	prefix string
}

func NewRedisStore(rdb redis.UniversalClient, prefix string) *RedisStore {
	return &RedisStore{rdb: rdb, prefix: prefix + "block:"}
}

func (s *RedisStore) Put(ctx context.Context, e Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshaling block entry: %w", err)
	}
	var ttl time.Duration
	if !e.Permanent() {
		ttl = e.UnblockAt.Sub(e.BlockedAt)
		if ttl <= 0 {
			ttl = time.Millisecond
		}
	}
	if err := s.rdb.Set(ctx, s.prefix+e.Source, data, ttl).Err(); err != nil {
		return fmt.Errorf("storing block: %w", err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, source string) (Entry, bool, error) {
	data, err := s.rdb.Get(ctx, s.prefix+source).Bytes()
	if errors.Is(err, redis.Nil) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("loading block: %w", err)
	}
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return Entry{}, false, fmt.Errorf("decoding block: %w", err)
	}
	return e, true, nil
}

func (s *RedisStore) Delete(ctx context.Context, source string) (bool, error) {
	n, err := s.rdb.Del(ctx, s.prefix+source).Result()
	if err != nil {
		return false, fmt.Errorf("deleting block: %w", err)
	}
	return n > 0, nil
}

func (s *RedisStore) List(ctx context.Context) ([]Entry, error) {
	var out []Entry
	iter := s.rdb.Scan(ctx, 0, s.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		source := iter.Val()[len(s.prefix):]
		e, ok, err := s.Get(ctx, source)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, e)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("listing blocks: %w", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Source < out[j].Source })
	return out, nil
}

func (s *RedisStore) Sweep(time.Time) int { return 0 }
