package ratelimit

import (
	"context"
	"hash/fnv"
	"sync"
	"time"
)

// Store holds fixed-window counters. Increment must be atomic per key: it
// opens a new window when none exists or the current one has passed, then
// adds one to the count.
type Store interface {
	Increment(ctx context.Context, key string, window time.Duration, now time.Time) (count int, resetAt time.Time, err error)
	// Sweep drops windows that ended before now. Stores with native expiry
	// return 0.
	Sweep(now time.Time) int
}

const shardCount = 64

type record struct {
	count   int
	resetAt time.Time
}

type shard struct {
	mu      sync.Mutex
	records map[string]*record
}

// MemoryStore keeps counters in process memory, sharded so unrelated keys
// never contend on the same lock.
type MemoryStore struct {
	shards [shardCount]*shard
}

func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{}
	for i := range s.shards {
		s.shards[i] = &shard{records: make(map[string]*record)}
	}
	return s
}

func (s *MemoryStore) shardFor(key string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return s.shards[h.Sum32()%shardCount]
}

func (s *MemoryStore) Increment(_ context.Context, key string, window time.Duration, now time.Time) (int, time.Time, error) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	rec, ok := sh.records[key]
	if !ok || now.After(rec.resetAt) {
		rec = &record{resetAt: now.Add(window)}
		sh.records[key] = rec
	}
	rec.count++
	return rec.count, rec.resetAt, nil
}

func (s *MemoryStore) Sweep(now time.Time) int {
	removed := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		for k, rec := range sh.records {
			if now.After(rec.resetAt) {
				delete(sh.records, k)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed
}

// Len returns the number of tracked windows.
func (s *MemoryStore) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		n += len(sh.records)
		sh.mu.Unlock()
	}
	return n
}
