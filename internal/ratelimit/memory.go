package ratelimit

import (
	"context"
	"hash/fnv"
	"sync"
	"time"
)

const memoryShards = 32

type memShard struct {
	mu      sync.Mutex
	records map[string]Record
}

// MemoryStore keeps rate records in process memory.
//
// Keys are spread over a fixed set of shards, each guarded by its own mutex,
// so requests from different clients rarely contend. Records are never
// evicted on their own; call Sweep periodically.
type MemoryStore struct {
	shards [memoryShards]*memShard
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{}
	for i := range s.shards {
		s.shards[i] = &memShard{records: make(map[string]Record)}
	}
	return s
}

func (s *MemoryStore) shard(key string) *memShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return s.shards[h.Sum32()%memoryShards]
}

// Transact runs fn while holding the shard lock for key.
func (s *MemoryStore) Transact(_ context.Context, key string, fn func(tx Tx) error) error {
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	return fn(&memoryTx{shard: sh, key: key})
}

// Ping always succeeds.
func (s *MemoryStore) Ping(context.Context) error { return nil }

// Sweep removes every record whose window has ended at now and returns the
// number of records removed.
func (s *MemoryStore) Sweep(now time.Time) int {
	removed := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		for k, rec := range sh.records {
			if rec.Expired(now) {
				delete(sh.records, k)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed
}

// Len returns the number of records currently held, expired or not.
func (s *MemoryStore) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		n += len(sh.records)
		sh.mu.Unlock()
	}
	return n
}

type memoryTx struct {
	shard *memShard
	key   string
}

func (t *memoryTx) Get() (Record, bool) {
	rec, ok := t.shard.records[t.key]
	return rec, ok
}

func (t *memoryTx) Set(rec Record) {
	t.shard.records[t.key] = rec
}

func (t *memoryTx) Increment() Record {
	rec := t.shard.records[t.key]
	rec.Count++
	t.shard.records[t.key] = rec
	return rec
}
