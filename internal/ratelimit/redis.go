package ratelimit

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultKeyPrefix = "sommelier:rl:"
	maxTxAttempts    = 8
)

// RedisStore keeps rate records in Redis hashes so several instances share
// one budget per client.
//
// Each record is a hash {count, reset_at (unix ms)} that expires at the end
// of its window, so Redis evicts stale keys itself. Updates use WATCH/MULTI
// optimistic transactions and are retried on conflict.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
}

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithKeyPrefix overrides the key namespace.
func WithKeyPrefix(p string) RedisOption {
	return func(s *RedisStore) { s.prefix = p }
}

// NewRedisStore creates a RedisStore over an existing client.
func NewRedisStore(rdb *redis.Client, opts ...RedisOption) *RedisStore {
	s := &RedisStore{rdb: rdb, prefix: defaultKeyPrefix}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Ping checks that Redis answers.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// Transact reads the record under WATCH, runs fn and commits its writes in a
// MULTI block. A concurrent write to the same key aborts the commit and fn
// runs again against the fresh value.
func (s *RedisStore) Transact(ctx context.Context, key string, fn func(tx Tx) error) error {
	k := s.prefix + key

	for attempt := 0; attempt < maxTxAttempts; attempt++ {
		err := s.rdb.Watch(ctx, func(rtx *redis.Tx) error {
			vals, err := rtx.HGetAll(ctx, k).Result()
			if err != nil {
				return err
			}

			tx := newRedisTx(vals)
			if err := fn(tx); err != nil {
				return err
			}
			if !tx.dirty {
				return nil
			}

			_, err = rtx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.HSet(ctx, k,
					"count", tx.rec.Count,
					"reset_at", tx.rec.ResetAt.UnixMilli(),
				)
				pipe.PExpireAt(ctx, k, tx.rec.ResetAt)
				return nil
			})
			return err
		}, k)

		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}

	return ErrContention
}

type redisTx struct {
	rec    Record
	exists bool
	dirty  bool
}

func newRedisTx(vals map[string]string) *redisTx {
	tx := &redisTx{}
	if len(vals) == 0 {
		return tx
	}

	count, err1 := strconv.Atoi(vals["count"])
	resetMS, err2 := strconv.ParseInt(vals["reset_at"], 10, 64)
	if err1 != nil || err2 != nil {
		// Unreadable record: treat as absent so the next write replaces it.
		return tx
	}

	tx.rec = Record{Count: count, ResetAt: time.UnixMilli(resetMS)}
	tx.exists = true
	return tx
}

func (t *redisTx) Get() (Record, bool) { return t.rec, t.exists }

func (t *redisTx) Set(rec Record) {
	t.rec = rec
	t.exists = true
	t.dirty = true
}

func (t *redisTx) Increment() Record {
	t.rec.Count++
	t.exists = true
	t.dirty = true
	return t.rec
}
