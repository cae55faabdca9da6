// Package ratelimit implements per-client fixed-window rate limiting.
//
// The window math lives in Limiter. Record storage is pluggable through the
// Store interface so the same limiter runs against an in-process map for a
// single instance or Redis when several instances share one budget.
package ratelimit

import (
	"context"
	"errors"
	"time"
)

// ErrContention is returned by a Store when an atomic update could not be
// committed after repeated conflicting writes to the same key.
var ErrContention = errors.New("ratelimit: too much contention on key")

// Record is the fixed-window state kept for one client key.
type Record struct {
	Count   int
	ResetAt time.Time
}

// Expired reports whether the window has ended at now.
func (r Record) Expired(now time.Time) bool {
	return !now.Before(r.ResetAt)
}

// Tx is a view of a single key inside Store.Transact.
type Tx interface {
	Get() (Record, bool)
	Set(rec Record)
	Increment() Record
}

// Store persists rate records. Transact must run fn as one atomic step for
// key: no other Transact on the same key may interleave with it. fn may be
// invoked more than once when the backend retries an optimistic commit.
type Store interface {
	Transact(ctx context.Context, key string, fn func(tx Tx) error) error
	Ping(ctx context.Context) error
}

// Sweeper is implemented by stores that need explicit eviction of records
// whose window has ended.
type Sweeper interface {
	Sweep(now time.Time) int
}
