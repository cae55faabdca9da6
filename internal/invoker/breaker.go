package invoker

import (
	"sync"
	"time"
)

// BreakerState is the operational state of the provider circuit breaker.
//
//	BreakerClosed  : normal operation; all calls pass through.
//	BreakerOpen    : provider is failing; calls are rejected immediately.
//	BreakerHalfOpen: recovery probe; one call is allowed through.
type BreakerState int

const (
	BreakerClosed   BreakerState = 0
	BreakerOpen     BreakerState = 1
	BreakerHalfOpen BreakerState = 2
)

const (
	DefaultBreakerThreshold = 5
	DefaultBreakerCooldown  = 30 * time.Second
)

func (s BreakerState) String() string {
	switch s {
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// Breaker trips after Threshold consecutive upstream failures and rejects
// calls for Cooldown. It is safe for concurrent use.
type Breaker struct {
	mu sync.Mutex

	threshold int
	cooldown  time.Duration
	now       func() time.Time

	state         BreakerState
	failures      int
	openedAt      time.Time
	probeInflight bool
}

// NewBreaker creates a closed Breaker. Non-positive values fall back to the
// package defaults.
func NewBreaker(threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = DefaultBreakerThreshold
	}
	if cooldown <= 0 {
		cooldown = DefaultBreakerCooldown
	}
	return &Breaker{threshold: threshold, cooldown: cooldown, now: time.Now}
}

// Allow reports whether the next call may proceed.
//
//   - Closed   → always true.
//   - Open     → false until Cooldown has elapsed, then the breaker moves to
//     HalfOpen and admits one probe.
//   - HalfOpen → true only if no probe is currently in flight.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerOpen:
		if b.now().Sub(b.openedAt) < b.cooldown {
			return false
		}
		b.state = BreakerHalfOpen
		b.probeInflight = true
		return true

	case BreakerHalfOpen:
		if b.probeInflight {
			return false
		}
		b.probeInflight = true
		return true
	}

	return true
}

// RecordSuccess closes the breaker and clears the failure count.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state = BreakerClosed
	b.failures = 0
	b.probeInflight = false
}

// RecordFailure counts one upstream failure. A failed probe reopens the
// breaker immediately.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.probeInflight = false

	if b.state == BreakerHalfOpen || b.failures >= b.threshold {
		b.state = BreakerOpen
		b.openedAt = b.now()
	}
}

// Release ends a call that neither succeeded nor failed upstream (the caller
// went away). A half-open probe slot is freed without changing state.
func (b *Breaker) Release() {
	b.mu.Lock()
	b.probeInflight = false
	b.mu.Unlock()
}

func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
