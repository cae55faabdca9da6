package ratelimit

import (
	"context"
	"log/slog"
	"time"
)

const (
	// DefaultMax is the number of requests a client may make per window.
	DefaultMax = 10
	// DefaultWindow is the fixed window length.
	DefaultWindow = 60 * time.Second
)

// Decision is the outcome of a single Check.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
	// RetryAfter is set on denial: whole seconds until the window resets,
	// never less than one second.
	RetryAfter time.Duration
	// Degraded is true when the store failed and the request was let
	// through without being counted.
	Degraded bool
}

// Limiter enforces a fixed-window budget per client key.
type Limiter struct {
	store  Store
	max    int
	window time.Duration
	now    func() time.Time
	log    *slog.Logger
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithLogger sets the logger used to report store failures.
func WithLogger(log *slog.Logger) Option {
	return func(l *Limiter) { l.log = log }
}

// New creates a Limiter. Non-positive max or window fall back to the
// defaults.
func New(store Store, max int, window time.Duration, opts ...Option) *Limiter {
	if max <= 0 {
		max = DefaultMax
	}
	if window <= 0 {
		window = DefaultWindow
	}
	l := &Limiter{
		store:  store,
		max:    max,
		window: window,
		now:    time.Now,
		log:    slog.Default(),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Limit returns the per-window capacity.
func (l *Limiter) Limit() int { return l.max }

// Window returns the window length.
func (l *Limiter) Window() time.Duration { return l.window }

// Check charges one request against key and reports whether it may proceed.
// A denied request is not charged. Denial is a Decision, never an error; if
// the store fails the request is allowed and marked Degraded.
func (l *Limiter) Check(ctx context.Context, key string) Decision {
	now := l.now()

	var d Decision
	err := l.store.Transact(ctx, key, func(tx Tx) error {
		rec, ok := tx.Get()
		if !ok || rec.Expired(now) {
			rec = Record{Count: 1, ResetAt: now.Add(l.window)}
			tx.Set(rec)
			d = l.allow(rec)
			return nil
		}

		if rec.Count >= l.max {
			d = l.deny(rec, now)
			return nil
		}

		d = l.allow(tx.Increment())
		return nil
	})
	if err != nil {
		l.log.Warn("rate limit store unavailable, allowing request",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
		return Decision{
			Allowed:   true,
			Limit:     l.max,
			Remaining: l.max,
			ResetAt:   now.Add(l.window),
			Degraded:  true,
		}
	}

	return d
}

func (l *Limiter) allow(rec Record) Decision {
	return Decision{
		Allowed:   true,
		Limit:     l.max,
		Remaining: max(l.max-rec.Count, 0),
		ResetAt:   rec.ResetAt,
	}
}

func (l *Limiter) deny(rec Record, now time.Time) Decision {
	retry := rec.ResetAt.Sub(now)
	if rem := retry % time.Second; rem != 0 {
		retry += time.Second - rem
	}
	if retry < time.Second {
		retry = time.Second
	}
	return Decision{
		Allowed:    false,
		Limit:      l.max,
		Remaining:  0,
		ResetAt:    rec.ResetAt,
		RetryAfter: retry,
	}
}
