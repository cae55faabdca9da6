package ratelimit_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/nulpointcorp/sommelier/internal/ratelimit"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestRedisStore_FixedWindow(t *testing.T) {
	_, rdb := newTestRedis(t)
	clock := newFakeClock()
	l := ratelimit.New(ratelimit.NewRedisStore(rdb), 3, time.Minute, ratelimit.WithClock(clock.Now))
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		d := l.Check(ctx, "10.0.0.1")
		if !d.Allowed {
			t.Fatalf("request %d: expected allowed", i)
		}
		if d.Remaining != 3-i {
			t.Errorf("request %d: expected remaining %d, got %d", i, 3-i, d.Remaining)
		}
		if d.Degraded {
			t.Fatalf("request %d: unexpected degraded decision", i)
		}
	}

	d := l.Check(ctx, "10.0.0.1")
	if d.Allowed || d.Remaining != 0 {
		t.Fatalf("expected denial with remaining 0, got %+v", d)
	}

	clock.Advance(time.Minute)
	d = l.Check(ctx, "10.0.0.1")
	if !d.Allowed || d.Remaining != 2 {
		t.Fatalf("expected fresh window, got %+v", d)
	}
}

func TestRedisStore_KeyExpiresWithWindow(t *testing.T) {
	mr, rdb := newTestRedis(t)
	l := ratelimit.New(ratelimit.NewRedisStore(rdb, ratelimit.WithKeyPrefix("t:")), 3, time.Minute)
	ctx := context.Background()

	l.Check(ctx, "k")
	if !mr.Exists("t:k") {
		t.Fatal("expected key to be written")
	}
	if got := mr.HGet("t:k", "count"); got != "1" {
		t.Fatalf("expected count 1, got %q", got)
	}

	mr.FastForward(2 * time.Minute)
	if mr.Exists("t:k") {
		t.Fatal("expected key to expire with its window")
	}
}

func TestRedisStore_ConcurrentSameKey(t *testing.T) {
	_, rdb := newTestRedis(t)
	l := ratelimit.New(ratelimit.NewRedisStore(rdb), 5, time.Minute)
	ctx := context.Background()

	var allowed, degraded atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d := l.Check(ctx, "shared")
			if d.Degraded {
				degraded.Add(1)
				return
			}
			if d.Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	if degraded.Load() != 0 {
		t.Skipf("store reported contention on %d requests", degraded.Load())
	}
	if got := allowed.Load(); got != 5 {
		t.Fatalf("expected exactly 5 allowed, got %d", got)
	}
}

func TestRedisStore_DegradesWhenUnavailable(t *testing.T) {
	mr, rdb := newTestRedis(t)
	l := ratelimit.New(ratelimit.NewRedisStore(rdb), 1, time.Minute)
	mr.Close()

	for i := 0; i < 3; i++ {
		d := l.Check(context.Background(), "k")
		if !d.Allowed || !d.Degraded {
			t.Fatalf("request %d: expected degraded allow, got %+v", i, d)
		}
	}
}

func TestRedisStore_Ping(t *testing.T) {
	_, rdb := newTestRedis(t)
	if err := ratelimit.NewRedisStore(rdb).Ping(context.Background()); err != nil {
		t.Fatalf("unexpected ping error: %v", err)
	}
}
