package app

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/valyala/fasthttp/fasthttputil"

	"github.com/nulpointcorp/sommelier/internal/config"
	"github.com/nulpointcorp/sommelier/internal/ratelimit"
)

func testConfig() *config.Config {
	return &config.Config{
		Port:     8080,
		LogLevel: "info",
		Env:      "production",
		Provider: config.ProviderConfig{
			Name:        "openai",
			MaxTokens:   256,
			Temperature: 0.2,
			Timeout:     time.Second,
		},
		Stream: config.StreamConfig{IdleTimeout: time.Second, TotalTimeout: 2 * time.Second},
		RateLimit: config.RateLimitConfig{
			Max:    5,
			Window: time.Minute,
			Sweep:  time.Minute,
			Store:  "memory",
		},
		Input: config.InputConfig{
			MaxBodyBytes:  100 * 1024,
			MaxDiffChars:  48000,
			RedactSecrets: true,
		},
		CircuitBreaker: config.CircuitBreakerConfig{Threshold: 5, Cooldown: time.Second},
		CORSOrigins:    []string{"*"},
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func TestNew_NilContext(t *testing.T) {
	if _, err := New(nil, testConfig(), quietLogger(), "test"); err == nil {
		t.Fatal("expected error for nil context")
	}
}

func TestNew_UnknownPersonasFileFails(t *testing.T) {
	cfg := testConfig()
	cfg.Input.PersonasFile = "/does/not/exist.yaml"

	if _, err := New(context.Background(), cfg, quietLogger(), "test"); err == nil {
		t.Fatal("expected error for a missing personas file")
	}
}

func TestApp_ServesWithoutProviderKey(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := New(ctx, testConfig(), quietLogger(), "test")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ln := fasthttputil.NewInmemoryListener()
	done := make(chan error, 1)
	go func() { done <- a.Serve(ctx, ln) }()

	c := &http.Client{
		Transport: &http.Transport{
			DialContext: func(context.Context, string, string) (net.Conn, error) { return ln.Dial() },
		},
		Timeout: 5 * time.Second,
	}

	resp, err := c.Post("http://sommelier/review", "application/json", strings.NewReader(`{"code":"x := compute(y)"}`))
	if err != nil {
		t.Fatalf("POST /review: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without a provider key, got %d: %s", resp.StatusCode, body)
	}
	if !strings.Contains(string(body), "upstream_unavailable") {
		t.Errorf("unexpected body %s", body)
	}

	resp, err = c.Get("http://sommelier/readiness")
	if err != nil {
		t.Fatalf("GET /readiness: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("expected readiness 503, got %d", resp.StatusCode)
	}

	resp, err = c.Get("http://sommelier/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	metricsBody, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(metricsBody), `sommelier_build_info{version="test"} 1`) {
		t.Error("build info missing from /metrics")
	}

	c.CloseIdleConnections()
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Serve returned %v", err)
		}
	case <-time.After(15 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

func TestApp_SweepEvictsExpiredRecords(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimit.Window = time.Millisecond

	a, err := New(context.Background(), cfg, quietLogger(), "test")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Close()

	a.limiter.Check(context.Background(), "203.0.113.9")
	mem, ok := a.store.(*ratelimit.MemoryStore)
	if !ok {
		t.Fatalf("expected memory store, got %T", a.store)
	}
	if mem.Len() != 1 {
		t.Fatalf("expected one record, got %d", mem.Len())
	}

	time.Sleep(5 * time.Millisecond)
	a.sweep()

	if mem.Len() != 0 {
		t.Errorf("expected sweep to evict the expired record, %d left", mem.Len())
	}
}

func TestApp_RedisStore(t *testing.T) {
	mr := miniredis.RunT(t)

	cfg := testConfig()
	cfg.RateLimit.Store = "redis"
	cfg.Redis.URL = "redis://" + mr.Addr()

	a, err := New(context.Background(), cfg, quietLogger(), "test")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Close()

	if _, ok := a.store.(*ratelimit.RedisStore); !ok {
		t.Fatalf("expected redis store, got %T", a.store)
	}
	if d := a.limiter.Check(context.Background(), "203.0.113.9"); !d.Allowed || d.Degraded {
		t.Errorf("unexpected decision %+v", d)
	}
	// Sweep is a no-op for stores that expire keys themselves.
	a.sweep()
}

func TestApp_RedisUnreachableFailsStartup(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimit.Store = "redis"
	cfg.Redis.URL = "redis://127.0.0.1:1"

	if _, err := New(context.Background(), cfg, quietLogger(), "test"); err == nil {
		t.Fatal("expected startup error when redis is unreachable")
	}
}

func TestRedactURL(t *testing.T) {
	tests := map[string]string{
		"redis://:secret@localhost:6379": "redis://***@localhost:6379",
		"redis://localhost:6379":         "redis://localhost:6379",
	}
	for in, want := range tests {
		if got := redactURL(in); got != want {
			t.Errorf("redactURL(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestBuildProvider(t *testing.T) {
	for _, name := range []string{"openai", "anthropic", "gemini"} {
		p, err := buildProvider(context.Background(), config.ProviderConfig{Name: name, APIKey: "k"})
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if p == nil || p.Name() != name {
			t.Errorf("%s: unexpected provider %v", name, p)
		}
	}

	p, err := buildProvider(context.Background(), config.ProviderConfig{Name: "openai"})
	if err != nil || p != nil {
		t.Errorf("expected nil provider without a key, got %v, %v", p, err)
	}
}
