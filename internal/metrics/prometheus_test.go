package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/valyala/fasthttp"
)

func TestRegistry_NilIsNoop(t *testing.T) {
	var r *Registry
	r.IncInFlight()
	r.DecInFlight()
	r.ObserveHTTP("review", 200, time.Second, 10)
	r.ObserveUpstream("openai", "ok", time.Second)
	r.AddTokens("openai", 1, 2)
	r.RecordRateLimit("allowed")
	r.RecordSweep(3)
	r.RecordNormalization("review", "fenced")
	r.RecordStreamFrame("review", "partial")
	r.SetProviderHealth("openai", true)
	r.RecordLogDropped()
	r.SetBuildInfo("dev")
	r.SetCircuitBreaker("openai", 1)
	r.RecordCircuitBreakerRejection("openai")
}

func TestRegistry_Counters(t *testing.T) {
	r := New()

	r.ObserveHTTP("review", 200, 50*time.Millisecond, 512)
	r.ObserveHTTP("review", 429, time.Millisecond, 512)
	r.RecordRateLimit("denied")
	r.RecordNormalization("narrate", "balanced")
	r.RecordStreamFrame("review", "result")
	r.AddTokens("anthropic", 100, 0)
	r.RecordSweep(0)
	r.RecordSweep(4)

	if got := testutil.ToFloat64(r.httpRequestsTotal.WithLabelValues("review", "429")); got != 1 {
		t.Errorf("429 counter = %v, want 1", got)
	}
	if got := testutil.ToFloat64(r.rateLimitTotal.WithLabelValues("denied")); got != 1 {
		t.Errorf("denied counter = %v, want 1", got)
	}
	if got := testutil.ToFloat64(r.normalizations.WithLabelValues("narrate", "balanced")); got != 1 {
		t.Errorf("normalization counter = %v, want 1", got)
	}
	if got := testutil.ToFloat64(r.tokensTotal.WithLabelValues("anthropic", "input")); got != 100 {
		t.Errorf("input tokens = %v, want 100", got)
	}
	if got := testutil.CollectAndCount(r.tokensTotal); got != 1 {
		t.Errorf("zero output tokens must not create a series, got %d series", got)
	}
	if got := testutil.ToFloat64(r.rateLimitSwept); got != 4 {
		t.Errorf("swept = %v, want 4", got)
	}
}

func TestRegistry_CircuitBreakerTransitions(t *testing.T) {
	r := New()

	r.SetCircuitBreaker("openai", 0)
	r.SetCircuitBreaker("openai", 0)
	r.SetCircuitBreaker("openai", 1)
	r.SetCircuitBreaker("openai", 2)
	r.SetCircuitBreaker("openai", 0)

	if got := testutil.ToFloat64(r.breakerState.WithLabelValues("openai")); got != 0 {
		t.Errorf("state = %v, want 0", got)
	}
	if got := testutil.ToFloat64(r.breakerTransitions.WithLabelValues("openai", "0")); got != 2 {
		t.Errorf("transitions to closed = %v, want 2", got)
	}
	if got := testutil.ToFloat64(r.breakerTransitions.WithLabelValues("openai", "1")); got != 1 {
		t.Errorf("transitions to open = %v, want 1", got)
	}
}

func TestRegistry_Handler(t *testing.T) {
	r := New()
	r.SetBuildInfo("1.2.3")

	ctx := &fasthttp.RequestCtx{}
	ctx.Request.SetRequestURI("/metrics")
	r.Handler()(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Fatalf("expected 200, got %d", ctx.Response.StatusCode())
	}
	if !strings.Contains(string(ctx.Response.Body()), `sommelier_build_info{version="1.2.3"} 1`) {
		t.Error("build info missing from exposition")
	}
}
