package server

import (
	"net"
	"strings"
	"testing"

	"github.com/valyala/fasthttp"
)

// --- recovery middleware ----------------------------------------------------

func TestRecovery_NoPanic(t *testing.T) {
	handler := recovery(func(ctx *fasthttp.RequestCtx) {
		ctx.SetStatusCode(fasthttp.StatusOK)
		ctx.SetBodyString("ok")
	})

	ctx := &fasthttp.RequestCtx{}
	handler(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Errorf("expected 200, got %d", ctx.Response.StatusCode())
	}
}

func TestRecovery_CatchesPanic(t *testing.T) {
	handler := recovery(func(ctx *fasthttp.RequestCtx) {
		panic("mock panic")
	})

	ctx := &fasthttp.RequestCtx{}
	handler(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusInternalServerError {
		t.Errorf("expected 500, got %d", ctx.Response.StatusCode())
	}
	if string(ctx.Response.Header.ContentType()) != "application/json" {
		t.Errorf("expected application/json content type, got %s",
			string(ctx.Response.Header.ContentType()))
	}
	body := string(ctx.Response.Body())
	if !strings.Contains(body, `"code":"internal_error"`) {
		t.Errorf("expected internal_error envelope, got: %s", body)
	}
}

// --- requestID middleware ---------------------------------------------------

func TestRequestID_GeneratesWhenMissing(t *testing.T) {
	handler := requestID(func(ctx *fasthttp.RequestCtx) {
		if requestIDFrom(ctx) == "" {
			t.Error("request_id should be generated")
		}
	})

	ctx := &fasthttp.RequestCtx{}
	handler(ctx)

	if string(ctx.Response.Header.Peek("X-Request-ID")) == "" {
		t.Error("X-Request-ID response header should be set")
	}
}

func TestRequestID_PreservesExisting(t *testing.T) {
	handler := requestID(func(ctx *fasthttp.RequestCtx) {
		if id := requestIDFrom(ctx); id != "custom-id-123" {
			t.Errorf("expected preserved ID, got %s", id)
		}
	})

	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.Set("X-Request-ID", "custom-id-123")
	handler(ctx)

	if got := string(ctx.Response.Header.Peek("X-Request-ID")); got != "custom-id-123" {
		t.Errorf("expected 'custom-id-123' in response, got %s", got)
	}
}

func TestRequestID_ReplacesOversized(t *testing.T) {
	long := strings.Repeat("a", 200)
	handler := requestID(func(ctx *fasthttp.RequestCtx) {
		if requestIDFrom(ctx) == long {
			t.Error("oversized request id should be replaced")
		}
	})

	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.Set("X-Request-ID", long)
	handler(ctx)
}

// --- timing middleware ------------------------------------------------------

func TestTiming_SetsHeader(t *testing.T) {
	handler := timing(func(ctx *fasthttp.RequestCtx) {
		ctx.SetStatusCode(fasthttp.StatusOK)
	})

	ctx := &fasthttp.RequestCtx{}
	handler(ctx)

	if string(ctx.Response.Header.Peek("X-Response-Time")) == "" {
		t.Error("X-Response-Time header should be set")
	}
}

// --- securityHeaders middleware ---------------------------------------------

func TestSecurityHeaders_AllSet(t *testing.T) {
	handler := securityHeaders(func(ctx *fasthttp.RequestCtx) {
		ctx.SetStatusCode(fasthttp.StatusOK)
	})

	ctx := &fasthttp.RequestCtx{}
	handler(ctx)

	expected := map[string]string{
		"X-Content-Type-Options":  "nosniff",
		"X-Frame-Options":         "DENY",
		"Content-Security-Policy": "default-src 'none'",
		"Referrer-Policy":         "no-referrer",
		"Cache-Control":           "no-store",
	}

	for header, want := range expected {
		if got := string(ctx.Response.Header.Peek(header)); got != want {
			t.Errorf("header %s: expected %q, got %q", header, want, got)
		}
	}
}

// --- corsHandler middleware -------------------------------------------------

func TestCORS_Wildcard(t *testing.T) {
	for _, origins := range [][]string{nil, {"*"}} {
		handler := corsHandler(origins)(func(ctx *fasthttp.RequestCtx) {
			ctx.SetStatusCode(fasthttp.StatusOK)
		})

		ctx := &fasthttp.RequestCtx{}
		ctx.Request.Header.SetMethod("GET")
		ctx.Request.Header.Set("Origin", "https://anywhere.example")
		handler(ctx)

		if got := string(ctx.Response.Header.Peek("Access-Control-Allow-Origin")); got != "*" {
			t.Errorf("origins=%v: expected wildcard origin, got %q", origins, got)
		}
	}
}

func TestCORS_AllowList(t *testing.T) {
	origins := []string{"https://app.example", "https://review.example"}
	handler := corsHandler(origins)(func(ctx *fasthttp.RequestCtx) {
		ctx.SetStatusCode(fasthttp.StatusOK)
	})

	tests := []struct {
		origin string
		want   string
	}{
		{"https://review.example", "https://review.example"},
		{"https://evil.example", ""},
	}
	for _, tt := range tests {
		ctx := &fasthttp.RequestCtx{}
		ctx.Request.Header.SetMethod("POST")
		ctx.Request.Header.Set("Origin", tt.origin)
		handler(ctx)

		if got := string(ctx.Response.Header.Peek("Access-Control-Allow-Origin")); got != tt.want {
			t.Errorf("origin %s: expected %q, got %q", tt.origin, tt.want, got)
		}
		if string(ctx.Response.Header.Peek("Vary")) != "Origin" {
			t.Errorf("origin %s: expected Vary: Origin", tt.origin)
		}
	}
}

func TestCORS_PreflightReturns204(t *testing.T) {
	handler := corsHandler(nil)(func(ctx *fasthttp.RequestCtx) {
		ctx.SetStatusCode(fasthttp.StatusOK)
		ctx.SetBodyString("should not be reached")
	})

	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.SetMethod("OPTIONS")
	handler(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusNoContent {
		t.Errorf("preflight should return 204, got %d", ctx.Response.StatusCode())
	}
	if len(ctx.Response.Body()) != 0 {
		t.Error("preflight should have empty body")
	}
	if !strings.Contains(string(ctx.Response.Header.Peek("Access-Control-Allow-Methods")), "POST") {
		t.Error("preflight should allow POST")
	}
}

// --- clientKey ----------------------------------------------------------------

func TestClientKey(t *testing.T) {
	tests := []struct {
		name       string
		trustProxy bool
		xff        string
		want       string
	}{
		{"socket address by default", false, "203.0.113.7", "10.1.2.3"},
		{"first forwarded hop when trusted", true, "203.0.113.7, 10.0.0.1", "203.0.113.7"},
		{"garbage header falls back", true, "not-an-ip", "10.1.2.3"},
		{"empty header falls back", true, "", "10.1.2.3"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var req fasthttp.Request
			if tt.xff != "" {
				req.Header.Set("X-Forwarded-For", tt.xff)
			}
			var ctx fasthttp.RequestCtx
			ctx.Init(&req, &net.TCPAddr{IP: net.IPv4(10, 1, 2, 3), Port: 5555}, nil)

			if got := clientKey(&ctx, tt.trustProxy); got != tt.want {
				t.Errorf("clientKey = %q, want %q", got, tt.want)
			}
		})
	}
}

// --- applyMiddleware ----------------------------------------------------------

func TestApplyMiddleware_Order(t *testing.T) {
	var order []string
	mw := func(name string) func(fasthttp.RequestHandler) fasthttp.RequestHandler {
		return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
			return func(ctx *fasthttp.RequestCtx) {
				order = append(order, name)
				next(ctx)
			}
		}
	}

	h := applyMiddleware(func(*fasthttp.RequestCtx) { order = append(order, "handler") }, mw("a"), mw("b"))
	h(&fasthttp.RequestCtx{})

	if strings.Join(order, ",") != "a,b,handler" {
		t.Errorf("unexpected order %v", order)
	}
}
