package server

import (
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/sommelier/pkg/apierr"
)

const requestIDKey = "request_id"

// recovery catches panics in any handler and returns a 500 without crashing
// the server process. The panic value is logged at ERROR level.
func recovery(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("handler_panic",
					slog.Any("panic", r),
					slog.String("path", string(ctx.Path())),
					slog.String("method", string(ctx.Method())),
				)
				ctx.ResetBody()
				apierr.Write(ctx, fasthttp.StatusInternalServerError, apierr.APIError{
					Message: "internal server error",
					Type:    apierr.TypeServerError,
					Code:    apierr.CodeInternalError,
				})
			}
		}()
		next(ctx)
	}
}

// requestID ensures every request has an X-Request-ID header. If the client
// does not supply one a UUID v4 is generated. The ID is also stored as a
// user value under "request_id" for downstream handlers.
func requestID(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		id := string(ctx.Request.Header.Peek("X-Request-ID"))
		if id == "" || len(id) > 128 {
			id = uuid.New().String()
		}
		ctx.Response.Header.Set("X-Request-ID", id)
		ctx.SetUserValue(requestIDKey, id)
		next(ctx)
	}
}

func requestIDFrom(ctx *fasthttp.RequestCtx) string {
	id, _ := ctx.UserValue(requestIDKey).(string)
	return id
}

// timing records the handler duration in the X-Response-Time response
// header. For streamed answers it covers the time to the first byte only.
func timing(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		start := time.Now()
		next(ctx)
		ctx.Response.Header.Set("X-Response-Time", time.Since(start).String())
	}
}

// securityHeaders adds the hardening headers every answer carries. Results
// are per-request and must never be cached by intermediaries.
func securityHeaders(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		next(ctx)
		h := &ctx.Response.Header
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("Cache-Control", "no-store")
		// API-only CSP: no HTML resources served, so deny everything.
		h.Set("Content-Security-Policy", "default-src 'none'")
	}
}

// corsHandler returns a CORS middleware configured for the given allowed origins.
//
//   - nil or []string{"*"} → Access-Control-Allow-Origin: *
//   - specific origins      → the request Origin is echoed when listed
//
// OPTIONS preflight requests are answered with 204 No Content and no body.
func corsHandler(origins []string) func(fasthttp.RequestHandler) fasthttp.RequestHandler {
	open := len(origins) == 0
	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		if o == "*" {
			open = true
		}
		allowed[strings.TrimRight(o, "/")] = struct{}{}
	}

	return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
		return func(ctx *fasthttp.RequestCtx) {
			h := &ctx.Response.Header
			origin := string(ctx.Request.Header.Peek("Origin"))
			switch {
			case open:
				h.Set("Access-Control-Allow-Origin", "*")
			case origin != "":
				h.Add("Vary", "Origin")
				if _, ok := allowed[origin]; ok {
					h.Set("Access-Control-Allow-Origin", origin)
				}
			}
			h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Content-Type, Accept, X-Request-ID")
			h.Set("Access-Control-Expose-Headers",
				"X-Request-ID, X-RateLimit-Limit, X-RateLimit-Remaining, X-RateLimit-Reset, Retry-After")

			if string(ctx.Method()) == fasthttp.MethodOptions {
				h.Set("Access-Control-Max-Age", "600")
				ctx.SetStatusCode(fasthttp.StatusNoContent)
				return
			}
			next(ctx)
		}
	}
}

// clientKey identifies the caller for rate limiting. With trustProxy the
// first X-Forwarded-For hop wins; otherwise the socket address is used.
func clientKey(ctx *fasthttp.RequestCtx, trustProxy bool) string {
	if trustProxy {
		xff := string(ctx.Request.Header.Peek("X-Forwarded-For"))
		if first, _, _ := strings.Cut(xff, ","); strings.TrimSpace(first) != "" {
			if ip := net.ParseIP(strings.TrimSpace(first)); ip != nil {
				return ip.String()
			}
		}
		if ip := net.ParseIP(strings.TrimSpace(string(ctx.Request.Header.Peek("X-Real-IP")))); ip != nil {
			return ip.String()
		}
	}
	return ctx.RemoteIP().String()
}

// applyMiddleware wraps h with the given middleware chain. The first middleware
// in the slice becomes the outermost wrapper (executes first on request,
// last on response):
//
//	applyMiddleware(h, mw1, mw2) → mw1(mw2(h))
func applyMiddleware(h fasthttp.RequestHandler, mws ...func(fasthttp.RequestHandler) fasthttp.RequestHandler) fasthttp.RequestHandler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}
