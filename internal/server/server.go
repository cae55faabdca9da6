// Package server is the HTTP surface of the review service.
//
// It owns everything that happens before and after the pipeline: the
// rate limiter, body guards, error envelopes, hardening headers and the
// SSE writer for streamed answers. A request is rate limited and validated
// before any upstream call is made.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/sommelier/internal/logger"
	"github.com/nulpointcorp/sommelier/internal/metrics"
	"github.com/nulpointcorp/sommelier/internal/pipeline"
	"github.com/nulpointcorp/sommelier/internal/ratelimit"
	"github.com/nulpointcorp/sommelier/internal/review"
	"github.com/nulpointcorp/sommelier/pkg/apierr"
)

// DefaultMaxBodyBytes is the request body ceiling when none is configured.
const DefaultMaxBodyBytes = 100 * 1024

// Pipeline runs validated requests. *pipeline.Service implements it.
type Pipeline interface {
	Review(ctx context.Context, req review.ReviewRequest) (*pipeline.Result, error)
	Narrate(ctx context.Context, req review.NarrateRequest) (*pipeline.Result, error)
	ReviewStream(ctx context.Context, req review.ReviewRequest) (<-chan pipeline.Event, error)
	NarrateStream(ctx context.Context, req review.NarrateRequest) (<-chan pipeline.Event, error)
}

// Options holds optional dependencies and tuning for a Server. All fields
// can be omitted.
type Options struct {
	// Logger is used for request diagnostics. Defaults to slog.Default().
	Logger *slog.Logger

	// Metrics enables Prometheus collection and the /metrics route.
	Metrics *metrics.Registry

	// RequestLog receives one ReviewLog per /review or /narrate request.
	RequestLog *logger.Logger

	// Health backs /health and /readiness. When nil both report ok.
	Health *HealthChecker

	// MaxBodyBytes is the request body ceiling. Default: 100KB.
	MaxBodyBytes int

	// TrustProxy keys the rate limiter on the first X-Forwarded-For hop.
	TrustProxy bool

	// CORSOrigins is the CORS allow-list; ["*"] allows any origin.
	CORSOrigins []string

	// Development adds raw diagnostics to error envelopes.
	Development bool

	// Provider and Model label request logs.
	Provider string
	Model    string
}

// Server serves the review API.
type Server struct {
	pipe    Pipeline
	limiter *ratelimit.Limiter
	baseCtx context.Context
	opts    Options
	log     *slog.Logger
	metrics *metrics.Registry

	handler fasthttp.RequestHandler
	srv     *fasthttp.Server
}

// New builds a Server. baseCtx bounds streamed answers: cancelling it ends
// every open stream.
func New(baseCtx context.Context, pipe Pipeline, limiter *ratelimit.Limiter, opts Options) *Server {
	if baseCtx == nil {
		panic("server: context must not be nil")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = DefaultMaxBodyBytes
	}

	s := &Server{
		pipe:    pipe,
		limiter: limiter,
		baseCtx: baseCtx,
		opts:    opts,
		log:     opts.Logger,
		metrics: opts.Metrics,
	}
	s.handler = s.routes()
	s.srv = &fasthttp.Server{
		Handler:            s.handler,
		Name:               "sommelier",
		ReadTimeout:        60 * time.Second,
		WriteTimeout:       0, // streamed answers are bounded by the invoker
		IdleTimeout:        120 * time.Second,
		MaxRequestBodySize: opts.MaxBodyBytes,
		ErrorHandler:       s.handleTransportError,
	}
	return s
}

// Handler returns the full handler chain, middleware included.
func (s *Server) Handler() fasthttp.RequestHandler { return s.handler }

// ListenAndServe serves HTTP on addr (e.g. ":8080").
func (s *Server) ListenAndServe(addr string) error {
	return s.srv.ListenAndServe(addr)
}

// Serve serves HTTP on ln.
func (s *Server) Serve(ln net.Listener) error {
	return s.srv.Serve(ln)
}

// Shutdown stops accepting connections and waits for open ones to finish
// or ctx to end.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.ShutdownWithContext(ctx)
}

func (s *Server) routes() fasthttp.RequestHandler {
	r := router.New()
	r.RedirectTrailingSlash = false

	r.POST("/review", s.handleReview)
	r.POST("/narrate", s.handleNarrate)
	r.GET("/health", s.handleHealth)
	r.GET("/readiness", s.handleReadiness)

	if s.metrics != nil {
		r.GET("/metrics", s.metrics.Handler())
	}

	r.MethodNotAllowed = func(ctx *fasthttp.RequestCtx) {
		// The router has already set the Allow header.
		apierr.WriteMethodNotAllowed(ctx, "")
	}
	r.NotFound = apierr.WriteNotFound

	return applyMiddleware(r.Handler,
		recovery,
		requestID,
		timing,
		corsHandler(s.opts.CORSOrigins),
		securityHeaders,
	)
}

// handleTransportError answers requests fasthttp rejects before routing,
// most notably bodies above MaxRequestBodySize. These never reach the
// middleware chain, so the request ID and hardening headers are set here.
func (s *Server) handleTransportError(ctx *fasthttp.RequestCtx, err error) {
	requestID(securityHeaders(func(ctx *fasthttp.RequestCtx) {
		s.writeTransportError(ctx, err)
	}))(ctx)
}

func (s *Server) writeTransportError(ctx *fasthttp.RequestCtx, err error) {
	if errors.Is(err, fasthttp.ErrBodyTooLarge) {
		apierr.WritePayloadTooLarge(ctx, s.opts.MaxBodyBytes)
		return
	}
	apierr.Write(ctx, fasthttp.StatusBadRequest, apierr.APIError{
		Message: "malformed HTTP request",
		Type:    apierr.TypeInvalidRequest,
		Code:    apierr.CodeValidationFailed,
	})
}

func (s *Server) handleHealth(ctx *fasthttp.RequestCtx) {
	if s.opts.Health == nil {
		writeJSON(ctx, map[string]string{"status": "ok"})
		return
	}
	writeJSON(ctx, s.opts.Health.Snapshot())
}

func (s *Server) handleReadiness(ctx *fasthttp.RequestCtx) {
	if s.opts.Health == nil || s.opts.Health.ReadinessOK() {
		writeJSON(ctx, map[string]string{"status": "ok"})
		return
	}
	ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
	writeJSON(ctx, map[string]string{"status": "unavailable"})
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}
