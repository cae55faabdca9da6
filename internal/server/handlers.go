package server

import (
	"bytes"
	"context"
	"log/slog"
	"mime"
	"strconv"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/sommelier/internal/invoker"
	"github.com/nulpointcorp/sommelier/internal/logger"
	"github.com/nulpointcorp/sommelier/internal/pipeline"
	"github.com/nulpointcorp/sommelier/internal/ratelimit"
	"github.com/nulpointcorp/sommelier/internal/review"
	"github.com/nulpointcorp/sommelier/pkg/apierr"
)

// run is a parsed request bound to its pipeline entry points.
type run struct {
	persona  string
	blocking func(context.Context) (*pipeline.Result, error)
	stream   func(context.Context) (<-chan pipeline.Event, error)
}

func (s *Server) handleReview(ctx *fasthttp.RequestCtx) {
	s.dispatch(ctx, pipeline.EndpointReview, func(body []byte) (run, error) {
		req, err := review.ParseReviewRequest(body)
		if err != nil {
			return run{}, err
		}
		return run{
			persona: string(req.Persona),
			blocking: func(c context.Context) (*pipeline.Result, error) {
				return s.pipe.Review(c, req)
			},
			stream: func(c context.Context) (<-chan pipeline.Event, error) {
				return s.pipe.ReviewStream(c, req)
			},
		}, nil
	})
}

func (s *Server) handleNarrate(ctx *fasthttp.RequestCtx) {
	s.dispatch(ctx, pipeline.EndpointNarrate, func(body []byte) (run, error) {
		req, err := review.ParseNarrateRequest(body)
		if err != nil {
			return run{}, err
		}
		return run{
			blocking: func(c context.Context) (*pipeline.Result, error) {
				return s.pipe.Narrate(c, req)
			},
			stream: func(c context.Context) (<-chan pipeline.Event, error) {
				return s.pipe.NarrateStream(c, req)
			},
		}, nil
	})
}

// dispatch runs the shared request flow: rate limit, body guards, parsing,
// then a blocking or streamed pipeline run.
func (s *Server) dispatch(ctx *fasthttp.RequestCtx, endpoint string, parse func([]byte) (run, error)) {
	start := time.Now()
	reqID := requestIDFrom(ctx)
	entry := logger.ReviewLog{
		RequestID: reqID,
		Endpoint:  endpoint,
		Provider:  s.opts.Provider,
		Model:     s.opts.Model,
		ClientKey: clientKey(ctx, s.opts.TrustProxy),
	}
	reqBytes := len(ctx.PostBody())
	streaming := false

	s.metrics.IncInFlight()
	defer func() {
		if streaming {
			return // finalised by the stream writer
		}
		s.finish(entry, ctx.Response.StatusCode(), start, reqBytes)
	}()

	// 1. Rate limit. Every attempt counts, valid or not.
	if s.limiter != nil {
		dec := s.limiter.Check(ctx, entry.ClientKey)
		setRateLimitHeaders(ctx, dec)
		switch {
		case !dec.Allowed:
			s.metrics.RecordRateLimit("denied")
			s.log.WarnContext(ctx, "rate_limit_exceeded",
				slog.String("request_id", reqID),
				slog.String("client", entry.ClientKey),
				slog.String("endpoint", endpoint),
			)
			entry.ErrorKind = string(pipeline.KindRateLimited)
			apierr.WriteRateLimit(ctx, dec.RetryAfter)
			return
		case dec.Degraded:
			s.metrics.RecordRateLimit("degraded")
		default:
			s.metrics.RecordRateLimit("allowed")
		}
	}

	// 2. Body guards, before any parse work.
	if perr := s.guard(ctx); perr != nil {
		entry.ErrorKind = string(perr.Kind)
		s.writeError(ctx, perr)
		return
	}

	// 3. Parse and validate.
	r, err := parse(ctx.PostBody())
	if err != nil {
		perr := pipeline.Classify(err)
		entry.ErrorKind = string(perr.Kind)
		s.writeError(ctx, perr)
		return
	}
	entry.Persona = r.persona

	// 4. Run.
	if wantsStream(ctx) {
		streaming = true
		s.serveStream(ctx, endpoint, r, entry, start, reqBytes)
		return
	}

	res, err := r.blocking(invoker.WithRequestID(ctx, reqID))
	if err != nil {
		perr := pipeline.Classify(err)
		entry.ErrorKind = string(perr.Kind)
		s.logFailure(ctx, reqID, endpoint, perr)
		s.writeError(ctx, perr)
		return
	}

	body, err := res.Object.MarshalJSON()
	if err != nil {
		perr := &pipeline.Error{Kind: pipeline.KindInternal, Err: err}
		entry.ErrorKind = string(perr.Kind)
		s.writeError(ctx, perr)
		return
	}

	entry.Strategy = res.Strategy
	entry.Model = res.Model
	entry.InputTokens = res.Usage.InputTokens
	entry.OutputTokens = res.Usage.OutputTokens

	s.log.DebugContext(ctx, "response_ok",
		slog.String("request_id", reqID),
		slog.String("endpoint", endpoint),
		slog.String("strategy", res.Strategy),
		slog.Duration("elapsed", time.Since(start)),
	)

	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
}

// guard enforces the body ceiling and a JSON content type.
func (s *Server) guard(ctx *fasthttp.RequestCtx) *pipeline.Error {
	limit := s.opts.MaxBodyBytes
	if n := ctx.Request.Header.ContentLength(); n > limit || len(ctx.PostBody()) > limit {
		return &pipeline.Error{
			Kind:    pipeline.KindPayloadTooLarge,
			Message: "request body exceeds " + strconv.Itoa(limit) + " bytes",
		}
	}

	ct := string(ctx.Request.Header.ContentType())
	mt, _, err := mime.ParseMediaType(ct)
	if err != nil || !isJSONMediaType(mt) {
		return pipeline.Classify(review.Invalid("content-type", "must be application/json"))
	}
	return nil
}

func isJSONMediaType(mt string) bool {
	return mt == "application/json" || (len(mt) > 5 && mt[len(mt)-5:] == "+json")
}

// wantsStream selects SSE via the Accept header or ?stream=true.
func wantsStream(ctx *fasthttp.RequestCtx) bool {
	if v := ctx.QueryArgs().Peek("stream"); len(v) > 0 {
		if on, err := strconv.ParseBool(string(v)); err == nil {
			return on
		}
	}
	return bytes.Contains(ctx.Request.Header.Peek("Accept"), []byte("text/event-stream"))
}

func setRateLimitHeaders(ctx *fasthttp.RequestCtx, dec ratelimit.Decision) {
	h := &ctx.Response.Header
	h.Set("X-RateLimit-Limit", strconv.Itoa(dec.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(dec.Remaining))
	if !dec.ResetAt.IsZero() {
		h.Set("X-RateLimit-Reset", strconv.FormatInt(dec.ResetAt.Unix(), 10))
	}
}

// writeError renders perr as a JSON envelope. Debug details are attached
// in development only.
func (s *Server) writeError(ctx *fasthttp.RequestCtx, perr *pipeline.Error) {
	if perr.Kind == pipeline.KindRateLimited {
		apierr.WriteRateLimit(ctx, perr.RetryAfter)
		return
	}
	apierr.Write(ctx, perr.Status(), perr.API(s.opts.Development))
}

// logFailure records upstream and normalization failures server-side with
// the raw cause. Client-correctable errors are not logged.
func (s *Server) logFailure(ctx context.Context, reqID, endpoint string, perr *pipeline.Error) {
	switch perr.Kind {
	case pipeline.KindValidation, pipeline.KindCanceled:
		return
	}
	s.log.ErrorContext(ctx, "request_failed",
		slog.String("request_id", reqID),
		slog.String("endpoint", endpoint),
		slog.String("kind", string(perr.Kind)),
		slog.String("error", perr.Error()),
	)
}

// finish records metrics and the review log for one request.
func (s *Server) finish(entry logger.ReviewLog, status int, start time.Time, reqBytes int) {
	dur := time.Since(start)
	s.metrics.DecInFlight()
	s.metrics.ObserveHTTP(entry.Endpoint, status, dur, reqBytes)
	s.metrics.AddTokens(entry.Provider, entry.InputTokens, entry.OutputTokens)

	if s.opts.RequestLog == nil {
		return
	}
	entry.Status = status
	entry.Latency = dur
	s.opts.RequestLog.Log(entry)
}
