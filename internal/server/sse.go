package server

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/sommelier/internal/invoker"
	"github.com/nulpointcorp/sommelier/internal/logger"
	"github.com/nulpointcorp/sommelier/internal/pipeline"
	"github.com/nulpointcorp/sommelier/pkg/apierr"
)

// serveStream starts a streamed run and installs the SSE body writer. Errors
// raised before the first frame are answered as plain JSON. It always
// finalises the request itself.
//
// The run is bound to the server's base context rather than ctx: fasthttp
// invokes the body writer after the handler returns.
func (s *Server) serveStream(
	ctx *fasthttp.RequestCtx,
	endpoint string,
	r run,
	entry logger.ReviewLog,
	start time.Time,
	reqBytes int,
) {
	runCtx, cancel := context.WithCancel(invoker.WithRequestID(s.baseCtx, entry.RequestID))

	events, err := r.stream(runCtx)
	if err != nil {
		cancel()
		perr := pipeline.Classify(err)
		entry.ErrorKind = string(perr.Kind)
		s.logFailure(ctx, entry.RequestID, endpoint, perr)
		s.writeError(ctx, perr)
		s.finish(entry, ctx.Response.StatusCode(), start, reqBytes)
		return
	}

	entry.Streamed = true
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("text/event-stream")
	ctx.Response.Header.Set("Connection", "keep-alive")
	ctx.Response.Header.Set("X-Accel-Buffering", "no")

	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer cancel()
		status := s.pump(runCtx, cancel, w, endpoint, events, &entry)
		s.finish(entry, status, start, reqBytes)
	})
}

// pump forwards events as SSE frames in order. A failed write means the
// client is gone: the run is cancelled, which stops the upstream call.
// It returns the status recorded for the request.
func (s *Server) pump(
	runCtx context.Context,
	cancel context.CancelFunc,
	w *bufio.Writer,
	endpoint string,
	events <-chan pipeline.Event,
	entry *logger.ReviewLog,
) int {
	for ev := range events {
		var data []byte
		switch ev.Type {
		case pipeline.EventError:
			entry.ErrorKind = string(ev.Err.Kind)
			s.logFailure(runCtx, entry.RequestID, endpoint, ev.Err)
			data = apierr.Marshal(ev.Err.API(s.opts.Development))
		default:
			b, err := ev.Object.MarshalJSON()
			if err != nil {
				perr := &pipeline.Error{Kind: pipeline.KindInternal, Err: err}
				entry.ErrorKind = string(perr.Kind)
				ev = pipeline.Event{Type: pipeline.EventError, Err: perr}
				b = apierr.Marshal(perr.API(s.opts.Development))
			}
			data = b
		}

		if err := writeFrame(w, string(ev.Type), data); err != nil {
			cancel()
			entry.ErrorKind = string(pipeline.KindCanceled)
			s.log.DebugContext(runCtx, "stream_client_gone",
				slog.String("request_id", entry.RequestID),
				slog.String("endpoint", endpoint),
				slog.String("error", err.Error()),
			)
			return pipeline.KindCanceled.Status()
		}
		s.metrics.RecordStreamFrame(endpoint, string(ev.Type))

		switch ev.Type {
		case pipeline.EventError:
			return ev.Err.Status()
		case pipeline.EventResult:
			return fasthttp.StatusOK
		}
	}

	// Closed without a terminal event: the base context ended.
	entry.ErrorKind = string(pipeline.KindCanceled)
	return pipeline.KindCanceled.Status()
}

// writeFrame writes one SSE frame and flushes it to the client.
func writeFrame(w *bufio.Writer, event string, data []byte) error {
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return err
	}
	return w.Flush()
}
