package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/sommelier/internal/invoker"
	"github.com/nulpointcorp/sommelier/internal/normalize"
	"github.com/nulpointcorp/sommelier/internal/providers"
	"github.com/nulpointcorp/sommelier/internal/review"
	"github.com/nulpointcorp/sommelier/pkg/apierr"
)

// Kind is the client-facing failure class of a request.
type Kind string

const (
	KindValidation      Kind = "validation"
	KindPayloadTooLarge Kind = "payload_too_large"
	KindRateLimited     Kind = "rate_limited"
	KindUnavailable     Kind = "upstream_unavailable"
	KindTimeout         Kind = "upstream_timeout"
	KindUpstream        Kind = "upstream_failure"
	KindNormalization   Kind = "normalization_failure"
	KindCanceled        Kind = "canceled"
	KindInternal        Kind = "internal"
)

// statusClientClosedRequest is reported for requests whose client went
// away before an answer was ready. It never reaches the wire.
const statusClientClosedRequest = 499

var kindInfo = map[Kind]struct {
	status  int
	errType string
	code    string
	message string
}{
	KindValidation:      {fasthttp.StatusBadRequest, apierr.TypeInvalidRequest, apierr.CodeValidationFailed, "request validation failed"},
	KindPayloadTooLarge: {fasthttp.StatusRequestEntityTooLarge, apierr.TypeInvalidRequest, apierr.CodePayloadTooLarge, "request body is too large"},
	KindRateLimited:     {fasthttp.StatusTooManyRequests, apierr.TypeRateLimitError, apierr.CodeRateLimitExceeded, "rate limit exceeded, retry later"},
	KindUnavailable:     {fasthttp.StatusServiceUnavailable, apierr.TypeUpstreamError, apierr.CodeUpstreamUnavailable, "the review model is unavailable, retry later"},
	KindTimeout:         {fasthttp.StatusGatewayTimeout, apierr.TypeUpstreamError, apierr.CodeUpstreamTimeout, "the review model did not answer in time"},
	KindUpstream:        {fasthttp.StatusBadGateway, apierr.TypeUpstreamError, apierr.CodeUpstreamFailure, "the review model returned an error"},
	KindNormalization:   {fasthttp.StatusInternalServerError, apierr.TypeServerError, apierr.CodeNormalizationFailed, "the review model returned an unusable answer, try again"},
	KindCanceled:        {statusClientClosedRequest, apierr.TypeInvalidRequest, "client_closed_request", "request canceled"},
	KindInternal:        {fasthttp.StatusInternalServerError, apierr.TypeServerError, apierr.CodeInternalError, "internal error"},
}

// Status returns the HTTP status for k.
func (k Kind) Status() int {
	if info, ok := kindInfo[k]; ok {
		return info.status
	}
	return fasthttp.StatusInternalServerError
}

// Error is a classified pipeline failure. Message and Details are safe to
// show to clients; Debug holds raw diagnostics for development mode only.
type Error struct {
	Kind       Kind
	Message    string
	Details    []review.FieldIssue
	RetryAfter time.Duration
	Debug      map[string]any
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return string(e.Kind) + ": " + e.Err.Error()
	}
	return string(e.Kind) + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Status returns the HTTP status for the error.
func (e *Error) Status() int { return e.Kind.Status() }

// API renders the client envelope. Debug is attached only when debug is set.
func (e *Error) API(debug bool) apierr.APIError {
	info, ok := kindInfo[e.Kind]
	if !ok {
		info = kindInfo[KindInternal]
	}
	out := apierr.APIError{
		Message: e.Message,
		Type:    info.errType,
		Code:    info.code,
	}
	if out.Message == "" {
		out.Message = info.message
	}
	if len(e.Details) > 0 {
		out.Details = e.Details
	}
	if debug {
		d := make(map[string]any, len(e.Debug)+1)
		for k, v := range e.Debug {
			d[k] = v
		}
		if e.Err != nil {
			d["error"] = e.Err.Error()
		}
		if len(d) > 0 {
			out.Debug = d
		}
	}
	return out
}

// Classify maps any error from the pipeline stages onto a Kind.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}

	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}

	var ve *review.ValidationError
	if errors.As(err, &ve) {
		return &Error{Kind: KindValidation, Message: ve.Error(), Details: ve.Issues, Err: err}
	}

	var ne *normalize.NormalizationError
	if errors.As(err, &ne) {
		return &Error{
			Kind: KindNormalization,
			Err:  err,
			Debug: map[string]any{
				"strategy":   ne.Strategy,
				"issues":     ne.Issues,
				"raw_prefix": ne.RawPrefix,
			},
		}
	}

	switch {
	case errors.Is(err, invoker.ErrUnavailable):
		return &Error{Kind: KindUnavailable, Err: err}
	case errors.Is(err, invoker.ErrTimeout):
		return &Error{Kind: KindTimeout, Err: err}
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return &Error{Kind: KindCanceled, Err: err}
	}

	var sc providers.StatusCoder
	if errors.As(err, &sc) {
		switch sc.HTTPStatus() {
		case fasthttp.StatusTooManyRequests, fasthttp.StatusServiceUnavailable, 529:
			return &Error{Kind: KindUnavailable, Message: "the review model is overloaded, retry later", Err: err}
		}
		return &Error{Kind: KindUpstream, Err: err}
	}

	return &Error{Kind: KindInternal, Err: err}
}
