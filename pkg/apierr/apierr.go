// Package apierr provides the structured error envelope returned by the
// HTTP API:
//
//	{"error":{"message":"...","type":"...","code":"...","details":[...]}}
package apierr

import (
	"encoding/json"
	"math"
	"strconv"
	"time"

	"github.com/valyala/fasthttp"
)

// ErrorType constants.
const (
	TypeInvalidRequest = "invalid_request_error"
	TypeRateLimitError = "rate_limit_error"
	TypeUpstreamError  = "upstream_error"
	TypeServerError    = "server_error"
)

// Code constants.
const (
	CodeValidationFailed    = "validation_failed"
	CodePayloadTooLarge     = "payload_too_large"
	CodeRateLimitExceeded   = "rate_limit_exceeded"
	CodeUpstreamUnavailable = "upstream_unavailable"
	CodeUpstreamTimeout     = "upstream_timeout"
	CodeUpstreamFailure     = "upstream_failure"
	CodeNormalizationFailed = "normalization_failed"
	CodeInternalError       = "internal_error"
	CodeMethodNotAllowed    = "method_not_allowed"
	CodeNotFound            = "not_found"
)

// APIError is the structured error returned to clients. Debug is only set
// by callers running in development mode.
type (
	APIError struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
		Details any    `json:"details,omitempty"`
		Debug   any    `json:"debug,omitempty"`
	}
	envelope struct {
		Error APIError `json:"error"`
	}
)

// Marshal encodes e inside the error envelope.
func Marshal(e APIError) []byte {
	body, err := json.Marshal(envelope{Error: e})
	if err != nil {
		// Details or Debug were not encodable; keep the envelope.
		e.Details, e.Debug = nil, nil
		body, _ = json.Marshal(envelope{Error: e})
	}
	return body
}

// Write writes the error as JSON to the fasthttp response with the given HTTP status.
func Write(ctx *fasthttp.RequestCtx, status int, e APIError) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	ctx.SetBody(Marshal(e))
}

// WriteRateLimit writes a 429 with a Retry-After header in whole seconds.
func WriteRateLimit(ctx *fasthttp.RequestCtx, retryAfter time.Duration) {
	ctx.Response.Header.Set("Retry-After", strconv.Itoa(RetryAfterSeconds(retryAfter)))
	Write(ctx, fasthttp.StatusTooManyRequests, APIError{
		Message: "rate limit exceeded, retry later",
		Type:    TypeRateLimitError,
		Code:    CodeRateLimitExceeded,
	})
}

// WritePayloadTooLarge writes a 413 naming the byte limit.
func WritePayloadTooLarge(ctx *fasthttp.RequestCtx, limit int) {
	Write(ctx, fasthttp.StatusRequestEntityTooLarge, APIError{
		Message: "request body exceeds " + strconv.Itoa(limit) + " bytes",
		Type:    TypeInvalidRequest,
		Code:    CodePayloadTooLarge,
	})
}

// WriteMethodNotAllowed writes a 405 with the Allow header set.
func WriteMethodNotAllowed(ctx *fasthttp.RequestCtx, allow string) {
	if allow != "" {
		ctx.Response.Header.Set("Allow", allow)
	}
	Write(ctx, fasthttp.StatusMethodNotAllowed, APIError{
		Message: "method " + string(ctx.Method()) + " not allowed",
		Type:    TypeInvalidRequest,
		Code:    CodeMethodNotAllowed,
	})
}

// WriteNotFound writes a 404.
func WriteNotFound(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusNotFound, APIError{
		Message: "no route for " + string(ctx.Path()),
		Type:    TypeInvalidRequest,
		Code:    CodeNotFound,
	})
}

// RetryAfterSeconds rounds d up to whole seconds, minimum 1.
func RetryAfterSeconds(d time.Duration) int {
	s := int(math.Ceil(d.Seconds()))
	if s < 1 {
		return 1
	}
	return s
}
