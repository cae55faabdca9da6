// Package providers defines the interface the model invoker uses to reach a
// hosted completion API (OpenAI, Anthropic or Gemini).
//
// Each provider lives in its own sub-package and wraps the vendor SDK.
// Streaming responses are delivered over a channel that the provider closes
// when the upstream stream ends, fails or the request context is cancelled.
package providers

import (
	"context"
	"time"
)

type (
	// StreamChunk is a single piece of a streaming completion. A chunk with
	// a non-nil Err is the last one sent.
	StreamChunk struct {
		Content      string
		FinishReason string
		Err          error
	}

	// Usage: token usage stats.
	Usage struct {
		InputTokens  int
		OutputTokens int
	}

	// CompletionRequest is a single-turn completion: one system instruction
	// and one user prompt.
	CompletionRequest struct {
		Model       string
		System      string
		Prompt      string
		Stream      bool
		Temperature float64
		MaxTokens   int
		RequestID   string
	}

	// CompletionResponse: normalized provider response.
	CompletionResponse struct {
		ID      string
		Model   string
		Content string
		Usage   Usage
		Stream  <-chan StreamChunk // nil if it's not a stream.
	}
)

// Provider: completion provider interface.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error)
	HealthCheck(ctx context.Context) error
}

// StatusCoder is implemented by provider errors that carry the upstream
// HTTP status.
type StatusCoder interface {
	HTTPStatus() int
}

// DefaultModels is the model used per provider when none is configured.
var DefaultModels = map[string]string{
	"openai":    "gpt-4o-mini",
	"anthropic": "claude-sonnet-4-5",
	"gemini":    "gemini-2.5-flash",
}

// ProviderTimeout is the default budget for a blocking completion.
const ProviderTimeout = 30 * time.Second

// Emit sends c on ch unless ctx is done first. It reports whether the chunk
// was delivered; producers stop reading upstream when it returns false.
func Emit(ctx context.Context, ch chan<- StreamChunk, c StreamChunk) bool {
	select {
	case ch <- c:
		return true
	case <-ctx.Done():
		return false
	}
}
