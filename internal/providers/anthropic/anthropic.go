package anthropic

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/nulpointcorp/sommelier/internal/providers"
)

const (
	defaultBaseURL   = "https://api.anthropic.com/v1"
	providerName     = "anthropic"
	defaultMaxTokens = 4096
)

// Provider implements providers.Provider for Anthropic (official SDK).
type Provider struct {
	apiKey  string
	baseURL string
	client  anthropic.Client
}

// Option configures a Provider.
type Option func(*Provider)

// WithBaseURL overrides the API base URL (useful for testing).
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// New creates a new Anthropic Provider.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
	}
	for _, o := range opts {
		o(p)
	}

	p.client = anthropic.NewClient(
		option.WithAPIKey(p.apiKey),
		option.WithBaseURL(p.baseURL),
		option.WithHTTPClient(&http.Client{}),
		option.WithMaxRetries(0),
	)

	return p
}

func (p *Provider) Name() string { return providerName }

func (p *Provider) HealthCheck(ctx context.Context) error {
	// Simple auth/connectivity check: GET /v1/models
	_, err := p.client.Models.List(ctx, anthropic.ModelListParams{
		Limit: anthropic.Int(1),
	})
	if err != nil {
		return fmt.Errorf("anthropic: health check: %w", toProviderError(err))
	}
	return nil
}

func (p *Provider) Complete(ctx context.Context, req *providers.CompletionRequest) (*providers.CompletionResponse, error) {
	params := buildParams(req)
	if req.Stream {
		return p.handleStreaming(ctx, params)
	}
	return p.handleResponse(ctx, params)
}

func buildParams(req *providers.CompletionRequest) anthropic.MessageNewParams {
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = defaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: int64(maxTokens),
		Messages: []anthropic.MessageParam{{
			Role: anthropic.MessageParamRoleUser,
			Content: []anthropic.ContentBlockParamUnion{
				{OfText: &anthropic.TextBlockParam{Text: req.Prompt}},
			},
		}},
	}

	if req.System != "" {
		params.System = []anthropic.TextBlockParam{
			{Text: req.System},
		}
	}

	// Temperature is optional in Anthropic; set only if provided.
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}

	return params
}

func (p *Provider) handleResponse(ctx context.Context, params anthropic.MessageNewParams) (*providers.CompletionResponse, error) {
	msg, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return nil, toProviderError(err)
	}

	var sb strings.Builder
	for _, b := range msg.Content {
		switch v := b.AsAny().(type) {
		case anthropic.TextBlock:
			sb.WriteString(v.Text)
		case *anthropic.TextBlock:
			sb.WriteString(v.Text)
		}
	}

	return &providers.CompletionResponse{
		ID:      msg.ID,
		Model:   string(msg.Model),
		Content: sb.String(),
		Usage: providers.Usage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
		},
	}, nil
}

func (p *Provider) handleStreaming(ctx context.Context, params anthropic.MessageNewParams) (*providers.CompletionResponse, error) {
	ch := make(chan providers.StreamChunk, 64)

	stream := p.client.Messages.NewStreaming(ctx, params)

	go func() {
		defer close(ch)
		defer stream.Close()

		for stream.Next() {
			ev := stream.Current()

			var text string
			switch eventVariant := ev.AsAny().(type) {
			case anthropic.ContentBlockDeltaEvent:
				switch deltaVariant := eventVariant.Delta.AsAny().(type) {
				case anthropic.TextDelta:
					text = deltaVariant.Text
				case *anthropic.TextDelta:
					text = deltaVariant.Text
				}
			}

			if text == "" {
				continue
			}
			if !providers.Emit(ctx, ch, providers.StreamChunk{Content: text}) {
				return
			}
		}

		if err := stream.Err(); err != nil {
			providers.Emit(ctx, ch, providers.StreamChunk{
				FinishReason: "error",
				Err:          toProviderError(err),
			})
		}
	}()

	return &providers.CompletionResponse{Model: string(params.Model), Stream: ch}, nil
}

// ProviderError is a structured error returned by the Anthropic API.
type ProviderError struct {
	StatusCode int
	Message    string
	Type       string
	Code       string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("anthropic: %s (status=%d, type=%s)", e.Message, e.StatusCode, e.Type)
}

// HTTPStatus implements providers.StatusCoder.
func (e *ProviderError) HTTPStatus() int { return e.StatusCode }

func toProviderError(err error) error {
	var apierr *anthropic.Error
	if errors.As(err, &apierr) {
		return &ProviderError{
			StatusCode: apierr.StatusCode,
			Message:    apierr.Error(),
			Type:       "anthropic_error",
		}
	}
	return err
}
