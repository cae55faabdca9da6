package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	openaiSDK "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/nulpointcorp/sommelier/internal/providers"
)

const (
	defaultBaseURL = "https://api.openai.com/v1"
	providerName   = "openai"
)

// Provider implements providers.Provider for OpenAI and OpenAI-compatible
// hosts (official SDK).
type Provider struct {
	apiKey  string
	baseURL string
	client  openaiSDK.Client
}

type Option func(*Provider)

// WithBaseURL points the client at another OpenAI-compatible host.
func WithBaseURL(u string) Option {
	return func(p *Provider) { p.baseURL = u }
}

func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
	}

	for _, o := range opts {
		o(p)
	}

	// Deadlines come from the request context so long streams are not cut
	// by a client-wide timeout.
	httpClient := &http.Client{}
	if p.baseURL != "" && p.baseURL != defaultBaseURL {
		httpClient.Transport = newBaseURLTransport(http.DefaultTransport, p.baseURL)
	}

	p.client = openaiSDK.NewClient(
		option.WithAPIKey(p.apiKey),
		option.WithHTTPClient(httpClient),
		option.WithMaxRetries(0),
	)

	return p
}

func (p *Provider) Name() string { return providerName }

func (p *Provider) HealthCheck(ctx context.Context) error {
	_, err := p.client.Models.List(ctx)
	if err != nil {
		return fmt.Errorf("openai: health check: %w", toProviderError(err))
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

func buildParams(req *providers.CompletionRequest) openaiSDK.ChatCompletionNewParams {
	msgs := make([]openaiSDK.ChatCompletionMessageParamUnion, 0, 2)
	if req.System != "" {
		msgs = append(msgs, openaiSDK.SystemMessage(req.System))
	}
	msgs = append(msgs, openaiSDK.UserMessage(req.Prompt))

	params := openaiSDK.ChatCompletionNewParams{
		Messages: msgs,
		Model:    req.Model,
	}

	if req.Temperature != 0 {
		params.Temperature = openaiSDK.Float(req.Temperature)
	}

	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openaiSDK.Int(int64(req.MaxTokens))
	}

	return params
}

func (p *Provider) handleResponse(ctx context.Context, params openaiSDK.ChatCompletionNewParams) (*providers.CompletionResponse, error) {
	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, toProviderError(err)
	}

	content := ""
	if len(resp.Choices) > 0 {
		content = resp.Choices[0].Message.Content
	}

	return &providers.CompletionResponse{
		ID:      resp.ID,
		Model:   resp.Model,
		Content: content,
		Usage: providers.Usage{
			InputTokens:  int(resp.Usage.PromptTokens),
			OutputTokens: int(resp.Usage.CompletionTokens),
		},
	}, nil
}

func (p *Provider) handleStreaming(ctx context.Context, params openaiSDK.ChatCompletionNewParams) (*providers.CompletionResponse, error) {
	ch := make(chan providers.StreamChunk, 64)

	stream := p.client.Chat.Completions.NewStreaming(ctx, params)

	go func() {
		defer close(ch)
		defer stream.Close()

		for stream.Next() {
			chunk := stream.Current()
			if len(chunk.Choices) == 0 {
				continue
			}

			c := chunk.Choices[0]
			if c.Delta.Content == "" && c.FinishReason == "" {
				continue
			}
			if !providers.Emit(ctx, ch, providers.StreamChunk{
				Content:      c.Delta.Content,
				FinishReason: c.FinishReason,
			}) {
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

	return &providers.CompletionResponse{Model: params.Model, Stream: ch}, nil
}

type ProviderError struct {
	StatusCode int
	Message    string
	Type       string
	Code       string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("openai: %s (status=%d, type=%s)", e.Message, e.StatusCode, e.Type)
}

func (e *ProviderError) HTTPStatus() int { return e.StatusCode }

func toProviderError(err error) error {
	var apierr *openaiSDK.Error
	if errors.As(err, &apierr) {
		return &ProviderError{
			StatusCode: apierr.StatusCode,
			Message:    apierr.Error(),
			Type:       "openai_error",
		}
	}
	return err
}

type baseURLTransport struct {
	base *url.URL
	rt   http.RoundTripper
}

func newBaseURLTransport(next http.RoundTripper, base string) http.RoundTripper {
	u, err := url.Parse(base)
	if err != nil {
		return next
	}
	return &baseURLTransport{base: u, rt: next}
}

func (t *baseURLTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	r2 := req.Clone(req.Context())
	u2 := *req.URL

	u2.Scheme = t.base.Scheme
	u2.Host = t.base.Host

	basePath := strings.TrimRight(t.base.Path, "/")
	if basePath != "" && basePath != "/" {
		if !strings.HasPrefix(u2.Path, basePath+"/") && u2.Path != basePath {
			u2.Path = basePath + "/" + strings.TrimLeft(u2.Path, "/")
		}
	}

	r2.URL = &u2

	return t.rt.RoundTrip(r2)
}
