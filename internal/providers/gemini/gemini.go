package gemini

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"google.golang.org/genai"

	"github.com/nulpointcorp/sommelier/internal/providers"
)

const (
	defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"
	providerName   = "gemini"
)

// Provider implements providers.Provider for Google Gemini (official GenAI SDK).
type Provider struct {
	apiKey  string
	baseURL string
	client  *genai.Client
}

// Option configures a Provider.
type Option func(*Provider)

// WithBaseURL overrides the API base URL (useful for testing).
func WithBaseURL(u string) Option {
	return func(p *Provider) { p.baseURL = u }
}

// New creates a new Gemini Provider. It returns an error when the SDK client
// cannot be constructed.
func New(ctx context.Context, apiKey string, opts ...Option) (*Provider, error) {
	p := &Provider{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
	}
	for _, o := range opts {
		o(p)
	}

	base, ver := splitBaseURLAndVersion(p.baseURL)

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      p.apiKey,
		Backend:     genai.BackendGeminiAPI,
		HTTPClient:  &http.Client{},
		HTTPOptions: genai.HTTPOptions{BaseURL: base, APIVersion: ver},
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: new client: %w", err)
	}
	p.client = client

	return p, nil
}

func (p *Provider) Name() string { return providerName }

func (p *Provider) HealthCheck(ctx context.Context) error {
	_, err := p.client.Models.List(ctx, &genai.ListModelsConfig{PageSize: 1})
	if err != nil {
		return fmt.Errorf("gemini: health check: %w", toProviderError(err))
	}
	return nil
}

func (p *Provider) Complete(ctx context.Context, req *providers.CompletionRequest) (*providers.CompletionResponse, error) {
	contents, cfg := buildContentsAndConfig(req)
	if req.Stream {
		return p.handleStreaming(ctx, req.Model, contents, cfg)
	}
	return p.handleResponse(ctx, req, contents, cfg)
}

func buildContentsAndConfig(req *providers.CompletionRequest) ([]*genai.Content, *genai.GenerateContentConfig) {
	contents := []*genai.Content{genai.NewContentFromText(req.Prompt, genai.RoleUser)}

	if req.System == "" && req.Temperature <= 0 && req.MaxTokens <= 0 {
		return contents, nil
	}

	cfg := &genai.GenerateContentConfig{}
	if req.System != "" {
		cfg.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: req.System}},
		}
	}
	if req.Temperature > 0 {
		cfg.Temperature = genai.Ptr[float32](float32(req.Temperature))
	}
	if req.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxTokens)
	}

	return contents, cfg
}

func (p *Provider) handleResponse(
	ctx context.Context,
	req *providers.CompletionRequest,
	contents []*genai.Content,
	cfg *genai.GenerateContentConfig,
) (*providers.CompletionResponse, error) {
	resp, err := p.client.Models.GenerateContent(ctx, req.Model, contents, cfg)
	if err != nil {
		return nil, toProviderError(err)
	}

	id := req.RequestID
	if id == "" {
		if resp != nil && resp.ResponseID != "" {
			id = resp.ResponseID
		} else {
			id = generateID()
		}
	}

	out := ""
	if resp != nil {
		out = resp.Text()
	}

	var inTok, outTok int
	if resp != nil && resp.UsageMetadata != nil {
		inTok = int(resp.UsageMetadata.PromptTokenCount)
		outTok = int(resp.UsageMetadata.CandidatesTokenCount)
	}

	return &providers.CompletionResponse{
		ID:      id,
		Model:   req.Model,
		Content: out,
		Usage: providers.Usage{
			InputTokens:  inTok,
			OutputTokens: outTok,
		},
	}, nil
}

func (p *Provider) handleStreaming(
	ctx context.Context,
	model string,
	contents []*genai.Content,
	cfg *genai.GenerateContentConfig,
) (*providers.CompletionResponse, error) {
	ch := make(chan providers.StreamChunk, 64)

	go func() {
		defer close(ch)

		for resp, err := range p.client.Models.GenerateContentStream(ctx, model, contents, cfg) {
			if err != nil {
				providers.Emit(ctx, ch, providers.StreamChunk{
					FinishReason: "error",
					Err:          toProviderError(err),
				})
				return
			}
			if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0] == nil {
				continue
			}

			c := resp.Candidates[0]
			text := candidateText(c)
			finish := string(c.FinishReason)
			if text == "" && finish == "" {
				continue
			}
			if !providers.Emit(ctx, ch, providers.StreamChunk{Content: text, FinishReason: finish}) {
				return
			}
		}
	}()

	return &providers.CompletionResponse{Model: model, Stream: ch}, nil
}

func candidateText(c *genai.Candidate) string {
	if c == nil || c.Content == nil || len(c.Content.Parts) == 0 {
		return ""
	}
	var sb strings.Builder
	for _, p := range c.Content.Parts {
		if p != nil && p.Text != "" {
			sb.WriteString(p.Text)
		}
	}
	return sb.String()
}

func splitBaseURLAndVersion(raw string) (baseURL string, apiVersion string) {
	u, err := url.Parse(raw)
	if err != nil {
		return raw, ""
	}

	path := strings.Trim(u.Path, "/")
	if path == "" {
		base := u.String()
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}
		return base, ""
	}

	parts := strings.Split(path, "/")
	last := parts[len(parts)-1]

	if looksLikeAPIVersion(last) {
		apiVersion = last
		parts = parts[:len(parts)-1]
	}

	u.Path = "/" + strings.Join(parts, "/")
	if u.Path == "/" {
		u.Path = ""
	}

	baseURL = u.String()
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	return baseURL, apiVersion
}

// looksLikeAPIVersion matches path segments such as v1 or v1beta.
func looksLikeAPIVersion(s string) bool {
	if !strings.HasPrefix(s, "v") || len(s) < 2 {
		return false
	}
	return s[1] >= '0' && s[1] <= '9'
}

func generateID() string {
	return "gemini-" + uuid.NewString()
}

// ProviderError is a structured error returned by the Gemini API (SDK wrapper).
type ProviderError struct {
	StatusCode int
	Message    string
	Type       string
	Code       string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("gemini: %s (status=%d, type=%s)", e.Message, e.StatusCode, e.Type)
}

// HTTPStatus implements providers.StatusCoder.
func (e *ProviderError) HTTPStatus() int { return e.StatusCode }

func toProviderError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return &ProviderError{
			StatusCode: apiErr.Code,
			Message:    apiErr.Message,
			Type:       apiErr.Status,
			Code:       fmt.Sprintf("%d", apiErr.Code),
		}
	}
	return err
}
