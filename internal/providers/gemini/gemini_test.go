package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nulpointcorp/sommelier/internal/pipeline"
	"github.com/nulpointcorp/sommelier/internal/providers"
)

type textPart struct {
	Text string `json:"text"`
}

type wireContent struct {
	Role  string     `json:"role"`
	Parts []textPart `json:"parts"`
}

type generateBody struct {
	Contents          []wireContent `json:"contents"`
	SystemInstruction *wireContent  `json:"systemInstruction"`
	GenerationConfig  *struct {
		Temperature     *float64 `json:"temperature"`
		MaxOutputTokens *int     `json:"maxOutputTokens"`
	} `json:"generationConfig"`
}

func newTestProvider(t *testing.T, srv *httptest.Server) *Provider {
	t.Helper()
	p, err := New(context.Background(), "k", WithBaseURL(srv.URL+"/v1beta"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

func reviewRequest() *providers.CompletionRequest {
	return &providers.CompletionRequest{
		Model:  "gemini-2.5-flash",
		System: "You are a sommelier of source code. Answer with one JSON object.",
		Prompt: "Review:\nfor i := 0; i <= len(xs); i++ {}",
	}
}

func writeCandidate(w http.ResponseWriter, text, finish string) {
	t, _ := json.Marshal(text)
	fmt.Fprintf(w, `{"candidates":[{"content":{"role":"model","parts":[{"text":%s}]},"finishReason":%q}],`+
		`"usageMetadata":{"promptTokenCount":25,"candidatesTokenCount":8},"responseId":"resp-9"}`, t, finish)
}

func writeAPIError(w http.ResponseWriter, status int, reason string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	fmt.Fprintf(w, `{"error":{"code":%d,"message":"upstream said no","status":%q}}`, status, reason)
}

func writeSSE(w http.ResponseWriter, text, finish string) {
	fmt.Fprint(w, "data: ")
	writeCandidate(w, text, finish)
	fmt.Fprint(w, "\n\n")
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}

func TestProvider_SingleTurnMapping(t *testing.T) {
	bodies := make(chan generateBody, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/v1beta/models/gemini-2.5-flash:generateContent") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var b generateBody
		if err := json.NewDecoder(r.Body).Decode(&b); err != nil {
			t.Errorf("decode body: %v", err)
		}
		bodies <- b
		w.Header().Set("Content-Type", "application/json")
		writeCandidate(w, `{"title":"Off by one"}`, "STOP")
	}))
	defer srv.Close()

	req := reviewRequest()
	resp, err := newTestProvider(t, srv).Complete(context.Background(), req)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}

	got := <-bodies
	if got.SystemInstruction == nil || len(got.SystemInstruction.Parts) != 1 ||
		got.SystemInstruction.Parts[0].Text != req.System {
		t.Errorf("systemInstruction = %+v, want the instruction", got.SystemInstruction)
	}
	if len(got.Contents) != 1 || got.Contents[0].Role != "user" ||
		len(got.Contents[0].Parts) != 1 || got.Contents[0].Parts[0].Text != req.Prompt {
		t.Errorf("contents = %+v, want one user turn carrying the prompt", got.Contents)
	}

	if resp.Content != `{"title":"Off by one"}` {
		t.Errorf("content = %q", resp.Content)
	}
	// Without a request ID the upstream response ID is used.
	if resp.ID != "resp-9" || resp.Model != req.Model {
		t.Errorf("id=%q model=%q", resp.ID, resp.Model)
	}
	if resp.Usage.InputTokens != 25 || resp.Usage.OutputTokens != 8 {
		t.Errorf("usage = %+v", resp.Usage)
	}
}

func TestBuildContentsAndConfig(t *testing.T) {
	req := reviewRequest()
	req.System = ""
	if _, cfg := buildContentsAndConfig(req); cfg != nil {
		t.Errorf("expected no config when nothing is tuned, got %+v", cfg)
	}

	req = reviewRequest()
	req.Temperature = 0.3
	req.MaxTokens = 512
	contents, cfg := buildContentsAndConfig(req)
	if len(contents) != 1 || contents[0].Role != "user" {
		t.Fatalf("contents = %+v", contents)
	}
	if cfg == nil || cfg.SystemInstruction == nil || cfg.SystemInstruction.Parts[0].Text != req.System {
		t.Fatalf("config should carry the system instruction, got %+v", cfg)
	}
	if cfg.Temperature == nil || *cfg.Temperature != float32(0.3) {
		t.Errorf("temperature = %v", cfg.Temperature)
	}
	if cfg.MaxOutputTokens != 512 {
		t.Errorf("max output tokens = %d", cfg.MaxOutputTokens)
	}
}

func TestProvider_UpstreamStatusIsSeenOnce(t *testing.T) {
	cases := []struct {
		status int
		reason string
		want   pipeline.Kind
	}{
		{http.StatusTooManyRequests, "RESOURCE_EXHAUSTED", pipeline.KindUnavailable},
		{http.StatusServiceUnavailable, "UNAVAILABLE", pipeline.KindUnavailable},
		{http.StatusInternalServerError, "INTERNAL", pipeline.KindUpstream},
	}

	for _, tc := range cases {
		t.Run(tc.reason, func(t *testing.T) {
			var hits atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				hits.Add(1)
				writeAPIError(w, tc.status, tc.reason)
			}))
			defer srv.Close()

			_, err := newTestProvider(t, srv).Complete(context.Background(), reviewRequest())
			if err == nil {
				t.Fatal("expected an error")
			}
			if n := hits.Load(); n != 1 {
				t.Errorf("upstream hit %d times, want 1", n)
			}

			var pe *ProviderError
			if !errors.As(err, &pe) {
				t.Fatalf("expected *ProviderError, got %T: %v", err, err)
			}
			if pe.HTTPStatus() != tc.status || pe.Type != tc.reason {
				t.Errorf("error = %+v, want status %d type %s", pe, tc.status, tc.reason)
			}
			if kind := pipeline.Classify(err).Kind; kind != tc.want {
				t.Errorf("Classify kind = %s, want %s", kind, tc.want)
			}
		})
	}
}

func TestProvider_StreamConcatenatesCandidates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, ":streamGenerateContent") || r.URL.Query().Get("alt") != "sse" {
			t.Errorf("unexpected stream request %s?%s", r.URL.Path, r.URL.RawQuery)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		writeSSE(w, `{"title":`, "")
		writeSSE(w, "", "")
		writeSSE(w, `"Off by one"}`, "")
		writeSSE(w, "", "STOP")
	}))
	defer srv.Close()

	req := reviewRequest()
	req.Stream = true
	resp, err := newTestProvider(t, srv).Complete(context.Background(), req)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}

	var sb strings.Builder
	var n int
	var finish string
	for c := range resp.Stream {
		if c.Err != nil {
			t.Fatalf("stream error: %v", c.Err)
		}
		n++
		sb.WriteString(c.Content)
		if c.FinishReason != "" {
			finish = c.FinishReason
		}
	}
	if sb.String() != `{"title":"Off by one"}` {
		t.Errorf("assembled %q", sb.String())
	}
	if n != 3 || finish != "STOP" {
		t.Errorf("got %d chunks finishing with %q, want 3 ending in STOP", n, finish)
	}
}

func TestProvider_StreamErrorIsLastChunk(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeAPIError(w, http.StatusServiceUnavailable, "UNAVAILABLE")
	}))
	defer srv.Close()

	req := reviewRequest()
	req.Stream = true
	resp, err := newTestProvider(t, srv).Complete(context.Background(), req)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}

	var last providers.StreamChunk
	for c := range resp.Stream {
		last = c
	}
	if last.Err == nil || last.FinishReason != "error" {
		t.Fatalf("last chunk = %+v, want an error chunk", last)
	}
	if kind := pipeline.Classify(last.Err).Kind; kind != pipeline.KindUnavailable {
		t.Errorf("Classify kind = %s, want %s", kind, pipeline.KindUnavailable)
	}
}

func TestProvider_StreamStopsOnCancel(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		writeSSE(w, `{"title"`, "")
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	req := reviewRequest()
	req.Stream = true
	resp, err := newTestProvider(t, srv).Complete(ctx, req)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}

	if first, ok := <-resp.Stream; !ok || first.Content != `{"title"` {
		t.Fatalf("first chunk = %+v (open=%v)", first, ok)
	}
	cancel()

	deadline := time.After(5 * time.Second)
	for {
		select {
		case _, ok := <-resp.Stream:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("stream still open after cancellation")
		}
	}
}

func TestSplitBaseURLAndVersion(t *testing.T) {
	cases := []struct {
		in, base, ver string
	}{
		{"https://generativelanguage.googleapis.com/v1beta", "https://generativelanguage.googleapis.com/", "v1beta"},
		{"https://proxy.internal/gemini/v1", "https://proxy.internal/gemini/", "v1"},
		{"https://proxy.internal/gemini", "https://proxy.internal/gemini/", ""},
		{"https://proxy.internal", "https://proxy.internal/", ""},
	}
	for _, tc := range cases {
		base, ver := splitBaseURLAndVersion(tc.in)
		if base != tc.base || ver != tc.ver {
			t.Errorf("split(%q) = (%q, %q), want (%q, %q)", tc.in, base, ver, tc.base, tc.ver)
		}
	}
}
