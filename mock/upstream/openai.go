package main

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"
)

// newOpenAIHandler returns an http.Handler that simulates the OpenAI chat
// completions API. Paths are matched by suffix so any base path works.
func newOpenAIHandler(cfg Config) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/chat/completions"):
			handleOpenAIChat(w, r, cfg)
		case strings.HasSuffix(r.URL.Path, "/models"):
			writeJSON(w, http.StatusOK, map[string]any{
				"object": "list",
				"data": []map[string]any{
					{"id": "gpt-4o-mini", "object": "model", "created": 1710000000, "owned_by": "openai"},
				},
			})
		default:
			writeError(w, http.StatusNotFound, fmt.Sprintf("mock: unknown path %s", r.URL.Path), "not_found")
		}
	})
}

func handleOpenAIChat(w http.ResponseWriter, r *http.Request, cfg Config) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", "method_not_allowed")
		return
	}
	applyLatency(cfg)
	if shouldError(cfg) {
		writeError(w, http.StatusInternalServerError, "mock internal server error", "server_error")
		return
	}

	body, err := readBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable request body", "invalid_request")
		return
	}
	var req struct {
		Model  string `json:"model"`
		Stream bool   `json:"stream"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", "invalid_request")
		return
	}

	model := req.Model
	if model == "" {
		model = "gpt-4o-mini"
	}
	id := fmt.Sprintf("chatcmpl-mock%x", rand.Int64())
	content := verdictFor(body)

	if req.Stream {
		serveOpenAIStream(w, id, model, chunks(content, cfg.ChunkChars))
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"id":      id,
		"object":  "chat.completion",
		"created": time.Now().Unix(),
		"model":   model,
		"choices": []map[string]any{
			{
				"index": 0,
				"message": map[string]string{
					"role":    "assistant",
					"content": content,
				},
				"finish_reason": "stop",
			},
		},
		"usage": map[string]int{
			"prompt_tokens":     len(body) / 4,
			"completion_tokens": len(content) / 4,
			"total_tokens":      (len(body) + len(content)) / 4,
		},
	})
}

// serveOpenAIStream writes an SSE stream of chat completion chunks.
func serveOpenAIStream(w http.ResponseWriter, id, model string, parts []string) {
	flusher := startSSE(w)

	send := func(delta map[string]string, finish any) {
		data, _ := json.Marshal(map[string]any{
			"id":      id,
			"object":  "chat.completion.chunk",
			"created": time.Now().Unix(),
			"model":   model,
			"choices": []map[string]any{
				{"index": 0, "delta": delta, "finish_reason": finish},
			},
		})
		fmt.Fprintf(w, "data: %s\n\n", data)
		if flusher != nil {
			flusher.Flush()
		}
	}

	for _, p := range parts {
		send(map[string]string{"content": p}, nil)
	}
	send(map[string]string{}, "stop")

	fmt.Fprint(w, "data: [DONE]\n\n")
	if flusher != nil {
		flusher.Flush()
	}
}
