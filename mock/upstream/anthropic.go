package main

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"
)

// newAnthropicHandler returns an http.Handler that simulates the Anthropic
// messages API.
func newAnthropicHandler(cfg Config) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/messages"):
			handleAnthropicMessages(w, r, cfg)
		case strings.HasSuffix(r.URL.Path, "/models"):
			writeJSON(w, http.StatusOK, map[string]any{
				"data": []map[string]any{
					{"id": "claude-sonnet-4-5", "type": "model", "display_name": "Claude Sonnet 4.5", "created_at": time.Now().UTC().Format(time.RFC3339)},
				},
				"has_more": false,
				"first_id": "claude-sonnet-4-5",
				"last_id":  "claude-sonnet-4-5",
			})
		default:
			writeAnthropicError(w, http.StatusNotFound, fmt.Sprintf("mock: unknown path %s", r.URL.Path), "not_found_error")
		}
	})
}

func handleAnthropicMessages(w http.ResponseWriter, r *http.Request, cfg Config) {
	if r.Method != http.MethodPost {
		writeAnthropicError(w, http.StatusMethodNotAllowed, "method not allowed", "invalid_request_error")
		return
	}
	applyLatency(cfg)
	if shouldError(cfg) {
		writeAnthropicError(w, http.StatusInternalServerError, "mock internal error", "api_error")
		return
	}

	body, err := readBody(r)
	if err != nil {
		writeAnthropicError(w, http.StatusBadRequest, "unreadable request body", "invalid_request_error")
		return
	}
	var req struct {
		Model  string `json:"model"`
		Stream bool   `json:"stream"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		writeAnthropicError(w, http.StatusBadRequest, "invalid request body", "invalid_request_error")
		return
	}

	model := req.Model
	if model == "" {
		model = "claude-sonnet-4-5"
	}
	id := fmt.Sprintf("msg_%x", rand.Int64())
	content := verdictFor(body)
	inTokens, outTokens := len(body)/4, len(content)/4

	if req.Stream {
		serveAnthropicStream(w, id, model, chunks(content, cfg.ChunkChars), inTokens, outTokens)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"id":            id,
		"type":          "message",
		"role":          "assistant",
		"model":         model,
		"stop_reason":   "end_turn",
		"stop_sequence": nil,
		"content": []map[string]string{
			{"type": "text", "text": content},
		},
		"usage": map[string]int{
			"input_tokens":  inTokens,
			"output_tokens": outTokens,
		},
	})
}

func writeAnthropicError(w http.ResponseWriter, status int, msg, typ string) {
	writeJSON(w, status, map[string]any{
		"type": "error",
		"error": map[string]string{
			"type":    typ,
			"message": msg,
		},
	})
}

// serveAnthropicStream writes SSE events in the Anthropic streaming format.
func serveAnthropicStream(w http.ResponseWriter, id, model string, parts []string, inTokens, outTokens int) {
	flusher := startSSE(w)

	send := func(eventType string, data any) {
		b, _ := json.Marshal(data)
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", eventType, b)
		if flusher != nil {
			flusher.Flush()
		}
	}

	send("message_start", map[string]any{
		"type": "message_start",
		"message": map[string]any{
			"id":            id,
			"type":          "message",
			"role":          "assistant",
			"model":         model,
			"content":       []any{},
			"stop_reason":   nil,
			"stop_sequence": nil,
			"usage": map[string]int{
				"input_tokens":  inTokens,
				"output_tokens": 0,
			},
		},
	})
	send("content_block_start", map[string]any{
		"type":          "content_block_start",
		"index":         0,
		"content_block": map[string]string{"type": "text", "text": ""},
	})
	send("ping", map[string]string{"type": "ping"})

	for _, p := range parts {
		send("content_block_delta", map[string]any{
			"type":  "content_block_delta",
			"index": 0,
			"delta": map[string]string{"type": "text_delta", "text": p},
		})
	}

	send("content_block_stop", map[string]any{"type": "content_block_stop", "index": 0})
	send("message_delta", map[string]any{
		"type":  "message_delta",
		"delta": map[string]any{"stop_reason": "end_turn", "stop_sequence": nil},
		"usage": map[string]int{"output_tokens": outTokens},
	})
	send("message_stop", map[string]string{"type": "message_stop"})
}
