package main

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"net/http"
	"strings"
)

// newGeminiHandler returns an http.Handler simulating the Gemini API as
// reached by google.golang.org/genai:
//
//	POST {base}/models/{model}:generateContent
//	POST {base}/models/{model}:streamGenerateContent?alt=sse
//	GET  {base}/models
func newGeminiHandler(cfg Config) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		switch {
		case strings.HasSuffix(path, ":generateContent"):
			handleGeminiGenerate(w, r, cfg, extractModel(path), false)
		case strings.HasSuffix(path, ":streamGenerateContent"):
			handleGeminiGenerate(w, r, cfg, extractModel(path), true)
		case strings.HasSuffix(path, "/models"):
			writeJSON(w, http.StatusOK, map[string]any{
				"models": []map[string]any{
					{"name": "models/gemini-2.5-flash", "displayName": "Gemini 2.5 Flash"},
				},
			})
		default:
			writeGeminiError(w, http.StatusNotFound, fmt.Sprintf("mock: unknown path %s", path))
		}
	})
}

func handleGeminiGenerate(w http.ResponseWriter, r *http.Request, cfg Config, model string, stream bool) {
	if r.Method != http.MethodPost {
		writeGeminiError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	applyLatency(cfg)
	if shouldError(cfg) {
		writeGeminiError(w, http.StatusInternalServerError, "mock internal error")
		return
	}

	body, err := readBody(r)
	if err != nil {
		writeGeminiError(w, http.StatusBadRequest, "unreadable request body")
		return
	}

	id := fmt.Sprintf("gemini-%x", rand.Int64())
	content := verdictFor(body)
	inTokens, outTokens := len(body)/4, len(content)/4

	response := func(text, finish string) map[string]any {
		candidate := map[string]any{
			"content": map[string]any{
				"role":  "model",
				"parts": []map[string]string{{"text": text}},
			},
			"index": 0,
		}
		if finish != "" {
			candidate["finishReason"] = finish
		}
		return map[string]any{
			"candidates": []any{candidate},
			"usageMetadata": map[string]int{
				"promptTokenCount":     inTokens,
				"candidatesTokenCount": outTokens,
				"totalTokenCount":      inTokens + outTokens,
			},
			"responseId":   id,
			"modelVersion": model,
		}
	}

	if !stream {
		writeJSON(w, http.StatusOK, response(content, "STOP"))
		return
	}

	flusher := startSSE(w)
	parts := chunks(content, cfg.ChunkChars)
	for i, p := range parts {
		finish := ""
		if i == len(parts)-1 {
			finish = "STOP"
		}
		b, _ := json.Marshal(response(p, finish))
		fmt.Fprintf(w, "data: %s\n\n", b)
		if flusher != nil {
			flusher.Flush()
		}
	}
}

func writeGeminiError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"code":    status,
			"message": msg,
			"status":  http.StatusText(status),
		},
	})
}

// extractModel pulls the model name out of a path like
// /v1beta/models/gemini-2.5-flash:generateContent.
func extractModel(path string) string {
	const marker = "/models/"
	if idx := strings.LastIndex(path, marker); idx >= 0 {
		rest := path[idx+len(marker):]
		if col := strings.Index(rest, ":"); col >= 0 {
			return rest[:col]
		}
		return rest
	}
	return "gemini-2.5-flash"
}
