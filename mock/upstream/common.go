package main

import (
	"bytes"
	"encoding/json"
	"io"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"
)

var (
	titles = []string{
		"A bold blend of nested loops",
		"Notes of copy-paste with a long finish",
		"Corked by a global variable",
		"Surprisingly drinkable error handling",
	}
	diagnoses = []string{
		"The loop re-reads the whole slice on every iteration, so the cost grows quadratically with input size.",
		"Errors are swallowed and the caller has no way to tell a failed write from an empty one.",
		"Shared state is mutated from several goroutines without synchronisation.",
	}
	fixes = []string{
		"Build an index once before the loop and look entries up in constant time.",
		"Return the error and wrap it with the operation name at each layer.",
		"Guard the map with a mutex or hand ownership to a single goroutine.",
	}
	levels = []string{"Mild", "Spicy", "Inferno"}

	prTitles = []string{
		"Add request timeouts to the model client",
		"Fix double close in the stream reader",
		"Refactor rate limiter storage behind an interface",
	}
	changeTypes = []string{"feature", "fix", "refactor", "perf", "test", "chore"}
)

func pick(pool []string) string {
	return pool[rand.IntN(len(pool))]
}

// tastingNote returns a compact JSON review verdict.
func tastingNote() string {
	return mustJSON(map[string]any{
		"title":          pick(titles),
		"diagnosis":      pick(diagnoses),
		"fix":            pick(fixes),
		"refactoredCode": "func lookup(index map[string]Item, key string) (Item, bool) {\n\titem, ok := index[key]\n\treturn item, ok\n}",
		"language":       "go",
		"level":          pick(levels),
		"score":          rand.IntN(101),
	})
}

// prDescription returns a compact JSON pull request description.
func prDescription() string {
	return mustJSON(map[string]any{
		"title":   pick(prTitles),
		"summary": "Tightens the request path so slow upstreams no longer hold connections open indefinitely.",
		"type":    pick(changeTypes),
		"changes": []string{
			"Thread the request context through the client",
			"Add a per-call deadline derived from configuration",
			"Cover the timeout path with a test",
		},
		"impact":  "Callers see a prompt error instead of a hung request when the upstream stalls.",
		"testing": "Unit tests with a stalled fake upstream; manual run against the local mock.",
	})
}

// verdictFor picks the verdict shape from the request body. Narration
// prompts describe a "changes" field; every other prompt is a review.
func verdictFor(body []byte) string {
	if bytes.Contains(body, []byte(`\"changes\"`)) {
		return prDescription()
	}
	return tastingNote()
}

// chunks splits s into pieces of at most n runes.
func chunks(s string, n int) []string {
	r := []rune(s)
	out := make([]string, 0, len(r)/n+1)
	for len(r) > 0 {
		k := min(n, len(r))
		out = append(out, string(r[:k]))
		r = r[k:]
	}
	return out
}

func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return string(b)
}

// readBody drains the request body; mock requests are small.
func readBody(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	return io.ReadAll(io.LimitReader(r.Body, 4<<20))
}

// applyLatency sleeps for the configured latency.
func applyLatency(cfg Config) {
	if cfg.LatencyMS > 0 {
		time.Sleep(time.Duration(cfg.LatencyMS) * time.Millisecond)
	}
}

// shouldError returns true if this request should simulate an error.
func shouldError(cfg Config) bool {
	if cfg.ErrorRate <= 0 {
		return false
	}
	return rand.Float64() < cfg.ErrorRate
}

// writeJSON writes v as JSON with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func startSSE(w http.ResponseWriter) http.Flusher {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	return flusher
}

// writeError writes the OpenAI-style error envelope.
func writeError(w http.ResponseWriter, status int, msg, typ string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]string{
			"message": msg,
			"type":    typ,
			"code":    strings.ToLower(strings.ReplaceAll(typ, " ", "_")),
		},
	})
}
