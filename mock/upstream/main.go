// Command upstream runs lightweight HTTP mock servers that stand in for the
// hosted model APIs. Every completion is a schema-valid tasting note or PR
// description, so the whole review pipeline can run locally without
// credentials.
//
// Each provider listens on its own port:
//
//	OpenAI     :19001  (LLM_BASE_URL=http://localhost:19001/v1)
//	Anthropic  :19002  (LLM_BASE_URL=http://localhost:19002)
//	Gemini     :19003  (LLM_BASE_URL=http://localhost:19003/v1beta)
//
// Environment overrides: PORT_OPENAI, PORT_ANTHROPIC, PORT_GEMINI.
//
// Behaviour flags (via env):
//
//	MOCK_LATENCY_MS   artificial latency added to every response (default 0)
//	MOCK_ERROR_RATE   fraction [0,1] of requests that fail with HTTP 500 (default 0)
//	MOCK_CHUNK_CHARS  characters per streamed delta (default 16)
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"
)

// Config holds runtime configuration shared across all mock servers.
type Config struct {
	LatencyMS  int
	ErrorRate  float64
	ChunkChars int
}

func loadConfig() Config {
	c := Config{ChunkChars: 16}

	if v := os.Getenv("MOCK_LATENCY_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.LatencyMS = n
		}
	}
	if v := os.Getenv("MOCK_ERROR_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 && f <= 1 {
			c.ErrorRate = f
		}
	}
	if v := os.Getenv("MOCK_CHUNK_CHARS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.ChunkChars = n
		}
	}
	return c
}

func portFromEnv(key string, defaultPort int) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return strconv.Itoa(defaultPort)
}

func startServer(name, addr string, h http.Handler, log *slog.Logger) *http.Server {
	srv := &http.Server{
		Addr:         addr,
		Handler:      h,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	go func() {
		log.Info("mock upstream listening", slog.String("provider", name), slog.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", slog.String("provider", name), slog.String("error", err.Error()))
		}
	}()
	return srv
}

func main() {
	log := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	cfg := loadConfig()

	log.Info("starting mock upstreams",
		slog.Int("latency_ms", cfg.LatencyMS),
		slog.Float64("error_rate", cfg.ErrorRate),
		slog.Int("chunk_chars", cfg.ChunkChars),
	)

	servers := []*http.Server{
		startServer("openai", ":"+portFromEnv("PORT_OPENAI", 19001), newOpenAIHandler(cfg), log),
		startServer("anthropic", ":"+portFromEnv("PORT_ANTHROPIC", 19002), newAnthropicHandler(cfg), log),
		startServer("gemini", ":"+portFromEnv("PORT_GEMINI", 19003), newGeminiHandler(cfg), log),
	}

	fmt.Println("READY")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down mock upstreams")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	for _, srv := range servers {
		wg.Add(1)
		go func(s *http.Server) {
			defer wg.Done()
			_ = s.Shutdown(ctx)
		}(srv)
	}
	wg.Wait()
	log.Info("mock upstreams stopped")
}
