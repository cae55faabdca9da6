// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initInfra     external connections (Redis when RATE_LIMIT_STORE=redis)
//  2. initProvider  the completion provider client
//  3. initServices  metrics, personas, invoker, pipeline, limiter, logger
//  4. initServer    HTTP server, health checker and the sweep schedule
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/nulpointcorp/sommelier/internal/config"
	"github.com/nulpointcorp/sommelier/internal/invoker"
	"github.com/nulpointcorp/sommelier/internal/logger"
	"github.com/nulpointcorp/sommelier/internal/metrics"
	"github.com/nulpointcorp/sommelier/internal/pipeline"
	"github.com/nulpointcorp/sommelier/internal/providers"
	anthropicprov "github.com/nulpointcorp/sommelier/internal/providers/anthropic"
	geminiprov "github.com/nulpointcorp/sommelier/internal/providers/gemini"
	openaiprov "github.com/nulpointcorp/sommelier/internal/providers/openai"
	"github.com/nulpointcorp/sommelier/internal/ratelimit"
	"github.com/nulpointcorp/sommelier/internal/review"
	"github.com/nulpointcorp/sommelier/internal/server"
)

const shutdownTimeout = 10 * time.Second

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	cfg     *config.Config
	baseCtx context.Context
	log     *slog.Logger

	// Optional external connections, nil when not configured.
	rdb *redis.Client

	prom      *metrics.Registry
	reqLogger *logger.Logger
	store     ratelimit.Store
	limiter   *ratelimit.Limiter
	provider  providers.Provider
	inv       *invoker.Invoker
	pipe      *pipeline.Service
	health    *server.HealthChecker
	srv       *server.Server
	sched     *cron.Cron
}

// New initialises all subsystems and returns a ready-to-run App.
// All resources allocated here are released by Close.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, version string) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}

	a := &App{cfg: cfg, version: version, baseCtx: ctx, log: log}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"infra", a.initInfra},
		{"provider", a.initProvider},
		{"services", a.initServices},
		{"server", a.initServer},
	}

	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}

	return a, nil
}

// Run listens on the configured port and blocks until ctx is cancelled or
// the server fails.
func (a *App) Run(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", a.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("app: listen %s: %w", addr, err)
	}
	return a.Serve(ctx, ln)
}

// Serve runs the HTTP server on ln alongside the sweep schedule. When ctx
// ends the server drains open requests and the app closes.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	a.log.Info("starting sommelier",
		slog.String("version", a.version),
		slog.String("addr", ln.Addr().String()),
		slog.String("provider", a.inv.ProviderName()),
		slog.String("model", a.inv.Model()),
		slog.String("rate_limit_store", a.cfg.RateLimit.Store),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := a.srv.Serve(ln); err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		a.sched.Start()
		<-gctx.Done()
		<-a.sched.Stop().Done()
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		a.log.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := a.srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
			a.log.Error("http shutdown error", slog.String("error", err.Error()))
		}
		a.Close()
		return nil
	})

	return g.Wait()
}

// Close releases all resources in reverse-init order. Safe to call multiple
// times.
func (a *App) Close() {
	if a.health != nil {
		a.health.Close()
	}
	if a.reqLogger != nil {
		if err := a.reqLogger.Close(); err != nil {
			a.log.Error("logger close error", slog.String("error", err.Error()))
		}
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
			a.log.Error("redis close error", slog.String("error", err.Error()))
		}
		a.rdb = nil
	}
}

// Server returns the HTTP server.
func (a *App) Server() *server.Server { return a.srv }

// sweep evicts expired in-memory rate records. Stores that expire keys
// themselves are skipped.
func (a *App) sweep() {
	sw, ok := a.store.(ratelimit.Sweeper)
	if !ok {
		return
	}
	n := sw.Sweep(time.Now())
	a.prom.RecordSweep(n)
	if n > 0 {
		a.log.Debug("rate limit sweep", slog.Int("removed", n))
	}
}

// ── Private helpers ──────────────────────────────────────────────────────────

// connectRedis parses the URL and verifies connectivity with a PING.
// Callers decide whether an error is fatal.
func connectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}

	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return rdb, nil
}

// buildProvider creates the selected provider client. It returns nil when
// the provider has no credential; the service then answers 503.
func buildProvider(ctx context.Context, cfg config.ProviderConfig) (providers.Provider, error) {
	if cfg.APIKey == "" {
		return nil, nil
	}

	switch cfg.Name {
	case "openai":
		var opts []openaiprov.Option
		if cfg.BaseURL != "" {
			opts = append(opts, openaiprov.WithBaseURL(cfg.BaseURL))
		}
		return openaiprov.New(cfg.APIKey, opts...), nil
	case "anthropic":
		var opts []anthropicprov.Option
		if cfg.BaseURL != "" {
			opts = append(opts, anthropicprov.WithBaseURL(cfg.BaseURL))
		}
		return anthropicprov.New(cfg.APIKey, opts...), nil
	case "gemini":
		var opts []geminiprov.Option
		if cfg.BaseURL != "" {
			opts = append(opts, geminiprov.WithBaseURL(cfg.BaseURL))
		}
		p, err := geminiprov.New(ctx, cfg.APIKey, opts...)
		if err != nil {
			return nil, err
		}
		return p, nil
	}
	return nil, fmt.Errorf("unknown provider %q", cfg.Name)
}

// redactURL replaces the userinfo portion of a URL with "***" for safe logging.
// e.g. "redis://:secret@localhost:6379" → "redis://***@localhost:6379"
func redactURL(raw string) string {
	for i, c := range raw {
		if c == '@' {
			for j := i - 1; j >= 0; j-- {
				if j+2 < len(raw) && raw[j:j+3] == "://" {
					return raw[:j+3] + "***" + raw[i:]
				}
			}
			return "***" + raw[i:]
		}
	}
	return raw
}

// profiles loads persona instructions, honouring PERSONAS_FILE.
func profiles(cfg *config.Config) (*review.Profiles, error) {
	p, err := review.LoadProfiles(cfg.Input.PersonasFile)
	if err != nil {
		return nil, fmt.Errorf("personas: %w", err)
	}
	return p, nil
}
