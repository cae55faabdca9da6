package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"

	"github.com/nulpointcorp/sommelier/internal/invoker"
	"github.com/nulpointcorp/sommelier/internal/logger"
	"github.com/nulpointcorp/sommelier/internal/metrics"
	"github.com/nulpointcorp/sommelier/internal/pipeline"
	"github.com/nulpointcorp/sommelier/internal/ratelimit"
	"github.com/nulpointcorp/sommelier/internal/review"
	"github.com/nulpointcorp/sommelier/internal/server"
)

// initInfra establishes optional external connections.
// Redis is only required when RATE_LIMIT_STORE=redis.
func (a *App) initInfra(ctx context.Context) error {
	if a.cfg.RateLimit.Store != "redis" {
		return nil
	}

	a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Redis.URL)))

	rdb, err := connectRedis(ctx, a.cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	a.rdb = rdb
	a.log.Info("redis connected")

	return nil
}

// initProvider builds the completion provider. A missing key is reported
// loudly but does not stop startup: requests then fail with 503.
func (a *App) initProvider(_ context.Context) error {
	p, err := buildProvider(a.baseCtx, a.cfg.Provider)
	if err != nil {
		return fmt.Errorf("%s: %w", a.cfg.Provider.Name, err)
	}
	a.provider = p

	if p == nil {
		a.log.Warn("no API key for the selected provider; review requests will answer 503",
			slog.String("provider", a.cfg.Provider.Name),
		)
		return nil
	}
	a.log.Info("provider loaded", slog.String("provider", p.Name()))
	return nil
}

// initServices creates the metrics registry, the model invoker, the
// pipeline, the rate limiter and the request logger.
func (a *App) initServices(ctx context.Context) error {
	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	prof, err := profiles(a.cfg)
	if err != nil {
		return err
	}
	if err := review.CheckSchemas(); err != nil {
		return fmt.Errorf("response schemas: %w", err)
	}

	builder := review.NewBuilder(prof,
		review.WithMaxDiffChars(a.cfg.Input.MaxDiffChars),
		review.WithRedaction(a.cfg.Input.RedactSecrets),
	)

	a.inv = invoker.New(a.provider, invoker.Config{
		Model:        a.cfg.Provider.Model,
		MaxTokens:    a.cfg.Provider.MaxTokens,
		Temperature:  a.cfg.Provider.Temperature,
		Timeout:      a.cfg.Provider.Timeout,
		IdleTimeout:  a.cfg.Stream.IdleTimeout,
		TotalTimeout: a.cfg.Stream.TotalTimeout,
	},
		invoker.WithBreaker(invoker.NewBreaker(a.cfg.CircuitBreaker.Threshold, a.cfg.CircuitBreaker.Cooldown)),
		invoker.WithMetrics(a.prom),
		invoker.WithLogger(a.log),
	)

	a.pipe = pipeline.New(builder, a.inv,
		pipeline.WithMetrics(a.prom),
		pipeline.WithLogger(a.log),
	)

	switch a.cfg.RateLimit.Store {
	case "redis":
		a.store = ratelimit.NewRedisStore(a.rdb)
	default:
		a.store = ratelimit.NewMemoryStore()
	}
	a.limiter = ratelimit.New(a.store, a.cfg.RateLimit.Max, a.cfg.RateLimit.Window,
		ratelimit.WithLogger(a.log),
	)
	a.log.Info("rate limiting enabled",
		slog.String("store", a.cfg.RateLimit.Store),
		slog.Int("max", a.cfg.RateLimit.Max),
		slog.Duration("window", a.cfg.RateLimit.Window),
	)

	a.reqLogger, err = logger.New(ctx, a.log, logger.WithDropHook(a.prom.RecordLogDropped))
	if err != nil {
		return fmt.Errorf("request logger: %w", err)
	}

	return nil
}

// initServer builds the HTTP server, the health checker and the sweep
// schedule.
func (a *App) initServer(_ context.Context) error {
	a.health = server.NewHealthChecker(a.baseCtx, a.inv, a.store, a.prom, 0)

	a.srv = server.New(a.baseCtx, a.pipe, a.limiter, server.Options{
		Logger:       a.log,
		Metrics:      a.prom,
		RequestLog:   a.reqLogger,
		Health:       a.health,
		MaxBodyBytes: a.cfg.Input.MaxBodyBytes,
		TrustProxy:   a.cfg.TrustProxy,
		CORSOrigins:  a.cfg.CORSOrigins,
		Development:  a.cfg.Development(),
		Provider:     a.inv.ProviderName(),
		Model:        a.inv.Model(),
	})

	a.sched = cron.New(cron.WithChain(cron.Recover(cron.DefaultLogger)))
	if _, err := a.sched.AddFunc("@every "+a.cfg.RateLimit.Sweep.String(), a.sweep); err != nil {
		return fmt.Errorf("sweep schedule: %w", err)
	}

	return nil
}
