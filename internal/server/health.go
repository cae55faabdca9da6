package server

import (
	"context"
	"sync"
	"time"

	"github.com/nulpointcorp/sommelier/internal/invoker"
	"github.com/nulpointcorp/sommelier/internal/metrics"
	"github.com/nulpointcorp/sommelier/internal/ratelimit"
)

const (
	healthProbeInterval = 30 * time.Second
	healthProbeTimeout  = 5 * time.Second
)

// ProviderProbe is the part of the model invoker the health checker reads.
type ProviderProbe interface {
	Available() bool
	ProviderName() string
	Model() string
	BreakerState() invoker.BreakerState
	HealthCheck(ctx context.Context) error
}

// componentStatus holds the last known health result for one component.
type componentStatus struct {
	mu     sync.RWMutex
	status string // "ok" | "degraded" | "down" | "unconfigured"
}

func (s *componentStatus) set(v string) {
	s.mu.Lock()
	s.status = v
	s.mu.Unlock()
}

func (s *componentStatus) get() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.status == "" {
		return "unknown"
	}
	return s.status
}

// HealthChecker runs background probes and exposes the latest results.
type HealthChecker struct {
	provider ProviderProbe
	store    ratelimit.Store
	baseCtx  context.Context
	metrics  *metrics.Registry
	interval time.Duration

	providerStatus componentStatus
	storeStatus    componentStatus

	startTime time.Time
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewHealthChecker creates a HealthChecker and immediately starts background
// probes. A non-positive interval uses the 30s default.
func NewHealthChecker(
	ctx context.Context,
	provider ProviderProbe,
	store ratelimit.Store,
	met *metrics.Registry,
	interval time.Duration,
) *HealthChecker {
	if ctx == nil {
		panic("healthchecker: context must not be nil")
	}
	if interval <= 0 {
		interval = healthProbeInterval
	}
	hc := &HealthChecker{
		provider:  provider,
		store:     store,
		baseCtx:   ctx,
		metrics:   met,
		interval:  interval,
		startTime: time.Now(),
		done:      make(chan struct{}),
	}

	// Run first probe synchronously so health is not "unknown" immediately.
	hc.probe()

	hc.wg.Add(1)
	go hc.run()

	return hc
}

// ProviderHealth describes the configured completion provider.
type ProviderHealth struct {
	Name    string `json:"name"`
	Model   string `json:"model,omitempty"`
	Status  string `json:"status"`
	Breaker string `json:"breaker"`
}

// HealthSnapshot returns the current health state for all components.
type HealthSnapshot struct {
	Status        string         `json:"status"`
	UptimeSeconds int64          `json:"uptime_seconds"`
	Provider      ProviderHealth `json:"provider"`
	Store         string         `json:"rate_limit_store"`
}

// Snapshot builds a snapshot from the latest probe results.
func (hc *HealthChecker) Snapshot() HealthSnapshot {
	overall := "ok"

	prov := ProviderHealth{Name: "none", Status: hc.providerStatus.get(), Breaker: "closed"}
	if hc.provider != nil {
		prov.Name = hc.provider.ProviderName()
		prov.Model = hc.provider.Model()
		prov.Breaker = hc.provider.BreakerState().String()
	}
	if prov.Status != "ok" || prov.Breaker != invoker.BreakerClosed.String() {
		overall = "degraded"
	}

	store := hc.storeStatus.get()
	if store != "ok" {
		overall = "degraded"
	}

	return HealthSnapshot{
		Status:        overall,
		UptimeSeconds: int64(time.Since(hc.startTime).Seconds()),
		Provider:      prov,
		Store:         store,
	}
}

// ReadinessOK reports whether a provider is configured and the rate limit
// store answered the last probe (used by GET /readiness).
func (hc *HealthChecker) ReadinessOK() bool {
	return hc.provider != nil && hc.provider.Available() && hc.storeStatus.get() == "ok"
}

// Close stops the background probe goroutine. Safe to call more than once.
func (hc *HealthChecker) Close() {
	hc.closeOnce.Do(func() { close(hc.done) })
	hc.wg.Wait()
}

func (hc *HealthChecker) run() {
	defer hc.wg.Done()
	ticker := time.NewTicker(hc.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			hc.probe()
		case <-hc.done:
			return
		case <-hc.baseCtx.Done():
			return
		}
	}
}

func (hc *HealthChecker) probe() {
	ctx, cancel := context.WithTimeout(hc.baseCtx, healthProbeTimeout)
	defer cancel()

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if hc.provider == nil || !hc.provider.Available() {
			hc.providerStatus.set("unconfigured")
			return
		}
		name := hc.provider.ProviderName()
		if err := hc.provider.HealthCheck(ctx); err != nil {
			hc.providerStatus.set("degraded")
			hc.metrics.SetProviderHealth(name, false)
			return
		}
		hc.providerStatus.set("ok")
		hc.metrics.SetProviderHealth(name, true)
	}()

	// Store probe. A nil store means the limiter is not configured.
	wg.Add(1)
	go func() {
		defer wg.Done()
		if hc.store == nil {
			hc.storeStatus.set("ok")
			return
		}
		if err := hc.store.Ping(ctx); err != nil {
			hc.storeStatus.set("down")
			return
		}
		hc.storeStatus.set("ok")
	}()

	wg.Wait()
}
