// Package metrics provides a Prometheus metrics registry for the review
// service.
//
// All metrics are scoped to a private registry (not the global default) so
// they don't interfere with host-level metrics when embedded in other
// applications. The /metrics HTTP handler is exposed via Handler().
// A nil *Registry discards every observation.
package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

var durationBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60, 120}

// Registry holds all exported metrics.
type Registry struct {
	reg *prometheus.Registry

	// sommelier_inflight_requests
	inFlight prometheus.Gauge

	// sommelier_http_requests_total{route,status}
	httpRequestsTotal *prometheus.CounterVec

	// sommelier_http_request_duration_seconds{route}
	httpDuration *prometheus.HistogramVec

	// sommelier_http_request_size_bytes{route}
	httpReqSize *prometheus.HistogramVec

	// sommelier_upstream_calls_total{provider,outcome}
	upstreamCalls *prometheus.CounterVec

	// sommelier_upstream_duration_seconds{provider,outcome}
	upstreamDuration *prometheus.HistogramVec

	// sommelier_tokens_total{provider,direction}
	tokensTotal *prometheus.CounterVec

	// sommelier_ratelimit_total{result}
	rateLimitTotal *prometheus.CounterVec

	// sommelier_ratelimit_swept_total
	rateLimitSwept prometheus.Counter

	// sommelier_normalizations_total{endpoint,outcome}
	normalizations *prometheus.CounterVec

	// sommelier_stream_frames_total{endpoint,event}
	streamFrames *prometheus.CounterVec

	// sommelier_circuit_breaker_state{provider}: 0=closed, 1=open, 2=half-open
	breakerState *prometheus.GaugeVec

	// sommelier_circuit_breaker_transitions_total{provider,to_state}
	breakerTransitions *prometheus.CounterVec

	// sommelier_circuit_breaker_rejections_total{provider}
	breakerRejections *prometheus.CounterVec

	// sommelier_provider_health{provider}
	providerHealth *prometheus.GaugeVec

	// sommelier_log_records_dropped_total
	logDropped prometheus.Counter

	// sommelier_build_info{version}
	buildInfo *prometheus.GaugeVec

	cbMu        sync.Mutex
	lastCBState map[string]float64

	metricsHandler fasthttp.RequestHandler
}

func New() *Registry {
	reg := prometheus.NewRegistry()

	// Baseline runtime metrics even with a private registry.
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	r := &Registry{
		reg:         reg,
		lastCBState: make(map[string]float64),

		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sommelier_inflight_requests",
			Help: "Current number of in-flight HTTP requests",
		}),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sommelier_http_requests_total",
				Help: "Total number of HTTP requests by route and status",
			},
			[]string{"route", "status"},
		),

		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sommelier_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds (end-to-end, includes the model call)",
				Buckets: durationBuckets,
			},
			[]string{"route"},
		),

		httpReqSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sommelier_http_request_size_bytes",
				Help:    "HTTP request body size in bytes",
				Buckets: prometheus.ExponentialBuckets(256, 2, 12), // 256B .. ~512KB
			},
			[]string{"route"},
		),

		upstreamCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sommelier_upstream_calls_total",
				Help: "Completion provider calls by outcome",
			},
			[]string{"provider", "outcome"},
		),

		upstreamDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sommelier_upstream_duration_seconds",
				Help:    "Completion provider call duration in seconds",
				Buckets: durationBuckets,
			},
			[]string{"provider", "outcome"},
		),

		tokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sommelier_tokens_total",
				Help: "Token usage reported by the provider",
			},
			[]string{"provider", "direction"},
		),

		rateLimitTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sommelier_ratelimit_total",
				Help: "Rate limit decisions (allowed, denied, degraded)",
			},
			[]string{"result"},
		),

		rateLimitSwept: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sommelier_ratelimit_swept_total",
			Help: "Expired rate limit records removed by the sweeper",
		}),

		normalizations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sommelier_normalizations_total",
				Help: "Output normalization outcomes; successful outcomes are labelled by strategy",
			},
			[]string{"endpoint", "outcome"},
		),

		streamFrames: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sommelier_stream_frames_total",
				Help: "SSE frames written to clients",
			},
			[]string{"endpoint", "event"},
		),

		breakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "sommelier_circuit_breaker_state",
				Help: "Circuit breaker state (0=closed,1=open,2=half-open)",
			},
			[]string{"provider"},
		),

		breakerTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sommelier_circuit_breaker_transitions_total",
				Help: "Circuit breaker transitions to a new state",
			},
			[]string{"provider", "to_state"},
		),

		breakerRejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sommelier_circuit_breaker_rejections_total",
				Help: "Calls rejected while the circuit breaker was open",
			},
			[]string{"provider"},
		),

		providerHealth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "sommelier_provider_health",
				Help: "Provider health status (1=ok, 0=degraded)",
			},
			[]string{"provider"},
		),

		logDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sommelier_log_records_dropped_total",
			Help: "Review log records dropped because the buffer was full",
		}),

		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "sommelier_build_info",
				Help: "Build information",
			},
			[]string{"version"},
		),
	}

	reg.MustRegister(
		r.inFlight,
		r.httpRequestsTotal,
		r.httpDuration,
		r.httpReqSize,
		r.upstreamCalls,
		r.upstreamDuration,
		r.tokensTotal,
		r.rateLimitTotal,
		r.rateLimitSwept,
		r.normalizations,
		r.streamFrames,
		r.breakerState,
		r.breakerTransitions,
		r.breakerRejections,
		r.providerHealth,
		r.logDropped,
		r.buildInfo,
	)

	h := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	r.metricsHandler = fasthttpadaptor.NewFastHTTPHandler(h)

	return r
}

func (r *Registry) IncInFlight() {
	if r != nil {
		r.inFlight.Inc()
	}
}

func (r *Registry) DecInFlight() {
	if r != nil {
		r.inFlight.Dec()
	}
}

// ObserveHTTP records end-to-end HTTP metrics.
func (r *Registry) ObserveHTTP(route string, statusCode int, dur time.Duration, reqBytes int) {
	if r == nil {
		return
	}
	r.httpRequestsTotal.WithLabelValues(route, strconv.Itoa(statusCode)).Inc()
	r.httpDuration.WithLabelValues(route).Observe(dur.Seconds())
	if reqBytes >= 0 {
		r.httpReqSize.WithLabelValues(route).Observe(float64(reqBytes))
	}
}

// ObserveUpstream records one provider call. outcome is "ok", "error",
// "timeout" or "canceled".
func (r *Registry) ObserveUpstream(provider, outcome string, dur time.Duration) {
	if r == nil {
		return
	}
	r.upstreamCalls.WithLabelValues(provider, outcome).Inc()
	r.upstreamDuration.WithLabelValues(provider, outcome).Observe(dur.Seconds())
}

func (r *Registry) AddTokens(provider string, inputTokens, outputTokens int) {
	if r == nil {
		return
	}
	if inputTokens > 0 {
		r.tokensTotal.WithLabelValues(provider, "input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		r.tokensTotal.WithLabelValues(provider, "output").Add(float64(outputTokens))
	}
}

func (r *Registry) RecordRateLimit(result string) {
	if r != nil {
		r.rateLimitTotal.WithLabelValues(result).Inc()
	}
}

func (r *Registry) RecordSweep(removed int) {
	if r != nil && removed > 0 {
		r.rateLimitSwept.Add(float64(removed))
	}
}

// RecordNormalization counts one normalizer run. outcome is the winning
// strategy name on success, otherwise "failed".
func (r *Registry) RecordNormalization(endpoint, outcome string) {
	if r != nil {
		r.normalizations.WithLabelValues(endpoint, outcome).Inc()
	}
}

func (r *Registry) RecordStreamFrame(endpoint, event string) {
	if r != nil {
		r.streamFrames.WithLabelValues(endpoint, event).Inc()
	}
}

func (r *Registry) SetProviderHealth(provider string, ok bool) {
	if r == nil {
		return
	}
	if ok {
		r.providerHealth.WithLabelValues(provider).Set(1)
		return
	}
	r.providerHealth.WithLabelValues(provider).Set(0)
}

func (r *Registry) RecordLogDropped() {
	if r != nil {
		r.logDropped.Inc()
	}
}

func (r *Registry) SetBuildInfo(version string) {
	if r == nil {
		return
	}
	// Gauge is used so the time series always exists.
	r.buildInfo.WithLabelValues(version).Set(1)
}

// SetCircuitBreaker sets the circuit breaker state gauge and increments a
// transition counter when the state changes.
func (r *Registry) SetCircuitBreaker(provider string, state int64) {
	if r == nil {
		return
	}
	r.breakerState.WithLabelValues(provider).Set(float64(state))

	r.cbMu.Lock()
	prev, ok := r.lastCBState[provider]
	if !ok || prev != float64(state) {
		r.lastCBState[provider] = float64(state)
		r.breakerTransitions.WithLabelValues(provider, strconv.FormatInt(state, 10)).Inc()
	}
	r.cbMu.Unlock()
}

func (r *Registry) RecordCircuitBreakerRejection(provider string) {
	if r != nil {
		r.breakerRejections.WithLabelValues(provider).Inc()
	}
}

func (r *Registry) Handler() fasthttp.RequestHandler {
	return r.metricsHandler
}

func (r *Registry) PromRegistry() *prometheus.Registry { return r.reg }
