package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	"github.com/nulpointcorp/sommelier/internal/invoker"
	"github.com/nulpointcorp/sommelier/internal/ratelimit"
)

type stubProbe struct {
	available bool
	err       error
	state     invoker.BreakerState
}

func (p *stubProbe) Available() bool                    { return p.available }
func (p *stubProbe) ProviderName() string               { return "openai" }
func (p *stubProbe) Model() string                      { return "gpt-4o-mini" }
func (p *stubProbe) BreakerState() invoker.BreakerState { return p.state }
func (p *stubProbe) HealthCheck(context.Context) error  { return p.err }

type downStore struct{ ratelimit.Store }

func (downStore) Ping(context.Context) error { return errors.New("connection refused") }

func TestNewHealthChecker_PanicsOnNilContext(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("expected panic for nil context")
		}
	}()
	NewHealthChecker(nil, nil, nil, nil, 0)
}

func TestHealthChecker_States(t *testing.T) {
	tests := []struct {
		name      string
		probe     *stubProbe
		store     ratelimit.Store
		status    string
		provider  string
		storeStat string
		ready     bool
	}{
		{
			name:  "all healthy",
			probe: &stubProbe{available: true}, store: ratelimit.NewMemoryStore(),
			status: "ok", provider: "ok", storeStat: "ok", ready: true,
		},
		{
			name:  "provider failing health check",
			probe: &stubProbe{available: true, err: errors.New("401")}, store: ratelimit.NewMemoryStore(),
			status: "degraded", provider: "degraded", storeStat: "ok", ready: true,
		},
		{
			name:  "no provider key",
			probe: &stubProbe{available: false}, store: ratelimit.NewMemoryStore(),
			status: "degraded", provider: "unconfigured", storeStat: "ok", ready: false,
		},
		{
			name:  "store down",
			probe: &stubProbe{available: true}, store: downStore{},
			status: "degraded", provider: "ok", storeStat: "down", ready: false,
		},
		{
			name:  "breaker open",
			probe: &stubProbe{available: true, state: invoker.BreakerOpen}, store: ratelimit.NewMemoryStore(),
			status: "degraded", provider: "ok", storeStat: "ok", ready: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hc := NewHealthChecker(context.Background(), tt.probe, tt.store, nil, 0)
			defer hc.Close()

			snap := hc.Snapshot()
			if snap.Status != tt.status {
				t.Errorf("status = %q, want %q", snap.Status, tt.status)
			}
			if snap.Provider.Status != tt.provider {
				t.Errorf("provider = %q, want %q", snap.Provider.Status, tt.provider)
			}
			if snap.Store != tt.storeStat {
				t.Errorf("store = %q, want %q", snap.Store, tt.storeStat)
			}
			if got := hc.ReadinessOK(); got != tt.ready {
				t.Errorf("ReadinessOK = %v, want %v", got, tt.ready)
			}
		})
	}
}

func TestHealthChecker_CloseIsIdempotent(t *testing.T) {
	hc := NewHealthChecker(context.Background(), &stubProbe{available: true}, nil, nil, 0)
	hc.Close()
	hc.Close()
}

func TestServer_HealthAndReadiness(t *testing.T) {
	hc := NewHealthChecker(context.Background(), &stubProbe{available: false}, ratelimit.NewMemoryStore(), nil, 0)
	defer hc.Close()

	c := serve(t, newTestServer(&fakeModel{}, 10, Options{Health: hc}))

	resp, err := c.Get("http://sommelier/health")
	if err != nil {
		t.Fatal(err)
	}
	var snap HealthSnapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health should always answer 200, got %d", resp.StatusCode)
	}
	if snap.Provider.Status != "unconfigured" || snap.Provider.Name != "openai" {
		t.Errorf("unexpected provider health %+v", snap.Provider)
	}

	resp, err = c.Get("http://sommelier/readiness")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("expected readiness 503 without a provider, got %d", resp.StatusCode)
	}
}
