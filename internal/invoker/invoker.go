// Package invoker calls the configured completion provider under a timeout
// budget and a circuit breaker.
//
// Blocking calls race the provider against Config.Timeout. Streaming calls
// relay provider chunks through a channel owned by the invoker; the relay
// enforces an idle timeout between chunks and a total timeout for the whole
// stream, and cancels the upstream call as soon as it stops reading.
package invoker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nulpointcorp/sommelier/internal/metrics"
	"github.com/nulpointcorp/sommelier/internal/providers"
	"github.com/nulpointcorp/sommelier/internal/review"
)

var (
	// ErrUnavailable means no provider can take the call: none is
	// configured or the circuit breaker is open. No network I/O happened.
	ErrUnavailable = errors.New("invoker: completion provider unavailable")

	// ErrTimeout means the provider did not answer within the budget.
	ErrTimeout = errors.New("invoker: completion provider timed out")
)

const (
	DefaultIdleTimeout  = 20 * time.Second
	DefaultTotalTimeout = 120 * time.Second
)

// Config carries the per-call generation settings and time budgets.
type Config struct {
	Model        string
	MaxTokens    int
	Temperature  float64
	Timeout      time.Duration
	IdleTimeout  time.Duration
	TotalTimeout time.Duration
}

// Output is the text of a blocking completion.
type Output struct {
	ID      string
	Model   string
	Content string
	Usage   providers.Usage
}

type Option func(*Invoker)

func WithBreaker(b *Breaker) Option {
	return func(inv *Invoker) { inv.breaker = b }
}

func WithMetrics(m *metrics.Registry) Option {
	return func(inv *Invoker) { inv.metrics = m }
}

func WithLogger(log *slog.Logger) Option {
	return func(inv *Invoker) { inv.log = log }
}

// Invoker wraps a single provider. A nil provider yields an Invoker whose
// every call fails with ErrUnavailable.
type Invoker struct {
	provider providers.Provider
	cfg      Config
	breaker  *Breaker
	metrics  *metrics.Registry
	log      *slog.Logger
}

func New(p providers.Provider, cfg Config, opts ...Option) *Invoker {
	if cfg.Timeout <= 0 {
		cfg.Timeout = providers.ProviderTimeout
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.TotalTimeout <= 0 {
		cfg.TotalTimeout = DefaultTotalTimeout
	}
	if cfg.Model == "" && p != nil {
		cfg.Model = providers.DefaultModels[p.Name()]
	}

	inv := &Invoker{
		provider: p,
		cfg:      cfg,
		breaker:  NewBreaker(0, 0),
		log:      slog.Default(),
	}
	for _, o := range opts {
		o(inv)
	}
	return inv
}

// Available reports whether a provider is configured.
func (inv *Invoker) Available() bool { return inv.provider != nil }

// ProviderName returns the configured provider name or "none".
func (inv *Invoker) ProviderName() string {
	if inv.provider == nil {
		return "none"
	}
	return inv.provider.Name()
}

func (inv *Invoker) Model() string { return inv.cfg.Model }

func (inv *Invoker) BreakerState() BreakerState { return inv.breaker.State() }

func (inv *Invoker) HealthCheck(ctx context.Context) error {
	if inv.provider == nil {
		return ErrUnavailable
	}
	return inv.provider.HealthCheck(ctx)
}

// Complete issues one blocking completion raced against Config.Timeout.
func (inv *Invoker) Complete(ctx context.Context, prompt review.Prompt) (*Output, error) {
	if err := inv.admit(); err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, inv.cfg.Timeout)
	defer cancel()

	type result struct {
		resp *providers.CompletionResponse
		err  error
	}
	done := make(chan result, 1)
	start := time.Now()

	go func() {
		resp, err := inv.provider.Complete(callCtx, inv.request(ctx, prompt, false))
		done <- result{resp, err}
	}()

	var res result
	select {
	case res = <-done:
	case <-callCtx.Done():
		res.err = callCtx.Err()
	}

	if res.err != nil {
		err := classify(ctx, callCtx, res.err)
		inv.finish(err, start)
		return nil, err
	}
	inv.finish(nil, start)

	resp := res.resp
	inv.metrics.AddTokens(inv.provider.Name(), resp.Usage.InputTokens, resp.Usage.OutputTokens)

	model := resp.Model
	if model == "" {
		model = inv.cfg.Model
	}
	return &Output{ID: resp.ID, Model: model, Content: resp.Content, Usage: resp.Usage}, nil
}

// Stream starts a streaming completion. The returned channel is closed after
// the last chunk; a chunk with a non-nil Err is always last. Cancelling ctx
// stops the upstream call and closes the channel without a final chunk.
func (inv *Invoker) Stream(ctx context.Context, prompt review.Prompt) (<-chan providers.StreamChunk, error) {
	if err := inv.admit(); err != nil {
		return nil, err
	}

	streamCtx, cancel := context.WithTimeout(ctx, inv.cfg.TotalTimeout)
	start := time.Now()

	resp, err := inv.provider.Complete(streamCtx, inv.request(ctx, prompt, true))
	if err != nil {
		cancel()
		err = classify(ctx, streamCtx, err)
		inv.finish(err, start)
		return nil, err
	}

	out := make(chan providers.StreamChunk)
	if resp.Stream == nil {
		go inv.replay(ctx, cancel, resp, out, start)
		return out, nil
	}

	go inv.relay(ctx, streamCtx, cancel, resp.Stream, out, start)
	return out, nil
}

// relay forwards upstream chunks to out in order until the upstream closes,
// fails, stalls or the caller goes away.
func (inv *Invoker) relay(
	parent, streamCtx context.Context,
	cancel context.CancelFunc,
	in <-chan providers.StreamChunk,
	out chan<- providers.StreamChunk,
	start time.Time,
) {
	defer close(out)
	defer cancel()

	idle := time.NewTimer(inv.cfg.IdleTimeout)
	defer idle.Stop()

	for {
		select {
		case c, ok := <-in:
			if !ok {
				if streamCtx.Err() != nil {
					inv.expire(parent, out, start)
					return
				}
				inv.finish(nil, start)
				return
			}
			if c.Err != nil {
				c.Err = classify(parent, streamCtx, c.Err)
				inv.finish(c.Err, start)
				providers.Emit(parent, out, c)
				return
			}
			if !providers.Emit(parent, out, c) {
				inv.finish(parent.Err(), start)
				return
			}
			idle.Reset(inv.cfg.IdleTimeout)

		case <-idle.C:
			err := fmt.Errorf("%w: no output for %s", ErrTimeout, inv.cfg.IdleTimeout)
			inv.finish(err, start)
			providers.Emit(parent, out, providers.StreamChunk{FinishReason: "error", Err: err})
			return

		case <-streamCtx.Done():
			inv.expire(parent, out, start)
			return
		}
	}
}

// expire ends a stream whose context is done. Only a total-timeout expiry
// is reported to the consumer; a departed caller gets nothing.
func (inv *Invoker) expire(parent context.Context, out chan<- providers.StreamChunk, start time.Time) {
	if parent.Err() != nil {
		inv.finish(parent.Err(), start)
		return
	}
	err := fmt.Errorf("%w: stream exceeded %s", ErrTimeout, inv.cfg.TotalTimeout)
	inv.finish(err, start)
	providers.Emit(parent, out, providers.StreamChunk{FinishReason: "error", Err: err})
}

// replay emits a blocking response as a single chunk for providers that
// answered a streaming request without a stream.
func (inv *Invoker) replay(
	parent context.Context,
	cancel context.CancelFunc,
	resp *providers.CompletionResponse,
	out chan<- providers.StreamChunk,
	start time.Time,
) {
	defer close(out)
	defer cancel()

	inv.finish(nil, start)
	providers.Emit(parent, out, providers.StreamChunk{Content: resp.Content, FinishReason: "stop"})
}

func (inv *Invoker) admit() error {
	if inv.provider == nil {
		return fmt.Errorf("%w: no provider credential configured", ErrUnavailable)
	}
	if !inv.breaker.Allow() {
		inv.metrics.RecordCircuitBreakerRejection(inv.provider.Name())
		return fmt.Errorf("%w: circuit breaker open", ErrUnavailable)
	}
	return nil
}

func (inv *Invoker) request(ctx context.Context, prompt review.Prompt, stream bool) *providers.CompletionRequest {
	return &providers.CompletionRequest{
		Model:       inv.cfg.Model,
		System:      prompt.System,
		Prompt:      prompt.User,
		Stream:      stream,
		Temperature: inv.cfg.Temperature,
		MaxTokens:   inv.cfg.MaxTokens,
		RequestID:   RequestID(ctx),
	}
}

// classify turns an expiry of the call budget into ErrTimeout. When the
// caller's own context is done its error is returned instead.
func classify(parent, call context.Context, err error) error {
	if parent.Err() != nil {
		return parent.Err()
	}
	if call.Err() != nil || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return err
}

// finish records the breaker outcome and upstream metrics for one call.
func (inv *Invoker) finish(err error, start time.Time) {
	outcome := "ok"
	switch {
	case err == nil:
		inv.breaker.RecordSuccess()
	case errors.Is(err, ErrTimeout):
		outcome = "timeout"
		inv.breaker.RecordFailure()
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		outcome = "canceled"
		inv.breaker.Release()
	default:
		outcome = "error"
		inv.breaker.RecordFailure()
	}

	name := inv.provider.Name()
	inv.metrics.ObserveUpstream(name, outcome, time.Since(start))
	inv.metrics.SetCircuitBreaker(name, int64(inv.breaker.State()))

	if err != nil && outcome != "canceled" {
		inv.log.Warn("completion provider call failed",
			slog.String("provider", name),
			slog.String("outcome", outcome),
			slog.Duration("elapsed", time.Since(start)),
			slog.String("error", err.Error()),
		)
	}
}

type requestIDKey struct{}

// WithRequestID attaches a request ID forwarded to the provider.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestID returns the request ID stored by WithRequestID.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}
