// Package pipeline runs a validated request through prompt building, the
// model call and output normalization, in blocking or streaming form.
//
// Rate limiting and body validation happen in the HTTP layer before a
// request reaches the Service, so nothing here is charged twice. Every
// error leaving the package classifies through Classify.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nulpointcorp/sommelier/internal/invoker"
	"github.com/nulpointcorp/sommelier/internal/metrics"
	"github.com/nulpointcorp/sommelier/internal/normalize"
	"github.com/nulpointcorp/sommelier/internal/providers"
	"github.com/nulpointcorp/sommelier/internal/review"
)

// Endpoint labels used in logs and metrics.
const (
	EndpointReview  = "review"
	EndpointNarrate = "narrate"
)

// Model is the part of the invoker the pipeline depends on.
type Model interface {
	Complete(ctx context.Context, prompt review.Prompt) (*invoker.Output, error)
	Stream(ctx context.Context, prompt review.Prompt) (<-chan providers.StreamChunk, error)
}

// Result is a normalized model answer.
type Result struct {
	Object   *normalize.Object
	Strategy string
	Model    string
	Usage    providers.Usage
}

// EventType names an SSE frame.
type EventType string

const (
	EventPartial EventType = "partial"
	EventResult  EventType = "result"
	EventError   EventType = "error"
)

// Event is one frame of a streamed answer. Result and Error events are
// terminal; the channel is closed right after them.
type Event struct {
	Type   EventType
	Object *normalize.Object
	Err    *Error
}

type Option func(*Service)

// WithDiffResolver enables pull request URLs on narrate.
func WithDiffResolver(r review.DiffResolver) Option {
	return func(s *Service) { s.resolver = r }
}

func WithMetrics(m *metrics.Registry) Option {
	return func(s *Service) { s.metrics = m }
}

func WithLogger(log *slog.Logger) Option {
	return func(s *Service) { s.log = log }
}

type Service struct {
	builder  *review.Builder
	model    Model
	notes    *normalize.Normalizer
	prs      *normalize.Normalizer
	resolver review.DiffResolver
	metrics  *metrics.Registry
	log      *slog.Logger
}

func New(builder *review.Builder, model Model, opts ...Option) *Service {
	s := &Service{
		builder: builder,
		model:   model,
		notes:   normalize.New(review.TastingNote),
		prs:     normalize.New(review.PRDescription),
		log:     slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Review produces a tasting note for req.
func (s *Service) Review(ctx context.Context, req review.ReviewRequest) (*Result, error) {
	return s.complete(ctx, EndpointReview, s.builder.Review(req), s.notes)
}

// Narrate produces a PR description for req, resolving a pull request URL
// first when one is given.
func (s *Service) Narrate(ctx context.Context, req review.NarrateRequest) (*Result, error) {
	prompt, err := s.narratePrompt(ctx, req)
	if err != nil {
		return nil, Classify(err)
	}
	return s.complete(ctx, EndpointNarrate, prompt, s.prs)
}

// ReviewStream starts a streamed review. Errors returned directly happen
// before any frame and should be answered as plain JSON.
func (s *Service) ReviewStream(ctx context.Context, req review.ReviewRequest) (<-chan Event, error) {
	return s.stream(ctx, EndpointReview, s.builder.Review(req), s.notes)
}

// NarrateStream starts a streamed PR description.
func (s *Service) NarrateStream(ctx context.Context, req review.NarrateRequest) (<-chan Event, error) {
	prompt, err := s.narratePrompt(ctx, req)
	if err != nil {
		return nil, Classify(err)
	}
	return s.stream(ctx, EndpointNarrate, prompt, s.prs)
}

func (s *Service) narratePrompt(ctx context.Context, req review.NarrateRequest) (review.Prompt, error) {
	pr, ok := review.ParsePullRequestURL(req.Code)
	if !ok {
		return s.builder.Narrate(req, ""), nil
	}
	if s.resolver == nil {
		return review.Prompt{}, review.Invalid("code", "pull request URLs are not supported by this deployment")
	}

	diff, err := s.resolver.ResolveDiff(ctx, pr)
	if err != nil {
		if ctx.Err() != nil {
			return review.Prompt{}, ctx.Err()
		}
		return review.Prompt{}, &Error{
			Kind:    KindUpstream,
			Message: "could not fetch the diff of " + pr.String(),
			Err:     fmt.Errorf("resolve diff %s: %w", pr, err),
		}
	}
	if strings.TrimSpace(diff) == "" {
		return review.Prompt{}, review.Invalid("code", "pull request "+pr.String()+" has an empty diff")
	}
	return s.builder.Narrate(req, diff), nil
}

func (s *Service) complete(ctx context.Context, endpoint string, prompt review.Prompt, n *normalize.Normalizer) (*Result, error) {
	out, err := s.model.Complete(ctx, prompt)
	if err != nil {
		return nil, Classify(err)
	}

	res, perr := s.normalize(endpoint, n, out.Content)
	if perr != nil {
		return nil, perr
	}
	return &Result{Object: res.Object, Strategy: res.Strategy, Model: out.Model, Usage: out.Usage}, nil
}

func (s *Service) normalize(endpoint string, n *normalize.Normalizer, raw string) (*normalize.Result, *Error) {
	res, err := n.Normalize(raw)
	if err != nil {
		s.metrics.RecordNormalization(endpoint, "failed")
		perr := Classify(err)
		if perr.Debug == nil {
			perr.Debug = map[string]any{}
		}
		perr.Debug["raw_output"] = raw
		s.log.Warn("model output rejected",
			slog.String("endpoint", endpoint),
			slog.String("error", err.Error()),
			slog.String("raw_prefix", normalize.Prefix(raw, 200)),
		)
		return nil, perr
	}
	s.metrics.RecordNormalization(endpoint, res.Strategy)
	return res, nil
}

func (s *Service) stream(ctx context.Context, endpoint string, prompt review.Prompt, n *normalize.Normalizer) (<-chan Event, error) {
	chunks, err := s.model.Stream(ctx, prompt)
	if err != nil {
		return nil, Classify(err)
	}

	events := make(chan Event)
	go s.fold(ctx, endpoint, n, chunks, events)
	return events, nil
}

// fold turns raw chunks into partial snapshots and a terminal event. It
// stops as soon as ctx is done; the invoker then cancels the upstream call.
func (s *Service) fold(ctx context.Context, endpoint string, n *normalize.Normalizer, chunks <-chan providers.StreamChunk, events chan<- Event) {
	defer close(events)

	acc := normalize.NewAccumulator(n.Schema())
	send := func(ev Event) bool {
		select {
		case events <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for c := range chunks {
		if c.Err != nil {
			send(Event{Type: EventError, Err: Classify(c.Err)})
			return
		}
		if snap, ok := acc.Write(c.Content); ok {
			if !send(Event{Type: EventPartial, Object: snap}) {
				return
			}
		}
	}

	// The invoker closes the channel silently when the caller went away.
	if ctx.Err() != nil {
		return
	}

	res, perr := s.normalize(endpoint, n, acc.Text())
	if perr != nil {
		send(Event{Type: EventError, Err: perr})
		return
	}
	send(Event{Type: EventResult, Object: res.Object})
}
