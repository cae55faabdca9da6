// Package logger implements a non-blocking, batched review logger.
//
// Log entries are written to an internal buffered channel and flushed in
// batches by a background goroutine, so logging never blocks a request. If
// the channel fills up (> 10 000 entries), new entries are dropped and
// counted in DroppedLogs.
package logger

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const (
	channelBuffer = 10_000
	batchSize     = 100
	flushInterval = time.Second
)

// ReviewLog is one finished /review or /narrate request. It never carries
// submitted code or model output.
type ReviewLog struct {
	ID           uuid.UUID
	RequestID    string
	Endpoint     string
	Persona      string
	Provider     string
	Model        string
	Status       int
	ErrorKind    string
	Strategy     string
	Streamed     bool
	ClientKey    string
	InputTokens  int
	OutputTokens int
	Latency      time.Duration
	CreatedAt    time.Time
}

type Option func(*Logger)

// WithDropHook registers fn to be called for every dropped entry.
func WithDropHook(fn func()) Option {
	return func(l *Logger) { l.onDrop = fn }
}

type Logger struct {
	ch        chan ReviewLog
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	droppedLogs int64
	onDrop      func()

	baseCtx context.Context
	log     *slog.Logger
}

func New(ctx context.Context, slogger *slog.Logger, opts ...Option) (*Logger, error) {
	if ctx == nil {
		return nil, fmt.Errorf("logger: context must not be nil")
	}
	if slogger == nil {
		slogger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	}

	l := &Logger{
		ch:      make(chan ReviewLog, channelBuffer),
		done:    make(chan struct{}),
		baseCtx: ctx,
		log:     slogger,
	}
	for _, o := range opts {
		o(l)
	}

	l.wg.Add(1)
	go l.run()

	return l, nil
}

// Log enqueues entry. A zero ID is replaced with a fresh UUID.
func (l *Logger) Log(entry ReviewLog) {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	select {
	case l.ch <- entry:
	default:
		atomic.AddInt64(&l.droppedLogs, 1)
		if l.onDrop != nil {
			l.onDrop()
		}
	}
}

func (l *Logger) DroppedLogs() int64 {
	return atomic.LoadInt64(&l.droppedLogs)
}

// Close flushes everything queued and stops the background goroutine.
func (l *Logger) Close() error {
	l.closeOnce.Do(func() {
		close(l.done)
	})
	l.wg.Wait()
	return nil
}

func (l *Logger) run() {
	defer l.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]ReviewLog, 0, batchSize)

	flush := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		for _, e := range batch {
			attrs := []slog.Attr{
				slog.String("id", e.ID.String()),
				slog.String("request_id", e.RequestID),
				slog.String("endpoint", e.Endpoint),
				slog.String("provider", e.Provider),
				slog.String("model", e.Model),
				slog.Int("status", e.Status),
				slog.Bool("streamed", e.Streamed),
				slog.String("client", e.ClientKey),
				slog.Int("input_tokens", e.InputTokens),
				slog.Int("output_tokens", e.OutputTokens),
				slog.Int64("latency_ms", e.Latency.Milliseconds()),
				slog.Time("created_at", e.CreatedAt.UTC()),
			}
			if e.Persona != "" {
				attrs = append(attrs, slog.String("persona", e.Persona))
			}
			if e.Strategy != "" {
				attrs = append(attrs, slog.String("strategy", e.Strategy))
			}
			if e.ErrorKind != "" {
				attrs = append(attrs, slog.String("error_kind", e.ErrorKind))
			}
			l.log.LogAttrs(ctx, slog.LevelInfo, "review", attrs...)
		}
		batch = batch[:0]
	}

	for {
		select {
		case entry := <-l.ch:
			batch = append(batch, entry)
			if len(batch) >= batchSize {
				flush(l.baseCtx)
			}

		case <-ticker.C:
			flush(l.baseCtx)

		case <-l.done:
			for {
				select {
				case entry := <-l.ch:
					batch = append(batch, entry)
					if len(batch) >= batchSize {
						flush(l.baseCtx)
					}
				default:
					flush(l.baseCtx)
					return
				}
			}
		}
	}
}
