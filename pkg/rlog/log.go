// Package rlog implements the runtime's Logger contract on top of
// zerolog: structured logging, metric publishing into pkg/metrics,
// and a small event bus whose handlers run asynchronously; Drain
// waits for them, and the uploader calls it before finalize.
package rlog

import (
	"context"
	"io"
	"os"
	"sync"
	"time"

	"github.com/cuemby/steprunner/pkg/metrics"
	"github.com/cuemby/steprunner/pkg/types"
	"github.com/rs/zerolog"
)

// Level is a logging verbosity threshold.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config configures a Logger.
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

func zeroLevel(l Level) zerolog.Level {
	switch l {
	case DebugLevel:
		return zerolog.DebugLevel
	case WarnLevel:
		return zerolog.WarnLevel
	case ErrorLevel:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// bus is the event registry shared by a Logger and every Child derived
// from it, so handlers registered at the root see events emitted by
// any step-scoped child.
type bus struct {
	mu       sync.Mutex
	handlers map[string][]func(any)
	pending  sync.WaitGroup
}

func newBus() *bus {
	return &bus{handlers: make(map[string][]func(any))}
}

func (b *bus) on(event string, fn func(any)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[event] = append(b.handlers[event], fn)
}

func (b *bus) emit(event string, payload any) {
	b.mu.Lock()
	fns := append([]func(any){}, b.handlers[event]...)
	b.mu.Unlock()
	for _, fn := range fns {
		b.pending.Add(1)
		go func(fn func(any)) {
			defer b.pending.Done()
			fn(payload)
		}(fn)
	}
}

// drain blocks until every event emitted so far has reached its
// handlers, or ctx is done.
func (b *bus) drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		b.pending.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Logger is the concrete implementation of types.Logger.
type Logger struct {
	zl     zerolog.Logger
	bus    *bus
	fields map[string]any
}

// New builds a root Logger from cfg.
func New(cfg Config) *Logger {
	zerolog.SetGlobalLevel(zeroLevel(cfg.Level))

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	var zl zerolog.Logger
	if cfg.JSONOutput {
		zl = zerolog.New(output).With().Timestamp().Logger()
	} else {
		zl = zerolog.New(zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger()
	}

	return &Logger{zl: zl, bus: newBus()}
}

var _ types.Logger = (*Logger)(nil)

func (l *Logger) event(level zerolog.Level, msg string, fields map[string]any) {
	ev := l.zl.WithLevel(level)
	for k, v := range l.fields {
		ev = ev.Interface(k, v)
	}
	for k, v := range fields {
		ev = ev.Interface(k, v)
	}
	ev.Msg(msg)
}

func (l *Logger) Info(msg string, fields map[string]any)  { l.event(zerolog.InfoLevel, msg, fields) }
func (l *Logger) Warn(msg string, fields map[string]any)  { l.event(zerolog.WarnLevel, msg, fields) }
func (l *Logger) Error(msg string, fields map[string]any) { l.event(zerolog.ErrorLevel, msg, fields) }
func (l *Logger) Debug(msg string, fields map[string]any) { l.event(zerolog.DebugLevel, msg, fields) }

// Child returns a logger that prefixes every log line with fields
// merged over the parent's own, and shares the parent's event bus so
// handlers registered at any ancestor observe events emitted by any
// descendant.
func (l *Logger) Child(fields map[string]any) types.Logger {
	merged := make(map[string]any, len(l.fields)+len(fields))
	for k, v := range l.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return &Logger{zl: l.zl, bus: l.bus, fields: merged}
}

func (l *Logger) PublishMetric(m types.Metric) {
	metrics.Observe(m.Name, m.Unit, m.Value)
	l.Debug("metric published", map[string]any{"metric": m.Name, "unit": m.Unit, "value": m.Value})
}

func (l *Logger) ValidationFailure(err error) {
	l.Warn("schema validation failure", map[string]any{"error": err.Error()})
}

func (l *Logger) SynchronizationUploadStart(job types.SyncJob) {
	l.Info("synchronization upload start", map[string]any{
		"jobId":                 job.ID,
		"integrationInstanceId": job.IntegrationInstanceID,
	})
}

func (l *Logger) SynchronizationUploadEnd(job types.SyncJob) {
	l.Info("synchronization upload end", map[string]any{
		"jobId":                 job.ID,
		"integrationInstanceId": job.IntegrationInstanceID,
	})
}

func (l *Logger) On(event string, fn func(payload any)) {
	l.bus.on(event, fn)
}

func (l *Logger) Emit(event string, payload any) {
	l.bus.emit(event, payload)
}

// Drain blocks until every event emitted on this logger's bus (by it
// or any of its children) has been delivered to its handlers.
func (l *Logger) Drain(ctx context.Context) error {
	return l.bus.drain(ctx)
}
