// Package tracing provides an OpenTelemetry [trace.TracerProvider] that
// writes finished spans to a [slog.Logger] instead of exporting them.
package tracing

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/embedded"
	"go.opentelemetry.io/otel/trace/noop"
)

var (
	_ trace.TracerProvider = (*LoggingProvider)(nil)
	_ trace.Tracer         = loggingTracer{}
	_ trace.Span           = (*loggingSpan)(nil)
)

// LoggingProvider logs every span when it ends. Spans are logged at
// [slog.LevelDebug] unless their status is an error.
type LoggingProvider struct {
	embedded.TracerProvider

	logger *slog.Logger
	noop   trace.TracerProvider
}

func NewLoggingProvider(logger *slog.Logger) *LoggingProvider {
	if logger == nil {
		logger = slog.Default()
	}

	return &LoggingProvider{
		logger: logger,
		noop:   noop.NewTracerProvider(),
	}
}

//nolint:ireturn
func (p *LoggingProvider) Tracer(name string, opts ...trace.TracerOption) trace.Tracer {
	return loggingTracer{
		logger: p.logger.With(slog.String("tracer", name)),
		next:   p.noop.Tracer(name, opts...),
	}
}

type loggingTracer struct {
	embedded.Tracer

	logger *slog.Logger
	next   trace.Tracer
}

//nolint:ireturn
func (t loggingTracer) Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	cfg := trace.NewSpanStartConfig(opts...)

	s := &loggingSpan{
		logger: t.logger,
		name:   name,
		start:  time.Now(),
		attrs:  cfg.Attributes(),
	}
	if parent, ok := trace.SpanFromContext(ctx).(*loggingSpan); ok {
		s.parent = parent.name
	}

	ctx, s.Span = t.next.Start(ctx, name, opts...)

	return trace.ContextWithSpan(ctx, s), s
}

// loggingSpan delegates to a no-op span for everything it does not log.
type loggingSpan struct {
	trace.Span

	logger *slog.Logger
	name   string
	parent string
	start  time.Time

	mu    sync.Mutex
	attrs []attribute.KeyValue
	code  codes.Code
	desc  string
	errs  []error
	ended bool
}

func (s *loggingSpan) SetName(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.name = name
}

func (s *loggingSpan) SetAttributes(kv ...attribute.KeyValue) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.attrs = append(s.attrs, kv...)
}

func (s *loggingSpan) SetStatus(code codes.Code, description string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// An Ok status is final.
	if s.code == codes.Ok {
		return
	}

	s.code = code
	s.desc = description
}

func (s *loggingSpan) RecordError(err error, _ ...trace.EventOption) {
	if err == nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.errs = append(s.errs, err)
}

func (s *loggingSpan) IsRecording() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return !s.ended
}

func (s *loggingSpan) End(_ ...trace.SpanEndOption) {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()

		return
	}
	s.ended = true

	attrs := []slog.Attr{
		slog.String("span", s.name),
		slog.Float64("time_ms", float64(time.Since(s.start).Microseconds())/1e3),
	}
	if s.parent != "" {
		attrs = append(attrs, slog.String("parent", s.parent))
	}
	for _, kv := range s.attrs {
		attrs = append(attrs, slog.Any(string(kv.Key), kv.Value.AsInterface()))
	}
	for _, err := range s.errs {
		attrs = append(attrs, slog.Any("err", err))
	}

	level := slog.LevelDebug
	if s.code == codes.Error {
		level = slog.LevelWarn
		attrs = append(attrs, slog.String("status", s.desc))
	}
	s.mu.Unlock()

	s.logger.LogAttrs(context.Background(), level, "trace", attrs...)
}
