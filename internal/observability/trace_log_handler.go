package observability

import (
	"context"
	"log/slog"

	"github.com/ongoingai/agenttrace/trace"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// traceLogHandler enriches log records with the ids of the active trace.
// OTel span ids are added as trace_id/span_id and agenttrace ids as
// agenttrace.trace_id/agenttrace.span_id.
type traceLogHandler struct {
	inner slog.Handler
}

// NewTraceLogHandler wraps inner. If inner is nil, slog.Default().Handler()
// is used.
func NewTraceLogHandler(inner slog.Handler) slog.Handler {
	if inner == nil {
		inner = slog.Default().Handler()
	}
	return &traceLogHandler{inner: inner}
}

func (h *traceLogHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *traceLogHandler) Handle(ctx context.Context, record slog.Record) error {
	if ctx == nil {
		return h.inner.Handle(ctx, record)
	}
	span := oteltrace.SpanFromContext(ctx)
	if span != nil && span.SpanContext().IsValid() && span.IsRecording() {
		sc := span.SpanContext()
		record.AddAttrs(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	if current := trace.CurrentTrace(ctx); current != nil {
		record.AddAttrs(slog.String("agenttrace.trace_id", current.ID()))
		if s := trace.CurrentSpan(ctx); s != nil {
			record.AddAttrs(slog.String("agenttrace.span_id", s.ID()))
		}
	}
	return h.inner.Handle(ctx, record)
}

func (h *traceLogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &traceLogHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *traceLogHandler) WithGroup(name string) slog.Handler {
	return &traceLogHandler{inner: h.inner.WithGroup(name)}
}
