package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/ongoingai/agenttrace/trace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func decodeLogLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("json unmarshal: %v", err)
	}
	return entry
}

func TestTraceLogHandlerAddsOTelIDs(t *testing.T) {
	t.Parallel()

	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	var buf bytes.Buffer
	logger := slog.New(NewTraceLogHandler(slog.NewJSONHandler(&buf, nil)))

	ctx, span := tp.Tracer("test").Start(context.Background(), "test.span")
	defer span.End()
	logger.InfoContext(ctx, "with otel context", "extra", "value")

	entry := decodeLogLine(t, &buf)
	if traceID, _ := entry["trace_id"].(string); len(traceID) != 32 {
		t.Fatalf("trace_id=%q, want 32 hex chars", traceID)
	}
	if spanID, _ := entry["span_id"].(string); len(spanID) != 16 {
		t.Fatalf("span_id=%q, want 16 hex chars", spanID)
	}
	if extra, _ := entry["extra"].(string); extra != "value" {
		t.Fatalf("extra=%q, want %q", extra, "value")
	}
}

func TestTraceLogHandlerAddsAgentTraceIDs(t *testing.T) {
	t.Parallel()

	tracer := trace.NewTracer(trace.TracerOptions{})
	ctx, tr := tracer.StartTrace(context.Background(), "agent.run")
	ctx, span := tracer.StartSpan(ctx, "retrieve")

	var buf bytes.Buffer
	logger := slog.New(NewTraceLogHandler(slog.NewJSONHandler(&buf, nil)))
	logger.InfoContext(ctx, "inside span")

	entry := decodeLogLine(t, &buf)
	if got, _ := entry["agenttrace.trace_id"].(string); got != tr.ID() {
		t.Fatalf("agenttrace.trace_id=%q, want %q", got, tr.ID())
	}
	if got, _ := entry["agenttrace.span_id"].(string); got != span.ID() {
		t.Fatalf("agenttrace.span_id=%q, want %q", got, span.ID())
	}
	if _, ok := entry["trace_id"]; ok {
		t.Fatal("trace_id should not be present without an otel span")
	}
	_ = span.End()
	_ = tr.End()
}

func TestTraceLogHandlerWithoutContextOmitsIDs(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := slog.New(NewTraceLogHandler(slog.NewJSONHandler(&buf, nil)))
	logger.Info("no context")

	entry := decodeLogLine(t, &buf)
	for _, key := range []string{"trace_id", "span_id", "agenttrace.trace_id", "agenttrace.span_id"} {
		if _, ok := entry[key]; ok {
			t.Fatalf("%s should not be present", key)
		}
	}
}

func TestTraceLogHandlerPreservesAttrsAndGroups(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := slog.New(NewTraceLogHandler(slog.NewJSONHandler(&buf, nil))).
		With("component", "writer").
		WithGroup("delivery")
	logger.Info("flushed", "batch_size", 3)

	entry := decodeLogLine(t, &buf)
	if got, _ := entry["component"].(string); got != "writer" {
		t.Fatalf("component=%q, want writer", got)
	}
	group, ok := entry["delivery"].(map[string]any)
	if !ok {
		t.Fatalf("delivery group missing in %v", entry)
	}
	if got, _ := group["batch_size"].(float64); got != 3 {
		t.Fatalf("delivery.batch_size=%v, want 3", group["batch_size"])
	}
}

func TestTraceLogHandlerRespectsLevel(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	handler := NewTraceLogHandler(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn}))
	if handler.Enabled(context.Background(), slog.LevelInfo) {
		t.Fatal("info should be disabled at warn level")
	}
	if !handler.Enabled(context.Background(), slog.LevelError) {
		t.Fatal("error should be enabled at warn level")
	}
}
