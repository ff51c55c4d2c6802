package observability

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	oteltrace "go.opentelemetry.io/otel/trace"
)

type recordingExporter struct {
	mu    sync.Mutex
	spans []sdktrace.ReadOnlySpan
}

func (e *recordingExporter) ExportSpans(_ context.Context, spans []sdktrace.ReadOnlySpan) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.spans = append(e.spans, spans...)
	return nil
}

func (e *recordingExporter) Shutdown(_ context.Context) error { return nil }

func (e *recordingExporter) Spans() []sdktrace.ReadOnlySpan {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]sdktrace.ReadOnlySpan(nil), e.spans...)
}

func spanAttrMap(span sdktrace.ReadOnlySpan) map[string]string {
	out := make(map[string]string, len(span.Attributes()))
	for _, kv := range span.Attributes() {
		out[string(kv.Key)] = kv.Value.Emit()
	}
	return out
}

func exportOne(t *testing.T, stub tracetest.SpanStub) sdktrace.ReadOnlySpan {
	t.Helper()
	inner := &recordingExporter{}
	exporter := newScrubbingExporter(inner)
	if stub.SpanContext.TraceID() == (oteltrace.TraceID{}) {
		stub.SpanContext = oteltrace.NewSpanContext(oteltrace.SpanContextConfig{
			TraceID: oteltrace.TraceID{1},
			SpanID:  oteltrace.SpanID{1},
		})
	}
	if err := exporter.ExportSpans(context.Background(), []sdktrace.ReadOnlySpan{stub.Snapshot()}); err != nil {
		t.Fatalf("ExportSpans() error: %v", err)
	}
	spans := inner.Spans()
	if len(spans) != 1 {
		t.Fatalf("exported spans=%d, want 1", len(spans))
	}
	return spans[0]
}

func TestScrubbingExporterRemovesCredentialFromPayloadPreview(t *testing.T) {
	t.Parallel()

	span := exportOne(t, tracetest.SpanStub{
		Name: "call_model",
		Attributes: []attribute.KeyValue{
			attribute.String("agenttrace.input", `{"api_key":"sk-proj-abcdefghijklmnopqrstuv"}`),
			attribute.String("gen_ai.request.model", "gpt-4o"),
			attribute.Int("gen_ai.usage.input_tokens", 100),
		},
	})

	attrs := spanAttrMap(span)
	if ContainsCredential(attrs["agenttrace.input"]) {
		t.Fatalf("agenttrace.input=%q still contains a credential", attrs["agenttrace.input"])
	}
	if got := attrs["gen_ai.request.model"]; got != "gpt-4o" {
		t.Fatalf("gen_ai.request.model=%q, want gpt-4o", got)
	}
	if got := attrs["gen_ai.usage.input_tokens"]; got != "100" {
		t.Fatalf("gen_ai.usage.input_tokens=%q, want 100", got)
	}
}

func TestScrubbingExporterCleanSpanPassesThrough(t *testing.T) {
	t.Parallel()

	span := exportOne(t, tracetest.SpanStub{
		Name: "retrieve",
		Attributes: []attribute.KeyValue{
			attribute.String("agenttrace.span_type", "retrieval"),
			attribute.StringSlice("docs", []string{"a", "b"}),
		},
	})
	attrs := spanAttrMap(span)
	if got := attrs["agenttrace.span_type"]; got != "retrieval" {
		t.Fatalf("agenttrace.span_type=%q, want retrieval", got)
	}
	if got := attrs["docs"]; got != `["a","b"]` {
		t.Fatalf("docs=%q, want [\"a\",\"b\"]", got)
	}
}

func TestScrubbingExporterScrubsNameEventsSlicesAndStatus(t *testing.T) {
	t.Parallel()

	span := exportOne(t, tracetest.SpanStub{
		Name: "login token=my_secret_token_value",
		Attributes: []attribute.KeyValue{
			attribute.StringSlice("headers", []string{"Accept: */*", "Authorization: Bearer abcdefghijklmnop"}),
		},
		Events: []sdktrace.Event{{
			Name:       "exception",
			Time:       time.Now(),
			Attributes: []attribute.KeyValue{attribute.String("exception.message", "dial postgres://agent:hunter22@db/traces")},
		}},
		Status: sdktrace.Status{Code: codes.Error, Description: "password=supersecret123 rejected"},
	})

	if ContainsCredential(span.Name()) {
		t.Fatalf("name=%q still contains a credential", span.Name())
	}
	for _, kv := range span.Attributes() {
		for _, v := range kv.Value.AsStringSlice() {
			if ContainsCredential(v) {
				t.Fatalf("attribute %s value %q still contains a credential", kv.Key, v)
			}
		}
	}
	events := span.Events()
	if len(events) != 1 || ContainsCredential(events[0].Attributes[0].Value.AsString()) {
		t.Fatalf("event attributes not scrubbed: %+v", events)
	}
	if ContainsCredential(span.Status().Description) {
		t.Fatalf("status description=%q still contains a credential", span.Status().Description)
	}
	if span.Status().Code != codes.Error {
		t.Fatalf("status code=%v, want %v", span.Status().Code, codes.Error)
	}
}

func TestScrubbingExporterShutdownDelegates(t *testing.T) {
	t.Parallel()

	if err := newScrubbingExporter(&recordingExporter{}).Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error: %v", err)
	}
}
