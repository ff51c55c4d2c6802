package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// scrubbingExporter sanitizes OTel spans before they leave the process.
// Mirrored agenttrace spans carry user payload previews, so every string
// attribute, event attribute, span name and status description is checked.
type scrubbingExporter struct {
	wrapped sdktrace.SpanExporter
}

func newScrubbingExporter(wrapped sdktrace.SpanExporter) sdktrace.SpanExporter {
	return &scrubbingExporter{wrapped: wrapped}
}

func (e *scrubbingExporter) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	scrubbed := make([]sdktrace.ReadOnlySpan, len(spans))
	for i, s := range spans {
		scrubbed[i] = scrubSpan(s)
	}
	return e.wrapped.ExportSpans(ctx, scrubbed)
}

func (e *scrubbingExporter) Shutdown(ctx context.Context) error {
	return e.wrapped.Shutdown(ctx)
}

// scrubSpan returns s itself when it is clean.
func scrubSpan(s sdktrace.ReadOnlySpan) sdktrace.ReadOnlySpan {
	if !spanNeedsScrubbing(s) {
		return s
	}

	stub := tracetest.SpanStubFromReadOnlySpan(s)
	stub.Name = ScrubCredentials(stub.Name)
	stub.Attributes = scrubAttributes(stub.Attributes)
	for i, event := range stub.Events {
		stub.Events[i].Attributes = scrubAttributes(event.Attributes)
	}
	stub.Status.Description = ScrubCredentials(stub.Status.Description)
	return stub.Snapshot()
}

func spanNeedsScrubbing(s sdktrace.ReadOnlySpan) bool {
	if ContainsCredential(s.Name()) || ContainsCredential(s.Status().Description) {
		return true
	}
	if attributesNeedScrubbing(s.Attributes()) {
		return true
	}
	for _, event := range s.Events() {
		if attributesNeedScrubbing(event.Attributes) {
			return true
		}
	}
	return false
}

func attributesNeedScrubbing(attrs []attribute.KeyValue) bool {
	for _, a := range attrs {
		switch a.Value.Type() {
		case attribute.STRING:
			if ContainsCredential(a.Value.AsString()) {
				return true
			}
		case attribute.STRINGSLICE:
			for _, v := range a.Value.AsStringSlice() {
				if ContainsCredential(v) {
					return true
				}
			}
		}
	}
	return false
}

func scrubAttributes(attrs []attribute.KeyValue) []attribute.KeyValue {
	result := make([]attribute.KeyValue, len(attrs))
	for i, a := range attrs {
		switch a.Value.Type() {
		case attribute.STRING:
			result[i] = attribute.String(string(a.Key), ScrubCredentials(a.Value.AsString()))
		case attribute.STRINGSLICE:
			values := a.Value.AsStringSlice()
			for j, v := range values {
				values[j] = ScrubCredentials(v)
			}
			result[i] = attribute.StringSlice(string(a.Key), values)
		default:
			result[i] = a
		}
	}
	return result
}
