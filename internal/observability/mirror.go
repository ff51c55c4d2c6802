package observability

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/ongoingai/agenttrace/trace"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
)

const mirrorPreviewLimit = 256

// MirrorProcessor re-emits finished agenttrace traces as OpenTelemetry spans
// so they show up next to the service's own telemetry. Spans keep their
// recorded timestamps and parent links.
type MirrorProcessor struct {
	tracer oteltrace.Tracer
}

// NewMirrorProcessor returns a processor emitting through provider. A nil
// provider yields nil.
func NewMirrorProcessor(provider oteltrace.TracerProvider) *MirrorProcessor {
	if provider == nil {
		return nil
	}
	return &MirrorProcessor{tracer: provider.Tracer(instrumentationName + "/mirror")}
}

// OnTraceEnd implements trace.Processor.
func (m *MirrorProcessor) OnTraceEnd(t *trace.Trace) {
	if m == nil || t == nil {
		return
	}
	m.Mirror(t.Snapshot())
}

// Mirror emits data as one OTel root span with a child per agenttrace span.
func (m *MirrorProcessor) Mirror(data trace.TraceData) {
	if m == nil {
		return
	}
	traceEnd := endTimeOr(data.EndTime, data.StartTime)

	rootCtx, root := m.tracer.Start(
		context.Background(),
		data.Name,
		oteltrace.WithNewRoot(),
		oteltrace.WithTimestamp(data.StartTime),
		oteltrace.WithAttributes(traceAttributes(data)...),
	)
	if data.Status == trace.StatusError {
		root.SetStatus(codes.Error, data.ErrorMessage)
	}

	spans := append([]trace.SpanData(nil), data.Spans...)
	sort.SliceStable(spans, func(i, j int) bool {
		return spans[i].StartTime.Before(spans[j].StartTime)
	})
	byID := make(map[string]trace.SpanData, len(spans))
	for _, span := range spans {
		byID[span.ID] = span
	}

	contexts := make(map[string]context.Context, len(spans))
	var emit func(span trace.SpanData, depth int) context.Context
	emit = func(span trace.SpanData, depth int) context.Context {
		if ctx, ok := contexts[span.ID]; ok {
			return ctx
		}
		parentCtx := rootCtx
		if span.ParentSpanID != nil && depth < len(spans) {
			if parent, ok := byID[*span.ParentSpanID]; ok {
				parentCtx = emit(parent, depth+1)
			}
			if ctx, ok := contexts[span.ID]; ok {
				return ctx
			}
		}
		ctx, otelSpan := m.tracer.Start(
			parentCtx,
			span.Name,
			oteltrace.WithTimestamp(span.StartTime),
			oteltrace.WithSpanKind(spanKind(span.Type)),
			oteltrace.WithAttributes(spanAttributes(span)...),
		)
		if span.Status == trace.StatusError {
			otelSpan.SetStatus(codes.Error, span.ErrorMessage)
		}
		otelSpan.End(oteltrace.WithTimestamp(endTimeOr(span.EndTime, traceEnd)))
		contexts[span.ID] = ctx
		return ctx
	}
	for _, span := range spans {
		emit(span, 0)
	}

	root.End(oteltrace.WithTimestamp(traceEnd))
}

var _ trace.Processor = (*MirrorProcessor)(nil)

func traceAttributes(data trace.TraceData) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String("agenttrace.trace_id", data.ID),
		attribute.String("agenttrace.status", string(data.Status)),
		attribute.Int("agenttrace.span_count", len(data.Spans)),
	}
	if data.ProjectName != "" {
		attrs = append(attrs, attribute.String("agenttrace.project", data.ProjectName))
	}
	if data.WorkspaceID != "" {
		attrs = append(attrs, attribute.String("agenttrace.workspace_id", data.WorkspaceID))
	}
	if usage := data.TokenUsage(); usage.Total > 0 {
		attrs = append(attrs, attribute.Int("gen_ai.usage.total_tokens", usage.Total))
	}
	if cost := data.Cost(); cost.Amount > 0 {
		attrs = append(attrs,
			attribute.Float64("agenttrace.cost.amount", cost.Amount),
			attribute.String("agenttrace.cost.currency", cost.Currency),
		)
	}
	return attrs
}

func spanAttributes(span trace.SpanData) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String("agenttrace.span_id", span.ID),
		attribute.String("agenttrace.span_type", string(span.Type)),
	}
	if span.Model != nil {
		attrs = append(attrs, attribute.String("gen_ai.request.model", span.Model.Name))
		if span.Model.Provider != "" {
			attrs = append(attrs, attribute.String("gen_ai.system", span.Model.Provider))
		}
	}
	if span.TokenUsage != nil {
		attrs = append(attrs,
			attribute.Int("gen_ai.usage.input_tokens", span.TokenUsage.Prompt),
			attribute.Int("gen_ai.usage.output_tokens", span.TokenUsage.Completion),
		)
	}
	if span.Cost != nil {
		attrs = append(attrs, attribute.Float64("agenttrace.cost.amount", span.Cost.Amount))
	}
	if span.ErrorType != "" {
		attrs = append(attrs, attribute.String("error.type", span.ErrorType))
	}
	if preview := payloadPreview(span.Input); preview != "" {
		attrs = append(attrs, attribute.String("agenttrace.input", preview))
	}
	if preview := payloadPreview(span.Output); preview != "" {
		attrs = append(attrs, attribute.String("agenttrace.output", preview))
	}
	return attrs
}

func spanKind(spanType trace.SpanType) oteltrace.SpanKind {
	if spanType == trace.SpanTypeLLM {
		return oteltrace.SpanKindClient
	}
	return oteltrace.SpanKindInternal
}

func payloadPreview(v any) string {
	if v == nil {
		return ""
	}
	var s string
	if str, ok := v.(string); ok {
		s = str
	} else {
		raw, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		s = string(raw)
	}
	if len(s) > mirrorPreviewLimit {
		s = s[:mirrorPreviewLimit] + "..."
	}
	return s
}

func endTimeOr(end *time.Time, fallback time.Time) time.Time {
	if end == nil || end.IsZero() {
		return fallback
	}
	return *end
}
