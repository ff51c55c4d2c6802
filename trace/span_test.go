package trace

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"testing"
	"time"
)

func TestSpanFinishIsSticky(t *testing.T) {
	t.Parallel()

	tracer := newTestTracer(nil)
	ctx, _ := tracer.StartTrace(context.Background(), "sticky")
	_, span := tracer.StartSpan(ctx, "work")

	if err := span.Finish("first"); err != nil {
		t.Fatalf("Finish() error: %v", err)
	}
	end := span.EndTime()
	if err := span.FinishWithError(errors.New("late")); !errors.Is(err, ErrAlreadyFinished) {
		t.Fatalf("second finish error=%v, want ErrAlreadyFinished", err)
	}
	span.SetOutput("mutated")
	span.SetTag("k", "v")

	if span.Status() != StatusSuccess {
		t.Fatalf("status=%q, want success", span.Status())
	}
	if span.Output() != "first" {
		t.Fatalf("output=%v, want first", span.Output())
	}
	if !span.EndTime().Equal(end) {
		t.Fatal("end time changed after second finish")
	}
	if len(span.Tags()) != 0 {
		t.Fatalf("tags=%v, want none", span.Tags())
	}
}

func TestSpanTokenUsageNormalization(t *testing.T) {
	t.Parallel()

	tracer := newTestTracer(nil)
	_, span := tracer.StartSpan(context.Background(), "llm", WithSpanType(SpanTypeLLM))

	span.SetTokenUsage(12, -3)
	usage, ok := span.TokenUsage()
	if !ok || usage.Prompt != 12 || usage.Completion != 0 || usage.Total != 12 {
		t.Fatalf("usage=%+v, want prompt=12 completion=0 total=12", usage)
	}

	span.SetTokenUsage(100, 50)
	span.OverrideTokenTotal(175)
	usage, _ = span.TokenUsage()
	if usage.Total != 175 {
		t.Fatalf("override total=%d, want 175", usage.Total)
	}

	span.SetTokenUsage(1, 2)
	usage, _ = span.TokenUsage()
	if usage.Total != 3 {
		t.Fatalf("total after reset=%d, want 3", usage.Total)
	}
}

func TestSpanCostNormalization(t *testing.T) {
	t.Parallel()

	tracer := newTestTracer(nil)
	_, span := tracer.StartSpan(context.Background(), "llm")
	span.SetCost(Cost{InputAmount: 0.25, OutputAmount: 0.5, Currency: "eur"})

	cost, ok := span.Cost()
	if !ok || cost.Amount != 0.75 || cost.Currency != "EUR" {
		t.Fatalf("cost=%+v, want amount=0.75 currency=EUR", cost)
	}
}

func TestSpanSnapshotFields(t *testing.T) {
	t.Parallel()

	tracer := newTestTracer(nil)
	ctx, _ := tracer.StartTrace(context.Background(), "snap")
	_, span := tracer.StartSpan(ctx, "call",
		WithSpanType(SpanTypeTool),
		WithTag("tool", "search"),
		WithMetadata("attempt", 2),
		WithModel(Model{Name: "gpt-4o-mini", Provider: "openai"}),
	)
	span.SetMetric("latency_ms", 12.5)
	_ = span.Finish(struct {
		Hits int `json:"hits"`
	}{Hits: 3})

	data := span.Snapshot()
	if data.Type != SpanTypeTool || data.Tags["tool"] != "search" {
		t.Fatalf("type=%q tags=%v", data.Type, data.Tags)
	}
	if data.Metadata["attempt"] != int64(2) {
		t.Fatalf("metadata=%v", data.Metadata)
	}
	if data.Metrics["latency_ms"] != 12.5 {
		t.Fatalf("metrics=%v", data.Metrics)
	}
	if data.Model == nil || data.Model.Name != "gpt-4o-mini" {
		t.Fatalf("model=%+v", data.Model)
	}
	output, _ := data.Output.(map[string]any)
	if output["hits"] != int64(3) {
		t.Fatalf("output=%v", data.Output)
	}
	if data.EndTime == nil || data.EndTime.Before(data.StartTime) {
		t.Fatal("finished span must carry an end time not before its start")
	}
}

type quotaError struct{ limit int }

func (e *quotaError) Error() string { return fmt.Sprintf("quota %d exceeded", e.limit) }

func TestDescribeError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		err         error
		wantMessage string
		wantType    string
	}{
		{name: "plain", err: errors.New("boom"), wantMessage: "boom", wantType: "errors.errorString"},
		{name: "typed", err: &quotaError{limit: 5}, wantMessage: "quota 5 exceeded", wantType: "trace.quotaError"},
		{name: "canceled", err: fmt.Errorf("call: %w", context.Canceled), wantMessage: "cancelled: call: context canceled", wantType: "cancelled"},
		{name: "deadline", err: context.DeadlineExceeded, wantMessage: "cancelled: context deadline exceeded", wantType: "deadline_exceeded"},
		{name: "redacted", err: redactedError{typeName: "trace.quotaError"}, wantMessage: "", wantType: "trace.quotaError"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			message, typ := describeError(tt.err)
			if message != tt.wantMessage || typ != tt.wantType {
				t.Fatalf("describeError()=(%q, %q), want (%q, %q)", message, typ, tt.wantMessage, tt.wantType)
			}
		})
	}
}

func TestTraceDataAggregates(t *testing.T) {
	t.Parallel()

	exp := &captureExporter{}
	tracer := newTestTracer(exp)
	ctx, tr := tracer.StartTrace(context.Background(), "aggregate")
	_, first := tracer.StartSpan(ctx, "first", WithModel(Model{Name: "gpt-4o"}))
	first.SetTokenUsage(10, 5)
	first.SetCost(Cost{Amount: 0.01})
	_ = first.End()
	_, second := tracer.StartSpan(ctx, "second")
	second.SetTokenUsage(3, 2)
	second.SetCost(Cost{Amount: 0.02})
	_ = second.End()
	time.Sleep(time.Millisecond)
	_ = tr.End()

	data := exp.only(t).Snapshot()
	if usage := data.TokenUsage(); usage.Total != 20 {
		t.Fatalf("token total=%d, want 20", usage.Total)
	}
	if cost := data.Cost(); cost.Amount < 0.0299 || cost.Amount > 0.0301 {
		t.Fatalf("cost=%v, want 0.03", cost.Amount)
	}
	if model := data.PrimaryModel(); model == nil || model.Name != "gpt-4o" {
		t.Fatalf("primary model=%+v", model)
	}
	if data.Duration() <= 0 {
		t.Fatalf("duration=%s, want > 0", data.Duration())
	}
}

func TestSanitizeNameAndTags(t *testing.T) {
	t.Parallel()

	if got := SanitizeName("  "); got != "unnamed" {
		t.Fatalf("SanitizeName(blank)=%q, want unnamed", got)
	}
	if got := SanitizeName("a\nb"); got != "a b" {
		t.Fatalf("SanitizeName(control)=%q, want %q", got, "a b")
	}
	if got := SanitizeName(strings.Repeat("x", 300)); len(got) != 256 {
		t.Fatalf("SanitizeName(long) length=%d, want 256", len(got))
	}

	tags := SanitizeTags(map[string]string{"": "dropped", "env": "prod", "long": strings.Repeat("v", 2000)})
	if _, ok := tags[""]; ok {
		t.Fatal("empty tag key must be dropped")
	}
	if tags["env"] != "prod" || len(tags["long"]) != 1024 {
		t.Fatalf("tags=%v", tags)
	}
}

func TestSerializerValue(t *testing.T) {
	t.Parallel()

	s := Serializer{MaxBytes: 32, Scrub: func(v string) string { return strings.ReplaceAll(v, "secret", "[redacted]") }}

	if got := s.Value(7); got != int64(7) {
		t.Fatalf("Value(int)=%v (%T), want int64", got, got)
	}
	if got := s.Value(errors.New("secret failure")); got != "[redacted] failure" {
		t.Fatalf("Value(error)=%v", got)
	}
	long := s.Value(strings.Repeat("a", 64)).(string)
	if !strings.HasSuffix(long, "...[truncated]") {
		t.Fatalf("Value(long)=%q, want truncated suffix", long)
	}
	if got := s.Value(make(chan int)); got == nil {
		t.Fatal("unencodable values must fall back to their printed form")
	}
	nested, _ := s.Value(map[string]any{"token": "secret"}).(map[string]any)
	if nested["token"] != "[redacted]" {
		t.Fatalf("nested=%v", nested)
	}
}

func TestSerializerKeepsLargeIntegersExact(t *testing.T) {
	t.Parallel()

	const snowflake = int64(1793847261298745345)
	s := Serializer{}

	if got := s.Value(snowflake); got != snowflake {
		t.Fatalf("Value(int64)=%v (%T), want %d", got, got, snowflake)
	}
	if got := s.Value(uint64(math.MaxUint64)); got != uint64(math.MaxUint64) {
		t.Fatalf("Value(uint64)=%v (%T)", got, got)
	}

	nested, _ := s.Value(struct {
		ID    int64   `json:"id"`
		Score float64 `json:"score"`
	}{ID: snowflake, Score: 0.5}).(map[string]any)
	if nested["id"] != snowflake {
		t.Fatalf("struct id=%v (%T), want %d", nested["id"], nested["id"], snowflake)
	}
	if nested["score"] != 0.5 {
		t.Fatalf("struct score=%v, want 0.5", nested["score"])
	}

	raw, _ := s.Value(json.RawMessage(`{"id":1793847261298745345}`)).(map[string]any)
	if raw["id"] != snowflake {
		t.Fatalf("raw id=%v (%T), want %d", raw["id"], raw["id"], snowflake)
	}
}
