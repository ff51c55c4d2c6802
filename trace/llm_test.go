package trace

import (
	"context"
	"math"
	"testing"

	openai "github.com/sashabaranov/go-openai"
)

func TestRecordOpenAIChatCompletion(t *testing.T) {
	t.Parallel()

	tracer := newTestTracer(nil)
	_, span := tracer.StartSpan(context.Background(), "chat", WithSpanType(SpanTypeLLM))
	span.RecordOpenAIChatCompletion(openai.ChatCompletionResponse{
		ID:    "chatcmpl-9",
		Model: "gpt-4o",
		Choices: []openai.ChatCompletionChoice{{
			Message:      openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: "ok"},
			FinishReason: openai.FinishReasonStop,
		}},
		Usage: openai.Usage{PromptTokens: 1000, CompletionTokens: 500, TotalTokens: 1500},
	})
	_ = span.End()

	data := span.Snapshot()
	if data.Model == nil || data.Model.Name != "gpt-4o" || data.Model.Provider != "openai" {
		t.Fatalf("model=%+v", data.Model)
	}
	if data.TokenUsage == nil || data.TokenUsage.Total != 1500 {
		t.Fatalf("usage=%+v", data.TokenUsage)
	}
	if data.Cost == nil || math.Abs(data.Cost.Amount-0.0125) > 1e-9 || data.Cost.Currency != "USD" {
		t.Fatalf("cost=%+v, want 0.0125 USD", data.Cost)
	}
	if data.Metadata["llm.finish_reason"] != "stop" || data.Metadata["llm.response_id"] != "chatcmpl-9" {
		t.Fatalf("metadata=%v", data.Metadata)
	}
}

func TestRecordLLMResponseAnthropic(t *testing.T) {
	t.Parallel()

	tracer := newTestTracer(nil)
	_, span := tracer.StartSpan(context.Background(), "messages")
	body := []byte(`{"model":"claude-haiku-4-5-20251001","usage":{"input_tokens":1000,"output_tokens":1000}}`)
	if err := span.RecordLLMResponse("anthropic", 200, body); err != nil {
		t.Fatalf("RecordLLMResponse() error: %v", err)
	}

	usage, ok := span.TokenUsage()
	if !ok || usage.Total != 2000 {
		t.Fatalf("usage=%+v", usage)
	}
	cost, _ := span.Cost()
	if math.Abs(cost.Amount-0.006) > 1e-9 {
		t.Fatalf("cost=%f, want 0.006", cost.Amount)
	}
	if err := span.RecordLLMResponse("bedrock", 200, body); err == nil {
		t.Fatal("expected error for unknown provider")
	}
}

func TestRecordLLMStreamUnknownModelHasNoCost(t *testing.T) {
	t.Parallel()

	tracer := newTestTracer(nil)
	_, span := tracer.StartSpan(context.Background(), "stream")
	chunks := [][]byte{
		[]byte("data: {\"model\":\"gpt-next\",\"usage\":{\"prompt_tokens\":3,\"completion_tokens\":4,\"total_tokens\":7}}\n\n"),
		[]byte("data: [DONE]\n\n"),
	}
	if err := span.RecordLLMStream("openai", chunks); err != nil {
		t.Fatalf("RecordLLMStream() error: %v", err)
	}
	usage, _ := span.TokenUsage()
	if usage.Total != 7 {
		t.Fatalf("total=%d, want 7", usage.Total)
	}
	if _, ok := span.Cost(); ok {
		t.Fatal("unknown model must not record a cost")
	}
}
