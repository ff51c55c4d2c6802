package trace

import (
	"fmt"

	"github.com/ongoingai/agenttrace/internal/providers"
	openai "github.com/sashabaranov/go-openai"
)

var providerRegistry = providers.DefaultRegistry()

// RecordOpenAIChatCompletion records model, token usage and estimated cost
// from a go-openai chat completion on the span.
func (s *Span) RecordOpenAIChatCompletion(resp openai.ChatCompletionResponse) {
	provider, _ := providerRegistry.Get("openai")
	s.recordLLM(provider, providers.FromChatCompletion(resp))
}

// RecordLLMResponse parses a raw provider response body and records the
// model, token usage and estimated cost it reports.
func (s *Span) RecordLLMResponse(providerName string, statusCode int, body []byte) error {
	provider, ok := providerRegistry.Get(providerName)
	if !ok {
		return fmt.Errorf("unknown llm provider %q", providerName)
	}
	response, err := provider.ParseResponse(statusCode, nil, body)
	if err != nil {
		return fmt.Errorf("parse %s response: %w", provider.Name(), err)
	}
	s.recordLLM(provider, *response)
	return nil
}

// RecordLLMStream folds the raw chunks of a streamed response and records
// the resulting usage.
func (s *Span) RecordLLMStream(providerName string, chunks [][]byte) error {
	provider, ok := providerRegistry.Get(providerName)
	if !ok {
		return fmt.Errorf("unknown llm provider %q", providerName)
	}
	acc := providers.NewStreamAccumulator(provider)
	for _, chunk := range chunks {
		acc.Add(chunk)
	}
	s.recordLLM(provider, acc.Response())
	return nil
}

func (s *Span) recordLLM(provider providers.Provider, response providers.Response) {
	if response.Model != "" {
		s.SetModel(Model{Name: response.Model, Provider: provider.Name()})
	}
	if response.InputTokens > 0 || response.OutputTokens > 0 || response.TotalTokens > 0 {
		s.SetTokenUsage(response.InputTokens, response.OutputTokens)
		if response.TotalTokens > response.InputTokens+response.OutputTokens {
			s.OverrideTokenTotal(response.TotalTokens)
		}
	}
	if rates, ok := provider.Pricing(response.Model); ok {
		input, output := rates.Cost(response.InputTokens, response.OutputTokens)
		s.SetCost(Cost{Amount: input + output, InputAmount: input, OutputAmount: output, Currency: defaultCurrency})
	}
	if response.ResponseID != "" {
		s.SetMetadata("llm.response_id", response.ResponseID)
	}
	if response.FinishReason != "" {
		s.SetMetadata("llm.finish_reason", response.FinishReason)
	}
	if response.CachedInputTokens > 0 {
		s.SetMetric("llm.cached_input_tokens", float64(response.CachedInputTokens))
	}
	if response.StatusCode > 0 {
		s.SetMetric("llm.http_status", float64(response.StatusCode))
	}
}
