package providers

import (
	"encoding/json"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

type OpenAIProvider struct{}

func (OpenAIProvider) Name() string {
	return "openai"
}

// ParseResponse reads chat completion bodies through the go-openai types and
// falls back to generic usage fields for other endpoints (responses,
// embeddings).
func (OpenAIProvider) ParseResponse(statusCode int, _ http.Header, body []byte) (*Response, error) {
	response := &Response{StatusCode: statusCode}

	var completion openai.ChatCompletionResponse
	if err := json.Unmarshal(body, &completion); err == nil && completion.Usage.PromptTokens+completion.Usage.CompletionTokens > 0 {
		*response = FromChatCompletion(completion)
		response.StatusCode = statusCode
		return response, nil
	}

	payload, ok := parseJSONMap(body)
	if !ok {
		return response, nil
	}
	response.Model = extractModel(payload)
	response.ResponseID = extractString(payload, "id")
	response.InputTokens, response.OutputTokens, response.TotalTokens = extractUsage(payload)
	return response, nil
}

// FromChatCompletion converts a decoded chat completion into a Response.
func FromChatCompletion(completion openai.ChatCompletionResponse) Response {
	response := Response{
		Model:        strings.TrimSpace(completion.Model),
		ResponseID:   completion.ID,
		InputTokens:  completion.Usage.PromptTokens,
		OutputTokens: completion.Usage.CompletionTokens,
		TotalTokens:  completion.Usage.TotalTokens,
	}
	if response.TotalTokens == 0 {
		response.TotalTokens = response.InputTokens + response.OutputTokens
	}
	if details := completion.Usage.PromptTokensDetails; details != nil {
		response.CachedInputTokens = details.CachedTokens
	}
	if len(completion.Choices) > 0 {
		response.FinishReason = string(completion.Choices[0].FinishReason)
	}
	return response
}

func (OpenAIProvider) ParseStreamChunk(chunk []byte) (*StreamChunk, error) {
	streamData := &StreamChunk{}

	payloadBytes := chunk
	if ssePayload := parseSSEPayload(chunk); len(ssePayload) > 0 {
		payloadBytes = ssePayload
	}

	var event openai.ChatCompletionStreamResponse
	if err := json.Unmarshal(payloadBytes, &event); err == nil && event.Usage != nil {
		streamData.Model = strings.TrimSpace(event.Model)
		streamData.InputTokens = event.Usage.PromptTokens
		streamData.DeltaTokens = event.Usage.CompletionTokens
		streamData.TotalTokens = event.Usage.TotalTokens
		if len(event.Choices) > 0 {
			streamData.FinishReason = string(event.Choices[0].FinishReason)
		}
		return streamData, nil
	}

	payload, ok := parseJSONMap(payloadBytes)
	if !ok {
		return streamData, nil
	}
	streamData.Model = extractModel(payload)
	inputTokens, outputTokens, totalTokens := extractUsage(payload)
	streamData.InputTokens = inputTokens
	streamData.TotalTokens = totalTokens
	if outputTokens > 0 {
		streamData.DeltaTokens = outputTokens
	} else if totalTokens > 0 && inputTokens == 0 {
		streamData.DeltaTokens = totalTokens
	}
	if choices, ok := payload["choices"].([]any); ok && len(choices) > 0 {
		if choice, ok := choices[0].(map[string]any); ok {
			streamData.FinishReason = extractString(choice, "finish_reason")
		}
	}
	return streamData, nil
}

var openAIPricing = pricingTable{
	// USD per 1K tokens.
	exact: map[string]Pricing{
		"gpt-4o":        {InputPer1K: 0.005, OutputPer1K: 0.015},
		"gpt-4o-mini":   {InputPer1K: 0.00015, OutputPer1K: 0.0006},
		"gpt-4.1":       {InputPer1K: 0.002, OutputPer1K: 0.008},
		"gpt-4.1-mini":  {InputPer1K: 0.0004, OutputPer1K: 0.0016},
		"gpt-4.1-nano":  {InputPer1K: 0.0001, OutputPer1K: 0.0004},
		"gpt-3.5-turbo": {InputPer1K: 0.0005, OutputPer1K: 0.0015},
		"o3-mini":       {InputPer1K: 0.0011, OutputPer1K: 0.0044},
	},
	prefixes: []pricingRule{
		{prefix: "gpt-4o-mini-", rates: Pricing{InputPer1K: 0.00015, OutputPer1K: 0.0006}},
		{prefix: "gpt-4o-", rates: Pricing{InputPer1K: 0.005, OutputPer1K: 0.015}},
		{prefix: "gpt-4.1-mini-", rates: Pricing{InputPer1K: 0.0004, OutputPer1K: 0.0016}},
		{prefix: "gpt-4.1-nano-", rates: Pricing{InputPer1K: 0.0001, OutputPer1K: 0.0004}},
		{prefix: "gpt-4.1-", rates: Pricing{InputPer1K: 0.002, OutputPer1K: 0.008}},
		{prefix: "gpt-3.5-turbo-", rates: Pricing{InputPer1K: 0.0005, OutputPer1K: 0.0015}},
		{prefix: "o3-mini-", rates: Pricing{InputPer1K: 0.0011, OutputPer1K: 0.0044}},
	},
}

func (OpenAIProvider) Pricing(model string) (Pricing, bool) {
	return openAIPricing.lookup(model)
}
