package providers

import "net/http"

type AnthropicProvider struct{}

func (AnthropicProvider) Name() string {
	return "anthropic"
}

func (AnthropicProvider) ParseResponse(statusCode int, _ http.Header, body []byte) (*Response, error) {
	response := &Response{StatusCode: statusCode}

	payload, ok := parseJSONMap(body)
	if !ok {
		return response, nil
	}

	response.Model = extractModel(payload)
	response.ResponseID = extractString(payload, "id")
	response.FinishReason = extractString(payload, "stop_reason")
	response.InputTokens, response.OutputTokens, response.TotalTokens = extractUsage(payload)
	if usage, ok := payload["usage"].(map[string]any); ok {
		// Cache reads and writes are billed as input but reported apart.
		cached := firstInt(usage, "cache_read_input_tokens")
		created := firstInt(usage, "cache_creation_input_tokens")
		response.CachedInputTokens = cached
		response.InputTokens += cached + created
		response.TotalTokens += cached + created
	}
	return response, nil
}

// ParseStreamChunk reads message_start (input usage and model) and
// message_delta (output usage) events.
func (AnthropicProvider) ParseStreamChunk(chunk []byte) (*StreamChunk, error) {
	streamData := &StreamChunk{}

	payloadBytes := chunk
	if ssePayload := parseSSEPayload(chunk); len(ssePayload) > 0 {
		payloadBytes = ssePayload
	}

	payload, ok := parseJSONMap(payloadBytes)
	if !ok {
		return streamData, nil
	}

	streamData.Model = extractModel(payload)
	if message, ok := payload["message"].(map[string]any); ok {
		if streamData.Model == "" {
			streamData.Model = extractModel(message)
		}
		inputTokens, outputTokens, _ := extractUsage(message)
		streamData.InputTokens = inputTokens
		streamData.DeltaTokens = outputTokens
	}
	if delta, ok := payload["delta"].(map[string]any); ok {
		streamData.FinishReason = extractString(delta, "stop_reason")
	}

	inputTokens, outputTokens, _ := extractUsage(payload)
	if inputTokens > 0 {
		streamData.InputTokens = inputTokens
	}
	if outputTokens > 0 {
		streamData.DeltaTokens = outputTokens
	}
	return streamData, nil
}

var anthropicPricing = pricingTable{
	// USD per 1K tokens.
	exact: map[string]Pricing{
		"claude-opus-4-1":           {InputPer1K: 0.015, OutputPer1K: 0.075},
		"claude-sonnet-4-20250514":  {InputPer1K: 0.003, OutputPer1K: 0.015},
		"claude-haiku-4-5-20251001": {InputPer1K: 0.001, OutputPer1K: 0.005},
		"claude-3-5-haiku-20241022": {InputPer1K: 0.0008, OutputPer1K: 0.004},
	},
	prefixes: []pricingRule{
		{prefix: "claude-opus-4-1-", rates: Pricing{InputPer1K: 0.015, OutputPer1K: 0.075}},
		{prefix: "claude-opus-4-", rates: Pricing{InputPer1K: 0.015, OutputPer1K: 0.075}},
		{prefix: "claude-sonnet-4-", rates: Pricing{InputPer1K: 0.003, OutputPer1K: 0.015}},
		{prefix: "claude-haiku-4-5-", rates: Pricing{InputPer1K: 0.001, OutputPer1K: 0.005}},
		{prefix: "claude-3-7-sonnet-", rates: Pricing{InputPer1K: 0.003, OutputPer1K: 0.015}},
		{prefix: "claude-3-5-sonnet-", rates: Pricing{InputPer1K: 0.003, OutputPer1K: 0.015}},
		{prefix: "claude-3-5-haiku-", rates: Pricing{InputPer1K: 0.0008, OutputPer1K: 0.004}},
		{prefix: "claude-3-opus-", rates: Pricing{InputPer1K: 0.015, OutputPer1K: 0.075}},
		{prefix: "claude-3-haiku-", rates: Pricing{InputPer1K: 0.00025, OutputPer1K: 0.00125}},
	},
}

func (AnthropicProvider) Pricing(model string) (Pricing, bool) {
	return anthropicPricing.lookup(model)
}
