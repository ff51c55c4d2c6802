package providers

// StreamAccumulator folds streamed chunks into a single Response.
type StreamAccumulator struct {
	provider Provider
	response Response
}

func NewStreamAccumulator(provider Provider) *StreamAccumulator {
	return &StreamAccumulator{provider: provider}
}

// Add parses one transport chunk. Malformed chunks are ignored.
func (a *StreamAccumulator) Add(chunk []byte) {
	if a == nil || a.provider == nil {
		return
	}
	data, err := a.provider.ParseStreamChunk(chunk)
	if err != nil || data == nil {
		return
	}
	if data.Model != "" {
		a.response.Model = data.Model
	}
	if data.InputTokens > a.response.InputTokens {
		a.response.InputTokens = data.InputTokens
	}
	// Usage-bearing events report cumulative output counts.
	if data.DeltaTokens > a.response.OutputTokens {
		a.response.OutputTokens = data.DeltaTokens
	}
	if data.TotalTokens > a.response.TotalTokens {
		a.response.TotalTokens = data.TotalTokens
	}
	if data.FinishReason != "" {
		a.response.FinishReason = data.FinishReason
	}
}

// Response returns the accumulated usage.
func (a *StreamAccumulator) Response() Response {
	response := a.response
	if sum := response.InputTokens + response.OutputTokens; response.TotalTokens < sum {
		response.TotalTokens = sum
	}
	return response
}
