// Package providers extracts model and token usage from LLM provider
// responses and estimates their cost.
package providers

import "net/http"

// Response is the LLM usage recovered from one provider response.
type Response struct {
	StatusCode   int
	Model        string
	ResponseID   string
	FinishReason string
	InputTokens  int
	OutputTokens int
	TotalTokens  int
	// CachedInputTokens is the share of InputTokens served from a prompt cache.
	CachedInputTokens int
}

// StreamChunk is the usage signal carried by a single streamed event.
type StreamChunk struct {
	Model        string
	InputTokens  int
	DeltaTokens  int
	TotalTokens  int
	FinishReason string
}

type Provider interface {
	Name() string
	ParseResponse(statusCode int, headers http.Header, body []byte) (*Response, error)
	ParseStreamChunk(chunk []byte) (*StreamChunk, error)
	// Pricing returns the per-token rates for model.
	Pricing(model string) (Pricing, bool)
}
