package trace

import (
	"strings"
	"time"
)

// Status is the lifecycle state of a span or trace.
type Status string

const (
	StatusRunning Status = "running"
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusError
}

// SpanType classifies the unit of work a span represents.
type SpanType string

const (
	SpanTypeLLM            SpanType = "llm"
	SpanTypePreprocessing  SpanType = "preprocessing"
	SpanTypePostprocessing SpanType = "postprocessing"
	SpanTypeTool           SpanType = "tool"
	SpanTypeRetrieval      SpanType = "retrieval"
	SpanTypeCustom         SpanType = "custom"
)

// ParseSpanType normalizes raw into a known span type. Unknown values map to
// SpanTypeCustom and ok=false.
func ParseSpanType(raw string) (SpanType, bool) {
	switch SpanType(strings.ToLower(strings.TrimSpace(raw))) {
	case SpanTypeLLM:
		return SpanTypeLLM, true
	case SpanTypePreprocessing:
		return SpanTypePreprocessing, true
	case SpanTypePostprocessing:
		return SpanTypePostprocessing, true
	case SpanTypeTool:
		return SpanTypeTool, true
	case SpanTypeRetrieval:
		return SpanTypeRetrieval, true
	case SpanTypeCustom:
		return SpanTypeCustom, true
	default:
		return SpanTypeCustom, false
	}
}

// Model identifies the LLM that served a span.
type Model struct {
	Name     string `json:"name"`
	Provider string `json:"provider,omitempty"`
	Version  string `json:"version,omitempty"`
}

// TokenUsage counts tokens consumed by an LLM span.
type TokenUsage struct {
	Prompt     int `json:"promptTokens"`
	Completion int `json:"completionTokens"`
	Total      int `json:"totalTokens"`
}

// normalized clamps negative counts to zero and raises Total to at least
// Prompt+Completion unless override is set.
func (u TokenUsage) normalized(override bool) TokenUsage {
	if u.Prompt < 0 {
		u.Prompt = 0
	}
	if u.Completion < 0 {
		u.Completion = 0
	}
	if u.Total < 0 {
		u.Total = 0
	}
	if !override && u.Total < u.Prompt+u.Completion {
		u.Total = u.Prompt + u.Completion
	}
	return u
}

func (u TokenUsage) add(other TokenUsage) TokenUsage {
	return TokenUsage{
		Prompt:     u.Prompt + other.Prompt,
		Completion: u.Completion + other.Completion,
		Total:      u.Total + other.Total,
	}
}

const defaultCurrency = "USD"

// Cost is the monetary cost of a span.
type Cost struct {
	Amount       float64 `json:"amount"`
	InputAmount  float64 `json:"inputAmount,omitempty"`
	OutputAmount float64 `json:"outputAmount,omitempty"`
	Currency     string  `json:"currency"`
}

func (c Cost) normalized() Cost {
	if c.Amount < 0 {
		c.Amount = 0
	}
	if c.InputAmount < 0 {
		c.InputAmount = 0
	}
	if c.OutputAmount < 0 {
		c.OutputAmount = 0
	}
	if c.Amount < c.InputAmount+c.OutputAmount {
		c.Amount = c.InputAmount + c.OutputAmount
	}
	c.Currency = strings.ToUpper(strings.TrimSpace(c.Currency))
	if c.Currency == "" {
		c.Currency = defaultCurrency
	}
	return c
}

// Score is a named numeric judgment attached to a trace.
type Score struct {
	Name    string  `json:"name"`
	Value   float64 `json:"value"`
	Comment string  `json:"comment,omitempty"`
}

// SpanData is an immutable snapshot of a span.
type SpanData struct {
	ID           string             `json:"id"`
	TraceID      string             `json:"traceId"`
	ParentSpanID *string            `json:"parentSpanId"`
	Name         string             `json:"name"`
	Type         SpanType           `json:"type"`
	StartTime    time.Time          `json:"startTime"`
	EndTime      *time.Time         `json:"endTime,omitempty"`
	Status       Status             `json:"status"`
	Input        any                `json:"input,omitempty"`
	Output       any                `json:"output,omitempty"`
	Tags         map[string]string  `json:"tags,omitempty"`
	Metadata     map[string]any     `json:"metadata,omitempty"`
	Metrics      map[string]float64 `json:"metrics,omitempty"`
	Model        *Model             `json:"model,omitempty"`
	TokenUsage   *TokenUsage        `json:"tokenUsage,omitempty"`
	Cost         *Cost              `json:"cost,omitempty"`
	ErrorMessage string             `json:"errorMessage,omitempty"`
	ErrorType    string             `json:"errorType,omitempty"`
}

// TraceData is an immutable snapshot of a trace and its span tree. It is the
// document format used by the spool store and replay.
type TraceData struct {
	ID           string             `json:"id"`
	Name         string             `json:"name"`
	ProjectName  string             `json:"projectName,omitempty"`
	WorkspaceID  string             `json:"workspaceId,omitempty"`
	StartTime    time.Time          `json:"startTime"`
	EndTime      *time.Time         `json:"endTime,omitempty"`
	Status       Status             `json:"status"`
	Input        any                `json:"input,omitempty"`
	Output       any                `json:"output,omitempty"`
	Tags         map[string]string  `json:"tags,omitempty"`
	Metadata     map[string]any     `json:"metadata,omitempty"`
	Metrics      map[string]float64 `json:"metrics,omitempty"`
	Scores       []Score            `json:"scores,omitempty"`
	ErrorMessage string             `json:"errorMessage,omitempty"`
	ErrorType    string             `json:"errorType,omitempty"`
	Spans        []SpanData         `json:"spans,omitempty"`
}

// Duration returns EndTime-StartTime, or zero while running.
func (d TraceData) Duration() time.Duration {
	if d.EndTime == nil {
		return 0
	}
	return d.EndTime.Sub(d.StartTime)
}

// TokenUsage sums token usage over all LLM spans.
func (d TraceData) TokenUsage() TokenUsage {
	var total TokenUsage
	for _, span := range d.Spans {
		if span.TokenUsage != nil {
			total = total.add(*span.TokenUsage)
		}
	}
	return total
}

// Cost sums span costs. Spans in a currency other than the first seen are
// skipped.
func (d TraceData) Cost() Cost {
	var total Cost
	for _, span := range d.Spans {
		if span.Cost == nil {
			continue
		}
		if total.Currency == "" {
			total.Currency = span.Cost.Currency
		}
		if span.Cost.Currency != total.Currency {
			continue
		}
		total.Amount += span.Cost.Amount
		total.InputAmount += span.Cost.InputAmount
		total.OutputAmount += span.Cost.OutputAmount
	}
	return total
}

// PrimaryModel returns the model of the first LLM span that reports one.
func (d TraceData) PrimaryModel() *Model {
	for _, span := range d.Spans {
		if span.Model != nil && span.Model.Name != "" {
			model := *span.Model
			return &model
		}
	}
	return nil
}
