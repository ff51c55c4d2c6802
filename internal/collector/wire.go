package collector

import (
	"time"

	"github.com/ongoingai/agenttrace/trace"
)

// API paths served by the collector backend.
const (
	PathHealth = "/api/v1/health"
	PathLogin  = "/api/v1/auth/login"
	PathTraces = "/api/v1/traces"
	PathSpans  = "/api/v1/spans"
)

// TraceCreate is the POST /api/v1/traces body. In batch mode it carries the
// finished trace, its aggregates and the embedded span tree.
type TraceCreate struct {
	ID           string             `json:"id"`
	Name         string             `json:"name"`
	ProjectName  string             `json:"projectName,omitempty"`
	WorkspaceID  string             `json:"workspaceId,omitempty"`
	StartTime    time.Time          `json:"startTime"`
	EndTime      *time.Time         `json:"endTime,omitempty"`
	Status       trace.Status       `json:"status"`
	Input        any                `json:"input,omitempty"`
	Output       any                `json:"output,omitempty"`
	Tags         map[string]string  `json:"tags,omitempty"`
	Metadata     map[string]any     `json:"metadata,omitempty"`
	Metrics      map[string]float64 `json:"metrics,omitempty"`
	Scores       []trace.Score      `json:"scores,omitempty"`
	ErrorMessage string             `json:"errorMessage,omitempty"`
	ErrorType    string             `json:"errorType,omitempty"`
	Spans        []trace.SpanData   `json:"spans,omitempty"`
	*Aggregates
}

// TraceUpdate is the PUT /api/v1/traces body that closes a trace.
type TraceUpdate struct {
	ID           string       `json:"id"`
	EndTime      *time.Time   `json:"endTime,omitempty"`
	Status       trace.Status `json:"status"`
	Output       any          `json:"output,omitempty"`
	ErrorMessage string       `json:"errorMessage,omitempty"`
	*Aggregates
}

// Aggregates are the trace-level cost and usage rollups.
type Aggregates struct {
	TotalCost        *float64 `json:"totalCost,omitempty"`
	InputCost        *float64 `json:"inputCost,omitempty"`
	OutputCost       *float64 `json:"outputCost,omitempty"`
	PromptTokens     *int     `json:"promptTokens,omitempty"`
	CompletionTokens *int     `json:"completionTokens,omitempty"`
	TotalTokens      *int     `json:"totalTokens,omitempty"`
	Provider         string   `json:"provider,omitempty"`
	ModelName        string   `json:"modelName,omitempty"`
}

// SpanCreate is the POST /api/v1/spans body.
type SpanCreate struct {
	ID           string            `json:"id"`
	TraceID      string            `json:"traceId"`
	ParentSpanID *string           `json:"parentSpanId"`
	Name         string            `json:"name"`
	Type         trace.SpanType    `json:"type"`
	StartTime    time.Time         `json:"startTime"`
	Input        any               `json:"input,omitempty"`
	Metadata     map[string]any    `json:"metadata,omitempty"`
	Tags         map[string]string `json:"tags,omitempty"`
}

// SpanUpdate is the PUT /api/v1/spans body that closes a span.
type SpanUpdate struct {
	ID           string             `json:"id"`
	EndTime      *time.Time         `json:"endTime,omitempty"`
	Status       trace.Status       `json:"status"`
	Output       any                `json:"output,omitempty"`
	ErrorMessage string             `json:"errorMessage,omitempty"`
	ErrorType    string             `json:"errorType,omitempty"`
	Metrics      map[string]float64 `json:"metrics,omitempty"`
	Model        *trace.Model       `json:"model,omitempty"`
	TokenUsage   *trace.TokenUsage  `json:"tokenUsage,omitempty"`
	Cost         *trace.Cost        `json:"cost,omitempty"`
}

// CreatedResponse is returned by the POST endpoints.
type CreatedResponse struct {
	Data struct {
		ID string `json:"id"`
	} `json:"data"`
	SpansCreated int `json:"spans_created,omitempty"`
}

// LoginRequest is the POST /api/v1/auth/login body.
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// LoginResponse carries the session token.
type LoginResponse struct {
	Data struct {
		Token string `json:"token"`
	} `json:"data"`
}

// NewTraceCreate builds the trace POST body. Spans are embedded only when
// withSpans is set.
func NewTraceCreate(data trace.TraceData, withSpans bool) TraceCreate {
	body := TraceCreate{
		ID:          data.ID,
		Name:        data.Name,
		ProjectName: data.ProjectName,
		WorkspaceID: data.WorkspaceID,
		StartTime:   data.StartTime,
		Status:      trace.StatusRunning,
		Input:       data.Input,
		Tags:        data.Tags,
		Metadata:    data.Metadata,
		Metrics:     data.Metrics,
		Scores:      data.Scores,
	}
	if withSpans {
		body.EndTime = data.EndTime
		body.Status = data.Status
		body.Output = data.Output
		body.ErrorMessage = data.ErrorMessage
		body.ErrorType = data.ErrorType
		body.Spans = data.Spans
		if body.Spans == nil {
			body.Spans = []trace.SpanData{}
		}
		body.Aggregates = newAggregates(data)
	}
	return body
}

// NewTraceUpdate builds the trace PUT body.
func NewTraceUpdate(data trace.TraceData) TraceUpdate {
	return TraceUpdate{
		ID:           data.ID,
		EndTime:      data.EndTime,
		Status:       data.Status,
		Output:       data.Output,
		ErrorMessage: data.ErrorMessage,
		Aggregates:   newAggregates(data),
	}
}

// NewSpanCreate builds the span POST body.
func NewSpanCreate(span trace.SpanData) SpanCreate {
	return SpanCreate{
		ID:           span.ID,
		TraceID:      span.TraceID,
		ParentSpanID: span.ParentSpanID,
		Name:         span.Name,
		Type:         span.Type,
		StartTime:    span.StartTime,
		Input:        span.Input,
		Metadata:     span.Metadata,
		Tags:         span.Tags,
	}
}

// NewSpanUpdate builds the span PUT body.
func NewSpanUpdate(span trace.SpanData) SpanUpdate {
	return SpanUpdate{
		ID:           span.ID,
		EndTime:      span.EndTime,
		Status:       span.Status,
		Output:       span.Output,
		ErrorMessage: span.ErrorMessage,
		ErrorType:    span.ErrorType,
		Metrics:      span.Metrics,
		Model:        span.Model,
		TokenUsage:   span.TokenUsage,
		Cost:         span.Cost,
	}
}

func newAggregates(data trace.TraceData) *Aggregates {
	agg := &Aggregates{}
	var hasUsage, hasCost bool
	for _, span := range data.Spans {
		hasUsage = hasUsage || span.TokenUsage != nil
		hasCost = hasCost || span.Cost != nil
	}
	if hasUsage {
		usage := data.TokenUsage()
		agg.PromptTokens = &usage.Prompt
		agg.CompletionTokens = &usage.Completion
		agg.TotalTokens = &usage.Total
	}
	if hasCost {
		cost := data.Cost()
		agg.TotalCost = &cost.Amount
		agg.InputCost = &cost.InputAmount
		agg.OutputCost = &cost.OutputAmount
	}
	if model := data.PrimaryModel(); model != nil {
		agg.Provider = model.Provider
		agg.ModelName = model.Name
	}
	return agg
}

// TraceData reassembles a trace document from a batch POST body.
func (c TraceCreate) TraceData() trace.TraceData {
	data := trace.TraceData{
		ID:           c.ID,
		Name:         c.Name,
		ProjectName:  c.ProjectName,
		WorkspaceID:  c.WorkspaceID,
		StartTime:    c.StartTime,
		EndTime:      c.EndTime,
		Status:       c.Status,
		Input:        c.Input,
		Output:       c.Output,
		Tags:         c.Tags,
		Metadata:     c.Metadata,
		Metrics:      c.Metrics,
		Scores:       c.Scores,
		ErrorMessage: c.ErrorMessage,
		ErrorType:    c.ErrorType,
		Spans:        c.Spans,
	}
	for i := range data.Spans {
		if data.Spans[i].TraceID == "" {
			data.Spans[i].TraceID = c.ID
		}
	}
	return data
}

// Apply folds a span PUT body into an opened span.
func (u SpanUpdate) Apply(span *trace.SpanData) {
	span.EndTime = u.EndTime
	span.Status = u.Status
	span.Output = u.Output
	span.ErrorMessage = u.ErrorMessage
	span.ErrorType = u.ErrorType
	span.Metrics = u.Metrics
	span.Model = u.Model
	span.TokenUsage = u.TokenUsage
	span.Cost = u.Cost
}

// SpanData converts a span POST body into an open span document.
func (c SpanCreate) SpanData() trace.SpanData {
	return trace.SpanData{
		ID:           c.ID,
		TraceID:      c.TraceID,
		ParentSpanID: c.ParentSpanID,
		Name:         c.Name,
		Type:         c.Type,
		StartTime:    c.StartTime,
		Status:       trace.StatusRunning,
		Input:        c.Input,
		Metadata:     c.Metadata,
		Tags:         c.Tags,
	}
}
