package trace

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Span is a single timed unit of work owned by exactly one Trace.
//
// All methods are safe for concurrent use. Mutations after the span has
// finished are logged and ignored.
type Span struct {
	mu sync.Mutex

	id       string
	traceID  string
	parentID string
	name     string
	spanType SpanType

	startTime time.Time
	endTime   time.Time
	status    Status

	input    any
	output   any
	tags     map[string]string
	metadata map[string]any
	metrics  map[string]float64

	model         *Model
	usage         *TokenUsage
	usageOverride bool
	cost          *Cost

	errorMessage string
	errorType    string

	trace *Trace
}

func newSpan(t *Trace, name string, parentID string, cfg spanConfig, now time.Time) *Span {
	spanType := cfg.spanType
	if spanType == "" {
		spanType = SpanTypeCustom
	}
	s := &Span{
		id:        uuid.NewString(),
		traceID:   t.id,
		parentID:  parentID,
		name:      SanitizeName(name),
		spanType:  spanType,
		startTime: now,
		status:    StatusRunning,
		tags:      SanitizeTags(cfg.tags),
		trace:     t,
	}
	if cfg.hasInput {
		s.input = t.serializer().Value(cfg.input)
	}
	if len(cfg.metadata) > 0 {
		s.metadata = make(map[string]any, len(cfg.metadata))
		for key, value := range cfg.metadata {
			s.metadata[key] = t.serializer().Value(value)
		}
	}
	if cfg.model != nil {
		model := *cfg.model
		s.model = &model
	}
	return s
}

func (s *Span) ID() string       { return s.id }
func (s *Span) TraceID() string  { return s.traceID }
func (s *Span) ParentID() string { return s.parentID }
func (s *Span) Name() string     { return s.name }
func (s *Span) Type() SpanType   { return s.spanType }

// Trace returns the owning trace.
func (s *Span) Trace() *Trace { return s.trace }

func (s *Span) StartTime() time.Time { return s.startTime }

func (s *Span) EndTime() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endTime
}

// Duration returns the elapsed time of a finished span, or zero while running.
func (s *Span) Duration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.endTime.IsZero() {
		return 0
	}
	return s.endTime.Sub(s.startTime)
}

func (s *Span) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Span) Input() any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.input
}

func (s *Span) Output() any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.output
}

func (s *Span) ErrorMessage() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errorMessage
}

func (s *Span) ErrorType() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errorType
}

// Tags returns a copy of the span tags.
func (s *Span) Tags() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyStringMap(s.tags)
}

func (s *Span) TokenUsage() (TokenUsage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.usage == nil {
		return TokenUsage{}, false
	}
	return *s.usage, true
}

func (s *Span) Cost() (Cost, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cost == nil {
		return Cost{}, false
	}
	return *s.cost, true
}

func (s *Span) Model() (Model, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.model == nil {
		return Model{}, false
	}
	return *s.model, true
}

// Finished reports whether the span reached a terminal status.
func (s *Span) Finished() bool {
	return s.Status().Terminal()
}

// mutate applies fn while the span is running. Calls on a finished span are
// logged and rejected.
func (s *Span) mutate(op string, fn func()) error {
	s.mu.Lock()
	if s.status.Terminal() {
		s.mu.Unlock()
		s.trace.logger().Debug("ignoring mutation of finished span", "op", op, "span_id", s.id, "trace_id", s.traceID)
		return ErrAlreadyFinished
	}
	fn()
	s.mu.Unlock()
	return nil
}

func (s *Span) SetInput(input any) {
	value := s.trace.serializer().Value(input)
	_ = s.mutate("set_input", func() { s.input = value })
}

func (s *Span) SetOutput(output any) {
	value := s.trace.serializer().Value(output)
	_ = s.mutate("set_output", func() { s.output = value })
}

func (s *Span) SetTag(key, value string) {
	s.SetTags(map[string]string{key: value})
}

// SetTags merges tags into the span tags.
func (s *Span) SetTags(tags map[string]string) {
	clean := SanitizeTags(tags)
	if len(clean) == 0 {
		return
	}
	_ = s.mutate("set_tags", func() {
		if s.tags == nil {
			s.tags = make(map[string]string, len(clean))
		}
		for key, value := range clean {
			s.tags[key] = value
		}
	})
}

func (s *Span) SetMetadata(key string, value any) {
	key = strings.TrimSpace(key)
	if key == "" {
		return
	}
	encoded := s.trace.serializer().Value(value)
	_ = s.mutate("set_metadata", func() {
		if s.metadata == nil {
			s.metadata = make(map[string]any)
		}
		s.metadata[key] = encoded
	})
}

func (s *Span) SetMetric(name string, value float64) {
	name = strings.TrimSpace(name)
	if name == "" {
		return
	}
	_ = s.mutate("set_metric", func() {
		if s.metrics == nil {
			s.metrics = make(map[string]float64)
		}
		s.metrics[name] = value
	})
}

func (s *Span) SetModel(model Model) {
	model.Name = strings.TrimSpace(model.Name)
	model.Provider = strings.ToLower(strings.TrimSpace(model.Provider))
	model.Version = strings.TrimSpace(model.Version)
	_ = s.mutate("set_model", func() { s.model = &model })
}

// SetTokenUsage records prompt and completion tokens. Total is derived as
// their sum.
func (s *Span) SetTokenUsage(prompt, completion int) {
	usage := TokenUsage{Prompt: prompt, Completion: completion}.normalized(false)
	_ = s.mutate("set_token_usage", func() {
		s.usage = &usage
		s.usageOverride = false
	})
}

// OverrideTokenTotal replaces the derived total, for providers that bill
// tokens beyond prompt and completion.
func (s *Span) OverrideTokenTotal(total int) {
	_ = s.mutate("override_token_total", func() {
		usage := TokenUsage{Total: total}
		if s.usage != nil {
			usage.Prompt = s.usage.Prompt
			usage.Completion = s.usage.Completion
			usage.Total = total
		}
		usage = usage.normalized(true)
		s.usage = &usage
		s.usageOverride = true
	})
}

func (s *Span) SetCost(cost Cost) {
	cost = cost.normalized()
	_ = s.mutate("set_cost", func() { s.cost = &cost })
}

// End finishes the span successfully without changing its output.
func (s *Span) End() error {
	return s.finish(StatusSuccess, nil, false, nil)
}

// Finish records output and finishes the span successfully. Finishing an
// already finished span has no effect and returns ErrAlreadyFinished.
func (s *Span) Finish(output any) error {
	return s.finish(StatusSuccess, output, true, nil)
}

// FinishWithError finishes the span as failed, recording err's message and
// type. A nil err finishes the span successfully.
func (s *Span) FinishWithError(err error) error {
	if err == nil {
		return s.End()
	}
	return s.finish(StatusError, nil, false, err)
}

func (s *Span) finish(status Status, output any, hasOutput bool, err error) error {
	var encoded any
	if hasOutput {
		encoded = s.trace.serializer().Value(output)
	}
	now := s.trace.now()

	s.mu.Lock()
	if s.status.Terminal() {
		s.mu.Unlock()
		s.trace.logger().Debug("span already finished", "span_id", s.id, "trace_id", s.traceID)
		return ErrAlreadyFinished
	}
	s.status = status
	s.endTime = now
	if hasOutput {
		s.output = encoded
	}
	if err != nil {
		s.errorMessage, s.errorType = describeError(err)
	}
	s.mu.Unlock()

	s.trace.spanFinished(s, output, hasOutput, err)
	return nil
}

// abandon force-finishes a span left open when its trace finished.
func (s *Span) abandon(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status.Terminal() {
		return false
	}
	s.status = StatusError
	s.endTime = now
	s.errorMessage = "span abandoned: trace finished before span"
	s.errorType = "abandoned"
	return true
}

// Snapshot returns an immutable copy of the span state.
func (s *Span) Snapshot() SpanData {
	s.mu.Lock()
	defer s.mu.Unlock()

	data := SpanData{
		ID:           s.id,
		TraceID:      s.traceID,
		Name:         s.name,
		Type:         s.spanType,
		StartTime:    s.startTime,
		Status:       s.status,
		Input:        s.input,
		Output:       s.output,
		Tags:         copyStringMap(s.tags),
		Metadata:     copyAnyMap(s.metadata),
		Metrics:      copyFloatMap(s.metrics),
		ErrorMessage: s.errorMessage,
		ErrorType:    s.errorType,
	}
	if s.parentID != "" {
		parentID := s.parentID
		data.ParentSpanID = &parentID
	}
	if !s.endTime.IsZero() {
		end := s.endTime
		data.EndTime = &end
	}
	if s.model != nil {
		model := *s.model
		data.Model = &model
	}
	if s.usage != nil {
		usage := *s.usage
		data.TokenUsage = &usage
	}
	if s.cost != nil {
		cost := *s.cost
		data.Cost = &cost
	}
	return data
}

// describeError returns the message and a readable type name for err.
// Context cancellation is reported as "cancelled".
func describeError(err error) (string, string) {
	if err == nil {
		return "", ""
	}
	var redacted redactedError
	if errors.As(err, &redacted) {
		return "", redacted.typeName
	}
	if errors.Is(err, context.Canceled) {
		return "cancelled: " + err.Error(), "cancelled"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "cancelled: " + err.Error(), "deadline_exceeded"
	}
	return err.Error(), errorTypeName(err)
}

func errorTypeName(err error) string {
	typ := reflect.TypeOf(err)
	if typ == nil {
		return "error"
	}
	for typ.Kind() == reflect.Pointer {
		typ = typ.Elem()
	}
	if typ.Name() == "" {
		return fmt.Sprintf("%T", err)
	}
	if pkg := typ.PkgPath(); pkg != "" {
		return pkg[strings.LastIndex(pkg, "/")+1:] + "." + typ.Name()
	}
	return typ.Name()
}

func copyStringMap(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for key, value := range in {
		out[key] = value
	}
	return out
}

func copyAnyMap(in map[string]any) map[string]any {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]any, len(in))
	for key, value := range in {
		out[key] = value
	}
	return out
}

func copyFloatMap(in map[string]float64) map[string]float64 {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]float64, len(in))
	for key, value := range in {
		out[key] = value
	}
	return out
}
