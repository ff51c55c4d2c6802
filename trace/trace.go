package trace

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Trace is the root aggregate of one logical operation. It owns an ordered
// tree of spans and is handed to the tracer's exporter once finished.
//
// All methods are safe for concurrent use.
type Trace struct {
	mu sync.Mutex

	id          string
	name        string
	project     string
	workspaceID string

	startTime time.Time
	endTime   time.Time
	status    Status

	input    any
	output   any
	tags     map[string]string
	metadata map[string]any
	metrics  map[string]float64
	scores   []Score

	errorMessage string
	errorType    string

	spans    []*Span
	rootSpan *Span

	// implicit traces are created on demand for spans started outside any
	// trace; they finish together with their root span.
	implicit bool

	tracer *Tracer
}

func newTrace(tr *Tracer, name string, cfg traceConfig) *Trace {
	t := &Trace{
		id:          uuid.NewString(),
		name:        SanitizeName(name),
		project:     strings.TrimSpace(cfg.project),
		workspaceID: strings.TrimSpace(cfg.workspaceID),
		status:      StatusRunning,
		tags:        SanitizeTags(cfg.tags),
		implicit:    cfg.implicit,
		tracer:      tr,
	}
	if t.project == "" && tr != nil {
		t.project = tr.project
	}
	if t.workspaceID == "" && tr != nil {
		t.workspaceID = tr.workspaceID
	}
	t.startTime = t.now()
	if cfg.hasInput {
		t.input = t.serializer().Value(cfg.input)
	}
	if len(cfg.metadata) > 0 {
		t.metadata = make(map[string]any, len(cfg.metadata))
		for key, value := range cfg.metadata {
			t.metadata[key] = t.serializer().Value(value)
		}
	}
	return t
}

// FromData rebuilds a finished trace from a snapshot, for example when
// replaying spooled traces. The result is immutable.
func FromData(data TraceData) *Trace {
	t := &Trace{
		id:           data.ID,
		name:         data.Name,
		project:      data.ProjectName,
		workspaceID:  data.WorkspaceID,
		startTime:    data.StartTime,
		status:       data.Status,
		input:        data.Input,
		output:       data.Output,
		tags:         copyStringMap(data.Tags),
		metadata:     copyAnyMap(data.Metadata),
		metrics:      copyFloatMap(data.Metrics),
		scores:       append([]Score(nil), data.Scores...),
		errorMessage: data.ErrorMessage,
		errorType:    data.ErrorType,
	}
	if data.EndTime != nil {
		t.endTime = *data.EndTime
	}
	if !t.status.Terminal() {
		t.status = StatusError
		t.errorMessage = "trace restored without terminal status"
	}
	for _, sd := range data.Spans {
		s := &Span{
			id:           sd.ID,
			traceID:      data.ID,
			name:         sd.Name,
			spanType:     sd.Type,
			startTime:    sd.StartTime,
			status:       sd.Status,
			input:        sd.Input,
			output:       sd.Output,
			tags:         copyStringMap(sd.Tags),
			metadata:     copyAnyMap(sd.Metadata),
			metrics:      copyFloatMap(sd.Metrics),
			errorMessage: sd.ErrorMessage,
			errorType:    sd.ErrorType,
			trace:        t,
		}
		if sd.ParentSpanID != nil {
			s.parentID = *sd.ParentSpanID
		}
		if sd.EndTime != nil {
			s.endTime = *sd.EndTime
		}
		if !s.status.Terminal() {
			s.status = StatusError
		}
		if sd.Model != nil {
			model := *sd.Model
			s.model = &model
		}
		if sd.TokenUsage != nil {
			usage := *sd.TokenUsage
			s.usage = &usage
		}
		if sd.Cost != nil {
			cost := *sd.Cost
			s.cost = &cost
		}
		if s.parentID == "" && t.rootSpan == nil {
			t.rootSpan = s
		}
		t.spans = append(t.spans, s)
	}
	return t
}

func (t *Trace) ID() string          { return t.id }
func (t *Trace) Name() string        { return t.name }
func (t *Trace) Project() string     { return t.project }
func (t *Trace) WorkspaceID() string { return t.workspaceID }
func (t *Trace) StartTime() time.Time {
	return t.startTime
}

// Implicit reports whether the trace was created automatically for a span
// started outside any trace.
func (t *Trace) Implicit() bool { return t.implicit }

func (t *Trace) EndTime() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.endTime
}

func (t *Trace) Duration() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.endTime.IsZero() {
		return 0
	}
	return t.endTime.Sub(t.startTime)
}

func (t *Trace) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

func (t *Trace) Finished() bool {
	return t.Status().Terminal()
}

func (t *Trace) Input() any {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.input
}

func (t *Trace) Output() any {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.output
}

func (t *Trace) ErrorMessage() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.errorMessage
}

func (t *Trace) Tags() map[string]string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return copyStringMap(t.tags)
}

func (t *Trace) Scores() []Score {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Score(nil), t.scores...)
}

// Spans returns the spans in creation order.
func (t *Trace) Spans() []*Span {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*Span(nil), t.spans...)
}

// RootSpan returns the span without a parent, or nil if the trace has no spans.
func (t *Trace) RootSpan() *Span {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rootSpan
}

func (t *Trace) mutate(op string, fn func()) error {
	t.mu.Lock()
	if t.status.Terminal() {
		t.mu.Unlock()
		t.logger().Debug("ignoring mutation of finished trace", "op", op, "trace_id", t.id)
		return ErrAlreadyFinished
	}
	fn()
	t.mu.Unlock()
	return nil
}

func (t *Trace) SetInput(input any) {
	value := t.serializer().Value(input)
	_ = t.mutate("set_input", func() { t.input = value })
}

func (t *Trace) SetOutput(output any) {
	value := t.serializer().Value(output)
	_ = t.mutate("set_output", func() { t.output = value })
}

func (t *Trace) SetTag(key, value string) {
	t.SetTags(map[string]string{key: value})
}

func (t *Trace) SetTags(tags map[string]string) {
	clean := SanitizeTags(tags)
	if len(clean) == 0 {
		return
	}
	_ = t.mutate("set_tags", func() {
		if t.tags == nil {
			t.tags = make(map[string]string, len(clean))
		}
		for key, value := range clean {
			t.tags[key] = value
		}
	})
}

func (t *Trace) SetMetadata(key string, value any) {
	key = strings.TrimSpace(key)
	if key == "" {
		return
	}
	encoded := t.serializer().Value(value)
	_ = t.mutate("set_metadata", func() {
		if t.metadata == nil {
			t.metadata = make(map[string]any)
		}
		t.metadata[key] = encoded
	})
}

func (t *Trace) SetMetric(name string, value float64) {
	name = strings.TrimSpace(name)
	if name == "" {
		return
	}
	_ = t.mutate("set_metric", func() {
		if t.metrics == nil {
			t.metrics = make(map[string]float64)
		}
		t.metrics[name] = value
	})
}

// AddScore attaches a named judgment (feedback, evaluation result) to the
// trace. Scores with the same name replace earlier ones.
func (t *Trace) AddScore(name string, value float64, comment string) {
	name = strings.TrimSpace(name)
	if name == "" {
		return
	}
	_ = t.mutate("add_score", func() {
		for i := range t.scores {
			if t.scores[i].Name == name {
				t.scores[i] = Score{Name: name, Value: value, Comment: comment}
				return
			}
		}
		t.scores = append(t.scores, Score{Name: name, Value: value, Comment: comment})
	})
}

// startSpan creates a span in t. A nil parent attaches the span to the root
// span; the first parentless span becomes the root.
func (t *Trace) startSpan(name string, parent *Span, cfg spanConfig) (*Span, bool) {
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status.Terminal() {
		return nil, false
	}
	if parent != nil && parent.trace != t {
		parent = nil
	}
	if parent == nil {
		parent = t.rootSpan
	}
	parentID := ""
	if parent != nil {
		parentID = parent.id
	}
	s := newSpan(t, name, parentID, cfg, now)
	if t.rootSpan == nil {
		t.rootSpan = s
	}
	t.spans = append(t.spans, s)
	return s, true
}

// spanFinished mirrors the root span's outcome onto an implicit trace.
func (t *Trace) spanFinished(s *Span, output any, hasOutput bool, err error) {
	if !t.implicit {
		return
	}
	t.mu.Lock()
	isRoot := t.rootSpan == s
	t.mu.Unlock()
	if !isRoot {
		return
	}
	if err != nil {
		_ = t.FinishWithError(err)
		return
	}
	if hasOutput {
		_ = t.Finish(output)
		return
	}
	_ = t.End()
}

// End finishes the trace successfully without changing its output.
func (t *Trace) End() error {
	return t.finish(StatusSuccess, nil, false, nil)
}

// Finish records output and finishes the trace successfully. The trace is
// then handed to the tracer's exporter. Repeated calls return
// ErrAlreadyFinished and have no effect.
func (t *Trace) Finish(output any) error {
	return t.finish(StatusSuccess, output, true, nil)
}

// FinishWithError finishes the trace as failed.
func (t *Trace) FinishWithError(err error) error {
	if err == nil {
		return t.End()
	}
	return t.finish(StatusError, nil, false, err)
}

func (t *Trace) finish(status Status, output any, hasOutput bool, err error) error {
	var encoded any
	if hasOutput {
		encoded = t.serializer().Value(output)
	}
	now := t.now()

	t.mu.Lock()
	if t.status.Terminal() {
		t.mu.Unlock()
		t.logger().Debug("trace already finished", "trace_id", t.id)
		return ErrAlreadyFinished
	}
	t.status = status
	t.endTime = now
	if hasOutput {
		t.output = encoded
	}
	if err != nil {
		t.errorMessage, t.errorType = describeError(err)
	}
	spans := append([]*Span(nil), t.spans...)
	t.mu.Unlock()

	abandoned := 0
	for i := len(spans) - 1; i >= 0; i-- {
		if spans[i].abandon(now) {
			abandoned++
		}
	}
	if abandoned > 0 {
		t.logger().Warn("trace finished with open spans", "trace_id", t.id, "abandoned_spans", abandoned)
	}

	if t.tracer != nil {
		t.tracer.traceFinished(t)
	}
	return nil
}

// Snapshot returns an immutable copy of the trace and its span tree.
func (t *Trace) Snapshot() TraceData {
	t.mu.Lock()
	data := TraceData{
		ID:           t.id,
		Name:         t.name,
		ProjectName:  t.project,
		WorkspaceID:  t.workspaceID,
		StartTime:    t.startTime,
		Status:       t.status,
		Input:        t.input,
		Output:       t.output,
		Tags:         copyStringMap(t.tags),
		Metadata:     copyAnyMap(t.metadata),
		Metrics:      copyFloatMap(t.metrics),
		Scores:       append([]Score(nil), t.scores...),
		ErrorMessage: t.errorMessage,
		ErrorType:    t.errorType,
	}
	if !t.endTime.IsZero() {
		end := t.endTime
		data.EndTime = &end
	}
	spans := append([]*Span(nil), t.spans...)
	t.mu.Unlock()

	if len(spans) > 0 {
		data.Spans = make([]SpanData, 0, len(spans))
		for _, s := range spans {
			data.Spans = append(data.Spans, s.Snapshot())
		}
	}
	return data
}

func (t *Trace) serializer() Serializer {
	if t == nil || t.tracer == nil {
		return Serializer{}
	}
	return t.tracer.serializer
}

func (t *Trace) logger() *slog.Logger {
	if t == nil || t.tracer == nil || t.tracer.logger == nil {
		return slog.Default()
	}
	return t.tracer.logger
}

func (t *Trace) now() time.Time {
	if t != nil && t.tracer != nil && t.tracer.nowFn != nil {
		return t.tracer.nowFn()
	}
	return time.Now().UTC()
}
