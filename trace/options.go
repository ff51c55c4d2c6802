package trace

// SpanOption configures a span started with StartSpan, WithSpan or Track.
type SpanOption func(*spanConfig)

type spanConfig struct {
	name     string
	spanType SpanType
	tags     map[string]string
	metadata map[string]any
	input    any
	hasInput bool
	parent   *Span
	model    *Model
	tracer   *Tracer

	captureInput  *bool
	captureOutput *bool
	captureErrors *bool
}

func newSpanConfig(opts []SpanOption) spanConfig {
	var cfg spanConfig
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	return cfg
}

// WithName overrides the span name. Track uses the wrapped function's name
// by default.
func WithName(name string) SpanOption {
	return func(c *spanConfig) { c.name = name }
}

// WithSpanType sets the span classification. Unknown types become custom.
func WithSpanType(spanType SpanType) SpanOption {
	return func(c *spanConfig) {
		parsed, _ := ParseSpanType(string(spanType))
		c.spanType = parsed
	}
}

// WithTags merges tags into the span tags.
func WithTags(tags map[string]string) SpanOption {
	return func(c *spanConfig) {
		if c.tags == nil {
			c.tags = make(map[string]string, len(tags))
		}
		for key, value := range tags {
			c.tags[key] = value
		}
	}
}

// WithTag sets a single span tag.
func WithTag(key, value string) SpanOption {
	return WithTags(map[string]string{key: value})
}

// WithMetadata sets a span metadata entry.
func WithMetadata(key string, value any) SpanOption {
	return func(c *spanConfig) {
		if c.metadata == nil {
			c.metadata = make(map[string]any)
		}
		c.metadata[key] = value
	}
}

// WithInput records the span input at start.
func WithInput(input any) SpanOption {
	return func(c *spanConfig) {
		c.input = input
		c.hasInput = true
	}
}

// WithParent sets an explicit parent span instead of the one in context.
func WithParent(parent *Span) SpanOption {
	return func(c *spanConfig) { c.parent = parent }
}

// WithModel records the LLM model at span start.
func WithModel(model Model) SpanOption {
	return func(c *spanConfig) { c.model = &model }
}

// WithTracer selects the tracer used when the context carries no trace.
func WithTracer(t *Tracer) SpanOption {
	return func(c *spanConfig) { c.tracer = t }
}

// WithCaptureInput controls whether Track records call arguments.
func WithCaptureInput(enabled bool) SpanOption {
	return func(c *spanConfig) { c.captureInput = &enabled }
}

// WithCaptureOutput controls whether Track records return values.
func WithCaptureOutput(enabled bool) SpanOption {
	return func(c *spanConfig) { c.captureOutput = &enabled }
}

// WithCaptureErrors controls whether Track records error messages. Failed
// calls are marked as errors either way.
func WithCaptureErrors(enabled bool) SpanOption {
	return func(c *spanConfig) { c.captureErrors = &enabled }
}

// TraceOption configures a trace started with StartTrace or WithTrace.
type TraceOption func(*traceConfig)

type traceConfig struct {
	project     string
	workspaceID string
	tags        map[string]string
	metadata    map[string]any
	input       any
	hasInput    bool
	implicit    bool
}

func newTraceConfig(opts []TraceOption) traceConfig {
	var cfg traceConfig
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	return cfg
}

// WithProject overrides the tracer's project name.
func WithProject(project string) TraceOption {
	return func(c *traceConfig) { c.project = project }
}

// WithWorkspace overrides the tracer's workspace ID.
func WithWorkspace(workspaceID string) TraceOption {
	return func(c *traceConfig) { c.workspaceID = workspaceID }
}

// WithTraceTags merges tags into the trace tags.
func WithTraceTags(tags map[string]string) TraceOption {
	return func(c *traceConfig) {
		if c.tags == nil {
			c.tags = make(map[string]string, len(tags))
		}
		for key, value := range tags {
			c.tags[key] = value
		}
	}
}

// WithTraceInput records the trace input at start.
func WithTraceInput(input any) TraceOption {
	return func(c *traceConfig) {
		c.input = input
		c.hasInput = true
	}
}

// WithTraceMetadata sets a trace metadata entry.
func WithTraceMetadata(key string, value any) TraceOption {
	return func(c *traceConfig) {
		if c.metadata == nil {
			c.metadata = make(map[string]any)
		}
		c.metadata[key] = value
	}
}
