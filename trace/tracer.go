package trace

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"
)

// Exporter receives finished root traces. Enqueue must not block the caller
// for long and reports whether the trace was accepted.
type Exporter interface {
	Enqueue(t *Trace) bool
}

// Processor observes finished traces before they are exported. Processors
// run synchronously on the finishing goroutine and must be cheap.
type Processor interface {
	OnTraceEnd(t *Trace)
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc func(t *Trace)

func (f ProcessorFunc) OnTraceEnd(t *Trace) { f(t) }

// TracerOptions configures a Tracer.
type TracerOptions struct {
	// Project is the default project/service name for new traces.
	Project     string
	WorkspaceID string
	// Exporter receives finished traces. Nil discards them.
	Exporter   Exporter
	Processors []Processor
	Logger     *slog.Logger
	// CaptureInputs and CaptureOutputs set the defaults for Track.
	CaptureInputs  *bool
	CaptureOutputs *bool
	// MaxPayloadBytes caps serialized input/output size.
	MaxPayloadBytes int
	// Scrub rewrites captured strings before they are stored.
	Scrub func(string) string
}

// Tracer creates traces and spans and hands finished traces to an Exporter.
type Tracer struct {
	project       string
	workspaceID   string
	exporter      Exporter
	processors    []Processor
	logger        *slog.Logger
	serializer    Serializer
	captureInput  bool
	captureOutput bool
	nowFn         func() time.Time

	finishedTotal atomic.Int64
	rejectedTotal atomic.Int64
}

func NewTracer(opts TracerOptions) *Tracer {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	t := &Tracer{
		project:       strings.TrimSpace(opts.Project),
		workspaceID:   strings.TrimSpace(opts.WorkspaceID),
		exporter:      opts.Exporter,
		processors:    append([]Processor(nil), opts.Processors...),
		logger:        logger,
		serializer:    Serializer{MaxBytes: opts.MaxPayloadBytes, Scrub: opts.Scrub},
		captureInput:  true,
		captureOutput: true,
		nowFn:         func() time.Time { return time.Now().UTC() },
	}
	if opts.CaptureInputs != nil {
		t.captureInput = *opts.CaptureInputs
	}
	if opts.CaptureOutputs != nil {
		t.captureOutput = *opts.CaptureOutputs
	}
	return t
}

var defaultTracer atomic.Pointer[Tracer]

func init() {
	defaultTracer.Store(NewTracer(TracerOptions{}))
}

// Default returns the process-wide tracer used when no tracer is passed
// explicitly and the context carries no trace.
func Default() *Tracer {
	return defaultTracer.Load()
}

// SetDefault replaces the process-wide tracer. A nil tracer restores a
// discarding tracer.
func SetDefault(t *Tracer) {
	if t == nil {
		t = NewTracer(TracerOptions{})
	}
	defaultTracer.Store(t)
}

// FinishedTraces returns how many root traces finished on this tracer.
func (t *Tracer) FinishedTraces() int64 {
	return t.finishedTotal.Load()
}

// RejectedTraces returns how many finished traces the exporter refused.
func (t *Tracer) RejectedTraces() int64 {
	return t.rejectedTotal.Load()
}

// StartTrace opens a new root trace and makes it current in the returned
// context. The caller must finish it.
func (t *Tracer) StartTrace(ctx context.Context, name string, opts ...TraceOption) (context.Context, *Trace) {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg := newTraceConfig(opts)
	tr := newTrace(t, name, cfg)
	ctx, _ = SetCurrentTrace(ctx, tr)
	return ctx, tr
}

// StartSpan opens a span under the current span of ctx (or the current
// trace's root span). With no running trace in ctx an implicit root trace
// is created; it finishes together with the returned span.
func (t *Tracer) StartSpan(ctx context.Context, name string, opts ...SpanOption) (context.Context, *Span) {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg := newSpanConfig(opts)
	if cfg.name != "" {
		name = cfg.name
	}

	parent := cfg.parent
	if parent == nil {
		parent = CurrentSpan(ctx)
	}
	var owner *Trace
	if parent != nil {
		owner = parent.trace
	} else {
		owner = CurrentTrace(ctx)
	}

	if owner != nil {
		if span, ok := owner.startSpan(name, parent, cfg); ok {
			ctx, _ = SetCurrentSpan(ctx, span)
			return ctx, span
		}
		t.logger.Warn("span started on finished trace; opening implicit trace", "trace_id", owner.id, "span_name", name)
	}

	tr := newTrace(t, name, traceConfig{
		implicit: true,
		input:    cfg.input,
		hasInput: cfg.hasInput,
	})
	ctx, _ = SetCurrentTrace(ctx, tr)
	span, _ := tr.startSpan(name, nil, cfg)
	ctx, _ = SetCurrentSpan(ctx, span)
	return ctx, span
}

// WithTrace runs fn inside a new root trace and finishes the trace on every
// exit path: success, error, panic (re-raised) or cancellation. The error
// returned by fn is returned unchanged.
func (t *Tracer) WithTrace(ctx context.Context, name string, fn func(context.Context) error, opts ...TraceOption) (err error) {
	traceCtx, tr := t.StartTrace(ctx, name, opts...)
	completed := false
	defer func() {
		if completed {
			return
		}
		r := recover()
		_ = tr.FinishWithError(panicError(r))
		if r != nil {
			panic(r)
		}
	}()
	err = fn(traceCtx)
	completed = true
	_ = tr.FinishWithError(scopeError(traceCtx, err))
	return err
}

// WithSpan runs fn inside a new span and finishes the span on every exit
// path. The error returned by fn is returned unchanged.
func (t *Tracer) WithSpan(ctx context.Context, name string, fn func(context.Context) error, opts ...SpanOption) (err error) {
	spanCtx, span := t.StartSpan(ctx, name, opts...)
	completed := false
	defer func() {
		if completed {
			return
		}
		r := recover()
		_ = span.FinishWithError(panicError(r))
		if r != nil {
			panic(r)
		}
	}()
	err = fn(spanCtx)
	completed = true
	_ = span.FinishWithError(scopeError(spanCtx, err))
	return err
}

// scopeError is the error recorded when a scope exits. A context canceled
// while fn ran is recorded even if fn itself returned nil.
func scopeError(ctx context.Context, err error) error {
	if err == nil {
		return ctx.Err()
	}
	return err
}

// traceFinished runs processors and exports t. Failures never reach the
// caller: processor panics are recovered and exporter refusals are counted.
func (t *Tracer) traceFinished(tr *Trace) {
	t.finishedTotal.Add(1)
	for _, p := range t.processors {
		t.runProcessor(p, tr)
	}
	if t.exporter == nil {
		t.logger.Debug("no exporter configured; discarding trace", "trace_id", tr.id)
		return
	}
	if !t.exporter.Enqueue(tr) {
		t.rejectedTotal.Add(1)
		t.logger.Debug("exporter rejected trace", "trace_id", tr.id)
	}
}

func (t *Tracer) runProcessor(p Processor, tr *Trace) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("trace processor panicked", "trace_id", tr.id, "panic", fmt.Sprint(r))
		}
	}()
	p.OnTraceEnd(tr)
}

// tracerFor resolves the tracer for ctx: the tracer owning the current
// trace, otherwise the default tracer.
func tracerFor(ctx context.Context) *Tracer {
	if tr := CurrentTrace(ctx); tr != nil && tr.tracer != nil {
		return tr.tracer
	}
	return Default()
}

// StartTrace opens a root trace on the default tracer.
func StartTrace(ctx context.Context, name string, opts ...TraceOption) (context.Context, *Trace) {
	return Default().StartTrace(ctx, name, opts...)
}

// StartSpan opens a span on the tracer resolved from ctx.
func StartSpan(ctx context.Context, name string, opts ...SpanOption) (context.Context, *Span) {
	cfg := newSpanConfig(opts)
	if cfg.tracer != nil {
		return cfg.tracer.StartSpan(ctx, name, opts...)
	}
	return tracerFor(ctx).StartSpan(ctx, name, opts...)
}

// WithSpan runs fn in a span on the tracer resolved from ctx.
func WithSpan(ctx context.Context, name string, fn func(context.Context) error, opts ...SpanOption) error {
	cfg := newSpanConfig(opts)
	if cfg.tracer != nil {
		return cfg.tracer.WithSpan(ctx, name, fn, opts...)
	}
	return tracerFor(ctx).WithSpan(ctx, name, fn, opts...)
}

// WithTrace runs fn in a root trace on the default tracer.
func WithTrace(ctx context.Context, name string, fn func(context.Context) error, opts ...TraceOption) error {
	return Default().WithTrace(ctx, name, fn, opts...)
}

// PanicError wraps a recovered panic value recorded on a span.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// panicError converts a recover() result into an error. A nil value means
// the goroutine exited via runtime.Goexit.
func panicError(r any) error {
	if r == nil {
		return &PanicError{Value: "goroutine exited"}
	}
	if err, ok := r.(error); ok {
		return &PanicError{Value: err}
	}
	return &PanicError{Value: r}
}
