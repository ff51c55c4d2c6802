package trace

import (
	"context"
	"reflect"
	"runtime"
	"strings"
)

// trackedCall is the span lifecycle shared by the blocking and the
// future-returning wrappers.
type trackedCall struct {
	ctx           context.Context
	span          *Span
	captureOutput bool
	captureErrors bool
}

func startTracked(ctx context.Context, defaultName string, opts []SpanOption, input any, hasInput bool) *trackedCall {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg := newSpanConfig(opts)
	tracer := cfg.tracer
	if tracer == nil {
		tracer = tracerFor(ctx)
	}

	captureInput := tracer.captureInput
	if cfg.captureInput != nil {
		captureInput = *cfg.captureInput
	}
	captureOutput := tracer.captureOutput
	if cfg.captureOutput != nil {
		captureOutput = *cfg.captureOutput
	}
	captureErrors := true
	if cfg.captureErrors != nil {
		captureErrors = *cfg.captureErrors
	}

	spanOpts := append([]SpanOption(nil), opts...)
	if cfg.name == "" {
		spanOpts = append(spanOpts, WithName(defaultName))
	}
	if hasInput && captureInput && !cfg.hasInput {
		spanOpts = append(spanOpts, WithInput(input))
	}
	spanCtx, span := tracer.StartSpan(ctx, defaultName, spanOpts...)
	return &trackedCall{
		ctx:           spanCtx,
		span:          span,
		captureOutput: captureOutput,
		captureErrors: captureErrors,
	}
}

func (c *trackedCall) end(output any, hasOutput bool, err error) {
	if err == nil {
		if cerr := c.ctx.Err(); cerr != nil {
			_ = c.span.FinishWithError(cerr)
			return
		}
	}
	if err != nil {
		if !c.captureErrors {
			err = redactedError{typeName: errorTypeName(err)}
		}
		_ = c.span.FinishWithError(err)
		return
	}
	if hasOutput && c.captureOutput {
		_ = c.span.Finish(output)
		return
	}
	_ = c.span.End()
}

// guard finishes the span when the wrapped function panicked or exited the
// goroutine. It must be deferred; completed is set once fn returned.
func (c *trackedCall) guard(completed *bool) {
	if *completed {
		return
	}
	r := recover()
	_ = c.span.FinishWithError(panicError(r))
	if r != nil {
		panic(r)
	}
}

type redactedError struct {
	typeName string
}

func (e redactedError) Error() string { return "error details not captured" }

// Track wraps fn so every call runs inside a span. The span is parented to
// the current span of the call's context; outside any trace an implicit root
// trace is created. Return values and errors pass through unchanged and
// panics are re-raised after being recorded.
func Track[In, Out any](fn func(context.Context, In) (Out, error), opts ...SpanOption) func(context.Context, In) (Out, error) {
	name := functionName(fn)
	return func(ctx context.Context, in In) (Out, error) {
		call := startTracked(ctx, name, opts, in, true)
		completed := false
		defer call.guard(&completed)

		out, err := fn(call.ctx, in)
		completed = true
		call.end(out, true, err)
		return out, err
	}
}

// Track0 wraps a function without arguments.
func Track0[Out any](fn func(context.Context) (Out, error), opts ...SpanOption) func(context.Context) (Out, error) {
	name := functionName(fn)
	return func(ctx context.Context) (Out, error) {
		call := startTracked(ctx, name, opts, nil, false)
		completed := false
		defer call.guard(&completed)

		out, err := fn(call.ctx)
		completed = true
		call.end(out, true, err)
		return out, err
	}
}

// TrackErr wraps a function that only returns an error.
func TrackErr[In any](fn func(context.Context, In) error, opts ...SpanOption) func(context.Context, In) error {
	name := functionName(fn)
	return func(ctx context.Context, in In) error {
		call := startTracked(ctx, name, opts, in, true)
		completed := false
		defer call.guard(&completed)

		err := fn(call.ctx, in)
		completed = true
		call.end(nil, false, err)
		return err
	}
}

// Future is the pending result of a call wrapped with TrackAsync.
type Future[T any] struct {
	done     chan struct{}
	value    T
	err      error
	panicked bool
	panicVal any
}

// Done is closed when the call completed.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Await blocks until the call completes or ctx is done. A panic in the
// wrapped function is re-raised in the awaiting goroutine.
func (f *Future[T]) Await(ctx context.Context) (T, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-f.done:
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
	if f.panicked {
		panic(f.panicVal)
	}
	return f.value, f.err
}

// TrackAsync wraps fn so each call runs in its own goroutine inside a span.
// The span and its parent are resolved before the goroutine starts, so a
// suspended call is never attributed to a concurrently running sibling.
func TrackAsync[In, Out any](fn func(context.Context, In) (Out, error), opts ...SpanOption) func(context.Context, In) *Future[Out] {
	name := functionName(fn)
	return func(ctx context.Context, in In) *Future[Out] {
		call := startTracked(ctx, name, opts, in, true)
		future := &Future[Out]{done: make(chan struct{})}
		go func() {
			defer close(future.done)
			completed := false
			defer func() {
				if completed {
					return
				}
				r := recover()
				_ = call.span.FinishWithError(panicError(r))
				if r != nil {
					future.panicked = true
					future.panicVal = r
				}
			}()

			out, err := fn(call.ctx, in)
			completed = true
			call.end(out, true, err)
			future.value, future.err = out, err
		}()
		return future
	}
}

// functionName returns the short name of fn, for example "f" for
// "github.com/acme/app.f" and "(*Agent).Run" for a method value.
func functionName(fn any) string {
	value := reflect.ValueOf(fn)
	if value.Kind() != reflect.Func || value.IsNil() {
		return unnamed
	}
	info := runtime.FuncForPC(value.Pointer())
	if info == nil {
		return unnamed
	}
	full := info.Name()
	if idx := strings.LastIndex(full, "/"); idx >= 0 {
		full = full[idx+1:]
	}
	if idx := strings.Index(full, "."); idx >= 0 {
		full = full[idx+1:]
	}
	full = strings.TrimSuffix(full, "-fm")
	if full == "" {
		return unnamed
	}
	return full
}
