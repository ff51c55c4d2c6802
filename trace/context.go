package trace

import "context"

// frame is one entry of a call chain's active trace/span stack. Frames are
// immutable and linked towards the bottom of the stack, so a context handed
// to another goroutine carries a snapshot that later pushes elsewhere never
// touch.
type frame struct {
	parent *frame
	trace  *Trace
	span   *Span
	depth  int
}

type contextKey struct{}

var frameContextKey contextKey

// Token identifies a pushed frame so it can be restored later.
type Token struct {
	frame *frame
}

func frameFromContext(ctx context.Context) *frame {
	if ctx == nil {
		return nil
	}
	f, _ := ctx.Value(frameContextKey).(*frame)
	return f
}

func push(ctx context.Context, t *Trace, s *Span) (context.Context, Token) {
	if ctx == nil {
		ctx = context.Background()
	}
	parent := frameFromContext(ctx)
	depth := 1
	if parent != nil {
		depth = parent.depth + 1
	}
	f := &frame{parent: parent, trace: t, span: s, depth: depth}
	return context.WithValue(ctx, frameContextKey, f), Token{frame: f}
}

// CurrentTrace returns the trace active in ctx, or nil.
func CurrentTrace(ctx context.Context) *Trace {
	if f := frameFromContext(ctx); f != nil {
		return f.trace
	}
	return nil
}

// CurrentSpan returns the span active in ctx, or nil when no span is open or
// the innermost frame is a trace without spans yet.
func CurrentSpan(ctx context.Context) *Span {
	if f := frameFromContext(ctx); f != nil {
		return f.span
	}
	return nil
}

// SetCurrentTrace pushes t as the active trace. The returned token restores
// the previous frame.
func SetCurrentTrace(ctx context.Context, t *Trace) (context.Context, Token) {
	return push(ctx, t, nil)
}

// SetCurrentSpan pushes s (and its trace) as active.
func SetCurrentSpan(ctx context.Context, s *Span) (context.Context, Token) {
	var t *Trace
	if s != nil {
		t = s.trace
	}
	return push(ctx, t, s)
}

// Restore pops the frame identified by token. The token must be the
// innermost frame of ctx; otherwise ctx is returned unchanged together with
// an *InstrumentationError wrapping ErrFrameMismatch.
func Restore(ctx context.Context, token Token) (context.Context, error) {
	top := frameFromContext(ctx)
	if token.frame == nil || top != token.frame {
		return ctx, &InstrumentationError{Op: "restore", Err: ErrFrameMismatch}
	}
	return context.WithValue(ctx, frameContextKey, top.parent), nil
}

// Depth returns the number of open frames in ctx.
func Depth(ctx context.Context) int {
	if f := frameFromContext(ctx); f != nil {
		return f.depth
	}
	return 0
}
