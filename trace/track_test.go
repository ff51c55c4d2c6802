package trace

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"testing"
	"time"
)

func double(_ context.Context, x int) (int, error) {
	return x * 2, nil
}

type agent struct{}

func (agent) Plan(_ context.Context, goal string) (string, error) {
	return "plan for " + goal, nil
}

func TestTrackRecordsImplicitTrace(t *testing.T) {
	t.Parallel()

	exp := &captureExporter{}
	tracer := newTestTracer(exp)
	tracked := Track(double, WithTracer(tracer))

	got, err := tracked(context.Background(), 5)
	if err != nil || got != 10 {
		t.Fatalf("tracked(5)=(%d, %v), want (10, nil)", got, err)
	}

	tr := exp.only(t)
	if !tr.Implicit() {
		t.Fatal("expected an implicit root trace")
	}
	data := tr.Snapshot()
	if len(data.Spans) != 1 {
		t.Fatalf("spans=%d, want 1", len(data.Spans))
	}
	span := data.Spans[0]
	if span.Name != "double" {
		t.Fatalf("span name=%q, want double", span.Name)
	}
	if span.Input != int64(5) || span.Output != int64(10) {
		t.Fatalf("input=%v output=%v, want 5 and 10", span.Input, span.Output)
	}
	if span.Status != StatusSuccess || data.Status != StatusSuccess {
		t.Fatalf("span status=%q trace status=%q", span.Status, data.Status)
	}
	if data.Output != int64(10) {
		t.Fatalf("trace output=%v, want 10", data.Output)
	}
}

func TestTrackNestsUnderCallerSpan(t *testing.T) {
	t.Parallel()

	exp := &captureExporter{}
	tracer := newTestTracer(exp)
	plan := Track(agent{}.Plan, WithSpanType(SpanTypeLLM), WithTag("stage", "plan"))

	err := tracer.WithTrace(context.Background(), "session", func(ctx context.Context) error {
		return tracer.WithSpan(ctx, "outer", func(ctx context.Context) error {
			_, err := plan(ctx, "ship it")
			return err
		})
	})
	if err != nil {
		t.Fatalf("WithTrace() error: %v", err)
	}

	data := exp.only(t).Snapshot()
	outer := spanByName(t, data, "outer")
	inner := spanByName(t, data, "agent.Plan")
	if inner.ParentSpanID == nil || *inner.ParentSpanID != outer.ID {
		t.Fatal("tracked call must nest under the caller's span")
	}
	if inner.Type != SpanTypeLLM || inner.Tags["stage"] != "plan" {
		t.Fatalf("type=%q tags=%v", inner.Type, inner.Tags)
	}
}

func TestTrackRecordsErrorAndReturnsIt(t *testing.T) {
	t.Parallel()

	exp := &captureExporter{}
	tracer := newTestTracer(exp)
	want := errors.New("boom")
	failing := TrackErr(func(context.Context, string) error { return want }, WithTracer(tracer), WithName("fail"))

	if err := failing(context.Background(), "x"); err != want {
		t.Fatalf("err=%v, want %v", err, want)
	}
	span := exp.only(t).Snapshot().Spans[0]
	if span.Name != "fail" || span.Status != StatusError || span.ErrorMessage != "boom" {
		t.Fatalf("span=%+v", span)
	}
}

func TestTrackWithoutErrorCaptureKeepsTypeOnly(t *testing.T) {
	t.Parallel()

	exp := &captureExporter{}
	tracer := newTestTracer(exp)
	failing := Track0(func(context.Context) (int, error) {
		return 0, &quotaError{limit: 3}
	}, WithTracer(tracer), WithCaptureErrors(false), WithCaptureOutput(false))

	_, _ = failing(context.Background())
	span := exp.only(t).Snapshot().Spans[0]
	if span.ErrorMessage != "" || span.ErrorType != "trace.quotaError" {
		t.Fatalf("message=%q type=%q", span.ErrorMessage, span.ErrorType)
	}
	if span.Status != StatusError {
		t.Fatalf("status=%q, want error", span.Status)
	}
}

func TestTrackCaptureFlags(t *testing.T) {
	t.Parallel()

	exp := &captureExporter{}
	tracer := newTestTracer(exp)
	tracked := Track(double, WithTracer(tracer), WithCaptureInput(false), WithCaptureOutput(false))

	_, _ = tracked(context.Background(), 21)
	span := exp.only(t).Snapshot().Spans[0]
	if span.Input != nil || span.Output != nil {
		t.Fatalf("input=%v output=%v, want neither captured", span.Input, span.Output)
	}
}

func TestTrackRepanicsAfterRecording(t *testing.T) {
	t.Parallel()

	exp := &captureExporter{}
	tracer := newTestTracer(exp)
	exploding := Track(func(context.Context, int) (int, error) {
		panic("kaboom")
	}, WithTracer(tracer), WithName("exploding"))

	func() {
		defer func() {
			if r := recover(); r != "kaboom" {
				t.Fatalf("recovered %v, want kaboom", r)
			}
		}()
		_, _ = exploding(context.Background(), 1)
	}()

	span := exp.only(t).Snapshot().Spans[0]
	if span.Status != StatusError || span.ErrorMessage != "panic: kaboom" {
		t.Fatalf("status=%q message=%q", span.Status, span.ErrorMessage)
	}
}

func TestTrackRecordsGoexit(t *testing.T) {
	t.Parallel()

	exp := &captureExporter{}
	tracer := newTestTracer(exp)
	exiting := Track0(func(context.Context) (int, error) {
		runtime.Goexit()
		return 0, nil
	}, WithTracer(tracer), WithName("exiting"))

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = exiting(context.Background())
	}()
	<-done

	span := exp.only(t).Snapshot().Spans[0]
	if span.Status != StatusError || span.ErrorMessage != "panic: goroutine exited" {
		t.Fatalf("status=%q message=%q", span.Status, span.ErrorMessage)
	}
}

func TestTrackAsyncPropagatesErrors(t *testing.T) {
	t.Parallel()

	exp := &captureExporter{}
	tracer := newTestTracer(exp)
	fetch := TrackAsync(func(ctx context.Context, id int) (string, error) {
		if id < 0 {
			return "", errors.New("boom")
		}
		return fmt.Sprintf("doc-%d", id), nil
	}, WithTracer(tracer), WithName("fetch"))

	ok := fetch(context.Background(), 7)
	failed := fetch(context.Background(), -1)

	got, err := ok.Await(context.Background())
	if err != nil || got != "doc-7" {
		t.Fatalf("Await()=(%q, %v), want (doc-7, nil)", got, err)
	}
	if _, err := failed.Await(context.Background()); err == nil || err.Error() != "boom" {
		t.Fatalf("Await() error=%v, want boom", err)
	}

	var sawError bool
	for _, tr := range exp.all() {
		span := tr.Snapshot().Spans[0]
		if span.Status == StatusError {
			sawError = true
			if span.ErrorMessage != "boom" {
				t.Fatalf("error message=%q, want boom", span.ErrorMessage)
			}
		}
	}
	if !sawError {
		t.Fatal("failed async call was not recorded as an error")
	}
}

func TestTrackRecordsCancellationButKeepsResult(t *testing.T) {
	t.Parallel()

	exp := &captureExporter{}
	tracer := newTestTracer(exp)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	out, err := Track(func(context.Context, int) (int, error) {
		cancel()
		return 7, nil
	}, WithTracer(tracer), WithName("interrupted"))(ctx, 1)
	if out != 7 || err != nil {
		t.Fatalf("result=%d, %v, want 7, nil", out, err)
	}
	span := exp.only(t).Snapshot().Spans[0]
	if span.Status != StatusError || span.ErrorType != "cancelled" {
		t.Fatalf("span status/type=%q/%q, want error/cancelled", span.Status, span.ErrorType)
	}
}

func TestTrackAsyncAwaitHonorsContext(t *testing.T) {
	t.Parallel()

	tracer := newTestTracer(nil)
	release := make(chan struct{})
	defer close(release)
	slow := TrackAsync(func(ctx context.Context, _ int) (int, error) {
		<-release
		return 1, nil
	}, WithTracer(tracer))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := slow(context.Background(), 0).Await(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Await() error=%v, want deadline exceeded", err)
	}
}

func TestTrackAsyncRepanicsInAwaiter(t *testing.T) {
	t.Parallel()

	tracer := newTestTracer(nil)
	future := TrackAsync(func(context.Context, int) (int, error) {
		panic("async kaboom")
	}, WithTracer(tracer))(context.Background(), 0)

	<-future.Done()
	defer func() {
		if r := recover(); r != "async kaboom" {
			t.Fatalf("recovered %v, want async kaboom", r)
		}
	}()
	_, _ = future.Await(context.Background())
}

func TestTrackConcurrentCallsKeepTheirOwnParents(t *testing.T) {
	t.Parallel()

	exp := &captureExporter{}
	tracer := newTestTracer(exp)
	inner := Track(func(_ context.Context, i int) (int, error) { return i, nil }, WithName("inner"))
	outer := Track(func(ctx context.Context, i int) (int, error) {
		time.Sleep(time.Millisecond)
		return inner(ctx, i)
	}, WithName("outer"))

	err := tracer.WithTrace(context.Background(), "fan-out", func(ctx context.Context) error {
		return tracer.WithSpan(ctx, "root", func(ctx context.Context) error {
			var wg sync.WaitGroup
			for i := 0; i < 100; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					_, _ = outer(ctx, i)
				}(i)
			}
			wg.Wait()
			return nil
		})
	})
	if err != nil {
		t.Fatalf("WithTrace() error: %v", err)
	}

	data := exp.only(t).Snapshot()
	if len(data.Spans) != 201 {
		t.Fatalf("spans=%d, want 201", len(data.Spans))
	}
	root := spanByName(t, data, "root")
	outerInput := make(map[string]any)
	for _, s := range data.Spans {
		if s.Name == "outer" {
			if s.ParentSpanID == nil || *s.ParentSpanID != root.ID {
				t.Fatal("outer span must be a child of root")
			}
			outerInput[s.ID] = s.Input
		}
	}
	for _, s := range data.Spans {
		if s.Name != "inner" {
			continue
		}
		if s.ParentSpanID == nil {
			t.Fatal("inner span without parent")
		}
		if want, ok := outerInput[*s.ParentSpanID]; !ok || want != s.Input {
			t.Fatalf("inner span with input %v attached to outer span with input %v", s.Input, want)
		}
	}
}

func TestFunctionName(t *testing.T) {
	t.Parallel()

	if got := functionName(double); got != "double" {
		t.Fatalf("functionName(double)=%q", got)
	}
	if got := functionName(agent{}.Plan); got != "agent.Plan" {
		t.Fatalf("functionName(method)=%q", got)
	}
	var nilFn func()
	if got := functionName(nilFn); got != "unnamed" {
		t.Fatalf("functionName(nil)=%q", got)
	}
}
