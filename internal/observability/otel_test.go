package observability

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ongoingai/agenttrace/internal/config"
	"github.com/ongoingai/agenttrace/internal/correlation"
	"github.com/ongoingai/agenttrace/trace"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestNormalizeOTLPEndpoint(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name          string
		input         string
		wantEndpoint  string
		wantInsecure  bool
		wantErrSubstr string
	}{
		{name: "host and port", input: "collector:4318", wantEndpoint: "collector:4318"},
		{name: "http url", input: "http://collector:4318", wantEndpoint: "collector:4318", wantInsecure: true},
		{name: "https url", input: "https://collector:4318", wantEndpoint: "collector:4318"},
		{name: "invalid scheme", input: "ftp://collector:4318", wantErrSubstr: "scheme must be http or https"},
		{name: "empty endpoint", input: "   ", wantErrSubstr: "must not be empty"},
		{name: "missing host", input: "http://", wantErrSubstr: "must include host"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			endpoint, insecure, err := normalizeOTLPEndpoint(tt.input)
			if tt.wantErrSubstr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErrSubstr) {
					t.Fatalf("error=%v, want substring %q", err, tt.wantErrSubstr)
				}
				return
			}
			if err != nil {
				t.Fatalf("normalizeOTLPEndpoint() error: %v", err)
			}
			if endpoint != tt.wantEndpoint {
				t.Fatalf("endpoint=%q, want %q", endpoint, tt.wantEndpoint)
			}
			if insecure != tt.wantInsecure {
				t.Fatalf("insecure=%v, want %v", insecure, tt.wantInsecure)
			}
		})
	}
}

func TestRoutePatternForPath(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"/api/v1/traces":           "/api/v1/traces",
		"/api/v1/traces/":          "/api/v1/traces",
		"/collector/api/v1/spans":  "/api/v1/spans",
		"/api/v1/health":           "/api/v1/health",
		"/api/v1/auth/login":       "/api/v1/auth/login",
		"/api/v1/traces/trace-123": "/api/*",
		"/metrics":                 "/other",
		"":                         "/other",
	}
	for path, want := range tests {
		if got := routePatternForPath(path); got != want {
			t.Fatalf("routePatternForPath(%q)=%q, want %q", path, got, want)
		}
	}
}

func TestSpanNames(t *testing.T) {
	t.Parallel()

	if got := serverSpanName("POST", "/api/v1/traces"); got != "POST /api/v1/traces" {
		t.Fatalf("serverSpanName()=%q", got)
	}
	if got := clientSpanName("", "/api/v1/spans"); got != "collector UNKNOWN /api/v1/spans" {
		t.Fatalf("clientSpanName()=%q", got)
	}
}

func newRecordingRuntime(t *testing.T) (*Runtime, *tracetest.SpanRecorder, *sdkmetric.ManualReader) {
	t.Helper()

	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() {
		_ = tp.Shutdown(context.Background())
		_ = mp.Shutdown(context.Background())
	})

	runtime := &Runtime{enabled: true, tracerProvider: tp}
	runtime.initInstruments(mp.Meter("test"), nil)
	return runtime, recorder, reader
}

func collectSums(t *testing.T, reader *sdkmetric.ManualReader) map[string][]metricdata.DataPoint[int64] {
	t.Helper()

	var metrics metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &metrics); err != nil {
		t.Fatalf("Collect() error: %v", err)
	}
	out := make(map[string][]metricdata.DataPoint[int64])
	for _, scope := range metrics.ScopeMetrics {
		for _, m := range scope.Metrics {
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
				out[m.Name] = append(out[m.Name], sum.DataPoints...)
			}
		}
	}
	return out
}

func TestSpanEnrichmentMiddleware(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		statusCode  int
		requestID   string
		workspaceID string
		wantError   bool
		wantAttrs   map[string]string
	}{
		{
			name:        "5xx sets error status and identifiers",
			statusCode:  http.StatusBadGateway,
			requestID:   "req-otel-1",
			workspaceID: "ws-test",
			wantError:   true,
			wantAttrs: map[string]string{
				"agenttrace.request_id":   "req-otel-1",
				"agenttrace.workspace_id": "ws-test",
			},
		},
		{
			name:        "2xx sets attributes only",
			statusCode:  http.StatusCreated,
			workspaceID: "ws-ok",
			wantAttrs:   map[string]string{"agenttrace.workspace_id": "ws-ok"},
		},
		{
			name:       "4xx does not set error status",
			statusCode: http.StatusConflict,
			requestID:  "req-otel-2",
			wantAttrs:  map[string]string{"agenttrace.request_id": "req-otel-2"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			runtime, recorder, _ := newRecordingRuntime(t)
			inner := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.statusCode)
			})
			handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				ctx, span := runtime.tracerProvider.Tracer("test").Start(r.Context(), "server")
				defer span.End()
				runtime.SpanEnrichmentMiddleware(inner).ServeHTTP(w, r.WithContext(ctx))
			})

			req := httptest.NewRequest(http.MethodPost, "/api/v1/traces", nil)
			if tt.requestID != "" {
				req = req.WithContext(correlation.WithContext(req.Context(), tt.requestID))
			}
			if tt.workspaceID != "" {
				req.Header.Set("X-Workspace-ID", tt.workspaceID)
			}
			handler.ServeHTTP(httptest.NewRecorder(), req)

			spans := recorder.Ended()
			if len(spans) != 1 {
				t.Fatalf("ended spans=%d, want 1", len(spans))
			}
			gotError := spans[0].Status().Code == codes.Error
			if gotError != tt.wantError {
				t.Fatalf("error status=%v, want %v", gotError, tt.wantError)
			}
			attrs := spanAttrMap(spans[0])
			for key, want := range tt.wantAttrs {
				if got := attrs[key]; got != want {
					t.Fatalf("%s=%q, want %q", key, got, want)
				}
			}
			if len(attrs) != len(tt.wantAttrs) {
				t.Fatalf("attrs=%v, want %v", attrs, tt.wantAttrs)
			}
		})
	}
}

func TestWriterMetricsFeedCounters(t *testing.T) {
	t.Parallel()

	runtime, _, reader := newRecordingRuntime(t)
	metrics := runtime.WriterMetrics()
	if metrics == nil {
		t.Fatal("WriterMetrics() returned nil for enabled runtime")
	}

	metrics.OnEnqueue()
	metrics.OnEnqueue()
	metrics.OnDrop(trace.DropReasonBufferFull, 3)
	metrics.OnRetry(trace.ErrorClassServer)
	metrics.OnDelivered()
	metrics.OnFlush(2, 15*time.Millisecond)
	runtime.RecordSpoolWriteFailure("sqlite", 1)

	sums := collectSums(t, reader)
	want := map[string]int64{
		"agenttrace.traces.enqueued_total":    2,
		"agenttrace.traces.dropped_total":     3,
		"agenttrace.delivery.retries_total":   1,
		"agenttrace.traces.delivered_total":   1,
		"agenttrace.spool.write_failed_total": 1,
	}
	for name, value := range want {
		points := sums[name]
		if len(points) != 1 {
			t.Fatalf("%s datapoints=%d, want 1", name, len(points))
		}
		if points[0].Value != value {
			t.Fatalf("%s=%d, want %d", name, points[0].Value, value)
		}
	}

	dropAttrs := sums["agenttrace.traces.dropped_total"][0].Attributes
	if reason, ok := dropAttrs.Value("reason"); !ok || reason.AsString() != trace.DropReasonBufferFull {
		t.Fatalf("drop reason=%v, want %q", reason, trace.DropReasonBufferFull)
	}
	retryAttrs := sums["agenttrace.delivery.retries_total"][0].Attributes
	if class, ok := retryAttrs.Value("error_class"); !ok || class.AsString() != trace.ErrorClassServer {
		t.Fatalf("retry class=%v, want %q", class, trace.ErrorClassServer)
	}
}

func TestDeliverySpanRecordsBatchOutcome(t *testing.T) {
	t.Parallel()

	runtime, recorder, _ := newRecordingRuntime(t)
	end := runtime.WriterMetrics().OnSendStart(4)
	end(&trace.HTTPStatusError{StatusCode: http.StatusServiceUnavailable})
	runtime.WriterMetrics().OnSendStart(1)(nil)

	spans := recorder.Ended()
	if len(spans) != 2 {
		t.Fatalf("ended spans=%d, want 2", len(spans))
	}
	if spans[0].Name() != "agenttrace.delivery.batch" {
		t.Fatalf("span name=%q", spans[0].Name())
	}
	if got := spanAttrMap(spans[0])["agenttrace.batch_size"]; got != "4" {
		t.Fatalf("batch_size=%q, want 4", got)
	}
	if spans[0].Status().Code != codes.Error || spans[0].Status().Description != trace.ErrorClassServer {
		t.Fatalf("failed batch status=%+v, want error/%s", spans[0].Status(), trace.ErrorClassServer)
	}
	if spans[1].Status().Code == codes.Error {
		t.Fatal("successful batch should not carry error status")
	}
}

func TestRuntimeGuardsDoNotPanic(t *testing.T) {
	t.Parallel()

	var nilRuntime *Runtime
	disabled := &Runtime{}
	for _, r := range []*Runtime{nilRuntime, disabled} {
		if r.Enabled() {
			t.Fatal("Enabled()=true, want false")
		}
		if r.WriterMetrics() != nil {
			t.Fatal("WriterMetrics() should be nil when disabled")
		}
		if r.TracerProvider() != nil {
			t.Fatal("TracerProvider() should be nil when disabled")
		}
		r.RecordTraceEnqueued()
		r.RecordTraceDropped("buffer_full", 1)
		r.RecordDeliveryRetry("server")
		r.RecordTraceDelivered()
		r.RecordFlush(1, time.Millisecond)
		r.RecordSpoolWriteFailure("sqlite", 1)
		if err := r.Shutdown(context.Background()); err != nil {
			t.Fatalf("Shutdown() error: %v", err)
		}
	}

	handler := http.NotFoundHandler()
	if got := disabled.WrapHTTPTransport(nil); got != http.DefaultTransport {
		t.Fatalf("WrapHTTPTransport(nil)=%T, want default transport", got)
	}
	rec := httptest.NewRecorder()
	disabled.SpanEnrichmentMiddleware(disabled.WrapHTTPHandler(handler)).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status=%d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestSetupDisabledReturnsInertRuntime(t *testing.T) {
	t.Parallel()

	runtime, err := Setup(context.Background(), config.OTelConfig{Enabled: false}, "test", nil)
	if err != nil {
		t.Fatalf("Setup() error: %v", err)
	}
	if runtime.Enabled() {
		t.Fatal("runtime should be disabled")
	}
}

func TestSetupExportsTracesAndMetrics(t *testing.T) {
	oldTracerProvider := otel.GetTracerProvider()
	oldMeterProvider := otel.GetMeterProvider()
	oldPropagator := otel.GetTextMapPropagator()
	defer func() {
		otel.SetTracerProvider(oldTracerProvider)
		otel.SetMeterProvider(oldMeterProvider)
		otel.SetTextMapPropagator(oldPropagator)
	}()

	var traceRequests atomic.Int64
	var metricRequests atomic.Int64
	var unexpectedPath atomic.Bool
	collector := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		_ = r.Body.Close()

		switch r.URL.Path {
		case "/v1/traces":
			traceRequests.Add(1)
		case "/v1/metrics":
			metricRequests.Add(1)
		default:
			unexpectedPath.Store(true)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer collector.Close()

	runtime, err := Setup(context.Background(), config.OTelConfig{
		Enabled:                true,
		Endpoint:               collector.URL,
		ServiceName:            "agenttrace-test",
		TracesEnabled:          true,
		MetricsEnabled:         true,
		MirrorSpans:            true,
		SamplingRatio:          1.0,
		ExportTimeoutMS:        1000,
		MetricExportIntervalMS: 25,
	}, "test", nil)
	if err != nil {
		t.Fatalf("Setup() error: %v", err)
	}
	if runtime.TracerProvider() == nil {
		t.Fatal("TracerProvider() is nil with traces enabled")
	}

	mirror := NewMirrorProcessor(runtime.TracerProvider())
	tracer := trace.NewTracer(trace.TracerOptions{Processors: []trace.Processor{mirror}})
	_, tr := tracer.StartTrace(context.Background(), "agent.run")
	_ = tr.End()
	runtime.RecordTraceDropped(trace.DropReasonBufferFull, 1)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := runtime.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("runtime.Shutdown() error: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		return traceRequests.Load() > 0 && metricRequests.Load() > 0
	})
	if unexpectedPath.Load() {
		t.Fatal("collector observed unexpected OTLP request path")
	}
}

func waitFor(t *testing.T, timeout time.Duration, predicate func() bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if predicate() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestWrapHTTPTransportCreatesClientSpans(t *testing.T) {
	t.Parallel()

	runtime, recorder, _ := newRecordingRuntime(t)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	client := &http.Client{Transport: runtime.WrapHTTPTransport(http.DefaultTransport)}
	resp, err := client.Post(server.URL+"/api/v1/traces", "application/json", strings.NewReader("{}"))
	if err != nil {
		t.Fatalf("POST error: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status=%d, want %d", resp.StatusCode, http.StatusAccepted)
	}

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("ended spans=%d, want 1", len(spans))
	}
	if got := spans[0].Name(); got != "collector POST /api/v1/traces" {
		t.Fatalf("span name=%q, want %q", got, "collector POST /api/v1/traces")
	}
}

func TestStatusCapturingResponseWriterUnwrapSupportsResponseController(t *testing.T) {
	t.Parallel()

	base := &deadlineAwareResponseWriter{header: make(http.Header)}
	wrapped := &statusCapturingResponseWriter{ResponseWriter: base}

	controller := http.NewResponseController(wrapped)
	deadline := time.Now().Add(250 * time.Millisecond)
	if err := controller.SetWriteDeadline(deadline); err != nil {
		t.Fatalf("SetWriteDeadline() error: %v", err)
	}
	if base.writeDeadlineCalls != 1 {
		t.Fatalf("write deadline calls=%d, want 1", base.writeDeadlineCalls)
	}
	if !base.lastWriteDeadline.Equal(deadline) {
		t.Fatalf("write deadline=%v, want %v", base.lastWriteDeadline, deadline)
	}
	if wrapped.StatusCode() != http.StatusOK {
		t.Fatalf("default status=%d, want 200", wrapped.StatusCode())
	}
}

type deadlineAwareResponseWriter struct {
	header             http.Header
	statusCode         int
	writeDeadlineCalls int
	lastWriteDeadline  time.Time
}

func (w *deadlineAwareResponseWriter) Header() http.Header {
	return w.header
}

func (w *deadlineAwareResponseWriter) Write(p []byte) (int, error) {
	if w.statusCode == 0 {
		w.statusCode = http.StatusOK
	}
	return len(p), nil
}

func (w *deadlineAwareResponseWriter) WriteHeader(statusCode int) {
	if w.statusCode == 0 {
		w.statusCode = statusCode
	}
}

func (w *deadlineAwareResponseWriter) SetWriteDeadline(deadline time.Time) error {
	if w == nil {
		return errors.New("nil writer")
	}
	w.writeDeadlineCalls++
	w.lastWriteDeadline = deadline
	return nil
}
