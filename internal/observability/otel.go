package observability

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ongoingai/agenttrace/internal/collector"
	"github.com/ongoingai/agenttrace/internal/config"
	"github.com/ongoingai/agenttrace/internal/correlation"
	"github.com/ongoingai/agenttrace/internal/pathutil"
	"github.com/ongoingai/agenttrace/trace"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"
)

const (
	instrumentationName = "github.com/ongoingai/agenttrace"
)

// Runtime exposes OpenTelemetry HTTP wrappers and delivery metric hooks.
type Runtime struct {
	enabled bool

	tracerProvider oteltrace.TracerProvider

	enqueuedCounter  metric.Int64Counter
	droppedCounter   metric.Int64Counter
	deliveredCounter metric.Int64Counter
	retryCounter     metric.Int64Counter
	spoolFailCounter metric.Int64Counter
	flushDuration    metric.Float64Histogram

	shutdownFns []func(context.Context) error
}

// Setup initializes OpenTelemetry providers and runtime hooks.
func Setup(ctx context.Context, cfg config.OTelConfig, serviceVersion string, logger *slog.Logger) (*Runtime, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	runtime := &Runtime{}
	if !cfg.Enabled {
		return runtime, nil
	}

	exportTimeout := time.Duration(cfg.ExportTimeoutMS) * time.Millisecond
	metricInterval := time.Duration(cfg.MetricExportIntervalMS) * time.Millisecond
	otlpEndpoint, inferredInsecure, err := normalizeOTLPEndpoint(cfg.Endpoint)
	if err != nil {
		return nil, err
	}
	insecure := cfg.Insecure
	if strings.Contains(strings.TrimSpace(cfg.Endpoint), "://") {
		// An explicit URL scheme wins over the insecure toggle.
		insecure = inferredInsecure
	}

	res := resource.NewSchemaless(
		attribute.String("service.name", strings.TrimSpace(cfg.ServiceName)),
		attribute.String("service.version", strings.TrimSpace(serviceVersion)),
	)

	if cfg.TracesEnabled {
		traceExporterOptions := []otlptracehttp.Option{
			otlptracehttp.WithEndpoint(otlpEndpoint),
			otlptracehttp.WithTimeout(exportTimeout),
		}
		if insecure {
			traceExporterOptions = append(traceExporterOptions, otlptracehttp.WithInsecure())
		}
		traceExporter, err := otlptracehttp.New(ctx, traceExporterOptions...)
		if err != nil {
			return nil, fmt.Errorf("initialize otel trace exporter: %w", err)
		}

		tracerProvider := sdktrace.NewTracerProvider(
			sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SamplingRatio))),
			sdktrace.WithBatcher(newScrubbingExporter(traceExporter)),
			sdktrace.WithResource(res),
		)
		otel.SetTracerProvider(tracerProvider)
		runtime.tracerProvider = tracerProvider
		runtime.shutdownFns = append(runtime.shutdownFns, tracerProvider.Shutdown)
	}

	if cfg.MetricsEnabled {
		metricExporterOptions := []otlpmetrichttp.Option{
			otlpmetrichttp.WithEndpoint(otlpEndpoint),
			otlpmetrichttp.WithTimeout(exportTimeout),
		}
		if insecure {
			metricExporterOptions = append(metricExporterOptions, otlpmetrichttp.WithInsecure())
		}
		metricExporter, err := otlpmetrichttp.New(ctx, metricExporterOptions...)
		if err != nil {
			_ = runtime.Shutdown(context.Background())
			return nil, fmt.Errorf("initialize otel metric exporter: %w", err)
		}

		reader := sdkmetric.NewPeriodicReader(
			metricExporter,
			sdkmetric.WithInterval(metricInterval),
			sdkmetric.WithTimeout(exportTimeout),
		)
		meterProvider := sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(reader),
		)
		otel.SetMeterProvider(meterProvider)
		runtime.shutdownFns = append(runtime.shutdownFns, meterProvider.Shutdown)
	}

	otel.SetTextMapPropagator(propagation.TraceContext{})

	runtime.initInstruments(otel.Meter(instrumentationName), logger)
	runtime.enabled = true
	if logger != nil {
		logger.Info(
			"opentelemetry enabled",
			"otel_endpoint", otlpEndpoint,
			"otel_traces_enabled", cfg.TracesEnabled,
			"otel_metrics_enabled", cfg.MetricsEnabled,
			"otel_sampling_ratio", cfg.SamplingRatio,
			"otel_mirror_spans", cfg.MirrorSpans,
		)
	}

	return runtime, nil
}

func (r *Runtime) initInstruments(meter metric.Meter, logger *slog.Logger) {
	counter := func(name, description string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(description))
		if err != nil && logger != nil {
			logger.Warn("failed to create opentelemetry counter", "metric", name, "error", err)
		}
		return c
	}
	r.enqueuedCounter = counter("agenttrace.traces.enqueued_total", "Count of finished traces accepted into the delivery buffer.")
	r.droppedCounter = counter("agenttrace.traces.dropped_total", "Count of traces dropped by the delivery writer, by reason.")
	r.deliveredCounter = counter("agenttrace.traces.delivered_total", "Count of traces accepted by the collector.")
	r.retryCounter = counter("agenttrace.delivery.retries_total", "Count of delivery retries, by error class.")
	r.spoolFailCounter = counter("agenttrace.spool.write_failed_total", "Count of dropped traces that could not be written to the spool.")

	histogram, err := meter.Float64Histogram(
		"agenttrace.delivery.flush_duration_seconds",
		metric.WithDescription("Duration of one delivery batch."),
		metric.WithUnit("s"),
	)
	if err != nil && logger != nil {
		logger.Warn("failed to create opentelemetry histogram", "metric", "agenttrace.delivery.flush_duration_seconds", "error", err)
	}
	r.flushDuration = histogram
}

// Enabled reports whether OpenTelemetry instrumentation is active.
func (r *Runtime) Enabled() bool {
	return r != nil && r.enabled
}

// TracerProvider returns the provider traces are mirrored to, or nil when
// OTel tracing is off.
func (r *Runtime) TracerProvider() oteltrace.TracerProvider {
	if !r.Enabled() {
		return nil
	}
	return r.tracerProvider
}

// WriterMetrics returns the writer callbacks that feed the delivery counters.
func (r *Runtime) WriterMetrics() *trace.WriterMetrics {
	if !r.Enabled() {
		return nil
	}
	return &trace.WriterMetrics{
		OnEnqueue:   r.RecordTraceEnqueued,
		OnDrop:      r.RecordTraceDropped,
		OnRetry:     r.RecordDeliveryRetry,
		OnDelivered: r.RecordTraceDelivered,
		OnFlush:     r.RecordFlush,
		OnSendStart: r.startDeliverySpan,
	}
}

// startDeliverySpan opens an OTel span around one delivery batch.
func (r *Runtime) startDeliverySpan(batchSize int) func(error) {
	if r.tracerProvider == nil {
		return nil
	}
	_, span := r.tracerProvider.Tracer(instrumentationName).Start(
		context.Background(),
		"agenttrace.delivery.batch",
		oteltrace.WithSpanKind(oteltrace.SpanKindClient),
		oteltrace.WithAttributes(attribute.Int("agenttrace.batch_size", batchSize)),
	)
	return func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, trace.ClassifyError(err))
		}
		span.End()
	}
}

// RecordTraceEnqueued increments the enqueued counter.
func (r *Runtime) RecordTraceEnqueued() {
	if !r.Enabled() || r.enqueuedCounter == nil {
		return
	}
	r.enqueuedCounter.Add(context.Background(), 1)
}

// RecordTraceDropped increments the dropped counter for reason.
func (r *Runtime) RecordTraceDropped(reason string, count int) {
	if !r.Enabled() || count <= 0 || r.droppedCounter == nil {
		return
	}
	r.droppedCounter.Add(
		context.Background(),
		int64(count),
		metric.WithAttributes(attribute.String("reason", strings.TrimSpace(reason))),
	)
}

// RecordDeliveryRetry increments the retry counter for an error class.
func (r *Runtime) RecordDeliveryRetry(errorClass string) {
	if !r.Enabled() || r.retryCounter == nil {
		return
	}
	r.retryCounter.Add(
		context.Background(),
		1,
		metric.WithAttributes(attribute.String("error_class", strings.TrimSpace(errorClass))),
	)
}

// RecordTraceDelivered increments the delivered counter.
func (r *Runtime) RecordTraceDelivered() {
	if !r.Enabled() || r.deliveredCounter == nil {
		return
	}
	r.deliveredCounter.Add(context.Background(), 1)
}

// RecordFlush records the duration of one delivery batch.
func (r *Runtime) RecordFlush(batchSize int, duration time.Duration) {
	if !r.Enabled() || r.flushDuration == nil {
		return
	}
	r.flushDuration.Record(
		context.Background(),
		duration.Seconds(),
		metric.WithAttributes(attribute.Int("batch_size", batchSize)),
	)
}

// RecordSpoolWriteFailure counts dropped traces the spool could not persist.
func (r *Runtime) RecordSpoolWriteFailure(store string, failedCount int) {
	if !r.Enabled() || failedCount <= 0 || r.spoolFailCounter == nil {
		return
	}
	r.spoolFailCounter.Add(
		context.Background(),
		int64(failedCount),
		metric.WithAttributes(attribute.String("store", strings.TrimSpace(store))),
	)
}

// WrapHTTPHandler wraps an inbound HTTP handler with OpenTelemetry spans.
func (r *Runtime) WrapHTTPHandler(next http.Handler) http.Handler {
	if next == nil {
		next = http.NotFoundHandler()
	}
	if !r.Enabled() {
		return next
	}
	return otelhttp.NewHandler(
		next,
		"collector.request",
		r.otelhttpOptions(func(_ string, req *http.Request) string {
			return serverSpanName(req.Method, req.URL.Path)
		})...,
	)
}

// SpanEnrichmentMiddleware adds request identifiers to the server span and
// marks 5xx responses as errors.
func (r *Runtime) SpanEnrichmentMiddleware(next http.Handler) http.Handler {
	if next == nil {
		next = http.NotFoundHandler()
	}
	if !r.Enabled() {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusCapturingResponseWriter{ResponseWriter: w}
		next.ServeHTTP(recorder, req)

		span := oteltrace.SpanFromContext(req.Context())
		if span == nil || !span.IsRecording() {
			return
		}

		statusCode := recorder.StatusCode()
		if statusCode >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, fmt.Sprintf("http %d", statusCode))
		}

		attrs := make([]attribute.KeyValue, 0, 2)
		if requestID, ok := correlation.FromContext(req.Context()); ok {
			attrs = append(attrs, attribute.String("agenttrace.request_id", requestID))
		}
		if workspaceID := strings.TrimSpace(req.Header.Get("X-Workspace-ID")); workspaceID != "" {
			attrs = append(attrs, attribute.String("agenttrace.workspace_id", workspaceID))
		}
		if len(attrs) > 0 {
			span.SetAttributes(attrs...)
		}
	})
}

// WrapHTTPTransport wraps an outbound HTTP transport with OpenTelemetry spans.
func (r *Runtime) WrapHTTPTransport(base http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	if !r.Enabled() {
		return base
	}
	return otelhttp.NewTransport(
		base,
		r.otelhttpOptions(func(_ string, req *http.Request) string {
			return clientSpanName(req.Method, req.URL.Path)
		})...,
	)
}

func (r *Runtime) otelhttpOptions(nameFn func(string, *http.Request) string) []otelhttp.Option {
	opts := []otelhttp.Option{otelhttp.WithSpanNameFormatter(nameFn)}
	if r.tracerProvider != nil {
		opts = append(opts, otelhttp.WithTracerProvider(r.tracerProvider))
	}
	return opts
}

// Shutdown flushes and stops OpenTelemetry providers.
func (r *Runtime) Shutdown(ctx context.Context) error {
	if r == nil || len(r.shutdownFns) == 0 {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	var errs []error
	for i := len(r.shutdownFns) - 1; i >= 0; i-- {
		if err := r.shutdownFns[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return errors.Join(errs...)
}

func normalizeOTLPEndpoint(raw string) (string, bool, error) {
	endpoint := strings.TrimSpace(raw)
	if endpoint == "" {
		return "", false, errors.New("observability.otel.endpoint must not be empty")
	}

	if !strings.Contains(endpoint, "://") {
		return endpoint, false, nil
	}

	parsed, err := url.Parse(endpoint)
	if err != nil {
		return "", false, fmt.Errorf("parse observability.otel.endpoint: %w", err)
	}
	if strings.TrimSpace(parsed.Host) == "" {
		return "", false, fmt.Errorf("observability.otel.endpoint must include host (got %q)", raw)
	}

	switch strings.ToLower(strings.TrimSpace(parsed.Scheme)) {
	case "http":
		return parsed.Host, true, nil
	case "https":
		return parsed.Host, false, nil
	default:
		return "", false, fmt.Errorf("observability.otel.endpoint scheme must be http or https when provided (got %q)", parsed.Scheme)
	}
}

// routePatternForPath maps collector paths, possibly below a mount prefix,
// to low-cardinality route names.
func routePatternForPath(path string) string {
	for _, route := range []string{collector.PathTraces, collector.PathSpans, collector.PathHealth, collector.PathLogin} {
		if strings.HasSuffix(strings.TrimRight(path, "/"), route) {
			return route
		}
	}
	if pathutil.HasPathPrefix(path, "/api") {
		return "/api/*"
	}
	return "/other"
}

func serverSpanName(method, path string) string {
	return normalizedMethod(method) + " " + routePatternForPath(path)
}

func clientSpanName(method, path string) string {
	return "collector " + normalizedMethod(method) + " " + routePatternForPath(path)
}

func normalizedMethod(method string) string {
	method = strings.TrimSpace(method)
	if method == "" {
		return "UNKNOWN"
	}
	return method
}

type statusCapturingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

// Unwrap lets http.ResponseController discover optional interfaces provided by
// the underlying writer (for example SetWriteDeadline).
func (w *statusCapturingResponseWriter) Unwrap() http.ResponseWriter {
	if w == nil {
		return nil
	}
	return w.ResponseWriter
}

func (w *statusCapturingResponseWriter) Header() http.Header {
	return w.ResponseWriter.Header()
}

func (w *statusCapturingResponseWriter) WriteHeader(statusCode int) {
	if w.statusCode == 0 {
		w.statusCode = statusCode
	}
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *statusCapturingResponseWriter) Write(p []byte) (int, error) {
	if w.statusCode == 0 {
		w.statusCode = http.StatusOK
	}
	return w.ResponseWriter.Write(p)
}

func (w *statusCapturingResponseWriter) StatusCode() int {
	if w.statusCode == 0 {
		return http.StatusOK
	}
	return w.statusCode
}

func (w *statusCapturingResponseWriter) Flush() {
	if flusher, ok := w.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func (w *statusCapturingResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, http.ErrNotSupported
	}
	return hijacker.Hijack()
}

func (w *statusCapturingResponseWriter) ReadFrom(r io.Reader) (int64, error) {
	readerFrom, ok := w.ResponseWriter.(io.ReaderFrom)
	if !ok {
		return io.Copy(w.ResponseWriter, r)
	}
	if w.statusCode == 0 {
		w.statusCode = http.StatusOK
	}
	return readerFrom.ReadFrom(r)
}
