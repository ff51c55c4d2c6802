// Package agenttrace wires the tracing runtime to its delivery pipeline:
// configuration, the collector client, the buffered writer, the optional
// dead-letter spool and self-telemetry.
//
//	sdk, err := agenttrace.Setup(ctx, agenttrace.Options{ConfigPath: "agenttrace.yaml", SetDefault: true})
//	if err != nil {
//		return err
//	}
//	defer sdk.Shutdown(context.Background())
//
//	answer := trace.Track(func(ctx context.Context, q string) (string, error) { ... }, trace.WithName("answer"))
package agenttrace

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/ongoingai/agenttrace/internal/api"
	"github.com/ongoingai/agenttrace/internal/collector"
	"github.com/ongoingai/agenttrace/internal/config"
	"github.com/ongoingai/agenttrace/internal/observability"
	"github.com/ongoingai/agenttrace/internal/spool"
	"github.com/ongoingai/agenttrace/internal/version"
	"github.com/ongoingai/agenttrace/trace"
)

// spoolerStopGrace bounds how long Shutdown waits for canceled spool writes
// before giving up on closing the store.
const spoolerStopGrace = time.Second

// Options configures Setup.
type Options struct {
	// ConfigPath is a YAML file. A missing file falls back to defaults;
	// AGENTTRACE_* environment variables apply either way.
	ConfigPath string
	// Logger defaults to a JSON logger on stderr honoring the debug flag.
	Logger *slog.Logger
	// Transport overrides the collector HTTP transport.
	Transport http.RoundTripper
	// SetDefault installs the tracer as trace.Default until Shutdown.
	SetDefault bool
	// SkipInitialize skips the collector health check and login.
	SkipInitialize bool
}

// SDK owns every component started by Setup.
type SDK struct {
	Tracer *trace.Tracer
	Writer *trace.Writer

	cfg           config.Config
	logger        *slog.Logger
	client        *collector.Client
	otel          *observability.Runtime
	store         spool.Store
	spooler       *spool.Spooler
	metricsServer *http.Server
	metricsAddr   string
	metricsDone   chan error
	setDefault    bool

	shutdownOnce sync.Once
	shutdownErr  error
}

// Setup loads configuration from opts.ConfigPath and starts the pipeline.
func Setup(ctx context.Context, opts Options) (*SDK, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, err
	}
	return New(ctx, cfg, opts)
}

// New starts the pipeline from an already loaded configuration.
func New(ctx context.Context, cfg config.Config, opts Options) (*SDK, error) {
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = NewLogger(os.Stderr, cfg.Debug)
	}

	sdk := &SDK{cfg: cfg, logger: logger, setDefault: opts.SetDefault}
	if err := sdk.start(ctx, opts); err != nil {
		_ = sdk.close(context.Background())
		return nil, err
	}
	return sdk, nil
}

// NewLogger builds the JSON logger used when none is supplied. Records carry
// the current agenttrace and OTel trace identifiers.
func NewLogger(w io.Writer, debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	return slog.New(observability.NewTraceLogHandler(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})))
}

func (s *SDK) start(ctx context.Context, opts Options) error {
	cfg := s.cfg

	otelRuntime, err := observability.Setup(ctx, cfg.Observability.OTel, version.Version, s.logger)
	if err != nil {
		return fmt.Errorf("setup opentelemetry: %w", err)
	}
	s.otel = otelRuntime

	transport := opts.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	client, err := collector.New(collector.Options{
		BaseURL:     cfg.Collector.URL,
		APIKey:      cfg.Collector.APIKey,
		Username:    cfg.Collector.Username,
		Password:    cfg.Collector.Password,
		WorkspaceID: cfg.Collector.WorkspaceID,
		Timeout:     cfg.Collector.Timeout(),
		WireMode:    collector.WireMode(cfg.Collector.WireMode),
		RateLimit:   cfg.Collector.RateLimitPerSecond,
		Transport:   s.otel.WrapHTTPTransport(transport),
		Logger:      s.logger,
	})
	if err != nil {
		return err
	}
	s.client = client
	if !opts.SkipInitialize {
		if err := client.Initialize(ctx); err != nil {
			return err
		}
	}

	var onDrop trace.DropHandler
	if cfg.Spool.Enabled {
		store, err := spool.Open(cfg.Spool)
		if err != nil {
			return fmt.Errorf("open spool: %w", err)
		}
		s.store = store
		s.spooler = spool.NewSpooler(store, spool.SpoolerOptions{
			Logger:         s.logger,
			OnWriteFailure: s.otel.RecordSpoolWriteFailure,
		})
		onDrop = s.spooler.HandleDrop
	}

	backpressure, err := trace.ParseBackpressurePolicy(cfg.Delivery.Backpressure)
	if err != nil {
		return &trace.ConfigError{Field: "delivery.backpressure", Reason: err.Error()}
	}
	s.Writer = trace.NewWriter(client, trace.WriterOptions{
		BufferSize:      cfg.Delivery.BufferSize,
		BatchSize:       cfg.Delivery.BatchSize,
		FlushInterval:   cfg.Delivery.FlushInterval(),
		Backpressure:    backpressure,
		BlockTimeout:    cfg.Delivery.BlockTimeout(),
		MaxRetries:      cfg.Delivery.MaxRetries,
		InitialBackoff:  cfg.Delivery.InitialBackoff(),
		MaxBackoff:      cfg.Delivery.MaxBackoff(),
		SendTimeout:     cfg.Delivery.SendTimeout(),
		ShutdownTimeout: cfg.Delivery.ShutdownTimeout(),
		Logger:          s.logger,
		OnDrop:          onDrop,
		Metrics:         s.otel.WriterMetrics(),
	})
	s.Writer.Start(ctx)

	var processors []trace.Processor
	if cfg.Observability.OTel.MirrorSpans {
		if mirror := observability.NewMirrorProcessor(s.otel.TracerProvider()); mirror != nil {
			processors = append(processors, mirror)
		}
	}
	var scrub func(string) string
	if cfg.Capture.ScrubCredentials {
		scrub = observability.ScrubCredentials
	}
	captureInputs, captureOutputs := cfg.Capture.Inputs, cfg.Capture.Outputs
	s.Tracer = trace.NewTracer(trace.TracerOptions{
		Project:         cfg.Collector.Project,
		WorkspaceID:     cfg.Collector.WorkspaceID,
		Exporter:        s.Writer,
		Processors:      processors,
		Logger:          s.logger,
		CaptureInputs:   &captureInputs,
		CaptureOutputs:  &captureOutputs,
		MaxPayloadBytes: cfg.Capture.MaxPayloadBytes,
		Scrub:           scrub,
	})

	if cfg.Observability.Prometheus.Enabled {
		if err := s.startMetricsServer(); err != nil {
			return err
		}
	}
	if s.setDefault {
		trace.SetDefault(s.Tracer)
	}

	s.logger.Info("agenttrace started",
		"version", version.Version,
		"collector_url", cfg.Collector.URL,
		"wire_mode", client.WireMode(),
		"backpressure", backpressure,
		"spool_enabled", cfg.Spool.Enabled,
		"otel_enabled", s.otel.Enabled(),
		"prometheus_enabled", cfg.Observability.Prometheus.Enabled,
	)
	return nil
}

// startMetricsServer serves Prometheus metrics and the diagnostics snapshot.
func (s *SDK) startMetricsServer() error {
	promCfg := s.cfg.Observability.Prometheus
	diagnostics := observability.NewDiagnosticsCollector(s.Writer.Diagnostics)
	registry, err := observability.NewPrometheusRegistry(diagnostics.WithTracer(s.Tracer))
	if err != nil {
		return fmt.Errorf("register prometheus collectors: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle(promCfg.Path, observability.PrometheusHandler(registry))
	mux.Handle("/diagnostics", api.DiagnosticsHandler(api.DiagnosticsOptions{Reader: s.Writer}))

	ln, err := net.Listen("tcp", promCfg.Listen)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", promCfg.Listen, err)
	}
	s.metricsAddr = ln.Addr().String()
	s.metricsServer = api.NewServer(s.metricsAddr, s.logger, mux)
	s.metricsDone = make(chan error, 1)
	go func() {
		err := s.metricsServer.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		s.metricsDone <- err
	}()
	s.logger.Info("prometheus metrics listening", "addr", s.metricsAddr, "path", promCfg.Path)
	return nil
}

// Config returns the effective configuration.
func (s *SDK) Config() config.Config { return s.cfg }

// MetricsAddr returns the bound metrics address, or "" when disabled.
func (s *SDK) MetricsAddr() string { return s.metricsAddr }

// Diagnostics returns the writer's delivery snapshot.
func (s *SDK) Diagnostics() trace.Diagnostics { return s.Writer.Diagnostics() }

// Flush waits until every trace buffered so far was processed.
func (s *SDK) Flush(ctx context.Context) error { return s.Writer.Flush(ctx) }

// Shutdown drains the writer within ctx, then closes the spool, the metrics
// server and the OTel providers. Later calls return the first result.
func (s *SDK) Shutdown(ctx context.Context) error {
	s.shutdownOnce.Do(func() {
		s.shutdownErr = s.close(ctx)
	})
	return s.shutdownErr
}

func (s *SDK) close(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	var errs []error
	if s.setDefault && s.Tracer != nil && trace.Default() == s.Tracer {
		trace.SetDefault(nil)
	}
	if s.Writer != nil {
		if err := s.Writer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown writer: %w", err))
		}
	}
	storeInUse := false
	if s.spooler != nil {
		if err := s.spooler.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close spooler: %w", err))
			select {
			case <-s.spooler.Done():
			case <-time.After(spoolerStopGrace):
				storeInUse = true
				s.logger.Warn("spool writer still running; leaving spool store open")
			}
		}
	}
	if s.store != nil && !storeInUse {
		if err := s.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close spool store: %w", err))
		}
	}
	if s.metricsServer != nil {
		if err := s.metricsServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown metrics server: %w", err))
		} else if err := <-s.metricsDone; err != nil {
			errs = append(errs, fmt.Errorf("metrics server: %w", err))
		}
	}
	if s.otel != nil {
		if err := s.otel.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown opentelemetry: %w", err))
		}
	}
	err := errors.Join(errs...)
	if err != nil {
		s.logger.Error("agenttrace shutdown incomplete", "error", err)
	} else {
		s.logger.Info("agenttrace stopped")
	}
	return err
}
