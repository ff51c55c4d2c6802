package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ongoingai/agenttrace/trace"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Collector     CollectorConfig     `yaml:"collector"`
	Delivery      DeliveryConfig      `yaml:"delivery"`
	Capture       CaptureConfig       `yaml:"capture"`
	Spool         SpoolConfig         `yaml:"spool"`
	Server        ServerConfig        `yaml:"server"`
	Observability ObservabilityConfig `yaml:"observability"`
	Debug         bool                `yaml:"debug"`
}

type CollectorConfig struct {
	URL                string  `yaml:"url"`
	APIKey             string  `yaml:"api_key"`
	Username           string  `yaml:"username"`
	Password           string  `yaml:"password"`
	WorkspaceID        string  `yaml:"workspace_id"`
	Project            string  `yaml:"project"`
	TimeoutMS          int     `yaml:"timeout_ms"`
	WireMode           string  `yaml:"wire_mode"`
	RateLimitPerSecond float64 `yaml:"rate_limit_per_second"`
}

func (c CollectorConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

type DeliveryConfig struct {
	BatchSize             int     `yaml:"batch_size"`
	BufferSize            int     `yaml:"buffer_size"`
	FlushIntervalSeconds  float64 `yaml:"flush_interval_seconds"`
	MaxRetries            int     `yaml:"max_retries"`
	RetryInitialBackoffMS int     `yaml:"retry_initial_backoff_ms"`
	RetryMaxBackoffMS     int     `yaml:"retry_max_backoff_ms"`
	Backpressure          string  `yaml:"backpressure"`
	BlockTimeoutMS        int     `yaml:"block_timeout_ms"`
	SendTimeoutMS         int     `yaml:"send_timeout_ms"`
	ShutdownTimeoutMS     int     `yaml:"shutdown_timeout_ms"`
}

func (c DeliveryConfig) FlushInterval() time.Duration {
	return time.Duration(c.FlushIntervalSeconds * float64(time.Second))
}

func (c DeliveryConfig) InitialBackoff() time.Duration {
	return time.Duration(c.RetryInitialBackoffMS) * time.Millisecond
}

func (c DeliveryConfig) MaxBackoff() time.Duration {
	return time.Duration(c.RetryMaxBackoffMS) * time.Millisecond
}

func (c DeliveryConfig) BlockTimeout() time.Duration {
	return time.Duration(c.BlockTimeoutMS) * time.Millisecond
}

func (c DeliveryConfig) SendTimeout() time.Duration {
	return time.Duration(c.SendTimeoutMS) * time.Millisecond
}

func (c DeliveryConfig) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutMS) * time.Millisecond
}

type CaptureConfig struct {
	Inputs           bool `yaml:"inputs"`
	Outputs          bool `yaml:"outputs"`
	MaxPayloadBytes  int  `yaml:"max_payload_bytes"`
	ScrubCredentials bool `yaml:"scrub_credentials"`
}

// SpoolConfig configures the dead-letter store for traces the writer drops.
type SpoolConfig struct {
	Enabled bool   `yaml:"enabled"`
	Driver  string `yaml:"driver"`
	Path    string `yaml:"path"`
	DSN     string `yaml:"dsn"`
}

// ServerConfig is the listen address of the local dev collector.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

func (c ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type ObservabilityConfig struct {
	OTel       OTelConfig       `yaml:"otel"`
	Prometheus PrometheusConfig `yaml:"prometheus"`
}

type OTelConfig struct {
	Enabled                bool    `yaml:"enabled"`
	Endpoint               string  `yaml:"endpoint"`
	Insecure               bool    `yaml:"insecure"`
	ServiceName            string  `yaml:"service_name"`
	TracesEnabled          bool    `yaml:"traces_enabled"`
	MetricsEnabled         bool    `yaml:"metrics_enabled"`
	SamplingRatio          float64 `yaml:"sampling_ratio"`
	ExportTimeoutMS        int     `yaml:"export_timeout_ms"`
	MetricExportIntervalMS int     `yaml:"metric_export_interval_ms"`
	// MirrorSpans re-emits finished agenttrace traces as OTel spans.
	MirrorSpans bool `yaml:"mirror_spans"`
}

type PrometheusConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
	Path    string `yaml:"path"`
}

const (
	WireModeBatch       = "batch"
	WireModeIncremental = "incremental"
)

const (
	defaultCollectorURL               = "http://localhost:8080"
	defaultCollectorTimeoutMS         = 10000
	defaultOTELEndpoint               = "localhost:4318"
	defaultOTELServiceName            = "agenttrace"
	defaultOTELSamplingRatio          = 1.0
	defaultOTELExportTimeoutMS        = 3000
	defaultOTELMetricExportIntervalMS = 10000
)

func Default() Config {
	return Config{
		Collector: CollectorConfig{
			URL:         defaultCollectorURL,
			WorkspaceID: "default",
			TimeoutMS:   defaultCollectorTimeoutMS,
			WireMode:    WireModeBatch,
		},
		Delivery: DeliveryConfig{
			BatchSize:             trace.DefaultBatchSize,
			BufferSize:            trace.DefaultBufferSize,
			FlushIntervalSeconds:  trace.DefaultFlushInterval.Seconds(),
			MaxRetries:            trace.DefaultMaxRetries,
			RetryInitialBackoffMS: int(trace.DefaultInitialBackoff / time.Millisecond),
			RetryMaxBackoffMS:     int(trace.DefaultMaxBackoff / time.Millisecond),
			Backpressure:          string(trace.BackpressureDropOldest),
			BlockTimeoutMS:        int(trace.DefaultBlockTimeout / time.Millisecond),
			SendTimeoutMS:         int(trace.DefaultSendTimeout / time.Millisecond),
			ShutdownTimeoutMS:     int(trace.DefaultShutdownTimeout / time.Millisecond),
		},
		Capture: CaptureConfig{
			Inputs:           true,
			Outputs:          true,
			MaxPayloadBytes:  64 << 10,
			ScrubCredentials: true,
		},
		Spool: SpoolConfig{
			Enabled: false,
			Driver:  "sqlite",
			Path:    "./data/agenttrace-spool.db",
		},
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 8080,
		},
		Observability: ObservabilityConfig{
			OTel: OTelConfig{
				Enabled:                false,
				Endpoint:               defaultOTELEndpoint,
				Insecure:               true,
				ServiceName:            defaultOTELServiceName,
				TracesEnabled:          true,
				MetricsEnabled:         true,
				SamplingRatio:          defaultOTELSamplingRatio,
				ExportTimeoutMS:        defaultOTELExportTimeoutMS,
				MetricExportIntervalMS: defaultOTELMetricExportIntervalMS,
			},
			Prometheus: PrometheusConfig{
				Enabled: false,
				Listen:  "127.0.0.1:9464",
				Path:    "/metrics",
			},
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			decoder := yaml.NewDecoder(bytes.NewReader(data))
			decoder.KnownFields(true)
			decodeErr := decoder.Decode(&cfg)
			if errors.Is(decodeErr, io.EOF) {
				decodeErr = nil
			}
			if decodeErr != nil {
				return Config{}, fmt.Errorf("parse yaml %q: %w", path, decodeErr)
			}
			var trailing any
			trailingErr := decoder.Decode(&trailing)
			if trailingErr != nil && !errors.Is(trailingErr, io.EOF) {
				return Config{}, fmt.Errorf("parse yaml %q: %w", path, trailingErr)
			}
			if trailing != nil {
				return Config{}, fmt.Errorf("parse yaml %q: multiple yaml documents are not supported", path)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("read config %q: %w", path, err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func invalid(field, format string, args ...any) error {
	return &trace.ConfigError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// Validate checks configuration invariants required at runtime. Failures are
// reported as *trace.ConfigError.
func Validate(cfg Config) error {
	if err := validateCollector(cfg.Collector); err != nil {
		return err
	}
	if err := validateDelivery(cfg.Delivery); err != nil {
		return err
	}
	if cfg.Capture.MaxPayloadBytes < 0 {
		return invalid("capture.max_payload_bytes", "must be >= 0 (got %d)", cfg.Capture.MaxPayloadBytes)
	}
	if err := validateSpool(cfg.Spool); err != nil {
		return err
	}
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return invalid("server.port", "must be between 1 and 65535 (got %d)", cfg.Server.Port)
	}
	if err := validateOTelConfig(cfg.Observability.OTel); err != nil {
		return err
	}
	if err := validatePrometheus(cfg.Observability.Prometheus); err != nil {
		return err
	}
	return nil
}

func validateCollector(cfg CollectorConfig) error {
	raw := strings.TrimSpace(cfg.URL)
	if raw == "" {
		return invalid("collector.url", "is required")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return invalid("collector.url", "parse: %v", err)
	}
	if (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return invalid("collector.url", "must be an http(s) URL with a host (got %q)", cfg.URL)
	}

	hasKey := strings.TrimSpace(cfg.APIKey) != ""
	hasUser := strings.TrimSpace(cfg.Username) != ""
	hasPassword := cfg.Password != ""
	switch {
	case hasKey && (hasUser || hasPassword):
		return invalid("collector.api_key", "api_key and username/password are mutually exclusive")
	case !hasKey && !hasUser && !hasPassword:
		return invalid("collector.api_key", "either api_key or username/password is required")
	case !hasKey && hasUser != hasPassword:
		return invalid("collector.username", "username and password must both be set")
	}

	if strings.TrimSpace(cfg.WorkspaceID) == "" {
		return invalid("collector.workspace_id", "must not be empty")
	}
	if cfg.TimeoutMS <= 0 {
		return invalid("collector.timeout_ms", "must be > 0 (got %d)", cfg.TimeoutMS)
	}
	switch strings.ToLower(strings.TrimSpace(cfg.WireMode)) {
	case WireModeBatch, WireModeIncremental:
	default:
		return invalid("collector.wire_mode", "must be one of batch, incremental (got %q)", cfg.WireMode)
	}
	if cfg.RateLimitPerSecond < 0 {
		return invalid("collector.rate_limit_per_second", "must be >= 0 (got %v)", cfg.RateLimitPerSecond)
	}
	return nil
}

func validateDelivery(cfg DeliveryConfig) error {
	if cfg.BufferSize <= 0 {
		return invalid("delivery.buffer_size", "must be > 0 (got %d)", cfg.BufferSize)
	}
	if cfg.BatchSize <= 0 || cfg.BatchSize > cfg.BufferSize {
		return invalid("delivery.batch_size", "must be between 1 and buffer_size (got %d)", cfg.BatchSize)
	}
	if cfg.FlushIntervalSeconds <= 0 {
		return invalid("delivery.flush_interval_seconds", "must be > 0 (got %v)", cfg.FlushIntervalSeconds)
	}
	if cfg.MaxRetries < 0 {
		return invalid("delivery.max_retries", "must be >= 0 (got %d)", cfg.MaxRetries)
	}
	if cfg.RetryInitialBackoffMS <= 0 || cfg.RetryMaxBackoffMS < cfg.RetryInitialBackoffMS {
		return invalid("delivery.retry_initial_backoff_ms", "must be > 0 and <= retry_max_backoff_ms")
	}
	if _, err := trace.ParseBackpressurePolicy(cfg.Backpressure); err != nil {
		return invalid("delivery.backpressure", "%v", err)
	}
	if cfg.BlockTimeoutMS < 0 {
		return invalid("delivery.block_timeout_ms", "must be >= 0 (got %d)", cfg.BlockTimeoutMS)
	}
	if cfg.SendTimeoutMS <= 0 {
		return invalid("delivery.send_timeout_ms", "must be > 0 (got %d)", cfg.SendTimeoutMS)
	}
	if cfg.ShutdownTimeoutMS <= 0 {
		return invalid("delivery.shutdown_timeout_ms", "must be > 0 (got %d)", cfg.ShutdownTimeoutMS)
	}
	return nil
}

func validateSpool(cfg SpoolConfig) error {
	if !cfg.Enabled {
		return nil
	}
	switch strings.TrimSpace(cfg.Driver) {
	case "sqlite":
		if strings.TrimSpace(cfg.Path) == "" {
			return invalid("spool.path", "is required when spool.driver=sqlite")
		}
	case "postgres":
		if strings.TrimSpace(cfg.DSN) == "" {
			return invalid("spool.dsn", "is required when spool.driver=postgres")
		}
	default:
		return invalid("spool.driver", "must be one of sqlite, postgres (got %q)", cfg.Driver)
	}
	return nil
}

func validateOTelConfig(cfg OTelConfig) error {
	if !cfg.Enabled {
		return nil
	}
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return invalid("observability.otel.endpoint", "is required when observability.otel.enabled=true")
	}
	if strings.TrimSpace(cfg.ServiceName) == "" {
		return invalid("observability.otel.service_name", "is required when observability.otel.enabled=true")
	}
	if !cfg.TracesEnabled && !cfg.MetricsEnabled {
		return invalid("observability.otel", "requires traces_enabled and/or metrics_enabled when enabled")
	}
	if cfg.MirrorSpans && !cfg.TracesEnabled {
		return invalid("observability.otel.mirror_spans", "requires traces_enabled")
	}
	if cfg.SamplingRatio < 0 || cfg.SamplingRatio > 1 {
		return invalid("observability.otel.sampling_ratio", "must be between 0 and 1 (got %f)", cfg.SamplingRatio)
	}
	if cfg.ExportTimeoutMS <= 0 {
		return invalid("observability.otel.export_timeout_ms", "must be > 0 (got %d)", cfg.ExportTimeoutMS)
	}
	if cfg.MetricExportIntervalMS <= 0 {
		return invalid("observability.otel.metric_export_interval_ms", "must be > 0 (got %d)", cfg.MetricExportIntervalMS)
	}
	return nil
}

func validatePrometheus(cfg PrometheusConfig) error {
	if !cfg.Enabled {
		return nil
	}
	if strings.TrimSpace(cfg.Listen) == "" {
		return invalid("observability.prometheus.listen", "is required when observability.prometheus.enabled=true")
	}
	if !strings.HasPrefix(cfg.Path, "/") {
		return invalid("observability.prometheus.path", "must start with '/' (got %q)", cfg.Path)
	}
	return nil
}

func applyEnv(cfg *Config) error {
	envString("AGENTTRACE_URL", &cfg.Collector.URL)
	envString("AGENTTRACE_API_KEY", &cfg.Collector.APIKey)
	envString("AGENTTRACE_USERNAME", &cfg.Collector.Username)
	envString("AGENTTRACE_PASSWORD", &cfg.Collector.Password)
	envString("AGENTTRACE_WORKSPACE_ID", &cfg.Collector.WorkspaceID)
	envString("AGENTTRACE_PROJECT", &cfg.Collector.Project)
	envString("AGENTTRACE_WIRE_MODE", &cfg.Collector.WireMode)
	envString("AGENTTRACE_BACKPRESSURE", &cfg.Delivery.Backpressure)
	envString("AGENTTRACE_SPOOL_DRIVER", &cfg.Spool.Driver)
	envString("AGENTTRACE_SPOOL_PATH", &cfg.Spool.Path)
	envString("AGENTTRACE_SPOOL_DSN", &cfg.Spool.DSN)
	envString("AGENTTRACE_HOST", &cfg.Server.Host)
	envString("AGENTTRACE_PROMETHEUS_LISTEN", &cfg.Observability.Prometheus.Listen)

	for name, target := range map[string]*int{
		"AGENTTRACE_TIMEOUT_MS":        &cfg.Collector.TimeoutMS,
		"AGENTTRACE_BATCH_SIZE":        &cfg.Delivery.BatchSize,
		"AGENTTRACE_BUFFER_SIZE":       &cfg.Delivery.BufferSize,
		"AGENTTRACE_MAX_RETRIES":       &cfg.Delivery.MaxRetries,
		"AGENTTRACE_MAX_PAYLOAD_BYTES": &cfg.Capture.MaxPayloadBytes,
		"AGENTTRACE_PORT":              &cfg.Server.Port,
	} {
		if err := envInt(name, target); err != nil {
			return err
		}
	}
	for name, target := range map[string]*float64{
		"AGENTTRACE_FLUSH_INTERVAL_SECONDS": &cfg.Delivery.FlushIntervalSeconds,
		"AGENTTRACE_RATE_LIMIT_PER_SECOND":  &cfg.Collector.RateLimitPerSecond,
	} {
		if err := envFloat(name, target); err != nil {
			return err
		}
	}
	for name, target := range map[string]*bool{
		"AGENTTRACE_CAPTURE_INPUTS":     &cfg.Capture.Inputs,
		"AGENTTRACE_CAPTURE_OUTPUTS":    &cfg.Capture.Outputs,
		"AGENTTRACE_SCRUB_CREDENTIALS":  &cfg.Capture.ScrubCredentials,
		"AGENTTRACE_SPOOL_ENABLED":      &cfg.Spool.Enabled,
		"AGENTTRACE_PROMETHEUS_ENABLED": &cfg.Observability.Prometheus.Enabled,
		"AGENTTRACE_OTEL_MIRROR_SPANS":  &cfg.Observability.OTel.MirrorSpans,
		"AGENTTRACE_DEBUG":              &cfg.Debug,
	} {
		if err := envBool(name, target); err != nil {
			return err
		}
	}

	otelConfigured := false
	otelSDKDisabledSet := false
	if sdkDisabled := strings.TrimSpace(os.Getenv("OTEL_SDK_DISABLED")); sdkDisabled != "" {
		v, err := strconv.ParseBool(sdkDisabled)
		if err != nil {
			return fmt.Errorf("invalid OTEL_SDK_DISABLED: %w", err)
		}
		cfg.Observability.OTel.Enabled = !v
		otelSDKDisabledSet = true
		otelConfigured = true
	}
	if endpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")); endpoint != "" {
		cfg.Observability.OTel.Endpoint = endpoint
		otelConfigured = true
	}
	if insecure := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE")); insecure != "" {
		v, err := strconv.ParseBool(insecure)
		if err != nil {
			return fmt.Errorf("invalid OTEL_EXPORTER_OTLP_INSECURE: %w", err)
		}
		cfg.Observability.OTel.Insecure = v
		otelConfigured = true
	}
	if serviceName := strings.TrimSpace(os.Getenv("OTEL_SERVICE_NAME")); serviceName != "" {
		cfg.Observability.OTel.ServiceName = serviceName
		otelConfigured = true
	}
	if tracesExporter := strings.TrimSpace(os.Getenv("OTEL_TRACES_EXPORTER")); tracesExporter != "" {
		enabled, err := otelExporterEnabled(tracesExporter)
		if err != nil {
			return fmt.Errorf("invalid OTEL_TRACES_EXPORTER: %w", err)
		}
		cfg.Observability.OTel.TracesEnabled = enabled
		otelConfigured = true
	}
	if metricsExporter := strings.TrimSpace(os.Getenv("OTEL_METRICS_EXPORTER")); metricsExporter != "" {
		if strings.EqualFold(metricsExporter, "prometheus") {
			cfg.Observability.OTel.MetricsEnabled = false
			cfg.Observability.Prometheus.Enabled = true
		} else {
			enabled, err := otelExporterEnabled(metricsExporter)
			if err != nil {
				return fmt.Errorf("invalid OTEL_METRICS_EXPORTER: %w", err)
			}
			cfg.Observability.OTel.MetricsEnabled = enabled
			otelConfigured = true
		}
	}
	if samplingRatio := strings.TrimSpace(os.Getenv("OTEL_TRACES_SAMPLER_ARG")); samplingRatio != "" {
		v, err := strconv.ParseFloat(samplingRatio, 64)
		if err != nil {
			return fmt.Errorf("invalid OTEL_TRACES_SAMPLER_ARG: %w", err)
		}
		cfg.Observability.OTel.SamplingRatio = v
		otelConfigured = true
	}
	if exportTimeout := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_TIMEOUT")); exportTimeout != "" {
		v, err := strconv.Atoi(exportTimeout)
		if err != nil {
			return fmt.Errorf("invalid OTEL_EXPORTER_OTLP_TIMEOUT: %w", err)
		}
		cfg.Observability.OTel.ExportTimeoutMS = v
		otelConfigured = true
	}
	if metricExportInterval := strings.TrimSpace(os.Getenv("OTEL_METRIC_EXPORT_INTERVAL")); metricExportInterval != "" {
		v, err := strconv.Atoi(metricExportInterval)
		if err != nil {
			return fmt.Errorf("invalid OTEL_METRIC_EXPORT_INTERVAL: %w", err)
		}
		cfg.Observability.OTel.MetricExportIntervalMS = v
		otelConfigured = true
	}
	if otelConfigured && !otelSDKDisabledSet {
		cfg.Observability.OTel.Enabled = true
	}

	return nil
}

func envString(name string, target *string) {
	if value := strings.TrimSpace(os.Getenv(name)); value != "" {
		*target = value
	}
}

func envInt(name string, target *int) error {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return nil
	}
	v, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", name, err)
	}
	*target = v
	return nil
}

func envFloat(name string, target *float64) error {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return nil
	}
	v, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", name, err)
	}
	*target = v
	return nil
}

func envBool(name string, target *bool) error {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return nil
	}
	v, err := strconv.ParseBool(value)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", name, err)
	}
	*target = v
	return nil
}

func otelExporterEnabled(value string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "otlp":
		return true, nil
	case "none":
		return false, nil
	default:
		return false, fmt.Errorf("must be one of otlp, none (got %q)", value)
	}
}

// Redacted returns a copy safe to print, with secrets masked.
func (cfg Config) Redacted() Config {
	mask := func(v string) string {
		if v == "" {
			return ""
		}
		return "[redacted]"
	}
	cfg.Collector.APIKey = mask(cfg.Collector.APIKey)
	cfg.Collector.Password = mask(cfg.Collector.Password)
	if cfg.Spool.DSN != "" {
		if parsed, err := url.Parse(cfg.Spool.DSN); err == nil && parsed.User != nil {
			if _, ok := parsed.User.Password(); ok {
				parsed.User = url.UserPassword(parsed.User.Username(), "redacted")
				cfg.Spool.DSN = parsed.String()
			}
		}
	}
	return cfg
}
