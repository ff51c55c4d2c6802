package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ongoingai/agenttrace/trace"
)

func validConfig() Config {
	cfg := Default()
	cfg.Collector.APIKey = "key-1"
	return cfg
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Collector.URL != "http://localhost:8080" {
		t.Fatalf("collector.url=%q, want http://localhost:8080", cfg.Collector.URL)
	}
	if cfg.Collector.WireMode != WireModeBatch {
		t.Fatalf("collector.wire_mode=%q, want batch", cfg.Collector.WireMode)
	}
	if cfg.Delivery.BufferSize != 100 || cfg.Delivery.BatchSize != 10 {
		t.Fatalf("delivery buffer_size=%d batch_size=%d, want 100 and 10", cfg.Delivery.BufferSize, cfg.Delivery.BatchSize)
	}
	if cfg.Delivery.FlushInterval() != 5*time.Second {
		t.Fatalf("flush interval=%s, want 5s", cfg.Delivery.FlushInterval())
	}
	if cfg.Delivery.MaxRetries != 3 {
		t.Fatalf("delivery.max_retries=%d, want 3", cfg.Delivery.MaxRetries)
	}
	if cfg.Delivery.Backpressure != "drop_oldest" {
		t.Fatalf("delivery.backpressure=%q, want drop_oldest", cfg.Delivery.Backpressure)
	}
	if cfg.Delivery.ShutdownTimeout() != 5*time.Second {
		t.Fatalf("shutdown timeout=%s, want 5s", cfg.Delivery.ShutdownTimeout())
	}
	if !cfg.Capture.Inputs || !cfg.Capture.Outputs || !cfg.Capture.ScrubCredentials {
		t.Fatalf("capture=%+v, want inputs, outputs and scrubbing enabled", cfg.Capture)
	}
	if cfg.Spool.Enabled {
		t.Fatal("spool.enabled=true, want false")
	}
	if cfg.Observability.OTel.Enabled {
		t.Fatalf("observability.otel.enabled=%v, want false", cfg.Observability.OTel.Enabled)
	}
	if cfg.Observability.OTel.ServiceName != "agenttrace" {
		t.Fatalf("observability.otel.service_name=%q, want agenttrace", cfg.Observability.OTel.ServiceName)
	}
	if cfg.Observability.Prometheus.Path != "/metrics" {
		t.Fatalf("observability.prometheus.path=%q, want /metrics", cfg.Observability.Prometheus.Path)
	}
	if cfg.Server.Address() != "127.0.0.1:8080" {
		t.Fatalf("server address=%q, want 127.0.0.1:8080", cfg.Server.Address())
	}
}

func TestLoadAppliesYAMLAndEnvOverrides(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "agenttrace.yaml")
	configYAML := `collector:
  url: https://collector.example.com/neo
  username: alice
  password: secret
  workspace_id: ws-yaml
  project: agents
  timeout_ms: 2500
  wire_mode: incremental
delivery:
  batch_size: 5
  buffer_size: 50
  flush_interval_seconds: 0.5
  backpressure: block
capture:
  inputs: false
  max_payload_bytes: 2048
spool:
  enabled: true
  driver: sqlite
  path: /tmp/spool.db
observability:
  otel:
    enabled: false
    mirror_spans: true
debug: true
`
	if err := os.WriteFile(configPath, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("AGENTTRACE_WORKSPACE_ID", "ws-env")
	t.Setenv("AGENTTRACE_MAX_RETRIES", "7")
	t.Setenv("AGENTTRACE_CAPTURE_OUTPUTS", "false")

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Collector.URL != "https://collector.example.com/neo" {
		t.Fatalf("collector.url=%q", cfg.Collector.URL)
	}
	if cfg.Collector.WorkspaceID != "ws-env" {
		t.Fatalf("collector.workspace_id=%q, want env override ws-env", cfg.Collector.WorkspaceID)
	}
	if cfg.Collector.Timeout() != 2500*time.Millisecond {
		t.Fatalf("collector timeout=%s, want 2.5s", cfg.Collector.Timeout())
	}
	if cfg.Collector.WireMode != WireModeIncremental {
		t.Fatalf("collector.wire_mode=%q, want incremental", cfg.Collector.WireMode)
	}
	if cfg.Delivery.FlushInterval() != 500*time.Millisecond {
		t.Fatalf("flush interval=%s, want 500ms", cfg.Delivery.FlushInterval())
	}
	if cfg.Delivery.MaxRetries != 7 {
		t.Fatalf("delivery.max_retries=%d, want 7", cfg.Delivery.MaxRetries)
	}
	if cfg.Capture.Inputs || cfg.Capture.Outputs {
		t.Fatalf("capture=%+v, want inputs and outputs disabled", cfg.Capture)
	}
	if !cfg.Spool.Enabled || cfg.Spool.Path != "/tmp/spool.db" {
		t.Fatalf("spool=%+v", cfg.Spool)
	}
	if !cfg.Observability.OTel.MirrorSpans || !cfg.Debug {
		t.Fatalf("mirror_spans=%v debug=%v, want both true", cfg.Observability.OTel.MirrorSpans, cfg.Debug)
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("Validate() error: %v", err)
	}
}

func TestLoadInvalidYAMLReturnsError(t *testing.T) {
	t.Parallel()

	configPath := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(configPath, []byte("collector: [\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(configPath); err == nil || !strings.Contains(err.Error(), "parse yaml") {
		t.Fatalf("Load() error=%v, want parse error", err)
	}
}

func TestLoadRejectsUnknownYAMLField(t *testing.T) {
	t.Parallel()

	configPath := filepath.Join(t.TempDir(), "unknown.yaml")
	if err := os.WriteFile(configPath, []byte("collector:\n  endpoint: http://x\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	_, err := Load(configPath)
	if err == nil || !strings.Contains(err.Error(), "field endpoint not found") {
		t.Fatalf("Load() error=%v, want unknown field error", err)
	}
}

func TestLoadRejectsMultiDocumentYAML(t *testing.T) {
	t.Parallel()

	configPath := filepath.Join(t.TempDir(), "multi.yaml")
	if err := os.WriteFile(configPath, []byte("debug: true\n---\ndebug: false\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	_, err := Load(configPath)
	if err == nil || !strings.Contains(err.Error(), "multiple yaml documents") {
		t.Fatalf("Load() error=%v, want multi-document error", err)
	}
}

func TestLoadInvalidEnvReturnsError(t *testing.T) {
	t.Setenv("AGENTTRACE_BATCH_SIZE", "many")

	_, err := Load("")
	if err == nil || !strings.Contains(err.Error(), "invalid AGENTTRACE_BATCH_SIZE") {
		t.Fatalf("Load() error=%v, want AGENTTRACE_BATCH_SIZE validation message", err)
	}
}

func TestLoadAppliesStandardOTELEnvOverrides(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "https://otel-collector:4318")
	t.Setenv("OTEL_SERVICE_NAME", "agent-service")
	t.Setenv("OTEL_TRACES_SAMPLER_ARG", "0.35")
	t.Setenv("OTEL_METRICS_EXPORTER", "none")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	otel := cfg.Observability.OTel
	if !otel.Enabled {
		t.Fatal("observability.otel.enabled=false, want true when OTEL_* vars are configured")
	}
	if otel.Endpoint != "https://otel-collector:4318" || otel.ServiceName != "agent-service" {
		t.Fatalf("endpoint=%q service=%q", otel.Endpoint, otel.ServiceName)
	}
	if otel.SamplingRatio != 0.35 {
		t.Fatalf("sampling_ratio=%v, want 0.35", otel.SamplingRatio)
	}
	if otel.MetricsEnabled {
		t.Fatal("metrics_enabled=true, want false from OTEL_METRICS_EXPORTER=none")
	}
}

func TestLoadAppliesOTELSDKDisabledOverride(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "collector:4318")
	t.Setenv("OTEL_SDK_DISABLED", "true")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Observability.OTel.Enabled {
		t.Fatal("observability.otel.enabled=true, want false from OTEL_SDK_DISABLED=true")
	}
}

func TestLoadMetricsExporterPrometheusEnv(t *testing.T) {
	t.Setenv("OTEL_METRICS_EXPORTER", "prometheus")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if !cfg.Observability.Prometheus.Enabled {
		t.Fatal("prometheus.enabled=false, want true from OTEL_METRICS_EXPORTER=prometheus")
	}
	if cfg.Observability.OTel.MetricsEnabled {
		t.Fatal("otel metrics_enabled=true, want false when prometheus is selected")
	}
}

func TestLoadRejectsInvalidStandardOTELExporterEnv(t *testing.T) {
	t.Setenv("OTEL_TRACES_EXPORTER", "zipkin")

	_, err := Load("")
	if err == nil || !strings.Contains(err.Error(), "invalid OTEL_TRACES_EXPORTER") {
		t.Fatalf("Load() error=%v, want OTEL_TRACES_EXPORTER validation message", err)
	}
}

func TestValidateDefaultConfigRequiresCredentials(t *testing.T) {
	t.Parallel()

	err := Validate(Default())
	var cfgErr *trace.ConfigError
	if !errors.As(err, &cfgErr) || cfgErr.Field != "collector.api_key" {
		t.Fatalf("Validate(default) error=%v, want collector.api_key ConfigError", err)
	}
	if err := Validate(validConfig()); err != nil {
		t.Fatalf("Validate(with api key) error: %v", err)
	}
}

func TestValidateReportsConfigErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{name: "bad url", mutate: func(c *Config) { c.Collector.URL = "collector:8080" }, field: "collector.url"},
		{name: "conflicting auth", mutate: func(c *Config) { c.Collector.Username = "alice"; c.Collector.Password = "pw" }, field: "collector.api_key"},
		{name: "half session", mutate: func(c *Config) { c.Collector.APIKey = ""; c.Collector.Username = "alice" }, field: "collector.username"},
		{name: "empty workspace", mutate: func(c *Config) { c.Collector.WorkspaceID = " " }, field: "collector.workspace_id"},
		{name: "wire mode", mutate: func(c *Config) { c.Collector.WireMode = "grpc" }, field: "collector.wire_mode"},
		{name: "batch larger than buffer", mutate: func(c *Config) { c.Delivery.BatchSize = 500 }, field: "delivery.batch_size"},
		{name: "flush interval", mutate: func(c *Config) { c.Delivery.FlushIntervalSeconds = 0 }, field: "delivery.flush_interval_seconds"},
		{name: "negative retries", mutate: func(c *Config) { c.Delivery.MaxRetries = -1 }, field: "delivery.max_retries"},
		{name: "backpressure", mutate: func(c *Config) { c.Delivery.Backpressure = "spill" }, field: "delivery.backpressure"},
		{name: "postgres without dsn", mutate: func(c *Config) { c.Spool.Enabled = true; c.Spool.Driver = "postgres" }, field: "spool.dsn"},
		{name: "spool driver", mutate: func(c *Config) { c.Spool.Enabled = true; c.Spool.Driver = "mysql" }, field: "spool.driver"},
		{name: "otel sampling", mutate: func(c *Config) { c.Observability.OTel.Enabled = true; c.Observability.OTel.SamplingRatio = 2 }, field: "observability.otel.sampling_ratio"},
		{name: "mirror without traces", mutate: func(c *Config) {
			c.Observability.OTel.Enabled = true
			c.Observability.OTel.TracesEnabled = false
			c.Observability.OTel.MirrorSpans = true
		}, field: "observability.otel.mirror_spans"},
		{name: "prometheus path", mutate: func(c *Config) {
			c.Observability.Prometheus.Enabled = true
			c.Observability.Prometheus.Path = "metrics"
		}, field: "observability.prometheus.path"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := validConfig()
			tt.mutate(&cfg)
			err := Validate(cfg)
			var cfgErr *trace.ConfigError
			if !errors.As(err, &cfgErr) {
				t.Fatalf("Validate() error=%v, want *trace.ConfigError", err)
			}
			if cfgErr.Field != tt.field {
				t.Fatalf("field=%q, want %q (%v)", cfgErr.Field, tt.field, err)
			}
		})
	}
}

func TestRedactedMasksSecrets(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	cfg.Spool.DSN = "postgres://agent:hunter2@db:5432/spool"
	redacted := cfg.Redacted()
	if redacted.Collector.APIKey != "[redacted]" {
		t.Fatalf("api_key=%q", redacted.Collector.APIKey)
	}
	if strings.Contains(redacted.Spool.DSN, "hunter2") {
		t.Fatalf("dsn=%q still contains the password", redacted.Spool.DSN)
	}
	if cfg.Collector.APIKey != "key-1" {
		t.Fatal("Redacted() must not modify the receiver")
	}
}
