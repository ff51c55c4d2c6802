package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/ongoingai/agenttrace/internal/collector"
	"github.com/ongoingai/agenttrace/internal/config"
	"github.com/ongoingai/agenttrace/internal/spool"
	"github.com/ongoingai/agenttrace/migrations"
	"github.com/ongoingai/agenttrace/trace"
)

const (
	defaultDoctorFormat  = "text"
	defaultDoctorTimeout = 5 * time.Second
)

const (
	doctorStatusPass = "pass"
	doctorStatusWarn = "warn"
	doctorStatusFail = "fail"
	doctorStatusSkip = "skip"
)

type doctorDocument struct {
	GeneratedAt   time.Time     `json:"generated_at"`
	ConfigPath    string        `json:"config_path"`
	OverallStatus string        `json:"overall_status"`
	Checks        []doctorCheck `json:"checks"`
}

type doctorCheck struct {
	Name    string   `json:"name"`
	Status  string   `json:"status"`
	Summary string   `json:"summary"`
	Details []string `json:"details,omitempty"`
}

func runDoctor(args []string, out io.Writer, errOut io.Writer) int {
	flagSet := flag.NewFlagSet("doctor", flag.ContinueOnError)
	flagSet.SetOutput(errOut)

	configPath := flagSet.String("config", defaultConfigPath, "Path to config file")
	format := flagSet.String("format", defaultDoctorFormat, "Output format: text or json")
	timeout := flagSet.Duration("timeout", defaultDoctorTimeout, "Timeout for each connectivity check")

	if err := flagSet.Parse(args); err != nil {
		return 2
	}
	if flagSet.NArg() != 0 {
		fmt.Fprintln(errOut, "doctor does not accept positional arguments")
		return 2
	}
	normalizedFormat, err := normalizeTextJSONFormat("doctor", *format, defaultDoctorFormat)
	if err != nil {
		fmt.Fprintln(errOut, err)
		return 2
	}
	if *timeout <= 0 {
		fmt.Fprintln(errOut, "doctor --timeout must be > 0")
		return 2
	}

	document := buildDoctorDocument(strings.TrimSpace(*configPath), *timeout)
	if err := writeDoctor(out, normalizedFormat, document); err != nil {
		fmt.Fprintf(errOut, "failed to write doctor output: %v\n", err)
		return 1
	}
	if document.OverallStatus == doctorStatusFail {
		return 1
	}
	return 0
}

func buildDoctorDocument(configPath string, timeout time.Duration) doctorDocument {
	doc := doctorDocument{
		GeneratedAt: time.Now().UTC(),
		ConfigPath:  configPath,
		Checks:      make([]doctorCheck, 0, 4),
	}

	cfg, stage, err := loadAndValidateConfig(configPath)
	if err != nil {
		summary := "config is invalid"
		reason := "skipped: config validation failed"
		if stage == configStageLoad {
			summary = "failed to load config"
			reason = "skipped: config failed to load"
		}
		doc.Checks = append(doc.Checks,
			doctorCheck{
				Name:    "config",
				Status:  doctorStatusFail,
				Summary: summary,
				Details: []string{err.Error()},
			},
			doctorSkippedCheck("collector", reason),
			doctorSkippedCheck("spool", reason),
			doctorSkippedCheck("delivery", reason),
		)
		doc.OverallStatus = doctorOverallStatus(doc.Checks)
		return doc
	}

	doc.Checks = append(doc.Checks, doctorCheck{
		Name:    "config",
		Status:  doctorStatusPass,
		Summary: "loaded and validated configuration",
		Details: []string{fmt.Sprintf("config path: %s", nonEmpty(configPath, "(defaults and environment)"))},
	})
	doc.Checks = append(doc.Checks, runDoctorCollectorCheck(cfg, timeout))
	doc.Checks = append(doc.Checks, runDoctorSpoolCheck(cfg, timeout))
	doc.Checks = append(doc.Checks, runDoctorDeliveryCheck(cfg))
	doc.OverallStatus = doctorOverallStatus(doc.Checks)
	return doc
}

func doctorSkippedCheck(name, summary string) doctorCheck {
	return doctorCheck{
		Name:    name,
		Status:  doctorStatusSkip,
		Summary: summary,
	}
}

func runDoctorCollectorCheck(cfg config.Config, timeout time.Duration) doctorCheck {
	check := doctorCheck{Name: "collector"}
	client, err := newCollectorClient(cfg, discardLogger())
	if err != nil {
		check.Status = doctorStatusFail
		check.Summary = "failed to configure collector client"
		check.Details = []string{err.Error()}
		return check
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := client.Initialize(ctx); err != nil {
		check.Status = doctorStatusFail
		check.Summary = "collector is unreachable or rejected credentials"
		check.Details = []string{err.Error()}
		return check
	}

	check.Status = doctorStatusPass
	check.Summary = "collector is healthy"
	check.Details = []string{
		fmt.Sprintf("url: %s", cfg.Collector.URL),
		fmt.Sprintf("wire mode: %s", client.WireMode()),
		fmt.Sprintf("workspace: %s", cfg.Collector.WorkspaceID),
	}
	if strings.TrimSpace(cfg.Collector.Username) != "" {
		check.Details = append(check.Details, "session login succeeded")
	}
	return check
}

func runDoctorSpoolCheck(cfg config.Config, timeout time.Duration) doctorCheck {
	check := doctorCheck{Name: "spool"}
	if !cfg.Spool.Enabled {
		check.Status = doctorStatusWarn
		check.Summary = "spool is disabled; dropped traces are discarded"
		check.Details = []string{"spool.enabled=false"}
		return check
	}

	store, err := spool.Open(cfg.Spool)
	if err != nil {
		check.Status = doctorStatusFail
		check.Summary = "failed to open spool storage"
		check.Details = []string{err.Error()}
		return check
	}
	defer func() {
		_ = store.Close()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	count, err := store.Count(ctx)
	if err != nil {
		check.Status = doctorStatusFail
		check.Summary = "spool storage connectivity check failed"
		check.Details = []string{err.Error()}
		return check
	}

	check.Status = doctorStatusPass
	check.Summary = fmt.Sprintf("connected to %s spool", store.Driver())
	if store.Driver() == migrations.DriverSQLite {
		path := strings.TrimSpace(cfg.Spool.Path)
		if abs, err := filepath.Abs(path); err == nil {
			path = abs
		}
		check.Details = append(check.Details, fmt.Sprintf("path: %s", path))
	}
	check.Details = append(check.Details, fmt.Sprintf("spooled traces: %d", count))
	if count > 0 {
		check.Status = doctorStatusWarn
		check.Details = append(check.Details, "run `agenttrace replay` to re-send spooled traces")
	}

	if withDB, ok := store.(interface{ DB() *sql.DB }); ok {
		pending, err := migrations.Pending(ctx, withDB.DB(), store.Driver())
		if err != nil {
			check.Status = doctorStatusFail
			check.Summary = "failed to inspect spool migrations"
			check.Details = append(check.Details, err.Error())
			return check
		}
		if len(pending) > 0 {
			check.Status = doctorStatusFail
			check.Summary = "spool schema has pending migrations"
			check.Details = append(check.Details, "pending: "+strings.Join(pending, ", "))
		}
	}
	return check
}

func runDoctorDeliveryCheck(cfg config.Config) doctorCheck {
	delivery := cfg.Delivery
	check := doctorCheck{
		Name:    "delivery",
		Status:  doctorStatusPass,
		Summary: "delivery settings look reasonable",
		Details: []string{
			fmt.Sprintf("buffer_size=%d batch_size=%d flush_interval=%s", delivery.BufferSize, delivery.BatchSize, delivery.FlushInterval()),
			fmt.Sprintf("backpressure=%s max_retries=%d", delivery.Backpressure, delivery.MaxRetries),
		},
	}
	if policy, _ := trace.ParseBackpressurePolicy(delivery.Backpressure); policy == trace.BackpressureBlock {
		check.Status = doctorStatusWarn
		check.Summary = "block backpressure stalls instrumented calls while the buffer is full"
		check.Details = append(check.Details, fmt.Sprintf("block_timeout=%s", delivery.BlockTimeout()))
	}
	if delivery.MaxRetries == 0 {
		check.Status = doctorStatusWarn
		check.Summary = "retries are disabled; transient collector errors drop traces"
	}
	return check
}

func doctorOverallStatus(checks []doctorCheck) string {
	hasWarn := false
	for _, check := range checks {
		switch check.Status {
		case doctorStatusFail:
			return doctorStatusFail
		case doctorStatusWarn:
			hasWarn = true
		}
	}
	if hasWarn {
		return doctorStatusWarn
	}
	return doctorStatusPass
}

func writeDoctor(out io.Writer, format string, doc doctorDocument) error {
	switch format {
	case "json":
		encoder := json.NewEncoder(out)
		encoder.SetIndent("", "  ")
		return encoder.Encode(doc)
	default:
		return writeDoctorText(out, doc)
	}
}

func writeDoctorText(out io.Writer, doc doctorDocument) error {
	fmt.Fprintln(out, "agenttrace doctor")

	meta := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(meta, "Generated at\t%s\n", doc.GeneratedAt.Format(time.RFC3339))
	fmt.Fprintf(meta, "Config path\t%s\n", nonEmpty(doc.ConfigPath, defaultConfigPath))
	fmt.Fprintf(meta, "Overall status\t%s\n", strings.ToUpper(doc.OverallStatus))
	if err := meta.Flush(); err != nil {
		return err
	}

	fmt.Fprintln(out, "\nChecks")
	for _, check := range doc.Checks {
		fmt.Fprintf(out, "- [%s] %s: %s\n", strings.ToUpper(check.Status), check.Name, check.Summary)
		for _, detail := range check.Details {
			fmt.Fprintf(out, "  %s\n", detail)
		}
	}
	return nil
}

// newCollectorClient builds a client from cfg. A nil logger selects
// slog.Default.
func newCollectorClient(cfg config.Config, logger *slog.Logger) (*collector.Client, error) {
	return collector.New(collector.Options{
		BaseURL:     cfg.Collector.URL,
		APIKey:      cfg.Collector.APIKey,
		Username:    cfg.Collector.Username,
		Password:    cfg.Collector.Password,
		WorkspaceID: cfg.Collector.WorkspaceID,
		Timeout:     cfg.Collector.Timeout(),
		WireMode:    collector.WireMode(cfg.Collector.WireMode),
		RateLimit:   cfg.Collector.RateLimitPerSecond,
		Logger:      logger,
	})
}
