package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"syscall"
	"text/tabwriter"

	"github.com/ongoingai/agenttrace"
	"github.com/ongoingai/agenttrace/internal/spool"
)

const defaultReplayConcurrency = 4

type replayDocument struct {
	DryRun    bool   `json:"dry_run"`
	Driver    string `json:"driver"`
	Listed    int    `json:"listed"`
	Delivered int    `json:"delivered"`
	Failed    int    `json:"failed"`
	Discarded int    `json:"discarded"`
	Remaining int    `json:"remaining"`
}

// runReplay re-sends traces stored in the dead-letter spool.
func runReplay(args []string, out io.Writer, errOut io.Writer) int {
	flagSet := flag.NewFlagSet("replay", flag.ContinueOnError)
	flagSet.SetOutput(errOut)
	configPath := flagSet.String("config", defaultConfigPath, "Path to config file")
	format := flagSet.String("format", "text", "Output format: text or json")
	limit := flagSet.Int("limit", 0, "Maximum spooled traces to replay (0 replays all)")
	concurrency := flagSet.Int("concurrency", defaultReplayConcurrency, "Parallel sends")
	maxAttempts := flagSet.Int("max-attempts", 0, "Discard non-retryable entries after this many failed replays (0 never discards)")
	dryRun := flagSet.Bool("dry-run", false, "List spooled traces without sending them")
	if err := flagSet.Parse(args); err != nil {
		return 2
	}
	if flagSet.NArg() != 0 {
		fmt.Fprintln(errOut, "replay does not accept positional arguments")
		return 2
	}
	normalizedFormat, err := normalizeTextJSONFormat("replay", *format, "text")
	if err != nil {
		fmt.Fprintln(errOut, err)
		return 2
	}
	if *limit < 0 || *maxAttempts < 0 {
		fmt.Fprintln(errOut, "replay --limit and --max-attempts must be >= 0")
		return 2
	}
	if *concurrency <= 0 {
		fmt.Fprintln(errOut, "replay --concurrency must be > 0")
		return 2
	}

	cfg, stage, err := loadAndValidateConfig(*configPath)
	if err != nil {
		reportConfigError(errOut, stage, err)
		return 1
	}
	logger := agenttrace.NewLogger(errOut, cfg.Debug)

	ctx, stop := signalNotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := spool.Open(cfg.Spool)
	if err != nil {
		fmt.Fprintf(errOut, "failed to open spool: %v\n", err)
		return 1
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("failed to close spool", "error", err)
		}
	}()

	client, err := newCollectorClient(cfg, logger)
	if err != nil {
		fmt.Fprintf(errOut, "failed to configure collector client: %v\n", err)
		return 1
	}
	if !*dryRun {
		if err := client.Initialize(ctx); err != nil {
			fmt.Fprintf(errOut, "collector is unavailable: %v\n", err)
			return 1
		}
	}

	result, err := spool.Replay(ctx, store, client, spool.ReplayOptions{
		Concurrency: *concurrency,
		Limit:       *limit,
		MaxAttempts: *maxAttempts,
		DryRun:      *dryRun,
		Logger:      logger,
	})
	if err != nil {
		fmt.Fprintf(errOut, "replay failed: %v\n", err)
		return 1
	}
	remaining, err := store.Count(ctx)
	if err != nil {
		fmt.Fprintf(errOut, "failed to count spooled traces: %v\n", err)
		return 1
	}

	doc := replayDocument{
		DryRun:    *dryRun,
		Driver:    store.Driver(),
		Listed:    result.Listed,
		Delivered: result.Delivered,
		Failed:    result.Failed,
		Discarded: result.Discarded,
		Remaining: remaining,
	}
	if err := writeReplay(out, normalizedFormat, doc); err != nil {
		fmt.Fprintf(errOut, "failed to write replay output: %v\n", err)
		return 1
	}
	if result.Failed > 0 {
		return 1
	}
	return 0
}

func writeReplay(out io.Writer, format string, doc replayDocument) error {
	if format == "json" {
		encoder := json.NewEncoder(out)
		encoder.SetIndent("", "  ")
		return encoder.Encode(doc)
	}

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	if doc.DryRun {
		fmt.Fprintln(tw, "Mode\tdry run")
	}
	fmt.Fprintf(tw, "Spool driver\t%s\n", doc.Driver)
	fmt.Fprintf(tw, "Listed\t%d\n", doc.Listed)
	fmt.Fprintf(tw, "Delivered\t%d\n", doc.Delivered)
	fmt.Fprintf(tw, "Failed\t%d\n", doc.Failed)
	fmt.Fprintf(tw, "Discarded\t%d\n", doc.Discarded)
	fmt.Fprintf(tw, "Remaining\t%d\n", doc.Remaining)
	return tw.Flush()
}
