package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"syscall"

	"github.com/ongoingai/agenttrace"
	"github.com/ongoingai/agenttrace/internal/api"
	"github.com/ongoingai/agenttrace/internal/config"
	"github.com/ongoingai/agenttrace/internal/observability"
	"github.com/ongoingai/agenttrace/internal/spool"
	"github.com/ongoingai/agenttrace/internal/version"
	"github.com/ongoingai/agenttrace/migrations"
)

const defaultCollectorStorePath = "./data/agenttrace-collector.db"

// collectorListening is called with the bound address once the dev
// collector accepts connections.
var collectorListening = func(addr string) {}

// runCollector serves the development collector. It accepts the same
// credentials the SDK is configured with and stores finished traces in a
// sqlite or postgres database until interrupted.
func runCollector(args []string, out io.Writer, errOut io.Writer) int {
	flagSet := flag.NewFlagSet("collector", flag.ContinueOnError)
	flagSet.SetOutput(errOut)
	configPath := flagSet.String("config", defaultConfigPath, "Path to config file")
	addr := flagSet.String("addr", "", "Listen address (defaults to server.host:server.port)")
	driver := flagSet.String("driver", migrations.DriverSQLite, "Trace storage driver: sqlite or postgres")
	path := flagSet.String("path", defaultCollectorStorePath, "SQLite database path")
	dsn := flagSet.String("dsn", "", "Postgres DSN")
	if err := flagSet.Parse(args); err != nil {
		return 2
	}
	if flagSet.NArg() != 0 {
		fmt.Fprintln(errOut, "collector does not accept positional arguments")
		return 2
	}

	cfg, stage, err := loadAndValidateConfig(*configPath)
	if err != nil {
		reportConfigError(errOut, stage, err)
		return 1
	}
	listenAddr := strings.TrimSpace(*addr)
	if listenAddr == "" {
		listenAddr = cfg.Server.Address()
	}

	logger := agenttrace.NewLogger(errOut, cfg.Debug)
	ctx, stop := signalNotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	otelRuntime, err := observability.Setup(ctx, cfg.Observability.OTel, version.Version, logger)
	if err != nil {
		logger.Error("failed to initialize opentelemetry; continuing with instrumentation disabled", "error", err)
	}
	if otelRuntime != nil {
		defer func() {
			if err := otelRuntime.Shutdown(context.Background()); err != nil {
				logger.Error("failed to shutdown opentelemetry", "error", err)
			}
		}()
	}

	storeCfg := config.SpoolConfig{Enabled: true, Driver: *driver, Path: *path, DSN: *dsn}
	store, err := spool.Open(storeCfg)
	if err != nil {
		fmt.Fprintf(errOut, "failed to initialize collector storage: %v\n", err)
		return 1
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("failed to close collector storage", "error", err)
		}
	}()

	var handler http.Handler = api.NewRouter(api.RouterOptions{
		AppVersion:  version.String(),
		Store:       store,
		StoragePath: storeCfg.Path,
		APIKey:      cfg.Collector.APIKey,
		Username:    cfg.Collector.Username,
		Password:    cfg.Collector.Password,
		WorkspaceID: cfg.Collector.WorkspaceID,
		Logger:      logger,
	})
	if otelRuntime != nil {
		handler = otelRuntime.WrapHTTPHandler(otelRuntime.SpanEnrichmentMiddleware(handler))
	}

	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		fmt.Fprintf(errOut, "failed to listen on %s: %v\n", listenAddr, err)
		return 1
	}
	server := api.NewServer(ln.Addr().String(), logger, handler)

	logger.Info(
		"startup banner",
		"version", version.String(),
		"addr", server.Addr,
		"storage_driver", store.Driver(),
		"config_path", *configPath,
		"session_login", strings.TrimSpace(cfg.Collector.Username) != "",
	)
	fmt.Fprintf(out, "collector listening on http://%s\n", server.Addr)
	collectorListening(server.Addr)

	if err := api.Serve(ctx, logger, []*http.Server{server}, []net.Listener{ln}); err != nil {
		logger.Error("collector failed", "error", err)
		return 1
	}
	logger.Info("collector stopped")
	return 0
}
