package main

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ongoingai/agenttrace/internal/api"
	"github.com/ongoingai/agenttrace/internal/spool"
	"github.com/ongoingai/agenttrace/trace"
)

type testConfigOptions struct {
	collectorURL string
	spoolPath    string
	extra        string
}

func writeTestConfig(t *testing.T, opts testConfigOptions) string {
	t.Helper()
	var b strings.Builder
	b.WriteString("collector:\n")
	b.WriteString("  url: " + opts.collectorURL + "\n")
	b.WriteString("  api_key: test-key\n")
	b.WriteString("  workspace_id: ws-1\n")
	b.WriteString("  project: cli\n")
	if opts.spoolPath != "" {
		b.WriteString("spool:\n  enabled: true\n  driver: sqlite\n  path: " + opts.spoolPath + "\n")
	}
	b.WriteString(opts.extra)

	path := filepath.Join(t.TempDir(), "agenttrace.yaml")
	if err := os.WriteFile(path, []byte(b.String()), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func newTestCollector(t *testing.T) (*httptest.Server, spool.Store) {
	t.Helper()
	store, err := spool.NewSQLiteStore(filepath.Join(t.TempDir(), "collector.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore() error: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	server := httptest.NewServer(api.NewRouter(api.RouterOptions{
		AppVersion:  "test",
		Store:       store,
		APIKey:      "test-key",
		WorkspaceID: "ws-1",
		Logger:      slog.New(slog.NewJSONHandler(io.Discard, nil)),
	}))
	t.Cleanup(server.Close)
	return server, store
}

func seedSpool(t *testing.T, path string, ids ...string) {
	t.Helper()
	store, err := spool.NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("open spool: %v", err)
	}
	defer store.Close()

	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	end := start.Add(time.Second)
	for i, id := range ids {
		err := store.Write(context.Background(), spool.Entry{
			TraceID:    id,
			Reason:     trace.DropReasonRetriesExhausted,
			ErrorClass: trace.ErrorClassServer,
			CreatedAt:  start.Add(time.Duration(i) * time.Second),
			Data: trace.TraceData{
				ID:          id,
				Name:        "agent.run",
				ProjectName: "cli",
				WorkspaceID: "ws-1",
				StartTime:   start,
				EndTime:     &end,
				Status:      trace.StatusSuccess,
				Spans: []trace.SpanData{
					{ID: id + "-span", TraceID: id, Name: "plan", Type: trace.SpanTypeCustom, StartTime: start, EndTime: &end, Status: trace.StatusSuccess},
				},
			},
		})
		if err != nil {
			t.Fatalf("seed %s: %v", id, err)
		}
	}
}

func spoolCount(t *testing.T, path string) int {
	t.Helper()
	store, err := spool.NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("open spool: %v", err)
	}
	defer store.Close()
	count, err := store.Count(context.Background())
	if err != nil {
		t.Fatalf("Count() error: %v", err)
	}
	return count
}
