// Package spool persists traces the delivery writer gave up on so they can
// be replayed once the collector is reachable again.
package spool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ongoingai/agenttrace/internal/config"
	"github.com/ongoingai/agenttrace/migrations"
	"github.com/ongoingai/agenttrace/trace"
)

// ErrNotFound is returned when a trace is not in the spool.
var ErrNotFound = errors.New("spooled trace not found")

// Reason recorded for traces stored by the dev collector.
const ReasonCollected = "collected"

// Entry is one spooled trace document.
type Entry struct {
	TraceID    string
	Reason     string
	ErrorClass string
	LastError  string
	Attempts   int
	CreatedAt  time.Time
	UpdatedAt  time.Time
	Data       trace.TraceData
}

// Store persists spooled traces keyed by trace id. Writing an id that is
// already stored replaces the document and keeps the original CreatedAt.
type Store interface {
	Write(ctx context.Context, entry Entry) error
	Get(ctx context.Context, traceID string) (*Entry, error)
	// List returns up to limit entries, oldest first. limit <= 0 lists all.
	List(ctx context.Context, limit int) ([]Entry, error)
	Delete(ctx context.Context, traceIDs ...string) error
	// RecordAttempt increments the attempt counter after a failed replay.
	RecordAttempt(ctx context.Context, traceID, lastError string) error
	Count(ctx context.Context) (int, error)
	Driver() string
	Close() error
}

// Open builds the store selected by cfg.Driver.
func Open(cfg config.SpoolConfig) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", migrations.DriverSQLite:
		return NewSQLiteStore(cfg.Path)
	case migrations.DriverPostgres:
		return NewPostgresStore(cfg.DSN)
	default:
		return nil, &trace.ConfigError{Field: "spool.driver", Reason: fmt.Sprintf("unsupported driver %q", cfg.Driver)}
	}
}

// EntryFromDrop builds spool entries for every trace in drop.
func EntryFromDrop(drop trace.Drop) []Entry {
	entries := make([]Entry, 0, len(drop.Traces))
	lastError := ""
	if drop.Err != nil {
		lastError = drop.Err.Error()
	}
	for _, t := range drop.Traces {
		if t == nil {
			continue
		}
		entries = append(entries, Entry{
			TraceID:    t.ID(),
			Reason:     drop.Reason,
			ErrorClass: drop.Class,
			LastError:  lastError,
			Data:       t.Snapshot(),
		})
	}
	return entries
}

// row is the column view of an Entry shared by both drivers.
type row struct {
	TraceID     string
	WorkspaceID string
	Project     string
	Name        string
	Status      string
	Reason      string
	ErrorClass  string
	LastError   string
	SpanCount   int
	TotalTokens int
	Document    string
	StartedAt   time.Time
	CreatedAt   time.Time
}

func normalizeEntry(entry Entry, now time.Time) (row, error) {
	if entry.Data.ID == "" {
		entry.Data.ID = entry.TraceID
	}
	if entry.TraceID == "" {
		entry.TraceID = entry.Data.ID
	}
	traceID := strings.TrimSpace(entry.TraceID)
	if traceID == "" {
		return row{}, errors.New("spool entry requires a trace id")
	}
	if entry.Data.ID != traceID {
		return row{}, fmt.Errorf("spool entry id %q does not match document id %q", traceID, entry.Data.ID)
	}

	document, err := json.Marshal(entry.Data)
	if err != nil {
		return row{}, trace.NewSerializationError(fmt.Errorf("encode trace %q: %w", traceID, err))
	}

	reason := strings.TrimSpace(entry.Reason)
	if reason == "" {
		reason = "unknown"
	}
	createdAt := entry.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	startedAt := entry.Data.StartTime
	if startedAt.IsZero() {
		startedAt = createdAt
	}
	return row{
		TraceID:     traceID,
		WorkspaceID: entry.Data.WorkspaceID,
		Project:     entry.Data.ProjectName,
		Name:        entry.Data.Name,
		Status:      string(entry.Data.Status),
		Reason:      reason,
		ErrorClass:  entry.ErrorClass,
		LastError:   truncate(entry.LastError, maxLastErrorLen),
		SpanCount:   len(entry.Data.Spans),
		TotalTokens: entry.Data.TokenUsage().Total,
		Document:    string(document),
		StartedAt:   startedAt.UTC(),
		CreatedAt:   createdAt.UTC(),
	}, nil
}

func decodeDocument(traceID string, document []byte) (trace.TraceData, error) {
	var data trace.TraceData
	if err := json.Unmarshal(document, &data); err != nil {
		return trace.TraceData{}, fmt.Errorf("decode spooled trace %q: %w", traceID, err)
	}
	return data, nil
}

const maxLastErrorLen = 1024

func truncate(value string, limit int) string {
	if len(value) <= limit {
		return value
	}
	return value[:limit]
}

func uniqueIDs(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
