package spool

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ongoingai/agenttrace/migrations"

	_ "modernc.org/sqlite"
)

const (
	sqliteBusyMaxRetries     = 5
	sqliteBusyInitialBackoff = 10 * time.Millisecond
	sqliteBusyMaxBackoff     = 250 * time.Millisecond

	// Fixed-width UTC layout so TEXT timestamps sort chronologically.
	sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z"
)

type SQLiteStore struct {
	Path string
	db   *sql.DB
	// SQLite allows one writer at a time; writes are serialized to avoid
	// SQLITE_BUSY under concurrent spooling and replay.
	writeMu sync.Mutex
	nowFn   func() time.Time
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("sqlite path cannot be empty")
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite directory %q: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database %q: %w", path, err)
	}

	store := &SQLiteStore{
		Path:  path,
		db:    db,
		nowFn: func() time.Time { return time.Now().UTC() },
	}
	if err := store.configure(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := migrations.Apply(context.Background(), db, migrations.DriverSQLite); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure sqlite schema: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) configure() error {
	// One connection keeps PRAGMAs and WAL state consistent.
	s.db.SetMaxOpenConns(1)
	if _, err := s.db.Exec(`PRAGMA journal_mode = WAL;`); err != nil {
		return fmt.Errorf("enable sqlite WAL mode: %w", err)
	}
	if _, err := s.db.Exec(`PRAGMA synchronous = NORMAL;`); err != nil {
		return fmt.Errorf("set sqlite synchronous mode: %w", err)
	}
	if _, err := s.db.Exec(`PRAGMA busy_timeout = 5000;`); err != nil {
		return fmt.Errorf("set sqlite busy timeout: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Driver() string { return migrations.DriverSQLite }

// DB exposes the underlying handle for diagnostics.
func (s *SQLiteStore) DB() *sql.DB { return s.db }

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) Write(ctx context.Context, entry Entry) error {
	now := s.nowFn()
	r, err := normalizeEntry(entry, now)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	err = retrySQLiteBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
INSERT INTO spooled_traces (
    trace_id,
    workspace_id,
    project,
    name,
    status,
    reason,
    error_class,
    last_error,
    attempts,
    span_count,
    total_tokens,
    document,
    started_at,
    created_at,
    updated_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?, ?, ?, ?)
ON CONFLICT(trace_id) DO UPDATE SET
    workspace_id = excluded.workspace_id,
    project = excluded.project,
    name = excluded.name,
    status = excluded.status,
    reason = excluded.reason,
    error_class = excluded.error_class,
    last_error = excluded.last_error,
    span_count = excluded.span_count,
    total_tokens = excluded.total_tokens,
    document = excluded.document,
    started_at = excluded.started_at,
    updated_at = excluded.updated_at`,
			r.TraceID,
			r.WorkspaceID,
			r.Project,
			r.Name,
			r.Status,
			r.Reason,
			r.ErrorClass,
			r.LastError,
			r.SpanCount,
			r.TotalTokens,
			r.Document,
			r.StartedAt.Format(sqliteTimeLayout),
			r.CreatedAt.Format(sqliteTimeLayout),
			now.Format(sqliteTimeLayout),
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("spool trace %q: %w", r.TraceID, err)
	}
	return nil
}

const sqliteEntryColumns = `trace_id, reason, error_class, last_error, attempts, created_at, updated_at, document`

func (s *SQLiteStore) Get(ctx context.Context, traceID string) (*Entry, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteEntryColumns+` FROM spooled_traces WHERE trace_id = ?`, strings.TrimSpace(traceID))
	entry, err := scanSQLiteEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func (s *SQLiteStore) List(ctx context.Context, limit int) ([]Entry, error) {
	query := `SELECT ` + sqliteEntryColumns + ` FROM spooled_traces ORDER BY created_at ASC, trace_id ASC`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list spooled traces: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		entry, err := scanSQLiteEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate spooled traces: %w", err)
	}
	return entries, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, traceIDs ...string) error {
	ids := uniqueIDs(traceIDs)
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	err := retrySQLiteBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM spooled_traces WHERE trace_id IN (`+placeholders+`)`, args...)
		return err
	})
	if err != nil {
		return fmt.Errorf("delete spooled traces: %w", err)
	}
	return nil
}

func (s *SQLiteStore) RecordAttempt(ctx context.Context, traceID, lastError string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var affected int64
	err := retrySQLiteBusy(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `
UPDATE spooled_traces
SET attempts = attempts + 1, last_error = ?, updated_at = ?
WHERE trace_id = ?`,
			truncate(lastError, maxLastErrorLen),
			s.nowFn().Format(sqliteTimeLayout),
			strings.TrimSpace(traceID),
		)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("record replay attempt for %q: %w", traceID, err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM spooled_traces`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count spooled traces: %w", err)
	}
	return count, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteEntry(scanner rowScanner) (Entry, error) {
	var (
		entry     Entry
		createdAt string
		updatedAt string
		document  string
	)
	if err := scanner.Scan(
		&entry.TraceID,
		&entry.Reason,
		&entry.ErrorClass,
		&entry.LastError,
		&entry.Attempts,
		&createdAt,
		&updatedAt,
		&document,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Entry{}, err
		}
		return Entry{}, fmt.Errorf("scan spooled trace: %w", err)
	}

	var err error
	if entry.CreatedAt, err = time.Parse(sqliteTimeLayout, createdAt); err != nil {
		return Entry{}, fmt.Errorf("parse created_at for %q: %w", entry.TraceID, err)
	}
	if entry.UpdatedAt, err = time.Parse(sqliteTimeLayout, updatedAt); err != nil {
		return Entry{}, fmt.Errorf("parse updated_at for %q: %w", entry.TraceID, err)
	}
	if entry.Data, err = decodeDocument(entry.TraceID, []byte(document)); err != nil {
		return Entry{}, err
	}
	return entry, nil
}

func retrySQLiteBusy(ctx context.Context, fn func() error) error {
	if ctx == nil {
		ctx = context.Background()
	}

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for retries := 0; ; retries++ {
		err := fn()
		if err == nil {
			return nil
		}
		if !isSQLiteBusyError(err) || retries >= sqliteBusyMaxRetries {
			return err
		}

		wait := min(sqliteBusyInitialBackoff<<retries, sqliteBusyMaxBackoff)
		if timer == nil {
			timer = time.NewTimer(wait)
		} else {
			timer.Reset(wait)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func isSQLiteBusyError(err error) bool {
	if err == nil {
		return false
	}
	value := strings.ToLower(err.Error())
	return strings.Contains(value, "sqlite_busy") || strings.Contains(value, "database is locked")
}

var _ Store = (*SQLiteStore)(nil)
