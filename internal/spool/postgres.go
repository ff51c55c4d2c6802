package spool

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ongoingai/agenttrace/migrations"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
)

type PostgresStore struct {
	DSN   string
	db    *sql.DB
	nowFn func() time.Time
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("postgres dsn cannot be empty")
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres database: %w", err)
	}

	store := &PostgresStore{
		DSN:   dsn,
		db:    db,
		nowFn: func() time.Time { return time.Now().UTC() },
	}
	if err := store.configure(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := migrations.Apply(context.Background(), db, migrations.DriverPostgres); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure postgres schema: %w", describePostgresError(err))
	}
	return store, nil
}

func (s *PostgresStore) configure() error {
	s.db.SetMaxOpenConns(8)
	s.db.SetMaxIdleConns(4)
	s.db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", describePostgresError(err))
	}
	return nil
}

func (s *PostgresStore) Driver() string { return migrations.DriverPostgres }

// DB exposes the underlying handle for diagnostics.
func (s *PostgresStore) DB() *sql.DB { return s.db }

func (s *PostgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *PostgresStore) Write(ctx context.Context, entry Entry) error {
	now := s.nowFn()
	r, err := normalizeEntry(entry, now)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
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
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 0, $9, $10, $11::jsonb, $12, $13, $14)
ON CONFLICT (trace_id) DO UPDATE SET
    workspace_id = EXCLUDED.workspace_id,
    project = EXCLUDED.project,
    name = EXCLUDED.name,
    status = EXCLUDED.status,
    reason = EXCLUDED.reason,
    error_class = EXCLUDED.error_class,
    last_error = EXCLUDED.last_error,
    span_count = EXCLUDED.span_count,
    total_tokens = EXCLUDED.total_tokens,
    document = EXCLUDED.document,
    started_at = EXCLUDED.started_at,
    updated_at = EXCLUDED.updated_at`,
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
		r.StartedAt,
		r.CreatedAt,
		now,
	)
	if err != nil {
		return fmt.Errorf("spool trace %q: %w", r.TraceID, describePostgresError(err))
	}
	return nil
}

const postgresEntryColumns = `trace_id, reason, error_class, last_error, attempts, created_at, updated_at, document::text`

func (s *PostgresStore) Get(ctx context.Context, traceID string) (*Entry, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+postgresEntryColumns+` FROM spooled_traces WHERE trace_id = $1`, strings.TrimSpace(traceID))
	entry, err := scanPostgresEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func (s *PostgresStore) List(ctx context.Context, limit int) ([]Entry, error) {
	query := `SELECT ` + postgresEntryColumns + ` FROM spooled_traces ORDER BY created_at ASC, trace_id ASC`
	var args []any
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list spooled traces: %w", describePostgresError(err))
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		entry, err := scanPostgresEntry(rows)
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

func (s *PostgresStore) Delete(ctx context.Context, traceIDs ...string) error {
	ids := uniqueIDs(traceIDs)
	if len(ids) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete transaction: %w", err)
	}
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `DELETE FROM spooled_traces WHERE trace_id = $1`, id); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("delete spooled trace %q: %w", id, describePostgresError(err))
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete transaction: %w", err)
	}
	return nil
}

func (s *PostgresStore) RecordAttempt(ctx context.Context, traceID, lastError string) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE spooled_traces
SET attempts = attempts + 1, last_error = $1, updated_at = $2
WHERE trace_id = $3`,
		truncate(lastError, maxLastErrorLen),
		s.nowFn(),
		strings.TrimSpace(traceID),
	)
	if err != nil {
		return fmt.Errorf("record replay attempt for %q: %w", traceID, describePostgresError(err))
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read update row count: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) Count(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM spooled_traces`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count spooled traces: %w", describePostgresError(err))
	}
	return count, nil
}

func scanPostgresEntry(scanner rowScanner) (Entry, error) {
	var (
		entry    Entry
		document string
	)
	if err := scanner.Scan(
		&entry.TraceID,
		&entry.Reason,
		&entry.ErrorClass,
		&entry.LastError,
		&entry.Attempts,
		&entry.CreatedAt,
		&entry.UpdatedAt,
		&document,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Entry{}, err
		}
		return Entry{}, fmt.Errorf("scan spooled trace: %w", err)
	}
	entry.CreatedAt = entry.CreatedAt.UTC()
	entry.UpdatedAt = entry.UpdatedAt.UTC()

	data, err := decodeDocument(entry.TraceID, []byte(document))
	if err != nil {
		return Entry{}, err
	}
	entry.Data = data
	return entry, nil
}

// describePostgresError adds the SQLSTATE to server-side errors.
func describePostgresError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return fmt.Errorf("sqlstate %s: %w", pgErr.Code, err)
	}
	return err
}

var _ Store = (*PostgresStore)(nil)
