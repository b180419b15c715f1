package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	"github.com/nadmax/ferreq/internal/task"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

type Dialect string

const (
	Postgres Dialect = "postgres"
	SQLite   Dialect = "sqlite"
)

// SQLStore implements Store on database/sql. Queries are written with ? placeholders and
// rebound for PostgreSQL.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	logger  *zap.Logger
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func NewPostgresStore(dsn string, logger *zap.Logger) (*SQLStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	return NewSQLStore(db, Postgres, logger), nil
}

// NewSQLiteStore opens (or creates) the database at path and applies the schema.
func NewSQLiteStore(path string, logger *zap.Logger) (*SQLStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}
	// a single connection serialises writers and keeps :memory: databases alive
	db.SetMaxOpenConns(1)

	s := NewSQLStore(db, SQLite, logger)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure SQLite: %w", err)
	}
	if err := s.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func NewSQLStore(db *sql.DB, dialect Dialect, logger *zap.Logger) *SQLStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SQLStore{db: db, dialect: dialect, logger: logger}
}

func (s *SQLStore) Migrate(ctx context.Context) error {
	serial := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if s.dialect == Postgres {
		serial = "BIGSERIAL PRIMARY KEY"
	}

	statements := []string{
		`CREATE TABLE IF NOT EXISTS bundles (
			id TEXT PRIMARY KEY,
			parent_id TEXT,
			recursion_level INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			directory TEXT,
			task_ids TEXT NOT NULL,
			failed_task_ids TEXT,
			created_at TIMESTAMP NOT NULL,
			started_at TIMESTAMP,
			completed_at TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			bundle_id TEXT,
			status TEXT NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			definition TEXT NOT NULL,
			error TEXT,
			created_at TIMESTAMP NOT NULL,
			submitted_at TIMESTAMP,
			completed_at TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS task_outputs (
			task_id TEXT NOT NULL,
			bundle_id TEXT NOT NULL,
			header_path TEXT NOT NULL,
			path TEXT NOT NULL,
			log_chisq_fit DOUBLE PRECISION,
			flags BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL,
			PRIMARY KEY (task_id, bundle_id)
		)`,
		`CREATE TABLE IF NOT EXISTS bundle_executions (
			id ` + serial + `,
			bundle_id TEXT NOT NULL,
			recursion_level INTEGER NOT NULL,
			worker_id TEXT,
			outcome TEXT NOT NULL,
			exit_code INTEGER NOT NULL,
			timed_out BOOLEAN NOT NULL,
			n_rows INTEGER NOT NULL,
			duration_ms BIGINT NOT NULL,
			error_message TEXT,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_bundle ON tasks (bundle_id)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_bundle ON bundle_executions (bundle_id)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

// rebind rewrites ? placeholders as $n for PostgreSQL.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != Postgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) SaveTask(ctx context.Context, t *task.Task) error {
	return s.saveTask(ctx, s.db, t)
}

func (s *SQLStore) saveTask(ctx context.Context, db execer, t *task.Task) error {
	definition, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}

	query := `
		INSERT INTO tasks (
			id, bundle_id, status, attempts, definition,
			error, created_at, submitted_at, completed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			bundle_id = excluded.bundle_id,
			status = excluded.status,
			attempts = excluded.attempts,
			definition = excluded.definition,
			error = excluded.error,
			submitted_at = excluded.submitted_at,
			completed_at = excluded.completed_at
	`
	_, err = db.ExecContext(
		ctx,
		s.rebind(query),
		t.ID,
		nullString(t.BundleID),
		string(t.Status),
		t.Attempts,
		string(definition),
		nullString(t.Error),
		t.CreatedAt.UTC(),
		nullTime(t.SubmittedAt),
		nullTime(t.CompletedAt),
	)
	return err
}

func (s *SQLStore) GetTask(ctx context.Context, taskID string) (*task.Task, error) {
	query := `
		SELECT
			definition, bundle_id, status, attempts, error,
			created_at, submitted_at, completed_at
		FROM tasks
		WHERE id = ?
	`

	var (
		definition               string
		bundleID, msgErr         sql.NullString
		status                   string
		attempts                 int
		createdAt                time.Time
		submittedAt, completedAt sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, s.rebind(query), taskID).Scan(
		&definition,
		&bundleID,
		&status,
		&attempts,
		&msgErr,
		&createdAt,
		&submittedAt,
		&completedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	t, err := task.TaskFromJSON(definition)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal task: %w", err)
	}
	t.BundleID = bundleID.String
	t.Status = task.TaskStatus(status)
	t.Attempts = attempts
	t.Error = msgErr.String
	t.CreatedAt = createdAt
	t.SubmittedAt = timePtr(submittedAt)
	t.CompletedAt = timePtr(completedAt)
	return t, nil
}

func (s *SQLStore) SaveBundle(ctx context.Context, b *task.Bundle) error {
	return s.saveBundle(ctx, s.db, b)
}

func (s *SQLStore) saveBundle(ctx context.Context, db execer, b *task.Bundle) error {
	taskIDs, err := json.Marshal(b.TaskIDs)
	if err != nil {
		return fmt.Errorf("failed to marshal task ids: %w", err)
	}
	failed, err := json.Marshal(b.FailedTaskIDs)
	if err != nil {
		return fmt.Errorf("failed to marshal failed task ids: %w", err)
	}

	query := `
		INSERT INTO bundles (
			id, parent_id, recursion_level, status, directory,
			task_ids, failed_task_ids, created_at, started_at, completed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			status = excluded.status,
			directory = excluded.directory,
			failed_task_ids = excluded.failed_task_ids,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at
	`
	_, err = db.ExecContext(
		ctx,
		s.rebind(query),
		b.ID,
		nullString(b.ParentID),
		b.RecursionLevel,
		string(b.Status),
		nullString(b.Directory),
		string(taskIDs),
		string(failed),
		b.CreatedAt.UTC(),
		nullTime(b.StartedAt),
		nullTime(b.CompletedAt),
	)
	return err
}

const bundleColumns = `
	id, parent_id, recursion_level, status, directory,
	task_ids, failed_task_ids, created_at, started_at, completed_at
`

type scanner interface {
	Scan(dest ...any) error
}

func scanBundle(row scanner) (*task.Bundle, error) {
	var (
		b                      task.Bundle
		parentID, directory    sql.NullString
		status                 string
		taskIDs                string
		failed                 sql.NullString
		startedAt, completedAt sql.NullTime
	)
	if err := row.Scan(
		&b.ID,
		&parentID,
		&b.RecursionLevel,
		&status,
		&directory,
		&taskIDs,
		&failed,
		&b.CreatedAt,
		&startedAt,
		&completedAt,
	); err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(taskIDs), &b.TaskIDs); err != nil {
		return nil, fmt.Errorf("failed to unmarshal task ids: %w", err)
	}
	if failed.Valid && failed.String != "" {
		if err := json.Unmarshal([]byte(failed.String), &b.FailedTaskIDs); err != nil {
			return nil, fmt.Errorf("failed to unmarshal failed task ids: %w", err)
		}
	}
	b.ParentID = parentID.String
	b.Directory = directory.String
	b.Status = task.BundleStatus(status)
	b.StartedAt = timePtr(startedAt)
	b.CompletedAt = timePtr(completedAt)
	return &b, nil
}

func (s *SQLStore) GetBundle(ctx context.Context, bundleID string) (*task.Bundle, error) {
	query := `SELECT ` + bundleColumns + ` FROM bundles WHERE id = ?`

	b, err := scanBundle(s.db.QueryRowContext(ctx, s.rebind(query), bundleID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("bundle %s: %w", bundleID, ErrNotFound)
	}
	return b, err
}

func (s *SQLStore) ListBundles(ctx context.Context, limit int) ([]*task.Bundle, error) {
	query := `SELECT ` + bundleColumns + ` FROM bundles ORDER BY created_at DESC LIMIT ?`

	rows, err := s.db.QueryContext(ctx, s.rebind(query), limit)
	if err != nil {
		return nil, err
	}
	defer s.closeRows(rows)

	var bundles []*task.Bundle
	for rows.Next() {
		b, err := scanBundle(rows)
		if err != nil {
			return nil, err
		}
		bundles = append(bundles, b)
	}
	return bundles, rows.Err()
}

func (s *SQLStore) RecordOutcome(ctx context.Context, b *task.Bundle, tasks []*task.Task, outputs []Output) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			s.logger.Warn("failed to roll back outcome", zap.String("bundle_id", b.ID), zap.Error(err))
		}
	}()

	if err := s.saveBundle(ctx, tx, b); err != nil {
		return fmt.Errorf("failed to save bundle: %w", err)
	}
	for _, t := range tasks {
		if err := s.saveTask(ctx, tx, t); err != nil {
			return fmt.Errorf("failed to save task %s: %w", t.ID, err)
		}
	}

	query := s.rebind(`
		INSERT INTO task_outputs (
			task_id, bundle_id, header_path, path, log_chisq_fit, flags, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (task_id, bundle_id) DO UPDATE SET
			path = excluded.path,
			log_chisq_fit = excluded.log_chisq_fit,
			flags = excluded.flags
	`)
	for _, o := range outputs {
		if _, err := tx.ExecContext(ctx, query,
			o.TaskID, o.BundleID, o.HeaderPath, o.Path, nullFloat(o.LogChiSq), o.Flags, o.CreatedAt.UTC(),
		); err != nil {
			return fmt.Errorf("failed to attach output of %s: %w", o.TaskID, err)
		}
	}

	return tx.Commit()
}

func (s *SQLStore) GetOutputs(ctx context.Context, taskID string) ([]Output, error) {
	query := `
		SELECT task_id, bundle_id, header_path, path, log_chisq_fit, flags, created_at
		FROM task_outputs
		WHERE task_id = ?
		ORDER BY created_at DESC
	`
	rows, err := s.db.QueryContext(ctx, s.rebind(query), taskID)
	if err != nil {
		return nil, err
	}
	defer s.closeRows(rows)

	var outputs []Output
	for rows.Next() {
		var (
			o   Output
			chi sql.NullFloat64
		)
		if err := rows.Scan(&o.TaskID, &o.BundleID, &o.HeaderPath, &o.Path, &chi, &o.Flags, &o.CreatedAt); err != nil {
			return nil, err
		}
		o.LogChiSq = math.NaN()
		if chi.Valid {
			o.LogChiSq = chi.Float64
		}
		outputs = append(outputs, o)
	}
	return outputs, rows.Err()
}

func (s *SQLStore) LogExecution(ctx context.Context, e Execution) error {
	query := `
		INSERT INTO bundle_executions (
			bundle_id, recursion_level, worker_id, outcome, exit_code,
			timed_out, n_rows, duration_ms, error_message, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	createdAt := e.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	_, err := s.db.ExecContext(
		ctx,
		s.rebind(query),
		e.BundleID,
		e.Level,
		nullString(e.WorkerID),
		e.Outcome,
		e.ExitCode,
		e.TimedOut,
		e.Rows,
		e.DurationMs,
		nullString(e.Error),
		createdAt.UTC(),
	)
	return err
}

func (s *SQLStore) GetBundleHistory(ctx context.Context, bundleID string) ([]Execution, error) {
	query := `
		SELECT
			bundle_id, recursion_level, worker_id, outcome, exit_code,
			timed_out, n_rows, duration_ms, error_message, created_at
		FROM bundle_executions
		WHERE bundle_id = ?
		ORDER BY created_at ASC
	`
	rows, err := s.db.QueryContext(ctx, s.rebind(query), bundleID)
	if err != nil {
		return nil, err
	}
	defer s.closeRows(rows)

	var history []Execution
	for rows.Next() {
		var (
			e                Execution
			workerID, msgErr sql.NullString
		)
		if err := rows.Scan(
			&e.BundleID,
			&e.Level,
			&workerID,
			&e.Outcome,
			&e.ExitCode,
			&e.TimedOut,
			&e.Rows,
			&e.DurationMs,
			&msgErr,
			&e.CreatedAt,
		); err != nil {
			return nil, err
		}
		e.WorkerID = workerID.String
		e.Error = msgErr.String
		history = append(history, e)
	}
	return history, rows.Err()
}

func (s *SQLStore) GetTaskStats(ctx context.Context, hours int) ([]TaskStats, error) {
	query := `
		SELECT
			status, COUNT(*) AS count,
			COALESCE(AVG(attempts), 0) AS avg_attempts,
			COALESCE(MAX(attempts), 0) AS max_attempts
		FROM tasks
		WHERE created_at > ?
		GROUP BY status
		ORDER BY status
	`
	since := time.Now().Add(-time.Duration(hours) * time.Hour).UTC()

	rows, err := s.db.QueryContext(ctx, s.rebind(query), since)
	if err != nil {
		return nil, err
	}
	defer s.closeRows(rows)

	var stats []TaskStats
	for rows.Next() {
		var st TaskStats
		if err := rows.Scan(&st.Status, &st.Count, &st.AvgAttempts, &st.MaxAttempts); err != nil {
			return nil, err
		}
		stats = append(stats, st)
	}
	return stats, rows.Err()
}

func (s *SQLStore) DB() *sql.DB {
	return s.db
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) closeRows(rows *sql.Rows) {
	if err := rows.Close(); err != nil {
		s.logger.Warn("failed to close rows", zap.Error(err))
	}
}

func nullString(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func nullFloat(v float64) any {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return v
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
