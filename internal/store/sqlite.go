// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides session field and run log persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if path == ":memory:" {
		// Every pooled connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS session_fields (
			conversation_key TEXT NOT NULL,
			field            TEXT NOT NULL,
			value            TEXT NOT NULL,
			updated_at       TEXT NOT NULL,
			PRIMARY KEY (conversation_key, field)
		);

		CREATE TABLE IF NOT EXISTS runs (
			run_id           TEXT PRIMARY KEY,
			conversation_key TEXT NOT NULL,
			status           TEXT NOT NULL,
			blocks           INTEGER NOT NULL DEFAULT 0,
			started_at       TEXT NOT NULL,
			finished_at      TEXT NOT NULL,

			CHECK (status IN ('completed', 'aborted', 'timed_out', 'failed'))
		);

		CREATE INDEX IF NOT EXISTS idx_runs_conversation ON runs(conversation_key, started_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// runMigrations applies schema migrations for existing databases.
// These are idempotent - safe to run multiple times.
func (s *SQLiteStore) runMigrations() error {
	// SQLite doesn't support ADD COLUMN IF NOT EXISTS, so we check first
	migrations := []struct {
		check  string
		apply  string
		column string
	}{
		{
			check:  `SELECT 1 FROM pragma_table_info('runs') WHERE name = 'failed_blocks'`,
			apply:  `ALTER TABLE runs ADD COLUMN failed_blocks INTEGER NOT NULL DEFAULT 0`,
			column: "failed_blocks",
		},
		{
			check:  `SELECT 1 FROM pragma_table_info('runs') WHERE name = 'error'`,
			apply:  `ALTER TABLE runs ADD COLUMN error TEXT`,
			column: "error",
		},
	}

	for _, m := range migrations {
		var exists int
		err := s.db.QueryRow(m.check).Scan(&exists)
		if err == nil {
			continue
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("checking %s column: %w", m.column, err)
		}
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding %s column to runs: %w", m.column, err)
		}
		s.logger.Info("applied migration", "column", m.column, "table", "runs")
	}
	return nil
}

// Get retrieves a session field.
func (s *SQLiteStore) Get(ctx context.Context, conversationKey, field string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `
		SELECT value FROM session_fields WHERE conversation_key = ? AND field = ?
	`, conversationKey, field).Scan(&value)

	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("getting session field: %w", err)
	}
	return value, nil
}

// Set upserts a session field.
func (s *SQLiteStore) Set(ctx context.Context, conversationKey, field, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO session_fields (conversation_key, field, value, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(conversation_key, field) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, conversationKey, field, value, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("setting session field: %w", err)
	}
	return nil
}

// Delete removes a session field. Deleting a missing field is not an error.
func (s *SQLiteStore) Delete(ctx context.Context, conversationKey, field string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM session_fields WHERE conversation_key = ? AND field = ?
	`, conversationKey, field)
	if err != nil {
		return fmt.Errorf("deleting session field: %w", err)
	}
	return nil
}

// Fields returns every field stored for a conversation.
func (s *SQLiteStore) Fields(ctx context.Context, conversationKey string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT field, value FROM session_fields WHERE conversation_key = ?
	`, conversationKey)
	if err != nil {
		return nil, fmt.Errorf("listing session fields: %w", err)
	}
	defer rows.Close()

	fields := make(map[string]string)
	for rows.Next() {
		var field, value string
		if err := rows.Scan(&field, &value); err != nil {
			return nil, fmt.Errorf("scanning session field: %w", err)
		}
		fields[field] = value
	}
	return fields, rows.Err()
}

// SaveRun records a finished run. An empty ID is filled with a new UUID.
func (s *SQLiteStore) SaveRun(ctx context.Context, run *RunRecord) error {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}

	var errText sql.NullString
	if run.Error != "" {
		errText = sql.NullString{String: run.Error, Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (run_id, conversation_key, status, blocks, failed_blocks, error, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, run.ID, run.ConversationKey, string(run.Status), run.Blocks, run.FailedBlocks, errText,
		run.StartedAt.UTC().Format(time.RFC3339Nano), run.FinishedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("saving run: %w", err)
	}
	return nil
}

// ListRuns returns the most recent runs for a conversation, newest first.
func (s *SQLiteStore) ListRuns(ctx context.Context, conversationKey string, limit int) ([]*RunRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, conversation_key, status, blocks, failed_blocks, error, started_at, finished_at
		FROM runs WHERE conversation_key = ?
		ORDER BY started_at DESC
		LIMIT ?
	`, conversationKey, limit)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	defer rows.Close()

	var runs []*RunRecord
	for rows.Next() {
		var r RunRecord
		var status, startedAt, finishedAt string
		var errText sql.NullString
		if err := rows.Scan(&r.ID, &r.ConversationKey, &status, &r.Blocks, &r.FailedBlocks, &errText, &startedAt, &finishedAt); err != nil {
			return nil, fmt.Errorf("scanning run: %w", err)
		}
		r.Status = RunStatus(status)
		r.Error = errText.String
		r.StartedAt, _ = time.Parse(time.RFC3339Nano, startedAt)
		r.FinishedAt, _ = time.Parse(time.RFC3339Nano, finishedAt)
		runs = append(runs, &r)
	}
	return runs, rows.Err()
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
