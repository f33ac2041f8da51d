package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// CurrentSchemaVersion is the newest schema this build understands.
const CurrentSchemaVersion = 5

type migration struct {
	version int
	name    string
	stmts   []string
}

// Forward-only. Never edit a released migration, append a new one.
var migrations = []migration{
	{1, "runs and checkpoint requests", []string{
		`CREATE TABLE runs (
			run_id TEXT PRIMARY KEY,
			task_title TEXT NOT NULL,
			task_description TEXT NOT NULL DEFAULT '',
			project_path TEXT NOT NULL,
			status TEXT NOT NULL,
			current_step TEXT NOT NULL DEFAULT '',
			language TEXT,
			framework TEXT,
			test_runner TEXT,
			error_message TEXT,
			context_json TEXT NOT NULL,
			started_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			pid INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE checkpoint_requests (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL REFERENCES runs(run_id) ON DELETE CASCADE,
			step_name TEXT NOT NULL,
			checkpoint_data TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			decision TEXT,
			feedback TEXT,
			created_at TEXT NOT NULL,
			decided_at TEXT
		)`,
		`CREATE INDEX idx_runs_status ON runs(status)`,
		`CREATE INDEX idx_runs_updated ON runs(updated_at)`,
		`CREATE INDEX idx_checkpoints_run ON checkpoint_requests(run_id, status)`,
	}},
	{2, "ticket linkage", []string{
		`ALTER TABLE runs ADD COLUMN ticket_number INTEGER`,
		`CREATE INDEX idx_runs_ticket ON runs(project_path, ticket_number)`,
	}},
	{3, "pause requests", []string{
		`ALTER TABLE runs ADD COLUMN pause_requested INTEGER NOT NULL DEFAULT 0`,
	}},
	{4, "usage totals", []string{
		`ALTER TABLE runs ADD COLUMN total_cost_usd REAL NOT NULL DEFAULT 0`,
		`ALTER TABLE runs ADD COLUMN input_tokens INTEGER NOT NULL DEFAULT 0`,
		`ALTER TABLE runs ADD COLUMN output_tokens INTEGER NOT NULL DEFAULT 0`,
	}},
	{5, "child process group", []string{
		`ALTER TABLE runs ADD COLUMN child_pgid INTEGER NOT NULL DEFAULT 0`,
	}},
}

// Migrate brings the schema to CurrentSchemaVersion and returns how many
// migrations were applied. An up-to-date store applies none.
func (s *Storage) Migrate(ctx context.Context) (int, error) {
	return s.migrateTo(ctx, CurrentSchemaVersion)
}

func (s *Storage) migrateTo(ctx context.Context, target int) (int, error) {
	// The immediate transaction serializes concurrent startups.
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin migration: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`); err != nil {
		return 0, fmt.Errorf("create schema_version: %w", err)
	}

	current, err := schemaVersion(ctx, tx)
	if err != nil {
		return 0, err
	}
	if current > CurrentSchemaVersion {
		return 0, &SchemaVersionError{Found: current, Supported: CurrentSchemaVersion}
	}

	applied := 0
	for _, m := range migrations {
		if m.version <= current || m.version > target {
			continue
		}
		for _, stmt := range m.stmts {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return 0, fmt.Errorf("migration %d (%s): %w", m.version, m.name, err)
			}
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM schema_version`); err != nil {
			return 0, err
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_version (version) VALUES (?)`, m.version); err != nil {
			return 0, err
		}
		applied++
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit migrations: %w", err)
	}
	return applied, nil
}

// SchemaVersion returns the version recorded on disk.
func (s *Storage) SchemaVersion(ctx context.Context) (int, error) {
	return schemaVersion(ctx, s.db)
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func schemaVersion(ctx context.Context, q querier) (int, error) {
	var v sql.NullInt64
	err := q.QueryRowContext(ctx, `SELECT MAX(version) FROM schema_version`).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && !v.Valid) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return int(v.Int64), nil
}
