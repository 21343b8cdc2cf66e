package persistence

import (
	"context"
)

// initSchema creates all required tables if they don't exist.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		command TEXT NOT NULL,
		args TEXT NOT NULL,
		environment TEXT NOT NULL,
		failed INTEGER NOT NULL,
		error TEXT,
		started_at DATETIME NOT NULL,
		completed_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at);

	CREATE TABLE IF NOT EXISTS run_entries (
		run_id TEXT NOT NULL,
		base_key TEXT NOT NULL,
		task_key TEXT NOT NULL,
		type TEXT NOT NULL,
		description TEXT NOT NULL,
		dependencies TEXT NOT NULL,
		output TEXT,
		error TEXT,
		started_at DATETIME,
		completed_at DATETIME,
		PRIMARY KEY (run_id, task_key),
		FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS test_results (
		module TEXT NOT NULL,
		version TEXT NOT NULL,
		test TEXT NOT NULL,
		success INTEGER NOT NULL,
		output TEXT NOT NULL,
		started_at DATETIME NOT NULL,
		completed_at DATETIME NOT NULL,
		PRIMARY KEY (module, version, test)
	);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}
