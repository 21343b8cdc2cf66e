package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// TestRecord is a stored test outcome for one module version.
type TestRecord struct {
	Module      string
	Version     string
	Test        string
	Success     bool
	Output      string
	StartedAt   time.Time
	CompletedAt time.Time
}

// SaveTestResult stores the outcome of a test, replacing any earlier one for
// the same module version.
func (s *SQLiteStore) SaveTestResult(ctx context.Context, result *TestRecord) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO test_results (module, version, test, success, output, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(module, version, test) DO UPDATE SET
			success = excluded.success,
			output = excluded.output,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at
	`, result.Module, result.Version, result.Test, result.Success, result.Output, result.StartedAt, result.CompletedAt)
	if err != nil {
		return fmt.Errorf("failed to save test result: %w", err)
	}
	return nil
}

// GetTestResult retrieves the stored outcome of a test at a module version.
// Returns an error wrapping ErrNotFound if the test never ran at that version.
func (s *SQLiteStore) GetTestResult(ctx context.Context, module, version, test string) (*TestRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	r := &TestRecord{Module: module, Version: version, Test: test}
	err := s.db.QueryRowContext(ctx, `
		SELECT success, output, started_at, completed_at
		FROM test_results
		WHERE module = ? AND version = ? AND test = ?
	`, module, version, test).Scan(&r.Success, &r.Output, &r.StartedAt, &r.CompletedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("no result for test %s.%s at %s: %w", module, test, version, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query test result: %w", err)
	}
	return r, nil
}
