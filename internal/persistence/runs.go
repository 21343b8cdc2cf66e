package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/aristath/devflow/internal/taskgraph"
)

// Run is one recorded command invocation.
type Run struct {
	ID          string    `json:"id" yaml:"id"`
	Command     string    `json:"command" yaml:"command"`
	Args        []string  `json:"args" yaml:"args"`
	Environment string    `json:"environment" yaml:"environment"`
	Failed      int       `json:"failed" yaml:"failed"`
	Error       string    `json:"error,omitempty" yaml:"error,omitempty"` // Set when the command itself failed
	StartedAt   time.Time `json:"startedAt" yaml:"startedAt"`
	CompletedAt time.Time `json:"completedAt" yaml:"completedAt"`
	Entries     []Entry   `json:"entries,omitempty" yaml:"entries,omitempty"` // Only loaded by GetRun
}

// Entry is one task result of a run, flattened out of the result tree.
type Entry struct {
	BaseKey      string    `json:"baseKey" yaml:"baseKey"`
	Key          string    `json:"key" yaml:"key"`
	Type         string    `json:"type" yaml:"type"`
	Description  string    `json:"description" yaml:"description"`
	Dependencies []string  `json:"dependencies,omitempty" yaml:"dependencies,omitempty"` // Base keys
	Output       string    `json:"output,omitempty" yaml:"output,omitempty"`             // JSON-encoded task output
	Error        string    `json:"error,omitempty" yaml:"error,omitempty"`
	StartedAt    time.Time `json:"startedAt,omitzero" yaml:"startedAt,omitempty"`
	CompletedAt  time.Time `json:"completedAt,omitzero" yaml:"completedAt,omitempty"`
}

// NewRun starts a run record with a fresh ID.
func NewRun(command string, args []string, environment string) *Run {
	return &Run{
		ID:          uuid.NewString(),
		Command:     command,
		Args:        args,
		Environment: environment,
		StartedAt:   time.Now(),
	}
}

// Complete fills in the outcome of a run from its results.
func (r *Run) Complete(results taskgraph.Results, err error) error {
	r.CompletedAt = time.Now()
	r.Failed = results.Failed()
	if err != nil {
		r.Error = err.Error()
	}
	entries, ferr := Flatten(results)
	r.Entries = entries
	return ferr
}

// Flatten walks a result tree and returns one entry per distinct task key,
// sorted by key.
func Flatten(results taskgraph.Results) ([]Entry, error) {
	seen := make(map[string]bool)
	var entries []Entry

	var walk func(baseKey string, r *taskgraph.Result) error
	walk = func(baseKey string, r *taskgraph.Result) error {
		if seen[r.Key] {
			return nil
		}
		seen[r.Key] = true

		entry := Entry{
			BaseKey:      baseKey,
			Key:          r.Key,
			Type:         r.Type,
			Description:  r.Description,
			Dependencies: r.DependencyResults.Keys(),
			StartedAt:    r.StartedAt,
			CompletedAt:  r.CompletedAt,
		}
		if r.Error != nil {
			entry.Error = r.Error.Error()
		}
		if r.Output != nil {
			data, err := json.Marshal(r.Output)
			if err != nil {
				return fmt.Errorf("failed to encode output of %s: %w", r.Key, err)
			}
			entry.Output = string(data)
		}
		entries = append(entries, entry)

		for depKey, dep := range r.DependencyResults {
			if err := walk(depKey, dep); err != nil {
				return err
			}
		}
		return nil
	}

	for _, baseKey := range results.Keys() {
		if err := walk(baseKey, results[baseKey]); err != nil {
			return nil, err
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
	return entries, nil
}

// SaveRun stores a run and its entries, replacing any earlier save of the same ID.
func (s *SQLiteStore) SaveRun(ctx context.Context, run *Run) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	args, err := json.Marshal(run.Args)
	if err != nil {
		return fmt.Errorf("failed to encode args: %w", err)
	}

	// Begin transaction with serializable isolation (BEGIN IMMEDIATE)
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (id, command, args, environment, failed, error, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			command = excluded.command,
			args = excluded.args,
			environment = excluded.environment,
			failed = excluded.failed,
			error = excluded.error,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at
	`, run.ID, run.Command, string(args), run.Environment, run.Failed, nullString(run.Error), run.StartedAt, run.CompletedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert run: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM run_entries WHERE run_id = ?`, run.ID); err != nil {
		return fmt.Errorf("failed to delete old entries: %w", err)
	}

	for _, e := range run.Entries {
		deps, err := json.Marshal(e.Dependencies)
		if err != nil {
			return fmt.Errorf("failed to encode dependencies of %s: %w", e.Key, err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO run_entries (run_id, base_key, task_key, type, description, dependencies, output, error, started_at, completed_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, run.ID, e.BaseKey, e.Key, e.Type, e.Description, string(deps), nullString(e.Output), nullString(e.Error), nullTime(e.StartedAt), nullTime(e.CompletedAt))
		if err != nil {
			return fmt.Errorf("failed to insert entry %s: %w", e.Key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// GetRun retrieves a run by ID, including its entries.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*Run, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	run, err := scanRun(s.db.QueryRowContext(ctx, `
		SELECT id, command, args, environment, failed, error, started_at, completed_at
		FROM runs
		WHERE id = ?
	`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query run: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT base_key, task_key, type, description, dependencies, output, error, started_at, completed_at
		FROM run_entries
		WHERE run_id = ?
		ORDER BY task_key
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query entries: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var e Entry
		var deps string
		var output, errStr sql.NullString
		var started, completed sql.NullTime
		if err := rows.Scan(&e.BaseKey, &e.Key, &e.Type, &e.Description, &deps, &output, &errStr, &started, &completed); err != nil {
			return nil, fmt.Errorf("failed to scan entry: %w", err)
		}
		if err := json.Unmarshal([]byte(deps), &e.Dependencies); err != nil {
			return nil, fmt.Errorf("failed to decode dependencies of %s: %w", e.Key, err)
		}
		e.Output = output.String
		e.Error = errStr.String
		e.StartedAt = started.Time
		e.CompletedAt = completed.Time
		run.Entries = append(run.Entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating entries: %w", err)
	}

	return run, nil
}

// ListRuns returns the most recent runs first, without entries. A limit <= 0
// returns every run.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit int) ([]*Run, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, command, args, environment, failed, error, started_at, completed_at
		FROM runs
		ORDER BY started_at DESC, id
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	runs := []*Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}
	return runs, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*Run, error) {
	run := &Run{}
	var args string
	var errStr sql.NullString
	if err := row.Scan(&run.ID, &run.Command, &args, &run.Environment, &run.Failed, &errStr, &run.StartedAt, &run.CompletedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(args), &run.Args); err != nil {
		return nil, fmt.Errorf("failed to decode args: %w", err)
	}
	run.Error = errStr.String
	return run, nil
}
