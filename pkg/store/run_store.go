// Package store implements the kernel's external persistence writers. The
// kernel itself never blocks on a store: it emits persist.* events and the
// writers here consume them. A lost store degrades to logged drops, never a
// kernel fault.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// ErrRunNotFound is returned when a run was never archived (or rotated out).
var ErrRunNotFound = errors.New("store: run not found")

// RunRecord is the archived form of a settled run.
type RunRecord struct {
	RunID         string                 `json:"run_id"`
	CorrelationID string                 `json:"correlation_id"`
	ActorID       string                 `json:"actor_id"`
	Status        string                 `json:"status"`
	StartedAt     time.Time              `json:"started_at"`
	SettledAt     time.Time              `json:"settled_at"`
	Results       map[string]interface{} `json:"results,omitempty"`
	Outcomes      map[string]interface{} `json:"outcomes,omitempty"`
	FuelConsumed  uint64                 `json:"fuel_consumed"`
}

// SQLiteRunStore archives settled runs to an embedded database. Suited to
// single-node deployments and tests; the schema mirrors what the Postgres
// audit writer records per run.
type SQLiteRunStore struct {
	db *sql.DB
}

// NewSQLiteRunStore migrates the schema and returns the store.
func NewSQLiteRunStore(db *sql.DB) (*SQLiteRunStore, error) {
	s := &SQLiteRunStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// OpenSQLiteRunStore opens (or creates) a database at path. Use ":memory:"
// for an ephemeral store.
func OpenSQLiteRunStore(path string) (*SQLiteRunStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}
	return NewSQLiteRunStore(db)
}

func (s *SQLiteRunStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS runs (
		run_id TEXT PRIMARY KEY,
		correlation_id TEXT,
		actor_id TEXT,
		status TEXT NOT NULL,
		started_at DATETIME,
		settled_at DATETIME,
		results JSON,
		outcomes JSON,
		fuel_consumed INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_runs_actor ON runs(actor_id);
	CREATE INDEX IF NOT EXISTS idx_runs_settled ON runs(settled_at);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

// Save archives one run. Idempotent on run_id so duplicate persist events
// are harmless.
func (s *SQLiteRunStore) Save(ctx context.Context, rec *RunRecord) error {
	results, err := json.Marshal(rec.Results)
	if err != nil {
		return fmt.Errorf("store: encode results: %w", err)
	}
	outcomes, err := json.Marshal(rec.Outcomes)
	if err != nil {
		return fmt.Errorf("store: encode outcomes: %w", err)
	}

	query := `
	INSERT INTO runs (run_id, correlation_id, actor_id, status, started_at, settled_at, results, outcomes, fuel_consumed)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(run_id) DO NOTHING`
	_, err = s.db.ExecContext(ctx, query,
		rec.RunID, rec.CorrelationID, rec.ActorID, rec.Status,
		rec.StartedAt, rec.SettledAt, string(results), string(outcomes), int64(rec.FuelConsumed))
	if err != nil {
		return fmt.Errorf("store: save run %s: %w", rec.RunID, err)
	}
	return nil
}

// Get returns one archived run.
func (s *SQLiteRunStore) Get(ctx context.Context, runID string) (*RunRecord, error) {
	query := `
	SELECT run_id, correlation_id, actor_id, status, started_at, settled_at, results, outcomes, fuel_consumed
	FROM runs WHERE run_id = ?`
	row := s.db.QueryRowContext(ctx, query, runID)

	var rec RunRecord
	var results, outcomes []byte
	var fuel int64
	err := row.Scan(&rec.RunID, &rec.CorrelationID, &rec.ActorID, &rec.Status,
		&rec.StartedAt, &rec.SettledAt, &results, &outcomes, &fuel)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("store: get run %s: %w", runID, err)
	}
	rec.FuelConsumed = uint64(fuel)
	if len(results) > 0 {
		if err := json.Unmarshal(results, &rec.Results); err != nil {
			return nil, fmt.Errorf("store: corrupt results JSON for run %s: %w", runID, err)
		}
	}
	if len(outcomes) > 0 {
		if err := json.Unmarshal(outcomes, &rec.Outcomes); err != nil {
			return nil, fmt.Errorf("store: corrupt outcomes JSON for run %s: %w", runID, err)
		}
	}
	return &rec, nil
}

// ListByActor returns the actor's most recently settled runs.
func (s *SQLiteRunStore) ListByActor(ctx context.Context, actorID string, limit int) ([]*RunRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
	SELECT run_id, correlation_id, actor_id, status, started_at, settled_at, results, outcomes, fuel_consumed
	FROM runs WHERE actor_id = ? ORDER BY settled_at DESC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, actorID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*RunRecord
	for rows.Next() {
		var rec RunRecord
		var results, outcomes []byte
		var fuel int64
		if err := rows.Scan(&rec.RunID, &rec.CorrelationID, &rec.ActorID, &rec.Status,
			&rec.StartedAt, &rec.SettledAt, &results, &outcomes, &fuel); err != nil {
			return nil, err
		}
		rec.FuelConsumed = uint64(fuel)
		if len(results) > 0 {
			if err := json.Unmarshal(results, &rec.Results); err != nil {
				return nil, fmt.Errorf("store: corrupt results JSON for run %s: %w", rec.RunID, err)
			}
		}
		if len(outcomes) > 0 {
			if err := json.Unmarshal(outcomes, &rec.Outcomes); err != nil {
				return nil, fmt.Errorf("store: corrupt outcomes JSON for run %s: %w", rec.RunID, err)
			}
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

// Close closes the underlying database.
func (s *SQLiteRunStore) Close() error { return s.db.Close() }
