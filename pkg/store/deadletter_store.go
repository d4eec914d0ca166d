package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Noetic-Labs/meridian/core/pkg/eventbus"
)

// SQLiteDeadLetterSink archives exhausted deliveries durably, replacing the
// bus's in-memory ring for deployments that need offline inspection to
// survive restarts.
type SQLiteDeadLetterSink struct {
	db *sql.DB
}

// NewSQLiteDeadLetterSink migrates the schema and returns the sink.
func NewSQLiteDeadLetterSink(db *sql.DB) (*SQLiteDeadLetterSink, error) {
	s := &SQLiteDeadLetterSink{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteDeadLetterSink) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS dead_letters (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		event_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		module TEXT,
		subscription_id TEXT,
		attempts INTEGER NOT NULL,
		last_error TEXT,
		failed_at DATETIME NOT NULL,
		event JSON NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_dead_letters_type ON dead_letters(event_type);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

// Write implements eventbus.DeadLetterSink.
func (s *SQLiteDeadLetterSink) Write(ctx context.Context, letter eventbus.DeadLetter) error {
	event, err := json.Marshal(letter.Event)
	if err != nil {
		return fmt.Errorf("store: encode dead letter: %w", err)
	}
	query := `
	INSERT INTO dead_letters (event_id, event_type, module, subscription_id, attempts, last_error, failed_at, event)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, query,
		letter.Event.ID, string(letter.Event.Type), letter.Module, letter.SubscriptionID,
		letter.Attempts, letter.LastError, letter.FailedAt, string(event))
	if err != nil {
		return fmt.Errorf("store: write dead letter: %w", err)
	}
	return nil
}

// List returns the most recent dead letters, newest first.
func (s *SQLiteDeadLetterSink) List(ctx context.Context, limit int) ([]eventbus.DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
	SELECT module, subscription_id, attempts, last_error, failed_at, event
	FROM dead_letters ORDER BY id DESC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []eventbus.DeadLetter
	for rows.Next() {
		var letter eventbus.DeadLetter
		var failedAt time.Time
		var event []byte
		if err := rows.Scan(&letter.Module, &letter.SubscriptionID, &letter.Attempts,
			&letter.LastError, &failedAt, &event); err != nil {
			return nil, err
		}
		letter.FailedAt = failedAt
		var e eventbus.Event
		if err := json.Unmarshal(event, &e); err != nil {
			return nil, fmt.Errorf("store: corrupt dead letter event JSON: %w", err)
		}
		letter.Event = &e
		out = append(out, letter)
	}
	return out, rows.Err()
}

// Purge deletes letters older than the cutoff and returns how many went.
func (s *SQLiteDeadLetterSink) Purge(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM dead_letters WHERE failed_at < ?`, olderThan)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
