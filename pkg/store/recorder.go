package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Noetic-Labs/meridian/core/pkg/eventbus"
)

// Recorder bridges persist.* events to the configured writers. It is an
// ordinary bus subscriber: writer failures are retried and dead-lettered by
// the bus like any other delivery, and they never reach the kernel's
// callers.
type Recorder struct {
	runs   *SQLiteRunStore
	audit  *PostgresAuditWriter
	logger *slog.Logger
}

// RecorderOption customizes a Recorder.
type RecorderOption func(*Recorder)

// WithRunStore archives persist.run events.
func WithRunStore(s *SQLiteRunStore) RecorderOption {
	return func(r *Recorder) { r.runs = s }
}

// WithAuditWriter appends persist.audit events to the audit chain.
func WithAuditWriter(w *PostgresAuditWriter) RecorderOption {
	return func(r *Recorder) { r.audit = w }
}

// WithRecorderLogger sets the recorder's logger.
func WithRecorderLogger(l *slog.Logger) RecorderOption {
	return func(r *Recorder) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewRecorder builds a recorder over the given writers.
func NewRecorder(opts ...RecorderOption) *Recorder {
	r := &Recorder{logger: slog.Default().With("component", "store")}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Attach subscribes the recorder to the bus. Only the event types with a
// configured writer are subscribed.
func (r *Recorder) Attach(bus *eventbus.Bus) error {
	if r.runs != nil {
		_, err := bus.Subscribe(&eventbus.Subscription{
			Module:  "store-recorder-runs",
			Types:   []eventbus.EventType{eventbus.EventPersistRun},
			Handler: r.handleRun,
		})
		if err != nil {
			return err
		}
	}
	if r.audit != nil {
		_, err := bus.Subscribe(&eventbus.Subscription{
			Module:  "store-recorder-audit",
			Types:   []eventbus.EventType{eventbus.EventPersistAudit},
			Handler: r.handleAudit,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *Recorder) handleRun(ctx context.Context, e *eventbus.Event) error {
	rec, err := runRecordFromPayload(e.Payload)
	if err != nil {
		// Malformed payloads cannot succeed on retry; log and absorb.
		r.logger.Error("unusable persist.run payload", "event_id", e.ID, "error", err)
		return nil
	}
	rec.CorrelationID = e.CorrelationID
	if err := r.runs.Save(ctx, rec); err != nil {
		return err
	}
	r.logger.Debug("run archived", "run_id", rec.RunID, "status", rec.Status)
	return nil
}

func (r *Recorder) handleAudit(ctx context.Context, e *eventbus.Event) error {
	subject, _ := e.Payload["subject"].(string)
	if subject == "" {
		subject = e.Source
	}
	eventType, _ := e.Payload["audit_type"].(string)
	if eventType == "" {
		eventType = string(e.Type)
	}
	_, err := r.audit.Append(ctx, eventType, subject, e.Payload)
	return err
}

func runRecordFromPayload(payload map[string]interface{}) (*RunRecord, error) {
	runID, _ := payload["run_id"].(string)
	if runID == "" {
		return nil, fmt.Errorf("missing run_id")
	}
	status, _ := payload["status"].(string)
	if status == "" {
		return nil, fmt.Errorf("missing status")
	}

	rec := &RunRecord{RunID: runID, Status: status}
	rec.ActorID, _ = payload["actor_id"].(string)
	if results, ok := payload["results"].(map[string]interface{}); ok {
		rec.Results = results
	}
	if outcomes, ok := payload["outcomes"].(map[string]interface{}); ok {
		rec.Outcomes = outcomes
	}
	switch fuel := payload["fuel"].(type) {
	case float64:
		rec.FuelConsumed = uint64(fuel)
	case uint64:
		rec.FuelConsumed = fuel
	case int:
		rec.FuelConsumed = uint64(fuel)
	}
	if s, ok := payload["started_at"].(string); ok {
		if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
			rec.StartedAt = ts
		}
	}
	if s, ok := payload["settled_at"].(string); ok {
		if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
			rec.SettledAt = ts
		}
	}
	return rec, nil
}
