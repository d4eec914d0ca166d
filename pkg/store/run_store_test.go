package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Noetic-Labs/meridian/core/pkg/eventbus"
)

func memoryRunStore(t *testing.T) *SQLiteRunStore {
	t.Helper()
	s, err := OpenSQLiteRunStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func sampleRun(id string) *RunRecord {
	return &RunRecord{
		RunID:         id,
		CorrelationID: "corr-1",
		ActorID:       "actor-1",
		Status:        "SETTLED",
		StartedAt:     time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC),
		SettledAt:     time.Date(2026, 8, 30, 10, 0, 3, 0, time.UTC),
		Results:       map[string]interface{}{"analysis.scorer.score": 0.8},
		Outcomes:      map[string]interface{}{"analysis": map[string]interface{}{"status": "OK"}},
		FuelConsumed:  420,
	}
}

func TestRunStoreSaveAndGet(t *testing.T) {
	s := memoryRunStore(t)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, sampleRun("run-1")))

	got, err := s.Get(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "SETTLED", got.Status)
	assert.Equal(t, "actor-1", got.ActorID)
	assert.EqualValues(t, 420, got.FuelConsumed)
	assert.Equal(t, 0.8, got.Results["analysis.scorer.score"])
}

func TestRunStoreGetMissing(t *testing.T) {
	s := memoryRunStore(t)
	_, err := s.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestRunStoreSaveIsIdempotent(t *testing.T) {
	s := memoryRunStore(t)
	ctx := context.Background()

	rec := sampleRun("run-1")
	require.NoError(t, s.Save(ctx, rec))

	dup := sampleRun("run-1")
	dup.Status = "FAILED" // duplicate delivery must not rewrite history
	require.NoError(t, s.Save(ctx, dup))

	got, err := s.Get(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "SETTLED", got.Status)
}

func TestRunStoreListByActor(t *testing.T) {
	s := memoryRunStore(t)
	ctx := context.Background()

	for i, id := range []string{"run-a", "run-b", "run-c"} {
		rec := sampleRun(id)
		rec.SettledAt = rec.SettledAt.Add(time.Duration(i) * time.Minute)
		require.NoError(t, s.Save(ctx, rec))
	}
	other := sampleRun("run-x")
	other.ActorID = "actor-2"
	require.NoError(t, s.Save(ctx, other))

	runs, err := s.ListByActor(ctx, "actor-1", 2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "run-c", runs[0].RunID, "newest first")
	assert.Equal(t, "run-b", runs[1].RunID)
}

func TestDeadLetterSinkRoundTrip(t *testing.T) {
	s := memoryRunStore(t)
	sink, err := NewSQLiteDeadLetterSink(s.db)
	require.NoError(t, err)
	ctx := context.Background()

	event, err := eventbus.NewEvent(eventbus.EventRunFailed, "pipeline",
		map[string]interface{}{"run_id": "run-1"})
	require.NoError(t, err)

	letter := eventbus.DeadLetter{
		Event:          event,
		SubscriptionID: "sub-1",
		Module:         "notifier",
		Attempts:       3,
		LastError:      "connection refused",
		FailedAt:       time.Now().UTC().Truncate(time.Second),
	}
	require.NoError(t, sink.Write(ctx, letter))

	letters, err := sink.List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, "notifier", letters[0].Module)
	assert.Equal(t, 3, letters[0].Attempts)
	assert.Equal(t, event.ID, letters[0].Event.ID)
	assert.Equal(t, eventbus.EventRunFailed, letters[0].Event.Type)

	gone, err := sink.Purge(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, gone)
}

func TestRecorderArchivesSettledRuns(t *testing.T) {
	runs := memoryRunStore(t)

	bus := eventbus.New(eventbus.Config{})
	rec := NewRecorder(WithRunStore(runs))
	require.NoError(t, rec.Attach(bus))
	bus.Start()
	t.Cleanup(bus.Close)

	event, err := eventbus.NewEvent(eventbus.EventPersistRun, "pipeline", map[string]interface{}{
		"run_id":     "run-9",
		"status":     "SETTLED",
		"actor_id":   "actor-1",
		"started_at": "2026-08-30T10:00:00Z",
		"settled_at": "2026-08-30T10:00:02Z",
		"results":    map[string]interface{}{"k": "v"},
		"fuel":       77,
	}, eventbus.WithCorrelation("corr-9"))
	require.NoError(t, err)
	require.NoError(t, bus.Publish(context.Background(), event))

	deadline := time.Now().Add(5 * time.Second)
	for {
		got, err := runs.Get(context.Background(), "run-9")
		if err == nil {
			assert.Equal(t, "SETTLED", got.Status)
			assert.Equal(t, "corr-9", got.CorrelationID)
			assert.EqualValues(t, 77, got.FuelConsumed)
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("run never archived: %v", err)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
