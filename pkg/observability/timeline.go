package observability

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Noetic-Labs/meridian/core/pkg/eventbus"
)

// TimelineEntryType categorizes timeline entries.
type TimelineEntryType string

const (
	EntryTypeRun     TimelineEntryType = "RUN"
	EntryTypePhase   TimelineEntryType = "PHASE"
	EntryTypeOverlay TimelineEntryType = "OVERLAY"
	EntryTypeBreaker TimelineEntryType = "BREAKER"
	EntryTypeCascade TimelineEntryType = "CASCADE"
)

// TimelineEntry is a single recorded kernel event.
type TimelineEntry struct {
	EntryID     string                 `json:"entry_id"`
	EntryType   TimelineEntryType      `json:"entry_type"`
	RunID       string                 `json:"run_id,omitempty"`
	EventType   string                 `json:"event_type"`
	Timestamp   time.Time              `json:"timestamp"`
	Source      string                 `json:"source,omitempty"`
	ContentHash string                 `json:"content_hash"`
	Details     map[string]interface{} `json:"details,omitempty"`
}

// TimelineQuery filters timeline entries.
type TimelineQuery struct {
	RunID     string             `json:"run_id,omitempty"`
	EntryType *TimelineEntryType `json:"entry_type,omitempty"`
	After     *time.Time         `json:"after,omitempty"`
	Before    *time.Time         `json:"before,omitempty"`
	Limit     int                `json:"limit,omitempty"`
}

// RunTimeline keeps an in-memory, queryable record of kernel lifecycle
// events: runs, phases, overlay transitions, breaker transitions, and
// cascade completions. Retention is bounded; the oldest entries are
// evicted once capacity is reached.
type RunTimeline struct {
	mu       sync.RWMutex
	entries  []TimelineEntry
	index    map[string][]int // runID -> entry indices
	seq      int64
	capacity int
	clock    func() time.Time
}

// NewRunTimeline creates a timeline retaining at most capacity entries
// (default 10000).
func NewRunTimeline(capacity int) *RunTimeline {
	if capacity <= 0 {
		capacity = 10000
	}
	return &RunTimeline{
		index:    make(map[string][]int),
		capacity: capacity,
		clock:    time.Now,
	}
}

// WithClock overrides the clock for testing.
func (t *RunTimeline) WithClock(clock func() time.Time) *RunTimeline {
	t.clock = clock
	return t
}

// Attach subscribes the timeline to lifecycle events on the bus.
func (t *RunTimeline) Attach(bus *eventbus.Bus) error {
	_, err := bus.Subscribe(&eventbus.Subscription{
		Module: "observability-timeline",
		Types: []eventbus.EventType{
			eventbus.EventRunStarted, eventbus.EventPhaseStarted,
			eventbus.EventPhaseCompleted, eventbus.EventRunSettled,
			eventbus.EventRunFailed,
			eventbus.EventOverlayActivated, eventbus.EventOverlayDeactivated,
			eventbus.EventOverlayDegraded, eventbus.EventOverlayRecovered,
			eventbus.EventOverlayRetired,
			eventbus.EventBreakerTransition,
			eventbus.EventCascadeCompleted,
		},
		Handler: t.handle,
	})
	return err
}

func (t *RunTimeline) handle(ctx context.Context, e *eventbus.Event) error {
	t.Record(TimelineEntry{
		EntryType: entryTypeFor(e.Type),
		RunID:     e.CorrelationID,
		EventType: string(e.Type),
		Timestamp: e.CreatedAt,
		Source:    e.Source,
		Details:   e.Payload,
	})
	return nil
}

func entryTypeFor(t eventbus.EventType) TimelineEntryType {
	switch t {
	case eventbus.EventRunStarted, eventbus.EventRunSettled, eventbus.EventRunFailed:
		return EntryTypeRun
	case eventbus.EventPhaseStarted, eventbus.EventPhaseCompleted:
		return EntryTypePhase
	case eventbus.EventBreakerTransition:
		return EntryTypeBreaker
	case eventbus.EventCascadeInsight, eventbus.EventCascadeCompleted:
		return EntryTypeCascade
	default:
		return EntryTypeOverlay
	}
}

// Record adds an entry. Missing IDs and timestamps are filled in.
func (t *RunTimeline) Record(entry TimelineEntry) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.seq++
	if entry.EntryID == "" {
		entry.EntryID = fmt.Sprintf("tl-%d", t.seq)
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = t.clock()
	}
	if data, err := json.Marshal(entry.Details); err == nil {
		h := sha256.Sum256(data)
		entry.ContentHash = "sha256:" + hex.EncodeToString(h[:])
	}

	if len(t.entries) >= t.capacity {
		t.evictOldestLocked()
	}

	idx := len(t.entries)
	t.entries = append(t.entries, entry)
	if entry.RunID != "" {
		t.index[entry.RunID] = append(t.index[entry.RunID], idx)
	}
}

// evictOldestLocked drops the oldest entry and rebuilds the run index.
func (t *RunTimeline) evictOldestLocked() {
	t.entries = t.entries[1:]
	t.index = make(map[string][]int, len(t.index))
	for i, e := range t.entries {
		if e.RunID != "" {
			t.index[e.RunID] = append(t.index[e.RunID], i)
		}
	}
}

// Query retrieves entries matching q, oldest first.
func (t *RunTimeline) Query(q TimelineQuery) []TimelineEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var candidates []TimelineEntry
	if q.RunID != "" {
		indices, ok := t.index[q.RunID]
		if !ok {
			return nil
		}
		for _, i := range indices {
			candidates = append(candidates, t.entries[i])
		}
	} else {
		candidates = make([]TimelineEntry, len(t.entries))
		copy(candidates, t.entries)
	}

	var results []TimelineEntry
	for _, e := range candidates {
		if q.EntryType != nil && e.EntryType != *q.EntryType {
			continue
		}
		if q.After != nil && e.Timestamp.Before(*q.After) {
			continue
		}
		if q.Before != nil && e.Timestamp.After(*q.Before) {
			continue
		}
		results = append(results, e)
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].Timestamp.Before(results[j].Timestamp)
	})

	if q.Limit > 0 && len(results) > q.Limit {
		results = results[:q.Limit]
	}
	return results
}

// Count returns total retained entries.
func (t *RunTimeline) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}
