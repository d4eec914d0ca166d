// Package eventbus provides the kernel's asynchronous publish/subscribe
// system: a type-indexed subscription registry over a bounded work queue,
// worker-pool delivery with retry and dead-lettering, and cascade chains for
// cycle-safe propagation of derived insights between modules.
package eventbus

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Noetic-Labs/meridian/core/pkg/canonicalize"
)

// EventType classifies kernel events. The set is closed: dispatch switches
// over declared types, and anything else must use EventTypeExtension with a
// discriminating payload field.
type EventType string

const (
	// Run lifecycle.
	EventRunStarted     EventType = "run.started"
	EventPhaseStarted   EventType = "run.phase.started"
	EventPhaseCompleted EventType = "run.phase.completed"
	EventRunSettled     EventType = "run.settled"
	EventRunFailed      EventType = "run.failed"

	// Overlay lifecycle and health.
	EventOverlayRegistered   EventType = "overlay.registered"
	EventOverlayActivated    EventType = "overlay.activated"
	EventOverlayDeactivated  EventType = "overlay.deactivated"
	EventOverlayDegraded     EventType = "overlay.degraded"
	EventOverlayRecovered    EventType = "overlay.recovered"
	EventOverlayRetired      EventType = "overlay.retired"
	EventBreakerTransition   EventType = "overlay.breaker.transition"

	// Cascade propagation.
	EventCascadeInsight   EventType = "cascade.insight"
	EventCascadeCompleted EventType = "cascade.completed"

	// Persistence requests consumed by external writers.
	EventPersistRun        EventType = "persist.run"
	EventPersistAudit      EventType = "persist.audit"
	EventPersistDeadLetter EventType = "persist.deadletter"

	// EventTypeExtension is the declared fallback for types outside the
	// closed set; payloads carry their own discriminator.
	EventTypeExtension EventType = "extension"
)

// declaredTypes is the closed set. Order is stable for documentation output.
var declaredTypes = []EventType{
	EventRunStarted, EventPhaseStarted, EventPhaseCompleted,
	EventRunSettled, EventRunFailed,
	EventOverlayRegistered, EventOverlayActivated, EventOverlayDeactivated,
	EventOverlayDegraded, EventOverlayRecovered, EventOverlayRetired,
	EventBreakerTransition,
	EventCascadeInsight, EventCascadeCompleted,
	EventPersistRun, EventPersistAudit, EventPersistDeadLetter,
	EventTypeExtension,
}

// DeclaredTypes returns the closed event type set.
func DeclaredTypes() []EventType {
	out := make([]EventType, len(declaredTypes))
	copy(out, declaredTypes)
	return out
}

// IsDeclared reports whether t belongs to the closed set.
func IsDeclared(t EventType) bool {
	for _, d := range declaredTypes {
		if d == t {
			return true
		}
	}
	return false
}

// Priority orders events. Higher values are more urgent.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "LOW"
	case PriorityNormal:
		return "NORMAL"
	case PriorityHigh:
		return "HIGH"
	case PriorityCritical:
		return "CRITICAL"
	default:
		return fmt.Sprintf("PRIORITY(%d)", int(p))
	}
}

// Event is an immutable message. Construct with NewEvent; never mutate after
// creation — the bus shares one instance across all deliveries.
type Event struct {
	ID            string                 `json:"id"`
	Type          EventType              `json:"type"`
	Priority      Priority               `json:"priority"`
	Payload       map[string]interface{} `json:"payload,omitempty"`
	PayloadHash   string                 `json:"payload_hash"`
	Source        string                 `json:"source"`
	CorrelationID string                 `json:"correlation_id,omitempty"`
	// TargetModules restricts delivery to the named modules; empty means
	// broadcast to every subscriber of the type.
	TargetModules []string  `json:"target_modules,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// MaxPayloadBytes is the default ceiling on an event payload's canonical
// encoding. The kernel imposes size only; schemas belong to the validation
// overlay.
const MaxPayloadBytes = 256 * 1024

// ErrPayloadTooLarge is returned by NewEvent for oversized payloads.
type ErrPayloadTooLarge struct {
	Size  int
	Limit int
}

func (e *ErrPayloadTooLarge) Error() string {
	return fmt.Sprintf("event payload too large: %d bytes (limit %d)", e.Size, e.Limit)
}

// EventOption customizes event construction.
type EventOption func(*Event)

// WithPriority sets the event priority (default NORMAL).
func WithPriority(p Priority) EventOption {
	return func(e *Event) { e.Priority = p }
}

// WithCorrelation links the event to a run or chain.
func WithCorrelation(id string) EventOption {
	return func(e *Event) { e.CorrelationID = id }
}

// WithTargets restricts delivery to the named modules.
func WithTargets(modules ...string) EventOption {
	return func(e *Event) { e.TargetModules = append([]string(nil), modules...) }
}

// NewEvent builds an immutable event: assigns an ID and timestamp, computes
// the canonical payload hash, and enforces the payload size ceiling.
func NewEvent(eventType EventType, source string, payload map[string]interface{}, opts ...EventOption) (*Event, error) {
	canonical, err := canonicalize.JCS(payload)
	if err != nil {
		return nil, fmt.Errorf("eventbus: payload not encodable: %w", err)
	}
	if len(canonical) > MaxPayloadBytes {
		return nil, &ErrPayloadTooLarge{Size: len(canonical), Limit: MaxPayloadBytes}
	}

	e := &Event{
		ID:          uuid.NewString(),
		Type:        eventType,
		Priority:    PriorityNormal,
		Payload:     payload,
		PayloadHash: canonicalize.HashBytes(canonical),
		Source:      source,
		CreatedAt:   time.Now().UTC(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// AttributeMap exposes the event to subscription filters as a flat map.
func (e *Event) AttributeMap() map[string]interface{} {
	return map[string]interface{}{
		"id":             e.ID,
		"type":           string(e.Type),
		"priority":       int64(e.Priority),
		"source":         e.Source,
		"correlation_id": e.CorrelationID,
		"payload_hash":   e.PayloadHash,
		"payload":        e.Payload,
	}
}
