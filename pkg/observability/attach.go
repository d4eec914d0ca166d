package observability

import (
	"context"
	"time"

	"github.com/Noetic-Labs/meridian/core/pkg/eventbus"
)

// Attach subscribes the instrument set to lifecycle events on the bus, the
// same way the timeline listens. Phase durations, per-overlay invocation
// outcomes, and breaker transitions then flow into the meter without the
// pipeline or the overlay manager holding a metrics handle.
func (m *KernelMetrics) Attach(bus *eventbus.Bus) error {
	_, err := bus.Subscribe(&eventbus.Subscription{
		Module: "observability-metrics",
		Types: []eventbus.EventType{
			eventbus.EventPhaseCompleted,
			eventbus.EventBreakerTransition,
		},
		Handler: m.handle,
	})
	return err
}

func (m *KernelMetrics) handle(ctx context.Context, e *eventbus.Event) error {
	switch e.Type {
	case eventbus.EventPhaseCompleted:
		phase := payloadString(e.Payload, "phase")
		status := payloadString(e.Payload, "status")
		m.RecordPhase(ctx, phase, status, payloadDuration(e.Payload))
		for _, s := range payloadOverlays(e.Payload) {
			m.RecordOverlayInvocation(ctx,
				payloadString(s, "overlay"), payloadString(s, "outcome"), payloadDuration(s))
		}
	case eventbus.EventBreakerTransition:
		m.RecordBreakerTransition(ctx,
			payloadString(e.Payload, "overlay"),
			payloadString(e.Payload, "from"),
			payloadString(e.Payload, "to"))
	}
	return nil
}

// Attach subscribes phase observations to the bus; run observations arrive
// through ObserveRun at submission time because the run SLO needs the
// submitter's view of settlement, not the event's.
func (t *SLOTracker) Attach(bus *eventbus.Bus) error {
	_, err := bus.Subscribe(&eventbus.Subscription{
		Module: "observability-slo",
		Types:  []eventbus.EventType{eventbus.EventPhaseCompleted},
		Handler: func(ctx context.Context, e *eventbus.Event) error {
			t.ObservePhase(
				payloadString(e.Payload, "phase"),
				payloadDuration(e.Payload),
				payloadString(e.Payload, "status") == "OK")
			return nil
		},
	})
	return err
}

func payloadString(p map[string]interface{}, key string) string {
	s, _ := p[key].(string)
	return s
}

// payloadDuration reads the duration_ms field. Events delivered in process
// carry int64; events that round-tripped through JSON carry float64.
func payloadDuration(p map[string]interface{}) time.Duration {
	switch v := p["duration_ms"].(type) {
	case int64:
		return time.Duration(v) * time.Millisecond
	case float64:
		return time.Duration(v * float64(time.Millisecond))
	}
	return 0
}

// payloadOverlays reads the per-overlay summaries from a phase-completed
// payload, tolerating both the in-process and the JSON-decoded shapes.
func payloadOverlays(p map[string]interface{}) []map[string]interface{} {
	switch v := p["overlays"].(type) {
	case []map[string]interface{}:
		return v
	case []interface{}:
		out := make([]map[string]interface{}, 0, len(v))
		for _, item := range v {
			if m, ok := item.(map[string]interface{}); ok {
				out = append(out, m)
			}
		}
		return out
	}
	return nil
}
