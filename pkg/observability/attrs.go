package observability

import (
	"time"

	"go.opentelemetry.io/otel/attribute"
)

// Kernel semantic convention attributes.
var (
	AttrRunID     = attribute.Key("meridian.run.id")
	AttrRunStatus = attribute.Key("meridian.run.status")
	AttrActorID   = attribute.Key("meridian.actor.id")

	AttrPhase       = attribute.Key("meridian.phase")
	AttrPhaseStatus = attribute.Key("meridian.phase.status")

	AttrOverlay        = attribute.Key("meridian.overlay")
	AttrOverlayOutcome = attribute.Key("meridian.overlay.outcome")

	AttrEventType = attribute.Key("meridian.event.type")
	AttrPriority  = attribute.Key("meridian.event.priority")
	AttrModule    = attribute.Key("meridian.module")

	AttrChainID = attribute.Key("meridian.cascade.chain_id")

	AttrBreakerFrom = attribute.Key("meridian.breaker.from")
	AttrBreakerTo   = attribute.Key("meridian.breaker.to")
)

// RunAttributes builds span attributes for a pipeline run.
func RunAttributes(runID, actorID, status string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrRunID.String(runID),
		AttrActorID.String(actorID),
		AttrRunStatus.String(status),
	}
}

// PhaseAttributes builds span attributes for a phase execution.
func PhaseAttributes(runID, phase, status string, elapsed time.Duration) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrRunID.String(runID),
		AttrPhase.String(phase),
		AttrPhaseStatus.String(status),
		attribute.Int64("meridian.phase.elapsed_ms", elapsed.Milliseconds()),
	}
}

// OverlayAttributes builds span attributes for an overlay invocation.
func OverlayAttributes(overlay, phase, outcome string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrOverlay.String(overlay),
		AttrPhase.String(phase),
		AttrOverlayOutcome.String(outcome),
	}
}
