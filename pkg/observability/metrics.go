package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/Noetic-Labs/meridian/core/pkg/eventbus"
)

// KernelMetrics records kernel-level counters and histograms. It
// implements eventbus.Observer so the bus reports publishes, deliveries,
// dead letters, and cascade progress directly into the meter. Runs are
// recorded by the kernel at settlement; phase, overlay, and breaker
// signals arrive over the bus through Attach.
type KernelMetrics struct {
	eventsPublished  metric.Int64Counter
	eventsRejected   metric.Int64Counter
	eventsDelivered  metric.Int64Counter
	deliveryDuration metric.Float64Histogram
	deliveriesFailed metric.Int64Counter
	deadLetters      metric.Int64Counter
	cascadeHops      metric.Int64Counter
	cascadeLength    metric.Int64Histogram

	runsTotal     metric.Int64Counter
	runDuration   metric.Float64Histogram
	runFuel       metric.Int64Counter
	phaseDuration metric.Float64Histogram

	overlayInvocations metric.Int64Counter
	overlayDuration    metric.Float64Histogram
	breakerTransitions metric.Int64Counter
}

var _ eventbus.Observer = (*KernelMetrics)(nil)

// NewKernelMetrics creates the kernel instrument set on meter.
func NewKernelMetrics(meter metric.Meter) (*KernelMetrics, error) {
	m := &KernelMetrics{}
	var err error

	if m.eventsPublished, err = meter.Int64Counter("meridian.events.published",
		metric.WithDescription("Events accepted onto the bus queue"),
		metric.WithUnit("{event}"),
	); err != nil {
		return nil, err
	}
	if m.eventsRejected, err = meter.Int64Counter("meridian.events.rejected",
		metric.WithDescription("Events rejected at publish (queue full or bus closed)"),
		metric.WithUnit("{event}"),
	); err != nil {
		return nil, err
	}
	if m.eventsDelivered, err = meter.Int64Counter("meridian.events.delivered",
		metric.WithDescription("Successful handler deliveries"),
		metric.WithUnit("{delivery}"),
	); err != nil {
		return nil, err
	}
	if m.deliveryDuration, err = meter.Float64Histogram("meridian.delivery.duration",
		metric.WithDescription("Handler delivery duration in seconds, retries included"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30),
	); err != nil {
		return nil, err
	}
	if m.deliveriesFailed, err = meter.Int64Counter("meridian.deliveries.failed",
		metric.WithDescription("Delivery attempts that returned an error or timed out"),
		metric.WithUnit("{attempt}"),
	); err != nil {
		return nil, err
	}
	if m.deadLetters, err = meter.Int64Counter("meridian.deadletters",
		metric.WithDescription("Deliveries that exhausted retries and were dead-lettered"),
		metric.WithUnit("{letter}"),
	); err != nil {
		return nil, err
	}
	if m.cascadeHops, err = meter.Int64Counter("meridian.cascade.hops",
		metric.WithDescription("Cascade hops executed"),
		metric.WithUnit("{hop}"),
	); err != nil {
		return nil, err
	}
	if m.cascadeLength, err = meter.Int64Histogram("meridian.cascade.length",
		metric.WithDescription("Total hops per completed cascade chain"),
		metric.WithUnit("{hop}"),
		metric.WithExplicitBucketBoundaries(0, 1, 2, 3, 5, 8, 13, 21),
	); err != nil {
		return nil, err
	}

	if m.runsTotal, err = meter.Int64Counter("meridian.runs",
		metric.WithDescription("Pipeline runs by terminal status"),
		metric.WithUnit("{run}"),
	); err != nil {
		return nil, err
	}
	if m.runDuration, err = meter.Float64Histogram("meridian.run.duration",
		metric.WithDescription("End-to-end run duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60),
	); err != nil {
		return nil, err
	}
	if m.runFuel, err = meter.Int64Counter("meridian.run.fuel",
		metric.WithDescription("Fuel consumed by runs"),
		metric.WithUnit("{unit}"),
	); err != nil {
		return nil, err
	}
	if m.phaseDuration, err = meter.Float64Histogram("meridian.phase.duration",
		metric.WithDescription("Phase duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30),
	); err != nil {
		return nil, err
	}

	if m.overlayInvocations, err = meter.Int64Counter("meridian.overlay.invocations",
		metric.WithDescription("Overlay invocations by outcome"),
		metric.WithUnit("{invocation}"),
	); err != nil {
		return nil, err
	}
	if m.overlayDuration, err = meter.Float64Histogram("meridian.overlay.duration",
		metric.WithDescription("Overlay execution duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 10),
	); err != nil {
		return nil, err
	}
	if m.breakerTransitions, err = meter.Int64Counter("meridian.breaker.transitions",
		metric.WithDescription("Circuit breaker state transitions"),
		metric.WithUnit("{transition}"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

// Observer methods carry no context; the bus calls them from delivery
// workers.

func (m *KernelMetrics) EventPublished(eventType eventbus.EventType, priority eventbus.Priority) {
	m.eventsPublished.Add(context.Background(), 1, metric.WithAttributes(
		AttrEventType.String(string(eventType)),
		AttrPriority.String(priority.String()),
	))
}

func (m *KernelMetrics) EventRejected(eventType eventbus.EventType) {
	m.eventsRejected.Add(context.Background(), 1, metric.WithAttributes(
		AttrEventType.String(string(eventType)),
	))
}

func (m *KernelMetrics) EventDelivered(eventType eventbus.EventType, module string, elapsed time.Duration) {
	attrs := metric.WithAttributes(
		AttrEventType.String(string(eventType)),
		AttrModule.String(module),
	)
	ctx := context.Background()
	m.eventsDelivered.Add(ctx, 1, attrs)
	m.deliveryDuration.Record(ctx, elapsed.Seconds(), attrs)
}

func (m *KernelMetrics) DeliveryFailed(eventType eventbus.EventType, module string) {
	m.deliveriesFailed.Add(context.Background(), 1, metric.WithAttributes(
		AttrEventType.String(string(eventType)),
		AttrModule.String(module),
	))
}

func (m *KernelMetrics) DeadLettered(eventType eventbus.EventType, module string) {
	m.deadLetters.Add(context.Background(), 1, metric.WithAttributes(
		AttrEventType.String(string(eventType)),
		AttrModule.String(module),
	))
}

func (m *KernelMetrics) CascadeHop(chainID string) {
	m.cascadeHops.Add(context.Background(), 1)
}

func (m *KernelMetrics) CascadeCompleted(totalHops, distinctModules int) {
	m.cascadeLength.Record(context.Background(), int64(totalHops))
}

// RecordRun records a completed pipeline run.
func (m *KernelMetrics) RecordRun(ctx context.Context, status string, elapsed time.Duration, fuel uint64) {
	attrs := metric.WithAttributes(AttrRunStatus.String(status))
	m.runsTotal.Add(ctx, 1, attrs)
	m.runDuration.Record(ctx, elapsed.Seconds(), attrs)
	m.runFuel.Add(ctx, int64(fuel), attrs) //nolint:gosec // fuel fits int64
}

// RecordPhase records a completed phase.
func (m *KernelMetrics) RecordPhase(ctx context.Context, phase, status string, elapsed time.Duration) {
	m.phaseDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(
		AttrPhase.String(phase),
		AttrPhaseStatus.String(status),
	))
}

// RecordOverlayInvocation records an overlay invocation outcome.
func (m *KernelMetrics) RecordOverlayInvocation(ctx context.Context, overlay, outcome string, elapsed time.Duration) {
	attrs := metric.WithAttributes(
		AttrOverlay.String(overlay),
		AttrOverlayOutcome.String(outcome),
	)
	m.overlayInvocations.Add(ctx, 1, attrs)
	m.overlayDuration.Record(ctx, elapsed.Seconds(), attrs)
}

// RecordBreakerTransition records a circuit breaker state change.
func (m *KernelMetrics) RecordBreakerTransition(ctx context.Context, overlay, from, to string) {
	m.breakerTransitions.Add(ctx, 1, metric.WithAttributes(
		AttrOverlay.String(overlay),
		AttrBreakerFrom.String(from),
		AttrBreakerTo.String(to),
	))
}
