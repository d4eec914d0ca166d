// Package kernel is the composition root of the processing kernel. It
// wires the event bus, overlay manager, and pipeline orchestrator into
// one facade, gates submissions behind per-actor backpressure, and feeds
// run outcomes into metrics and SLO tracking.
package kernel

import (
	"context"
	"log/slog"
	"time"

	"github.com/Noetic-Labs/meridian/core/pkg/budget"
	"github.com/Noetic-Labs/meridian/core/pkg/eventbus"
	"github.com/Noetic-Labs/meridian/core/pkg/identity"
	"github.com/Noetic-Labs/meridian/core/pkg/observability"
	"github.com/Noetic-Labs/meridian/core/pkg/overlay"
	"github.com/Noetic-Labs/meridian/core/pkg/pipeline"
)

// Config assembles a Kernel.
type Config struct {
	// Bus is the shared event bus. Nil builds a default bus owned (and
	// closed) by the kernel.
	Bus *eventbus.Bus
	// BusConfig configures the owned bus when Bus is nil.
	BusConfig eventbus.Config
	// Overlays is the overlay manager. Nil builds a default manager.
	Overlays *overlay.Manager
	// Pipeline configures the orchestrator (phase profile, input ceiling,
	// run budget).
	Pipeline pipeline.Config
	// Backpressure is the per-actor admission policy. Zero disables
	// admission control.
	Backpressure BackpressurePolicy
	// Limiter holds token bucket state. Required when Backpressure is
	// set; EvaluateBackpressure fails closed without it.
	Limiter LimiterStore
	// Quota enforces per-tenant daily fuel allowances. Nil disables
	// quota accounting.
	Quota *budget.Enforcer
}

// Option customizes a Kernel.
type Option func(*Kernel)

// WithMetrics attaches kernel metrics. The same instance should be
// registered on the bus via eventbus.WithObserver.
func WithMetrics(m *observability.KernelMetrics) Option {
	return func(k *Kernel) { k.metrics = m }
}

// WithSLOTracker feeds run outcomes into SLO tracking.
func WithSLOTracker(t *observability.SLOTracker) Option {
	return func(k *Kernel) { k.slos = t }
}

// WithLogger sets the kernel's logger.
func WithLogger(l *slog.Logger) Option {
	return func(k *Kernel) { k.logger = l.With("component", "kernel") }
}

// Kernel is the single entry point callers interact with.
type Kernel struct {
	bus          *eventbus.Bus
	ownsBus      bool
	overlays     *overlay.Manager
	orchestrator *pipeline.Orchestrator
	limiter      LimiterStore
	policy       BackpressurePolicy
	quota        *budget.Enforcer
	metrics      *observability.KernelMetrics
	slos         *observability.SLOTracker
	logger       *slog.Logger
	now          func() time.Time
	stopHealth   context.CancelFunc
}

// New assembles a kernel from cfg.
func New(cfg Config, opts ...Option) (*Kernel, error) {
	k := &Kernel{
		bus:     cfg.Bus,
		limiter: cfg.Limiter,
		policy:  cfg.Backpressure,
		quota:   cfg.Quota,
		logger:  slog.Default().With("component", "kernel"),
		now:     time.Now,
	}
	if k.bus == nil {
		k.bus = eventbus.New(cfg.BusConfig)
		k.bus.Start()
		k.ownsBus = true
	}

	k.overlays = cfg.Overlays
	if k.overlays == nil {
		k.overlays = overlay.NewManager(overlay.Config{}, overlay.WithPublisher(k.bus))
	}

	for _, opt := range opts {
		opt(k)
	}

	orch, err := pipeline.New(cfg.Pipeline, k.overlays, pipeline.WithPublisher(k.bus))
	if err != nil {
		if k.ownsBus {
			k.bus.Close()
		}
		return nil, err
	}
	k.orchestrator = orch

	// Background degradation sweeps run for the kernel's whole lifetime;
	// Close stops them.
	healthCtx, cancel := context.WithCancel(context.Background())
	k.stopHealth = cancel
	k.overlays.StartHealthChecks(healthCtx)

	return k, nil
}

// SubmitRun admits one unit of work and drives it through the pipeline.
// Admission is checked before any phase executes: a rate-limited actor
// gets an *ErrBackpressure, a quota-exhausted tenant gets a budget error,
// and in either case nothing is enqueued or charged.
func (k *Kernel) SubmitRun(ctx context.Context, input map[string]interface{}, actor identity.Attributes) (*pipeline.RunContext, error) {
	if err := EvaluateBackpressure(ctx, k.limiter, actor.ActorID, k.policy); err != nil {
		k.logger.Warn("submission rejected", "actor", actor.ActorID, "error", err)
		return nil, err
	}
	if k.quota != nil && actor.TenantID != "" {
		if err := k.quota.Reserve(ctx, actor.TenantID); err != nil {
			k.logger.Warn("submission rejected", "tenant", actor.TenantID, "error", err)
			return nil, err
		}
	}

	start := k.now()
	rc, err := k.orchestrator.Run(ctx, input, actor)
	elapsed := k.now().Sub(start)

	if rc != nil {
		status := string(rc.Status())
		fuel := rc.Meter.Usage().FuelConsumed
		if k.quota != nil && actor.TenantID != "" && fuel > 0 {
			if qerr := k.quota.Commit(ctx, actor.TenantID, fuel); qerr != nil {
				k.logger.Error("quota commit failed", "tenant", actor.TenantID, "error", qerr)
			}
		}
		if k.metrics != nil {
			k.metrics.RecordRun(ctx, status, elapsed, fuel)
		}
		if k.slos != nil {
			k.slos.ObserveRun(elapsed, rc.Status() == pipeline.StatusSettled)
		}
	}
	return rc, err
}

// Subscribe registers a handler on the kernel bus.
func (k *Kernel) Subscribe(sub *eventbus.Subscription) (*eventbus.Subscription, error) {
	return k.bus.Subscribe(sub)
}

// Unsubscribe removes a subscription.
func (k *Kernel) Unsubscribe(handle *eventbus.Subscription) {
	k.bus.Unsubscribe(handle)
}

// Publish places an event on the kernel bus.
func (k *Kernel) Publish(ctx context.Context, event *eventbus.Event) error {
	return k.bus.Publish(ctx, event)
}

// StartCascade opens an insight chain from the named module.
func (k *Kernel) StartCascade(ctx context.Context, module string, insightType eventbus.EventType, data map[string]interface{}) (string, error) {
	return k.bus.PublishCascade(ctx, module, insightType, data)
}

// Overlays exposes the overlay manager for registration and lifecycle
// control.
func (k *Kernel) Overlays() *overlay.Manager {
	return k.overlays
}

// OverlayHealth reports one overlay's health snapshot.
func (k *Kernel) OverlayHealth(name string) (overlay.Health, error) {
	return k.overlays.GetHealth(name)
}

// ResetCircuitBreaker force-closes an overlay's breaker. Operator
// escape hatch; the breaker reopens if failures continue.
func (k *Kernel) ResetCircuitBreaker(name string) error {
	return k.overlays.ResetCircuitBreaker(name)
}

// QueueDepth reports the bus backlog.
func (k *Kernel) QueueDepth() int {
	return k.bus.QueueDepth()
}

// Bus exposes the underlying event bus.
func (k *Kernel) Bus() *eventbus.Bus {
	return k.bus
}

// Close shuts down the kernel. Health sweeps stop; the bus is closed only
// if the kernel built it.
func (k *Kernel) Close() {
	k.stopHealth()
	if k.ownsBus {
		k.bus.Close()
	}
}
