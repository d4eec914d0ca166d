package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Noetic-Labs/meridian/core/pkg/budget"
	"github.com/Noetic-Labs/meridian/core/pkg/canonicalize"
	"github.com/Noetic-Labs/meridian/core/pkg/eventbus"
	"github.com/Noetic-Labs/meridian/core/pkg/identity"
	"github.com/Noetic-Labs/meridian/core/pkg/overlay"
	"github.com/Noetic-Labs/meridian/core/pkg/retry"
)

// Deterministic error codes for the run surface.
const (
	ErrCodeValidation = "ERR_RUN_VALIDATION"
	ErrCodePhase      = "ERR_RUN_PHASE"
)

// Error is the typed error for run-level failures.
type Error struct {
	Code    string `json:"code"`
	Phase   string `json:"phase,omitempty"`
	Message string `json:"message"`
	cause   error
}

func (e *Error) Error() string {
	if e.Phase != "" {
		return fmt.Sprintf("%s: phase %s: %s", e.Code, e.Phase, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// IsValidation reports whether err is an input rejection from before phase 1.
func IsValidation(err error) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.Code == ErrCodeValidation
}

// Publisher is the slice of the event bus the orchestrator emits through.
// Nil disables events.
type Publisher interface {
	Publish(ctx context.Context, e *eventbus.Event) error
}

// Config tunes the orchestrator. Zero values fall back to defaults.
type Config struct {
	// Phases is the ordered profile (default DefaultPhases).
	Phases []PhaseSpec
	// MaxInputBytes bounds the canonical input size (default 1MiB).
	MaxInputBytes int
	// RunBudget is the fuel allowance for one whole run (default
	// budget.DefaultBudget scaled by phase count is deliberately not
	// attempted; the ceiling is per-run and overlays clamp further).
	RunBudget budget.FuelBudget
}

func (c Config) withDefaults() Config {
	if len(c.Phases) == 0 {
		c.Phases = DefaultPhases()
	}
	if c.MaxInputBytes <= 0 {
		c.MaxInputBytes = 1 << 20
	}
	if c.RunBudget.IsZero() {
		c.RunBudget = budget.DefaultBudget()
	}
	return c
}

// Orchestrator drives runs through the phase profile. Construct once and
// share; all run state lives in RunContext.
type Orchestrator struct {
	cfg      Config
	phases   []PhaseSpec
	overlays *overlay.Manager
	bus      Publisher
	logger   *slog.Logger
	now      func() time.Time
}

// Option customizes orchestrator construction.
type Option func(*Orchestrator)

// WithPublisher wires lifecycle events to a bus.
func WithPublisher(p Publisher) Option {
	return func(o *Orchestrator) { o.bus = p }
}

// WithLogger sets the orchestrator's logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// New validates the phase profile and builds an orchestrator.
func New(cfg Config, overlays *overlay.Manager, opts ...Option) (*Orchestrator, error) {
	cfg = cfg.withDefaults()
	if err := ValidatePhases(sortPhases(cfg.Phases)); err != nil {
		return nil, err
	}
	o := &Orchestrator{
		cfg:      cfg,
		phases:   sortPhases(cfg.Phases),
		overlays: overlays,
		logger:   slog.Default().With("component", "pipeline"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Run drives one unit of work through every enabled phase in ordinal order.
// Validation failures reject before phase 1 with no RunContext. A failed
// required phase aborts the run; later phases never execute. Failures in
// non-required phases are recorded and the run settles with partial results.
func (o *Orchestrator) Run(ctx context.Context, input map[string]interface{}, actor identity.Attributes) (*RunContext, error) {
	canonical, err := o.validateInput(input)
	if err != nil {
		return nil, err
	}

	rc := &RunContext{
		RunID:         uuid.NewString(),
		CorrelationID: uuid.NewString(),
		Actor:         actor,
		Input:         input,
		Meter:         budget.NewMeter(o.cfg.RunBudget),
		StartedAt:     o.now().UTC(),
		status:        StatusPending,
		results:       make(map[string]interface{}),
		outcomes:      make(map[string]*PhaseOutcome),
	}

	o.logger.Info("run started", "run_id", rc.RunID, "actor", actor.ActorID, "input_bytes", len(canonical))
	o.emit(rc, eventbus.EventRunStarted, map[string]interface{}{
		"actor_id":    actor.ActorID,
		"input_bytes": len(canonical),
	})

	for _, spec := range o.phases {
		if !spec.Enabled {
			rc.recordOutcome(&PhaseOutcome{Phase: spec.Name, Status: PhaseSkipped, StartedAt: o.now().UTC()})
			continue
		}

		rc.setStatus(StatusRunning, spec.Name)
		o.emit(rc, eventbus.EventPhaseStarted, map[string]interface{}{
			"phase":   spec.Name,
			"ordinal": spec.Ordinal,
		})

		outcome := o.executePhase(ctx, rc, spec)
		rc.recordOutcome(outcome)

		o.emit(rc, eventbus.EventPhaseCompleted, map[string]interface{}{
			"phase":       spec.Name,
			"ordinal":     spec.Ordinal,
			"status":      string(outcome.Status),
			"duration_ms": outcome.Duration.Milliseconds(),
			"error":       outcome.Error,
			"overlays":    overlaySummaries(outcome),
		})

		if outcome.Status == PhaseFailed && spec.Required {
			terminal := StatusFailed
			if o.phaseTimedOut(outcome) {
				terminal = StatusTimedOut
			}
			rc.SettledAt = o.now().UTC()
			rc.setStatus(terminal, "")
			runErr := &Error{Code: ErrCodePhase, Phase: spec.Name, Message: outcome.Error, cause: firstOverlayError(outcome)}
			o.logger.Warn("run aborted", "run_id", rc.RunID, "phase", spec.Name, "status", string(terminal), "error", outcome.Error)
			o.emit(rc, eventbus.EventRunFailed, map[string]interface{}{
				"phase":  spec.Name,
				"status": string(terminal),
				"error":  outcome.Error,
			})
			o.emitPersist(rc)
			return rc, runErr
		}
	}

	rc.SettledAt = o.now().UTC()
	rc.setStatus(StatusSettled, "")
	o.logger.Info("run settled", "run_id", rc.RunID, "duration_ms", rc.SettledAt.Sub(rc.StartedAt).Milliseconds())
	o.emit(rc, eventbus.EventRunSettled, map[string]interface{}{
		"results":     rc.Results(),
		"duration_ms": rc.SettledAt.Sub(rc.StartedAt).Milliseconds(),
	})
	o.emitPersist(rc)
	return rc, nil
}

// validateInput enforces the size/shape gate ahead of phase 1. Schema
// checks belong to the validation phase's overlays, not the orchestrator.
func (o *Orchestrator) validateInput(input map[string]interface{}) ([]byte, error) {
	if len(input) == 0 {
		return nil, &Error{Code: ErrCodeValidation, Message: "input is empty"}
	}
	canonical, err := canonicalize.JCS(input)
	if err != nil {
		return nil, &Error{Code: ErrCodeValidation, Message: "input is not canonicalizable", cause: err}
	}
	if len(canonical) > o.cfg.MaxInputBytes {
		return nil, &Error{
			Code:    ErrCodeValidation,
			Message: fmt.Sprintf("input %d bytes exceeds limit %d", len(canonical), o.cfg.MaxInputBytes),
		}
	}
	return canonical, nil
}

// executePhase resolves the phase's overlays and runs them under the phase
// timeout, in parallel or sequentially per the profile. A phase with no
// overlays succeeds vacuously.
func (o *Orchestrator) executePhase(ctx context.Context, rc *RunContext, spec PhaseSpec) *PhaseOutcome {
	outcome := &PhaseOutcome{Phase: spec.Name, Status: PhaseOK, StartedAt: o.now().UTC()}
	defer func() { outcome.Duration = o.now().Sub(outcome.StartedAt) }()

	names := o.overlays.OverlaysForPhase(spec.Name)
	if len(names) == 0 {
		return outcome
	}

	phaseCtx, cancel := context.WithTimeout(ctx, spec.Timeout)
	defer cancel()

	var results []*overlay.Result
	if spec.Parallel {
		results = o.runParallel(phaseCtx, rc, spec, names)
	} else {
		results = o.runSequential(phaseCtx, rc, spec, names)
	}
	outcome.Overlays = results

	for _, res := range results {
		if res.Err != nil {
			outcome.Status = PhaseFailed
			if outcome.Error == "" {
				outcome.Error = res.Err.Error()
			}
			continue
		}
		rc.mergeResults(spec.Name+"."+res.Overlay, res.Output)
		// Run-level fuel accounting; the run meter tripping fails the phase.
		if err := rc.Meter.Charge(res.Fuel.FuelConsumed); err != nil {
			outcome.Status = PhaseFailed
			outcome.Error = err.Error()
		}
	}
	if phaseCtx.Err() != nil {
		outcome.TimedOut = errors.Is(phaseCtx.Err(), context.DeadlineExceeded)
		if outcome.Status == PhaseOK {
			outcome.Status = PhaseFailed
			if outcome.TimedOut {
				outcome.Error = fmt.Sprintf("phase %s timed out after %v", spec.Name, spec.Timeout)
			} else {
				outcome.Error = fmt.Sprintf("phase %s cancelled", spec.Name)
			}
		}
	}
	return outcome
}

// runParallel invokes every overlay concurrently; the phase timeout cancels
// all in-flight invocations.
func (o *Orchestrator) runParallel(ctx context.Context, rc *RunContext, spec PhaseSpec, names []string) []*overlay.Result {
	results := make([]*overlay.Result, len(names))
	var wg sync.WaitGroup
	for i, name := range names {
		wg.Add(1)
		go func(i int, name string) {
			defer wg.Done()
			results[i] = o.invokeWithRetry(ctx, rc, spec, name)
		}(i, name)
	}
	wg.Wait()
	return results
}

// runSequential invokes one overlay at a time, each bounded by its share of
// the phase timeout.
func (o *Orchestrator) runSequential(ctx context.Context, rc *RunContext, spec PhaseSpec, names []string) []*overlay.Result {
	share := spec.Timeout / time.Duration(len(names))
	results := make([]*overlay.Result, 0, len(names))
	for _, name := range names {
		callCtx, cancel := context.WithTimeout(ctx, share)
		results = append(results, o.invokeWithRetry(callCtx, rc, spec, name))
		cancel()
		if ctx.Err() != nil {
			break
		}
	}
	return results
}

// invokeWithRetry runs one overlay with the phase's retry allowance.
// Authorization and breaker rejections are never retried: repeating them
// cannot succeed within one run.
func (o *Orchestrator) invokeWithRetry(ctx context.Context, rc *RunContext, spec PhaseSpec, name string) *overlay.Result {
	params := retry.BackoffParams{
		PolicyID: "overlay-invocation",
		Resource: name,
		CallID:   rc.RunID + "/" + spec.Name,
	}

	var last *overlay.Result
	err := retry.Do(ctx, params, retry.InvocationPolicy(spec.Retries), func(ctx context.Context, attempt int) error {
		inv := &overlay.Invocation{
			RunID:         rc.RunID,
			CorrelationID: rc.CorrelationID,
			Phase:         spec.Name,
			Actor:         rc.Actor,
			Meter:         rc.Meter,
			Input:         rc.Input,
		}
		res, err := o.overlays.Invoke(ctx, name, inv)
		if res != nil {
			last = res
		}
		if err != nil {
			if overlay.IsAuthorization(err) || overlay.IsCircuitOpen(err) {
				return retry.NonRetryable(err)
			}
			return err
		}
		return nil
	})

	if last == nil {
		last = &overlay.Result{Overlay: name}
	}
	last.Err = err
	if err != nil {
		o.logger.Warn("overlay invocation failed",
			"run_id", rc.RunID, "phase", spec.Name, "overlay", name, "error", err)
	}
	return last
}

// phaseTimedOut classifies a required-phase failure for the terminal status.
// A failure is a timeout when the phase deadline expired or every failing
// overlay timed out; any other overlay error makes it a plain failure.
func (o *Orchestrator) phaseTimedOut(outcome *PhaseOutcome) bool {
	for _, res := range outcome.Overlays {
		if res.Err != nil && !overlay.IsTimeout(res.Err) && !errors.Is(res.Err, context.DeadlineExceeded) {
			return false
		}
	}
	if outcome.TimedOut {
		return true
	}
	for _, res := range outcome.Overlays {
		if res.Err != nil {
			return true
		}
	}
	return false
}

// overlaySummaries flattens per-overlay results for the phase-completed
// event, so subscribers can attribute duration and outcome per overlay
// without reaching into the run context.
func overlaySummaries(outcome *PhaseOutcome) []map[string]interface{} {
	summaries := make([]map[string]interface{}, 0, len(outcome.Overlays))
	for _, res := range outcome.Overlays {
		oc := "ok"
		if res.Err != nil {
			if oc = overlay.CodeOf(res.Err); oc == "" {
				oc = "error"
			}
		}
		summaries = append(summaries, map[string]interface{}{
			"overlay":     res.Overlay,
			"outcome":     oc,
			"duration_ms": res.Duration.Milliseconds(),
		})
	}
	return summaries
}

func firstOverlayError(outcome *PhaseOutcome) error {
	for _, res := range outcome.Overlays {
		if res.Err != nil {
			return res.Err
		}
	}
	return nil
}

func (o *Orchestrator) emit(rc *RunContext, t eventbus.EventType, payload map[string]interface{}) {
	if o.bus == nil {
		return
	}
	payload["run_id"] = rc.RunID
	e, err := eventbus.NewEvent(t, "pipeline", payload, eventbus.WithCorrelation(rc.CorrelationID))
	if err == nil {
		err = o.bus.Publish(context.Background(), e)
	}
	if err != nil {
		o.logger.Warn("lifecycle event dropped", "type", string(t), "run_id", rc.RunID, "error", err)
	}
}

// emitPersist asks an external writer to archive the finished run. The
// kernel never persists run state itself; a lost store degrades to a log
// line, not a crash.
func (o *Orchestrator) emitPersist(rc *RunContext) {
	if o.bus == nil {
		return
	}
	outcomes := make(map[string]interface{}, len(rc.Outcomes()))
	for name, oc := range rc.Outcomes() {
		outcomes[name] = map[string]interface{}{
			"status":      string(oc.Status),
			"duration_ms": oc.Duration.Milliseconds(),
			"error":       oc.Error,
		}
	}
	o.emit(rc, eventbus.EventPersistRun, map[string]interface{}{
		"status":     string(rc.Status()),
		"actor_id":   rc.Actor.ActorID,
		"started_at": rc.StartedAt.Format(time.RFC3339Nano),
		"settled_at": rc.SettledAt.Format(time.RFC3339Nano),
		"results":    rc.Results(),
		"outcomes":   outcomes,
		"fuel":       rc.Meter.Usage().FuelConsumed,
	})
}
