package overlay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/Noetic-Labs/meridian/core/pkg/budget"
	"github.com/Noetic-Labs/meridian/core/pkg/eventbus"
	"github.com/Noetic-Labs/meridian/core/pkg/identity"
	"github.com/Noetic-Labs/meridian/core/pkg/resiliency"
)

// Processor is an overlay's processing function. Implementations charge the
// invocation meter at their own checkpoints and must return promptly after
// ctx is cancelled.
type Processor interface {
	Process(ctx context.Context, inv *Invocation) (map[string]interface{}, error)
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc func(ctx context.Context, inv *Invocation) (map[string]interface{}, error)

func (f ProcessorFunc) Process(ctx context.Context, inv *Invocation) (map[string]interface{}, error) {
	return f(ctx, inv)
}

// Invocation carries one call's run-scoped inputs into a processor.
type Invocation struct {
	RunID         string
	CorrelationID string
	Phase         string
	Actor         identity.Attributes
	Meter         *budget.Meter
	Input         map[string]interface{}
}

// Result reports one completed (or failed) invocation.
type Result struct {
	Overlay  string                 `json:"overlay"`
	Output   map[string]interface{} `json:"output,omitempty"`
	Duration time.Duration          `json:"duration"`
	Fuel     budget.Usage           `json:"fuel"`
	Err      error                  `json:"-"`
}

// Publisher is the slice of the event bus the manager needs. Nil disables
// lifecycle events.
type Publisher interface {
	Publish(ctx context.Context, e *eventbus.Event) error
}

// registered is the registry's per-overlay record. Guarded by Manager.mu
// except for the breaker, which has its own lock.
type registered struct {
	desc      Descriptor
	processor Processor
	state     State
	breaker   *resiliency.CircuitBreaker
	stats     stats
}

type stats struct {
	invocations uint64
	failures    uint64
	lastError   string
	lastInvoked time.Time
}

// Config tunes the manager. Zero values fall back to defaults.
type Config struct {
	// DefaultTimeout bounds an invocation when the descriptor sets none
	// (default 10s).
	DefaultTimeout time.Duration
	// Breaker is applied to every overlay's circuit breaker.
	Breaker resiliency.Config
	// Health tunes the degradation checker.
	Health HealthConfig
}

func (c Config) withDefaults() Config {
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 10 * time.Second
	}
	c.Health = c.Health.withDefaults()
	return c
}

// Manager owns the overlay registry. Construct with NewManager and inject it
// wherever overlays are resolved; there is no package-level registry.
type Manager struct {
	cfg    Config
	logger *slog.Logger
	bus    Publisher
	now    func() time.Time

	mu       sync.Mutex
	overlays map[string]*registered
}

// ManagerOption customizes manager construction.
type ManagerOption func(*Manager)

// WithLogger sets the manager's logger.
func WithLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithPublisher wires lifecycle and breaker-transition events to a bus.
func WithPublisher(p Publisher) ManagerOption {
	return func(m *Manager) { m.bus = p }
}

// NewManager creates an empty registry.
func NewManager(cfg Config, opts ...ManagerOption) *Manager {
	m := &Manager{
		cfg:      cfg.withDefaults(),
		logger:   slog.Default().With("component", "overlay"),
		now:      time.Now,
		overlays: make(map[string]*registered),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Register adds an overlay in REGISTERED state. The name must be unused.
func (m *Manager) Register(desc Descriptor, p Processor) error {
	if err := desc.Validate(); err != nil {
		return err
	}
	if p == nil {
		return newError(ErrCodeBadDescriptor, desc.Name, "processor is required", nil)
	}

	cb := resiliency.New(desc.Name, m.cfg.Breaker)
	cb.OnStateChange(m.breakerTransition)

	m.mu.Lock()
	if _, exists := m.overlays[desc.Name]; exists {
		m.mu.Unlock()
		return newError(ErrCodeAlreadyExists, desc.Name, "already registered", nil)
	}
	m.overlays[desc.Name] = &registered{
		desc:      desc,
		processor: p,
		state:     StateRegistered,
		breaker:   cb,
	}
	m.mu.Unlock()

	m.logger.Info("overlay registered", "overlay", desc.Name, "version", desc.Version)
	m.emit(eventbus.EventOverlayRegistered, desc.Name, map[string]interface{}{
		"version": desc.Version,
	})
	return nil
}

// Activate moves an overlay into rotation.
func (m *Manager) Activate(name string) error {
	return m.transition(name, StateActive, eventbus.EventOverlayActivated, nil)
}

// Deactivate takes an overlay out of rotation without retiring it.
func (m *Manager) Deactivate(name string) error {
	return m.transition(name, StateDisabled, eventbus.EventOverlayDeactivated, nil)
}

// Retire permanently removes an overlay from rotation. The record stays in
// the registry for health queries; terminal state, no way back.
func (m *Manager) Retire(name string) error {
	return m.transition(name, StateRetired, eventbus.EventOverlayRetired, nil)
}

func (m *Manager) transition(name string, to State, eventType eventbus.EventType, extra map[string]interface{}) error {
	m.mu.Lock()
	reg, ok := m.overlays[name]
	if !ok {
		m.mu.Unlock()
		return newError(ErrCodeNotFound, name, "not registered", nil)
	}
	from := reg.state
	if from == to {
		m.mu.Unlock()
		return nil
	}
	if !CanTransition(from, to) {
		m.mu.Unlock()
		return newError(ErrCodeBadTransition, name, fmt.Sprintf("%s -> %s is not a legal transition", from, to), nil)
	}
	reg.state = to
	m.mu.Unlock()

	m.logger.Info("overlay state changed", "overlay", name, "from", string(from), "to", string(to))
	payload := map[string]interface{}{"from": string(from), "to": string(to)}
	for k, v := range extra {
		payload[k] = v
	}
	m.emit(eventType, name, payload)
	return nil
}

// Invoke runs one overlay call. Gate order is fixed: lifecycle, then
// authorization, then the circuit breaker, then execution under the fuel
// meter. Authorization failures consume no fuel; a breaker rejection never
// reaches the processing function.
func (m *Manager) Invoke(ctx context.Context, name string, inv *Invocation) (*Result, error) {
	m.mu.Lock()
	reg, ok := m.overlays[name]
	if !ok {
		m.mu.Unlock()
		return nil, newError(ErrCodeNotFound, name, "not registered", nil)
	}
	state := reg.state
	desc := reg.desc
	processor := reg.processor
	cb := reg.breaker
	m.mu.Unlock()

	if state != StateActive {
		return nil, newError(ErrCodeNotActive, name, fmt.Sprintf("state is %s", state), nil)
	}

	if inv.Actor.TrustScore < desc.MinTrustScore {
		return nil, newError(ErrCodeTrustTooLow, name,
			fmt.Sprintf("caller trust %.2f below required %.2f", inv.Actor.TrustScore, desc.MinTrustScore), nil)
	}
	if missing := inv.Actor.MissingCapabilities(desc.RequiredCapabilities); len(missing) > 0 {
		return nil, newError(ErrCodeCapability, name,
			fmt.Sprintf("caller lacks capabilities %v", missing), nil)
	}

	// Each invocation gets its own meter: the caller's budget clamped to
	// the overlay's ceiling. Callers account run-level fuel from the
	// returned usage, so the caller's meter is never charged directly.
	base := desc.Budget
	if inv.Meter != nil {
		base = budget.Min(inv.Meter.Budget(), desc.Budget)
	}
	meter := budget.NewMeter(base)
	call := *inv
	call.Meter = meter

	timeout := desc.Timeout
	if timeout <= 0 {
		timeout = m.cfg.DefaultTimeout
	}
	if tl := desc.Budget.TimeLimit(); tl > 0 && tl < timeout {
		timeout = tl
	}

	result := &Result{Overlay: name}
	started := m.now()
	err := cb.Call(ctx, func(ctx context.Context) error {
		return m.execute(ctx, processor, &call, timeout, result)
	})
	result.Duration = m.now().Sub(started)
	result.Fuel = meter.Usage()

	if err != nil {
		// A breaker rejection never reached the processor, so it does not
		// count as an invocation in the overlay's health stats.
		var open *resiliency.ErrCircuitOpen
		if errors.As(err, &open) {
			return nil, newError(ErrCodeCircuitOpen, name, open.Error(), err)
		}
		m.recordOutcome(name, err)
		result.Err = err
		return result, err
	}
	m.recordOutcome(name, nil)
	return result, nil
}

// execute runs the processor in its own goroutine so a stuck overlay cannot
// pin the invoker; on deadline the invocation is abandoned and counted as a
// timeout failure.
func (m *Manager) execute(ctx context.Context, p Processor, inv *Invocation, timeout time.Duration, result *Result) error {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		output map[string]interface{}
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		out, err := p.Process(callCtx, inv)
		done <- outcome{output: out, err: err}
	}()

	select {
	case o := <-done:
		if o.err != nil {
			if budget.IsBudgetError(o.err) {
				return newError(ErrCodeBudgetExceeded, result.Overlay, o.err.Error(), o.err)
			}
			return newError(ErrCodeExecution, result.Overlay, o.err.Error(), o.err)
		}
		// A processor that returned normally may still have tripped the
		// meter at its last checkpoint.
		if err := inv.Meter.Err(); err != nil {
			return newError(ErrCodeBudgetExceeded, result.Overlay, err.Error(), err)
		}
		result.Output = o.output
		return nil
	case <-callCtx.Done():
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return newError(ErrCodeTimeout, result.Overlay, fmt.Sprintf("invocation exceeded %v", timeout), callCtx.Err())
		}
		return newError(ErrCodeExecution, result.Overlay, "invocation cancelled", callCtx.Err())
	}
}

func (m *Manager) recordOutcome(name string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	reg, ok := m.overlays[name]
	if !ok {
		return
	}
	reg.stats.lastInvoked = m.now()
	reg.stats.invocations++
	if err != nil {
		reg.stats.failures++
		reg.stats.lastError = err.Error()
	}
}

// OverlaysForPhase returns the ACTIVE overlays participating in a phase,
// sorted by name for deterministic sequential execution.
func (m *Manager) OverlaysForPhase(phase string) []string {
	return m.activeMatching(func(d Descriptor) bool {
		for _, p := range d.Phases {
			if p == phase {
				return true
			}
		}
		return false
	})
}

// OverlaysForEventType returns the ACTIVE overlays subscribed to an event
// type, sorted by name.
func (m *Manager) OverlaysForEventType(t eventbus.EventType) []string {
	return m.activeMatching(func(d Descriptor) bool {
		for _, et := range d.EventTypes {
			if et == t {
				return true
			}
		}
		return false
	})
}

func (m *Manager) activeMatching(match func(Descriptor) bool) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var names []string
	for name, reg := range m.overlays {
		if reg.state == StateActive && match(reg.desc) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Health is the administrative view of one overlay.
type Health struct {
	Name        string              `json:"name"`
	Version     string              `json:"version"`
	State       State               `json:"state"`
	Breaker     resiliency.Snapshot `json:"breaker"`
	Invocations uint64              `json:"invocations"`
	Failures    uint64              `json:"failures"`
	LastError   string              `json:"last_error,omitempty"`
	LastInvoked time.Time           `json:"last_invoked,omitempty"`
}

// GetHealth reports one overlay's current health.
func (m *Manager) GetHealth(name string) (Health, error) {
	m.mu.Lock()
	reg, ok := m.overlays[name]
	if !ok {
		m.mu.Unlock()
		return Health{}, newError(ErrCodeNotFound, name, "not registered", nil)
	}
	h := Health{
		Name:        reg.desc.Name,
		Version:     reg.desc.Version,
		State:       reg.state,
		Invocations: reg.stats.invocations,
		Failures:    reg.stats.failures,
		LastError:   reg.stats.lastError,
		LastInvoked: reg.stats.lastInvoked,
	}
	cb := reg.breaker
	m.mu.Unlock()

	h.Breaker = cb.Snapshot()
	return h, nil
}

// ResetCircuitBreaker force-closes an overlay's breaker. Operational
// override; the next failure streak reopens it normally.
func (m *Manager) ResetCircuitBreaker(name string) error {
	m.mu.Lock()
	reg, ok := m.overlays[name]
	if !ok {
		m.mu.Unlock()
		return newError(ErrCodeNotFound, name, "not registered", nil)
	}
	cb := reg.breaker
	m.mu.Unlock()

	cb.ForceClose()
	m.logger.Info("circuit breaker reset", "overlay", name)
	return nil
}

// Names returns every registered overlay name, sorted.
func (m *Manager) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.overlays))
	for name := range m.overlays {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (m *Manager) breakerTransition(resource string, from, to resiliency.State, at time.Time) {
	m.logger.Warn("circuit breaker transition",
		"overlay", resource, "from", string(from), "to", string(to))
	m.emit(eventbus.EventBreakerTransition, resource, map[string]interface{}{
		"from": string(from),
		"to":   string(to),
		"at":   at.UTC().Format(time.RFC3339Nano),
	})
}

// emit publishes a lifecycle event best-effort. A full queue or closed bus
// must not fail the operation that caused the event.
func (m *Manager) emit(t eventbus.EventType, name string, payload map[string]interface{}) {
	if m.bus == nil {
		return
	}
	if payload == nil {
		payload = map[string]interface{}{}
	}
	payload["overlay"] = name
	e, err := eventbus.NewEvent(t, "overlay-manager", payload)
	if err == nil {
		err = m.bus.Publish(context.Background(), e)
	}
	if err != nil {
		m.logger.Warn("lifecycle event dropped", "type", string(t), "overlay", name, "error", err)
	}
}
