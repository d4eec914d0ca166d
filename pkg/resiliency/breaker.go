// Package resiliency provides the circuit breaker primitive used to isolate
// failing overlays and external collaborators. One breaker guards exactly one
// protected resource; instances are never shared.
package resiliency

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// State is the circuit breaker state.
type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

// ErrCircuitOpen is returned by Call without attempting the protected
// function while the breaker is OPEN (or half-open trial slots are taken).
type ErrCircuitOpen struct {
	Resource  string
	Until     time.Time
	LastError string
}

func (e *ErrCircuitOpen) Error() string {
	return fmt.Sprintf("circuit breaker open for %s until %s", e.Resource, e.Until.UTC().Format(time.RFC3339))
}

// Config holds breaker tuning. Zero values fall back to defaults.
type Config struct {
	// FailureThreshold is the consecutive-failure count that opens the breaker.
	FailureThreshold int
	// FailureRate opens the breaker when the sliding window exceeds this ratio.
	FailureRate float64
	// WindowSize is the number of recent call outcomes tracked for rate calculation.
	WindowSize int
	// RecoveryTimeout is how long the breaker stays OPEN before admitting trials.
	RecoveryTimeout time.Duration
	// TrialLimit caps concurrent-plus-completed trial calls while HALF_OPEN.
	TrialLimit int
	// SuccessThreshold is the consecutive trial successes needed to close.
	SuccessThreshold int
}

// DefaultConfig returns the kernel defaults: open after 5 consecutive
// failures or 50% failures over the last 10 calls, recover after 30s,
// admit 3 trials, close after 2 consecutive trial successes.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		FailureRate:      0.5,
		WindowSize:       10,
		RecoveryTimeout:  30 * time.Second,
		TrialLimit:       3,
		SuccessThreshold: 2,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.FailureRate <= 0 {
		c.FailureRate = d.FailureRate
	}
	if c.WindowSize <= 0 {
		c.WindowSize = d.WindowSize
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = d.RecoveryTimeout
	}
	if c.TrialLimit <= 0 {
		c.TrialLimit = d.TrialLimit
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = d.SuccessThreshold
	}
	return c
}

// TransitionFunc observes breaker state changes (metrics, health checks).
type TransitionFunc func(resource string, from, to State, at time.Time)

// CircuitBreaker implements the CLOSED/OPEN/HALF_OPEN state machine.
type CircuitBreaker struct {
	mu sync.Mutex

	resource string
	cfg      Config
	onChange TransitionFunc
	now      func() time.Time

	state        State
	consecutive  int  // consecutive failures while CLOSED
	trialAllowed int  // remaining trial admissions while HALF_OPEN
	trialSuccess int  // consecutive trial successes while HALF_OPEN
	forced       bool // administrative override active
	openedAt     time.Time
	lastError    string

	// Sliding window of the last WindowSize outcomes, true = failure.
	window  []bool
	windowN int
	windowI int
}

// New creates a breaker for a named resource.
func New(resource string, cfg Config) *CircuitBreaker {
	cfg = cfg.withDefaults()
	return &CircuitBreaker{
		resource: resource,
		cfg:      cfg,
		state:    StateClosed,
		window:   make([]bool, cfg.WindowSize),
		now:      time.Now,
	}
}

// OnStateChange registers a transition observer. The callback runs outside
// the breaker lock and must not call back into the breaker synchronously.
func (cb *CircuitBreaker) OnStateChange(fn TransitionFunc) {
	cb.mu.Lock()
	cb.onChange = fn
	cb.mu.Unlock()
}

// Call executes fn under the breaker. While OPEN it rejects immediately with
// *ErrCircuitOpen; while HALF_OPEN only a bounded number of trials pass.
func (cb *CircuitBreaker) Call(ctx context.Context, fn func(context.Context) error) error {
	if err := cb.allow(); err != nil {
		return err
	}

	err := fn(ctx)
	if err != nil {
		cb.RecordFailure(err)
		return err
	}
	cb.RecordSuccess()
	return nil
}

// allow admits or rejects a call, handling the OPEN→HALF_OPEN timer.
func (cb *CircuitBreaker) allow() error {
	cb.mu.Lock()
	now := cb.now()

	if cb.state == StateOpen {
		if !cb.forced && now.Sub(cb.openedAt) >= cb.cfg.RecoveryTimeout {
			cb.transitionLocked(StateHalfOpen, now)
			cb.trialAllowed = cb.cfg.TrialLimit
			cb.trialSuccess = 0
		} else {
			err := cb.rejectionLocked(now)
			cb.mu.Unlock()
			return err
		}
	}

	if cb.state == StateHalfOpen {
		if cb.trialAllowed <= 0 {
			err := cb.rejectionLocked(now)
			cb.mu.Unlock()
			return err
		}
		cb.trialAllowed--
	}

	cb.mu.Unlock()
	return nil
}

func (cb *CircuitBreaker) rejectionLocked(now time.Time) error {
	// A forced-open breaker has no recovery horizon, and a HALF_OPEN trial
	// overflow is rejected after the horizon already passed. Until is zero
	// in both cases rather than a time in the past.
	until := cb.openedAt.Add(cb.cfg.RecoveryTimeout)
	if cb.forced || !until.After(now) {
		until = time.Time{}
	}
	return &ErrCircuitOpen{Resource: cb.resource, Until: until, LastError: cb.lastError}
}

// RecordSuccess reports a successful protected call.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	now := cb.now()
	cb.record(false)
	switch cb.state {
	case StateClosed:
		cb.consecutive = 0
	case StateHalfOpen:
		cb.trialSuccess++
		if cb.trialSuccess >= cb.cfg.SuccessThreshold {
			cb.transitionLocked(StateClosed, now)
			cb.resetLocked()
		}
	}
	cb.mu.Unlock()
}

// RecordFailure reports a failed protected call. Any trial failure while
// HALF_OPEN re-opens the breaker immediately.
func (cb *CircuitBreaker) RecordFailure(cause error) {
	cb.mu.Lock()
	now := cb.now()
	if cause != nil {
		cb.lastError = cause.Error()
	}
	cb.record(true)
	switch cb.state {
	case StateClosed:
		cb.consecutive++
		// The rate condition only applies once the window has filled,
		// otherwise a single early failure reads as a 100% rate.
		rateTripped := cb.windowN >= cb.cfg.WindowSize && cb.windowRate() >= cb.cfg.FailureRate
		if cb.consecutive >= cb.cfg.FailureThreshold || rateTripped {
			cb.openLocked(now)
		}
	case StateHalfOpen:
		cb.openLocked(now)
	}
	cb.mu.Unlock()
}

// ForceOpen pins the breaker OPEN until ForceClose. The recovery timer does
// not apply to a forced breaker.
func (cb *CircuitBreaker) ForceOpen() {
	cb.mu.Lock()
	now := cb.now()
	cb.forced = true
	if cb.state != StateOpen {
		cb.transitionLocked(StateOpen, now)
		cb.openedAt = now
	}
	cb.mu.Unlock()
}

// ForceClose clears any forced state and closes the breaker, resetting the
// window and counters.
func (cb *CircuitBreaker) ForceClose() {
	cb.mu.Lock()
	now := cb.now()
	cb.forced = false
	if cb.state != StateClosed {
		cb.transitionLocked(StateClosed, now)
	}
	cb.resetLocked()
	cb.mu.Unlock()
}

// State returns the current state, applying the recovery timer so callers
// observing an expired OPEN see HALF_OPEN.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen && !cb.forced && cb.now().Sub(cb.openedAt) >= cb.cfg.RecoveryTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Snapshot captures breaker state for health reporting.
type Snapshot struct {
	Resource            string    `json:"resource"`
	State               State     `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	WindowFailureRate   float64   `json:"window_failure_rate"`
	OpenedAt            time.Time `json:"opened_at,omitempty"`
	Forced              bool      `json:"forced"`
	LastError           string    `json:"last_error,omitempty"`
}

// Snapshot returns a point-in-time view of the breaker.
func (cb *CircuitBreaker) Snapshot() Snapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return Snapshot{
		Resource:            cb.resource,
		State:               cb.state,
		ConsecutiveFailures: cb.consecutive,
		WindowFailureRate:   cb.windowRate(),
		OpenedAt:            cb.openedAt,
		Forced:              cb.forced,
		LastError:           cb.lastError,
	}
}

// OpenSince returns when the breaker last opened, or zero if it never has.
func (cb *CircuitBreaker) OpenSince() time.Time {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state != StateOpen {
		return time.Time{}
	}
	return cb.openedAt
}

func (cb *CircuitBreaker) openLocked(now time.Time) {
	cb.transitionLocked(StateOpen, now)
	cb.openedAt = now
	cb.consecutive = 0
	cb.trialSuccess = 0
}

func (cb *CircuitBreaker) resetLocked() {
	cb.consecutive = 0
	cb.trialSuccess = 0
	cb.trialAllowed = 0
	cb.windowN = 0
	cb.windowI = 0
	cb.lastError = ""
}

func (cb *CircuitBreaker) transitionLocked(to State, at time.Time) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	if cb.onChange != nil {
		fn := cb.onChange
		resource := cb.resource
		// Deliver outside the lock.
		go fn(resource, from, to, at)
	}
}

func (cb *CircuitBreaker) record(failure bool) {
	cb.window[cb.windowI] = failure
	cb.windowI = (cb.windowI + 1) % len(cb.window)
	if cb.windowN < len(cb.window) {
		cb.windowN++
	}
}

func (cb *CircuitBreaker) windowRate() float64 {
	if cb.windowN == 0 {
		return 0
	}
	failures := 0
	for i := 0; i < cb.windowN; i++ {
		if cb.window[i] {
			failures++
		}
	}
	return float64(failures) / float64(cb.windowN)
}
