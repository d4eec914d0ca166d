package pipeline

import (
	"sync"
	"time"

	"github.com/Noetic-Labs/meridian/core/pkg/budget"
	"github.com/Noetic-Labs/meridian/core/pkg/identity"
	"github.com/Noetic-Labs/meridian/core/pkg/overlay"
)

// RunStatus is a run's state-machine position. Terminal statuses are final;
// no run is reused.
type RunStatus string

const (
	StatusPending  RunStatus = "PENDING"
	StatusRunning  RunStatus = "RUNNING"
	StatusSettled  RunStatus = "SETTLED"
	StatusFailed   RunStatus = "FAILED"
	StatusTimedOut RunStatus = "TIMED_OUT"
)

// PhaseStatus classifies one phase's outcome within a run.
type PhaseStatus string

const (
	PhaseOK      PhaseStatus = "OK"
	PhaseFailed  PhaseStatus = "FAILED"
	PhaseSkipped PhaseStatus = "SKIPPED"
)

// PhaseOutcome records what one phase did.
type PhaseOutcome struct {
	Phase     string            `json:"phase"`
	Status    PhaseStatus       `json:"status"`
	Duration  time.Duration     `json:"duration"`
	StartedAt time.Time         `json:"started_at"`
	Error     string            `json:"error,omitempty"`
	// TimedOut marks that the phase deadline expired, whatever the
	// individual overlays reported.
	TimedOut bool              `json:"timed_out,omitempty"`
	Overlays []*overlay.Result `json:"overlays,omitempty"`
}

// RunContext is the run-scoped state: created once per submitted unit of
// work, owned by the orchestrator until settlement. Results and outcomes are
// written under the mutex because parallel phases merge concurrently.
type RunContext struct {
	RunID         string              `json:"run_id"`
	CorrelationID string              `json:"correlation_id"`
	Actor         identity.Attributes `json:"actor"`
	Input         map[string]interface{} `json:"input"`
	Meter         *budget.Meter       `json:"-"`
	StartedAt     time.Time           `json:"started_at"`
	SettledAt     time.Time           `json:"settled_at,omitempty"`

	mu       sync.Mutex
	status   RunStatus
	phase    string
	results  map[string]interface{}
	outcomes map[string]*PhaseOutcome
}

// Status returns the run's current state-machine position.
func (rc *RunContext) Status() RunStatus {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.status
}

// CurrentPhase returns the phase in flight while RUNNING, else "".
func (rc *RunContext) CurrentPhase() string {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.phase
}

// Result returns one accumulated result value.
func (rc *RunContext) Result(key string) (interface{}, bool) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	v, ok := rc.results[key]
	return v, ok
}

// Results returns a copy of the accumulated result map.
func (rc *RunContext) Results() map[string]interface{} {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	out := make(map[string]interface{}, len(rc.results))
	for k, v := range rc.results {
		out[k] = v
	}
	return out
}

// Outcome returns one phase's recorded outcome.
func (rc *RunContext) Outcome(phase string) (*PhaseOutcome, bool) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	o, ok := rc.outcomes[phase]
	return o, ok
}

// Outcomes returns every recorded phase outcome keyed by phase name.
func (rc *RunContext) Outcomes() map[string]*PhaseOutcome {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	out := make(map[string]*PhaseOutcome, len(rc.outcomes))
	for k, v := range rc.outcomes {
		out[k] = v
	}
	return out
}

func (rc *RunContext) setStatus(s RunStatus, phase string) {
	rc.mu.Lock()
	rc.status = s
	rc.phase = phase
	rc.mu.Unlock()
}

func (rc *RunContext) mergeResults(prefix string, values map[string]interface{}) {
	if len(values) == 0 {
		return
	}
	rc.mu.Lock()
	for k, v := range values {
		rc.results[prefix+"."+k] = v
	}
	rc.mu.Unlock()
}

func (rc *RunContext) recordOutcome(o *PhaseOutcome) {
	rc.mu.Lock()
	rc.outcomes[o.Phase] = o
	rc.mu.Unlock()
}
