// Package overlay manages pluggable processing modules: registration,
// lifecycle state, authorization gates, and fault isolation. Every
// invocation runs behind a per-overlay circuit breaker and a fuel meter.
package overlay

import (
	"fmt"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/Noetic-Labs/meridian/core/pkg/budget"
	"github.com/Noetic-Labs/meridian/core/pkg/eventbus"
)

// State is an overlay's lifecycle position.
type State string

const (
	// StateRegistered means the overlay is known but not yet serving.
	StateRegistered State = "REGISTERED"
	// StateActive means the overlay is eligible for phase resolution.
	StateActive State = "ACTIVE"
	// StateDegraded means health checks pulled the overlay out of rotation.
	StateDegraded State = "DEGRADED"
	// StateDisabled means an operator switched the overlay off.
	StateDisabled State = "DISABLED"
	// StateRetired is terminal.
	StateRetired State = "RETIRED"
)

// transitions enumerates the legal lifecycle edges. RETIRED has none.
var transitions = map[State][]State{
	StateRegistered: {StateActive, StateRetired},
	StateActive:     {StateDegraded, StateDisabled, StateRetired},
	StateDegraded:   {StateActive, StateDisabled, StateRetired},
	StateDisabled:   {StateActive, StateRetired},
	StateRetired:    {},
}

// CanTransition reports whether from→to is a legal lifecycle edge.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Descriptor declares an overlay at registration time. Fields are fixed for
// the overlay's lifetime; only the manager mutates lifecycle state, and it
// tracks that separately.
type Descriptor struct {
	// Name is unique across the registry.
	Name string `json:"name" yaml:"name"`
	// Version is a semantic version string.
	Version string `json:"version" yaml:"version"`
	// Phases the overlay participates in (by phase name).
	Phases []string `json:"phases,omitempty" yaml:"phases,omitempty"`
	// EventTypes the overlay subscribes to.
	EventTypes []eventbus.EventType `json:"event_types,omitempty" yaml:"event_types,omitempty"`
	// RequiredCapabilities the calling actor must hold, all of them.
	RequiredCapabilities []string `json:"required_capabilities,omitempty" yaml:"required_capabilities,omitempty"`
	// MinTrustScore is the caller trust floor, 0..1.
	MinTrustScore float64 `json:"min_trust_score" yaml:"min_trust_score"`
	// Budget is the per-invocation fuel ceiling. Zero fields inherit the
	// caller's budget unclamped.
	Budget budget.FuelBudget `json:"budget" yaml:"budget"`
	// Timeout bounds one invocation. Zero falls back to the manager default.
	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// Validate checks the descriptor is registrable.
func (d *Descriptor) Validate() error {
	if d.Name == "" {
		return newError(ErrCodeBadDescriptor, "", "overlay name is required", nil)
	}
	if _, err := semver.NewVersion(d.Version); err != nil {
		return newError(ErrCodeBadDescriptor, d.Name, fmt.Sprintf("version %q is not semver", d.Version), err)
	}
	if d.MinTrustScore < 0 || d.MinTrustScore > 1 {
		return newError(ErrCodeBadDescriptor, d.Name, fmt.Sprintf("min_trust_score %v outside [0,1]", d.MinTrustScore), nil)
	}
	for _, t := range d.EventTypes {
		if !eventbus.IsDeclared(t) {
			return newError(ErrCodeBadDescriptor, d.Name, fmt.Sprintf("undeclared event type %q", t), nil)
		}
	}
	return nil
}

// SemVer returns the parsed version. Validate must have passed.
func (d *Descriptor) SemVer() *semver.Version {
	v, _ := semver.NewVersion(d.Version)
	return v
}
