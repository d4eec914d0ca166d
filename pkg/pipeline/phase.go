// Package pipeline drives a fixed sequence of phases over a submitted unit
// of work, invoking the overlays registered to each phase and emitting
// lifecycle events at phase boundaries.
package pipeline

import (
	"fmt"
	"sort"
	"time"
)

// The seven kernel phases, in ordinal order.
const (
	PhaseValidation    = "validation"
	PhaseAuthorization = "authorization"
	PhaseAnalysis      = "analysis"
	PhaseConsensus     = "consensus"
	PhaseExecution     = "execution"
	PhasePropagation   = "propagation"
	PhaseSettlement    = "settlement"
)

// PhaseSpec is a phase's static configuration. Ordinals are unique and
// strictly increasing; execution always proceeds in ordinal order, skipping
// only via the Enabled flag.
type PhaseSpec struct {
	Ordinal  int           `json:"ordinal" yaml:"ordinal"`
	Name     string        `json:"name" yaml:"name"`
	Enabled  bool          `json:"enabled" yaml:"enabled"`
	Timeout  time.Duration `json:"timeout" yaml:"timeout"`
	Required bool          `json:"required" yaml:"required"`
	Parallel bool          `json:"parallel" yaml:"parallel"`
	Retries  int           `json:"retries" yaml:"retries"`
}

// DefaultPhases returns the reference seven-phase profile. Validation,
// authorization, execution and settlement abort the run on failure; the
// advisory phases record and continue.
func DefaultPhases() []PhaseSpec {
	return []PhaseSpec{
		{Ordinal: 1, Name: PhaseValidation, Enabled: true, Timeout: 10 * time.Second, Required: true},
		{Ordinal: 2, Name: PhaseAuthorization, Enabled: true, Timeout: 10 * time.Second, Required: true},
		{Ordinal: 3, Name: PhaseAnalysis, Enabled: true, Timeout: 30 * time.Second, Parallel: true, Retries: 1},
		{Ordinal: 4, Name: PhaseConsensus, Enabled: true, Timeout: 30 * time.Second},
		{Ordinal: 5, Name: PhaseExecution, Enabled: true, Timeout: 60 * time.Second, Required: true, Retries: 2},
		{Ordinal: 6, Name: PhasePropagation, Enabled: true, Timeout: 30 * time.Second, Parallel: true},
		{Ordinal: 7, Name: PhaseSettlement, Enabled: true, Timeout: 10 * time.Second, Required: true},
	}
}

// ValidatePhases checks a phase profile: at least one phase, unique names,
// unique strictly increasing ordinals.
func ValidatePhases(phases []PhaseSpec) error {
	if len(phases) == 0 {
		return fmt.Errorf("pipeline: phase profile is empty")
	}
	names := make(map[string]bool, len(phases))
	prev := 0
	for i, p := range phases {
		if p.Name == "" {
			return fmt.Errorf("pipeline: phase %d has no name", i)
		}
		if names[p.Name] {
			return fmt.Errorf("pipeline: duplicate phase name %q", p.Name)
		}
		names[p.Name] = true
		if p.Ordinal <= prev {
			return fmt.Errorf("pipeline: phase %q ordinal %d is not strictly increasing", p.Name, p.Ordinal)
		}
		prev = p.Ordinal
		if p.Timeout <= 0 {
			return fmt.Errorf("pipeline: phase %q has no timeout", p.Name)
		}
		if p.Retries < 0 {
			return fmt.Errorf("pipeline: phase %q has negative retries", p.Name)
		}
	}
	return nil
}

// sortPhases returns a copy ordered by ordinal. Profiles loaded from
// configuration may arrive in file order.
func sortPhases(phases []PhaseSpec) []PhaseSpec {
	out := make([]PhaseSpec, len(phases))
	copy(out, phases)
	sort.Slice(out, func(i, j int) bool { return out[i].Ordinal < out[j].Ordinal })
	return out
}
