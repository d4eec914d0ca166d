package overlay

import (
	"context"
	"time"

	"github.com/Noetic-Labs/meridian/core/pkg/eventbus"
	"github.com/Noetic-Labs/meridian/core/pkg/resiliency"
)

// HealthConfig tunes the background degradation checker.
type HealthConfig struct {
	// Interval between sweeps (default 10s).
	Interval time.Duration
	// OpenGrace is how long a breaker may stay OPEN before the overlay is
	// degraded (default 60s).
	OpenGrace time.Duration
	// DegradeRate is the window failure-rate ceiling (default 0.5).
	DegradeRate float64
	// MinSamples is the invocation count below which the rate condition is
	// not evaluated (default 10).
	MinSamples uint64
}

func (c HealthConfig) withDefaults() HealthConfig {
	if c.Interval <= 0 {
		c.Interval = 10 * time.Second
	}
	if c.OpenGrace <= 0 {
		c.OpenGrace = 60 * time.Second
	}
	if c.DegradeRate <= 0 {
		c.DegradeRate = 0.5
	}
	if c.MinSamples == 0 {
		c.MinSamples = 10
	}
	return c
}

// StartHealthChecks runs periodic degradation sweeps until ctx is cancelled.
func (m *Manager) StartHealthChecks(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(m.cfg.Health.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.CheckHealth()
			}
		}
	}()
}

// CheckHealth performs one degradation sweep. An ACTIVE overlay whose
// breaker has been open past the grace period, or whose recent failure rate
// exceeds the ceiling, moves to DEGRADED and out of phase resolution. A
// DEGRADED overlay whose breaker closed and whose rate dropped back under
// the ceiling moves back to ACTIVE.
func (m *Manager) CheckHealth() {
	type candidate struct {
		name        string
		state       State
		breaker     *resiliency.CircuitBreaker
		invocations uint64
	}

	m.mu.Lock()
	candidates := make([]candidate, 0, len(m.overlays))
	for name, reg := range m.overlays {
		if reg.state == StateActive || reg.state == StateDegraded {
			candidates = append(candidates, candidate{
				name:        name,
				state:       reg.state,
				breaker:     reg.breaker,
				invocations: reg.stats.invocations,
			})
		}
	}
	m.mu.Unlock()

	now := m.now()
	for _, c := range candidates {
		snap := c.breaker.Snapshot()
		openTooLong := !c.breaker.OpenSince().IsZero() && now.Sub(c.breaker.OpenSince()) >= m.cfg.Health.OpenGrace
		rateExceeded := c.invocations >= m.cfg.Health.MinSamples && snap.WindowFailureRate >= m.cfg.Health.DegradeRate

		switch c.state {
		case StateActive:
			if openTooLong || rateExceeded {
				reason := "failure_rate"
				if openTooLong {
					reason = "breaker_open"
				}
				if err := m.transition(c.name, StateDegraded, eventbus.EventOverlayDegraded,
					map[string]interface{}{"reason": reason}); err != nil {
					m.logger.Warn("degrade failed", "overlay", c.name, "error", err)
				}
			}
		case StateDegraded:
			if c.breaker.State() == resiliency.StateClosed && snap.WindowFailureRate < m.cfg.Health.DegradeRate {
				if err := m.transition(c.name, StateActive, eventbus.EventOverlayRecovered, nil); err != nil {
					m.logger.Warn("recovery failed", "overlay", c.name, "error", err)
				}
			}
		}
	}
}
