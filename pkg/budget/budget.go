// Package budget provides the fuel budget charged against a single overlay
// invocation, and a meter that enforces it at cooperative checkpoints.
package budget

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// Deterministic error codes for fuel violations.
const (
	ErrFuelExhausted   = "ERR_FUEL_EXHAUSTED"
	ErrTimeExhausted   = "ERR_FUEL_TIME_EXHAUSTED"
	ErrMemoryExhausted = "ERR_FUEL_MEMORY_EXHAUSTED"
)

// FuelBudget defines resource limits for a single overlay invocation.
type FuelBudget struct {
	FuelUnits        uint64 `json:"fuel_units" yaml:"fuel_units"`
	TimeLimitMs      int64  `json:"time_limit_ms" yaml:"time_limit_ms"`
	MemoryLimitBytes int64  `json:"memory_limit_bytes" yaml:"memory_limit_bytes"`
}

// DefaultBudget returns a conservative per-invocation default.
func DefaultBudget() FuelBudget {
	return FuelBudget{
		FuelUnits:        1_000_000,
		TimeLimitMs:      5000,
		MemoryLimitBytes: 64 * 1024 * 1024, // 64MB
	}
}

// TimeLimit returns the time limit as a Duration.
func (b FuelBudget) TimeLimit() time.Duration {
	return time.Duration(b.TimeLimitMs) * time.Millisecond
}

// IsZero reports whether no limits are set.
func (b FuelBudget) IsZero() bool {
	return b.FuelUnits == 0 && b.TimeLimitMs == 0 && b.MemoryLimitBytes == 0
}

// Min returns the element-wise tighter of two budgets, treating zero as
// unlimited. Used to clamp a caller's budget to an overlay's ceiling.
func Min(a, b FuelBudget) FuelBudget {
	pick := func(x, y uint64) uint64 {
		switch {
		case x == 0:
			return y
		case y == 0:
			return x
		case x < y:
			return x
		default:
			return y
		}
	}
	pickI := func(x, y int64) int64 {
		switch {
		case x == 0:
			return y
		case y == 0:
			return x
		case x < y:
			return x
		default:
			return y
		}
	}
	return FuelBudget{
		FuelUnits:        pick(a.FuelUnits, b.FuelUnits),
		TimeLimitMs:      pickI(a.TimeLimitMs, b.TimeLimitMs),
		MemoryLimitBytes: pickI(a.MemoryLimitBytes, b.MemoryLimitBytes),
	}
}

// Error is a typed fuel violation.
type Error struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Limit    int64  `json:"limit"`
	Consumed int64  `json:"consumed"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s (limit=%d, consumed=%d)", e.Code, e.Message, e.Limit, e.Consumed)
}

// Meter tracks consumption against a FuelBudget. Enforcement is cooperative:
// overlays call Charge / CheckTime at their own checkpoints, and the first
// violation sticks so later checks keep failing the invocation.
type Meter struct {
	mu       sync.Mutex
	budget   FuelBudget
	started  time.Time
	consumed uint64
	memPeak  int64
	tripped  *Error
	now      func() time.Time
}

// NewMeter starts a meter for one invocation.
func NewMeter(b FuelBudget) *Meter {
	m := &Meter{budget: b, now: time.Now}
	m.started = m.now()
	return m
}

// Charge consumes fuel units, returning a fuel error once the budget is
// exceeded. A zero FuelUnits budget is unlimited.
func (m *Meter) Charge(units uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tripped != nil {
		return m.tripped
	}
	m.consumed += units
	if m.budget.FuelUnits > 0 && m.consumed > m.budget.FuelUnits {
		m.tripped = &Error{
			Code:     ErrFuelExhausted,
			Message:  "fuel unit limit exceeded",
			Limit:    int64(m.budget.FuelUnits),
			Consumed: int64(m.consumed),
		}
		return m.tripped
	}
	return m.checkTimeLocked()
}

// Budget returns the limits this meter enforces.
func (m *Meter) Budget() FuelBudget {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.budget
}

// CheckTime verifies the wall-clock limit at a checkpoint.
func (m *Meter) CheckTime() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tripped != nil {
		return m.tripped
	}
	return m.checkTimeLocked()
}

func (m *Meter) checkTimeLocked() error {
	if m.budget.TimeLimitMs <= 0 {
		return nil
	}
	elapsed := m.now().Sub(m.started)
	if elapsed.Milliseconds() > m.budget.TimeLimitMs {
		m.tripped = &Error{
			Code:     ErrTimeExhausted,
			Message:  "time limit exceeded",
			Limit:    m.budget.TimeLimitMs,
			Consumed: elapsed.Milliseconds(),
		}
		return m.tripped
	}
	return nil
}

// RecordMemory notes an observed working-set size and enforces the limit.
func (m *Meter) RecordMemory(usedBytes int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tripped != nil {
		return m.tripped
	}
	if usedBytes > m.memPeak {
		m.memPeak = usedBytes
	}
	if m.budget.MemoryLimitBytes > 0 && usedBytes > m.budget.MemoryLimitBytes {
		m.tripped = &Error{
			Code:     ErrMemoryExhausted,
			Message:  "memory limit exceeded",
			Limit:    m.budget.MemoryLimitBytes,
			Consumed: usedBytes,
		}
		return m.tripped
	}
	return nil
}

// Usage reports consumption so far.
type Usage struct {
	FuelConsumed uint64        `json:"fuel_consumed"`
	Elapsed      time.Duration `json:"elapsed"`
	MemoryPeak   int64         `json:"memory_peak"`
	Exhausted    bool          `json:"exhausted"`
}

// Usage returns a snapshot of meter consumption.
func (m *Meter) Usage() Usage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Usage{
		FuelConsumed: m.consumed,
		Elapsed:      m.now().Sub(m.started),
		MemoryPeak:   m.memPeak,
		Exhausted:    m.tripped != nil,
	}
}

// Err returns the violation that tripped the meter, if any.
func (m *Meter) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tripped == nil {
		return nil
	}
	return m.tripped
}

// IsBudgetError reports whether err is (or wraps) a fuel violation.
func IsBudgetError(err error) bool {
	var be *Error
	return errors.As(err, &be)
}
