package resiliency

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

// fakeClock lets tests advance breaker time without sleeping.
type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time            { return c.t }
func (c *fakeClock) advance(d time.Duration)   { c.t = c.t.Add(d) }
func newFakeClock() *fakeClock                 { return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)} }
func newTestBreaker(cfg Config) (*CircuitBreaker, *fakeClock) {
	cb := New("overlay:test", cfg)
	clk := newFakeClock()
	cb.now = clk.now
	return cb, clk
}

func failing(context.Context) error { return errBoom }
func succeeding(context.Context) error { return nil }

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	cb, _ := newTestBreaker(Config{})

	for i := 0; i < 4; i++ {
		err := cb.Call(context.Background(), failing)
		require.ErrorIs(t, err, errBoom, "call %d should reach the function", i)
		require.Equal(t, StateClosed, cb.State(), "breaker must stay closed before the threshold")
	}

	// Fifth consecutive failure trips it.
	require.ErrorIs(t, cb.Call(context.Background(), failing), errBoom)
	require.Equal(t, StateOpen, cb.State())

	// Sixth call is rejected without invoking the function.
	invoked := false
	err := cb.Call(context.Background(), func(context.Context) error {
		invoked = true
		return nil
	})
	var open *ErrCircuitOpen
	require.ErrorAs(t, err, &open)
	require.False(t, invoked)
	require.Equal(t, "overlay:test", open.Resource)
}

func TestBreakerSuccessResetsConsecutiveCount(t *testing.T) {
	cb, _ := newTestBreaker(Config{})

	for i := 0; i < 4; i++ {
		_ = cb.Call(context.Background(), failing)
	}
	require.NoError(t, cb.Call(context.Background(), succeeding))

	// Four more failures: still closed, the streak restarted.
	for i := 0; i < 4; i++ {
		_ = cb.Call(context.Background(), failing)
	}
	require.Equal(t, StateClosed, cb.State())
}

func TestBreakerOpensOnWindowFailureRate(t *testing.T) {
	cb, _ := newTestBreaker(Config{FailureThreshold: 100})

	// Alternate success/failure so no consecutive streak forms, but the
	// window fills to a 50% failure rate.
	for i := 0; i < 5; i++ {
		_ = cb.Call(context.Background(), succeeding)
		_ = cb.Call(context.Background(), failing)
	}
	require.Equal(t, StateOpen, cb.State())
}

func TestBreakerHalfOpenRecovery(t *testing.T) {
	cb, clk := newTestBreaker(Config{})

	for i := 0; i < 5; i++ {
		_ = cb.Call(context.Background(), failing)
	}
	require.Equal(t, StateOpen, cb.State())

	// Before the recovery timeout, calls stay rejected.
	clk.advance(29 * time.Second)
	var open *ErrCircuitOpen
	require.ErrorAs(t, cb.Call(context.Background(), succeeding), &open)

	// After the timeout two consecutive trial successes close it.
	clk.advance(2 * time.Second)
	require.NoError(t, cb.Call(context.Background(), succeeding))
	require.Equal(t, StateHalfOpen, cb.State())
	require.NoError(t, cb.Call(context.Background(), succeeding))
	require.Equal(t, StateClosed, cb.State())
}

func TestBreakerTrialFailureReopens(t *testing.T) {
	cb, clk := newTestBreaker(Config{})

	for i := 0; i < 5; i++ {
		_ = cb.Call(context.Background(), failing)
	}
	clk.advance(31 * time.Second)

	require.ErrorIs(t, cb.Call(context.Background(), failing), errBoom)
	require.Equal(t, StateOpen, cb.State())

	// The re-open restarts the recovery window.
	clk.advance(29 * time.Second)
	var open *ErrCircuitOpen
	require.ErrorAs(t, cb.Call(context.Background(), succeeding), &open)
}

func TestBreakerHalfOpenTrialLimit(t *testing.T) {
	cb, clk := newTestBreaker(Config{SuccessThreshold: 10})

	for i := 0; i < 5; i++ {
		_ = cb.Call(context.Background(), failing)
	}
	clk.advance(31 * time.Second)

	// Only TrialLimit calls are admitted while half-open.
	admitted := 0
	for i := 0; i < 5; i++ {
		if err := cb.allow(); err == nil {
			admitted++
		}
	}
	require.Equal(t, 3, admitted)
}

func TestBreakerForceOpenPinsState(t *testing.T) {
	cb, clk := newTestBreaker(Config{})

	cb.ForceOpen()
	require.Equal(t, StateOpen, cb.State())

	// Forced breakers ignore the recovery timer.
	clk.advance(5 * time.Minute)
	var open *ErrCircuitOpen
	require.ErrorAs(t, cb.Call(context.Background(), succeeding), &open)

	cb.ForceClose()
	require.Equal(t, StateClosed, cb.State())
	require.NoError(t, cb.Call(context.Background(), succeeding))
}

func TestBreakerSnapshot(t *testing.T) {
	cb, _ := newTestBreaker(Config{})

	_ = cb.Call(context.Background(), failing)
	_ = cb.Call(context.Background(), succeeding)
	_ = cb.Call(context.Background(), failing)

	snap := cb.Snapshot()
	require.Equal(t, "overlay:test", snap.Resource)
	require.Equal(t, StateClosed, snap.State)
	require.Equal(t, 1, snap.ConsecutiveFailures)
	require.InDelta(t, 2.0/3.0, snap.WindowFailureRate, 1e-9)
	require.Equal(t, errBoom.Error(), snap.LastError)
}

func TestBreakerRejectionHorizon(t *testing.T) {
	cb, clk := newTestBreaker(Config{SuccessThreshold: 10})

	for i := 0; i < 5; i++ {
		_ = cb.Call(context.Background(), failing)
	}
	openedAt := clk.t

	// While OPEN the rejection carries the recovery deadline.
	clk.advance(10 * time.Second)
	var open *ErrCircuitOpen
	require.ErrorAs(t, cb.Call(context.Background(), succeeding), &open)
	require.Equal(t, openedAt.Add(30*time.Second), open.Until)

	// A HALF_OPEN trial overflow is rejected after that deadline passed;
	// Until is zero rather than a time in the past.
	clk.advance(21 * time.Second)
	for i := 0; i < 3; i++ {
		require.NoError(t, cb.allow())
	}
	require.ErrorAs(t, cb.allow(), &open)
	require.True(t, open.Until.IsZero())

	// Forced open never recovers on its own, so there is no horizon.
	cb.ForceOpen()
	require.ErrorAs(t, cb.Call(context.Background(), succeeding), &open)
	require.True(t, open.Until.IsZero())
}
