package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Noetic-Labs/meridian/core/pkg/budget"
	"github.com/Noetic-Labs/meridian/core/pkg/eventbus"
	"github.com/Noetic-Labs/meridian/core/pkg/identity"
	"github.com/Noetic-Labs/meridian/core/pkg/overlay"
)

func testActor() identity.Attributes {
	return identity.Attributes{
		ActorID:      "actor-1",
		TenantID:     "tenant-1",
		TrustScore:   0.9,
		Capabilities: []string{"knowledge:write"},
	}
}

func testInput() map[string]interface{} {
	return map[string]interface{}{"doc": "payload"}
}

// fastPhases builds a seven-phase profile with millisecond timeouts so
// failing tests never wait out production defaults.
func fastPhases() []PhaseSpec {
	phases := DefaultPhases()
	for i := range phases {
		phases[i].Timeout = 500 * time.Millisecond
		phases[i].Retries = 0
	}
	return phases
}

// phaseOverlay registers an overlay for one phase that records the call and
// returns the given output or error.
func phaseOverlay(t *testing.T, m *overlay.Manager, name, phase string, out map[string]interface{}, fail error, calls *atomic.Int32) {
	t.Helper()
	desc := overlay.Descriptor{Name: name, Version: "1.0.0", Phases: []string{phase}}
	require.NoError(t, m.Register(desc, overlay.ProcessorFunc(
		func(ctx context.Context, inv *overlay.Invocation) (map[string]interface{}, error) {
			if calls != nil {
				calls.Add(1)
			}
			if fail != nil {
				return nil, fail
			}
			return out, nil
		})))
	require.NoError(t, m.Activate(name))
}

func newOrchestrator(t *testing.T, cfg Config, m *overlay.Manager, opts ...Option) *Orchestrator {
	t.Helper()
	if len(cfg.Phases) == 0 {
		cfg.Phases = fastPhases()
	}
	o, err := New(cfg, m, opts...)
	require.NoError(t, err)
	return o
}

func TestRunSettlesWithNoOverlays(t *testing.T) {
	o := newOrchestrator(t, Config{}, overlay.NewManager(overlay.Config{}))

	rc, err := o.Run(context.Background(), testInput(), testActor())
	require.NoError(t, err)
	assert.Equal(t, StatusSettled, rc.Status())
	assert.False(t, rc.SettledAt.IsZero())

	for _, name := range []string{PhaseValidation, PhaseSettlement} {
		oc, ok := rc.Outcome(name)
		require.True(t, ok, name)
		assert.Equal(t, PhaseOK, oc.Status)
	}
}

func TestRunRejectsEmptyInput(t *testing.T) {
	o := newOrchestrator(t, Config{}, overlay.NewManager(overlay.Config{}))

	rc, err := o.Run(context.Background(), nil, testActor())
	assert.Nil(t, rc)
	assert.True(t, IsValidation(err))
}

func TestRunRejectsOversizedInput(t *testing.T) {
	o := newOrchestrator(t, Config{MaxInputBytes: 64}, overlay.NewManager(overlay.Config{}))

	big := map[string]interface{}{"blob": string(make([]byte, 256))}
	_, err := o.Run(context.Background(), big, testActor())
	assert.True(t, IsValidation(err))
	assert.Contains(t, err.Error(), "exceeds limit")
}

func TestRequiredPhaseFailureAbortsRun(t *testing.T) {
	m := overlay.NewManager(overlay.Config{})
	phaseOverlay(t, m, "checker", PhaseValidation, map[string]interface{}{"valid": true}, nil, nil)
	phaseOverlay(t, m, "authz", PhaseAuthorization, map[string]interface{}{"granted": true}, nil, nil)

	var laterCalls atomic.Int32
	phaseOverlay(t, m, "committer", PhaseExecution, nil, nil, &laterCalls)
	phaseOverlay(t, m, "notifier", PhasePropagation, nil, nil, &laterCalls)
	phaseOverlay(t, m, "settler", PhaseSettlement, nil, nil, &laterCalls)

	// Phase 3 required for this profile; its only overlay always fails.
	phases := fastPhases()
	phases[2].Required = true
	phaseOverlay(t, m, "analyzer", PhaseAnalysis, nil, errors.New("model unavailable"), nil)

	o := newOrchestrator(t, Config{Phases: phases}, m)
	rc, err := o.Run(context.Background(), testInput(), testActor())
	require.Error(t, err)
	require.NotNil(t, rc)
	assert.Equal(t, StatusFailed, rc.Status())
	assert.Contains(t, err.Error(), "model unavailable")

	// Phases 4-7 never executed.
	assert.Zero(t, laterCalls.Load())
	for _, name := range []string{PhaseConsensus, PhaseExecution, PhasePropagation, PhaseSettlement} {
		_, ok := rc.Outcome(name)
		assert.False(t, ok, "phase %s must not have an outcome", name)
	}

	// Phase 1-2 results are present.
	v, ok := rc.Result("validation.checker.valid")
	require.True(t, ok)
	assert.Equal(t, true, v)
	v, ok = rc.Result("authorization.authz.granted")
	require.True(t, ok)
	assert.Equal(t, true, v)
}

func TestNonRequiredFailureIsRecordedAndRunSettles(t *testing.T) {
	m := overlay.NewManager(overlay.Config{})
	phaseOverlay(t, m, "analyzer", PhaseAnalysis, nil, errors.New("advisory fault"), nil)
	phaseOverlay(t, m, "settler", PhaseSettlement, map[string]interface{}{"done": true}, nil, nil)

	o := newOrchestrator(t, Config{}, m)
	rc, err := o.Run(context.Background(), testInput(), testActor())
	require.NoError(t, err)
	assert.Equal(t, StatusSettled, rc.Status())

	oc, ok := rc.Outcome(PhaseAnalysis)
	require.True(t, ok)
	assert.Equal(t, PhaseFailed, oc.Status)
	assert.Contains(t, oc.Error, "advisory fault")

	_, ok = rc.Result("settlement.settler.done")
	assert.True(t, ok)
}

func TestDisabledPhaseIsSkipped(t *testing.T) {
	m := overlay.NewManager(overlay.Config{})
	var calls atomic.Int32
	phaseOverlay(t, m, "analyzer", PhaseAnalysis, nil, nil, &calls)

	phases := fastPhases()
	phases[2].Enabled = false
	o := newOrchestrator(t, Config{Phases: phases}, m)

	rc, err := o.Run(context.Background(), testInput(), testActor())
	require.NoError(t, err)
	assert.Zero(t, calls.Load())
	oc, ok := rc.Outcome(PhaseAnalysis)
	require.True(t, ok)
	assert.Equal(t, PhaseSkipped, oc.Status)
}

func TestOverlayRetriesWithinPhase(t *testing.T) {
	m := overlay.NewManager(overlay.Config{})
	var calls atomic.Int32
	desc := overlay.Descriptor{Name: "flaky", Version: "1.0.0", Phases: []string{PhaseExecution}}
	require.NoError(t, m.Register(desc, overlay.ProcessorFunc(
		func(ctx context.Context, inv *overlay.Invocation) (map[string]interface{}, error) {
			if calls.Add(1) < 3 {
				return nil, errors.New("transient")
			}
			return map[string]interface{}{"committed": true}, nil
		})))
	require.NoError(t, m.Activate("flaky"))

	phases := fastPhases()
	phases[4].Retries = 2
	phases[4].Timeout = 5 * time.Second
	o := newOrchestrator(t, Config{Phases: phases}, m)

	rc, err := o.Run(context.Background(), testInput(), testActor())
	require.NoError(t, err)
	assert.Equal(t, StatusSettled, rc.Status())
	assert.EqualValues(t, 3, calls.Load())
	_, ok := rc.Result("execution.flaky.committed")
	assert.True(t, ok)
}

func TestParallelPhaseRunsOverlaysConcurrently(t *testing.T) {
	m := overlay.NewManager(overlay.Config{})

	// Each overlay blocks until the other arrives; only concurrent
	// execution lets the phase finish before its timeout.
	barrier := make(chan struct{}, 2)
	var ready sync.WaitGroup
	ready.Add(2)
	rendezvous := func(ctx context.Context, inv *overlay.Invocation) (map[string]interface{}, error) {
		ready.Done()
		done := make(chan struct{})
		go func() { ready.Wait(); close(done) }()
		select {
		case <-done:
			barrier <- struct{}{}
			return map[string]interface{}{"ok": true}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	for _, name := range []string{"alpha", "beta"} {
		desc := overlay.Descriptor{Name: name, Version: "1.0.0", Phases: []string{PhasePropagation}}
		require.NoError(t, m.Register(desc, overlay.ProcessorFunc(rendezvous)))
		require.NoError(t, m.Activate(name))
	}

	o := newOrchestrator(t, Config{}, m)
	rc, err := o.Run(context.Background(), testInput(), testActor())
	require.NoError(t, err)
	assert.Equal(t, StatusSettled, rc.Status())
	assert.Len(t, barrier, 2)
}

func TestSequentialPhaseInvokesInNameOrder(t *testing.T) {
	m := overlay.NewManager(overlay.Config{})
	var mu sync.Mutex
	var order []string
	record := func(name string) overlay.Processor {
		return overlay.ProcessorFunc(func(ctx context.Context, inv *overlay.Invocation) (map[string]interface{}, error) {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil, nil
		})
	}
	for _, name := range []string{"zeta", "alpha", "mid"} {
		desc := overlay.Descriptor{Name: name, Version: "1.0.0", Phases: []string{PhaseConsensus}}
		require.NoError(t, m.Register(desc, record(name)))
		require.NoError(t, m.Activate(name))
	}

	o := newOrchestrator(t, Config{}, m)
	_, err := o.Run(context.Background(), testInput(), testActor())
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"alpha", "mid", "zeta"}, order)
}

func TestRequiredPhaseTimeoutMarksRunTimedOut(t *testing.T) {
	m := overlay.NewManager(overlay.Config{})
	desc := overlay.Descriptor{Name: "stuck", Version: "1.0.0", Phases: []string{PhaseExecution}, Timeout: 10 * time.Second}
	require.NoError(t, m.Register(desc, overlay.ProcessorFunc(
		func(ctx context.Context, inv *overlay.Invocation) (map[string]interface{}, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		})))
	require.NoError(t, m.Activate("stuck"))

	phases := fastPhases()
	phases[4].Timeout = 50 * time.Millisecond
	o := newOrchestrator(t, Config{Phases: phases}, m)

	rc, err := o.Run(context.Background(), testInput(), testActor())
	require.Error(t, err)
	assert.Equal(t, StatusTimedOut, rc.Status())
	assert.True(t, rc.Outcomes()[PhaseExecution].TimedOut)
}

func TestPhaseDeadlineClassifiesRunAsTimedOut(t *testing.T) {
	o := newOrchestrator(t, Config{Phases: fastPhases()}, overlay.NewManager(overlay.Config{}))

	// The phase deadline can expire even though every overlay returned
	// successfully; the terminal status must still read as a timeout.
	outcome := &PhaseOutcome{
		Phase:    PhaseExecution,
		Status:   PhaseFailed,
		TimedOut: true,
		Overlays: []*overlay.Result{{Overlay: "steady"}},
	}
	assert.True(t, o.phaseTimedOut(outcome))

	// A non-timeout overlay error keeps the plain failure classification
	// even when the deadline also expired.
	outcome.Overlays = append(outcome.Overlays, &overlay.Result{Overlay: "broken", Err: errors.New("bad state")})
	assert.False(t, o.phaseTimedOut(outcome))
}

func TestRunEmitsLifecycleEvents(t *testing.T) {
	bus := eventbus.New(eventbus.Config{})
	bus.Start()
	t.Cleanup(bus.Close)

	var mu sync.Mutex
	seen := map[eventbus.EventType]int{}
	_, err := bus.Subscribe(&eventbus.Subscription{
		Module: "watcher",
		Types: []eventbus.EventType{
			eventbus.EventRunStarted, eventbus.EventPhaseStarted,
			eventbus.EventPhaseCompleted, eventbus.EventRunSettled,
			eventbus.EventPersistRun,
		},
		Handler: func(ctx context.Context, e *eventbus.Event) error {
			mu.Lock()
			seen[e.Type]++
			mu.Unlock()
			return nil
		},
	})
	require.NoError(t, err)

	o := newOrchestrator(t, Config{}, overlay.NewManager(overlay.Config{}), WithPublisher(bus))
	_, err = o.Run(context.Background(), testInput(), testActor())
	require.NoError(t, err)

	want := map[eventbus.EventType]int{
		eventbus.EventRunStarted:     1,
		eventbus.EventPhaseStarted:   7,
		eventbus.EventPhaseCompleted: 7,
		eventbus.EventRunSettled:     1,
		eventbus.EventPersistRun:     1,
	}
	deadline := time.Now().Add(5 * time.Second)
	for {
		mu.Lock()
		complete := true
		for et, n := range want {
			if seen[et] != n {
				complete = false
			}
		}
		snapshot := fmt.Sprintf("%v", seen)
		mu.Unlock()
		if complete {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("lifecycle events incomplete: got %s want %v", snapshot, want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestPhaseCompletedEventCarriesOverlaySummaries(t *testing.T) {
	bus := eventbus.New(eventbus.Config{})
	bus.Start()
	t.Cleanup(bus.Close)

	var mu sync.Mutex
	var payload map[string]interface{}
	_, err := bus.Subscribe(&eventbus.Subscription{
		Module: "watcher",
		Types:  []eventbus.EventType{eventbus.EventPhaseCompleted},
		Handler: func(ctx context.Context, e *eventbus.Event) error {
			if e.Payload["phase"] == PhaseValidation {
				mu.Lock()
				payload = e.Payload
				mu.Unlock()
			}
			return nil
		},
	})
	require.NoError(t, err)

	m := overlay.NewManager(overlay.Config{})
	phaseOverlay(t, m, "schema-check", PhaseValidation, map[string]interface{}{"valid": true}, nil, nil)

	o := newOrchestrator(t, Config{}, m, WithPublisher(bus))
	_, err = o.Run(context.Background(), testInput(), testActor())
	require.NoError(t, err)

	deadline := time.Now().Add(5 * time.Second)
	for {
		mu.Lock()
		got := payload
		mu.Unlock()
		if got != nil {
			summaries, ok := got["overlays"].([]map[string]interface{})
			require.True(t, ok, "overlays missing from payload: %v", got)
			require.Len(t, summaries, 1)
			assert.Equal(t, "schema-check", summaries[0]["overlay"])
			assert.Equal(t, "ok", summaries[0]["outcome"])
			assert.IsType(t, int64(0), summaries[0]["duration_ms"])
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("phase completed event never arrived")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRunChargesFuelAgainstRunBudget(t *testing.T) {
	m := overlay.NewManager(overlay.Config{})
	desc := overlay.Descriptor{Name: "burner", Version: "1.0.0", Phases: []string{PhaseAnalysis}}
	require.NoError(t, m.Register(desc, overlay.ProcessorFunc(
		func(ctx context.Context, inv *overlay.Invocation) (map[string]interface{}, error) {
			return nil, inv.Meter.Charge(400)
		})))
	require.NoError(t, m.Activate("burner"))

	o := newOrchestrator(t, Config{RunBudget: budget.FuelBudget{FuelUnits: 10_000}}, m)
	rc, err := o.Run(context.Background(), testInput(), testActor())
	require.NoError(t, err)
	assert.EqualValues(t, 400, rc.Meter.Usage().FuelConsumed)
}

func TestValidatePhasesRejectsBadProfiles(t *testing.T) {
	assert.Error(t, ValidatePhases(nil))

	dup := []PhaseSpec{
		{Ordinal: 1, Name: "a", Timeout: time.Second},
		{Ordinal: 2, Name: "a", Timeout: time.Second},
	}
	assert.Error(t, ValidatePhases(dup))

	nonMonotonic := []PhaseSpec{
		{Ordinal: 2, Name: "a", Timeout: time.Second},
		{Ordinal: 1, Name: "b", Timeout: time.Second},
	}
	assert.Error(t, ValidatePhases(nonMonotonic))

	assert.NoError(t, ValidatePhases(DefaultPhases()))
}
