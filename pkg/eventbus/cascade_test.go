package eventbus

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// subscribeModule registers a cascade participant that accepts every hop and
// optionally re-propagates the insight.
func subscribeModule(t *testing.T, bus *Bus, name string, repropagate bool, hops *atomic.Int32) {
	t.Helper()
	_, err := bus.Subscribe(&Subscription{
		Module: name,
		Types:  []EventType{EventCascadeInsight},
		Handler: func(ctx context.Context, e *Event) error {
			if hops != nil {
				hops.Add(1)
			}
			if repropagate {
				chainID, _ := e.Payload["chain_id"].(string)
				// Termination signals are expected ends, not failures.
				_ = bus.ContinueCascade(ctx, chainID, name, EventCascadeInsight, map[string]interface{}{"derived_by": name})
			}
			return nil
		},
	})
	require.NoError(t, err)
}

func TestCascadeVisitsEachModuleOnce(t *testing.T) {
	bus := newTestBus(t, Config{MaxHops: 20})

	var hops atomic.Int32
	for _, name := range []string{"mod-b", "mod-c", "mod-d"} {
		subscribeModule(t, bus, name, true, &hops)
	}

	chainID, err := bus.PublishCascade(context.Background(), "mod-a", EventCascadeInsight, map[string]interface{}{"seed": true})
	require.NoError(t, err)

	waitFor(t, func() bool {
		snap, ok := bus.Chain(chainID)
		return ok && snap.Completed
	}, "chain never completed")

	snap, ok := bus.Chain(chainID)
	require.True(t, ok)
	assert.Equal(t, 3, snap.HopCount)
	assert.ElementsMatch(t, []string{"mod-a", "mod-b", "mod-c", "mod-d"}, snap.Visited)
	assert.Equal(t, "no_eligible_modules", snap.Reason)

	// len(visited) == len(set(visited)) by construction; verify delivery count.
	assert.Equal(t, int32(3), hops.Load(), "a module received the same chain twice")
}

func TestCascadeHopLimit(t *testing.T) {
	// Six modules accept and re-propagate, but max_hops=5 cuts the chain
	// after exactly five hops; the sixth module is never visited.
	bus := newTestBus(t, Config{MaxHops: 5})

	var hops atomic.Int32
	modules := []string{"mod-b", "mod-c", "mod-d", "mod-e", "mod-f", "mod-g"}
	for _, name := range modules {
		subscribeModule(t, bus, name, true, &hops)
	}

	chainID, err := bus.PublishCascade(context.Background(), "mod-a", EventCascadeInsight, map[string]interface{}{"seed": true})
	require.NoError(t, err)

	waitFor(t, func() bool {
		snap, ok := bus.Chain(chainID)
		return ok && snap.Completed
	}, "chain never completed")

	snap, _ := bus.Chain(chainID)
	assert.Equal(t, 5, snap.HopCount, "chain must stop at the hop limit")
	assert.Equal(t, "hop_limit", snap.Reason)
	assert.LessOrEqual(t, snap.HopCount, snap.MaxHops)

	// Initiator counted once; one module left unvisited.
	count := 0
	for _, m := range snap.Visited {
		if m == "mod-a" {
			count++
		}
	}
	assert.Equal(t, 1, count)
	assert.Len(t, snap.Visited, 6) // mod-a + 5 of the 6 subscribers
}

func TestCascadeWithNoSubscribersCompletesImmediately(t *testing.T) {
	bus := newTestBus(t, Config{})

	chainID, err := bus.PublishCascade(context.Background(), "lonely", EventCascadeInsight, nil)
	assert.ErrorIs(t, err, ErrCascadeExhausted)

	snap, ok := bus.Chain(chainID)
	require.True(t, ok)
	assert.True(t, snap.Completed)
	assert.Equal(t, 0, snap.HopCount)
}

func TestCascadeCompletionEventEmitted(t *testing.T) {
	bus := newTestBus(t, Config{MaxHops: 5})

	subscribeModule(t, bus, "mod-b", false, nil)

	done := make(chan *Event, 1)
	_, err := bus.Subscribe(&Subscription{
		Module: "audit",
		Types:  []EventType{EventCascadeCompleted},
		Handler: func(ctx context.Context, e *Event) error {
			select {
			case done <- e:
			default:
			}
			return nil
		},
	})
	require.NoError(t, err)

	chainID, err := bus.PublishCascade(context.Background(), "mod-a", EventCascadeInsight, nil)
	require.NoError(t, err)

	// mod-b does not re-propagate; a follow-up continue exhausts the chain.
	waitFor(t, func() bool {
		snap, _ := bus.Chain(chainID)
		return snap.HopCount == 1
	}, "first hop not recorded")
	assert.ErrorIs(t, bus.ContinueCascade(context.Background(), chainID, "mod-b", EventCascadeInsight, nil), ErrCascadeExhausted)

	select {
	case e := <-done:
		assert.Equal(t, chainID, e.Payload["chain_id"])
		assert.EqualValues(t, 1, e.Payload["total_hops"])
		assert.Equal(t, "no_eligible_modules", e.Payload["reason"])
	case <-time.After(5 * time.Second):
		t.Fatal("completion event never delivered")
	}
}

func TestContinueUnknownChain(t *testing.T) {
	bus := newTestBus(t, Config{})
	err := bus.ContinueCascade(context.Background(), "no-such-chain", "m", EventCascadeInsight, nil)
	assert.ErrorIs(t, err, ErrChainNotFound)
}

func TestContinueCompletedChain(t *testing.T) {
	bus := newTestBus(t, Config{})

	chainID, err := bus.PublishCascade(context.Background(), "solo", EventCascadeInsight, nil)
	assert.ErrorIs(t, err, ErrCascadeExhausted)

	err = bus.ContinueCascade(context.Background(), chainID, "solo", EventCascadeInsight, nil)
	assert.ErrorIs(t, err, ErrChainCompleted)
}

func TestCompletedChainRegistryIsBounded(t *testing.T) {
	bus := newTestBus(t, Config{CompletedChainCapacity: 3})

	var ids []string
	for i := 0; i < 5; i++ {
		id, err := bus.PublishCascade(context.Background(), "solo", EventCascadeInsight, nil)
		assert.ErrorIs(t, err, ErrCascadeExhausted)
		ids = append(ids, id)
	}

	// Oldest two evicted, newest three retained.
	for _, id := range ids[:2] {
		_, ok := bus.Chain(id)
		assert.False(t, ok, "evicted chain still retained")
	}
	for _, id := range ids[2:] {
		_, ok := bus.Chain(id)
		assert.True(t, ok, "recent chain evicted too early")
	}
}
