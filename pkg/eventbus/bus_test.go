package eventbus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Noetic-Labs/meridian/core/pkg/retry"
)

// fastPolicy keeps retry delays out of test wall time.
func fastPolicy(attempts int) retry.BackoffPolicy {
	return retry.BackoffPolicy{PolicyID: "test", BaseMs: 1, MaxMs: 5, MaxAttempts: attempts}
}

func newTestBus(t *testing.T, cfg Config) *Bus {
	t.Helper()
	if cfg.DeliveryPolicy.MaxAttempts == 0 {
		cfg.DeliveryPolicy = fastPolicy(3)
	}
	if cfg.HandlerTimeout == 0 {
		cfg.HandlerTimeout = 2 * time.Second
	}
	b := New(cfg)
	b.Start()
	t.Cleanup(b.Close)
	return b
}

func mustEvent(t *testing.T, eventType EventType, source string, payload map[string]interface{}, opts ...EventOption) *Event {
	t.Helper()
	e, err := NewEvent(eventType, source, payload, opts...)
	require.NoError(t, err)
	return e
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestPublishDeliversToMatchingSubscribers(t *testing.T) {
	bus := newTestBus(t, Config{})

	var got atomic.Int32
	_, err := bus.Subscribe(&Subscription{
		Module: "analyzer",
		Types:  []EventType{EventRunSettled},
		Handler: func(ctx context.Context, e *Event) error {
			got.Add(1)
			return nil
		},
	})
	require.NoError(t, err)

	_, err = bus.Subscribe(&Subscription{
		Module: "other",
		Types:  []EventType{EventRunFailed},
		Handler: func(ctx context.Context, e *Event) error {
			t.Error("run.failed subscriber must not see run.settled")
			return nil
		},
	})
	require.NoError(t, err)

	require.NoError(t, bus.Publish(context.Background(), mustEvent(t, EventRunSettled, "pipeline", map[string]interface{}{"run_id": "r1"})))
	waitFor(t, func() bool { return got.Load() == 1 }, "subscriber never saw the event")
}

func TestPublishRespectsMinPriority(t *testing.T) {
	bus := newTestBus(t, Config{})

	var critical atomic.Int32
	_, err := bus.Subscribe(&Subscription{
		Module:      "pager",
		MinPriority: PriorityCritical,
		Handler: func(ctx context.Context, e *Event) error {
			critical.Add(1)
			return nil
		},
	})
	require.NoError(t, err)

	require.NoError(t, bus.Publish(context.Background(), mustEvent(t, EventRunFailed, "pipeline", nil)))
	require.NoError(t, bus.Publish(context.Background(), mustEvent(t, EventRunFailed, "pipeline", nil, WithPriority(PriorityCritical))))

	waitFor(t, func() bool { return critical.Load() == 1 }, "critical event not delivered")
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), critical.Load(), "normal-priority event leaked past MinPriority")
}

func TestTargetedDelivery(t *testing.T) {
	bus := newTestBus(t, Config{})

	var aCount, bCount atomic.Int32
	for name, counter := range map[string]*atomic.Int32{"mod-a": &aCount, "mod-b": &bCount} {
		c := counter
		_, err := bus.Subscribe(&Subscription{
			Module: name,
			Types:  []EventType{EventCascadeInsight},
			Handler: func(ctx context.Context, e *Event) error {
				c.Add(1)
				return nil
			},
		})
		require.NoError(t, err)
	}

	evt := mustEvent(t, EventCascadeInsight, "mod-x", map[string]interface{}{"k": "v"}, WithTargets("mod-a"))
	require.NoError(t, bus.Publish(context.Background(), evt))

	waitFor(t, func() bool { return aCount.Load() == 1 }, "targeted module not delivered")
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(0), bCount.Load(), "non-targeted module received event")
}

func TestDeliveryRetriesThenSucceeds(t *testing.T) {
	bus := newTestBus(t, Config{DeliveryPolicy: fastPolicy(3)})

	var attempts atomic.Int32
	_, err := bus.Subscribe(&Subscription{
		Module: "flaky",
		Types:  []EventType{EventRunSettled},
		Handler: func(ctx context.Context, e *Event) error {
			if attempts.Add(1) < 3 {
				return errors.New("transient")
			}
			return nil
		},
	})
	require.NoError(t, err)

	require.NoError(t, bus.Publish(context.Background(), mustEvent(t, EventRunSettled, "pipeline", nil)))
	waitFor(t, func() bool { return attempts.Load() == 3 }, "handler not retried to success")

	assert.Empty(t, bus.sink.(*MemoryDeadLetterSink).List(), "successful delivery must not dead-letter")
}

func TestExhaustedRetriesDeadLetter(t *testing.T) {
	sink := NewMemoryDeadLetterSink(10)
	b := New(Config{DeliveryPolicy: fastPolicy(3), HandlerTimeout: time.Second}, WithDeadLetterSink(sink))
	b.Start()
	t.Cleanup(b.Close)

	var attempts atomic.Int32
	sub, err := b.Subscribe(&Subscription{
		Module: "broken",
		Types:  []EventType{EventRunSettled},
		Handler: func(ctx context.Context, e *Event) error {
			attempts.Add(1)
			return errors.New("permanent-ish")
		},
	})
	require.NoError(t, err)

	evt := mustEvent(t, EventRunSettled, "pipeline", map[string]interface{}{"run_id": "r2"})
	require.NoError(t, b.Publish(context.Background(), evt))

	waitFor(t, func() bool { return len(sink.List()) == 1 }, "dead letter not written")
	letter := sink.List()[0]
	assert.Equal(t, evt.ID, letter.Event.ID)
	assert.Equal(t, sub.ID(), letter.SubscriptionID)
	assert.Equal(t, "broken", letter.Module)
	assert.Equal(t, 3, letter.Attempts)
	assert.Contains(t, letter.LastError, "permanent-ish")
	assert.Equal(t, int32(3), attempts.Load())
}

func TestHandlerTimeoutCountsAsFailure(t *testing.T) {
	sink := NewMemoryDeadLetterSink(10)
	b := New(Config{DeliveryPolicy: fastPolicy(2), HandlerTimeout: 20 * time.Millisecond}, WithDeadLetterSink(sink))
	b.Start()
	t.Cleanup(b.Close)

	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	_, err := b.Subscribe(&Subscription{
		Module: "stuck",
		Types:  []EventType{EventRunSettled},
		Handler: func(ctx context.Context, e *Event) error {
			<-release
			return nil
		},
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), mustEvent(t, EventRunSettled, "pipeline", nil)))
	waitFor(t, func() bool { return len(sink.List()) == 1 }, "timed-out handler not dead-lettered")
	assert.Contains(t, sink.List()[0].LastError, "handler timeout")
}

func TestPublishRejectsWhenQueueFull(t *testing.T) {
	// No Start: nothing drains the queue.
	b := New(Config{QueueCapacity: 2, DeliveryPolicy: fastPolicy(1)})

	require.NoError(t, b.Publish(context.Background(), mustEvent(t, EventRunSettled, "s", nil)))
	require.NoError(t, b.Publish(context.Background(), mustEvent(t, EventRunSettled, "s", nil)))

	err := b.Publish(context.Background(), mustEvent(t, EventRunSettled, "s", nil))
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.Equal(t, 2, b.QueueDepth(), "enqueued work must not be lost by rejection")

	// Already-enqueued events still deliver once workers start.
	var delivered atomic.Int32
	_, subErr := b.Subscribe(&Subscription{
		Module: "late",
		Types:  []EventType{EventRunSettled},
		Handler: func(ctx context.Context, e *Event) error {
			delivered.Add(1)
			return nil
		},
	})
	require.NoError(t, subErr)
	b.Start()
	t.Cleanup(b.Close)
	waitFor(t, func() bool { return delivered.Load() == 2 }, "queued events lost")
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := newTestBus(t, Config{})

	var got atomic.Int32
	sub, err := bus.Subscribe(&Subscription{
		Module: "temp",
		Types:  []EventType{EventRunSettled},
		Handler: func(ctx context.Context, e *Event) error {
			got.Add(1)
			return nil
		},
	})
	require.NoError(t, err)

	require.NoError(t, bus.Publish(context.Background(), mustEvent(t, EventRunSettled, "s", nil)))
	waitFor(t, func() bool { return got.Load() == 1 }, "first event missed")

	bus.Unsubscribe(sub)
	require.NoError(t, bus.Publish(context.Background(), mustEvent(t, EventRunSettled, "s", nil)))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), got.Load())
}

func TestPublishAfterCloseRejected(t *testing.T) {
	b := New(Config{DeliveryPolicy: fastPolicy(1)})
	b.Start()
	b.Close()

	err := b.Publish(context.Background(), mustEvent(t, EventRunSettled, "s", nil))
	assert.ErrorIs(t, err, ErrBusClosed)
}

func TestSubscribeRejectsUndeclaredType(t *testing.T) {
	b := New(Config{})
	_, err := b.Subscribe(&Subscription{
		Module:  "m",
		Types:   []EventType{EventType("made.up")},
		Handler: func(ctx context.Context, e *Event) error { return nil },
	})
	assert.Error(t, err)
}

func TestNewEventEnforcesPayloadCeiling(t *testing.T) {
	big := make(map[string]interface{})
	chunk := make([]byte, 4096)
	for i := range chunk {
		chunk[i] = 'a'
	}
	for i := 0; i < 300; i++ {
		big[string(rune('a'+i%26))+string(rune('0'+i%10))+string(rune('A'+i%26))] = string(chunk)
	}

	_, err := NewEvent(EventRunSettled, "s", big)
	var tooLarge *ErrPayloadTooLarge
	require.ErrorAs(t, err, &tooLarge)
	assert.Equal(t, MaxPayloadBytes, tooLarge.Limit)
}

func TestSubscriberModules(t *testing.T) {
	b := New(Config{})
	subscribe := func(module string, types ...EventType) {
		_, err := b.Subscribe(&Subscription{
			Module:  module,
			Types:   types,
			Handler: func(ctx context.Context, e *Event) error { return nil },
		})
		require.NoError(t, err)
	}
	subscribe("a", EventCascadeInsight)
	subscribe("b", EventCascadeInsight, EventRunSettled)
	subscribe("c", EventRunSettled)
	subscribe("all") // all declared types

	got := b.SubscriberModules(EventCascadeInsight)
	assert.ElementsMatch(t, []string{"a", "b", "all"}, got)
}

func TestConcurrentPublishIsSafe(t *testing.T) {
	bus := newTestBus(t, Config{QueueCapacity: 4096, Workers: 4})

	var got atomic.Int32
	_, err := bus.Subscribe(&Subscription{
		Module: "sink",
		Types:  []EventType{EventRunSettled},
		Handler: func(ctx context.Context, e *Event) error {
			got.Add(1)
			return nil
		},
	})
	require.NoError(t, err)

	const publishers, perPublisher = 8, 50
	var wg sync.WaitGroup
	for p := 0; p < publishers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perPublisher; i++ {
				e, err := NewEvent(EventRunSettled, "s", nil)
				if err != nil {
					t.Error(err)
					return
				}
				_ = bus.Publish(context.Background(), e)
			}
		}()
	}
	wg.Wait()

	waitFor(t, func() bool { return got.Load() == publishers*perPublisher }, "lost events under concurrency")
}
