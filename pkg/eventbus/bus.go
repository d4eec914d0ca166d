package eventbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Noetic-Labs/meridian/core/pkg/retry"
)

// ErrQueueFull is returned by Publish when the bounded queue is at capacity.
// Publish sheds load instead of blocking so callers stay responsive.
var ErrQueueFull = errors.New("eventbus: queue full, event rejected")

// ErrBusClosed is returned by Publish after Close.
var ErrBusClosed = errors.New("eventbus: closed")

// Observer receives bus metrics signals. Implementations must be cheap and
// non-blocking (counters, not I/O).
type Observer interface {
	EventPublished(eventType EventType, priority Priority)
	EventRejected(eventType EventType)
	EventDelivered(eventType EventType, module string, elapsed time.Duration)
	DeliveryFailed(eventType EventType, module string)
	DeadLettered(eventType EventType, module string)
	CascadeHop(chainID string)
	CascadeCompleted(totalHops int, distinctModules int)
}

// nopObserver keeps the hot path free of nil checks.
type nopObserver struct{}

func (nopObserver) EventPublished(EventType, Priority)                 {}
func (nopObserver) EventRejected(EventType)                            {}
func (nopObserver) EventDelivered(EventType, string, time.Duration)    {}
func (nopObserver) DeliveryFailed(EventType, string)                   {}
func (nopObserver) DeadLettered(EventType, string)                     {}
func (nopObserver) CascadeHop(string)                                  {}
func (nopObserver) CascadeCompleted(int, int)                          {}

// Config holds bus tuning. Zero values fall back to defaults.
type Config struct {
	// QueueCapacity bounds the pending-event queue (default 10000).
	QueueCapacity int
	// Workers is the number of dequeue workers (default 8).
	Workers int
	// HandlerTimeout bounds one handler invocation (default 30s).
	HandlerTimeout time.Duration
	// DeliveryPolicy is the per-handler retry schedule (default 3 attempts,
	// 1s base delay).
	DeliveryPolicy retry.BackoffPolicy
	// MaxHops is the default cascade hop limit (default 10).
	MaxHops int
	// CompletedChainCapacity bounds the retained completed-chain set
	// (default 1024, LRU eviction).
	CompletedChainCapacity int
}

func (c Config) withDefaults() Config {
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 10000
	}
	if c.Workers <= 0 {
		c.Workers = 8
	}
	if c.HandlerTimeout <= 0 {
		c.HandlerTimeout = 30 * time.Second
	}
	if c.DeliveryPolicy.MaxAttempts <= 0 {
		c.DeliveryPolicy = retry.DeliveryPolicy()
	}
	if c.MaxHops <= 0 {
		c.MaxHops = 10
	}
	if c.CompletedChainCapacity <= 0 {
		c.CompletedChainCapacity = 1024
	}
	return c
}

// Bus is the kernel event bus. Construct with New, start delivery with
// Start, and Close on shutdown.
type Bus struct {
	cfg      Config
	logger   *slog.Logger
	observer Observer
	sink     DeadLetterSink

	queue chan *Event

	mu     sync.RWMutex
	subs   map[string]*Subscription
	closed bool

	chains *chainRegistry

	workerWG   sync.WaitGroup
	deliveryWG sync.WaitGroup
	stop       chan struct{}
	startOnce  sync.Once
	closeOnce  sync.Once
}

// Option customizes bus construction.
type Option func(*Bus)

// WithObserver attaches a metrics observer.
func WithObserver(o Observer) Option {
	return func(b *Bus) {
		if o != nil {
			b.observer = o
		}
	}
}

// WithDeadLetterSink replaces the default in-memory sink.
func WithDeadLetterSink(s DeadLetterSink) Option {
	return func(b *Bus) {
		if s != nil {
			b.sink = s
		}
	}
}

// WithLogger replaces the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bus) {
		if l != nil {
			b.logger = l.With("component", "eventbus")
		}
	}
}

// New creates a bus. Call Start before publishing.
func New(cfg Config, opts ...Option) *Bus {
	cfg = cfg.withDefaults()
	b := &Bus{
		cfg:      cfg,
		logger:   slog.Default().With("component", "eventbus"),
		observer: nopObserver{},
		sink:     NewMemoryDeadLetterSink(0),
		queue:    make(chan *Event, cfg.QueueCapacity),
		subs:     make(map[string]*Subscription),
		stop:     make(chan struct{}),
	}
	b.chains = newChainRegistry(cfg.MaxHops, cfg.CompletedChainCapacity)
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Start launches the delivery workers. Safe to call once; Publish before
// Start only enqueues.
func (b *Bus) Start() {
	b.startOnce.Do(func() {
		for i := 0; i < b.cfg.Workers; i++ {
			b.workerWG.Add(1)
			go b.worker(i)
		}
	})
}

// Subscribe registers a handler for the given types. An empty type list
// subscribes to all declared types. Returns the subscription handle used
// for Unsubscribe.
func (b *Bus) Subscribe(sub *Subscription) (*Subscription, error) {
	if sub == nil {
		return nil, fmt.Errorf("eventbus: nil subscription")
	}
	if err := sub.validate(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBusClosed
	}
	sub.id = newSubscriptionID()
	b.subs[sub.id] = sub
	return sub, nil
}

// Unsubscribe removes a subscription. Deliveries already in flight complete.
func (b *Bus) Unsubscribe(handle *Subscription) {
	if handle == nil {
		return
	}
	b.mu.Lock()
	delete(b.subs, handle.id)
	b.mu.Unlock()
}

// Publish enqueues an event for asynchronous delivery. If the queue is at
// capacity it returns ErrQueueFull immediately; already-enqueued work is
// never discarded.
func (b *Bus) Publish(ctx context.Context, event *Event) error {
	if event == nil {
		return fmt.Errorf("eventbus: nil event")
	}

	// The read lock is held across the send so Close cannot close the
	// queue channel between the closed check and the enqueue.
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		b.observer.EventRejected(event.Type)
		return ErrBusClosed
	}

	select {
	case b.queue <- event:
		b.observer.EventPublished(event.Type, event.Priority)
		return nil
	default:
		b.observer.EventRejected(event.Type)
		return ErrQueueFull
	}
}

// SubscriberModules returns the module names currently subscribed to the
// given event type, excluding anonymous subscriptions.
func (b *Bus) SubscriberModules(t EventType) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	seen := make(map[string]bool)
	var modules []string
	for _, sub := range b.subs {
		if sub.Module == "" || seen[sub.Module] {
			continue
		}
		if len(sub.Types) == 0 {
			seen[sub.Module] = true
			modules = append(modules, sub.Module)
			continue
		}
		for _, st := range sub.Types {
			if st == t {
				seen[sub.Module] = true
				modules = append(modules, sub.Module)
				break
			}
		}
	}
	return modules
}

// QueueDepth returns the number of events waiting for a worker.
func (b *Bus) QueueDepth() int { return len(b.queue) }

// Close stops accepting publishes, drains the queue, and waits for in-flight
// deliveries to finish.
func (b *Bus) Close() {
	b.closeOnce.Do(func() {
		b.mu.Lock()
		b.closed = true
		b.mu.Unlock()

		close(b.queue)
		b.workerWG.Wait()
		b.deliveryWG.Wait()
		close(b.stop)
	})
}

// worker drains the queue. Delivery to the matching subscriptions of one
// event is concurrent; ordering across events is best-effort FIFO per
// worker only.
func (b *Bus) worker(id int) {
	defer b.workerWG.Done()
	for event := range b.queue {
		b.dispatch(event)
	}
}

func (b *Bus) dispatch(event *Event) {
	b.mu.RLock()
	matching := make([]*Subscription, 0, 4)
	for _, sub := range b.subs {
		ok, err := sub.matches(event)
		if err != nil {
			b.logger.Warn("filter evaluation failed, subscription skipped",
				"subscription", sub.id,
				"module", sub.Module,
				"event_id", event.ID,
				"error", err,
			)
			continue
		}
		if ok {
			matching = append(matching, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range matching {
		b.deliveryWG.Add(1)
		go func(sub *Subscription) {
			defer b.deliveryWG.Done()
			b.deliver(event, sub)
		}(sub)
	}
}

// deliver invokes one handler with retry; on exhaustion the pair goes to the
// dead-letter sink. Handler failures never propagate to the publisher.
func (b *Bus) deliver(event *Event, sub *Subscription) {
	params := retry.BackoffParams{
		PolicyID: b.cfg.DeliveryPolicy.PolicyID,
		Resource: sub.id,
		CallID:   event.ID,
	}

	start := time.Now()
	attempts := 0
	err := retry.Do(context.Background(), params, b.cfg.DeliveryPolicy, func(ctx context.Context, attempt int) error {
		attempts = attempt + 1
		return b.invokeHandler(ctx, event, sub)
	})
	if err == nil {
		b.observer.EventDelivered(event.Type, sub.Module, time.Since(start))
		return
	}

	b.observer.DeadLettered(event.Type, sub.Module)
	b.logger.Error("delivery exhausted retries, dead-lettering",
		"event_id", event.ID,
		"event_type", event.Type,
		"module", sub.Module,
		"attempts", attempts,
		"error", err,
	)

	letter := DeadLetter{
		Event:          event,
		SubscriptionID: sub.id,
		Module:         sub.Module,
		Attempts:       attempts,
		LastError:      err.Error(),
		FailedAt:       time.Now().UTC(),
	}
	writeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if sinkErr := b.sink.Write(writeCtx, letter); sinkErr != nil {
		// Nowhere further to escalate; log and continue.
		b.logger.Error("dead-letter sink write failed", "event_id", event.ID, "error", sinkErr)
	}
}

// invokeHandler runs one attempt under the handler timeout. A handler that
// overruns the deadline counts as a failed attempt even if it eventually
// returns; its result is discarded.
func (b *Bus) invokeHandler(ctx context.Context, event *Event, sub *Subscription) error {
	attemptCtx, cancel := context.WithTimeout(ctx, b.cfg.HandlerTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- sub.Handler(attemptCtx, event)
	}()

	select {
	case err := <-done:
		if err != nil {
			b.observer.DeliveryFailed(event.Type, sub.Module)
		}
		return err
	case <-attemptCtx.Done():
		b.observer.DeliveryFailed(event.Type, sub.Module)
		return fmt.Errorf("eventbus: handler timeout after %s: %w", b.cfg.HandlerTimeout, attemptCtx.Err())
	}
}
