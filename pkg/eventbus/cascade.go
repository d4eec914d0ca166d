package eventbus

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Cascade termination signals. Both are normal outcomes, not faults: a chain
// ends when it runs out of hops or out of unvisited eligible modules,
// whichever comes first.
var (
	ErrCascadeLimit     = errors.New("eventbus: cascade hop limit reached")
	ErrCascadeExhausted = errors.New("eventbus: no eligible unvisited modules")

	ErrChainNotFound  = errors.New("eventbus: cascade chain not found")
	ErrChainCompleted = errors.New("eventbus: cascade chain already completed")
)

// Hop records one delivered propagation step.
type Hop struct {
	Index       int       `json:"index"`
	Module      string    `json:"module"`
	InsightType EventType `json:"insight_type"`
	At          time.Time `json:"at"`
}

// cascadeChain is the registry's internal chain state. Guarded by the
// registry mutex; external reads go through ChainSnapshot.
type cascadeChain struct {
	id          string
	initiatedBy string
	hops        []Hop
	visited     map[string]bool
	maxHops     int
	startedAt   time.Time
	completed   bool
	reason      string
}

// ChainSnapshot is a read-only view of a cascade chain.
type ChainSnapshot struct {
	ID              string    `json:"id"`
	InitiatedBy     string    `json:"initiated_by"`
	Hops            []Hop     `json:"hops"`
	HopCount        int       `json:"hop_count"`
	Visited         []string  `json:"visited"`
	MaxHops         int       `json:"max_hops"`
	Completed       bool      `json:"completed"`
	Reason          string    `json:"reason,omitempty"`
	StartedAt       time.Time `json:"started_at"`
	DistinctModules int       `json:"distinct_modules"`
}

// chainRegistry tracks active chains and a bounded LRU of completed ones.
type chainRegistry struct {
	mu        sync.Mutex
	active    map[string]*cascadeChain
	completed map[string]*list.Element
	order     *list.List // front = most recently completed
	capacity  int
	maxHops   int
}

func newChainRegistry(maxHops, completedCapacity int) *chainRegistry {
	return &chainRegistry{
		active:    make(map[string]*cascadeChain),
		completed: make(map[string]*list.Element),
		order:     list.New(),
		capacity:  completedCapacity,
		maxHops:   maxHops,
	}
}

// PublishCascade opens a new chain initiated by the given module and
// propagates the first insight. The initiating module is counted in the
// visited set exactly once, so later hops can never route back to it.
// Returns the chain ID; ErrCascadeExhausted means no module was eligible
// and the chain completed immediately.
func (b *Bus) PublishCascade(ctx context.Context, initiatingModule string, insightType EventType, insightData map[string]interface{}) (string, error) {
	if initiatingModule == "" {
		return "", fmt.Errorf("eventbus: cascade requires an initiating module")
	}

	chain := &cascadeChain{
		id:          uuid.NewString(),
		initiatedBy: initiatingModule,
		visited:     map[string]bool{initiatingModule: true},
		maxHops:     b.cfg.MaxHops,
		startedAt:   time.Now().UTC(),
	}

	b.chains.mu.Lock()
	b.chains.active[chain.id] = chain
	b.chains.mu.Unlock()

	err := b.hop(ctx, chain.id, initiatingModule, insightType, insightData)
	return chain.id, err
}

// ContinueCascade propagates the next hop of an existing chain. Called by a
// module that processed a cascade hop and derived a further insight. Returns
// ErrCascadeLimit or ErrCascadeExhausted when the chain terminated instead
// of propagating — both are expected ends, not faults.
func (b *Bus) ContinueCascade(ctx context.Context, chainID, fromModule string, insightType EventType, insightData map[string]interface{}) error {
	return b.hop(ctx, chainID, fromModule, insightType, insightData)
}

// Chain returns a snapshot of an active or retained completed chain.
func (b *Bus) Chain(chainID string) (ChainSnapshot, bool) {
	b.chains.mu.Lock()
	defer b.chains.mu.Unlock()

	if c, ok := b.chains.active[chainID]; ok {
		return c.snapshot(), true
	}
	if el, ok := b.chains.completed[chainID]; ok {
		return el.Value.(*cascadeChain).snapshot(), true
	}
	return ChainSnapshot{}, false
}

// hop advances a chain by one step: pick the next eligible unvisited
// subscriber of the insight type, check the hop limit, and deliver. The hop
// counter is incremented and the limit checked before delivery.
func (b *Bus) hop(ctx context.Context, chainID, fromModule string, insightType EventType, insightData map[string]interface{}) error {
	subscribers := b.SubscriberModules(insightType)

	b.chains.mu.Lock()
	chain, ok := b.chains.active[chainID]
	if !ok {
		defer b.chains.mu.Unlock()
		if _, done := b.chains.completed[chainID]; done {
			return ErrChainCompleted
		}
		return fmt.Errorf("%w: %s", ErrChainNotFound, chainID)
	}

	var eligible []string
	for _, m := range subscribers {
		if !chain.visited[m] {
			eligible = append(eligible, m)
		}
	}
	sort.Strings(eligible)

	if len(eligible) == 0 {
		b.completeLocked(chain, "no_eligible_modules")
		b.chains.mu.Unlock()
		return ErrCascadeExhausted
	}
	if len(chain.hops) >= chain.maxHops {
		b.completeLocked(chain, "hop_limit")
		b.chains.mu.Unlock()
		return ErrCascadeLimit
	}

	next := eligible[0]
	hop := Hop{
		Index:       len(chain.hops) + 1,
		Module:      next,
		InsightType: insightType,
		At:          time.Now().UTC(),
	}
	chain.hops = append(chain.hops, hop)
	chain.visited[next] = true
	b.chains.mu.Unlock()

	payload := map[string]interface{}{
		"chain_id":     chainID,
		"hop":          hop.Index,
		"from_module":  fromModule,
		"insight_type": string(insightType),
		"insight":      insightData,
	}
	event, err := NewEvent(insightType, fromModule, payload,
		WithCorrelation(chainID),
		WithTargets(next),
		WithPriority(PriorityHigh),
	)
	if err == nil {
		err = b.Publish(ctx, event)
	}
	if err != nil {
		// Roll the hop back so the module stays reachable for a retry.
		b.chains.mu.Lock()
		if !chain.completed {
			chain.hops = chain.hops[:len(chain.hops)-1]
			delete(chain.visited, next)
		}
		b.chains.mu.Unlock()
		return fmt.Errorf("eventbus: cascade hop not delivered: %w", err)
	}

	b.observer.CascadeHop(chainID)
	return nil
}

// completeLocked moves a chain to the completed LRU and emits the summary
// event. Caller holds the registry lock.
func (b *Bus) completeLocked(chain *cascadeChain, reason string) {
	if chain.completed {
		return
	}
	chain.completed = true
	chain.reason = reason

	delete(b.chains.active, chain.id)
	el := b.chains.order.PushFront(chain)
	b.chains.completed[chain.id] = el
	for b.chains.order.Len() > b.chains.capacity {
		oldest := b.chains.order.Back()
		b.chains.order.Remove(oldest)
		delete(b.chains.completed, oldest.Value.(*cascadeChain).id)
	}

	snap := chain.snapshot()
	b.observer.CascadeCompleted(snap.HopCount, snap.DistinctModules)

	// The summary event is best-effort: a full queue must not deadlock
	// completion, and the snapshot remains queryable either way.
	go func() {
		modules := snap.Visited
		payload := map[string]interface{}{
			"chain_id":         snap.ID,
			"initiated_by":     snap.InitiatedBy,
			"total_hops":       snap.HopCount,
			"distinct_modules": len(modules),
			"modules":          modules,
			"insights":         snap.HopCount,
			"reason":           reason,
		}
		event, err := NewEvent(EventCascadeCompleted, "eventbus", payload, WithCorrelation(snap.ID))
		if err != nil {
			return
		}
		if err := b.Publish(context.Background(), event); err != nil {
			b.logger.Warn("cascade completion event dropped", "chain_id", snap.ID, "error", err)
		}
	}()
}

func (c *cascadeChain) snapshot() ChainSnapshot {
	visited := make([]string, 0, len(c.visited))
	for m := range c.visited {
		visited = append(visited, m)
	}
	sort.Strings(visited)

	hops := make([]Hop, len(c.hops))
	copy(hops, c.hops)

	return ChainSnapshot{
		ID:              c.id,
		InitiatedBy:     c.initiatedBy,
		Hops:            hops,
		HopCount:        len(c.hops),
		Visited:         visited,
		MaxHops:         c.maxHops,
		Completed:       c.completed,
		Reason:          c.reason,
		StartedAt:       c.startedAt,
		DistinctModules: len(visited),
	}
}
