package kernel

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// BackpressurePolicy bounds how fast one actor may submit runs.
type BackpressurePolicy struct {
	// RunsPerMinute is the sustained admission rate.
	RunsPerMinute int
	// Burst is the bucket capacity.
	Burst int
}

// IsZero reports whether no policy is configured.
func (p BackpressurePolicy) IsZero() bool {
	return p.RunsPerMinute == 0 && p.Burst == 0
}

// ErrBackpressure is returned when an actor exceeds its admission rate.
type ErrBackpressure struct {
	ActorID string
}

func (e *ErrBackpressure) Error() string {
	return fmt.Sprintf("kernel: rate limit exceeded for actor %s", e.ActorID)
}

// LimiterStore abstracts token bucket state so single-node deployments
// keep buckets in process while clustered ones share them through Redis.
type LimiterStore interface {
	// Allow reports whether the actor may spend cost tokens under policy.
	Allow(ctx context.Context, actorID string, policy BackpressurePolicy, cost int) (bool, error)
}

// EvaluateBackpressure admits or rejects a submission. A nil store with a
// non-zero policy fails closed.
func EvaluateBackpressure(ctx context.Context, store LimiterStore, actorID string, policy BackpressurePolicy) error {
	if policy.IsZero() {
		return nil
	}
	if store == nil {
		return fmt.Errorf("kernel: backpressure policy set but no limiter store configured")
	}

	allowed, err := store.Allow(ctx, actorID, policy, 1)
	if err != nil {
		return fmt.Errorf("kernel: backpressure check failed: %w", err)
	}
	if !allowed {
		return &ErrBackpressure{ActorID: actorID}
	}
	return nil
}

// LocalLimiterStore keeps per-actor token buckets in process. Idle actors
// are swept after staleAfter so the map does not grow without bound.
type LocalLimiterStore struct {
	mu         sync.Mutex
	actors     map[string]*actorLimiter
	staleAfter time.Duration
	lastSweep  time.Time
}

type actorLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewLocalLimiterStore creates an in-process limiter store.
func NewLocalLimiterStore() *LocalLimiterStore {
	return &LocalLimiterStore{
		actors:     make(map[string]*actorLimiter),
		staleAfter: 10 * time.Minute,
		lastSweep:  time.Now(),
	}
}

// Allow implements LimiterStore.
func (s *LocalLimiterStore) Allow(ctx context.Context, actorID string, policy BackpressurePolicy, cost int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if now.Sub(s.lastSweep) > s.staleAfter {
		for id, al := range s.actors {
			if now.Sub(al.lastSeen) > s.staleAfter {
				delete(s.actors, id)
			}
		}
		s.lastSweep = now
	}

	al, ok := s.actors[actorID]
	if !ok {
		perSec := rate.Limit(float64(policy.RunsPerMinute) / 60.0)
		if perSec <= 0 {
			perSec = rate.Limit(1)
		}
		burst := policy.Burst
		if burst <= 0 {
			burst = 1
		}
		al = &actorLimiter{limiter: rate.NewLimiter(perSec, burst)}
		s.actors[actorID] = al
	}
	al.lastSeen = now

	return al.limiter.AllowN(now, cost), nil
}
