package budget

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// ErrQuotaExhausted is the deterministic code for tenant quota violations.
const ErrQuotaExhausted = "ERR_FUEL_QUOTA"

// Quota tracks a tenant's fuel consumption against a daily allowance.
// The per-run FuelBudget caps one invocation; the quota caps what a whole
// tenant may burn per day across runs.
type Quota struct {
	TenantID    string    `json:"tenant_id"`
	Allowance   uint64    `json:"allowance"` // fuel units per day, 0 = unlimited
	Used        uint64    `json:"used"`
	WindowStart time.Time `json:"window_start"`
}

// QuotaStore persists tenant quota state.
type QuotaStore interface {
	Get(ctx context.Context, tenantID string) (*Quota, error)
	Set(ctx context.Context, q *Quota) error
	Allowance(ctx context.Context, tenantID string) (uint64, error)
	SetAllowance(ctx context.Context, tenantID string, allowance uint64) error
}

// Enforcer applies fail-closed tenant quota checks. When the store errors
// or state is uncertain, admission is denied rather than risking an
// unmetered run.
type Enforcer struct {
	mu    sync.Mutex
	store QuotaStore
	now   func() time.Time
}

// NewEnforcer creates an enforcer over a quota store.
func NewEnforcer(store QuotaStore) *Enforcer {
	return &Enforcer{store: store, now: time.Now}
}

// WithClock overrides the clock for testing.
func (e *Enforcer) WithClock(clock func() time.Time) *Enforcer {
	e.now = clock
	return e
}

// Reserve admits a run for the tenant if the daily window has headroom.
// The window rolls at UTC midnight; rolling commits the reset state so
// restarts do not resurrect spent fuel.
func (e *Enforcer) Reserve(ctx context.Context, tenantID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	q, err := e.loadLocked(ctx, tenantID)
	if err != nil {
		return fmt.Errorf("quota check failed (denying): %w", err)
	}
	if q.Allowance == 0 {
		return nil
	}
	if q.Used >= q.Allowance {
		return &Error{
			Code:     ErrQuotaExhausted,
			Message:  fmt.Sprintf("tenant %s daily fuel quota exhausted", tenantID),
			Limit:    int64(q.Allowance),
			Consumed: int64(q.Used),
		}
	}
	return nil
}

// Commit records fuel actually consumed by a settled or failed run.
func (e *Enforcer) Commit(ctx context.Context, tenantID string, consumed uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	q, err := e.loadLocked(ctx, tenantID)
	if err != nil {
		return err
	}
	q.Used += consumed
	return e.store.Set(ctx, q)
}

// Remaining reports the tenant's headroom in the current window. Unlimited
// tenants report their usage with ok=false.
func (e *Enforcer) Remaining(ctx context.Context, tenantID string) (uint64, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	q, err := e.loadLocked(ctx, tenantID)
	if err != nil {
		return 0, false, err
	}
	if q.Allowance == 0 {
		return q.Used, false, nil
	}
	if q.Used >= q.Allowance {
		return 0, true, nil
	}
	return q.Allowance - q.Used, true, nil
}

func (e *Enforcer) loadLocked(ctx context.Context, tenantID string) (*Quota, error) {
	q, err := e.store.Get(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if q == nil {
		allowance, err := e.store.Allowance(ctx, tenantID)
		if err != nil {
			return nil, err
		}
		q = &Quota{TenantID: tenantID, Allowance: allowance, WindowStart: e.windowStart()}
		if err := e.store.Set(ctx, q); err != nil {
			return nil, err
		}
		return q, nil
	}
	if ws := e.windowStart(); q.WindowStart.Before(ws) {
		q.Used = 0
		q.WindowStart = ws
		if err := e.store.Set(ctx, q); err != nil {
			return nil, err
		}
	}
	return q, nil
}

func (e *Enforcer) windowStart() time.Time {
	return e.now().UTC().Truncate(24 * time.Hour)
}
