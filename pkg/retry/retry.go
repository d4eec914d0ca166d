package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrAttemptsExhausted wraps the final error once a plan runs out of attempts.
var ErrAttemptsExhausted = errors.New("retry attempts exhausted")

// Permanent marks an error as non-retryable; Do stops immediately.
type Permanent struct {
	Err error
}

func (p *Permanent) Error() string { return p.Err.Error() }
func (p *Permanent) Unwrap() error { return p.Err }

// NonRetryable wraps err so Do will not retry it.
func NonRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &Permanent{Err: err}
}

// Do runs fn up to policy.MaxAttempts times with exponential backoff between
// attempts. The loop is iterative with a bounded counter. Context cancellation
// aborts the wait and returns ctx.Err(). The attempt index is passed to fn.
func Do(ctx context.Context, params BackoffParams, policy BackoffPolicy, fn func(ctx context.Context, attempt int) error) error {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		params.AttemptIndex = attempt
		if delay := ComputeBackoff(params, policy); delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}

		lastErr = fn(ctx, attempt)
		if lastErr == nil {
			return nil
		}

		var perm *Permanent
		if errors.As(lastErr, &perm) {
			return perm.Err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}

	return fmt.Errorf("%w after %d attempts: %w", ErrAttemptsExhausted, policy.MaxAttempts, lastErr)
}

// PlanEntry is one scheduled attempt in a precomputed retry plan.
type PlanEntry struct {
	AttemptIndex int           `json:"attempt_index"`
	DelayMs      int64         `json:"delay_ms"`
	ScheduledAt  time.Time     `json:"scheduled_at"`
	Elapsed      time.Duration `json:"-"`
}

// Plan is a fully materialized retry schedule, useful for audit events and
// for asserting schedules in tests without sleeping.
type Plan struct {
	PolicyID string      `json:"policy_id"`
	Resource string      `json:"resource"`
	Schedule []PlanEntry `json:"schedule"`
}

// GeneratePlan materializes the schedule for all attempts starting at now.
func GeneratePlan(params BackoffParams, policy BackoffPolicy, now time.Time) (*Plan, error) {
	if policy.MaxAttempts <= 0 {
		return nil, fmt.Errorf("retry: policy %q has no attempts", policy.PolicyID)
	}

	plan := &Plan{
		PolicyID: policy.PolicyID,
		Resource: params.Resource,
		Schedule: make([]PlanEntry, 0, policy.MaxAttempts),
	}

	at := now
	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		params.AttemptIndex = attempt
		delay := ComputeBackoff(params, policy)
		at = at.Add(delay)
		plan.Schedule = append(plan.Schedule, PlanEntry{
			AttemptIndex: attempt,
			DelayMs:      delay.Milliseconds(),
			ScheduledAt:  at,
			Elapsed:      at.Sub(now),
		})
	}
	return plan, nil
}
