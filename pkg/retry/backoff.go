// Package retry provides iterative retry plans with exponential backoff and
// deterministic jitter. Jitter is derived from a PRF over the call identity so
// replayed schedules are reproducible; retries never recurse.
package retry

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"
)

// BackoffParams identifies one protected call site for jitter derivation.
type BackoffParams struct {
	PolicyID     string
	Resource     string // overlay name, handler id, store name
	CallID       string // event id, run id, invocation id
	AttemptIndex int
}

// BackoffPolicy defines the shape of a retry schedule.
type BackoffPolicy struct {
	PolicyID    string
	BaseMs      int64
	MaxMs       int64
	MaxJitterMs int64
	MaxAttempts int
}

// DeliveryPolicy is the event-bus delivery default: 3 attempts, 1s base.
func DeliveryPolicy() BackoffPolicy {
	return BackoffPolicy{
		PolicyID:    "bus-delivery",
		BaseMs:      1000,
		MaxMs:       30000,
		MaxJitterMs: 250,
		MaxAttempts: 3,
	}
}

// InvocationPolicy returns the overlay-invocation policy for a phase retry
// count. Attempts include the initial call.
func InvocationPolicy(retries int) BackoffPolicy {
	return BackoffPolicy{
		PolicyID:    "overlay-invocation",
		BaseMs:      100,
		MaxMs:       10000,
		MaxJitterMs: 50,
		MaxAttempts: retries + 1,
	}
}

// ComputeBackoff returns the delay before the given attempt.
// Attempt 0 always runs immediately.
func ComputeBackoff(params BackoffParams, policy BackoffPolicy) time.Duration {
	if params.AttemptIndex <= 0 {
		return 0
	}

	// delay = base * 2^attempt, bit shift capped to avoid overflow
	factor := int64(1)
	if params.AttemptIndex > 30 {
		factor = 1 << 30
	} else {
		factor = 1 << params.AttemptIndex
	}

	delay := policy.BaseMs * factor
	if policy.MaxMs > 0 && delay > policy.MaxMs {
		delay = policy.MaxMs
	}

	return time.Duration(delay+computeJitter(params, policy)) * time.Millisecond
}

// computeJitter derives jitter from a PRF seeded by the call identity.
func computeJitter(params BackoffParams, policy BackoffPolicy) int64 {
	if policy.MaxJitterMs <= 0 {
		return 0
	}

	seed := fmt.Sprintf("%s:%s:%s:%d",
		params.PolicyID,
		params.Resource,
		params.CallID,
		params.AttemptIndex,
	)
	hash := sha256.Sum256([]byte(seed))
	basis := binary.BigEndian.Uint64(hash[:8])

	return int64(basis % uint64(policy.MaxJitterMs)) //nolint:gosec // MaxJitterMs is always positive
}
