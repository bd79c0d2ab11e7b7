// Package retry implements the bounded, increasing backoff used for audit writes.
package retry

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"
)

// BackoffParams seeds the deterministic jitter for one attempt.
type BackoffParams struct {
	PolicyID     string
	Operation    string
	Key          string
	AttemptIndex int
}

// BackoffPolicy bounds a retry loop.
type BackoffPolicy struct {
	PolicyID    string
	BaseMs      int64
	MaxMs       int64
	MaxJitterMs int64
	MaxAttempts int
}

// DefaultLedgerPolicy is used for ledger writes when nothing is configured.
func DefaultLedgerPolicy() BackoffPolicy {
	return BackoffPolicy{
		PolicyID:    "ledger-write",
		BaseMs:      100,
		MaxMs:       2000,
		MaxJitterMs: 50,
		MaxAttempts: 3,
	}
}

// ComputeBackoff returns the delay before retry number AttemptIndex+1.
// delay = min(base * 2^attempt, max) + jitter.
func ComputeBackoff(params BackoffParams, policy BackoffPolicy) time.Duration {
	factor := int64(1)
	if params.AttemptIndex > 0 {
		if params.AttemptIndex > 30 {
			factor = 1 << 30
		} else {
			factor = 1 << params.AttemptIndex
		}
	}

	baseDelay := policy.BaseMs * factor
	if policy.MaxMs > 0 && baseDelay > policy.MaxMs {
		baseDelay = policy.MaxMs
	}

	jitter := ComputeDeterministicJitter(params, policy)

	return time.Duration(baseDelay+jitter) * time.Millisecond
}

// ComputeDeterministicJitter derives jitter from the attempt identity so two
// runs of the same request wait identically.
func ComputeDeterministicJitter(params BackoffParams, policy BackoffPolicy) int64 {
	if policy.MaxJitterMs <= 0 {
		return 0
	}

	seed := fmt.Sprintf("%s:%s:%s:%d",
		params.PolicyID,
		params.Operation,
		params.Key,
		params.AttemptIndex,
	)

	hash := sha256.Sum256([]byte(seed))
	jitterBasis := binary.BigEndian.Uint64(hash[:8])

	return int64(jitterBasis % uint64(policy.MaxJitterMs)) //nolint:gosec // MaxJitterMs is positive
}

// Schedule lists the delays a loop under policy would wait, in order.
// Each delay is at least the previous one.
func Schedule(params BackoffParams, policy BackoffPolicy) []time.Duration {
	if policy.MaxAttempts <= 1 {
		return nil
	}
	out := make([]time.Duration, 0, policy.MaxAttempts-1)
	var prev time.Duration
	for i := 0; i < policy.MaxAttempts-1; i++ {
		p := params
		p.AttemptIndex = i
		d := ComputeBackoff(p, policy)
		if d < prev {
			d = prev
		}
		out = append(out, d)
		prev = d
	}
	return out
}
