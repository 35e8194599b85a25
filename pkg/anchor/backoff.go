package anchor

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"
)

// BackoffPolicy bounds the retry budget for anchor submissions.
type BackoffPolicy struct {
	BaseMs      int64
	MaxMs       int64
	MaxJitterMs int64
	MaxAttempts int
}

// DefaultBackoffPolicy matches the per-attempt timeout plus capped total
// retry budget required of anchor submissions.
func DefaultBackoffPolicy() BackoffPolicy {
	return BackoffPolicy{BaseMs: 200, MaxMs: 10_000, MaxJitterMs: 100, MaxAttempts: 3}
}

// ComputeBackoff returns the delay before attemptIndex using exponential
// growth and deterministic jitter, so a retry schedule is reproducible from
// the batch identifier alone.
func ComputeBackoff(batchID string, attemptIndex int, policy BackoffPolicy) time.Duration {
	factor := int64(1)
	if attemptIndex > 0 {
		if attemptIndex > 30 {
			factor = 1 << 30 // cap exponent, avoid overflow
		} else {
			factor = 1 << attemptIndex
		}
	}

	delay := policy.BaseMs * factor
	if delay > policy.MaxMs {
		delay = policy.MaxMs
	}

	return time.Duration(delay+deterministicJitter(batchID, attemptIndex, policy)) * time.Millisecond
}

func deterministicJitter(batchID string, attemptIndex int, policy BackoffPolicy) int64 {
	if policy.MaxJitterMs <= 0 {
		return 0
	}
	seed := fmt.Sprintf("%s:%d", batchID, attemptIndex)
	hash := sha256.Sum256([]byte(seed))
	basis := binary.BigEndian.Uint64(hash[:8])
	return int64(basis % uint64(policy.MaxJitterMs))
}
