// Package retrypolicy computes the next-attempt delay for a graph's
// retry policy: nine strategies (EXPONENTIAL/LINEAR/FIXED, each with a
// plain, _FULL_JITTER or _EQUAL_JITTER variant).
//
// Delay math ported from the reference implementation's
// RetryPolicyModel.compute_delay; the deterministic, seed-derived
// jitter technique (hash the seed, map to a unit interval, scale the
// base delay) is grounded on the teacher's
// internal/attractor/engine/backoff.go (jitterUnit/DelayForAttempt).
package retrypolicy

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/danshapiro/exostate/internal/model"
)

// ComputeDelayMS returns the delay, in milliseconds, before attempt n
// (n >= 1) should become eligible, per the policy's strategy. seed
// makes jittered strategies deterministic for a given (run, node,
// attempt) triple — tests can reproduce an exact delay instead of
// racing real randomness. Attempt number 0 is invalid input (§3.2).
func ComputeDelayMS(p model.RetryPolicy, n int, seed string) (int64, error) {
	if n < 1 {
		return 0, fmt.Errorf("retrypolicy: attempt must be >= 1, got %d", n)
	}

	base, jitter := baseDelay(p, n)
	delay := base
	switch jitter {
	case jitterNone:
		// delay already equals base
	case jitterFull:
		delay = int64(jitterUnit(seed) * float64(base))
	case jitterEqual:
		half := float64(base) / 2
		delay = int64(half + jitterUnit(seed)*half)
	}

	if p.MaxDelayMS != nil && delay > *p.MaxDelayMS {
		delay = *p.MaxDelayMS
	}
	if delay < 0 {
		delay = 0
	}
	return delay, nil
}

type jitterKind int

const (
	jitterNone jitterKind = iota
	jitterFull
	jitterEqual
)

// baseDelay returns the un-jittered delay for the strategy's family
// (EXPONENTIAL/LINEAR/FIXED) and which jitter, if any, the strategy
// name requests.
func baseDelay(p model.RetryPolicy, n int) (int64, jitterKind) {
	factor := float64(p.BackoffFactorMS)
	switch p.Strategy {
	case model.Exponential:
		return int64(factor * math.Pow(p.Exponent, float64(n-1))), jitterNone
	case model.ExponentialFullJitter:
		return int64(factor * math.Pow(p.Exponent, float64(n-1))), jitterFull
	case model.ExponentialEqualJitter:
		return int64(factor * math.Pow(p.Exponent, float64(n-1))), jitterEqual
	case model.Linear:
		return int64(factor) * int64(n), jitterNone
	case model.LinearFullJitter:
		return int64(factor) * int64(n), jitterFull
	case model.LinearEqualJitter:
		return int64(factor) * int64(n), jitterEqual
	case model.Fixed:
		return int64(factor), jitterNone
	case model.FixedFullJitter:
		return int64(factor), jitterFull
	case model.FixedEqualJitter:
		return int64(factor), jitterEqual
	default:
		return int64(factor), jitterNone
	}
}

// jitterUnit maps seed to a deterministic value in [0, 1] by hashing
// it and reading the first 8 bytes as an unsigned integer.
func jitterUnit(seed string) float64 {
	sum := sha256.Sum256([]byte(seed))
	bits := binary.BigEndian.Uint64(sum[:8])
	return float64(bits) / float64(math.MaxUint64)
}

// Seed builds the deterministic jitter seed for a given run, node and
// attempt — the same (runID, identifier, attempt) triple always
// yields the same jittered delay.
func Seed(runID, identifier string, attempt int) string {
	return fmt.Sprintf("%s:%s:%d", runID, identifier, attempt)
}
