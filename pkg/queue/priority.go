package queue

import (
	"math"
	"time"
)

// ageBoostWindowSeconds and ageBoostMax implement §4.E's age_boost function:
// 1 + min(age_seconds/600, ageBoostMax). A cap of 2 (3x total) only covers
// adjacent priority bands; the widest gap in this fabric's band spread is
// critical (10) over deferred (0.1), a 100x ratio, and §4.E's
// starvation-freedom property requires that "for any two tasks A (higher
// base) and B (lower base), B eventually passes A if its age suffices," not
// just within a band. ageBoostMax is set past that ratio, with headroom, so
// the property holds across the whole band spread, not only between
// neighbors.
const (
	ageBoostWindowSeconds = 600.0
	ageBoostMax           = 120.0
)

// tieBreakEpsilon scales the submission-order tie-break folded into
// EffectivePriority. It is keyed to queue residency (age), not calendar
// time, so its magnitude stays bounded by how long a task has actually sat
// in the queue rather than growing without limit over the life of the
// deployment. At realistic residencies (up to a few weeks) the tie-break
// contribution stays orders of magnitude below the smallest gap between
// priority bands, so it only ever decides ties between tasks whose boosted
// priority is otherwise identical (§4.E: "Equal scores: earlier
// submitted_at... Equal both: lexicographic task_id").
const tieBreakEpsilon = 1e-9

// AgeBoost computes the age-based multiplier for a task that has resided in
// the queue for age (§4.E: "a monotonically non-decreasing function of queue
// residency time").
func AgeBoost(age time.Duration) float64 {
	seconds := age.Seconds()
	if seconds < 0 {
		seconds = 0
	}
	boost := seconds / ageBoostWindowSeconds
	if boost > ageBoostMax {
		boost = ageBoostMax
	}
	return 1 + boost
}

// EffectivePriority computes the sorted-set score for a pending task: base
// priority times its current age boost, with a submission-order tie-break
// folded in so two tasks whose boosted priority coincides (most commonly
// once both have saturated the age boost) still pop in FIFO order without
// relying on Redis's lexicographic-by-member fallback (§4.E pending:{c}
// scoring and tie-break rule).
func EffectivePriority(basePriority float64, submittedAt time.Time, now time.Time) float64 {
	age := now.Sub(submittedAt).Seconds()
	if age < 0 {
		age = 0
	}
	boosted := basePriority * AgeBoost(now.Sub(submittedAt))
	return boosted + age*tieBreakEpsilon
}

// BackoffDelay computes the exponential-backoff-with-jitter delay before a
// retryable task becomes eligible again (§4.E backoff): delay = min(base *
// 2^(attempt-1), cap), jittered by up to ±jitterFraction.
//
// jitterUnit is a caller-supplied value in [0,1) (e.g. from a PRNG); keeping
// randomness out of this function makes it a pure, deterministically
// testable calculation.
func BackoffDelay(attempt int, base, cap time.Duration, jitterFraction, jitterUnit float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	raw := float64(base) * math.Pow(2, float64(attempt-1))
	if capF := float64(cap); cap > 0 && raw > capF {
		raw = capF
	}
	if jitterFraction > 0 {
		// jitterUnit in [0,1) maps to a jitter multiplier in
		// [1-jitterFraction, 1+jitterFraction).
		multiplier := 1 - jitterFraction + 2*jitterFraction*jitterUnit
		raw *= multiplier
	}
	return time.Duration(raw)
}
