package queue

import (
	"testing"
	"time"

	"github.com/taskfabric/fabric/pkg/task"
)

func TestAgeBoost_MonotonicAndCapped(t *testing.T) {
	zero := AgeBoost(0)
	if zero != 1 {
		t.Fatalf("AgeBoost(0) = %v, want 1", zero)
	}
	mid := AgeBoost(5 * time.Minute)
	if mid <= zero {
		t.Fatalf("AgeBoost should increase with age: %v <= %v", mid, zero)
	}
	capped := AgeBoost(24 * time.Hour)
	if capped != 121 {
		t.Fatalf("AgeBoost should cap at 121x, got %v", capped)
	}
}

func TestEffectivePriority_LowOvertakesAgedCriticalFresh(t *testing.T) {
	now := time.Now()

	critical := EffectivePriority(task.PriorityCritical.BaseScore(), now, now) // fresh critical
	low := EffectivePriority(task.PriorityLow.BaseScore(), now.Add(-24*time.Hour), now) // very old low

	if low <= critical {
		t.Fatalf("an old enough low-priority task should eventually overtake a fresh critical one: low=%v critical=%v", low, critical)
	}
}

func TestEffectivePriority_SameResidencyPreservesBaseOrdering(t *testing.T) {
	now := time.Now()
	submitted := now.Add(-time.Minute)

	normal := EffectivePriority(task.PriorityNormal.BaseScore(), submitted, now)
	critical := EffectivePriority(task.PriorityCritical.BaseScore(), submitted, now)

	if normal >= critical {
		t.Fatalf("normal task should not overtake critical task of equal residency: normal=%v critical=%v", normal, critical)
	}
}

func TestEffectivePriority_EqualBoostBreaksTieBySubmissionOrder(t *testing.T) {
	now := time.Now()
	// Both tasks have saturated the age boost (well past the 600s window),
	// so without a tie-break their scores would be exactly equal.
	earlier := EffectivePriority(task.PriorityLow.BaseScore(), now.Add(-48*time.Hour), now)
	later := EffectivePriority(task.PriorityLow.BaseScore(), now.Add(-36*time.Hour), now)

	if earlier <= later {
		t.Fatalf("earlier submission should score higher once age boost saturates: earlier=%v later=%v", earlier, later)
	}
}

func TestEffectivePriority_TieBreakNegligibleBesideUnsaturatedBoostGap(t *testing.T) {
	now := time.Now()
	// Neither task has saturated its age boost, and the priority gap (high
	// over normal) is untouched by the 600s window at this age; the
	// tie-break component must stay far too small to flip that ordering.
	freshHigh := EffectivePriority(task.PriorityHigh.BaseScore(), now, now)
	agingNormal := EffectivePriority(task.PriorityNormal.BaseScore(), now.Add(-90*time.Second), now)

	if agingNormal >= freshHigh {
		t.Fatalf("tie-break should never flip an ordering the priority gap alone already decides: agingNormal=%v freshHigh=%v", agingNormal, freshHigh)
	}
}

func TestBackoffDelay_ExponentialAndCapped(t *testing.T) {
	base := 100 * time.Millisecond
	cap := 2 * time.Second

	d1 := BackoffDelay(1, base, cap, 0, 0)
	d2 := BackoffDelay(2, base, cap, 0, 0)
	d3 := BackoffDelay(3, base, cap, 0, 0)

	if d1 != base {
		t.Fatalf("attempt 1 delay = %v, want %v", d1, base)
	}
	if d2 != 2*base {
		t.Fatalf("attempt 2 delay = %v, want %v", d2, 2*base)
	}
	if d3 != 4*base {
		t.Fatalf("attempt 3 delay = %v, want %v", d3, 4*base)
	}

	big := BackoffDelay(20, base, cap, 0, 0)
	if big != cap {
		t.Fatalf("delay should be capped at %v, got %v", cap, big)
	}
}

func TestBackoffDelay_JitterStaysWithinBounds(t *testing.T) {
	base := time.Second
	cap := time.Minute

	low := BackoffDelay(3, base, cap, 0.3, 0)
	high := BackoffDelay(3, base, cap, 0.3, 0.999999)
	unjittered := BackoffDelay(3, base, cap, 0, 0)

	if low >= unjittered {
		t.Fatalf("jitterUnit=0 should produce a delay below the unjittered value: low=%v unjittered=%v", low, unjittered)
	}
	if high <= unjittered {
		t.Fatalf("jitterUnit near 1 should produce a delay above the unjittered value: high=%v unjittered=%v", high, unjittered)
	}
}
