package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordClaim_IncrementsCounter(t *testing.T) {
	initial := testutil.ToFloat64(TasksClaimedTotal.WithLabelValues("builder"))
	RecordClaim("builder")
	after := testutil.ToFloat64(TasksClaimedTotal.WithLabelValues("builder"))
	if after != initial+1 {
		t.Fatalf("after = %v, want %v", after, initial+1)
	}
}

func TestRecordComplete_IncrementsCounterAndObservesDuration(t *testing.T) {
	initial := testutil.ToFloat64(TasksCompletedTotal.WithLabelValues("reviewer"))
	RecordComplete("reviewer", 250*time.Millisecond)
	after := testutil.ToFloat64(TasksCompletedTotal.WithLabelValues("reviewer"))
	if after != initial+1 {
		t.Fatalf("after = %v, want %v", after, initial+1)
	}
}

func TestRecordFail_TagsRetryableLabel(t *testing.T) {
	initialTrue := testutil.ToFloat64(TasksFailedTotal.WithLabelValues("builder", "true"))
	initialFalse := testutil.ToFloat64(TasksFailedTotal.WithLabelValues("builder", "false"))

	RecordFail("builder", true)
	RecordFail("builder", false)

	if got := testutil.ToFloat64(TasksFailedTotal.WithLabelValues("builder", "true")); got != initialTrue+1 {
		t.Fatalf("retryable=true = %v, want %v", got, initialTrue+1)
	}
	if got := testutil.ToFloat64(TasksFailedTotal.WithLabelValues("builder", "false")); got != initialFalse+1 {
		t.Fatalf("retryable=false = %v, want %v", got, initialFalse+1)
	}
}

func TestSetQueueDepth_SetsGauge(t *testing.T) {
	SetQueueDepth("builder", "critical", 7)
	if got := testutil.ToFloat64(QueueDepth.WithLabelValues("builder", "critical")); got != 7 {
		t.Fatalf("gauge = %v, want 7", got)
	}
	SetQueueDepth("builder", "critical", 3)
	if got := testutil.ToFloat64(QueueDepth.WithLabelValues("builder", "critical")); got != 3 {
		t.Fatalf("gauge after update = %v, want 3", got)
	}
}

func TestRecordLockContention_IncrementsByResourceKind(t *testing.T) {
	initial := testutil.ToFloat64(LockContentionTotal.WithLabelValues("file"))
	RecordLockContention("file")
	after := testutil.ToFloat64(LockContentionTotal.WithLabelValues("file"))
	if after != initial+1 {
		t.Fatalf("after = %v, want %v", after, initial+1)
	}
}

func TestRecordConsensusOutcome_IncrementsByOutcome(t *testing.T) {
	initial := testutil.ToFloat64(ConsensusOutcomeTotal.WithLabelValues("approved"))
	RecordConsensusOutcome("approved")
	after := testutil.ToFloat64(ConsensusOutcomeTotal.WithLabelValues("approved"))
	if after != initial+1 {
		t.Fatalf("after = %v, want %v", after, initial+1)
	}
}
