// Package metrics holds the fabric's Prometheus metric vectors and the
// small recording helpers the other components call into (§9 ambient
// stack: "queue depth gauges per class/priority band, claim/complete/fail
// counters, lease-expiry counter, lock contention counter, consensus
// outcome counter").
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fabric_queue_depth",
		Help: "Number of tasks currently pending per class and priority band.",
	}, []string{"class", "priority"})

	TasksClaimedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fabric_tasks_claimed_total",
		Help: "Total tasks claimed, by class.",
	}, []string{"class"})

	TasksCompletedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fabric_tasks_completed_total",
		Help: "Total tasks completed successfully, by class.",
	}, []string{"class"})

	TasksFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fabric_tasks_failed_total",
		Help: "Total task failures, by class and whether the failure was retryable.",
	}, []string{"class", "retryable"})

	LeaseExpiredTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fabric_lease_expired_total",
		Help: "Total claim leases reaped after their deadline passed, by class.",
	}, []string{"class"})

	LockContentionTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fabric_lock_contention_total",
		Help: "Total Busy responses returned by Acquire, by resource kind (file, port).",
	}, []string{"resource_kind"})

	ConsensusOutcomeTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fabric_consensus_outcome_total",
		Help: "Total approval requests resolved, by outcome (approved, rejected, expired).",
	}, []string{"outcome"})

	TaskDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fabric_task_duration_seconds",
		Help:    "Time from claim to completion or failure, by class.",
		Buckets: prometheus.DefBuckets,
	}, []string{"class"})
)

// RecordClaim increments the claim counter for class.
func RecordClaim(class string) {
	TasksClaimedTotal.WithLabelValues(class).Inc()
}

// RecordComplete increments the completion counter and observes task
// duration for class.
func RecordComplete(class string, duration time.Duration) {
	TasksCompletedTotal.WithLabelValues(class).Inc()
	TaskDurationSeconds.WithLabelValues(class).Observe(duration.Seconds())
}

// RecordFail increments the failure counter for class, tagged by whether
// the failure was retryable.
func RecordFail(class string, retryable bool) {
	TasksFailedTotal.WithLabelValues(class, boolLabel(retryable)).Inc()
}

// RecordLeaseExpired increments the lease-expiry counter for class.
func RecordLeaseExpired(class string) {
	LeaseExpiredTotal.WithLabelValues(class).Inc()
}

// RecordLockContention increments the contention counter for a resource
// kind ("file" or "port").
func RecordLockContention(resourceKind string) {
	LockContentionTotal.WithLabelValues(resourceKind).Inc()
}

// RecordConsensusOutcome increments the consensus outcome counter.
func RecordConsensusOutcome(outcome string) {
	ConsensusOutcomeTotal.WithLabelValues(outcome).Inc()
}

// SetQueueDepth sets the current pending-task gauge for a class/priority pair.
func SetQueueDepth(class, priority string, depth int) {
	QueueDepth.WithLabelValues(class, priority).Set(float64(depth))
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
