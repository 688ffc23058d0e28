// Package task defines the fabric's data model (§3): Task, Queue, Agent,
// Lock, Message, ApprovalRequest, and Snapshot. These are plain value types;
// every invariant on them is enforced by the owning component (pkg/queue,
// pkg/registry, pkg/coordinator, pkg/fabric, pkg/consensus), not here.
package task

import "time"

// Priority is one of the five fixed priority bands (§3). The numeric value
// is the base_priority used in effective-priority scoring (§4.E).
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityNormal   Priority = "normal"
	PriorityLow      Priority = "low"
	PriorityDeferred Priority = "deferred"
)

// BaseScore returns the numeric base_priority for a Priority band.
// Unknown values score as PriorityNormal, so a malformed envelope degrades
// gracefully instead of starving forever at zero.
func (p Priority) BaseScore() float64 {
	switch p {
	case PriorityCritical:
		return 10
	case PriorityHigh:
		return 5
	case PriorityNormal:
		return 1
	case PriorityLow:
		return 0.5
	case PriorityDeferred:
		return 0.1
	default:
		return 1
	}
}

// Valid reports whether p is one of the five defined bands.
func (p Priority) Valid() bool {
	switch p {
	case PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow, PriorityDeferred:
		return true
	}
	return false
}

// Status is a Task's lifecycle state (§3 invariant: exactly one at a time).
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusDead       Status = "dead"
)

// Task is the unit of work dispatched through the Priority Queue Engine.
//
// JSON field names are bit-exact with §6's task envelope so a single struct
// serves as both the in-process value and the wire/store representation.
type Task struct {
	ID             string         `json:"id"`
	Class          string         `json:"class"`
	Priority       Priority       `json:"priority"`
	Payload        []byte         `json:"payload"`
	PromptSuffix   string         `json:"prompt_suffix,omitempty"`
	TimeoutMS      int64          `json:"timeout_ms"`
	MaxRetries     int            `json:"max_retries"`
	Attempt        int            `json:"attempt"`
	SubmittedAt    time.Time      `json:"submitted_at"`
	Status         Status         `json:"status"`
	ClaimedBy      string         `json:"claimed_by,omitempty"`
	ClaimDeadline  *time.Time     `json:"claim_deadline,omitempty"`
	Context        map[string]any `json:"context,omitempty"`
	Result         []byte         `json:"result,omitempty"`
	LastError      string         `json:"last_error,omitempty"`
}

// Timeout returns TimeoutMS as a time.Duration.
func (t *Task) Timeout() time.Duration {
	return time.Duration(t.TimeoutMS) * time.Millisecond
}

// RetriesExhausted reports whether the task has used its last attempt,
// matching the invariant attempt ≤ max_retries+1.
func (t *Task) RetriesExhausted() bool {
	return t.Attempt >= t.MaxRetries+1
}

// QueueState is the per-class pause/resume state (§3 Queue, §6 queue_state:{class}).
type QueueState struct {
	Paused   bool      `json:"paused"`
	PausedAt time.Time `json:"paused_at,omitempty"`
	Reason   string    `json:"reason,omitempty"`
}

// ProcessingEntry is the processing:{class} hash value for a claimed task.
type ProcessingEntry struct {
	AgentID       string    `json:"agent_id"`
	ClaimDeadline time.Time `json:"claim_deadline"`
	Attempt       int       `json:"attempt"`
}
