package task

import "time"

// ApprovalStatus is the lifecycle state of an ApprovalRequest (§3).
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
	ApprovalExpired  ApprovalStatus = "expired"
)

// ApprovalRequest gates a destructive operation on reviewer quorum (§3, §4.F).
type ApprovalRequest struct {
	RequestID          string         `json:"request_id"`
	Operation          string         `json:"operation"`
	Targets            []string       `json:"targets"`
	Reason             string         `json:"reason"`
	Initiator          string         `json:"initiator"`
	RequiredApprovals  int            `json:"required_approvals"`
	Deadline           time.Time      `json:"deadline"`
	Approvals          []string       `json:"approvals"`
	Rejections         []string       `json:"rejections"`
	Status             ApprovalStatus `json:"status"`
	SnapshotID         string         `json:"snapshot_id"`
}

// HasVoted reports whether agentID already voted either way, enforcing the
// "single reviewer counts once per request" invariant.
func (r *ApprovalRequest) HasVoted(agentID string) bool {
	for _, a := range r.Approvals {
		if a == agentID {
			return true
		}
	}
	for _, a := range r.Rejections {
		if a == agentID {
			return true
		}
	}
	return false
}

// Snapshot is a point-in-time copy of resources taken before a destructive
// operation executes (§3).
type Snapshot struct {
	SnapshotID string    `json:"snapshot_id"`
	Targets    []string  `json:"targets"`
	CreatedAt  time.Time `json:"created_at"`
	SizeBytes  int64     `json:"size_bytes"`
	Manifest   []ManifestEntry `json:"manifest"`
}

// ManifestEntry records one captured resource within a Snapshot.
type ManifestEntry struct {
	Path        string `json:"path"`
	ContentHash string `json:"content_hash"`
	SizeBytes   int64  `json:"size_bytes"`
}
