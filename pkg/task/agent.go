package task

import "time"

// AgentStatus is an Agent's lifecycle state (§3).
type AgentStatus string

const (
	AgentInitializing AgentStatus = "initializing"
	AgentActive       AgentStatus = "active"
	AgentPaused       AgentStatus = "paused"
	AgentDraining     AgentStatus = "draining"
	AgentDead         AgentStatus = "dead"
)

// Agent is a live worker instance, as tracked by the Agent Registry (§3).
type Agent struct {
	AgentID        string      `json:"agent_id"`
	Class          string      `json:"class"`
	Capabilities   []string    `json:"capabilities"`
	MaxConcurrency int         `json:"max_concurrency"`
	CurrentLoad    int         `json:"current_load"`
	Status         AgentStatus `json:"status"`
	PID            int         `json:"pid"`
	StartedAt      time.Time   `json:"started_at"`
	LastHeartbeat  time.Time   `json:"last_heartbeat"`
	ReservedPorts  []int       `json:"reserved_ports,omitempty"`
	HeldLocks      []string    `json:"held_locks,omitempty"`
}

// HasCapability reports whether the agent advertises capability.
func (a *Agent) HasCapability(capability string) bool {
	for _, c := range a.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}

// IsSaturated reports whether the agent is at its max concurrency.
func (a *Agent) IsSaturated() bool {
	return a.CurrentLoad >= a.MaxConcurrency
}

// RegistrationReceipt is returned by Registry.Register (§4.B): the agent
// learns the heartbeat period and claim lease length the registry expects
// it to use.
type RegistrationReceipt struct {
	HeartbeatPeriod time.Duration `json:"heartbeat_period"`
	ClaimLease      time.Duration `json:"claim_lease"`
}

// LoadSnapshot is the payload of a heartbeat call (§4.B).
type LoadSnapshot struct {
	CurrentLoad int         `json:"current_load"`
	Status      AgentStatus `json:"status"`
}

// DiscoverFilter narrows Registry.Discover results (§4.B).
type DiscoverFilter struct {
	Class      string
	Capability string
}
