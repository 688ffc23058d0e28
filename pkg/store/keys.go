package store

import "fmt"

// Key-builder functions. §6 specifies the state-store key layout bit-exact;
// centralizing it here is the one place that can get it wrong.

func TasksKey(class string) string       { return fmt.Sprintf("tasks:%s", class) }
func PendingKey(class string) string     { return fmt.Sprintf("pending:%s", class) }
func DelayedKey(class string) string     { return fmt.Sprintf("delayed:%s", class) }
func ProcessingKey(class string) string  { return fmt.Sprintf("processing:%s", class) }
func DeadKey(class string) string        { return fmt.Sprintf("dead:%s", class) }
func HeldKey(class string) string        { return fmt.Sprintf("held:%s", class) }
func QueueStateKey(class string) string  { return fmt.Sprintf("queue_state:%s", class) }

func AgentsRegistryKey() string   { return "agents:registry" }
func AgentsHeartbeatKey() string  { return "agents:heartbeat" }

func FileLockKey(pathSHA256 string) string { return fmt.Sprintf("locks:file:%s", pathSHA256) }
func PortLockKey(port int) string          { return fmt.Sprintf("locks:port:%d", port) }

func ConsensusRequestKey(id string) string { return fmt.Sprintf("consensus:req:%s", id) }

// ConsensusPendingKey is a sorted set of pending request ids scored by their
// deadline (unix seconds), letting the deadline sweep find due-for-expiry
// requests without a full table scan.
func ConsensusPendingKey() string { return "consensus:pending" }

func EmergencyStopKey() string { return "emergency_stop" }

// Pub/sub channel names (§6).

func ChanTaskEnqueued(class string) string { return fmt.Sprintf("task:enqueued:%s", class) }
func ChanTaskCompleted() string            { return "task:completed" }
func ChanTaskDead() string                 { return "task:dead" }
func ChanAgentRegistered() string          { return "agent:registered" }
func ChanAgentDeregistered() string        { return "agent:deregistered" }
func ChanAgentDirect(agentID string) string { return fmt.Sprintf("agent:direct:%s", agentID) }
func ChanAgentBroadcast() string           { return "agent:broadcast" }
func ChanAgentCoordination() string        { return "agent:coordination" }
func ChanConsensus(event string) string    { return fmt.Sprintf("consensus:%s", event) }
