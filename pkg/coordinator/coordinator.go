// Package coordinator implements the Resource Coordination Layer (§4.C):
// file read/write locks and port reservations, both with fencing tokens and
// TTL-based crash safety.
package coordinator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"path/filepath"
	"time"

	"github.com/taskfabric/fabric/internal/apperrors"
	"github.com/taskfabric/fabric/internal/logging"
	"github.com/taskfabric/fabric/pkg/store"
	"github.com/taskfabric/fabric/pkg/task"
)

// LockTracker mirrors granted/released locks and ports onto the Agent
// Registry's persisted held_locks/reserved_ports sets (§3 Agent), so a
// reaper running in a different process than the one that acquired them can
// still hand ReleaseAllForAgent a real list instead of an empty one.
// pkg/registry.Registry implements this; it is optional (nil is a no-op) so
// the Coordinator never needs to import the Registry package.
type LockTracker interface {
	TrackLock(ctx context.Context, agentID, resourceKey string, held bool) error
	TrackPort(ctx context.Context, agentID string, port int, held bool) error
}

// Coordinator grants and revokes file and port locks (§3 Lock, §4.C).
type Coordinator struct {
	store     store.Store
	log       *logging.Logger
	pollEvery time.Duration
	tracker   LockTracker
}

// New constructs a Coordinator.
func New(s store.Store, log *logging.Logger) *Coordinator {
	if log == nil {
		log = logging.Nop()
	}
	return &Coordinator{store: s, log: log.WithComponent("coordinator"), pollEvery: 25 * time.Millisecond}
}

// SetLockTracker wires a LockTracker (typically the Worker Runtime's
// Registry) so granted/released locks and ports are mirrored onto the
// holding agent's persisted record.
func (c *Coordinator) SetLockTracker(t LockTracker) {
	c.tracker = t
}

func (c *Coordinator) trackLock(ctx context.Context, agentID, key string, held bool) {
	if c.tracker == nil {
		return
	}
	if err := c.tracker.TrackLock(ctx, agentID, key, held); err != nil {
		c.log.Warn("failed to mirror lock onto agent record", logging.NewFields().AgentID(agentID).With("key", key).Error(err))
	}
}

func (c *Coordinator) trackPort(ctx context.Context, agentID string, port int, held bool) {
	if c.tracker == nil {
		return
	}
	if err := c.tracker.TrackPort(ctx, agentID, port, held); err != nil {
		c.log.Warn("failed to mirror port onto agent record", logging.NewFields().AgentID(agentID).With("port", port).Error(err))
	}
}

// Mode is the file lock acquisition mode.
type Mode string

const (
	ModeRead  Mode = "read"
	ModeWrite Mode = "write"
)

// fileLockState is the JSON string value stored at the per-resource lock key.
// Expired holders are purged lazily by every script invocation instead of
// relying on key-level TTL, since a single resource key hosts many readers
// each with their own expiry.
type fileLockState struct {
	Writer       *holder          `json:"writer,omitempty"`
	Readers      map[string]holder `json:"readers,omitempty"`
	FenceCounter int64            `json:"fence_counter"`
}

type holder struct {
	AgentID    string `json:"agent_id"`
	FenceToken int64  `json:"fence_token"`
	ExpiresAt  int64  `json:"expires_at_ms"`
}

// CanonicalPath resolves path to an absolute, symlink-resolved form so two
// references to the same file share a lock (§4.C canonicalization).
func CanonicalPath(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.ErrorTypeValidation, "resolve absolute path")
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		// Path may not exist yet (a file about to be created); fall back to
		// the absolute form rather than failing acquisition outright.
		resolved = abs
	}
	return resolved, nil
}

func resourceKeyFor(canonicalPath string) string {
	sum := sha256.Sum256([]byte(canonicalPath))
	return store.FileLockKey(hex.EncodeToString(sum[:]))
}

var fileAcquireScript = store.NewScript("coordinator_file_acquire", `
-- KEYS[1] = locks:file:<hash>
-- ARGV[1] = mode, ARGV[2] = agent_id, ARGV[3] = ttl_ms, ARGV[4] = now_ms
local raw = redis.call("GET", KEYS[1])
local state
if raw then
	state = cjson.decode(raw)
else
	state = {fence_counter = 0}
end
if state.readers == nil then state.readers = {} end

local now = tonumber(ARGV[4])

-- purge expired writer
if state.writer and state.writer.expires_at_ms <= now then
	state.writer = nil
end
-- purge expired readers
local live_readers = {}
for agent, h in pairs(state.readers) do
	if h.expires_at_ms > now then
		live_readers[agent] = h
	end
end
state.readers = live_readers

local mode = ARGV[1]
local agent_id = ARGV[2]
local ttl = tonumber(ARGV[3])

if mode == "write" then
	local has_readers = false
	for _ in pairs(state.readers) do has_readers = true break end
	if state.writer ~= nil or has_readers then
		redis.call("SET", KEYS[1], cjson.encode(state))
		return -1
	end
	state.fence_counter = state.fence_counter + 1
	state.writer = {agent_id = agent_id, fence_token = state.fence_counter, expires_at_ms = now + ttl}
	redis.call("SET", KEYS[1], cjson.encode(state))
	return state.fence_counter
else
	if state.writer ~= nil then
		redis.call("SET", KEYS[1], cjson.encode(state))
		return -1
	end
	state.fence_counter = state.fence_counter + 1
	state.readers[agent_id] = {agent_id = agent_id, fence_token = state.fence_counter, expires_at_ms = now + ttl}
	redis.call("SET", KEYS[1], cjson.encode(state))
	return state.fence_counter
end
`)

// Acquire attempts a read or write lock on path, polling every pollEvery
// until waitFor elapses or ctx is cancelled (§4.C acquire).
func (c *Coordinator) Acquire(ctx context.Context, path string, mode Mode, agentID string, ttl, waitFor time.Duration) (*task.Handle, error) {
	canonical, err := CanonicalPath(path)
	if err != nil {
		return nil, err
	}
	key := resourceKeyFor(canonical)

	deadline := time.Now().Add(waitFor)
	for {
		token, err := c.tryAcquire(ctx, key, mode, agentID, ttl)
		if err != nil {
			return nil, err
		}
		if token >= 0 {
			kind := task.LockFileRead
			if mode == ModeWrite {
				kind = task.LockFileWrite
			}
			c.log.Info("lock acquired", logging.NewFields().AgentID(agentID).Resource("file", canonical).With("fence_token", token))
			c.trackLock(ctx, agentID, key, true)
			return &task.Handle{ResourceKey: key, Kind: kind, FenceToken: token, AgentID: agentID}, nil
		}
		if waitFor <= 0 || time.Now().After(deadline) {
			return nil, apperrors.NewBusyError(fmt.Sprintf("file lock %s", canonical))
		}
		select {
		case <-ctx.Done():
			return nil, apperrors.Wrap(ctx.Err(), apperrors.ErrorTypeTimeout, "acquire cancelled")
		case <-time.After(c.pollEvery):
		}
	}
}

func (c *Coordinator) tryAcquire(ctx context.Context, key string, mode Mode, agentID string, ttl time.Duration) (int64, error) {
	v, err := c.store.RunScript(ctx, fileAcquireScript, []string{key},
		string(mode), agentID, ttl.Milliseconds(), time.Now().UnixMilli())
	if err != nil {
		return 0, err
	}
	n, _ := v.(int64)
	return n, nil
}

var fileReleaseScript = store.NewScript("coordinator_file_release", `
-- KEYS[1] = locks:file:<hash>
-- ARGV[1] = mode, ARGV[2] = agent_id, ARGV[3] = fence_token
local raw = redis.call("GET", KEYS[1])
if not raw then return 0 end
local state = cjson.decode(raw)
if state.readers == nil then state.readers = {} end

local mode = ARGV[1]
local agent_id = ARGV[2]
local fence_token = tonumber(ARGV[3])

if mode == "write" then
	if state.writer and state.writer.agent_id == agent_id and state.writer.fence_token == fence_token then
		state.writer = nil
		redis.call("SET", KEYS[1], cjson.encode(state))
		return 1
	end
	return 0
else
	local h = state.readers[agent_id]
	if h and h.fence_token == fence_token then
		state.readers[agent_id] = nil
		redis.call("SET", KEYS[1], cjson.encode(state))
		return 1
	end
	return 0
end
`)

// Release gives up a file lock. A release carrying a stale fence token is a
// no-op returning a Stale error (§4.C release).
func (c *Coordinator) Release(ctx context.Context, h *task.Handle) error {
	mode := ModeRead
	if h.Kind == task.LockFileWrite {
		mode = ModeWrite
	}
	v, err := c.store.RunScript(ctx, fileReleaseScript, []string{h.ResourceKey}, string(mode), h.AgentID, h.FenceToken)
	if err != nil {
		return err
	}
	if n, _ := v.(int64); n == 0 {
		return apperrors.NewStaleError(h.ResourceKey)
	}
	c.log.Info("lock released", logging.NewFields().AgentID(h.AgentID).With("fence_token", h.FenceToken))
	c.trackLock(ctx, h.AgentID, h.ResourceKey, false)
	return nil
}

// Inspection reports a resource's current holders (§4.C inspect).
type Inspection struct {
	ResourceKey  string
	WriterAgent  string
	ReaderAgents []string
	FenceCounter int64
}

// Inspect returns the current state of a file resource.
func (c *Coordinator) Inspect(ctx context.Context, path string) (*Inspection, error) {
	canonical, err := CanonicalPath(path)
	if err != nil {
		return nil, err
	}
	key := resourceKeyFor(canonical)
	raw, ok, err := c.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	insp := &Inspection{ResourceKey: key}
	if !ok {
		return insp, nil
	}
	var state fileLockState
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeInternal, "decode lock state")
	}
	now := time.Now().UnixMilli()
	insp.FenceCounter = state.FenceCounter
	if state.Writer != nil && state.Writer.ExpiresAt > now {
		insp.WriterAgent = state.Writer.AgentID
	}
	for agent, h := range state.Readers {
		if h.ExpiresAt > now {
			insp.ReaderAgents = append(insp.ReaderAgents, agent)
		}
	}
	return insp, nil
}

var portReserveScript = store.NewScript("coordinator_port_reserve", `
-- KEYS[1] = locks:port:<port>
-- ARGV[1] = agent_id, ARGV[2] = purpose, ARGV[3] = ttl_ms, ARGV[4] = now_ms
local raw = redis.call("GET", KEYS[1])
if raw then
	local h = cjson.decode(raw)
	if h.expires_at_ms > tonumber(ARGV[4]) then
		return 0
	end
end
local rec = {agent_id = ARGV[1], purpose = ARGV[2], expires_at_ms = tonumber(ARGV[4]) + tonumber(ARGV[3])}
redis.call("SET", KEYS[1], cjson.encode(rec))
return 1
`)

// ReservePort atomically reserves a port number, probing the local OS first
// as a best-effort check (§4.C port locks). The probe narrows but does not
// close the TOCTOU window between probe and grant.
func (c *Coordinator) ReservePort(ctx context.Context, port int, purpose, agentID string, ttl time.Duration) error {
	if !probePortFree(port) {
		return apperrors.NewBusyError(fmt.Sprintf("port %d", port))
	}
	v, err := c.store.RunScript(ctx, portReserveScript, []string{store.PortLockKey(port)},
		agentID, purpose, ttl.Milliseconds(), time.Now().UnixMilli())
	if err != nil {
		return err
	}
	if n, _ := v.(int64); n == 0 {
		return apperrors.NewBusyError(fmt.Sprintf("port %d", port))
	}
	c.log.Info("port reserved", logging.NewFields().AgentID(agentID).With("port", port))
	c.trackPort(ctx, agentID, port, true)
	return nil
}

func probePortFree(port int) bool {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return false
	}
	_ = ln.Close()
	return true
}

var portReleaseScript = store.NewScript("coordinator_port_release", `
-- KEYS[1] = locks:port:<port>
-- ARGV[1] = agent_id
local raw = redis.call("GET", KEYS[1])
if not raw then return 1 end
local h = cjson.decode(raw)
if h.agent_id ~= ARGV[1] then return -1 end
redis.call("DEL", KEYS[1])
return 1
`)

// ReleasePort idempotently releases a port reservation; a second release by
// the same agent (or release of an already-expired reservation) is a no-op
// success. Release attempted by a non-holding agent is a Conflict (§4.C
// port locks, "release ... by the holding agent only").
func (c *Coordinator) ReleasePort(ctx context.Context, port int, agentID string) error {
	v, err := c.store.RunScript(ctx, portReleaseScript, []string{store.PortLockKey(port)}, agentID)
	if err != nil {
		return err
	}
	n, _ := v.(int64)
	if n == -1 {
		return apperrors.NewConflictError(fmt.Sprintf("port:%d", port))
	}
	c.trackPort(ctx, agentID, port, false)
	return nil
}

// ReleaseAllForAgent releases every file and port lock held by agentID. It
// is wired as the Registry's DeregisterHook (§4.B deregister / reaper:
// "releases all locks held by this agent").
func (c *Coordinator) ReleaseAllForAgent(ctx context.Context, agentID string, heldLocks []string, reservedPorts []int) {
	for _, key := range heldLocks {
		if err := c.forceReleaseFileKey(ctx, key, agentID); err != nil {
			c.log.Warn("failed releasing lock for dead agent", logging.NewFields().AgentID(agentID).With("key", key).Error(err))
		}
	}
	for _, port := range reservedPorts {
		if err := c.ReleasePort(ctx, port, agentID); err != nil {
			c.log.Warn("failed releasing port for dead agent", logging.NewFields().AgentID(agentID).With("port", port).Error(err))
		}
	}
}

var forceReleaseScript = store.NewScript("coordinator_force_release", `
-- KEYS[1] = locks:file:<hash>, ARGV[1] = agent_id
local raw = redis.call("GET", KEYS[1])
if not raw then return 0 end
local state = cjson.decode(raw)
if state.readers == nil then state.readers = {} end
local changed = false
if state.writer and state.writer.agent_id == ARGV[1] then
	state.writer = nil
	changed = true
end
if state.readers[ARGV[1]] then
	state.readers[ARGV[1]] = nil
	changed = true
end
if changed then
	redis.call("SET", KEYS[1], cjson.encode(state))
end
return 1
`)

func (c *Coordinator) forceReleaseFileKey(ctx context.Context, key, agentID string) error {
	_, err := c.store.RunScript(ctx, forceReleaseScript, []string{key}, agentID)
	return err
}
