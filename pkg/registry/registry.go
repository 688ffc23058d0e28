// Package registry implements the Agent Registry & Liveness Layer (§4.B):
// registration, heartbeats, capability discovery, and dead-agent reaping.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/taskfabric/fabric/internal/apperrors"
	"github.com/taskfabric/fabric/internal/logging"
	"github.com/taskfabric/fabric/pkg/store"
	"github.com/taskfabric/fabric/pkg/task"
)

// DeregisterHook is invoked after an agent entry is removed — by an explicit
// Deregister call or by the reaper — with the last-known agent record
// (including held_locks/reserved_ports, §3 Agent) so the Worker Runtime
// (which composes the Registry with the Coordinator and Queue Engine) can
// release the agent's locks and requeue its claimed tasks without the
// Registry package importing either of those higher-layer components (§2
// dependency order: Registry sits below Coordinator and Engine). This
// matters most for the reaper path, where the process invoking the hook is
// not the same process that held the locks.
type DeregisterHook func(ctx context.Context, agent *task.Agent)

// Config configures a Registry.
type Config struct {
	LivenessTTL       time.Duration
	HeartbeatPeriod   time.Duration
	ClaimLeaseDefault time.Duration
	ReaperInterval    time.Duration
}

// Registry tracks live workers (§3 Agent, §4.B).
type Registry struct {
	store  store.Store
	log    *logging.Logger
	cfg    Config
	onDead DeregisterHook

	cron *cron.Cron
}

// New constructs a Registry.
func New(s store.Store, log *logging.Logger, cfg Config) *Registry {
	if log == nil {
		log = logging.Nop()
	}
	return &Registry{
		store: s,
		log:   log.WithComponent("registry"),
		cfg:   cfg,
	}
}

// OnDeregister wires the hook invoked whenever an agent is removed (explicit
// deregister or reaper sweep).
func (r *Registry) OnDeregister(hook DeregisterHook) {
	r.onDead = hook
}

// AgentDescriptor is the caller-supplied shape for Register; Registry fills
// in StartedAt/LastHeartbeat/Status.
type AgentDescriptor struct {
	AgentID        string
	Class          string
	Capabilities   []string
	MaxConcurrency int
	PID            int
}

var registerScript = store.NewScript("registry_register", `
-- KEYS[1] = agents:registry, KEYS[2] = agents:heartbeat
-- ARGV[1] = agent_id, ARGV[2] = descriptor json, ARGV[3] = heartbeat json, ARGV[4] = now_ms, ARGV[5] = liveness_ttl_ms
local existing = redis.call("HGET", KEYS[2], ARGV[1])
if existing then
	local hb = cjson.decode(existing)
	local age = tonumber(ARGV[4]) - hb.last_heartbeat_ms
	if age <= tonumber(ARGV[5]) then
		return 0
	end
end
redis.call("HSET", KEYS[1], ARGV[1], ARGV[2])
redis.call("HSET", KEYS[2], ARGV[1], ARGV[3])
return 1
`)

// Register adds the agent to the registry (§4.B). It fails with a Conflict
// if agent_id already exists and its last heartbeat is within the liveness
// TTL.
func (r *Registry) Register(ctx context.Context, desc AgentDescriptor) (*task.RegistrationReceipt, error) {
	if desc.AgentID == "" {
		desc.AgentID = uuid.NewString()
	}
	now := time.Now().UTC()
	agent := task.Agent{
		AgentID:        desc.AgentID,
		Class:          desc.Class,
		Capabilities:   desc.Capabilities,
		MaxConcurrency: desc.MaxConcurrency,
		CurrentLoad:    0,
		Status:         task.AgentInitializing,
		PID:            desc.PID,
		StartedAt:      now,
		LastHeartbeat:  now,
	}
	descJSON, err := json.Marshal(agent)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeInternal, "marshal agent descriptor")
	}
	hb := heartbeatRecord{LastHeartbeatMS: now.UnixMilli(), Load: 0, Status: task.AgentActive}
	hbJSON, err := json.Marshal(hb)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeInternal, "marshal heartbeat")
	}

	v, err := r.store.RunScript(ctx, registerScript,
		[]string{store.AgentsRegistryKey(), store.AgentsHeartbeatKey()},
		desc.AgentID, string(descJSON), string(hbJSON), now.UnixMilli(), r.cfg.LivenessTTL.Milliseconds(),
	)
	if err != nil {
		return nil, err
	}
	if n, _ := v.(int64); n == 0 {
		return nil, apperrors.Newf(apperrors.ErrorTypeConflict, "agent %s already registered and live", desc.AgentID)
	}

	_ = r.store.Publish(ctx, store.ChanAgentRegistered(), desc.AgentID)
	r.log.Info("agent registered", r.fields(desc.AgentID).Class(desc.Class))

	return &task.RegistrationReceipt{
		HeartbeatPeriod: r.cfg.HeartbeatPeriod,
		ClaimLease:      r.cfg.ClaimLeaseDefault,
	}, nil
}

type heartbeatRecord struct {
	LastHeartbeatMS int64           `json:"last_heartbeat_ms"`
	Load            int             `json:"load"`
	Status          task.AgentStatus `json:"status"`
}

var heartbeatScript = store.NewScript("registry_heartbeat", `
-- KEYS[1] = agents:registry, KEYS[2] = agents:heartbeat
-- ARGV[1] = agent_id, ARGV[2] = heartbeat json
if redis.call("HEXISTS", KEYS[1], ARGV[1]) == 0 then
	return 0
end
redis.call("HSET", KEYS[2], ARGV[1], ARGV[2])
return 1
`)

// Heartbeat refreshes last_heartbeat and atomically updates current_load and
// status (§4.B).
func (r *Registry) Heartbeat(ctx context.Context, agentID string, snapshot task.LoadSnapshot) error {
	hb := heartbeatRecord{
		LastHeartbeatMS: time.Now().UTC().UnixMilli(),
		Load:            snapshot.CurrentLoad,
		Status:          snapshot.Status,
	}
	hbJSON, err := json.Marshal(hb)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeInternal, "marshal heartbeat")
	}
	v, err := r.store.RunScript(ctx, heartbeatScript,
		[]string{store.AgentsRegistryKey(), store.AgentsHeartbeatKey()},
		agentID, string(hbJSON),
	)
	if err != nil {
		return err
	}
	if n, _ := v.(int64); n == 0 {
		return apperrors.NewNotFoundError("agent", agentID)
	}
	return nil
}

// Deregister removes the agent entry, publishes an event, and invokes the
// DeregisterHook with the agent's last-known held_locks/reserved_ports so the
// caller can release them and requeue its tasks (§4.B). The descriptor is
// read before deletion so the hook still sees those sets on the reaper path,
// where the calling process never held them itself.
func (r *Registry) Deregister(ctx context.Context, agentID string) error {
	agent, err := r.loadOne(ctx, agentID)
	if err != nil {
		r.log.Warn("deregistering agent with unreadable descriptor", r.fields(agentID).Error(err))
		agent = &task.Agent{AgentID: agentID}
	}
	if err := r.store.HDel(ctx, store.AgentsRegistryKey(), agentID); err != nil {
		return err
	}
	if err := r.store.HDel(ctx, store.AgentsHeartbeatKey(), agentID); err != nil {
		return err
	}
	_ = r.store.Publish(ctx, store.ChanAgentDeregistered(), agentID)
	if r.onDead != nil {
		r.onDead(ctx, agent)
	}
	r.log.Info("agent deregistered", r.fields(agentID))
	return nil
}

// loadOne reads a single agent's descriptor, without merging heartbeat state
// (callers that need liveness should use loadAll/Discover instead).
func (r *Registry) loadOne(ctx context.Context, agentID string) (*task.Agent, error) {
	descJSON, ok, err := r.store.HGet(ctx, store.AgentsRegistryKey(), agentID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperrors.NewNotFoundError("agent", agentID)
	}
	var a task.Agent
	if err := json.Unmarshal([]byte(descJSON), &a); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeInternal, "unmarshal agent descriptor")
	}
	return &a, nil
}

var trackHoldsScript = store.NewScript("registry_track_holds", `
-- KEYS[1] = agents:registry
-- ARGV[1] = agent_id, ARGV[2] = field ("held_locks" or "reserved_ports"), ARGV[3] = value, ARGV[4] = held (1 add / 0 remove)
local raw = redis.call("HGET", KEYS[1], ARGV[1])
if not raw then
	return 0
end
local agent = cjson.decode(raw)
local list = agent[ARGV[2]]
if list == nil or list == cjson.null then
	list = {}
end
local out = {}
local found = false
for _, v in ipairs(list) do
	if tostring(v) == ARGV[3] then
		found = true
	else
		table.insert(out, v)
	end
end
if tonumber(ARGV[4]) == 1 and not found then
	if ARGV[2] == "reserved_ports" then
		table.insert(out, tonumber(ARGV[3]))
	else
		table.insert(out, ARGV[3])
	end
end
if #out == 0 then
	agent[ARGV[2]] = nil
else
	agent[ARGV[2]] = out
end
redis.call("HSET", KEYS[1], ARGV[1], cjson.encode(agent))
return 1
`)

// TrackLock records (or clears) a held resource key against the agent's
// persisted held_locks set (§3 Agent), so the reaper path can tell a dead
// agent's locks apart from a live one's. Implements pkg/coordinator.LockTracker.
func (r *Registry) TrackLock(ctx context.Context, agentID, resourceKey string, held bool) error {
	return r.trackHold(ctx, agentID, "held_locks", resourceKey, held)
}

// TrackPort records (or clears) a reserved port against the agent's
// persisted reserved_ports set (§3 Agent). Implements pkg/coordinator.LockTracker.
func (r *Registry) TrackPort(ctx context.Context, agentID string, port int, held bool) error {
	return r.trackHold(ctx, agentID, "reserved_ports", fmt.Sprintf("%d", port), held)
}

func (r *Registry) trackHold(ctx context.Context, agentID, field, value string, held bool) error {
	heldArg := 0
	if held {
		heldArg = 1
	}
	v, err := r.store.RunScript(ctx, trackHoldsScript,
		[]string{store.AgentsRegistryKey()},
		agentID, field, value, heldArg,
	)
	if err != nil {
		return err
	}
	if n, _ := v.(int64); n == 0 {
		// Agent already gone (deregistered/reaped); nothing to track.
		return nil
	}
	return nil
}

// Discover returns agents matching filter, lazy-reaping dead entries
// encountered in the scan (§4.B).
func (r *Registry) Discover(ctx context.Context, filter task.DiscoverFilter) ([]*task.Agent, error) {
	agents, err := r.loadAll(ctx)
	if err != nil {
		return nil, err
	}

	var out []*task.Agent
	for _, a := range agents {
		if a.Status == task.AgentDead {
			r.reapOne(ctx, a.AgentID)
			continue
		}
		if filter.Class != "" && a.Class != filter.Class {
			continue
		}
		if filter.Capability != "" && !a.HasCapability(filter.Capability) {
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

// FindForCapability returns a live agent advertising capability, preferring
// the one with the oldest last_heartbeat among those below max_concurrency
// (§4.B: "simple least-recently-active load balance").
func (r *Registry) FindForCapability(ctx context.Context, capability string) (*task.Agent, error) {
	agents, err := r.Discover(ctx, task.DiscoverFilter{Capability: capability})
	if err != nil {
		return nil, err
	}
	var candidates []*task.Agent
	for _, a := range agents {
		if !a.IsSaturated() {
			candidates = append(candidates, a)
		}
	}
	if len(candidates) == 0 {
		return nil, apperrors.Newf(apperrors.ErrorTypeNotFound, "no live agent advertises capability %q with spare concurrency", capability)
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].LastHeartbeat.Before(candidates[j].LastHeartbeat)
	})
	return candidates[0], nil
}

// loadAll reads every registered agent, merging descriptor and heartbeat
// state and computing liveness against the configured TTL.
func (r *Registry) loadAll(ctx context.Context) ([]*task.Agent, error) {
	descriptors, err := r.store.HGetAll(ctx, store.AgentsRegistryKey())
	if err != nil {
		return nil, err
	}
	heartbeats, err := r.store.HGetAll(ctx, store.AgentsHeartbeatKey())
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	out := make([]*task.Agent, 0, len(descriptors))
	for id, descJSON := range descriptors {
		var a task.Agent
		if err := json.Unmarshal([]byte(descJSON), &a); err != nil {
			r.log.Warn("skipping corrupt agent descriptor", r.fields(id).Error(err))
			continue
		}
		if hbJSON, ok := heartbeats[id]; ok {
			var hb heartbeatRecord
			if err := json.Unmarshal([]byte(hbJSON), &hb); err == nil {
				a.LastHeartbeat = time.UnixMilli(hb.LastHeartbeatMS).UTC()
				a.CurrentLoad = hb.Load
				if hb.Status != "" {
					a.Status = hb.Status
				}
			}
		}
		if now.Sub(a.LastHeartbeat) > r.cfg.LivenessTTL {
			a.Status = task.AgentDead
		}
		out = append(out, &a)
	}
	return out, nil
}

func (r *Registry) reapOne(ctx context.Context, agentID string) {
	r.log.Warn("reaping dead agent", r.fields(agentID))
	if err := r.Deregister(ctx, agentID); err != nil {
		r.log.Error("failed to reap dead agent", r.fields(agentID).Error(err))
	}
}

// Sweep performs one reaper pass: any agent whose last_heartbeat age exceeds
// liveness_ttl is marked dead, reaped, and a deregistration event broadcast
// (§4.B Reaper).
func (r *Registry) Sweep(ctx context.Context) (int, error) {
	agents, err := r.loadAll(ctx)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, a := range agents {
		if a.Status == task.AgentDead {
			r.reapOne(ctx, a.AgentID)
			count++
		}
	}
	return count, nil
}

// StartReaper schedules periodic Sweep calls on the Registry's own cron
// scheduler. The queue engine's delayed-task promoter and lease reaper are
// not scheduled here; pkg/worker's sweep loop runs them on a ticker.
func (r *Registry) StartReaper(ctx context.Context) error {
	interval := r.cfg.ReaperInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	r.cron = cron.New(cron.WithSeconds())
	spec := fmt.Sprintf("@every %s", interval)
	_, err := r.cron.AddFunc(spec, func() {
		if _, err := r.Sweep(ctx); err != nil {
			r.log.Error("reaper sweep failed", logging.NewFields().Error(err))
		}
	})
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeInternal, "schedule reaper")
	}
	r.cron.Start()
	return nil
}

// StopReaper halts the periodic sweeper.
func (r *Registry) StopReaper() {
	if r.cron != nil {
		ctx := r.cron.Stop()
		<-ctx.Done()
	}
}

func (r *Registry) fields(agentID string) logging.Fields {
	return logging.NewFields().AgentID(agentID)
}
