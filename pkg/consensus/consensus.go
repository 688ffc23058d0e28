// Package consensus implements the Consensus & Backup Gate (§4.F): approval
// requests, quorum collection, and the snapshot-before-approval sequencing
// that must precede destructive operations proposed by workers.
package consensus

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/taskfabric/fabric/internal/apperrors"
	"github.com/taskfabric/fabric/internal/logging"
	"github.com/taskfabric/fabric/pkg/store"
	"github.com/taskfabric/fabric/pkg/task"
)

// SnapshotTaker captures the pre-operation state of targets. The payload
// bytes it produces remain opaque local/object storage (§4.F); only the
// returned manifest is recorded durably.
type SnapshotTaker func(ctx context.Context, targets []string) (*task.Snapshot, error)

// SnapshotRecorder persists a snapshot manifest to the system of record
// (pkg/snapshotstore's Postgres-backed store satisfies this), independently
// of the best-effort Redis-resident approval request.
type SnapshotRecorder interface {
	RecordSnapshot(ctx context.Context, snap task.Snapshot, requestID string) error
}

// Config configures a Gate.
type Config struct {
	DefaultDeadline time.Duration
}

func (c Config) withDefaults() Config {
	if c.DefaultDeadline <= 0 {
		c.DefaultDeadline = 24 * time.Hour
	}
	return c
}

// Gate is the Consensus & Backup Gate.
type Gate struct {
	store    store.Store
	log      *logging.Logger
	cfg      Config
	policy   *PolicyEvaluator
	takeSnap SnapshotTaker
	recorder SnapshotRecorder
}

// New constructs a Gate. policy, takeSnap, and recorder may each be nil: a
// nil policy never raises quorum beyond the caller-supplied floor, a nil
// takeSnap skips snapshotting (useful for operations with no filesystem
// target), and a nil recorder skips durable manifest persistence.
func New(s store.Store, log *logging.Logger, cfg Config, policy *PolicyEvaluator, takeSnap SnapshotTaker, recorder SnapshotRecorder) *Gate {
	if log == nil {
		log = logging.Nop()
	}
	return &Gate{
		store:    s,
		log:      log.WithComponent("consensus"),
		cfg:      cfg.withDefaults(),
		policy:   policy,
		takeSnap: takeSnap,
		recorder: recorder,
	}
}

// ProposeRequest is the caller-supplied shape for Propose.
type ProposeRequest struct {
	Operation         string
	Targets           []string
	Reason            string
	Initiator         string
	RequiredApprovals int
	Deadline          time.Time
}

// Propose creates a new approval request gating a destructive operation
// (§4.F propose). It evaluates the quorum-raising policy, takes a snapshot
// of the targets if a SnapshotTaker is configured, durably records that
// snapshot's manifest before the request is ever visible to reviewers, and
// only then writes the Redis-resident approval record — so an approval can
// never reference a snapshot that was not already committed durably.
func (g *Gate) Propose(ctx context.Context, req ProposeRequest) (*task.ApprovalRequest, error) {
	if req.Operation == "" || req.Initiator == "" {
		return nil, apperrors.NewValidationError("operation and initiator are required")
	}
	floor := req.RequiredApprovals
	if floor < 1 {
		floor = 1
	}
	required := floor
	if g.policy != nil {
		r, err := g.policy.EffectiveRequiredApprovals(ctx, PolicyInput{
			Operation: req.Operation,
			Targets:   req.Targets,
			Initiator: req.Initiator,
		}, floor)
		if err != nil {
			return nil, err
		}
		required = r
	}

	deadline := req.Deadline
	if deadline.IsZero() {
		deadline = time.Now().UTC().Add(g.cfg.DefaultDeadline)
	}

	ar := &task.ApprovalRequest{
		RequestID:         uuid.NewString(),
		Operation:         req.Operation,
		Targets:           req.Targets,
		Reason:            req.Reason,
		Initiator:         req.Initiator,
		RequiredApprovals: required,
		Deadline:          deadline,
		Approvals:         []string{},
		Rejections:        []string{},
		Status:            task.ApprovalPending,
	}

	if g.takeSnap != nil {
		snap, err := g.takeSnap(ctx, req.Targets)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrorTypeInternal, "take pre-operation snapshot")
		}
		if g.recorder != nil {
			if err := g.recorder.RecordSnapshot(ctx, *snap, ar.RequestID); err != nil {
				return nil, apperrors.Wrap(err, apperrors.ErrorTypeInternal, "record snapshot manifest")
			}
		}
		ar.SnapshotID = snap.SnapshotID
	}

	raw, err := json.Marshal(ar)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeInternal, "marshal approval request")
	}
	if err := g.store.Set(ctx, store.ConsensusRequestKey(ar.RequestID), string(raw), 0); err != nil {
		return nil, err
	}
	if err := g.store.ZAdd(ctx, store.ConsensusPendingKey(), float64(deadline.Unix()), ar.RequestID); err != nil {
		return nil, err
	}
	_ = g.store.Publish(ctx, store.ChanConsensus("proposed"), ar.RequestID)

	g.log.Info("approval requested", logging.NewFields().
		With("request_id", ar.RequestID).With("operation", ar.Operation).
		With("required_approvals", required))
	return ar, nil
}

// voteScript atomically loads the request record, validates the vote (no
// self-approval, no double-voting by the same reviewer, request must still
// be pending), appends the vote, and flips status to approved/rejected once
// a vote crosses the relevant threshold. cjson is Redis's built-in Lua JSON
// codec, the same mechanism used for the lock-state blobs in pkg/coordinator.
var voteScript = store.NewScript("consensus_vote", `
-- KEYS[1] = consensus:req:{id}, KEYS[2] = consensus:pending
-- ARGV[1] = agent_id, ARGV[2] = approve ("1" or "0")
local raw = redis.call("GET", KEYS[1])
if not raw then
	return cjson.encode({ok = false, reason = "not_found"})
end
local req = cjson.decode(raw)
if req.status ~= "pending" then
	return cjson.encode({ok = false, reason = "not_pending", status = req.status})
end
if req.initiator == ARGV[1] then
	return cjson.encode({ok = false, reason = "self_approval"})
end
for _, a in ipairs(req.approvals) do
	if a == ARGV[1] then return cjson.encode({ok = false, reason = "already_voted"}) end
end
for _, a in ipairs(req.rejections) do
	if a == ARGV[1] then return cjson.encode({ok = false, reason = "already_voted"}) end
end

if ARGV[2] == "1" then
	table.insert(req.approvals, ARGV[1])
else
	table.insert(req.rejections, ARGV[1])
end

if #req.rejections > 0 then
	req.status = "rejected"
elseif #req.approvals >= req.required_approvals then
	req.status = "approved"
end

redis.call("SET", KEYS[1], cjson.encode(req))
if req.status ~= "pending" then
	redis.call("ZREM", KEYS[2], req.request_id)
end
return cjson.encode({ok = true, status = req.status})
`)

type voteResult struct {
	OK     bool   `json:"ok"`
	Reason string `json:"reason"`
	Status string `json:"status"`
}

// Approve records an approval vote (§4.F approve). Rejects with Conflict if
// the reviewer already voted or the request is no longer pending, and with
// a Validation error if the reviewer is the request's own initiator.
func (g *Gate) Approve(ctx context.Context, requestID, agentID string) (task.ApprovalStatus, error) {
	return g.vote(ctx, requestID, agentID, true)
}

// Reject records a rejection vote (§4.F reject): a single rejection moves
// the request straight to rejected, no quorum required.
func (g *Gate) Reject(ctx context.Context, requestID, agentID string) (task.ApprovalStatus, error) {
	return g.vote(ctx, requestID, agentID, false)
}

func (g *Gate) vote(ctx context.Context, requestID, agentID string, approve bool) (task.ApprovalStatus, error) {
	approveArg := "0"
	if approve {
		approveArg = "1"
	}
	v, err := g.store.RunScript(ctx, voteScript,
		[]string{store.ConsensusRequestKey(requestID), store.ConsensusPendingKey()},
		agentID, approveArg,
	)
	if err != nil {
		return "", err
	}
	raw, _ := v.(string)
	var res voteResult
	if err := json.Unmarshal([]byte(raw), &res); err != nil {
		return "", apperrors.Wrap(err, apperrors.ErrorTypeInternal, "decode vote result")
	}
	if !res.OK {
		switch res.Reason {
		case "not_found":
			return "", apperrors.NewNotFoundError("approval request", requestID)
		case "self_approval":
			return "", apperrors.NewValidationError("an initiator may not vote on their own request")
		case "already_voted":
			return "", apperrors.NewConflictError(requestID).WithDetails("reviewer already voted")
		case "not_pending":
			return task.ApprovalStatus(res.Status), apperrors.NewConflictError(requestID).WithDetailsf("request is %s, not pending", res.Status)
		}
		return "", apperrors.Newf(apperrors.ErrorTypeInvariantViolation, "unrecognized vote rejection %q", res.Reason)
	}

	status := task.ApprovalStatus(res.Status)
	g.log.Info("vote recorded", logging.NewFields().
		With("request_id", requestID).With("agent_id", agentID).With("approve", approve).With("status", string(status)))
	if status != task.ApprovalPending {
		_ = g.store.Publish(ctx, store.ChanConsensus(string(status)), requestID)
	}
	return status, nil
}

// Get returns the current state of an approval request.
func (g *Gate) Get(ctx context.Context, requestID string) (*task.ApprovalRequest, error) {
	raw, ok, err := g.store.Get(ctx, store.ConsensusRequestKey(requestID))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperrors.NewNotFoundError("approval request", requestID)
	}
	var ar task.ApprovalRequest
	if err := json.Unmarshal([]byte(raw), &ar); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeInternal, "decode approval request")
	}
	return &ar, nil
}

// expireScript flips a single still-pending request to expired, atomically
// re-checking pending status so a vote racing the deadline sweep can never
// be silently discarded.
var expireScript = store.NewScript("consensus_expire", `
local raw = redis.call("GET", KEYS[1])
if not raw then return 0 end
local req = cjson.decode(raw)
if req.status ~= "pending" then return 0 end
req.status = "expired"
redis.call("SET", KEYS[1], cjson.encode(req))
redis.call("ZREM", KEYS[2], req.request_id)
return 1
`)

// SweepExpired scans consensus:pending for requests whose deadline has
// passed and flips them to expired (§4.F "approved/rejected/expired
// transitions").
func (g *Gate) SweepExpired(ctx context.Context) (int, error) {
	nowUnix := float64(time.Now().UTC().Unix())
	due, err := g.store.ZRangeByScore(ctx, store.ConsensusPendingKey(), store.NegInf(), nowUnix)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, id := range due {
		v, err := g.store.RunScript(ctx, expireScript,
			[]string{store.ConsensusRequestKey(id), store.ConsensusPendingKey()},
		)
		if err != nil {
			g.log.Error("expire sweep failed", logging.NewFields().With("request_id", id).Error(err))
			continue
		}
		if n64, _ := v.(int64); n64 == 1 {
			n++
			_ = g.store.Publish(ctx, store.ChanConsensus("expired"), id)
		}
	}
	if n > 0 {
		g.log.Info("approval requests expired", logging.NewFields().With("count", n))
	}
	return n, nil
}
