// Package queue implements the Task Dispatch & Queue Engine (§4.E): per-class
// priority scheduling with periodic age-based rescoring, claim/complete/fail
// lifecycle, exponential backoff with a delayed-task promoter, pause/resume,
// and emergency stop.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/taskfabric/fabric/internal/apperrors"
	"github.com/taskfabric/fabric/internal/logging"
	"github.com/taskfabric/fabric/pkg/store"
	"github.com/taskfabric/fabric/pkg/task"
)

// Config configures an Engine's backoff and retry behavior.
type Config struct {
	BackoffBase    time.Duration
	BackoffCap     time.Duration
	JitterFraction float64
}

func (c Config) withDefaults() Config {
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = 5 * time.Minute
	}
	if c.JitterFraction <= 0 {
		c.JitterFraction = 0.2
	}
	return c
}

// Engine is the Priority Queue Engine for one Redis-backed deployment,
// operating across however many classes callers address (§4.E).
type Engine struct {
	store store.Store
	log   *logging.Logger
	cfg   Config
}

// New constructs an Engine.
func New(s store.Store, log *logging.Logger, cfg Config) *Engine {
	if log == nil {
		log = logging.Nop()
	}
	return &Engine{store: s, log: log.WithComponent("queue"), cfg: cfg.withDefaults()}
}

// processingRecord is the wire shape of a processing:{class} hash field
// (§4.E: "hash from task id to {agent_id, claim_deadline, attempt}").
// Kept distinct from task.ProcessingEntry (which uses time.Time) so claim's
// Lua script only ever deals with integers, never has to format timestamps.
type processingRecord struct {
	AgentID         string `json:"agent_id"`
	ClaimDeadlineMS int64  `json:"claim_deadline_ms"`
	Attempt         int    `json:"attempt"`
}

// stateRecord is the wire shape of queue_state:{class}.
type stateRecord struct {
	Paused   bool      `json:"paused"`
	PausedAt time.Time `json:"paused_at,omitempty"`
	Reason   string    `json:"reason,omitempty"`
}

// errEmpty builds the NotFound-flavored AppError that signals claim found
// nothing pending; callers distinguish it from a hard failure by checking
// apperrors.IsNotFound.
func errEmpty(class string) error {
	return apperrors.Newf(apperrors.ErrorTypeNotFound, "no pending task in class %s", class)
}

var enqueueScript = store.NewScript("queue_enqueue", `
-- KEYS[1] = tasks:{c}, KEYS[2] = pending:{c}, KEYS[3] = held:{c}, KEYS[4] = queue_state:{c}
-- ARGV[1] = task_id, ARGV[2] = task_json, ARGV[3] = score
local state_raw = redis.call("GET", KEYS[4])
local paused = false
if state_raw then
	local st = cjson.decode(state_raw)
	paused = st.paused
end
redis.call("HSET", KEYS[1], ARGV[1], ARGV[2])
if paused then
	redis.call("RPUSH", KEYS[3], ARGV[1])
	return "held"
end
redis.call("ZADD", KEYS[2], ARGV[3], ARGV[1])
return "pending"
`)

// Enqueue writes the task record and either schedules it for claim or, if
// the class is paused, parks it in held:{c} (§4.E enqueue). It returns the
// task's id, generating one if the caller left it blank.
func (e *Engine) Enqueue(ctx context.Context, t task.Task) (string, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.SubmittedAt.IsZero() {
		t.SubmittedAt = time.Now().UTC()
	}
	t.Status = task.StatusPending
	raw, err := json.Marshal(t)
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.ErrorTypeInternal, "marshal task")
	}
	score := EffectivePriority(t.Priority.BaseScore(), t.SubmittedAt, time.Now().UTC())

	v, err := e.store.RunScript(ctx, enqueueScript,
		[]string{store.TasksKey(t.Class), store.PendingKey(t.Class), store.HeldKey(t.Class), store.QueueStateKey(t.Class)},
		t.ID, string(raw), score,
	)
	if err != nil {
		return "", err
	}
	if v == "pending" {
		_ = e.store.Publish(ctx, store.ChanTaskEnqueued(t.Class), t.ID)
	}
	e.log.Info("task enqueued", logging.NewFields().TaskID(t.ID).Class(t.Class).With("outcome", v))
	return t.ID, nil
}

var claimScript = store.NewScript("queue_claim", `
-- KEYS[1] = pending:{c}, KEYS[2] = processing:{c}, KEYS[3] = tasks:{c}, KEYS[4] = queue_state:{c}, KEYS[5] = emergency_stop
-- ARGV[1] = agent_id, ARGV[2] = now_ms
local state_raw = redis.call("GET", KEYS[4])
local paused = false
if state_raw then
	local st = cjson.decode(state_raw)
	paused = st.paused
end
if redis.call("EXISTS", KEYS[5]) == 1 then
	paused = true
end
if paused then
	return cjson.encode({status = "paused"})
end

local popped = redis.call("ZPOPMAX", KEYS[1], 1)
if #popped == 0 then
	return cjson.encode({status = "empty"})
end
local task_id = popped[1]

local raw = redis.call("HGET", KEYS[3], task_id)
if not raw then
	return cjson.encode({status = "empty"})
end
local t = cjson.decode(raw)
local attempt = (t.attempt or 0) + 1
local now = tonumber(ARGV[2])
local deadline = now + (t.timeout_ms or 30000)

local rec = {agent_id = ARGV[1], claim_deadline_ms = deadline, attempt = attempt}
redis.call("HSET", KEYS[2], task_id, cjson.encode(rec))

return cjson.encode({status = "ok", task_id = task_id, attempt = attempt, claim_deadline_ms = deadline})
`)

type claimResult struct {
	Status          string `json:"status"`
	TaskID          string `json:"task_id"`
	Attempt         int    `json:"attempt"`
	ClaimDeadlineMS int64  `json:"claim_deadline_ms"`
}

// Claim pops the highest effective-priority pending task for class and
// leases it to agentID (§4.E claim). Returns a NotFound-flavored error when
// nothing is pending, and a Paused error when the class or the global
// emergency stop is in effect.
func (e *Engine) Claim(ctx context.Context, class, agentID string) (*task.Task, error) {
	v, err := e.store.RunScript(ctx, claimScript,
		[]string{store.PendingKey(class), store.ProcessingKey(class), store.TasksKey(class), store.QueueStateKey(class), store.EmergencyStopKey()},
		agentID, time.Now().UnixMilli(),
	)
	if err != nil {
		return nil, err
	}
	raw, _ := v.(string)
	var res claimResult
	if err := json.Unmarshal([]byte(raw), &res); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeInternal, "decode claim result")
	}
	switch res.Status {
	case "paused":
		return nil, apperrors.NewPausedError(class)
	case "empty":
		return nil, errEmpty(class)
	}

	t, err := e.loadTask(ctx, class, res.TaskID)
	if err != nil {
		return nil, err
	}
	deadline := time.UnixMilli(res.ClaimDeadlineMS).UTC()
	t.Attempt = res.Attempt
	t.Status = task.StatusProcessing
	t.ClaimedBy = agentID
	t.ClaimDeadline = &deadline
	if err := e.saveTask(ctx, t); err != nil {
		return nil, err
	}
	e.log.Info("task claimed", logging.NewFields().TaskID(t.ID).Class(class).AgentID(agentID).With("attempt", t.Attempt))
	return t, nil
}

// ClaimBlocking claims from class, and if nothing is pending, waits up to
// waitFor for a task:enqueued notification before retrying. The retry after
// notification is the race-safety measure required by §4.E ("after
// notification, re-run the script; if another worker won the race,
// re-subscribe").
func (e *Engine) ClaimBlocking(ctx context.Context, class, agentID string, waitFor time.Duration) (*task.Task, error) {
	deadline := time.Now().Add(waitFor)
	for {
		t, err := e.Claim(ctx, class, agentID)
		if err == nil {
			return t, nil
		}
		if !apperrors.IsNotFound(err) {
			return nil, err
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, err
		}

		sub := e.store.Subscribe(ctx, store.ChanTaskEnqueued(class))
		select {
		case <-sub.Channel():
		case <-time.After(remaining):
		case <-ctx.Done():
			_ = sub.Close()
			return nil, apperrors.Wrap(ctx.Err(), apperrors.ErrorTypeTimeout, "claim_blocking cancelled")
		}
		_ = sub.Close()
	}
}

var completeVerifyScript = store.NewScript("queue_complete_verify", `
-- KEYS[1] = processing:{c}
-- ARGV[1] = task_id, ARGV[2] = agent_id
local raw = redis.call("HGET", KEYS[1], ARGV[1])
if not raw then return 0 end
local p = cjson.decode(raw)
if p.agent_id ~= ARGV[2] then return 0 end
redis.call("HDEL", KEYS[1], ARGV[1])
return 1
`)

// Complete marks a claimed task done, rejecting the call if the task was
// reassigned after lease expiry (§4.E complete).
func (e *Engine) Complete(ctx context.Context, class, taskID, agentID string, result []byte) error {
	v, err := e.store.RunScript(ctx, completeVerifyScript, []string{store.ProcessingKey(class)}, taskID, agentID)
	if err != nil {
		return err
	}
	if n, _ := v.(int64); n == 0 {
		return apperrors.NewConflictError(taskID)
	}

	t, err := e.loadTask(ctx, class, taskID)
	if err != nil {
		return err
	}
	t.Status = task.StatusCompleted
	t.Result = result
	t.ClaimDeadline = nil
	if err := e.saveTask(ctx, t); err != nil {
		return err
	}
	_ = e.store.Publish(ctx, store.ChanTaskCompleted(), taskID)
	e.log.Info("task completed", logging.NewFields().TaskID(taskID).Class(class).AgentID(agentID))
	return nil
}

var failVerifyScript = store.NewScript("queue_fail_verify", `
-- KEYS[1] = processing:{c}
-- ARGV[1] = task_id, ARGV[2] = agent_id
local raw = redis.call("HGET", KEYS[1], ARGV[1])
if not raw then return cjson.encode({ok = false}) end
local p = cjson.decode(raw)
if p.agent_id ~= ARGV[2] then return cjson.encode({ok = false}) end
redis.call("HDEL", KEYS[1], ARGV[1])
return cjson.encode({ok = true, attempt = p.attempt})
`)

type failVerifyResult struct {
	OK      bool `json:"ok"`
	Attempt int  `json:"attempt"`
}

// Fail records a claimed task's failure. A retryable failure with attempts
// remaining is rescheduled via delayed:{c} with exponential backoff;
// otherwise the task moves to dead:{c} (§4.E fail).
func (e *Engine) Fail(ctx context.Context, class, taskID, agentID, reason string, retryable bool) error {
	v, err := e.store.RunScript(ctx, failVerifyScript, []string{store.ProcessingKey(class)}, taskID, agentID)
	if err != nil {
		return err
	}
	raw, _ := v.(string)
	var res failVerifyResult
	if err := json.Unmarshal([]byte(raw), &res); err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeInternal, "decode fail-verify result")
	}
	if !res.OK {
		return apperrors.NewConflictError(taskID)
	}

	t, err := e.loadTask(ctx, class, taskID)
	if err != nil {
		return err
	}
	t.Attempt = res.Attempt
	t.LastError = reason
	t.ClaimDeadline = nil

	if retryable && !t.RetriesExhausted() {
		delay := BackoffDelay(t.Attempt, e.cfg.BackoffBase, e.cfg.BackoffCap, e.cfg.JitterFraction, rand.Float64())
		readyAt := time.Now().UTC().Add(delay)
		t.Status = task.StatusPending
		if err := e.saveTask(ctx, t); err != nil {
			return err
		}
		if err := e.store.ZAdd(ctx, store.DelayedKey(class), float64(readyAt.UnixMilli()), taskID); err != nil {
			return err
		}
		e.log.Warn("task failed, scheduled for retry", logging.NewFields().TaskID(taskID).Class(class).With("attempt", t.Attempt).With("retry_in_ms", delay.Milliseconds()))
		return nil
	}

	t.Status = task.StatusDead
	if err := e.saveTask(ctx, t); err != nil {
		return err
	}
	if err := e.store.RPush(ctx, store.DeadKey(class), taskID); err != nil {
		return err
	}
	_ = e.store.Publish(ctx, store.ChanTaskDead(), taskID)
	e.log.Error("task moved to dead letter", logging.NewFields().TaskID(taskID).Class(class).Error(fmt.Errorf("%s", reason)))
	return nil
}

// PromoteDelayed moves every delayed:{c} entry whose ready-at has passed
// into pending:{c}, rescored at promotion time (§4.E backoff: "a periodic
// promoter moves due items into pending").
func (e *Engine) PromoteDelayed(ctx context.Context, class string) (int, error) {
	nowMS := float64(time.Now().UnixMilli())
	due, err := e.store.ZRangeByScore(ctx, store.DelayedKey(class), store.NegInf(), nowMS)
	if err != nil {
		return 0, err
	}
	for _, taskID := range due {
		t, err := e.loadTask(ctx, class, taskID)
		if err != nil {
			if apperrors.IsNotFound(err) {
				_ = e.store.ZRem(ctx, store.DelayedKey(class), taskID)
				continue
			}
			return 0, err
		}
		score := EffectivePriority(t.Priority.BaseScore(), t.SubmittedAt, time.Now().UTC())
		if err := e.store.ZAdd(ctx, store.PendingKey(class), score, taskID); err != nil {
			return 0, err
		}
		if err := e.store.ZRem(ctx, store.DelayedKey(class), taskID); err != nil {
			return 0, err
		}
		_ = e.store.Publish(ctx, store.ChanTaskEnqueued(class), taskID)
	}
	return len(due), nil
}

// RescoreAged re-ZADDs every member currently resident in pending:{c} at its
// current EffectivePriority. A task's score is only ever computed at the
// moment it is written into pending:{c}, so without a periodic rescan a task
// sitting in the queue never reflects the age it has actually accrued;
// calling this on a ticker is what makes the age boost (and therefore
// starvation freedom, §4.E: "older low tasks can eventually overtake fresh
// low tasks") apply to resident tasks, not just ones freshly inserted.
func (e *Engine) RescoreAged(ctx context.Context, class string) (int, error) {
	members, err := e.store.ZRangeByScore(ctx, store.PendingKey(class), store.NegInf(), store.PosInf())
	if err != nil {
		return 0, err
	}
	now := time.Now().UTC()
	count := 0
	for _, taskID := range members {
		t, err := e.loadTask(ctx, class, taskID)
		if err != nil {
			if apperrors.IsNotFound(err) {
				continue
			}
			return count, err
		}
		score := EffectivePriority(t.Priority.BaseScore(), t.SubmittedAt, now)
		if err := e.store.ZAdd(ctx, store.PendingKey(class), score, taskID); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

// RequeueClaimedByAgent fails, retryable, every task currently claimed by
// agentID in processing:{c}. It is wired into the Registry's DeregisterHook
// so a dead agent's claims are requeued immediately at deregistration time
// instead of waiting for ReapExpiredLeases' independent claim_deadline timer
// to eventually catch them (§4.B deregister: "releases all locks held by
// this agent and requeues all tasks it had claimed").
func (e *Engine) RequeueClaimedByAgent(ctx context.Context, class, agentID string) (int, error) {
	entries, err := e.store.HGetAll(ctx, store.ProcessingKey(class))
	if err != nil {
		return 0, err
	}
	count := 0
	for taskID, raw := range entries {
		var rec processingRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			continue
		}
		if rec.AgentID != agentID {
			continue
		}
		if err := e.Fail(ctx, class, taskID, agentID, "agent deregistered", true); err != nil {
			e.log.Warn("failed to requeue task for deregistered agent", logging.NewFields().TaskID(taskID).Class(class).AgentID(agentID).Error(err))
			continue
		}
		count++
	}
	return count, nil
}

// ReapExpiredLeases scans processing:{c} for entries whose claim_deadline has
// passed and fails each with a retryable lease_expired error (§4.E
// reap_expired_leases).
func (e *Engine) ReapExpiredLeases(ctx context.Context, class string) (int, error) {
	entries, err := e.store.HGetAll(ctx, store.ProcessingKey(class))
	if err != nil {
		return 0, err
	}
	now := time.Now().UnixMilli()
	count := 0
	for taskID, raw := range entries {
		var rec processingRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			continue
		}
		if rec.ClaimDeadlineMS >= now {
			continue
		}
		if err := e.Fail(ctx, class, taskID, rec.AgentID, "lease_expired", true); err != nil {
			e.log.Warn("failed to reap expired lease", logging.NewFields().TaskID(taskID).Class(class).Error(err))
			continue
		}
		count++
	}
	return count, nil
}

// Reprioritize rescores a pending task immediately, or annotates a
// processing task so the new priority applies on its next retry (§4.E
// reprioritize).
func (e *Engine) Reprioritize(ctx context.Context, class, taskID string, newPriority task.Priority, reason string) error {
	if !newPriority.Valid() {
		return apperrors.NewValidationError("invalid priority band")
	}
	t, err := e.loadTask(ctx, class, taskID)
	if err != nil {
		return err
	}
	t.Priority = newPriority
	if err := e.saveTask(ctx, t); err != nil {
		return err
	}

	if _, ok, err := e.store.ZScore(ctx, store.PendingKey(class), taskID); err != nil {
		return err
	} else if ok {
		score := EffectivePriority(newPriority.BaseScore(), t.SubmittedAt, time.Now().UTC())
		if err := e.store.ZAdd(ctx, store.PendingKey(class), score, taskID); err != nil {
			return err
		}
	}
	e.log.Info("task reprioritized", logging.NewFields().TaskID(taskID).Class(class).With("new_priority", newPriority).With("reason", reason))
	return nil
}

// AddContext merges additional context and/or a prompt suffix into a task
// record; rejected once the task has reached a terminal status (§4.E
// add_context).
func (e *Engine) AddContext(ctx context.Context, class, taskID string, extra map[string]any, promptSuffix string) error {
	t, err := e.loadTask(ctx, class, taskID)
	if err != nil {
		return err
	}
	if t.Status != task.StatusPending && t.Status != task.StatusProcessing {
		return apperrors.Newf(apperrors.ErrorTypeConflict, "task %s has terminal status %s, cannot add context", taskID, t.Status)
	}
	if t.Context == nil {
		t.Context = map[string]any{}
	}
	for k, v := range extra {
		t.Context[k] = v
	}
	if promptSuffix != "" {
		t.PromptSuffix = promptSuffix
	}
	return e.saveTask(ctx, t)
}

// Pause flips a class's paused flag; subsequent enqueues park in held:{c}
// and claims return Paused (§4.E pause).
func (e *Engine) Pause(ctx context.Context, class, reason string) error {
	st := stateRecord{Paused: true, PausedAt: time.Now().UTC(), Reason: reason}
	raw, err := json.Marshal(st)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeInternal, "marshal queue state")
	}
	if err := e.store.Set(ctx, store.QueueStateKey(class), string(raw), 0); err != nil {
		return err
	}
	e.log.Warn("class paused", logging.NewFields().Class(class).With("reason", reason))
	return nil
}

// Resume clears a class's paused flag and drains held:{c} into pending:{c}
// preserving FIFO order (§4.E resume).
func (e *Engine) Resume(ctx context.Context, class string) error {
	if err := e.store.Set(ctx, store.QueueStateKey(class), `{"paused":false}`, 0); err != nil {
		return err
	}

	held, err := e.store.LRange(ctx, store.HeldKey(class), 0, -1)
	if err != nil {
		return err
	}
	for _, taskID := range held {
		t, err := e.loadTask(ctx, class, taskID)
		if err != nil {
			if apperrors.IsNotFound(err) {
				continue
			}
			return err
		}
		score := EffectivePriority(t.Priority.BaseScore(), t.SubmittedAt, time.Now().UTC())
		if err := e.store.ZAdd(ctx, store.PendingKey(class), score, taskID); err != nil {
			return err
		}
		if err := e.store.LRem(ctx, store.HeldKey(class), taskID); err != nil {
			return err
		}
		_ = e.store.Publish(ctx, store.ChanTaskEnqueued(class), taskID)
	}
	e.log.Info("class resumed", logging.NewFields().Class(class).With("drained", len(held)))
	return nil
}

// RequeueFailed moves everything from dead:{c} back into pending:{c} at its
// original priority (§4.E requeue_failed).
func (e *Engine) RequeueFailed(ctx context.Context, class string) (int, error) {
	dead, err := e.store.LRange(ctx, store.DeadKey(class), 0, -1)
	if err != nil {
		return 0, err
	}
	for _, taskID := range dead {
		t, err := e.loadTask(ctx, class, taskID)
		if err != nil {
			if apperrors.IsNotFound(err) {
				continue
			}
			return 0, err
		}
		t.Status = task.StatusPending
		t.LastError = ""
		if err := e.saveTask(ctx, t); err != nil {
			return 0, err
		}
		score := EffectivePriority(t.Priority.BaseScore(), t.SubmittedAt, time.Now().UTC())
		if err := e.store.ZAdd(ctx, store.PendingKey(class), score, taskID); err != nil {
			return 0, err
		}
		if err := e.store.LRem(ctx, store.DeadKey(class), taskID); err != nil {
			return 0, err
		}
		_ = e.store.Publish(ctx, store.ChanTaskEnqueued(class), taskID)
	}
	return len(dead), nil
}

// EmergencyStop sets the global flag every class's Claim checks, regardless
// of per-class pause state (§4.E emergency_stop).
func (e *Engine) EmergencyStop(ctx context.Context, reason string) error {
	if err := e.store.Set(ctx, store.EmergencyStopKey(), reason, 0); err != nil {
		return err
	}
	e.log.Error("emergency stop engaged", logging.NewFields().With("reason", reason))
	return nil
}

// EmergencyResume clears the global emergency stop flag. Reversible only by
// this explicit call (§4.E emergency_stop: "reversible only by an explicit
// resume call").
func (e *Engine) EmergencyResume(ctx context.Context) error {
	if err := e.store.Del(ctx, store.EmergencyStopKey()); err != nil {
		return err
	}
	e.log.Warn("emergency stop cleared", logging.NewFields())
	return nil
}

func (e *Engine) loadTask(ctx context.Context, class, taskID string) (*task.Task, error) {
	raw, ok, err := e.store.HGet(ctx, store.TasksKey(class), taskID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperrors.NewNotFoundError("task", taskID)
	}
	var t task.Task
	if err := json.Unmarshal([]byte(raw), &t); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeInternal, "decode task record")
	}
	return &t, nil
}

func (e *Engine) saveTask(ctx context.Context, t *task.Task) error {
	raw, err := json.Marshal(t)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeInternal, "marshal task")
	}
	return e.store.HSet(ctx, store.TasksKey(t.Class), map[string]string{t.ID: string(raw)})
}
