// Package worker implements the Worker Runtime (§4.G): the cooperative
// scheduler that composes the Agent Registry, Resource Coordinator, Queue
// Engine, Messaging Fabric, and Consensus Gate into one process that claims
// tasks, dispatches them to a caller-supplied Executor, and shuts down
// without losing in-flight work.
package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/sync/semaphore"

	"github.com/taskfabric/fabric/internal/apperrors"
	"github.com/taskfabric/fabric/internal/logging"
	"github.com/taskfabric/fabric/pkg/consensus"
	"github.com/taskfabric/fabric/pkg/coordinator"
	"github.com/taskfabric/fabric/pkg/fabric"
	"github.com/taskfabric/fabric/pkg/metrics"
	"github.com/taskfabric/fabric/pkg/queue"
	"github.com/taskfabric/fabric/pkg/registry"
	"github.com/taskfabric/fabric/pkg/task"
)

// Executor processes one claimed task and returns its result payload. A
// non-nil error reschedules the task as retryable unless wrapped in Fatal.
type Executor interface {
	ProcessTask(ctx context.Context, t task.Task) ([]byte, error)
}

// ExecutorFunc adapts a plain function to an Executor.
type ExecutorFunc func(ctx context.Context, t task.Task) ([]byte, error)

// ProcessTask implements Executor.
func (f ExecutorFunc) ProcessTask(ctx context.Context, t task.Task) ([]byte, error) {
	return f(ctx, t)
}

type fatalError struct{ err error }

func (f *fatalError) Error() string { return f.err.Error() }
func (f *fatalError) Unwrap() error { return f.err }

// Fatal marks an Executor error as non-retryable, so Fail is called with
// retryable=false instead of rescheduling through backoff (§4.E fail).
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &fatalError{err: err}
}

func isFatal(err error) bool {
	var f *fatalError
	return errors.As(err, &f)
}

// Config configures a Runtime.
type Config struct {
	AgentID        string
	Class          string
	Capabilities   []string
	MaxConcurrency int
	PID            int

	// ClaimWait bounds how long ClaimBlocking waits for a task:enqueued
	// notification before the claim loop polls again.
	ClaimWait time.Duration
	// PollBackoff is the pause after a claim error not covered by
	// ClaimBlocking's own empty-queue wait.
	PollBackoff time.Duration
	// DrainTimeout bounds how long Stop waits for in-flight tasks before
	// force-failing them retryable (§5 graceful shutdown).
	DrainTimeout time.Duration
	// SweepInterval paces the delayed-task promoter, pending-task rescoring,
	// expired-lease reaper, and consensus deadline sweep. The registry reaper
	// runs on the Registry's own ReaperInterval instead.
	SweepInterval time.Duration

	BreakerMaxRequests         uint32
	BreakerInterval            time.Duration
	BreakerTimeout             time.Duration
	BreakerConsecutiveFailures uint32
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = 1
	}
	if c.ClaimWait <= 0 {
		c.ClaimWait = 10 * time.Second
	}
	if c.PollBackoff <= 0 {
		c.PollBackoff = time.Second
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 30 * time.Second
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 5 * time.Second
	}
	if c.BreakerMaxRequests == 0 {
		c.BreakerMaxRequests = 1
	}
	if c.BreakerInterval <= 0 {
		c.BreakerInterval = time.Minute
	}
	if c.BreakerTimeout <= 0 {
		c.BreakerTimeout = 30 * time.Second
	}
	if c.BreakerConsecutiveFailures == 0 {
		c.BreakerConsecutiveFailures = 5
	}
	return c
}

// Runtime is one worker process: the cooperative scheduler described by §5,
// realized as one goroutine per concern coordinated by a context.Context and
// a sync.WaitGroup, generalizing the stopCh-based component lifecycle the
// rest of this codebase's container-runtime ancestor used.
type Runtime struct {
	cfg Config
	log *logging.Logger

	registry *registry.Registry
	engine   *queue.Engine
	coord    *coordinator.Coordinator
	fabric   *fabric.Fabric
	gate     *consensus.Gate
	exec     Executor

	sem *semaphore.Weighted

	breakersMu sync.Mutex
	breakers   map[string]*gobreaker.CircuitBreaker

	trackedMu sync.Mutex
	tracked   map[string]task.Task

	inflight  sync.WaitGroup
	wg        sync.WaitGroup
	stopClaim chan struct{}
	cancel    context.CancelFunc

	receipt *task.RegistrationReceipt
}

// New composes a Runtime, wiring the Coordinator's LockTracker and the
// Registry's DeregisterHook so a crashed agent's locks and ports are
// released by whichever process's reaper finds it first (§3 Agent,
// §4.B deregister/reaper, §4.C release).
func New(cfg Config, log *logging.Logger, reg *registry.Registry, eng *queue.Engine, coord *coordinator.Coordinator, fab *fabric.Fabric, gate *consensus.Gate, exec Executor) *Runtime {
	if log == nil {
		log = logging.Nop()
	}
	cfg = cfg.withDefaults()

	coord.SetLockTracker(reg)
	reg.OnDeregister(func(ctx context.Context, agent *task.Agent) {
		coord.ReleaseAllForAgent(ctx, agent.AgentID, agent.HeldLocks, agent.ReservedPorts)
		if agent.Class == "" {
			return
		}
		if n, err := eng.RequeueClaimedByAgent(ctx, agent.Class, agent.AgentID); err != nil {
			log.Warn("failed to requeue claims for deregistered agent", logging.NewFields().AgentID(agent.AgentID).Class(agent.Class).Error(err))
		} else if n > 0 {
			log.Info("requeued claims for deregistered agent", logging.NewFields().AgentID(agent.AgentID).Class(agent.Class).With("requeued", n))
		}
	})

	return &Runtime{
		cfg:       cfg,
		log:       log.WithComponent("worker"),
		registry:  reg,
		engine:    eng,
		coord:     coord,
		fabric:    fab,
		gate:      gate,
		exec:      exec,
		sem:       semaphore.NewWeighted(int64(cfg.MaxConcurrency)),
		breakers:  map[string]*gobreaker.CircuitBreaker{},
		tracked:   map[string]task.Task{},
		stopClaim: make(chan struct{}),
	}
}

// Start registers the agent, starts the fabric, and launches the claim,
// heartbeat, and sweeper goroutines. It returns once registration succeeds;
// the scheduler itself runs until Stop is called.
func (rt *Runtime) Start(ctx context.Context) error {
	receipt, err := rt.registry.Register(ctx, registry.AgentDescriptor{
		AgentID:        rt.cfg.AgentID,
		Class:          rt.cfg.Class,
		Capabilities:   rt.cfg.Capabilities,
		MaxConcurrency: rt.cfg.MaxConcurrency,
		PID:            rt.cfg.PID,
	})
	if err != nil {
		return err
	}
	rt.receipt = receipt

	runCtx, cancel := context.WithCancel(ctx)
	rt.cancel = cancel
	rt.fabric.Start(runCtx)

	if err := rt.registry.StartReaper(runCtx); err != nil {
		cancel()
		return err
	}

	rt.wg.Add(3)
	go rt.claimLoop(runCtx)
	go rt.heartbeatLoop(runCtx)
	go rt.sweepLoop(runCtx)

	rt.log.Info("worker runtime started", logging.NewFields().AgentID(rt.cfg.AgentID).Class(rt.cfg.Class))
	return nil
}

// Stop performs the graceful shutdown sequence of §5: stop claiming, drain
// in-flight tasks up to DrainTimeout, force-fail whatever is left as
// retryable, release locks/ports, then deregister.
func (rt *Runtime) Stop(ctx context.Context) error {
	close(rt.stopClaim)

	drained := make(chan struct{})
	go func() {
		rt.inflight.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(rt.cfg.DrainTimeout):
		rt.log.Warn("drain timeout exceeded, failing remaining tasks retryable", logging.NewFields().AgentID(rt.cfg.AgentID))
		rt.failRemaining(ctx)
	}

	rt.registry.StopReaper()
	if rt.cancel != nil {
		rt.cancel()
	}
	rt.wg.Wait()
	rt.fabric.Stop()

	// Locks and ports are released by the DeregisterHook wired in New, using
	// whichever held_locks/reserved_ports the Registry has tracked for this
	// agent, so this is the same path a reaper takes for a crashed peer.
	if err := rt.registry.Deregister(ctx, rt.cfg.AgentID); err != nil {
		return err
	}
	rt.log.Info("worker runtime stopped", logging.NewFields().AgentID(rt.cfg.AgentID))
	return nil
}

func (rt *Runtime) failRemaining(ctx context.Context) {
	rt.trackedMu.Lock()
	remaining := make([]task.Task, 0, len(rt.tracked))
	for _, t := range rt.tracked {
		remaining = append(remaining, t)
	}
	rt.trackedMu.Unlock()

	for _, t := range remaining {
		if err := rt.engine.Fail(ctx, t.Class, t.ID, rt.cfg.AgentID, "worker draining", true); err != nil {
			rt.log.Warn("failed to requeue in-flight task during drain", logging.NewFields().TaskID(t.ID).Error(err))
		}
	}
}

func (rt *Runtime) claimLoop(ctx context.Context) {
	defer rt.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-rt.stopClaim:
			return
		default:
		}

		if err := rt.sem.Acquire(ctx, 1); err != nil {
			return
		}

		t, err := rt.engine.ClaimBlocking(ctx, rt.cfg.Class, rt.cfg.AgentID, rt.cfg.ClaimWait)
		if err != nil {
			rt.sem.Release(1)
			if ctx.Err() != nil {
				return
			}
			if apperrors.IsNotFound(err) || apperrors.IsPaused(err) {
				continue
			}
			rt.log.Warn("claim failed", logging.NewFields().Class(rt.cfg.Class).Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(rt.cfg.PollBackoff):
			}
			continue
		}
		if t == nil {
			rt.sem.Release(1)
			continue
		}

		metrics.RecordClaim(t.Class)
		rt.track(*t)
		rt.inflight.Add(1)
		go rt.runTask(ctx, *t)
	}
}

func (rt *Runtime) runTask(ctx context.Context, t task.Task) {
	defer rt.inflight.Done()
	defer rt.sem.Release(1)
	defer rt.untrack(t.ID)

	start := time.Now()
	breaker := rt.breakerFor(t.Class)
	result, err := breaker.Execute(func() (interface{}, error) {
		return rt.exec.ProcessTask(ctx, t)
	})
	if err != nil {
		retryable := !isFatal(err)
		metrics.RecordFail(t.Class, retryable)
		if ferr := rt.engine.Fail(ctx, t.Class, t.ID, rt.cfg.AgentID, err.Error(), retryable); ferr != nil {
			rt.log.Error("failed to record task failure", logging.NewFields().TaskID(t.ID).Error(ferr))
		}
		return
	}

	resultBytes, _ := result.([]byte)
	metrics.RecordComplete(t.Class, time.Since(start))
	if cerr := rt.engine.Complete(ctx, t.Class, t.ID, rt.cfg.AgentID, resultBytes); cerr != nil {
		rt.log.Error("failed to record task completion", logging.NewFields().TaskID(t.ID).Error(cerr))
	}
}

func (rt *Runtime) breakerFor(class string) *gobreaker.CircuitBreaker {
	rt.breakersMu.Lock()
	defer rt.breakersMu.Unlock()
	if b, ok := rt.breakers[class]; ok {
		return b
	}
	b := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        class,
		MaxRequests: rt.cfg.BreakerMaxRequests,
		Interval:    rt.cfg.BreakerInterval,
		Timeout:     rt.cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= rt.cfg.BreakerConsecutiveFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			rt.log.Warn("circuit breaker state change", logging.NewFields().Class(name).With("from", from.String()).With("to", to.String()))
		},
	})
	rt.breakers[class] = b
	return b
}

func (rt *Runtime) track(t task.Task) {
	rt.trackedMu.Lock()
	rt.tracked[t.ID] = t
	rt.trackedMu.Unlock()
}

func (rt *Runtime) untrack(id string) {
	rt.trackedMu.Lock()
	delete(rt.tracked, id)
	rt.trackedMu.Unlock()
}

func (rt *Runtime) heartbeatLoop(ctx context.Context) {
	defer rt.wg.Done()
	period := rt.cfg.SweepInterval
	if rt.receipt != nil && rt.receipt.HeartbeatPeriod > 0 {
		period = rt.receipt.HeartbeatPeriod
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rt.trackedMu.Lock()
			load := len(rt.tracked)
			rt.trackedMu.Unlock()
			snapshot := task.LoadSnapshot{CurrentLoad: load, Status: task.AgentActive}
			if err := rt.registry.Heartbeat(ctx, rt.cfg.AgentID, snapshot); err != nil {
				rt.log.Warn("heartbeat failed", logging.NewFields().AgentID(rt.cfg.AgentID).Error(err))
			}
		}
	}
}

// sweepLoop runs the periodic maintenance operations that are exported as
// plain methods elsewhere (queue delayed-task promotion, pending-task
// rescoring, lease reaping, consensus deadline sweep) on the same ticker,
// rather than each owning a separate cron schedule. The queue operations
// cover only this worker's class; the consensus sweep covers every request.
// Every operation is idempotent and Redis-atomic, so overlapping passes from
// several workers are harmless.
func (rt *Runtime) sweepLoop(ctx context.Context) {
	defer rt.wg.Done()
	ticker := time.NewTicker(rt.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := rt.engine.PromoteDelayed(ctx, rt.cfg.Class); err != nil {
				rt.log.Warn("promote delayed failed", logging.NewFields().Class(rt.cfg.Class).Error(err))
			}
			if _, err := rt.engine.RescoreAged(ctx, rt.cfg.Class); err != nil {
				rt.log.Warn("rescore aged failed", logging.NewFields().Class(rt.cfg.Class).Error(err))
			}
			if n, err := rt.engine.ReapExpiredLeases(ctx, rt.cfg.Class); err != nil {
				rt.log.Warn("reap expired leases failed", logging.NewFields().Class(rt.cfg.Class).Error(err))
			} else {
				for i := 0; i < n; i++ {
					metrics.RecordLeaseExpired(rt.cfg.Class)
				}
			}
			if rt.gate != nil {
				if _, err := rt.gate.SweepExpired(ctx); err != nil {
					rt.log.Warn("consensus sweep failed", logging.NewFields().Error(err))
				}
			}
		}
	}
}
