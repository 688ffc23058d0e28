package worker

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/taskfabric/fabric/internal/apperrors"
	"github.com/taskfabric/fabric/internal/logging"
	"github.com/taskfabric/fabric/pkg/coordinator"
	"github.com/taskfabric/fabric/pkg/fabric"
	"github.com/taskfabric/fabric/pkg/queue"
	"github.com/taskfabric/fabric/pkg/registry"
	"github.com/taskfabric/fabric/pkg/store"
	"github.com/taskfabric/fabric/pkg/storetest"
	"github.com/taskfabric/fabric/pkg/task"
)

type harness struct {
	st    store.Store
	reg   *registry.Registry
	eng   *queue.Engine
	coord *coordinator.Coordinator
	fab   *fabric.Fabric
}

func newHarness(t *testing.T, agentID string) *harness {
	t.Helper()
	s, _ := storetest.New(t)
	return &harness{
		st: s,
		reg: registry.New(s, logging.Nop(), registry.Config{
			LivenessTTL:       2 * time.Second,
			HeartbeatPeriod:   20 * time.Millisecond,
			ClaimLeaseDefault: time.Minute,
			ReaperInterval:    50 * time.Millisecond,
		}),
		eng: queue.New(s, logging.Nop(), queue.Config{
			BackoffBase: 10 * time.Millisecond,
			BackoffCap:  time.Second,
		}),
		coord: coordinator.New(s, logging.Nop()),
		fab:   fabric.New(s, agentID, logging.Nop(), fabric.Config{}),
	}
}

func (h *harness) taskStatus(t *testing.T, class, taskID string) task.Status {
	t.Helper()
	raw, ok, err := h.st.HGet(context.Background(), store.TasksKey(class), taskID)
	if err != nil || !ok {
		t.Fatalf("task %s not found in %s: ok=%v err=%v", taskID, class, ok, err)
	}
	var tk task.Task
	if err := json.Unmarshal([]byte(raw), &tk); err != nil {
		t.Fatalf("unmarshal task: %v", err)
	}
	return tk.Status
}

func newRuntime(t *testing.T, agentID, class string, exec Executor) (*Runtime, *harness) {
	t.Helper()
	h := newHarness(t, agentID)
	rt := New(Config{
		AgentID:        agentID,
		Class:          class,
		MaxConcurrency: 2,
		ClaimWait:      50 * time.Millisecond,
		PollBackoff:    10 * time.Millisecond,
		DrainTimeout:   200 * time.Millisecond,
		SweepInterval:  30 * time.Millisecond,
	}, logging.Nop(), h.reg, h.eng, h.coord, h.fab, nil, exec)
	return rt, h
}

func TestRuntime_ClaimsExecutesAndCompletesTask(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	exec := ExecutorFunc(func(_ context.Context, t task.Task) ([]byte, error) {
		close(done)
		return []byte("ok"), nil
	})

	rt, h := newRuntime(t, "a1", "builder", exec)
	if err := rt.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer rt.Stop(context.Background())

	taskID, err := h.eng.Enqueue(context.Background(), task.Task{Class: "builder", Priority: task.PriorityNormal, MaxRetries: 1, TimeoutMS: 5000})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("task was never executed")
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if h.taskStatus(t, "builder", taskID) == task.StatusCompleted {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("expected task %s to be completed, got %s", taskID, h.taskStatus(t, "builder", taskID))
}

func TestRuntime_FatalErrorFailsNonRetryable(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	exec := ExecutorFunc(func(_ context.Context, t task.Task) ([]byte, error) {
		return nil, Fatal(apperrors.NewValidationError("bad input"))
	})

	rt, h := newRuntime(t, "a1", "builder", exec)
	if err := rt.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer rt.Stop(context.Background())

	taskID, err := h.eng.Enqueue(context.Background(), task.Task{Class: "builder", Priority: task.PriorityNormal, MaxRetries: 3, TimeoutMS: 5000})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if h.taskStatus(t, "builder", taskID) == task.StatusDead {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("expected task %s to end up dead after a fatal error, got %s", taskID, h.taskStatus(t, "builder", taskID))
}

func TestRuntime_StopReleasesLocksHeldByExecutor(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tmp := t.TempDir() + "/resource.txt"
	if err := os.WriteFile(tmp, []byte("x"), 0o644); err != nil {
		t.Fatalf("write temp file: %v", err)
	}

	started := make(chan struct{})
	release := make(chan struct{})
	var h *harness
	exec := ExecutorFunc(func(ctx context.Context, tk task.Task) ([]byte, error) {
		if _, err := h.coord.Acquire(ctx, tmp, coordinator.ModeWrite, "a1", time.Minute, 0); err != nil {
			return nil, Fatal(err)
		}
		close(started)
		<-release
		return []byte("ok"), nil
	})

	var rt *Runtime
	rt, h = newRuntime(t, "a1", "builder", exec)
	if err := rt.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	if _, err := h.eng.Enqueue(context.Background(), task.Task{Class: "builder", Priority: task.PriorityNormal, MaxRetries: 1, TimeoutMS: 5000}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("executor never acquired the lock")
	}

	insp, err := h.coord.Inspect(context.Background(), tmp)
	if err != nil || insp.WriterAgent != "a1" {
		t.Fatalf("expected a1 to hold the write lock, got %+v err=%v", insp, err)
	}

	close(release)
	if err := rt.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}

	insp, err = h.coord.Inspect(context.Background(), tmp)
	if err != nil || insp.WriterAgent != "" {
		t.Fatalf("expected lock released after deregister, got %+v err=%v", insp, err)
	}
}

func TestRuntime_StopDrainsInFlightTaskBeforeDeadline(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	started := make(chan struct{})
	finished := make(chan struct{})
	exec := ExecutorFunc(func(_ context.Context, tk task.Task) ([]byte, error) {
		close(started)
		time.Sleep(80 * time.Millisecond)
		close(finished)
		return []byte("ok"), nil
	})

	rt, h := newRuntime(t, "a1", "builder", exec)
	if err := rt.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	if _, err := h.eng.Enqueue(context.Background(), task.Task{Class: "builder", Priority: task.PriorityNormal, MaxRetries: 1, TimeoutMS: 5000}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("task never started")
	}

	if err := rt.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}

	select {
	case <-finished:
	default:
		t.Fatal("Stop returned before the in-flight task finished")
	}
}
