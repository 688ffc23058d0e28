package coordinator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/taskfabric/fabric/internal/apperrors"
	"github.com/taskfabric/fabric/internal/logging"
	"github.com/taskfabric/fabric/pkg/storetest"
	"github.com/taskfabric/fabric/pkg/task"
)

func newTestCoordinator(t *testing.T) *Coordinator {
	t.Helper()
	s, _ := storetest.New(t)
	return New(s, logging.Nop())
}

func tempFile(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	p := filepath.Join(dir, "resource.txt")
	if err := os.WriteFile(p, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestAcquire_WriteIsExclusive(t *testing.T) {
	c := newTestCoordinator(t)
	ctx := context.Background()
	path := tempFile(t)

	h1, err := c.Acquire(ctx, path, ModeWrite, "a1", time.Minute, 0)
	if err != nil {
		t.Fatalf("first write acquire: %v", err)
	}
	if h1.FenceToken != 1 {
		t.Fatalf("fence token = %d, want 1", h1.FenceToken)
	}

	_, err = c.Acquire(ctx, path, ModeWrite, "a2", time.Minute, 0)
	if !apperrors.IsBusy(err) {
		t.Fatalf("expected busy, got %v", err)
	}
}

func TestAcquire_MultipleReadersAllowed(t *testing.T) {
	c := newTestCoordinator(t)
	ctx := context.Background()
	path := tempFile(t)

	if _, err := c.Acquire(ctx, path, ModeRead, "a1", time.Minute, 0); err != nil {
		t.Fatalf("reader 1: %v", err)
	}
	if _, err := c.Acquire(ctx, path, ModeRead, "a2", time.Minute, 0); err != nil {
		t.Fatalf("reader 2: %v", err)
	}

	insp, err := c.Inspect(ctx, path)
	if err != nil {
		t.Fatal(err)
	}
	if len(insp.ReaderAgents) != 2 {
		t.Fatalf("expected 2 readers, got %+v", insp.ReaderAgents)
	}
}

func TestAcquire_WriteBlockedByExistingReader(t *testing.T) {
	c := newTestCoordinator(t)
	ctx := context.Background()
	path := tempFile(t)

	if _, err := c.Acquire(ctx, path, ModeRead, "a1", time.Minute, 0); err != nil {
		t.Fatal(err)
	}
	_, err := c.Acquire(ctx, path, ModeWrite, "a2", time.Minute, 0)
	if !apperrors.IsBusy(err) {
		t.Fatalf("expected busy, got %v", err)
	}
}

func TestRelease_StaleTokenIsNoop(t *testing.T) {
	c := newTestCoordinator(t)
	ctx := context.Background()
	path := tempFile(t)

	h, err := c.Acquire(ctx, path, ModeWrite, "a1", time.Minute, 0)
	if err != nil {
		t.Fatal(err)
	}
	stale := &task.Handle{ResourceKey: h.ResourceKey, Kind: h.Kind, FenceToken: h.FenceToken + 99, AgentID: h.AgentID}
	err = c.Release(ctx, stale)
	if !apperrors.IsStale(err) {
		t.Fatalf("expected stale error, got %v", err)
	}

	// Real handle still works.
	if err := c.Release(ctx, h); err != nil {
		t.Fatalf("release with correct token failed: %v", err)
	}
}

func TestAcquire_AfterReleaseWriteSucceeds(t *testing.T) {
	c := newTestCoordinator(t)
	ctx := context.Background()
	path := tempFile(t)

	h1, err := c.Acquire(ctx, path, ModeWrite, "a1", time.Minute, 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Release(ctx, h1); err != nil {
		t.Fatal(err)
	}
	h2, err := c.Acquire(ctx, path, ModeWrite, "a2", time.Minute, 0)
	if err != nil {
		t.Fatalf("second acquire after release: %v", err)
	}
	if h2.FenceToken <= h1.FenceToken {
		t.Fatalf("fence token not monotonic: %d then %d", h1.FenceToken, h2.FenceToken)
	}
}

func TestAcquire_ExpiredLockIsReclaimable(t *testing.T) {
	c := newTestCoordinator(t)
	ctx := context.Background()
	path := tempFile(t)

	if _, err := c.Acquire(ctx, path, ModeWrite, "a1", 50*time.Millisecond, 0); err != nil {
		t.Fatal(err)
	}
	time.Sleep(100 * time.Millisecond)

	if _, err := c.Acquire(ctx, path, ModeWrite, "a2", time.Minute, 0); err != nil {
		t.Fatalf("expected acquire to succeed once TTL elapsed: %v", err)
	}
}

func TestAcquire_WaitForRetriesUntilBusyHolderReleases(t *testing.T) {
	c := newTestCoordinator(t)
	ctx := context.Background()
	path := tempFile(t)

	h1, err := c.Acquire(ctx, path, ModeWrite, "a1", time.Minute, 0)
	if err != nil {
		t.Fatal(err)
	}

	go func() {
		time.Sleep(60 * time.Millisecond)
		_ = c.Release(ctx, h1)
	}()

	h2, err := c.Acquire(ctx, path, ModeWrite, "a2", time.Minute, 500*time.Millisecond)
	if err != nil {
		t.Fatalf("expected acquire to succeed after wait: %v", err)
	}
	if h2.AgentID != "a2" {
		t.Fatalf("unexpected holder %s", h2.AgentID)
	}
}

func TestCanonicalPath_SamePathFromDifferentSpellings(t *testing.T) {
	path := tempFile(t)
	rel, err := filepath.Rel(".", path)
	if err != nil {
		t.Skip("cannot compute relative path in this environment")
	}
	a, err := CanonicalPath(path)
	if err != nil {
		t.Fatal(err)
	}
	b, err := CanonicalPath(rel)
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Fatalf("canonicalization mismatch: %q vs %q", a, b)
	}
}

func TestReleasePort_ConflictForNonHolder(t *testing.T) {
	c := newTestCoordinator(t)
	ctx := context.Background()

	// Reserve directly via the store-level script path is awkward without a
	// free port probe in this sandbox; exercise the release-path logic using
	// a port unlikely to be bound, accepting the rare flake if it is.
	port := 48213

	if err := c.ReservePort(ctx, port, "build", "a1", time.Minute); err != nil {
		t.Skipf("port %d unavailable in this environment: %v", port, err)
	}
	defer c.ReleasePort(ctx, port, "a1")

	err := c.ReleasePort(ctx, port, "a2")
	if !apperrors.IsConflict(err) {
		t.Fatalf("expected conflict releasing as non-holder, got %v", err)
	}

	if err := c.ReleasePort(ctx, port, "a1"); err != nil {
		t.Fatalf("holder release should succeed: %v", err)
	}
	if err := c.ReleasePort(ctx, port, "a1"); err != nil {
		t.Fatalf("idempotent second release should succeed: %v", err)
	}
}

func TestReleaseAllForAgent_ReleasesFileAndPortLocks(t *testing.T) {
	c := newTestCoordinator(t)
	ctx := context.Background()
	path := tempFile(t)

	h, err := c.Acquire(ctx, path, ModeWrite, "a1", time.Minute, 0)
	if err != nil {
		t.Fatal(err)
	}

	port := 48214
	if err := c.ReservePort(ctx, port, "build", "a1", time.Minute); err != nil {
		t.Skipf("port %d unavailable: %v", port, err)
	}

	c.ReleaseAllForAgent(ctx, "a1", []string{h.ResourceKey}, []int{port})

	insp, err := c.Inspect(ctx, path)
	if err != nil {
		t.Fatal(err)
	}
	if insp.WriterAgent != "" {
		t.Fatalf("expected writer cleared, got %q", insp.WriterAgent)
	}

	if err := c.ReservePort(ctx, port, "build", "a2", time.Minute); err != nil {
		t.Fatalf("expected port free after ReleaseAllForAgent: %v", err)
	}
	_ = c.ReleasePort(ctx, port, "a2")
}

type fakeLockTracker struct {
	locks map[string]bool
	ports map[int]bool
}

func newFakeLockTracker() *fakeLockTracker {
	return &fakeLockTracker{locks: map[string]bool{}, ports: map[int]bool{}}
}

func (f *fakeLockTracker) TrackLock(_ context.Context, _, resourceKey string, held bool) error {
	f.locks[resourceKey] = held
	return nil
}

func (f *fakeLockTracker) TrackPort(_ context.Context, _ string, port int, held bool) error {
	f.ports[port] = held
	return nil
}

func TestLockTracker_MirrorsAcquireReleaseAndPorts(t *testing.T) {
	c := newTestCoordinator(t)
	ctx := context.Background()
	tracker := newFakeLockTracker()
	c.SetLockTracker(tracker)

	path := tempFile(t)
	h, err := c.Acquire(ctx, path, ModeWrite, "a1", time.Minute, 0)
	if err != nil {
		t.Fatal(err)
	}
	if !tracker.locks[h.ResourceKey] {
		t.Fatalf("expected lock tracked as held after acquire")
	}

	port := 48215
	if err := c.ReservePort(ctx, port, "build", "a1", time.Minute); err != nil {
		t.Skipf("port %d unavailable: %v", port, err)
	}
	if !tracker.ports[port] {
		t.Fatalf("expected port tracked as held after reserve")
	}

	if err := c.Release(ctx, h); err != nil {
		t.Fatal(err)
	}
	if tracker.locks[h.ResourceKey] {
		t.Fatalf("expected lock tracked as released")
	}

	if err := c.ReleasePort(ctx, port, "a1"); err != nil {
		t.Fatal(err)
	}
	if tracker.ports[port] {
		t.Fatalf("expected port tracked as released")
	}
}

// FuzzAcquireRelease drives random interleavings of acquire_read,
// acquire_write and release against a single resource and checks the
// readers-writer invariant holds after every step: at most one writer, and
// never a writer concurrent with any reader.
func FuzzAcquireRelease(f *testing.F) {
	f.Add([]byte{0, 0, 2, 0, 1, 1, 2, 2})
	f.Add([]byte{1, 0, 1, 1, 2, 0, 2, 1})
	f.Add([]byte{0, 0, 0, 1, 0, 2, 2, 0, 2, 1, 2, 2})

	const numAgents = 3

	f.Fuzz(func(t *testing.T, ops []byte) {
		c := newTestCoordinator(t)
		ctx := context.Background()
		path := tempFile(t)

		type heldKey struct {
			agent string
			mode  Mode
		}
		held := map[heldKey]*task.Handle{}

		checkInvariant := func() {
			t.Helper()
			writers, readers := 0, 0
			for k := range held {
				if k.mode == ModeWrite {
					writers++
				} else {
					readers++
				}
			}
			if writers > 1 {
				t.Fatalf("invariant broken: %d concurrent writers", writers)
			}
			if writers > 0 && readers > 0 {
				t.Fatalf("invariant broken: writer concurrent with %d readers", readers)
			}
		}

		// Each byte selects an (agent, op) pair: low bits pick the agent,
		// next bits pick the op (0=acquire_read, 1=acquire_write,
		// 2=release).
		for _, b := range ops {
			agent := fmt.Sprintf("agent-%d", int(b)%numAgents)
			op := (int(b) / numAgents) % 3

			switch op {
			case 0:
				h, err := c.Acquire(ctx, path, ModeRead, agent, time.Minute, 0)
				if err == nil {
					held[heldKey{agent, ModeRead}] = h
				}
			case 1:
				h, err := c.Acquire(ctx, path, ModeWrite, agent, time.Minute, 0)
				if err == nil {
					held[heldKey{agent, ModeWrite}] = h
				}
			case 2:
				for _, mode := range []Mode{ModeRead, ModeWrite} {
					k := heldKey{agent, mode}
					if h, ok := held[k]; ok {
						if err := c.Release(ctx, h); err != nil {
							t.Fatalf("release of held handle failed: %v", err)
						}
						delete(held, k)
					}
				}
			}
			checkInvariant()
		}
	})
}
