package fabric

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/taskfabric/fabric/internal/apperrors"
	"github.com/taskfabric/fabric/internal/logging"
	"github.com/taskfabric/fabric/pkg/storetest"
	"github.com/taskfabric/fabric/pkg/task"
)

func newLinkedFabrics(t *testing.T, ids ...string) map[string]*Fabric {
	t.Helper()
	st, _ := storetest.New(t)
	fabrics := make(map[string]*Fabric, len(ids))
	ctx := context.Background()
	for _, id := range ids {
		f := New(st, id, logging.Nop(), Config{})
		f.Start(ctx)
		t.Cleanup(f.Stop)
		fabrics[id] = f
	}
	// Allow miniredis subscriptions to register before any publish.
	time.Sleep(50 * time.Millisecond)
	return fabrics
}

func TestSendDirect_DeliversToRecipientOnly(t *testing.T) {
	fabrics := newLinkedFabrics(t, "a1", "a2")
	ctx := context.Background()

	var mu sync.Mutex
	var received []string
	fabrics["a2"].RegisterHandler("ping", func(msg task.Message) {
		mu.Lock()
		received = append(received, string(msg.Payload))
		mu.Unlock()
	})
	fabrics["a1"].RegisterHandler("ping", func(msg task.Message) {
		t.Error("a1 should not receive its own direct message to a2")
	})

	if err := fabrics["a1"].SendDirect(ctx, "a2", "ping", []byte("hello")); err != nil {
		t.Fatalf("SendDirect: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(received)
		mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 1 || received[0] != "hello" {
		t.Fatalf("received = %v", received)
	}
}

func TestSendDirect_SelfAddressedIsDropped(t *testing.T) {
	fabrics := newLinkedFabrics(t, "a1")
	ctx := context.Background()

	called := false
	fabrics["a1"].RegisterHandler("ping", func(msg task.Message) { called = true })

	if err := fabrics["a1"].SendDirect(ctx, "a1", "ping", []byte("x")); err != nil {
		t.Fatal(err)
	}
	time.Sleep(100 * time.Millisecond)
	if called {
		t.Fatal("self-addressed direct message should be dropped at the sender")
	}
}

func TestBroadcast_ReachesAllButSender(t *testing.T) {
	fabrics := newLinkedFabrics(t, "a1", "a2", "a3")
	ctx := context.Background()

	var mu sync.Mutex
	receivedBy := map[string]bool{}
	for _, id := range []string{"a1", "a2", "a3"} {
		id := id
		fabrics[id].RegisterHandler("announce", func(msg task.Message) {
			mu.Lock()
			receivedBy[id] = true
			mu.Unlock()
		})
	}

	if err := fabrics["a1"].Broadcast(ctx, "announce", []byte("hi")); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(receivedBy)
		mu.Unlock()
		if n >= 2 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if receivedBy["a1"] {
		t.Fatal("sender should not receive its own broadcast")
	}
	if !receivedBy["a2"] || !receivedBy["a3"] {
		t.Fatalf("expected both a2 and a3 to receive broadcast, got %v", receivedBy)
	}
}

func TestRequest_ResolvesOnMatchingReply(t *testing.T) {
	fabrics := newLinkedFabrics(t, "client", "server")
	ctx := context.Background()

	fabrics["server"].RegisterHandler("echo", func(msg task.Message) {
		_ = fabrics["server"].Reply(context.Background(), msg, msg.Payload)
	})

	reply, err := fabrics["client"].Request(ctx, "server", "echo", []byte("ping"), 2*time.Second)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if string(reply.Payload) != "ping" {
		t.Fatalf("reply payload = %q", reply.Payload)
	}
}

func TestRequest_TimesOutWithoutReply(t *testing.T) {
	fabrics := newLinkedFabrics(t, "client", "server")
	ctx := context.Background()

	// server never replies
	fabrics["server"].RegisterHandler("slow", func(msg task.Message) {})

	_, err := fabrics["client"].Request(ctx, "server", "slow", nil, 100*time.Millisecond)
	if !apperrors.IsTimeout(err) {
		t.Fatalf("expected timeout, got %v", err)
	}
}

func TestUnregisterHandler_StopsDispatch(t *testing.T) {
	fabrics := newLinkedFabrics(t, "a1", "a2")
	ctx := context.Background()

	calls := 0
	fabrics["a2"].RegisterHandler("ping", func(msg task.Message) { calls++ })
	fabrics["a2"].UnregisterHandler("ping")

	if err := fabrics["a1"].SendDirect(ctx, "a2", "ping", []byte("x")); err != nil {
		t.Fatal(err)
	}
	time.Sleep(100 * time.Millisecond)
	if calls != 0 {
		t.Fatalf("expected no dispatch after unregister, got %d calls", calls)
	}
}
