package store

import (
	"context"
	"testing"
	"time"

	"github.com/taskfabric/fabric/internal/apperrors"
)

func TestSetNX_FirstWriterWins(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	ok, err := s.SetNX(ctx, "lock:x", "holder-1", time.Minute)
	if err != nil || !ok {
		t.Fatalf("first SetNX: ok=%v err=%v", ok, err)
	}

	ok, err = s.SetNX(ctx, "lock:x", "holder-2", time.Minute)
	if err != nil {
		t.Fatalf("second SetNX: err=%v", err)
	}
	if ok {
		t.Fatal("second SetNX should fail, key already set")
	}
}

func TestIncr_Monotonic(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	var last int64
	for i := 0; i < 5; i++ {
		v, err := s.Incr(ctx, "fence:abc")
		if err != nil {
			t.Fatalf("Incr: %v", err)
		}
		if v <= last {
			t.Fatalf("Incr not monotonic: %d <= %d", v, last)
		}
		last = v
	}
}

func TestSet_OverwritesExistingValue(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	if err := s.Set(ctx, "blob:A", "v1", 0); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := s.Set(ctx, "blob:A", "v2", 0); err != nil {
		t.Fatalf("overwrite Set: %v", err)
	}
	v, ok, err := s.Get(ctx, "blob:A")
	if err != nil || !ok || v != "v2" {
		t.Fatalf("Get after overwrite = %q, %v, %v", v, ok, err)
	}
}

func TestHash_RoundTrip(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	if err := s.HSet(ctx, "tasks:A", map[string]string{"t1": `{"id":"t1"}`}); err != nil {
		t.Fatalf("HSet: %v", err)
	}
	v, ok, err := s.HGet(ctx, "tasks:A", "t1")
	if err != nil || !ok || v != `{"id":"t1"}` {
		t.Fatalf("HGet = %q, %v, %v", v, ok, err)
	}

	all, err := s.HGetAll(ctx, "tasks:A")
	if err != nil || len(all) != 1 {
		t.Fatalf("HGetAll = %v, %v", all, err)
	}

	if err := s.HDel(ctx, "tasks:A", "t1"); err != nil {
		t.Fatalf("HDel: %v", err)
	}
	_, ok, _ = s.HGet(ctx, "tasks:A", "t1")
	if ok {
		t.Fatal("expected field gone after HDel")
	}
}

func TestZSet_PopHighestScore(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	if err := s.ZAdd(ctx, "pending:A", 1.0, "low-task"); err != nil {
		t.Fatal(err)
	}
	if err := s.ZAdd(ctx, "pending:A", 10.0, "critical-task"); err != nil {
		t.Fatal(err)
	}

	member, score, ok, err := s.ZPopMaxScore(ctx, "pending:A")
	if err != nil || !ok {
		t.Fatalf("ZPopMaxScore: ok=%v err=%v", ok, err)
	}
	if member != "critical-task" || score != 10.0 {
		t.Fatalf("got %q/%v, want critical-task/10", member, score)
	}

	member, _, ok, err = s.ZPopMaxScore(ctx, "pending:A")
	if err != nil || !ok || member != "low-task" {
		t.Fatalf("second pop = %q, %v, %v", member, ok, err)
	}

	_, _, ok, err = s.ZPopMaxScore(ctx, "pending:A")
	if err != nil || ok {
		t.Fatalf("pop on empty set should be ok=false, got ok=%v err=%v", ok, err)
	}
}

func TestZRangeByScore_DueItems(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	if err := s.ZAdd(ctx, "delayed:A", 100, "t1"); err != nil {
		t.Fatal(err)
	}
	if err := s.ZAdd(ctx, "delayed:A", 200, "t2"); err != nil {
		t.Fatal(err)
	}

	due, err := s.ZRangeByScore(ctx, "delayed:A", NegInf(), 150)
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 1 || due[0] != "t1" {
		t.Fatalf("due = %v, want [t1]", due)
	}
}

func TestList_PushRangeRem(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	if err := s.RPush(ctx, "dead:A", "t1", "t2"); err != nil {
		t.Fatal(err)
	}
	items, err := s.LRange(ctx, "dead:A", 0, -1)
	if err != nil || len(items) != 2 {
		t.Fatalf("LRange = %v, %v", items, err)
	}
	if err := s.LRem(ctx, "dead:A", "t1"); err != nil {
		t.Fatal(err)
	}
	n, err := s.LLen(ctx, "dead:A")
	if err != nil || n != 1 {
		t.Fatalf("LLen after LRem = %d, %v", n, err)
	}
}

func TestRunScript_AtomicReadModifyWrite(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	script := NewScript("test-incr-if-absent", `
		if redis.call("EXISTS", KEYS[1]) == 1 then
			return 0
		end
		redis.call("SET", KEYS[1], ARGV[1])
		return 1
	`)

	v, err := s.RunScript(ctx, script, []string{"singleton:A"}, "agent-1")
	if err != nil {
		t.Fatal(err)
	}
	if n, _ := v.(int64); n != 1 {
		t.Fatalf("first run = %v, want 1", v)
	}

	v, err = s.RunScript(ctx, script, []string{"singleton:A"}, "agent-2")
	if err != nil {
		t.Fatal(err)
	}
	if n, _ := v.(int64); n != 0 {
		t.Fatalf("second run = %v, want 0 (already set)", v)
	}
}

func TestPubSub_DeliversPublishedMessage(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	sub := s.Subscribe(ctx, "task:enqueued:A")
	defer sub.Close()

	// Give the subscriber goroutine a moment to register with miniredis.
	time.Sleep(50 * time.Millisecond)

	if err := s.Publish(ctx, "task:enqueued:A", "t1"); err != nil {
		t.Fatal(err)
	}

	select {
	case msg := <-sub.Channel():
		if msg.Payload != "t1" || msg.Channel != "task:enqueued:A" {
			t.Fatalf("got %+v", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for pub/sub message")
	}
}

func TestTransientErrorOnClosedClient(t *testing.T) {
	s, _ := newTestStore(t)
	_ = s.Close()

	err := s.Ping(context.Background())
	if err == nil {
		t.Fatal("expected error after Close")
	}
	if !apperrors.IsTransient(err) {
		t.Fatalf("expected transient error, got %v (%T)", err, err)
	}
}
