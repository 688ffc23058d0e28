package store

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

// newTestStore spins up a miniredis instance and a RedisStore pointed at
// it, matching the pack's own miniredis-backed test pattern (see e.g.
// test/unit/gateway/processing/storm_aggregator_test.go in the teacher).
func newTestStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewFromClient(client, time.Second), mr
}
