// Package storetest provides a shared miniredis-backed store.Store for
// other packages' tests, so every component tests against the same
// in-memory Redis double instead of hand-rolled fakes (§9: miniredis is
// used "everywhere a real *redis.Client is needed in tests").
package storetest

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/taskfabric/fabric/pkg/store"
)

// New starts a miniredis server and returns a store.Store backed by it,
// plus the miniredis handle for tests that need to manipulate time (e.g.
// miniredis.FastForward) or inspect raw keys.
func New(t *testing.T) (store.Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return store.NewFromClient(client, 2*time.Second), mr
}
