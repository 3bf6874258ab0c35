package membership

import (
	"context"
	"testing"
	"time"

	"spacedb/coord"
	"spacedb/engine"

	"github.com/cockroachdb/pebble/vfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T) (*Registry, *coord.PebbleStore) {
	t.Helper()
	store, err := coord.OpenPebbleStore(engine.Options{Dir: "coord", FS: vfs.NewMem()})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return NewRegistry(store, time.Minute), store
}

func TestHeartbeatAndNodes(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry(t)

	require.NoError(t, reg.Heartbeat(ctx, Node{ID: "n1", Addr: "a:1", Capacity: Capacity{CPUCores: 4}}))
	require.NoError(t, reg.Heartbeat(ctx, Node{ID: "n2", Addr: "a:2"}))
	// second heartbeat updates in place
	require.NoError(t, reg.Heartbeat(ctx, Node{ID: "n1", Addr: "a:1", Capacity: Capacity{CPUCores: 8}}))

	nodes, err := reg.Nodes(ctx)
	require.NoError(t, err)
	require.Len(t, nodes, 2)
	assert.Equal(t, []string{"n1", "n2"}, IDs(nodes))
	assert.Equal(t, 8, nodes[0].Capacity.CPUCores)
	assert.True(t, nodes[0].IsReady())
}

func TestExpiredHeartbeatIsOffline(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry(t)

	start := time.Unix(1000, 0)
	reg.now = func() time.Time { return start }
	require.NoError(t, reg.Heartbeat(ctx, Node{ID: "n1"}))
	require.NoError(t, reg.Heartbeat(ctx, Node{ID: "n2"}))

	reg.now = func() time.Time { return start.Add(2 * time.Minute) }
	require.NoError(t, reg.Heartbeat(ctx, Node{ID: "n2"}))

	ready, err := reg.ReadyNodes(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"n2"}, IDs(ready))

	n1, err := reg.Get(ctx, "n1")
	require.NoError(t, err)
	assert.Equal(t, StateOffline, n1.State)
}

func TestLeaveAndRestart(t *testing.T) {
	ctx := context.Background()
	reg, store := newTestRegistry(t)

	require.NoError(t, reg.Heartbeat(ctx, Node{ID: "n1"}))
	require.NoError(t, reg.Leave(ctx, Node{ID: "n1"}))

	ready, err := reg.ReadyNodes(ctx)
	require.NoError(t, err)
	assert.Empty(t, ready)

	// a new registry finds the record of an earlier run
	restarted := NewRegistry(store, time.Minute)
	require.NoError(t, restarted.Heartbeat(ctx, Node{ID: "n1"}))
	ready, err = restarted.ReadyNodes(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"n1"}, IDs(ready))
}
