package distributor

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"spacedb/bus"
	"spacedb/config"
	"spacedb/coord"
	"spacedb/engine"
	"spacedb/geom"
	"spacedb/membership"
	"spacedb/partitioner"
	"spacedb/region"
	"spacedb/ring"
	"spacedb/tuple"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	regions *region.Adapter
	members *membership.Registry
	cache   *partitioner.Cache
	engine  *engine.Engine
	dist    *Distributor
}

func openEngine(t *testing.T) *engine.Engine {
	t.Helper()
	e, err := engine.Open(engine.Options{Dir: "data", FS: vfs.NewMem()})
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

func newFixture(t *testing.T, retries int) *fixture {
	t.Helper()
	store, err := coord.OpenPebbleStore(engine.Options{Dir: "coord", FS: vfs.NewMem()})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	members := membership.NewRegistry(store, time.Minute)
	require.NoError(t, members.Heartbeat(context.Background(), membership.Node{ID: "n1", Addr: "n1:8008"}))
	regions := region.NewAdapter(store)
	cache := partitioner.NewCache(&partitioner.Context{Regions: regions, Members: members})
	t.Cleanup(cache.Shutdown)

	workers := ring.NewPool(2)
	t.Cleanup(workers.Close)
	peers := bus.NewPool(members, time.Second)
	t.Cleanup(peers.Close)

	e := openEngine(t)
	d := New(Options{
		NodeID:         "n1",
		Partitions:     cache,
		Engine:         e,
		Peers:          peers,
		Workers:        workers,
		RoutingRetries: retries,
	})
	return &fixture{regions: regions, members: members, cache: cache, engine: e, dist: d}
}

func roadsConfig(box string) config.GroupConfig {
	cfg := config.NewGroupConfig("roads", 2)
	cfg.MinRegionSize = 100
	cfg.MaxRegionSize = 1000
	cfg.PartitionerConfig = box
	return cfg
}

func (f *fixture) group(t *testing.T, cfg config.GroupConfig) partitioner.SpacePartitioner {
	t.Helper()
	p, err := f.cache.CreateGroup(context.Background(), cfg)
	require.NoError(t, err)
	return p
}

func point(x, y float64) geom.Hyperrectangle {
	return geom.MustFromBounds(x, x, y, y)
}

// insertDiagonal writes ten point tuples at (i, i).
func insertDiagonal(t *testing.T, d *Distributor) {
	t.Helper()
	for i := 0; i < 10; i++ {
		tp := tuple.New(fmt.Sprintf("k%d", i), point(float64(i), float64(i)), []byte("v"))
		require.NoError(t, d.Insert(context.Background(), "roads", tp))
	}
}

func count(t *testing.T, e *engine.Engine, regionID int64) int64 {
	t.Helper()
	n, err := e.TupleCount("roads", regionID)
	require.NoError(t, err)
	return n
}

func TestInsertAndDelete(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 0)
	f.group(t, roadsConfig(""))

	tp := tuple.New("a", point(1, 1), []byte("x"))
	require.NoError(t, f.dist.Insert(ctx, "roads", tp))
	got, err := f.engine.Get("roads", region.RootID, "a")
	require.NoError(t, err)
	assert.Equal(t, []byte("x"), got.Payload)

	require.NoError(t, f.dist.Delete(ctx, "roads", "a", tp.Version+1))
	_, err = f.engine.Get("roads", region.RootID, "a")
	assert.True(t, errors.Is(err, engine.ErrNotFound))
}

func TestInsertOutsideEveryRegion(t *testing.T) {
	f := newFixture(t, 0)
	f.group(t, roadsConfig("[[0.0,10.0]:[0.0,10.0]]"))

	err := f.dist.Insert(context.Background(), "roads", tuple.New("far", point(20, 20), nil))
	assert.True(t, errors.Is(err, ErrNoRegion))
}

func TestSplitRegionMovesTuples(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 0)
	p := f.group(t, roadsConfig(""))
	insertDiagonal(t, f.dist)

	root, err := p.RootNode(ctx)
	require.NoError(t, err)
	require.NoError(t, f.dist.SplitRegion(ctx, p, root))

	tree, err := p.Tree(ctx)
	require.NoError(t, err)
	assert.Equal(t, region.StateSplit, tree.Root().State)
	children := tree.Children(tree.Root())
	require.Len(t, children, 2)

	// the median of ten diagonal points on dimension 0 is 4.5
	assert.Equal(t, int64(5), count(t, f.engine, children[0].ID))
	assert.Equal(t, int64(5), count(t, f.engine, children[1].ID))
	_, err = f.engine.Get("roads", children[0].ID, "k4")
	require.NoError(t, err)
	_, err = f.engine.Get("roads", children[1].ID, "k5")
	require.NoError(t, err)

	ids, err := f.engine.Regions("roads")
	require.NoError(t, err)
	assert.NotContains(t, ids, region.RootID, "parent data is dropped")

	// writes now reach the children
	require.NoError(t, f.dist.Insert(ctx, "roads", tuple.New("k10", point(8, 8), nil)))
	assert.Equal(t, int64(6), count(t, f.engine, children[1].ID))
}

func TestMergeRegionsRestoresParent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 0)
	p := f.group(t, roadsConfig(""))
	insertDiagonal(t, f.dist)

	root, err := p.RootNode(ctx)
	require.NoError(t, err)
	require.NoError(t, f.dist.SplitRegion(ctx, p, root))
	tree, err := p.Tree(ctx)
	require.NoError(t, err)
	children := tree.Children(tree.Root())

	require.NoError(t, f.dist.MergeRegions(ctx, p, children))

	tree, err = p.Tree(ctx)
	require.NoError(t, err)
	assert.Equal(t, region.StateActive, tree.Root().State)
	assert.True(t, tree.Root().IsLeaf())
	assert.Equal(t, int64(10), count(t, f.engine, region.RootID))

	ids, err := f.engine.Regions("roads")
	require.NoError(t, err)
	assert.Equal(t, []int64{region.RootID}, ids)
}

func TestSplitToRemoteNode(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 0)
	p := f.group(t, roadsConfig(""))
	insertDiagonal(t, f.dist)

	remote := openEngine(t)
	srv := bus.NewServer("127.0.0.1:0", remote, nil)
	require.NoError(t, srv.Listen())
	go srv.Serve()
	t.Cleanup(func() { srv.Close() })
	require.NoError(t, f.members.Heartbeat(ctx, membership.Node{ID: "n2", Addr: "n2:8008", BusAddr: srv.Addr()}))

	root, err := p.RootNode(ctx)
	require.NoError(t, err)
	require.NoError(t, f.dist.SplitRegion(ctx, p, root))

	tree, err := p.Tree(ctx)
	require.NoError(t, err)
	children := tree.Children(tree.Root())
	require.Len(t, children, 2)
	assert.Equal(t, []string{"n1"}, children[0].NodeIDs)
	assert.Equal(t, []string{"n2"}, children[1].NodeIDs)

	assert.Equal(t, int64(5), count(t, f.engine, children[0].ID))
	assert.Equal(t, int64(5), count(t, remote, children[1].ID))

	// a routed write for the right half goes over the bus
	require.NoError(t, f.dist.Insert(ctx, "roads", tuple.New("k10", point(9, 9), nil)))
	assert.Equal(t, int64(6), count(t, remote, children[1].ID))
}

func TestEvaluateSplitsOversizedRegion(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 0)
	p := f.group(t, roadsConfig(""))
	insertDiagonal(t, f.dist)

	require.NoError(t, f.regions.WriteStats(ctx, "roads", region.RootID, region.Stats{NodeID: "n1", Size: 5000}))
	require.NoError(t, f.dist.Evaluate(ctx))

	root, err := p.RootNode(ctx)
	require.NoError(t, err)
	wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, p.WaitUntilNodeStateIs(wctx, root, region.StateSplit))

	assert.Eventually(t, func() bool {
		ids, err := f.engine.Regions("roads")
		return err == nil && len(ids) == 2 && ids[0] != region.RootID
	}, 5*time.Second, 10*time.Millisecond)
}

func TestEvaluateMergesSmallSiblings(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 0)
	p := f.group(t, roadsConfig(""))
	insertDiagonal(t, f.dist)

	root, err := p.RootNode(ctx)
	require.NoError(t, err)
	require.NoError(t, f.dist.SplitRegion(ctx, p, root))
	tree, err := p.Tree(ctx)
	require.NoError(t, err)
	for _, c := range tree.Children(tree.Root()) {
		require.NoError(t, f.regions.WriteStats(ctx, "roads", c.ID, region.Stats{NodeID: "n1", Size: 10}))
	}

	require.NoError(t, f.dist.Evaluate(ctx))
	wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, p.WaitUntilNodeStateIs(wctx, tree.Root(), region.StateActive))

	assert.Eventually(t, func() bool {
		n, err := f.engine.TupleCount("roads", region.RootID)
		return err == nil && n == 10
	}, 5*time.Second, 10*time.Millisecond)
}

func TestCleanupDropsObsoleteRegions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 0)
	f.group(t, roadsConfig(""))

	// region 42 is not part of the tree
	require.NoError(t, f.engine.Put("roads", 42, tuple.New("stale", point(1, 1), nil)))
	require.NoError(t, f.dist.Insert(ctx, "roads", tuple.New("live", point(1, 1), nil)))
	require.NoError(t, f.dist.Evaluate(ctx))

	ids, err := f.engine.Regions("roads")
	require.NoError(t, err)
	assert.Equal(t, []int64{region.RootID}, ids)
}

// splittingStore splits the region of every tuple it receives, so the
// partition changes under each routed write.
type splittingStore struct {
	p    partitioner.SpacePartitioner
	puts atomic.Int32
}

func (s *splittingStore) Put(group string, regionID int64, t *tuple.Tuple) error {
	s.puts.Add(1)
	ctx := context.Background()
	tree, err := s.p.Tree(ctx)
	if err != nil {
		return err
	}
	_, err = s.p.SplitRegion(ctx, tree.Region(regionID), nil)
	return err
}

func (s *splittingStore) Delete(string, int64, string, int64) error {
	return nil
}

func TestRouteWithRetryGivesUp(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 3)

	// with n1 gone every region lands on n2
	store := &splittingStore{}
	srv := bus.NewServer("127.0.0.1:0", store, nil)
	require.NoError(t, srv.Listen())
	t.Cleanup(func() { srv.Close() })
	require.NoError(t, f.members.Heartbeat(ctx, membership.Node{ID: "n2", Addr: "n2:8008", BusAddr: srv.Addr()}))
	require.NoError(t, f.members.Leave(ctx, membership.Node{ID: "n1", Addr: "n1:8008"}))
	store.p = f.group(t, roadsConfig(""))
	go srv.Serve()

	err := f.dist.Insert(ctx, "roads", tuple.New("a", point(3, 3), nil))
	assert.True(t, errors.Is(err, ErrRoutingRetriesExceeded), "got %v", err)
	assert.Equal(t, int32(3), store.puts.Load())
}

func TestMergeKeepsWritesAfterCopy(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 0)
	p := f.group(t, roadsConfig(""))
	insertDiagonal(t, f.dist)

	root, err := p.RootNode(ctx)
	require.NoError(t, err)
	require.NoError(t, f.dist.SplitRegion(ctx, p, root))
	tree, err := p.Tree(ctx)
	require.NoError(t, err)
	children := tree.Children(tree.Root())

	dest, err := p.GetDestinationForMerge(ctx, children)
	require.NoError(t, err)
	require.NoError(t, f.dist.moveMerge(ctx, "roads", children, dest))

	// a write acknowledged by a source after the copy, before the commit
	require.NoError(t, f.engine.Put("roads", children[0].ID, tuple.New("late", point(1, 1), []byte("y"))))
	require.NoError(t, f.dist.commitMerge(ctx, p, children, dest))

	got, err := f.engine.Get("roads", region.RootID, "late")
	require.NoError(t, err)
	assert.Equal(t, []byte("y"), got.Payload)
	assert.Equal(t, int64(11), count(t, f.engine, region.RootID))

	ids, err := f.engine.Regions("roads")
	require.NoError(t, err)
	assert.Equal(t, []int64{region.RootID}, ids)
}
