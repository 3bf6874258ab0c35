package redistributor

import (
	"context"
	"io"
	"sync"
	"testing"

	"spacedb/engine"
	"spacedb/geom"
	"spacedb/region"
	"spacedb/tuple"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClient struct {
	mu      sync.Mutex
	inserts map[string][]string
	deletes map[string][]string
	fail    error
}

func newFakeClient() *fakeClient {
	return &fakeClient{inserts: map[string][]string{}, deletes: map[string][]string{}}
}

func (c *fakeClient) InsertTuple(_ context.Context, table string, t *tuple.Tuple) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail != nil {
		return c.fail
	}
	c.inserts[table] = append(c.inserts[table], t.Key)
	return nil
}

func (c *fakeClient) DeleteTuple(_ context.Context, table, key string, _ int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deletes[table] = append(c.deletes[table], key)
	return nil
}

func newTestEngine(t *testing.T) *engine.Engine {
	t.Helper()
	e, err := engine.Open(engine.Options{Dir: "data", FS: vfs.NewMem()})
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

func point(x, y float64) geom.Hyperrectangle {
	return geom.MustFromBounds(x, x, y, y)
}

// halves registers [0,5)x[0,10] on the local node and [5,10]x[0,10] on
// the local node and "remote".
func halves(t *testing.T, e *engine.Engine, client *fakeClient) *TupleRedistributor {
	t.Helper()
	left, right, err := geom.MustFromBounds(0, 10, 0, 10).Split(0, 5)
	require.NoError(t, err)

	d := New(Options{
		Group:       "roads",
		LocalNodeID: "local",
		Local:       e,
		Dial: func(_ context.Context, nodeID string) (RemoteClient, error) {
			if nodeID != "remote" {
				return nil, errors.Newf("unknown node %s", nodeID)
			}
			return client, nil
		},
	})
	ctx := context.Background()
	require.NoError(t, d.RegisterRegion(ctx, &region.Region{ID: 1, Box: left, NodeIDs: []string{"local"}}))
	require.NoError(t, d.RegisterRegion(ctx, &region.Region{ID: 2, Box: right, NodeIDs: []string{"local", "remote"}}))
	return d
}

func TestRegisterRegionTwiceFails(t *testing.T) {
	d := halves(t, newTestEngine(t), newFakeClient())
	err := d.RegisterRegion(context.Background(), &region.Region{ID: 1, Box: point(1, 1), NodeIDs: []string{"local"}})
	assert.True(t, errors.Is(err, ErrRegionRegistered))

	err = d.RegisterRegion(context.Background(), &region.Region{ID: 9, Box: point(1, 1), NodeIDs: []string{"elsewhere"}})
	assert.Error(t, err)
}

func TestRedistributeByBox(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	client := newFakeClient()
	d := halves(t, e, client)

	require.NoError(t, d.RedistributeTuple(ctx, tuple.New("a", point(1, 1), nil)))
	require.NoError(t, d.RedistributeTuple(ctx, tuple.New("b", point(7, 1), nil)))
	// on the boundary: [5,10] contains x=5, [0,5) does not
	require.NoError(t, d.RedistributeTuple(ctx, tuple.New("c", point(5, 1), nil)))
	// spans both halves
	require.NoError(t, d.RedistributeTuple(ctx, tuple.New("d", geom.MustFromBounds(4, 6, 0, 1), nil)))

	_, err := e.Get("roads", 1, "a")
	require.NoError(t, err)
	_, err = e.Get("roads", 1, "c")
	assert.True(t, errors.Is(err, engine.ErrNotFound))
	_, err = e.Get("roads", 2, "c")
	require.NoError(t, err)

	assert.Equal(t, []string{"b", "c", "d"}, client.inserts["roads_2"])

	st := d.Statistics()
	assert.Equal(t, int64(4), st.Inputs)
	assert.Equal(t, int64(2), st.Forwarded(1))
	assert.Equal(t, int64(6), st.Forwarded(2), "three tuples on two systems")
	require.Len(t, st.Sinks, 3)
	assert.Equal(t, SinkStatistics{RegionID: 2, NodeID: "remote", Tuples: 3}, st.Sinks[2])
}

func TestTombstoneGoesEverywhere(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	client := newFakeClient()
	d := halves(t, e, client)

	require.NoError(t, d.RedistributeTuple(ctx, tuple.New("a", point(1, 1), nil)))
	require.NoError(t, d.RedistributeTuple(ctx, tuple.NewTombstone("a", 1<<62)))

	_, err := e.Get("roads", 1, "a")
	assert.True(t, errors.Is(err, engine.ErrNotFound))
	assert.Equal(t, []string{"a"}, client.deletes["roads_2"])
	assert.Equal(t, int64(2), d.Statistics().Forwarded(1))
}

func TestUncoveredTuple(t *testing.T) {
	d := halves(t, newTestEngine(t), newFakeClient())
	err := d.RedistributeTuple(context.Background(), tuple.New("far", point(50, 50), nil))
	assert.True(t, errors.Is(err, ErrCoverage))
	assert.Equal(t, int64(1), d.Statistics().Uncovered)
}

func TestRunDrainsAllSources(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	client := newFakeClient()
	d := halves(t, e, client)

	// persisted data of the region being split
	for _, tp := range []*tuple.Tuple{
		tuple.New("p1", point(1, 1), nil),
		tuple.New("p2", point(8, 8), nil),
	} {
		require.NoError(t, e.Put("roads", 0, tp))
	}
	it, err := e.Iterator("roads", 0)
	require.NoError(t, err)
	defer it.Close()

	feed := make(chan *tuple.Tuple, 2)
	feed <- tuple.New("f1", point(2, 2), nil)
	feed <- tuple.New("far", point(90, 90), nil)
	close(feed)

	buffered := NewSliceSource([]*tuple.Tuple{tuple.New("b1", point(9, 9), nil)})

	require.NoError(t, d.Run(ctx, FromIterator(it), NewChanSource(feed), buffered))

	st := d.Statistics()
	assert.Equal(t, int64(5), st.Inputs)
	assert.Equal(t, int64(1), st.Uncovered, "uncovered tuples do not stop the pass")
	assert.ElementsMatch(t, []string{"p2", "b1"}, client.inserts["roads_2"])
	for _, key := range []string{"p1", "f1"} {
		_, err := e.Get("roads", 1, key)
		assert.NoError(t, err, key)
	}
}

func TestRunStopsOnSinkError(t *testing.T) {
	client := newFakeClient()
	client.fail = errors.New("connection reset")
	d := halves(t, newTestEngine(t), client)

	src := NewSliceSource([]*tuple.Tuple{tuple.New("b", point(8, 8), nil)})
	err := d.Run(context.Background(), src)
	assert.ErrorContains(t, err, "connection reset")
}

func TestChanSourceHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewChanSource(make(chan *tuple.Tuple)).Next(ctx)
	assert.ErrorIs(t, err, context.Canceled)

	_, err = NewSliceSource(nil).Next(context.Background())
	assert.ErrorIs(t, err, io.EOF)
}

func TestNetworkSinkThrottles(t *testing.T) {
	client := newFakeClient()
	s := NewNetworkTupleSink("roads", 3, "remote", client, 1000)
	for i := 0; i < 5; i++ {
		require.NoError(t, s.SinkTuple(context.Background(), tuple.New("k", point(0, 0), nil)))
	}
	assert.Equal(t, int64(5), s.SinkedTuples())
	assert.Len(t, client.inserts["roads_3"], 5)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	slow := NewNetworkTupleSink("roads", 3, "remote", client, 0.001)
	require.NoError(t, slow.SinkTuple(context.Background(), tuple.New("k", point(0, 0), nil)))
	assert.Error(t, slow.SinkTuple(ctx, tuple.New("k", point(0, 0), nil)))
}
