package coord

import (
	"context"
	"testing"
	"time"

	"spacedb/engine"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *PebbleStore {
	t.Helper()
	s, err := OpenPebbleStore(engine.Options{Dir: "coord", FS: vfs.NewMem()})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateReadUpdate(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.Create(ctx, "/groups/roads", []byte("v0")))
	err := s.Create(ctx, "/groups/roads", []byte("again"))
	assert.True(t, errors.Is(err, ErrNodeExists))

	data, version, err := s.Read(ctx, "/groups/roads")
	require.NoError(t, err)
	assert.Equal(t, []byte("v0"), data)
	assert.Equal(t, int64(0), version)

	newVersion, err := s.Update(ctx, "/groups/roads", []byte("v1"), version)
	require.NoError(t, err)
	assert.Equal(t, int64(1), newVersion)

	// a stale version loses
	_, err = s.Update(ctx, "/groups/roads", []byte("stale"), version)
	assert.True(t, errors.Is(err, ErrBadVersion))

	data, _, err = s.Read(ctx, "/groups/roads")
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), data)

	_, _, err = s.Read(ctx, "/groups/missing")
	assert.True(t, errors.Is(err, ErrNotFound))
	_, err = s.Update(ctx, "/groups/missing", nil, 0)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.Create(ctx, "/a", nil))

	assert.True(t, errors.Is(s.Delete(ctx, "/a", 3), ErrBadVersion))
	require.NoError(t, s.Delete(ctx, "/a", 0))
	assert.True(t, errors.Is(s.Delete(ctx, "/a", AnyVersion), ErrNotFound))
}

func TestListChildrenAndDeleteRecursive(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	for _, p := range []string{"/g", "/g/regions/1", "/g/regions/2", "/g/regions/10", "/g/stats/1/n1", "/g-other"} {
		require.NoError(t, s.Create(ctx, p, nil))
	}

	children, err := s.ListChildren(ctx, "/g")
	require.NoError(t, err)
	assert.Equal(t, []string{"regions", "stats"}, children)

	children, err = s.ListChildren(ctx, "/g/regions")
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "10", "2"}, children)

	top, err := s.ListChildren(ctx, "/")
	require.NoError(t, err)
	assert.Equal(t, []string{"g", "g-other"}, top)

	require.NoError(t, s.DeleteRecursive(ctx, "/g"))
	children, err = s.ListChildren(ctx, "/g")
	require.NoError(t, err)
	assert.Empty(t, children)
	_, _, err = s.Read(ctx, "/g-other")
	require.NoError(t, err, "sibling with common prefix must survive")

	require.NoError(t, s.DeleteRecursive(ctx, "/never"))
}

func TestWatchSeesPathAndChildren(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	events, cancel, err := s.Watch(ctx, "/g/regions")
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, s.Create(ctx, "/g/regions/1", nil))
	require.NoError(t, s.Create(ctx, "/g/regions/1/deep", nil))
	_, err = s.Update(ctx, "/g/regions/1", []byte("x"), 0)
	require.NoError(t, err)

	want := []Event{
		{Type: EventCreated, Path: "/g/regions/1"},
		{Type: EventUpdated, Path: "/g/regions/1"},
	}
	for _, w := range want {
		select {
		case ev := <-events:
			assert.Equal(t, w, ev)
		case <-time.After(time.Second):
			t.Fatalf("missing event %v", w)
		}
	}
	select {
	case ev := <-events:
		t.Fatalf("unexpected event %v", ev)
	default:
	}
}

func TestCloseEndsWatches(t *testing.T) {
	ctx := context.Background()
	s, err := OpenPebbleStore(engine.Options{Dir: "coord", FS: vfs.NewMem()})
	require.NoError(t, err)

	events, cancel, err := s.Watch(ctx, "/x")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, ok := <-events
	assert.False(t, ok)
	cancel()

	_, _, err = s.Read(ctx, "/x")
	assert.True(t, errors.Is(err, ErrUnavailable))
}

func TestCancelledContext(t *testing.T) {
	s := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := s.Create(ctx, "/x", nil)
	assert.True(t, errors.Is(err, ErrCancelled))
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestPaths(t *testing.T) {
	assert.Equal(t, "/groups/roads/regions/4", RegionPath("roads", 4))
	assert.Equal(t, "/groups/roads/stats/4/n1", NodeStatsPath("roads", 4, "n1"))
	assert.Equal(t, "/groups/roads/regions", Parent(RegionPath("roads", 4)))
	assert.Equal(t, "4", Base(RegionPath("roads", 4)))
	assert.Equal(t, "/nodes/n1", NodePath("n1"))

	s := newTestStore(t)
	for _, bad := range []string{"", "/", "x", "/a/", "/a//b"} {
		assert.Error(t, s.Create(context.Background(), bad, nil), bad)
	}
}
