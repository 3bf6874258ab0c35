package allocator

import (
	"context"
	"testing"

	"spacedb/config"
	"spacedb/membership"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticUsage map[string]int

func (s staticUsage) Usage(context.Context) (map[string]int, error) {
	return s, nil
}

func ready(ids ...string) []membership.Node {
	nodes := make([]membership.Node, len(ids))
	for i, id := range ids {
		nodes[i] = membership.Node{ID: id, State: membership.StateReady}
	}
	return nodes
}

func TestEligible(t *testing.T) {
	nodes := append(ready("a", "b"), membership.Node{ID: "c", State: membership.StateOffline})

	got, err := Eligible(nodes, []string{"a"})
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, membership.IDs(got))

	_, err = Eligible(nil, nil)
	assert.True(t, errors.Is(err, ErrResourceAllocation))

	_, err = Eligible(nodes, []string{"a", "b"})
	assert.True(t, errors.Is(err, ErrResourceAllocation))
	assert.Contains(t, err.Error(), "blacklisted")
}

func TestNeverReturnsBlacklistedOrOffline(t *testing.T) {
	ctx := context.Background()
	nodes := append(ready("a", "b", "c"), membership.Node{ID: "d", State: membership.StateOffline})
	usage := staticUsage{"a": 5, "b": 5, "c": 5}

	for _, a := range []Allocator{NewRandom(), NewLowUtilization(usage), NewCapacityAware(usage)} {
		t.Run(a.Name(), func(t *testing.T) {
			for i := 0; i < 50; i++ {
				n, err := a.GetInstancesForNewResource(ctx, nodes, []string{"a", "c"})
				require.NoError(t, err)
				assert.Equal(t, "b", n.ID)
			}
			_, err := a.GetInstancesForNewResource(ctx, nodes, []string{"a", "b", "c"})
			assert.True(t, errors.Is(err, ErrResourceAllocation))
		})
	}
}

func TestLowUtilization(t *testing.T) {
	ctx := context.Background()
	nodes := ready("a", "b", "c")

	// a node without regions wins immediately
	a := NewLowUtilization(staticUsage{"a": 3, "b": 1})
	n, err := a.GetInstancesForNewResource(ctx, nodes, nil)
	require.NoError(t, err)
	assert.Equal(t, "c", n.ID)

	a = NewLowUtilization(staticUsage{"a": 3, "b": 1, "c": 2})
	n, err = a.GetInstancesForNewResource(ctx, nodes, nil)
	require.NoError(t, err)
	assert.Equal(t, "b", n.ID)

	n, err = a.GetInstancesForNewResource(ctx, nodes, []string{"b"})
	require.NoError(t, err)
	assert.Equal(t, "c", n.ID)
}

func TestCapacityAware(t *testing.T) {
	ctx := context.Background()
	nodes := ready("small", "big")
	nodes[0].Capacity.CPUCores = 2
	nodes[1].Capacity.CPUCores = 16

	a := NewCapacityAware(staticUsage{"small": 2, "big": 4})
	n, err := a.GetInstancesForNewResource(ctx, nodes, nil)
	require.NoError(t, err)
	assert.Equal(t, "big", n.ID)

	a = NewCapacityAware(staticUsage{"small": 1, "big": 10})
	n, err = a.GetInstancesForNewResource(ctx, nodes, nil)
	require.NoError(t, err)
	assert.Equal(t, "small", n.ID)
}

func TestAllocateSystems(t *testing.T) {
	ctx := context.Background()
	nodes := ready("a", "b", "c")

	got, err := AllocateSystems(ctx, NewRandom(), nodes, []string{"a"}, 2)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"b", "c"}, got)

	_, err = AllocateSystems(ctx, NewRandom(), nodes, []string{"a"}, 3)
	assert.True(t, errors.Is(err, ErrResourceAllocation))
}

func TestRegistry(t *testing.T) {
	for _, name := range []string{config.AllocatorRandom, config.AllocatorLowUtilization, config.AllocatorCapacity} {
		a, err := New(name, staticUsage{})
		require.NoError(t, err)
		assert.Equal(t, name, a.Name())
	}
	assert.Subset(t, Names(), []string{"random", "lowutilization", "capacity"})

	_, err := New("org.example.Missing", nil)
	assert.Error(t, err)
}
