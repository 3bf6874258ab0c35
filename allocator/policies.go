package allocator

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"spacedb/config"
	"spacedb/membership"

	"github.com/cockroachdb/errors"
)

func init() {
	Register(config.AllocatorRandom, func(UsageSource) Allocator { return NewRandom() })
	Register(config.AllocatorLowUtilization, func(u UsageSource) Allocator { return NewLowUtilization(u) })
	Register(config.AllocatorCapacity, func(u UsageSource) Allocator { return NewCapacityAware(u) })
}

// Random picks uniformly among the eligible nodes.
type Random struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

func NewRandom() *Random {
	return &Random{rnd: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

func (r *Random) Name() string {
	return config.AllocatorRandom
}

func (r *Random) GetInstancesForNewResource(_ context.Context, nodes []membership.Node, blacklist []string) (membership.Node, error) {
	eligible, err := Eligible(nodes, blacklist)
	if err != nil {
		return membership.Node{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return eligible[r.rnd.Intn(len(eligible))], nil
}

// Utilization prefers the node with the fewest regions. A node without any
// region is returned right away, otherwise the node with the highest
// factor wins; ties go to the earlier candidate.
type Utilization struct {
	name   string
	usage  UsageSource
	factor func(n membership.Node, usage int) float64
}

// NewLowUtilization balances the region count, factor 1/usage.
func NewLowUtilization(usage UsageSource) *Utilization {
	return &Utilization{
		name:  config.AllocatorLowUtilization,
		usage: usage,
		factor: func(_ membership.Node, usage int) float64 {
			return 1 / float64(usage)
		},
	}
}

// NewCapacityAware weights the region count by cpu cores, factor
// cores/usage.
func NewCapacityAware(usage UsageSource) *Utilization {
	return &Utilization{
		name:  config.AllocatorCapacity,
		usage: usage,
		factor: func(n membership.Node, usage int) float64 {
			cores := n.Capacity.CPUCores
			if cores <= 0 {
				cores = 1
			}
			return float64(cores) / float64(usage)
		},
	}
}

func (u *Utilization) Name() string {
	return u.name
}

func (u *Utilization) GetInstancesForNewResource(ctx context.Context, nodes []membership.Node, blacklist []string) (membership.Node, error) {
	eligible, err := Eligible(nodes, blacklist)
	if err != nil {
		return membership.Node{}, err
	}
	usage, err := u.usage.Usage(ctx)
	if err != nil {
		return membership.Node{}, errors.Wrap(err, "read system usage")
	}

	for _, n := range eligible {
		if usage[n.ID] == 0 {
			return n, nil
		}
	}

	best, bestFactor := eligible[0], u.factor(eligible[0], usage[eligible[0].ID])
	for _, n := range eligible[1:] {
		if f := u.factor(n, usage[n.ID]); f > bestFactor {
			best, bestFactor = n, f
		}
	}
	return best, nil
}
