// Package allocator chooses the nodes that store a new region. Allocators
// are pure functions of the candidate list, the blacklist and a usage
// snapshot; the caller persists the assignment.
package allocator

import (
	"context"
	"sort"
	"sync"

	"spacedb/membership"

	"github.com/cockroachdb/errors"
)

// ErrResourceAllocation means no eligible node was left.
var ErrResourceAllocation = errors.New("resource allocation failed")

// UsageSource reports how many regions each node holds across all groups.
// The snapshot may be stale.
type UsageSource interface {
	Usage(ctx context.Context) (map[string]int, error)
}

type Allocator interface {
	Name() string
	// GetInstancesForNewResource returns one eligible node. Blacklisted and
	// non-ready nodes are never returned.
	GetInstancesForNewResource(ctx context.Context, nodes []membership.Node, blacklist []string) (membership.Node, error)
}

// Eligible drops blacklisted and non-ready nodes.
func Eligible(nodes []membership.Node, blacklist []string) ([]membership.Node, error) {
	if len(nodes) == 0 {
		return nil, errors.Wrap(ErrResourceAllocation, "list of systems is empty")
	}
	banned := make(map[string]struct{}, len(blacklist))
	for _, id := range blacklist {
		banned[id] = struct{}{}
	}

	var out []membership.Node
	var ready int
	for _, n := range nodes {
		if !n.IsReady() {
			continue
		}
		ready++
		if _, ok := banned[n.ID]; ok {
			continue
		}
		out = append(out, n)
	}
	if len(out) == 0 {
		if ready == 0 {
			return nil, errors.Wrap(ErrResourceAllocation, "no system is ready")
		}
		return nil, errors.Wrap(ErrResourceAllocation, "all systems are blacklisted")
	}
	return out, nil
}

// AllocateSystems picks n distinct nodes, one per replica. Every pick is
// blacklisted for the following ones.
func AllocateSystems(ctx context.Context, a Allocator, nodes []membership.Node, blacklist []string, n int) ([]string, error) {
	banned := append([]string(nil), blacklist...)
	picked := make([]string, 0, n)
	for i := 0; i < n; i++ {
		node, err := a.GetInstancesForNewResource(ctx, nodes, banned)
		if err != nil {
			return nil, errors.Wrapf(err, "replica %d of %d", i+1, n)
		}
		picked = append(picked, node.ID)
		banned = append(banned, node.ID)
	}
	return picked, nil
}

// Constructor builds an allocator. usage may be ignored by policies that
// do not look at load.
type Constructor func(usage UsageSource) Allocator

var (
	registryMu sync.RWMutex
	registry   = map[string]Constructor{}
)

// Register makes a policy available by name. Registering a name twice
// replaces the earlier constructor.
func Register(name string, ctor Constructor) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = ctor
}

func New(name string, usage UsageSource) (Allocator, error) {
	registryMu.RLock()
	ctor, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, errors.Newf("unknown allocator %q", name)
	}
	return ctor(usage), nil
}

// Names lists the registered policies.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
