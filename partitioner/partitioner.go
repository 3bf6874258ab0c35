// Package partitioner splits and merges the regions of a distribution
// group. Two policies share one contract: a binary, sample driven KD-tree
// split and a grid split that cuts the root into fixed cells once and
// refines them like the KD-tree afterwards.
//
// All state lives in the coordination store. Every transition is a
// compare-and-set on the region record, so of two concurrent attempts on
// the same region exactly one wins and the other gets ErrPrecondition.
package partitioner

import (
	"context"
	"sort"
	"sync"

	"spacedb/config"
	"spacedb/geom"
	"spacedb/membership"
	"spacedb/metrics"
	"spacedb/region"

	"github.com/cockroachdb/errors"
)

var (
	// ErrPrecondition is returned for transitions that lost a race or
	// target a region in the wrong state. It is never retried here.
	ErrPrecondition = region.ErrPrecondition
	// ErrInvalidSplitPoint is returned when the split value would leave
	// one child empty, or when no dimension can be split.
	ErrInvalidSplitPoint = errors.New("invalid split point")
	// ErrUnsupported is returned for operations a policy does not offer.
	ErrUnsupported = errors.New("unsupported operation")
)

// Context carries the collaborators shared by all partitioners of a node.
type Context struct {
	Regions *region.Adapter
	Members *membership.Registry
	Metrics *metrics.Metrics
}

type SpacePartitioner interface {
	Group() string
	Config() config.GroupConfig

	// Tree reads the current region tree of the group.
	Tree(ctx context.Context) (*region.Tree, error)
	RootNode(ctx context.Context) (*region.Region, error)
	// CreateRootNode writes the root region of a new group.
	CreateRootNode(ctx context.Context) (*region.Region, error)

	// IsSplitable reports whether r is an ACTIVE leaf without pending
	// children in the current tree.
	IsSplitable(ctx context.Context, r *region.Region) (bool, error)
	SplitRegion(ctx context.Context, r *region.Region, samples []geom.Hyperrectangle) ([]*region.Region, error)
	SplitComplete(ctx context.Context, r *region.Region, children []*region.Region) error
	SplitFailed(ctx context.Context, r *region.Region, children []*region.Region) error

	GetMergeCandidates(ctx context.Context, r *region.Region) ([][]*region.Region, error)
	GetDestinationForMerge(ctx context.Context, regions []*region.Region) (*region.Region, error)
	MergeComplete(ctx context.Context, regions []*region.Region, destination *region.Region) error
	MergeFailed(ctx context.Context, regions []*region.Region, destination *region.Region) error

	WaitUntilNodeStateIs(ctx context.Context, r *region.Region, state region.State) error
	WaitUntilNodeIsRemoved(ctx context.Context, r *region.Region) error

	// Recover finishes or rolls back the operations nodeID coordinated and
	// left behind, e.g. after a crash.
	Recover(ctx context.Context, nodeID string) (RecoveryReport, error)
	Shutdown()
}

// Constructor builds the partitioner of one group.
type Constructor func(pc *Context, cfg config.GroupConfig) (SpacePartitioner, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Constructor{}
)

func Register(name string, ctor Constructor) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = ctor
}

// New builds the partitioner configured for the group.
func New(pc *Context, cfg config.GroupConfig) (SpacePartitioner, error) {
	registryMu.RLock()
	ctor, ok := registry[cfg.Partitioner]
	registryMu.RUnlock()
	if !ok {
		return nil, errors.Newf("unknown partitioner %q for group %s", cfg.Partitioner, cfg.Name)
	}
	return ctor(pc, cfg)
}

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

func init() {
	Register(config.PartitionerKDTree, NewKDTree)
	Register(config.PartitionerGrid, NewGrid)
}
