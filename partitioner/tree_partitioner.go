package partitioner

import (
	"context"
	"sync"

	"spacedb/allocator"
	"spacedb/config"
	"spacedb/coord"
	"spacedb/geom"
	"spacedb/metrics"
	"spacedb/region"
	"spacedb/utils"

	"github.com/cockroachdb/errors"
)

// splitFunc computes the boxes of the children of r. The boxes are a
// disjoint cover of r's box.
type splitFunc func(tree *region.Tree, r *region.Region, samples []geom.Hyperrectangle) ([]geom.Hyperrectangle, error)

// treePartitioner implements the contract shared by all policies. The
// policies differ only in the root box and in how a box is cut.
type treePartitioner struct {
	pc      *Context
	cfg     config.GroupConfig
	rootBox geom.Hyperrectangle
	split   splitFunc
	metrics *metrics.Metrics

	mu     sync.Mutex
	closed bool
}

func newTreePartitioner(pc *Context, cfg config.GroupConfig, rootBox geom.Hyperrectangle, split splitFunc) (*treePartitioner, error) {
	if pc == nil || pc.Regions == nil || pc.Members == nil {
		return nil, errors.New("partitioner context needs regions and members")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if rootBox.Dimensions() != cfg.Dimensions {
		return nil, errors.Newf("root box %s does not have %d dimensions", rootBox, cfg.Dimensions)
	}
	return &treePartitioner{
		pc:      pc,
		cfg:     cfg,
		rootBox: rootBox,
		split:   split,
		metrics: metrics.OrDiscard(pc.Metrics),
	}, nil
}

func (p *treePartitioner) Group() string {
	return p.cfg.Name
}

func (p *treePartitioner) Config() config.GroupConfig {
	return p.cfg
}

func (p *treePartitioner) check() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errors.Wrapf(coord.ErrUnavailable, "partitioner of %s is shut down", p.cfg.Name)
	}
	return nil
}

func (p *treePartitioner) Shutdown() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
}

func (p *treePartitioner) Tree(ctx context.Context) (*region.Tree, error) {
	if err := p.check(); err != nil {
		return nil, err
	}
	return p.pc.Regions.ReadTree(ctx, p.cfg.Name)
}

func (p *treePartitioner) RootNode(ctx context.Context) (*region.Region, error) {
	tree, err := p.Tree(ctx)
	if err != nil {
		return nil, err
	}
	root := tree.Root()
	if root == nil {
		return nil, errors.Wrapf(coord.ErrNotFound, "group %s has no root region", p.cfg.Name)
	}
	return root, nil
}

// CreateRootNode writes the ACTIVE root region covering the policy's root
// box. A root that already exists is returned unchanged.
func (p *treePartitioner) CreateRootNode(ctx context.Context) (*region.Region, error) {
	if err := p.check(); err != nil {
		return nil, err
	}
	if root, err := p.RootNode(ctx); err == nil {
		return root, nil
	} else if !errors.Is(err, coord.ErrNotFound) {
		return nil, err
	}

	nodes, err := p.allocate(ctx, nil, 1)
	if err != nil {
		return nil, err
	}
	id, err := p.pc.Regions.NextRegionID(ctx, p.cfg.Name)
	if err != nil {
		return nil, err
	}
	root := &region.Region{
		ID:       id,
		Box:      p.rootBox,
		State:    region.StateActive,
		NodeIDs:  nodes[0],
		ParentID: region.NoParent,
	}
	if err := p.pc.Regions.CreateRegion(ctx, p.cfg.Name, root); err != nil {
		return nil, err
	}
	utils.Logf(utils.WithRegion(ctx, p.cfg.Name, root.ID), utils.LevelSuccess, "Created root region %s", root.Box)
	return root, nil
}

// IsSplitable reports whether r is an ACTIVE leaf in the current tree.
func (p *treePartitioner) IsSplitable(ctx context.Context, r *region.Region) (bool, error) {
	tree, err := p.Tree(ctx)
	if err != nil {
		return false, err
	}
	cur := tree.Region(r.ID)
	return splitable(tree, cur), nil
}

func splitable(tree *region.Tree, r *region.Region) bool {
	return r != nil && r.IsLeaf() && r.State == region.StateActive && len(tree.Pending(r)) == 0
}

// SplitRegion writes the children of r as CREATING, claims r with
// ACTIVE→SPLITTING and then activates the children. The children are
// routable when it returns; the caller moves the data and finishes with
// SplitComplete or SplitFailed.
func (p *treePartitioner) SplitRegion(ctx context.Context, r *region.Region, samples []geom.Hyperrectangle) ([]*region.Region, error) {
	ctx = utils.WithRegion(ctx, p.cfg.Name, r.ID)
	tree, err := p.Tree(ctx)
	if err != nil {
		return nil, err
	}
	cur := tree.Region(r.ID)
	if !splitable(tree, cur) {
		return nil, errors.Mark(errors.Newf("region %d of %s is not splitable", r.ID, p.cfg.Name), ErrPrecondition)
	}

	boxes, err := p.split(tree, cur, samples)
	if err != nil {
		return nil, err
	}
	nodeSets, err := p.childSystems(ctx, cur, len(boxes))
	if err != nil {
		return nil, err
	}

	base := tree.HighestChildNumber(cur) + 1
	children := make([]*region.Region, 0, len(boxes))
	for i, box := range boxes {
		id, err := p.pc.Regions.NextRegionID(ctx, p.cfg.Name)
		if err != nil {
			return nil, p.abortSplit(ctx, cur, children, false, err)
		}
		child := &region.Region{
			ID:          id,
			Path:        region.ChildPath(cur.Path, base+i),
			Box:         box,
			State:       region.StateCreating,
			NodeIDs:     nodeSets[i],
			ParentID:    cur.ID,
			Level:       cur.Level + 1,
			ChildNumber: base + i,
		}
		if err := p.pc.Regions.CreateRegion(ctx, p.cfg.Name, child); err != nil {
			return nil, p.abortSplit(ctx, cur, children, false, err)
		}
		children = append(children, child)
	}

	cur.State = region.StateSplitting
	if err := p.pc.Regions.UpdateRegion(ctx, p.cfg.Name, cur); err != nil {
		return nil, p.abortSplit(ctx, cur, children, false, err)
	}

	for i, child := range children {
		activated, err := p.pc.Regions.Transition(ctx, p.cfg.Name, child.ID, region.StateCreating, region.StateActive, nil)
		if err != nil {
			return nil, p.abortSplit(ctx, cur, children, true, err)
		}
		children[i] = activated
	}
	utils.Logf(ctx, utils.LevelInfo, "Split into %d children on %d systems", len(children), len(nodeSets))
	return children, nil
}

// abortSplit removes the children written so far and, when the parent was
// already claimed, moves it back to ACTIVE. cause is returned.
func (p *treePartitioner) abortSplit(ctx context.Context, parent *region.Region, children []*region.Region, claimed bool, cause error) error {
	for _, c := range children {
		if err := p.pc.Regions.DeleteRegion(ctx, p.cfg.Name, c.ID); err != nil {
			utils.Logf(ctx, utils.LevelError, "Could not remove child %d: %v", c.ID, err)
		}
	}
	if claimed {
		if _, err := p.pc.Regions.Transition(ctx, p.cfg.Name, parent.ID, region.StateSplitting, region.StateActive, nil); err != nil {
			utils.Logf(ctx, utils.LevelError, "Could not release region: %v", err)
		}
	}
	p.metrics.SplitFailures.Inc()
	return cause
}

// childSystems returns one node set per child. The first child stays on
// the parent's systems, the others avoid them when the cluster allows it.
func (p *treePartitioner) childSystems(ctx context.Context, parent *region.Region, n int) ([][]string, error) {
	sets := make([][]string, n)
	sets[0] = parent.Systems()
	if n == 1 {
		return sets, nil
	}
	rest, err := p.allocate(ctx, parent.NodeIDs, n-1)
	if err != nil {
		return nil, err
	}
	copy(sets[1:], rest)
	return sets, nil
}

// allocate picks n node sets of ReplicationFactor nodes each. Nodes picked
// for earlier sets count as used for later ones, so a split with several
// children spreads them. When the blacklist leaves no node the allocation
// is retried without it.
func (p *treePartitioner) allocate(ctx context.Context, blacklist []string, n int) ([][]string, error) {
	nodes, err := p.pc.Members.Nodes(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "list systems")
	}
	usage := &pendingUsage{base: p.pc.Regions, extra: map[string]int{}}
	alloc, err := allocator.New(p.cfg.Allocator, usage)
	if err != nil {
		return nil, err
	}

	sets := make([][]string, n)
	for i := range sets {
		ids, err := allocator.AllocateSystems(ctx, alloc, nodes, blacklist, p.cfg.ReplicationFactor)
		if errors.Is(err, allocator.ErrResourceAllocation) && len(blacklist) > 0 {
			utils.Logf(ctx, utils.LevelWarn, "Allocation outside the blacklist failed, reusing blacklisted systems: %v", err)
			ids, err = allocator.AllocateSystems(ctx, alloc, nodes, nil, p.cfg.ReplicationFactor)
		}
		if err != nil {
			p.metrics.AllocationFailures.Inc()
			return nil, errors.Wrapf(err, "allocate systems in %s", p.cfg.Name)
		}
		for _, id := range ids {
			usage.extra[id]++
		}
		sets[i] = ids
	}
	return sets, nil
}

// pendingUsage adds the assignments of the running allocation to the
// cluster-wide usage snapshot.
type pendingUsage struct {
	base  allocator.UsageSource
	extra map[string]int
}

func (u *pendingUsage) Usage(ctx context.Context) (map[string]int, error) {
	usage, err := u.base.Usage(ctx)
	if err != nil {
		return nil, err
	}
	for id, n := range u.extra {
		usage[id] += n
	}
	return usage, nil
}

// SplitComplete commits the split: the commit marker is written first so
// that recovery finishes the split from then on, then the parent becomes
// an interior SPLIT node.
func (p *treePartitioner) SplitComplete(ctx context.Context, r *region.Region, children []*region.Region) error {
	ctx = utils.WithRegion(ctx, p.cfg.Name, r.ID)
	if err := p.check(); err != nil {
		return err
	}
	for _, c := range children {
		cur, err := p.pc.Regions.ReadRegion(ctx, p.cfg.Name, c.ID)
		if err != nil {
			return err
		}
		if cur.State != region.StateActive {
			return errors.Mark(errors.Newf("child %d is %s", c.ID, cur.State), ErrPrecondition)
		}
	}
	if err := p.pc.Regions.MarkCommitted(ctx, p.cfg.Name, r.ID); err != nil {
		return err
	}
	if _, err := p.pc.Regions.Transition(ctx, p.cfg.Name, r.ID, region.StateSplitting, region.StateSplit, nil); err != nil {
		return err
	}
	if err := p.pc.Regions.ClearCommitted(ctx, p.cfg.Name, r.ID); err != nil {
		utils.Logf(ctx, utils.LevelWarn, "Could not clear commit marker: %v", err)
	}
	p.metrics.Splits.Inc()
	utils.Logf(ctx, utils.LevelSuccess, "Split complete")
	return nil
}

// SplitFailed deletes the children and returns the parent to ACTIVE. A
// parent that is no longer SPLITTING is left alone.
func (p *treePartitioner) SplitFailed(ctx context.Context, r *region.Region, children []*region.Region) error {
	ctx = utils.WithRegion(ctx, p.cfg.Name, r.ID)
	if err := p.check(); err != nil {
		return err
	}
	for _, c := range children {
		if err := p.pc.Regions.DeleteRegion(ctx, p.cfg.Name, c.ID); err != nil {
			return err
		}
	}
	_, err := p.pc.Regions.Transition(ctx, p.cfg.Name, r.ID, region.StateSplitting, region.StateActive, nil)
	if err != nil && !errors.Is(err, ErrPrecondition) {
		return err
	}
	if err := p.pc.Regions.ClearCommitted(ctx, p.cfg.Name, r.ID); err != nil {
		return err
	}
	p.metrics.SplitFailures.Inc()
	utils.Logf(ctx, utils.LevelWarn, "Split rolled back, %d children removed", len(children))
	return nil
}

// GetMergeCandidates returns r and its siblings when the parent is an
// idle SPLIT node, all siblings are ACTIVE leaves and their summed size is
// below the group's minimum region size.
func (p *treePartitioner) GetMergeCandidates(ctx context.Context, r *region.Region) ([][]*region.Region, error) {
	tree, err := p.Tree(ctx)
	if err != nil {
		return nil, err
	}
	cur := tree.Region(r.ID)
	if cur == nil || cur.IsRoot() {
		return nil, nil
	}
	parent := tree.Parent(cur)
	if parent == nil || parent.State != region.StateSplit || len(tree.Pending(parent)) > 0 {
		return nil, nil
	}

	siblings := tree.Children(parent)
	var total int64
	for _, s := range siblings {
		if !s.IsLeaf() || s.State != region.StateActive {
			return nil, nil
		}
		size, err := p.pc.Regions.RegionSize(ctx, p.cfg.Name, s.ID)
		if err != nil {
			return nil, err
		}
		total += size
	}
	if total >= p.cfg.MinRegionSize {
		return nil, nil
	}
	return [][]*region.Region{siblings}, nil
}

// GetDestinationForMerge claims the sources and their common parent. The
// parent becomes the destination and takes the systems of the first
// source.
func (p *treePartitioner) GetDestinationForMerge(ctx context.Context, regions []*region.Region) (*region.Region, error) {
	if len(regions) == 0 {
		return nil, errors.New("merge needs at least one region")
	}
	tree, err := p.Tree(ctx)
	if err != nil {
		return nil, err
	}
	first := tree.Region(regions[0].ID)
	if first == nil || first.IsRoot() {
		return nil, errors.Mark(errors.Newf("region %d has no parent to merge into", regions[0].ID), ErrPrecondition)
	}
	parent := tree.Parent(first)
	if parent == nil {
		return nil, errors.Mark(errors.Newf("parent of region %d is gone", first.ID), ErrPrecondition)
	}
	for _, r := range regions {
		cur := tree.Region(r.ID)
		if cur == nil || cur.ParentID != parent.ID || !cur.IsLeaf() {
			return nil, errors.Mark(errors.Newf("region %d is not a leaf below %d", r.ID, parent.ID), ErrPrecondition)
		}
	}
	ctx = utils.WithRegion(ctx, p.cfg.Name, parent.ID)
	if err := p.pc.Regions.ClearCommitted(ctx, p.cfg.Name, parent.ID); err != nil {
		return nil, err
	}

	var claimed []*region.Region
	release := func(cause error) error {
		for _, c := range claimed {
			if _, err := p.pc.Regions.Transition(ctx, p.cfg.Name, c.ID, region.StateMerging, region.StateActive, nil); err != nil {
				utils.Logf(ctx, utils.LevelError, "Could not release region %d: %v", c.ID, err)
			}
		}
		p.metrics.MergeFailures.Inc()
		return cause
	}
	for _, r := range regions {
		c, err := p.pc.Regions.Transition(ctx, p.cfg.Name, r.ID, region.StateActive, region.StateMerging, nil)
		if err != nil {
			return nil, release(err)
		}
		claimed = append(claimed, c)
	}
	dest, err := p.pc.Regions.Transition(ctx, p.cfg.Name, parent.ID, region.StateSplit, region.StateMerging, first.Systems())
	if err != nil {
		return nil, release(err)
	}
	utils.Logf(ctx, utils.LevelInfo, "Merging %d regions into %d on %v", len(regions), dest.ID, dest.NodeIDs)
	return dest, nil
}

// MergeComplete deletes the sources and reactivates the destination as a
// leaf. The commit marker lets recovery finish a merge that stopped
// half way through the deletions.
func (p *treePartitioner) MergeComplete(ctx context.Context, regions []*region.Region, destination *region.Region) error {
	ctx = utils.WithRegion(ctx, p.cfg.Name, destination.ID)
	if err := p.check(); err != nil {
		return err
	}
	if err := p.pc.Regions.MarkCommitted(ctx, p.cfg.Name, destination.ID); err != nil {
		return err
	}
	for _, r := range regions {
		if err := p.pc.Regions.DeleteRegion(ctx, p.cfg.Name, r.ID); err != nil {
			return err
		}
	}
	if _, err := p.pc.Regions.Transition(ctx, p.cfg.Name, destination.ID, region.StateMerging, region.StateActive, nil); err != nil {
		return err
	}
	if err := p.pc.Regions.ClearCommitted(ctx, p.cfg.Name, destination.ID); err != nil {
		utils.Logf(ctx, utils.LevelWarn, "Could not clear commit marker: %v", err)
	}
	p.metrics.Merges.Inc()
	utils.Logf(ctx, utils.LevelSuccess, "Merge complete, %d regions removed", len(regions))
	return nil
}

// MergeFailed returns the destination to SPLIT and the sources to ACTIVE.
func (p *treePartitioner) MergeFailed(ctx context.Context, regions []*region.Region, destination *region.Region) error {
	ctx = utils.WithRegion(ctx, p.cfg.Name, destination.ID)
	if err := p.check(); err != nil {
		return err
	}
	_, err := p.pc.Regions.Transition(ctx, p.cfg.Name, destination.ID, region.StateMerging, region.StateSplit, nil)
	if err != nil && !errors.Is(err, ErrPrecondition) {
		return err
	}
	for _, r := range regions {
		_, err := p.pc.Regions.Transition(ctx, p.cfg.Name, r.ID, region.StateMerging, region.StateActive, nil)
		if err != nil && !errors.Is(err, ErrPrecondition) {
			return err
		}
	}
	p.metrics.MergeFailures.Inc()
	utils.Logf(ctx, utils.LevelWarn, "Merge rolled back")
	return nil
}
