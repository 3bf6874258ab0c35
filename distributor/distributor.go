// Package distributor drives the data plane of a node: it routes writes
// to the regions of a group, triggers splits of oversized regions and
// merges of undersized sibling groups, and moves the data while the
// partition changes.
package distributor

import (
	"context"
	"sync"
	"time"

	"spacedb/bus"
	"spacedb/engine"
	"spacedb/metrics"
	"spacedb/partitioner"
	"spacedb/redistributor"
	"spacedb/region"
	"spacedb/ring"
	"spacedb/utils"

	"github.com/cockroachdb/errors"
)

const (
	// MaxRoutingRetries bounds the attempts of one write when the
	// partition keeps changing under it.
	MaxRoutingRetries = 5
	// DefaultSampleSize is the number of tuples sampled to place a split.
	DefaultSampleSize = 1000
)

type Options struct {
	NodeID     string
	Partitions *partitioner.Cache
	Engine     *engine.Engine
	// Peers reaches the other nodes; nil for a single node setup.
	Peers *bus.Pool
	// Workers runs split and merge operations, one region at a time.
	Workers        *ring.Pool
	Interval       time.Duration
	RatePerSink    float64
	RoutingRetries int
	SampleSize     int
	Metrics        *metrics.Metrics
}

type Distributor struct {
	opts    Options
	metrics *metrics.Metrics

	mu       sync.Mutex
	inflight map[string]struct{}
}

func New(opts Options) *Distributor {
	if opts.RoutingRetries <= 0 {
		opts.RoutingRetries = MaxRoutingRetries
	}
	if opts.SampleSize <= 0 {
		opts.SampleSize = DefaultSampleSize
	}
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	return &Distributor{
		opts:     opts,
		metrics:  metrics.OrDiscard(opts.Metrics),
		inflight: map[string]struct{}{},
	}
}

// Recover repairs the operations this node left unfinished in every
// group. It runs once before Run.
func (d *Distributor) Recover(ctx context.Context) error {
	groups, err := d.opts.Partitions.Groups(ctx)
	if err != nil {
		return err
	}
	for _, g := range groups {
		p, err := d.opts.Partitions.Get(ctx, g)
		if err != nil {
			return err
		}
		if _, err := p.Recover(ctx, d.opts.NodeID); err != nil {
			return errors.Wrapf(err, "recover group %s", g)
		}
	}
	return nil
}

// Run evaluates the groups on every tick until ctx is done.
func (d *Distributor) Run(ctx context.Context) {
	ticker := time.NewTicker(d.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if err := d.Evaluate(ctx); err != nil && ctx.Err() == nil {
			utils.Logf(ctx, utils.LevelWarn, "Evaluation failed: %v", err)
		}
	}
}

// Evaluate schedules the splits and merges this node coordinates and
// drops local data of regions that no longer hold any.
func (d *Distributor) Evaluate(ctx context.Context) error {
	groups, err := d.opts.Partitions.Groups(ctx)
	if err != nil {
		return err
	}
	var errs error
	for _, g := range groups {
		if err := d.evaluateGroup(utils.WithGroup(ctx, g), g); err != nil {
			errs = errors.CombineErrors(errs, errors.Wrapf(err, "group %s", g))
		}
	}
	return errs
}

func (d *Distributor) evaluateGroup(ctx context.Context, group string) error {
	p, err := d.opts.Partitions.Get(ctx, group)
	if err != nil {
		return err
	}
	if err := d.cleanup(ctx, p); err != nil {
		return err
	}
	tree, err := p.Tree(ctx)
	if err != nil {
		return err
	}

	cfg := p.Config()
	regions := d.opts.Partitions.Context().Regions
	for _, leaf := range tree.Leaves() {
		if leaf.State != region.StateActive || len(leaf.NodeIDs) == 0 || leaf.NodeIDs[0] != d.opts.NodeID {
			continue
		}
		size, err := regions.RegionSize(ctx, group, leaf.ID)
		if err != nil {
			return err
		}
		if size > cfg.MaxRegionSize {
			d.schedule(ctx, group, leaf, func(ctx context.Context) error {
				return d.SplitRegion(ctx, p, leaf)
			})
			continue
		}

		siblings := tree.Siblings(leaf)
		if len(siblings) == 0 || siblings[0].ID != leaf.ID {
			continue
		}
		candidates, err := p.GetMergeCandidates(ctx, leaf)
		if err != nil {
			return err
		}
		for _, sources := range candidates {
			if !d.hostsAll(sources) {
				continue
			}
			d.schedule(ctx, group, leaf, func(ctx context.Context) error {
				return d.MergeRegions(ctx, p, sources)
			})
		}
	}
	return nil
}

func (d *Distributor) hostsAll(regions []*region.Region) bool {
	for _, r := range regions {
		if !r.HasSystem(d.opts.NodeID) {
			return false
		}
	}
	return true
}

// schedule runs op on the region's worker unless an operation for the
// region is already queued or running.
func (d *Distributor) schedule(ctx context.Context, group string, r *region.Region, op func(context.Context) error) {
	key := region.TableName(group, r.ID)
	d.mu.Lock()
	if _, busy := d.inflight[key]; busy {
		d.mu.Unlock()
		return
	}
	d.inflight[key] = struct{}{}
	d.mu.Unlock()

	err := d.opts.Workers.Submit(ctx, key, func() {
		defer func() {
			d.mu.Lock()
			delete(d.inflight, key)
			d.mu.Unlock()
		}()
		if err := op(utils.WithRegion(ctx, group, r.ID)); err != nil {
			utils.Logf(ctx, utils.LevelError, "Operation on region %d failed: %v", r.ID, err)
		}
	})
	if err != nil {
		d.mu.Lock()
		delete(d.inflight, key)
		d.mu.Unlock()
	}
}

// cleanup drops local tuples of regions that were merged away, moved to
// other nodes or became interior nodes. The stored ids are listed before
// the tree is read so that a region created in between is never dropped.
func (d *Distributor) cleanup(ctx context.Context, p partitioner.SpacePartitioner) error {
	group := p.Group()
	ids, err := d.opts.Engine.Regions(group)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}
	tree, err := p.Tree(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if !d.obsolete(tree, id) {
			continue
		}
		if err := d.opts.Engine.DropRegion(group, id); err != nil {
			return err
		}
		utils.Logf(ctx, utils.LevelInfo, "Dropped local data of region %d", id)
	}
	return nil
}

func (d *Distributor) obsolete(tree *region.Tree, id int64) bool {
	r := tree.Region(id)
	switch {
	case r == nil:
		return true
	case !r.HasSystem(d.opts.NodeID):
		return true
	case r.State == region.StateSplit:
		return !r.IsLeaf()
	}
	return false
}

func (d *Distributor) dialer() redistributor.Dialer {
	if d.opts.Peers == nil {
		return nil
	}
	return func(ctx context.Context, nodeID string) (redistributor.RemoteClient, error) {
		c, err := d.opts.Peers.Client(ctx, nodeID)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}

func (d *Distributor) newRedistributor(group string) *redistributor.TupleRedistributor {
	return redistributor.New(redistributor.Options{
		Group:       group,
		LocalNodeID: d.opts.NodeID,
		Local:       d.opts.Engine,
		Dial:        d.dialer(),
		RatePerSink: d.opts.RatePerSink,
		Metrics:     d.metrics,
	})
}
