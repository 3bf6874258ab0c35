package distributor

import (
	"context"
	"slices"

	"spacedb/region"
	"spacedb/tuple"
	"spacedb/utils"

	"github.com/cockroachdb/errors"
)

var (
	// ErrRoutingRetriesExceeded is returned when the partition kept
	// changing for every attempt of a write.
	ErrRoutingRetriesExceeded = errors.New("routing retries exceeded")
	// ErrNoRegion is returned for a tuple that no routable region covers.
	ErrNoRegion = errors.New("no region covers the tuple")
)

// Insert writes t to every system of every region its box intersects. It
// satisfies the bus router.
func (d *Distributor) Insert(ctx context.Context, group string, t *tuple.Tuple) error {
	return d.RouteWithRetry(ctx, group, t)
}

// Delete writes a tombstone for key to every routable region of group.
func (d *Distributor) Delete(ctx context.Context, group, key string, version int64) error {
	return d.RouteWithRetry(ctx, group, tuple.NewTombstone(key, version))
}

// RouteWithRetry writes t and re-reads the tree afterwards. When the set
// of target regions changed in between, a split or merge may have copied
// the region before the write landed, so the write is repeated against the
// new tree.
func (d *Distributor) RouteWithRetry(ctx context.Context, group string, t *tuple.Tuple) error {
	p, err := d.opts.Partitions.Get(ctx, group)
	if err != nil {
		return err
	}
	tree, err := p.Tree(ctx)
	if err != nil {
		return err
	}
	for attempt := 1; ; attempt++ {
		ids := tree.RegionIDsForBox(t.Box)
		if len(ids) == 0 {
			return errors.Wrapf(ErrNoRegion, "tuple %q in group %s", t.Key, group)
		}
		if err := d.write(ctx, group, tree, ids, t); err != nil {
			return err
		}

		tree, err = p.Tree(ctx)
		if err != nil {
			return err
		}
		if slices.Equal(ids, tree.RegionIDsForBox(t.Box)) {
			return nil
		}
		if attempt >= d.opts.RoutingRetries {
			return errors.Wrapf(ErrRoutingRetriesExceeded, "tuple %q after %d attempts", t.Key, attempt)
		}
		d.metrics.RoutingRetries.Inc()
		utils.Logf(utils.WithGroup(ctx, group), utils.LevelWarn, "Regions of tuple %q changed, retrying", t.Key)
	}
}

func (d *Distributor) write(ctx context.Context, group string, tree *region.Tree, ids []int64, t *tuple.Tuple) error {
	for _, id := range ids {
		r := tree.Region(id)
		for _, nodeID := range r.NodeIDs {
			if err := d.writeTo(ctx, group, id, nodeID, t); err != nil {
				return errors.Wrapf(err, "write %q to region %d on %s", t.Key, id, nodeID)
			}
		}
	}
	return nil
}

func (d *Distributor) writeTo(ctx context.Context, group string, regionID int64, nodeID string, t *tuple.Tuple) error {
	if nodeID == d.opts.NodeID {
		if t.IsTombstone() {
			return d.opts.Engine.Delete(group, regionID, t.Key, t.Version)
		}
		return d.opts.Engine.Put(group, regionID, t)
	}
	if d.opts.Peers == nil {
		return errors.Newf("no bus to reach node %s", nodeID)
	}
	client, err := d.opts.Peers.Client(ctx, nodeID)
	if err != nil {
		return err
	}
	table := region.TableName(group, regionID)
	if t.IsTombstone() {
		return client.DeleteTuple(ctx, table, t.Key, t.Version)
	}
	return client.InsertTuple(ctx, table, t)
}
