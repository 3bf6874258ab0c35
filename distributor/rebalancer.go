package distributor

import (
	"context"

	"spacedb/partitioner"
	"spacedb/redistributor"
	"spacedb/region"
	"spacedb/utils"

	"github.com/cockroachdb/errors"
)

// SplitRegion splits r and copies its tuples into the children. Writes
// already route to the children once the partitioner returns, so the copy
// runs over a snapshot of r followed by a catch-up pass for writes that
// raced the switch. The tuple versions keep the newest copy of a key.
func (d *Distributor) SplitRegion(ctx context.Context, p partitioner.SpacePartitioner, r *region.Region) error {
	group := p.Group()
	samples, err := d.opts.Engine.Sample(group, r.ID, d.opts.SampleSize)
	if err != nil {
		return errors.Wrapf(err, "sample region %d", r.ID)
	}
	children, err := p.SplitRegion(ctx, r, samples)
	if err != nil {
		return err
	}
	utils.Logf(ctx, utils.LevelInfo, "Splitting region %d into %d children", r.ID, len(children))

	if err := d.moveSplit(ctx, group, r, children); err != nil {
		if ferr := p.SplitFailed(ctx, r, children); ferr != nil {
			err = errors.CombineErrors(err, ferr)
		}
		for _, c := range children {
			if c.HasSystem(d.opts.NodeID) {
				if derr := d.opts.Engine.DropRegion(group, c.ID); derr != nil {
					err = errors.CombineErrors(err, derr)
				}
			}
		}
		return errors.Wrapf(err, "split of region %d", r.ID)
	}

	if err := p.SplitComplete(ctx, r, children); err != nil {
		return err
	}
	if err := d.opts.Engine.DropRegion(group, r.ID); err != nil {
		return err
	}
	utils.Logf(ctx, utils.LevelSuccess, "Region %d split", r.ID)
	return nil
}

func (d *Distributor) moveSplit(ctx context.Context, group string, r *region.Region, children []*region.Region) error {
	rd := d.newRedistributor(group)
	for _, c := range children {
		if err := rd.RegisterRegion(ctx, c); err != nil {
			return err
		}
	}
	if err := d.pass(ctx, rd, group, r.ID); err != nil {
		return err
	}
	if err := d.pass(ctx, rd, group, r.ID); err != nil {
		return err
	}
	st := rd.Statistics()
	utils.Logf(ctx, utils.LevelInfo, "Moved %d tuples of region %d, %d uncovered", st.Inputs, r.ID, st.Uncovered)
	return nil
}

// MergeRegions merges the sibling leaves sources into their parent. All
// sources are stored on this node.
func (d *Distributor) MergeRegions(ctx context.Context, p partitioner.SpacePartitioner, sources []*region.Region) error {
	group := p.Group()
	dest, err := p.GetDestinationForMerge(ctx, sources)
	if err != nil {
		return err
	}
	utils.Logf(ctx, utils.LevelInfo, "Merging %d regions into region %d", len(sources), dest.ID)

	if err := d.moveMerge(ctx, group, sources, dest); err != nil {
		if ferr := p.MergeFailed(ctx, sources, dest); ferr != nil {
			err = errors.CombineErrors(err, ferr)
		}
		if derr := d.opts.Engine.DropRegion(group, dest.ID); derr != nil {
			err = errors.CombineErrors(err, derr)
		}
		return errors.Wrapf(err, "merge into region %d", dest.ID)
	}

	return d.commitMerge(ctx, p, sources, dest)
}

// commitMerge makes the destination routable and then copies the sources
// once more. A write acknowledged by a source before the switch is either
// in that last snapshot or was retried against the destination by the
// router, so dropping the sources afterwards loses nothing.
func (d *Distributor) commitMerge(ctx context.Context, p partitioner.SpacePartitioner, sources []*region.Region, dest *region.Region) error {
	group := p.Group()
	if err := p.MergeComplete(ctx, sources, dest); err != nil {
		return err
	}
	rd := d.newRedistributor(group)
	if err := rd.RegisterRegion(ctx, dest); err != nil {
		return err
	}
	for _, s := range sources {
		if err := d.pass(ctx, rd, group, s.ID); err != nil {
			return errors.Wrapf(err, "final copy of region %d", s.ID)
		}
	}
	for _, s := range sources {
		if err := d.opts.Engine.DropRegion(group, s.ID); err != nil {
			return err
		}
	}
	utils.Logf(ctx, utils.LevelSuccess, "Merged into region %d", dest.ID)
	return nil
}

func (d *Distributor) moveMerge(ctx context.Context, group string, sources []*region.Region, dest *region.Region) error {
	rd := d.newRedistributor(group)
	if err := rd.RegisterRegion(ctx, dest); err != nil {
		return err
	}
	for round := 0; round < 2; round++ {
		for _, s := range sources {
			if err := d.pass(ctx, rd, group, s.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

// pass redistributes a snapshot of the local tuples of one region.
func (d *Distributor) pass(ctx context.Context, rd *redistributor.TupleRedistributor, group string, regionID int64) error {
	it, err := d.opts.Engine.Iterator(group, regionID)
	if err != nil {
		return errors.Wrapf(err, "open region %d", regionID)
	}
	defer it.Close()
	return rd.Run(ctx, redistributor.FromIterator(it))
}
