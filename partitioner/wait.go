package partitioner

import (
	"context"

	"spacedb/coord"
	"spacedb/region"

	"github.com/cockroachdb/errors"
)

// WaitUntilNodeStateIs blocks until the region record has the given state.
// A region that is deleted while waiting is reported as coord.ErrNotFound.
func (p *treePartitioner) WaitUntilNodeStateIs(ctx context.Context, r *region.Region, state region.State) error {
	return p.waitFor(ctx, r.ID, func() (bool, error) {
		cur, err := p.pc.Regions.ReadRegion(ctx, p.cfg.Name, r.ID)
		if err != nil {
			return false, err
		}
		return cur.State == state, nil
	})
}

// WaitUntilNodeIsRemoved blocks until the region record is gone.
func (p *treePartitioner) WaitUntilNodeIsRemoved(ctx context.Context, r *region.Region) error {
	return p.waitFor(ctx, r.ID, func() (bool, error) {
		_, err := p.pc.Regions.ReadRegion(ctx, p.cfg.Name, r.ID)
		if errors.Is(err, coord.ErrNotFound) {
			return true, nil
		}
		return false, err
	})
}

// waitFor evaluates done, subscribes to the region record and evaluates
// done again after the subscription and after every notification, so a
// change between the first check and the subscription is not lost.
func (p *treePartitioner) waitFor(ctx context.Context, regionID int64, done func() (bool, error)) error {
	if err := p.check(); err != nil {
		return err
	}
	if ok, err := done(); err != nil || ok {
		return err
	}

	path := coord.RegionPath(p.cfg.Name, regionID)
	events, cancel, err := p.pc.Regions.Store().Watch(ctx, path)
	if err != nil {
		return err
	}
	defer cancel()

	for {
		if ok, err := done(); err != nil || ok {
			return err
		}
		select {
		case <-ctx.Done():
			return errors.Mark(errors.Wrapf(ctx.Err(), "wait on %s", path), coord.ErrCancelled)
		case _, ok := <-events:
			if !ok {
				return errors.Wrapf(coord.ErrUnavailable, "watch on %s closed", path)
			}
		}
	}
}
