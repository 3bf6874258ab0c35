package partitioner

import (
	"context"

	"spacedb/region"
	"spacedb/utils"

	"github.com/cockroachdb/errors"
)

// RecoveryReport lists the regions whose interrupted operation was
// finished or rolled back.
type RecoveryReport struct {
	Completed  []int64
	RolledBack []int64
}

func (r RecoveryReport) Empty() bool {
	return len(r.Completed) == 0 && len(r.RolledBack) == 0
}

// Recover repairs the operations coordinated by nodeID, the first system
// of the region being split or merged into:
//
//   - a SPLITTING region with a commit marker and ACTIVE children is
//     completed; without a marker it is rolled back
//   - CREATING children below a region that is not SPLITTING are removed
//   - a MERGING destination with a commit marker is completed, also when
//     its sources were already removed; without a marker it goes back to
//     SPLIT with its children returned to ACTIVE
//
// It must run before the node starts new operations on the group.
func (p *treePartitioner) Recover(ctx context.Context, nodeID string) (RecoveryReport, error) {
	var report RecoveryReport
	tree, err := p.Tree(ctx)
	if err != nil {
		return report, err
	}
	ctx = utils.WithGroup(ctx, p.cfg.Name)

	for _, r := range tree.All() {
		if len(r.NodeIDs) == 0 || r.NodeIDs[0] != nodeID {
			continue
		}
		children := tree.Children(r)
		pending := tree.Pending(r)

		switch r.State {
		case region.StateSplitting:
			committed, err := p.pc.Regions.IsCommitted(ctx, p.cfg.Name, r.ID)
			if err != nil {
				return report, err
			}
			if committed && len(pending) == 0 && len(children) > 0 {
				if err := p.SplitComplete(ctx, r, children); err == nil {
					report.Completed = append(report.Completed, r.ID)
					continue
				} else if !errors.Is(err, ErrPrecondition) {
					return report, err
				}
			}
			if err := p.SplitFailed(ctx, r, append(children, pending...)); err != nil {
				return report, err
			}
			report.RolledBack = append(report.RolledBack, r.ID)

		case region.StateMerging:
			if r.IsLeaf() {
				// a committed destination whose sources are already gone
				committed, err := p.pc.Regions.IsCommitted(ctx, p.cfg.Name, r.ID)
				if err != nil {
					return report, err
				}
				if committed {
					if err := p.MergeComplete(ctx, nil, r); err != nil {
						return report, err
					}
					report.Completed = append(report.Completed, r.ID)
					continue
				}
				// a source; its destination is handled with the parent unless
				// the merge stopped before claiming the parent
				if parent := tree.Parent(r); parent != nil && parent.State == region.StateSplit {
					if _, err := p.pc.Regions.Transition(ctx, p.cfg.Name, r.ID, region.StateMerging, region.StateActive, nil); err != nil {
						return report, err
					}
					report.RolledBack = append(report.RolledBack, r.ID)
				}
				continue
			}
			committed, err := p.pc.Regions.IsCommitted(ctx, p.cfg.Name, r.ID)
			if err != nil {
				return report, err
			}
			if committed {
				if err := p.MergeComplete(ctx, children, r); err != nil {
					return report, err
				}
				report.Completed = append(report.Completed, r.ID)
				continue
			}
			if err := p.MergeFailed(ctx, children, r); err != nil {
				return report, err
			}
			report.RolledBack = append(report.RolledBack, r.ID)

		default:
			if r.State == region.StateSplit {
				// left over when the node stopped right after the split
				if err := p.pc.Regions.ClearCommitted(ctx, p.cfg.Name, r.ID); err != nil {
					return report, err
				}
			}
			if len(pending) == 0 {
				continue
			}
			for _, c := range pending {
				if err := p.pc.Regions.DeleteRegion(ctx, p.cfg.Name, c.ID); err != nil {
					return report, err
				}
			}
			utils.Logf(utils.WithRegion(ctx, p.cfg.Name, r.ID), utils.LevelWarn, "Removed %d orphaned children", len(pending))
			report.RolledBack = append(report.RolledBack, r.ID)
		}
	}
	if !report.Empty() {
		utils.Logf(ctx, utils.LevelInfo, "Recovery completed %v, rolled back %v", report.Completed, report.RolledBack)
	}
	return report, nil
}
