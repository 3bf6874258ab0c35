package partitioner

import (
	"sort"

	"spacedb/config"
	"spacedb/geom"
	"spacedb/region"

	"github.com/cockroachdb/errors"
)

// KDTree splits every region in two along one dimension per level. The
// split value is the median of the sample midpoints.
type KDTree struct {
	*treePartitioner
}

// NewKDTree builds the kdtree policy. The policy config is the root box,
// empty for the unbounded space.
func NewKDTree(pc *Context, cfg config.GroupConfig) (SpacePartitioner, error) {
	rootBox := geom.FullSpace(cfg.Dimensions)
	if cfg.PartitionerConfig != "" {
		box, err := geom.ParseHyperrectangle(cfg.PartitionerConfig)
		if err != nil {
			return nil, errors.Wrapf(err, "kdtree config of %s", cfg.Name)
		}
		rootBox = box
	}
	base, err := newTreePartitioner(pc, cfg, rootBox, func(_ *region.Tree, r *region.Region, samples []geom.Hyperrectangle) ([]geom.Hyperrectangle, error) {
		return kdSplit(r.Box, r.Level, samples)
	})
	if err != nil {
		return nil, err
	}
	return &KDTree{treePartitioner: base}, nil
}

func kdSplit(box geom.Hyperrectangle, level int, samples []geom.Hyperrectangle) ([]geom.Hyperrectangle, error) {
	dim, err := splitDimension(box, level)
	if err != nil {
		return nil, err
	}
	value := splitValue(box, dim, samples)
	left, right, err := box.Split(dim, value)
	if errors.Is(err, geom.ErrSplitOutOfRange) {
		return nil, errors.Mark(err, ErrInvalidSplitPoint)
	}
	if err != nil {
		return nil, err
	}
	return []geom.Hyperrectangle{left, right}, nil
}

// splitDimension returns level mod D, moving on round-robin past
// dimensions that cannot be cut.
func splitDimension(box geom.Hyperrectangle, level int) (int, error) {
	dims := box.Dimensions()
	if dims == 0 {
		return 0, errors.Mark(errors.New("cannot split an empty box"), ErrInvalidSplitPoint)
	}
	for i := 0; i < dims; i++ {
		dim := (level + i) % dims
		if !box.IsDegenerate(dim) {
			return dim, nil
		}
	}
	return 0, errors.Mark(errors.Newf("all dimensions of %s are degenerate", box), ErrInvalidSplitPoint)
}

// splitValue is the median of the midpoints of the samples intersecting
// box, or the box midpoint without such samples.
func splitValue(box geom.Hyperrectangle, dim int, samples []geom.Hyperrectangle) float64 {
	var points []float64
	for _, s := range samples {
		if s.Dimensions() != box.Dimensions() || !s.Intersects(box) {
			continue
		}
		points = append(points, s.Interval(dim).Midpoint())
	}
	if len(points) == 0 {
		return box.Interval(dim).Midpoint()
	}
	sort.Float64s(points)
	mid := len(points) / 2
	if len(points)%2 == 1 {
		return points[mid]
	}
	return (points[mid-1] + points[mid]) / 2
}
