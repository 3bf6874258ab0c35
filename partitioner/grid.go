package partitioner

import (
	"context"
	"math"
	"strconv"
	"strings"

	"spacedb/config"
	"spacedb/geom"
	"spacedb/region"

	"github.com/cockroachdb/errors"
)

// Grid cuts the root box into fixed cells with the first split and
// refines the cells like the kdtree policy afterwards.
type Grid struct {
	*treePartitioner
	steps []float64
}

// NewGrid builds the grid policy from "<box>;<step>;...". With D-1 steps
// dimension 0 stays whole; with D steps every dimension is cut. A step of
// 0 leaves its dimension whole.
func NewGrid(pc *Context, cfg config.GroupConfig) (SpacePartitioner, error) {
	box, steps, err := parseGridConfig(cfg.PartitionerConfig, cfg.Dimensions)
	if err != nil {
		return nil, errors.Wrapf(err, "grid config of %s", cfg.Name)
	}
	g := &Grid{steps: steps}
	base, err := newTreePartitioner(pc, cfg, box, g.splitBoxes)
	if err != nil {
		return nil, err
	}
	g.treePartitioner = base
	return g, nil
}

func (g *Grid) splitBoxes(_ *region.Tree, r *region.Region, samples []geom.Hyperrectangle) ([]geom.Hyperrectangle, error) {
	if !r.IsRoot() {
		return kdSplit(r.Box, r.Level, samples)
	}
	cells, err := gridCells(r.Box, g.steps)
	if err != nil {
		return nil, err
	}
	if len(cells) < 2 {
		return nil, errors.Mark(errors.Newf("grid steps %v leave %s in one cell", g.steps, r.Box), ErrInvalidSplitPoint)
	}
	return cells, nil
}

// CreateRootNode writes the root and immediately cuts it into the grid
// cells.
func (g *Grid) CreateRootNode(ctx context.Context) (*region.Region, error) {
	root, err := g.treePartitioner.CreateRootNode(ctx)
	if err != nil {
		return nil, err
	}
	if root.State != region.StateActive {
		return root, nil
	}
	tree, err := g.Tree(ctx)
	if err != nil {
		return nil, err
	}
	if !tree.Region(root.ID).IsLeaf() {
		return root, nil
	}
	children, err := g.SplitRegion(ctx, root, nil)
	if err != nil {
		return nil, err
	}
	if err := g.SplitComplete(ctx, root, children); err != nil {
		return nil, err
	}
	return g.RootNode(ctx)
}

func parseGridConfig(s string, dims int) (geom.Hyperrectangle, []float64, error) {
	parts := strings.Split(s, ";")
	box, err := geom.ParseHyperrectangle(strings.TrimSpace(parts[0]))
	if err != nil {
		return geom.Hyperrectangle{}, nil, err
	}
	if box.Dimensions() != dims {
		return geom.Hyperrectangle{}, nil, errors.Newf("box %s has %d dimensions, group has %d", box, box.Dimensions(), dims)
	}

	raw := parts[1:]
	steps := make([]float64, dims)
	offset := 0
	switch len(raw) {
	case dims - 1:
		offset = 1
	case dims:
	default:
		return geom.Hyperrectangle{}, nil, errors.Newf("expected %d or %d cell steps, got %d", dims-1, dims, len(raw))
	}
	for i, r := range raw {
		step, err := strconv.ParseFloat(strings.TrimSpace(r), 64)
		if err != nil || step < 0 || math.IsInf(step, 0) || math.IsNaN(step) {
			return geom.Hyperrectangle{}, nil, errors.Newf("invalid cell step %q", r)
		}
		dim := i + offset
		if step > 0 && box.Interval(dim).IsInfinite() {
			return geom.Hyperrectangle{}, nil, errors.Newf("dimension %d of %s is unbounded and cannot be gridded", dim, box)
		}
		steps[dim] = step
	}
	return box, steps, nil
}

// gridCells cuts box at low+k*step on every dimension with a positive
// step. The last cell of a dimension is clipped to the box.
func gridCells(box geom.Hyperrectangle, steps []float64) ([]geom.Hyperrectangle, error) {
	cells := []geom.Hyperrectangle{box}
	for dim, step := range steps {
		if step <= 0 {
			continue
		}
		low := box.Interval(dim).Low
		var next []geom.Hyperrectangle
		for _, cell := range cells {
			rest := cell
			for k := 1; ; k++ {
				cut := low + float64(k)*step
				if cut >= rest.Interval(dim).High {
					next = append(next, rest)
					break
				}
				left, right, err := rest.Split(dim, cut)
				if err != nil {
					return nil, errors.Mark(err, ErrInvalidSplitPoint)
				}
				next = append(next, left)
				rest = right
			}
		}
		cells = next
	}
	return cells, nil
}
