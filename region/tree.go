package region

import (
	"sort"

	"spacedb/geom"
)

// Tree is a read-only snapshot of a group's regions.
type Tree struct {
	Group string
	// Version is the highest record version seen, it changes with every
	// committed transition.
	Version int64

	regions map[int64]*Region
	rootID  int64
}

// NewTree links the records into a tree. Records whose parent is missing
// are kept addressable by id but are not reachable from the root.
func NewTree(group string, records []*Region) *Tree {
	t := &Tree{Group: group, regions: make(map[int64]*Region, len(records)), rootID: NoParent}
	for _, r := range records {
		c := r.clone()
		c.children = nil
		t.regions[c.ID] = c
		if c.Version > t.Version {
			t.Version = c.Version
		}
		if c.IsRoot() {
			t.rootID = c.ID
		}
	}
	for _, r := range t.regions {
		if r.IsRoot() || r.State == StateCreating {
			continue
		}
		if parent, ok := t.regions[r.ParentID]; ok {
			parent.children = append(parent.children, r.ID)
		}
	}
	for _, r := range t.regions {
		sort.Slice(r.children, func(i, j int) bool {
			a, b := t.regions[r.children[i]], t.regions[r.children[j]]
			if a.ChildNumber != b.ChildNumber {
				return a.ChildNumber < b.ChildNumber
			}
			return a.ID < b.ID
		})
	}
	return t
}

// Root returns the root region or nil for a group without regions.
func (t *Tree) Root() *Region {
	return t.regions[t.rootID]
}

func (t *Tree) Region(id int64) *Region {
	return t.regions[id]
}

func (t *Tree) Len() int {
	return len(t.regions)
}

func (t *Tree) Parent(r *Region) *Region {
	if r.IsRoot() {
		return nil
	}
	return t.regions[r.ParentID]
}

// Children returns the committed children ordered by child number.
func (t *Tree) Children(r *Region) []*Region {
	out := make([]*Region, 0, len(r.children))
	for _, id := range r.children {
		out = append(out, t.regions[id])
	}
	return out
}

// Child returns the i-th committed child, nil when out of range.
func (t *Tree) Child(r *Region, i int) *Region {
	if i < 0 || i >= len(r.children) {
		return nil
	}
	return t.regions[r.children[i]]
}

// Pending returns the children of r still in CREATING state.
func (t *Tree) Pending(r *Region) []*Region {
	var out []*Region
	for _, c := range t.regions {
		if c.ParentID == r.ID && c.State == StateCreating && !c.IsRoot() {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChildNumber < out[j].ChildNumber })
	return out
}

// Siblings returns all committed children of r's parent, r included.
func (t *Tree) Siblings(r *Region) []*Region {
	parent := t.Parent(r)
	if parent == nil {
		return nil
	}
	return t.Children(parent)
}

// ThisAndChildRegions returns r and every committed descendant in
// pre-order.
func (t *Tree) ThisAndChildRegions(r *Region) []*Region {
	out := []*Region{r}
	for _, c := range t.Children(r) {
		out = append(out, t.ThisAndChildRegions(c)...)
	}
	return out
}

// All returns every region reachable from the root in pre-order.
func (t *Tree) All() []*Region {
	root := t.Root()
	if root == nil {
		return nil
	}
	return t.ThisAndChildRegions(root)
}

// Leaves returns the reachable regions without committed children.
func (t *Tree) Leaves() []*Region {
	var out []*Region
	for _, r := range t.All() {
		if r.IsLeaf() {
			out = append(out, r)
		}
	}
	return out
}

// RegionIDsForBox returns the ids of all routable leaves whose box
// intersects box. A tombstone (empty box) maps to every routable leaf.
func (t *Tree) RegionIDsForBox(box geom.Hyperrectangle) []int64 {
	var ids []int64
	for _, r := range t.Leaves() {
		if !r.Routable() {
			continue
		}
		if box.IsEmpty() || r.Box.Intersects(box) {
			ids = append(ids, r.ID)
		}
	}
	return ids
}

// SystemUtilization counts, per node, the regions holding data on it.
// Interior SPLIT regions hold no data and are not counted.
func (t *Tree) SystemUtilization() map[string]int {
	usage := map[string]int{}
	for _, r := range t.All() {
		if r.State == StateSplit {
			continue
		}
		for _, id := range r.NodeIDs {
			usage[id]++
		}
	}
	return usage
}

// HighestChildNumber returns the largest child number below r, -1 if r
// never had children.
func (t *Tree) HighestChildNumber(r *Region) int {
	highest := -1
	for _, c := range t.regions {
		if !c.IsRoot() && c.ParentID == r.ID && c.ChildNumber > highest {
			highest = c.ChildNumber
		}
	}
	return highest
}
