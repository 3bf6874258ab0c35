package region

import (
	"sort"
	"sync"

	"spacedb/geom"
)

// IDMapper tracks the regions of one group hosted by the local node.
type IDMapper struct {
	group  string
	nodeID string

	mu      sync.RWMutex
	regions map[int64]geom.Hyperrectangle
}

func NewIDMapper(group, nodeID string) *IDMapper {
	return &IDMapper{group: group, nodeID: nodeID, regions: map[int64]geom.Hyperrectangle{}}
}

// Rebuild replaces the mapping with the routable local leaves of tree.
// It returns the ids that were added and removed.
func (m *IDMapper) Rebuild(tree *Tree) (added, removed []int64) {
	next := map[int64]geom.Hyperrectangle{}
	for _, r := range tree.Leaves() {
		if r.Routable() && r.HasSystem(m.nodeID) {
			next[r.ID] = r.Box
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for id := range next {
		if _, ok := m.regions[id]; !ok {
			added = append(added, id)
		}
	}
	for id := range m.regions {
		if _, ok := next[id]; !ok {
			removed = append(removed, id)
		}
	}
	m.regions = next
	sort.Slice(added, func(i, j int) bool { return added[i] < added[j] })
	sort.Slice(removed, func(i, j int) bool { return removed[i] < removed[j] })
	return added, removed
}

// IDs returns the local region ids in ascending order.
func (m *IDMapper) IDs() []int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]int64, 0, len(m.regions))
	for id := range m.regions {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// IDsForBox returns the local regions intersecting box, all of them for an
// empty box.
func (m *IDMapper) IDsForBox(box geom.Hyperrectangle) []int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var ids []int64
	for id, b := range m.regions {
		if box.IsEmpty() || b.Intersects(box) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (m *IDMapper) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.regions = map[int64]geom.Hyperrectangle{}
}
