// Package region models the distribution region tree of a group. The tree
// is never cached as a live object graph: it is an arena of records keyed
// by region id, rebuilt from the coordination store on every read.
package region

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"spacedb/geom"

	"github.com/cockroachdb/errors"
)

type State string

const (
	// StateCreating marks a child written by a split that is not yet
	// routable.
	StateCreating  State = "CREATING"
	StateActive    State = "ACTIVE"
	StateSplitting State = "SPLITTING"
	StateSplit     State = "SPLIT"
	StateMerging   State = "MERGING"
)

// NoParent is the parent id of a root region.
const NoParent int64 = -1

// RootID is the id of the first region of every group.
const RootID int64 = 0

// Region is the persisted record of one region.
type Region struct {
	ID          int64               `json:"regionId"`
	Path        string              `json:"path"`
	Box         geom.Hyperrectangle `json:"coveringBox"`
	State       State               `json:"state"`
	NodeIDs     []string            `json:"nodeIds"`
	ParentID    int64               `json:"parentId"`
	Level       int                 `json:"level"`
	ChildNumber int                 `json:"childNumber"`

	// Version is the coordination store version the record was read at.
	Version int64 `json:"-"`
	// children is filled by the tree, CREATING children excluded.
	children []int64
}

func (r *Region) IsRoot() bool {
	return r.ParentID == NoParent
}

// IsLeaf reports whether the region has no committed children.
func (r *Region) IsLeaf() bool {
	return len(r.children) == 0
}

func (r *Region) Systems() []string {
	return append([]string(nil), r.NodeIDs...)
}

func (r *Region) CoveringBox() geom.Hyperrectangle {
	return r.Box
}

func (r *Region) HasSystem(nodeID string) bool {
	for _, id := range r.NodeIDs {
		if id == nodeID {
			return true
		}
	}
	return false
}

// Routable reports whether writes for the region's box go to this region.
func (r *Region) Routable() bool {
	if !r.IsLeaf() {
		return false
	}
	switch r.State {
	case StateActive, StateSplitting, StateMerging:
		return true
	}
	return false
}

func (r *Region) String() string {
	return fmt.Sprintf("region %d %s %s %v", r.ID, r.State, r.Box, r.NodeIDs)
}

func (r *Region) clone() *Region {
	c := *r
	c.NodeIDs = append([]string(nil), r.NodeIDs...)
	c.children = append([]int64(nil), r.children...)
	return &c
}

func encode(r *Region) ([]byte, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, errors.Wrapf(err, "encode region %d", r.ID)
	}
	return data, nil
}

func decode(data []byte, version int64) (*Region, error) {
	var r Region
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, errors.Wrap(err, "decode region record")
	}
	r.Version = version
	return &r, nil
}

// ChildPath returns the path of child number n below parentPath.
func ChildPath(parentPath string, n int) string {
	return parentPath + "/child-" + strconv.Itoa(n)
}

// TableName is the name of a region's table on the storage nodes.
func TableName(group string, regionID int64) string {
	return group + "_" + strconv.FormatInt(regionID, 10)
}

// ParseTableName splits a name built by TableName.
func ParseTableName(table string) (string, int64, error) {
	i := strings.LastIndexByte(table, '_')
	if i <= 0 {
		return "", 0, errors.Newf("invalid table name %q", table)
	}
	id, err := strconv.ParseInt(table[i+1:], 10, 64)
	if err != nil {
		return "", 0, errors.Wrapf(err, "invalid table name %q", table)
	}
	return table[:i], id, nil
}
