package region

import (
	"context"
	"encoding/json"
	"strconv"

	"spacedb/config"
	"spacedb/coord"

	"github.com/cockroachdb/errors"
)

// ErrPrecondition marks a rejected transition: stale version, wrong state
// or a region that is not a leaf. Callers re-read the tree and decide.
var ErrPrecondition = errors.New("region transition rejected")

// Stats is the size report of one node for one region.
type Stats struct {
	NodeID     string `json:"nodeId"`
	Size       int64  `json:"size"`
	TupleCount int64  `json:"tupleCount"`
	// Updated is the unix time in milliseconds of the measurement.
	Updated int64 `json:"updated"`
}

// Adapter reads and writes groups, region records and statistics in the
// coordination store.
type Adapter struct {
	store coord.Store
}

func NewAdapter(store coord.Store) *Adapter {
	return &Adapter{store: store}
}

func (a *Adapter) Store() coord.Store {
	return a.store
}

func precondition(err error) error {
	if errors.Is(err, coord.ErrBadVersion) || errors.Is(err, coord.ErrNodeExists) {
		return errors.Mark(err, ErrPrecondition)
	}
	return err
}

func (a *Adapter) CreateGroup(ctx context.Context, cfg config.GroupConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	data, err := cfg.Marshal()
	if err != nil {
		return err
	}
	if err := a.store.Create(ctx, coord.GroupPath(cfg.Name), data); err != nil {
		return errors.Wrapf(err, "create group %s", cfg.Name)
	}
	if err := a.store.Create(ctx, coord.CounterPath(cfg.Name), []byte("0")); err != nil {
		return errors.Wrapf(err, "create id counter of %s", cfg.Name)
	}
	return nil
}

func (a *Adapter) DeleteGroup(ctx context.Context, group string) error {
	return a.store.DeleteRecursive(ctx, coord.GroupPath(group))
}

func (a *Adapter) Groups(ctx context.Context) ([]string, error) {
	return a.store.ListChildren(ctx, coord.GroupsPath())
}

func (a *Adapter) GroupConfig(ctx context.Context, group string) (config.GroupConfig, error) {
	data, _, err := a.store.Read(ctx, coord.GroupPath(group))
	if err != nil {
		return config.GroupConfig{}, errors.Wrapf(err, "read group %s", group)
	}
	return config.UnmarshalGroupConfig(data)
}

// NextRegionID hands out the next id of the group's counter.
func (a *Adapter) NextRegionID(ctx context.Context, group string) (int64, error) {
	p := coord.CounterPath(group)
	for {
		data, version, err := a.store.Read(ctx, p)
		if err != nil {
			return 0, errors.Wrapf(err, "read id counter of %s", group)
		}
		id, err := strconv.ParseInt(string(data), 10, 64)
		if err != nil {
			return 0, errors.Wrapf(err, "corrupt id counter of %s", group)
		}
		_, err = a.store.Update(ctx, p, []byte(strconv.FormatInt(id+1, 10)), version)
		if errors.Is(err, coord.ErrBadVersion) {
			continue
		}
		if err != nil {
			return 0, err
		}
		return id, nil
	}
}

// CreateRegion persists a new record. The region's Version is reset to the
// created version.
func (a *Adapter) CreateRegion(ctx context.Context, group string, r *Region) error {
	data, err := encode(r)
	if err != nil {
		return err
	}
	if err := a.store.Create(ctx, coord.RegionPath(group, r.ID), data); err != nil {
		return precondition(errors.Wrapf(err, "create region %d", r.ID))
	}
	r.Version = 0
	return nil
}

func (a *Adapter) ReadRegion(ctx context.Context, group string, id int64) (*Region, error) {
	data, version, err := a.store.Read(ctx, coord.RegionPath(group, id))
	if err != nil {
		return nil, errors.Wrapf(err, "read region %d of %s", id, group)
	}
	return decode(data, version)
}

// UpdateRegion writes r if the stored record still has r.Version and
// advances r.Version on success.
func (a *Adapter) UpdateRegion(ctx context.Context, group string, r *Region) error {
	data, err := encode(r)
	if err != nil {
		return err
	}
	version, err := a.store.Update(ctx, coord.RegionPath(group, r.ID), data, r.Version)
	if err != nil {
		return precondition(errors.Wrapf(err, "update region %d", r.ID))
	}
	r.Version = version
	return nil
}

// Transition moves a region from one state to another with a CAS on the
// current record. nodes replaces the region's systems when not nil.
func (a *Adapter) Transition(ctx context.Context, group string, id int64, from, to State, nodes []string) (*Region, error) {
	r, err := a.ReadRegion(ctx, group, id)
	if err != nil {
		return nil, err
	}
	if r.State != from {
		return nil, errors.Mark(errors.Newf("region %d of %s is %s, expected %s", id, group, r.State, from), ErrPrecondition)
	}
	r.State = to
	if nodes != nil {
		r.NodeIDs = append([]string(nil), nodes...)
	}
	if err := a.UpdateRegion(ctx, group, r); err != nil {
		return nil, err
	}
	return r, nil
}

// DeleteRegion removes the record and its statistics. A region that is
// already gone is not an error.
func (a *Adapter) DeleteRegion(ctx context.Context, group string, id int64) error {
	err := a.store.Delete(ctx, coord.RegionPath(group, id), coord.AnyVersion)
	if err != nil && !errors.Is(err, coord.ErrNotFound) {
		return errors.Wrapf(err, "delete region %d of %s", id, group)
	}
	return a.store.DeleteRecursive(ctx, coord.RegionStatsPath(group, id))
}

// ReadTree rebuilds the group's tree from the store.
func (a *Adapter) ReadTree(ctx context.Context, group string) (*Tree, error) {
	ids, err := a.store.ListChildren(ctx, coord.RegionsPath(group))
	if err != nil {
		return nil, errors.Wrapf(err, "list regions of %s", group)
	}
	records := make([]*Region, 0, len(ids))
	for _, name := range ids {
		id, err := strconv.ParseInt(name, 10, 64)
		if err != nil {
			continue
		}
		r, err := a.ReadRegion(ctx, group, id)
		if errors.Is(err, coord.ErrNotFound) {
			// deleted between list and read
			continue
		}
		if err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return NewTree(group, records), nil
}

// Usage counts the regions every node holds across all groups. It is a
// best effort scan without any lock, concurrent transitions may or may not
// be included.
func (a *Adapter) Usage(ctx context.Context) (map[string]int, error) {
	groups, err := a.Groups(ctx)
	if err != nil {
		return nil, err
	}
	usage := map[string]int{}
	for _, g := range groups {
		tree, err := a.ReadTree(ctx, g)
		if err != nil {
			return nil, err
		}
		for id, n := range tree.SystemUtilization() {
			usage[id] += n
		}
	}
	return usage, nil
}

// WriteStats stores the size report of one node for one region.
func (a *Adapter) WriteStats(ctx context.Context, group string, regionID int64, s Stats) error {
	data, err := json.Marshal(s)
	if err != nil {
		return errors.Wrap(err, "encode region stats")
	}
	p := coord.NodeStatsPath(group, regionID, s.NodeID)
	for {
		_, version, err := a.store.Read(ctx, p)
		if errors.Is(err, coord.ErrNotFound) {
			err = a.store.Create(ctx, p, data)
			if errors.Is(err, coord.ErrNodeExists) {
				continue
			}
			return err
		}
		if err != nil {
			return err
		}
		_, err = a.store.Update(ctx, p, data, version)
		if errors.Is(err, coord.ErrBadVersion) {
			continue
		}
		return err
	}
}

// ReadStats returns the reports of all nodes for one region.
func (a *Adapter) ReadStats(ctx context.Context, group string, regionID int64) ([]Stats, error) {
	nodes, err := a.store.ListChildren(ctx, coord.RegionStatsPath(group, regionID))
	if err != nil {
		return nil, err
	}
	var out []Stats
	for _, n := range nodes {
		data, _, err := a.store.Read(ctx, coord.NodeStatsPath(group, regionID, n))
		if errors.Is(err, coord.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		var s Stats
		if err := json.Unmarshal(data, &s); err != nil {
			return nil, errors.Wrap(err, "decode region stats")
		}
		out = append(out, s)
	}
	return out, nil
}

// RegionSize is the largest size any replica reported for the region, 0
// when nothing was reported yet.
func (a *Adapter) RegionSize(ctx context.Context, group string, regionID int64) (int64, error) {
	stats, err := a.ReadStats(ctx, group, regionID)
	if err != nil {
		return 0, err
	}
	var size int64
	for _, s := range stats {
		if s.Size > size {
			size = s.Size
		}
	}
	return size, nil
}

// MarkCommitted records that the split of regionID reached its commit
// point, recovery completes such splits instead of rolling them back.
func (a *Adapter) MarkCommitted(ctx context.Context, group string, regionID int64) error {
	err := a.store.Create(ctx, coord.CommitPath(group, regionID), nil)
	if errors.Is(err, coord.ErrNodeExists) {
		return nil
	}
	return err
}

func (a *Adapter) IsCommitted(ctx context.Context, group string, regionID int64) (bool, error) {
	_, _, err := a.store.Read(ctx, coord.CommitPath(group, regionID))
	if errors.Is(err, coord.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (a *Adapter) ClearCommitted(ctx context.Context, group string, regionID int64) error {
	err := a.store.Delete(ctx, coord.CommitPath(group, regionID), coord.AnyVersion)
	if errors.Is(err, coord.ErrNotFound) {
		return nil
	}
	return err
}
