// Package stats measures the regions hosted by a node and publishes the
// sizes and the node's liveness to the coordination store. It never calls
// into the partitioner; split and merge decisions read what it writes.
package stats

import (
	"context"
	"sync"
	"time"

	"spacedb/membership"
	"spacedb/metrics"
	"spacedb/region"
	"spacedb/utils"

	"github.com/cockroachdb/errors"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
)

// LocalStore measures the regions of the physical store.
type LocalStore interface {
	Size(group string, regionID int64) (int64, error)
	TupleCount(group string, regionID int64) (int64, error)
}

// CapacityProbe reports the capacity of the local host.
type CapacityProbe func(ctx context.Context) (membership.Capacity, error)

type Options struct {
	Regions  *region.Adapter
	Members  *membership.Registry
	Store    LocalStore
	Node     membership.Node
	Interval time.Duration
	// Probe defaults to HostCapacity of the working directory.
	Probe   CapacityProbe
	Metrics *metrics.Metrics
}

type Collector struct {
	opts    Options
	metrics *metrics.Metrics
	now     func() time.Time

	mu      sync.Mutex
	mappers map[string]*region.IDMapper
}

func New(opts Options) *Collector {
	if opts.Probe == nil {
		opts.Probe = HostCapacity(".")
	}
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	return &Collector{
		opts:    opts,
		metrics: metrics.OrDiscard(opts.Metrics),
		now:     time.Now,
		mappers: map[string]*region.IDMapper{},
	}
}

// Run collects right away and then on every tick until ctx is done.
func (c *Collector) Run(ctx context.Context) {
	ticker := time.NewTicker(c.opts.Interval)
	defer ticker.Stop()
	for {
		if err := c.CollectOnce(ctx); err != nil && ctx.Err() == nil {
			utils.Logf(ctx, utils.LevelWarn, "Statistics collection failed: %v", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// CollectOnce refreshes the node record and the statistics of every
// locally hosted region.
func (c *Collector) CollectOnce(ctx context.Context) error {
	c.metrics.StatisticsRuns.Inc()
	if err := c.Heartbeat(ctx); err != nil {
		return err
	}

	groups, err := c.opts.Regions.Groups(ctx)
	if err != nil {
		return errors.Wrap(err, "list groups")
	}
	var errs error
	for _, g := range groups {
		if err := c.collectGroup(ctx, g); err != nil {
			errs = errors.CombineErrors(errs, errors.Wrapf(err, "group %s", g))
		}
	}
	return errs
}

func (c *Collector) collectGroup(ctx context.Context, group string) error {
	tree, err := c.opts.Regions.ReadTree(ctx, group)
	if err != nil {
		return err
	}
	mapper := c.mapper(group)
	added, removed := mapper.Rebuild(tree)
	if len(added) > 0 || len(removed) > 0 {
		utils.Logf(utils.WithGroup(ctx, group), utils.LevelInfo, "Local regions changed, added %v removed %v", added, removed)
	}

	ids := mapper.IDs()
	c.metrics.LocalRegions.WithLabelValues(group).Set(float64(len(ids)))
	for _, id := range ids {
		size, err := c.opts.Store.Size(group, id)
		if err != nil {
			return err
		}
		count, err := c.opts.Store.TupleCount(group, id)
		if err != nil {
			return err
		}
		err = c.opts.Regions.WriteStats(ctx, group, id, region.Stats{
			NodeID:     c.opts.Node.ID,
			Size:       size,
			TupleCount: count,
			Updated:    c.now().UnixMilli(),
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (c *Collector) mapper(group string) *region.IDMapper {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.mappers[group]
	if !ok {
		m = region.NewIDMapper(group, c.opts.Node.ID)
		c.mappers[group] = m
	}
	return m
}

// LocalRegions returns the ids of group's regions hosted here as of the
// last collection.
func (c *Collector) LocalRegions(group string) []int64 {
	return c.mapper(group).IDs()
}

// Heartbeat refreshes the liveness and capacity of the local node.
func (c *Collector) Heartbeat(ctx context.Context) error {
	node := c.opts.Node
	capacity, err := c.opts.Probe(ctx)
	if err != nil {
		utils.Logf(ctx, utils.LevelWarn, "Could not read host capacity: %v", err)
	} else {
		node.Capacity = capacity
	}
	return c.opts.Members.Heartbeat(ctx, node)
}

// HostCapacity reads cpu cores, memory and the disk of dir with gopsutil.
func HostCapacity(dir string) CapacityProbe {
	return func(ctx context.Context) (membership.Capacity, error) {
		var capacity membership.Capacity
		cores, err := cpu.CountsWithContext(ctx, true)
		if err != nil {
			return capacity, errors.Wrap(err, "count cpu cores")
		}
		capacity.CPUCores = cores

		vm, err := mem.VirtualMemoryWithContext(ctx)
		if err != nil {
			return capacity, errors.Wrap(err, "read memory")
		}
		capacity.MemoryTotal = vm.Total
		capacity.MemoryFree = vm.Available

		usage, err := disk.UsageWithContext(ctx, dir)
		if err != nil {
			return capacity, errors.Wrapf(err, "read disk usage of %s", dir)
		}
		capacity.DiskTotal = usage.Total
		capacity.DiskFree = usage.Free
		return capacity, nil
	}
}
