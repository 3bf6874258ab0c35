// Package redistributor moves tuples into the regions created by a split
// or merge. Every registered region gets one sink per system; a tuple is
// handed to all sinks of the regions its box intersects.
package redistributor

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"spacedb/metrics"
	"spacedb/region"
	"spacedb/tuple"
	"spacedb/utils"

	"github.com/cockroachdb/errors"
)

var (
	// ErrCoverage means no registered region intersects the tuple.
	ErrCoverage = errors.New("tuple is not covered by any region")
	// ErrRegionRegistered is returned for a region registered twice.
	ErrRegionRegistered = errors.New("region already registered")
)

type Options struct {
	Group       string
	LocalNodeID string
	Local       LocalStore
	Dial        Dialer
	// RatePerSink limits the tuples per second of every network sink.
	RatePerSink float64
	Metrics     *metrics.Metrics
}

type target struct {
	region *region.Region
	sinks  []TupleSink
}

type TupleRedistributor struct {
	opts    Options
	metrics *metrics.Metrics

	mu      sync.RWMutex
	targets []*target

	inputs    atomic.Int64
	uncovered atomic.Int64
}

func New(opts Options) *TupleRedistributor {
	return &TupleRedistributor{opts: opts, metrics: metrics.OrDiscard(opts.Metrics)}
}

// RegisterRegion adds r as a destination with one sink per system of r.
func (d *TupleRedistributor) RegisterRegion(ctx context.Context, r *region.Region) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, t := range d.targets {
		if t.region.ID == r.ID {
			return errors.Wrapf(ErrRegionRegistered, "region %d", r.ID)
		}
	}

	tgt := &target{region: r}
	for _, nodeID := range r.NodeIDs {
		if nodeID == d.opts.LocalNodeID {
			if d.opts.Local == nil {
				return errors.Newf("no local store for region %d", r.ID)
			}
			tgt.sinks = append(tgt.sinks, NewLocalTupleSink(d.opts.Group, r.ID, nodeID, d.opts.Local))
			continue
		}
		if d.opts.Dial == nil {
			return errors.Newf("no dialer for system %s of region %d", nodeID, r.ID)
		}
		client, err := d.opts.Dial(ctx, nodeID)
		if err != nil {
			return errors.Wrapf(err, "connect to %s for region %d", nodeID, r.ID)
		}
		tgt.sinks = append(tgt.sinks, NewNetworkTupleSink(d.opts.Group, r.ID, nodeID, client, d.opts.RatePerSink))
	}
	d.targets = append(d.targets, tgt)
	return nil
}

// RedistributeTuple hands t to the sinks of every region it belongs to. A
// tombstone goes to every region, a tuple to the regions intersecting its
// box.
func (d *TupleRedistributor) RedistributeTuple(ctx context.Context, t *tuple.Tuple) error {
	d.inputs.Add(1)
	d.mu.RLock()
	var matched []*target
	for _, tgt := range d.targets {
		if t.IsTombstone() || tgt.region.Box.Intersects(t.Box) {
			matched = append(matched, tgt)
		}
	}
	d.mu.RUnlock()

	if len(matched) == 0 {
		d.uncovered.Add(1)
		return errors.Wrapf(ErrCoverage, "tuple %q with box %s", t.Key, t.Box)
	}
	for _, tgt := range matched {
		for _, s := range tgt.sinks {
			if err := s.SinkTuple(ctx, t); err != nil {
				return err
			}
			d.metrics.RedistributedTuples.Inc()
		}
	}
	return nil
}

// SinkStatistics is the count of one sink.
type SinkStatistics struct {
	RegionID int64
	NodeID   string
	Tuples   int64
}

type Statistics struct {
	// Inputs counts the tuples passed to RedistributeTuple.
	Inputs    int64
	Uncovered int64
	Sinks     []SinkStatistics
}

// Forwarded sums the tuples accepted by the sinks of one region.
func (s Statistics) Forwarded(regionID int64) int64 {
	var n int64
	for _, sink := range s.Sinks {
		if sink.RegionID == regionID {
			n += sink.Tuples
		}
	}
	return n
}

func (d *TupleRedistributor) Statistics() Statistics {
	d.mu.RLock()
	defer d.mu.RUnlock()
	st := Statistics{Inputs: d.inputs.Load(), Uncovered: d.uncovered.Load()}
	for _, tgt := range d.targets {
		for _, s := range tgt.sinks {
			st.Sinks = append(st.Sinks, SinkStatistics{RegionID: s.RegionID(), NodeID: s.NodeID(), Tuples: s.SinkedTuples()})
		}
	}
	sort.Slice(st.Sinks, func(i, j int) bool {
		if st.Sinks[i].RegionID != st.Sinks[j].RegionID {
			return st.Sinks[i].RegionID < st.Sinks[j].RegionID
		}
		return st.Sinks[i].NodeID < st.Sinks[j].NodeID
	})
	return st
}

func (d *TupleRedistributor) logCoverage(ctx context.Context, err error) {
	d.metrics.CoverageErrors.Inc()
	utils.Logf(utils.WithGroup(ctx, d.opts.Group), utils.LevelWarn, "Skipping tuple: %v", err)
}
