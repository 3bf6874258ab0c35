package redistributor

import (
	"context"
	"sync/atomic"

	"spacedb/region"
	"spacedb/tuple"

	"github.com/cockroachdb/errors"
	"golang.org/x/time/rate"
)

// TupleSink receives the tuples of one region on one node.
type TupleSink interface {
	SinkTuple(ctx context.Context, t *tuple.Tuple) error
	RegionID() int64
	NodeID() string
	// SinkedTuples counts the tuples accepted so far.
	SinkedTuples() int64
}

// LocalStore is the part of the physical store a local sink writes to.
type LocalStore interface {
	Put(group string, regionID int64, t *tuple.Tuple) error
	Delete(group string, regionID int64, key string, version int64) error
}

// RemoteClient forwards tuples to the storage node of another system.
type RemoteClient interface {
	InsertTuple(ctx context.Context, table string, t *tuple.Tuple) error
	DeleteTuple(ctx context.Context, table, key string, version int64) error
}

// Dialer returns the client of a remote node.
type Dialer func(ctx context.Context, nodeID string) (RemoteClient, error)

// LocalTupleSink writes into the local store.
type LocalTupleSink struct {
	group    string
	regionID int64
	nodeID   string
	store    LocalStore
	sinked   atomic.Int64
}

func NewLocalTupleSink(group string, regionID int64, nodeID string, store LocalStore) *LocalTupleSink {
	return &LocalTupleSink{group: group, regionID: regionID, nodeID: nodeID, store: store}
}

func (s *LocalTupleSink) SinkTuple(_ context.Context, t *tuple.Tuple) error {
	var err error
	if t.IsTombstone() {
		err = s.store.Delete(s.group, s.regionID, t.Key, t.Version)
	} else {
		err = s.store.Put(s.group, s.regionID, t)
	}
	if err != nil {
		return errors.Wrapf(err, "local sink of region %d", s.regionID)
	}
	s.sinked.Add(1)
	return nil
}

func (s *LocalTupleSink) RegionID() int64     { return s.regionID }
func (s *LocalTupleSink) NodeID() string      { return s.nodeID }
func (s *LocalTupleSink) SinkedTuples() int64 { return s.sinked.Load() }

// NetworkTupleSink forwards to a remote node, throttled by limiter.
type NetworkTupleSink struct {
	table    string
	regionID int64
	nodeID   string
	client   RemoteClient
	limiter  *rate.Limiter
	sinked   atomic.Int64
}

// NewNetworkTupleSink forwards at most perSecond tuples per second, no
// limit when perSecond is not positive.
func NewNetworkTupleSink(group string, regionID int64, nodeID string, client RemoteClient, perSecond float64) *NetworkTupleSink {
	limiter := rate.NewLimiter(rate.Inf, 0)
	if perSecond > 0 {
		burst := int(perSecond)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
	return &NetworkTupleSink{
		table:    region.TableName(group, regionID),
		regionID: regionID,
		nodeID:   nodeID,
		client:   client,
		limiter:  limiter,
	}
}

func (s *NetworkTupleSink) SinkTuple(ctx context.Context, t *tuple.Tuple) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return errors.Wrapf(err, "throttle sink of region %d", s.regionID)
	}
	var err error
	if t.IsTombstone() {
		err = s.client.DeleteTuple(ctx, s.table, t.Key, t.Version)
	} else {
		err = s.client.InsertTuple(ctx, s.table, t)
	}
	if err != nil {
		return errors.Wrapf(err, "forward to %s for region %d", s.nodeID, s.regionID)
	}
	s.sinked.Add(1)
	return nil
}

func (s *NetworkTupleSink) RegionID() int64     { return s.regionID }
func (s *NetworkTupleSink) NodeID() string      { return s.nodeID }
func (s *NetworkTupleSink) SinkedTuples() int64 { return s.sinked.Load() }
