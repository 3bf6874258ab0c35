// Package membership keeps the liveness and capacity record of every node
// in the coordination store. A node is ready while it says so and its last
// heartbeat is younger than the registry TTL.
package membership

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"spacedb/coord"

	"github.com/cockroachdb/errors"
)

type State string

const (
	StateReady   State = "READY"
	StateOffline State = "OFFLINE"
)

// Capacity is what a node reports about its host.
type Capacity struct {
	CPUCores    int    `json:"cpuCores"`
	MemoryTotal uint64 `json:"memoryTotal"`
	MemoryFree  uint64 `json:"memoryFree"`
	DiskFree    uint64 `json:"diskFree"`
	DiskTotal   uint64 `json:"diskTotal"`
}

type Node struct {
	ID       string   `json:"id"`
	Addr     string   `json:"addr"`
	BusAddr  string   `json:"busAddr"`
	State    State    `json:"state"`
	Capacity Capacity `json:"capacity"`
	// LastSeen is the unix time in milliseconds of the last heartbeat.
	LastSeen int64 `json:"lastSeen"`
}

func (n Node) IsReady() bool {
	return n.State == StateReady
}

func IDs(nodes []Node) []string {
	ids := make([]string, len(nodes))
	for i, n := range nodes {
		ids[i] = n.ID
	}
	return ids
}

type Registry struct {
	store coord.Store
	ttl   time.Duration
	now   func() time.Time

	mu      sync.Mutex
	version map[string]int64
}

func NewRegistry(store coord.Store, ttl time.Duration) *Registry {
	return &Registry{
		store:   store,
		ttl:     ttl,
		now:     time.Now,
		version: map[string]int64{},
	}
}

// Heartbeat writes the record of the local node, creating it on first use.
func (r *Registry) Heartbeat(ctx context.Context, n Node) error {
	n.LastSeen = r.now().UnixMilli()
	if n.State == "" {
		n.State = StateReady
	}
	data, err := json.Marshal(n)
	if err != nil {
		return errors.Wrapf(err, "encode node %s", n.ID)
	}

	p := coord.NodePath(n.ID)
	r.mu.Lock()
	defer r.mu.Unlock()

	version, known := r.version[n.ID]
	if !known {
		if err := r.store.Create(ctx, p, data); err == nil {
			log.Printf("[INFO] Registered node %s at %s", n.ID, n.Addr)
			r.version[n.ID] = 0
			return nil
		} else if !errors.Is(err, coord.ErrNodeExists) {
			return err
		}
		// left over from an earlier run
		_, version, err = r.store.Read(ctx, p)
		if err != nil {
			return err
		}
	}

	newVersion, err := r.store.Update(ctx, p, data, version)
	if err != nil {
		delete(r.version, n.ID)
		return errors.Wrapf(err, "heartbeat of %s", n.ID)
	}
	r.version[n.ID] = newVersion
	return nil
}

// Leave marks the node offline so allocators stop picking it.
func (r *Registry) Leave(ctx context.Context, n Node) error {
	n.State = StateOffline
	return r.Heartbeat(ctx, n)
}

// Get returns one node with its readiness evaluated.
func (r *Registry) Get(ctx context.Context, id string) (Node, error) {
	data, _, err := r.store.Read(ctx, coord.NodePath(id))
	if err != nil {
		return Node{}, err
	}
	return r.decode(data)
}

// Nodes returns every registered node. Nodes whose heartbeat expired are
// reported offline.
func (r *Registry) Nodes(ctx context.Context) ([]Node, error) {
	ids, err := r.store.ListChildren(ctx, coord.NodesPath())
	if err != nil {
		return nil, err
	}
	nodes := make([]Node, 0, len(ids))
	for _, id := range ids {
		n, err := r.Get(ctx, id)
		if errors.Is(err, coord.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	return nodes, nil
}

func (r *Registry) ReadyNodes(ctx context.Context) ([]Node, error) {
	nodes, err := r.Nodes(ctx)
	if err != nil {
		return nil, err
	}
	ready := nodes[:0]
	for _, n := range nodes {
		if n.IsReady() {
			ready = append(ready, n)
		}
	}
	return ready, nil
}

func (r *Registry) decode(data []byte) (Node, error) {
	var n Node
	if err := json.Unmarshal(data, &n); err != nil {
		return Node{}, errors.Wrap(err, "decode node record")
	}
	if r.ttl > 0 && r.now().Sub(time.UnixMilli(n.LastSeen)) > r.ttl {
		n.State = StateOffline
	}
	return n, nil
}
