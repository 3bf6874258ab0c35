// Package ring runs region operations on a fixed set of workers. A
// consistent hash ring maps every key to one worker, so the operations of
// one region run one after another while different regions proceed in
// parallel.
package ring

import (
	"hash/crc32"
	"sort"
	"strconv"
)

// replicas is the number of points every worker owns on the ring.
const replicas = 16

type Node struct {
	Hash   uint32
	Worker int
}

type HashRing []Node

func (h HashRing) Len() int {
	return len(h)
}
func (h HashRing) Less(i, j int) bool {
	return h[i].Hash < h[j].Hash
}

func (h HashRing) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
}

// AddWorker places the points of worker on the ring.
func (h *HashRing) AddWorker(worker int) {
	for v := 0; v < replicas; v++ {
		hash := crc32.ChecksumIEEE([]byte("worker-" + strconv.Itoa(worker) + "#" + strconv.Itoa(v)))
		*h = append(*h, Node{Hash: hash, Worker: worker})
	}
	sort.Sort(h)
}

// RemoveWorker drops the points of worker; its keys move to the next
// points on the ring.
func (h *HashRing) RemoveWorker(worker int) {
	kept := (*h)[:0]
	for _, n := range *h {
		if n.Worker != worker {
			kept = append(kept, n)
		}
	}
	*h = kept
}

// Lookup returns the worker owning key, -1 on an empty ring.
func (h HashRing) Lookup(key string) int {
	if len(h) == 0 {
		return -1
	}
	hash := crc32.ChecksumIEEE([]byte(key))
	idx := sort.Search(len(h), func(i int) bool {
		return h[i].Hash >= hash
	})
	if idx == len(h) {
		idx = 0
	}
	return h[idx].Worker
}
