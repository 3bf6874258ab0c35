package engine

import (
	"fmt"
	"io"
	"math/rand"
	"strconv"

	"spacedb/geom"
	"spacedb/tuple"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebble"
)

var ErrNotFound = errors.New("tuple not found")

func regionPrefix(group string, regionID int64) []byte {
	return []byte(fmt.Sprintf("t/%s/%016x/", group, uint64(regionID)))
}

func tupleKey(group string, regionID int64, key string) []byte {
	return append(regionPrefix(group, regionID), key...)
}

// prefixEnd returns the smallest key greater than every key with prefix.
func prefixEnd(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}

func (e *Engine) regionIter(group string, regionID int64) (*pebble.Iterator, error) {
	prefix := regionPrefix(group, regionID)
	iter, err := e.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: prefixEnd(prefix)})
	if err != nil {
		return nil, errors.Wrapf(err, "iterate region %s/%d", group, regionID)
	}
	return iter, nil
}

func (e *Engine) current(k []byte) (*tuple.Tuple, error) {
	val, closer, err := e.db.Get(k)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	defer closer.Close()
	return tuple.Decode(val)
}

// Put stores t in the region unless a newer version of the key is already
// present. Writing the same (key, version) twice is a no-op.
func (e *Engine) Put(group string, regionID int64, t *tuple.Tuple) error {
	if e.db == nil {
		return errors.New("database not initialized")
	}
	k := tupleKey(group, regionID, t.Key)

	e.mu.Lock()
	defer e.mu.Unlock()

	old, err := e.current(k)
	if err != nil {
		return errors.Wrapf(err, "read %q", t.Key)
	}
	if !t.Supersedes(old) {
		return nil
	}
	data, err := tuple.Encode(t)
	if err != nil {
		return err
	}
	return e.db.Set(k, data, pebble.Sync)
}

// Delete records a tombstone for key. The tombstone is kept so that it can
// be redistributed and so that older versions arriving late are ignored.
func (e *Engine) Delete(group string, regionID int64, key string, version int64) error {
	return e.Put(group, regionID, tuple.NewTombstone(key, version))
}

// Get returns the live tuple for key, ErrNotFound when absent or deleted.
func (e *Engine) Get(group string, regionID int64, key string) (*tuple.Tuple, error) {
	if e.db == nil {
		return nil, errors.New("database not initialized")
	}
	t, err := e.current(tupleKey(group, regionID, key))
	if err != nil {
		return nil, errors.Wrapf(err, "read %q", key)
	}
	if t == nil || t.IsTombstone() {
		return nil, errors.Wrapf(ErrNotFound, "key %q in %s/%d", key, group, regionID)
	}
	return t, nil
}

// Size is the number of bytes stored for the region, keys included.
func (e *Engine) Size(group string, regionID int64) (int64, error) {
	iter, err := e.regionIter(group, regionID)
	if err != nil {
		return 0, err
	}
	defer iter.Close()

	var size int64
	for ok := iter.First(); ok; ok = iter.Next() {
		size += int64(len(iter.Key()) + len(iter.Value()))
	}
	return size, iter.Error()
}

// TupleCount counts live tuples, tombstones excluded.
func (e *Engine) TupleCount(group string, regionID int64) (int64, error) {
	iter, err := e.regionIter(group, regionID)
	if err != nil {
		return 0, err
	}
	defer iter.Close()

	var count int64
	for ok := iter.First(); ok; ok = iter.Next() {
		t, err := tuple.Decode(iter.Value())
		if err != nil {
			return 0, err
		}
		if !t.IsTombstone() {
			count++
		}
	}
	return count, iter.Error()
}

// Sample returns up to n bounding boxes drawn uniformly from the live
// tuples of the region.
func (e *Engine) Sample(group string, regionID int64, n int) ([]geom.Hyperrectangle, error) {
	iter, err := e.regionIter(group, regionID)
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var (
		samples []geom.Hyperrectangle
		seen    int
	)
	for ok := iter.First(); ok && n > 0; ok = iter.Next() {
		t, err := tuple.Decode(iter.Value())
		if err != nil {
			return nil, err
		}
		if t.IsTombstone() {
			continue
		}
		seen++
		if len(samples) < n {
			samples = append(samples, t.Box)
		} else if j := rand.Intn(seen); j < n {
			samples[j] = t.Box
		}
	}
	return samples, iter.Error()
}

// DropRegion removes every tuple and tombstone of the region.
func (e *Engine) DropRegion(group string, regionID int64) error {
	prefix := regionPrefix(group, regionID)
	if err := e.db.DeleteRange(prefix, prefixEnd(prefix), pebble.Sync); err != nil {
		return errors.Wrapf(err, "drop region %s/%d", group, regionID)
	}
	return nil
}

// Regions lists the ids of group's regions holding tuples or tombstones.
func (e *Engine) Regions(group string) ([]int64, error) {
	prefix := []byte(fmt.Sprintf("t/%s/", group))
	iter, err := e.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: prefixEnd(prefix)})
	if err != nil {
		return nil, errors.Wrapf(err, "iterate group %s", group)
	}
	defer iter.Close()

	var ids []int64
	for ok := iter.First(); ok; {
		rest := iter.Key()[len(prefix):]
		id, err := strconv.ParseUint(string(rest[:min(16, len(rest))]), 16, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "corrupt key %q", iter.Key())
		}
		ids = append(ids, int64(id))
		ok = iter.SeekGE(prefixEnd(regionPrefix(group, int64(id))))
	}
	return ids, iter.Error()
}

// Iterator walks the tuples of one region, tombstones included, over a
// consistent snapshot taken when it was created.
type Iterator struct {
	iter    *pebble.Iterator
	started bool
}

func (e *Engine) Iterator(group string, regionID int64) (*Iterator, error) {
	iter, err := e.regionIter(group, regionID)
	if err != nil {
		return nil, err
	}
	return &Iterator{iter: iter}, nil
}

// Next returns the next tuple or io.EOF after the last one.
func (it *Iterator) Next() (*tuple.Tuple, error) {
	var ok bool
	if !it.started {
		ok = it.iter.First()
		it.started = true
	} else {
		ok = it.iter.Next()
	}
	if !ok {
		if err := it.iter.Error(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	}
	return tuple.Decode(it.iter.Value())
}

func (it *Iterator) Close() error {
	return it.iter.Close()
}
