package coord

import (
	"context"
	"encoding/binary"
	"sort"
	"strings"
	"sync"

	"spacedb/engine"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebble"
)

const watchBuffer = 64

type watcher struct {
	ch chan Event
}

// PebbleStore implements Store on a local pebble database. Versions start
// at 0 on create and grow by one with every update. Watches are delivered
// in process, which makes it the store of a single node deployment and of
// tests.
type PebbleStore struct {
	db *pebble.DB

	mu       sync.Mutex
	closed   bool
	watchers map[string]map[*watcher]struct{}
}

func OpenPebbleStore(opts engine.Options) (*PebbleStore, error) {
	db, _, err := engine.OpenDB(opts)
	if err != nil {
		return nil, errors.Wrap(err, "open coordination store")
	}
	return NewPebbleStore(db), nil
}

// NewPebbleStore takes ownership of db.
func NewPebbleStore(db *pebble.DB) *PebbleStore {
	return &PebbleStore{db: db, watchers: map[string]map[*watcher]struct{}{}}
}

func storeKey(p string) []byte {
	return []byte("c" + p)
}

func encodeValue(version int64, data []byte) []byte {
	buf := make([]byte, 8+len(data))
	binary.BigEndian.PutUint64(buf, uint64(version))
	copy(buf[8:], data)
	return buf
}

func decodeValue(raw []byte) (int64, []byte) {
	version := int64(binary.BigEndian.Uint64(raw[:8]))
	return version, append([]byte(nil), raw[8:]...)
}

func (s *PebbleStore) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return errors.Mark(errors.Wrap(err, "coordination request"), ErrCancelled)
	}
	if s.closed {
		return ErrUnavailable
	}
	return nil
}

// get must be called with s.mu held.
func (s *PebbleStore) get(p string) (int64, []byte, error) {
	raw, closer, err := s.db.Get(storeKey(p))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return 0, nil, errors.Wrapf(ErrNotFound, "%s", p)
		}
		return 0, nil, errors.Wrapf(err, "read %s", p)
	}
	defer closer.Close()
	version, data := decodeValue(raw)
	return version, data, nil
}

func (s *PebbleStore) Create(ctx context.Context, p string, data []byte) error {
	if err := validPath(p); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return err
	}

	if _, _, err := s.get(p); err == nil {
		return errors.Wrapf(ErrNodeExists, "%s", p)
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}
	if err := s.db.Set(storeKey(p), encodeValue(0, data), pebble.Sync); err != nil {
		return errors.Wrapf(err, "create %s", p)
	}
	s.notifyLocked(Event{Type: EventCreated, Path: p})
	return nil
}

func (s *PebbleStore) Read(ctx context.Context, p string) ([]byte, int64, error) {
	if err := validPath(p); err != nil {
		return nil, 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return nil, 0, err
	}
	version, data, err := s.get(p)
	return data, version, err
}

func (s *PebbleStore) Update(ctx context.Context, p string, data []byte, expectedVersion int64) (int64, error) {
	if err := validPath(p); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return 0, err
	}

	version, _, err := s.get(p)
	if err != nil {
		return 0, err
	}
	if version != expectedVersion {
		return 0, errors.Wrapf(ErrBadVersion, "%s: expected %d, have %d", p, expectedVersion, version)
	}
	if err := s.db.Set(storeKey(p), encodeValue(version+1, data), pebble.Sync); err != nil {
		return 0, errors.Wrapf(err, "update %s", p)
	}
	s.notifyLocked(Event{Type: EventUpdated, Path: p})
	return version + 1, nil
}

func (s *PebbleStore) Delete(ctx context.Context, p string, expectedVersion int64) error {
	if err := validPath(p); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return err
	}

	version, _, err := s.get(p)
	if err != nil {
		return err
	}
	if expectedVersion != AnyVersion && version != expectedVersion {
		return errors.Wrapf(ErrBadVersion, "%s: expected %d, have %d", p, expectedVersion, version)
	}
	if err := s.db.Delete(storeKey(p), pebble.Sync); err != nil {
		return errors.Wrapf(err, "delete %s", p)
	}
	s.notifyLocked(Event{Type: EventDeleted, Path: p})
	return nil
}

// DeleteRecursive removes p and everything below it. A missing path is not
// an error.
func (s *PebbleStore) DeleteRecursive(ctx context.Context, p string) error {
	if err := validPath(p); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return err
	}

	prefix := storeKey(p + "/")
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: prefixEnd(prefix)})
	if err != nil {
		return errors.Wrapf(err, "scan %s", p)
	}
	var deleted []string
	for ok := iter.First(); ok; ok = iter.Next() {
		deleted = append(deleted, string(iter.Key()[1:]))
	}
	if err := iter.Close(); err != nil {
		return errors.Wrapf(err, "scan %s", p)
	}
	if _, _, err := s.get(p); err == nil {
		deleted = append(deleted, p)
	}

	batch := s.db.NewBatch()
	defer batch.Close()
	for _, d := range deleted {
		if err := batch.Delete(storeKey(d), nil); err != nil {
			return err
		}
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return errors.Wrapf(err, "delete %s", p)
	}
	for _, d := range deleted {
		s.notifyLocked(Event{Type: EventDeleted, Path: d})
	}
	return nil
}

// ListChildren returns the sorted names of the direct children of p. A
// path with descendants counts as existing even without its own record.
func (s *PebbleStore) ListChildren(ctx context.Context, p string) ([]string, error) {
	if p != "/" {
		if err := validPath(p); err != nil {
			return nil, err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return nil, err
	}

	base := strings.TrimSuffix(p, "/") + "/"
	prefix := storeKey(base)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: prefixEnd(prefix)})
	if err != nil {
		return nil, errors.Wrapf(err, "list %s", p)
	}
	defer iter.Close()

	seen := map[string]struct{}{}
	for ok := iter.First(); ok; ok = iter.Next() {
		rest := string(iter.Key()[len(prefix):])
		if i := strings.IndexByte(rest, '/'); i >= 0 {
			rest = rest[:i]
		}
		seen[rest] = struct{}{}
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}

	children := make([]string, 0, len(seen))
	for name := range seen {
		children = append(children, name)
	}
	sort.Strings(children)
	return children, nil
}

func (s *PebbleStore) Watch(ctx context.Context, p string) (<-chan Event, func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return nil, nil, err
	}

	w := &watcher{ch: make(chan Event, watchBuffer)}
	if s.watchers[p] == nil {
		s.watchers[p] = map[*watcher]struct{}{}
	}
	s.watchers[p][w] = struct{}{}

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if set, ok := s.watchers[p]; ok {
				if _, ok := set[w]; ok {
					delete(set, w)
					close(w.ch)
				}
				if len(set) == 0 {
					delete(s.watchers, p)
				}
			}
		})
	}
	return w.ch, cancel, nil
}

// notifyLocked must be called with s.mu held. A full watcher buffer drops
// the event, the watcher still has unread events and re-reads state anyway.
func (s *PebbleStore) notifyLocked(ev Event) {
	for _, target := range []string{ev.Path, Parent(ev.Path)} {
		for w := range s.watchers[target] {
			select {
			case w.ch <- ev:
			default:
			}
		}
	}
}

// Close closes every open watch and the underlying database.
func (s *PebbleStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	for p, set := range s.watchers {
		for w := range set {
			close(w.ch)
		}
		delete(s.watchers, p)
	}
	return s.db.Close()
}

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
