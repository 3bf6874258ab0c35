// Package coord is the contract of the coordination store shared by all
// nodes: a hierarchical, versioned, watchable key space. Every state
// transition of the region tree is a compare-and-set against a version
// returned by this store.
package coord

import (
	"context"
	"path"
	"strings"

	"github.com/cockroachdb/errors"
)

var (
	ErrNotFound   = errors.New("coordination node not found")
	ErrNodeExists = errors.New("coordination node already exists")
	ErrBadVersion = errors.New("coordination node version mismatch")
	// ErrUnavailable is returned once the store is closed or unreachable.
	ErrUnavailable = errors.New("coordination store unavailable")
	// ErrCancelled is returned by blocking waits whose context ended.
	ErrCancelled = errors.New("wait cancelled")
)

// AnyVersion skips the version check of Delete.
const AnyVersion int64 = -1

type EventType int

const (
	EventCreated EventType = iota
	EventUpdated
	EventDeleted
)

func (t EventType) String() string {
	switch t {
	case EventCreated:
		return "created"
	case EventUpdated:
		return "updated"
	case EventDeleted:
		return "deleted"
	}
	return "unknown"
}

// Event reports a change of Path. A watch on a path receives events for the
// path itself and for its direct children.
type Event struct {
	Type EventType
	Path string
}

type Store interface {
	// Create fails with ErrNodeExists if the path is taken.
	Create(ctx context.Context, path string, data []byte) error
	Read(ctx context.Context, path string) ([]byte, int64, error)
	// Update replaces the data if the stored version equals expectedVersion
	// and returns the new version. A mismatch is ErrBadVersion.
	Update(ctx context.Context, path string, data []byte, expectedVersion int64) (int64, error)
	Delete(ctx context.Context, path string, expectedVersion int64) error
	DeleteRecursive(ctx context.Context, path string) error
	// Watch subscribes to changes. The channel is closed by cancel or when
	// the store becomes unavailable.
	Watch(ctx context.Context, path string) (<-chan Event, func(), error)
	ListChildren(ctx context.Context, path string) ([]string, error)
	Close() error
}

// Join builds a store path from segments.
func Join(segments ...string) string {
	return path.Join(append([]string{"/"}, segments...)...)
}

// Parent returns the parent path, "/" for top level nodes.
func Parent(p string) string {
	return path.Dir(p)
}

// Base returns the last segment of p.
func Base(p string) string {
	return path.Base(p)
}

func validPath(p string) error {
	if !strings.HasPrefix(p, "/") || p == "/" || strings.HasSuffix(p, "/") || path.Clean(p) != p {
		return errors.Newf("invalid coordination path %q", p)
	}
	return nil
}
