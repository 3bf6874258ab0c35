// Package engine is the local physical tuple store of a node. Every tuple
// lives under a (group, region) prefix in one pebble database, so a whole
// region can be scanned, measured and dropped at once.
package engine

import (
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
)

type Options struct {
	Dir string
	// FS overrides the filesystem, vfs.NewMem() keeps everything in memory.
	FS vfs.FS
	// MaxFallbacks is how many suffixed directories are tried when Dir is
	// locked by another process.
	MaxFallbacks int
}

type Engine struct {
	db   *pebble.DB
	path string
	// serializes read-modify-write of a key
	mu sync.Mutex
}

// OpenDB opens a pebble database at opts.Dir. When the directory is locked
// by another process on the same host it falls back to Dir_1, Dir_2, ...
func OpenDB(opts Options) (*pebble.DB, string, error) {
	if opts.Dir == "" {
		return nil, "", errors.New("no database directory given")
	}
	popts := &pebble.Options{}
	if opts.FS != nil {
		popts.FS = opts.FS
	}

	for i := 0; i <= opts.MaxFallbacks; i++ {
		dbPath := opts.Dir
		if i > 0 {
			dbPath = fmt.Sprintf("%s_%d", opts.Dir, i)
		}

		db, err := pebble.Open(dbPath, popts)
		if err == nil {
			log.Printf("[INFO] Using Pebble DB at path: %s", dbPath)
			return db, dbPath, nil
		}

		if isLockError(err) {
			log.Printf("[WARN] DB at %s is locked, trying next...", dbPath)
			continue
		}

		return nil, "", errors.Wrapf(err, "open pebble db at %s", dbPath)
	}

	return nil, "", errors.Newf("all fallback pebble paths for %s are locked", opts.Dir)
}

func isLockError(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "lock") ||
		strings.Contains(msg, "resource temporarily unavailable") ||
		strings.Contains(msg, "used by another process") ||
		strings.Contains(msg, "cannot access the file")
}

func Open(opts Options) (*Engine, error) {
	db, path, err := OpenDB(opts)
	if err != nil {
		return nil, err
	}
	return &Engine{db: db, path: path}, nil
}

// Path is the directory the engine actually opened.
func (e *Engine) Path() string {
	return e.path
}

func (e *Engine) Close() error {
	if e.db == nil {
		return nil
	}
	err := e.db.Close()
	e.db = nil
	return err
}
