// Package tuple defines the records moved between regions and nodes.
package tuple

import (
	"bytes"
	"encoding/gob"
	"time"

	"spacedb/geom"

	"github.com/cockroachdb/errors"
)

// Tuple is one stored record. A tombstone marks the deletion of Key and
// carries neither a bounding box nor a payload.
type Tuple struct {
	Key     string
	Box     geom.Hyperrectangle
	Payload []byte
	Version int64
	Deleted bool
}

func New(key string, box geom.Hyperrectangle, payload []byte) *Tuple {
	return &Tuple{
		Key:     key,
		Box:     box,
		Payload: payload,
		Version: time.Now().UnixNano(),
	}
}

func NewTombstone(key string, version int64) *Tuple {
	return &Tuple{Key: key, Version: version, Deleted: true}
}

func (t *Tuple) IsTombstone() bool {
	return t.Deleted
}

// Supersedes reports whether t should replace other in a store that keeps
// only the newest version of a key. Equal versions are replaced so that
// redelivery is harmless.
func (t *Tuple) Supersedes(other *Tuple) bool {
	return other == nil || t.Version >= other.Version
}

func Encode(t *Tuple) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(t); err != nil {
		return nil, errors.Wrapf(err, "encode tuple %q", t.Key)
	}
	return buf.Bytes(), nil
}

func Decode(data []byte) (*Tuple, error) {
	var t Tuple
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&t); err != nil {
		return nil, errors.Wrap(err, "decode tuple")
	}
	return &t, nil
}
