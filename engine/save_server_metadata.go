package engine

import (
	"bytes"
	"encoding/gob"

	"spacedb/config"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebble"
)

var instanceMetadataKey = []byte("config:instance:metadata")

func (e *Engine) SaveInstance(inst *config.Instance) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(inst); err != nil {
		return errors.Wrap(err, "encode instance metadata")
	}
	return e.db.Set(instanceMetadataKey, buf.Bytes(), pebble.Sync)
}

// LoadInstance returns the saved instance, or ErrNotFound on a fresh
// database.
func (e *Engine) LoadInstance() (*config.Instance, error) {
	data, closer, err := e.db.Get(instanceMetadataKey)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, errors.Wrap(ErrNotFound, "no saved instance metadata")
		}
		return nil, err
	}
	defer closer.Close()

	var inst config.Instance
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&inst); err != nil {
		return nil, errors.Wrap(err, "decode instance metadata")
	}
	return &inst, nil
}
