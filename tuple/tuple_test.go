package tuple

import (
	"testing"

	"spacedb/geom"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeKeepsBox(t *testing.T) {
	left, _, err := geom.MustFromBounds(0, 4, 0, 4).Split(0, 2)
	require.NoError(t, err)

	in := &Tuple{Key: "k1", Box: left, Payload: []byte("v"), Version: 42}
	data, err := Encode(in)
	require.NoError(t, err)

	out, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, "k1", out.Key)
	assert.Equal(t, int64(42), out.Version)
	assert.True(t, out.Box.Equal(left), "open bound lost: %s", out.Box)
	assert.False(t, out.IsTombstone())
}

func TestTombstone(t *testing.T) {
	ts := NewTombstone("gone", 7)
	data, err := Encode(ts)
	require.NoError(t, err)

	out, err := Decode(data)
	require.NoError(t, err)
	assert.True(t, out.IsTombstone())
	assert.True(t, out.Box.IsEmpty())
	assert.Nil(t, out.Payload)
}

func TestSupersedes(t *testing.T) {
	older := &Tuple{Key: "k", Version: 1}
	newer := &Tuple{Key: "k", Version: 2}

	assert.True(t, newer.Supersedes(older))
	assert.False(t, older.Supersedes(newer))
	assert.True(t, older.Supersedes(older))
	assert.True(t, older.Supersedes(nil))

	_, err := Decode([]byte("garbage"))
	assert.Error(t, err)
}
