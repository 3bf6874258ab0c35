package geom

import (
	"bytes"
	"encoding/gob"
	"encoding/json"
	"math"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitHalfOpen(t *testing.T) {
	box := MustFromBounds(0, 10, 0, 4)

	left, right, err := box.Split(0, 3)
	require.NoError(t, err)

	assert.Equal(t, "[[0,3):[0,4]]", left.String())
	assert.Equal(t, "[[3,10]:[0,4]]", right.String())
	assert.False(t, left.Intersects(right), "halves must be disjoint")
	assert.True(t, box.CoveredBy([]Hyperrectangle{left, right}), "halves must cover the box")

	// the split point belongs to the right half only
	assert.False(t, left.ContainsPoint([]float64{3, 1}))
	assert.True(t, right.ContainsPoint([]float64{3, 1}))
}

func TestSplitRejectsBoundary(t *testing.T) {
	box := MustFromBounds(0, 10)

	for _, v := range []float64{0, 10, -1, 11, math.NaN()} {
		_, _, err := box.Split(0, v)
		require.Error(t, err, "value %v", v)
		assert.True(t, errors.Is(err, ErrSplitOutOfRange))
	}

	_, _, err := box.Split(1, 5)
	require.Error(t, err)
}

func TestIntersects(t *testing.T) {
	tests := []struct {
		name string
		a, b Hyperrectangle
		want bool
	}{
		{"overlap", MustFromBounds(0, 2, 0, 2), MustFromBounds(1, 3, 1, 3), true},
		{"touching closed", MustFromBounds(0, 1), MustFromBounds(1, 2), true},
		{"separate", MustFromBounds(0, 1, 0, 1), MustFromBounds(2, 3, 0, 1), false},
		{"one dimension apart", MustFromBounds(0, 1, 0, 1), MustFromBounds(0, 1, 5, 6), false},
		{"dimension mismatch", MustFromBounds(0, 1), MustFromBounds(0, 1, 0, 1), false},
		{"empty", Hyperrectangle{}, MustFromBounds(0, 1), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.a.Intersects(tt.b))
			assert.Equal(t, tt.want, tt.b.Intersects(tt.a))
		})
	}

	left, _, err := MustFromBounds(0, 2).Split(0, 1)
	require.NoError(t, err)
	assert.False(t, left.Intersects(MustFromBounds(1, 2)), "open end must not touch")
}

func TestContainsAndEnlarge(t *testing.T) {
	outer := MustFromBounds(0, 10, 0, 10)
	inner := MustFromBounds(2, 3, 4, 5)
	assert.True(t, outer.Contains(inner))
	assert.False(t, inner.Contains(outer))

	a := MustFromBounds(0, 1, 0, 1)
	b := MustFromBounds(5, 6, -2, 0)
	got, err := a.Enlarge(b)
	require.NoError(t, err)
	assert.Equal(t, "[[0,6]:[-2,1]]", got.String())
	assert.True(t, got.Contains(a))
	assert.True(t, got.Contains(b))

	got, err = Hyperrectangle{}.Enlarge(a)
	require.NoError(t, err)
	assert.True(t, got.Equal(a))

	_, err = a.Enlarge(MustFromBounds(0, 1))
	require.Error(t, err)
}

func TestEnlargeRestoresSplit(t *testing.T) {
	box := MustFromBounds(0, 5, 0, 6)
	left, right, err := box.Split(1, 2.5)
	require.NoError(t, err)

	merged, err := left.Enlarge(right)
	require.NoError(t, err)
	assert.True(t, merged.Equal(box))
}

func TestCoveredBy(t *testing.T) {
	box := MustFromBounds(0, 4, 0, 4)
	l, r, err := box.Split(0, 2)
	require.NoError(t, err)
	rl, rr, err := r.Split(1, 1)
	require.NoError(t, err)

	assert.True(t, box.CoveredBy([]Hyperrectangle{l, rl, rr}))
	assert.False(t, box.CoveredBy([]Hyperrectangle{l, rr}), "gap must be detected")
	assert.True(t, Disjoint([]Hyperrectangle{l, rl, rr}))
	assert.False(t, Disjoint([]Hyperrectangle{box, l}))
}

func TestFullSpaceSplit(t *testing.T) {
	space := FullSpace(2)
	left, right, err := space.Split(0, 0)
	require.NoError(t, err)
	assert.True(t, space.CoveredBy([]Hyperrectangle{left, right}))
	assert.True(t, space.Contains(MustFromBounds(-1e9, 1e9, 3, 4)))
}

func TestParseRoundTrip(t *testing.T) {
	for _, s := range []string{"[[0,5]:[0,6]]", "[[0,1.5):(2,3]]", "[]", "[[-Inf,+Inf]]"} {
		box, err := ParseHyperrectangle(s)
		require.NoError(t, err, s)
		assert.Equal(t, s, box.String())
	}

	box, err := ParseHyperrectangle("[[0.0,5.0]:[0.0,6.0]]")
	require.NoError(t, err)
	assert.True(t, box.Equal(MustFromBounds(0, 5, 0, 6)))

	for _, s := range []string{"", "abc", "[[1,0]]", "[[0,1]:x]", "[[0;1]]"} {
		_, err := ParseHyperrectangle(s)
		assert.Error(t, err, s)
	}
}

func TestJSONKeepsOpenBounds(t *testing.T) {
	left, _, err := FullSpace(2).Split(1, 7)
	require.NoError(t, err)

	data, err := json.Marshal(left)
	require.NoError(t, err)
	assert.JSONEq(t, `["[-Inf,+Inf]","[-Inf,7)"]`, string(data))

	var decoded Hyperrectangle
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.True(t, decoded.Equal(left))
}

func TestGobKeepsBox(t *testing.T) {
	type record struct {
		Key string
		Box Hyperrectangle
	}
	left, _, err := FullSpace(2).Split(1, 0.25)
	require.NoError(t, err)

	for _, box := range []Hyperrectangle{left, {}} {
		var buf bytes.Buffer
		require.NoError(t, gob.NewEncoder(&buf).Encode(record{Key: "k", Box: box}))
		var out record
		require.NoError(t, gob.NewDecoder(&buf).Decode(&out))
		assert.True(t, out.Box.Equal(box), "got %s, want %s", out.Box, box)
	}
	assert.True(t, math.IsInf(left.Interval(0).Low, -1))
}
