// Package geom holds the axis-aligned boxes used to describe regions of the
// partitioned space and the bounding boxes of stored tuples.
package geom

import (
	"encoding/json"
	"math"
	"sort"
	"strings"

	"github.com/cockroachdb/errors"
)

// ErrSplitOutOfRange is returned when a split point does not lie strictly
// inside the interval being split.
var ErrSplitOutOfRange = errors.New("split point is not inside the box")

// Hyperrectangle is an immutable axis-aligned box, one Interval per
// dimension. The zero value is the empty box used by tombstones.
type Hyperrectangle struct {
	dims []Interval
}

func New(dims ...Interval) Hyperrectangle {
	return Hyperrectangle{dims: append([]Interval(nil), dims...)}
}

// FromBounds builds a closed box from low/high pairs: lo0, hi0, lo1, hi1, ...
func FromBounds(bounds ...float64) (Hyperrectangle, error) {
	if len(bounds)%2 != 0 {
		return Hyperrectangle{}, errors.Newf("odd number of bounds: %d", len(bounds))
	}
	dims := make([]Interval, 0, len(bounds)/2)
	for i := 0; i < len(bounds); i += 2 {
		if bounds[i] > bounds[i+1] {
			return Hyperrectangle{}, errors.Newf("dimension %d: low %v is above high %v", i/2, bounds[i], bounds[i+1])
		}
		dims = append(dims, Closed(bounds[i], bounds[i+1]))
	}
	return Hyperrectangle{dims: dims}, nil
}

// MustFromBounds is FromBounds for literals known to be valid.
func MustFromBounds(bounds ...float64) Hyperrectangle {
	box, err := FromBounds(bounds...)
	if err != nil {
		panic(err)
	}
	return box
}

// FullSpace covers every point of a space with the given dimensions.
func FullSpace(dimensions int) Hyperrectangle {
	dims := make([]Interval, dimensions)
	for i := range dims {
		dims[i] = Closed(math.Inf(-1), math.Inf(1))
	}
	return Hyperrectangle{dims: dims}
}

func (h Hyperrectangle) Dimensions() int {
	return len(h.dims)
}

func (h Hyperrectangle) IsEmpty() bool {
	return len(h.dims) == 0
}

func (h Hyperrectangle) Interval(dim int) Interval {
	return h.dims[dim]
}

func (h Hyperrectangle) Intervals() []Interval {
	return append([]Interval(nil), h.dims...)
}

func (h Hyperrectangle) IsDegenerate(dim int) bool {
	return h.dims[dim].IsDegenerate()
}

func (h Hyperrectangle) Volume() float64 {
	if h.IsEmpty() {
		return 0
	}
	v := 1.0
	for _, d := range h.dims {
		v *= d.Width()
	}
	return v
}

// Intersects reports whether both boxes share at least one point. Boxes of
// different dimensionality never intersect.
func (h Hyperrectangle) Intersects(o Hyperrectangle) bool {
	if h.IsEmpty() || len(h.dims) != len(o.dims) {
		return false
	}
	for i := range h.dims {
		if !h.dims[i].Overlaps(o.dims[i]) {
			return false
		}
	}
	return true
}

// Contains reports whether o lies completely inside h.
func (h Hyperrectangle) Contains(o Hyperrectangle) bool {
	if h.IsEmpty() || len(h.dims) != len(o.dims) {
		return false
	}
	for i := range h.dims {
		if !h.dims[i].Covers(o.dims[i]) {
			return false
		}
	}
	return true
}

func (h Hyperrectangle) ContainsPoint(point []float64) bool {
	if h.IsEmpty() || len(point) != len(h.dims) {
		return false
	}
	for i, v := range point {
		if !h.dims[i].ContainsPoint(v) {
			return false
		}
	}
	return true
}

// Enlarge returns the smallest box covering h and o. An empty box is the
// identity element.
func (h Hyperrectangle) Enlarge(o Hyperrectangle) (Hyperrectangle, error) {
	if h.IsEmpty() {
		return o, nil
	}
	if o.IsEmpty() {
		return h, nil
	}
	if len(h.dims) != len(o.dims) {
		return Hyperrectangle{}, errors.Newf("dimension mismatch: %d vs %d", len(h.dims), len(o.dims))
	}
	dims := make([]Interval, len(h.dims))
	for i := range h.dims {
		dims[i] = h.dims[i].Span(o.dims[i])
	}
	return Hyperrectangle{dims: dims}, nil
}

// Split cuts the box at value on dimension dim. The left part keeps
// [low, value), the right part [value, high]. value has to lie strictly
// between low and high, otherwise one side would be empty.
func (h Hyperrectangle) Split(dim int, value float64) (Hyperrectangle, Hyperrectangle, error) {
	if dim < 0 || dim >= len(h.dims) {
		return Hyperrectangle{}, Hyperrectangle{}, errors.Newf("dimension %d out of range for %d-d box", dim, len(h.dims))
	}
	iv := h.dims[dim]
	if math.IsNaN(value) || value <= iv.Low || value >= iv.High {
		return Hyperrectangle{}, Hyperrectangle{}, errors.Wrapf(ErrSplitOutOfRange, "value %v on dimension %d of %s", value, dim, h)
	}

	left := h.Intervals()
	left[dim].High = value
	left[dim].HighIncluded = false

	right := h.Intervals()
	right[dim].Low = value
	right[dim].LowIncluded = true

	return Hyperrectangle{dims: left}, Hyperrectangle{dims: right}, nil
}

func (h Hyperrectangle) Equal(o Hyperrectangle) bool {
	if len(h.dims) != len(o.dims) {
		return false
	}
	for i := range h.dims {
		if h.dims[i] != o.dims[i] {
			return false
		}
	}
	return true
}

// CoveredBy reports whether the union of parts covers every point of h.
// The check walks one representative point of every elementary cell built
// from the boundaries of h and parts, so it is exact for half-open bounds.
func (h Hyperrectangle) CoveredBy(parts []Hyperrectangle) bool {
	if h.IsEmpty() {
		return true
	}
	reps := make([][]float64, len(h.dims))
	for d, iv := range h.dims {
		bounds := []float64{iv.Low, iv.High}
		for _, p := range parts {
			if p.Dimensions() != len(h.dims) {
				return false
			}
			bounds = append(bounds, p.dims[d].Low, p.dims[d].High)
		}
		reps[d] = representatives(iv, bounds)
	}

	point := make([]float64, len(h.dims))
	var walk func(d int) bool
	walk = func(d int) bool {
		if d == len(h.dims) {
			if !h.ContainsPoint(point) {
				return true
			}
			for _, p := range parts {
				if p.ContainsPoint(point) {
					return true
				}
			}
			return false
		}
		for _, v := range reps[d] {
			point[d] = v
			if !walk(d + 1) {
				return false
			}
		}
		return true
	}
	return walk(0)
}

// Disjoint reports whether no two of the boxes share a point.
func Disjoint(boxes []Hyperrectangle) bool {
	for i := range boxes {
		for j := i + 1; j < len(boxes); j++ {
			if boxes[i].Intersects(boxes[j]) {
				return false
			}
		}
	}
	return true
}

func representatives(iv Interval, bounds []float64) []float64 {
	sort.Float64s(bounds)
	var uniq []float64
	for _, b := range bounds {
		if b < iv.Low || b > iv.High {
			continue
		}
		if len(uniq) == 0 || uniq[len(uniq)-1] != b {
			uniq = append(uniq, b)
		}
	}

	var out []float64
	for i, b := range uniq {
		if !math.IsInf(b, 0) {
			out = append(out, b)
		}
		if i+1 < len(uniq) {
			out = append(out, Interval{Low: b, High: uniq[i+1]}.Midpoint())
		}
	}
	return out
}

// String renders the box as [[lo,hi]:[lo,hi]].
func (h Hyperrectangle) String() string {
	parts := make([]string, len(h.dims))
	for i, d := range h.dims {
		parts[i] = d.String()
	}
	return "[" + strings.Join(parts, ":") + "]"
}

// ParseHyperrectangle reads the form produced by String. "[]" is the
// empty box.
func ParseHyperrectangle(s string) (Hyperrectangle, error) {
	s = strings.TrimSpace(s)
	if len(s) < 2 || s[0] != '[' || s[len(s)-1] != ']' {
		return Hyperrectangle{}, errors.Newf("invalid box %q", s)
	}
	inner := strings.TrimSpace(s[1 : len(s)-1])
	if inner == "" {
		return Hyperrectangle{}, nil
	}
	var dims []Interval
	for _, part := range strings.Split(inner, ":") {
		iv, err := ParseInterval(part)
		if err != nil {
			return Hyperrectangle{}, errors.Wrapf(err, "invalid box %q", s)
		}
		dims = append(dims, iv)
	}
	return Hyperrectangle{dims: dims}, nil
}

func (h Hyperrectangle) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

func (h *Hyperrectangle) UnmarshalText(text []byte) error {
	parsed, err := ParseHyperrectangle(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// GobEncode stores the box in its text form, gob cannot see the
// unexported intervals.
func (h Hyperrectangle) GobEncode() ([]byte, error) {
	return h.MarshalText()
}

func (h *Hyperrectangle) GobDecode(data []byte) error {
	return h.UnmarshalText(data)
}

// MarshalJSON encodes the box as a list of intervals, one per dimension.
func (h Hyperrectangle) MarshalJSON() ([]byte, error) {
	if h.dims == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(h.dims)
}

func (h *Hyperrectangle) UnmarshalJSON(data []byte) error {
	var dims []Interval
	if err := json.Unmarshal(data, &dims); err != nil {
		return errors.Wrap(err, "decode covering box")
	}
	h.dims = dims
	return nil
}
