package geom

import (
	"math"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
)

// Interval is one dimension of a Hyperrectangle. The endpoint flags decide
// whether Low and High themselves belong to the interval.
type Interval struct {
	Low          float64
	High         float64
	LowIncluded  bool
	HighIncluded bool
}

// Closed returns [low, high].
func Closed(low, high float64) Interval {
	return Interval{Low: low, High: high, LowIncluded: true, HighIncluded: true}
}

func (i Interval) Width() float64 {
	return i.High - i.Low
}

func (i Interval) IsDegenerate() bool {
	return i.Low == i.High
}

func (i Interval) IsInfinite() bool {
	return math.IsInf(i.Low, 0) || math.IsInf(i.High, 0)
}

// Midpoint returns the center of the interval. Unbounded sides are
// replaced by a point one unit inside the bounded side, or zero when both
// sides are unbounded.
func (i Interval) Midpoint() float64 {
	lowInf, highInf := math.IsInf(i.Low, -1), math.IsInf(i.High, 1)
	switch {
	case lowInf && highInf:
		return 0
	case lowInf:
		return i.High - 1
	case highInf:
		return i.Low + 1
	}
	return i.Low + (i.High-i.Low)/2
}

func (i Interval) ContainsPoint(v float64) bool {
	if v < i.Low || v > i.High {
		return false
	}
	if v == i.Low && !i.LowIncluded {
		return false
	}
	if v == i.High && !i.HighIncluded {
		return false
	}
	return true
}

// Overlaps reports whether both intervals share at least one point.
func (i Interval) Overlaps(o Interval) bool {
	low, lowIncl := i.Low, i.LowIncluded
	if o.Low > low {
		low, lowIncl = o.Low, o.LowIncluded
	} else if o.Low == low {
		lowIncl = lowIncl && o.LowIncluded
	}

	high, highIncl := i.High, i.HighIncluded
	if o.High < high {
		high, highIncl = o.High, o.HighIncluded
	} else if o.High == high {
		highIncl = highIncl && o.HighIncluded
	}

	if low < high {
		return true
	}
	return low == high && lowIncl && highIncl
}

// Covers reports whether every point of o is inside i.
func (i Interval) Covers(o Interval) bool {
	if o.Low < i.Low || (o.Low == i.Low && o.LowIncluded && !i.LowIncluded) {
		return false
	}
	if o.High > i.High || (o.High == i.High && o.HighIncluded && !i.HighIncluded) {
		return false
	}
	return true
}

// Span returns the smallest interval containing both intervals.
func (i Interval) Span(o Interval) Interval {
	out := i
	if o.Low < out.Low {
		out.Low, out.LowIncluded = o.Low, o.LowIncluded
	} else if o.Low == out.Low {
		out.LowIncluded = out.LowIncluded || o.LowIncluded
	}
	if o.High > out.High {
		out.High, out.HighIncluded = o.High, o.HighIncluded
	} else if o.High == out.High {
		out.HighIncluded = out.HighIncluded || o.HighIncluded
	}
	return out
}

// String renders the interval using [ and ( for closed and open ends.
func (i Interval) String() string {
	var b strings.Builder
	if i.LowIncluded {
		b.WriteByte('[')
	} else {
		b.WriteByte('(')
	}
	b.WriteString(strconv.FormatFloat(i.Low, 'g', -1, 64))
	b.WriteByte(',')
	b.WriteString(strconv.FormatFloat(i.High, 'g', -1, 64))
	if i.HighIncluded {
		b.WriteByte(']')
	} else {
		b.WriteByte(')')
	}
	return b.String()
}

func (i Interval) MarshalText() ([]byte, error) {
	return []byte(i.String()), nil
}

func (i *Interval) UnmarshalText(text []byte) error {
	parsed, err := ParseInterval(string(text))
	if err != nil {
		return err
	}
	*i = parsed
	return nil
}

// ParseInterval reads the form produced by Interval.String.
func ParseInterval(s string) (Interval, error) {
	s = strings.TrimSpace(s)
	if len(s) < 5 {
		return Interval{}, errors.Newf("invalid interval %q", s)
	}

	var out Interval
	switch s[0] {
	case '[':
		out.LowIncluded = true
	case '(':
	default:
		return Interval{}, errors.Newf("invalid interval %q: bad opening bracket", s)
	}
	switch s[len(s)-1] {
	case ']':
		out.HighIncluded = true
	case ')':
	default:
		return Interval{}, errors.Newf("invalid interval %q: bad closing bracket", s)
	}

	bounds := strings.Split(s[1:len(s)-1], ",")
	if len(bounds) != 2 {
		return Interval{}, errors.Newf("invalid interval %q: expected two bounds", s)
	}
	var err error
	if out.Low, err = strconv.ParseFloat(strings.TrimSpace(bounds[0]), 64); err != nil {
		return Interval{}, errors.Wrapf(err, "invalid interval %q", s)
	}
	if out.High, err = strconv.ParseFloat(strings.TrimSpace(bounds[1]), 64); err != nil {
		return Interval{}, errors.Wrapf(err, "invalid interval %q", s)
	}
	if out.Low > out.High {
		return Interval{}, errors.Newf("invalid interval %q: low is above high", s)
	}
	return out, nil
}
