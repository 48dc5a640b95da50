package sigma

import (
	"cmp"
	"math"
	"strconv"
	"strings"
)

type numForm uint8

const (
	numFloat numForm = iota
	numInt
	numUint
)

// Numeric is a number from a rule or an event
// Integers are stored exactly, float64 only holds 53 bits of them
type Numeric struct {
	form numForm

	f float64
	i int64
	u uint64
}

// FloatNumeric wraps a float
func FloatNumeric(f float64) Numeric { return Numeric{form: numFloat, f: f} }

// IntNumeric wraps a signed integer
func IntNumeric(i int64) Numeric { return Numeric{form: numInt, i: i} }

// UintNumeric wraps an unsigned integer
func UintNumeric(u uint64) Numeric { return Numeric{form: numUint, u: u} }

// ParseNumeric reads a decimal integer or float, integers are preferred
func ParseNumeric(s string) (Numeric, bool) {
	s = strings.TrimSpace(s)
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return IntNumeric(i), true
	}
	if u, err := strconv.ParseUint(s, 10, 64); err == nil {
		return UintNumeric(u), true
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return FloatNumeric(f), true
	}
	return Numeric{}, false
}

// IsInteger is true for numbers built from integer types or integer literals
func (n Numeric) IsInteger() bool { return n.form != numFloat }

// Float64 converts to float, possibly rounding large integers
func (n Numeric) Float64() float64 {
	switch n.form {
	case numInt:
		return float64(n.i)
	case numUint:
		return float64(n.u)
	default:
		return n.f
	}
}

// Interface returns int64, uint64 or float64
func (n Numeric) Interface() interface{} {
	switch n.form {
	case numInt:
		return n.i
	case numUint:
		return n.u
	default:
		return n.f
	}
}

func (n Numeric) String() string {
	switch n.form {
	case numInt:
		return strconv.FormatInt(n.i, 10)
	case numUint:
		return strconv.FormatUint(n.u, 10)
	default:
		return formatNumber(n.f)
	}
}

// integral returns n in integer form if it has no fractional part
func (n Numeric) integral() (Numeric, bool) {
	if n.form != numFloat {
		return n, true
	}
	if math.IsInf(n.f, 0) || n.f != math.Trunc(n.f) {
		return n, false
	}
	switch {
	case n.f >= math.MinInt64 && n.f < -math.MinInt64:
		return IntNumeric(int64(n.f)), true
	case n.f >= 0 && n.f < 1<<64:
		return UintNumeric(uint64(n.f)), true
	}
	return n, false
}

// Compare returns -1, 0 or 1 like cmp.Compare
// ok is false when either side is NaN
func (n Numeric) Compare(other Numeric) (c int, ok bool) {
	a, aInt := n.integral()
	b, bInt := other.integral()
	if aInt && bInt {
		return compareIntegers(a, b), true
	}
	x, y := n.Float64(), other.Float64()
	if math.IsNaN(x) || math.IsNaN(y) {
		return 0, false
	}
	return cmp.Compare(x, y), true
}

func compareIntegers(a, b Numeric) int {
	switch {
	case a.form == numInt && b.form == numInt:
		return cmp.Compare(a.i, b.i)
	case a.form == numUint && b.form == numUint:
		return cmp.Compare(a.u, b.u)
	case a.form == numInt:
		if a.i < 0 {
			return -1
		}
		return cmp.Compare(uint64(a.i), b.u)
	default:
		if b.i < 0 {
			return 1
		}
		return cmp.Compare(a.u, uint64(b.i))
	}
}

func formatNumber(n float64) string {
	if n == math.Trunc(n) && math.Abs(n) < 1e15 {
		return strconv.FormatInt(int64(n), 10)
	}
	return strconv.FormatFloat(n, 'f', -1, 64)
}
