package state

import (
	"errors"
	"math"
)

// #region fixed-point
// Dims is the number of coordinates in a primitive state.
const Dims = 8

// FracBits is the number of fractional bits in a Fixed coordinate (Q16.16).
const FracBits = 16

// Fixed is a signed Q16.16 fixed-point coordinate.
type Fixed int32

// FixedOne is the fixed-point representation of 1.0.
const FixedOne Fixed = 1 << FracBits

// MaxMagnitude is the largest absolute real value a Fixed can hold.
const MaxMagnitude = float64(math.MaxInt32) / float64(FixedOne)

// ToFixed converts a real value to Q16.16, rounding to nearest.
// Callers are expected to range-check first; out-of-range values saturate.
func ToFixed(v float64) Fixed {
	scaled := math.Round(v * float64(FixedOne))
	if scaled > math.MaxInt32 {
		return math.MaxInt32
	}
	if scaled < math.MinInt32 {
		return math.MinInt32
	}
	return Fixed(scaled)
}

// Float returns the real value of a Fixed coordinate.
func (f Fixed) Float() float64 {
	return float64(f) / float64(FixedOne)
}

// #endregion fixed-point

// #region flags
// Flags is the auxiliary bit-flag word carried by every Token.
type Flags uint32

const (
	// FlagUnsafe marks a state inside a hazard region; only safe actions may run.
	FlagUnsafe Flags = 1 << iota
	// FlagSynthetic marks states generated by replay or tests.
	FlagSynthetic
	// FlagGoal marks a state submitted together with a goal tag.
	FlagGoal
)

// Has reports whether all bits in mask are set.
func (f Flags) Has(mask Flags) bool {
	return f&mask == mask
}

// #endregion flags

// #region token
// Token is the primitive state: eight fixed-point coordinates plus flags.
// It is an immutable value type and is always passed by copy.
type Token struct {
	Coords [Dims]Fixed
	Flags  Flags
}

// #endregion token

// #region errors
var (
	// ErrDimension is returned when an input vector does not have Dims values.
	ErrDimension = errors.New("state: wrong dimensionality")
	// ErrNotFinite is returned when an input value is NaN or infinite.
	ErrNotFinite = errors.New("state: non-finite coordinate")
	// ErrOutOfRange is returned when an input value exceeds the fixed-point range.
	ErrOutOfRange = errors.New("state: coordinate out of fixed-point range")
	// ErrShortRecord is returned when decoding a buffer smaller than RecordSize.
	ErrShortRecord = errors.New("state: short record")
	// ErrRecordVersion is returned when decoding an unknown record version.
	ErrRecordVersion = errors.New("state: unknown record version")
)

// #endregion errors
