package state

import (
	"fmt"
	"math"
)

// #region constructors
// FromFloats builds a Token from real-valued coordinates.
// The input must have exactly Dims finite values within the Q16.16 range.
func FromFloats(vals []float64, flags Flags) (Token, error) {
	if len(vals) != Dims {
		return Token{}, fmt.Errorf("%w: got %d values, want %d", ErrDimension, len(vals), Dims)
	}
	var tok Token
	for i, v := range vals {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return Token{}, fmt.Errorf("%w: index %d", ErrNotFinite, i)
		}
		if math.Abs(v) > MaxMagnitude {
			return Token{}, fmt.Errorf("%w: index %d value %g", ErrOutOfRange, i, v)
		}
		tok.Coords[i] = ToFixed(v)
	}
	tok.Flags = flags
	return tok, nil
}

// MustFromFloats is FromFloats for literals in tests and fixtures. It panics on error.
func MustFromFloats(flags Flags, vals ...float64) Token {
	tok, err := FromFloats(vals, flags)
	if err != nil {
		panic(err)
	}
	return tok
}

// WithFlags returns a copy of t carrying flags.
func (t Token) WithFlags(flags Flags) Token {
	t.Flags = flags
	return t
}

// #endregion constructors

// #region accessors
// Float returns coordinate i as a real value.
func (t Token) Float(i int) float64 {
	return t.Coords[i].Float()
}

// Floats returns all coordinates as real values.
func (t Token) Floats() [Dims]float64 {
	var out [Dims]float64
	for i, c := range t.Coords {
		out[i] = c.Float()
	}
	return out
}

// #endregion accessors

// #region similarity
// Distance is the Euclidean distance between a and b in real units.
func Distance(a, b Token) float64 {
	var sum float64
	for i := range a.Coords {
		d := a.Coords[i].Float() - b.Coords[i].Float()
		sum += d * d
	}
	return math.Sqrt(sum)
}

// Similarity maps distance into (0, 1]; identical states score 1.
func Similarity(a, b Token) float64 {
	return 1 / (1 + Distance(a, b))
}

// Centroid returns the coordinate-wise mean of toks with the flags of the first.
// An empty slice yields the zero Token.
func Centroid(toks []Token) Token {
	if len(toks) == 0 {
		return Token{}
	}
	var sums [Dims]float64
	for _, t := range toks {
		for i, c := range t.Coords {
			sums[i] += c.Float()
		}
	}
	out := Token{Flags: toks[0].Flags}
	n := float64(len(toks))
	for i := range sums {
		out.Coords[i] = ToFixed(sums[i] / n)
	}
	return out
}

// #endregion similarity
