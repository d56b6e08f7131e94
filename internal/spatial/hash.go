// Package spatial quantizes primitive states into grid cells and indexes them.
package spatial

import (
	"math/bits"

	"github.com/danielpatrickdp/reflexcore/internal/state"
)

// #region shifts
// Shifts holds the per-dimension quantization shift applied to Q16.16 coordinates.
// A shift of s puts 2^s raw units in one cell, so 14 gives cells 0.25 wide.
// Larger shifts mean coarser cells: more reflex hits, less action precision.
type Shifts [state.Dims]uint8

// MaxShift is the largest meaningful shift for an int32 coordinate.
const MaxShift = 31

// DefaultShift is the uniform default quantization shift.
const DefaultShift = 14

// UniformShifts returns Shifts with s on every dimension.
func UniformShifts(s uint8) Shifts {
	var out Shifts
	for i := range out {
		out[i] = s
	}
	return out
}

// DefaultShifts returns the uniform default.
func DefaultShifts() Shifts {
	return UniformShifts(DefaultShift)
}

// Valid reports whether every shift is within range.
func (s Shifts) Valid() bool {
	for _, v := range s {
		if v > MaxShift {
			return false
		}
	}
	return true
}

// #endregion shifts

// #region hash
const (
	hashSeed = 0x243F6A8885A308D3
	golden   = 0x9E3779B97F4A7C15
)

// rotations are the position-dependent rotate amounts; distinct and odd-spaced
// so that swapping two coordinates changes the hash.
var rotations = [state.Dims]int{5, 13, 23, 31, 41, 47, 53, 61}

// Quantize returns the cell coordinates of t (floor division by 2^shift).
func Quantize(t state.Token, shifts Shifts) [state.Dims]int32 {
	var q [state.Dims]int32
	for i, c := range t.Coords {
		q[i] = int32(c) >> shifts[i]
	}
	return q
}

// Hash maps t to a 64-bit cell hash. States in the same cell on every
// dimension hash identically. Pure and allocation-free.
func Hash(t state.Token, shifts Shifts) uint64 {
	h := uint64(hashSeed)
	for i, c := range t.Coords {
		q := uint64(uint32(int32(c) >> shifts[i]))
		v := (q ^ uint64(i)<<32) * golden
		h ^= bits.RotateLeft64(v, rotations[i])
	}
	return finalize(h)
}

// finalize is the splitmix64 avalanche step.
func finalize(h uint64) uint64 {
	h ^= h >> 30
	h *= 0xBF58476D1CE4E5B9
	h ^= h >> 27
	h *= 0x94D049BB133111EB
	h ^= h >> 31
	return h
}

// #endregion hash
