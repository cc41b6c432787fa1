// Package rng holds the seeded randomness used by world generation: a
// splitmix64 stream, hash-based value noise and an octave simplex field.
// Nothing here reads the clock or global rand state.
package rng

import (
	"math"

	"tileworld.ai/internal/sim/world/logic/mathx"
)

// Rng is a reproducible splitmix64 stream. Not safe for concurrent use.
type Rng struct {
	state uint64
}

func New(seed uint64) *Rng {
	return &Rng{state: seed}
}

func (r *Rng) Uint64() uint64 {
	r.state += 0x9e3779b97f4a7c15
	return mathx.Mix64(r.state)
}

// Float64 returns a value in [0, 1).
func (r *Rng) Float64() float64 {
	return mathx.Unit(r.Uint64())
}

// Intn returns a value in [0, n). n <= 0 yields 0.
func (r *Rng) Intn(n int) int {
	if n <= 0 {
		return 0
	}
	return int(r.Uint64() % uint64(n))
}

// Range returns a value in [lo, hi).
func (r *Rng) Range(lo, hi float64) float64 {
	return lo + (hi-lo)*r.Float64()
}

func (r *Rng) Chance(p float64) bool {
	return r.Float64() < p
}

// Derive returns an independent seed for a named sub-stream.
func Derive(seed uint64, salt uint64) uint64 {
	return mathx.Mix64(seed ^ mathx.Mix64(salt))
}

// ValueNoise2D samples a smooth hash-lattice field at (x, y) scaled by freq.
// The result lies in [-1, 1] and depends only on its inputs.
func ValueNoise2D(seed uint64, x, y, freq float64) float64 {
	fx := x * freq
	fy := y * freq
	x0 := math.Floor(fx)
	y0 := math.Floor(fy)
	tx := smoothstep(fx - x0)
	ty := smoothstep(fy - y0)

	ix := int(x0)
	iy := int(y0)
	v00 := lattice(seed, ix, iy)
	v10 := lattice(seed, ix+1, iy)
	v01 := lattice(seed, ix, iy+1)
	v11 := lattice(seed, ix+1, iy+1)

	top := lerp(v00, v10, tx)
	bottom := lerp(v01, v11, tx)
	return lerp(top, bottom, ty)
}

func lattice(seed uint64, x, y int) float64 {
	return mathx.Unit(mathx.Hash2(seed, x, y))*2 - 1
}

func smoothstep(t float64) float64 {
	return t * t * (3 - 2*t)
}

func lerp(a, b, t float64) float64 {
	return a + (b-a)*t
}
