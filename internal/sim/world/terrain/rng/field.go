package rng

import (
	opensimplex "github.com/ojrac/opensimplex-go"
)

// Field is a fractal simplex field. Octave i samples at freq·2^i with
// amplitude persistence^i; the sum is normalised back to [-1, 1].
type Field struct {
	noise       opensimplex.Noise
	octaves     int
	persistence float64
}

func NewField(seed uint64, octaves int, persistence float64) *Field {
	if octaves <= 0 {
		octaves = 1
	}
	if persistence <= 0 {
		persistence = 0.5
	}
	return &Field{
		noise:       opensimplex.New(int64(seed)),
		octaves:     octaves,
		persistence: persistence,
	}
}

func (f *Field) Eval(x, y, freq float64) float64 {
	total := 0.0
	amplitude := 1.0
	maxVal := 0.0
	for i := 0; i < f.octaves; i++ {
		total += f.noise.Eval2(x*freq, y*freq) * amplitude
		maxVal += amplitude
		amplitude *= f.persistence
		freq *= 2
	}
	v := total / maxVal
	if v > 1 {
		return 1
	}
	if v < -1 {
		return -1
	}
	return v
}
