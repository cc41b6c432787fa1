package fow

import "math"

// Stamp is a precomputed (2r+1)×(2r+1) visibility kernel centred on (r, r).
type Stamp struct {
	R      int
	Values []uint8
}

// NewStamp builds the kernel for radius r: 255 out to r − r/2, 0 at r and
// beyond, linear in between.
func NewStamp(r int) *Stamp {
	if r < 0 {
		r = 0
	}
	side := 2*r + 1
	s := &Stamp{R: r, Values: make([]uint8, side*side)}
	inner := float64(r) - float64(r)/2
	outer := float64(r)
	for dy := -r; dy <= r; dy++ {
		for dx := -r; dx <= r; dx++ {
			d := math.Hypot(float64(dx), float64(dy))
			var v uint8
			switch {
			case d <= inner:
				v = 255
			case d >= outer:
				v = 0
			default:
				v = uint8(math.Round(255 * (outer - d) / (outer - inner)))
			}
			s.Values[(dx+r)+(dy+r)*side] = v
		}
	}
	return s
}

// At returns the kernel value at an offset from the centre.
func (s *Stamp) At(dx, dy int) uint8 {
	if dx < -s.R || dx > s.R || dy < -s.R || dy > s.R {
		return 0
	}
	side := 2*s.R + 1
	return s.Values[(dx+s.R)+(dy+s.R)*side]
}
