// Package collision turns a chunk's wall tiles into rectangles and a static
// trimesh collider.
package collision

import "tileworld.ai/internal/sim/world/terrain/store"

// Rect is an axis-aligned block of wall tiles in local tile coordinates.
type Rect struct {
	X, Y int
	W, H int
}

func (r Rect) Area() int { return r.W * r.H }

func (r Rect) Contains(x, y int) bool {
	return x >= r.X && y >= r.Y && x < r.X+r.W && y < r.Y+r.H
}

// Decompose covers the wall set with non-overlapping rectangles, taking the
// largest remaining rectangle each round. Ties go to the smallest (x, y).
func Decompose(t *store.Tiles) []Rect {
	const n = store.ChunkSize

	var open [store.ChunkTiles]bool
	remaining := 0
	for i, v := range t {
		if v == store.Wall {
			open[i] = true
			remaining++
		}
	}

	// down[i] = number of consecutive unprocessed wall tiles from i downward.
	var down [store.ChunkTiles]int
	recompute := func(x int) {
		run := 0
		for y := n - 1; y >= 0; y-- {
			i := x + y*n
			if open[i] {
				run++
			} else {
				run = 0
			}
			down[i] = run
		}
	}
	for x := 0; x < n; x++ {
		recompute(x)
	}

	var out []Rect
	for remaining > 0 {
		best := Rect{}
		bestArea := 0
		for x := 0; x < n; x++ {
			for y := 0; y < n; y++ {
				if !open[x+y*n] {
					continue
				}
				// Upper bound: nothing from this start can beat best.
				if down[x+y*n]*(n-x) <= bestArea {
					continue
				}
				h := n
				for w := 1; x+w <= n; w++ {
					d := down[x+w-1+y*n]
					if d == 0 {
						break
					}
					if d < h {
						h = d
					}
					if a := w * h; a > bestArea {
						bestArea = a
						best = Rect{X: x, Y: y, W: w, H: h}
					}
				}
			}
		}

		for yy := best.Y; yy < best.Y+best.H; yy++ {
			for xx := best.X; xx < best.X+best.W; xx++ {
				open[xx+yy*n] = false
			}
		}
		for xx := best.X; xx < best.X+best.W; xx++ {
			recompute(xx)
		}
		remaining -= bestArea
		out = append(out, best)
	}
	return out
}
