// Package macro generates the bounded coarse cave map that every chunk samples.
//
// The pipeline is: solid fill, spawn room, biased random walks out to a ring,
// two octaves of value-noise carving, cellular-automaton smoothing, then a
// connectivity pass. The outer ring is wall after every stage and the open
// cells of the final map form one 4-connected region containing the centroid.
package macro

import (
	"math"

	"tileworld.ai/internal/sim/world/logic/mathx"
	"tileworld.ai/internal/sim/world/terrain/rng"
)

type Params struct {
	W, H int

	SpawnHalf   int
	Walks       int
	WalkBias    float64
	WalkJitter  float64
	SmoothIters int
	MaxAttempts int

	NoiseFreq1, NoiseThreshold1 float64
	NoiseFreq2, NoiseThreshold2 float64
}

func DefaultParams() Params {
	return Params{
		W:               64,
		H:               64,
		SpawnHalf:       8,
		Walks:           8,
		WalkBias:        0.05,
		WalkJitter:      0.35,
		SmoothIters:     4,
		MaxAttempts:     4,
		NoiseFreq1:      0.09,
		NoiseThreshold1: 0.55,
		NoiseFreq2:      0.23,
		NoiseThreshold2: 0.45,
	}
}

func (p *Params) normalize() {
	d := DefaultParams()
	if p.W < 8 {
		p.W = d.W
	}
	if p.H < 8 {
		p.H = d.H
	}
	if p.SpawnHalf <= 0 {
		p.SpawnHalf = d.SpawnHalf
	}
	// Keep the spawn room inside the border ring.
	maxHalf := mathx.MinInt(p.W, p.H)/2 - 2
	if p.SpawnHalf > maxHalf {
		p.SpawnHalf = maxHalf
	}
	if p.Walks <= 0 {
		p.Walks = d.Walks
	}
	if p.WalkBias <= 0 {
		p.WalkBias = d.WalkBias
	}
	if p.WalkJitter <= 0 {
		p.WalkJitter = d.WalkJitter
	}
	if p.SmoothIters < 0 {
		p.SmoothIters = 0
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.NoiseFreq1 <= 0 {
		p.NoiseFreq1, p.NoiseThreshold1 = d.NoiseFreq1, d.NoiseThreshold1
	}
	if p.NoiseFreq2 <= 0 {
		p.NoiseFreq2, p.NoiseThreshold2 = d.NoiseFreq2, d.NoiseThreshold2
	}
}

// Map is an immutable W×H grid; true means wall.
type Map struct {
	W, H  int
	Seed  uint64
	Depth int

	cells []bool
}

func (m *Map) idx(x, y int) int { return x + y*m.W }

func (m *Map) InBounds(x, y int) bool {
	return x >= 0 && y >= 0 && x < m.W && y < m.H
}

// At reports whether a cell is wall. Cells outside the grid are wall.
func (m *Map) At(x, y int) bool {
	if !m.InBounds(x, y) {
		return true
	}
	return m.cells[m.idx(x, y)]
}

func (m *Map) Open(x, y int) bool { return !m.At(x, y) }

func (m *Map) Centroid() (int, int) { return m.W / 2, m.H / 2 }

func (m *Map) OpenCount() int {
	n := 0
	for _, c := range m.cells {
		if !c {
			n++
		}
	}
	return n
}

// Bytes returns the row-major grid as 0 (open) / 1 (wall) bytes.
func (m *Map) Bytes() []byte {
	out := make([]byte, len(m.cells))
	for i, c := range m.cells {
		if c {
			out[i] = 1
		}
	}
	return out
}

// SpawnCell returns the open cell nearest to the centroid, searching rings outward.
func (m *Map) SpawnCell() (int, int, bool) {
	cx, cy := m.Centroid()
	maxR := mathx.MaxInt(m.W, m.H)
	for r := 0; r <= maxR; r++ {
		bestD := -1
		bx, by := 0, 0
		for dy := -r; dy <= r; dy++ {
			for dx := -r; dx <= r; dx++ {
				if mathx.MaxInt(mathx.AbsInt(dx), mathx.AbsInt(dy)) != r {
					continue
				}
				x, y := cx+dx, cy+dy
				if !m.Open(x, y) {
					continue
				}
				d := dx*dx + dy*dy
				if bestD < 0 || d < bestD {
					bestD, bx, by = d, x, y
				}
			}
		}
		if bestD >= 0 {
			return bx, by, true
		}
	}
	return 0, 0, false
}

// Generate builds the macro map for a seed. depth is mixed into the seed so
// each level of a dungeon gets its own layout.
func Generate(seed uint64, depth int, p Params) *Map {
	p.normalize()

	var best *grid
	bestUnreached := -1
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		s := rng.Derive(seed, uint64(depth)<<8|uint64(attempt))
		g := build(s, p)
		unreached := g.unreachedCount()
		if best == nil || unreached < bestUnreached {
			best, bestUnreached = g, unreached
		}
		if unreached == 0 {
			break
		}
	}
	best.fillUnreached()

	return &Map{
		W:     p.W,
		H:     p.H,
		Seed:  seed,
		Depth: depth,
		cells: best.cells,
	}
}

type grid struct {
	w, h  int
	cells []bool
}

func newGrid(w, h int) *grid {
	g := &grid{w: w, h: h, cells: make([]bool, w*h)}
	for i := range g.cells {
		g.cells[i] = true
	}
	return g
}

func (g *grid) border(x, y int) bool {
	return x <= 0 || y <= 0 || x >= g.w-1 || y >= g.h-1
}

func (g *grid) get(x, y int) bool {
	if x < 0 || y < 0 || x >= g.w || y >= g.h {
		return true
	}
	return g.cells[x+y*g.w]
}

// carve opens a cell unless it belongs to the border ring.
func (g *grid) carve(x, y int) {
	if g.border(x, y) {
		return
	}
	g.cells[x+y*g.w] = false
}

func (g *grid) reassertBorder() {
	for x := 0; x < g.w; x++ {
		g.cells[x] = true
		g.cells[x+(g.h-1)*g.w] = true
	}
	for y := 0; y < g.h; y++ {
		g.cells[y*g.w] = true
		g.cells[g.w-1+y*g.w] = true
	}
}

func (g *grid) disk(cx, cy, r int) {
	for dy := -r; dy <= r; dy++ {
		for dx := -r; dx <= r; dx++ {
			if dx*dx+dy*dy <= r*r {
				g.carve(cx+dx, cy+dy)
			}
		}
	}
}

func build(seed uint64, p Params) *grid {
	g := newGrid(p.W, p.H)
	g.reassertBorder()

	carveSpawn(g, p.SpawnHalf)
	g.reassertBorder()

	walk(g, rng.New(rng.Derive(seed, 1)), p)
	g.reassertBorder()

	noiseCarve(g, rng.Derive(seed, 2), p.NoiseFreq1, p.NoiseThreshold1)
	noiseCarve(g, rng.Derive(seed, 3), p.NoiseFreq2, p.NoiseThreshold2)
	g.reassertBorder()

	for i := 0; i < p.SmoothIters; i++ {
		smooth(g)
		g.reassertBorder()
	}

	carveSpawn(g, p.SpawnHalf)
	g.reassertBorder()
	return g
}

func carveSpawn(g *grid, half int) {
	cx, cy := g.w/2, g.h/2
	for y := cy - half; y <= cy+half; y++ {
		for x := cx - half; x <= cx+half; x++ {
			g.carve(x, y)
		}
	}
}

// walk runs p.Walks biased random walks from the centroid to evenly spaced
// targets on a ring. Adjacent targets are 2π/N apart.
func walk(g *grid, r *rng.Rng, p Params) {
	cx, cy := float64(g.w/2), float64(g.h/2)
	radius := float64(mathx.MinInt(g.w, g.h)) / 2
	base := r.Range(0, 2*math.Pi)
	step := 2 * math.Pi / float64(p.Walks)

	for i := 0; i < p.Walks; i++ {
		angle := base + step*float64(i)
		tx := cx + math.Cos(angle)*radius
		ty := cy + math.Sin(angle)*radius
		dist := math.Hypot(tx-cx, ty-cy)
		steps := int(dist * 1.5)

		x, y := cx, cy
		heading := math.Atan2(ty-y, tx-x)
		for s := 0; s < steps; s++ {
			if r.Chance(p.WalkBias) {
				heading = math.Atan2(ty-y, tx-x)
			} else {
				heading += r.Range(-p.WalkJitter, p.WalkJitter)
			}
			x += math.Cos(heading)
			y += math.Sin(heading)
			x = mathx.ClampFloat(x, 1, float64(g.w-2))
			y = mathx.ClampFloat(y, 1, float64(g.h-2))
			g.disk(int(math.Round(x)), int(math.Round(y)), 1+r.Intn(2))
		}
	}
}

func noiseCarve(g *grid, seed uint64, freq, threshold float64) {
	for y := 1; y < g.h-1; y++ {
		for x := 1; x < g.w-1; x++ {
			if rng.ValueNoise2D(seed, float64(x), float64(y), freq) > threshold {
				g.carve(x, y)
			}
		}
	}
}

// smooth applies one majority pass: an interior cell is open iff at least 5 of
// its 9 Moore cells (itself included) are open.
func smooth(g *grid) {
	next := make([]bool, len(g.cells))
	copy(next, g.cells)
	for y := 1; y < g.h-1; y++ {
		for x := 1; x < g.w-1; x++ {
			open := 0
			for dy := -1; dy <= 1; dy++ {
				for dx := -1; dx <= 1; dx++ {
					if !g.get(x+dx, y+dy) {
						open++
					}
				}
			}
			next[x+y*g.w] = open < 5
		}
	}
	g.cells = next
}

// reach flood-fills open cells 4-connected to the centroid.
func (g *grid) reach() []bool {
	seen := make([]bool, len(g.cells))
	cx, cy := g.w/2, g.h/2
	if g.get(cx, cy) {
		return seen
	}
	stack := [][2]int{{cx, cy}}
	seen[cx+cy*g.w] = true
	for len(stack) > 0 {
		c := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, d := range [4][2]int{{1, 0}, {-1, 0}, {0, 1}, {0, -1}} {
			nx, ny := c[0]+d[0], c[1]+d[1]
			if g.get(nx, ny) {
				continue
			}
			i := nx + ny*g.w
			if seen[i] {
				continue
			}
			seen[i] = true
			stack = append(stack, [2]int{nx, ny})
		}
	}
	return seen
}

func (g *grid) unreachedCount() int {
	seen := g.reach()
	n := 0
	for i, c := range g.cells {
		if !c && !seen[i] {
			n++
		}
	}
	return n
}

func (g *grid) fillUnreached() {
	seen := g.reach()
	for i, c := range g.cells {
		if !c && !seen[i] {
			g.cells[i] = true
		}
	}
}
