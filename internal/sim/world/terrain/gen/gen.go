// Package gen synthesises per-chunk tile grids by sampling the macro map.
package gen

import (
	"math"

	"tileworld.ai/internal/sim/world/terrain/macro"
	"tileworld.ai/internal/sim/world/terrain/rng"
	"tileworld.ai/internal/sim/world/terrain/store"
)

// MacroPxPerChunk is how many macro cells one chunk spans along each axis.
const MacroPxPerChunk = 4

const (
	wallDensity  = 0.8
	floorDensity = 0.2

	// Boundary noise only applies inside this density band.
	bandLo = 0.45
	bandHi = 0.55

	edgeEpsilon = 1e-6
)

type Params struct {
	Threshold float64
	NoiseFreq float64
	NoiseAmp  float64
}

func DefaultParams() Params {
	return Params{
		Threshold: 0.5,
		NoiseFreq: 0.01,
		NoiseAmp:  0.02,
	}
}

// Generator is safe for concurrent use: the macro map and the noise field are
// read-only after construction.
type Generator struct {
	m     *macro.Map
	p     Params
	field *rng.Field
}

func New(m *macro.Map, seed uint64, p Params) *Generator {
	d := DefaultParams()
	if p.Threshold <= 0 {
		p.Threshold = d.Threshold
	}
	if p.NoiseFreq <= 0 {
		p.NoiseFreq = d.NoiseFreq
	}
	if p.NoiseAmp < 0 {
		p.NoiseAmp = d.NoiseAmp
	}
	return &Generator{
		m:     m,
		p:     p,
		field: rng.NewField(rng.Derive(seed, 0xb0a4d), 2, 0.5),
	}
}

func (g *Generator) Macro() *macro.Map { return g.m }

// MacroPos maps a global tile to continuous macro space. The world origin lands
// on the macro centroid.
func (g *Generator) MacroPos(gx, gy int) (float64, float64) {
	scale := float64(MacroPxPerChunk) / float64(store.ChunkSize)
	mx := float64(gx)*scale + float64(g.m.W)/2
	my := float64(gy)*scale + float64(g.m.H)/2
	return mx, my
}

// Density returns the bilinear wall density at a global tile, in [0.2, 0.8].
func (g *Generator) Density(gx, gy int) float64 {
	mx, my := g.MacroPos(gx, gy)
	mx = clamp(mx, 0, float64(g.m.W)-edgeEpsilon)
	my = clamp(my, 0, float64(g.m.H)-edgeEpsilon)

	x0 := int(math.Floor(mx))
	y0 := int(math.Floor(my))
	x1 := x0 + 1
	if x1 > g.m.W-1 {
		x1 = g.m.W - 1
	}
	y1 := y0 + 1
	if y1 > g.m.H-1 {
		y1 = g.m.H - 1
	}
	tx := mx - float64(x0)
	ty := my - float64(y0)

	top := lerp(g.cell(x0, y0), g.cell(x1, y0), tx)
	bottom := lerp(g.cell(x0, y1), g.cell(x1, y1), tx)
	return lerp(top, bottom, ty)
}

// TileAt decides a single global tile.
func (g *Generator) TileAt(gx, gy int) store.Tile {
	d := g.Density(gx, gy)
	threshold := g.p.Threshold
	if d > bandLo && d < bandHi {
		threshold += g.field.Eval(float64(gx), float64(gy), g.p.NoiseFreq) * g.p.NoiseAmp
	}
	if d > threshold {
		return store.Wall
	}
	return store.Floor
}

// GenerateChunk builds the tile grid for a chunk. The result depends only on
// the macro map, the seed, the params and the coordinate.
func (g *Generator) GenerateChunk(c store.Coord) *store.Tiles {
	var t store.Tiles
	baseX := c.X * store.ChunkSize
	baseY := c.Y * store.ChunkSize
	for ly := 0; ly < store.ChunkSize; ly++ {
		for lx := 0; lx < store.ChunkSize; lx++ {
			t.Set(lx, ly, g.TileAt(baseX+lx, baseY+ly))
		}
	}
	return &t
}

func (g *Generator) cell(x, y int) float64 {
	if g.m.At(x, y) {
		return wallDensity
	}
	return floorDensity
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func lerp(a, b, t float64) float64 {
	return a + (b-a)*t
}
