// Package fow maintains the monotone fog-of-war mask stamped by revealers.
package fow

import (
	"sort"

	"github.com/go-gl/mathgl/mgl32"

	"tileworld.ai/internal/sim/world/logic/mathx"
	"tileworld.ai/internal/sim/world/terrain/store"
)

type Revealer struct {
	ID     string
	Pos    mgl32.Vec2
	Radius int
}

// Tile is the global tile the revealer stands on.
func (r Revealer) Tile() (int, int) {
	return store.TileAt(float64(r.Pos.X()), float64(r.Pos.Y()))
}

// Grids gives the mask access to resident chunk records. Chunks that are not
// resident are skipped; they get stamped on commit through StampChunk.
type Grids interface {
	Chunk(c store.Coord) (*store.Chunk, bool)
}

type placement struct {
	gx, gy int
	radius int
}

// Mask remembers where each revealer last stamped. Not safe for concurrent use.
type Mask struct {
	last   map[string]placement
	stamps map[int]*Stamp
}

func NewMask() *Mask {
	return &Mask{
		last:   map[string]placement{},
		stamps: map[int]*Stamp{},
	}
}

func (m *Mask) stamp(r int) *Stamp {
	s, ok := m.stamps[r]
	if !ok {
		s = NewStamp(r)
		m.stamps[r] = s
	}
	return s
}

// Update stamps every revealer whose tile or radius changed since its last
// stamp and returns the chunks whose visibility rose, sorted.
func (m *Mask) Update(revealers []Revealer, grids Grids) []store.Coord {
	changed := map[store.Coord]struct{}{}
	for _, r := range revealers {
		gx, gy := r.Tile()
		p := placement{gx: gx, gy: gy, radius: r.Radius}
		if prev, ok := m.last[r.ID]; ok && prev == p {
			continue
		}
		m.last[r.ID] = p
		m.apply(p, grids, nil, changed)
	}
	return sortedCoords(changed)
}

// StampChunk replays every known revealer into one chunk, typically right
// after it became resident. It reports whether any tile rose.
func (m *Mask) StampChunk(c store.Coord, grids Grids) bool {
	changed := map[store.Coord]struct{}{}
	ids := make([]string, 0, len(m.last))
	for id := range m.last {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		m.apply(m.last[id], grids, &c, changed)
	}
	_, ok := changed[c]
	return ok
}

// Forget drops a revealer. Tiles it already revealed stay revealed.
func (m *Mask) Forget(id string) {
	delete(m.last, id)
}

func (m *Mask) Known() int { return len(m.last) }

func (m *Mask) apply(p placement, grids Grids, only *store.Coord, changed map[store.Coord]struct{}) {
	s := m.stamp(p.radius)
	r := s.R
	minC, _, _ := store.ChunkOf(p.gx-r, p.gy-r)
	maxC, _, _ := store.ChunkOf(p.gx+r, p.gy+r)
	for cy := minC.Y; cy <= maxC.Y; cy++ {
		for cx := minC.X; cx <= maxC.X; cx++ {
			c := store.Coord{X: cx, Y: cy}
			if only != nil && *only != c {
				continue
			}
			ch, ok := grids.Chunk(c)
			if !ok {
				continue
			}
			if stampInto(ch, s, p.gx, p.gy) {
				changed[c] = struct{}{}
			}
		}
	}
}

func stampInto(ch *store.Chunk, s *Stamp, gx, gy int) bool {
	baseX := ch.Coord.X * store.ChunkSize
	baseY := ch.Coord.Y * store.ChunkSize
	x0 := mathx.MaxInt(gx-s.R, baseX) - baseX
	x1 := mathx.MinInt(gx+s.R, baseX+store.ChunkSize-1) - baseX
	y0 := mathx.MaxInt(gy-s.R, baseY) - baseY
	y1 := mathx.MinInt(gy+s.R, baseY+store.ChunkSize-1) - baseY

	rose := false
	for ly := y0; ly <= y1; ly++ {
		for lx := x0; lx <= x1; lx++ {
			v := s.At(baseX+lx-gx, baseY+ly-gy)
			if v == 0 {
				continue
			}
			if ch.Reveal(lx, ly, v) {
				rose = true
			}
		}
	}
	return rose
}

func sortedCoords(set map[store.Coord]struct{}) []store.Coord {
	out := make([]store.Coord, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Y != out[j].Y {
			return out[i].Y < out[j].Y
		}
		return out[i].X < out[j].X
	})
	return out
}
