package collision

import (
	"github.com/go-gl/mathgl/mgl32"

	"tileworld.ai/internal/sim/world/terrain/store"
)

// LocalOffset shifts tile-grid corners so the grid is centred on the chunk's
// parent transform. Tile centres sit on integer multiples of TileSize.
const LocalOffset = -float32(store.ChunkSize*store.TileSize)/2 - float32(store.TileSize)/2

// Trimesh is a static collider for one chunk. Vertices are relative to
// Translation; every triangle winds counter-clockwise.
type Trimesh struct {
	Coord       store.Coord
	Translation mgl32.Vec2
	Vertices    []mgl32.Vec2
	Indices     [][3]uint32
	Rects       int
}

// ParentTranslation is the world position of a chunk's collider transform.
func ParentTranslation(c store.Coord) mgl32.Vec2 {
	ox, oy := c.Origin()
	half := float32(store.ChunkSize*store.TileSize) / 2
	return mgl32.Vec2{float32(ox) + half, float32(oy) + half}
}

// Build emits two triangles per rectangle. It returns nil when there is
// nothing to collide with.
func Build(c store.Coord, rects []Rect) *Trimesh {
	if len(rects) == 0 {
		return nil
	}
	m := &Trimesh{
		Coord:       c,
		Translation: ParentTranslation(c),
		Vertices:    make([]mgl32.Vec2, 0, 4*len(rects)),
		Indices:     make([][3]uint32, 0, 2*len(rects)),
		Rects:       len(rects),
	}
	const ts = float32(store.TileSize)
	for _, r := range rects {
		x0 := float32(r.X)*ts + LocalOffset
		y0 := float32(r.Y)*ts + LocalOffset
		x1 := float32(r.X+r.W)*ts + LocalOffset
		y1 := float32(r.Y+r.H)*ts + LocalOffset

		base := uint32(len(m.Vertices))
		m.Vertices = append(m.Vertices,
			mgl32.Vec2{x0, y0},
			mgl32.Vec2{x1, y0},
			mgl32.Vec2{x1, y1},
			mgl32.Vec2{x0, y1},
		)
		m.Indices = append(m.Indices,
			[3]uint32{base, base + 1, base + 2},
			[3]uint32{base, base + 2, base + 3},
		)
	}
	return m
}

// FromTiles is Decompose followed by Build.
func FromTiles(c store.Coord, t *store.Tiles) *Trimesh {
	return Build(c, Decompose(t))
}

func (m *Trimesh) WorldVertices() []mgl32.Vec2 {
	if m == nil {
		return nil
	}
	out := make([]mgl32.Vec2, len(m.Vertices))
	for i, v := range m.Vertices {
		out[i] = v.Add(m.Translation)
	}
	return out
}

// SignedArea is twice the signed area of triangle i; positive means CCW.
func (m *Trimesh) SignedArea(i int) float32 {
	tri := m.Indices[i]
	a, b, c := m.Vertices[tri[0]], m.Vertices[tri[1]], m.Vertices[tri[2]]
	return b.Sub(a).Vec3(0).Cross(c.Sub(a).Vec3(0)).Z()
}
