package collision

import (
	"testing"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/stretchr/testify/require"

	"tileworld.ai/internal/sim/world/terrain/gen"
	"tileworld.ai/internal/sim/world/terrain/macro"
	"tileworld.ai/internal/sim/world/terrain/store"
)

func requireExactCover(t *testing.T, tiles *store.Tiles, rects []Rect) {
	t.Helper()
	var hits [store.ChunkTiles]int
	for _, r := range rects {
		require.Positive(t, r.W)
		require.Positive(t, r.H)
		for y := r.Y; y < r.Y+r.H; y++ {
			for x := r.X; x < r.X+r.W; x++ {
				require.True(t, store.InChunk(x, y), "rect %+v leaves the chunk", r)
				hits[x+y*store.ChunkSize]++
			}
		}
	}
	for i, v := range tiles {
		if v == store.Wall {
			require.Equal(t, 1, hits[i], "wall tile %d covered %d times", i, hits[i])
		} else {
			require.Zero(t, hits[i], "floor tile %d covered", i)
		}
	}
}

func TestDecompose_TopRowSlab(t *testing.T) {
	var tiles store.Tiles
	for x := 0; x < store.ChunkSize; x++ {
		tiles.Set(x, 0, store.Wall)
	}
	rects := Decompose(&tiles)
	require.Equal(t, []Rect{{X: 0, Y: 0, W: store.ChunkSize, H: 1}}, rects)
}

func TestDecompose_Empty(t *testing.T) {
	var tiles store.Tiles
	require.Empty(t, Decompose(&tiles))
	require.Nil(t, Build(store.Coord{}, nil))
	require.Nil(t, FromTiles(store.Coord{X: 1}, &tiles))
}

func TestDecompose_Solid(t *testing.T) {
	var tiles store.Tiles
	for i := range tiles {
		tiles[i] = store.Wall
	}
	require.Equal(t, []Rect{{X: 0, Y: 0, W: store.ChunkSize, H: store.ChunkSize}}, Decompose(&tiles))
}

func TestDecompose_LargestFirst(t *testing.T) {
	var tiles store.Tiles
	// A 2x2 block and a 3x3 block; the 3x3 comes first despite its larger x.
	for y := 0; y < 2; y++ {
		for x := 0; x < 2; x++ {
			tiles.Set(x, y, store.Wall)
		}
	}
	for y := 10; y < 13; y++ {
		for x := 10; x < 13; x++ {
			tiles.Set(x, y, store.Wall)
		}
	}
	rects := Decompose(&tiles)
	require.Equal(t, []Rect{
		{X: 10, Y: 10, W: 3, H: 3},
		{X: 0, Y: 0, W: 2, H: 2},
	}, rects)
}

func TestDecompose_TieBreaksLexicographically(t *testing.T) {
	var tiles store.Tiles
	tiles.Set(5, 1, store.Wall)
	tiles.Set(2, 7, store.Wall)
	tiles.Set(2, 3, store.Wall)
	rects := Decompose(&tiles)
	require.Equal(t, []Rect{
		{X: 2, Y: 3, W: 1, H: 1},
		{X: 2, Y: 7, W: 1, H: 1},
		{X: 5, Y: 1, W: 1, H: 1},
	}, rects)
}

func TestDecompose_LShape(t *testing.T) {
	var tiles store.Tiles
	for y := 0; y < 6; y++ {
		tiles.Set(0, y, store.Wall)
	}
	for x := 0; x < 4; x++ {
		tiles.Set(x, 5, store.Wall)
	}
	rects := Decompose(&tiles)
	require.Len(t, rects, 2)
	requireExactCover(t, &tiles, rects)
}

func TestDecompose_GeneratedChunksCoverWalls(t *testing.T) {
	m := macro.Generate(42, 0, macro.DefaultParams())
	g := gen.New(m, 42, gen.DefaultParams())
	for _, c := range []store.Coord{{X: 0, Y: 0}, {X: 1, Y: -1}, {X: -3, Y: 2}, {X: 7, Y: -3}} {
		tiles := g.GenerateChunk(c)
		rects := Decompose(tiles)
		requireExactCover(t, tiles, rects)

		area := 0
		for _, r := range rects {
			area += r.Area()
		}
		require.Equal(t, tiles.WallCount(), area)
	}
}

func TestBuild_VerticesAndWinding(t *testing.T) {
	c := store.Coord{X: 2, Y: -1}
	m := Build(c, []Rect{{X: 0, Y: 0, W: 2, H: 1}, {X: 10, Y: 20, W: 1, H: 3}})
	require.NotNil(t, m)
	require.Equal(t, 2, m.Rects)
	require.Len(t, m.Vertices, 8)
	require.Len(t, m.Indices, 4)

	ts := float32(store.TileSize)
	require.Equal(t, mgl32.Vec2{LocalOffset, LocalOffset}, m.Vertices[0])
	require.Equal(t, mgl32.Vec2{2*ts + LocalOffset, LocalOffset}, m.Vertices[1])
	require.Equal(t, mgl32.Vec2{11*ts + LocalOffset, 23*ts + LocalOffset}, m.Vertices[6])

	for i := range m.Indices {
		require.Positive(t, m.SignedArea(i), "triangle %d is not CCW", i)
	}
}

func TestWorldVertices_MatchTileEdges(t *testing.T) {
	c := store.Coord{X: -1, Y: 3}
	m := Build(c, []Rect{{X: 0, Y: 0, W: 1, H: 1}})
	wv := m.WorldVertices()
	require.Len(t, wv, 4)

	// Tile (0,0) of the chunk is centred on the chunk origin.
	ox, oy := c.Origin()
	half := float32(store.TileSize) / 2
	require.InDelta(t, float32(ox)-half, wv[0].X(), 1e-3)
	require.InDelta(t, float32(oy)-half, wv[0].Y(), 1e-3)
	require.InDelta(t, float32(ox)+half, wv[2].X(), 1e-3)
	require.InDelta(t, float32(oy)+half, wv[2].Y(), 1e-3)

	var nilMesh *Trimesh
	require.Nil(t, nilMesh.WorldVertices())
}
