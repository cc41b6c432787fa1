package store

import (
	"math"

	"tileworld.ai/internal/sim/world/logic/mathx"
)

func index(x, y int) int {
	return x + y*ChunkSize
}

func InChunk(x, y int) bool {
	return x >= 0 && y >= 0 && x < ChunkSize && y < ChunkSize
}

func (t *Tiles) At(x, y int) Tile {
	return t[index(x, y)]
}

func (t *Tiles) Set(x, y int, v Tile) {
	t[index(x, y)] = v
}

func (t *Tiles) WallCount() int {
	n := 0
	for _, v := range t {
		if v == Wall {
			n++
		}
	}
	return n
}

func (v *Visibility) At(x, y int) uint8 {
	return v[index(x, y)]
}

func (c *Chunk) Get(x, y int) Tile {
	return c.Tiles.At(x, y)
}

// Set writes a tile and reports whether it changed.
func (c *Chunk) Set(x, y int, t Tile) bool {
	i := index(x, y)
	if c.Tiles[i] == t {
		return false
	}
	c.Tiles[i] = t
	c.terrainDirty = true
	c.hashValid = false
	return true
}

// Reveal raises the visibility of a tile to at least v. Visibility never decreases.
func (c *Chunk) Reveal(x, y int, v uint8) bool {
	i := index(x, y)
	if c.Vis[i] >= v {
		return false
	}
	c.Vis[i] = v
	c.visDirty = true
	return true
}

// ChunkOf splits a global tile coordinate into its chunk and local coordinates.
func ChunkOf(gx, gy int) (Coord, int, int) {
	c := Coord{X: mathx.FloorDiv(gx, ChunkSize), Y: mathx.FloorDiv(gy, ChunkSize)}
	return c, mathx.Mod(gx, ChunkSize), mathx.Mod(gy, ChunkSize)
}

// TileAt maps a world position to the global tile whose centre is nearest.
// Tiles are centred on their grid points: tile gx spans [gx·T − T/2, gx·T + T/2).
func TileAt(wx, wy float64) (gx, gy int) {
	return int(math.Floor(wx/TileSize + 0.5)), int(math.Floor(wy/TileSize + 0.5))
}

// ChunkAt maps a world position to the chunk containing its tile.
func ChunkAt(wx, wy float64) Coord {
	gx, gy := TileAt(wx, wy)
	c, _, _ := ChunkOf(gx, gy)
	return c
}

// TileCenter is the world position of a global tile's centre.
func TileCenter(gx, gy int) (float64, float64) {
	return float64(gx * TileSize), float64(gy * TileSize)
}
