package store

import (
	"crypto/sha256"
	"fmt"
)

const (
	// ChunkSize is the number of tiles along one chunk edge.
	ChunkSize = 64
	// TileSize is the number of world units per tile edge.
	TileSize = 16

	ChunkTiles = ChunkSize * ChunkSize
)

type Coord struct {
	X int
	Y int
}

func (c Coord) String() string {
	return fmt.Sprintf("(%d,%d)", c.X, c.Y)
}

// Origin is the world-space position of the chunk's tile (0,0).
func (c Coord) Origin() (x, y float64) {
	return float64(c.X * ChunkSize * TileSize), float64(c.Y * ChunkSize * TileSize)
}

// Tile is the closed set of terrain kinds. The numeric value is the on-disk byte.
type Tile uint8

const (
	Floor Tile = 0
	Wall  Tile = 1
)

func (t Tile) String() string {
	switch t {
	case Wall:
		return "wall"
	default:
		return "floor"
	}
}

// Tiles is a row-major tile grid: index = y*ChunkSize + x.
type Tiles [ChunkTiles]Tile

// Visibility is a row-major grid of fog-of-war intensities (0 unseen, 255 revealed).
type Visibility [ChunkTiles]uint8

// Chunk is the resident record for one chunk. It is owned by the registry.
type Chunk struct {
	Coord Coord
	Tiles Tiles
	Vis   Visibility

	terrainDirty bool
	visDirty     bool
	hash         [32]byte
	hashValid    bool
}

func NewChunk(c Coord, tiles *Tiles, vis *Visibility) *Chunk {
	ch := &Chunk{Coord: c}
	if tiles != nil {
		ch.Tiles = *tiles
	}
	if vis != nil {
		ch.Vis = *vis
	}
	return ch
}

func (c *Chunk) TerrainDirty() bool { return c.terrainDirty }
func (c *Chunk) VisDirty() bool     { return c.visDirty }

// MarkTerrainDirty forces the next flush to write terrain (used for freshly generated chunks).
func (c *Chunk) MarkTerrainDirty() {
	c.terrainDirty = true
	c.hashValid = false
}

// ClearDirty is called after a successful flush.
func (c *Chunk) ClearDirty() {
	c.terrainDirty = false
	c.visDirty = false
}

// Digest hashes the tile grid. It is cached until the next terrain edit.
func (c *Chunk) Digest() [32]byte {
	if !c.hashValid {
		c.hash = sha256.Sum256(EncodeTiles(&c.Tiles))
		c.hashValid = true
	}
	return c.hash
}
