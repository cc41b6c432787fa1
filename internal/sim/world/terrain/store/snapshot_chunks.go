package store

import (
	"fmt"

	snapv1 "tileworld.ai/internal/persistence/snapshot"
)

// ExportChunks converts chunk records into snapshot chunks in the given key order.
func ExportChunks(chunks map[Coord]*Chunk, keys []Coord) []snapv1.ChunkV1 {
	out := make([]snapv1.ChunkV1, 0, len(keys))
	for _, k := range keys {
		ch := chunks[k]
		if ch == nil {
			continue
		}
		out = append(out, snapv1.ChunkV1{
			CX:    k.X,
			CY:    k.Y,
			Tiles: EncodeTiles(&ch.Tiles),
			Vis:   EncodeVisibility(&ch.Vis),
		})
	}
	return out
}

// ImportChunk rebuilds a chunk record from a snapshot chunk. A missing
// visibility blob yields an unexplored grid; a missing tile blob is an error.
func ImportChunk(sc snapv1.ChunkV1) (*Chunk, error) {
	tiles, err := DecodeTiles(sc.Tiles)
	if err != nil {
		return nil, fmt.Errorf("chunk %d,%d tiles: %w", sc.CX, sc.CY, err)
	}
	var vis *Visibility
	if len(sc.Vis) > 0 {
		vis, err = DecodeVisibility(sc.Vis)
		if err != nil {
			return nil, fmt.Errorf("chunk %d,%d vis: %w", sc.CX, sc.CY, err)
		}
	}
	return NewChunk(Coord{X: sc.CX, Y: sc.CY}, tiles, vis), nil
}
