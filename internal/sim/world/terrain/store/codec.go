package store

import (
	"errors"
	"fmt"
)

// ErrBlobSize marks a persisted blob whose length is not ChunkTiles.
var ErrBlobSize = errors.New("chunk blob size mismatch")

// EncodeTiles serialises tiles row-major, one byte per tile (Floor=0x00, Wall=0x01).
func EncodeTiles(t *Tiles) []byte {
	out := make([]byte, ChunkTiles)
	for i, v := range t {
		out[i] = byte(v)
	}
	return out
}

// DecodeTiles is the inverse of EncodeTiles. Unknown bytes decode as Floor.
func DecodeTiles(b []byte) (*Tiles, error) {
	if len(b) != ChunkTiles {
		return nil, fmt.Errorf("%w: got %d want %d", ErrBlobSize, len(b), ChunkTiles)
	}
	var t Tiles
	for i, v := range b {
		if Tile(v) == Wall {
			t[i] = Wall
		}
	}
	return &t, nil
}

func EncodeVisibility(v *Visibility) []byte {
	out := make([]byte, ChunkTiles)
	copy(out, v[:])
	return out
}

func DecodeVisibility(b []byte) (*Visibility, error) {
	if len(b) != ChunkTiles {
		return nil, fmt.Errorf("%w: got %d want %d", ErrBlobSize, len(b), ChunkTiles)
	}
	var v Visibility
	copy(v[:], b)
	return &v, nil
}
