package world

import (
	"errors"
	"fmt"
	"time"

	"tileworld.ai/internal/persistence/snapshot"
	"tileworld.ai/internal/sim/tuning"
	"tileworld.ai/internal/sim/world/streaming"
	"tileworld.ai/internal/sim/world/terrain/store"
)

// ChunkStore is a streaming.Store that can also enumerate its keys.
type ChunkStore interface {
	streaming.Store
	Keys(mapID int64) ([]store.Coord, error)
}

// ExportSnapshot copies every stored chunk of cfg.MapID into a snapshot file.
// Chunks stored with visibility only, or with a corrupt terrain blob, get
// their terrain from g.
func ExportSnapshot(st ChunkStore, g streaming.Generator, cfg tuning.Tuning, path string) (int, error) {
	keys, err := st.Keys(cfg.MapID)
	if err != nil {
		return 0, fmt.Errorf("export keys: %w", err)
	}
	recs := make(map[store.Coord]*store.Chunk, len(keys))
	for _, k := range keys {
		tiles, vis, err := st.LoadChunk(cfg.MapID, k)
		if err != nil && !errors.Is(err, store.ErrBlobSize) {
			return 0, fmt.Errorf("export %v: %w", k, err)
		}
		if tiles == nil {
			tiles = g.GenerateChunk(k)
		}
		recs[k] = store.NewChunk(k, tiles, vis)
	}

	snap := snapshot.SnapshotV1{
		Header: snapshot.Header{
			Version:   snapshot.Version,
			MapID:     cfg.MapID,
			CreatedAt: time.Now().UTC().Format(time.RFC3339),
		},
		Seed:      cfg.Seed,
		ChunkSize: store.ChunkSize,
		MacroW:    cfg.MacroDims[0],
		MacroH:    cfg.MacroDims[1],
		Chunks:    store.ExportChunks(recs, keys),
	}
	if err := snapshot.WriteSnapshot(path, snap); err != nil {
		return 0, err
	}
	return len(snap.Chunks), nil
}

// ErrSeedMismatch means a snapshot was taken from a world with another seed.
var ErrSeedMismatch = errors.New("snapshot seed mismatch")

// ImportSnapshot writes a snapshot's chunks into st under mapID, or under the
// snapshot's own map id when mapID is 0. A non-zero seed must match the
// snapshot's; nothing is written otherwise.
func ImportSnapshot(st streaming.Store, path string, mapID int64, seed uint64) (snapshot.SnapshotV1, int, error) {
	snap, err := snapshot.ReadSnapshot(path)
	if err != nil {
		return snap, 0, err
	}
	if seed != 0 && snap.Seed != seed {
		return snap, 0, fmt.Errorf("%w: snapshot %d, world %d", ErrSeedMismatch, snap.Seed, seed)
	}
	if snap.ChunkSize != 0 && snap.ChunkSize != store.ChunkSize {
		return snap, 0, fmt.Errorf("snapshot chunk size %d, want %d", snap.ChunkSize, store.ChunkSize)
	}
	if mapID == 0 {
		mapID = snap.Header.MapID
	}
	n := 0
	for _, sc := range snap.Chunks {
		ch, err := store.ImportChunk(sc)
		if err != nil {
			return snap, n, err
		}
		var vis *store.Visibility
		if len(sc.Vis) > 0 {
			vis = &ch.Vis
		}
		if err := st.SaveChunk(mapID, ch.Coord, &ch.Tiles, vis); err != nil {
			return snap, n, err
		}
		n++
	}
	return snap, n, nil
}

// WriteSnapshot flushes resident chunks and exports the store. Loop goroutine
// only.
func (w *World) WriteSnapshot(st ChunkStore, path string) (int, error) {
	if err := w.FlushNow(); err != nil {
		return 0, err
	}
	return ExportSnapshot(st, w.gen, w.cfg, path)
}
