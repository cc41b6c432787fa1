package chunkdb

import (
	"errors"
	"path/filepath"
	"testing"

	"tileworld.ai/internal/sim/world/terrain/store"
)

func openTemp(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "chunks", "world.sqlite")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	return s, path
}

func sampleTiles() *store.Tiles {
	var tl store.Tiles
	for i := range tl {
		if i%3 == 0 {
			tl[i] = store.Wall
		}
	}
	return &tl
}

func TestTerrainRoundTrip(t *testing.T) {
	s, _ := openTemp(t)
	defer s.Close()

	c := store.Coord{X: -5, Y: 9}
	want := sampleTiles()
	if err := s.SaveTerrain(7, c, want); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, ok, err := s.LoadTerrain(7, c)
	if err != nil || !ok {
		t.Fatalf("load: ok=%v err=%v", ok, err)
	}
	if *got != *want {
		t.Fatalf("terrain mismatch")
	}

	// Overwrite replaces prior content.
	var solid store.Tiles
	for i := range solid {
		solid[i] = store.Wall
	}
	if err := s.SaveTerrain(7, c, &solid); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	got, _, _ = s.LoadTerrain(7, c)
	if got.WallCount() != store.ChunkTiles {
		t.Fatalf("overwrite not visible")
	}
}

func TestVisibilityRoundTrip(t *testing.T) {
	s, _ := openTemp(t)
	defer s.Close()

	var v store.Visibility
	for i := range v {
		v[i] = uint8(i)
	}
	c := store.Coord{X: 1, Y: 1}
	if err := s.SaveVisibility(1, c, &v); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, ok, err := s.LoadVisibility(1, c)
	if err != nil || !ok || *got != v {
		t.Fatalf("load: ok=%v err=%v", ok, err)
	}
	if _, ok, _ := s.LoadTerrain(1, c); ok {
		t.Fatalf("terrain should be absent")
	}
}

func TestMissingKey(t *testing.T) {
	s, _ := openTemp(t)
	defer s.Close()
	tl, ok, err := s.LoadTerrain(1, store.Coord{X: 3})
	if err != nil || ok || tl != nil {
		t.Fatalf("missing key: tiles=%v ok=%v err=%v", tl, ok, err)
	}
	tp, vp, err := s.LoadChunk(1, store.Coord{X: 3})
	if err != nil || tp != nil || vp != nil {
		t.Fatalf("missing chunk should be empty")
	}
}

func TestMapIDsAreIsolated(t *testing.T) {
	s, _ := openTemp(t)
	defer s.Close()
	c := store.Coord{}
	if err := s.SaveTerrain(1, c, sampleTiles()); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := s.LoadTerrain(2, c); ok {
		t.Fatalf("map 2 should not see map 1's chunk")
	}
	ids, err := s.MapIDs()
	if err != nil || len(ids) != 1 || ids[0] != 1 {
		t.Fatalf("map ids=%v err=%v", ids, err)
	}
}

func TestReopenIsDurable(t *testing.T) {
	s, path := openTemp(t)
	c := store.Coord{}
	want := sampleTiles()
	var vis store.Visibility
	vis[0] = 255
	if err := s.SaveChunk(42, c, want, &vis); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	s2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()
	tl, v, err := s2.LoadChunk(42, c)
	if err != nil || tl == nil || v == nil {
		t.Fatalf("load after reopen: %v", err)
	}
	if *tl != *want || v[0] != 255 {
		t.Fatalf("bytes changed across reopen")
	}
}

func TestWrongLengthBlob(t *testing.T) {
	s, _ := openTemp(t)
	defer s.Close()
	if _, err := s.db.Exec(`INSERT INTO terrain(map_id, cx, cy, tiles) VALUES(1, 0, 0, ?)`, []byte{1, 2, 3}); err != nil {
		t.Fatal(err)
	}
	_, _, err := s.LoadTerrain(1, store.Coord{})
	if !errors.Is(err, store.ErrBlobSize) {
		t.Fatalf("expected ErrBlobSize, got %v", err)
	}
}

func TestWrongLengthHalfKeepsOtherHalf(t *testing.T) {
	s, _ := openTemp(t)
	defer s.Close()
	c := store.Coord{X: -2, Y: 5}
	want := sampleTiles()
	if err := s.SaveTerrain(1, c, want); err != nil {
		t.Fatal(err)
	}
	if _, err := s.db.Exec(`INSERT INTO visibility(map_id, cx, cy, vis) VALUES(1, ?, ?, ?)`, c.X, c.Y, []byte{1, 2, 3}); err != nil {
		t.Fatal(err)
	}
	tl, v, err := s.LoadChunk(1, c)
	if !errors.Is(err, store.ErrBlobSize) {
		t.Fatalf("expected ErrBlobSize, got %v", err)
	}
	if tl == nil || *tl != *want {
		t.Fatalf("terrain half lost: %v", tl == nil)
	}
	if v != nil {
		t.Fatalf("bad visibility half should be nil")
	}

	var vis store.Visibility
	vis[0] = 9
	if err := s.SaveVisibility(1, c, &vis); err != nil {
		t.Fatal(err)
	}
	if _, err := s.db.Exec(`UPDATE terrain SET tiles = ? WHERE map_id = 1 AND cx = ? AND cy = ?`, []byte{0}, c.X, c.Y); err != nil {
		t.Fatal(err)
	}
	tl, v, err = s.LoadChunk(1, c)
	if !errors.Is(err, store.ErrBlobSize) {
		t.Fatalf("expected ErrBlobSize, got %v", err)
	}
	if tl != nil || v == nil || v[0] != 9 {
		t.Fatalf("expected visibility only, got tiles=%v vis=%v", tl != nil, v != nil)
	}
}

func TestUnknownTileByteDecodesAsFloor(t *testing.T) {
	s, _ := openTemp(t)
	defer s.Close()
	blob := make([]byte, store.ChunkTiles)
	blob[0] = 0x01
	blob[1] = 0x7f
	if _, err := s.db.Exec(`INSERT INTO terrain(map_id, cx, cy, tiles) VALUES(1, 0, 0, ?)`, blob); err != nil {
		t.Fatal(err)
	}
	tl, ok, err := s.LoadTerrain(1, store.Coord{})
	if err != nil || !ok {
		t.Fatalf("load: %v", err)
	}
	if tl.At(0, 0) != store.Wall || tl.At(1, 0) != store.Floor {
		t.Fatalf("unexpected decode: %v %v", tl.At(0, 0), tl.At(1, 0))
	}
}

func TestOpenIsIdempotent(t *testing.T) {
	s, path := openTemp(t)
	if err := s.SaveTerrain(1, store.Coord{X: 2}, sampleTiles()); err != nil {
		t.Fatal(err)
	}
	_ = s.Close()
	for i := 0; i < 2; i++ {
		s2, err := Open(path)
		if err != nil {
			t.Fatalf("open %d: %v", i, err)
		}
		keys, err := s2.Keys(1)
		if err != nil || len(keys) != 1 {
			t.Fatalf("keys=%v err=%v", keys, err)
		}
		_ = s2.Close()
	}
}

func TestKeysDeleteAndStats(t *testing.T) {
	s, _ := openTemp(t)
	defer s.Close()
	var v store.Visibility
	for _, c := range []store.Coord{{X: 2, Y: 0}, {X: -1, Y: 3}, {X: -1, Y: -3}} {
		if err := s.SaveTerrain(5, c, sampleTiles()); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.SaveVisibility(5, store.Coord{X: 9, Y: 9}, &v); err != nil {
		t.Fatal(err)
	}
	keys, err := s.Keys(5)
	if err != nil {
		t.Fatal(err)
	}
	want := []store.Coord{{X: -1, Y: -3}, {X: -1, Y: 3}, {X: 2, Y: 0}, {X: 9, Y: 9}}
	if len(keys) != len(want) {
		t.Fatalf("keys=%v", keys)
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Fatalf("keys[%d]=%v want %v", i, keys[i], want[i])
		}
	}

	if err := s.Delete(5, store.Coord{X: 2}); err != nil {
		t.Fatal(err)
	}
	st, err := s.Stats()
	if err != nil {
		t.Fatal(err)
	}
	if st.TerrainRows != 2 || st.VisibilityRows != 1 || st.Maps != 1 || st.FileBytes <= 0 {
		t.Fatalf("unexpected stats %+v", st)
	}
}

func TestClosedStore(t *testing.T) {
	s, _ := openTemp(t)
	_ = s.Close()
	if err := s.SaveTerrain(1, store.Coord{}, sampleTiles()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestMetaRoundTrip(t *testing.T) {
	s, _ := openTemp(t)
	defer s.Close()
	if _, ok, _ := s.Meta("seed"); ok {
		t.Fatalf("meta should start empty")
	}
	if err := s.SetMeta("seed", "42"); err != nil {
		t.Fatal(err)
	}
	v, ok, err := s.Meta("seed")
	if err != nil || !ok || v != "42" {
		t.Fatalf("meta=%q ok=%v err=%v", v, ok, err)
	}
}
