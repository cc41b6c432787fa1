// Package chunkdb is the durable chunk store: terrain and visibility blobs
// keyed by (map_id, cx, cy) in SQLite.
package chunkdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"

	"github.com/sasha-s/go-deadlock"
	_ "modernc.org/sqlite"

	"tileworld.ai/internal/sim/world/terrain/store"
)

var (
	ErrClosed     = errors.New("chunkdb: closed")
	ErrCoordRange = errors.New("chunkdb: chunk coordinate out of int32 range")
)

// Store serialises every operation behind one mutex over a single connection.
// Each call is its own transaction.
type Store struct {
	mu     deadlock.Mutex
	db     *sql.DB
	path   string
	closed bool
}

// Open creates the schema if needed. Opening an existing file is a no-op for
// the schema.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db, path: path}, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS terrain (
			map_id INTEGER NOT NULL,
			cx INTEGER NOT NULL,
			cy INTEGER NOT NULL,
			tiles BLOB NOT NULL,
			PRIMARY KEY (map_id, cx, cy)
		);`,
		`CREATE TABLE IF NOT EXISTS visibility (
			map_id INTEGER NOT NULL,
			cx INTEGER NOT NULL,
			cy INTEGER NOT NULL,
			vis BLOB NOT NULL,
			PRIMARY KEY (map_id, cx, cy)
		);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Path() string { return s.path }

func key(c store.Coord) (int32, int32, error) {
	if c.X < math.MinInt32 || c.X > math.MaxInt32 || c.Y < math.MinInt32 || c.Y > math.MaxInt32 {
		return 0, 0, fmt.Errorf("%w: %v", ErrCoordRange, c)
	}
	return int32(c.X), int32(c.Y), nil
}

// withTx runs fn in one transaction under the store mutex.
func (s *Store) withTx(fn func(tx *sql.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	tx, err := s.db.BeginTx(context.Background(), nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func putTerrain(tx *sql.Tx, mapID int64, cx, cy int32, t *store.Tiles) error {
	_, err := tx.Exec(`INSERT OR REPLACE INTO terrain(map_id, cx, cy, tiles) VALUES(?,?,?,?)`,
		mapID, cx, cy, store.EncodeTiles(t))
	return err
}

func putVisibility(tx *sql.Tx, mapID int64, cx, cy int32, v *store.Visibility) error {
	_, err := tx.Exec(`INSERT OR REPLACE INTO visibility(map_id, cx, cy, vis) VALUES(?,?,?,?)`,
		mapID, cx, cy, store.EncodeVisibility(v))
	return err
}

func getBlob(tx *sql.Tx, table, col string, mapID int64, cx, cy int32) ([]byte, bool, error) {
	var b []byte
	q := fmt.Sprintf(`SELECT %s FROM %s WHERE map_id=? AND cx=? AND cy=?`, col, table)
	err := tx.QueryRow(q, mapID, cx, cy).Scan(&b)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

func (s *Store) SaveTerrain(mapID int64, c store.Coord, t *store.Tiles) error {
	return s.SaveChunk(mapID, c, t, nil)
}

func (s *Store) SaveVisibility(mapID int64, c store.Coord, v *store.Visibility) error {
	return s.SaveChunk(mapID, c, nil, v)
}

// SaveChunk writes whichever halves are non-nil in a single transaction.
func (s *Store) SaveChunk(mapID int64, c store.Coord, t *store.Tiles, v *store.Visibility) error {
	if t == nil && v == nil {
		return nil
	}
	cx, cy, err := key(c)
	if err != nil {
		return err
	}
	err = s.withTx(func(tx *sql.Tx) error {
		if t != nil {
			if err := putTerrain(tx, mapID, cx, cy, t); err != nil {
				return err
			}
		}
		if v != nil {
			if err := putVisibility(tx, mapID, cx, cy, v); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("save chunk %d%v: %w", mapID, c, err)
	}
	return nil
}

// LoadTerrain returns (nil, false, nil) for a missing key.
func (s *Store) LoadTerrain(mapID int64, c store.Coord) (*store.Tiles, bool, error) {
	t, _, err := s.load(mapID, c, true, false)
	if err != nil {
		return nil, false, err
	}
	return t, t != nil, nil
}

func (s *Store) LoadVisibility(mapID int64, c store.Coord) (*store.Visibility, bool, error) {
	_, v, err := s.load(mapID, c, false, true)
	if err != nil {
		return nil, false, err
	}
	return v, v != nil, nil
}

// LoadChunk reads both halves in one transaction. A missing half is nil. A
// half with a wrong-length blob is also nil and the returned error wraps
// store.ErrBlobSize; the other half is still returned.
func (s *Store) LoadChunk(mapID int64, c store.Coord) (*store.Tiles, *store.Visibility, error) {
	return s.load(mapID, c, true, true)
}

func (s *Store) load(mapID int64, c store.Coord, wantTiles, wantVis bool) (*store.Tiles, *store.Visibility, error) {
	cx, cy, err := key(c)
	if err != nil {
		return nil, nil, err
	}
	var tb, vb []byte
	var haveT, haveV bool
	err = s.withTx(func(tx *sql.Tx) error {
		var err error
		if wantTiles {
			if tb, haveT, err = getBlob(tx, "terrain", "tiles", mapID, cx, cy); err != nil {
				return err
			}
		}
		if wantVis {
			if vb, haveV, err = getBlob(tx, "visibility", "vis", mapID, cx, cy); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("load chunk %d%v: %w", mapID, c, err)
	}

	// Halves decode independently: a bad blob is reported but the other half
	// is still returned.
	var t *store.Tiles
	var v *store.Visibility
	var errs []error
	if haveT {
		if t, err = store.DecodeTiles(tb); err != nil {
			errs = append(errs, fmt.Errorf("terrain %d%v: %w", mapID, c, err))
		}
	}
	if haveV {
		if v, err = store.DecodeVisibility(vb); err != nil {
			errs = append(errs, fmt.Errorf("visibility %d%v: %w", mapID, c, err))
		}
	}
	return t, v, errors.Join(errs...)
}

// Keys lists every chunk with terrain or visibility stored for mapID.
func (s *Store) Keys(mapID int64) ([]store.Coord, error) {
	var out []store.Coord
	err := s.withTx(func(tx *sql.Tx) error {
		rows, err := tx.Query(`SELECT cx, cy FROM terrain WHERE map_id=?
			UNION SELECT cx, cy FROM visibility WHERE map_id=?`, mapID, mapID)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var cx, cy int64
			if err := rows.Scan(&cx, &cy); err != nil {
				return err
			}
			out = append(out, store.Coord{X: int(cx), Y: int(cy)})
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].X != out[j].X {
			return out[i].X < out[j].X
		}
		return out[i].Y < out[j].Y
	})
	return out, nil
}

func (s *Store) MapIDs() ([]int64, error) {
	var out []int64
	err := s.withTx(func(tx *sql.Tx) error {
		rows, err := tx.Query(`SELECT map_id FROM terrain UNION SELECT map_id FROM visibility ORDER BY 1`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				return err
			}
			out = append(out, id)
		}
		return rows.Err()
	})
	return out, err
}

func (s *Store) Delete(mapID int64, c store.Coord) error {
	cx, cy, err := key(c)
	if err != nil {
		return err
	}
	return s.withTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`DELETE FROM terrain WHERE map_id=? AND cx=? AND cy=?`, mapID, cx, cy); err != nil {
			return err
		}
		_, err := tx.Exec(`DELETE FROM visibility WHERE map_id=? AND cx=? AND cy=?`, mapID, cx, cy)
		return err
	})
}

func (s *Store) SetMeta(k, v string) error {
	return s.withTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT OR REPLACE INTO meta(key, value) VALUES(?,?)`, k, v)
		return err
	})
}

func (s *Store) Meta(k string) (string, bool, error) {
	var v string
	found := false
	err := s.withTx(func(tx *sql.Tx) error {
		err := tx.QueryRow(`SELECT value FROM meta WHERE key=?`, k).Scan(&v)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return nil
	})
	return v, found, err
}

type Stats struct {
	TerrainRows    int64
	VisibilityRows int64
	Maps           int
	FileBytes      int64
}

func (s *Store) Stats() (Stats, error) {
	var st Stats
	err := s.withTx(func(tx *sql.Tx) error {
		if err := tx.QueryRow(`SELECT COUNT(*) FROM terrain`).Scan(&st.TerrainRows); err != nil {
			return err
		}
		return tx.QueryRow(`SELECT COUNT(*) FROM visibility`).Scan(&st.VisibilityRows)
	})
	if err != nil {
		return st, err
	}
	ids, err := s.MapIDs()
	if err != nil {
		return st, err
	}
	st.Maps = len(ids)
	for _, p := range []string{s.path, s.path + "-wal"} {
		if fi, err := os.Stat(p); err == nil {
			st.FileBytes += fi.Size()
		}
	}
	return st, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
