package streaming

import (
	"database/sql"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"tileworld.ai/internal/persistence/chunkdb"
	"tileworld.ai/internal/sim/world/chunks"
	"tileworld.ai/internal/sim/world/terrain/collision"
	"tileworld.ai/internal/sim/world/terrain/gen"
	"tileworld.ai/internal/sim/world/terrain/macro"
	"tileworld.ai/internal/sim/world/terrain/store"
)

type memStore struct {
	mu      sync.Mutex
	terrain map[store.Coord]store.Tiles
	vis     map[store.Coord]store.Visibility
	saves   int
	loadErr error
	saveErr error
}

func newMemStore() *memStore {
	return &memStore{terrain: map[store.Coord]store.Tiles{}, vis: map[store.Coord]store.Visibility{}}
}

func (m *memStore) LoadChunk(_ int64, c store.Coord) (*store.Tiles, *store.Visibility, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loadErr != nil {
		return nil, nil, m.loadErr
	}
	var tp *store.Tiles
	var vp *store.Visibility
	if t, ok := m.terrain[c]; ok {
		tp = &t
	}
	if v, ok := m.vis[c]; ok {
		vp = &v
	}
	return tp, vp, nil
}

func (m *memStore) SaveChunk(_ int64, c store.Coord, t *store.Tiles, v *store.Visibility) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	m.saves++
	if t != nil {
		m.terrain[c] = *t
	}
	if v != nil {
		m.vis[c] = *v
	}
	return nil
}

type countingGen struct {
	inner Generator
	mu    sync.Mutex
	calls map[store.Coord]int
	gate  chan struct{}
}

func (g *countingGen) GenerateChunk(c store.Coord) *store.Tiles {
	if g.gate != nil {
		<-g.gate
	}
	g.mu.Lock()
	if g.calls == nil {
		g.calls = map[store.Coord]int{}
	}
	g.calls[c]++
	g.mu.Unlock()
	return g.inner.GenerateChunk(c)
}

func (g *countingGen) count(c store.Coord) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[c]
}

type sink struct {
	live    map[store.Coord]*collision.Trimesh
	spawned int
}

func (s *sink) Spawn(c store.Coord, m *collision.Trimesh) {
	if s.live == nil {
		s.live = map[store.Coord]*collision.Trimesh{}
	}
	s.live[c] = m
	s.spawned++
}

func (s *sink) Despawn(c store.Coord) { delete(s.live, c) }

type fakeClock struct {
	t    time.Time
	step time.Duration
}

func (f *fakeClock) Now() time.Time {
	f.t = f.t.Add(f.step)
	return f.t
}

func testGen() *countingGen {
	m := macro.Generate(42, 0, macro.DefaultParams())
	return &countingGen{inner: gen.New(m, 42, gen.DefaultParams())}
}

func quietLog() logrus.FieldLogger {
	l, _ := test.NewNullLogger()
	return l
}

func origin(radius int) []Loader {
	return []Loader{{ID: "p", Pos: mgl32.Vec2{0, 0}, Radius: radius}}
}

func drain(t *testing.T, r *Registry) {
	t.Helper()
	require.Eventually(t, func() bool {
		r.PollLoads(time.Hour)
		return r.Loading() == 0
	}, 5*time.Second, time.Millisecond)
}

func TestRegistry_EmptyStart(t *testing.T) {
	st := newMemStore()
	sk := &sink{}
	r := NewRegistry(st, testGen(), Options{MapID: 1, Workers: 4, Sink: sk, Log: quietLog()})
	defer r.Close()

	evs := r.TrackLoaders(origin(2))
	require.Len(t, evs, 25)
	require.Equal(t, 25, r.Loading())

	drain(t, r)
	res := r.Resident()
	require.Len(t, res, 25)
	require.Equal(t, store.Coord{X: -2, Y: -2}, res[0])
	require.Equal(t, store.Coord{X: 2, Y: 2}, res[24])

	for _, c := range res {
		tiles, ok := r.Tiles(c)
		require.True(t, ok)
		mesh, ok := r.Collider(c)
		require.True(t, ok)
		if tiles.WallCount() == 0 {
			require.Nil(t, mesh)
		} else {
			require.NotNil(t, mesh)
			require.Same(t, mesh, sk.live[c])
		}
	}
	require.Equal(t, uint64(25), r.Stats().Generated)
}

func TestRegistry_LoadUnloadIdempotent(t *testing.T) {
	st := newMemStore()
	g := testGen()
	r := NewRegistry(st, g, Options{Log: quietLog()})
	defer r.Close()

	c := store.Coord{X: 3, Y: 4}
	r.HandleLoad(chunks.Event{Kind: chunks.Load, Coord: c})
	r.HandleLoad(chunks.Event{Kind: chunks.Load, Coord: c})
	r.PollLoads(time.Hour)
	r.HandleLoad(chunks.Event{Kind: chunks.Load, Coord: c})
	require.Equal(t, 1, g.count(c))
	require.Equal(t, Resident, r.State(c))

	r.HandleUnload(chunks.Event{Kind: chunks.Unload, Coord: c})
	r.HandleUnload(chunks.Event{Kind: chunks.Unload, Coord: c})
	require.Equal(t, Absent, r.State(c))
	require.Equal(t, 1, st.saves)
	require.Equal(t, uint64(1), r.Stats().Evicted)
}

func TestRegistry_UnloadFlushAndReload(t *testing.T) {
	st := newMemStore()
	r := NewRegistry(st, testGen(), Options{Log: quietLog()})
	r.TrackLoaders(origin(2))
	r.PollLoads(time.Hour)

	before, ok := r.Tiles(store.Coord{})
	require.True(t, ok)
	want := *before

	far := []Loader{{ID: "p", Pos: mgl32.Vec2{1000 * store.ChunkSize * store.TileSize, 0}, Radius: 2}}
	evs := r.TrackLoaders(far)
	unloads := 0
	for _, ev := range evs {
		if ev.Kind == chunks.Unload {
			unloads++
			require.Equal(t, Absent, r.State(ev.Coord))
		}
	}
	require.Equal(t, 25, unloads)
	require.Len(t, st.terrain, 25)
	require.Equal(t, want, st.terrain[store.Coord{}])
	require.NoError(t, r.Close())

	g := testGen()
	r2 := NewRegistry(st, g, Options{Log: quietLog()})
	defer r2.Close()
	r2.HandleLoad(chunks.Event{Kind: chunks.Load, Coord: store.Coord{}})
	r2.PollLoads(time.Hour)
	got, ok := r2.Tiles(store.Coord{})
	require.True(t, ok)
	require.Equal(t, want, *got)
	require.Zero(t, g.count(store.Coord{}))
	require.Equal(t, uint64(1), r2.Stats().FromStore)
}

func TestRegistry_CancelPendingLoad(t *testing.T) {
	g := testGen()
	g.gate = make(chan struct{})
	r := NewRegistry(nil, g, Options{Workers: 1, Log: quietLog()})

	c := store.Coord{X: 1}
	r.HandleLoad(chunks.Event{Kind: chunks.Load, Coord: c})
	require.Equal(t, Loading, r.State(c))
	r.HandleUnload(chunks.Event{Kind: chunks.Unload, Coord: c})
	require.Equal(t, Absent, r.State(c))

	close(g.gate)
	require.NoError(t, r.Close())
	rep := r.PollLoads(time.Hour)
	require.Empty(t, rep.Committed)
	require.Equal(t, Absent, r.State(c))
	require.Equal(t, uint64(1), r.Stats().Cancelled)
}

func TestRegistry_BudgetAndDebt(t *testing.T) {
	clk := &fakeClock{step: 3 * time.Millisecond}
	r := NewRegistry(nil, testGen(), Options{Log: quietLog(), Now: clk.Now})
	defer r.Close()
	// Centre of chunk (0,0), so its four edge neighbours tie on distance.
	r.TrackLoaders([]Loader{{ID: "p", Pos: mgl32.Vec2{512, 512}, Radius: 1}})

	rep := r.PollLoads(ChunkLoadingBudget)
	require.Equal(t, []store.Coord{{}, {X: -1}}, rep.Committed)
	require.Equal(t, 7, rep.Deferred)
	require.Equal(t, 2*time.Millisecond, rep.Debt)

	rep = r.PollLoads(ChunkLoadingBudget)
	require.Len(t, rep.Committed, 1)
	require.Equal(t, time.Millisecond, rep.Debt)

	rep = r.PollLoads(ChunkLoadingBudget)
	require.Len(t, rep.Committed, 1)
	require.Zero(t, rep.Debt)
	require.Equal(t, 5, r.Loading())
}

func TestRegistry_DebtSkipsTick(t *testing.T) {
	clk := &fakeClock{step: 10 * time.Millisecond}
	r := NewRegistry(nil, testGen(), Options{Log: quietLog(), Now: clk.Now})
	defer r.Close()
	r.TrackLoaders(origin(1))

	rep := r.PollLoads(ChunkLoadingBudget)
	require.Len(t, rep.Committed, 1)
	require.Equal(t, 6*time.Millisecond, rep.Debt)

	rep = r.PollLoads(ChunkLoadingBudget)
	require.True(t, rep.Skipped)
	require.Empty(t, rep.Committed)
	require.Equal(t, 8, rep.Deferred)
	require.Equal(t, 2*time.Millisecond, rep.Debt)
}

func TestRegistry_LoadsBeforePreloads(t *testing.T) {
	clk := &fakeClock{step: time.Millisecond}
	r := NewRegistry(nil, testGen(), Options{Log: quietLog(), Now: clk.Now})
	defer r.Close()
	evs := r.TrackLoaders([]Loader{{ID: "p", Pos: mgl32.Vec2{3000, 0}, Radius: 1, PreloadRing: 1}})
	require.Len(t, evs, 9)

	rep := r.PollLoads(time.Hour)
	require.Len(t, rep.Committed, 9)
	require.Equal(t, store.ChunkAt(3000, 0), rep.Committed[0])
}

func TestRegistry_ReadErrorsFallBackToGeneration(t *testing.T) {
	for _, loadErr := range []error{errors.New("disk on fire"), store.ErrBlobSize} {
		st := newMemStore()
		st.loadErr = loadErr
		g := testGen()
		r := NewRegistry(st, g, Options{Log: quietLog()})
		r.HandleLoad(chunks.Event{Kind: chunks.Load, Coord: store.Coord{}})
		r.PollLoads(time.Hour)
		require.Equal(t, Resident, r.State(store.Coord{}))
		require.Equal(t, 1, g.count(store.Coord{}))
		require.NoError(t, r.Close())
	}
}

func TestRegistry_FlushFailureStillEvicts(t *testing.T) {
	st := newMemStore()
	st.saveErr = errors.New("disk full")
	r := NewRegistry(st, testGen(), Options{Log: quietLog()})
	defer r.Close()
	c := store.Coord{X: 2}
	r.HandleLoad(chunks.Event{Kind: chunks.Load, Coord: c})
	r.PollLoads(time.Hour)
	r.HandleUnload(chunks.Event{Kind: chunks.Unload, Coord: c})
	require.Equal(t, Absent, r.State(c))
	require.Equal(t, uint64(1), r.Stats().FlushErrors)
}

func TestRegistry_SetTileRebuildsCollider(t *testing.T) {
	st := newMemStore()
	sk := &sink{}
	r := NewRegistry(st, testGen(), Options{Sink: sk, Log: quietLog()})
	defer r.Close()

	_, err := r.SetTile(5, 5, store.Wall)
	require.ErrorIs(t, err, ErrNotResident)

	r.HandleLoad(chunks.Event{Kind: chunks.Load, Coord: store.Coord{}})
	r.PollLoads(time.Hour)
	ch, _ := r.Chunk(store.Coord{})
	ch.ClearDirty()

	prev := ch.Get(5, 5)
	next := store.Wall
	if prev == store.Wall {
		next = store.Floor
	}
	changed, err := r.SetTile(5, 5, next)
	require.NoError(t, err)
	require.True(t, changed)
	require.True(t, ch.TerrainDirty())

	mesh, _ := r.Collider(store.Coord{})
	if mesh != nil {
		require.Same(t, mesh, sk.live[store.Coord{}])
	}
	changed, err = r.SetTile(5, 5, next)
	require.NoError(t, err)
	require.False(t, changed)

	require.NoError(t, r.FlushAll())
	require.False(t, ch.TerrainDirty())
	require.Equal(t, ch.Tiles, st.terrain[store.Coord{}])
	require.Equal(t, Resident, r.State(store.Coord{}))
}

func TestRegistry_SpawnLimiterQueues(t *testing.T) {
	r := NewRegistry(nil, testGen(), Options{MaxLoadsPerSecond: 1, Log: quietLog()})
	defer r.Close()
	r.TrackLoaders(origin(2))
	s := r.Stats()
	require.Equal(t, 24, s.Queued)
	require.Equal(t, 25, s.Loading)

	rep := r.PollLoads(time.Hour)
	require.Len(t, rep.Committed, 1)
	require.Equal(t, 24, r.Loading())
}

func TestRegistry_SaturatedPoolRetries(t *testing.T) {
	g := testGen()
	g.gate = make(chan struct{})
	r := NewRegistry(nil, g, Options{Workers: 1, QueueSize: 1, Log: quietLog()})
	defer r.Close()

	r.TrackLoaders(origin(1))
	require.Positive(t, r.Stats().Queued)

	close(g.gate)
	drain(t, r)
	require.Len(t, r.Resident(), 9)
	require.Zero(t, r.Stats().Queued)
}

type recordingListener struct {
	order []string
}

func (l *recordingListener) ChunkCommitted(ch *store.Chunk) { l.order = append(l.order, "commit") }
func (l *recordingListener) ChunkEvicted(c store.Coord)     { l.order = append(l.order, "evict") }

func TestRegistry_CommitHookRunsBeforeListeners(t *testing.T) {
	r := NewRegistry(nil, testGen(), Options{Log: quietLog()})
	defer r.Close()
	l := &recordingListener{}
	r.OnCommit(func(ch *store.Chunk) { l.order = append(l.order, "hook") })
	r.AddListener(l)

	c := store.Coord{X: -4, Y: 1}
	r.HandleLoad(chunks.Event{Kind: chunks.Load, Coord: c})
	r.PollLoads(time.Hour)
	r.HandleUnload(chunks.Event{Kind: chunks.Unload, Coord: c})
	require.Equal(t, []string{"hook", "commit", "evict"}, l.order)
}

func TestRegistry_BadVisibilityBlobKeepsStoredTerrain(t *testing.T) {
	path := filepath.Join(t.TempDir(), "world.sqlite")
	c := store.Coord{X: 1, Y: -1}
	var edited store.Tiles
	for i := range edited {
		edited[i] = store.Wall
	}
	edited.Set(1, 1, store.Floor)

	db, err := chunkdb.Open(path)
	require.NoError(t, err)
	require.NoError(t, db.SaveTerrain(1, c, &edited))
	require.NoError(t, db.Close())

	raw, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	_, err = raw.Exec(`INSERT OR REPLACE INTO visibility(map_id, cx, cy, vis) VALUES(1, ?, ?, ?)`, c.X, c.Y, []byte{1, 2, 3})
	require.NoError(t, err)
	require.NoError(t, raw.Close())

	db, err = chunkdb.Open(path)
	require.NoError(t, err)
	defer db.Close()

	g := testGen()
	r := NewRegistry(db, g, Options{MapID: 1, Log: quietLog()})
	r.HandleLoad(chunks.Event{Kind: chunks.Load, Coord: c})
	r.PollLoads(time.Hour)
	require.Equal(t, Resident, r.State(c))
	require.Zero(t, g.count(c))

	tl, ok := r.Tiles(c)
	require.True(t, ok)
	require.Equal(t, edited, *tl)
	vis, ok := r.Visibility(c)
	require.True(t, ok)
	require.Equal(t, store.Visibility{}, *vis)

	r.HandleUnload(chunks.Event{Kind: chunks.Unload, Coord: c})
	require.NoError(t, r.Close())

	stored, ok, err := db.LoadTerrain(1, c)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, edited, *stored)
}
