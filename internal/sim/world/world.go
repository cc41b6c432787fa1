// Package world ties generation, streaming, persistence and fog of war into
// one tick-driven facade.
package world

import (
	"encoding/hex"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/sirupsen/logrus"

	wlog "tileworld.ai/internal/persistence/log"
	"tileworld.ai/internal/sim/tuning"
	"tileworld.ai/internal/sim/world/chunks"
	"tileworld.ai/internal/sim/world/fow"
	"tileworld.ai/internal/sim/world/streaming"
	"tileworld.ai/internal/sim/world/terrain/gen"
	"tileworld.ai/internal/sim/world/terrain/macro"
	"tileworld.ai/internal/sim/world/terrain/store"
)

type Options struct {
	// Store persists chunks; nil keeps everything in memory.
	Store streaming.Store
	Sink  streaming.ColliderSink

	// Macros shares generated macro maps between worlds; nil generates directly.
	Macros  *macro.Cache
	Journal *wlog.ChunkJournal

	Log logrus.FieldLogger
	Now func() time.Time
}

// TileEdit is an external terrain change. Edits to chunks that are not
// resident are dropped.
type TileEdit struct {
	GX, GY int
	Tile   store.Tile
}

// TickReport is what listeners see at the end of a tick, after visibility has
// been stamped.
type TickReport struct {
	Tick       uint64
	Events     []chunks.Event
	Committed  []store.Coord
	Evicted    []store.Coord
	VisChanged []store.Coord
	Poll       streaming.PollReport
}

type Listener func(r TickReport)

type World struct {
	cfg tuning.Tuning
	log logrus.FieldLogger

	macro   *macro.Map
	gen     *gen.Generator
	reg     *streaming.Registry
	mask    *fow.Mask
	journal *wlog.ChunkJournal

	tick atomic.Uint64

	loaders   map[string]streaming.Loader
	revealers map[string]fow.Revealer
	observers map[string]*observerClient
	edits     []TileEdit

	// Filled by registry callbacks during the current tick.
	committed []store.Coord
	evicted   []store.Coord

	listeners []Listener
	metrics   atomic.Pointer[Metrics]

	// One channel per client kind, so a session's requests apply in the
	// order it sent them.
	place       chan Placement
	setTile     chan TileEdit
	observerReq chan ObserverRequest
	flushReq    chan chan error

	stop     chan struct{}
	stopOnce sync.Once
	closed   bool
}

func New(cfg tuning.Tuning, opts Options) (*World, error) {
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.Log == nil {
		opts.Log = logrus.StandardLogger()
	}
	logger := opts.Log.WithField("map_id", cfg.MapID)

	var m *macro.Map
	if opts.Macros != nil {
		m = opts.Macros.Get(cfg.Seed, 0, cfg.MacroParams())
	} else {
		m = macro.Generate(cfg.Seed, 0, cfg.MacroParams())
	}
	g := gen.New(m, cfg.Seed, cfg.GenParams())

	w := &World{
		cfg:       cfg,
		log:       logger,
		macro:     m,
		gen:       g,
		mask:      fow.NewMask(),
		journal:   opts.Journal,
		loaders:   map[string]streaming.Loader{},
		revealers: map[string]fow.Revealer{},
		observers: map[string]*observerClient{},

		place:       make(chan Placement, 512),
		setTile:     make(chan TileEdit, 1024),
		observerReq: make(chan ObserverRequest, 256),
		flushReq:    make(chan chan error, 4),
		stop:        make(chan struct{}),
	}
	w.reg = streaming.NewRegistry(opts.Store, g, streaming.Options{
		MapID:             cfg.MapID,
		Workers:           cfg.Workers,
		MaxLoadsPerSecond: cfg.MaxLoadsPerSecond,
		Sink:              opts.Sink,
		Log:               opts.Log,
		Now:               opts.Now,
	})
	w.reg.OnCommit(w.stampCommitted)
	w.reg.AddListener(w)
	w.publishMetrics(streaming.PollReport{})

	logger.WithFields(logrus.Fields{
		"seed":       cfg.Seed,
		"macro_w":    m.W,
		"macro_h":    m.H,
		"macro_open": m.OpenCount(),
	}).Info("world ready")
	return w, nil
}

func (w *World) Config() tuning.Tuning         { return w.cfg }
func (w *World) Macro() *macro.Map             { return w.macro }
func (w *World) Generator() *gen.Generator     { return w.gen }
func (w *World) Registry() *streaming.Registry { return w.reg }
func (w *World) CurrentTick() uint64           { return w.tick.Load() }

// AddListener must be called before Run.
func (w *World) AddListener(l Listener) {
	w.listeners = append(w.listeners, l)
}

func (w *World) Tiles(c store.Coord) (*store.Tiles, bool) { return w.reg.Tiles(c) }
func (w *World) Visibility(c store.Coord) (*store.Visibility, bool) {
	return w.reg.Visibility(c)
}
func (w *World) Resident() []store.Coord { return w.reg.Resident() }
func (w *World) IterResident(fn func(c store.Coord, t *store.Tiles) bool) {
	w.reg.IterResident(fn)
}

// SpawnCell is the open macro cell nearest the macro centre.
func (w *World) SpawnCell() (int, int, bool) {
	return w.macro.SpawnCell()
}

// SpawnPosition is the world position of the tile sitting exactly on the
// spawn cell's macro sample point.
func (w *World) SpawnPosition() mgl32.Vec2 {
	mx, my, ok := w.macro.SpawnCell()
	if !ok {
		mx, my = w.macro.Centroid()
	}
	per := store.ChunkSize / gen.MacroPxPerChunk
	gx := (mx - w.macro.W/2) * per
	gy := (my - w.macro.H/2) * per
	x, y := store.TileCenter(gx, gy)
	return mgl32.Vec2{float32(x), float32(y)}
}

// PutLoader, DropLoader, PutRevealer, DropRevealer and QueueTileEdit mutate
// loop-owned state. Call them only from the goroutine running Step; other
// goroutines use Place, SetTile and Observe.
func (w *World) PutLoader(l streaming.Loader) {
	if l.ID == "" {
		return
	}
	w.loaders[l.ID] = l
}

func (w *World) DropLoader(id string) { delete(w.loaders, id) }

func (w *World) PutRevealer(r fow.Revealer) {
	if r.ID == "" {
		return
	}
	w.revealers[r.ID] = r
}

func (w *World) DropRevealer(id string) {
	delete(w.revealers, id)
	w.mask.Forget(id)
}

func (w *World) QueueTileEdit(e TileEdit) {
	w.edits = append(w.edits, e)
}

func (w *World) sortedLoaders() []streaming.Loader {
	out := make([]streaming.Loader, 0, len(w.loaders))
	for _, l := range w.loaders {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (w *World) sortedRevealers() []fow.Revealer {
	out := make([]fow.Revealer, 0, len(w.revealers))
	for _, r := range w.revealers {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// stampCommitted runs inside PollLoads, before listeners see the chunk.
func (w *World) stampCommitted(ch *store.Chunk) {
	w.mask.StampChunk(ch.Coord, w.reg)
}

// ChunkCommitted implements streaming.Listener.
func (w *World) ChunkCommitted(ch *store.Chunk) {
	w.committed = append(w.committed, ch.Coord)
	if w.journal == nil {
		return
	}
	ev := wlog.ChunkEvent{
		Tick:  w.tick.Load(),
		MapID: w.cfg.MapID,
		Kind:  chunks.Load.String(),
		CX:    ch.Coord.X,
		CY:    ch.Coord.Y,
	}
	d := ch.Digest()
	ev.Digest = hex.EncodeToString(d[:])
	if m, ok := w.reg.Collider(ch.Coord); ok && m != nil {
		ev.Rects = m.Rects
	}
	if err := w.journal.WriteChunkEvent(ev); err != nil {
		w.log.WithError(err).Warn("journal write failed")
	}
}

// ChunkEvicted implements streaming.Listener.
func (w *World) ChunkEvicted(c store.Coord) {
	w.evicted = append(w.evicted, c)
	if w.journal == nil {
		return
	}
	ev := wlog.ChunkEvent{
		Tick:  w.tick.Load(),
		MapID: w.cfg.MapID,
		Kind:  chunks.Unload.String(),
		CX:    c.X,
		CY:    c.Y,
	}
	if err := w.journal.WriteChunkEvent(ev); err != nil {
		w.log.WithError(err).Warn("journal write failed")
	}
}

// Step advances one tick: loader diff, budgeted commits, visibility, edits,
// then observers and listeners.
func (w *World) Step() TickReport {
	tick := w.tick.Load()
	w.committed = w.committed[:0]
	w.evicted = w.evicted[:0]

	events := w.reg.TrackLoaders(w.sortedLoaders())
	poll := w.reg.PollLoads(w.cfg.LoadBudget())
	visChanged := w.mask.Update(w.sortedRevealers(), w.reg)

	for _, e := range w.edits {
		if _, err := w.reg.SetTile(e.GX, e.GY, e.Tile); err != nil {
			w.log.WithFields(logrus.Fields{"gx": e.GX, "gy": e.GY}).WithError(err).Debug("tile edit dropped")
		}
	}
	w.edits = w.edits[:0]

	rep := TickReport{
		Tick:       tick,
		Events:     events,
		Committed:  append([]store.Coord(nil), w.committed...),
		Evicted:    append([]store.Coord(nil), w.evicted...),
		VisChanged: visChanged,
		Poll:       poll,
	}
	w.tickObservers(rep)
	for _, l := range w.listeners {
		l(rep)
	}
	if poll.Debt > 0 {
		w.log.WithFields(logrus.Fields{"tick": tick, "debt": poll.Debt, "deferred": poll.Deferred}).Debug("load budget overrun")
	}
	w.tick.Add(1)
	w.publishMetrics(poll)
	return rep
}

// FlushNow writes every dirty resident chunk. Loop goroutine only.
func (w *World) FlushNow() error {
	err := w.reg.FlushAll()
	if w.journal != nil {
		if jerr := w.journal.Flush(); jerr != nil && err == nil {
			err = jerr
		}
	}
	return err
}

// Close flushes resident chunks and stops the load pool. Call it after Run
// has returned.
func (w *World) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	for id, oc := range w.observers {
		close(oc.dataOut)
		close(oc.tickOut)
		delete(w.observers, id)
	}
	err := w.reg.Close()
	if w.journal != nil {
		if jerr := w.journal.Close(); jerr != nil && err == nil {
			err = jerr
		}
	}
	w.log.WithField("tick", w.tick.Load()).Info("world closed")
	return err
}
