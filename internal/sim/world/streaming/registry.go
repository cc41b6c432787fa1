// Package streaming owns the resident chunk set: it turns loader movement into
// load and unload work, runs loads on a worker pool and commits the results
// within a per-tick time budget.
package streaming

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync/atomic"
	"time"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"tileworld.ai/internal/sim/world/chunks"
	"tileworld.ai/internal/sim/world/terrain/collision"
	"tileworld.ai/internal/sim/world/terrain/store"
)

var (
	ErrNotResident = errors.New("chunk not resident")
	ErrClosed      = errors.New("registry closed")
)

type Options struct {
	MapID int64

	// Workers <= 0 runs loads inline on the calling goroutine.
	Workers   int
	QueueSize int

	// MaxLoadsPerSecond caps task submission; <= 0 means unlimited.
	MaxLoadsPerSecond float64

	Sink ColliderSink
	Log  logrus.FieldLogger
	Now  func() time.Time
}

type loadResult struct {
	tiles     *store.Tiles
	vis       *store.Visibility
	rects     []collision.Rect
	generated bool
}

type task struct {
	ctx    context.Context
	cancel context.CancelFunc
	done   chan loadResult
}

type entry struct {
	coord store.Coord
	state State
	kind  chunks.Kind

	task      *task
	submitted bool
	ready     *loadResult

	chunk    *store.Chunk
	collider *collision.Trimesh
}

// Registry is driven from a single goroutine (the world loop). Only load tasks
// run elsewhere, and they touch nothing but their own result.
type Registry struct {
	mapID   int64
	store   Store
	gen     Generator
	sink    ColliderSink
	log     logrus.FieldLogger
	now     func() time.Time
	pool    *Pool
	limiter *rate.Limiter

	tracker *chunks.Tracker
	loaders []Loader
	entries map[store.Coord]*entry
	queued  []store.Coord
	debt    time.Duration
	closed  bool

	onCommit  []func(ch *store.Chunk)
	listeners []Listener

	stats      Stats
	readErrors atomic.Uint64
}

// NewRegistry wires a registry. st may be nil, in which case nothing is read
// or written and every chunk is generated.
func NewRegistry(st Store, g Generator, opts Options) *Registry {
	if opts.Log == nil {
		opts.Log = logrus.StandardLogger()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 4 * opts.Workers
	}
	limit := rate.Inf
	burst := 1
	if opts.MaxLoadsPerSecond > 0 {
		limit = rate.Limit(opts.MaxLoadsPerSecond)
		burst = int(math.Ceil(opts.MaxLoadsPerSecond))
	}
	return &Registry{
		mapID:   opts.MapID,
		store:   st,
		gen:     g,
		sink:    opts.Sink,
		log:     opts.Log.WithField("map_id", opts.MapID),
		now:     opts.Now,
		pool:    NewPool(opts.Workers, opts.QueueSize),
		limiter: rate.NewLimiter(limit, burst),
		tracker: chunks.NewTracker(),
		entries: map[store.Coord]*entry{},
	}
}

func (r *Registry) MapID() int64 { return r.mapID }

// OnCommit registers a hook that runs right after a chunk becomes resident and
// before listeners are told about it.
func (r *Registry) OnCommit(fn func(ch *store.Chunk)) {
	r.onCommit = append(r.onCommit, fn)
}

func (r *Registry) AddListener(l Listener) {
	r.listeners = append(r.listeners, l)
}

// TrackLoaders replaces the loader set, diffs the required chunks and applies
// the resulting events.
func (r *Registry) TrackLoaders(loaders []Loader) []chunks.Event {
	r.loaders = append(r.loaders[:0], loaders...)
	areas := make([]chunks.Area, 0, len(loaders))
	for _, l := range loaders {
		areas = append(areas, l.Area())
	}
	evs := r.tracker.Track(areas)
	for _, ev := range evs {
		switch ev.Kind {
		case chunks.Load, chunks.Preload:
			r.HandleLoad(ev)
		case chunks.Unload:
			r.HandleUnload(ev)
		}
	}
	return evs
}

// HandleLoad starts loading a chunk. Repeated loads of a chunk that is already
// loading or resident are no-ops, except that a Load upgrades a pending
// Preload's priority.
func (r *Registry) HandleLoad(ev chunks.Event) {
	if r.closed {
		return
	}
	if e, ok := r.entries[ev.Coord]; ok {
		if e.state == Loading && ev.Kind == chunks.Load {
			e.kind = chunks.Load
		}
		return
	}
	kind := ev.Kind
	if kind != chunks.Preload {
		kind = chunks.Load
	}
	e := &entry{coord: ev.Coord, state: Loading, kind: kind}
	r.entries[ev.Coord] = e
	if !r.submit(e) {
		r.queued = append(r.queued, ev.Coord)
	}
}

func (r *Registry) submit(e *entry) bool {
	if !r.limiter.Allow() {
		return false
	}
	ctx, cancel := context.WithCancel(context.Background())
	t := &task{ctx: ctx, cancel: cancel, done: make(chan loadResult, 1)}
	c := e.coord
	if !r.pool.TrySubmit(func() { r.runLoad(c, t) }) {
		cancel()
		return false
	}
	e.task = t
	e.submitted = true
	return true
}

// runLoad executes on a pool worker.
func (r *Registry) runLoad(c store.Coord, t *task) {
	if t.ctx.Err() != nil {
		return
	}
	var res loadResult
	if r.store != nil {
		tiles, vis, err := r.store.LoadChunk(r.mapID, c)
		switch {
		case errors.Is(err, store.ErrBlobSize):
			// Only the bad half is nil; the other one is kept.
			r.log.WithFields(logrus.Fields{"cx": c.X, "cy": c.Y}).WithError(err).Warn("stored chunk blob has bad size, treating it as missing")
		case err != nil:
			r.readErrors.Add(1)
			r.log.WithFields(logrus.Fields{"cx": c.X, "cy": c.Y}).WithError(err).Warn("chunk read failed, generating")
			tiles, vis = nil, nil
		}
		res.tiles, res.vis = tiles, vis
	}
	if t.ctx.Err() != nil {
		return
	}
	if res.tiles == nil {
		res.tiles = r.gen.GenerateChunk(c)
		res.generated = true
	}
	if t.ctx.Err() != nil {
		return
	}
	res.rects = collision.Decompose(res.tiles)
	t.done <- res
}

func (r *Registry) retryQueued() {
	if len(r.queued) == 0 {
		return
	}
	keep := r.queued[:0]
	for _, c := range r.queued {
		e, ok := r.entries[c]
		if !ok || e.state != Loading || e.submitted {
			continue
		}
		if !r.submit(e) {
			keep = append(keep, c)
		}
	}
	r.queued = keep
}

// PollLoads commits finished loads, highest priority and nearest first, until
// the budget less the carried frame debt is spent. It never blocks on a task.
func (r *Registry) PollLoads(budget time.Duration) PollReport {
	start := r.now()
	r.retryQueued()

	var ready []*entry
	for _, e := range r.entries {
		if e.state != Loading {
			continue
		}
		if e.ready == nil && e.task != nil {
			select {
			case res := <-e.task.done:
				e.ready = &res
			default:
			}
		}
		if e.ready != nil {
			ready = append(ready, e)
		}
	}

	rep := PollReport{}
	effective := budget - r.debt
	if effective <= 0 {
		r.debt -= budget
		if r.debt < 0 {
			r.debt = 0
		}
		rep.Skipped = true
		rep.Deferred = len(ready)
		rep.Debt = r.debt
		r.stats.Debt = r.debt
		return rep
	}

	r.sortReady(ready)
	var elapsed time.Duration
	for i, e := range ready {
		r.commit(e)
		rep.Committed = append(rep.Committed, e.coord)
		elapsed = r.now().Sub(start)
		if elapsed >= effective {
			rep.Deferred = len(ready) - i - 1
			break
		}
	}
	if len(ready) == 0 {
		elapsed = r.now().Sub(start)
	}
	r.debt = 0
	if elapsed > effective {
		r.debt = elapsed - effective
	}
	rep.Elapsed = elapsed
	rep.Debt = r.debt
	r.stats.Debt = r.debt
	return rep
}

func (r *Registry) sortReady(ready []*entry) {
	dist := make(map[store.Coord]float32, len(ready))
	for _, e := range ready {
		dist[e.coord] = r.nearestLoaderSq(e.coord)
	}
	sort.Slice(ready, func(i, j int) bool {
		a, b := ready[i], ready[j]
		if a.kind != b.kind {
			return a.kind < b.kind
		}
		if da, db := dist[a.coord], dist[b.coord]; da != db {
			return da < db
		}
		if a.coord.X != b.coord.X {
			return a.coord.X < b.coord.X
		}
		return a.coord.Y < b.coord.Y
	})
}

func chunkCenter(c store.Coord) mgl32.Vec2 {
	return collision.ParentTranslation(c)
}

func (r *Registry) nearestLoaderSq(c store.Coord) float32 {
	if len(r.loaders) == 0 {
		return 0
	}
	center := chunkCenter(c)
	best := float32(math.MaxFloat32)
	for _, l := range r.loaders {
		d := center.Sub(l.Pos)
		if sq := d.Dot(d); sq < best {
			best = sq
		}
	}
	return best
}

func (r *Registry) commit(e *entry) {
	res := e.ready
	ch := store.NewChunk(e.coord, res.tiles, res.vis)
	if res.generated {
		ch.MarkTerrainDirty()
		r.stats.Generated++
	} else {
		r.stats.FromStore++
	}

	e.state = Resident
	e.chunk = ch
	e.task = nil
	e.ready = nil

	e.collider = collision.Build(e.coord, res.rects)
	if e.collider != nil && r.sink != nil {
		r.sink.Spawn(e.coord, e.collider)
	}
	r.stats.Committed++

	for _, fn := range r.onCommit {
		fn(ch)
	}
	for _, l := range r.listeners {
		l.ChunkCommitted(ch)
	}
}

// HandleUnload releases a chunk. A pending load is cancelled and its result
// dropped; a resident chunk is flushed first. A failed flush is logged and the
// chunk is evicted anyway.
func (r *Registry) HandleUnload(ev chunks.Event) {
	e, ok := r.entries[ev.Coord]
	if !ok {
		return
	}
	delete(r.entries, ev.Coord)

	switch e.state {
	case Loading:
		if e.task != nil {
			e.task.cancel()
		}
		r.stats.Cancelled++
	case Resident:
		// flush logs and counts its own failure; the chunk is evicted either way.
		_ = r.flush(e)
		if e.collider != nil && r.sink != nil {
			r.sink.Despawn(e.coord)
		}
		r.stats.Evicted++
		for _, l := range r.listeners {
			l.ChunkEvicted(e.coord)
		}
	}
}

func (r *Registry) flush(e *entry) error {
	ch := e.chunk
	if ch == nil || r.store == nil {
		return nil
	}
	if !ch.TerrainDirty() && !ch.VisDirty() {
		return nil
	}
	var tiles *store.Tiles
	var vis *store.Visibility
	if ch.TerrainDirty() {
		tiles = &ch.Tiles
	}
	if ch.VisDirty() {
		vis = &ch.Vis
	}
	if err := r.store.SaveChunk(r.mapID, ch.Coord, tiles, vis); err != nil {
		r.stats.FlushErrors++
		r.log.WithFields(logrus.Fields{"cx": ch.Coord.X, "cy": ch.Coord.Y}).WithError(err).Error("chunk flush failed")
		return fmt.Errorf("flush %v: %w", ch.Coord, err)
	}
	ch.ClearDirty()
	r.stats.Flushed++
	return nil
}

// SetTile edits a resident tile and rebuilds the chunk's collider when the
// tile changed.
func (r *Registry) SetTile(gx, gy int, t store.Tile) (bool, error) {
	c, lx, ly := store.ChunkOf(gx, gy)
	e, ok := r.entries[c]
	if !ok || e.state != Resident {
		return false, fmt.Errorf("set tile %d,%d: %w", gx, gy, ErrNotResident)
	}
	if !e.chunk.Set(lx, ly, t) {
		return false, nil
	}
	if e.collider != nil && r.sink != nil {
		r.sink.Despawn(c)
	}
	e.collider = collision.FromTiles(c, &e.chunk.Tiles)
	if e.collider != nil && r.sink != nil {
		r.sink.Spawn(c, e.collider)
	}
	return true, nil
}

func (r *Registry) State(c store.Coord) State {
	if e, ok := r.entries[c]; ok {
		return e.state
	}
	return Absent
}

// Chunk returns the resident record. It stays valid for the current tick.
func (r *Registry) Chunk(c store.Coord) (*store.Chunk, bool) {
	e, ok := r.entries[c]
	if !ok || e.state != Resident {
		return nil, false
	}
	return e.chunk, true
}

func (r *Registry) Tiles(c store.Coord) (*store.Tiles, bool) {
	ch, ok := r.Chunk(c)
	if !ok {
		return nil, false
	}
	return &ch.Tiles, true
}

func (r *Registry) Visibility(c store.Coord) (*store.Visibility, bool) {
	ch, ok := r.Chunk(c)
	if !ok {
		return nil, false
	}
	return &ch.Vis, true
}

func (r *Registry) Collider(c store.Coord) (*collision.Trimesh, bool) {
	e, ok := r.entries[c]
	if !ok || e.state != Resident {
		return nil, false
	}
	return e.collider, true
}

// Resident lists resident chunks sorted by (x, y).
func (r *Registry) Resident() []store.Coord {
	out := make([]store.Coord, 0, len(r.entries))
	for c, e := range r.entries {
		if e.state == Resident {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].X != out[j].X {
			return out[i].X < out[j].X
		}
		return out[i].Y < out[j].Y
	})
	return out
}

// IterResident visits resident chunks in Resident order until fn returns false.
func (r *Registry) IterResident(fn func(c store.Coord, t *store.Tiles) bool) {
	for _, c := range r.Resident() {
		if !fn(c, &r.entries[c].chunk.Tiles) {
			return
		}
	}
}

// Loading is the number of chunks not yet committed, queued ones included.
func (r *Registry) Loading() int {
	n := 0
	for _, e := range r.entries {
		if e.state == Loading {
			n++
		}
	}
	return n
}

func (r *Registry) Debt() time.Duration { return r.debt }

func (r *Registry) Stats() Stats {
	s := r.stats
	s.ReadErrors = r.readErrors.Load()
	s.Queued = len(r.queued)
	s.Wanted = r.tracker.Len()
	for _, e := range r.entries {
		switch e.state {
		case Resident:
			s.Resident++
			if !r.tracker.Hard(e.coord) {
				s.Preloaded++
			}
			if e.collider != nil {
				s.Colliders++
				s.ColliderRects += e.collider.Rects
			}
		case Loading:
			s.Loading++
			if e.ready != nil {
				s.Ready++
			}
		}
	}
	return s
}

// FlushAll writes every dirty resident chunk and keeps them resident.
func (r *Registry) FlushAll() error {
	var errs []error
	for _, c := range r.Resident() {
		if err := r.flush(r.entries[c]); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close flushes, cancels pending loads and stops the pool. Resident chunks
// stay readable.
func (r *Registry) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	err := r.FlushAll()
	for c, e := range r.entries {
		if e.state == Loading {
			if e.task != nil {
				e.task.cancel()
			}
			delete(r.entries, c)
		}
	}
	r.queued = nil
	r.pool.Close()
	return err
}
