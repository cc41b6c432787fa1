package world

import (
	"encoding/json"

	"github.com/go-gl/mathgl/mgl32"

	"tileworld.ai/internal/observerproto"
	"tileworld.ai/internal/sim/encoding"
	"tileworld.ai/internal/sim/world/chunks"
	"tileworld.ai/internal/sim/world/fow"
	"tileworld.ai/internal/sim/world/logic/mathx"
	"tileworld.ai/internal/sim/world/streaming"
	"tileworld.ai/internal/sim/world/terrain/store"
)

// ObserverJoinRequest registers a read-only observer session. Each session also
// acts as a loader and a revealer at its focus, so watching a place streams
// it in and lifts the fog there.
//
// All observer state is maintained by the world loop goroutine.
type ObserverJoinRequest struct {
	SessionID string
	TickOut   chan []byte
	DataOut   chan []byte

	Focus       mgl32.Vec2
	ChunkRadius int
	MaxChunks   int
}

// ObserverSubscribeRequest moves an existing session's focus or radius.
type ObserverSubscribeRequest struct {
	SessionID string

	Focus       mgl32.Vec2
	ChunkRadius int
	MaxChunks   int
}

type observerClient struct {
	id      string
	tickOut chan []byte
	dataOut chan []byte

	focus     mgl32.Vec2
	radius    int
	maxChunks int

	// Chunks whose full grids the client holds.
	sent map[store.Coord]bool
}

func observerHandle(sessionID string) string { return "obs:" + sessionID }

func (w *World) handleObserverJoin(req ObserverJoinRequest) {
	if req.SessionID == "" || req.TickOut == nil || req.DataOut == nil {
		return
	}
	if _, ok := w.observers[req.SessionID]; ok {
		return
	}
	oc := &observerClient{
		id:      req.SessionID,
		tickOut: req.TickOut,
		dataOut: req.DataOut,
		sent:    map[store.Coord]bool{},
	}
	w.observers[req.SessionID] = oc
	w.applyObserverCfg(oc, req.Focus, req.ChunkRadius, req.MaxChunks)
	w.log.WithField("session", req.SessionID).Info("observer joined")
}

func (w *World) handleObserverSubscribe(req ObserverSubscribeRequest) {
	oc, ok := w.observers[req.SessionID]
	if !ok {
		return
	}
	w.applyObserverCfg(oc, req.Focus, req.ChunkRadius, req.MaxChunks)
}

func (w *World) handleObserverLeave(id string) {
	oc, ok := w.observers[id]
	if !ok {
		return
	}
	delete(w.observers, id)
	w.DropLoader(observerHandle(id))
	w.DropRevealer(observerHandle(id))
	close(oc.dataOut)
	close(oc.tickOut)
	w.log.WithField("session", id).Info("observer left")
}

func (w *World) applyObserverCfg(oc *observerClient, focus mgl32.Vec2, radius, maxChunks int) {
	oc.focus = focus
	oc.radius = mathx.ClampInt(radius, 0, 8)
	if maxChunks <= 0 {
		maxChunks = 1024
	}
	oc.maxChunks = mathx.ClampInt(maxChunks, 1, 4096)

	h := observerHandle(oc.id)
	w.PutLoader(streaming.Loader{
		ID:          h,
		Pos:         focus,
		Radius:      oc.radius,
		PreloadRing: w.cfg.PreloadRing,
	})
	w.PutRevealer(fow.Revealer{ID: h, Pos: focus, Radius: w.cfg.RevealRadius})
}

func (w *World) tickObservers(rep TickReport) {
	if len(w.observers) == 0 {
		return
	}
	evicted := make(map[store.Coord]bool, len(rep.Evicted))
	for _, c := range rep.Evicted {
		evicted[c] = true
	}
	stats := w.reg.Stats()

	for _, oc := range w.observers {
		center := store.ChunkAt(float64(oc.focus.X()), float64(oc.focus.Y()))
		wanted := chunks.Neighborhood([]store.Coord{center}, oc.radius, oc.maxChunks)
		inView := make(map[store.Coord]bool, len(wanted))
		for _, c := range wanted {
			inView[c] = true
		}

		for c := range oc.sent {
			if inView[c] && !evicted[c] {
				continue
			}
			if trySend(oc.dataOut, w.chunkUnloadMsg(c)) {
				delete(oc.sent, c)
			}
		}

		fresh := map[store.Coord]bool{}
		for _, c := range wanted {
			if oc.sent[c] {
				continue
			}
			b, ok := w.chunkLoadMsg(c)
			if !ok {
				continue
			}
			if trySend(oc.dataOut, b) {
				oc.sent[c] = true
				fresh[c] = true
			}
		}

		for _, c := range rep.VisChanged {
			if !oc.sent[c] || fresh[c] {
				continue
			}
			vis, ok := w.reg.Visibility(c)
			if !ok {
				continue
			}
			if !trySend(oc.dataOut, chunkVisMsg(c, vis)) {
				// Resend the whole chunk once the client catches up.
				delete(oc.sent, c)
			}
		}

		msg := observerproto.TickMsg{
			Type:            observerproto.TypeTick,
			ProtocolVersion: observerproto.Version,
			Tick:            rep.Tick,
			Resident:        stats.Resident,
			Loading:         stats.Loading,
			Focus:           [2]float32{oc.focus.X(), oc.focus.Y()},
			DebtUs:          rep.Poll.Debt.Microseconds(),
		}
		b, _ := json.Marshal(msg)
		sendLatest(oc.tickOut, b)
	}
}

func (w *World) chunkLoadMsg(c store.Coord) ([]byte, bool) {
	ch, ok := w.reg.Chunk(c)
	if !ok {
		return nil, false
	}
	msg := observerproto.ChunkLoadMsg{
		Type:            observerproto.TypeChunkLoad,
		ProtocolVersion: observerproto.Version,
		CX:              c.X,
		CY:              c.Y,
		Encoding:        observerproto.EncodingRLE,
		Tiles:           encoding.EncodeRLE(store.EncodeTiles(&ch.Tiles)),
		Vis:             encoding.EncodeRLE(store.EncodeVisibility(&ch.Vis)),
	}
	if m, ok := w.reg.Collider(c); ok && m != nil {
		msg.Rects = m.Rects
	}
	b, _ := json.Marshal(msg)
	return b, true
}

func (w *World) chunkUnloadMsg(c store.Coord) []byte {
	b, _ := json.Marshal(observerproto.ChunkUnloadMsg{
		Type:            observerproto.TypeChunkUnload,
		ProtocolVersion: observerproto.Version,
		CX:              c.X,
		CY:              c.Y,
	})
	return b
}

func chunkVisMsg(c store.Coord, vis *store.Visibility) []byte {
	b, _ := json.Marshal(observerproto.ChunkVisMsg{
		Type:            observerproto.TypeChunkVis,
		ProtocolVersion: observerproto.Version,
		CX:              c.X,
		CY:              c.Y,
		Encoding:        observerproto.EncodingRLE,
		Vis:             encoding.EncodeRLE(store.EncodeVisibility(vis)),
	})
	return b
}

// ObserverCount is safe from any goroutine.
func (w *World) ObserverCount() int {
	if m := w.metrics.Load(); m != nil {
		return m.Observers
	}
	return 0
}
