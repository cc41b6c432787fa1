package world

import (
	"context"
	"time"

	"tileworld.ai/internal/sim/world/fow"
	"tileworld.ai/internal/sim/world/streaming"
)

// Placement replaces the loader and revealer registered under ID. A nil
// Loader or Revealer removes that role; Placement{ID: id} removes both.
type Placement struct {
	ID       string
	Loader   *streaming.Loader
	Revealer *fow.Revealer
}

// ObserverRequest carries one observer session change. Set exactly one of
// Join, Subscribe or Leave.
type ObserverRequest struct {
	Join      *ObserverJoinRequest
	Subscribe *ObserverSubscribeRequest
	Leave     string
}

func (w *World) Place() chan<- Placement         { return w.place }
func (w *World) SetTile() chan<- TileEdit        { return w.setTile }
func (w *World) Observe() chan<- ObserverRequest { return w.observerReq }
func (w *World) Stopped() <-chan struct{}        { return w.stop }

// ApplyPlacement runs on the loop goroutine.
func (w *World) ApplyPlacement(p Placement) {
	if p.ID == "" {
		return
	}
	if p.Loader != nil {
		l := *p.Loader
		l.ID = p.ID
		w.PutLoader(l)
	} else {
		w.DropLoader(p.ID)
	}
	if p.Revealer != nil {
		r := *p.Revealer
		r.ID = p.ID
		w.PutRevealer(r)
	} else {
		w.DropRevealer(p.ID)
	}
}

func (w *World) handleObserverRequest(req ObserverRequest) {
	switch {
	case req.Join != nil:
		w.handleObserverJoin(*req.Join)
	case req.Subscribe != nil:
		w.handleObserverSubscribe(*req.Subscribe)
	case req.Leave != "":
		w.handleObserverLeave(req.Leave)
	}
}

// Run drives the world at the configured tick rate until ctx is cancelled or
// Stop is called. Inputs arriving between ticks apply at the next tick.
func (w *World) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.TickInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.stop:
			return nil
		case p := <-w.place:
			w.ApplyPlacement(p)
		case e := <-w.setTile:
			w.QueueTileEdit(e)
		case req := <-w.observerReq:
			w.handleObserverRequest(req)
		case reply := <-w.flushReq:
			reply <- w.FlushNow()
		case <-ticker.C:
			w.Step()
		}
	}
}

func (w *World) Stop() { w.stopOnce.Do(func() { close(w.stop) }) }

// Flush asks the running loop to write every dirty chunk and waits for it.
func (w *World) Flush(ctx context.Context) error {
	reply := make(chan error, 1)
	select {
	case w.flushReq <- reply:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func sendLatest(ch chan []byte, b []byte) {
	select {
	case ch <- b:
		return
	default:
	}
	// Drop one.
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- b:
	default:
	}
}

func trySend(ch chan []byte, b []byte) bool {
	select {
	case ch <- b:
		return true
	default:
		return false
	}
}
