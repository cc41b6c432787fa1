package world

import (
	"time"

	"tileworld.ai/internal/sim/world/streaming"
)

// Metrics is a point-in-time copy published at the end of every tick. Readers
// on other goroutines get it through World.Metrics.
type Metrics struct {
	Tick      uint64
	Loaders   int
	Revealers int
	Observers int

	Wanted      int
	Resident    int
	Preloaded   int
	Loading     int
	Queued      int
	Committed   uint64
	Evicted     uint64
	Cancelled   uint64
	Generated   uint64
	FromStore   uint64
	ReadErrors  uint64
	FlushErrors uint64
	Colliders   int

	LastCommitted int
	LastDeferred  int
	LastElapsed   time.Duration
	Debt          time.Duration
}

func (w *World) publishMetrics(poll streaming.PollReport) {
	s := w.reg.Stats()
	w.metrics.Store(&Metrics{
		Tick:      w.tick.Load(),
		Loaders:   len(w.loaders),
		Revealers: len(w.revealers),
		Observers: len(w.observers),

		Wanted:      s.Wanted,
		Resident:    s.Resident,
		Preloaded:   s.Preloaded,
		Loading:     s.Loading,
		Queued:      s.Queued,
		Committed:   s.Committed,
		Evicted:     s.Evicted,
		Cancelled:   s.Cancelled,
		Generated:   s.Generated,
		FromStore:   s.FromStore,
		ReadErrors:  s.ReadErrors,
		FlushErrors: s.FlushErrors,
		Colliders:   s.Colliders,

		LastCommitted: len(poll.Committed),
		LastDeferred:  poll.Deferred,
		LastElapsed:   poll.Elapsed,
		Debt:          poll.Debt,
	})
}

func (w *World) Metrics() Metrics {
	if m := w.metrics.Load(); m != nil {
		return *m
	}
	return Metrics{}
}
