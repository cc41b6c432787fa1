package chunks

import (
	"testing"

	"tileworld.ai/internal/sim/world/terrain/store"
)

func count(evs []Event, k Kind) int {
	n := 0
	for _, e := range evs {
		if e.Kind == k {
			n++
		}
	}
	return n
}

func TestNeighborhood(t *testing.T) {
	out := Neighborhood([]store.Coord{{}}, 1, 4)
	if len(out) != 4 {
		t.Fatalf("expected clipped 4 chunks, got %d", len(out))
	}
	if out[0] != (store.Coord{}) {
		t.Fatalf("closest chunk should be center, got %+v", out[0])
	}
	if got := len(Neighborhood([]store.Coord{{}}, 2, 0)); got != 25 {
		t.Fatalf("radius 2 should cover 25 chunks, got %d", got)
	}
}

func TestTrack_SingleLoader(t *testing.T) {
	tr := NewTracker()
	evs := tr.Track([]Area{{Center: store.Coord{}, Radius: 2}})
	if len(evs) != 25 || count(evs, Load) != 25 {
		t.Fatalf("expected 25 loads, got %d events", len(evs))
	}
	if evs[0].Coord != (store.Coord{}) {
		t.Fatalf("first load should be the loader's chunk, got %v", evs[0].Coord)
	}
	if again := tr.Track([]Area{{Center: store.Coord{}, Radius: 2}}); len(again) != 0 {
		t.Fatalf("unchanged loaders should emit nothing, got %d", len(again))
	}
}

func TestTrack_TeleportLoadsBeforeUnloads(t *testing.T) {
	tr := NewTracker()
	tr.Track([]Area{{Center: store.Coord{}, Radius: 2}})
	evs := tr.Track([]Area{{Center: store.Coord{X: 1000}, Radius: 2}})
	if count(evs, Load) != 25 || count(evs, Unload) != 25 {
		t.Fatalf("unexpected events: %d loads %d unloads", count(evs, Load), count(evs, Unload))
	}
	seenUnload := false
	for _, e := range evs {
		if e.Kind == Unload {
			seenUnload = true
		} else if seenUnload {
			t.Fatalf("load %v emitted after an unload", e.Coord)
		}
	}
}

func TestTrack_Refcount(t *testing.T) {
	tr := NewTracker()
	a := Area{Center: store.Coord{}, Radius: 1}
	b := Area{Center: store.Coord{X: 2}, Radius: 1}
	tr.Track([]Area{a, b})
	if got := tr.Refs(store.Coord{X: 1}); got != 2 {
		t.Fatalf("shared chunk refs=%d want 2", got)
	}
	if tr.Len() != 15 {
		t.Fatalf("tracked=%d want 15", tr.Len())
	}

	evs := tr.Track([]Area{b})
	// Column x=-1 and x=0 drop out; x=1 is still covered by b.
	if count(evs, Unload) != 6 || count(evs, Load) != 0 {
		t.Fatalf("unexpected events after removing a: %+v", evs)
	}
	if got := tr.Refs(store.Coord{X: 1}); got != 1 {
		t.Fatalf("shared chunk refs=%d want 1", got)
	}
}

func TestTrack_PreloadRing(t *testing.T) {
	tr := NewTracker()
	evs := tr.Track([]Area{{Center: store.Coord{}, Radius: 2, PreloadRing: 1}})
	if count(evs, Load) != 9 || count(evs, Preload) != 16 {
		t.Fatalf("got %d loads %d preloads", count(evs, Load), count(evs, Preload))
	}
	for i, e := range evs {
		if e.Kind == Preload && i < 9 {
			t.Fatalf("preload emitted before all loads")
		}
	}
	if tr.Hard(store.Coord{X: 2}) {
		t.Fatalf("ring chunk should not be hard")
	}

	// Moving one chunk right promotes the old ring column at x=2.
	evs = tr.Track([]Area{{Center: store.Coord{X: 1}, Radius: 2, PreloadRing: 1}})
	if count(evs, Load) != 3 {
		t.Fatalf("expected 3 promoted loads, got %d", count(evs, Load))
	}
	if count(evs, Unload) != 5 || count(evs, Preload) != 5 {
		t.Fatalf("got %d unloads %d preloads", count(evs, Unload), count(evs, Preload))
	}
}

func TestKindString(t *testing.T) {
	if Load.String() != "LOAD" || Unload.String() != "UNLOAD" || Preload.String() != "PRELOAD" {
		t.Fatalf("unexpected kind names")
	}
}
