// Package chunks computes loader neighbourhoods and turns changes in chunk
// coverage into load, preload and unload events.
package chunks

import (
	"sort"

	"tileworld.ai/internal/sim/world/logic/mathx"
	"tileworld.ai/internal/sim/world/terrain/store"
)

type Kind uint8

const (
	Load Kind = iota + 1
	Preload
	Unload
)

func (k Kind) String() string {
	switch k {
	case Load:
		return "LOAD"
	case Preload:
		return "PRELOAD"
	case Unload:
		return "UNLOAD"
	default:
		return "UNKNOWN"
	}
}

type Event struct {
	Kind  Kind
	Coord store.Coord
}

// Area is one loader's footprint in chunk space: the square of chunks within
// Radius. The outermost PreloadRing rings of that square are preloaded at low
// priority; the rest is loaded. The centre chunk is always a load.
type Area struct {
	Center      store.Coord
	Radius      int
	PreloadRing int
}

func (a Area) inner() int {
	return mathx.MaxInt(a.Radius-mathx.MaxInt(a.PreloadRing, 0), 0)
}

// Cover is how many areas reach a chunk, split by ring.
type Cover struct {
	Hard int
	Soft int
}

func (c Cover) Refs() int { return c.Hard + c.Soft }

// Neighborhood returns the square (2r+1)² neighbourhoods around the centers,
// nearest first. max <= 0 means unbounded.
func Neighborhood(centers []store.Coord, radius int, max int) []store.Coord {
	if radius < 0 {
		radius = 0
	}
	dist := map[store.Coord]int{}
	for _, a := range centers {
		for dy := -radius; dy <= radius; dy++ {
			for dx := -radius; dx <= radius; dx++ {
				k := store.Coord{X: a.X + dx, Y: a.Y + dy}
				d := mathx.MaxInt(mathx.AbsInt(dx), mathx.AbsInt(dy))
				if prev, ok := dist[k]; !ok || d < prev {
					dist[k] = d
				}
			}
		}
	}
	out := make([]store.Coord, 0, len(dist))
	for k := range dist {
		out = append(out, k)
	}
	sortByDist(out, dist)
	if max > 0 && len(out) > max {
		out = out[:max]
	}
	return out
}

// Coverage counts, for every chunk, the areas whose neighbourhood contains it.
func Coverage(areas []Area) map[store.Coord]Cover {
	out := map[store.Coord]Cover{}
	for _, a := range areas {
		r := a.Radius
		if r < 0 {
			continue
		}
		in := a.inner()
		for dy := -r; dy <= r; dy++ {
			for dx := -r; dx <= r; dx++ {
				k := store.Coord{X: a.Center.X + dx, Y: a.Center.Y + dy}
				cv := out[k]
				if mathx.MaxInt(mathx.AbsInt(dx), mathx.AbsInt(dy)) <= in {
					cv.Hard++
				} else {
					cv.Soft++
				}
				out[k] = cv
			}
		}
	}
	return out
}

// Tracker keeps per-chunk reference counts between ticks. Not safe for
// concurrent use.
type Tracker struct {
	cover map[store.Coord]Cover
}

func NewTracker() *Tracker {
	return &Tracker{cover: map[store.Coord]Cover{}}
}

// Track replaces the set of areas and returns the resulting events. A chunk
// whose refcount goes 0→n is loaded (or preloaded when only preload rings
// reach it); a preloaded chunk that moves into some area's inner square is
// announced again as Load; n→0 unloads it. All loads come before all unloads, nearest first.
func (t *Tracker) Track(areas []Area) []Event {
	next := Coverage(areas)

	dist := map[store.Coord]int{}
	var loads, upgrades, unloads []store.Coord
	var preloads []store.Coord
	for c, cv := range next {
		prev, had := t.cover[c]
		switch {
		case !had:
			if cv.Hard > 0 {
				loads = append(loads, c)
			} else {
				preloads = append(preloads, c)
			}
		case prev.Hard == 0 && cv.Hard > 0:
			upgrades = append(upgrades, c)
		default:
			continue
		}
		dist[c] = nearest(c, areas)
	}
	for c := range t.cover {
		if _, ok := next[c]; !ok {
			unloads = append(unloads, c)
		}
	}
	t.cover = next

	loads = append(loads, upgrades...)
	sortByDist(loads, dist)
	sortByDist(preloads, dist)
	sortCoords(unloads)

	out := make([]Event, 0, len(loads)+len(preloads)+len(unloads))
	for _, c := range loads {
		out = append(out, Event{Kind: Load, Coord: c})
	}
	for _, c := range preloads {
		out = append(out, Event{Kind: Preload, Coord: c})
	}
	for _, c := range unloads {
		out = append(out, Event{Kind: Unload, Coord: c})
	}
	return out
}

// Refs reports how many areas currently cover c.
func (t *Tracker) Refs(c store.Coord) int {
	return t.cover[c].Refs()
}

// Hard reports whether c is inside at least one area's inner square.
func (t *Tracker) Hard(c store.Coord) bool {
	return t.cover[c].Hard > 0
}

// Len is the number of chunks some area currently covers.
func (t *Tracker) Len() int { return len(t.cover) }

func nearest(c store.Coord, areas []Area) int {
	best := -1
	for _, a := range areas {
		d := mathx.MaxInt(mathx.AbsInt(c.X-a.Center.X), mathx.AbsInt(c.Y-a.Center.Y))
		if best < 0 || d < best {
			best = d
		}
	}
	return best
}

func sortByDist(cs []store.Coord, dist map[store.Coord]int) {
	sort.Slice(cs, func(i, j int) bool {
		di, dj := dist[cs[i]], dist[cs[j]]
		if di != dj {
			return di < dj
		}
		return less(cs[i], cs[j])
	})
}

func sortCoords(cs []store.Coord) {
	sort.Slice(cs, func(i, j int) bool { return less(cs[i], cs[j]) })
}

func less(a, b store.Coord) bool {
	if a.X != b.X {
		return a.X < b.X
	}
	return a.Y < b.Y
}
