package streaming

import (
	"time"

	"github.com/go-gl/mathgl/mgl32"

	"tileworld.ai/internal/sim/world/chunks"
	"tileworld.ai/internal/sim/world/terrain/collision"
	"tileworld.ai/internal/sim/world/terrain/store"
)

// ChunkLoadingBudget is the default wall time PollLoads may spend committing
// per tick.
const ChunkLoadingBudget = 4 * time.Millisecond

// Loader is an external handle whose position keeps chunks resident. Radius
// and PreloadRing are in chunks; see chunks.Area.
type Loader struct {
	ID          string
	Pos         mgl32.Vec2
	Radius      int
	PreloadRing int
}

func (l Loader) Area() chunks.Area {
	return chunks.Area{
		Center:      store.ChunkAt(float64(l.Pos.X()), float64(l.Pos.Y())),
		Radius:      l.Radius,
		PreloadRing: l.PreloadRing,
	}
}

type State uint8

const (
	Absent State = iota
	Loading
	Resident
)

func (s State) String() string {
	switch s {
	case Loading:
		return "loading"
	case Resident:
		return "resident"
	default:
		return "absent"
	}
}

// Store is the durable side of the registry. A nil tiles or vis result means
// that half is not stored. SaveChunk skips nil halves and writes the rest in
// one transaction.
type Store interface {
	LoadChunk(mapID int64, c store.Coord) (*store.Tiles, *store.Visibility, error)
	SaveChunk(mapID int64, c store.Coord, tiles *store.Tiles, vis *store.Visibility) error
}

type Generator interface {
	GenerateChunk(c store.Coord) *store.Tiles
}

// ColliderSink is the physics collaborator. Spawn replaces any collider
// already registered for the chunk.
type ColliderSink interface {
	Spawn(c store.Coord, m *collision.Trimesh)
	Despawn(c store.Coord)
}

// Listener observes chunk lifecycle after the registry has applied it.
type Listener interface {
	ChunkCommitted(ch *store.Chunk)
	ChunkEvicted(c store.Coord)
}

type PollReport struct {
	Committed []store.Coord

	// Deferred is the number of finished loads carried to the next tick.
	Deferred int
	Elapsed  time.Duration

	// Debt is the overrun charged against the next tick. Skipped is set when
	// earlier debt consumed the whole tick.
	Debt    time.Duration
	Skipped bool
}

type Stats struct {
	Wanted        int
	Resident      int
	Preloaded     int
	Loading       int
	Queued        int
	Ready         int
	Committed     uint64
	Evicted       uint64
	Cancelled     uint64
	Generated     uint64
	FromStore     uint64
	ReadErrors    uint64
	FlushErrors   uint64
	Flushed       uint64
	Debt          time.Duration
	Colliders     int
	ColliderRects int
}
