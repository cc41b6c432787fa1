package observerproto

// Version is the observer protocol version.
const Version = "0.1"

const (
	TypeSubscribe   = "SUBSCRIBE"
	TypeTick        = "TICK"
	TypeChunkLoad   = "CHUNK_LOAD"
	TypeChunkUnload = "CHUNK_UNLOAD"
	TypeChunkVis    = "CHUNK_VIS"

	EncodingRLE = "RLE"
)

// Client -> Server. First message on the observer WS connection, and can be
// re-sent to move the focus or change the radius.
type SubscribeMsg struct {
	Type            string  `json:"type"`
	ProtocolVersion string  `json:"protocol_version"`
	X               float32 `json:"x"`
	Y               float32 `json:"y"`
	ChunkRadius     int     `json:"chunk_radius"`
	MaxChunks       int     `json:"max_chunks"`
}

// HTTP response for GET /v1/bootstrap.
type BootstrapResponse struct {
	ProtocolVersion string      `json:"protocol_version"`
	MapID           int64       `json:"map_id"`
	Tick            uint64      `json:"tick"`
	WorldParams     WorldParams `json:"world_params"`
}

type WorldParams struct {
	TickRateHz      int        `json:"tick_rate_hz"`
	ChunkSize       int        `json:"chunk_size"`
	TileSize        int        `json:"tile_size"`
	MacroPxPerChunk int        `json:"macro_px_per_chunk"`
	MacroDims       [2]int     `json:"macro_dims"`
	Seed            uint64     `json:"seed"`
	Spawn           [2]float32 `json:"spawn"`
}

// Server -> Client. Sent every tick.
type TickMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Tick            uint64 `json:"tick"`

	Resident int        `json:"resident"`
	Loading  int        `json:"loading"`
	Focus    [2]float32 `json:"focus"`
	DebtUs   int64      `json:"debt_us,omitempty"`
}

// Server -> Client. Full tile and visibility grids for a chunk, row-major.
type ChunkLoadMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	CX              int    `json:"cx"`
	CY              int    `json:"cy"`
	Encoding        string `json:"encoding"`
	Tiles           string `json:"tiles"`
	Vis             string `json:"vis"`
	Rects           int    `json:"rects"`
}

// Server -> Client. Updated visibility grid for a chunk already sent.
type ChunkVisMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	CX              int    `json:"cx"`
	CY              int    `json:"cy"`
	Encoding        string `json:"encoding"`
	Vis             string `json:"vis"`
}

type ChunkUnloadMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	CX              int    `json:"cx"`
	CY              int    `json:"cy"`
}
