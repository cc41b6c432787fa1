package protocol

// HELLO (client -> server)
type HelloMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Name            string `json:"name"`

	// Radii default to the server's tuning when zero.
	ChunkRadius  int `json:"chunk_radius,omitempty"`
	RevealRadius int `json:"reveal_radius,omitempty"`
}

// WELCOME (server -> client)
type WelcomeMsg struct {
	Type            string      `json:"type"`
	ProtocolVersion string      `json:"protocol_version"`
	DriverID        string      `json:"driver_id"`
	WorldParams     WorldParams `json:"world_params"`
	Spawn           [2]float32  `json:"spawn"`
}

type WorldParams struct {
	MapID        int64  `json:"map_id"`
	TickRateHz   int    `json:"tick_rate_hz"`
	ChunkSize    int    `json:"chunk_size"`
	TileSize     int    `json:"tile_size"`
	ChunkRadius  int    `json:"chunk_radius"`
	RevealRadius int    `json:"reveal_radius"`
	Seed         uint64 `json:"seed"`
}

// MOVE (client -> server): place the driver at a world position.
type MoveMsg struct {
	Type            string  `json:"type"`
	ProtocolVersion string  `json:"protocol_version"`
	ID              string  `json:"id,omitempty"`
	X               float32 `json:"x"`
	Y               float32 `json:"y"`
}

// EDIT (client -> server): set one tile. Tile is 0 (floor) or 1 (wall).
type EditMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	ID              string `json:"id,omitempty"`
	GX              int    `json:"gx"`
	GY              int    `json:"gy"`
	Tile            int    `json:"tile"`
}

type AckMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	AckFor          string `json:"ack_for"`
	Accepted        bool   `json:"accepted"`
	Code            string `json:"code,omitempty"`
	Message         string `json:"message,omitempty"`
	ServerTick      uint64 `json:"server_tick,omitempty"`
}
