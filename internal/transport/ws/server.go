package ws

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"tileworld.ai/internal/protocol"
	"tileworld.ai/internal/sim/world"
	"tileworld.ai/internal/sim/world/fow"
	"tileworld.ai/internal/sim/world/logic/mathx"
	"tileworld.ai/internal/sim/world/streaming"
	"tileworld.ai/internal/sim/world/terrain/store"
)

// Requests per second a single driver may send, and the burst on top.
const (
	driverRate  = 60
	driverBurst = 30
)

// leaveTimeout bounds how long a closing session waits for room in the
// world's input queue.
const leaveTimeout = 2 * time.Second

// Server accepts driver connections. Each driver owns one loader and one
// revealer, moved by MOVE messages, and may edit tiles inside its loaded area.
type Server struct {
	world *world.World
	log   logrus.FieldLogger

	upgrader websocket.Upgrader
	nextID   atomic.Uint64
}

func NewServer(w *world.World, logger logrus.FieldLogger) *Server {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	s := &Server{
		world: w,
		log:   logger.WithField("component", "driver"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 * 1024,
			WriteBufferSize: 16 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
	}
	return s
}

type driver struct {
	id     string
	name   string
	handle string
	pos    mgl32.Vec2

	radius       int
	preloadRing  int
	revealRadius int
}

func (d *driver) placement() world.Placement {
	return world.Placement{
		ID:       d.handle,
		Loader:   &streaming.Loader{ID: d.handle, Pos: d.pos, Radius: d.radius, PreloadRing: d.preloadRing},
		Revealer: &fow.Revealer{ID: d.handle, Pos: d.pos, Radius: d.revealRadius},
	}
}

// reaches reports whether a tile lies inside the driver's hard loading area.
func (d *driver) reaches(gx, gy int) bool {
	c, _, _ := store.ChunkOf(gx, gy)
	at := store.ChunkAt(float64(d.pos.X()), float64(d.pos.Y()))
	return mathx.MaxInt(mathx.AbsInt(c.X-at.X), mathx.AbsInt(c.Y-at.Y)) <= d.radius
}

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		d := s.handshake(conn)
		if d == nil {
			return
		}
		logger := s.log.WithFields(logrus.Fields{"driver": d.id, "name": d.name})
		logger.WithField("remote", r.RemoteAddr).Info("driver connected")

		defer s.leave(d, logger)
		if !s.place(d) {
			closeWith(conn, websocket.CloseTryAgainLater, "server busy")
			return
		}

		limiter := rate.NewLimiter(driverRate, driverBurst)

		// Reader loop. Replies are written inline; there is no other writer.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				break
			}
			base, err := protocol.DecodeBase(msg)
			if err != nil {
				_ = s.ack(conn, "", protocol.ErrProtoBadRequest, "bad json")
				continue
			}
			if base.ProtocolVersion != protocol.Version {
				_ = s.ack(conn, "", protocol.ErrProtoBadRequest, "bad protocol_version")
				continue
			}
			if !limiter.Allow() {
				_ = s.ack(conn, "", protocol.ErrRateLimit, "slow down")
				continue
			}

			var werr error
			switch base.Type {
			case protocol.TypeMove:
				werr = s.handleMove(conn, d, msg)
			case protocol.TypeEdit:
				werr = s.handleEdit(conn, d, msg)
			default:
				werr = s.ack(conn, "", protocol.ErrBadRequest, "unknown type "+base.Type)
			}
			if werr != nil {
				logger.WithError(werr).Debug("driver write failed")
				break
			}
		}
		closeWith(conn, websocket.CloseNormalClosure, "bye")
	}
}

func (s *Server) handshake(conn *websocket.Conn) *driver {
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return nil
	}

	base, err := protocol.DecodeBase(msg)
	if err != nil || base.Type != protocol.TypeHello {
		closeWith(conn, websocket.ClosePolicyViolation, "expected HELLO")
		return nil
	}
	var hello protocol.HelloMsg
	if err := json.Unmarshal(msg, &hello); err != nil {
		return nil
	}
	if hello.ProtocolVersion != protocol.Version {
		closeWith(conn, websocket.ClosePolicyViolation, "bad protocol_version")
		return nil
	}
	if strings.TrimSpace(hello.Name) == "" {
		hello.Name = "driver"
	}

	cfg := s.world.Config()
	radius := cfg.ChunkLoaderRadius
	if hello.ChunkRadius > 0 {
		radius = mathx.MinInt(hello.ChunkRadius, 8)
	}
	reveal := cfg.RevealRadius
	if hello.RevealRadius > 0 {
		reveal = mathx.MinInt(hello.RevealRadius, 64)
	}
	id := fmt.Sprintf("D%d", s.nextID.Add(1))
	d := &driver{
		id:           id,
		name:         hello.Name,
		handle:       "drv:" + id,
		pos:          s.world.SpawnPosition(),
		radius:       radius,
		preloadRing:  cfg.PreloadRing,
		revealRadius: reveal,
	}

	welcome := protocol.WelcomeMsg{
		Type:            protocol.TypeWelcome,
		ProtocolVersion: protocol.Version,
		DriverID:        id,
		WorldParams: protocol.WorldParams{
			MapID:        cfg.MapID,
			TickRateHz:   cfg.TickRateHz,
			ChunkSize:    store.ChunkSize,
			TileSize:     store.TileSize,
			ChunkRadius:  d.radius,
			RevealRadius: d.revealRadius,
			Seed:         cfg.Seed,
		},
		Spawn: [2]float32{d.pos.X(), d.pos.Y()},
	}
	if err := writeJSON(conn, welcome); err != nil {
		return nil
	}
	return d
}

// place pushes the driver's loader and revealer to the world loop as one
// request. It does not block.
func (s *Server) place(d *driver) bool {
	select {
	case s.world.Place() <- d.placement():
		return true
	default:
		return false
	}
}

// leave removes the driver from the world. Unlike place it waits for queue
// room, so a busy world cannot keep a departed driver's chunks pinned.
func (s *Server) leave(d *driver, logger logrus.FieldLogger) {
	t := time.NewTimer(leaveTimeout)
	defer t.Stop()
	select {
	case s.world.Place() <- world.Placement{ID: d.handle}:
		logger.Info("driver disconnected")
	case <-s.world.Stopped():
	case <-t.C:
		logger.Warn("world queue full, driver removal dropped")
	}
}

func (s *Server) handleMove(conn *websocket.Conn, d *driver, msg []byte) error {
	var mv protocol.MoveMsg
	if err := json.Unmarshal(msg, &mv); err != nil {
		return s.ack(conn, "", protocol.ErrBadRequest, "bad MOVE")
	}
	prev := d.pos
	d.pos = mgl32.Vec2{mv.X, mv.Y}
	if !s.place(d) {
		d.pos = prev
		return s.ack(conn, mv.ID, protocol.ErrWorldBusy, "world busy")
	}
	return s.ack(conn, mv.ID, "", "")
}

func (s *Server) handleEdit(conn *websocket.Conn, d *driver, msg []byte) error {
	var ed protocol.EditMsg
	if err := json.Unmarshal(msg, &ed); err != nil {
		return s.ack(conn, "", protocol.ErrBadRequest, "bad EDIT")
	}
	if ed.Tile != int(store.Floor) && ed.Tile != int(store.Wall) {
		return s.ack(conn, ed.ID, protocol.ErrInvalidTarget, fmt.Sprintf("unknown tile %d", ed.Tile))
	}
	if !d.reaches(ed.GX, ed.GY) {
		return s.ack(conn, ed.ID, protocol.ErrOutOfReach, "tile outside loaded area")
	}
	select {
	case s.world.SetTile() <- world.TileEdit{GX: ed.GX, GY: ed.GY, Tile: store.Tile(ed.Tile)}:
	default:
		return s.ack(conn, ed.ID, protocol.ErrWorldBusy, "world busy")
	}
	return s.ack(conn, ed.ID, "", "")
}

func (s *Server) ack(conn *websocket.Conn, id, code, text string) error {
	return writeJSON(conn, protocol.AckMsg{
		Type:            protocol.TypeAck,
		ProtocolVersion: protocol.Version,
		AckFor:          id,
		Accepted:        code == "",
		Code:            code,
		Message:         text,
		ServerTick:      s.world.CurrentTick(),
	})
}

func writeJSON(conn *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, b)
}

func closeWith(conn *websocket.Conn, code int, text string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(time.Second))
}
