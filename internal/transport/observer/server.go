package observer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"tileworld.ai/internal/observerproto"
	"tileworld.ai/internal/sim/world"
	"tileworld.ai/internal/sim/world/terrain/gen"
	"tileworld.ai/internal/sim/world/terrain/store"
)

const leaveTimeout = 2 * time.Second

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
	return &Server{
		world: w,
		log:   logger.WithField("component", "observer"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
	}
}

func (s *Server) Bootstrap() observerproto.BootstrapResponse {
	cfg := s.world.Config()
	spawn := s.world.SpawnPosition()
	return observerproto.BootstrapResponse{
		ProtocolVersion: observerproto.Version,
		MapID:           cfg.MapID,
		Tick:            s.world.CurrentTick(),
		WorldParams: observerproto.WorldParams{
			TickRateHz:      cfg.TickRateHz,
			ChunkSize:       store.ChunkSize,
			TileSize:        store.TileSize,
			MacroPxPerChunk: gen.MacroPxPerChunk,
			MacroDims:       [2]int{cfg.MacroDims[0], cfg.MacroDims[1]},
			Seed:            cfg.Seed,
			Spawn:           [2]float32{spawn.X(), spawn.Y()},
		},
	}
}

func (s *Server) BootstrapHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		rw.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(rw).Encode(s.Bootstrap())
	}
}

func (s *Server) WSHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}

		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			s.log.WithError(err).Debug("upgrade failed")
			return
		}
		defer conn.Close()

		// Handshake: must send SUBSCRIBE first.
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		sub, ok := decodeSubscribe(msg)
		if !ok {
			closeWith(conn, websocket.ClosePolicyViolation, "expected SUBSCRIBE")
			return
		}

		sid := fmt.Sprintf("O%d", s.nextID.Add(1))
		tickOut := make(chan []byte, 8)
		dataOut := make(chan []byte, 4096)

		joinReq := world.ObserverJoinRequest{
			SessionID:   sid,
			TickOut:     tickOut,
			DataOut:     dataOut,
			Focus:       mgl32.Vec2{sub.X, sub.Y},
			ChunkRadius: sub.ChunkRadius,
			MaxChunks:   sub.MaxChunks,
		}
		select {
		case s.world.Observe() <- world.ObserverRequest{Join: &joinReq}:
		default:
			closeWith(conn, websocket.CloseTryAgainLater, "server busy")
			return
		}
		logger := s.log.WithField("session", sid)
		logger.WithField("remote", r.RemoteAddr).Debug("observer connected")
		defer s.leave(sid, logger)

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		// Writer goroutine.
		writeErr := make(chan error, 1)
		go func() {
			for {
				var b []byte
				var ok bool
				select {
				case <-ctx.Done():
					writeErr <- ctx.Err()
					return
				case b, ok = <-dataOut:
				case b, ok = <-tickOut:
				}
				if !ok {
					writeErr <- nil
					_ = conn.Close()
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
				if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
					writeErr <- err
					cancel()
					return
				}
			}
		}()

		// Reader loop: SUBSCRIBE updates move the focus.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				break
			}
			sub, ok := decodeSubscribe(msg)
			if !ok {
				continue
			}
			req := world.ObserverSubscribeRequest{
				SessionID:   sid,
				Focus:       mgl32.Vec2{sub.X, sub.Y},
				ChunkRadius: sub.ChunkRadius,
				MaxChunks:   sub.MaxChunks,
			}
			select {
			case s.world.Observe() <- world.ObserverRequest{Subscribe: &req}:
			default:
				// Drop updates under load; the client may resend.
			}
		}

		cancel()
		closeWith(conn, websocket.CloseNormalClosure, "bye")

		// Best-effort wait for the writer to stop so it doesn't outlive conn.
		select {
		case err := <-writeErr:
			if err != nil && !errors.Is(err, context.Canceled) {
				logger.WithError(err).Debug("observer write failed")
			}
		case <-time.After(500 * time.Millisecond):
		}
		logger.Debug("observer disconnected")
	}
}

func decodeSubscribe(msg []byte) (observerproto.SubscribeMsg, bool) {
	var sub observerproto.SubscribeMsg
	if err := json.Unmarshal(msg, &sub); err != nil {
		return sub, false
	}
	if sub.Type != observerproto.TypeSubscribe || sub.ProtocolVersion != observerproto.Version {
		return sub, false
	}
	normalizeSubscribe(&sub)
	return sub, true
}

func normalizeSubscribe(sub *observerproto.SubscribeMsg) {
	if sub.ChunkRadius <= 0 {
		sub.ChunkRadius = 2
	}
	if sub.ChunkRadius > 8 {
		sub.ChunkRadius = 8
	}
	if sub.MaxChunks <= 0 {
		sub.MaxChunks = 1024
	}
	if sub.MaxChunks > 4096 {
		sub.MaxChunks = 4096
	}
}

func closeWith(conn *websocket.Conn, code int, text string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(time.Second))
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// leave ends the session on the world loop, waiting a bounded time for queue
// room. Requests share one queue, so the leave always lands after the join.
func (s *Server) leave(sid string, logger logrus.FieldLogger) {
	t := time.NewTimer(leaveTimeout)
	defer t.Stop()
	select {
	case s.world.Observe() <- world.ObserverRequest{Leave: sid}:
	case <-s.world.Stopped():
	case <-t.C:
		logger.Warn("world queue full, observer leave dropped")
	}
}
