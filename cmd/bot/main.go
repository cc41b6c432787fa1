package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"math"
	"os"
	"os/signal"
	"time"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"tileworld.ai/internal/protocol"
	"tileworld.ai/internal/sim/world/terrain/rng"
)

func main() {
	var (
		url    = flag.String("url", "ws://localhost:8080/v1/ws", "driver ws url")
		name   = flag.String("name", "bot", "driver name")
		seed   = flag.Uint64("seed", uint64(time.Now().UnixNano()), "walk seed")
		step   = flag.Duration("step", 250*time.Millisecond, "time between moves")
		speed  = flag.Float64("speed", 48, "world units per move")
		radius = flag.Int("radius", 0, "chunk radius (0 uses the server default)")
	)
	flag.Parse()

	logger := logrus.WithField("bot", *name)
	conn, _, err := websocket.DefaultDialer.Dial(*url, nil)
	if err != nil {
		logger.WithError(err).Fatal("dial")
	}
	defer conn.Close()

	hello := protocol.HelloMsg{
		Type:            protocol.TypeHello,
		ProtocolVersion: protocol.Version,
		Name:            *name,
		ChunkRadius:     *radius,
	}
	if err := conn.WriteJSON(hello); err != nil {
		logger.WithError(err).Fatal("send HELLO")
	}
	var welcome protocol.WelcomeMsg
	if err := conn.ReadJSON(&welcome); err != nil || welcome.Type != protocol.TypeWelcome {
		logger.WithError(err).Fatal("no WELCOME")
	}
	logger.WithFields(logrus.Fields{
		"driver_id": welcome.DriverID,
		"map_id":    welcome.WorldParams.MapID,
		"seed":      welcome.WorldParams.Seed,
		"spawn":     welcome.Spawn,
	}).Info("welcome")

	go readAcks(conn, logger)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt)
	ticker := time.NewTicker(*step)
	defer ticker.Stop()

	w := newWalker(*seed, mgl32.Vec2{welcome.Spawn[0], welcome.Spawn[1]}, float32(*speed))
	for n := 1; ; n++ {
		select {
		case <-stop:
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
			return
		case <-ticker.C:
		}
		pos := w.next()
		mv := protocol.MoveMsg{
			Type:            protocol.TypeMove,
			ProtocolVersion: protocol.Version,
			ID:              fmt.Sprintf("M%d", n),
			X:               pos.X(),
			Y:               pos.Y(),
		}
		if err := conn.WriteJSON(mv); err != nil {
			logger.WithError(err).Warn("send MOVE")
			return
		}
	}
}

func readAcks(conn *websocket.Conn, logger logrus.FieldLogger) {
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var ack protocol.AckMsg
		if err := json.Unmarshal(msg, &ack); err != nil || ack.Type != protocol.TypeAck {
			continue
		}
		if !ack.Accepted {
			logger.WithFields(logrus.Fields{"ack_for": ack.AckFor, "code": ack.Code}).Warn(ack.Message)
		}
	}
}

// walker drifts around its home with a slowly turning heading and is pulled
// back once it strays too far.
type walker struct {
	r       *rng.Rng
	home    mgl32.Vec2
	pos     mgl32.Vec2
	heading float64
	speed   float32
}

const leash = 4096

func newWalker(seed uint64, home mgl32.Vec2, speed float32) *walker {
	r := rng.New(seed)
	return &walker{r: r, home: home, pos: home, heading: r.Range(0, 2*math.Pi), speed: speed}
}

func (w *walker) next() mgl32.Vec2 {
	w.heading += w.r.Range(-0.4, 0.4)
	if d := w.home.Sub(w.pos); d.Len() > leash {
		w.heading = math.Atan2(float64(d.Y()), float64(d.X()))
	}
	dir := mgl32.Vec2{float32(math.Cos(w.heading)), float32(math.Sin(w.heading))}
	w.pos = w.pos.Add(dir.Mul(w.speed))
	return w.pos
}
