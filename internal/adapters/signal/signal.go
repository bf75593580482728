// Package signal is the websocket signaling endpoint: one connection per
// browser tab carrying requests, responses and server pushes.
package signal

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/dkeye/VoiceGateway/internal/app"
	"github.com/dkeye/VoiceGateway/internal/app/rooms"
	"github.com/dkeye/VoiceGateway/internal/core"
	"github.com/dkeye/VoiceGateway/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var ErrBackpressure = errors.New("backpressure")

// Rooms is the room registry as seen by signaling.
type Rooms interface {
	CreateRoom(ctx context.Context) (domain.RoomID, error)
	AddParticipant(ctx context.Context, roomID domain.RoomID, conn core.SessionID, name string, langs domain.Languages) (rooms.JoinResult, error)
	RemoveParticipant(ctx context.Context, roomID domain.RoomID, pid domain.ParticipantID)
	Binding(conn core.SessionID) (domain.RoomID, domain.ParticipantID, bool)
	RouterCapabilities(roomID domain.RoomID) (domain.RtpCapabilities, error)
	CreateTransport(ctx context.Context, roomID domain.RoomID, pid domain.ParticipantID, dir domain.Direction) (core.WebRtcTransport, error)
	ConnectTransport(ctx context.Context, roomID domain.RoomID, pid domain.ParticipantID, tid domain.TransportID, params domain.ConnectParams) error
	CreateProducer(ctx context.Context, roomID domain.RoomID, pid domain.ParticipantID, tid domain.TransportID, kind domain.MediaKind, params domain.RtpParameters) (core.Producer, error)
	CloseProducer(ctx context.Context, roomID domain.RoomID, pid domain.ParticipantID, id domain.ProducerID) error
	CreateConsumer(ctx context.Context, roomID domain.RoomID, pid domain.ParticipantID, producerID domain.ProducerID, caps domain.RtpCapabilities) (core.Consumer, error)
	ResumeConsumer(ctx context.Context, roomID domain.RoomID, pid domain.ParticipantID, cid domain.ConsumerID) error
	PauseConsumer(ctx context.Context, roomID domain.RoomID, pid domain.ParticipantID, cid domain.ConsumerID) error
}

type Options struct {
	ReadLimit      int64
	PingPeriod     time.Duration
	SendBuffer     int
	RequestTimeout time.Duration
	// RateLimit requests of the room-creating/joining kind per RateWindow.
	RateLimit  int
	RateWindow time.Duration
	CORSOrigin string
}

func DefaultOptions() Options {
	return Options{
		ReadLimit:      1 << 20,
		PingPeriod:     10 * time.Second,
		SendBuffer:     64,
		RequestTimeout: 20 * time.Second,
		RateLimit:      10,
		RateWindow:     10 * time.Second,
		CORSOrigin:     "*",
	}
}

type SignalWSController struct {
	rooms    Rooms
	hub      *app.Registry
	limiter  *RequestLimiter
	validate *validator.Validate
	opts     Options
	upgrader websocket.Upgrader
	routes   map[string]handlerFunc
}

func NewSignalWSController(rooms Rooms, hub *app.Registry, opts Options) *SignalWSController {
	def := DefaultOptions()
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = def.ReadLimit
	}
	if opts.PingPeriod <= 0 {
		opts.PingPeriod = def.PingPeriod
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = def.SendBuffer
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = def.RequestTimeout
	}
	if opts.RateLimit <= 0 {
		opts.RateLimit = def.RateLimit
	}
	if opts.RateWindow <= 0 {
		opts.RateWindow = def.RateWindow
	}
	origin := opts.CORSOrigin
	ctl := &SignalWSController{
		rooms:    rooms,
		hub:      hub,
		limiter:  NewRequestLimiter(opts.RateLimit, opts.RateWindow),
		validate: validator.New(validator.WithRequiredStructEnabled()),
		opts:     opts,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return origin == "" || origin == "*" || r.Header.Get("Origin") == origin
			},
		},
	}
	ctl.routes = ctl.handlers()
	return ctl
}

type WsSignalConn struct {
	conn *websocket.Conn
	send chan core.Frame

	mu     sync.RWMutex
	closed bool
}

func (c *WsSignalConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return errors.New("connection closed")
	}
	select {
	case c.send <- f:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *WsSignalConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

// HandleSignal upgrades the request and serves the connection until it drops.
func (ctl *SignalWSController) HandleSignal(ctx context.Context, c *gin.Context) {
	sid := core.SessionID(uuid.NewString())

	ws, err := ctl.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}
	log.Info().Str("module", "signal").Str("sid", string(sid)).Str("remote", c.ClientIP()).Msg("new WS connection")

	conn := &WsSignalConn{
		conn: ws,
		send: make(chan core.Frame, ctl.opts.SendBuffer),
	}
	ctx, cancel := context.WithCancel(ctx)
	ctl.hub.BindSignal(sid, conn, cancel)
	ctl.push(sid, core.PushConnected, map[string]string{"connectionId": string(sid)})

	go ctl.writePump(ctx, conn)
	go ctl.readPump(ctx, sid, conn, cancel)
}

// disconnect is the same teardown as leave-room.
func (ctl *SignalWSController) disconnect(sid core.SessionID) {
	if roomID, pid, ok := ctl.rooms.Binding(sid); ok {
		log.Info().Str("module", "signal").Str("sid", string(sid)).Str("room_id", string(roomID)).Msg("disconnect while in room")
		ctl.rooms.RemoveParticipant(context.Background(), roomID, pid)
	}
	ctl.hub.Unbind(sid)
	ctl.limiter.Forget(sid)
}
