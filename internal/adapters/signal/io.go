package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dkeye/VoiceGateway/internal/core"
	"github.com/dkeye/VoiceGateway/internal/domain"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const writeWait = 5 * time.Second

type request struct {
	ID   int64           `json:"id"`
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type response struct {
	ID    int64         `json:"id"`
	Type  string        `json:"type"`
	OK    bool          `json:"ok"`
	Data  any           `json:"data,omitempty"`
	Error *domain.Error `json:"error,omitempty"`
}

type ack struct{}

type handlerFunc func(ctx context.Context, s *session, data json.RawMessage) (any, error)

type session struct {
	sid core.SessionID
}

func (ctl *SignalWSController) writePump(ctx context.Context, c *WsSignalConn) {
	ticker := time.NewTicker(ctl.opts.PingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Debug().Str("module", "signal").Msg("writePump ctx done")
			c.Close()
			return
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				log.Debug().Err(err).Str("module", "signal").Msg("writePump ping")
				c.Close()
				return
			}
		case data, ok := <-c.send:
			if !ok {
				log.Debug().Str("module", "signal").Msg("writePump channel closed")
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				c.Close()
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump write error")
				c.Close()
				return
			}
		}
	}
}

func (ctl *SignalWSController) readPump(ctx context.Context, sid core.SessionID, c *WsSignalConn, cancel context.CancelFunc) {
	defer func() {
		log.Info().Str("module", "signal").Str("sid", string(sid)).Msg("readPump closing")
		cancel()
		c.Close()
		ctl.disconnect(sid)
	}()

	pongWait := 3 * ctl.opts.PingPeriod
	c.conn.SetReadLimit(ctl.opts.ReadLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	s := &session{sid: sid}
	for {
		if ctx.Err() != nil {
			return
		}
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn().Err(err).Str("module", "signal").Str("sid", string(sid)).Msg("readPump read error")
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		ctl.handleSignal(ctx, s, data)
	}
}

func (ctl *SignalWSController) handlers() map[string]handlerFunc {
	return map[string]handlerFunc{
		"create-room":                 ctl.limited(ctl.handleCreateRoom),
		"join-room":                   ctl.limited(ctl.handleJoin),
		"leave-room":                  ctl.handleLeave,
		"get-router-rtp-capabilities": ctl.handleCapabilities,
		"create-webrtc-transport":     ctl.handleCreateTransport,
		"connect-webrtc-transport":    ctl.handleConnectTransport,
		"produce":                     ctl.handleProduce,
		"consume":                     ctl.handleConsume,
		"resume-consumer":             ctl.handleResumeConsumer,
		"pause-consumer":              ctl.handlePauseConsumer,
		"close-producer":              ctl.handleCloseProducer,
		"ping":                        ctl.handlePing,
		"chat-message":                ctl.handleChat,
		"screen-share-started":        ctl.screenShare(core.PushScreenShareStarted),
		"screen-share-stopped":        ctl.screenShare(core.PushScreenShareStopped),
	}
}

func (ctl *SignalWSController) handleSignal(ctx context.Context, s *session, data []byte) {
	var req request
	if err := json.Unmarshal(data, &req); err != nil {
		log.Debug().Err(err).Str("module", "signal").Str("sid", string(s.sid)).Msg("bad json")
		ctl.respond(s.sid, 0, nil, domain.ErrInvalidInput.WithMessage("malformed message"))
		return
	}
	logger := log.With().Str("module", "signal").Str("sid", string(s.sid)).Str("type", req.Type).Int64("id", req.ID).Logger()

	h, ok := ctl.routes[req.Type]
	if !ok {
		logger.Warn().Msg("unknown signal")
		ctl.respond(s.sid, req.ID, nil, domain.ErrUnknownRequest.WithDetails(req.Type))
		return
	}

	out, err := ctl.run(ctx, s, h, req.Data)
	if err != nil {
		logger.Debug().Err(err).Msg("request failed")
	}
	ctl.respond(s.sid, req.ID, out, err)
}

// run executes one handler; a panic fails only this request.
func (ctl *SignalWSController) run(ctx context.Context, s *session, h handlerFunc, data json.RawMessage) (out any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Error().Str("module", "signal").Str("sid", string(s.sid)).Interface("panic", rec).Msg("handler panic")
			out, err = nil, domain.ErrInternal.WithDetails(fmt.Sprint(rec))
		}
	}()
	ctx, cancel := context.WithTimeout(ctx, ctl.opts.RequestTimeout)
	defer cancel()
	return h(ctx, s, data)
}

func (ctl *SignalWSController) limited(h handlerFunc) handlerFunc {
	return func(ctx context.Context, s *session, data json.RawMessage) (any, error) {
		if !ctl.limiter.Allow(s.sid) {
			return nil, domain.ErrRateLimited
		}
		return h(ctx, s, data)
	}
}

func (ctl *SignalWSController) respond(sid core.SessionID, id int64, data any, err error) {
	resp := response{ID: id, Type: "response", OK: err == nil}
	if err != nil {
		resp.Error = domain.AsError(err)
	} else {
		if data == nil {
			data = ack{}
		}
		resp.Data = data
	}
	ctl.sendJSON(sid, resp)
}

func (ctl *SignalWSController) push(sid core.SessionID, typ string, data any) {
	ctl.sendJSON(sid, core.Push{Type: typ, Data: data})
}

func (ctl *SignalWSController) sendJSON(sid core.SessionID, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("sendJSON marshal")
		return
	}
	ctl.hub.Send(sid, b)
}

// decode unmarshals and validates a request payload.
func (ctl *SignalWSController) decode(data json.RawMessage, v any) error {
	if len(data) == 0 || string(data) == "null" {
		data = json.RawMessage("{}")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return domain.ErrInvalidInput.WithDetails(err.Error())
	}
	if err := ctl.validate.Struct(v); err != nil {
		return domain.ErrInvalidInput.WithDetails(err.Error())
	}
	return nil
}

// bound returns the room binding or ErrNotInRoom.
func (ctl *SignalWSController) bound(s *session) (domain.RoomID, domain.ParticipantID, error) {
	roomID, pid, ok := ctl.rooms.Binding(s.sid)
	if !ok {
		ctl.hub.RemoveRoom(s.sid)
		return "", "", domain.ErrNotInRoom
	}
	return roomID, pid, nil
}
