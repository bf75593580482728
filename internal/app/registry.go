// Package app keeps the live signaling connections and their room binding,
// and delivers pushes to them.
package app

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/dkeye/VoiceGateway/internal/core"
	"github.com/dkeye/VoiceGateway/internal/domain"
	"github.com/rs/zerolog/log"
)

type sessionEntry struct {
	Conn   core.SignalConnection
	Cancel context.CancelFunc
	Room   domain.RoomID
	PID    domain.ParticipantID
	drops  int
}

// Registry maps connection ids to connections. It implements core.Notifier.
type Registry struct {
	mu       sync.RWMutex
	sessions map[core.SessionID]*sessionEntry
	policy   Policy
}

var _ core.Notifier = (*Registry)(nil)

func NewRegistry(policy Policy) *Registry {
	if policy == nil {
		policy = DropThenKick{}
	}
	return &Registry{
		sessions: make(map[core.SessionID]*sessionEntry),
		policy:   policy,
	}
}

func (r *Registry) BindSignal(sid core.SessionID, conn core.SignalConnection, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[sid] = &sessionEntry{Conn: conn, Cancel: cancel}
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Msg("bound signal")
}

func (r *Registry) Unbind(sid core.SessionID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, sid)
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Msg("unbind session")
}

// JoinRoom records the room binding of a connection.
func (r *Registry) JoinRoom(sid core.SessionID, room domain.RoomID, pid domain.ParticipantID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[sid]
	if !ok {
		return false
	}
	e.Room, e.PID = room, pid
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Str("room_id", string(room)).Msg("bound room")
	return true
}

func (r *Registry) RemoveRoom(sid core.SessionID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.sessions[sid]; ok {
		e.Room, e.PID = "", ""
	}
}

func (r *Registry) RoomOf(sid core.SessionID) (domain.RoomID, domain.ParticipantID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.sessions[sid]
	if !ok || e.Room == "" {
		return "", "", false
	}
	return e.Room, e.PID, true
}

type regSnap struct {
	SID  core.SessionID
	PID  domain.ParticipantID
	Conn core.SignalConnection
}

func (r *Registry) MembersOfRoom(room domain.RoomID) []regSnap {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]regSnap, 0, len(r.sessions))
	for sid, e := range r.sessions {
		if e.Room == room {
			out = append(out, regSnap{SID: sid, PID: e.PID, Conn: e.Conn})
		}
	}
	return out
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Cancel stops the connection's pumps; the disconnect path does the rest.
func (r *Registry) Cancel(sid core.SessionID) bool {
	r.mu.RLock()
	e, ok := r.sessions[sid]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	if e.Cancel != nil {
		e.Cancel()
	}
	e.Conn.Close()
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Msg("canceled session")
	return true
}

func encode(push core.Push) (core.Frame, bool) {
	b, err := json.Marshal(push)
	if err != nil {
		log.Error().Err(err).Str("module", "app.registry").Str("type", push.Type).Msg("encode push")
		return nil, false
	}
	return b, true
}

func (r *Registry) NotifyRoom(room domain.RoomID, skip domain.ParticipantID, push core.Push) {
	frame, ok := encode(push)
	if !ok {
		return
	}
	for _, m := range r.MembersOfRoom(room) {
		if skip != "" && m.PID == skip {
			continue
		}
		r.deliver(m.SID, m.Conn, frame)
	}
}

func (r *Registry) NotifyParticipant(room domain.RoomID, pid domain.ParticipantID, push core.Push) {
	frame, ok := encode(push)
	if !ok {
		return
	}
	for _, m := range r.MembersOfRoom(room) {
		if m.PID == pid {
			r.deliver(m.SID, m.Conn, frame)
		}
	}
}

// Send delivers a frame to one connection under the backpressure policy.
func (r *Registry) Send(sid core.SessionID, frame core.Frame) {
	r.mu.RLock()
	e, ok := r.sessions[sid]
	r.mu.RUnlock()
	if ok {
		r.deliver(sid, e.Conn, frame)
	}
}

func (r *Registry) deliver(sid core.SessionID, conn core.SignalConnection, frame core.Frame) {
	err := conn.TrySend(frame)
	r.mu.Lock()
	e, ok := r.sessions[sid]
	if !ok {
		r.mu.Unlock()
		return
	}
	if err == nil {
		e.drops = 0
		r.mu.Unlock()
		return
	}
	e.drops++
	drops := e.drops
	r.mu.Unlock()

	switch r.policy.OnBackPressure(sid, drops) {
	case KickMember:
		log.Warn().Str("module", "app.registry").Str("sid", string(sid)).Int("drops", drops).Msg("slow connection kicked")
		r.Cancel(sid)
	case DropFrame:
		log.Debug().Str("module", "app.registry").Str("sid", string(sid)).Err(err).Msg("push dropped")
	}
}
