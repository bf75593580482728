package rooms

import (
	"sync"
	"time"

	"github.com/dkeye/VoiceGateway/internal/core"
	"github.com/dkeye/VoiceGateway/internal/domain"
)

// Participant is owned by its Room and only touched under the room lock.
type Participant struct {
	ID        domain.ParticipantID
	Conn      core.SessionID
	Name      string
	JoinedAt  time.Time
	Languages domain.Languages

	send      core.WebRtcTransport
	recv      core.WebRtcTransport
	producers map[domain.ProducerID]core.Producer
	consumers map[domain.ConsumerID]core.Consumer
	// tapped is the audio producer feeding the tap, empty when none.
	tapped domain.ProducerID
}

func newParticipant(conn core.SessionID, name string, langs domain.Languages) *Participant {
	return &Participant{
		ID:        domain.NewParticipantID(),
		Conn:      conn,
		Name:      name,
		JoinedAt:  time.Now(),
		Languages: langs,
		producers: make(map[domain.ProducerID]core.Producer),
		consumers: make(map[domain.ConsumerID]core.Consumer),
	}
}

func (p *Participant) info() domain.ParticipantInfo {
	producers := make([]domain.ProducerInfo, 0, len(p.producers))
	for id, prod := range p.producers {
		producers = append(producers, domain.ProducerInfo{ID: id, Kind: prod.Kind()})
	}
	return domain.ParticipantInfo{
		ID:        p.ID,
		Name:      p.Name,
		JoinedAt:  p.JoinedAt.UnixMilli(),
		Producers: producers,
		Languages: p.Languages,
	}
}

func (p *Participant) transport(dir domain.Direction) core.WebRtcTransport {
	if dir == domain.DirectionSend {
		return p.send
	}
	return p.recv
}

func (p *Participant) transportByID(id domain.TransportID) (core.WebRtcTransport, domain.Direction, bool) {
	switch {
	case p.send != nil && p.send.ID() == id:
		return p.send, domain.DirectionSend, true
	case p.recv != nil && p.recv.ID() == id:
		return p.recv, domain.DirectionRecv, true
	}
	return nil, "", false
}

// Room serializes every mutation of its participants through mu.
type Room struct {
	ID        domain.RoomID
	CreatedAt time.Time

	mu           sync.Mutex
	router       core.Router
	participants map[domain.ParticipantID]*Participant
	closed       bool
}

func (r *Room) others(skip domain.ParticipantID) []domain.ParticipantInfo {
	out := make([]domain.ParticipantInfo, 0, len(r.participants))
	for id, p := range r.participants {
		if id != skip {
			out = append(out, p.info())
		}
	}
	return out
}

// RoomInfo is a lock-free snapshot of a room.
type RoomInfo struct {
	ID           domain.RoomID            `json:"id"`
	CreatedAt    int64                    `json:"createdAt"`
	RouterID     domain.RouterID          `json:"routerId"`
	Participants []domain.ParticipantInfo `json:"participants"`
}

// JoinResult is returned to a joining participant.
type JoinResult struct {
	Participant     domain.ParticipantInfo
	Participants    []domain.ParticipantInfo
	RtpCapabilities domain.RtpCapabilities
}
