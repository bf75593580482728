package core

import (
	"context"

	"github.com/dkeye/VoiceGateway/internal/domain"
)

// Event types published on the shared event channel.
const (
	EventRoomCreated       = "room-created"
	EventRoomClosed        = "room-closed"
	EventParticipantJoined = "participant-joined"
	EventParticipantLeft   = "participant-left"
	EventNewProducer       = "new-producer"
	EventProducerClosed    = "producer-closed"
)

// Event is the compact cross-instance notification.
type Event struct {
	Type          string               `json:"type"`
	Node          string               `json:"node,omitempty"`
	RoomID        domain.RoomID        `json:"roomId"`
	ParticipantID domain.ParticipantID `json:"participantId,omitempty"`
	ProducerID    domain.ProducerID    `json:"producerId,omitempty"`
	Kind          domain.MediaKind     `json:"kind,omitempty"`
	Name          string               `json:"name,omitempty"`
	Timestamp     int64                `json:"timestamp"`
}

// EventPublisher is a soft dependency: failures are the publisher's to log,
// never the caller's to handle.
type EventPublisher interface {
	Publish(ctx context.Context, evt Event)
}

// Notifier delivers pushes to participants of a room.
type Notifier interface {
	// NotifyRoom pushes to every participant in the room except skip (may be empty).
	NotifyRoom(roomID domain.RoomID, skip domain.ParticipantID, push Push)
	NotifyParticipant(roomID domain.RoomID, pid domain.ParticipantID, push Push)
}
