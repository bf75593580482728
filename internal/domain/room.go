// Package domain contains entities and value types without behavior beyond validation.
package domain

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/google/uuid"
)

type (
	RoomID        string
	ParticipantID string
	RouterID      string
	TransportID   string
	ProducerID    string
	ConsumerID    string
)

// NewRoomID returns a 128-bit random id. Room ids are shared out of band,
// so they must not be guessable.
func NewRoomID() RoomID {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return RoomID("room_" + uuid.NewString())
	}
	return RoomID("room_" + hex.EncodeToString(b[:]))
}

func NewParticipantID() ParticipantID { return ParticipantID(uuid.NewString()) }
func NewRouterID() RouterID           { return RouterID(uuid.NewString()) }
func NewTransportID() TransportID     { return TransportID(uuid.NewString()) }
func NewProducerID() ProducerID       { return ProducerID(uuid.NewString()) }
func NewConsumerID() ConsumerID       { return ConsumerID(uuid.NewString()) }
