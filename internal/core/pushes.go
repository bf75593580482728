package core

import "github.com/dkeye/VoiceGateway/internal/domain"

// Server-initiated push types.
const (
	PushConnected          = "connected"
	PushParticipantJoined  = "participant-joined"
	PushParticipantLeft    = "participant-left"
	PushNewProducer        = "new-producer"
	PushProducerClosed     = "producer-closed"
	PushConsumerClosed     = "consumer-closed"
	PushTranscription      = "transcription"
	PushTranslation        = "translation"
	PushGatewayCaption     = "gateway-caption"
	PushCaptionStatus      = "caption-status"
	PushChatMessage        = "chat-message"
	PushScreenShareStarted = "screen-share-started"
	PushScreenShareStopped = "screen-share-stopped"
	PushError              = "error"
)

type ParticipantJoined struct {
	ParticipantID domain.ParticipantID `json:"participantId"`
	Name          string               `json:"name"`
	JoinedAt      int64                `json:"joinedAt"`
	domain.Languages
}

type ParticipantLeft struct {
	ParticipantID domain.ParticipantID `json:"participantId"`
}

type NewProducer struct {
	ProducerID    domain.ProducerID    `json:"producerId"`
	ParticipantID domain.ParticipantID `json:"participantId"`
	Kind          domain.MediaKind     `json:"kind"`
}

type ProducerClosed struct {
	ProducerID    domain.ProducerID    `json:"producerId"`
	ParticipantID domain.ParticipantID `json:"participantId"`
}

type ConsumerClosed struct {
	ConsumerID domain.ConsumerID `json:"consumerId"`
	ProducerID domain.ProducerID `json:"producerId"`
}
