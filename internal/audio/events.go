package audio

import "github.com/dkeye/VoiceGateway/internal/domain"

// Transcription is a non-empty STT result for one utterance. Seq grows per
// participant in utterance order; results may arrive out of order.
type Transcription struct {
	RoomID        domain.RoomID
	ParticipantID domain.ParticipantID
	Seq           uint64
	Text          string
	Language      string
	Confidence    float64
	Timestamp     int64
	IsFinal       bool
}

// CaptionError reports a failed STT call.
type CaptionError struct {
	RoomID        domain.RoomID
	ParticipantID domain.ParticipantID
	Seq           uint64
	Err           error
	Timestamp     int64
}

// Sink receives the tap's upward events. Calls come from many goroutines.
type Sink interface {
	OnTranscription(Transcription)
	OnCaptionError(CaptionError)
}
