package signal

import (
	"context"
	"encoding/json"

	"github.com/dkeye/VoiceGateway/internal/domain"
	"github.com/rs/zerolog/log"
)

type joinPayload struct {
	RoomID         domain.RoomID `json:"roomId" validate:"required"`
	Name           string        `json:"name"`
	SourceLanguage string        `json:"sourceLanguage" validate:"omitempty,max=16"`
	TargetLanguage string        `json:"targetLanguage" validate:"omitempty,max=16"`
}

type joinResponse struct {
	ParticipantID   domain.ParticipantID     `json:"participantId"`
	Participants    []domain.ParticipantInfo `json:"participants"`
	RtpCapabilities domain.RtpCapabilities   `json:"rtpCapabilities"`
}

func (ctl *SignalWSController) handleCreateRoom(ctx context.Context, s *session, _ json.RawMessage) (any, error) {
	id, err := ctl.rooms.CreateRoom(ctx)
	if err != nil {
		return nil, err
	}
	log.Info().Str("module", "signal").Str("sid", string(s.sid)).Str("room_id", string(id)).Msg("room created")
	return map[string]domain.RoomID{"roomId": id}, nil
}

func (ctl *SignalWSController) handleJoin(ctx context.Context, s *session, data json.RawMessage) (any, error) {
	var p joinPayload
	if err := ctl.decode(data, &p); err != nil {
		return nil, err
	}
	if _, _, ok := ctl.rooms.Binding(s.sid); ok {
		return nil, domain.ErrAlreadyInRoom
	}
	res, err := ctl.rooms.AddParticipant(ctx, p.RoomID, s.sid, p.Name, domain.Languages{
		Source: p.SourceLanguage,
		Target: p.TargetLanguage,
	})
	if err != nil {
		return nil, err
	}
	ctl.hub.JoinRoom(s.sid, p.RoomID, res.Participant.ID)
	log.Info().Str("module", "signal").Str("sid", string(s.sid)).Str("room_id", string(p.RoomID)).Msg("join")

	participants := res.Participants
	if participants == nil {
		participants = []domain.ParticipantInfo{}
	}
	return joinResponse{
		ParticipantID:   res.Participant.ID,
		Participants:    participants,
		RtpCapabilities: res.RtpCapabilities,
	}, nil
}

// handleLeave leaves the current room; the connection stays open.
func (ctl *SignalWSController) handleLeave(ctx context.Context, s *session, _ json.RawMessage) (any, error) {
	roomID, pid, err := ctl.bound(s)
	if err != nil {
		return nil, err
	}
	log.Info().Str("module", "signal").Str("sid", string(s.sid)).Str("room_id", string(roomID)).Msg("leave")
	ctl.rooms.RemoveParticipant(ctx, roomID, pid)
	ctl.hub.RemoveRoom(s.sid)
	return nil, nil
}
