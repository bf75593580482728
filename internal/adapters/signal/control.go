package signal

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/dkeye/VoiceGateway/internal/core"
	"github.com/dkeye/VoiceGateway/internal/domain"
)

type chatPayload struct {
	Text string `json:"text" validate:"required,max=2000"`
}

type chatMessage struct {
	ParticipantID domain.ParticipantID `json:"participantId"`
	Text          string               `json:"text"`
	Timestamp     int64                `json:"timestamp"`
}

type screenShare struct {
	ParticipantID domain.ParticipantID `json:"participantId"`
	ProducerID    domain.ProducerID    `json:"producerId,omitempty"`
}

func (ctl *SignalWSController) handlePing(context.Context, *session, json.RawMessage) (any, error) {
	return nil, nil
}

func (ctl *SignalWSController) handleChat(_ context.Context, s *session, data json.RawMessage) (any, error) {
	roomID, pid, err := ctl.bound(s)
	if err != nil {
		return nil, err
	}
	var p chatPayload
	if err := ctl.decode(data, &p); err != nil {
		return nil, err
	}
	text := strings.TrimSpace(p.Text)
	if text == "" {
		return nil, domain.ErrInvalidInput.WithMessage("empty message")
	}
	ctl.hub.NotifyRoom(roomID, "", core.Push{Type: core.PushChatMessage, Data: chatMessage{
		ParticipantID: pid,
		Text:          text,
		Timestamp:     time.Now().UnixMilli(),
	}})
	return nil, nil
}

func (ctl *SignalWSController) screenShare(typ string) handlerFunc {
	return func(_ context.Context, s *session, data json.RawMessage) (any, error) {
		roomID, pid, err := ctl.bound(s)
		if err != nil {
			return nil, err
		}
		var p struct {
			ProducerID domain.ProducerID `json:"producerId"`
		}
		if err := ctl.decode(data, &p); err != nil {
			return nil, err
		}
		ctl.hub.NotifyRoom(roomID, pid, core.Push{Type: typ, Data: screenShare{ParticipantID: pid, ProducerID: p.ProducerID}})
		return nil, nil
	}
}
