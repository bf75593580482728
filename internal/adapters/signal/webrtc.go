package signal

import (
	"context"
	"encoding/json"

	"github.com/dkeye/VoiceGateway/internal/domain"
	"github.com/rs/zerolog/log"
)

type createTransportPayload struct {
	Producing bool `json:"producing"`
}

type connectTransportPayload struct {
	TransportID    domain.TransportID    `json:"transportId" validate:"required"`
	DtlsParameters domain.DtlsParameters `json:"dtlsParameters"`
	IceParameters  *domain.IceParameters `json:"iceParameters"`
	IceCandidates  []domain.IceCandidate `json:"iceCandidates"`
}

type producePayload struct {
	TransportID   domain.TransportID   `json:"transportId" validate:"required"`
	Kind          domain.MediaKind     `json:"kind" validate:"required,oneof=audio video"`
	RtpParameters domain.RtpParameters `json:"rtpParameters"`
}

type consumePayload struct {
	ProducerID      domain.ProducerID      `json:"producerId" validate:"required"`
	RtpCapabilities domain.RtpCapabilities `json:"rtpCapabilities"`
}

type consumerPayload struct {
	ConsumerID domain.ConsumerID `json:"consumerId" validate:"required"`
}

type producerPayload struct {
	ProducerID domain.ProducerID `json:"producerId" validate:"required"`
}

type consumeResponse struct {
	ConsumerID    domain.ConsumerID    `json:"consumerId"`
	ProducerID    domain.ProducerID    `json:"producerId"`
	Kind          domain.MediaKind     `json:"kind"`
	RtpParameters domain.RtpParameters `json:"rtpParameters"`
	Paused        bool                 `json:"paused"`
}

func (ctl *SignalWSController) handleCapabilities(_ context.Context, s *session, _ json.RawMessage) (any, error) {
	roomID, _, err := ctl.bound(s)
	if err != nil {
		return nil, err
	}
	return ctl.rooms.RouterCapabilities(roomID)
}

func (ctl *SignalWSController) handleCreateTransport(ctx context.Context, s *session, data json.RawMessage) (any, error) {
	roomID, pid, err := ctl.bound(s)
	if err != nil {
		return nil, err
	}
	var p createTransportPayload
	if err := ctl.decode(data, &p); err != nil {
		return nil, err
	}
	dir := domain.DirectionRecv
	if p.Producing {
		dir = domain.DirectionSend
	}
	t, err := ctl.rooms.CreateTransport(ctx, roomID, pid, dir)
	if err != nil {
		return nil, err
	}
	return t.Params(), nil
}

func (ctl *SignalWSController) handleConnectTransport(ctx context.Context, s *session, data json.RawMessage) (any, error) {
	roomID, pid, err := ctl.bound(s)
	if err != nil {
		return nil, err
	}
	var p connectTransportPayload
	if err := ctl.decode(data, &p); err != nil {
		return nil, err
	}
	err = ctl.rooms.ConnectTransport(ctx, roomID, pid, p.TransportID, domain.ConnectParams{
		DtlsParameters: p.DtlsParameters,
		IceParameters:  p.IceParameters,
		IceCandidates:  p.IceCandidates,
	})
	return nil, err
}

func (ctl *SignalWSController) handleProduce(ctx context.Context, s *session, data json.RawMessage) (any, error) {
	roomID, pid, err := ctl.bound(s)
	if err != nil {
		return nil, err
	}
	var p producePayload
	if err := ctl.decode(data, &p); err != nil {
		return nil, err
	}
	prod, err := ctl.rooms.CreateProducer(ctx, roomID, pid, p.TransportID, p.Kind, p.RtpParameters)
	if err != nil {
		return nil, err
	}
	log.Info().Str("module", "signal").Str("sid", string(s.sid)).Str("producer_id", string(prod.ID())).Str("kind", string(p.Kind)).Msg("produce")
	return map[string]domain.ProducerID{"producerId": prod.ID()}, nil
}

func (ctl *SignalWSController) handleConsume(ctx context.Context, s *session, data json.RawMessage) (any, error) {
	roomID, pid, err := ctl.bound(s)
	if err != nil {
		return nil, err
	}
	var p consumePayload
	if err := ctl.decode(data, &p); err != nil {
		return nil, err
	}
	c, err := ctl.rooms.CreateConsumer(ctx, roomID, pid, p.ProducerID, p.RtpCapabilities)
	if err != nil {
		return nil, err
	}
	return consumeResponse{
		ConsumerID:    c.ID(),
		ProducerID:    c.ProducerID(),
		Kind:          c.Kind(),
		RtpParameters: c.RtpParameters(),
		Paused:        c.Paused(),
	}, nil
}

func (ctl *SignalWSController) handleResumeConsumer(ctx context.Context, s *session, data json.RawMessage) (any, error) {
	roomID, pid, err := ctl.bound(s)
	if err != nil {
		return nil, err
	}
	var p consumerPayload
	if err := ctl.decode(data, &p); err != nil {
		return nil, err
	}
	return nil, ctl.rooms.ResumeConsumer(ctx, roomID, pid, p.ConsumerID)
}

func (ctl *SignalWSController) handlePauseConsumer(ctx context.Context, s *session, data json.RawMessage) (any, error) {
	roomID, pid, err := ctl.bound(s)
	if err != nil {
		return nil, err
	}
	var p consumerPayload
	if err := ctl.decode(data, &p); err != nil {
		return nil, err
	}
	return nil, ctl.rooms.PauseConsumer(ctx, roomID, pid, p.ConsumerID)
}

func (ctl *SignalWSController) handleCloseProducer(ctx context.Context, s *session, data json.RawMessage) (any, error) {
	roomID, pid, err := ctl.bound(s)
	if err != nil {
		return nil, err
	}
	var p producerPayload
	if err := ctl.decode(data, &p); err != nil {
		return nil, err
	}
	return nil, ctl.rooms.CloseProducer(ctx, roomID, pid, p.ProducerID)
}
