package sfu

import (
	"maps"
	"slices"
	"sync"

	"github.com/dkeye/VoiceGateway/internal/core"
	"github.com/dkeye/VoiceGateway/internal/domain"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
)

// Producer receives one incoming stream and feeds the router relay for it.
type Producer struct {
	closer

	id        domain.ProducerID
	kind      domain.MediaKind
	params    domain.RtpParameters
	transport *WebRtcTransport
	receiver  *webrtc.RTPReceiver

	mu        sync.Mutex
	consumers map[domain.ConsumerID]*Consumer
}

func (p *Producer) ID() domain.ProducerID               { return p.id }
func (p *Producer) Kind() domain.MediaKind              { return p.kind }
func (p *Producer) RtpParameters() domain.RtpParameters { return p.params }

// start waits for the DTLS handshake, then begins receiving and relaying.
func (p *Producer) start(codec domain.RtpCodecCapability) {
	t := p.transport
	select {
	case <-t.connected:
	case <-t.done:
		return
	}
	if p.Closed() {
		return
	}
	enc := p.params.Encodings[0]
	err := p.receiver.Receive(webrtc.RTPReceiveParameters{
		Encodings: []webrtc.RTPDecodingParameters{{
			RTPCodingParameters: webrtc.RTPCodingParameters{
				RID:         enc.RID,
				SSRC:        webrtc.SSRC(enc.SSRC),
				PayloadType: webrtc.PayloadType(codec.PreferredPayloadType),
			},
		}},
	})
	if err != nil {
		t.logger.Error().Err(err).Str("producer", string(p.id)).Msg("receiver start failed")
		p.close(core.CloseTransportClosed)
		return
	}
	track := p.receiver.Track()
	if track == nil {
		p.close(core.CloseTransportClosed)
		return
	}
	t.router.relays.StartRelay(t.router.ctx, p.id, track, func(error) {
		p.close(core.CloseTransportClosed)
	})
	go p.drainRTCP()
	if p.kind == domain.KindVideo {
		p.RequestKeyFrame()
	}
}

func (p *Producer) drainRTCP() {
	for {
		if _, _, err := p.receiver.ReadRTCP(); err != nil {
			return
		}
	}
}

// RequestKeyFrame sends a PLI upstream.
func (p *Producer) RequestKeyFrame() {
	if p.kind != domain.KindVideo || p.Closed() || len(p.params.Encodings) == 0 {
		return
	}
	pli := &rtcp.PictureLossIndication{MediaSSRC: p.params.Encodings[0].SSRC}
	if _, err := p.transport.dtls.WriteRTCP([]rtcp.Packet{pli}); err != nil {
		p.transport.logger.Debug().Err(err).Str("producer", string(p.id)).Msg("PLI write failed")
	}
}

func (p *Producer) addConsumer(c *Consumer) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Closed() {
		return false
	}
	p.consumers[c.id] = c
	return true
}

func (p *Producer) removeConsumer(id domain.ConsumerID) {
	p.mu.Lock()
	delete(p.consumers, id)
	p.mu.Unlock()
}

func (p *Producer) Close() { p.close(core.CloseExplicit) }

func (p *Producer) close(reason core.CloseReason) {
	if !p.markClosed(reason) {
		return
	}
	p.mu.Lock()
	consumers := slices.Collect(maps.Values(p.consumers))
	p.mu.Unlock()
	for _, c := range consumers {
		c.close(core.CloseProducerClosed)
	}
	t := p.transport
	t.router.removeProducer(p.id)
	t.removeProducer(p.id)
	if err := p.receiver.Stop(); err != nil {
		t.logger.Debug().Err(err).Str("producer", string(p.id)).Msg("receiver stop")
	}
	p.notify()
}
