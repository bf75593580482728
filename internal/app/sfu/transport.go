package sfu

import (
	"context"
	"maps"
	"slices"
	"sync"

	"github.com/dkeye/VoiceGateway/internal/core"
	"github.com/dkeye/VoiceGateway/internal/domain"
	"github.com/rs/zerolog"
)

// sinkFunc builds the outgoing side of a consumer for the given router codec.
type sinkFunc func(id domain.ConsumerID, p *Producer, codec domain.RtpCodecCapability) (consumerSink, error)

type consumerSink struct {
	writer RTPWriter
	ssrc   uint32
	// stop releases transport resources; may be nil.
	stop func()
}

// transportBase holds what WebRTC and plain transports share.
type transportBase struct {
	closer

	id     domain.TransportID
	router *Router
	logger zerolog.Logger
	done   chan struct{}

	mu        sync.Mutex
	producers map[domain.ProducerID]*Producer
	consumers map[domain.ConsumerID]*Consumer
}

func newTransportBase(r *Router, logger zerolog.Logger) transportBase {
	return transportBase{
		id:        domain.NewTransportID(),
		router:    r,
		logger:    logger,
		done:      make(chan struct{}),
		producers: make(map[domain.ProducerID]*Producer),
		consumers: make(map[domain.ConsumerID]*Consumer),
	}
}

func (b *transportBase) ID() domain.TransportID { return b.id }

func (b *transportBase) consume(
	_ context.Context,
	producerID domain.ProducerID,
	caps domain.RtpCapabilities,
	paused bool,
	sink sinkFunc,
) (*Consumer, error) {
	if b.Closed() {
		return nil, domain.ErrTransportNotFound
	}
	p, ok := b.router.producer(producerID)
	if !ok || p.Closed() {
		return nil, domain.ErrProducerNotFound
	}
	primary, ok := p.params.PrimaryCodec()
	if !ok {
		return nil, domain.ErrIncompatibleCapabilities
	}
	if _, ok := caps.FindCodec(primary); !ok {
		return nil, domain.ErrIncompatibleCapabilities
	}
	routerCodec, ok := b.router.caps.FindCodec(primary)
	if !ok {
		return nil, domain.ErrIncompatibleCapabilities
	}

	id := domain.NewConsumerID()
	s, err := sink(id, p, routerCodec)
	if err != nil {
		return nil, err
	}
	initial := TrackStateOk
	if paused {
		initial = TrackStateMuted
	}
	c := &Consumer{
		id:        id,
		producer:  p,
		transport: b,
		kind:      p.kind,
		out:       NewOutTrack(s.writer, initial),
		stopSink:  s.stop,
		params: domain.RtpParameters{
			Mid: p.params.Mid,
			Codecs: []domain.RtpCodecParameters{{
				MimeType:    routerCodec.MimeType,
				PayloadType: routerCodec.PreferredPayloadType,
				ClockRate:   routerCodec.ClockRate,
				Channels:    routerCodec.Channels,
				Parameters:  routerCodec.Parameters,
			}},
			Encodings: []domain.RtpEncodingParameters{{SSRC: s.ssrc}},
		},
	}

	b.mu.Lock()
	if b.Closed() {
		b.mu.Unlock()
		c.close(core.CloseTransportClosed)
		return nil, domain.ErrTransportNotFound
	}
	b.consumers[id] = c
	b.mu.Unlock()

	if !p.addConsumer(c) || !b.router.relays.AddSubscriber(p.id, id, c.out) {
		c.close(core.CloseProducerClosed)
		return nil, domain.ErrProducerNotFound
	}
	return c, nil
}

func (b *transportBase) removeConsumer(id domain.ConsumerID) {
	b.mu.Lock()
	delete(b.consumers, id)
	b.mu.Unlock()
}

func (b *transportBase) removeProducer(id domain.ProducerID) {
	b.mu.Lock()
	delete(b.producers, id)
	b.mu.Unlock()
}

// teardown closes everything the transport owns. The caller has already
// performed markClosed.
func (b *transportBase) teardown() {
	close(b.done)
	b.mu.Lock()
	producers := slices.Collect(maps.Values(b.producers))
	consumers := slices.Collect(maps.Values(b.consumers))
	b.mu.Unlock()
	for _, p := range producers {
		p.close(core.CloseTransportClosed)
	}
	for _, c := range consumers {
		c.close(core.CloseTransportClosed)
	}
	b.router.removeTransport(b.id)
}
