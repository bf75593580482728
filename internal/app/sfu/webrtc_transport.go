package sfu

import (
	"context"
	"fmt"
	"sync"

	"github.com/dkeye/VoiceGateway/internal/core"
	"github.com/dkeye/VoiceGateway/internal/domain"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// WebRtcTransport is an ORTC ICE+DTLS transport toward one browser.
type WebRtcTransport struct {
	transportBase

	gatherer *webrtc.ICEGatherer
	ice      *webrtc.ICETransport
	dtls     *webrtc.DTLSTransport
	params   domain.TransportParams

	connectOnce   sync.Once
	connectedOnce sync.Once
	connected     chan struct{}

	hookMu    sync.Mutex
	dtlsHooks []func(string)
}

func newWebRtcTransport(ctx context.Context, r *Router) (*WebRtcTransport, error) {
	var servers []webrtc.ICEServer
	if len(r.worker.settings.STUNURLs) > 0 {
		servers = []webrtc.ICEServer{{URLs: r.worker.settings.STUNURLs}}
	}
	gatherer, err := r.api.NewICEGatherer(webrtc.ICEGatherOptions{ICEServers: servers})
	if err != nil {
		return nil, fmt.Errorf("sfu: ice gatherer: %w", err)
	}
	ice := r.api.NewICETransport(gatherer)
	dtls, err := r.api.NewDTLSTransport(ice, nil)
	if err != nil {
		_ = gatherer.Close()
		return nil, fmt.Errorf("sfu: dtls transport: %w", err)
	}

	gathered := make(chan struct{})
	var once sync.Once
	gatherer.OnLocalCandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			once.Do(func() { close(gathered) })
		}
	})
	if err := gatherer.Gather(); err != nil {
		_ = gatherer.Close()
		return nil, fmt.Errorf("sfu: gather: %w", err)
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		_ = gatherer.Close()
		return nil, ctx.Err()
	}

	iceParams, err := gatherer.GetLocalParameters()
	if err != nil {
		_ = gatherer.Close()
		return nil, fmt.Errorf("sfu: local ice parameters: %w", err)
	}
	candidates, err := gatherer.GetLocalCandidates()
	if err != nil {
		_ = gatherer.Close()
		return nil, fmt.Errorf("sfu: local candidates: %w", err)
	}
	dtlsParams, err := dtls.GetLocalParameters()
	if err != nil {
		_ = gatherer.Close()
		return nil, fmt.Errorf("sfu: local dtls parameters: %w", err)
	}

	t := &WebRtcTransport{
		gatherer:  gatherer,
		ice:       ice,
		dtls:      dtls,
		connected: make(chan struct{}),
	}
	t.transportBase = newTransportBase(r, log.With().
		Str("module", "sfu.transport").
		Str("router", string(r.id)).
		Logger())
	t.logger = t.logger.With().Str("transport", string(t.id)).Logger()
	t.params = domain.TransportParams{
		ID: t.id,
		IceParameters: domain.IceParameters{
			UsernameFragment: iceParams.UsernameFragment,
			Password:         iceParams.Password,
			IceLite:          iceParams.ICELite,
		},
		IceCandidates:  domainIceCandidates(candidates),
		DtlsParameters: domainDtlsParameters(dtlsParams),
	}

	dtls.OnStateChange(func(state webrtc.DTLSTransportState) {
		t.logger.Debug().Str("state", state.String()).Msg("dtls state")
		if state == webrtc.DTLSTransportStateConnected {
			t.connectedOnce.Do(func() { close(t.connected) })
		}
		t.hookMu.Lock()
		hooks := append([]func(string){}, t.dtlsHooks...)
		t.hookMu.Unlock()
		for _, fn := range hooks {
			fn(state.String())
		}
	})
	return t, nil
}

func (t *WebRtcTransport) Params() domain.TransportParams { return t.params }

func (t *WebRtcTransport) OnDtlsStateChange(fn func(state string)) {
	t.hookMu.Lock()
	t.dtlsHooks = append(t.dtlsHooks, fn)
	t.hookMu.Unlock()
}

// Connect validates the remote parameters and runs ICE and DTLS in the background.
func (t *WebRtcTransport) Connect(_ context.Context, remote domain.ConnectParams) error {
	if t.Closed() {
		return domain.ErrTransportNotFound
	}
	if len(remote.DtlsParameters.Fingerprints) == 0 {
		return domain.ErrInvalidInput.WithMessage("dtlsParameters.fingerprints required")
	}
	if remote.IceParameters == nil || remote.IceParameters.UsernameFragment == "" {
		return domain.ErrInvalidInput.WithMessage("iceParameters required")
	}
	started := false
	t.connectOnce.Do(func() {
		started = true
		iceParams := webrtc.ICEParameters{
			UsernameFragment: remote.IceParameters.UsernameFragment,
			Password:         remote.IceParameters.Password,
			ICELite:          remote.IceParameters.IceLite,
		}
		if cands := pionIceCandidates(remote.IceCandidates); len(cands) > 0 {
			if err := t.ice.SetRemoteCandidates(cands); err != nil {
				t.logger.Warn().Err(err).Msg("remote candidates rejected")
			}
		}
		go t.handshake(iceParams, pionDtlsParameters(remote.DtlsParameters))
	})
	if !started {
		return domain.ErrInvalidInput.WithMessage("transport already connected")
	}
	return nil
}

func (t *WebRtcTransport) handshake(iceParams webrtc.ICEParameters, dtlsParams webrtc.DTLSParameters) {
	role := webrtc.ICERoleControlled
	if err := t.ice.Start(nil, iceParams, &role); err != nil {
		if !t.Closed() {
			t.logger.Warn().Err(err).Msg("ice start failed")
			t.close(core.CloseDtlsFailed)
		}
		return
	}
	if err := t.dtls.Start(dtlsParams); err != nil {
		if !t.Closed() {
			t.logger.Warn().Err(err).Msg("dtls start failed")
			t.close(core.CloseDtlsFailed)
		}
	}
}

func (t *WebRtcTransport) Produce(_ context.Context, kind domain.MediaKind, params domain.RtpParameters) (core.Producer, error) {
	if t.Closed() {
		return nil, domain.ErrTransportNotFound
	}
	primary, ok := params.PrimaryCodec()
	if !ok || domain.KindOfMime(primary.MimeType) != kind {
		return nil, domain.ErrInvalidInput.WithMessage("rtpParameters codec does not match kind")
	}
	codec, ok := t.router.caps.FindCodec(primary)
	if !ok {
		return nil, domain.ErrInvalidInput.WithMessage("codec not supported by router")
	}
	if len(params.Encodings) == 0 || params.Encodings[0].SSRC == 0 {
		return nil, domain.ErrInvalidInput.WithMessage("rtpParameters.encodings[0].ssrc required")
	}
	receiver, err := t.router.api.NewRTPReceiver(codecType(kind), t.dtls)
	if err != nil {
		return nil, fmt.Errorf("sfu: rtp receiver: %w", err)
	}
	p := &Producer{
		id:        domain.NewProducerID(),
		kind:      kind,
		params:    params,
		transport: t,
		receiver:  receiver,
		consumers: make(map[domain.ConsumerID]*Consumer),
	}

	t.mu.Lock()
	if t.Closed() {
		t.mu.Unlock()
		_ = receiver.Stop()
		return nil, domain.ErrTransportNotFound
	}
	t.producers[p.id] = p
	t.mu.Unlock()
	t.router.addProducer(p)

	go p.start(codec)
	t.logger.Debug().Str("producer", string(p.id)).Str("kind", string(kind)).Msg("producer created")
	return p, nil
}

func (t *WebRtcTransport) Consume(ctx context.Context, producerID domain.ProducerID, caps domain.RtpCapabilities, paused bool) (core.Consumer, error) {
	c, err := t.consume(ctx, producerID, caps, paused, t.newSink)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (t *WebRtcTransport) newSink(id domain.ConsumerID, p *Producer, codec domain.RtpCodecCapability) (consumerSink, error) {
	track, err := webrtc.NewTrackLocalStaticRTP(pionCapability(codec), string(id), string(p.id))
	if err != nil {
		return consumerSink{}, fmt.Errorf("sfu: local track: %w", err)
	}
	sender, err := t.router.api.NewRTPSender(track, t.dtls)
	if err != nil {
		return consumerSink{}, fmt.Errorf("sfu: rtp sender: %w", err)
	}
	params := sender.GetParameters()
	var ssrc uint32
	if len(params.Encodings) > 0 {
		ssrc = uint32(params.Encodings[0].SSRC)
	}

	go func() {
		select {
		case <-t.connected:
		case <-t.done:
			return
		}
		if err := sender.Send(params); err != nil {
			t.logger.Warn().Err(err).Str("consumer", string(id)).Msg("sender start failed")
			return
		}
		for {
			pkts, _, err := sender.ReadRTCP()
			if err != nil {
				return
			}
			for _, pkt := range pkts {
				switch pkt.(type) {
				case *rtcp.PictureLossIndication, *rtcp.FullIntraRequest:
					p.RequestKeyFrame()
				}
			}
		}
	}()

	return consumerSink{
		writer: track,
		ssrc:   ssrc,
		stop: func() {
			if err := sender.Stop(); err != nil {
				t.logger.Debug().Err(err).Str("consumer", string(id)).Msg("sender stop")
			}
		},
	}, nil
}

func (t *WebRtcTransport) Close() { t.close(core.CloseExplicit) }

func (t *WebRtcTransport) close(reason core.CloseReason) {
	if !t.markClosed(reason) {
		return
	}
	t.teardown()
	if err := t.dtls.Stop(); err != nil {
		t.logger.Debug().Err(err).Msg("dtls stop")
	}
	if err := t.ice.Stop(); err != nil {
		t.logger.Debug().Err(err).Msg("ice stop")
	}
	if err := t.gatherer.Close(); err != nil {
		t.logger.Debug().Err(err).Msg("gatherer close")
	}
	t.logger.Debug().Str("reason", string(reason)).Msg("transport closed")
	t.notify()
}
