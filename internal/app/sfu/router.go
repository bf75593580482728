package sfu

import (
	"context"
	"maps"
	"slices"
	"sync"

	"github.com/dkeye/VoiceGateway/internal/core"
	"github.com/dkeye/VoiceGateway/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type transportCloser interface {
	close(core.CloseReason)
}

// Router is a per-room codec set with its own pion API instance.
type Router struct {
	closer

	id     domain.RouterID
	worker *Worker
	api    *webrtc.API
	caps   domain.RtpCapabilities
	relays *RelayManager
	logger zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.RWMutex
	transports map[domain.TransportID]transportCloser
	producers  map[domain.ProducerID]*Producer
}

func newRouter(w *Worker, api *webrtc.API, caps domain.RtpCapabilities) *Router {
	id := domain.NewRouterID()
	ctx, cancel := context.WithCancel(context.Background())
	return &Router{
		id:     id,
		worker: w,
		api:    api,
		caps:   caps,
		relays: NewRelayManager(),
		logger: log.With().
			Str("module", "sfu.router").
			Str("router", string(id)).
			Int("worker", w.index).
			Logger(),
		ctx:        ctx,
		cancel:     cancel,
		transports: make(map[domain.TransportID]transportCloser),
		producers:  make(map[domain.ProducerID]*Producer),
	}
}

func (r *Router) ID() domain.RouterID { return r.id }

func (r *Router) RtpCapabilities() domain.RtpCapabilities { return r.caps }

func (r *Router) CanConsume(producerID domain.ProducerID, caps domain.RtpCapabilities) bool {
	p, ok := r.producer(producerID)
	if !ok || p.Closed() {
		return false
	}
	return domain.CanConsume(p.params, caps)
}

func (r *Router) CreateWebRtcTransport(ctx context.Context) (core.WebRtcTransport, error) {
	if r.Closed() {
		return nil, domain.ErrRouterCreationFailed.WithMessage("router closed")
	}
	t, err := newWebRtcTransport(ctx, r)
	if err != nil {
		return nil, err
	}
	if !r.addTransport(t.id, t) {
		t.close(core.CloseRouterClosed)
		return nil, domain.ErrRouterCreationFailed.WithMessage("router closed")
	}
	return t, nil
}

func (r *Router) CreatePlainTransport(ctx context.Context) (core.PlainTransport, error) {
	if r.Closed() {
		return nil, domain.ErrRouterCreationFailed.WithMessage("router closed")
	}
	t := newPlainTransport(r)
	if !r.addTransport(t.id, t) {
		t.close(core.CloseRouterClosed)
		return nil, domain.ErrRouterCreationFailed.WithMessage("router closed")
	}
	return t, nil
}

func (r *Router) addTransport(id domain.TransportID, t transportCloser) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Closed() {
		return false
	}
	r.transports[id] = t
	return true
}

func (r *Router) removeTransport(id domain.TransportID) {
	r.mu.Lock()
	delete(r.transports, id)
	r.mu.Unlock()
}

func (r *Router) addProducer(p *Producer) {
	r.mu.Lock()
	r.producers[p.id] = p
	r.mu.Unlock()
	r.relays.Prepare(p.id)
}

func (r *Router) removeProducer(id domain.ProducerID) {
	r.mu.Lock()
	delete(r.producers, id)
	r.mu.Unlock()
	r.relays.StopRelay(id)
}

func (r *Router) producer(id domain.ProducerID) (*Producer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.producers[id]
	return p, ok
}

func (r *Router) Close() { r.close(core.CloseExplicit) }

func (r *Router) close(reason core.CloseReason) {
	if !r.markClosed(reason) {
		return
	}
	r.mu.Lock()
	transports := slices.Collect(maps.Values(r.transports))
	r.mu.Unlock()
	for _, t := range transports {
		t.close(core.CloseRouterClosed)
	}
	r.cancel()
	r.worker.removeRouter(r.id)
	r.logger.Debug().Str("reason", string(reason)).Msg("router closed")
	r.notify()
}
