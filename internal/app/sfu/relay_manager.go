package sfu

import (
	"context"
	"sync"

	"github.com/dkeye/VoiceGateway/internal/domain"
	"github.com/rs/zerolog/log"
)

// RelayManager keeps one relay per producer of a router.
type RelayManager struct {
	mu     sync.RWMutex
	relays map[domain.ProducerID]*Relay
}

func NewRelayManager() *RelayManager {
	return &RelayManager{
		relays: make(map[domain.ProducerID]*Relay),
	}
}

// StartRelay creates a new Relay for the given producer and starts its loop.
func (m *RelayManager) StartRelay(ctx context.Context, id domain.ProducerID, src RTPReader, onStop func(error)) {
	logger := log.With().
		Str("module", "sfu.relay").
		Str("producer", string(id)).
		Logger()

	relayCtx, cancel := context.WithCancel(ctx)
	relay := NewRelay(src, cancel)

	m.mu.Lock()
	if old, ok := m.relays[id]; ok {
		logger.Info().Msg("replacing existing relay for producer")
		// Consumers attached before the source arrived move to the new relay.
		old.mu.RLock()
		for cid, ot := range old.outTracks {
			relay.outTracks[cid] = ot
		}
		old.mu.RUnlock()
		if old.cancel != nil {
			old.cancel()
		}
	}
	m.relays[id] = relay
	m.mu.Unlock()

	logger.Debug().Msg("starting relay loop")

	go relay.loop(relayCtx, &logger, onStop)
}

// Prepare registers a relay without a source so consumers can attach
// before the producer's media starts flowing.
func (m *RelayManager) Prepare(id domain.ProducerID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.relays[id]; !ok {
		m.relays[id] = NewRelay(nil, nil)
	}
}

// AddSubscriber attaches an OutTrack to the relay of a producer.
func (m *RelayManager) AddSubscriber(src domain.ProducerID, dst domain.ConsumerID, ot *OutTrack) bool {
	m.mu.RLock()
	relay, ok := m.relays[src]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	relay.AddOutTrack(dst, ot)
	return true
}

// MarkSubscriberDelete marks a consumer's OutTrack as TrackStateDelete.
func (m *RelayManager) MarkSubscriberDelete(src domain.ProducerID, dst domain.ConsumerID) {
	m.mu.RLock()
	relay, ok := m.relays[src]
	m.mu.RUnlock()
	if !ok {
		return
	}
	if ot, ok := relay.outTrack(dst); ok {
		ot.MarkDelete()
	}
}

// StopRelay stops a relay and removes it from the manager.
func (m *RelayManager) StopRelay(src domain.ProducerID) {
	m.mu.Lock()
	relay, ok := m.relays[src]
	if ok {
		delete(m.relays, src)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	relay.stop()
}

// HasRelay reports whether a relay exists for the producer.
func (m *RelayManager) HasRelay(id domain.ProducerID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.relays[id]
	return ok
}
