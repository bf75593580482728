package sfu

import (
	"context"
	"maps"
	"sync"

	"github.com/dkeye/VoiceGateway/internal/domain"
	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/rs/zerolog"
)

// RTPReader is the source of a Relay, normally a *webrtc.TrackRemote.
type RTPReader interface {
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

// Relay fans the packets of one producer out to its consumers.
type Relay struct {
	src RTPReader

	mu        sync.RWMutex
	outTracks map[domain.ConsumerID]*OutTrack

	cancel context.CancelFunc
}

func NewRelay(src RTPReader, cancel context.CancelFunc) *Relay {
	return &Relay{
		src:       src,
		outTracks: make(map[domain.ConsumerID]*OutTrack),
		cancel:    cancel,
	}
}

// loop reads RTP packets from the source and forwards them to all OutTracks.
// onStop runs once when the source fails; it is not called on cancel.
func (r *Relay) loop(ctx context.Context, logger *zerolog.Logger, onStop func(error)) {
	for {
		select {
		case <-ctx.Done():
			logger.Debug().Msg("relay ctx done, marking all out tracks for delete")
			r.markAllDelete()
			return
		default:
		}
		pkt, _, err := r.src.ReadRTP()
		if err != nil {
			r.markAllDelete()
			if ctx.Err() != nil {
				return
			}
			logger.Info().Err(err).Msg("relay read RTP error, stopping")
			if onStop != nil {
				onStop(err)
			}
			return
		}
		r.forward(pkt, logger)
	}
}

func (r *Relay) forward(pkt *rtp.Packet, logger *zerolog.Logger) {
	r.mu.RLock()
	snapshot := maps.Clone(r.outTracks)
	r.mu.RUnlock()

	var dirty []domain.ConsumerID
	for dst, ot := range snapshot {
		switch ot.GetState() {
		case TrackStateDelete:
			dirty = append(dirty, dst)
		case TrackStateMuted:
		case TrackStateOk:
			// Writers may rewrite the header, so each gets its own copy.
			out := *pkt
			if err := ot.w.WriteRTP(&out); err != nil {
				logger.Warn().
					Err(err).
					Str("consumer", string(dst)).
					Msg("relay write RTP error, marking outtrack as delete")
				ot.MarkDelete()
				dirty = append(dirty, dst)
			}
		}
	}

	// Cleanup is done outside the RLock.
	if len(dirty) > 0 {
		r.cleanupDeleted(dirty)
	}
}

func (r *Relay) cleanupDeleted(dirty []domain.ConsumerID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range dirty {
		if ot, ok := r.outTracks[id]; ok && ot.GetState() == TrackStateDelete {
			delete(r.outTracks, id)
		}
	}
}

func (r *Relay) markAllDelete() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ot := range r.outTracks {
		ot.MarkDelete()
	}
}

func (r *Relay) AddOutTrack(dst domain.ConsumerID, ot *OutTrack) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outTracks[dst] = ot
}

func (r *Relay) outTrack(dst domain.ConsumerID) (*OutTrack, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ot, ok := r.outTracks[dst]
	return ot, ok
}

func (r *Relay) stop() {
	r.markAllDelete()
	if r.cancel != nil {
		r.cancel()
	}
}
