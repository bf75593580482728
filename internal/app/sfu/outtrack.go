package sfu

import (
	"sync/atomic"

	"github.com/pion/rtp"
)

type TrackState int32

const (
	TrackStateOk TrackState = iota
	TrackStateMuted
	TrackStateDelete
)

// RTPWriter is the sink of an OutTrack: a local WebRTC track or a plain UDP socket.
type RTPWriter interface {
	WriteRTP(*rtp.Packet) error
}

// OutTrack represents a single outgoing stream to a consumer.
type OutTrack struct {
	w     RTPWriter
	state atomic.Int32
}

func NewOutTrack(w RTPWriter, initial TrackState) *OutTrack {
	ot := &OutTrack{w: w}
	ot.state.Store(int32(initial))
	return ot
}

func (ot *OutTrack) GetState() TrackState {
	return TrackState(ot.state.Load())
}

func (ot *OutTrack) MarkOk() {
	ot.state.CompareAndSwap(int32(TrackStateMuted), int32(TrackStateOk))
}

func (ot *OutTrack) MarkMuted() {
	ot.state.CompareAndSwap(int32(TrackStateOk), int32(TrackStateMuted))
}

// MarkDelete is terminal.
func (ot *OutTrack) MarkDelete() {
	ot.state.Store(int32(TrackStateDelete))
}
