package app

import "github.com/dkeye/VoiceGateway/internal/core"

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	DropFrame
	KickMember
)

// Policy decides what happens to a connection whose send buffer is full.
// drops counts consecutive failed sends, this one included.
type Policy interface {
	OnBackPressure(sid core.SessionID, drops int) BackpressureAction
}

// DropThenKick drops pushes until Limit consecutive drops, then kicks.
type DropThenKick struct {
	Limit int
}

const DefaultDropLimit = 64

func (p DropThenKick) OnBackPressure(_ core.SessionID, drops int) BackpressureAction {
	limit := p.Limit
	if limit <= 0 {
		limit = DefaultDropLimit
	}
	if drops >= limit {
		return KickMember
	}
	return DropFrame
}
