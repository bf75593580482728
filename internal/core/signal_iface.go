package core

// Frame is a raw encoded signaling message.
type Frame []byte

type SessionID string

// SignalConnection abstracts for a system messaging transport
// Owned by the adapter; the adapter must Close() it.
type SignalConnection interface {
	TrySend(Frame) error
	Close()
}

// Push is a server-initiated message.
type Push struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}
