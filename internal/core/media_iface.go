package core

import (
	"context"

	"github.com/dkeye/VoiceGateway/internal/domain"
)

// CloseReason tells a close hook why the resource went away.
type CloseReason string

const (
	CloseExplicit        CloseReason = "explicit"
	CloseProducerClosed  CloseReason = "producer_closed"
	CloseTransportClosed CloseReason = "transport_closed"
	CloseRouterClosed    CloseReason = "router_closed"
	CloseWorkerDied      CloseReason = "worker_died"
	CloseDtlsFailed      CloseReason = "dtls_failed"
)

// Closable is the lifecycle shared by every media resource. Close is
// idempotent; hooks registered after close run immediately.
type Closable interface {
	Close()
	Closed() bool
	OnClose(func(CloseReason))
}

// MediaWorker hosts routers. Died fires at most once, only for an
// unexpected termination; Close never reports through Died.
type MediaWorker interface {
	Index() int
	// Handle identifies the underlying media-engine resource for logs.
	Handle() string
	CreateRouter(ctx context.Context, codecs []domain.RtpCodecCapability) (Router, error)
	Died() <-chan error
	Close()
}

// WorkerFactory spawns the worker for a pool slot.
type WorkerFactory func(ctx context.Context, index int) (MediaWorker, error)

// Router is a routing context bound to one worker and one room.
type Router interface {
	Closable
	ID() domain.RouterID
	RtpCapabilities() domain.RtpCapabilities
	CanConsume(producerID domain.ProducerID, caps domain.RtpCapabilities) bool
	CreateWebRtcTransport(ctx context.Context) (WebRtcTransport, error)
	CreatePlainTransport(ctx context.Context) (PlainTransport, error)
}

// Transport carries media of one participant in one direction.
type Transport interface {
	Closable
	ID() domain.TransportID
	Produce(ctx context.Context, kind domain.MediaKind, params domain.RtpParameters) (Producer, error)
	// Consume attaches a consumer for producerID. Consumers created paused
	// forward nothing until Resume.
	Consume(ctx context.Context, producerID domain.ProducerID, caps domain.RtpCapabilities, paused bool) (Consumer, error)
}

type WebRtcTransport interface {
	Transport
	Params() domain.TransportParams
	// Connect starts the ICE/DTLS handshake and returns without waiting for it.
	Connect(ctx context.Context, remote domain.ConnectParams) error
	OnDtlsStateChange(func(state string))
}

// PlainTransport sends raw RTP over UDP to one remote address.
type PlainTransport interface {
	Transport
	Connect(ctx context.Context, ip string, port int) error
}

type Producer interface {
	Closable
	ID() domain.ProducerID
	Kind() domain.MediaKind
	RtpParameters() domain.RtpParameters
}

type Consumer interface {
	Closable
	ID() domain.ConsumerID
	ProducerID() domain.ProducerID
	Kind() domain.MediaKind
	RtpParameters() domain.RtpParameters
	Paused() bool
	Pause() error
	Resume() error
}
