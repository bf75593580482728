package sfu

import (
	"context"
	"fmt"
	"math/rand/v2"
	"net"
	"strconv"
	"sync"

	"github.com/dkeye/VoiceGateway/internal/core"
	"github.com/dkeye/VoiceGateway/internal/domain"
	"github.com/pion/rtp"
	"github.com/rs/zerolog/log"
)

// PlainTransport relays consumed media as unencrypted RTP to one UDP address.
type PlainTransport struct {
	transportBase

	connMu sync.Mutex
	conn   *net.UDPConn
}

func newPlainTransport(r *Router) *PlainTransport {
	t := &PlainTransport{}
	t.transportBase = newTransportBase(r, log.With().
		Str("module", "sfu.plain").
		Str("router", string(r.id)).
		Logger())
	t.logger = t.logger.With().Str("transport", string(t.id)).Logger()
	return t
}

func (t *PlainTransport) Connect(_ context.Context, ip string, port int) error {
	if t.Closed() {
		return domain.ErrTransportNotFound
	}
	addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(ip, strconv.Itoa(port)))
	if err != nil {
		return domain.ErrInvalidInput.WithDetails(err.Error())
	}
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return fmt.Errorf("sfu: plain dial: %w", err)
	}
	t.connMu.Lock()
	old := t.conn
	t.conn = conn
	t.connMu.Unlock()
	if old != nil {
		_ = old.Close()
	}
	t.logger.Debug().Str("remote", addr.String()).Msg("plain transport connected")
	return nil
}

func (t *PlainTransport) Produce(context.Context, domain.MediaKind, domain.RtpParameters) (core.Producer, error) {
	return nil, domain.ErrInvalidInput.WithMessage("plain transport is send-only")
}

func (t *PlainTransport) Consume(ctx context.Context, producerID domain.ProducerID, caps domain.RtpCapabilities, paused bool) (core.Consumer, error) {
	c, err := t.consume(ctx, producerID, caps, paused, func(domain.ConsumerID, *Producer, domain.RtpCodecCapability) (consumerSink, error) {
		return consumerSink{
			writer: &udpWriter{t: t},
			ssrc:   rand.Uint32(),
		}, nil
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (t *PlainTransport) WriteTo(pkt *rtp.Packet) error {
	t.connMu.Lock()
	conn := t.conn
	t.connMu.Unlock()
	if conn == nil {
		// Not connected yet; drop silently.
		return nil
	}
	buf, err := pkt.Marshal()
	if err != nil {
		return err
	}
	// A missing listener is transient for a local relay; keep the consumer.
	if _, err := conn.Write(buf); err != nil {
		t.logger.Debug().Err(err).Msg("plain write failed")
	}
	return nil
}

type udpWriter struct {
	t *PlainTransport
}

func (w *udpWriter) WriteRTP(pkt *rtp.Packet) error { return w.t.WriteTo(pkt) }

func (t *PlainTransport) Close() { t.close(core.CloseExplicit) }

func (t *PlainTransport) close(reason core.CloseReason) {
	if !t.markClosed(reason) {
		return
	}
	t.teardown()
	t.connMu.Lock()
	conn := t.conn
	t.conn = nil
	t.connMu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
	t.logger.Debug().Str("reason", string(reason)).Msg("plain transport closed")
	t.notify()
}
