package sfu

import (
	"github.com/dkeye/VoiceGateway/internal/core"
	"github.com/dkeye/VoiceGateway/internal/domain"
)

// Consumer forwards one producer's packets through an OutTrack.
// The Muted track state is the paused state.
type Consumer struct {
	closer

	id        domain.ConsumerID
	producer  *Producer
	transport *transportBase
	kind      domain.MediaKind
	params    domain.RtpParameters
	out       *OutTrack
	stopSink  func()
}

func (c *Consumer) ID() domain.ConsumerID               { return c.id }
func (c *Consumer) ProducerID() domain.ProducerID       { return c.producer.id }
func (c *Consumer) Kind() domain.MediaKind              { return c.kind }
func (c *Consumer) RtpParameters() domain.RtpParameters { return c.params }
func (c *Consumer) Paused() bool                        { return c.out.GetState() != TrackStateOk }

func (c *Consumer) Pause() error {
	if c.Closed() {
		return domain.ErrConsumerNotFound
	}
	c.out.MarkMuted()
	return nil
}

func (c *Consumer) Resume() error {
	if c.Closed() {
		return domain.ErrConsumerNotFound
	}
	wasPaused := c.Paused()
	c.out.MarkOk()
	if wasPaused && c.kind == domain.KindVideo {
		c.producer.RequestKeyFrame()
	}
	return nil
}

func (c *Consumer) Close() { c.close(core.CloseExplicit) }

func (c *Consumer) close(reason core.CloseReason) {
	if !c.markClosed(reason) {
		return
	}
	c.out.MarkDelete()
	if c.stopSink != nil {
		c.stopSink()
	}
	c.producer.removeConsumer(c.id)
	c.transport.removeConsumer(c.id)
	c.notify()
}
