// Package codec holds the cgo-backed audio decoders.
package codec

import (
	"fmt"

	"gopkg.in/hraban/opus.v2"
)

// OpusDecoder decodes Opus packets into interleaved PCM16.
type OpusDecoder struct {
	dec      *opus.Decoder
	channels int
}

func NewOpusDecoder(sampleRate, channels int) (*OpusDecoder, error) {
	dec, err := opus.NewDecoder(sampleRate, channels)
	if err != nil {
		return nil, fmt.Errorf("opus decoder: %w", err)
	}
	return &OpusDecoder{dec: dec, channels: channels}, nil
}

// Decode returns the number of samples per channel written to pcm.
func (d *OpusDecoder) Decode(payload []byte, pcm []int16) (int, error) {
	n, err := d.dec.Decode(payload, pcm)
	if err != nil {
		return 0, fmt.Errorf("opus decode: %w", err)
	}
	return n, nil
}

func (d *OpusDecoder) Channels() int { return d.channels }

// Close is a no-op; the libopus state is released by the Go finalizer.
func (d *OpusDecoder) Close() error { return nil }
