package vad

import (
	"encoding/binary"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scripted returns one probability per frame, then 0.
type scripted struct {
	probs []float32
	i     int
	err   error
}

func (s *scripted) Speech([]float32) (float32, error) {
	if s.err != nil {
		return 0, s.err
	}
	if s.i >= len(s.probs) {
		return 0, nil
	}
	p := s.probs[s.i]
	s.i++
	return p, nil
}
func (s *scripted) Reset()       { s.i = 0 }
func (s *scripted) Close() error { return nil }

func repeat(p float32, n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = p
	}
	return out
}

func concat(parts ...[]float32) []float32 {
	var out []float32
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func silence(frames int) []byte { return make([]byte, frames*FrameSize*2) }

func tone(frames int, amp float64) []byte {
	out := make([]byte, 0, frames*FrameSize*2)
	for i := range frames * FrameSize {
		v := int16(amp * 32767 * math.Sin(2*math.Pi*440*float64(i)/16000))
		out = binary.LittleEndian.AppendUint16(out, uint16(v))
	}
	return out
}

// feed sends the stream in 100 ms chunks like the drain loop does.
func feed(t *testing.T, s *Segmenter, stream []byte) [][]byte {
	t.Helper()
	const chunk = 1600 * 2
	var utts [][]byte
	for off := 0; off < len(stream); off += chunk {
		end := min(off+chunk, len(stream))
		res, err := s.Process(stream[off:end])
		require.NoError(t, err)
		utts = append(utts, res.Utterances...)
	}
	return utts
}

func frames(b []byte) int { return len(b) / (FrameSize * 2) }

func TestSegmenter_TrailingSilenceEndsOneUtterance(t *testing.T) {
	s, err := NewSegmenter(NewEnergy(), DefaultConfig())
	require.NoError(t, err)

	stream := append(append(silence(10), tone(20, 0.3)...), silence(30)...)
	utts := feed(t, s, stream)

	require.Len(t, utts, 1)
	// pre pad + speech + post pad; the redemption window is not included.
	assert.Equal(t, 1+20+1, frames(utts[0]))
	assert.False(t, s.Speaking())
}

func TestSegmenter_ShortPauseStaysInUtterance(t *testing.T) {
	cls := &scripted{probs: concat(repeat(0, 4), repeat(1, 10), repeat(0, 5), repeat(1, 10), repeat(0, 20))}
	s, err := NewSegmenter(cls, DefaultConfig())
	require.NoError(t, err)

	utts := feed(t, s, silence(49))
	require.Len(t, utts, 1)
	assert.Equal(t, 1+10+5+10+1, frames(utts[0]))
}

func TestSegmenter_MisfireIsDropped(t *testing.T) {
	cls := &scripted{probs: concat(repeat(0, 3), repeat(1, 2), repeat(0, 20))}
	s, err := NewSegmenter(cls, DefaultConfig())
	require.NoError(t, err)
	assert.Empty(t, feed(t, s, silence(25)))
}

func TestSegmenter_HysteresisBandDoesNotRedeem(t *testing.T) {
	cfg := DefaultConfig()
	cls := &scripted{probs: concat(repeat(1, 5), repeat(0.5, 30), repeat(0, 11))}
	s, err := NewSegmenter(cls, cfg)
	require.NoError(t, err)

	assert.Empty(t, feed(t, s, silence(46)), "mid-band frames keep the utterance open")
	assert.True(t, s.Speaking())

	res, err := s.Process(silence(1))
	require.NoError(t, err)
	require.Len(t, res.Utterances, 1)
	assert.False(t, res.Speaking)
}

func TestSegmenter_ReportsSpeakingAndPropagatesErrors(t *testing.T) {
	cls := &scripted{probs: repeat(1, 10)}
	s, err := NewSegmenter(cls, DefaultConfig())
	require.NoError(t, err)
	res, err := s.Process(silence(4))
	require.NoError(t, err)
	assert.True(t, res.Speaking)
	assert.Empty(t, res.Utterances)

	s.Reset()
	assert.False(t, s.Speaking())

	cls.err = errors.New("onnx")
	_, err = s.Process(silence(1))
	assert.EqualError(t, err, "onnx")
}

func TestNewSegmenter_Validates(t *testing.T) {
	_, err := NewSegmenter(nil, DefaultConfig())
	assert.Error(t, err)
	cfg := DefaultConfig()
	cfg.RedemptionFrames = 0
	_, err = NewSegmenter(NewEnergy(), cfg)
	assert.Error(t, err)
}

func TestEnergy_Levels(t *testing.T) {
	e := NewEnergy()
	quiet, _ := e.Speech(make([]float32, FrameSize))
	assert.Zero(t, quiet)

	loud := make([]float32, FrameSize)
	for i := range loud {
		loud[i] = 0.3
	}
	p, _ := e.Speech(loud)
	assert.InDelta(t, 1, p, 1e-6)
}
