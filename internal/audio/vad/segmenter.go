// Package vad segments a PCM16 stream into utterances.
package vad

import (
	"encoding/binary"
	"errors"
)

// FrameSize is the classifier window: 32 ms at 16 kHz.
const FrameSize = 512

const (
	DefaultPositiveThreshold = 0.6
	DefaultNegativeThreshold = 0.4
	DefaultRedemptionFrames  = 12
	DefaultMinSpeechFrames   = 3
	DefaultPreSpeechPad      = 1
	DefaultPostSpeechPad     = 1
)

// Classifier scores one frame of FrameSize samples in [-1, 1].
type Classifier interface {
	Speech(frame []float32) (float32, error)
	Reset()
	Close() error
}

type Config struct {
	PositiveThreshold float32
	NegativeThreshold float32
	// RedemptionFrames of near silence end an utterance.
	RedemptionFrames int
	// MinSpeechFrames positive frames make an utterance; shorter runs are misfires.
	MinSpeechFrames int
	PreSpeechPad    int
	PostSpeechPad   int
}

func DefaultConfig() Config {
	return Config{
		PositiveThreshold: DefaultPositiveThreshold,
		NegativeThreshold: DefaultNegativeThreshold,
		RedemptionFrames:  DefaultRedemptionFrames,
		MinSpeechFrames:   DefaultMinSpeechFrames,
		PreSpeechPad:      DefaultPreSpeechPad,
		PostSpeechPad:     DefaultPostSpeechPad,
	}
}

// Result of feeding one chunk.
type Result struct {
	// Utterances completed by this chunk, PCM16 little endian.
	Utterances [][]byte
	Speaking   bool
}

// Segmenter is the per-participant speech state machine. Not safe for
// concurrent use.
type Segmenter struct {
	cfg Config
	cls Classifier

	pending []int16   // samples not yet forming a full frame
	pre     [][]int16 // ring of the last PreSpeechPad silent frames
	speech  [][]int16 // frames of the utterance in progress

	speaking    bool
	positives   int
	redemption  int
	sinceSpeech int
	floats      []float32
}

func NewSegmenter(cls Classifier, cfg Config) (*Segmenter, error) {
	if cls == nil {
		return nil, errors.New("vad: nil classifier")
	}
	if cfg.RedemptionFrames < 1 || cfg.MinSpeechFrames < 1 {
		return nil, errors.New("vad: redemption and min speech frames must be >= 1")
	}
	if cfg.NegativeThreshold > cfg.PositiveThreshold {
		return nil, errors.New("vad: negative threshold above positive threshold")
	}
	return &Segmenter{cfg: cfg, cls: cls, floats: make([]float32, FrameSize)}, nil
}

func (s *Segmenter) Speaking() bool { return s.speaking }

// Process feeds a PCM16 little-endian chunk.
func (s *Segmenter) Process(chunk []byte) (Result, error) {
	var res Result
	for i := 0; i+1 < len(chunk); i += 2 {
		s.pending = append(s.pending, int16(binary.LittleEndian.Uint16(chunk[i:])))
	}
	for len(s.pending) >= FrameSize {
		frame := make([]int16, FrameSize)
		copy(frame, s.pending[:FrameSize])
		s.pending = s.pending[FrameSize:]
		utt, err := s.frame(frame)
		if err != nil {
			return res, err
		}
		if utt != nil {
			res.Utterances = append(res.Utterances, utt)
		}
	}
	res.Speaking = s.speaking
	return res, nil
}

func (s *Segmenter) frame(frame []int16) ([]byte, error) {
	for i, v := range frame {
		s.floats[i] = float32(v) / 32768
	}
	prob, err := s.cls.Speech(s.floats)
	if err != nil {
		return nil, err
	}
	positive := prob >= s.cfg.PositiveThreshold

	if !s.speaking {
		if !positive {
			s.pushPre(frame)
			return nil, nil
		}
		s.speaking = true
		s.speech = append(s.speech[:0], s.pre...)
		s.pre = s.pre[:0]
		s.positives, s.redemption, s.sinceSpeech = 0, 0, 0
	}

	s.speech = append(s.speech, frame)
	if positive {
		s.positives++
		s.redemption = 0
		s.sinceSpeech = 0
		return nil, nil
	}
	s.sinceSpeech++
	if prob < s.cfg.NegativeThreshold {
		s.redemption++
	}
	if s.redemption < s.cfg.RedemptionFrames {
		return nil, nil
	}

	frames := s.speech
	if trim := s.sinceSpeech - s.cfg.PostSpeechPad; trim > 0 {
		frames = frames[:len(frames)-trim]
	}
	ok := s.positives >= s.cfg.MinSpeechFrames
	s.speaking = false
	s.speech = nil
	s.positives, s.redemption, s.sinceSpeech = 0, 0, 0
	if !ok {
		return nil, nil
	}
	return encode(frames), nil
}

func (s *Segmenter) pushPre(frame []int16) {
	if s.cfg.PreSpeechPad <= 0 {
		return
	}
	if len(s.pre) == s.cfg.PreSpeechPad {
		s.pre = append(s.pre[:0], s.pre[1:]...)
	}
	s.pre = append(s.pre, frame)
}

// Reset drops any utterance in progress.
func (s *Segmenter) Reset() {
	s.pending, s.pre, s.speech = nil, nil, nil
	s.speaking = false
	s.positives, s.redemption, s.sinceSpeech = 0, 0, 0
	s.cls.Reset()
}

func (s *Segmenter) Close() error { return s.cls.Close() }

func encode(frames [][]int16) []byte {
	out := make([]byte, 0, len(frames)*FrameSize*2)
	for _, f := range frames {
		for _, v := range f {
			out = binary.LittleEndian.AppendUint16(out, uint16(v))
		}
	}
	return out
}
