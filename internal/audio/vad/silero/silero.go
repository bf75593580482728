// Package silero adapts the Silero ONNX speech detector to vad.Classifier.
package silero

import (
	"fmt"

	"github.com/dkeye/VoiceGateway/internal/audio/vad"
	"github.com/streamer45/silero-vad-go/speech"
)

// Classifier runs one Silero window per frame. The detector keeps its own
// trigger state; Speech reports 1 while it is triggered and 0 otherwise.
type Classifier struct {
	det       *speech.Detector
	triggered bool
	window    []float32
}

func New(modelPath string, threshold float32) (*Classifier, error) {
	det, err := speech.NewDetector(speech.DetectorConfig{
		ModelPath:            modelPath,
		SampleRate:           16000,
		Threshold:            threshold,
		MinSilenceDurationMs: 0,
		SpeechPadMs:          0,
	})
	if err != nil {
		return nil, fmt.Errorf("silero: %w", err)
	}
	return &Classifier{det: det, window: make([]float32, vad.FrameSize+1)}, nil
}

func (c *Classifier) Speech(frame []float32) (float32, error) {
	// Detect evaluates windows strictly shorter than its input, so one
	// trailing sample makes it score exactly this frame.
	copy(c.window, frame)
	c.window[vad.FrameSize] = 0
	segments, err := c.det.Detect(c.window)
	if err != nil {
		return 0, fmt.Errorf("silero: detect: %w", err)
	}
	for _, s := range segments {
		if s.SpeechEndAt > 0 {
			c.triggered = false
		} else {
			c.triggered = true
		}
	}
	if c.triggered {
		return 1, nil
	}
	return 0, nil
}

func (c *Classifier) Reset() {
	if err := c.det.Reset(); err == nil {
		c.triggered = false
	}
}

func (c *Classifier) Close() error { return c.det.Destroy() }
