package vad

import "math"

// Energy scores frames by RMS level: FloorDB maps to 0, CeilDB to 1.
type Energy struct {
	FloorDB float64
	CeilDB  float64
}

func NewEnergy() *Energy { return &Energy{FloorDB: -55, CeilDB: -35} }

func (e *Energy) Speech(frame []float32) (float32, error) {
	if len(frame) == 0 {
		return 0, nil
	}
	var sum float64
	for _, v := range frame {
		sum += float64(v) * float64(v)
	}
	rms := math.Sqrt(sum / float64(len(frame)))
	if rms == 0 {
		return 0, nil
	}
	db := 20 * math.Log10(rms)
	p := (db - e.FloorDB) / (e.CeilDB - e.FloorDB)
	return float32(min(max(p, 0), 1)), nil
}

func (e *Energy) Reset()       {}
func (e *Energy) Close() error { return nil }
