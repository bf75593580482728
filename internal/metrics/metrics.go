// Package metrics exposes live gateway counts as Prometheus gauges.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

type Snapshot struct {
	Workers        int `json:"workers"`
	Rooms          int `json:"rooms"`
	Participants   int `json:"participants"`
	AudioStreaming int `json:"audioStreaming"`
}

// Source is read on every scrape.
type Source func() Snapshot

// NewRegistry returns a registry with the gateway gauges and the Go runtime
// collectors.
func NewRegistry(src Source) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	gauge := func(name, help string, pick func(Snapshot) int) prometheus.GaugeFunc {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "gateway",
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(pick(src())) })
	}
	reg.MustRegister(
		gauge("workers_total", "Live media workers.", func(s Snapshot) int { return s.Workers }),
		gauge("rooms_total", "Open rooms.", func(s Snapshot) int { return s.Rooms }),
		gauge("participants_total", "Participants across all rooms.", func(s Snapshot) int { return s.Participants }),
		gauge("audio_streams_total", "Participants whose audio is being transcribed.", func(s Snapshot) int { return s.AudioStreaming }),
	)
	return reg
}
