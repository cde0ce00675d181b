package scheduler

import (
	"math"
	"time"

	"github.com/czerwonk/latency_monitor/history"
	"github.com/czerwonk/latency_monitor/probe"
)

// Snapshot is the immutable result of one tick.
type Snapshot struct {
	Seq             uint64    `json:"seq"`
	Latency         float64   `json:"latency"`         // ms, 0 when the probe was lost
	Jitter          float64   `json:"jitter"`          // ms, over the history window
	PacketLoss      float64   `json:"packetLoss"`      // percent, 0 or 100 per tick
	SmoothedLatency float64   `json:"smoothedLatency"` // ms, moving average of successful probes
	WindowLoss      float64   `json:"windowLoss"`      // percent of lost probes in the window
	Port            int       `json:"port,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}

func newSnapshot(seq uint64, r probe.Result, h *history.History) Snapshot {
	s := Snapshot{
		Seq:             seq,
		Jitter:          round(h.Jitter()),
		SmoothedLatency: round(h.Smoothed()),
		WindowLoss:      round(h.Loss()),
		Port:            r.Port,
		Timestamp:       r.Timestamp,
	}

	if r.Success {
		s.Latency = round(r.Latency)
	} else {
		s.PacketLoss = 100
	}

	return s
}

// round rounds to one decimal.
func round(v float64) float64 {
	return math.Round(v*10) / 10
}
