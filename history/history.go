// Package history keeps a short rolling window of probe results for a single
// target and derives jitter and loss from it.
package history

import (
	"math"

	"github.com/VividCortex/ewma"

	"github.com/czerwonk/latency_monitor/probe"
)

// DefaultSize is the number of results kept when no size is given.
const DefaultSize = 5

type entry struct {
	latency float64
	lost    bool
}

// History is a bounded FIFO of recent latencies. It is not safe for
// concurrent use, the scheduler loop is its only owner.
type History struct {
	entries  []entry
	size     int
	skipLost bool
	smoothed ewma.MovingAverage
	seen     bool
}

// Option configures a History.
type Option func(*History)

// SkipLost excludes lost probes from the jitter calculation. By default a
// lost probe takes part as a 0 ms point.
func SkipLost(skip bool) Option {
	return func(h *History) {
		h.skipLost = skip
	}
}

// New creates a History holding at most size entries.
func New(size int, opts ...Option) *History {
	if size < 1 {
		size = DefaultSize
	}

	h := &History{
		entries:  make([]entry, 0, size),
		size:     size,
		smoothed: ewma.NewMovingAverage(),
	}
	for _, o := range opts {
		o(h)
	}

	return h
}

// Record adds a probe result to the window.
func (h *History) Record(r probe.Result) {
	if r.Success {
		h.RecordLatency(r.Latency)
		return
	}
	h.RecordLost()
}

// RecordLatency adds a successful measurement in ms.
func (h *History) RecordLatency(ms float64) {
	h.push(entry{latency: ms})
	h.smoothed.Add(ms)
	h.seen = true
}

// RecordLost adds a lost probe.
func (h *History) RecordLost() {
	h.push(entry{lost: true})
}

func (h *History) push(e entry) {
	if len(h.entries) == h.size {
		copy(h.entries, h.entries[1:])
		h.entries = h.entries[:h.size-1]
	}
	h.entries = append(h.entries, e)
}

// Jitter returns the mean absolute difference between consecutive entries in
// arrival order, or 0 with fewer than two participating entries.
func (h *History) Jitter() float64 {
	var (
		prev  float64
		have  bool
		sum   float64
		pairs int
	)

	for _, e := range h.entries {
		if e.lost && h.skipLost {
			continue
		}
		if have {
			sum += math.Abs(e.latency - prev)
			pairs++
		}
		prev = e.latency
		have = true
	}

	if pairs == 0 {
		return 0
	}
	return sum / float64(pairs)
}

// Loss returns the share of lost probes in the window in percent.
func (h *History) Loss() float64 {
	if len(h.entries) == 0 {
		return 0
	}

	lost := 0
	for _, e := range h.entries {
		if e.lost {
			lost++
		}
	}
	return 100 * float64(lost) / float64(len(h.entries))
}

// Smoothed returns the moving average of successful latencies, 0 before the
// first success.
func (h *History) Smoothed() float64 {
	if !h.seen {
		return 0
	}
	return h.smoothed.Value()
}

// Values returns a copy of the window, lost probes as 0.
func (h *History) Values() []float64 {
	v := make([]float64, len(h.entries))
	for i, e := range h.entries {
		v[i] = e.latency
	}
	return v
}

// Len returns the number of entries in the window.
func (h *History) Len() int {
	return len(h.entries)
}

// Cap returns the window size.
func (h *History) Cap() int {
	return h.size
}
