package main

import (
	"slices"

	"github.com/czerwonk/latency_monitor/config"
)

// customLabelSet holds the user defined labels of the target in a stable
// order, skipping names that clash with the built-in labels.
type customLabelSet struct {
	names  []string
	values []string
}

func newCustomLabelSet(t config.TargetConfig, reserved ...string) *customLabelSet {
	cl := &customLabelSet{
		names:  make([]string, 0, len(t.Labels)),
		values: make([]string, 0, len(t.Labels)),
	}

	for name := range t.Labels {
		if slices.Contains(reserved, name) {
			continue
		}
		cl.names = append(cl.names, name)
	}
	slices.Sort(cl.names)

	for _, name := range cl.names {
		cl.values = append(cl.values, t.Labels[name])
	}

	return cl
}

// labelNames returns base followed by the custom label names.
func (cl *customLabelSet) labelNames(base ...string) []string {
	return append(append(make([]string, 0, len(base)+len(cl.names)), base...), cl.names...)
}

// labelValues returns base followed by the custom label values.
func (cl *customLabelSet) labelValues(base ...string) []string {
	return append(append(make([]string, 0, len(base)+len(cl.values)), base...), cl.values...)
}
