// SPDX-License-Identifier: MIT

package main

import "github.com/prometheus/client_golang/prometheus"

type rttUnit int

const (
	rttInvalid rttUnit = iota
	rttInMills
	rttInSeconds
	rttBoth
)

func rttUnitFromString(s string) rttUnit {
	switch s {
	case "s":
		return rttInSeconds
	case "ms":
		return rttInMills
	case "both":
		return rttBoth
	default:
		return rttInvalid
	}
}

func (u rttUnit) millis() bool {
	return u == rttInMills || u == rttBoth
}

func (u rttUnit) seconds() bool {
	return u == rttInSeconds || u == rttBoth
}

// scaledMetrics exports a millisecond value as _ms and/or _seconds gauge.
type scaledMetrics struct {
	Millis  *prometheus.Desc
	Seconds *prometheus.Desc
	scale   rttUnit
}

func (s *scaledMetrics) Describe(ch chan<- *prometheus.Desc) {
	if s.scale.millis() {
		ch <- s.Millis
	}
	if s.scale.seconds() {
		ch <- s.Seconds
	}
}

func (s *scaledMetrics) Collect(ch chan<- prometheus.Metric, ms float64, labelValues ...string) {
	if s.scale.millis() {
		ch <- prometheus.MustNewConstMetric(s.Millis, prometheus.GaugeValue, ms, labelValues...)
	}
	if s.scale.seconds() {
		ch <- prometheus.MustNewConstMetric(s.Seconds, prometheus.GaugeValue, ms/1000, labelValues...)
	}
}

func newScaledDesc(name, help string, scale rttUnit, variableLabels []string) scaledMetrics {
	return scaledMetrics{
		scale:   scale,
		Millis:  newDesc(name+"_ms", help+" in millis", variableLabels),
		Seconds: newDesc(name+"_seconds", help+" in seconds", variableLabels),
	}
}

func newDesc(name, help string, variableLabels []string) *prometheus.Desc {
	return prometheus.NewDesc(prefix+name, help, variableLabels, nil)
}
