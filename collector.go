package main

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/czerwonk/latency_monitor/scheduler"
)

const prefix = "latency_monitor_"

type monitorCollector struct {
	monitor monitor
	target  *target
	labels  *customLabelSet

	latency  scaledMetrics
	jitter   scaledMetrics
	smoothed scaledMetrics

	lossDesc            *prometheus.Desc
	windowLossDesc      *prometheus.Desc
	intervalDesc        *prometheus.Desc
	runningDesc         *prometheus.Desc
	ticksDesc           *prometheus.Desc
	probeFailuresDesc   *prometheus.Desc
	publishFailuresDesc *prometheus.Desc
	addressDesc         *prometheus.Desc
}

func newMonitorCollector(m monitor, t *target, cl *customLabelSet, scale rttUnit) *monitorCollector {
	labelNames := cl.labelNames("target")

	return &monitorCollector{
		monitor: m,
		target:  t,
		labels:  cl,

		latency:  newScaledDesc("latency", "Latency of the last probe", scale, labelNames),
		jitter:   newScaledDesc("jitter", "Jitter over the recent probes", scale, labelNames),
		smoothed: newScaledDesc("smoothed_latency", "Moving average of successful probe latencies", scale, labelNames),

		lossDesc:            newDesc("loss_percent", "Packet loss of the last probe in percent", labelNames),
		windowLossDesc:      newDesc("window_loss_percent", "Packet loss over the recent probes in percent", labelNames),
		intervalDesc:        newDesc("interval_seconds", "Configured probe interval", labelNames),
		runningDesc:         newDesc("running", "1 if the probe loop is running", labelNames),
		ticksDesc:           newDesc("ticks_total", "Number of probes performed", labelNames),
		probeFailuresDesc:   newDesc("probe_failures_total", "Number of probes without any answering port", labelNames),
		publishFailuresDesc: newDesc("publish_failures_total", "Number of snapshots the display could not receive", labelNames),
		addressDesc:         newDesc("target_address_info", "Addresses the target host resolves to", cl.labelNames("target", "ip", "ip_version")),
	}
}

func (c *monitorCollector) Describe(ch chan<- *prometheus.Desc) {
	c.latency.Describe(ch)
	c.jitter.Describe(ch)
	c.smoothed.Describe(ch)
	ch <- c.lossDesc
	ch <- c.windowLossDesc
	ch <- c.intervalDesc
	ch <- c.runningDesc
	ch <- c.ticksDesc
	ch <- c.probeFailuresDesc
	ch <- c.publishFailuresDesc
	ch <- c.addressDesc
}

func (c *monitorCollector) Collect(ch chan<- prometheus.Metric) {
	l := c.labels.labelValues(c.target.host)

	running := 0.0
	if c.monitor.State() == scheduler.Running {
		running = 1
	}
	ch <- prometheus.MustNewConstMetric(c.runningDesc, prometheus.GaugeValue, running, l...)
	ch <- prometheus.MustNewConstMetric(c.intervalDesc, prometheus.GaugeValue, c.monitor.Interval().Seconds(), l...)

	stats := c.monitor.Stats()
	ch <- prometheus.MustNewConstMetric(c.ticksDesc, prometheus.CounterValue, float64(stats.Ticks), l...)
	ch <- prometheus.MustNewConstMetric(c.probeFailuresDesc, prometheus.CounterValue, float64(stats.ProbeFailures), l...)
	ch <- prometheus.MustNewConstMetric(c.publishFailuresDesc, prometheus.CounterValue, float64(stats.PublishFailures), l...)

	for _, addr := range c.target.currentAddresses() {
		al := c.labels.labelValues(c.target.host, addr.IP.String(), getIPVersion(addr).String())
		ch <- prometheus.MustNewConstMetric(c.addressDesc, prometheus.GaugeValue, 1, al...)
	}

	snap := c.monitor.LatestSnapshot()
	if snap == nil {
		return
	}

	c.latency.Collect(ch, snap.Latency, l...)
	c.jitter.Collect(ch, snap.Jitter, l...)
	c.smoothed.Collect(ch, snap.SmoothedLatency, l...)
	ch <- prometheus.MustNewConstMetric(c.lossDesc, prometheus.GaugeValue, snap.PacketLoss, l...)
	ch <- prometheus.MustNewConstMetric(c.windowLossDesc, prometheus.GaugeValue, snap.WindowLoss, l...)
}
