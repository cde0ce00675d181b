package main

import (
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/czerwonk/latency_monitor/config"
	"github.com/czerwonk/latency_monitor/probe"
)

func validConfig() *config.Config {
	c := &config.Config{}
	c.Target.Host = "8.8.8.8"
	c.Target.Ports = []int{443, 80, 53}
	c.Probe.Mode = "tcp"
	c.Probe.Interval.Set(500 * time.Millisecond)
	c.Probe.Timeout.Set(time.Second)
	c.Probe.History = 5
	c.Probe.Scale = 0.7
	c.Probe.Size = 56
	c.Scheduler.Quantum.Set(100 * time.Millisecond)
	c.Scheduler.Warmup.Set(500 * time.Millisecond)
	return c
}

func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(c *config.Config)
		wantErr bool
	}{
		{"valid", func(c *config.Config) {}, false},
		{"icmp", func(c *config.Config) { c.Probe.Mode = "icmp" }, false},
		{"no host", func(c *config.Config) { c.Target.Host = "" }, true},
		{"port out of range", func(c *config.Config) { c.Target.Ports = []int{443, 70000} }, true},
		{"unknown mode", func(c *config.Config) { c.Probe.Mode = "udp" }, true},
		{"interval too short", func(c *config.Config) { c.Probe.Interval.Set(time.Microsecond) }, true},
		{"interval too long", func(c *config.Config) { c.Probe.Interval.Set(2 * time.Hour) }, true},
		{"no timeout", func(c *config.Config) { c.Probe.Timeout.Set(0) }, true},
		{"no history", func(c *config.Config) { c.Probe.History = 0 }, true},
		{"no scale", func(c *config.Config) { c.Probe.Scale = 0 }, true},
		{"payload too large", func(c *config.Config) { c.Probe.Size = 65501 }, true},
		{"no quantum", func(c *config.Config) { c.Scheduler.Quantum.Set(0) }, true},
		{"negative warmup", func(c *config.Config) { c.Scheduler.Warmup.Set(-time.Second) }, true},
		{"no warmup", func(c *config.Config) { c.Scheduler.Warmup.Set(0) }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validConfig()
			tt.modify(c)

			err := validateConfig(c)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestSchedulerConfig(t *testing.T) {
	c := validConfig()
	c.Probe.JitterSkipLost = true

	sc := schedulerConfig(c)
	assert.Equal(t, 500*time.Millisecond, sc.Interval)
	assert.Equal(t, 100*time.Millisecond, sc.Quantum)
	assert.Equal(t, 500*time.Millisecond, sc.Warmup)
	assert.Equal(t, 5, sc.HistorySize)
	assert.True(t, sc.SkipLost)
}

func TestStopTimeoutFor(t *testing.T) {
	c := validConfig()
	assert.Equal(t, 3*time.Second+100*time.Millisecond+time.Second, stopTimeoutFor(c, 3))
	assert.Equal(t, time.Second+100*time.Millisecond+time.Second, stopTimeoutFor(c, 0))

	c.Probe.Timeout.Set(0)
	assert.Equal(t, 2*probe.DefaultTimeout+100*time.Millisecond+time.Second, stopTimeoutFor(c, 2))
}

func TestNewSamplerTCP(t *testing.T) {
	s, closeSampler, err := newSampler(validConfig(), net.DefaultResolver)
	require.NoError(t, err)
	require.NotNil(t, closeSampler)
	defer closeSampler()

	tcp, ok := s.(*probe.TCPSampler)
	require.True(t, ok, "expected a tcp sampler, got %T", s)
	assert.Equal(t, time.Second, tcp.Timeout())
}

func TestSetupResolver(t *testing.T) {
	assert.Same(t, net.DefaultResolver, setupResolver(""))

	r := setupResolver("9.9.9.9")
	assert.NotSame(t, net.DefaultResolver, r)
	assert.True(t, r.PreferGo)
	assert.NotNil(t, r.Dial)
}

func TestLoadEnvFile(t *testing.T) {
	const (
		setKey  = "LATENCY_MONITOR_TEST_FROM_FILE"
		keepKey = "LATENCY_MONITOR_TEST_KEEP"
	)

	path := filepath.Join(t.TempDir(), "test.env")
	content := setKey + "=42\n" + keepKey + "=from-file\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	t.Setenv(keepKey, "from-env")
	t.Cleanup(func() { os.Unsetenv(setKey) })

	loadEnvFile(path)

	assert.Equal(t, "42", os.Getenv(setKey))
	assert.Equal(t, "from-env", os.Getenv(keepKey))
}

func TestLoadEnvFileMissing(t *testing.T) {
	assert.NotPanics(t, func() {
		loadEnvFile(filepath.Join(t.TempDir(), "missing.env"))
	})
}
