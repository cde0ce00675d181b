package main

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/czerwonk/latency_monitor/config"
)

type fakeIntervalSetter struct {
	interval time.Duration
	calls    int
	err      error
}

func (f *fakeIntervalSetter) SetInterval(d time.Duration) error {
	f.calls++
	if f.err != nil {
		return f.err
	}
	f.interval = d
	return nil
}

func (f *fakeIntervalSetter) Interval() time.Duration {
	return f.interval
}

func configWithInterval(d time.Duration) *config.Config {
	c := &config.Config{}
	c.Probe.Interval.Set(d)
	return c
}

func TestApplyInterval(t *testing.T) {
	tests := []struct {
		name  string
		cfg   *config.Config
		err   error
		calls int
		want  time.Duration
	}{
		{
			name:  "changed",
			cfg:   configWithInterval(time.Second),
			calls: 1,
			want:  time.Second,
		},
		{
			name: "unchanged",
			cfg:  configWithInterval(500 * time.Millisecond),
			want: 500 * time.Millisecond,
		},
		{
			name: "not set",
			cfg:  &config.Config{},
			want: 500 * time.Millisecond,
		},
		{
			name:  "rejected",
			cfg:   configWithInterval(time.Second),
			err:   errors.New("stopped"),
			calls: 1,
			want:  500 * time.Millisecond,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &fakeIntervalSetter{interval: 500 * time.Millisecond, err: tt.err}
			applyInterval(tt.cfg, s)

			assert.Equal(t, tt.calls, s.calls)
			assert.Equal(t, tt.want, s.interval)
		})
	}
}

func TestWatchConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte("probe:\n  interval: 1s\n"), 0o644))

	ctx, cancel := context.WithCancel(context.Background())
	changes := make(chan *config.Config, 16)
	done := make(chan error, 1)
	go func() {
		done <- watchConfigFile(ctx, path, func(c *config.Config) {
			changes <- c
		})
	}()

	// the watcher may not be registered yet when the first write happens
	require.Eventually(t, func() bool {
		if err := os.WriteFile(path, []byte("probe:\n  interval: 2s\n"), 0o644); err != nil {
			return false
		}
		for {
			select {
			case c := <-changes:
				if c.Probe.Interval.Duration() == 2*time.Second {
					return true
				}
			default:
				return false
			}
		}
	}, 5*time.Second, 50*time.Millisecond)

	// other files in the directory are ignored
	require.NoError(t, os.WriteFile(filepath.Join(filepath.Dir(path), "other.yml"), []byte("probe:\n  interval: 3s\n"), 0o644))
	time.Sleep(100 * time.Millisecond)
	for len(changes) > 0 {
		c := <-changes
		assert.NotEqual(t, 3*time.Second, c.Probe.Interval.Duration())
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not return after cancel")
	}
}

func TestWatchConfigFileMissingDir(t *testing.T) {
	err := watchConfigFile(context.Background(), filepath.Join(t.TempDir(), "missing", "config.yml"), func(*config.Config) {})
	assert.Error(t, err)
}
