package config

import (
	"io"
	"os"
	"time"

	yaml "gopkg.in/yaml.v2"
)

// Config represents configuration for the monitor
type Config struct {
	Target TargetConfig `yaml:"target"`

	Probe struct {
		Mode           string   `yaml:"mode"`
		Interval       duration `yaml:"interval"`
		Timeout        duration `yaml:"timeout"`
		History        int      `yaml:"history-size"`
		Scale          float64  `yaml:"scale"`
		JitterSkipLost bool     `yaml:"jitter-skip-lost"`
		Size           uint16   `yaml:"payload-size"`
	} `yaml:"probe"`

	Scheduler struct {
		Quantum duration `yaml:"quantum"`
		Warmup  duration `yaml:"warmup"`
	} `yaml:"scheduler"`

	Display struct {
		WaitReady *bool `yaml:"wait-ready"`
	} `yaml:"display"`

	DNS struct {
		Refresh    duration `yaml:"refresh"`
		Nameserver string   `yaml:"nameserver"`
	} `yaml:"dns"`
}

type duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler interface.
func (d *duration) UnmarshalYAML(unmashal func(interface{}) error) error {
	var s string
	if err := unmashal(&s); err != nil {
		return err
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = duration(dur)
	return nil
}

// MarshalYAML implements yaml.Marshaler interface.
func (d duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Duration is a convenience getter.
func (d duration) Duration() time.Duration {
	return time.Duration(d)
}

// Set updates the underlying duration.
func (d *duration) Set(dur time.Duration) {
	*d = duration(dur)
}

// FromYAML reads YAML from reader and unmarshals it to Config
func FromYAML(r io.Reader) (*Config, error) {
	c := &Config{}
	err := yaml.NewDecoder(r).Decode(c)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// FromFile reads the config file at path.
func FromFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return FromYAML(f)
}
