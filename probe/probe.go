// Package probe performs single reachability measurements against a target.
package probe

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// DefaultPorts are tried in order until one of them accepts a connection.
var DefaultPorts = []int{443, 80, 53}

const (
	// DefaultTimeout bounds a single connection attempt.
	DefaultTimeout = time.Second

	// DefaultScale approximates an ICMP round trip from a TCP handshake duration.
	DefaultScale = 0.7
)

// Target is the host being measured together with its candidate ports,
// primary port first.
type Target struct {
	Host  string
	Ports []int
}

// Validate checks that the target can be probed.
func (t Target) Validate() error {
	if t.Host == "" {
		return errors.New("target host must not be empty")
	}
	if len(t.Ports) == 0 {
		return errors.New("target needs at least one port")
	}
	for _, p := range t.Ports {
		if p < 1 || p > 65535 {
			return fmt.Errorf("invalid port %d for target %s", p, t.Host)
		}
	}
	return nil
}

func (t Target) String() string {
	return fmt.Sprintf("%s %v", t.Host, t.Ports)
}

// Result stores the outcome of a single probe. A failed probe is a regular
// result with Success set to false, not an error.
type Result struct {
	Success   bool
	Latency   float64 // latency in ms, only set on success
	Port      int     // port that answered, 0 for ICMP or failures
	Timestamp time.Time
}

// Lost reports whether the probe counts as a lost packet.
func (r Result) Lost() bool {
	return !r.Success
}

// Sampler measures the latency to a target once.
type Sampler interface {
	Probe(ctx context.Context, t Target) Result
}

// SamplerFunc adapts a function to the Sampler interface.
type SamplerFunc func(ctx context.Context, t Target) Result

// Probe calls f(ctx, t).
func (f SamplerFunc) Probe(ctx context.Context, t Target) Result {
	return f(ctx, t)
}

func durationToMillis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
