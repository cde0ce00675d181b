package probe

import (
	"context"
	"net"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"
)

// minLatency keeps successful results strictly positive on very fast links.
const minLatency = 0.001

// Dialer opens network connections.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// TCPSampler measures latency as the duration of a TCP handshake. Ports of
// the target are tried in order and the first successful connection wins.
type TCPSampler struct {
	dialer  Dialer
	timeout time.Duration
	scale   float64
}

// NewTCPSampler creates a sampler using the given dialer. A nil dialer uses
// a plain net.Dialer, non-positive values fall back to the defaults.
func NewTCPSampler(dialer Dialer, timeout time.Duration, scale float64) *TCPSampler {
	if dialer == nil {
		dialer = &net.Dialer{}
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if scale <= 0 {
		scale = DefaultScale
	}

	return &TCPSampler{
		dialer:  dialer,
		timeout: timeout,
		scale:   scale,
	}
}

// Timeout returns the per attempt timeout.
func (s *TCPSampler) Timeout() time.Duration {
	return s.timeout
}

// Probe implements Sampler.
func (s *TCPSampler) Probe(ctx context.Context, t Target) Result {
	started := time.Now()

	for _, port := range t.Ports {
		rtt, err := s.connect(ctx, t.Host, port)
		if err != nil {
			log.Debugf("probe %s:%d failed: %v", t.Host, port, err)
			continue
		}

		latency := durationToMillis(rtt) * s.scale
		if latency < minLatency {
			latency = minLatency
		}

		return Result{
			Success:   true,
			Latency:   latency,
			Port:      port,
			Timestamp: started,
		}
	}

	return Result{Timestamp: started}
}

func (s *TCPSampler) connect(ctx context.Context, host string, port int) (time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	conn, err := s.dialer.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	rtt := time.Since(start)
	if err != nil {
		return 0, err
	}
	conn.Close()

	return rtt, nil
}
