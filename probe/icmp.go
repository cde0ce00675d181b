package probe

import (
	"context"
	"fmt"
	"net"
	"time"

	ping "github.com/digineo/go-ping"
	log "github.com/sirupsen/logrus"
)

// Resolver resolves a host to its IP addresses.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// ICMPSampler sends a single ICMP echo request per probe. Ports of the target
// are ignored. Raw sockets require elevated privileges.
type ICMPSampler struct {
	pinger   *ping.Pinger
	resolver Resolver
	timeout  time.Duration
}

// NewICMPSampler opens the ICMP sockets. Call Close to release them.
func NewICMPSampler(resolver Resolver, timeout time.Duration, payloadSize uint16) (*ICMPSampler, error) {
	var bind4, bind6 string
	if ln, err := net.Listen("tcp4", "127.0.0.1:0"); err == nil {
		// ipv4 enabled
		ln.Close()
		bind4 = "0.0.0.0"
	}
	if ln, err := net.Listen("tcp6", "[::1]:0"); err == nil {
		// ipv6 enabled
		ln.Close()
		bind6 = "::"
	}

	pinger, err := ping.New(bind4, bind6)
	if err != nil {
		return nil, fmt.Errorf("cannot open icmp sockets: %w", err)
	}
	if payloadSize > 0 && pinger.PayloadSize() != payloadSize {
		pinger.SetPayloadSize(payloadSize)
	}

	if resolver == nil {
		resolver = net.DefaultResolver
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	return &ICMPSampler{
		pinger:   pinger,
		resolver: resolver,
		timeout:  timeout,
	}, nil
}

// Timeout returns the echo timeout.
func (s *ICMPSampler) Timeout() time.Duration {
	return s.timeout
}

// Probe implements Sampler.
func (s *ICMPSampler) Probe(ctx context.Context, t Target) Result {
	started := time.Now()

	addr, err := s.resolve(ctx, t.Host)
	if err != nil {
		log.Debugf("could not resolve %s: %v", t.Host, err)
		return Result{Timestamp: started}
	}

	rtt, err := s.pinger.Ping(addr, s.timeout)
	if err != nil {
		log.Debugf("echo to %s (%v) failed: %v", t.Host, addr, err)
		return Result{Timestamp: started}
	}

	latency := durationToMillis(rtt)
	if latency < minLatency {
		latency = minLatency
	}

	return Result{
		Success:   true,
		Latency:   latency,
		Timestamp: started,
	}
}

func (s *ICMPSampler) resolve(ctx context.Context, host string) (*net.IPAddr, error) {
	if ip := net.ParseIP(host); ip != nil {
		return &net.IPAddr{IP: ip}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	addrs, err := s.resolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, err
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("no addresses for %s", host)
	}

	return &addrs[0], nil
}

// Close releases the ICMP sockets.
func (s *ICMPSampler) Close() {
	s.pinger.Close()
}
