package main

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/czerwonk/latency_monitor/config"
	"github.com/czerwonk/latency_monitor/probe"
)

type ipVersion uint8

const (
	ipv4 ipVersion = 4
	ipv6 ipVersion = 6
)

func (v ipVersion) String() string {
	switch v {
	case ipv4:
		return "4"
	case ipv6:
		return "6"
	default:
		return "unknown"
	}
}

func getIPVersion(addr net.IPAddr) ipVersion {
	if addr.IP.To4() == nil {
		return ipv6
	}
	return ipv4
}

// target is the monitored host. The addresses it currently resolves to are
// exported as info metric.
type target struct {
	host      string
	ports     []int
	addresses []net.IPAddr
	resolver  probe.Resolver
	mutex     sync.Mutex
}

func newTarget(cfg config.TargetConfig, resolver probe.Resolver) *target {
	ports := cfg.Ports
	if len(ports) == 0 {
		ports = append([]int(nil), probe.DefaultPorts...)
	}

	return &target{
		host:      cfg.Host,
		ports:     ports,
		addresses: make([]net.IPAddr, 0),
		resolver:  resolver,
	}
}

func (t *target) probeTarget() probe.Target {
	return probe.Target{Host: t.host, Ports: t.ports}
}

func (t *target) currentAddresses() []net.IPAddr {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	return append([]net.IPAddr(nil), t.addresses...)
}

// resolve looks up the host and logs which addresses were added or removed
// since the last lookup.
func (t *target) resolve(ctx context.Context) error {
	addrs, err := t.resolver.LookupIPAddr(ctx, t.host)
	if err != nil {
		return fmt.Errorf("error resolving target %s: %w", t.host, err)
	}

	t.mutex.Lock()
	defer t.mutex.Unlock()

	for _, addr := range addrs {
		if !isIPAddrInSlice(addr, t.addresses) {
			log.Infof("host %s resolves to %v (%s)", t.host, addr.IP, t.nameForIP(addr))
		}
	}
	for _, old := range t.addresses {
		if !isIPAddrInSlice(old, addrs) {
			log.Infof("host %s no longer resolves to %v", t.host, old.IP)
		}
	}
	t.addresses = addrs

	return nil
}

func (t *target) nameForIP(addr net.IPAddr) string {
	return fmt.Sprintf("%s %s %s", t.host, addr.IP, getIPVersion(addr))
}

func startDNSAutoRefresh(ctx context.Context, interval time.Duration, t *target) error {
	if interval <= 0 {
		return nil
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			log.Debugln("Refreshing DNS")
			if err := t.resolve(ctx); err != nil {
				log.Errorf("could not refresh dns: %v", err)
			}
		}
	}
}

func isIPAddrInSlice(ip net.IPAddr, slice []net.IPAddr) bool {
	for _, x := range slice {
		if x.IP.Equal(ip.IP) {
			return true
		}
	}

	return false
}
