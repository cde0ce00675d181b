package main

import (
	"context"
	"net"
	"strings"
)

// setupResolver returns a resolver asking nameserver directly, or the
// system resolver if nameserver is empty.
func setupResolver(nameserver string) *net.Resolver {
	if nameserver == "" {
		return net.DefaultResolver
	}

	if _, _, err := net.SplitHostPort(nameserver); err != nil {
		nameserver = net.JoinHostPort(strings.Trim(nameserver, "[]"), "53")
	}
	dialer := func(ctx context.Context, network, address string) (net.Conn, error) {
		d := net.Dialer{}

		return d.DialContext(ctx, "udp", nameserver)
	}

	return &net.Resolver{PreferGo: true, Dial: dialer}
}

// newDialer returns a dialer for the tcp sampler which resolves hosts with r.
func newDialer(r *net.Resolver) *net.Dialer {
	return &net.Dialer{Resolver: r}
}
