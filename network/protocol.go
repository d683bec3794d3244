package network

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"
)

const (
	// TransportName labels LAN links in logs and metrics.
	TransportName = "lan"

	// DefaultUDPPort receives identity broadcasts.
	DefaultUDPPort = 1716
	// DefaultTCPPortMin and DefaultTCPPortMax bound the link listener port.
	DefaultTCPPortMin = 1716
	DefaultTCPPortMax = 1764
	// DefaultPayloadPortMin and DefaultPayloadPortMax bound payload listeners.
	DefaultPayloadPortMin = 1739
	DefaultPayloadPortMax = 1764

	// DefaultHandshakeTimeout bounds the identity exchange and TLS handshake.
	DefaultHandshakeTimeout = 10 * time.Second
	// DefaultPayloadTimeout is how long a payload listener waits for the receiver.
	DefaultPayloadTimeout = 10 * time.Second
	// DefaultIdentityInterval is the minimum spacing between identities accepted from one device.
	DefaultIdentityInterval = time.Second

	maxUDPPacketSize = 64 * 1024
)

var (
	// ErrNoFreePort indicates every port in a configured range is taken.
	ErrNoFreePort = errors.New("network: no free port in range")
	// ErrDeviceMismatch indicates a peer announced a different id than expected.
	ErrDeviceMismatch = errors.New("network: peer announced an unexpected device id")
)

// PortRange is an inclusive range of TCP ports.
type PortRange struct {
	Min int
	Max int
}

func (r PortRange) withDefaults(min, max int) PortRange {
	if r.Min == 0 && r.Max == 0 {
		return PortRange{Min: min, Max: max}
	}
	if r.Max < r.Min {
		r.Max = r.Min
	}
	return r
}

// listen binds the first free port of the range on host.
func (r PortRange) listen(host string) (net.Listener, int, error) {
	for port := r.Min; port <= r.Max; port++ {
		listener, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
		if err != nil {
			continue
		}
		return listener, port, nil
	}
	return nil, 0, fmt.Errorf("%w: %d-%d", ErrNoFreePort, r.Min, r.Max)
}
