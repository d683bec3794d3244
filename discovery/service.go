// Package discovery advertises this device over mDNS and tracks the peers
// that advertise the same service.
package discovery

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"time"

	"github.com/grandcat/zeroconf"

	"peerlink/logging"
	"peerlink/protocol"
)

const (
	DefaultService  = "_peerlink._udp"
	DefaultDomain   = "local."
	DefaultInterval = 10 * time.Second
	DefaultWindow   = 3 * time.Second
	// DefaultMaxMisses is how many browse windows in a row may miss a peer
	// before it is reported lost.
	DefaultMaxMisses = 2
	DefaultTTL       = 120
)

var (
	errNoDeviceID = errors.New("discovery: local device id is required")
	errNoPort     = errors.New("discovery: advertised port is required")
)

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)

type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// Config describes what is advertised and how often peers are browsed.
type Config struct {
	Service   string
	Domain    string
	Interval  time.Duration
	Window    time.Duration
	MaxMisses int
	TTL       uint32

	Self protocol.Identity
	// Port is the UDP port that receives identity announcements.
	Port int

	Logger *slog.Logger

	register registerFunc
	browse   browseFunc
}

func (c Config) withDefaults() Config {
	out := c
	if out.Service == "" {
		out.Service = DefaultService
	}
	if out.Domain == "" {
		out.Domain = DefaultDomain
	}
	if out.Interval <= 0 {
		out.Interval = DefaultInterval
	}
	if out.Window <= 0 {
		out.Window = DefaultWindow
	}
	if out.MaxMisses <= 0 {
		out.MaxMisses = DefaultMaxMisses
	}
	if out.TTL == 0 {
		out.TTL = DefaultTTL
	}
	if out.register == nil {
		out.register = zeroconf.Register
	}
	out.Logger = logging.OrNop(out.Logger).With(logging.KeyComponent, "mdns")
	return out
}

// Service pairs the local advertisement with a browser.
type Service struct {
	announcer *Announcer
	browser   *Browser
}

// Start advertises the local device and begins browsing for peers.
func Start(config Config) (*Service, error) {
	cfg := config.withDefaults()

	announcer, err := announce(cfg)
	if err != nil {
		return nil, err
	}
	browser, err := newBrowser(cfg)
	if err != nil {
		announcer.Stop()
		return nil, err
	}
	browser.start()

	return &Service{announcer: announcer, browser: browser}, nil
}

func (s *Service) Events() <-chan Event {
	return s.browser.Events()
}

func (s *Service) Refresh(ctx context.Context) error {
	return s.browser.Refresh(ctx)
}

func (s *Service) Peers() []Peer {
	return s.browser.Peers()
}

// Stop withdraws the advertisement and closes the event channel.
func (s *Service) Stop() {
	if s == nil {
		return
	}
	s.browser.Stop()
	s.announcer.Stop()
}
