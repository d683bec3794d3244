package network

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"peerlink/crypto"
	"peerlink/discovery"
	"peerlink/link"
	"peerlink/logging"
	"peerlink/metrics"
	"peerlink/protocol"
)

const connectQueueSize = 32

// Options configure the LAN provider.
type Options struct {
	// Identity is the local identity. TCPPort is filled in by the provider.
	Identity    protocol.Identity
	Certificate *crypto.LocalCertificate
	Trusted     TrustLookup

	// UDPAddress is where identity broadcasts are received. Default ":1716".
	UDPAddress string
	// BroadcastPort is appended to broadcast and custom addresses without a port.
	BroadcastPort      int
	BroadcastAddresses []string
	CustomAddresses    []string

	ListenHost   string
	TCPPorts     PortRange
	PayloadPorts PortRange

	HandshakeTimeout time.Duration
	PayloadTimeout   time.Duration
	IdentityInterval time.Duration

	EnableMDNS bool
	MDNS       discovery.Config

	Logger  *slog.Logger
	Metrics *metrics.Metrics

	startMDNS func(discovery.Config) (peerSource, error)
}

type peerSource interface {
	Events() <-chan discovery.Event
	Refresh(ctx context.Context) error
	Stop()
}

func (o Options) withDefaults() Options {
	out := o
	if out.UDPAddress == "" {
		out.UDPAddress = ":" + strconv.Itoa(DefaultUDPPort)
	}
	if out.BroadcastPort == 0 {
		out.BroadcastPort = DefaultUDPPort
	}
	if out.BroadcastAddresses == nil {
		out.BroadcastAddresses = []string{"255.255.255.255"}
	}
	out.TCPPorts = out.TCPPorts.withDefaults(DefaultTCPPortMin, DefaultTCPPortMax)
	out.PayloadPorts = out.PayloadPorts.withDefaults(DefaultPayloadPortMin, DefaultPayloadPortMax)
	if out.HandshakeTimeout <= 0 {
		out.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if out.PayloadTimeout <= 0 {
		out.PayloadTimeout = DefaultPayloadTimeout
	}
	if out.IdentityInterval <= 0 {
		out.IdentityInterval = DefaultIdentityInterval
	}
	if out.startMDNS == nil {
		out.startMDNS = func(cfg discovery.Config) (peerSource, error) {
			service, err := discovery.Start(cfg)
			if err != nil {
				return nil, err
			}
			return service, nil
		}
	}
	out.Logger = logging.OrNop(out.Logger).With(logging.KeyTransport, TransportName)
	return out
}

type connectRequest struct {
	deviceID string
	host     string
	// tcpPort is known for UDP announcements; mDNS only yields the UDP port.
	tcpPort int
	udpPort int
}

// Provider discovers devices on the local network and links to them over TLS.
type Provider struct {
	opts    Options
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu        sync.Mutex
	started   bool
	stopped   bool
	listener  link.Listener
	udp       *net.UDPConn
	tcp       net.Listener
	tcpPort   int
	links     map[string]*Link
	inFlight  map[string]struct{}
	limiters  map[string]*rate.Limiter
	announcer *rate.Limiter
	mdns      peerSource

	connectQueue chan connectRequest

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ link.Provider = (*Provider)(nil)

// NewProvider builds a LAN provider. Nothing is bound until Start.
func NewProvider(options Options) (*Provider, error) {
	opts := options.withDefaults()
	if opts.Certificate == nil {
		return nil, errors.New("lan provider: certificate is required")
	}
	if !protocol.ValidDeviceID(opts.Identity.DeviceID) {
		return nil, fmt.Errorf("lan provider: %w", protocol.ErrInvalidDeviceID)
	}

	return &Provider{
		opts:         opts,
		logger:       opts.Logger,
		metrics:      opts.Metrics,
		links:        make(map[string]*Link),
		inFlight:     make(map[string]struct{}),
		limiters:     make(map[string]*rate.Limiter),
		announcer:    rate.NewLimiter(rate.Every(opts.IdentityInterval), 2),
		connectQueue: make(chan connectRequest, connectQueueSize),
	}, nil
}

// Name returns the transport name.
func (p *Provider) Name() string {
	return TransportName
}

// Start binds the TCP and UDP sockets, starts discovery and announces the local identity.
func (p *Provider) Start(ctx context.Context, listener link.Listener) error {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return nil
	}

	tcp, tcpPort, err := p.opts.TCPPorts.listen(p.opts.ListenHost)
	if err != nil {
		p.mu.Unlock()
		return fmt.Errorf("lan provider: %w", err)
	}

	udpAddr, err := net.ResolveUDPAddr("udp", p.opts.UDPAddress)
	if err != nil {
		_ = tcp.Close()
		p.mu.Unlock()
		return fmt.Errorf("lan provider: resolve udp address: %w", err)
	}
	udp, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		_ = tcp.Close()
		p.mu.Unlock()
		return fmt.Errorf("lan provider: listen udp: %w", err)
	}

	p.started = true
	p.listener = listener
	p.tcp = tcp
	p.tcpPort = tcpPort
	p.udp = udp
	p.ctx, p.cancel = context.WithCancel(context.WithoutCancel(ctx))

	p.wg.Add(3)
	go p.acceptLoop()
	go p.udpLoop()
	go p.connectLoop()
	p.mu.Unlock()

	p.logger.Info("lan provider started",
		logging.KeyLocalAddr, tcp.Addr().String(),
		"udp_addr", udp.LocalAddr().String(),
	)

	if p.opts.EnableMDNS {
		p.startDiscovery()
	}
	p.announce()
	return nil
}

// Stop closes every socket and link. Safe to call without Start and more than once.
func (p *Provider) Stop() error {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.stopped = true
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	p.cancel()
	_ = p.tcp.Close()
	_ = p.udp.Close()
	mdns := p.mdns
	links := make([]*Link, 0, len(p.links))
	for _, l := range p.links {
		links = append(links, l)
	}
	p.mu.Unlock()

	if mdns != nil {
		mdns.Stop()
	}
	for _, l := range links {
		_ = l.Close()
	}
	p.wg.Wait()

	p.logger.Info("lan provider stopped")
	return nil
}

// OnNetworkChange re-announces the local identity and rescans mDNS without
// touching existing links.
func (p *Provider) OnNetworkChange() {
	p.mu.Lock()
	running := p.started && !p.stopped
	mdns := p.mdns
	if running && mdns != nil {
		p.wg.Add(1)
	}
	p.mu.Unlock()
	if !running {
		return
	}
	p.announce()

	if mdns != nil {
		go func() {
			defer p.wg.Done()
			if err := mdns.Refresh(p.ctx); err != nil && p.ctx.Err() == nil {
				p.logger.Debug("mDNS refresh failed", logging.KeyError, err)
			}
		}()
	}
}

// TCPPort returns the bound link listener port, or 0 before Start.
func (p *Provider) TCPPort() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tcpPort
}

// UDPAddr returns the bound identity socket address, or nil before Start.
func (p *Provider) UDPAddr() *net.UDPAddr {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.udp == nil {
		return nil
	}
	return p.udp.LocalAddr().(*net.UDPAddr)
}

func (p *Provider) localIdentity() protocol.Identity {
	identity := p.opts.Identity
	identity.TCPPort = p.TCPPort()
	return identity
}

func (p *Provider) handshakeConfig() handshakeConfig {
	return handshakeConfig{
		local:   p.localIdentity(),
		cert:    p.opts.Certificate,
		trusted: p.opts.Trusted,
		timeout: p.opts.HandshakeTimeout,
	}
}

// announce sends the identity to every broadcast and custom address.
func (p *Provider) announce() {
	if !p.announcer.Allow() {
		p.logger.Debug("identity announcement rate limited")
		return
	}

	line, err := p.localIdentity().Packet().Marshal()
	if err != nil {
		p.logger.Error("encode identity", logging.KeyError, err)
		return
	}

	targets := append(append([]string(nil), p.opts.BroadcastAddresses...), p.opts.CustomAddresses...)
	for _, target := range targets {
		addr, err := p.resolveTarget(target)
		if err != nil {
			p.logger.Warn("skipping announce target", logging.KeyRemoteAddr, target, logging.KeyError, err)
			continue
		}
		if _, err := p.udp.WriteToUDP(line, addr); err != nil {
			p.logger.Warn("announce identity failed", logging.KeyRemoteAddr, addr.String(), logging.KeyError, err)
		}
	}
}

func (p *Provider) resolveTarget(target string) (*net.UDPAddr, error) {
	if _, _, err := net.SplitHostPort(target); err != nil {
		target = net.JoinHostPort(target, strconv.Itoa(p.opts.BroadcastPort))
	}
	return net.ResolveUDPAddr("udp", target)
}

func (p *Provider) unicastIdentity(addr *net.UDPAddr) {
	line, err := p.localIdentity().Packet().Marshal()
	if err != nil {
		p.logger.Error("encode identity", logging.KeyError, err)
		return
	}
	if _, err := p.udp.WriteToUDP(line, addr); err != nil {
		p.logger.Debug("unicast identity failed", logging.KeyRemoteAddr, addr.String(), logging.KeyError, err)
	}
}

func (p *Provider) udpLoop() {
	defer p.wg.Done()

	buf := make([]byte, maxUDPPacketSize)
	for {
		n, addr, err := p.udp.ReadFromUDP(buf)
		if err != nil {
			if p.ctx.Err() != nil {
				return
			}
			p.logger.Warn("read identity datagram", logging.KeyError, err)
			continue
		}

		packet, err := protocol.Unmarshal(buf[:n])
		if err != nil {
			p.logger.Debug("dropping malformed datagram", logging.KeyRemoteAddr, addr.String(), logging.KeyError, err)
			continue
		}
		identity, err := protocol.IdentityFromPacket(packet)
		if err != nil {
			p.logger.Debug("dropping invalid identity", logging.KeyRemoteAddr, addr.String(), logging.KeyError, err)
			continue
		}
		if identity.DeviceID == p.opts.Identity.DeviceID {
			continue
		}
		if !p.allowIdentity(identity.DeviceID) {
			continue
		}

		p.enqueue(connectRequest{
			deviceID: identity.DeviceID,
			host:     addr.IP.String(),
			tcpPort:  identity.TCPPort,
			udpPort:  addr.Port,
		})
	}
}

func (p *Provider) allowIdentity(deviceID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	limiter, ok := p.limiters[deviceID]
	if !ok {
		limiter = rate.NewLimiter(rate.Every(p.opts.IdentityInterval), 1)
		p.limiters[deviceID] = limiter
	}
	return limiter.Allow()
}

func (p *Provider) enqueue(req connectRequest) {
	select {
	case p.connectQueue <- req:
	case <-p.ctx.Done():
	default:
		p.logger.Warn("connect queue full", logging.KeyDeviceID, req.deviceID)
	}
}

// connectLoop serializes connect requests from broadcasts and mDNS.
//
// Exactly one side of a pair dials: the device with the greater id connects,
// the other answers an announcement by unicasting its own identity.
func (p *Provider) connectLoop() {
	defer p.wg.Done()

	for {
		select {
		case <-p.ctx.Done():
			return
		case req := <-p.connectQueue:
			p.handleConnectRequest(req)
		}
	}
}

func (p *Provider) handleConnectRequest(req connectRequest) {
	p.mu.Lock()
	_, linked := p.links[req.deviceID]
	_, pending := p.inFlight[req.deviceID]
	p.mu.Unlock()
	if linked || pending {
		return
	}

	if req.tcpPort <= 0 || p.opts.Identity.DeviceID < req.deviceID {
		if req.udpPort <= 0 {
			return
		}
		ip := net.ParseIP(req.host)
		if ip == nil {
			return
		}
		p.unicastIdentity(&net.UDPAddr{IP: ip, Port: req.udpPort})
		return
	}

	p.mu.Lock()
	if _, pending := p.inFlight[req.deviceID]; pending {
		p.mu.Unlock()
		return
	}
	p.inFlight[req.deviceID] = struct{}{}
	p.wg.Add(1)
	p.mu.Unlock()

	go func() {
		defer p.wg.Done()
		defer func() {
			p.mu.Lock()
			delete(p.inFlight, req.deviceID)
			p.mu.Unlock()
		}()
		p.connect(req)
	}()
}

func (p *Provider) connect(req connectRequest) {
	address := net.JoinHostPort(req.host, strconv.Itoa(req.tcpPort))
	logger := p.logger.With(logging.KeyDeviceID, req.deviceID, logging.KeyRemoteAddr, address)

	ctx, cancel := context.WithTimeout(p.ctx, p.opts.HandshakeTimeout)
	defer cancel()

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		logger.Debug("dial failed", logging.KeyError, err)
		p.metrics.HandshakeFailed(TransportName, "dial")
		return
	}

	result, err := clientHandshake(ctx, conn, p.handshakeConfig(), req.deviceID)
	if err != nil {
		_ = conn.Close()
		p.handshakeFailed(logger, req.deviceID, err)
		return
	}
	p.addLink(result, "out")
}

func (p *Provider) acceptLoop() {
	defer p.wg.Done()

	for {
		conn, err := p.tcp.Accept()
		if err != nil {
			if p.ctx.Err() != nil {
				return
			}
			p.logger.Warn("accept connection", logging.KeyError, err)
			continue
		}

		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.handleInbound(conn)
		}()
	}
}

func (p *Provider) handleInbound(conn net.Conn) {
	logger := p.logger.With(logging.KeyRemoteAddr, conn.RemoteAddr().String())

	ctx, cancel := context.WithTimeout(p.ctx, p.opts.HandshakeTimeout)
	defer cancel()

	result, err := serverHandshake(ctx, conn, p.handshakeConfig())
	if err != nil {
		_ = conn.Close()
		deviceID := ""
		var peerErr *peerError
		if errors.As(err, &peerErr) {
			deviceID = peerErr.deviceID
		}
		p.handshakeFailed(logger, deviceID, err)
		return
	}
	p.addLink(result, "in")
}

func (p *Provider) handshakeFailed(logger *slog.Logger, deviceID string, err error) {
	trusted := deviceID != "" && p.opts.Trusted != nil && p.opts.Trusted(deviceID) != nil
	if isTrustFailure(err, trusted) {
		p.metrics.HandshakeFailed(TransportName, "trust_broken")
		logger.Warn("trusted device failed the handshake", logging.KeyDeviceID, deviceID, logging.KeyError, err)
		p.mu.Lock()
		listener := p.listener
		p.mu.Unlock()
		if listener != nil && deviceID != "" {
			listener.TrustBroken(deviceID)
		}
		return
	}
	p.metrics.HandshakeFailed(TransportName, "handshake")
	logger.Info("handshake failed", logging.KeyError, err)
}

// addLink registers a new link, replacing any older link to the same device.
func (p *Provider) addLink(result handshakeResult, direction string) {
	l := newLink(result, linkOptions{
		local:          p.opts.Certificate,
		listenHost:     p.opts.ListenHost,
		payloadPorts:   p.opts.PayloadPorts,
		payloadTimeout: p.opts.PayloadTimeout,
		logger:         p.logger,
		metrics:        p.metrics,
	})

	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		_ = l.Close()
		return
	}
	old := p.links[l.DeviceID()]
	p.links[l.DeviceID()] = l
	listener := p.listener
	p.wg.Add(1)
	p.mu.Unlock()

	p.metrics.LinkUp(TransportName, direction)
	p.logger.Info("link established",
		logging.KeyDeviceID, l.DeviceID(),
		logging.KeyDeviceName, l.Identity().DeviceName,
		"direction", direction,
	)

	listener.ConnectionReceived(l.Identity(), l)
	if old != nil {
		old.closeWithError(link.ErrReplaced)
	}

	go func() {
		defer p.wg.Done()
		<-l.Done()

		p.mu.Lock()
		if p.links[l.DeviceID()] == l {
			delete(p.links, l.DeviceID())
		}
		p.mu.Unlock()

		p.metrics.LinkDown(TransportName)
		listener.ConnectionLost(l)
	}()
}

func (p *Provider) startDiscovery() {
	cfg := p.opts.MDNS
	cfg.Self = p.opts.Identity
	cfg.Port = p.UDPAddr().Port
	if cfg.Logger == nil {
		cfg.Logger = p.logger
	}

	source, err := p.opts.startMDNS(cfg)
	if err != nil {
		p.logger.Warn("mDNS discovery unavailable", logging.KeyError, err)
		return
	}

	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		source.Stop()
		return
	}
	p.mdns = source
	p.wg.Add(1)
	p.mu.Unlock()

	go func() {
		defer p.wg.Done()
		for {
			select {
			case <-p.ctx.Done():
				return
			case event, ok := <-source.Events():
				if !ok {
					return
				}
				if event.Type != discovery.EventFound {
					continue
				}
				for _, address := range event.Peer.Addresses {
					p.enqueue(connectRequest{
						deviceID: event.Peer.DeviceID,
						host:     address,
						udpPort:  event.Peer.Port,
					})
				}
			}
		}
	}()
}
