package radio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"peerlink/link"
	"peerlink/logging"
	"peerlink/metrics"
	"peerlink/multiplex"
	"peerlink/protocol"
)

const (
	// DefaultProbeInterval is how often bonded peers without a link are dialled.
	DefaultProbeInterval = 30 * time.Second
	// DefaultHandshakeTimeout bounds the identity exchange.
	DefaultHandshakeTimeout = 10 * time.Second
)

// ErrNoAdapter indicates the provider was built without a radio adapter.
var ErrNoAdapter = errors.New("radio: adapter is required")

// Options configure the radio provider.
type Options struct {
	Identity protocol.Identity
	Adapter  Adapter
	// Service defaults to ServiceUUID.
	Service          uuid.UUID
	ProbeInterval    time.Duration
	HandshakeTimeout time.Duration

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

func (o Options) withDefaults() Options {
	out := o
	if out.Service == uuid.Nil {
		out.Service = ServiceUUID
	}
	if out.ProbeInterval <= 0 {
		out.ProbeInterval = DefaultProbeInterval
	}
	if out.HandshakeTimeout <= 0 {
		out.HandshakeTimeout = DefaultHandshakeTimeout
	}
	out.Logger = logging.OrNop(out.Logger).With(logging.KeyTransport, TransportName)
	return out
}

// Provider accepts and dials radio connections to bonded peers.
type Provider struct {
	opts    Options
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex
	started  bool
	stopped  bool
	listener link.Listener
	accept   net.Listener
	links    map[string]*Link
	inFlight map[string]struct{}

	probeNow chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ link.Provider = (*Provider)(nil)

// NewProvider builds a radio provider. Nothing is bound until Start.
func NewProvider(options Options) (*Provider, error) {
	opts := options.withDefaults()
	if opts.Adapter == nil {
		return nil, ErrNoAdapter
	}
	if !protocol.ValidDeviceID(opts.Identity.DeviceID) {
		return nil, fmt.Errorf("radio provider: %w", protocol.ErrInvalidDeviceID)
	}
	return &Provider{
		opts:     opts,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		links:    make(map[string]*Link),
		inFlight: make(map[string]struct{}),
		probeNow: make(chan struct{}, 1),
	}, nil
}

func (p *Provider) Name() string {
	return TransportName
}

// Start listens on the service and begins probing bonded peers.
func (p *Provider) Start(ctx context.Context, listener link.Listener) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return nil
	}

	accept, err := p.opts.Adapter.Listen(p.opts.Service)
	if err != nil {
		return fmt.Errorf("radio provider: %w", err)
	}

	p.started = true
	p.listener = listener
	p.accept = accept
	p.ctx, p.cancel = context.WithCancel(context.WithoutCancel(ctx))

	p.wg.Add(2)
	go p.acceptLoop()
	go p.probeLoop()

	p.logger.Info("radio provider started", logging.KeyLocalAddr, p.opts.Adapter.Address())
	return nil
}

// Stop closes the listener and every link. Safe without Start.
func (p *Provider) Stop() error {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.stopped = true
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	p.cancel()
	_ = p.accept.Close()
	links := make([]*Link, 0, len(p.links))
	for _, l := range p.links {
		links = append(links, l)
	}
	p.mu.Unlock()

	for _, l := range links {
		_ = l.Close()
	}
	p.wg.Wait()
	p.logger.Info("radio provider stopped")
	return nil
}

// OnNetworkChange probes bonded peers immediately.
func (p *Provider) OnNetworkChange() {
	select {
	case p.probeNow <- struct{}{}:
	default:
	}
}

func (p *Provider) acceptLoop() {
	defer p.wg.Done()

	for {
		conn, err := p.accept.Accept()
		if err != nil {
			if p.ctx.Err() != nil {
				return
			}
			p.logger.Warn("accept radio connection", logging.KeyError, err)
			continue
		}

		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.establish(conn, "", "in")
		}()
	}
}

func (p *Provider) probeLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.opts.ProbeInterval)
	defer ticker.Stop()

	p.probe()
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.probe()
		case <-p.probeNow:
			p.probe()
		}
	}
}

// probe dials bonded peers without a link. Only the side with the greater
// adapter address dials so simultaneous connects do not replace each other.
func (p *Provider) probe() {
	bonded, err := p.opts.Adapter.BondedDevices()
	if err != nil {
		p.logger.Warn("list bonded devices", logging.KeyError, err)
		return
	}

	local := p.opts.Adapter.Address()
	for _, address := range bonded {
		if address >= local || !p.beginDial(address) {
			continue
		}
		p.wg.Add(1)
		go func(address string) {
			defer p.wg.Done()
			defer p.endDial(address)
			p.dial(address)
		}(address)
	}
}

func (p *Provider) beginDial(address string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return false
	}
	if _, pending := p.inFlight[address]; pending {
		return false
	}
	for _, l := range p.links {
		if l.Address() == address {
			return false
		}
	}
	p.inFlight[address] = struct{}{}
	return true
}

func (p *Provider) endDial(address string) {
	p.mu.Lock()
	delete(p.inFlight, address)
	p.mu.Unlock()
}

func (p *Provider) dial(address string) {
	ctx, cancel := context.WithTimeout(p.ctx, p.opts.HandshakeTimeout)
	defer cancel()

	conn, err := p.opts.Adapter.Dial(ctx, address, p.opts.Service)
	if err != nil {
		p.logger.Debug("probe failed", logging.KeyRemoteAddr, address, logging.KeyError, err)
		return
	}
	p.establish(conn, address, "out")
}

// establish multiplexes conn and exchanges identities. address is empty for
// inbound connections, whose peer announces itself.
func (p *Provider) establish(conn net.Conn, address, direction string) {
	mux := multiplex.New(conn, multiplex.Options{Logger: p.logger, Metrics: p.metrics})

	ctx, cancel := context.WithTimeout(p.ctx, p.opts.HandshakeTimeout)
	defer cancel()

	identity, reader, err := exchangeIdentity(ctx, mux, p.opts.Identity)
	if err != nil {
		_ = mux.Close()
		p.metrics.HandshakeFailed(TransportName, "identity")
		p.logger.Info("radio handshake failed", logging.KeyRemoteAddr, address, logging.KeyError, err)
		return
	}

	l := newLink(address, mux, reader, identity, p.logger, p.metrics)

	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		_ = l.Close()
		return
	}
	old := p.links[identity.DeviceID]
	p.links[identity.DeviceID] = l
	listener := p.listener
	p.wg.Add(1)
	p.mu.Unlock()

	p.metrics.LinkUp(TransportName, direction)
	p.logger.Info("link established",
		logging.KeyDeviceID, identity.DeviceID,
		logging.KeyDeviceName, identity.DeviceName,
		"direction", direction,
	)

	listener.ConnectionReceived(identity, l)
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
