package network

import (
	"bufio"
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"peerlink/crypto"
	"peerlink/link"
	"peerlink/logging"
	"peerlink/metrics"
	"peerlink/protocol"
)

const inboundQueueSize = 64

// Link is an authenticated TLS connection to one device on the local network.
type Link struct {
	conn     net.Conn
	reader   *bufio.Reader
	identity protocol.Identity
	peerCert *x509.Certificate

	local          *crypto.LocalCertificate
	listenHost     string
	payloadPorts   PortRange
	payloadTimeout time.Duration

	logger  *slog.Logger
	metrics *metrics.Metrics

	inbound chan *protocol.Packet

	sendMu sync.Mutex

	closeOnce sync.Once
	closed    chan struct{}

	errMu    sync.RWMutex
	closeErr error
}

type linkOptions struct {
	local          *crypto.LocalCertificate
	listenHost     string
	payloadPorts   PortRange
	payloadTimeout time.Duration
	logger         *slog.Logger
	metrics        *metrics.Metrics
}

var _ link.Link = (*Link)(nil)

func newLink(result handshakeResult, opts linkOptions) *Link {
	l := &Link{
		conn:           result.conn,
		reader:         result.reader,
		identity:       result.identity,
		peerCert:       result.peerCert,
		local:          opts.local,
		listenHost:     opts.listenHost,
		payloadPorts:   opts.payloadPorts,
		payloadTimeout: opts.payloadTimeout,
		logger: logging.OrNop(opts.logger).With(
			logging.KeyTransport, TransportName,
			logging.KeyDeviceID, result.identity.DeviceID,
		),
		metrics: opts.metrics,
		inbound: make(chan *protocol.Packet, inboundQueueSize),
		closed:  make(chan struct{}),
	}
	go l.readLoop()
	return l
}

func (l *Link) DeviceID() string                   { return l.identity.DeviceID }
func (l *Link) Name() string                       { return TransportName }
func (l *Link) Priority() int                      { return link.PriorityLAN }
func (l *Link) Identity() protocol.Identity        { return l.identity }
func (l *Link) PeerCertificate() *x509.Certificate { return l.peerCert }

// RemoteAddr returns the peer's socket address.
func (l *Link) RemoteAddr() net.Addr {
	return l.conn.RemoteAddr()
}

// Receive returns inbound packets. The channel is closed when the link goes down.
func (l *Link) Receive() <-chan *protocol.Packet {
	return l.inbound
}

// Done is closed when the link is torn down.
func (l *Link) Done() <-chan struct{} {
	return l.closed
}

// LastError returns the terminal link error, if any.
func (l *Link) LastError() error {
	l.errMu.RLock()
	defer l.errMu.RUnlock()
	return l.closeErr
}

// Close terminates the link.
func (l *Link) Close() error {
	l.closeWithError(nil)
	return nil
}

// SendPacket writes p as one line. A payload is offered on a side socket and
// SendPacket returns once the receiver has fetched it.
func (l *Link) SendPacket(ctx context.Context, p *protocol.Packet) error {
	select {
	case <-l.closed:
		return l.sendErr()
	default:
	}

	out := *p
	var server *payloadServer
	if p.HasPayload() {
		var err error
		server, err = startPayloadServer(l.listenHost, l.payloadPorts, l.local, l.peerCert, l.payloadTimeout)
		if err != nil {
			return fmt.Errorf("offer payload: %w", err)
		}
		out.PayloadTransferInfo = server.transferInfo()
	}

	if err := l.writePacket(ctx, &out); err != nil {
		if server != nil {
			_ = server.listener.Close()
		}
		return err
	}
	l.metrics.PacketSent(TransportName)

	if server == nil {
		return nil
	}
	n, err := server.serve(ctx, p.Payload)
	l.metrics.PayloadTransferred(TransportName, "out", n)
	if err != nil {
		l.logger.Warn("payload transfer failed", logging.KeyPacketType, p.Type, logging.KeyError, err)
		return err
	}
	return nil
}

func (l *Link) writePacket(ctx context.Context, p *protocol.Packet) error {
	line, err := p.Marshal()
	if err != nil {
		return err
	}

	l.sendMu.Lock()
	defer l.sendMu.Unlock()

	deadline, _ := ctx.Deadline()
	if err := l.conn.SetWriteDeadline(deadline); err != nil {
		l.closeWithError(fmt.Errorf("set write deadline: %w", err))
		return l.sendErr()
	}
	if _, err := l.conn.Write(line); err != nil {
		l.closeWithError(fmt.Errorf("write packet: %w", err))
		return fmt.Errorf("write %s packet: %w", p.Type, err)
	}
	return nil
}

func (l *Link) readLoop() {
	defer close(l.inbound)

	for {
		line, err := protocol.ReadLine(l.reader)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				l.closeWithError(nil)
			} else {
				l.closeWithError(fmt.Errorf("read packet: %w", err))
			}
			return
		}
		if len(line) <= 1 {
			continue
		}

		packet, err := protocol.Unmarshal(line)
		if err != nil {
			l.closeWithError(fmt.Errorf("malformed packet: %w", err))
			return
		}
		if packet.Type == protocol.TypeIdentity {
			l.logger.Debug("ignoring identity packet on established link")
			continue
		}

		if packet.PayloadSize() != 0 {
			port := int(packet.TransferInt("port", 0))
			if port <= 0 || port > 65535 {
				l.closeWithError(fmt.Errorf("malformed packet %s: unusable payload port %d", packet.Type, port))
				return
			}
			host, _, _ := net.SplitHostPort(l.conn.RemoteAddr().String())
			packet.Payload.Reader = newPayloadReader(host, port, packet.Payload.Size, l.local, l.peerCert, l.payloadTimeout, func(n int64) {
				l.metrics.PayloadTransferred(TransportName, "in", n)
			})
		}

		l.metrics.PacketReceived(TransportName)
		select {
		case l.inbound <- packet:
		case <-l.closed:
			return
		}
	}
}

func (l *Link) sendErr() error {
	if err := l.LastError(); err != nil {
		return fmt.Errorf("%w: %v", link.ErrLinkClosed, err)
	}
	return link.ErrLinkClosed
}

func (l *Link) closeWithError(err error) {
	l.closeOnce.Do(func() {
		l.errMu.Lock()
		l.closeErr = err
		l.errMu.Unlock()

		_ = l.conn.Close()
		close(l.closed)
		if err != nil && !errors.Is(err, link.ErrReplaced) {
			l.logger.Info("link closed", logging.KeyError, err)
		}
	})
}
