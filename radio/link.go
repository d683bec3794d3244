package radio

import (
	"bufio"
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"peerlink/link"
	"peerlink/logging"
	"peerlink/metrics"
	"peerlink/multiplex"
	"peerlink/protocol"
)

// TransportName labels radio links in logs and metrics.
const TransportName = "radio"

const inboundQueueSize = 64

// Link is a multiplexed radio connection to one device. Packets travel on the
// default channel and each payload on a channel of its own.
type Link struct {
	address  string
	mux      *multiplex.Conn
	packets  *multiplex.Channel
	reader   *bufio.Reader
	identity protocol.Identity

	logger  *slog.Logger
	metrics *metrics.Metrics

	inbound chan *protocol.Packet
	sendMu  sync.Mutex

	closeOnce sync.Once
	closed    chan struct{}

	errMu    sync.RWMutex
	closeErr error
}

var _ link.Link = (*Link)(nil)

// exchangeIdentity sends ours and reads the peer's identity on the default channel.
func exchangeIdentity(ctx context.Context, mux *multiplex.Conn, local protocol.Identity) (protocol.Identity, *bufio.Reader, error) {
	packets := mux.DefaultChannel()
	reader := bufio.NewReader(packets)

	type readResult struct {
		identity protocol.Identity
		err      error
	}
	writeDone := make(chan error, 1)
	readDone := make(chan readResult, 1)
	go func() {
		writeDone <- protocol.WritePacket(packets, local.Packet())
	}()
	go func() {
		packet, err := protocol.ReadPacket(reader)
		if err != nil {
			readDone <- readResult{err: fmt.Errorf("read identity: %w", err)}
			return
		}
		identity, err := protocol.IdentityFromPacket(packet)
		readDone <- readResult{identity: identity, err: err}
	}()

	var result readResult
	select {
	case result = <-readDone:
	case <-ctx.Done():
		return protocol.Identity{}, nil, ctx.Err()
	}
	if result.err != nil {
		return protocol.Identity{}, nil, result.err
	}

	select {
	case err := <-writeDone:
		if err != nil {
			return protocol.Identity{}, nil, fmt.Errorf("send identity: %w", err)
		}
	case <-ctx.Done():
		return protocol.Identity{}, nil, ctx.Err()
	}

	if result.identity.DeviceID == local.DeviceID {
		return protocol.Identity{}, nil, errors.New("radio: connection from own device id")
	}
	return result.identity, reader, nil
}

func newLink(address string, mux *multiplex.Conn, reader *bufio.Reader, identity protocol.Identity, logger *slog.Logger, m *metrics.Metrics) *Link {
	l := &Link{
		address:  address,
		mux:      mux,
		packets:  mux.DefaultChannel(),
		reader:   reader,
		identity: identity,
		logger: logging.OrNop(logger).With(
			logging.KeyTransport, TransportName,
			logging.KeyDeviceID, identity.DeviceID,
		),
		metrics: m,
		inbound: make(chan *protocol.Packet, inboundQueueSize),
		closed:  make(chan struct{}),
	}
	go l.readLoop()
	go func() {
		select {
		case <-mux.Done():
			l.closeWithError(mux.Err())
		case <-l.closed:
		}
	}()
	return l
}

func (l *Link) DeviceID() string            { return l.identity.DeviceID }
func (l *Link) Name() string                { return TransportName }
func (l *Link) Priority() int               { return link.PriorityRadio }
func (l *Link) Identity() protocol.Identity { return l.identity }

// PeerCertificate is nil: the radio bond authenticates the peer.
func (l *Link) PeerCertificate() *x509.Certificate { return nil }

// Address returns the peer adapter address, empty for inbound links.
func (l *Link) Address() string { return l.address }

func (l *Link) Receive() <-chan *protocol.Packet { return l.inbound }
func (l *Link) Done() <-chan struct{}            { return l.closed }

func (l *Link) LastError() error {
	l.errMu.RLock()
	defer l.errMu.RUnlock()
	return l.closeErr
}

func (l *Link) Close() error {
	l.closeWithError(nil)
	return nil
}

// SendPacket writes p on the packet channel. A payload is streamed on a fresh
// channel announced in payloadTransferInfo.uuid; SendPacket returns once the
// receiver has consumed it.
func (l *Link) SendPacket(ctx context.Context, p *protocol.Packet) error {
	select {
	case <-l.closed:
		return l.sendErr()
	default:
	}

	out := *p
	var payloadChannel *multiplex.Channel
	if p.HasPayload() {
		ch, err := l.mux.OpenChannel()
		if err != nil {
			return fmt.Errorf("open payload channel: %w", err)
		}
		payloadChannel = ch
		out.PayloadTransferInfo = map[string]any{"uuid": ch.ID().String()}
	}

	if err := l.writePacket(ctx, &out); err != nil {
		if payloadChannel != nil {
			_ = payloadChannel.Close()
		}
		return err
	}
	l.metrics.PacketSent(TransportName)

	if payloadChannel == nil {
		return nil
	}
	n, err := streamPayload(ctx, payloadChannel, p.Payload)
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

	done := make(chan error, 1)
	go func() {
		_, err := l.packets.Write(line)
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			l.closeWithError(fmt.Errorf("write packet: %w", err))
			return fmt.Errorf("write %s packet: %w", p.Type, err)
		}
		return nil
	case <-ctx.Done():
		// A partial line cannot be recovered.
		l.closeWithError(fmt.Errorf("write packet: %w", ctx.Err()))
		return ctx.Err()
	}
}

func streamPayload(ctx context.Context, ch *multiplex.Channel, payload *protocol.Payload) (int64, error) {
	defer payload.Close()

	stop := context.AfterFunc(ctx, func() { _ = ch.Close() })
	defer stop()

	var source io.Reader = payload.Reader
	if payload.Size > 0 {
		source = io.LimitReader(payload.Reader, payload.Size)
	}
	n, err := io.Copy(ch, source)
	closeErr := ch.Close()
	if err != nil {
		if ctx.Err() != nil {
			return n, ctx.Err()
		}
		return n, fmt.Errorf("stream payload: %w", err)
	}
	if payload.Size > 0 && n != payload.Size {
		return n, fmt.Errorf("payload ended after %d of %d bytes", n, payload.Size)
	}
	return n, closeErr
}

func (l *Link) readLoop() {
	defer close(l.inbound)

	for {
		line, err := protocol.ReadLine(l.reader)
		if err != nil {
			if errors.Is(err, io.EOF) {
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
			continue
		}

		if packet.PayloadSize() != 0 {
			reader, err := l.payloadReader(packet)
			if err != nil {
				l.closeWithError(fmt.Errorf("malformed packet %s: %w", packet.Type, err))
				return
			}
			packet.Payload.Reader = reader
		}

		l.metrics.PacketReceived(TransportName)
		select {
		case l.inbound <- packet:
		case <-l.closed:
			return
		}
	}
}

func (l *Link) payloadReader(packet *protocol.Packet) (io.ReadCloser, error) {
	id, err := uuid.Parse(packet.TransferString("uuid", ""))
	if err != nil {
		return nil, fmt.Errorf("payload channel id: %w", err)
	}
	ch, ok := l.mux.Channel(id)
	if !ok {
		// An empty payload may be closed by the sender before its packet is read.
		return io.NopCloser(strings.NewReader("")), nil
	}
	return &countingReader{ReadCloser: ch, onRead: func(n int64) {
		l.metrics.PayloadTransferred(TransportName, "in", n)
	}}, nil
}

type countingReader struct {
	io.ReadCloser
	onRead func(n int64)
}

func (r *countingReader) Read(p []byte) (int, error) {
	n, err := r.ReadCloser.Read(p)
	if n > 0 {
		r.onRead(int64(n))
	}
	return n, err
}

func (l *Link) sendErr() error {
	if err := l.LastError(); err != nil {
		return fmt.Errorf("%w: %v", link.ErrLinkClosed, err)
	}
	return link.ErrLinkClosed
}

func (l *Link) closeWithError(err error) {
	if errors.Is(err, multiplex.ErrClosed) {
		err = nil
	}
	l.closeOnce.Do(func() {
		l.errMu.Lock()
		l.closeErr = err
		l.errMu.Unlock()

		_ = l.mux.Close()
		close(l.closed)
		if err != nil && !errors.Is(err, link.ErrReplaced) {
			l.logger.Info("link closed", logging.KeyError, err)
		}
	})
}
