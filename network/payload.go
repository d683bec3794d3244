package network

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"peerlink/crypto"
	"peerlink/protocol"
)

// ErrPayloadTimeout indicates the receiver never connected to fetch a payload.
var ErrPayloadTimeout = errors.New("network: payload receiver did not connect")

// payloadServer serves one payload to the peer on a dedicated TLS socket.
type payloadServer struct {
	listener net.Listener
	port     int
	local    *crypto.LocalCertificate
	peerCert *x509.Certificate
	timeout  time.Duration
}

func startPayloadServer(host string, ports PortRange, local *crypto.LocalCertificate, peerCert *x509.Certificate, timeout time.Duration) (*payloadServer, error) {
	listener, port, err := ports.listen(host)
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = DefaultPayloadTimeout
	}
	return &payloadServer{
		listener: listener,
		port:     port,
		local:    local,
		peerCert: peerCert,
		timeout:  timeout,
	}, nil
}

func (s *payloadServer) transferInfo() map[string]any {
	return map[string]any{"port": s.port}
}

// serve waits for the receiver, then streams payload and closes.
func (s *payloadServer) serve(ctx context.Context, payload *protocol.Payload) (int64, error) {
	defer s.listener.Close()
	defer payload.Close()

	deadline := time.Now().Add(s.timeout)
	if tcp, ok := s.listener.(*net.TCPListener); ok {
		if err := tcp.SetDeadline(deadline); err != nil {
			return 0, fmt.Errorf("set payload accept deadline: %w", err)
		}
	}

	accepted := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = s.listener.Close()
		case <-accepted:
		}
	}()

	conn, err := s.listener.Accept()
	close(accepted)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return 0, ErrPayloadTimeout
		}
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		return 0, fmt.Errorf("accept payload connection: %w", err)
	}

	tlsConn := tls.Server(conn, serverTLSConfig(s.local, verifyPinned(s.peerCert)))
	defer tlsConn.Close()
	if err := tlsConn.SetDeadline(deadline); err != nil {
		return 0, fmt.Errorf("set payload handshake deadline: %w", err)
	}
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return 0, fmt.Errorf("payload tls handshake: %w", err)
	}
	if err := tlsConn.SetDeadline(time.Time{}); err != nil {
		return 0, fmt.Errorf("clear payload deadline: %w", err)
	}

	var source io.Reader = payload.Reader
	if payload.Size > 0 {
		source = io.LimitReader(payload.Reader, payload.Size)
	}
	n, err := io.Copy(tlsConn, source)
	if err != nil {
		return n, fmt.Errorf("stream payload after %s: %w", humanize.Bytes(uint64(n)), err)
	}
	if payload.Size > 0 && n != payload.Size {
		return n, fmt.Errorf("payload ended after %s of %s", humanize.Bytes(uint64(n)), humanize.Bytes(uint64(payload.Size)))
	}
	return n, nil
}

// payloadReader connects to the sender's payload socket on first Read.
type payloadReader struct {
	address  string
	size     int64
	local    *crypto.LocalCertificate
	peerCert *x509.Certificate
	timeout  time.Duration
	onRead   func(n int64)

	mu     sync.Mutex
	conn   net.Conn
	reader io.Reader
	closed bool
}

func newPayloadReader(host string, port int, size int64, local *crypto.LocalCertificate, peerCert *x509.Certificate, timeout time.Duration, onRead func(int64)) *payloadReader {
	if timeout <= 0 {
		timeout = DefaultPayloadTimeout
	}
	return &payloadReader{
		address:  net.JoinHostPort(host, strconv.Itoa(port)),
		size:     size,
		local:    local,
		peerCert: peerCert,
		timeout:  timeout,
		onRead:   onRead,
	}
}

func (r *payloadReader) Read(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return 0, io.ErrClosedPipe
	}
	if r.reader == nil {
		if err := r.dial(); err != nil {
			return 0, err
		}
	}

	n, err := r.reader.Read(p)
	if n > 0 && r.onRead != nil {
		r.onRead(int64(n))
	}
	return n, err
}

func (r *payloadReader) dial() error {
	dialer := net.Dialer{Timeout: r.timeout}
	conn, err := dialer.Dial("tcp", r.address)
	if err != nil {
		return fmt.Errorf("dial payload %s: %w", r.address, err)
	}

	tlsConn := tls.Client(conn, clientTLSConfig(r.local, verifyPinned(r.peerCert)))
	if err := tlsConn.SetDeadline(time.Now().Add(r.timeout)); err != nil {
		_ = conn.Close()
		return fmt.Errorf("set payload handshake deadline: %w", err)
	}
	if err := tlsConn.Handshake(); err != nil {
		_ = conn.Close()
		return fmt.Errorf("payload tls handshake: %w", err)
	}
	if err := tlsConn.SetDeadline(time.Time{}); err != nil {
		_ = conn.Close()
		return fmt.Errorf("clear payload deadline: %w", err)
	}

	r.conn = tlsConn
	r.reader = tlsConn
	if r.size > 0 {
		r.reader = io.LimitReader(tlsConn, r.size)
	}
	return nil
}

func (r *payloadReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	if r.conn != nil {
		return r.conn.Close()
	}
	return nil
}
