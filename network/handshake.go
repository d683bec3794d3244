package network

import (
	"bufio"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"time"

	"peerlink/crypto"
	"peerlink/protocol"
)

type handshakeConfig struct {
	local   protocol.Identity
	cert    *crypto.LocalCertificate
	trusted TrustLookup
	timeout time.Duration
}

type handshakeResult struct {
	conn     net.Conn
	reader   *bufio.Reader
	identity protocol.Identity
	peerCert *x509.Certificate
}

// clientHandshake runs the connector side: plaintext identity, TLS as client,
// then an identity exchange over TLS.
func clientHandshake(ctx context.Context, conn net.Conn, cfg handshakeConfig, expectedID string) (handshakeResult, error) {
	if err := setHandshakeDeadline(ctx, conn, cfg.timeout); err != nil {
		return handshakeResult{}, err
	}

	if err := protocol.WritePacket(conn, cfg.local.Packet()); err != nil {
		return handshakeResult{}, fmt.Errorf("send plaintext identity: %w", err)
	}

	var observed *x509.Certificate
	tlsConn := tls.Client(conn, clientTLSConfig(cfg.cert, verifyDevice(expectedID, cfg.trusted, &observed)))
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return handshakeResult{}, fmt.Errorf("handshake with %s: %w", expectedID, &tlsHandshakeError{err: err})
	}

	return finishHandshake(tlsConn, cfg, expectedID, observed)
}

// serverHandshake runs the acceptor side: read the plaintext identity, TLS as
// server, then an identity exchange over TLS.
func serverHandshake(ctx context.Context, conn net.Conn, cfg handshakeConfig) (handshakeResult, error) {
	if err := setHandshakeDeadline(ctx, conn, cfg.timeout); err != nil {
		return handshakeResult{}, err
	}

	// Nothing after the plaintext line may be consumed before TLS takes over the socket.
	announced, err := readPlaintextIdentity(conn)
	if err != nil {
		return handshakeResult{}, err
	}
	if announced.DeviceID == cfg.local.DeviceID {
		return handshakeResult{}, fmt.Errorf("%w: connection from own device id", ErrDeviceMismatch)
	}

	var observed *x509.Certificate
	tlsConn := tls.Server(conn, serverTLSConfig(cfg.cert, verifyDevice(announced.DeviceID, cfg.trusted, &observed)))
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return handshakeResult{}, &peerError{deviceID: announced.DeviceID, err: &tlsHandshakeError{err: err}}
	}

	result, err := finishHandshake(tlsConn, cfg, announced.DeviceID, observed)
	if err != nil {
		return handshakeResult{}, &peerError{deviceID: announced.DeviceID, err: err}
	}
	return result, nil
}

// peerError attaches the announced device id to an inbound handshake failure.
type peerError struct {
	deviceID string
	err      error
}

func (e *peerError) Error() string { return fmt.Sprintf("handshake with %s: %v", e.deviceID, e.err) }
func (e *peerError) Unwrap() error { return e.err }

// tlsHandshakeError marks a failure inside the TLS handshake itself, as
// opposed to the plaintext identity or the identity exchange after it.
type tlsHandshakeError struct {
	err error
}

func (e *tlsHandshakeError) Error() string { return "tls handshake: " + e.err.Error() }
func (e *tlsHandshakeError) Unwrap() error { return e.err }

func finishHandshake(tlsConn *tls.Conn, cfg handshakeConfig, expectedID string, observed *x509.Certificate) (handshakeResult, error) {
	if observed == nil {
		state := tlsConn.ConnectionState()
		if len(state.PeerCertificates) == 0 {
			return handshakeResult{}, ErrNoPeerCertificate
		}
		observed = state.PeerCertificates[0]
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- protocol.WritePacket(tlsConn, cfg.local.Packet())
	}()

	reader := bufio.NewReader(tlsConn)
	packet, err := protocol.ReadPacket(reader)
	if err != nil {
		// With TLS 1.3 a rejected client certificate surfaces on the first read.
		return handshakeResult{}, &tlsHandshakeError{err: fmt.Errorf("read identity over tls: %w", err)}
	}
	if err := <-errCh; err != nil {
		return handshakeResult{}, fmt.Errorf("send identity over tls: %w", err)
	}

	identity, err := protocol.IdentityFromPacket(packet)
	if err != nil {
		return handshakeResult{}, err
	}
	if identity.DeviceID != expectedID {
		return handshakeResult{}, fmt.Errorf("%w: got %q, want %q", ErrDeviceMismatch, identity.DeviceID, expectedID)
	}
	if observed.Subject.CommonName != identity.DeviceID {
		return handshakeResult{}, fmt.Errorf("%w: got %q, want %q", ErrCommonNameMismatch, observed.Subject.CommonName, identity.DeviceID)
	}

	if err := tlsConn.SetDeadline(time.Time{}); err != nil {
		return handshakeResult{}, fmt.Errorf("clear handshake deadline: %w", err)
	}

	return handshakeResult{
		conn:     tlsConn,
		reader:   reader,
		identity: identity,
		peerCert: observed,
	}, nil
}

// readPlaintextIdentity reads exactly one line without buffering past it.
func readPlaintextIdentity(conn net.Conn) (protocol.Identity, error) {
	line := make([]byte, 0, 512)
	var b [1]byte
	for {
		if _, err := conn.Read(b[:]); err != nil {
			return protocol.Identity{}, fmt.Errorf("read plaintext identity: %w", err)
		}
		if b[0] == '\n' {
			break
		}
		line = append(line, b[0])
		if len(line) > protocol.MaxLineSize {
			return protocol.Identity{}, protocol.ErrLineTooLong
		}
	}

	packet, err := protocol.Unmarshal(line)
	if err != nil {
		return protocol.Identity{}, fmt.Errorf("decode plaintext identity: %w", err)
	}
	return protocol.IdentityFromPacket(packet)
}

func setHandshakeDeadline(ctx context.Context, conn net.Conn, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultHandshakeTimeout
	}
	deadline := time.Now().Add(timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return fmt.Errorf("set handshake deadline: %w", err)
	}
	return nil
}

// isTrustFailure reports whether a handshake failure means a peer no longer
// proves the identity we trust: a changed certificate, or a TLS handshake with
// a trusted device that failed for a reason other than the transport.
func isTrustFailure(err error, trusted bool) bool {
	if errors.Is(err, ErrCertificateMismatch) {
		return true
	}
	var tlsErr *tlsHandshakeError
	if !trusted || !errors.As(err, &tlsErr) {
		return false
	}
	return !isTransportError(tlsErr.err)
}

func isTransportError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}
