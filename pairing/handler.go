// Package pairing runs the per-device pairing state machine and persists the
// resulting trust.
package pairing

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"peerlink/crypto"
	"peerlink/logging"
	"peerlink/metrics"
	"peerlink/protocol"
	"peerlink/storage"
)

const (
	// DefaultRequestTimeout is how long a request we sent waits for an answer.
	DefaultRequestTimeout = 30 * time.Second
	// DefaultResponseTimeout is how long a request from the peer waits for the user.
	DefaultResponseTimeout = 25 * time.Second
)

// State is the pairing state of one remote device.
type State int

const (
	NotPaired State = iota
	Requested
	RequestedByPeer
	Paired
)

func (s State) String() string {
	switch s {
	case NotPaired:
		return "not_paired"
	case Requested:
		return "requested"
	case RequestedByPeer:
		return "requested_by_peer"
	case Paired:
		return "paired"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var (
	ErrAlreadyPaired    = errors.New("pairing: device is already paired")
	ErrAlreadyRequested = errors.New("pairing: pairing already in progress")
	ErrNotReachable     = errors.New("pairing: device is not reachable")
	ErrTimeout          = errors.New("pairing: timed out")
	ErrCanceledByPeer   = errors.New("pairing: canceled by the other device")
	ErrCanceledByUser   = errors.New("pairing: canceled by user")
	ErrInvalidKey       = errors.New("pairing: received an invalid certificate")
	ErrNoPendingRequest = errors.New("pairing: no pending pairing request")
)

// EventType names a pairing outcome.
type EventType string

const (
	// EventRequested fires when the peer asks to pair and the user must answer.
	EventRequested EventType = "requested"
	EventPaired    EventType = "paired"
	EventUnpaired  EventType = "unpaired"
	// EventFailed carries the reason in Event.Err.
	EventFailed EventType = "failed"
)

// Event reports one pairing transition.
type Event struct {
	Type     EventType
	DeviceID string
	Err      error
}

// TrustStore persists trust records. *storage.Store implements it.
type TrustStore interface {
	GetTrustRecord(deviceID string) (*storage.TrustRecord, error)
	SaveTrustRecord(record storage.TrustRecord) error
	DeleteTrustRecord(deviceID string) error
	Audit(kind storage.AuditKind, severity storage.Severity, deviceID string, details map[string]any) error
}

// Config wires a Handler to its device.
type Config struct {
	DeviceID string
	Local    *crypto.LocalCertificate
	Store    TrustStore

	// Send delivers a pair packet to the peer.
	Send func(ctx context.Context, p *protocol.Packet) error
	// Reachable reports whether the device has a link.
	Reachable func() bool
	// Identity returns the peer's latest identity, saved with the trust record.
	Identity func() protocol.Identity
	// PeerCertificate returns the certificate the transport observed, or nil.
	PeerCertificate func() *x509.Certificate
	// OnEvent is called outside the handler lock, once per transition.
	OnEvent func(Event)

	RequestTimeout  time.Duration
	ResponseTimeout time.Duration
	Now             func() time.Time

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

func (c Config) withDefaults() Config {
	out := c
	if out.RequestTimeout <= 0 {
		out.RequestTimeout = DefaultRequestTimeout
	}
	if out.ResponseTimeout <= 0 {
		out.ResponseTimeout = DefaultResponseTimeout
	}
	if out.Now == nil {
		out.Now = time.Now
	}
	if out.Reachable == nil {
		out.Reachable = func() bool { return true }
	}
	if out.Identity == nil {
		out.Identity = func() protocol.Identity { return protocol.Identity{DeviceID: c.DeviceID} }
	}
	if out.PeerCertificate == nil {
		out.PeerCertificate = func() *x509.Certificate { return nil }
	}
	if out.OnEvent == nil {
		out.OnEvent = func(Event) {}
	}
	out.Logger = logging.OrNop(out.Logger).With(
		logging.KeyComponent, "pairing",
		logging.KeyDeviceID, c.DeviceID,
	)
	return out
}

// Handler owns the pairing state of one remote device.
type Handler struct {
	cfg Config

	mu    sync.Mutex
	state State
	// generation changes on every transition so stale timers do nothing.
	generation uint64
	timer      *time.Timer
	// pending request details, used for the verification key.
	timestamp int64
	peerCert  *x509.Certificate
	// accepting is set while AcceptPairing sends its answer.
	accepting bool
}

// New returns a handler starting Paired when a trust record exists.
func New(cfg Config) *Handler {
	h := &Handler{cfg: cfg.withDefaults(), state: NotPaired}
	if h.cfg.Store != nil {
		if record, err := h.cfg.Store.GetTrustRecord(cfg.DeviceID); err == nil && record != nil {
			h.state = Paired
		}
	}
	return h
}

// State returns the current pairing state.
func (h *Handler) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// IsPaired reports whether the device is trusted.
func (h *Handler) IsPaired() bool {
	return h.State() == Paired
}

// RequestPairing asks the peer to pair. The answer arrives as an event.
func (h *Handler) RequestPairing(ctx context.Context) error {
	reachable := h.cfg.Reachable()
	observed := h.cfg.PeerCertificate()

	h.mu.Lock()
	switch h.state {
	case Paired:
		h.mu.Unlock()
		return ErrAlreadyPaired
	case Requested, RequestedByPeer:
		h.mu.Unlock()
		return ErrAlreadyRequested
	}
	if !reachable {
		h.mu.Unlock()
		return ErrNotReachable
	}
	now := h.cfg.Now()
	gen := h.transitionLocked(Requested)
	h.timestamp = now.Unix()
	h.peerCert = observed
	h.mu.Unlock()

	h.cfg.Logger.Info("requesting pairing", logging.KeyPairState, Requested.String())
	if err := h.cfg.Send(ctx, protocol.NewPairRequest(h.cfg.Local.PEM, now)); err != nil {
		err = fmt.Errorf("send pair request: %w", err)
		h.mu.Lock()
		if h.generation != gen {
			h.mu.Unlock()
			return err
		}
		h.transitionLocked(NotPaired)
		h.mu.Unlock()
		h.emit(Event{Type: EventFailed, Err: err})
		return err
	}

	h.mu.Lock()
	if h.generation == gen {
		h.startTimerLocked(gen, h.cfg.RequestTimeout)
	}
	h.mu.Unlock()
	return nil
}

// AcceptPairing accepts the peer's pending request.
func (h *Handler) AcceptPairing(ctx context.Context) error {
	h.mu.Lock()
	if h.state != RequestedByPeer || h.accepting {
		h.mu.Unlock()
		return ErrNoPendingRequest
	}
	// A fresh generation disarms a response timer that already fired and is
	// waiting for the lock.
	gen := h.transitionLocked(RequestedByPeer)
	h.accepting = true
	peerCert := h.peerCert
	h.mu.Unlock()

	if err := h.sendAccept(ctx); err != nil {
		h.mu.Lock()
		if h.generation != gen {
			h.mu.Unlock()
			return err
		}
		h.transitionLocked(NotPaired)
		h.mu.Unlock()
		h.emit(Event{Type: EventFailed, Err: err})
		return err
	}

	h.mu.Lock()
	if h.generation != gen {
		h.mu.Unlock()
		return ErrNoPendingRequest
	}
	h.transitionLocked(Paired)
	h.mu.Unlock()

	return h.completePairing(peerCert)
}

// RejectPairing declines the peer's pending request.
func (h *Handler) RejectPairing(ctx context.Context) error {
	h.mu.Lock()
	if h.state != RequestedByPeer {
		h.mu.Unlock()
		return ErrNoPendingRequest
	}
	h.transitionLocked(NotPaired)
	h.mu.Unlock()

	h.emit(Event{Type: EventFailed, Err: ErrCanceledByUser})
	if err := h.cfg.Send(ctx, protocol.NewUnpairPacket()); err != nil {
		h.cfg.Logger.Debug("send pair rejection", logging.KeyError, err)
	}
	return nil
}

// Unpair forgets a paired device, or cancels a request we sent.
func (h *Handler) Unpair(ctx context.Context) error {
	h.mu.Lock()
	previous := h.state
	switch previous {
	case Paired, Requested:
		h.transitionLocked(NotPaired)
	default:
		h.mu.Unlock()
		return nil
	}
	h.mu.Unlock()

	if previous == Paired {
		h.forget("user")
		h.emit(Event{Type: EventUnpaired})
	} else {
		h.emit(Event{Type: EventFailed, Err: ErrCanceledByUser})
	}

	if h.cfg.Reachable() {
		if err := h.cfg.Send(ctx, protocol.NewUnpairPacket()); err != nil {
			h.cfg.Logger.Debug("send unpair", logging.KeyError, err)
		}
	}
	return nil
}

// Revoke drops trust without telling the peer. Used when the peer no longer
// proves its stored identity.
func (h *Handler) Revoke(reason string) {
	h.mu.Lock()
	previous := h.state
	h.transitionLocked(NotPaired)
	h.mu.Unlock()

	h.forget(reason)
	if previous == Paired {
		h.emit(Event{Type: EventUnpaired})
	}
}

// HandlePacket processes a pair packet from the peer.
func (h *Handler) HandlePacket(ctx context.Context, p *protocol.Packet) error {
	msg, err := protocol.ParsePairPacket(p)
	if err != nil {
		return err
	}
	if msg.Pair {
		return h.handleRequest(ctx, msg)
	}
	h.handleCancel()
	return nil
}

func (h *Handler) handleRequest(ctx context.Context, msg protocol.PairMessage) error {
	cert, certErr := h.peerCertificate(msg.Certificate)

	h.mu.Lock()
	switch h.state {
	case NotPaired:
		if certErr != nil {
			h.mu.Unlock()
			h.invalidKey(certErr)
			return nil
		}
		if h.alreadyTrusted(cert) {
			gen := h.transitionLocked(Paired)
			h.mu.Unlock()
			h.cfg.Logger.Info("pair request from trusted device accepted")
			if err := h.sendAccept(ctx); err != nil {
				h.mu.Lock()
				if h.generation != gen {
					h.mu.Unlock()
					return err
				}
				h.transitionLocked(NotPaired)
				h.mu.Unlock()
				h.emit(Event{Type: EventFailed, Err: err})
				return err
			}
			h.emit(Event{Type: EventPaired})
			return nil
		}
		gen := h.transitionLocked(RequestedByPeer)
		h.timestamp = msg.Timestamp
		h.peerCert = cert
		h.startTimerLocked(gen, h.cfg.ResponseTimeout)
		h.mu.Unlock()
		h.emit(Event{Type: EventRequested})
		return nil

	case Requested:
		if certErr != nil {
			h.mu.Unlock()
			h.invalidKey(certErr)
			return nil
		}
		h.transitionLocked(Paired)
		h.mu.Unlock()
		return h.completePairing(cert)

	case RequestedByPeer:
		h.mu.Unlock()
		h.cfg.Logger.Debug("ignoring repeated pair request")
		return nil

	default: // Paired
		h.mu.Unlock()
		switch {
		case !msg.Request:
			h.cfg.Logger.Debug("ignoring pair accept while paired")
			return nil
		case certErr != nil || !h.alreadyTrusted(cert):
			h.cfg.Logger.Warn("ignoring pair request with unknown certificate while paired")
			return nil
		}
		// The peer lost its trust record and asks again.
		return h.sendAccept(ctx)
	}
}

func (h *Handler) handleCancel() {
	h.mu.Lock()
	previous := h.state
	if previous == NotPaired {
		h.mu.Unlock()
		return
	}
	h.transitionLocked(NotPaired)
	h.mu.Unlock()

	if previous == Paired {
		h.forget("peer")
		h.emit(Event{Type: EventUnpaired})
		return
	}
	h.emit(Event{Type: EventFailed, Err: ErrCanceledByPeer})
}

// VerificationKey returns the short code to compare with the peer while a
// request is pending.
func (h *Handler) VerificationKey() (string, error) {
	h.mu.Lock()
	state, cert, timestamp := h.state, h.peerCert, h.timestamp
	h.mu.Unlock()

	if state != Requested && state != RequestedByPeer {
		return "", ErrNoPendingRequest
	}
	if cert == nil {
		cert = h.cfg.PeerCertificate()
	}
	return crypto.VerificationKey(h.cfg.Local.Leaf, cert, timestamp)
}

func (h *Handler) peerCertificate(pem string) (*x509.Certificate, error) {
	cert, err := crypto.ParseCertificatePEM(pem)
	if err != nil {
		return nil, err
	}
	if cert.Subject.CommonName != h.cfg.DeviceID {
		return nil, fmt.Errorf("certificate issued to %q", cert.Subject.CommonName)
	}
	if observed := h.cfg.PeerCertificate(); observed != nil && !crypto.SameCertificate(observed, cert) {
		return nil, errors.New("certificate differs from the one presented on the link")
	}
	return cert, nil
}

func (h *Handler) alreadyTrusted(cert *x509.Certificate) bool {
	if h.cfg.Store == nil {
		return false
	}
	record, err := h.cfg.Store.GetTrustRecord(h.cfg.DeviceID)
	if err != nil || record == nil {
		return false
	}
	stored, err := crypto.ParseCertificatePEM(record.CertificatePEM)
	return err == nil && crypto.SameCertificate(stored, cert)
}

func (h *Handler) invalidKey(cause error) {
	h.cfg.Logger.Warn("rejecting pair packet", logging.KeyError, cause)
	if h.cfg.Store != nil {
		if err := h.cfg.Store.Audit(
			storage.KindInvalidPairCertificate,
			storage.SeverityWarning,
			h.cfg.DeviceID,
			map[string]any{"error": cause.Error()},
		); err != nil {
			h.cfg.Logger.Warn("log security event", logging.KeyError, err)
		}
	}
	h.emit(Event{Type: EventFailed, Err: fmt.Errorf("%w: %v", ErrInvalidKey, cause)})
}

func (h *Handler) sendAccept(ctx context.Context) error {
	if err := h.cfg.Send(ctx, protocol.NewPairAccept(h.cfg.Local.PEM, h.cfg.Now())); err != nil {
		return fmt.Errorf("send pair accept: %w", err)
	}
	return nil
}

// completePairing persists trust after a transition to Paired.
func (h *Handler) completePairing(cert *x509.Certificate) error {
	identity := h.cfg.Identity()
	record := storage.TrustRecord{
		DeviceID:             h.cfg.DeviceID,
		DeviceName:           identity.DeviceName,
		DeviceType:           identity.DeviceType,
		CertificatePEM:       string(crypto.EncodeCertificatePEM(cert)),
		Fingerprint:          crypto.CertificateFingerprint(cert),
		PairedAt:             h.cfg.Now(),
		IncomingCapabilities: identity.IncomingCapabilities,
		OutgoingCapabilities: identity.OutgoingCapabilities,
	}

	var saveErr error
	if h.cfg.Store != nil {
		if saveErr = h.cfg.Store.SaveTrustRecord(record); saveErr != nil {
			h.cfg.Logger.Error("persist trust record", logging.KeyError, saveErr)
		} else {
			h.audit(storage.KindDevicePaired, map[string]any{"fingerprint": record.Fingerprint})
		}
	}

	h.cfg.Logger.Info("device paired", "fingerprint", crypto.FormatFingerprint(record.Fingerprint))
	h.emit(Event{Type: EventPaired})
	return saveErr
}

func (h *Handler) forget(reason string) {
	if h.cfg.Store == nil {
		return
	}
	err := h.cfg.Store.DeleteTrustRecord(h.cfg.DeviceID)
	switch {
	case err == nil:
		h.audit(storage.KindDeviceUnpaired, map[string]any{"reason": reason})
	case !errors.Is(err, storage.ErrNotFound):
		h.cfg.Logger.Error("delete trust record", logging.KeyError, err)
	}
}

func (h *Handler) audit(kind storage.AuditKind, details map[string]any) {
	if err := h.cfg.Store.Audit(kind, storage.SeverityInfo, h.cfg.DeviceID, details); err != nil {
		h.cfg.Logger.Warn("log security event", logging.KeyError, err)
	}
}

// transitionLocked moves to next, cancels the timer and returns the new generation.
func (h *Handler) transitionLocked(next State) uint64 {
	h.stopTimerLocked()
	h.generation++
	h.accepting = false
	if next == NotPaired || next == Paired {
		h.timestamp = 0
		h.peerCert = nil
	}
	if h.state != next {
		h.cfg.Logger.Debug("pairing state changed", "from", h.state.String(), logging.KeyPairState, next.String())
	}
	h.state = next
	return h.generation
}

func (h *Handler) startTimerLocked(gen uint64, timeout time.Duration) {
	h.stopTimerLocked()
	h.timer = time.AfterFunc(timeout, func() { h.expire(gen) })
}

func (h *Handler) stopTimerLocked() {
	if h.timer != nil {
		h.timer.Stop()
		h.timer = nil
	}
}

func (h *Handler) expire(gen uint64) {
	h.mu.Lock()
	if h.generation != gen || (h.state != Requested && h.state != RequestedByPeer) {
		h.mu.Unlock()
		return
	}
	h.transitionLocked(NotPaired)
	h.mu.Unlock()

	h.cfg.Logger.Info("pairing timed out")
	h.emit(Event{Type: EventFailed, Err: ErrTimeout})
}

func (h *Handler) emit(event Event) {
	event.DeviceID = h.cfg.DeviceID
	h.cfg.Metrics.PairingEvent(string(event.Type))
	h.cfg.OnEvent(event)
}
