// Package link defines the transport-neutral connection types shared by the
// LAN and radio providers and the device registry.
package link

import (
	"context"
	"crypto/x509"
	"errors"
	"sort"

	"peerlink/protocol"
)

// Link priorities. A higher value is tried first when sending.
const (
	PriorityRadio = 10
	PriorityLAN   = 20
)

var (
	// ErrLinkClosed is returned when sending on a link that has been torn down.
	ErrLinkClosed = errors.New("link: closed")
	// ErrReplaced is the close reason of a link superseded by a newer one to the same device.
	ErrReplaced = errors.New("link: replaced by a newer link")
)

// Link is one established, authenticated connection to a remote device.
type Link interface {
	// DeviceID is the remote device id. It never changes.
	DeviceID() string
	// Name identifies the transport ("lan", "radio").
	Name() string
	Priority() int
	// Identity is the identity the peer announced during the handshake.
	Identity() protocol.Identity
	// PeerCertificate is the certificate the peer presented, if the transport has one.
	PeerCertificate() *x509.Certificate

	// SendPacket writes one packet and its payload, if any.
	SendPacket(ctx context.Context, p *protocol.Packet) error
	// Receive returns the channel of inbound packets. It is closed with the link.
	Receive() <-chan *protocol.Packet

	Close() error
	Done() <-chan struct{}
	LastError() error
}

// Listener receives link lifecycle events from providers.
type Listener interface {
	ConnectionReceived(identity protocol.Identity, l Link)
	ConnectionLost(l Link)
	// TrustBroken reports a trusted device that failed certificate verification.
	TrustBroken(deviceID string)
}

// Provider discovers peers on one transport and establishes links to them.
type Provider interface {
	Name() string
	// Start begins listening and announcing. Calling Start twice is a no-op.
	Start(ctx context.Context, listener Listener) error
	// Stop tears down every link and listener. Safe to call without Start.
	Stop() error
	// OnNetworkChange re-announces without dropping existing links.
	OnNetworkChange()
}

// SortByPriority orders links by descending priority, keeping insertion order for ties.
func SortByPriority(links []Link) {
	sort.SliceStable(links, func(i, j int) bool {
		return links[i].Priority() > links[j].Priority()
	})
}
