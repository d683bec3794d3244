package radio

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"peerlink/link"
	"peerlink/protocol"
)

type recordingListener struct {
	received chan link.Link
	lost     chan link.Link
}

func newRecordingListener() *recordingListener {
	return &recordingListener{
		received: make(chan link.Link, 8),
		lost:     make(chan link.Link, 8),
	}
}

func (r *recordingListener) ConnectionReceived(_ protocol.Identity, l link.Link) { r.received <- l }
func (r *recordingListener) ConnectionLost(l link.Link)                         { r.lost <- l }
func (r *recordingListener) TrustBroken(string)                                 {}

func waitFor[T any](t *testing.T, ch <-chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
	var zero T
	return zero
}

func testIdentity(deviceID string) protocol.Identity {
	return protocol.Identity{
		DeviceID:        deviceID,
		DeviceName:      deviceID,
		DeviceType:      protocol.DeviceTypePhone,
		ProtocolVersion: protocol.ProtocolVersion,
	}
}

func startRadio(t *testing.T, dir, address, deviceID string) (*Provider, *recordingListener) {
	t.Helper()
	provider, err := NewProvider(Options{
		Identity:         testIdentity(deviceID),
		Adapter:          mustAdapter(t, dir, address),
		ProbeInterval:    50 * time.Millisecond,
		HandshakeTimeout: 2 * time.Second,
	})
	if err != nil {
		t.Fatalf("NewProvider: %v", err)
	}
	listener := newRecordingListener()
	if err := provider.Start(context.Background(), listener); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = provider.Stop() })
	return provider, listener
}

func TestNewProviderRequiresAdapter(t *testing.T) {
	if _, err := NewProvider(Options{Identity: testIdentity("phone_a")}); err != ErrNoAdapter {
		t.Fatalf("expected ErrNoAdapter, got %v", err)
	}
}

func TestRadioProviderStopWithoutStart(t *testing.T) {
	provider, err := NewProvider(Options{
		Identity: testIdentity("phone_a"),
		Adapter:  mustAdapter(t, t.TempDir(), "aa"),
	})
	if err != nil {
		t.Fatalf("NewProvider: %v", err)
	}
	if err := provider.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := provider.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
}

func TestRadioProvidersLinkAndExchangePackets(t *testing.T) {
	dir := t.TempDir()
	_, listenerA := startRadio(t, dir, "aa", "phone_a")
	_, listenerB := startRadio(t, dir, "bb", "phone_b")

	linkA := waitFor(t, listenerA.received, "link on phone_a")
	linkB := waitFor(t, listenerB.received, "link on phone_b")
	if linkA.DeviceID() != "phone_b" || linkB.DeviceID() != "phone_a" {
		t.Fatalf("unexpected peers: %s, %s", linkA.DeviceID(), linkB.DeviceID())
	}
	if linkA.Priority() != link.PriorityRadio || linkA.PeerCertificate() != nil {
		t.Fatal("unexpected radio link metadata")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := linkB.SendPacket(ctx, protocol.NewPacket("peerlink.ping").Set("message", "hello")); err != nil {
		t.Fatalf("SendPacket: %v", err)
	}
	ping := waitFor(t, linkA.Receive(), "ping on phone_a")
	if ping.String("message", "") != "hello" {
		t.Fatalf("unexpected ping body: %v", ping.Body)
	}

	body := strings.Repeat("radio payload ", 1024)
	packet := protocol.NewPacket("peerlink.share.request")
	packet.Payload = &protocol.Payload{Reader: io.NopCloser(strings.NewReader(body)), Size: int64(len(body))}

	sendErr := make(chan error, 1)
	go func() { sendErr <- linkA.SendPacket(ctx, packet) }()

	received := waitFor(t, linkB.Receive(), "payload packet on phone_b")
	if received.PayloadSize() != int64(len(body)) {
		t.Fatalf("payload size = %d", received.PayloadSize())
	}
	data, err := io.ReadAll(received.Payload.Reader)
	if err != nil {
		t.Fatalf("read payload: %v", err)
	}
	_ = received.Payload.Close()
	if string(data) != body {
		t.Fatalf("payload mismatch: got %d bytes", len(data))
	}
	if err := waitFor(t, sendErr, "payload send"); err != nil {
		t.Fatalf("SendPacket with payload: %v", err)
	}
}

func TestRadioProviderStopDropsLinks(t *testing.T) {
	dir := t.TempDir()
	_, listenerA := startRadio(t, dir, "aa", "phone_a")
	providerB, listenerB := startRadio(t, dir, "bb", "phone_b")

	linkA := waitFor(t, listenerA.received, "link on phone_a")
	waitFor(t, listenerB.received, "link on phone_b")

	providerB.OnNetworkChange()
	if err := providerB.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	if lost := waitFor(t, listenerA.lost, "link loss on phone_a"); lost != linkA {
		t.Fatal("wrong link reported lost")
	}
	select {
	case <-listenerA.received:
		t.Fatal("unexpected second link")
	default:
	}
}
