package device

import (
	"context"
	"crypto/x509"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"peerlink/crypto"
	"peerlink/link"
	"peerlink/protocol"
	"peerlink/storage"
)

type fakeLink struct {
	deviceID string
	name     string
	priority int
	cert     *x509.Certificate

	inbound chan *protocol.Packet
	closed  chan struct{}

	mu      sync.Mutex
	sent    []*protocol.Packet
	sendErr error
	block   chan struct{}
	once    sync.Once
}

func newFakeLink(deviceID, name string, priority int) *fakeLink {
	return &fakeLink{
		deviceID: deviceID,
		name:     name,
		priority: priority,
		inbound:  make(chan *protocol.Packet, 8),
		closed:   make(chan struct{}),
	}
}

func (l *fakeLink) DeviceID() string                   { return l.deviceID }
func (l *fakeLink) Name() string                       { return l.name }
func (l *fakeLink) Priority() int                      { return l.priority }
func (l *fakeLink) Identity() protocol.Identity        { return testIdentity(l.deviceID) }
func (l *fakeLink) PeerCertificate() *x509.Certificate { return l.cert }
func (l *fakeLink) Receive() <-chan *protocol.Packet   { return l.inbound }
func (l *fakeLink) Done() <-chan struct{}              { return l.closed }
func (l *fakeLink) LastError() error                   { return nil }

func (l *fakeLink) Close() error {
	l.once.Do(func() {
		close(l.closed)
		close(l.inbound)
	})
	return nil
}

func (l *fakeLink) SendPacket(ctx context.Context, p *protocol.Packet) error {
	l.mu.Lock()
	block, err := l.block, l.sendErr
	l.mu.Unlock()
	if block != nil {
		select {
		case <-block:
			return link.ErrReplaced
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err != nil {
		return err
	}
	l.mu.Lock()
	l.sent = append(l.sent, p)
	l.mu.Unlock()
	return nil
}

func (l *fakeLink) sentPackets() []*protocol.Packet {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*protocol.Packet(nil), l.sent...)
}

func testIdentity(deviceID string) protocol.Identity {
	return protocol.Identity{
		DeviceID:             deviceID,
		DeviceName:           "Phone",
		DeviceType:           protocol.DeviceTypePhone,
		ProtocolVersion:      protocol.ProtocolVersion,
		IncomingCapabilities: []string{"peerlink.ping"},
		OutgoingCapabilities: []string{"peerlink.ping"},
	}
}

type recordingPlugin struct {
	mu       sync.Mutex
	received []*protocol.Packet
	closed   bool
	panicOn  string
}

func (p *recordingPlugin) ReceivePacket(_ context.Context, packet *protocol.Packet) error {
	if packet.Type == p.panicOn {
		panic("boom")
	}
	p.mu.Lock()
	p.received = append(p.received, packet)
	p.mu.Unlock()
	return nil
}

func (p *recordingPlugin) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

func (p *recordingPlugin) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.received)
}

func (p *recordingPlugin) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

type testEnv struct {
	store   *storage.Store
	local   *crypto.LocalCertificate
	plugins chan *recordingPlugin
	factory PluginFactory
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	local, err := crypto.EnsureCertificate(filepath.Join(dir, "cert.pem"), filepath.Join(dir, "key.pem"), "local_device")
	if err != nil {
		t.Fatalf("EnsureCertificate: %v", err)
	}
	store, err := storage.Open(dir)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	env := &testEnv{store: store, local: local, plugins: make(chan *recordingPlugin, 8)}
	env.factory = PluginFactory{
		Name:          "ping",
		IncomingTypes: []string{"peerlink.ping"},
		OutgoingTypes: []string{"peerlink.ping"},
		New: func(*Device) Plugin {
			plugin := &recordingPlugin{panicOn: "peerlink.ping.panic"}
			env.plugins <- plugin
			return plugin
		},
	}
	env.factory.IncomingTypes = append(env.factory.IncomingTypes, "peerlink.ping.panic")
	return env
}

func (e *testEnv) trust(t *testing.T, deviceID string) {
	t.Helper()
	if err := e.store.SaveTrustRecord(storage.TrustRecord{
		DeviceID:       deviceID,
		CertificatePEM: "-----BEGIN CERTIFICATE-----\nstub\n-----END CERTIFICATE-----\n",
		Fingerprint:    "fingerprint-" + deviceID,
	}); err != nil {
		t.Fatalf("SaveTrustRecord: %v", err)
	}
}

func (e *testEnv) newDevice(deviceID string) *Device {
	return New(testIdentity(deviceID), Options{
		Local:     e.local,
		Store:     e.store,
		Factories: []PluginFactory{e.factory},
	})
}

func TestSendFailsOverToLowerPriorityLink(t *testing.T) {
	env := newTestEnv(t)
	d := env.newDevice("phone_a")

	radio := newFakeLink("phone_a", "radio", link.PriorityRadio)
	lan := newFakeLink("phone_a", "lan", link.PriorityLAN)
	lan.sendErr = errors.New("broken pipe")
	d.AddLink(testIdentity("phone_a"), radio)
	d.AddLink(testIdentity("phone_a"), lan)

	if got := d.Links(); got[0] != link.Link(lan) {
		t.Fatal("expected LAN link first")
	}
	if err := d.Send(context.Background(), protocol.NewPacket("peerlink.ping")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(radio.sentPackets()) != 1 {
		t.Fatal("expected packet on the radio link")
	}
}

func TestSendOnReplacedLinkUsesRemainingLink(t *testing.T) {
	env := newTestEnv(t)
	d := env.newDevice("phone_a")

	lan := newFakeLink("phone_a", "lan", link.PriorityLAN)
	lan.block = make(chan struct{})
	radio := newFakeLink("phone_a", "radio", link.PriorityRadio)
	d.AddLink(testIdentity("phone_a"), lan)
	d.AddLink(testIdentity("phone_a"), radio)

	result := make(chan error, 1)
	if err := d.SendPacket(protocol.NewPacket("peerlink.ping"), func(err error) { result <- err }); err != nil {
		t.Fatalf("SendPacket: %v", err)
	}

	close(lan.block)
	_ = lan.Close()
	d.RemoveLink(lan)

	select {
	case err := <-result:
		if err != nil {
			t.Fatalf("callback error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("send never completed")
	}
	if len(radio.sentPackets()) != 1 {
		t.Fatal("expected packet on the remaining link")
	}
}

func TestRemovingLastLinkFailsQueuedPackets(t *testing.T) {
	env := newTestEnv(t)
	d := env.newDevice("phone_a")

	lan := newFakeLink("phone_a", "lan", link.PriorityLAN)
	lan.block = make(chan struct{})
	d.AddLink(testIdentity("phone_a"), lan)

	first := make(chan error, 1)
	second := make(chan error, 1)
	_ = d.SendPacket(protocol.NewPacket("peerlink.ping"), func(err error) { first <- err })
	_ = d.SendPacket(protocol.NewPacket("peerlink.ping"), func(err error) { second <- err })

	_ = lan.Close()
	d.RemoveLink(lan)

	for _, ch := range []chan error{first, second} {
		select {
		case err := <-ch:
			if !errors.Is(err, ErrDisconnected) {
				t.Fatalf("expected ErrDisconnected, got %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("queued packet never failed")
		}
	}
	if d.IsReachable() {
		t.Fatal("device still reachable")
	}
	if err := d.SendPacket(protocol.NewPacket("peerlink.ping"), nil); !errors.Is(err, ErrDisconnected) {
		t.Fatalf("send without links: %v", err)
	}
}

func TestUnpairedDeviceAnswersFeaturePacketsWithUnpair(t *testing.T) {
	env := newTestEnv(t)
	d := env.newDevice("phone_a")
	lan := newFakeLink("phone_a", "lan", link.PriorityLAN)
	d.AddLink(testIdentity("phone_a"), lan)

	lan.inbound <- protocol.NewPacket("peerlink.ping")

	waitForCondition(t, 2*time.Second, func() bool { return len(lan.sentPackets()) == 1 })
	msg, err := protocol.ParsePairPacket(lan.sentPackets()[0])
	if err != nil || msg.Pair {
		t.Fatalf("expected pair=false reply, got %+v (%v)", msg, err)
	}
	if len(d.PluginNames()) != 0 {
		t.Fatal("plugins loaded for unpaired device")
	}
}

func TestPluginsFollowPairedAndReachable(t *testing.T) {
	env := newTestEnv(t)
	env.trust(t, "phone_a")
	d := env.newDevice("phone_a")
	if !d.IsPaired() {
		t.Fatal("expected device with a trust record to start paired")
	}
	if len(d.PluginNames()) != 0 {
		t.Fatal("plugins loaded while unreachable")
	}

	lan := newFakeLink("phone_a", "lan", link.PriorityLAN)
	d.AddLink(testIdentity("phone_a"), lan)

	var plugin *recordingPlugin
	select {
	case plugin = <-env.plugins:
	case <-time.After(2 * time.Second):
		t.Fatal("plugin not created")
	}
	if _, err := d.Plugin("ping"); err != nil {
		t.Fatalf("Plugin: %v", err)
	}

	lan.inbound <- protocol.NewPacket("peerlink.ping.panic")
	lan.inbound <- protocol.NewPacket("peerlink.ping")
	waitForCondition(t, 2*time.Second, func() bool { return plugin.count() == 1 })

	_ = lan.Close()
	d.RemoveLink(lan)
	if !plugin.isClosed() {
		t.Fatal("plugin not closed after the last link went away")
	}
	if _, err := d.Plugin("ping"); !errors.Is(err, ErrNoPlugin) {
		t.Fatalf("expected ErrNoPlugin, got %v", err)
	}

	record, err := env.store.GetTrustRecord("phone_a")
	if err != nil {
		t.Fatalf("GetTrustRecord: %v", err)
	}
	if record.LastSeen.IsZero() {
		t.Fatal("expected last seen to be recorded")
	}
	if record.DeviceName != "Phone" {
		t.Fatalf("expected identity to be refreshed, got %q", record.DeviceName)
	}
}

func TestAddLinkReplacesStaleIdentity(t *testing.T) {
	env := newTestEnv(t)
	d := env.newDevice("phone_a")

	renamed := testIdentity("phone_a")
	renamed.DeviceName = "Renamed"
	d.AddLink(renamed, newFakeLink("phone_a", "lan", link.PriorityLAN))

	if d.Name() != "Renamed" {
		t.Fatalf("Name = %q", d.Name())
	}
	if got := d.Transports(); len(got) != 1 || got[0] != "lan" {
		t.Fatalf("Transports = %v", got)
	}
}
