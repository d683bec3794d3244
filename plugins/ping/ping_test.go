package ping

import (
	"context"
	"errors"
	"testing"

	"peerlink/device"
	"peerlink/protocol"
)

func testDevice() *device.Device {
	return device.New(protocol.Identity{
		DeviceID:        "phone_a",
		DeviceName:      "Phone",
		DeviceType:      protocol.DeviceTypePhone,
		ProtocolVersion: protocol.ProtocolVersion,
	}, device.Options{})
}

func TestFactoryDeclaresPingType(t *testing.T) {
	factory := Factory(nil, nil)
	if factory.Name != Name {
		t.Fatalf("unexpected name %q", factory.Name)
	}
	if !factory.Accepts(PacketType) {
		t.Fatal("factory does not accept ping packets")
	}
	peer := protocol.Identity{IncomingCapabilities: []string{PacketType}}
	if !factory.Supports(peer) {
		t.Fatal("factory does not support a ping-capable peer")
	}
	if factory.Supports(protocol.Identity{IncomingCapabilities: []string{"peerlink.other"}}) {
		t.Fatal("factory supports a peer without ping")
	}
}

func TestReceivePacketCallsHandler(t *testing.T) {
	var gotDevice, gotMessage string
	factory := Factory(nil, func(deviceID, message string) {
		gotDevice, gotMessage = deviceID, message
	})
	plugin := factory.New(testDevice())

	packet := protocol.NewPacket(PacketType).Set("message", "hello")
	if err := plugin.ReceivePacket(context.Background(), packet); err != nil {
		t.Fatalf("ReceivePacket: %v", err)
	}
	if gotDevice != "phone_a" || gotMessage != "hello" {
		t.Fatalf("handler got %q / %q", gotDevice, gotMessage)
	}
}

func TestReceivePacketRejectsOtherTypes(t *testing.T) {
	plugin := Factory(nil, nil).New(testDevice())
	err := plugin.ReceivePacket(context.Background(), protocol.NewPacket("peerlink.other"))
	if !errors.Is(err, ErrUnexpectedPacket) {
		t.Fatalf("expected ErrUnexpectedPacket, got %v", err)
	}
}

func TestPingWithoutLinkFails(t *testing.T) {
	plugin := Factory(nil, nil).New(testDevice()).(*Plugin)
	if err := plugin.Ping(context.Background(), ""); !errors.Is(err, device.ErrDisconnected) {
		t.Fatalf("expected ErrDisconnected, got %v", err)
	}
}

func TestSendRequiresLoadedPlugin(t *testing.T) {
	if err := Send(context.Background(), testDevice(), "hi"); !errors.Is(err, ErrNotLoaded) {
		t.Fatalf("expected ErrNotLoaded, got %v", err)
	}
}
