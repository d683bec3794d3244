package protocol

import (
	"errors"
	"strings"
	"testing"
)

func testIdentity() Identity {
	return Identity{
		DeviceID:             "device_a-1",
		DeviceName:           "Laptop A",
		DeviceType:           DeviceTypeLaptop,
		ProtocolVersion:      ProtocolVersion,
		IncomingCapabilities: []string{"peerlink_ping"},
		OutgoingCapabilities: []string{"peerlink_ping"},
		TCPPort:              1716,
	}
}

func TestIdentityPacketRoundTrip(t *testing.T) {
	identity := testIdentity()

	line, err := identity.Packet().Marshal()
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	p, err := Unmarshal(line)
	if err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	decoded, err := IdentityFromPacket(p)
	if err != nil {
		t.Fatalf("IdentityFromPacket() error = %v", err)
	}
	if !decoded.Equal(identity) {
		t.Fatalf("decoded identity %+v != %+v", decoded, identity)
	}
	if decoded.TCPPort != 1716 {
		t.Fatalf("TCPPort = %d, want 1716", decoded.TCPPort)
	}
}

func TestIdentityValidation(t *testing.T) {
	bad := testIdentity()
	bad.DeviceID = "bad id!"
	if err := bad.Validate(); !errors.Is(err, ErrInvalidDeviceID) {
		t.Fatalf("Validate() error = %v, want ErrInvalidDeviceID", err)
	}

	bad = testIdentity()
	bad.DeviceID = strings.Repeat("a", 65)
	if err := bad.Validate(); !errors.Is(err, ErrInvalidDeviceID) {
		t.Fatalf("Validate() long id error = %v, want ErrInvalidDeviceID", err)
	}

	bad = testIdentity()
	bad.DeviceName = "  ..!!  "
	if err := bad.Validate(); !errors.Is(err, ErrInvalidDeviceName) {
		t.Fatalf("Validate() error = %v, want ErrInvalidDeviceName", err)
	}

	bad = testIdentity()
	bad.ProtocolVersion = MinProtocolVersion - 1
	if err := bad.Validate(); !errors.Is(err, ErrProtocolTooOld) {
		t.Fatalf("Validate() error = %v, want ErrProtocolTooOld", err)
	}
}

func TestIdentityFromPacketRejectsOtherTypes(t *testing.T) {
	if _, err := IdentityFromPacket(NewPacket(TypePair)); !errors.Is(err, ErrNotIdentity) {
		t.Fatalf("IdentityFromPacket() error = %v, want ErrNotIdentity", err)
	}
}

func TestSanitizeDeviceName(t *testing.T) {
	cases := map[string]string{
		`  "Bob's" phone!  `:    "Bobs phone",
		"tab\x01let":            "tablet",
		strings.Repeat("x", 40): strings.Repeat("x", 32),
		"日本語のデバイス名":             "日本語のデバイス名",
	}
	for in, want := range cases {
		if got := SanitizeDeviceName(in); got != want {
			t.Fatalf("SanitizeDeviceName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestIdentityEqualIgnoresCapabilityOrderAndPort(t *testing.T) {
	a := testIdentity()
	b := testIdentity()
	b.IncomingCapabilities = []string{"peerlink_ping"}
	b.TCPPort = 1720
	if !a.Equal(b) {
		t.Fatalf("identities should be equal")
	}

	a.IncomingCapabilities = []string{"x", "y"}
	b.IncomingCapabilities = []string{"y", "x"}
	if !a.Equal(b) {
		t.Fatalf("capability order should not matter")
	}

	b.DeviceName = "Other"
	if a.Equal(b) {
		t.Fatalf("different names should not be equal")
	}
}

func TestParseDeviceType(t *testing.T) {
	if ParseDeviceType("Smartphone") != DeviceTypePhone {
		t.Fatalf("smartphone should map to phone")
	}
	if ParseDeviceType("unknown") != DeviceTypeDesktop {
		t.Fatalf("unknown should default to desktop")
	}
}
