package protocol

import (
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"
	"unicode/utf8"
)

// DeviceType is the class of device announced in an identity.
type DeviceType string

const (
	DeviceTypePhone   DeviceType = "phone"
	DeviceTypeTablet  DeviceType = "tablet"
	DeviceTypeDesktop DeviceType = "desktop"
	DeviceTypeLaptop  DeviceType = "laptop"
	DeviceTypeTV      DeviceType = "tv"
)

// ParseDeviceType maps a wire value to a DeviceType, defaulting to desktop.
func ParseDeviceType(value string) DeviceType {
	switch DeviceType(strings.ToLower(strings.TrimSpace(value))) {
	case DeviceTypePhone, "smartphone":
		return DeviceTypePhone
	case DeviceTypeTablet:
		return DeviceTypeTablet
	case DeviceTypeLaptop:
		return DeviceTypeLaptop
	case DeviceTypeTV:
		return DeviceTypeTV
	default:
		return DeviceTypeDesktop
	}
}

const maxDeviceNameLength = 32

var (
	// ErrInvalidDeviceID indicates a missing or malformed device id.
	ErrInvalidDeviceID = errors.New("protocol: invalid device id")
	// ErrInvalidDeviceName indicates a device name that is empty after sanitizing.
	ErrInvalidDeviceName = errors.New("protocol: invalid device name")
	// ErrNotIdentity indicates a packet of the wrong type was parsed as identity.
	ErrNotIdentity = errors.New("protocol: not an identity packet")
	// ErrProtocolTooOld indicates a peer below MinProtocolVersion.
	ErrProtocolTooOld = errors.New("protocol: peer protocol version too old")

	deviceIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)
)

// Identity is what a device announces about itself.
type Identity struct {
	DeviceID             string
	DeviceName           string
	DeviceType           DeviceType
	ProtocolVersion      int
	IncomingCapabilities []string
	OutgoingCapabilities []string

	// TCPPort is set only on LAN announcements.
	TCPPort int
}

// ValidDeviceID reports whether id is acceptable as a device id.
func ValidDeviceID(id string) bool {
	return deviceIDPattern.MatchString(id)
}

// SanitizeDeviceName strips characters that break peers' UIs and truncates the name.
func SanitizeDeviceName(name string) string {
	cleaned := strings.Map(func(r rune) rune {
		switch r {
		case '"', '\'', ',', ';', ':', '.', '!', '?', '(', ')', '[', ']', '<', '>':
			return -1
		}
		if r < 0x20 {
			return -1
		}
		return r
	}, name)
	cleaned = strings.TrimSpace(cleaned)

	if utf8.RuneCountInString(cleaned) > maxDeviceNameLength {
		runes := []rune(cleaned)
		cleaned = strings.TrimSpace(string(runes[:maxDeviceNameLength]))
	}
	return cleaned
}

// Validate checks the identity fields required to build a device.
func (i Identity) Validate() error {
	if !ValidDeviceID(i.DeviceID) {
		return fmt.Errorf("%w: %q", ErrInvalidDeviceID, i.DeviceID)
	}
	if SanitizeDeviceName(i.DeviceName) == "" {
		return ErrInvalidDeviceName
	}
	if i.ProtocolVersion < MinProtocolVersion {
		return fmt.Errorf("%w: %d", ErrProtocolTooOld, i.ProtocolVersion)
	}
	return nil
}

// Packet encodes the identity as an identity packet.
func (i Identity) Packet() *Packet {
	p := NewPacket(TypeIdentity)
	p.Set("deviceId", i.DeviceID)
	p.Set("deviceName", SanitizeDeviceName(i.DeviceName))
	p.Set("deviceType", string(i.DeviceType))
	p.Set("protocolVersion", i.ProtocolVersion)
	p.Set("incomingCapabilities", nonNil(i.IncomingCapabilities))
	p.Set("outgoingCapabilities", nonNil(i.OutgoingCapabilities))
	if i.TCPPort > 0 {
		p.Set("tcpPort", i.TCPPort)
	}
	return p
}

// IdentityFromPacket parses and validates an identity packet.
func IdentityFromPacket(p *Packet) (Identity, error) {
	if p == nil || p.Type != TypeIdentity {
		return Identity{}, ErrNotIdentity
	}

	identity := Identity{
		DeviceID:             p.String("deviceId", ""),
		DeviceName:           SanitizeDeviceName(p.String("deviceName", "")),
		DeviceType:           ParseDeviceType(p.String("deviceType", "")),
		ProtocolVersion:      int(p.Int("protocolVersion", 0)),
		IncomingCapabilities: p.StringList("incomingCapabilities"),
		OutgoingCapabilities: p.StringList("outgoingCapabilities"),
		TCPPort:              int(p.Int("tcpPort", 0)),
	}
	if err := identity.Validate(); err != nil {
		return Identity{}, err
	}
	return identity, nil
}

// Equal reports whether two identities announce the same device state.
// TCPPort is ignored since it changes with every restart of the peer.
func (i Identity) Equal(other Identity) bool {
	return i.DeviceID == other.DeviceID &&
		i.DeviceName == other.DeviceName &&
		i.DeviceType == other.DeviceType &&
		i.ProtocolVersion == other.ProtocolVersion &&
		sameSet(i.IncomingCapabilities, other.IncomingCapabilities) &&
		sameSet(i.OutgoingCapabilities, other.OutgoingCapabilities)
}

func sameSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	as := slices.Clone(a)
	bs := slices.Clone(b)
	slices.Sort(as)
	slices.Sort(bs)
	return slices.Equal(as, bs)
}

func nonNil(list []string) []string {
	if list == nil {
		return []string{}
	}
	return list
}
