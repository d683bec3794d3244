package discovery

import (
	"net"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"

	"peerlink/protocol"
)

const (
	keyID       = "id"
	keyName     = "name"
	keyType     = "type"
	keyProtocol = "protocol"
)

// Peer is a device seen advertising the service.
type Peer struct {
	DeviceID        string
	DeviceName      string
	DeviceType      protocol.DeviceType
	ProtocolVersion int
	Host            string
	// Port is the peer's identity UDP port.
	Port      int
	Addresses []string
	LastSeen  time.Time
}

func (p Peer) sameAs(other Peer) bool {
	return p.DeviceID == other.DeviceID &&
		p.DeviceName == other.DeviceName &&
		p.DeviceType == other.DeviceType &&
		p.ProtocolVersion == other.ProtocolVersion &&
		p.Host == other.Host &&
		p.Port == other.Port &&
		slices.Equal(p.Addresses, other.Addresses)
}

func txtRecord(self protocol.Identity) []string {
	return []string{
		keyID + "=" + self.DeviceID,
		keyName + "=" + protocol.SanitizeDeviceName(self.DeviceName),
		keyType + "=" + string(self.DeviceType),
		keyProtocol + "=" + strconv.Itoa(self.ProtocolVersion),
	}
}

func parseTXT(text []string) map[string]string {
	fields := make(map[string]string, len(text))
	for _, entry := range text {
		key, value, ok := strings.Cut(entry, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			continue
		}
		fields[key] = strings.TrimSpace(value)
	}
	return fields
}

// peerFromEntry rejects entries without a usable device id and the local
// device's own advertisement.
func peerFromEntry(entry *zeroconf.ServiceEntry, selfID string) (Peer, bool) {
	if entry == nil {
		return Peer{}, false
	}
	fields := parseTXT(entry.Text)

	id := fields[keyID]
	if id == selfID || !protocol.ValidDeviceID(id) {
		return Peer{}, false
	}

	version, _ := strconv.Atoi(fields[keyProtocol])

	name := protocol.SanitizeDeviceName(fields[keyName])
	if name == "" {
		name = strings.TrimSuffix(entry.HostName, ".")
	}
	if name == "" {
		name = id
	}

	return Peer{
		DeviceID:        id,
		DeviceName:      name,
		DeviceType:      protocol.ParseDeviceType(fields[keyType]),
		ProtocolVersion: version,
		Host:            entry.HostName,
		Port:            entry.Port,
		Addresses:       entryAddresses(entry.AddrIPv4, entry.AddrIPv6),
	}, true
}

func entryAddresses(groups ...[]net.IP) []string {
	var out []string
	for _, group := range groups {
		for _, ip := range group {
			if ip == nil || ip.IsUnspecified() {
				continue
			}
			out = append(out, ip.String())
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}
