package device

import (
	"context"
	"slices"

	"peerlink/protocol"
)

// Plugin handles feature packets for one paired, reachable device.
type Plugin interface {
	ReceivePacket(ctx context.Context, p *protocol.Packet) error
	Close() error
}

// PluginFactory declares a collaborator and the packet types it exchanges.
type PluginFactory struct {
	Name          string
	IncomingTypes []string
	OutgoingTypes []string
	New           func(d *Device) Plugin
}

// Supports reports whether the factory is useful with a peer announcing identity.
// Either side declaring nothing counts as supporting everything.
func (f PluginFactory) Supports(identity protocol.Identity) bool {
	if len(f.IncomingTypes) == 0 && len(f.OutgoingTypes) == 0 {
		return true
	}
	if len(identity.IncomingCapabilities) == 0 && len(identity.OutgoingCapabilities) == 0 {
		return true
	}
	return intersects(identity.IncomingCapabilities, f.OutgoingTypes) ||
		intersects(identity.OutgoingCapabilities, f.IncomingTypes)
}

// Accepts reports whether the factory's plugins receive packetType.
func (f PluginFactory) Accepts(packetType string) bool {
	return slices.Contains(f.IncomingTypes, packetType)
}

// Capabilities returns the sorted union of packet types the factories receive
// and send, for the local identity.
func Capabilities(factories []PluginFactory) (incoming, outgoing []string) {
	for _, f := range factories {
		incoming = append(incoming, f.IncomingTypes...)
		outgoing = append(outgoing, f.OutgoingTypes...)
	}
	slices.Sort(incoming)
	slices.Sort(outgoing)
	return slices.Compact(incoming), slices.Compact(outgoing)
}

func intersects(a, b []string) bool {
	for _, v := range a {
		if slices.Contains(b, v) {
			return true
		}
	}
	return false
}
