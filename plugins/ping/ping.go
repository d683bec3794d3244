// Package ping is a diagnostic plugin: it sends and logs ping packets.
package ping

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"peerlink/device"
	"peerlink/logging"
	"peerlink/protocol"
)

const (
	// Name is the plugin's factory name.
	Name = "ping"
	// PacketType is the only packet type the plugin exchanges.
	PacketType = "peerlink.ping"
)

var (
	// ErrUnexpectedPacket indicates a packet of another type was routed to the plugin.
	ErrUnexpectedPacket = errors.New("ping: unexpected packet type")
	// ErrNotLoaded indicates the device has no ping plugin, usually because it is not paired.
	ErrNotLoaded = errors.New("ping: plugin not loaded for device")
)

// Handler is called for every received ping.
type Handler func(deviceID, message string)

// Factory returns the ping plugin factory. onPing may be nil.
func Factory(logger *slog.Logger, onPing Handler) device.PluginFactory {
	logger = logging.OrNop(logger).With(logging.KeyComponent, "ping")
	return device.PluginFactory{
		Name:          Name,
		IncomingTypes: []string{PacketType},
		OutgoingTypes: []string{PacketType},
		New: func(d *device.Device) device.Plugin {
			return &Plugin{
				device: d,
				logger: logger.With(logging.KeyDeviceID, d.ID()),
				onPing: onPing,
			}
		},
	}
}

// Plugin is one device's ping instance.
type Plugin struct {
	device *device.Device
	logger *slog.Logger
	onPing Handler
}

// Ping sends a ping with an optional message and waits until it is written.
func (p *Plugin) Ping(ctx context.Context, message string) error {
	packet := protocol.NewPacket(PacketType)
	if message != "" {
		packet.Set("message", message)
	}
	if err := p.device.Send(ctx, packet); err != nil {
		return fmt.Errorf("ping %s: %w", p.device.ID(), err)
	}
	return nil
}

func (p *Plugin) ReceivePacket(_ context.Context, packet *protocol.Packet) error {
	if packet.Type != PacketType {
		return fmt.Errorf("%w: %s", ErrUnexpectedPacket, packet.Type)
	}
	message := packet.String("message", "")
	p.logger.Info("ping received", "message", message)
	if p.onPing != nil {
		p.onPing(p.device.ID(), message)
	}
	return nil
}

func (p *Plugin) Close() error {
	return nil
}

// Send pings d through its loaded plugin.
func Send(ctx context.Context, d *device.Device, message string) error {
	loaded, err := d.Plugin(Name)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrNotLoaded, d.ID())
	}
	plugin, ok := loaded.(*Plugin)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotLoaded, d.ID())
	}
	return plugin.Ping(ctx, message)
}
