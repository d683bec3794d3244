// Package device presents every link to one remote device as a single
// logical device with a pairing state, an outbound queue and plugins.
package device

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"peerlink/crypto"
	"peerlink/link"
	"peerlink/logging"
	"peerlink/metrics"
	"peerlink/pairing"
	"peerlink/protocol"
)

// DefaultSendTimeout bounds sending one packet without a payload on one link.
const DefaultSendTimeout = 10 * time.Second

// ErrNoPlugin indicates a plugin that is not loaded for the device.
var ErrNoPlugin = errors.New("device: plugin not loaded")

// Store persists trust and what is known about trusted devices.
// *storage.Store implements it.
type Store interface {
	pairing.TrustStore
	RememberIdentity(identity protocol.Identity, seenAt time.Time) error
}

// Options are shared by every device of a registry.
type Options struct {
	Local     *crypto.LocalCertificate
	Store     Store
	Factories []PluginFactory

	PairRequestTimeout  time.Duration
	PairResponseTimeout time.Duration
	SendTimeout         time.Duration

	// OnPairingEvent and OnChange are called without device locks held.
	OnPairingEvent func(d *Device, e pairing.Event)
	OnChange       func(d *Device)

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Device is one remote device, reachable over zero or more links.
type Device struct {
	id      string
	opts    Options
	logger  *slog.Logger
	pairing *pairing.Handler

	mu       sync.RWMutex
	identity protocol.Identity
	links    []link.Link
	queue    *Queue
	plugins  map[string]Plugin
}

// New builds a device from its latest known identity.
func New(identity protocol.Identity, opts Options) *Device {
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = DefaultSendTimeout
	}
	d := &Device{
		id:       identity.DeviceID,
		opts:     opts,
		identity: identity,
		plugins:  make(map[string]Plugin),
		logger: logging.OrNop(opts.Logger).With(
			logging.KeyDeviceID, identity.DeviceID,
		),
	}

	var store pairing.TrustStore
	if opts.Store != nil {
		store = opts.Store
	}
	d.pairing = pairing.New(pairing.Config{
		DeviceID:        identity.DeviceID,
		Local:           opts.Local,
		Store:           store,
		Send:            d.Send,
		Reachable:       d.IsReachable,
		Identity:        d.Identity,
		PeerCertificate: d.peerCertificate,
		OnEvent:         d.onPairingEvent,
		RequestTimeout:  opts.PairRequestTimeout,
		ResponseTimeout: opts.PairResponseTimeout,
		Logger:          opts.Logger,
		Metrics:         opts.Metrics,
	})
	return d
}

func (d *Device) ID() string { return d.id }

// Name returns the sanitized device name.
func (d *Device) Name() string { return d.Identity().DeviceName }

func (d *Device) Type() protocol.DeviceType { return d.Identity().DeviceType }

// Identity returns the latest identity announced by the device.
func (d *Device) Identity() protocol.Identity {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.identity
}

// IsReachable reports whether the device has at least one link.
func (d *Device) IsReachable() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.links) > 0
}

func (d *Device) IsPaired() bool { return d.pairing.IsPaired() }

func (d *Device) PairState() pairing.State { return d.pairing.State() }

// Links returns a snapshot of the links in priority order.
func (d *Device) Links() []link.Link {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return slices.Clone(d.links)
}

// Transports returns the names of the transports the device is linked over.
func (d *Device) Transports() []string {
	links := d.Links()
	names := make([]string, 0, len(links))
	for _, l := range links {
		if !slices.Contains(names, l.Name()) {
			names = append(names, l.Name())
		}
	}
	return names
}

func (d *Device) RequestPairing(ctx context.Context) error { return d.pairing.RequestPairing(ctx) }
func (d *Device) AcceptPairing(ctx context.Context) error  { return d.pairing.AcceptPairing(ctx) }
func (d *Device) RejectPairing(ctx context.Context) error  { return d.pairing.RejectPairing(ctx) }
func (d *Device) Unpair(ctx context.Context) error         { return d.pairing.Unpair(ctx) }

// VerificationKey returns the code to compare with the peer while pairing.
func (d *Device) VerificationKey() (string, error) { return d.pairing.VerificationKey() }

// Revoke drops trust without telling the peer.
func (d *Device) Revoke(reason string) { d.pairing.Revoke(reason) }

// SendPacket queues p. callback, if set, receives the outcome.
func (d *Device) SendPacket(p *protocol.Packet, callback Callback) error {
	return d.SendPacketCoalesced(p, "", callback)
}

// SendPacketCoalesced queues p, replacing an unsent packet with the same key.
func (d *Device) SendPacketCoalesced(p *protocol.Packet, coalesceKey string, callback Callback) error {
	d.mu.RLock()
	queue := d.queue
	d.mu.RUnlock()
	if queue == nil {
		if callback != nil {
			callback(ErrDisconnected)
		}
		return ErrDisconnected
	}
	return queue.Enqueue(p, coalesceKey, callback)
}

// TakeIfUnsent removes the unsent packet queued under coalesceKey.
func (d *Device) TakeIfUnsent(coalesceKey string) (*protocol.Packet, bool) {
	d.mu.RLock()
	queue := d.queue
	d.mu.RUnlock()
	if queue == nil {
		return nil, false
	}
	return queue.TakeIfUnsent(coalesceKey)
}

// Send queues p and waits for the outcome.
func (d *Device) Send(ctx context.Context, p *protocol.Packet) error {
	result := make(chan error, 1)
	if err := d.SendPacket(p, func(err error) { result <- err }); err != nil {
		return err
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Plugin returns a loaded plugin by factory name.
func (d *Device) Plugin(name string) (Plugin, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	plugin, ok := d.plugins[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoPlugin, name)
	}
	return plugin, nil
}

// PluginNames returns the names of loaded plugins.
func (d *Device) PluginNames() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.plugins))
	for name := range d.plugins {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// SupportedPlugins returns the factories usable with the device's identity.
func (d *Device) SupportedPlugins() []PluginFactory {
	identity := d.Identity()
	var supported []PluginFactory
	for _, f := range d.opts.Factories {
		if f.Supports(identity) {
			supported = append(supported, f)
		}
	}
	return supported
}

// AddLink attaches l and starts reading from it. A fresher identity replaces
// the cached one.
func (d *Device) AddLink(identity protocol.Identity, l link.Link) {
	d.mu.Lock()
	if slices.Contains(d.links, l) {
		d.mu.Unlock()
		return
	}
	d.links = append(d.links, l)
	link.SortByPriority(d.links)
	if d.queue == nil {
		d.queue = NewQueue(d.sendOverLinks, d.logger, d.opts.Metrics)
	}
	if !d.identity.Equal(identity) {
		d.identity = identity
	}
	d.mu.Unlock()

	d.logger.Info("link attached", logging.KeyTransport, l.Name())
	if d.IsPaired() {
		d.rememberIdentity(identity)
	}

	go d.receive(l)
	d.reloadPlugins()
	d.notifyChange()
}

// RemoveLink detaches l. Without links the queue fails its packets and plugins unload.
func (d *Device) RemoveLink(l link.Link) {
	d.mu.Lock()
	i := slices.Index(d.links, l)
	if i < 0 {
		d.mu.Unlock()
		return
	}
	d.links = slices.Delete(d.links, i, i+1)
	var queue *Queue
	if len(d.links) == 0 {
		queue = d.queue
		d.queue = nil
	}
	d.mu.Unlock()

	d.logger.Info("link detached", logging.KeyTransport, l.Name(), logging.KeyError, l.LastError())
	if queue != nil {
		queue.Close()
	}
	d.reloadPlugins()
	d.notifyChange()
}

// Close drops every link and unloads plugins.
func (d *Device) Close() {
	for _, l := range d.Links() {
		_ = l.Close()
		d.RemoveLink(l)
	}
}

// rememberIdentity refreshes the trust record of a paired device.
func (d *Device) rememberIdentity(identity protocol.Identity) {
	if d.opts.Store == nil {
		return
	}
	if err := d.opts.Store.RememberIdentity(identity, time.Now()); err != nil {
		d.logger.Warn("update trusted identity", logging.KeyError, err)
	}
}

// sendOverLinks tries each link of a snapshot in priority order.
func (d *Device) sendOverLinks(ctx context.Context, p *protocol.Packet) error {
	links := d.Links()
	if len(links) == 0 {
		return ErrDisconnected
	}

	var errs []error
	for _, l := range links {
		err := d.sendOverLink(ctx, l, p)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		errs = append(errs, fmt.Errorf("%s: %w", l.Name(), err))
	}
	return errors.Join(errs...)
}

func (d *Device) sendOverLink(ctx context.Context, l link.Link, p *protocol.Packet) error {
	if !p.HasPayload() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.opts.SendTimeout)
		defer cancel()
	}
	return l.SendPacket(ctx, p)
}

func (d *Device) receive(l link.Link) {
	for p := range l.Receive() {
		d.handlePacket(p)
	}
}

func (d *Device) handlePacket(p *protocol.Packet) {
	logger := d.logger.With(logging.KeyPacketType, p.Type)

	if p.Type == protocol.TypePair {
		if err := d.pairing.HandlePacket(context.Background(), p); err != nil {
			logger.Warn("pair packet", logging.KeyError, err)
		}
		return
	}
	if p.IsControl() {
		logger.Debug("ignoring control packet")
		return
	}

	if !d.IsPaired() {
		_ = p.Payload.Close()
		logger.Info("dropping packet from unpaired device")
		if err := d.SendPacket(protocol.NewUnpairPacket(), nil); err != nil {
			logger.Debug("send unpair reply", logging.KeyError, err)
		}
		return
	}

	delivered := false
	for _, f := range d.opts.Factories {
		if !f.Accepts(p.Type) {
			continue
		}
		d.mu.RLock()
		plugin, ok := d.plugins[f.Name]
		d.mu.RUnlock()
		if !ok {
			continue
		}
		delivered = true
		if err := deliver(plugin, p); err != nil {
			logger.Warn("plugin failed to handle packet", "plugin", f.Name, logging.KeyError, err)
		}
	}
	if !delivered {
		_ = p.Payload.Close()
		logger.Debug("no plugin for packet")
	}
}

func deliver(plugin Plugin, p *protocol.Packet) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return plugin.ReceivePacket(context.Background(), p)
}

// reloadPlugins loads supported plugins while paired and reachable and
// unloads everything otherwise.
func (d *Device) reloadPlugins() {
	active := d.IsPaired() && d.IsReachable()
	var wanted []PluginFactory
	if active {
		wanted = d.SupportedPlugins()
	}

	d.mu.Lock()
	var stale []Plugin
	for name, plugin := range d.plugins {
		if !slices.ContainsFunc(wanted, func(f PluginFactory) bool { return f.Name == name }) {
			stale = append(stale, plugin)
			delete(d.plugins, name)
		}
	}
	var missing []PluginFactory
	for _, f := range wanted {
		if _, ok := d.plugins[f.Name]; !ok {
			missing = append(missing, f)
		}
	}
	d.mu.Unlock()

	for _, plugin := range stale {
		if err := plugin.Close(); err != nil {
			d.logger.Warn("close plugin", logging.KeyError, err)
		}
	}

	for _, f := range missing {
		plugin := f.New(d)
		if plugin == nil {
			continue
		}
		d.mu.Lock()
		if _, exists := d.plugins[f.Name]; exists {
			d.mu.Unlock()
			_ = plugin.Close()
			continue
		}
		d.plugins[f.Name] = plugin
		d.mu.Unlock()
		d.logger.Debug("plugin loaded", "plugin", f.Name)
	}
}

func (d *Device) peerCertificate() *x509.Certificate {
	for _, l := range d.Links() {
		if cert := l.PeerCertificate(); cert != nil {
			return cert
		}
	}
	return nil
}

func (d *Device) onPairingEvent(e pairing.Event) {
	d.logger.Info("pairing event", "event", string(e.Type), logging.KeyPairState, d.pairing.State().String(), logging.KeyError, e.Err)
	if e.Type == pairing.EventPaired {
		d.rememberIdentity(d.Identity())
	}
	d.reloadPlugins()
	if d.opts.OnPairingEvent != nil {
		d.opts.OnPairingEvent(d, e)
	}
	d.notifyChange()
}

func (d *Device) notifyChange() {
	if d.opts.OnChange != nil {
		d.opts.OnChange(d)
	}
}
