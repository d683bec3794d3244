// Package registry tracks every known remote device and routes link events
// from the transports to them.
package registry

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"peerlink/crypto"
	"peerlink/device"
	"peerlink/link"
	"peerlink/logging"
	"peerlink/metrics"
	"peerlink/pairing"
	"peerlink/protocol"
	"peerlink/storage"
)

const subscriberBuffer = 64

// EventType names a registry change.
type EventType string

const (
	EventDeviceAdded   EventType = "device_added"
	EventDeviceRemoved EventType = "device_removed"
	EventDeviceChanged EventType = "device_changed"
	// EventPairing carries a pairing transition in Event.Pairing.
	EventPairing EventType = "pairing"
)

// Event reports a change to the device set.
type Event struct {
	Type     EventType
	DeviceID string
	Pairing  *pairing.Event
}

// Store is the persistence the registry needs. *storage.Store implements it.
type Store interface {
	device.Store
	ListTrustRecords() ([]storage.TrustRecord, error)
}

// Options configure a Registry.
type Options struct {
	Local     *crypto.LocalCertificate
	Store     Store
	Factories []device.PluginFactory

	PairRequestTimeout  time.Duration
	PairResponseTimeout time.Duration

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Registry owns the device set. It is the link.Listener of every provider.
type Registry struct {
	opts    Options
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu        sync.RWMutex
	devices   map[string]*device.Device
	providers []link.Provider
	started   bool

	subMu   sync.Mutex
	subs    map[int]chan Event
	nextSub int
}

var _ link.Listener = (*Registry)(nil)

// New loads paired devices from the store.
func New(opts Options) (*Registry, error) {
	if opts.Local == nil {
		return nil, errors.New("registry: local certificate is required")
	}
	r := &Registry{
		opts:    opts,
		logger:  logging.OrNop(opts.Logger).With(logging.KeyComponent, "registry"),
		metrics: opts.Metrics,
		devices: make(map[string]*device.Device),
		subs:    make(map[int]chan Event),
	}

	if opts.Store != nil {
		records, err := opts.Store.ListTrustRecords()
		if err != nil {
			return nil, fmt.Errorf("registry: load trusted devices: %w", err)
		}
		for _, record := range records {
			r.devices[record.DeviceID] = device.New(record.Identity(), r.deviceOptions())
		}
		r.logger.Info("loaded trusted devices", logging.KeyCount, len(records))
	}
	r.metrics.SetDevicesKnown(len(r.devices))
	return r, nil
}

func (r *Registry) deviceOptions() device.Options {
	var store device.Store
	if r.opts.Store != nil {
		store = r.opts.Store
	}
	return device.Options{
		Local:               r.opts.Local,
		Store:               store,
		Factories:           r.opts.Factories,
		PairRequestTimeout:  r.opts.PairRequestTimeout,
		PairResponseTimeout: r.opts.PairResponseTimeout,
		OnPairingEvent:      r.onPairingEvent,
		OnChange:            r.onDeviceChange,
		Logger:              r.opts.Logger,
		Metrics:             r.opts.Metrics,
	}
}

// AddProvider registers a transport. Providers added after Start are started immediately.
func (r *Registry) AddProvider(ctx context.Context, p link.Provider) error {
	r.mu.Lock()
	r.providers = append(r.providers, p)
	started := r.started
	r.mu.Unlock()

	if started {
		return p.Start(ctx, r)
	}
	return nil
}

// Start starts every provider. A provider that fails to start is logged and
// skipped; Start fails only when none could start.
func (r *Registry) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return nil
	}
	r.started = true
	providers := slices.Clone(r.providers)
	r.mu.Unlock()

	var errs []error
	for _, p := range providers {
		if err := p.Start(ctx, r); err != nil {
			r.logger.Error("transport failed to start", logging.KeyTransport, p.Name(), logging.KeyError, err)
			errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
		}
	}
	if len(providers) > 0 && len(errs) == len(providers) {
		return fmt.Errorf("registry: no transport started: %w", errors.Join(errs...))
	}
	return nil
}

// Stop stops every provider and closes remaining links.
func (r *Registry) Stop() error {
	r.mu.Lock()
	providers := slices.Clone(r.providers)
	r.started = false
	r.mu.Unlock()

	var errs []error
	for _, p := range providers {
		if err := p.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
		}
	}
	for _, d := range r.Devices() {
		d.Close()
	}
	return errors.Join(errs...)
}

// OnNetworkChange asks every provider to re-announce.
func (r *Registry) OnNetworkChange() {
	r.mu.RLock()
	providers := slices.Clone(r.providers)
	r.mu.RUnlock()
	for _, p := range providers {
		p.OnNetworkChange()
	}
}

// Devices returns every known device ordered by id.
func (r *Registry) Devices() []*device.Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*device.Device, 0, len(r.devices))
	for _, d := range r.devices {
		out = append(out, d)
	}
	slices.SortFunc(out, func(a, b *device.Device) int { return strings.Compare(a.ID(), b.ID()) })
	return out
}

// Device returns the device with id.
func (r *Registry) Device(id string) (*device.Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.devices[id]
	return d, ok
}

// TrustedCertificate returns the stored certificate of a paired device, or nil.
func (r *Registry) TrustedCertificate(deviceID string) *x509.Certificate {
	if r.opts.Store == nil {
		return nil
	}
	record, err := r.opts.Store.GetTrustRecord(deviceID)
	if err != nil || record == nil {
		return nil
	}
	cert, err := crypto.ParseCertificatePEM(record.CertificatePEM)
	if err != nil {
		r.logger.Warn("stored certificate is unreadable", logging.KeyDeviceID, deviceID, logging.KeyError, err)
		return nil
	}
	return cert
}

// Subscribe returns a channel of registry events and a function to stop them.
// Events are dropped for subscribers that fall behind.
func (r *Registry) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)

	r.subMu.Lock()
	id := r.nextSub
	r.nextSub++
	r.subs[id] = ch
	r.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			r.subMu.Lock()
			delete(r.subs, id)
			r.subMu.Unlock()
			close(ch)
		})
	}
}

func (r *Registry) emit(event Event) {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	for _, ch := range r.subs {
		select {
		case ch <- event:
		default:
			r.logger.Warn("dropping registry event for slow subscriber", "event", string(event.Type), logging.KeyDeviceID, event.DeviceID)
		}
	}
}

// ConnectionReceived attaches l to its device, creating the device if needed.
func (r *Registry) ConnectionReceived(identity protocol.Identity, l link.Link) {
	r.mu.Lock()
	d, known := r.devices[identity.DeviceID]
	if !known {
		d = device.New(identity, r.deviceOptions())
		r.devices[identity.DeviceID] = d
	}
	count := len(r.devices)
	r.mu.Unlock()

	if !known {
		r.metrics.SetDevicesKnown(count)
		r.logger.Info("device discovered", logging.KeyDeviceID, identity.DeviceID, logging.KeyDeviceName, identity.DeviceName)
		r.emit(Event{Type: EventDeviceAdded, DeviceID: identity.DeviceID})
	}
	d.AddLink(identity, l)

	// A concurrent ConnectionLost may have dropped the device before the link attached.
	r.mu.Lock()
	if _, ok := r.devices[identity.DeviceID]; !ok {
		r.devices[identity.DeviceID] = d
	}
	r.mu.Unlock()
}

// ConnectionLost detaches l and forgets the device when it is unreachable and unpaired.
func (r *Registry) ConnectionLost(l link.Link) {
	d, ok := r.Device(l.DeviceID())
	if !ok {
		return
	}
	d.RemoveLink(l)
	r.removeIfUnused(d)
}

// TrustBroken unpairs a device whose certificate no longer matches its trust record.
func (r *Registry) TrustBroken(deviceID string) {
	r.logger.Warn("trusted device failed certificate verification", logging.KeyDeviceID, deviceID)
	if r.opts.Store != nil {
		if err := r.opts.Store.Audit(
			storage.KindCertificateMismatch,
			storage.SeverityCritical,
			deviceID,
			map[string]any{"action": "unpaired"},
		); err != nil {
			r.logger.Warn("log security event", logging.KeyError, err)
		}
	}

	d, ok := r.Device(deviceID)
	if !ok {
		if r.opts.Store != nil {
			if err := r.opts.Store.DeleteTrustRecord(deviceID); err != nil && !errors.Is(err, storage.ErrNotFound) {
				r.logger.Error("delete stale trust record", logging.KeyDeviceID, deviceID, logging.KeyError, err)
			}
		}
		return
	}
	d.Revoke(string(storage.KindCertificateMismatch))
	r.removeIfUnused(d)
}

func (r *Registry) removeIfUnused(d *device.Device) {
	if d.IsReachable() || d.PairState() != pairing.NotPaired {
		return
	}

	r.mu.Lock()
	current, ok := r.devices[d.ID()]
	if !ok || current != d || d.IsReachable() {
		r.mu.Unlock()
		return
	}
	delete(r.devices, d.ID())
	count := len(r.devices)
	r.mu.Unlock()

	r.metrics.SetDevicesKnown(count)
	r.logger.Info("device forgotten", logging.KeyDeviceID, d.ID())
	r.emit(Event{Type: EventDeviceRemoved, DeviceID: d.ID()})
}

func (r *Registry) onPairingEvent(d *device.Device, e pairing.Event) {
	r.emit(Event{Type: EventPairing, DeviceID: d.ID(), Pairing: &e})
	if e.Type == pairing.EventUnpaired || e.Type == pairing.EventFailed {
		r.removeIfUnused(d)
	}
}

func (r *Registry) onDeviceChange(d *device.Device) {
	if _, ok := r.Device(d.ID()); !ok {
		return
	}
	r.emit(Event{Type: EventDeviceChanged, DeviceID: d.ID()})
}
