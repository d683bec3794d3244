package discovery

import (
	"cmp"
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"

	"peerlink/logging"
)

// ErrStopped is returned by Refresh after Stop.
var ErrStopped = errors.New("discovery: browser stopped")

type EventType string

const (
	// EventFound reports a new peer or a peer whose advertisement changed.
	EventFound EventType = "found"
	// EventLost reports a peer missing from MaxMisses browse windows in a row.
	EventLost EventType = "lost"
)

type Event struct {
	Type EventType
	Peer Peer
}

type sighting struct {
	peer   Peer
	misses int
}

// Browser browses the service in fixed windows, on a timer and on demand.
type Browser struct {
	cfg    Config
	browse browseFunc

	mu    sync.Mutex
	peers map[string]*sighting

	events  chan Event
	refresh chan refreshRequest

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

type refreshRequest struct {
	ctx    context.Context
	result chan error
}

func newBrowser(cfg Config) (*Browser, error) {
	if cfg.Self.DeviceID == "" {
		return nil, errNoDeviceID
	}
	browse := cfg.browse
	if browse == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return nil, err
		}
		browse = resolver.Browse
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Browser{
		cfg:     cfg,
		browse:  browse,
		peers:   make(map[string]*sighting),
		events:  make(chan Event, 128),
		refresh: make(chan refreshRequest),
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

func (b *Browser) start() {
	b.wg.Add(1)
	go b.run()
}

// Stop ends browsing and closes Events.
func (b *Browser) Stop() {
	b.stopOnce.Do(func() {
		b.cancel()
		b.wg.Wait()
		close(b.events)
	})
}

func (b *Browser) Events() <-chan Event {
	return b.events
}

// Refresh runs one browse window now and waits for it to finish.
func (b *Browser) Refresh(ctx context.Context) error {
	req := refreshRequest{ctx: ctx, result: make(chan error, 1)}
	select {
	case b.refresh <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-b.ctx.Done():
		return ErrStopped
	}

	select {
	case err := <-req.result:
		return err
	case <-b.ctx.Done():
		return ErrStopped
	}
}

// Peers lists the peers currently considered present, by name then id.
func (b *Browser) Peers() []Peer {
	b.mu.Lock()
	out := make([]Peer, 0, len(b.peers))
	for _, s := range b.peers {
		out = append(out, s.peer)
	}
	b.mu.Unlock()

	slices.SortFunc(out, func(x, y Peer) int {
		if c := cmp.Compare(x.DeviceName, y.DeviceName); c != 0 {
			return c
		}
		return cmp.Compare(x.DeviceID, y.DeviceID)
	})
	return out
}

func (b *Browser) run() {
	defer b.wg.Done()

	_ = b.window(b.ctx)

	ticker := time.NewTicker(b.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-b.ctx.Done():
			return
		case <-ticker.C:
			_ = b.window(b.ctx)
		case req := <-b.refresh:
			if err := req.ctx.Err(); err != nil {
				req.result <- err
				continue
			}
			ctx, cancel := context.WithCancel(b.ctx)
			detach := context.AfterFunc(req.ctx, cancel)
			req.result <- b.window(ctx)
			detach()
			cancel()
		}
	}
}

// window browses for cfg.Window and merges what it saw. A window cut short
// by cancellation is discarded so it does not count as a miss.
func (b *Browser) window(parent context.Context) error {
	ctx, cancel := context.WithTimeout(parent, b.cfg.Window)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 32)
	browseErr := make(chan error, 1)
	go func() {
		browseErr <- b.browse(ctx, b.cfg.Service, b.cfg.Domain, entries)
	}()

	seen := make(map[string]Peer)
	for ctx.Err() == nil {
		select {
		case entry := <-entries:
			if peer, ok := peerFromEntry(entry, b.cfg.Self.DeviceID); ok {
				seen[peer.DeviceID] = peer
			}
		case err := <-browseErr:
			browseErr = nil
			if err != nil && ctx.Err() == nil {
				b.cfg.Logger.Warn("mDNS browse failed", logging.KeyError, err)
				return err
			}
		case <-ctx.Done():
		}
	}

	if err := parent.Err(); err != nil {
		return err
	}
	b.merge(seen)
	return nil
}

func (b *Browser) merge(seen map[string]Peer) {
	now := time.Now()
	var events []Event

	b.mu.Lock()
	for id, peer := range seen {
		peer.LastSeen = now
		known, ok := b.peers[id]
		if !ok {
			b.peers[id] = &sighting{peer: peer}
			events = append(events, Event{Type: EventFound, Peer: peer})
			continue
		}
		changed := !known.peer.sameAs(peer)
		known.peer = peer
		known.misses = 0
		if changed {
			events = append(events, Event{Type: EventFound, Peer: peer})
		}
	}
	for id, known := range b.peers {
		if _, ok := seen[id]; ok {
			continue
		}
		known.misses++
		if known.misses >= b.cfg.MaxMisses {
			delete(b.peers, id)
			events = append(events, Event{Type: EventLost, Peer: known.peer})
		}
	}
	b.mu.Unlock()

	for _, event := range events {
		select {
		case b.events <- event:
		default:
			b.cfg.Logger.Warn("discovery event dropped", logging.KeyDeviceID, event.Peer.DeviceID, "event", event.Type)
		}
	}
}
