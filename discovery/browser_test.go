package discovery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/grandcat/zeroconf"

	"peerlink/protocol"
)

// scriptedBrowse serves windows[n] on the n-th browse and repeats the last
// window afterwards. failures replace a browse with an immediate error.
type scriptedBrowse struct {
	windows  [][]*zeroconf.ServiceEntry
	failures map[int]error

	mu    sync.Mutex
	calls int
}

func (s *scriptedBrowse) browse(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
	s.mu.Lock()
	s.calls++
	call := s.calls
	s.mu.Unlock()

	if err := s.failures[call]; err != nil {
		return err
	}
	for _, entry := range s.windows[min(call, len(s.windows))-1] {
		entries <- entry
	}
	<-ctx.Done()
	return ctx.Err()
}

func newTestBrowser(t *testing.T, maxMisses int, script *scriptedBrowse) *Browser {
	t.Helper()
	cfg := Config{
		Self:      protocol.Identity{DeviceID: "self_device"},
		Interval:  time.Hour,
		Window:    20 * time.Millisecond,
		MaxMisses: maxMisses,
		browse:    script.browse,
	}.withDefaults()

	b, err := newBrowser(cfg)
	if err != nil {
		t.Fatalf("newBrowser: %v", err)
	}
	b.start()
	t.Cleanup(b.Stop)
	return b
}

func refresh(t *testing.T, b *Browser) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := b.Refresh(ctx); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
}

func pendingEvents(b *Browser) []Event {
	var out []Event
	for {
		select {
		case event := <-b.Events():
			out = append(out, event)
		default:
			return out
		}
	}
}

func peerIDs(peers []Peer) []string {
	ids := make([]string, 0, len(peers))
	for _, p := range peers {
		ids = append(ids, p.DeviceID)
	}
	return ids
}

func TestBrowserReportsPeersAndIgnoresSelf(t *testing.T) {
	b := newTestBrowser(t, 1, &scriptedBrowse{windows: [][]*zeroconf.ServiceEntry{
		{testEntry("self_device", "Self", 1716, "10.0.0.1"), testEntry("peer_b", "Bob", 1716, "10.0.0.2")},
		{testEntry("peer_b", "Bob", 1716, "10.0.0.2"), testEntry("peer_a", "Carol", 1716, "10.0.0.3")},
	}})

	refresh(t, b)

	ids := peerIDs(b.Peers())
	if len(ids) != 2 || ids[0] != "peer_b" || ids[1] != "peer_a" {
		t.Fatalf("expected peers sorted by name, got %v", ids)
	}

	events := pendingEvents(b)
	if len(events) != 2 {
		t.Fatalf("expected one found event per new peer, got %+v", events)
	}
	for _, event := range events {
		if event.Type != EventFound || event.Peer.LastSeen.IsZero() {
			t.Fatalf("unexpected event: %+v", event)
		}
	}
}

func TestBrowserToleratesMissedWindows(t *testing.T) {
	b := newTestBrowser(t, 2, &scriptedBrowse{windows: [][]*zeroconf.ServiceEntry{
		{testEntry("peer_a", "Alice", 1716, "10.0.0.2"), testEntry("peer_b", "Bob", 1716, "10.0.0.3")},
		{testEntry("peer_b", "Bob", 1716, "10.0.0.3")},
	}})

	refresh(t, b)
	if ids := peerIDs(b.Peers()); len(ids) != 2 {
		t.Fatalf("one missed window must not drop a peer, got %v", ids)
	}
	_ = pendingEvents(b)

	refresh(t, b)
	ids := peerIDs(b.Peers())
	if len(ids) != 1 || ids[0] != "peer_b" {
		t.Fatalf("expected only peer_b after two misses, got %v", ids)
	}
	events := pendingEvents(b)
	if len(events) != 1 || events[0].Type != EventLost || events[0].Peer.DeviceID != "peer_a" {
		t.Fatalf("expected a lost event for peer_a, got %+v", events)
	}
}

func TestBrowserReportsChangedAdvertisementOnce(t *testing.T) {
	b := newTestBrowser(t, 1, &scriptedBrowse{windows: [][]*zeroconf.ServiceEntry{
		{testEntry("peer_a", "Alice", 1716, "10.0.0.2")},
		{testEntry("peer_a", "Alice", 1716, "10.0.0.2")},
		{testEntry("peer_a", "Alice", 1800, "10.0.0.2")},
	}})

	refresh(t, b)
	if events := pendingEvents(b); len(events) != 1 {
		t.Fatalf("an unchanged peer must not be reported again, got %+v", events)
	}

	refresh(t, b)
	events := pendingEvents(b)
	if len(events) != 1 || events[0].Type != EventFound || events[0].Peer.Port != 1800 {
		t.Fatalf("expected a found event with the new port, got %+v", events)
	}
}

func TestBrowserRefreshSurfacesBrowseError(t *testing.T) {
	boom := errors.New("no multicast interface")
	b := newTestBrowser(t, 1, &scriptedBrowse{
		windows:  [][]*zeroconf.ServiceEntry{{testEntry("peer_a", "Alice", 1716, "10.0.0.2")}, {}},
		failures: map[int]error{2: boom},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := b.Refresh(ctx); !errors.Is(err, boom) {
		t.Fatalf("expected browse error, got %v", err)
	}
	if ids := peerIDs(b.Peers()); len(ids) != 1 {
		t.Fatalf("a failed window must not expire peers, got %v", ids)
	}
}

func TestBrowserCanceledRefreshIsNotAMiss(t *testing.T) {
	b := newTestBrowser(t, 1, &scriptedBrowse{windows: [][]*zeroconf.ServiceEntry{
		{testEntry("peer_a", "Alice", 1716, "10.0.0.2")},
		{testEntry("peer_a", "Alice", 1716, "10.0.0.2")},
		{},
	}})
	refresh(t, b)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := b.Refresh(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if ids := peerIDs(b.Peers()); len(ids) != 1 {
		t.Fatalf("canceled refresh expired peers: %v", ids)
	}
}

func TestBrowserStop(t *testing.T) {
	b := newTestBrowser(t, 1, &scriptedBrowse{windows: [][]*zeroconf.ServiceEntry{{}}})
	b.Stop()

	if _, ok := <-b.Events(); ok {
		t.Fatalf("expected events channel to be closed")
	}
	if err := b.Refresh(context.Background()); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
}
