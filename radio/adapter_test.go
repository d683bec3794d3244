package radio

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestNewSocketAdapterRejectsBadAddress(t *testing.T) {
	for _, address := range []string{"", "a/b", "a-b"} {
		if _, err := NewSocketAdapter(t.TempDir(), address); !errors.Is(err, ErrInvalidAddress) {
			t.Fatalf("address %q: expected ErrInvalidAddress, got %v", address, err)
		}
	}
}

func TestSocketAdapterBondedDevicesListsOtherListeners(t *testing.T) {
	dir := t.TempDir()
	a := mustAdapter(t, dir, "aa")
	b := mustAdapter(t, dir, "bb")
	c := mustAdapter(t, dir, "cc")

	for _, adapter := range []*SocketAdapter{a, b, c} {
		listener, err := adapter.Listen(ServiceUUID)
		if err != nil {
			t.Fatalf("Listen(%s): %v", adapter.Address(), err)
		}
		t.Cleanup(func() { _ = listener.Close() })
	}

	bonded, err := b.BondedDevices()
	if err != nil {
		t.Fatalf("BondedDevices: %v", err)
	}
	if len(bonded) != 2 || bonded[0] != "aa" || bonded[1] != "cc" {
		t.Fatalf("bonded = %v", bonded)
	}
}

func TestSocketAdapterDialReachesListener(t *testing.T) {
	dir := t.TempDir()
	a := mustAdapter(t, dir, "aa")
	b := mustAdapter(t, dir, "bb")

	listener, err := a.Listen(ServiceUUID)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer listener.Close()

	accepted := make(chan error, 1)
	go func() {
		conn, err := listener.Accept()
		if err == nil {
			_ = conn.Close()
		}
		accepted <- err
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, err := b.Dial(ctx, "aa", ServiceUUID)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	if err := <-accepted; err != nil {
		t.Fatalf("Accept: %v", err)
	}
}

func TestSocketAdapterDialUnknownPeerFails(t *testing.T) {
	a := mustAdapter(t, t.TempDir(), "aa")
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := a.Dial(ctx, "zz", ServiceUUID); err == nil {
		t.Fatal("expected dial to a missing socket to fail")
	}
}

func mustAdapter(t *testing.T, dir, address string) *SocketAdapter {
	t.Helper()
	adapter, err := NewSocketAdapter(dir, address)
	if err != nil {
		t.Fatalf("NewSocketAdapter(%s): %v", address, err)
	}
	return adapter
}
