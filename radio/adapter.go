// Package radio links devices over a personal-area radio profile socket,
// multiplexing packets and payloads on one stream per peer.
package radio

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/google/uuid"
)

// ServiceUUID is the profile service both ends listen and dial on.
var ServiceUUID = uuid.MustParse("185f3df4-3268-4e3f-9fca-d4d5059915bd")

// ErrInvalidAddress indicates an adapter address that cannot name a socket.
var ErrInvalidAddress = errors.New("radio: invalid adapter address")

// Adapter is the platform radio stack: it accepts and opens profile
// connections and knows which peers are bonded.
type Adapter interface {
	// Address is the local adapter address.
	Address() string
	Listen(service uuid.UUID) (net.Listener, error)
	Dial(ctx context.Context, address string, service uuid.UUID) (net.Conn, error)
	// BondedDevices returns the addresses of bonded peers, excluding ourselves.
	BondedDevices() ([]string, error)
}

const socketSuffix = ".sock"

// SocketAdapter emulates a radio adapter with unix-domain sockets in a shared
// directory. Every socket in the directory counts as a bonded peer.
type SocketAdapter struct {
	dir     string
	address string
}

var _ Adapter = (*SocketAdapter)(nil)

// NewSocketAdapter creates dir if needed and returns an adapter for address.
func NewSocketAdapter(dir, address string) (*SocketAdapter, error) {
	if address == "" || strings.ContainsAny(address, `/\-`) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAddress, address)
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create radio socket directory: %w", err)
	}
	return &SocketAdapter{dir: dir, address: address}, nil
}

func (a *SocketAdapter) Address() string {
	return a.address
}

func (a *SocketAdapter) socketPath(address string, service uuid.UUID) string {
	return filepath.Join(a.dir, address+"-"+service.String()[:8]+socketSuffix)
}

// Listen binds the socket for service, replacing a stale socket file.
func (a *SocketAdapter) Listen(service uuid.UUID) (net.Listener, error) {
	path := a.socketPath(a.address, service)
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("remove stale socket: %w", err)
	}
	listener, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", path, err)
	}
	return listener, nil
}

func (a *SocketAdapter) Dial(ctx context.Context, address string, service uuid.UUID) (net.Conn, error) {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "unix", a.socketPath(address, service))
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", address, err)
	}
	return conn, nil
}

func (a *SocketAdapter) BondedDevices() ([]string, error) {
	entries, err := os.ReadDir(a.dir)
	if err != nil {
		return nil, fmt.Errorf("scan radio socket directory: %w", err)
	}

	var addresses []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, socketSuffix) {
			continue
		}
		address, _, ok := strings.Cut(strings.TrimSuffix(name, socketSuffix), "-")
		if !ok || address == a.address || slices.Contains(addresses, address) {
			continue
		}
		addresses = append(addresses, address)
	}
	slices.Sort(addresses)
	return addresses, nil
}
