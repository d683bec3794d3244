package multiplex

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"peerlink/logging"
	"peerlink/metrics"
)

const (
	// ProtocolVersion is the only multiplex protocol version spoken.
	ProtocolVersion uint16 = 1

	// DefaultBufferSize bounds how many unread bytes a channel may hold.
	DefaultBufferSize = 4096

	sendQueueSize = 64

	// maxClosedIDs bounds how many locally closed channels are remembered
	// while the peer may still have frames for them in flight.
	maxClosedIDs = 256
)

// DefaultChannelID is pre-opened on both ends and carries packets.
var DefaultChannelID = uuid.MustParse("a0d0aaf4-1072-4d81-aa35-902a954b1266")

var (
	// ErrClosed is returned by operations on a closed connection or channel.
	ErrClosed = errors.New("multiplex: closed")
	// ErrUnknownChannel is a fatal frame addressed to a channel that was never opened.
	ErrUnknownChannel = errors.New("multiplex: unknown channel")
	// ErrCreditOverrun is a fatal WRITE larger than the granted read credit.
	ErrCreditOverrun = errors.New("multiplex: write exceeds granted credit")
	// ErrVersionMismatch is a fatal version negotiation failure.
	ErrVersionMismatch = errors.New("multiplex: no common protocol version")
	// ErrVersionNotFirst is a fatal frame received before PROTOCOL_VERSION.
	ErrVersionNotFirst = errors.New("multiplex: frame before protocol version")
	// ErrChannelExists is returned when opening an id that is already open.
	ErrChannelExists = errors.New("multiplex: channel already open")
)

// Options configure a Conn.
type Options struct {
	Logger     *slog.Logger
	Metrics    *metrics.Metrics
	BufferSize int
}

type outgoing struct {
	frame Frame
	done  chan error
}

// Conn multiplexes channels over one byte stream.
type Conn struct {
	rw         io.ReadWriteCloser
	logger     *slog.Logger
	metrics    *metrics.Metrics
	bufferSize int

	sendCh chan outgoing

	mu              sync.Mutex
	channels        map[uuid.UUID]*Channel
	closedIDs       map[uuid.UUID]struct{}
	closedOrder     []uuid.UUID
	versionReceived bool

	closeOnce sync.Once
	closed    chan struct{}
	errMu     sync.RWMutex
	lastErr   error
}

// New starts multiplexing over rw. The protocol version is sent before any other frame.
func New(rw io.ReadWriteCloser, opts Options) *Conn {
	bufferSize := opts.BufferSize
	if bufferSize <= 0 || bufferSize > MaxPayloadSize {
		bufferSize = DefaultBufferSize
	}

	c := &Conn{
		rw:         rw,
		logger:     logging.OrNop(opts.Logger).With(logging.KeyComponent, "multiplex"),
		metrics:    opts.Metrics,
		bufferSize: bufferSize,
		sendCh:     make(chan outgoing, sendQueueSize),
		channels:   make(map[uuid.UUID]*Channel),
		closedIDs:  make(map[uuid.UUID]struct{}),
		closed:     make(chan struct{}),
	}
	c.channels[DefaultChannelID] = newChannel(c, DefaultChannelID)

	c.sendCh <- outgoing{frame: versionFrame(ProtocolVersion, ProtocolVersion), done: make(chan error, 1)}

	go c.writeLoop()
	go c.readLoop()

	return c
}

// DefaultChannel returns the pre-opened packet channel.
func (c *Conn) DefaultChannel() *Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ch, ok := c.channels[DefaultChannelID]; ok {
		return ch
	}
	return newClosedChannel(c, DefaultChannelID)
}

// OpenChannel opens a channel with a fresh random id.
func (c *Conn) OpenChannel() (*Channel, error) {
	return c.OpenChannelWithID(uuid.New())
}

// OpenChannelWithID opens a channel with the given id and announces it to the peer.
func (c *Conn) OpenChannelWithID(id uuid.UUID) (*Channel, error) {
	select {
	case <-c.closed:
		return nil, c.Err()
	default:
	}

	c.mu.Lock()
	if _, exists := c.channels[id]; exists {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrChannelExists, id)
	}
	ch := newChannel(c, id)
	c.channels[id] = ch
	c.forgetClosedLocked(id)
	c.mu.Unlock()

	if err := c.send(Frame{Type: FrameOpenChannel, Channel: id}); err != nil {
		c.removeChannel(id, false)
		return nil, err
	}
	return ch, nil
}

// Channel returns an open channel, including ones opened by the peer.
func (c *Conn) Channel(id uuid.UUID) (*Channel, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.channels[id]
	return ch, ok
}

// Close tears down every channel and the underlying stream.
func (c *Conn) Close() error {
	c.closeWithError(ErrClosed)
	return nil
}

// Done is closed once the connection is torn down.
func (c *Conn) Done() <-chan struct{} {
	return c.closed
}

// Err returns the error that closed the connection, or nil while open.
func (c *Conn) Err() error {
	c.errMu.RLock()
	defer c.errMu.RUnlock()
	return c.lastErr
}

func (c *Conn) closeWithError(err error) {
	if err == nil {
		err = ErrClosed
	}

	c.closeOnce.Do(func() {
		c.errMu.Lock()
		c.lastErr = err
		c.errMu.Unlock()
		close(c.closed)
		_ = c.rw.Close()

		if !errors.Is(err, ErrClosed) {
			c.logger.Warn("multiplexed connection failed", logging.KeyError, err)
		}

		c.mu.Lock()
		channels := make([]*Channel, 0, len(c.channels))
		for _, ch := range c.channels {
			channels = append(channels, ch)
		}
		c.channels = make(map[uuid.UUID]*Channel)
		c.mu.Unlock()

		for _, ch := range channels {
			ch.connClosed(err)
		}
	})
}

func (c *Conn) fail(reason string, err error) {
	c.metrics.MultiplexError(reason)
	c.closeWithError(err)
}

func (c *Conn) send(f Frame) error {
	out := outgoing{frame: f, done: make(chan error, 1)}
	select {
	case c.sendCh <- out:
	case <-c.closed:
		return c.Err()
	}

	select {
	case err := <-out.done:
		return err
	case <-c.closed:
		return c.Err()
	}
}

func (c *Conn) writeLoop() {
	for {
		select {
		case out := <-c.sendCh:
			err := WriteFrame(c.rw, out.frame)
			out.done <- err
			if err != nil {
				c.fail("write", err)
				return
			}
			c.metrics.MultiplexFrame("out", out.frame.Type.String())
		case <-c.closed:
			return
		}
	}
}

func (c *Conn) readLoop() {
	reader := bufio.NewReader(c.rw)
	for {
		f, err := ReadFrame(reader)
		if err != nil {
			if errors.Is(err, ErrInvalidFrame) {
				c.fail("malformed", err)
			} else if errors.Is(err, io.EOF) {
				c.closeWithError(ErrClosed)
			} else {
				c.fail("read", err)
			}
			return
		}
		c.metrics.MultiplexFrame("in", f.Type.String())

		if err := c.handleFrame(f); err != nil {
			return
		}
	}
}

func (c *Conn) handleFrame(f Frame) error {
	c.mu.Lock()
	if !c.versionReceived {
		if f.Type != FrameProtocolVersion {
			c.mu.Unlock()
			err := fmt.Errorf("%w: got %s", ErrVersionNotFirst, f.Type)
			c.fail("version_not_first", err)
			return err
		}
		minVersion, maxVersion := parseVersion(f)
		if minVersion > ProtocolVersion || maxVersion < ProtocolVersion {
			c.mu.Unlock()
			err := fmt.Errorf("%w: peer supports %d-%d", ErrVersionMismatch, minVersion, maxVersion)
			c.fail("version_mismatch", err)
			return err
		}
		c.versionReceived = true
		c.mu.Unlock()
		return nil
	}

	if f.Type == FrameProtocolVersion {
		c.mu.Unlock()
		return nil
	}

	if f.Type == FrameOpenChannel {
		if _, exists := c.channels[f.Channel]; exists {
			c.mu.Unlock()
			err := fmt.Errorf("%w: %s", ErrChannelExists, f.Channel)
			c.fail("duplicate_open", err)
			return err
		}
		c.channels[f.Channel] = newChannel(c, f.Channel)
		c.forgetClosedLocked(f.Channel)
		c.mu.Unlock()
		c.logger.Debug("channel opened by peer", logging.KeyChannelID, f.Channel.String())
		return nil
	}

	ch, ok := c.channels[f.Channel]
	if !ok {
		_, wasClosed := c.closedIDs[f.Channel]
		if wasClosed && f.Type == FrameCloseChannel {
			// Both ends closed at once; nothing more will arrive for it.
			c.forgetClosedLocked(f.Channel)
		}
		c.mu.Unlock()
		if wasClosed {
			return nil
		}
		err := fmt.Errorf("%w: %s frame for %s", ErrUnknownChannel, f.Type, f.Channel)
		c.fail("unknown_channel", err)
		return err
	}

	if f.Type == FrameCloseChannel {
		delete(c.channels, f.Channel)
	}
	c.mu.Unlock()

	switch f.Type {
	case FrameCloseChannel:
		ch.remoteClose()
		if f.Channel == DefaultChannelID {
			c.closeWithError(ErrClosed)
			return ErrClosed
		}
	case FrameReadRequest:
		ch.grantCredit(int(parseReadRequest(f)))
	case FrameWrite:
		if err := ch.deliver(f.Payload); err != nil {
			c.fail("credit_overrun", err)
			return err
		}
	}
	return nil
}

// removeChannel drops a locally closed channel. When the peer was sent a
// CLOSE_CHANNEL its late frames for id are ignored until it closes too.
func (c *Conn) removeChannel(id uuid.UUID, peerNotified bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.channels, id)
	if peerNotified {
		c.rememberClosedLocked(id)
	} else {
		c.forgetClosedLocked(id)
	}
}

func (c *Conn) rememberClosedLocked(id uuid.UUID) {
	if _, ok := c.closedIDs[id]; ok {
		return
	}
	if len(c.closedOrder) >= maxClosedIDs {
		delete(c.closedIDs, c.closedOrder[0])
		c.closedOrder = c.closedOrder[1:]
	}
	c.closedIDs[id] = struct{}{}
	c.closedOrder = append(c.closedOrder, id)
}

func (c *Conn) forgetClosedLocked(id uuid.UUID) {
	if _, ok := c.closedIDs[id]; !ok {
		return
	}
	delete(c.closedIDs, id)
	for i, closed := range c.closedOrder {
		if closed == id {
			c.closedOrder = append(c.closedOrder[:i], c.closedOrder[i+1:]...)
			break
		}
	}
}
