package multiplex

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
)

// Channel is one bidirectional byte stream inside a Conn.
type Channel struct {
	id   uuid.UUID
	conn *Conn

	mu   sync.Mutex
	cond *sync.Cond

	buf bytes.Buffer
	// requested is read credit granted to the peer and not yet used.
	requested int
	// credit is write credit the peer granted us.
	credit int

	localClosed  bool
	remoteClosed bool
	connErr      error
}

func newChannel(c *Conn, id uuid.UUID) *Channel {
	ch := &Channel{id: id, conn: c}
	ch.cond = sync.NewCond(&ch.mu)
	return ch
}

func newClosedChannel(c *Conn, id uuid.UUID) *Channel {
	ch := newChannel(c, id)
	ch.connErr = c.Err()
	if ch.connErr == nil {
		ch.connErr = ErrClosed
	}
	return ch
}

// ID returns the channel id.
func (ch *Channel) ID() uuid.UUID {
	return ch.id
}

// Read blocks until data is available, the channel is closed or the connection fails.
// Buffered data is always drained before EOF is reported.
func (ch *Channel) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	ch.mu.Lock()
	defer ch.mu.Unlock()

	for {
		if ch.buf.Len() > 0 {
			return ch.buf.Read(p)
		}
		if ch.localClosed || ch.remoteClosed {
			return 0, io.EOF
		}
		if ch.connErr != nil {
			if errors.Is(ch.connErr, ErrClosed) {
				return 0, io.EOF
			}
			return 0, ch.connErr
		}

		if grant := ch.conn.bufferSize - ch.buf.Len() - ch.requested; grant > 0 {
			ch.requested += grant
			ch.mu.Unlock()
			err := ch.conn.send(readRequestFrame(ch.id, uint16(grant)))
			ch.mu.Lock()
			if err != nil {
				ch.requested -= grant
				if ch.connErr == nil {
					ch.connErr = err
				}
			}
			continue
		}

		ch.cond.Wait()
	}
}

// Write blocks until the peer grants credit for every byte of p.
func (ch *Channel) Write(p []byte) (int, error) {
	written := 0
	for len(p) > 0 {
		ch.mu.Lock()
		for ch.credit == 0 && !ch.localClosed && !ch.remoteClosed && ch.connErr == nil {
			ch.cond.Wait()
		}
		if err := ch.writeErrLocked(); err != nil {
			ch.mu.Unlock()
			return written, err
		}
		n := min(ch.credit, len(p), MaxPayloadSize)
		ch.credit -= n
		ch.mu.Unlock()

		if err := ch.conn.send(Frame{Type: FrameWrite, Channel: ch.id, Payload: p[:n]}); err != nil {
			return written, err
		}
		written += n
		p = p[n:]
	}
	return written, nil
}

func (ch *Channel) writeErrLocked() error {
	switch {
	case ch.localClosed:
		return ErrClosed
	case ch.remoteClosed:
		return fmt.Errorf("%w: channel closed by peer", ErrClosed)
	case ch.connErr != nil:
		return ch.connErr
	}
	return nil
}

// Close closes the channel locally and tells the peer. Closing the default
// channel closes the whole connection.
func (ch *Channel) Close() error {
	ch.mu.Lock()
	if ch.localClosed {
		ch.mu.Unlock()
		return nil
	}
	ch.localClosed = true
	notifyPeer := !ch.remoteClosed && ch.connErr == nil
	ch.cond.Broadcast()
	ch.mu.Unlock()

	if ch.id == DefaultChannelID {
		return ch.conn.Close()
	}

	ch.conn.removeChannel(ch.id, notifyPeer)
	if notifyPeer {
		if err := ch.conn.send(Frame{Type: FrameCloseChannel, Channel: ch.id}); err != nil && !errors.Is(err, ErrClosed) {
			return err
		}
	}
	return nil
}

func (ch *Channel) grantCredit(n int) {
	ch.mu.Lock()
	ch.credit += n
	ch.cond.Broadcast()
	ch.mu.Unlock()
}

func (ch *Channel) deliver(data []byte) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	if len(data) > ch.requested {
		return fmt.Errorf("%w: %d bytes with %d granted on %s", ErrCreditOverrun, len(data), ch.requested, ch.id)
	}
	ch.requested -= len(data)
	if ch.localClosed {
		return nil
	}
	ch.buf.Write(data)
	ch.cond.Broadcast()
	return nil
}

func (ch *Channel) remoteClose() {
	ch.mu.Lock()
	ch.remoteClosed = true
	ch.cond.Broadcast()
	ch.mu.Unlock()
}

func (ch *Channel) connClosed(err error) {
	ch.mu.Lock()
	if ch.connErr == nil {
		ch.connErr = err
	}
	ch.cond.Broadcast()
	ch.mu.Unlock()
}
