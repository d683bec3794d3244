package device

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"peerlink/logging"
	"peerlink/metrics"
	"peerlink/protocol"
)

var (
	// ErrDisconnected fails packets queued for a device that lost its last link.
	ErrDisconnected = errors.New("device: disconnected")
	// ErrTaken is passed to callbacks of a packet removed by TakeIfUnsent.
	ErrTaken = errors.New("device: packet taken back before sending")
)

// Callback receives the outcome of one queued packet.
type Callback func(err error)

// SendFunc delivers one packet over the device's links.
type SendFunc func(ctx context.Context, p *protocol.Packet) error

type queueItem struct {
	packet      *protocol.Packet
	coalesceKey string
	callbacks   []Callback
}

func (it *queueItem) finish(err error) {
	for _, cb := range it.callbacks {
		if cb != nil {
			cb(err)
		}
	}
}

// Queue sends a device's outbound packets one at a time, in order.
// Packets sharing a coalesce key collapse into the latest unsent one.
type Queue struct {
	send    SendFunc
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu     sync.Mutex
	cond   *sync.Cond
	items  []*queueItem
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
}

// NewQueue starts a queue worker that delivers packets with send.
func NewQueue(send SendFunc, logger *slog.Logger, m *metrics.Metrics) *Queue {
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		send:    send,
		logger:  logging.OrNop(logger),
		metrics: m,
		ctx:     ctx,
		cancel:  cancel,
	}
	q.cond = sync.NewCond(&q.mu)
	go q.run()
	return q
}

// Enqueue appends p. With a non-empty coalesceKey an unsent packet with the
// same key is replaced in place and callback joins its callbacks.
func (q *Queue) Enqueue(p *protocol.Packet, coalesceKey string, callback Callback) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		if callback != nil {
			callback(ErrDisconnected)
		}
		return ErrDisconnected
	}

	if coalesceKey != "" {
		for _, it := range q.items {
			if it.coalesceKey == coalesceKey {
				it.packet = p
				it.callbacks = append(it.callbacks, callback)
				q.mu.Unlock()
				return nil
			}
		}
	}

	q.items = append(q.items, &queueItem{packet: p, coalesceKey: coalesceKey, callbacks: []Callback{callback}})
	q.cond.Signal()
	q.mu.Unlock()
	return nil
}

// TakeIfUnsent removes and returns the unsent packet queued under coalesceKey.
// Its callbacks receive ErrTaken.
func (q *Queue) TakeIfUnsent(coalesceKey string) (*protocol.Packet, bool) {
	if coalesceKey == "" {
		return nil, false
	}

	q.mu.Lock()
	for i, it := range q.items {
		if it.coalesceKey == coalesceKey {
			q.items = append(q.items[:i], q.items[i+1:]...)
			q.mu.Unlock()
			it.finish(ErrTaken)
			return it.packet, true
		}
	}
	q.mu.Unlock()
	return nil, false
}

// Len returns the number of unsent packets.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close fails every unsent packet with ErrDisconnected and stops the worker.
// A packet being sent has its context canceled and fails with ErrDisconnected.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	pending := q.items
	q.items = nil
	q.cond.Broadcast()
	q.mu.Unlock()

	q.cancel()
	for _, it := range pending {
		q.metrics.QueueFailed()
		it.finish(ErrDisconnected)
	}
}

func (q *Queue) run() {
	for {
		q.mu.Lock()
		for len(q.items) == 0 && !q.closed {
			q.cond.Wait()
		}
		if q.closed {
			q.mu.Unlock()
			return
		}
		it := q.items[0]
		q.items = q.items[1:]
		q.mu.Unlock()

		err := q.send(q.ctx, it.packet)
		if err != nil {
			q.metrics.QueueFailed()
			if q.ctx.Err() != nil {
				err = ErrDisconnected
			}
			q.logger.Debug("packet not delivered", logging.KeyPacketType, it.packet.Type, logging.KeyError, err)
		}
		it.finish(err)
	}
}
