package att

import (
	"fmt"
	"sync"

	"github.com/hedzr/go-ringbuf/v2/mpmc"
	"github.com/sirupsen/logrus"
)

// request is one ATT request waiting for its response.
type request struct {
	pdu   []byte
	onRsp func(rsp []byte)
	onErr func(err error)
}

// bearer is the outstanding-request gate of one connection. At most one
// request is on the air; later ones wait in a FIFO until the response to the
// current one has been delivered.
type bearer struct {
	conn   uint16
	ch     Channel
	logger *logrus.Logger
	depth  int

	mu      sync.Mutex
	pending *request
	queue   mpmc.RingBuffer[*request]
	queued  int
	closed  bool
}

func newBearer(conn uint16, ch Channel, depth int, logger *logrus.Logger) *bearer {
	return &bearer{
		conn:   conn,
		ch:     ch,
		logger: logger,
		depth:  depth,
		queue:  mpmc.New[*request](uint32(depth) * 2),
	}
}

// submit transmits r if no request is outstanding, otherwise queues it.
// Transmission failures are reported through r.onErr.
func (b *bearer) submit(r *request) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return newError(StatusConnectionLost, 0)
	}
	if b.pending != nil {
		if b.queued >= b.depth {
			b.mu.Unlock()
			return ErrQueueFull
		}
		if err := b.queue.Enqueue(r); err != nil {
			b.mu.Unlock()
			return fmt.Errorf("%w: %v", ErrQueueFull, err)
		}
		b.queued++
		n := b.queued
		b.mu.Unlock()

		b.logger.WithFields(logrus.Fields{
			"conn":   b.conn,
			"op":     OpName(r.pdu[0]),
			"queued": n,
		}).Debug("Request queued behind outstanding request")
		return nil
	}
	b.pending = r
	b.mu.Unlock()

	b.transmit(r)
	return nil
}

func (b *bearer) transmit(r *request) {
	err := b.ch.Send(b.conn, r.pdu)
	if err == nil {
		return
	}

	b.logger.WithFields(logrus.Fields{
		"conn":  b.conn,
		"op":    OpName(r.pdu[0]),
		"error": err,
	}).Warn("Failed to send ATT request")

	b.mu.Lock()
	if b.pending == r {
		b.pending = nil
	}
	b.mu.Unlock()

	r.onErr(&Error{Status: StatusConnectionLost, Cause: err})
	b.next()
}

// deliver hands rsp to the outstanding request and starts the next queued
// one. It reports false when nothing was waiting for a response.
func (b *bearer) deliver(rsp []byte) bool {
	b.mu.Lock()
	r := b.pending
	b.pending = nil
	b.mu.Unlock()

	if r == nil {
		return false
	}

	switch want := rspFor[Method(r.pdu[0])]; {
	case rsp[0] == OpErrorRsp:
		if er := ErrorResponse(rsp); er.Valid() && er.RequestOpcodeInError() != r.pdu[0] {
			b.logger.WithFields(logrus.Fields{
				"conn":     b.conn,
				"expected": OpName(r.pdu[0]),
				"got":      OpName(er.RequestOpcodeInError()),
			}).Warn("Error response names a different request opcode")
		}
	case rsp[0] != want:
		b.logger.WithFields(logrus.Fields{
			"conn":     b.conn,
			"expected": OpName(want),
			"got":      OpName(rsp[0]),
		}).Warn("Response does not match the outstanding request")
	}

	r.onRsp(rsp)
	b.next()
	return true
}

func (b *bearer) next() {
	b.mu.Lock()
	if b.closed || b.pending != nil || b.queued == 0 {
		b.mu.Unlock()
		return
	}
	r, err := b.queue.Dequeue()
	if err != nil {
		b.mu.Unlock()
		b.logger.WithField("error", err).Error("Request queue dequeue failed")
		return
	}
	b.queued--
	b.pending = r
	b.mu.Unlock()

	b.transmit(r)
}

// close stops the bearer and returns every request that will never see a
// response, outstanding one first.
func (b *bearer) close() []*request {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	var abandoned []*request
	if b.pending != nil {
		abandoned = append(abandoned, b.pending)
		b.pending = nil
	}
	for ; b.queued > 0; b.queued-- {
		r, err := b.queue.Dequeue()
		if err != nil {
			break
		}
		abandoned = append(abandoned, r)
	}
	b.queued = 0
	return abandoned
}
