package testutils

import (
	"sync"
)

// SentPDU is one PDU handed to a RecordingChannel.
type SentPDU struct {
	Conn uint16
	PDU  []byte
}

// RecordingChannel is an ATT channel that keeps every PDU sent on it.
// Setting Err makes subsequent sends fail.
type RecordingChannel struct {
	mu   sync.Mutex
	sent []SentPDU
	err  error
}

func NewRecordingChannel() *RecordingChannel {
	return &RecordingChannel{}
}

// Send records a copy of pdu.
func (c *RecordingChannel) Send(conn uint16, pdu []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.sent = append(c.sent, SentPDU{Conn: conn, PDU: append([]byte(nil), pdu...)})
	return nil
}

// FailWith makes every later Send return err; nil restores normal sends.
func (c *RecordingChannel) FailWith(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.err = err
}

// Sent returns the recorded PDUs in send order.
func (c *RecordingChannel) Sent() []SentPDU {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]SentPDU(nil), c.sent...)
}

// Len returns the number of recorded PDUs.
func (c *RecordingChannel) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

// Last returns the most recent PDU, or nil when nothing was sent.
func (c *RecordingChannel) Last() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.sent) == 0 {
		return nil
	}
	return c.sent[len(c.sent)-1].PDU
}

// Opcodes returns the first byte of every recorded PDU.
func (c *RecordingChannel) Opcodes() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	ops := make([]byte, 0, len(c.sent))
	for _, s := range c.sent {
		ops = append(ops, s.PDU[0])
	}
	return ops
}

// Count returns how many recorded PDUs start with op.
func (c *RecordingChannel) Count(op byte) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, s := range c.sent {
		if s.PDU[0] == op {
			n++
		}
	}
	return n
}

// Reset forgets everything recorded so far.
func (c *RecordingChannel) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = nil
}
