// Package loopback connects two ATT stacks in one process. Each direction is
// a byte ring carrying framed PDUs, so traffic only moves when the link is
// pumped and tests can observe or rewrite every PDU on the way.
package loopback

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"
	"github.com/smallnest/ringbuffer"
	"github.com/srg/attkit/internal/groutine"
	"github.com/srg/attkit/pkg/att"
)

// frame header: connection handle and PDU length, little endian
const frameHeaderLen = 4

// DefaultRingSize holds a few hundred maximum size PDUs per direction.
const DefaultRingSize = 64 * 1024

var (
	ErrLinkFull   = errors.New("loopback ring full")
	ErrConnClosed = errors.New("loopback connection closed")
)

// Direction names the way a PDU travels.
type Direction int

const (
	AToB Direction = iota
	BToA
)

func (d Direction) String() string {
	if d == AToB {
		return "A->B"
	}
	return "B->A"
}

// Tap sees every PDU before delivery and returns the PDU to deliver.
// Returning nil drops it.
type Tap func(dir Direction, conn uint16, pdu []byte) []byte

type pipe struct {
	dir Direction
	mu  sync.Mutex
	buf *ringbuffer.RingBuffer
}

func (p *pipe) put(conn uint16, pdu []byte) error {
	if len(pdu) > 0xffff {
		return fmt.Errorf("pdu of %d bytes does not fit a frame", len(pdu))
	}
	frame := make([]byte, frameHeaderLen+len(pdu))
	binary.LittleEndian.PutUint16(frame[0:], conn)
	binary.LittleEndian.PutUint16(frame[2:], uint16(len(pdu)))
	copy(frame[frameHeaderLen:], pdu)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.buf.Free() < len(frame) {
		return ErrLinkFull
	}
	_, err := p.buf.Write(frame)
	return err
}

// take removes the next frame. ok is false when the ring is empty.
func (p *pipe) take() (conn uint16, pdu []byte, ok bool, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var hdr [frameHeaderLen]byte
	n, err := p.buf.TryRead(hdr[:])
	if errors.Is(err, ringbuffer.ErrIsEmpty) || n == 0 {
		return 0, nil, false, nil
	}
	if err != nil {
		return 0, nil, false, err
	}
	if n != frameHeaderLen {
		return 0, nil, false, fmt.Errorf("short frame header: %d bytes", n)
	}

	conn = binary.LittleEndian.Uint16(hdr[0:])
	pdu = make([]byte, binary.LittleEndian.Uint16(hdr[2:]))
	if len(pdu) > 0 {
		if n, err = p.buf.TryRead(pdu); err != nil || n != len(pdu) {
			return 0, nil, false, fmt.Errorf("short frame body: %d of %d bytes: %v", n, len(pdu), err)
		}
	}
	return conn, pdu, true, nil
}

// Link is a pair of stacks wired back to back.
type Link struct {
	a, b   *att.Stack
	ab, ba *pipe
	logger *logrus.Logger

	pumpMu sync.Mutex
	tapMu  sync.RWMutex
	tap    Tap
	closed *hashmap.Map[uint16, struct{}]
}

// New creates two stacks with the same options joined by a link.
// security applies to both sides and may be nil.
func New(opts *att.Options, security att.SecurityState, logger *logrus.Logger) *Link {
	if logger == nil {
		logger = logrus.New()
	}
	l := &Link{
		ab:     &pipe{dir: AToB, buf: ringbuffer.New(DefaultRingSize)},
		ba:     &pipe{dir: BToA, buf: ringbuffer.New(DefaultRingSize)},
		logger: logger,
		closed: hashmap.New[uint16, struct{}](),
	}
	l.a = att.NewStack(l.channel(l.ab), security, opts, logger)
	l.b = att.NewStack(l.channel(l.ba), security, opts, logger)
	return l
}

func (l *Link) channel(p *pipe) att.Channel {
	return att.ChannelFunc(func(conn uint16, pdu []byte) error {
		if _, closed := l.closed.Get(conn); closed {
			return ErrConnClosed
		}
		return p.put(conn, pdu)
	})
}

// A returns the stack whose PDUs travel AToB.
func (l *Link) A() *att.Stack { return l.a }

// B returns the stack whose PDUs travel BToA.
func (l *Link) B() *att.Stack { return l.b }

// SetTap installs t, replacing any previous tap. nil removes it.
func (l *Link) SetTap(t Tap) {
	l.tapMu.Lock()
	defer l.tapMu.Unlock()
	l.tap = t
}

// Pump delivers queued PDUs, alternating directions, until both rings are
// empty. Responses produced while pumping are delivered in the same call.
// It returns the number of PDUs delivered.
func (l *Link) Pump() (int, error) {
	l.pumpMu.Lock()
	defer l.pumpMu.Unlock()

	delivered := 0
	for {
		moved := false
		for _, p := range []*pipe{l.ab, l.ba} {
			ok, err := l.deliverOne(p)
			if err != nil {
				return delivered, err
			}
			if ok {
				moved = true
				delivered++
			}
		}
		if !moved {
			return delivered, nil
		}
	}
}

func (l *Link) deliverOne(p *pipe) (bool, error) {
	conn, pdu, ok, err := p.take()
	if err != nil || !ok {
		return false, err
	}
	if _, closed := l.closed.Get(conn); closed {
		l.logger.WithFields(logrus.Fields{
			"conn": conn,
			"dir":  p.dir.String(),
		}).Debug("Dropping PDU for closed connection")
		return true, nil
	}

	l.tapMu.RLock()
	tap := l.tap
	l.tapMu.RUnlock()
	if tap != nil {
		if pdu = tap(p.dir, conn, pdu); pdu == nil {
			return true, nil
		}
	}

	to := l.b
	if p.dir == BToA {
		to = l.a
	}
	if err := to.Receive(conn, pdu); err != nil && !errors.Is(err, ErrConnClosed) {
		return true, fmt.Errorf("%s receive on conn 0x%04x: %w", p.dir, conn, err)
	}
	return true, nil
}

// Run pumps the link every interval on a background goroutine until ctx is
// done. The returned channel is closed once the pump has stopped.
func (l *Link) Run(ctx context.Context, interval time.Duration) <-chan struct{} {
	return groutine.Go(ctx, "loopback-pump", func(ctx context.Context) {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := l.Pump(); err != nil {
					l.logger.WithFields(logrus.Fields{
						"goroutine": groutine.Name(ctx),
						"error":     err,
					}).Error("Loopback pump failed")
				}
			}
		}
	})
}

// Close tears conn down on both stacks. PDUs still in flight for conn are
// dropped and later sends on it fail.
func (l *Link) Close(conn uint16) {
	l.closed.Set(conn, struct{}{})
	l.a.ConnectionClosed(conn)
	l.b.ConnectionClosed(conn)
	l.logger.WithField("conn", conn).Info("Loopback connection closed")
}
