package att

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/cornelk/hashmap"
	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
)

// mtuSetter is implemented by MTU providers that can record an exchange result.
type mtuSetter interface {
	Set(conn uint16, mtu int) int
}

// Engine runs client-side write procedures against remote attributes.
//
// Every request goes through the connection's bearer, so at most one request
// per connection is unanswered at any time. Responses are fed back through
// HandlePDU, which resumes the transaction waiting for them.
type Engine struct {
	ch     Channel
	mtus   MTUProvider
	opts   *Options
	logger *logrus.Logger

	// mu serializes bearer creation and removal; hashmap keys that were
	// deleted must not go through GetOrInsert again.
	mu      sync.Mutex
	bearers *hashmap.Map[uint16, *bearer]
}

// NewEngine creates a write engine sending on ch. A nil mtus treats every
// connection as running at DefaultMTU.
func NewEngine(ch Channel, mtus MTUProvider, opts *Options, logger *logrus.Logger) *Engine {
	if logger == nil {
		logger = logrus.New()
	}
	if mtus == nil {
		mtus = NewMTUTable()
	}
	return &Engine{
		ch:      ch,
		mtus:    mtus,
		opts:    optionsOrDefault(opts),
		logger:  logger,
		bearers: hashmap.New[uint16, *bearer](),
	}
}

// Write starts writing payload to the attribute at handle on conn.
//
// A length violation or a full request queue is returned synchronously and
// the callback is not invoked. Every other outcome, including transport
// failures, is delivered once through cb.
func (e *Engine) Write(conn, handle uint16, payload []byte, mode Mode, cb Callback) (*Transaction, error) {
	if len(payload) > e.opts.MaxAttrLen {
		return nil, &Error{
			Status: StatusBadDataLength,
			Handle: handle,
			Cause:  fmt.Errorf("payload length %d exceeds %d", len(payload), e.opts.MaxAttrLen),
		}
	}

	mtu := clampMTU(e.mtus.MTU(conn))
	t := newTransaction(conn, handle, payload, mode, cb, e.logger)

	e.logger.WithFields(logrus.Fields{
		"conn":   conn,
		"handle": handle,
		"mode":   mode.String(),
		"length": len(payload),
		"mtu":    mtu,
	}).Debug("Starting write")

	var err error
	switch mode {
	case ModeWithoutResponse:
		if err = e.checkShort(t, mtu); err == nil {
			e.writeCommand(t)
		}
	case ModeWithResponse:
		if err = e.checkShort(t, mtu); err == nil {
			err = e.writeRequest(t)
		}
	case ModeLong:
		if e.opts.ShortLongWrites && len(t.payload) <= mtu-WriteHeaderLen {
			err = e.writeRequest(t)
			break
		}
		t.segLen = mtu - PrepareWriteHeaderLen
		err = e.prepareNext(t)
	default:
		err = fmt.Errorf("unknown write mode %d", int(mode))
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}

// checkShort rejects single-PDU writes whose value does not fit the MTU.
func (e *Engine) checkShort(t *Transaction, mtu int) error {
	if limit := mtu - WriteHeaderLen; len(t.payload) > limit {
		return &Error{
			Status: StatusBadDataLength,
			Handle: t.handle,
			Cause:  fmt.Errorf("payload length %d exceeds single PDU limit %d", len(t.payload), limit),
		}
	}
	return nil
}

// writeCommand sends a Write Command and completes at once; the peer never answers.
func (e *Engine) writeCommand(t *Transaction) {
	pdu := NewWriteRequest(OpWriteCmd, t.handle, t.payload)
	if err := e.ch.Send(t.conn, pdu); err != nil {
		t.complete(&Error{Status: StatusConnectionLost, Handle: t.handle, Cause: err})
		return
	}
	t.complete(nil)
}

func (e *Engine) writeRequest(t *Transaction) error {
	return e.submit(t, NewWriteRequest(OpWriteReq, t.handle, t.payload), func(rsp []byte) {
		if t.accept(rsp, OpWriteRsp) {
			t.complete(nil)
		}
	})
}

// prepareNext sends the segment at the current offset, or the Execute Write
// once the whole payload has been acknowledged.
func (e *Engine) prepareNext(t *Transaction) error {
	if t.offset >= len(t.payload) {
		return e.submit(t, NewExecuteWriteRequest(ExecuteCommit), func(rsp []byte) {
			if t.accept(rsp, OpExecuteWriteRsp) {
				t.complete(nil)
			}
		})
	}

	end := t.offset + t.segLen
	if end > len(t.payload) {
		end = len(t.payload)
	}
	t.segment = t.payload[t.offset:end]

	pdu := NewPrepareWriteRequest(t.handle, uint16(t.offset), t.segment)
	return e.submit(t, pdu, func(rsp []byte) {
		if !t.accept(rsp, OpPrepareWriteRsp) {
			return
		}
		if !e.echoed(t, PrepareWriteResponse(rsp)) {
			t.complete(newError(StatusBadData, 0))
			return
		}
		t.offset = end
		if err := e.prepareNext(t); err != nil {
			t.complete(err)
		}
	})
}

// echoed verifies a Prepare Write Response repeats the segment just sent.
func (e *Engine) echoed(t *Transaction, rsp PrepareWriteResponse) bool {
	ok := rsp.Valid() &&
		rsp.AttributeHandle() == t.handle &&
		int(rsp.ValueOffset()) == t.offset &&
		bytes.Equal(rsp.PartAttributeValue(), t.segment)
	if !ok {
		fields := logrus.Fields{
			"conn":   t.conn,
			"handle": t.handle,
			"offset": t.offset,
		}
		if rsp.Valid() {
			fields["rsp_handle"] = rsp.AttributeHandle()
			fields["rsp_offset"] = rsp.ValueOffset()
			fields["rsp_length"] = len(rsp.PartAttributeValue())
		}
		e.logger.WithFields(fields).Warn("Prepare Write Response does not echo the segment")
	}
	return ok
}

// submit hands pdu to the connection's bearer on behalf of t. onRsp runs
// only while t is still in flight.
func (e *Engine) submit(t *Transaction, pdu []byte, onRsp func(rsp []byte)) error {
	r := &request{
		pdu: pdu,
		onRsp: func(rsp []byte) {
			if t.isFinished() {
				return
			}
			onRsp(rsp)
		},
		onErr: func(err error) {
			t.complete(err)
		},
	}
	return e.bearer(t.conn).submit(r)
}

func (e *Engine) bearer(conn uint16) *bearer {
	if b, ok := e.bearers.Get(conn); ok {
		return b
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if b, ok := e.bearers.Get(conn); ok {
		return b
	}
	b := newBearer(conn, e.ch, e.opts.QueueDepth, e.logger)
	e.bearers.Set(conn, b)
	return b
}

// HandlePDU delivers a response PDU received on conn. It reports false when
// the PDU is not a response or nothing on conn was waiting for one.
func (e *Engine) HandlePDU(conn uint16, pdu []byte) bool {
	if len(pdu) == 0 || !IsResponse(pdu[0]) {
		return false
	}

	b, ok := e.bearers.Get(conn)
	if !ok || !b.deliver(pdu) {
		e.logger.WithFields(logrus.Fields{
			"conn": conn,
			"op":   OpName(pdu[0]),
		}).Warn("Dropping unexpected ATT response")
		return false
	}
	return true
}

// ExchangeMTU offers rxMTU to the peer and records the negotiated value.
// cb, if not nil, receives the MTU now in effect on conn.
func (e *Engine) ExchangeMTU(conn uint16, rxMTU int, cb func(mtu int, err error)) error {
	if cb == nil {
		cb = func(int, error) {}
	}
	rxMTU = clampMTU(rxMTU)
	r := &request{
		pdu: NewExchangeMTURequest(uint16(rxMTU)),
		onRsp: func(rsp []byte) {
			switch {
			case rsp[0] == OpErrorRsp && ErrorResponse(rsp).Valid():
				er := ErrorResponse(rsp)
				cb(e.mtus.MTU(conn), PeerError(ble.ATTError(er.ErrorCode()), er.AttributeInError()))
				return
			case rsp[0] != OpExchangeMTURsp || !ExchangeMTUResponse(rsp).Valid():
				cb(e.mtus.MTU(conn), newError(StatusBadData, 0))
				return
			}

			mtu := int(ExchangeMTUResponse(rsp).ServerRxMTU())
			if rxMTU < mtu {
				mtu = rxMTU
			}
			if s, ok := e.mtus.(mtuSetter); ok {
				mtu = s.Set(conn, mtu)
			} else {
				mtu = clampMTU(mtu)
			}
			e.logger.WithFields(logrus.Fields{
				"conn": conn,
				"mtu":  mtu,
			}).Info("MTU exchanged")
			cb(mtu, nil)
		},
		onErr: func(err error) {
			cb(e.mtus.MTU(conn), asError(err))
		},
	}
	return e.bearer(conn).submit(r)
}

// ConnectionClosed fails every request outstanding or queued on conn with
// ErrConnectionLost before returning. Later writes on conn start a fresh bearer.
func (e *Engine) ConnectionClosed(conn uint16) {
	e.mu.Lock()
	b, ok := e.bearers.Get(conn)
	if ok {
		e.bearers.Del(conn)
	}
	e.mu.Unlock()
	if !ok {
		return
	}

	abandoned := b.close()
	if len(abandoned) > 0 {
		e.logger.WithFields(logrus.Fields{
			"conn":      conn,
			"abandoned": len(abandoned),
		}).Info("Connection closed with requests in flight")
	}
	for _, r := range abandoned {
		r.onErr(newError(StatusConnectionLost, 0))
	}
}
