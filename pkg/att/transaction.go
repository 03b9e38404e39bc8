package att

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
)

// Mode selects how a value is written to the peer.
type Mode int

const (
	// ModeWithoutResponse sends a single Write Command; nothing is acknowledged.
	ModeWithoutResponse Mode = iota
	// ModeWithResponse sends a single Write Request and waits for the Write Response.
	ModeWithResponse
	// ModeLong runs the prepare/execute procedure, verifying every segment echo.
	ModeLong
)

func (m Mode) String() string {
	switch m {
	case ModeWithoutResponse:
		return "without-response"
	case ModeWithResponse:
		return "with-response"
	case ModeLong:
		return "long"
	default:
		return "unknown"
	}
}

// Result is the outcome of a successful write.
// Value aliases the transaction's payload and must not be modified.
type Result struct {
	Handle uint16
	Value  []byte
}

// Callback receives the single completion of a write. err is nil on
// success; otherwise it is an *Error and res is zero.
type Callback func(conn uint16, res Result, err error)

// Transaction is one write in flight. Its completion is delivered exactly
// once, to the callback and to Wait.
type Transaction struct {
	conn    uint16
	handle  uint16
	payload []byte
	mode    Mode
	cb      Callback
	logger  *logrus.Logger

	// Long mode progress, touched only by the response path of this connection.
	segLen  int
	offset  int
	segment []byte

	once     sync.Once
	finished atomic.Bool
	done     chan struct{}
	result   Result
	err      error
}

func newTransaction(conn, handle uint16, payload []byte, mode Mode, cb Callback, logger *logrus.Logger) *Transaction {
	return &Transaction{
		conn:    conn,
		handle:  handle,
		payload: append([]byte(nil), payload...),
		mode:    mode,
		cb:      cb,
		logger:  logger,
		done:    make(chan struct{}),
	}
}

func (t *Transaction) Conn() uint16   { return t.conn }
func (t *Transaction) Handle() uint16 { return t.handle }
func (t *Transaction) Mode() Mode     { return t.mode }

// Done is closed after the completion has been delivered.
func (t *Transaction) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until the transaction completes or ctx is done.
func (t *Transaction) Wait(ctx context.Context) (Result, error) {
	select {
	case <-t.done:
		return t.result, t.err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

func (t *Transaction) isFinished() bool {
	return t.finished.Load()
}

// complete delivers the outcome. Only the first call has any effect.
func (t *Transaction) complete(err error) {
	t.once.Do(func() {
		t.finished.Store(true)

		fields := logrus.Fields{
			"conn":   t.conn,
			"handle": t.handle,
			"mode":   t.mode.String(),
			"length": len(t.payload),
		}
		if err != nil {
			t.err = asError(err)
			fields["error"] = t.err
			t.logger.WithFields(fields).Debug("Write failed")
		} else {
			t.result = Result{Handle: t.handle, Value: t.payload}
			t.logger.WithFields(fields).Debug("Write completed")
		}

		if t.cb != nil {
			t.cb(t.conn, t.result, t.err)
		}
		close(t.done)
	})
}

// accept checks that rsp is the expected response opcode and completes the
// transaction with the matching error if it is not.
func (t *Transaction) accept(rsp []byte, want byte) bool {
	switch {
	case len(rsp) == 0:
		t.complete(newError(StatusBadData, 0))
	case rsp[0] == want:
		return true
	case rsp[0] == OpErrorRsp:
		er := ErrorResponse(rsp)
		if !er.Valid() {
			t.complete(newError(StatusBadData, 0))
			break
		}
		t.complete(PeerError(ble.ATTError(er.ErrorCode()), er.AttributeInError()))
	default:
		t.complete(newError(StatusBadData, 0))
	}
	return false
}

// asError normalizes err to an *Error. Anything that is not already one is a
// transport failure.
func asError(err error) *Error {
	var aerr *Error
	if errors.As(err, &aerr) {
		return aerr
	}
	return &Error{Status: StatusConnectionLost, Cause: err}
}
