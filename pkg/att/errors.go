package att

import (
	"errors"
	"fmt"

	"github.com/go-ble/ble"
)

// Status is the kind of failure carried by an Error.
type Status int

const (
	StatusNotFound         Status = iota + 1 // handle or entry absent
	StatusOutOfHandles                       // 16-bit handle space exhausted
	StatusPermissionDenied                   // flag or security mismatch
	StatusBadDataLength                      // value longer than allowed
	StatusBadData                            // prepare write echo mismatch or malformed response
	StatusConnectionLost                     // owning link torn down mid-procedure
	StatusPeer                               // peer answered with an Error Response
)

var statusNames = map[Status]string{
	StatusNotFound:         "not found",
	StatusOutOfHandles:     "out of handles",
	StatusPermissionDenied: "permission denied",
	StatusBadDataLength:    "bad data length",
	StatusBadData:          "bad data",
	StatusConnectionLost:   "connection lost",
	StatusPeer:             "peer error",
}

func (s Status) String() string {
	if n, ok := statusNames[s]; ok {
		return n
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// Error describes a failed attribute operation.
type Error struct {
	Status Status
	ATT    ble.ATTError // protocol code, set for StatusPeer and for refused inbound requests
	Handle uint16       // attribute handle implicated, 0 when not handle specific
	Cause  error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := e.Status.String()
	if e.Status == StatusPeer || e.ATT != ble.ErrSuccess {
		msg = fmt.Sprintf("%s: %s (0x%02x)", msg, e.ATT.Error(), byte(e.ATT))
	}
	if e.Handle != 0 {
		msg = fmt.Sprintf("%s [handle 0x%04x]", msg, e.Handle)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is allows errors.Is to compare Error values by Status. Peer errors also
// match on the ATT code unless the target leaves it unset.
func (e *Error) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if e.Status != t.Status {
		return false
	}
	return t.ATT == ble.ErrSuccess || t.ATT == e.ATT
}

// Predefined sentinel errors
var (
	ErrNotFound         = &Error{Status: StatusNotFound}
	ErrOutOfHandles     = &Error{Status: StatusOutOfHandles}
	ErrPermissionDenied = &Error{Status: StatusPermissionDenied}
	ErrBadDataLength    = &Error{Status: StatusBadDataLength}
	ErrBadData          = &Error{Status: StatusBadData}
	ErrConnectionLost   = &Error{Status: StatusConnectionLost}
	ErrPeer             = &Error{Status: StatusPeer}
)

var (
	ErrQueueFull  = errors.New("request queue full")
	ErrNilHandler = errors.New("nil handler")
)

// PeerError builds the passthrough error for an Error Response received from the peer.
func PeerError(code ble.ATTError, h uint16) *Error {
	return &Error{Status: StatusPeer, ATT: code, Handle: h}
}

func newError(s Status, h uint16) *Error {
	return &Error{Status: s, Handle: h}
}

// IsStatus reports whether err is an Error with the given status
func IsStatus(err error, s Status) bool {
	var aerr *Error
	if errors.As(err, &aerr) {
		return aerr.Status == s
	}
	return false
}
