package att

import (
	"strings"
	"sync"

	"github.com/go-ble/ble"
)

// Flags declares the access policy of an attribute.
type Flags uint8

const (
	FlagRead Flags = 1 << iota
	FlagWrite
	FlagReadWrite
	FlagEncryptionRequired
	FlagAuthenticationRequired
	FlagAuthorizationRequired
)

// Readable reports whether reads are permitted.
func (f Flags) Readable() bool {
	return f&(FlagRead|FlagReadWrite) != 0
}

// Writable reports whether writes are permitted.
func (f Flags) Writable() bool {
	return f&(FlagWrite|FlagReadWrite) != 0
}

var flagNames = []struct {
	f    Flags
	name string
}{
	{FlagRead, "read"},
	{FlagWrite, "write"},
	{FlagReadWrite, "read-write"},
	{FlagEncryptionRequired, "encryption"},
	{FlagAuthenticationRequired, "authentication"},
	{FlagAuthorizationRequired, "authorization"},
}

func (f Flags) String() string {
	var names []string
	for _, n := range flagNames {
		if f&n.f != 0 {
			names = append(names, n.name)
		}
	}
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, ",")
}

// Op is the kind of operation a handler is asked to serve.
type Op uint8

const (
	OpRead Op = iota + 1
	OpWrite
)

func (o Op) String() string {
	switch o {
	case OpRead:
		return "read"
	case OpWrite:
		return "write"
	default:
		return "unknown"
	}
}

// Request is an operation routed to an attribute handler.
type Request struct {
	Conn   uint16
	Op     Op
	Entry  *Entry
	Offset int    // read offset for blob reads
	Value  []byte // value to write, only valid during the call
}

// A Handler serves the operations of one attribute. For OpRead it returns
// the full attribute value; the dispatcher applies offsets and truncation.
// For OpWrite the returned bytes are ignored.
type Handler interface {
	ServeATT(req *Request) ([]byte, ble.ATTError)
}

// HandlerFunc is an adapter to allow the use of ordinary functions as Handlers.
type HandlerFunc func(req *Request) ([]byte, ble.ATTError)

// ServeATT returns f(req).
func (f HandlerFunc) ServeATT(req *Request) ([]byte, ble.ATTError) {
	return f(req)
}

// Entry is one attribute exposed by the local table. Entries are created by
// Table.Register and never change afterwards.
type Entry struct {
	UUID    ble.UUID
	Flags   Flags
	Handle  uint16
	Handler Handler
}

// Value is a Handler backed by an in-memory byte slice.
type Value struct {
	mu sync.RWMutex
	v  []byte
}

// NewValue returns a Value holding a copy of v.
func NewValue(v []byte) *Value {
	return &Value{v: append([]byte(nil), v...)}
}

// Bytes returns a copy of the current value.
func (v *Value) Bytes() []byte {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return append([]byte(nil), v.v...)
}

func (v *Value) ServeATT(req *Request) ([]byte, ble.ATTError) {
	switch req.Op {
	case OpRead:
		return v.Bytes(), ble.ErrSuccess
	case OpWrite:
		if len(req.Value) > MaxAttrLen {
			return nil, ble.ErrInvalAttrValueLen
		}
		v.mu.Lock()
		v.v = append(v.v[:0], req.Value...)
		v.mu.Unlock()
		return nil, ble.ErrSuccess
	default:
		return nil, ble.ErrReqNotSupp
	}
}
