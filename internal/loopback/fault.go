package loopback

import (
	"encoding/binary"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/srg/attkit/pkg/att"
)

// Fault is a way of corrupting a Prepare Write Response echo.
type Fault int

const (
	FaultNone Fault = iota
	FaultHandle
	FaultOffset
	FaultValue
	FaultLength
)

var faultNames = map[Fault]string{
	FaultNone:   "none",
	FaultHandle: "handle",
	FaultOffset: "offset",
	FaultValue:  "value",
	FaultLength: "length",
}

func (f Fault) String() string {
	if n, ok := faultNames[f]; ok {
		return n
	}
	return fmt.Sprintf("fault(%d)", int(f))
}

// ParseFault accepts the names printed by Fault.String.
func ParseFault(s string) (Fault, error) {
	for f, n := range faultNames {
		if strings.EqualFold(s, n) {
			return f, nil
		}
	}
	return FaultNone, fmt.Errorf("unknown fault %q (want none, handle, offset, value or length)", s)
}

// Apply returns a corrupted copy of a Prepare Write Response.
func (f Fault) Apply(pdu []byte) []byte {
	rsp := append([]byte(nil), pdu...)
	if !att.PrepareWriteResponse(rsp).Valid() {
		return rsp
	}
	switch f {
	case FaultHandle:
		binary.LittleEndian.PutUint16(rsp[1:], binary.LittleEndian.Uint16(rsp[1:])+1)
	case FaultOffset:
		binary.LittleEndian.PutUint16(rsp[3:], binary.LittleEndian.Uint16(rsp[3:])+1)
	case FaultValue:
		if len(rsp) > att.PrepareWriteHeaderLen {
			rsp[len(rsp)-1] ^= 0xff
		}
	case FaultLength:
		if len(rsp) > att.PrepareWriteHeaderLen {
			rsp = rsp[:len(rsp)-1]
		}
	}
	return rsp
}

// CorruptPrepareResponse returns a Tap applying f to the nth Prepare Write
// Response (1-based) travelling BToA. Everything else passes untouched.
func CorruptPrepareResponse(n int, f Fault) Tap {
	var seen atomic.Int64
	return func(dir Direction, _ uint16, pdu []byte) []byte {
		if dir != BToA || len(pdu) == 0 || pdu[0] != att.OpPrepareWriteRsp {
			return pdu
		}
		if seen.Add(1) != int64(n) {
			return pdu
		}
		return f.Apply(pdu)
	}
}

// Chain runs taps in order, stopping if one drops the PDU.
func Chain(taps ...Tap) Tap {
	return func(dir Direction, conn uint16, pdu []byte) []byte {
		for _, t := range taps {
			if t == nil {
				continue
			}
			if pdu = t(dir, conn, pdu); pdu == nil {
				return nil
			}
		}
		return pdu
	}
}
