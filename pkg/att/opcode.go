package att

import "fmt"

// Attribute Protocol opcodes [Vol 3, Part F, 3.4.8].
const (
	OpErrorRsp        byte = 0x01
	OpExchangeMTUReq  byte = 0x02
	OpExchangeMTURsp  byte = 0x03
	OpReadReq         byte = 0x0a
	OpReadRsp         byte = 0x0b
	OpReadBlobReq     byte = 0x0c
	OpReadBlobRsp     byte = 0x0d
	OpWriteReq        byte = 0x12
	OpWriteRsp        byte = 0x13
	OpPrepareWriteReq byte = 0x16
	OpPrepareWriteRsp byte = 0x17
	OpExecuteWriteReq byte = 0x18
	OpExecuteWriteRsp byte = 0x19
	OpWriteCmd        byte = 0x52
	OpSignedWriteCmd  byte = 0xd2
)

// Opcode modifier bits. Bits 0-5 carry the method.
const (
	CommandFlag   byte = 1 << 6
	AuthSigFlag   byte = 1 << 7
	methodMask    byte = 0x3f
	flagsAllMasks      = CommandFlag | AuthSigFlag
)

// Protocol sizes.
const (
	DefaultMTU            = 23  // ATT_MTU before any exchange [Vol 3, Part G, 5.2.1]
	MaxMTU                = 517 // largest ATT_MTU a long value can be carried in
	MaxAttrLen            = 512 // maximum length of an attribute value
	WriteHeaderLen        = 3   // opcode + handle
	PrepareWriteHeaderLen = 5   // opcode + handle + offset
	SignatureLen          = 12  // authentication signature trailer of a signed write
)

// Execute Write Request flags.
const (
	ExecuteCancel byte = 0x00
	ExecuteCommit byte = 0x01
)

// Method returns the opcode with the command and signature modifiers masked off.
func Method(op byte) byte {
	return op & methodMask
}

// IsCommand reports whether op carries the command flag (no response expected).
func IsCommand(op byte) bool {
	return op&CommandFlag != 0
}

// IsSigned reports whether op carries the authentication signature flag.
func IsSigned(op byte) bool {
	return op&AuthSigFlag != 0
}

// IsResponse reports whether op is a response a client waits for.
func IsResponse(op byte) bool {
	switch Method(op) {
	case OpErrorRsp, OpExchangeMTURsp, OpReadRsp, OpReadBlobRsp,
		OpWriteRsp, OpPrepareWriteRsp, OpExecuteWriteRsp:
		return op&flagsAllMasks == 0
	}
	return false
}

// rspFor maps request methods to their response opcodes.
var rspFor = map[byte]byte{
	OpExchangeMTUReq:  OpExchangeMTURsp,
	OpReadReq:         OpReadRsp,
	OpReadBlobReq:     OpReadBlobRsp,
	OpWriteReq:        OpWriteRsp,
	OpPrepareWriteReq: OpPrepareWriteRsp,
	OpExecuteWriteReq: OpExecuteWriteRsp,
}

var opNames = map[byte]string{
	OpErrorRsp:        "ErrorRsp",
	OpExchangeMTUReq:  "ExchangeMTUReq",
	OpExchangeMTURsp:  "ExchangeMTURsp",
	OpReadReq:         "ReadReq",
	OpReadRsp:         "ReadRsp",
	OpReadBlobReq:     "ReadBlobReq",
	OpReadBlobRsp:     "ReadBlobRsp",
	OpWriteReq:        "WriteReq",
	OpWriteRsp:        "WriteRsp",
	OpPrepareWriteReq: "PrepareWriteReq",
	OpPrepareWriteRsp: "PrepareWriteRsp",
	OpExecuteWriteReq: "ExecuteWriteReq",
	OpExecuteWriteRsp: "ExecuteWriteRsp",
	OpWriteCmd:        "WriteCmd",
	OpSignedWriteCmd:  "SignedWriteCmd",
}

// OpName returns a printable name for an opcode.
func OpName(op byte) string {
	if n, ok := opNames[op]; ok {
		return n
	}
	return fmt.Sprintf("Op(0x%02x)", op)
}
