package att

import "encoding/binary"

// PDU views. Each type is a byte slice over a whole PDU, opcode included,
// with accessors for its fields. Callers check the length with Valid before
// using the accessors.

// ErrorResponse implements Error Response (0x01) [Vol 3, Part F, 3.4.1.1].
type ErrorResponse []byte

func NewErrorResponse(reqOp byte, h uint16, code byte) ErrorResponse {
	r := make(ErrorResponse, 5)
	r[0] = OpErrorRsp
	r[1] = reqOp
	binary.LittleEndian.PutUint16(r[2:], h)
	r[4] = code
	return r
}

func (r ErrorResponse) Valid() bool                 { return len(r) == 5 }
func (r ErrorResponse) RequestOpcodeInError() uint8 { return r[1] }
func (r ErrorResponse) AttributeInError() uint16    { return binary.LittleEndian.Uint16(r[2:]) }
func (r ErrorResponse) ErrorCode() uint8            { return r[4] }

// ExchangeMTURequest implements Exchange MTU Request (0x02) [Vol 3, Part F, 3.4.2.1].
type ExchangeMTURequest []byte

func NewExchangeMTURequest(mtu uint16) ExchangeMTURequest {
	r := make(ExchangeMTURequest, 3)
	r[0] = OpExchangeMTUReq
	binary.LittleEndian.PutUint16(r[1:], mtu)
	return r
}

func (r ExchangeMTURequest) Valid() bool         { return len(r) == 3 }
func (r ExchangeMTURequest) ClientRxMTU() uint16 { return binary.LittleEndian.Uint16(r[1:]) }

// ExchangeMTUResponse implements Exchange MTU Response (0x03) [Vol 3, Part F, 3.4.2.2].
type ExchangeMTUResponse []byte

func NewExchangeMTUResponse(mtu uint16) ExchangeMTUResponse {
	r := make(ExchangeMTUResponse, 3)
	r[0] = OpExchangeMTURsp
	binary.LittleEndian.PutUint16(r[1:], mtu)
	return r
}

func (r ExchangeMTUResponse) Valid() bool         { return len(r) == 3 }
func (r ExchangeMTUResponse) ServerRxMTU() uint16 { return binary.LittleEndian.Uint16(r[1:]) }

// ReadRequest implements Read Request (0x0A) [Vol 3, Part F, 3.4.4.3].
type ReadRequest []byte

func NewReadRequest(h uint16) ReadRequest {
	r := make(ReadRequest, 3)
	r[0] = OpReadReq
	binary.LittleEndian.PutUint16(r[1:], h)
	return r
}

func (r ReadRequest) Valid() bool             { return len(r) == 3 }
func (r ReadRequest) AttributeHandle() uint16 { return binary.LittleEndian.Uint16(r[1:]) }

// ReadBlobRequest implements Read Blob Request (0x0C) [Vol 3, Part F, 3.4.4.5].
type ReadBlobRequest []byte

func NewReadBlobRequest(h, offset uint16) ReadBlobRequest {
	r := make(ReadBlobRequest, 5)
	r[0] = OpReadBlobReq
	binary.LittleEndian.PutUint16(r[1:], h)
	binary.LittleEndian.PutUint16(r[3:], offset)
	return r
}

func (r ReadBlobRequest) Valid() bool             { return len(r) == 5 }
func (r ReadBlobRequest) AttributeHandle() uint16 { return binary.LittleEndian.Uint16(r[1:]) }
func (r ReadBlobRequest) ValueOffset() uint16     { return binary.LittleEndian.Uint16(r[3:]) }

// WriteRequest implements Write Request (0x12), Write Command (0x52) and
// Signed Write Command (0xD2) [Vol 3, Part F, 3.4.5]. They share one layout;
// the signed form carries a 12 byte signature after the value.
type WriteRequest []byte

func NewWriteRequest(op byte, h uint16, v []byte) WriteRequest {
	r := make(WriteRequest, WriteHeaderLen+len(v))
	r[0] = op
	binary.LittleEndian.PutUint16(r[1:], h)
	copy(r[3:], v)
	return r
}

func (r WriteRequest) Valid() bool {
	if len(r) > 0 && IsSigned(r[0]) {
		return len(r) >= WriteHeaderLen+SignatureLen
	}
	return len(r) >= WriteHeaderLen
}

func (r WriteRequest) AttributeHandle() uint16 { return binary.LittleEndian.Uint16(r[1:]) }

// AttributeValue returns the value with any authentication signature trimmed.
func (r WriteRequest) AttributeValue() []byte {
	if IsSigned(r[0]) {
		return r[3 : len(r)-SignatureLen]
	}
	return r[3:]
}

// PrepareWriteRequest implements Prepare Write Request (0x16) and, with a
// different opcode, Prepare Write Response (0x17) [Vol 3, Part F, 3.4.6].
type PrepareWriteRequest []byte

// PrepareWriteResponse shares the request layout; the server echoes the request.
type PrepareWriteResponse = PrepareWriteRequest

func NewPrepareWriteRequest(h, offset uint16, v []byte) PrepareWriteRequest {
	return newPrepareWrite(OpPrepareWriteReq, h, offset, v)
}

func NewPrepareWriteResponse(h, offset uint16, v []byte) PrepareWriteResponse {
	return newPrepareWrite(OpPrepareWriteRsp, h, offset, v)
}

func newPrepareWrite(op byte, h, offset uint16, v []byte) PrepareWriteRequest {
	r := make(PrepareWriteRequest, PrepareWriteHeaderLen+len(v))
	r[0] = op
	binary.LittleEndian.PutUint16(r[1:], h)
	binary.LittleEndian.PutUint16(r[3:], offset)
	copy(r[5:], v)
	return r
}

func (r PrepareWriteRequest) Valid() bool             { return len(r) >= PrepareWriteHeaderLen }
func (r PrepareWriteRequest) AttributeHandle() uint16 { return binary.LittleEndian.Uint16(r[1:]) }
func (r PrepareWriteRequest) ValueOffset() uint16     { return binary.LittleEndian.Uint16(r[3:]) }
func (r PrepareWriteRequest) PartAttributeValue() []byte {
	return r[5:]
}

// ExecuteWriteRequest implements Execute Write Request (0x18) [Vol 3, Part F, 3.4.6.3].
type ExecuteWriteRequest []byte

func NewExecuteWriteRequest(flags byte) ExecuteWriteRequest {
	return ExecuteWriteRequest{OpExecuteWriteReq, flags}
}

func (r ExecuteWriteRequest) Valid() bool  { return len(r) == 2 }
func (r ExecuteWriteRequest) Flags() uint8 { return r[1] }
