package att

import (
	"fmt"
	"testing"
	"time"

	"github.com/go-ble/ble"
	"github.com/srg/attkit/internal/testutils"
	"github.com/stretchr/testify/suite"
)

// mapSecurity reports a per-connection security state.
type mapSecurity map[uint16]Security

func (m mapSecurity) Security(conn uint16) Security {
	return m[conn]
}

// ServerTestSuite dispatches hand-built request PDUs against a small table.
type ServerTestSuite struct {
	suite.Suite

	helper   *testutils.TestHelper
	table    *Table
	security mapSecurity
	mtus     *MTUTable
	opts     *Options
	server   *Server

	readOnly  uint16
	writeOnly uint16
	readWrite uint16
	encrypted uint16
	authn     uint16
	authz     uint16
	failing   uint16

	values map[uint16]*Value
	served int
}

func (s *ServerTestSuite) SetupTest() {
	s.helper = testutils.NewTestHelper(s.T())
	s.table = NewTable(s.helper.Logger)
	s.security = mapSecurity{}
	s.mtus = NewMTUTable()
	s.opts = DefaultOptions()
	s.values = map[uint16]*Value{}
	s.served = 0

	s.readOnly = s.register(FlagRead, []byte("read-only"))
	s.writeOnly = s.register(FlagWrite, nil)
	s.readWrite = s.register(FlagReadWrite, []byte("rw"))
	s.encrypted = s.register(FlagReadWrite|FlagEncryptionRequired, []byte("enc"))
	s.authn = s.register(FlagWrite|FlagAuthenticationRequired, nil)
	s.authz = s.register(FlagWrite|FlagAuthorizationRequired, nil)

	var err error
	s.failing, err = s.table.Register(ble.UUID16(0x2aff), FlagReadWrite, HandlerFunc(func(req *Request) ([]byte, ble.ATTError) {
		s.served++
		return nil, ble.ErrUnlikely
	}))
	s.Require().NoError(err)

	s.server = NewServer(s.table, s.security, s.mtus, s.opts, s.helper.Logger)
}

// register adds a Value attribute whose handler counts invocations.
func (s *ServerTestSuite) register(flags Flags, v []byte) uint16 {
	val := NewValue(v)
	h, err := s.table.Register(ble.UUID16(0x2a00), flags, HandlerFunc(func(req *Request) ([]byte, ble.ATTError) {
		s.served++
		return val.ServeATT(req)
	}))
	s.Require().NoError(err)
	s.values[h] = val
	return h
}

func (s *ServerTestSuite) requireError(rsp []byte, reqOp byte, h uint16, code ble.ATTError) {
	s.Require().Equal([]byte(NewErrorResponse(reqOp, h, byte(code))), rsp,
		"response MUST be Error Response %s for handle 0x%04x", code.Error(), h)
}

func (s *ServerTestSuite) TestRead() {
	// GOAL: Verify reads return the value and are refused on unknown or write-only handles
	//
	// TEST SCENARIO: Read readable, write-only and unknown handles → Read Response or Error Response
	s.Equal(append([]byte{OpReadRsp}, "read-only"...), s.server.Dispatch(testConn, NewReadRequest(s.readOnly)))
	s.Equal(append([]byte{OpReadRsp}, "rw"...), s.server.Dispatch(testConn, NewReadRequest(s.readWrite)))

	s.served = 0
	s.requireError(s.server.Dispatch(testConn, NewReadRequest(s.writeOnly)), OpReadReq, s.writeOnly, ble.ErrReadNotPerm)
	s.requireError(s.server.Dispatch(testConn, NewReadRequest(0x0100)), OpReadReq, 0x0100, ble.ErrInvalidHandle)
	s.requireError(s.server.Dispatch(testConn, NewReadRequest(0)), OpReadReq, 0, ble.ErrInvalidHandle)
	s.Zero(s.served, "refused requests MUST NOT reach the handler")
}

func (s *ServerTestSuite) TestReadTruncatedToMTU() {
	// GOAL: Verify long values are truncated to MTU-1 and the rest is reachable with Read Blob
	//
	// TEST SCENARIO: Write 40 bytes → Read returns 22 → Read Blob at 22 returns the rest → past end refused
	value := testutils.Payload(40)
	s.Require().Equal([]byte{OpWriteRsp}, s.server.Dispatch(testConn, NewWriteRequest(OpWriteReq, s.readWrite, value)))

	rsp := s.server.Dispatch(testConn, NewReadRequest(s.readWrite))
	s.Equal(append([]byte{OpReadRsp}, value[:DefaultMTU-1]...), rsp)

	rsp = s.server.Dispatch(testConn, NewReadBlobRequest(s.readWrite, DefaultMTU-1))
	s.Equal(append([]byte{OpReadBlobRsp}, value[DefaultMTU-1:]...), rsp)

	rsp = s.server.Dispatch(testConn, NewReadBlobRequest(s.readWrite, 40))
	s.Equal([]byte{OpReadBlobRsp}, rsp, "blob read at the end MUST be empty")

	s.requireError(s.server.Dispatch(testConn, NewReadBlobRequest(s.readWrite, 41)), OpReadBlobReq, s.readWrite, ble.ErrInvalidOffset)
}

func (s *ServerTestSuite) TestWrite() {
	// GOAL: Verify Write Requests update writable attributes and refuse the rest without calling the handler
	//
	// TEST SCENARIO: Write to write-only, read-only, unknown, failing and oversized → matching responses
	s.Equal([]byte{OpWriteRsp}, s.server.Dispatch(testConn, NewWriteRequest(OpWriteReq, s.writeOnly, []byte{1, 2})))
	s.Equal([]byte{1, 2}, s.values[s.writeOnly].Bytes())

	s.served = 0
	s.requireError(s.server.Dispatch(testConn, NewWriteRequest(OpWriteReq, s.readOnly, []byte{1})), OpWriteReq, s.readOnly, ble.ErrWriteNotPerm)
	s.requireError(s.server.Dispatch(testConn, NewWriteRequest(OpWriteReq, 0x0200, []byte{1})), OpWriteReq, 0x0200, ble.ErrInvalidHandle)
	s.requireError(s.server.Dispatch(testConn, NewWriteRequest(OpWriteReq, s.writeOnly, make([]byte, MaxAttrLen+1))), OpWriteReq, s.writeOnly, ble.ErrInvalAttrValueLen)
	s.Zero(s.served)
	s.Equal([]byte("read-only"), s.values[s.readOnly].Bytes())

	s.requireError(s.server.Dispatch(testConn, NewWriteRequest(OpWriteReq, s.failing, []byte{1})), OpWriteReq, s.failing, ble.ErrUnlikely)
	s.Equal(1, s.served, "handler failure MUST map to its code")
}

func (s *ServerTestSuite) TestCommandsNeverAnswered() {
	// GOAL: Verify Write Commands get no response whether they succeed or fail
	//
	// TEST SCENARIO: Write Command to writable and read-only handles, signed command → nil responses
	s.Nil(s.server.Dispatch(testConn, NewWriteRequest(OpWriteCmd, s.writeOnly, []byte{5})))
	s.Equal([]byte{5}, s.values[s.writeOnly].Bytes())

	s.Nil(s.server.Dispatch(testConn, NewWriteRequest(OpWriteCmd, s.readOnly, []byte{5})))
	s.Equal([]byte("read-only"), s.values[s.readOnly].Bytes())

	signed := NewWriteRequest(OpSignedWriteCmd, s.writeOnly, append([]byte{6}, make([]byte, SignatureLen)...))
	s.Nil(s.server.Dispatch(testConn, signed))
	s.Equal([]byte{6}, s.values[s.writeOnly].Bytes(), "signature MUST be stripped from the value")

	s.Nil(s.server.Dispatch(testConn, []byte{0x7f}), "unknown commands MUST be ignored")
}

func (s *ServerTestSuite) TestSecurity() {
	// GOAL: Verify declared security requirements are checked against the link state
	//
	// TEST SCENARIO: Open link → insufficient encryption/authentication/authorization → secure link → served
	s.requireError(s.server.Dispatch(testConn, NewReadRequest(s.encrypted)), OpReadReq, s.encrypted, ble.ErrInsuffEnc)
	s.requireError(s.server.Dispatch(testConn, NewWriteRequest(OpWriteReq, s.authn, []byte{1})), OpWriteReq, s.authn, ble.ErrAuthentication)
	s.requireError(s.server.Dispatch(testConn, NewWriteRequest(OpWriteReq, s.authz, []byte{1})), OpWriteReq, s.authz, ble.ErrAuthorization)

	s.security[testConn] = SecurityEncrypted | SecurityAuthenticated | SecurityAuthorized
	s.Equal(append([]byte{OpReadRsp}, "enc"...), s.server.Dispatch(testConn, NewReadRequest(s.encrypted)))
	s.Equal([]byte{OpWriteRsp}, s.server.Dispatch(testConn, NewWriteRequest(OpWriteReq, s.authn, []byte{1})))
	s.Equal([]byte{OpWriteRsp}, s.server.Dispatch(testConn, NewWriteRequest(OpWriteReq, s.authz, []byte{1})))

	s.requireError(s.server.Dispatch(testConn+1, NewReadRequest(s.encrypted)), OpReadReq, s.encrypted, ble.ErrInsuffEnc)
}

func (s *ServerTestSuite) TestMalformedAndUnsupported() {
	// GOAL: Verify every malformed or unknown request still gets an Error Response
	//
	// TEST SCENARIO: Short PDUs, unknown opcode, command-flagged request, bad execute flags → Error Responses
	s.requireError(s.server.Dispatch(testConn, []byte{OpReadReq, 0x01}), OpReadReq, 0, ble.ErrInvalidPDU)
	s.requireError(s.server.Dispatch(testConn, []byte{OpWriteReq, 0x01}), OpWriteReq, 0, ble.ErrInvalidPDU)
	s.requireError(s.server.Dispatch(testConn, []byte{OpPrepareWriteReq, 1, 0, 0}), OpPrepareWriteReq, 0, ble.ErrInvalidPDU)
	s.requireError(s.server.Dispatch(testConn, []byte{OpExecuteWriteReq}), OpExecuteWriteReq, 0, ble.ErrInvalidPDU)
	s.requireError(s.server.Dispatch(testConn, []byte{OpExecuteWriteReq, 0x02}), OpExecuteWriteReq, 0, ble.ErrInvalidPDU)
	s.requireError(s.server.Dispatch(testConn, []byte{0x3e}), 0x3e, 0, ble.ErrReqNotSupp)
	s.requireError(s.server.Dispatch(testConn, []byte{OpWriteReq | AuthSigFlag, 1, 0}), OpWriteReq|AuthSigFlag, 0, ble.ErrReqNotSupp)
	s.Nil(s.server.Dispatch(testConn, nil))
}

func (s *ServerTestSuite) TestPrepareExecute() {
	// GOAL: Verify prepared segments are echoed, held until commit and written as one value
	//
	// TEST SCENARIO: Prepare two segments → value unchanged → Execute commit → value assembled
	value := testutils.Payload(30)
	first := NewPrepareWriteRequest(s.readWrite, 0, value[:18])
	second := NewPrepareWriteRequest(s.readWrite, 18, value[18:])

	s.Equal(echo(first), s.server.Dispatch(testConn, first), "Prepare Write Response MUST echo the request")
	s.Equal(echo(second), s.server.Dispatch(testConn, second))
	s.Equal([]byte("rw"), s.values[s.readWrite].Bytes(), "value MUST NOT change before commit")

	s.Equal([]byte{OpExecuteWriteRsp}, s.server.Dispatch(testConn, NewExecuteWriteRequest(ExecuteCommit)))
	s.Equal(value, s.values[s.readWrite].Bytes())

	s.Equal([]byte{OpExecuteWriteRsp}, s.server.Dispatch(testConn, NewExecuteWriteRequest(ExecuteCommit)), "empty commit MUST succeed")
}

func (s *ServerTestSuite) TestPrepareCancel() {
	// GOAL: Verify cancel discards prepared segments and later commits see an empty queue
	//
	// TEST SCENARIO: Prepare → cancel → commit → value unchanged
	s.server.Dispatch(testConn, NewPrepareWriteRequest(s.readWrite, 0, []byte("new")))
	s.Equal([]byte{OpExecuteWriteRsp}, s.server.Dispatch(testConn, NewExecuteWriteRequest(ExecuteCancel)))
	s.Equal([]byte{OpExecuteWriteRsp}, s.server.Dispatch(testConn, NewExecuteWriteRequest(ExecuteCommit)))
	s.Equal([]byte("rw"), s.values[s.readWrite].Bytes())
}

func (s *ServerTestSuite) TestPrepareAfterConnectionClosed() {
	// GOAL: Verify a connection handle can prepare again after its queue was dropped
	//
	// TEST SCENARIO: Prepare → ConnectionClosed → Prepare on the same conn → commit writes only the new value
	s.server.Dispatch(testConn, NewPrepareWriteRequest(s.readWrite, 0, []byte("old")))
	s.server.ConnectionClosed(testConn)

	req := NewPrepareWriteRequest(s.readWrite, 0, []byte("new"))
	rsp := make(chan []byte, 1)
	go func() {
		rsp <- s.server.Dispatch(testConn, req)
	}()
	select {
	case got := <-rsp:
		s.Equal(echo(req), got)
	case <-time.After(2 * time.Second):
		s.FailNow("Prepare Write MUST be answered after the connection was closed")
	}

	s.Equal([]byte{OpExecuteWriteRsp}, s.server.Dispatch(testConn, NewExecuteWriteRequest(ExecuteCommit)))
	s.Equal([]byte("new"), s.values[s.readWrite].Bytes())
}

func (s *ServerTestSuite) TestPrepareCommitStopsAtFailingHandler() {
	// GOAL: Verify a handler failure during commit keeps earlier writes and discards later ones
	//
	// TEST SCENARIO: Prepare readWrite, failing, writeOnly → commit → Error Response for failing → first written, last not
	s.server.Dispatch(testConn, NewPrepareWriteRequest(s.readWrite, 0, []byte("first")))
	s.server.Dispatch(testConn, NewPrepareWriteRequest(s.failing, 0, []byte("boom")))
	s.server.Dispatch(testConn, NewPrepareWriteRequest(s.writeOnly, 0, []byte("last")))

	rsp := s.server.Dispatch(testConn, NewExecuteWriteRequest(ExecuteCommit))
	s.requireError(rsp, OpExecuteWriteReq, s.failing, ble.ErrUnlikely)
	s.Equal([]byte("first"), s.values[s.readWrite].Bytes(), "values before the failure MUST stay written")
	s.Empty(s.values[s.writeOnly].Bytes(), "values after the failure MUST be discarded")

	s.Equal([]byte{OpExecuteWriteRsp}, s.server.Dispatch(testConn, NewExecuteWriteRequest(ExecuteCommit)),
		"queue MUST be empty after a failed commit")
	s.Empty(s.values[s.writeOnly].Bytes())
}

func (s *ServerTestSuite) TestPrepareQueuesPerConnection() {
	// GOAL: Verify each connection commits only its own prepared segments
	//
	// TEST SCENARIO: Prepare on two connections → commit one → only its value written → close the other → nothing left
	s.server.Dispatch(testConn, NewPrepareWriteRequest(s.readWrite, 0, []byte("mine")))
	s.server.Dispatch(testConn+1, NewPrepareWriteRequest(s.writeOnly, 0, []byte("theirs")))

	s.server.Dispatch(testConn, NewExecuteWriteRequest(ExecuteCommit))
	s.Equal([]byte("mine"), s.values[s.readWrite].Bytes())
	s.Empty(s.values[s.writeOnly].Bytes())

	s.server.ConnectionClosed(testConn + 1)
	s.server.Dispatch(testConn+1, NewExecuteWriteRequest(ExecuteCommit))
	s.Empty(s.values[s.writeOnly].Bytes(), "closing a connection MUST drop its prepared segments")
}

func (s *ServerTestSuite) TestPrepareCommitFailures() {
	// GOAL: Verify commits with gaps or oversize values are refused and leave values untouched
	//
	// TEST SCENARIO: Prepare with a gap / beyond max length / on read-only → Error Responses
	s.Run("gap", func() {
		s.server.Dispatch(testConn, NewPrepareWriteRequest(s.readWrite, 0, []byte("ab")))
		s.server.Dispatch(testConn, NewPrepareWriteRequest(s.readWrite, 3, []byte("cd")))
		rsp := s.server.Dispatch(testConn, NewExecuteWriteRequest(ExecuteCommit))
		s.requireError(rsp, OpExecuteWriteReq, s.readWrite, ble.ErrInvalidOffset)
		s.Equal([]byte("rw"), s.values[s.readWrite].Bytes())
	})

	s.Run("too long", func() {
		chunk := make([]byte, 300)
		s.server.Dispatch(testConn, NewPrepareWriteRequest(s.writeOnly, 0, chunk))
		s.server.Dispatch(testConn, NewPrepareWriteRequest(s.writeOnly, 300, chunk))
		rsp := s.server.Dispatch(testConn, NewExecuteWriteRequest(ExecuteCommit))
		s.requireError(rsp, OpExecuteWriteReq, s.writeOnly, ble.ErrInvalAttrValueLen)
		s.Empty(s.values[s.writeOnly].Bytes())
	})

	s.Run("not writable", func() {
		rsp := s.server.Dispatch(testConn, NewPrepareWriteRequest(s.readOnly, 0, []byte("x")))
		s.requireError(rsp, OpPrepareWriteReq, s.readOnly, ble.ErrWriteNotPerm)
	})
}

func (s *ServerTestSuite) TestPrepareQueueFull() {
	// GOAL: Verify the per-connection prepare queue is bounded
	//
	// TEST SCENARIO: PrepareQueueLimit segments accepted → one more refused with Prepare Queue Full
	for i := 0; i < s.opts.PrepareQueueLimit; i++ {
		req := NewPrepareWriteRequest(s.readWrite, uint16(i), []byte{byte(i)})
		s.Require().Equal(echo(req), s.server.Dispatch(testConn, req), fmt.Sprintf("segment %d MUST be accepted", i))
	}
	rsp := s.server.Dispatch(testConn, NewPrepareWriteRequest(s.readWrite, 999, []byte{0}))
	s.requireError(rsp, OpPrepareWriteReq, s.readWrite, ble.ErrPrepQueueFull)
}

func (s *ServerTestSuite) TestExchangeMTU() {
	// GOAL: Verify the server answers with its MTU and records min(client, server)
	//
	// TEST SCENARIO: Server MTU 100 → client offers 64 → response 100, MTU 64 → client offers 10 → MTU clamped to 23
	s.opts.MTU = 100

	s.Equal([]byte(NewExchangeMTUResponse(100)), s.server.Dispatch(testConn, NewExchangeMTURequest(64)))
	s.Equal(64, s.mtus.MTU(testConn))

	s.server.Dispatch(testConn, NewExchangeMTURequest(10))
	s.Equal(DefaultMTU, s.mtus.MTU(testConn))
	s.Equal(DefaultMTU, s.mtus.MTU(testConn+1))
}

func TestServerTestSuite(t *testing.T) {
	suite.Run(t, new(ServerTestSuite))
}
