package att

import (
	"sync"

	"github.com/cornelk/hashmap"
	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
)

// attErr is a refused request: the code and handle that go into the Error Response.
type attErr struct {
	code   ble.ATTError
	handle uint16
}

func refuse(code ble.ATTError, h uint16) *attErr {
	return &attErr{code: code, handle: h}
}

// Server dispatches inbound ATT requests to the attribute table.
//
// Dispatch is stateless per request except for the prepare queue kept for
// each connection between Prepare Write and Execute Write requests.
type Server struct {
	table    *Table
	security SecurityState
	mtus     *MTUTable
	opts     *Options
	logger   *logrus.Logger

	mu       sync.Mutex // guards insertion and removal of prepare queues
	prepared *hashmap.Map[uint16, *prepareQueue]
}

// NewServer creates a dispatcher over table. A nil security state treats
// every link as open; a nil MTU table tracks MTUs privately.
func NewServer(table *Table, security SecurityState, mtus *MTUTable, opts *Options, logger *logrus.Logger) *Server {
	if logger == nil {
		logger = logrus.New()
	}
	if security == nil {
		security = StaticSecurity(0)
	}
	if mtus == nil {
		mtus = NewMTUTable()
	}
	return &Server{
		table:    table,
		security: security,
		mtus:     mtus,
		opts:     optionsOrDefault(opts),
		logger:   logger,
		prepared: hashmap.New[uint16, *prepareQueue](),
	}
}

// Dispatch handles one inbound request or command and returns the response
// PDU. Commands never produce a response; a nil result means nothing is sent.
func (s *Server) Dispatch(conn uint16, pdu []byte) []byte {
	if len(pdu) == 0 {
		s.logger.WithField("conn", conn).Warn("Dropping empty ATT PDU")
		return nil
	}

	op := pdu[0]
	rsp, aerr := s.dispatch(conn, op, pdu)

	fields := logrus.Fields{"conn": conn, "op": OpName(op)}
	if aerr != nil {
		fields["handle"] = aerr.handle
		fields["error"] = aerr.code.Error()
	}

	if IsCommand(op) {
		if aerr != nil {
			s.logger.WithFields(fields).Debug("ATT command failed")
		}
		return nil
	}
	if aerr != nil {
		s.logger.WithFields(fields).Debug("ATT request refused")
		return NewErrorResponse(op, aerr.handle, byte(aerr.code))
	}

	s.logger.WithFields(fields).Debug("ATT request served")
	return rsp
}

// ConnectionClosed discards state held for conn.
func (s *Server) ConnectionClosed(conn uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prepared.Del(conn)
}

// prepareQueue returns the prepare queue of conn, creating it on first use.
func (s *Server) prepareQueue(conn uint16) *prepareQueue {
	if q, ok := s.prepared.Get(conn); ok {
		return q
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if q, ok := s.prepared.Get(conn); ok {
		return q
	}
	q := newPrepareQueue()
	s.prepared.Set(conn, q)
	return q
}

func (s *Server) dispatch(conn uint16, op byte, pdu []byte) ([]byte, *attErr) {
	switch Method(op) {
	case OpExchangeMTUReq:
		if IsCommand(op) || IsSigned(op) {
			break
		}
		return s.handleExchangeMTU(conn, ExchangeMTURequest(pdu))
	case OpReadReq:
		if IsCommand(op) || IsSigned(op) {
			break
		}
		return s.handleRead(conn, ReadRequest(pdu))
	case OpReadBlobReq:
		if IsCommand(op) || IsSigned(op) {
			break
		}
		return s.handleReadBlob(conn, ReadBlobRequest(pdu))
	case OpWriteReq:
		if IsSigned(op) && !IsCommand(op) {
			break
		}
		return s.handleWrite(conn, WriteRequest(pdu))
	case OpPrepareWriteReq:
		if IsCommand(op) || IsSigned(op) {
			break
		}
		return s.handlePrepareWrite(conn, PrepareWriteRequest(pdu))
	case OpExecuteWriteReq:
		if IsCommand(op) || IsSigned(op) {
			break
		}
		return s.handleExecuteWrite(conn, ExecuteWriteRequest(pdu))
	}
	return nil, refuse(ble.ErrReqNotSupp, 0)
}

func (s *Server) handleExchangeMTU(conn uint16, req ExchangeMTURequest) ([]byte, *attErr) {
	if !req.Valid() {
		return nil, refuse(ble.ErrInvalidPDU, 0)
	}
	client := int(req.ClientRxMTU())
	mtu := s.opts.MTU
	if client < mtu {
		mtu = client
	}
	negotiated := s.mtus.Set(conn, mtu)
	s.logger.WithFields(logrus.Fields{
		"conn":   conn,
		"client": client,
		"server": s.opts.MTU,
		"mtu":    negotiated,
	}).Info("MTU exchanged")
	return NewExchangeMTUResponse(uint16(s.opts.MTU)), nil
}

func (s *Server) handleRead(conn uint16, req ReadRequest) ([]byte, *attErr) {
	if !req.Valid() {
		return nil, refuse(ble.ErrInvalidPDU, 0)
	}
	v, aerr := s.read(conn, req.AttributeHandle(), 0)
	if aerr != nil {
		return nil, aerr
	}
	return append([]byte{OpReadRsp}, v...), nil
}

func (s *Server) handleReadBlob(conn uint16, req ReadBlobRequest) ([]byte, *attErr) {
	if !req.Valid() {
		return nil, refuse(ble.ErrInvalidPDU, 0)
	}
	v, aerr := s.read(conn, req.AttributeHandle(), int(req.ValueOffset()))
	if aerr != nil {
		return nil, aerr
	}
	return append([]byte{OpReadBlobRsp}, v...), nil
}

// read serves a read at offset, truncated to what fits in one response.
func (s *Server) read(conn, h uint16, offset int) ([]byte, *attErr) {
	e, aerr := s.lookup(conn, h, OpRead)
	if aerr != nil {
		return nil, aerr
	}

	v, code := e.Handler.ServeATT(&Request{Conn: conn, Op: OpRead, Entry: e, Offset: offset})
	if code != ble.ErrSuccess {
		return nil, refuse(code, h)
	}
	if offset > len(v) {
		return nil, refuse(ble.ErrInvalidOffset, h)
	}
	v = v[offset:]
	if limit := s.mtus.MTU(conn) - 1; len(v) > limit {
		v = v[:limit]
	}
	return v, nil
}

func (s *Server) handleWrite(conn uint16, req WriteRequest) ([]byte, *attErr) {
	if !req.Valid() {
		return nil, refuse(ble.ErrInvalidPDU, 0)
	}
	h := req.AttributeHandle()
	e, aerr := s.lookup(conn, h, OpWrite)
	if aerr != nil {
		return nil, aerr
	}

	v := req.AttributeValue()
	if len(v) > s.opts.MaxAttrLen {
		return nil, refuse(ble.ErrInvalAttrValueLen, h)
	}
	if _, code := e.Handler.ServeATT(&Request{Conn: conn, Op: OpWrite, Entry: e, Value: v}); code != ble.ErrSuccess {
		return nil, refuse(code, h)
	}
	return []byte{OpWriteRsp}, nil
}

func (s *Server) handlePrepareWrite(conn uint16, req PrepareWriteRequest) ([]byte, *attErr) {
	if !req.Valid() {
		return nil, refuse(ble.ErrInvalidPDU, 0)
	}
	h := req.AttributeHandle()
	e, aerr := s.lookup(conn, h, OpWrite)
	if aerr != nil {
		return nil, aerr
	}

	q := s.prepareQueue(conn)
	if err := q.add(e, int(req.ValueOffset()), req.PartAttributeValue(), s.opts.PrepareQueueLimit); err != nil {
		return nil, err
	}
	return NewPrepareWriteResponse(h, req.ValueOffset(), req.PartAttributeValue()), nil
}

func (s *Server) handleExecuteWrite(conn uint16, req ExecuteWriteRequest) ([]byte, *attErr) {
	if !req.Valid() {
		return nil, refuse(ble.ErrInvalidPDU, 0)
	}

	q, ok := s.prepared.Get(conn)
	switch req.Flags() {
	case ExecuteCancel:
		if ok {
			q.reset()
		}
		return []byte{OpExecuteWriteRsp}, nil
	case ExecuteCommit:
		if !ok {
			return []byte{OpExecuteWriteRsp}, nil
		}
		if err := q.commit(conn, s.opts.MaxAttrLen); err != nil {
			return nil, err
		}
		return []byte{OpExecuteWriteRsp}, nil
	default:
		return nil, refuse(ble.ErrInvalidPDU, 0)
	}
}

// lookup finds the entry for h and checks it may serve op on conn.
func (s *Server) lookup(conn, h uint16, op Op) (*Entry, *attErr) {
	e, ok := s.table.FindByHandle(h)
	if !ok {
		return nil, refuse(ble.ErrInvalidHandle, h)
	}

	switch op {
	case OpRead:
		if !e.Flags.Readable() {
			return nil, refuse(ble.ErrReadNotPerm, h)
		}
	case OpWrite:
		if !e.Flags.Writable() {
			return nil, refuse(ble.ErrWriteNotPerm, h)
		}
	}

	if code := checkSecurity(e.Flags, s.security.Security(conn)); code != ble.ErrSuccess {
		return nil, refuse(code, h)
	}
	return e, nil
}

// checkSecurity compares an entry's declared requirements with the link state.
func checkSecurity(f Flags, sec Security) ble.ATTError {
	switch {
	case f&FlagEncryptionRequired != 0 && sec&SecurityEncrypted == 0:
		return ble.ErrInsuffEnc
	case f&FlagAuthenticationRequired != 0 && sec&SecurityAuthenticated == 0:
		return ble.ErrAuthentication
	case f&FlagAuthorizationRequired != 0 && sec&SecurityAuthorized == 0:
		return ble.ErrAuthorization
	}
	return ble.ErrSuccess
}
