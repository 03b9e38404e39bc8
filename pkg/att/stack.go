package att

import (
	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
)

// Stack is the ATT layer of one host: the local attribute table with its
// dispatcher, and the write engine for remote attributes. Both roles share
// the channel and the per-connection MTU.
type Stack struct {
	ch     Channel
	table  *Table
	mtus   *MTUTable
	server *Server
	engine *Engine
	logger *logrus.Logger
}

// NewStack wires a Table, Server and Engine over ch.
func NewStack(ch Channel, security SecurityState, opts *Options, logger *logrus.Logger) *Stack {
	if logger == nil {
		logger = logrus.New()
	}
	opts = optionsOrDefault(opts)

	table := NewTable(logger)
	mtus := NewMTUTable()
	return &Stack{
		ch:     ch,
		table:  table,
		mtus:   mtus,
		server: NewServer(table, security, mtus, opts, logger),
		engine: NewEngine(ch, mtus, opts, logger),
		logger: logger,
	}
}

// RegisterAttribute adds an attribute to the local table and returns its handle.
func (s *Stack) RegisterAttribute(uuid ble.UUID, flags Flags, h Handler) (uint16, error) {
	return s.table.Register(uuid, flags, h)
}

// Write starts a write against the peer's attribute at handle. See Engine.Write.
func (s *Stack) Write(conn, handle uint16, payload []byte, mode Mode, cb Callback) (*Transaction, error) {
	return s.engine.Write(conn, handle, payload, mode, cb)
}

// ExchangeMTU starts an MTU exchange on conn. See Engine.ExchangeMTU.
func (s *Stack) ExchangeMTU(conn uint16, rxMTU int, cb func(mtu int, err error)) error {
	return s.engine.ExchangeMTU(conn, rxMTU, cb)
}

// DispatchInbound handles one PDU received on conn. Responses resume the
// local write engine; requests and commands are served from the table. The
// returned PDU, if any, must be sent back to the peer.
func (s *Stack) DispatchInbound(conn uint16, pdu []byte) []byte {
	if len(pdu) == 0 {
		s.logger.WithField("conn", conn).Warn("Dropping empty ATT PDU")
		return nil
	}
	if IsResponse(pdu[0]) {
		s.engine.HandlePDU(conn, pdu)
		return nil
	}
	return s.server.Dispatch(conn, pdu)
}

// Receive dispatches pdu and sends any response on the channel.
func (s *Stack) Receive(conn uint16, pdu []byte) error {
	rsp := s.DispatchInbound(conn, pdu)
	if rsp == nil {
		return nil
	}
	return s.ch.Send(conn, rsp)
}

// ConnectionClosed releases everything held for conn. Writes in flight fail
// with ErrConnectionLost before it returns.
func (s *Stack) ConnectionClosed(conn uint16) {
	s.engine.ConnectionClosed(conn)
	s.server.ConnectionClosed(conn)
	s.mtus.Forget(conn)
	s.logger.WithField("conn", conn).Debug("Connection state released")
}

// Table returns the local attribute table.
func (s *Stack) Table() *Table {
	return s.table
}

// MTU returns the MTU in effect on conn.
func (s *Stack) MTU(conn uint16) int {
	return s.mtus.MTU(conn)
}
