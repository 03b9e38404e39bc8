package att

import (
	"errors"
	"testing"

	"github.com/go-ble/ble"
	"github.com/srg/attkit/internal/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type frame struct {
	to   *Stack
	conn uint16
	pdu  []byte
}

// stackPair connects two stacks through an in-memory FIFO.
type stackPair struct {
	t       *testing.T
	client  *Stack
	server  *Stack
	pending []frame
	sent    []byte
}

func newStackPair(t *testing.T, opts *Options) *stackPair {
	helper := testutils.NewTestHelper(t)
	p := &stackPair{t: t}
	p.client = NewStack(ChannelFunc(func(conn uint16, pdu []byte) error {
		p.sent = append(p.sent, pdu[0])
		p.pending = append(p.pending, frame{to: p.server, conn: conn, pdu: append([]byte(nil), pdu...)})
		return nil
	}), nil, opts, helper.Logger)
	p.server = NewStack(ChannelFunc(func(conn uint16, pdu []byte) error {
		p.pending = append(p.pending, frame{to: p.client, conn: conn, pdu: append([]byte(nil), pdu...)})
		return nil
	}), nil, opts, helper.Logger)
	return p
}

// pump delivers frames until both sides are idle.
func (p *stackPair) pump() {
	for len(p.pending) > 0 {
		f := p.pending[0]
		p.pending = p.pending[1:]
		require.NoError(p.t, f.to.Receive(f.conn, f.pdu))
	}
}

func TestStackLongWriteEndToEnd(t *testing.T) {
	for _, n := range []int{18, 19, MaxAttrLen} {
		p := newStackPair(t, nil)
		value := NewValue(nil)
		h, err := p.server.RegisterAttribute(ble.UUID16(0x2a3d), FlagWrite, value)
		require.NoError(t, err)

		payload := testutils.Payload(n)
		var res Result
		var calls int
		var gotErr error
		_, err = p.client.Write(testConn, h, payload, ModeLong, func(conn uint16, r Result, err error) {
			calls++
			res = Result{Handle: r.Handle, Value: append([]byte(nil), r.Value...)}
			gotErr = err
		})
		require.NoError(t, err)
		p.pump()

		require.Equal(t, 1, calls, "callback MUST fire exactly once")
		require.NoError(t, gotErr)
		assert.Equal(t, h, res.Handle)
		assert.Equal(t, payload, res.Value)
		assert.Equal(t, payload, value.Bytes(), "peer MUST hold the committed value")

		segments := (n + DefaultMTU - PrepareWriteHeaderLen - 1) / (DefaultMTU - PrepareWriteHeaderLen)
		assert.Len(t, p.sent, segments+1)
		assert.Equal(t, OpExecuteWriteReq, p.sent[len(p.sent)-1])
	}
}

func TestStackPeerRefusesWrite(t *testing.T) {
	p := newStackPair(t, nil)
	h, err := p.server.RegisterAttribute(ble.UUID16(0x2a00), FlagRead, NewValue([]byte("name")))
	require.NoError(t, err)

	var gotErr error
	_, err = p.client.Write(testConn, h, testutils.Payload(40), ModeLong, func(_ uint16, _ Result, err error) {
		gotErr = err
	})
	require.NoError(t, err)
	p.pump()

	assert.True(t, errors.Is(gotErr, PeerError(ble.ErrWriteNotPerm, 0)), "got %v", gotErr)
	assert.Equal(t, []byte{OpPrepareWriteReq}, p.sent, "nothing MUST follow the refused prepare")
}

func TestStackExchangeMTU(t *testing.T) {
	opts := DefaultOptions()
	opts.MTU = 185
	p := newStackPair(t, opts)

	var mtu int
	require.NoError(t, p.client.ExchangeMTU(testConn, 247, func(m int, err error) {
		require.NoError(t, err)
		mtu = m
	}))
	p.pump()

	assert.Equal(t, 185, mtu)
	assert.Equal(t, 185, p.client.MTU(testConn))
	assert.Equal(t, 185, p.server.MTU(testConn))

	p.client.ConnectionClosed(testConn)
	assert.Equal(t, DefaultMTU, p.client.MTU(testConn), "closing MUST forget the negotiated MTU")
}

func TestStackConnectionClosed(t *testing.T) {
	p := newStackPair(t, nil)
	h, err := p.server.RegisterAttribute(ble.UUID16(0x2a3d), FlagWrite, NewValue(nil))
	require.NoError(t, err)

	var errs []error
	_, err = p.client.Write(testConn, h, testutils.Payload(100), ModeLong, func(_ uint16, _ Result, err error) {
		errs = append(errs, err)
	})
	require.NoError(t, err)

	p.client.ConnectionClosed(testConn)
	p.pump()

	require.Len(t, errs, 1)
	assert.True(t, errors.Is(errs[0], ErrConnectionLost))
	assert.Equal(t, []byte{OpPrepareWriteReq}, p.sent)
}

func TestStackDispatchInbound(t *testing.T) {
	s := NewStack(ChannelFunc(func(uint16, []byte) error { return nil }), nil, nil, nil)
	h, err := s.RegisterAttribute(ble.UUID16(0x2a00), FlagRead, NewValue([]byte("x")))
	require.NoError(t, err)
	assert.Equal(t, 1, s.Table().Len())

	assert.Equal(t, []byte{OpReadRsp, 'x'}, s.DispatchInbound(testConn, NewReadRequest(h)))
	assert.Nil(t, s.DispatchInbound(testConn, []byte{OpWriteRsp}), "stray responses MUST NOT be answered")
	assert.Nil(t, s.DispatchInbound(testConn, nil))
}
