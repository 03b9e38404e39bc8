package att

import (
	"strings"

	"github.com/cornelk/hashmap"
)

// Channel delivers PDUs to the peer of a connection (the L2CAP ATT channel).
type Channel interface {
	Send(conn uint16, pdu []byte) error
}

// ChannelFunc is an adapter to allow the use of ordinary functions as Channels.
type ChannelFunc func(conn uint16, pdu []byte) error

// Send returns f(conn, pdu).
func (f ChannelFunc) Send(conn uint16, pdu []byte) error {
	return f(conn, pdu)
}

// Security is the security state of a link as reported by the security manager.
type Security uint8

const (
	SecurityEncrypted Security = 1 << iota
	SecurityAuthenticated
	SecurityAuthorized
)

func (s Security) String() string {
	var names []string
	if s&SecurityEncrypted != 0 {
		names = append(names, "encrypted")
	}
	if s&SecurityAuthenticated != 0 {
		names = append(names, "authenticated")
	}
	if s&SecurityAuthorized != 0 {
		names = append(names, "authorized")
	}
	if len(names) == 0 {
		return "open"
	}
	return strings.Join(names, ",")
}

// SecurityState reports the current security of a connection. The dispatcher
// only consults it; pairing and key management happen elsewhere.
type SecurityState interface {
	Security(conn uint16) Security
}

// StaticSecurity reports the same security state for every connection.
type StaticSecurity Security

func (s StaticSecurity) Security(uint16) Security {
	return Security(s)
}

// MTUProvider reports the negotiated ATT_MTU of a connection.
type MTUProvider interface {
	MTU(conn uint16) int
}

// MTUTable stores negotiated MTUs per connection. Connections without an
// exchange report DefaultMTU.
type MTUTable struct {
	mtus *hashmap.Map[uint16, int]
}

// NewMTUTable creates an empty MTUTable
func NewMTUTable() *MTUTable {
	return &MTUTable{mtus: hashmap.New[uint16, int]()}
}

func (t *MTUTable) MTU(conn uint16) int {
	if mtu, ok := t.mtus.Get(conn); ok {
		return mtu
	}
	return DefaultMTU
}

// Set records the negotiated MTU, clamped to [DefaultMTU, MaxMTU].
func (t *MTUTable) Set(conn uint16, mtu int) int {
	mtu = clampMTU(mtu)
	t.mtus.Set(conn, mtu)
	return mtu
}

// Forget drops the connection's entry.
func (t *MTUTable) Forget(conn uint16) {
	t.mtus.Del(conn)
}

func clampMTU(mtu int) int {
	if mtu < DefaultMTU {
		return DefaultMTU
	}
	if mtu > MaxMTU {
		return MaxMTU
	}
	return mtu
}
