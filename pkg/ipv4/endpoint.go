package ipv4

import (
	"fmt"
	"net/netip"

	"github.com/google/netstack/tcpip"
)

// Endpoint is one side of a connection.
type Endpoint struct {
	Addr netip.Addr
	Port uint16
}

func NewEndpoint(addr netip.Addr, port uint16) Endpoint {
	return Endpoint{Addr: addr, Port: port}
}

func FromAddrPort(ap netip.AddrPort) Endpoint {
	return Endpoint{Addr: ap.Addr(), Port: ap.Port()}
}

func (e Endpoint) AddrPort() netip.AddrPort {
	return netip.AddrPortFrom(e.Addr, e.Port)
}

func (e Endpoint) String() string {
	return fmt.Sprintf("%s:%d", e.Addr, e.Port)
}

// Address converts an IPv4 address to the netstack representation.
func Address(a netip.Addr) tcpip.Address {
	b := a.As4()
	return tcpip.Address(b[:])
}

// FromAddress converts a 4-byte netstack address back. ok is false for
// anything that is not IPv4.
func FromAddress(a tcpip.Address) (netip.Addr, bool) {
	if len(a) != 4 {
		return netip.Addr{}, false
	}
	return netip.AddrFrom4([4]byte{a[0], a[1], a[2], a[3]}), true
}
