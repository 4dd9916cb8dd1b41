package types

import (
	"fmt"
	"net"
	"net/netip"
)

// Peer is a known DHT node: its ID plus the UDP endpoint it speaks from.
// The zero Addr means the endpoint is unknown.
type Peer struct {
	ID   NodeID
	Addr netip.AddrPort
}

func (p Peer) String() string {
	return fmt.Sprintf("%s@%s", p.ID, p.Addr)
}

// ToUDPAddr converts an endpoint to the form the socket layer wants.
func ToUDPAddr(ep netip.AddrPort) *net.UDPAddr {
	return net.UDPAddrFromAddrPort(ep)
}

// FromUDPAddr extracts an endpoint from a socket source address.
// The returned endpoint is normalized to IPv4 when possible, so that
// 4-in-6 mapped sources compare equal to their compact wire form.
func FromUDPAddr(a net.Addr) (netip.AddrPort, bool) {
	ua, ok := a.(*net.UDPAddr)
	if !ok {
		return netip.AddrPort{}, false
	}
	ep := ua.AddrPort()
	return NormalizeEndpoint(ep), true
}

// NormalizeEndpoint unmaps 4-in-6 addresses so endpoints are comparable.
func NormalizeEndpoint(ep netip.AddrPort) netip.AddrPort {
	return netip.AddrPortFrom(ep.Addr().Unmap(), ep.Port())
}
