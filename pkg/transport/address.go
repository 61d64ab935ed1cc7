// Package transport carries raw datagrams between nodes. It provides a UDP
// transport and an in-memory Pipe with lossy-network simulation for tests.
// Framing, security and reliability live in the layers above.
package transport

import "net"

// PeerAddress identifies the network endpoint of a remote node.
type PeerAddress struct {
	Addr net.Addr
}

// NewPeerAddress wraps addr.
func NewPeerAddress(addr net.Addr) PeerAddress {
	return PeerAddress{Addr: addr}
}

// UDPAddrFromString resolves a "host:port" string into a PeerAddress.
func UDPAddrFromString(addr string) (PeerAddress, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return PeerAddress{}, err
	}
	return NewPeerAddress(udpAddr), nil
}

// IsValid reports whether the address can be sent to.
func (p PeerAddress) IsValid() bool {
	return p.Addr != nil
}

// Equal compares by network and string form.
func (p PeerAddress) Equal(other PeerAddress) bool {
	if p.Addr == nil || other.Addr == nil {
		return p.Addr == nil && other.Addr == nil
	}
	return p.Addr.Network() == other.Addr.Network() && p.Addr.String() == other.Addr.String()
}

func (p PeerAddress) String() string {
	if p.Addr == nil {
		return "<nil>"
	}
	return p.Addr.Network() + ":" + p.Addr.String()
}
