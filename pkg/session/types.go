package session

import "fmt"

// FabricIndex identifies an administrative trust domain on this node.
// Zero means no fabric.
type FabricIndex uint8

// NodeID is an operational node identifier. Zero is unspecified.
type NodeID uint64

// PeerID names a remote node within a fabric.
type PeerID struct {
	Fabric FabricIndex
	Node   NodeID
}

// IsZero reports whether p names no peer.
func (p PeerID) IsZero() bool {
	return p.Fabric == 0 && p.Node == 0
}

func (p PeerID) String() string {
	return fmt.Sprintf("%d:%016X", p.Fabric, uint64(p.Node))
}

// EvictionHint names the peer whose older sessions may be sacrificed when a
// new slot is needed and the table is full. A zero hint forbids eviction.
type EvictionHint struct {
	Peer PeerID
}

// EvictPeer returns a hint allowing eviction of peer's sessions.
func EvictPeer(peer PeerID) EvictionHint {
	return EvictionHint{Peer: peer}
}

// Handle is a capability for one table slot. The zero Handle is invalid.
type Handle struct {
	index      int
	generation uint32
}

// IsValid reports whether h was issued by a table. It does not report
// whether the slot is still live.
func (h Handle) IsValid() bool {
	return h.generation != 0
}

func (h Handle) String() string {
	if !h.IsValid() {
		return "session#invalid"
	}
	return fmt.Sprintf("session#%d.%d", h.index, h.generation)
}
