// Package session owns the bounded pool of secure sessions.
//
// A Table hands out generation-checked Handles instead of pointers to its
// storage: a slot that was released or evicted cannot be reached through a
// handle issued before, and using one fails with ErrStaleHandle.
//
// Each SecureSession carries the keys agreed by the handshake, an outbound
// message counter and the reception window that rejects replayed inbound
// counters.
package session

// Role is the part the local node played in establishing a session. It
// selects which directional key encrypts and which decrypts.
type Role int

const (
	RoleUnknown Role = iota

	// RoleInitiator seals with I2R and opens with R2I.
	RoleInitiator

	// RoleResponder seals with R2I and opens with I2R.
	RoleResponder
)

func (r Role) String() string {
	switch r {
	case RoleInitiator:
		return "initiator"
	case RoleResponder:
		return "responder"
	default:
		return "unknown"
	}
}

// IsValid reports whether r is a defined role.
func (r Role) IsValid() bool {
	return r == RoleInitiator || r == RoleResponder
}

// State is the lifecycle position of a session slot.
type State int

const (
	StateUnknown State = iota

	// StateEstablishing is a reserved slot whose handshake is in flight.
	StateEstablishing

	// StateActive carries traffic. A slot enters it exactly once.
	StateActive

	// StateDefunct no longer carries traffic. Its keys are gone and the
	// slot may be reclaimed.
	StateDefunct
)

func (s State) String() string {
	switch s {
	case StateEstablishing:
		return "establishing"
	case StateActive:
		return "active"
	case StateDefunct:
		return "defunct"
	default:
		return "unknown"
	}
}

// IsValid reports whether s is a defined state.
func (s State) IsValid() bool {
	return s >= StateEstablishing && s <= StateDefunct
}
