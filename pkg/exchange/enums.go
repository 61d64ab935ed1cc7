// Package exchange multiplexes conversations over sessions and makes them
// reliable on lossy datagram links.
//
// An exchange is one conversation, identified by its session, its exchange
// ID and the local role. Reliable messages stay in a retransmission table
// until the peer acknowledges them, and every reliable message received is
// acknowledged either on the next outgoing message or by a standalone
// acknowledgement after a short delay. Duplicates detected by the session's
// counter window are acknowledged again but never delivered twice.
package exchange

// Role indicates whether this node opened the exchange. It is unrelated to
// the session role: either end of a session may open exchanges.
type Role int

const (
	RoleUnknown Role = iota
	RoleInitiator
	RoleResponder
)

func (r Role) String() string {
	switch r {
	case RoleInitiator:
		return "Initiator"
	case RoleResponder:
		return "Responder"
	default:
		return "Unknown"
	}
}

// IsValid returns true if the role is a defined value.
func (r Role) IsValid() bool {
	return r == RoleInitiator || r == RoleResponder
}

// Invert returns the role of the other end.
func (r Role) Invert() Role {
	switch r {
	case RoleInitiator:
		return RoleResponder
	case RoleResponder:
		return RoleInitiator
	default:
		return RoleUnknown
	}
}

// State tracks the lifecycle of an exchange.
type State int

const (
	StateUnknown State = iota

	// StateActive allows sending and receiving.
	StateActive

	// StateClosing waits for the last reliable message to be acknowledged.
	// Nothing new is sent but retransmissions continue.
	StateClosing

	// StateClosed is terminal.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "Active"
	case StateClosing:
		return "Closing"
	case StateClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// IsValid returns true if the state is a defined value.
func (s State) IsValid() bool {
	return s >= StateActive && s <= StateClosed
}

// CanSend reports whether new messages may be sent.
func (s State) CanSend() bool {
	return s == StateActive
}

// CanReceive reports whether messages are still delivered.
func (s State) CanReceive() bool {
	return s == StateActive
}
