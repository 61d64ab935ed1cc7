// Package handshake runs the three message Sigma exchange that authenticates
// two nodes and derives the keys of a secure session.
//
// A Session reserves a slot in a session.Table before the first message
// and flips it to active only after every piece of session state has been
// prepared. Each Session completes exactly once on its Done channel,
// successfully or with the reason it failed.
package handshake

import "github.com/backkem/mattersession/pkg/message"

// State is the position of a Session in the handshake.
type State int

const (
	StateUnknown State = iota

	// StateIdle is before Start.
	StateIdle

	// StateAwaitingPeerMessage waits for the opcode returned by
	// Session.Expected.
	StateAwaitingPeerMessage

	// StateDerivingKeys computes session keys and the activation record.
	StateDerivingKeys

	// StateActivating flips the reserved slot to active.
	StateActivating

	// StateDone is terminal after success.
	StateDone

	// StateFailed is terminal after any failure.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateAwaitingPeerMessage:
		return "AwaitingPeerMessage"
	case StateDerivingKeys:
		return "DerivingKeys"
	case StateActivating:
		return "Activating"
	case StateDone:
		return "Done"
	case StateFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// IsValid returns true if the state is a defined value.
func (s State) IsValid() bool {
	return s >= StateIdle && s <= StateFailed
}

// IsTerminal reports whether no further transition is possible.
func (s State) IsTerminal() bool {
	return s == StateDone || s == StateFailed
}

func opcodeName(op uint8) string {
	switch op {
	case message.OpcodeSigma1:
		return "Sigma1"
	case message.OpcodeSigma2:
		return "Sigma2"
	case message.OpcodeSigma3:
		return "Sigma3"
	case message.OpcodeStatusReport:
		return "StatusReport"
	default:
		return "Unknown"
	}
}
