package session

import "errors"

// Session errors.
var (
	// ErrNoMemory is returned when no slot is free and nothing may be evicted.
	ErrNoMemory = errors.New("session: no free session slot")

	// ErrStaleHandle is returned when a handle refers to a slot that has
	// since been released or reused.
	ErrStaleHandle = errors.New("session: stale session handle")

	// ErrInvalidRole is returned for roles other than initiator or responder.
	ErrInvalidRole = errors.New("session: invalid session role")

	// ErrInvalidState is returned when a transition is not allowed from the
	// slot's current state.
	ErrInvalidState = errors.New("session: invalid session state")

	// ErrInvalidActivation is returned when activation data is incomplete.
	ErrInvalidActivation = errors.New("session: invalid activation")

	// ErrNotActive is returned by traffic operations on a session that is
	// not active.
	ErrNotActive = errors.New("session: session not active")

	// ErrSessionIDExhausted is returned when every local session ID is taken.
	ErrSessionIDExhausted = errors.New("session: session ID space exhausted")

	// ErrCounterExhausted is returned once the outbound counter has wrapped.
	// The session must be re-established.
	ErrCounterExhausted = errors.New("session: message counter exhausted")

	// ErrDecryptionFailed is returned when a message fails authentication.
	ErrDecryptionFailed = errors.New("session: decryption failed")
)
