package handshake

import "errors"

var (
	// ErrMalformedMessage is returned for a handshake message that does
	// not decode or carries invalid fields.
	ErrMalformedMessage = errors.New("handshake: malformed message")

	// ErrSignatureInvalid is returned when the peer's signature does not
	// verify against its trusted key.
	ErrSignatureInvalid = errors.New("handshake: signature invalid")

	// ErrDecryptionFailed is returned when an encrypted handshake payload
	// fails authentication.
	ErrDecryptionFailed = errors.New("handshake: decryption failed")

	// ErrPeerAborted is returned when the peer closed the handshake with a
	// non-success status report.
	ErrPeerAborted = errors.New("handshake: aborted by peer")

	// ErrTimeout is returned when the handshake did not complete in time
	// or a message could not be delivered.
	ErrTimeout = errors.New("handshake: timed out")

	// ErrUnexpectedMessage is returned for a message the current state
	// does not expect.
	ErrUnexpectedMessage = errors.New("handshake: unexpected message")

	// ErrAborted is returned when the handshake was cleared locally.
	ErrAborted = errors.New("handshake: aborted")

	// ErrNoSharedRoot is returned when Sigma1 is addressed to another node.
	ErrNoSharedRoot = errors.New("handshake: destination does not match")

	// ErrUnknownPeer is returned by a TrustStore for an untrusted peer.
	ErrUnknownPeer = errors.New("handshake: unknown peer")

	// ErrInvalidState is returned for an operation the current state or
	// role does not allow.
	ErrInvalidState = errors.New("handshake: invalid state")
)
