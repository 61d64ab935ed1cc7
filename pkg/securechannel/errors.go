package securechannel

import "errors"

var (
	// ErrInvalidConfig is returned by NewManager for a missing exchange
	// manager or session table.
	ErrInvalidConfig = errors.New("securechannel: invalid config")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("securechannel: manager closed")

	// ErrInvalidPeer is returned for a zero peer ID.
	ErrInvalidPeer = errors.New("securechannel: invalid peer")

	// ErrTooManyPending is returned when every pending request slot is
	// taken by other peers.
	ErrTooManyPending = errors.New("securechannel: too many pending requests")

	// ErrRevoked is returned to requests whose fabric or peer was revoked
	// while the handshake ran.
	ErrRevoked = errors.New("securechannel: revoked")
)
