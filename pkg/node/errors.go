package node

import "errors"

var (
	// ErrInvalidConfig is returned when Config validation fails.
	ErrInvalidConfig = errors.New("node: invalid configuration")

	// ErrAlreadyStarted is returned when Start is called twice.
	ErrAlreadyStarted = errors.New("node: already started")

	// ErrNotStarted is returned when an operation requires a running node.
	ErrNotStarted = errors.New("node: not started")

	// ErrAlreadyStopped is returned when Close is called on a stopped node.
	ErrAlreadyStopped = errors.New("node: already stopped")

	// ErrNoSession is returned by Send when there is no active session
	// with the peer.
	ErrNoSession = errors.New("node: no session with peer")

	// ErrSessionClosed is returned by Send when the session closed before
	// the response arrived.
	ErrSessionClosed = errors.New("node: session closed")

	// ErrNoResponse is returned by Send when the request was never
	// acknowledged.
	ErrNoResponse = errors.New("node: no response")
)
