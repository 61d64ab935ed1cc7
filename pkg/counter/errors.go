// Package counter implements message counter handling for secure sessions.
//
// Outbound counters are strictly increasing and never reused for the life of
// a session. Inbound counters are validated by a per-peer sliding Window that
// tracks the highest counter seen and a bitmask of the counters immediately
// below it. All ordering is evaluated on the 32-bit ring using signed
// difference, so a wrap from 0xFFFFFFFF to 0 is an advance.
//
// Nothing in this package logs. Verification failures are returned as typed
// errors and are expected to be dropped silently by the caller.
package counter

import "errors"

// Counter errors.
var (
	// ErrDuplicateMessage is returned when the counter has already been seen.
	ErrDuplicateMessage = errors.New("counter: duplicate message")

	// ErrOutOfWindow is returned when the counter is older than the window.
	ErrOutOfWindow = errors.New("counter: counter out of window")

	// ErrNotSynchronized is returned when a window has no reference counter
	// and the message may not be trusted as the first one.
	ErrNotSynchronized = errors.New("counter: window not synchronized")

	// ErrCounterExhausted is returned when an outbound counter has used up
	// its range. The session must be re-established.
	ErrCounterExhausted = errors.New("counter: outbound counter exhausted")

	// ErrInvalidWindowSize is returned for window sizes outside [1, MaxWindowSize].
	ErrInvalidWindowSize = errors.New("counter: invalid window size")
)
