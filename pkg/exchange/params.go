package exchange

import "time"

// Reliability constants.
const (
	// MRPMaxTransmissions is the number of transmissions of a reliable
	// message, the first included, before it is given up.
	MRPMaxTransmissions = 5

	// MRPBackoffBase is the exponential growth factor.
	MRPBackoffBase = 1.6

	// MRPBackoffJitter scales the random part of each timeout.
	MRPBackoffJitter = 0.25

	// MRPBackoffMargin is the margin over the peer's advertised interval.
	MRPBackoffMargin = 1.1

	// MRPBackoffThreshold is how many retransmissions use a flat timeout
	// before growth starts.
	MRPBackoffThreshold = 1

	// MRPStandaloneAckTimeout is how long an acknowledgement waits for a
	// message to ride on before it is sent alone.
	MRPStandaloneAckTimeout = 200 * time.Millisecond

	// DefaultMaxRetransmits bounds outstanding reliable messages.
	DefaultMaxRetransmits = 64
)
