package session

import "time"

// Reliability parameter defaults, used when the peer advertises none.
const (
	DefaultIdleInterval    = 500 * time.Millisecond
	DefaultActiveInterval  = 300 * time.Millisecond
	DefaultActiveThreshold = 4000 * time.Millisecond

	MaxIdleInterval    = time.Hour
	MaxActiveInterval  = time.Hour
	MaxActiveThreshold = 65535 * time.Millisecond
)

// Params are the reliability parameters a node advertises for itself. The
// sender of a reliable message uses the receiver's parameters to time
// retransmissions.
type Params struct {
	// IdleInterval is the retransmission base while the peer is idle.
	IdleInterval time.Duration

	// ActiveInterval is the retransmission base while the peer is active.
	ActiveInterval time.Duration

	// ActiveThreshold is how long after its last message a peer counts
	// as active.
	ActiveThreshold time.Duration
}

// DefaultParams returns the default reliability parameters.
func DefaultParams() Params {
	return Params{
		IdleInterval:    DefaultIdleInterval,
		ActiveInterval:  DefaultActiveInterval,
		ActiveThreshold: DefaultActiveThreshold,
	}
}

// Validate reports whether every field is positive and within range.
func (p Params) Validate() bool {
	return p.IdleInterval > 0 && p.IdleInterval <= MaxIdleInterval &&
		p.ActiveInterval > 0 && p.ActiveInterval <= MaxActiveInterval &&
		p.ActiveThreshold > 0 && p.ActiveThreshold <= MaxActiveThreshold
}

// WithDefaults replaces zero fields with defaults and clamps the rest.
func (p Params) WithDefaults() Params {
	p.IdleInterval = orDefault(p.IdleInterval, DefaultIdleInterval, MaxIdleInterval)
	p.ActiveInterval = orDefault(p.ActiveInterval, DefaultActiveInterval, MaxActiveInterval)
	p.ActiveThreshold = orDefault(p.ActiveThreshold, DefaultActiveThreshold, MaxActiveThreshold)
	return p
}

func orDefault(v, def, max time.Duration) time.Duration {
	switch {
	case v <= 0:
		return def
	case v > max:
		return max
	}
	return v
}

// RetransmitBase returns the interval that seeds retransmission backoff
// toward a peer with these parameters.
func (p Params) RetransmitBase(peerActive bool) time.Duration {
	if peerActive {
		return p.ActiveInterval
	}
	return p.IdleInterval
}
