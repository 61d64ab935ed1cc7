package exchange

import (
	"math"
	"math/rand"
	"time"

	"github.com/backkem/mattersession/pkg/session"
)

// RandomSource supplies the jitter of retransmission timeouts.
type RandomSource interface {
	// Float64 returns a value in [0.0, 1.0).
	Float64() float64
}

type mathRandomSource struct{}

func (mathRandomSource) Float64() float64 {
	return rand.Float64()
}

// DefaultRandomSource draws from math/rand.
var DefaultRandomSource RandomSource = mathRandomSource{}

// BackoffCalculator computes retransmission timeouts:
//
//	t = MRPBackoffMargin * base
//	    * MRPBackoffBase^max(0, n-MRPBackoffThreshold)
//	    * (1 + random * MRPBackoffJitter)
//
// where base is the receiver's idle or active interval and n is the number
// of transmissions before the one being timed.
type BackoffCalculator struct {
	random RandomSource
}

// NewBackoffCalculator creates a calculator. A nil random selects
// DefaultRandomSource.
func NewBackoffCalculator(random RandomSource) *BackoffCalculator {
	if random == nil {
		random = DefaultRandomSource
	}
	return &BackoffCalculator{random: random}
}

// Calculate returns the timeout with jitter applied.
func (b *BackoffCalculator) Calculate(base time.Duration, attempt int) time.Duration {
	return scaled(base, attempt, 1.0+b.random.Float64()*MRPBackoffJitter)
}

// CalculateMin returns the timeout with no jitter.
func (b *BackoffCalculator) CalculateMin(base time.Duration, attempt int) time.Duration {
	return scaled(base, attempt, 1.0)
}

// CalculateMax returns the timeout with full jitter.
func (b *BackoffCalculator) CalculateMax(base time.Duration, attempt int) time.Duration {
	return scaled(base, attempt, 1.0+MRPBackoffJitter)
}

// ForPeer times the next transmission toward a peer with params, picking
// the active interval when the peer was heard from recently.
func (b *BackoffCalculator) ForPeer(params session.Params, peerActive bool, attempt int) time.Duration {
	return b.Calculate(params.RetransmitBase(peerActive), attempt)
}

func scaled(base time.Duration, attempt int, jitter float64) time.Duration {
	exponent := attempt - MRPBackoffThreshold
	if exponent < 0 {
		exponent = 0
	}
	growth := math.Pow(MRPBackoffBase, float64(exponent))
	return time.Duration(float64(base) * MRPBackoffMargin * growth * jitter)
}
