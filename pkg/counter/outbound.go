package counter

import (
	"crypto/rand"
	"encoding/binary"
	"sync"
)

// RandomInitMax bounds random outbound initialization to [1, RandomInitMax].
const RandomInitMax uint32 = 1 << 28

// Outbound is a strictly increasing outbound message counter.
// It is safe for concurrent use.
type Outbound struct {
	mu        sync.Mutex
	next      uint32
	exhausted bool
}

// NewOutbound creates a counter whose first value is initial.
func NewOutbound(initial uint32) *Outbound {
	return &Outbound{next: initial}
}

// NewRandomOutbound creates a counter starting at a random value in
// [1, RandomInitMax].
func NewRandomOutbound() *Outbound {
	return NewOutbound(RandomInitial())
}

// RandomInitial draws a fresh initial counter value.
func RandomInitial() uint32 {
	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 1
	}
	return (binary.LittleEndian.Uint32(buf[:]) & (RandomInitMax - 1)) + 1
}

// Next returns the next counter value. Once the last value before the ring
// wraps has been handed out, Next fails with ErrCounterExhausted.
func (o *Outbound) Next() (uint32, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.exhausted {
		return 0, ErrCounterExhausted
	}
	v := o.next
	o.next++
	if o.next == 0 {
		o.exhausted = true
	}
	return v, nil
}

// Current returns the value the next call to Next would return.
func (o *Outbound) Current() uint32 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.next
}

// Exhausted reports whether the counter range is used up.
func (o *Outbound) Exhausted() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.exhausted
}
