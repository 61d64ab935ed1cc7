package exchange

import (
	"github.com/benbjohnson/clock"
)

// ackEntry is the one acknowledgement an exchange owes its peer.
type ackEntry struct {
	counter uint32
	timer   *clock.Timer
}

// ackTable holds pending acknowledgements, at most one per exchange. An
// entry leaves the table when it is piggybacked on an outgoing message, when
// its standalone acknowledgement goes out or when the exchange closes.
//
// ackTable is guarded by the manager lock.
type ackTable struct {
	clock   clock.Clock
	entries map[exchangeKey]*ackEntry
}

func newAckTable(clk clock.Clock) *ackTable {
	return &ackTable{
		clock:   clk,
		entries: make(map[exchangeKey]*ackEntry),
	}
}

// add records that counter must be acknowledged on key. onTimeout fires
// after the standalone acknowledgement delay with the new entry. A
// displaced entry is returned so the caller can acknowledge it right away.
func (t *ackTable) add(key exchangeKey, counter uint32, onTimeout func(*ackEntry)) (*ackEntry, bool) {
	displaced, had := t.entries[key]
	if had {
		displaced.timer.Stop()
	}
	e := &ackEntry{counter: counter}
	e.timer = t.clock.AfterFunc(MRPStandaloneAckTimeout, func() { onTimeout(e) })
	t.entries[key] = e
	return displaced, had
}

// take removes and returns the pending acknowledgement of key.
func (t *ackTable) take(key exchangeKey) (uint32, bool) {
	e, ok := t.entries[key]
	if !ok {
		return 0, false
	}
	e.timer.Stop()
	delete(t.entries, key)
	return e.counter, true
}

// takeIfCurrent removes e only if it is still the pending entry of key.
func (t *ackTable) takeIfCurrent(key exchangeKey, e *ackEntry) bool {
	if t.entries[key] != e {
		return false
	}
	delete(t.entries, key)
	return true
}

func (t *ackTable) pending(key exchangeKey) (uint32, bool) {
	e, ok := t.entries[key]
	if !ok {
		return 0, false
	}
	return e.counter, true
}

func (t *ackTable) len() int {
	return len(t.entries)
}

func (t *ackTable) clear() {
	for key, e := range t.entries {
		e.timer.Stop()
		delete(t.entries, key)
	}
}
