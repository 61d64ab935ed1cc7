package exchange

import (
	"errors"

	"github.com/backkem/mattersession/pkg/retry"
	"github.com/benbjohnson/clock"
)

// retransmitEntry is a reliable message waiting for its acknowledgement.
// data is the encoded datagram, resent unchanged with its original counter.
type retransmitEntry struct {
	counter uint32
	data    []byte
	route   route
	sends   int
	timer   *clock.Timer
}

// retransmitTable holds at most one unacknowledged reliable message per
// exchange. Releasing an entry stops its timer however it leaves the
// table.
//
// retransmitTable is guarded by the manager lock.
type retransmitTable struct {
	clock   clock.Clock
	backoff *BackoffCalculator
	cache   *retry.Cache[exchangeKey, *retransmitEntry]
}

func newRetransmitTable(clk clock.Clock, backoff *BackoffCalculator, capacity int) *retransmitTable {
	return &retransmitTable{
		clock:   clk,
		backoff: backoff,
		cache: retry.New[exchangeKey, *retransmitEntry](capacity, retry.LifetimeFuncs[*retransmitEntry]{
			OnRelease: func(e *retransmitEntry) {
				if e.timer != nil {
					e.timer.Stop()
				}
			},
		}),
	}
}

// add stores a message that was just sent for the first time and arms its
// timer.
func (t *retransmitTable) add(key exchangeKey, e *retransmitEntry, onTimeout func(*retransmitEntry)) error {
	if _, ok := t.cache.Get(key); ok {
		return ErrPendingRetransmit
	}
	e.sends = 1
	if err := t.cache.Add(key, e); err != nil {
		if errors.Is(err, retry.ErrNoMemory) {
			return ErrRetransmitTableFull
		}
		return err
	}
	t.arm(e, onTimeout)
	return nil
}

// arm schedules the next timeout of e based on how often it was sent.
func (t *retransmitTable) arm(e *retransmitEntry, onTimeout func(*retransmitEntry)) {
	params, active := e.route.peerParams()
	e.timer = t.clock.AfterFunc(t.backoff.ForPeer(params, active, e.sends-1), func() { onTimeout(e) })
}

// ack removes the entry of key if counter acknowledges it.
func (t *retransmitTable) ack(key exchangeKey, counter uint32) bool {
	e, ok := t.cache.Get(key)
	if !ok || e.counter != counter {
		return false
	}
	_ = t.cache.Remove(key)
	return true
}

// current reports whether e is still the pending entry of key.
func (t *retransmitTable) current(key exchangeKey, e *retransmitEntry) bool {
	got, ok := t.cache.Get(key)
	return ok && got == e
}

func (t *retransmitTable) pending(key exchangeKey) bool {
	_, ok := t.cache.Get(key)
	return ok
}

func (t *retransmitTable) remove(key exchangeKey) {
	_ = t.cache.Remove(key)
}

func (t *retransmitTable) len() int {
	return t.cache.Len()
}

func (t *retransmitTable) close() {
	t.cache.Close()
}
