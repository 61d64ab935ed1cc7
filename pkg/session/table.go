package session

import (
	"sync"
	"time"

	"github.com/backkem/mattersession/pkg/metrics"
	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pion/logging"
)

const (
	// DefaultCapacity is the number of session slots in a table.
	DefaultCapacity = 16

	// DefaultMaxPendingPeers bounds the pending connection request record.
	DefaultMaxPendingPeers = 64

	minSessionID uint16 = 1
)

// TableConfig configures a Table.
type TableConfig struct {
	// Capacity is the number of slots. Zero selects DefaultCapacity.
	Capacity int

	// MaxPendingPeers bounds how many peers with outstanding connection
	// requests are remembered. Zero selects DefaultMaxPendingPeers.
	MaxPendingPeers int

	// Clock defaults to the wall clock.
	Clock clock.Clock

	// OnRelease is called, without the table lock held, for every session
	// that leaves the table or is marked defunct.
	OnRelease func(*SecureSession)

	Metrics       *metrics.Metrics
	LoggerFactory logging.LoggerFactory
}

type slot struct {
	generation uint32
	session    *SecureSession // nil when free
}

// Table owns a fixed pool of secure sessions. It is safe for concurrent
// use; allocation, eviction and release are atomic under one lock.
type Table struct {
	clock     clock.Clock
	metrics   *metrics.Metrics
	log       logging.LeveledLogger
	onRelease func(*SecureSession)

	// pending orders peers by their oldest outstanding connection request.
	// PeekOrAdd keeps the first request's position.
	pending *lru.Cache[PeerID, time.Time]

	mu     sync.Mutex
	slots  []slot
	nextID uint16
}

// NewTable creates a table with every slot free.
func NewTable(config TableConfig) *Table {
	if config.Capacity <= 0 {
		config.Capacity = DefaultCapacity
	}
	if config.Capacity > int(^uint16(0)) {
		config.Capacity = int(^uint16(0))
	}
	if config.MaxPendingPeers <= 0 {
		config.MaxPendingPeers = DefaultMaxPendingPeers
	}
	if config.Clock == nil {
		config.Clock = clock.New()
	}

	t := &Table{
		clock:     config.Clock,
		metrics:   config.Metrics,
		onRelease: config.OnRelease,
		slots:     make([]slot, config.Capacity),
		nextID:    minSessionID,
	}
	if config.LoggerFactory != nil {
		t.log = config.LoggerFactory.NewLogger("session")
	}
	for i := range t.slots {
		t.slots[i].generation = 1
	}

	pending, err := lru.New[PeerID, time.Time](config.MaxPendingPeers)
	if err != nil {
		// Only returned for a non-positive size.
		panic(err)
	}
	t.pending = pending
	return t
}

// Capacity returns the number of slots.
func (t *Table) Capacity() int {
	return len(t.slots)
}

// Allocate reserves a slot in StateEstablishing with a fresh local session
// ID. When the table is full it first reclaims a defunct slot, then evicts
// the least recently used session of hint.Peer. With neither possible it
// returns ErrNoMemory.
func (t *Table) Allocate(role Role, hint EvictionHint) (Handle, error) {
	if !role.IsValid() {
		return Handle{}, ErrInvalidRole
	}

	var released *SecureSession
	t.mu.Lock()
	defer func() {
		t.mu.Unlock()
		t.notifyReleased(released)
	}()

	idx := t.freeSlotLocked()
	if idx < 0 {
		// Defunct sessions were reported when they were marked.
		idx = t.defunctSlotLocked()
		if idx >= 0 {
			t.releaseLocked(idx)
		}
	}
	if idx < 0 && !hint.Peer.IsZero() {
		idx = t.evictionCandidateLocked(hint.Peer)
		if idx >= 0 {
			if t.log != nil {
				t.log.Infof("evicting session %d of %s", t.slots[idx].session.localSessionID, hint.Peer)
			}
			released = t.releaseLocked(idx)
			t.metrics.SessionEvicted()
		}
	}
	if idx < 0 {
		return Handle{}, ErrNoMemory
	}

	id, err := t.allocateIDLocked()
	if err != nil {
		return Handle{}, err
	}

	h := Handle{index: idx, generation: t.slots[idx].generation}
	t.slots[idx].session = newSecureSession(h, role, id, t.clock)
	if t.log != nil {
		t.log.Debugf("allocated %s local ID %d as %s", h, id, role)
	}
	return h, nil
}

// Activate moves a reserved slot to StateActive. It fails only on a stale
// handle, a slot not in StateEstablishing, or incomplete activation data;
// in every failure case the slot is left untouched.
func (t *Table) Activate(h Handle, a Activation) error {
	if err := a.validate(); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	s, err := t.lookupLocked(h)
	if err != nil {
		return err
	}
	if s.State() != StateEstablishing {
		return ErrInvalidState
	}
	s.activate(&a)
	t.metrics.SessionActivated()
	if t.log != nil {
		t.log.Infof("session %d active with %s (peer session %d)", s.localSessionID, a.Peer, a.PeerSessionID)
	}
	return nil
}

// Release frees the slot behind h. Later use of h fails with
// ErrStaleHandle.
func (t *Table) Release(h Handle) error {
	t.mu.Lock()
	if _, err := t.lookupLocked(h); err != nil {
		t.mu.Unlock()
		return err
	}
	released := t.releaseLocked(h.index)
	t.mu.Unlock()

	t.notifyReleased(released)
	return nil
}

// MarkDefunct stops an active session from carrying traffic without
// freeing its slot, for example when its outbound counter is exhausted.
// Defunct slots are reclaimed first when the table is full.
func (t *Table) MarkDefunct(h Handle) error {
	t.mu.Lock()
	s, err := t.lookupLocked(h)
	if err != nil {
		t.mu.Unlock()
		return err
	}
	wasActive := s.retire()
	if wasActive {
		t.metrics.SessionReleased()
	}
	t.mu.Unlock()

	if wasActive {
		t.notifyReleased(s)
	}
	return nil
}

// Session resolves a handle.
func (t *Table) Session(h Handle) (*SecureSession, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lookupLocked(h)
}

// FindByLocalID returns the session that owns local session ID id.
func (t *Table) FindByLocalID(id uint16) (*SecureSession, bool) {
	if id == 0 {
		return nil, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	for i := range t.slots {
		if s := t.slots[i].session; s != nil && s.localSessionID == id {
			return s, true
		}
	}
	return nil, false
}

// FindByPeer returns the most recently used active session with peer.
func (t *Table) FindByPeer(peer PeerID) (*SecureSession, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var best *SecureSession
	var bestUsed time.Time
	for i := range t.slots {
		s := t.slots[i].session
		if s == nil || s.State() != StateActive || s.Peer() != peer {
			continue
		}
		if used := s.lastUsed(); best == nil || used.After(bestUsed) {
			best, bestUsed = s, used
		}
	}
	return best, best != nil
}

// Active returns a snapshot of the active sessions in slot order.
func (t *Table) Active() []*SecureSession {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []*SecureSession
	for i := range t.slots {
		if s := t.slots[i].session; s != nil && s.State() == StateActive {
			out = append(out, s)
		}
	}
	return out
}

// Count returns the number of occupied slots in any state.
func (t *Table) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for i := range t.slots {
		if t.slots[i].session != nil {
			n++
		}
	}
	return n
}

// MarkPending records an outstanding connection request for peer. A peer
// that already has one keeps its original position.
func (t *Table) MarkPending(peer PeerID) {
	t.pending.PeekOrAdd(peer, t.clock.Now())
}

// ClearPending forgets peer's outstanding connection request.
func (t *Table) ClearPending(peer PeerID) {
	t.pending.Remove(peer)
}

// FindLeastRecentlyUsedPeer returns the peer whose oldest still-pending
// connection request is the oldest overall.
func (t *Table) FindLeastRecentlyUsedPeer() (PeerID, bool) {
	peer, _, ok := t.pending.GetOldest()
	return peer, ok
}

// ReleaseAllForPeer releases every session with peer and returns how many
// were released. Calling it again is a no-op.
func (t *Table) ReleaseAllForPeer(peer PeerID) int {
	t.ClearPending(peer)
	return t.releaseMatching(func(p PeerID) bool { return p == peer })
}

// ReleaseAllForFabric releases every session on fabric and returns how
// many were released. Calling it again is a no-op.
func (t *Table) ReleaseAllForFabric(fabric FabricIndex) int {
	for _, peer := range t.pending.Keys() {
		if peer.Fabric == fabric {
			t.pending.Remove(peer)
		}
	}
	return t.releaseMatching(func(p PeerID) bool { return p.Fabric == fabric })
}

// Close releases every slot.
func (t *Table) Close() {
	t.mu.Lock()
	var released []*SecureSession
	for i := range t.slots {
		if t.slots[i].session != nil {
			released = append(released, t.releaseLocked(i))
		}
	}
	t.mu.Unlock()

	t.pending.Purge()
	t.notifyReleased(released...)
}

func (t *Table) releaseMatching(match func(PeerID) bool) int {
	t.mu.Lock()
	var released []*SecureSession
	for i := range t.slots {
		s := t.slots[i].session
		if s == nil || s.State() == StateEstablishing || !match(s.Peer()) {
			continue
		}
		released = append(released, t.releaseLocked(i))
	}
	t.mu.Unlock()

	t.notifyReleased(released...)
	return len(released)
}

func (t *Table) notifyReleased(ss ...*SecureSession) {
	if t.onRelease == nil {
		return
	}
	for _, s := range ss {
		if s != nil {
			t.onRelease(s)
		}
	}
}

func (t *Table) lookupLocked(h Handle) (*SecureSession, error) {
	if !h.IsValid() || h.index < 0 || h.index >= len(t.slots) {
		return nil, ErrStaleHandle
	}
	sl := &t.slots[h.index]
	if sl.session == nil || sl.generation != h.generation {
		return nil, ErrStaleHandle
	}
	return sl.session, nil
}

func (t *Table) releaseLocked(idx int) *SecureSession {
	sl := &t.slots[idx]
	s := sl.session
	if s.retire() {
		t.metrics.SessionReleased()
	}
	if t.log != nil {
		t.log.Debugf("released session %d", s.localSessionID)
	}
	sl.session = nil
	sl.generation++
	if sl.generation == 0 {
		sl.generation = 1
	}
	return s
}

func (t *Table) freeSlotLocked() int {
	for i := range t.slots {
		if t.slots[i].session == nil {
			return i
		}
	}
	return -1
}

func (t *Table) defunctSlotLocked() int {
	for i := range t.slots {
		if s := t.slots[i].session; s != nil && s.State() == StateDefunct {
			return i
		}
	}
	return -1
}

// evictionCandidateLocked picks the least recently used active session
// with peer. Sessions still establishing are never evicted.
func (t *Table) evictionCandidateLocked(peer PeerID) int {
	victim := -1
	var oldest time.Time
	for i := range t.slots {
		s := t.slots[i].session
		if s == nil || s.State() != StateActive || s.Peer() != peer {
			continue
		}
		if used := s.lastUsed(); victim < 0 || used.Before(oldest) {
			victim, oldest = i, used
		}
	}
	return victim
}

// allocateIDLocked hands out local session IDs sequentially, wrapping and
// skipping zero and IDs still in use.
func (t *Table) allocateIDLocked() (uint16, error) {
	inUse := make(map[uint16]struct{}, len(t.slots))
	for i := range t.slots {
		if s := t.slots[i].session; s != nil {
			inUse[s.localSessionID] = struct{}{}
		}
	}

	for tries := 0; tries < int(^uint16(0)); tries++ {
		id := t.nextID
		t.nextID++
		if t.nextID == 0 {
			t.nextID = minSessionID
		}
		if _, taken := inUse[id]; !taken {
			return id, nil
		}
	}
	return 0, ErrSessionIDExhausted
}
