package session

import (
	"bytes"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/backkem/mattersession/pkg/counter"
	"github.com/backkem/mattersession/pkg/crypto"
	"github.com/backkem/mattersession/pkg/transport"
	"github.com/benbjohnson/clock"
	"github.com/pion/logging"
)

var (
	peerA = PeerID{Fabric: 1, Node: 0xA}
	peerB = PeerID{Fabric: 1, Node: 0xB}
	peerC = PeerID{Fabric: 2, Node: 0xC}
)

func newTestTable(t *testing.T, capacity int) (*Table, *clock.Mock) {
	t.Helper()
	mock := clock.NewMock()
	return NewTable(TableConfig{
		Capacity:      capacity,
		Clock:         mock,
		LoggerFactory: logging.NewDefaultLoggerFactory(),
	}), mock
}

func testKeys(t *testing.T) *crypto.SessionKeys {
	t.Helper()
	keys, err := crypto.NewProvider().DeriveSessionKeys(bytes.Repeat([]byte{7}, 32), make([]byte, crypto.HashSize))
	if err != nil {
		t.Fatalf("DeriveSessionKeys() error = %v", err)
	}
	return keys
}

func testActivation(t *testing.T, role Role, peer PeerID, peerSessionID uint16) Activation {
	t.Helper()
	cc, err := crypto.NewSessionContext(testKeys(t), role == RoleInitiator)
	if err != nil {
		t.Fatalf("NewSessionContext() error = %v", err)
	}
	w, err := counter.NewSyncedWindow(counter.WindowConfig{}, counter.InitialSyncValue)
	if err != nil {
		t.Fatalf("NewSyncedWindow() error = %v", err)
	}
	return Activation{
		PeerSessionID: peerSessionID,
		Peer:          peer,
		LocalNodeID:   0x1,
		PeerAddress:   transport.NewPeerAddress(&net.UDPAddr{IP: net.IPv6loopback, Port: 5540}),
		Crypto:        cc,
		Window:        w,
		Outbound:      counter.NewOutbound(100),
	}
}

func activeSession(t *testing.T, tbl *Table, peer PeerID) Handle {
	t.Helper()
	h, err := tbl.Allocate(RoleInitiator, EvictionHint{})
	if err != nil {
		t.Fatalf("Allocate() error = %v", err)
	}
	if err := tbl.Activate(h, testActivation(t, RoleInitiator, peer, 0x100)); err != nil {
		t.Fatalf("Activate() error = %v", err)
	}
	return h
}

func TestTableAllocate(t *testing.T) {
	tbl, _ := newTestTable(t, 0)
	if got := tbl.Capacity(); got != DefaultCapacity {
		t.Errorf("Capacity() = %d, want %d", got, DefaultCapacity)
	}

	seen := make(map[uint16]bool)
	for i := 0; i < DefaultCapacity; i++ {
		h, err := tbl.Allocate(RoleResponder, EvictionHint{})
		if err != nil {
			t.Fatalf("Allocate() #%d error = %v", i, err)
		}
		s, err := tbl.Session(h)
		if err != nil {
			t.Fatalf("Session() error = %v", err)
		}
		if s.State() != StateEstablishing {
			t.Errorf("State() = %v, want %v", s.State(), StateEstablishing)
		}
		if s.LocalSessionID() == 0 || seen[s.LocalSessionID()] {
			t.Errorf("LocalSessionID() = %d, want fresh non-zero", s.LocalSessionID())
		}
		seen[s.LocalSessionID()] = true
	}

	if got := tbl.Count(); got != DefaultCapacity {
		t.Errorf("Count() = %d, want %d", got, DefaultCapacity)
	}
	if _, err := tbl.Allocate(RoleResponder, EvictionHint{}); !errors.Is(err, ErrNoMemory) {
		t.Errorf("Allocate() when full error = %v, want %v", err, ErrNoMemory)
	}
	if _, err := tbl.Allocate(RoleUnknown, EvictionHint{}); !errors.Is(err, ErrInvalidRole) {
		t.Errorf("Allocate(RoleUnknown) error = %v, want %v", err, ErrInvalidRole)
	}
}

func TestTableStaleHandle(t *testing.T) {
	tbl, _ := newTestTable(t, 1)

	h, _ := tbl.Allocate(RoleInitiator, EvictionHint{})
	if err := tbl.Release(h); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if err := tbl.Release(h); !errors.Is(err, ErrStaleHandle) {
		t.Errorf("Release() twice error = %v, want %v", err, ErrStaleHandle)
	}

	// The slot is reused under a new generation.
	h2, err := tbl.Allocate(RoleInitiator, EvictionHint{})
	if err != nil {
		t.Fatalf("Allocate() error = %v", err)
	}
	if h2.index != h.index || h2.generation == h.generation {
		t.Errorf("reused handle = %v, old = %v", h2, h)
	}
	if _, err := tbl.Session(h); !errors.Is(err, ErrStaleHandle) {
		t.Errorf("Session(old) error = %v, want %v", err, ErrStaleHandle)
	}
	if err := tbl.Activate(h, testActivation(t, RoleInitiator, peerA, 1)); !errors.Is(err, ErrStaleHandle) {
		t.Errorf("Activate(old) error = %v, want %v", err, ErrStaleHandle)
	}
	if _, err := tbl.Session(Handle{}); !errors.Is(err, ErrStaleHandle) {
		t.Errorf("Session(zero) error = %v, want %v", err, ErrStaleHandle)
	}
}

func TestTableActivate(t *testing.T) {
	tbl, _ := newTestTable(t, 2)
	h, _ := tbl.Allocate(RoleInitiator, EvictionHint{})

	bad := testActivation(t, RoleInitiator, peerA, 0)
	if err := tbl.Activate(h, bad); !errors.Is(err, ErrInvalidActivation) {
		t.Errorf("Activate(peer ID 0) error = %v, want %v", err, ErrInvalidActivation)
	}
	unsynced := testActivation(t, RoleInitiator, peerA, 5)
	unsynced.Window, _ = counter.NewWindow(counter.WindowConfig{})
	if err := tbl.Activate(h, unsynced); !errors.Is(err, ErrInvalidActivation) {
		t.Errorf("Activate(unsynced window) error = %v, want %v", err, ErrInvalidActivation)
	}
	s, _ := tbl.Session(h)
	if s.State() != StateEstablishing {
		t.Fatalf("failed Activate changed state to %v", s.State())
	}

	if err := tbl.Activate(h, testActivation(t, RoleInitiator, peerA, 5)); err != nil {
		t.Fatalf("Activate() error = %v", err)
	}
	if s.State() != StateActive || s.PeerSessionID() != 5 || s.Peer() != peerA {
		t.Errorf("after Activate: state=%v peerSession=%d peer=%v", s.State(), s.PeerSessionID(), s.Peer())
	}
	if err := tbl.Activate(h, testActivation(t, RoleInitiator, peerA, 6)); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Activate() twice error = %v, want %v", err, ErrInvalidState)
	}
}

func TestTableEviction(t *testing.T) {
	tbl, mock := newTestTable(t, 3)

	oldA := activeSession(t, tbl, peerA)
	mock.Add(time.Second)
	newA := activeSession(t, tbl, peerA)
	mock.Add(time.Second)
	activeSession(t, tbl, peerB)

	t.Run("no hint", func(t *testing.T) {
		if _, err := tbl.Allocate(RoleInitiator, EvictionHint{}); !errors.Is(err, ErrNoMemory) {
			t.Errorf("Allocate() error = %v, want %v", err, ErrNoMemory)
		}
	})

	t.Run("hint without sessions", func(t *testing.T) {
		if _, err := tbl.Allocate(RoleInitiator, EvictPeer(peerC)); !errors.Is(err, ErrNoMemory) {
			t.Errorf("Allocate() error = %v, want %v", err, ErrNoMemory)
		}
		if got := tbl.Count(); got != 3 {
			t.Errorf("Count() = %d, want 3", got)
		}
	})

	t.Run("evicts least recently used of peer", func(t *testing.T) {
		// Traffic on the older session makes it the most recent.
		s, _ := tbl.Session(oldA)
		mock.Add(time.Second)
		s.Touch(true)

		h, err := tbl.Allocate(RoleInitiator, EvictPeer(peerA))
		if err != nil {
			t.Fatalf("Allocate() error = %v", err)
		}
		if _, err := tbl.Session(newA); !errors.Is(err, ErrStaleHandle) {
			t.Errorf("Session(evicted) error = %v, want %v", err, ErrStaleHandle)
		}
		if _, err := tbl.Session(oldA); err != nil {
			t.Errorf("Session(kept) error = %v", err)
		}
		if h.index != newA.index {
			t.Errorf("allocated slot %d, want evicted slot %d", h.index, newA.index)
		}
	})
}

func TestTableReclaimsDefunct(t *testing.T) {
	tbl, _ := newTestTable(t, 1)
	h := activeSession(t, tbl, peerA)
	s, _ := tbl.Session(h)

	if err := tbl.MarkDefunct(h); err != nil {
		t.Fatalf("MarkDefunct() error = %v", err)
	}
	if s.State() != StateDefunct {
		t.Errorf("State() = %v, want %v", s.State(), StateDefunct)
	}
	if _, err := s.Seal(1, nil, []byte("x")); !errors.Is(err, ErrNotActive) {
		t.Errorf("Seal() on defunct error = %v, want %v", err, ErrNotActive)
	}

	if _, err := tbl.Allocate(RoleResponder, EvictionHint{}); err != nil {
		t.Fatalf("Allocate() should reclaim defunct slot, error = %v", err)
	}
	if _, err := tbl.Session(h); !errors.Is(err, ErrStaleHandle) {
		t.Errorf("Session(reclaimed) error = %v, want %v", err, ErrStaleHandle)
	}
}

func TestTableFind(t *testing.T) {
	tbl, mock := newTestTable(t, 4)
	h1 := activeSession(t, tbl, peerA)
	mock.Add(time.Second)
	h2 := activeSession(t, tbl, peerA)
	pending, _ := tbl.Allocate(RoleResponder, EvictionHint{})

	s2, _ := tbl.Session(h2)
	got, ok := tbl.FindByLocalID(s2.LocalSessionID())
	if !ok || got != s2 {
		t.Errorf("FindByLocalID(%d) = %v, %v", s2.LocalSessionID(), got, ok)
	}
	if _, ok := tbl.FindByLocalID(0); ok {
		t.Error("FindByLocalID(0) should fail")
	}
	ps, _ := tbl.Session(pending)
	if _, ok := tbl.FindByLocalID(ps.LocalSessionID()); !ok {
		t.Error("FindByLocalID() should find establishing slots")
	}

	got, ok = tbl.FindByPeer(peerA)
	if !ok || got.Handle() != h2 {
		t.Errorf("FindByPeer() = %v, want most recent %v", got, h2)
	}
	s1, _ := tbl.Session(h1)
	mock.Add(time.Second)
	s1.Touch(false)
	if got, _ := tbl.FindByPeer(peerA); got.Handle() != h1 {
		t.Errorf("FindByPeer() after traffic = %v, want %v", got.Handle(), h1)
	}
	if _, ok := tbl.FindByPeer(peerB); ok {
		t.Error("FindByPeer(unknown) should fail")
	}
}

func TestTablePendingLRU(t *testing.T) {
	tbl, mock := newTestTable(t, 1)

	if _, ok := tbl.FindLeastRecentlyUsedPeer(); ok {
		t.Error("FindLeastRecentlyUsedPeer() on empty table should fail")
	}

	tbl.MarkPending(peerA)
	mock.Add(time.Second)
	tbl.MarkPending(peerB)
	mock.Add(time.Second)
	// A repeated request does not refresh peerA.
	tbl.MarkPending(peerA)

	if got, ok := tbl.FindLeastRecentlyUsedPeer(); !ok || got != peerA {
		t.Errorf("FindLeastRecentlyUsedPeer() = %v, %v, want %v", got, ok, peerA)
	}
	tbl.ClearPending(peerA)
	if got, _ := tbl.FindLeastRecentlyUsedPeer(); got != peerB {
		t.Errorf("FindLeastRecentlyUsedPeer() = %v, want %v", got, peerB)
	}
}

func TestTableBulkRelease(t *testing.T) {
	tbl, _ := newTestTable(t, 5)
	activeSession(t, tbl, peerA)
	activeSession(t, tbl, peerA)
	activeSession(t, tbl, peerB)
	hc := activeSession(t, tbl, peerC)
	establishing, _ := tbl.Allocate(RoleResponder, EvictionHint{})
	tbl.MarkPending(peerB)

	if got := tbl.ReleaseAllForPeer(peerA); got != 2 {
		t.Errorf("ReleaseAllForPeer() = %d, want 2", got)
	}
	if got := tbl.ReleaseAllForPeer(peerA); got != 0 {
		t.Errorf("ReleaseAllForPeer() again = %d, want 0", got)
	}

	if got := tbl.ReleaseAllForFabric(1); got != 1 {
		t.Errorf("ReleaseAllForFabric(1) = %d, want 1", got)
	}
	if got := tbl.ReleaseAllForFabric(1); got != 0 {
		t.Errorf("ReleaseAllForFabric(1) again = %d, want 0", got)
	}
	if _, ok := tbl.FindLeastRecentlyUsedPeer(); ok {
		t.Error("fabric release should clear pending requests on that fabric")
	}

	if _, err := tbl.Session(hc); err != nil {
		t.Errorf("session on other fabric released: %v", err)
	}
	if _, err := tbl.Session(establishing); err != nil {
		t.Errorf("establishing slot released: %v", err)
	}
	if got := tbl.Count(); got != 2 {
		t.Errorf("Count() = %d, want 2", got)
	}

	tbl.Close()
	if got := tbl.Count(); got != 0 {
		t.Errorf("Count() after Close = %d, want 0", got)
	}
}

func TestTableOnRelease(t *testing.T) {
	var released []uint16
	tbl := NewTable(TableConfig{
		Capacity:  2,
		Clock:     clock.NewMock(),
		OnRelease: func(s *SecureSession) { released = append(released, s.LocalSessionID()) },
	})

	ha := activeSession(t, tbl, peerA)
	sa, _ := tbl.Session(ha)
	hb := activeSession(t, tbl, peerB)
	sb, _ := tbl.Session(hb)

	// Eviction reports the victim.
	if _, err := tbl.Allocate(RoleInitiator, EvictPeer(peerA)); err != nil {
		t.Fatalf("Allocate() error = %v", err)
	}
	if len(released) != 1 || released[0] != sa.LocalSessionID() {
		t.Fatalf("released = %v, want [%d]", released, sa.LocalSessionID())
	}

	// A defunct session is reported once, not again when its slot is reused.
	if err := tbl.MarkDefunct(hb); err != nil {
		t.Fatalf("MarkDefunct() error = %v", err)
	}
	if _, err := tbl.Allocate(RoleInitiator, EvictionHint{}); err != nil {
		t.Fatalf("Allocate() error = %v", err)
	}
	if len(released) != 2 || released[1] != sb.LocalSessionID() {
		t.Fatalf("released = %v, want second entry %d", released, sb.LocalSessionID())
	}

	tbl.Close()
	if len(released) != 4 {
		t.Errorf("released %d sessions in total, want 4", len(released))
	}
}

func TestTableActive(t *testing.T) {
	tbl, _ := newTestTable(t, 4)
	activeSession(t, tbl, peerA)
	if _, err := tbl.Allocate(RoleResponder, EvictionHint{}); err != nil {
		t.Fatalf("Allocate() error = %v", err)
	}
	hb := activeSession(t, tbl, peerB)

	if got := len(tbl.Active()); got != 2 {
		t.Fatalf("len(Active()) = %d, want 2", got)
	}
	if err := tbl.MarkDefunct(hb); err != nil {
		t.Fatalf("MarkDefunct() error = %v", err)
	}
	active := tbl.Active()
	if len(active) != 1 || active[0].Peer() != peerA {
		t.Errorf("Active() = %v, want the session with %v", active, peerA)
	}
}
