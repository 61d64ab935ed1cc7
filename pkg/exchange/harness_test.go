package exchange

import (
	"bytes"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/backkem/mattersession/pkg/counter"
	"github.com/backkem/mattersession/pkg/crypto"
	"github.com/backkem/mattersession/pkg/session"
	"github.com/backkem/mattersession/pkg/transport"
	"github.com/benbjohnson/clock"
	"github.com/pion/logging"
)

// wire records datagrams instead of sending them.
type wire struct {
	mu   sync.Mutex
	sent [][]byte
	err  error
}

func (w *wire) Send(data []byte, _ transport.PeerAddress) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.sent = append(w.sent, append([]byte(nil), data...))
	return nil
}

func (w *wire) take() [][]byte {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := w.sent
	w.sent = nil
	return out
}

func (w *wire) len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.sent)
}

// recorder is a Delegate that remembers what it was told.
type recorder struct {
	mu       sync.Mutex
	messages []string
	closes   int
	timeouts int
}

func (r *recorder) OnMessage(opcode uint8, payload []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, fmt.Sprintf("%02x:%s", opcode, payload))
}

func (r *recorder) OnClose() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closes++
}

func (r *recorder) OnTimeout() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.timeouts++
}

func (r *recorder) snapshot() ([]string, int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.messages...), r.closes, r.timeouts
}

type testNode struct {
	m     *Manager
	wire  *wire
	table *session.Table
	sess  *session.SecureSession
	addr  transport.PeerAddress
}

func udpAddr(port int) transport.PeerAddress {
	return transport.NewPeerAddress(&net.UDPAddr{IP: net.IPv6loopback, Port: port})
}

// newTestPair returns two managers sharing an active secure session and a
// mock clock. Datagrams only move when the test delivers them.
func newTestPair(t *testing.T) (*testNode, *testNode, *clock.Mock) {
	t.Helper()
	return newTestPairAt(t, counter.RandomInitial())
}

// newTestPairAt is newTestPair with the first node's outbound counter
// starting at initial.
func newTestPairAt(t *testing.T, initial uint32) (*testNode, *testNode, *clock.Mock) {
	t.Helper()
	mock := clock.NewMock()
	a := &testNode{wire: &wire{}, addr: udpAddr(5541)}
	b := &testNode{wire: &wire{}, addr: udpAddr(5542)}

	var handles [2]session.Handle
	for i, n := range []*testNode{a, b} {
		n.table = session.NewTable(session.TableConfig{Capacity: 2, Clock: mock})
		role := session.RoleInitiator
		if i == 1 {
			role = session.RoleResponder
		}
		h, err := n.table.Allocate(role, session.EvictionHint{})
		if err != nil {
			t.Fatalf("Allocate() error = %v", err)
		}
		handles[i] = h
		if n.sess, err = n.table.Session(h); err != nil {
			t.Fatalf("Session() error = %v", err)
		}
	}

	activate(t, a, b, handles[0], true, counter.NewOutbound(initial))
	activate(t, b, a, handles[1], false, counter.NewRandomOutbound())

	for _, n := range []*testNode{a, b} {
		m, err := NewManager(ManagerConfig{
			Sender:        n.wire,
			Sessions:      n.table,
			Clock:         mock,
			Random:        fixedRandom(0),
			LoggerFactory: logging.NewDefaultLoggerFactory(),
		})
		if err != nil {
			t.Fatalf("NewManager() error = %v", err)
		}
		n.m = m
		t.Cleanup(m.Close)
	}
	return a, b, mock
}

func activate(t *testing.T, local, peer *testNode, h session.Handle, initiator bool, outbound *counter.Outbound) {
	t.Helper()
	keys, err := crypto.NewProvider().DeriveSessionKeys(bytes.Repeat([]byte{7}, 32), make([]byte, crypto.HashSize))
	if err != nil {
		t.Fatalf("DeriveSessionKeys() error = %v", err)
	}
	cc, err := crypto.NewSessionContext(keys, initiator)
	if err != nil {
		t.Fatalf("NewSessionContext() error = %v", err)
	}
	w, err := counter.NewSyncedWindow(counter.WindowConfig{}, counter.InitialSyncValue)
	if err != nil {
		t.Fatalf("NewSyncedWindow() error = %v", err)
	}
	localNode, peerNode := session.NodeID(0xA), session.NodeID(0xB)
	if !initiator {
		localNode, peerNode = peerNode, localNode
	}
	err = local.table.Activate(h, session.Activation{
		PeerSessionID: peer.sess.LocalSessionID(),
		Peer:          session.PeerID{Fabric: 1, Node: peerNode},
		LocalNodeID:   localNode,
		PeerAddress:   peer.addr,
		Crypto:        cc,
		Window:        w,
		Outbound:      outbound,
	})
	if err != nil {
		t.Fatalf("Activate() error = %v", err)
	}
}

// deliver moves every queued datagram from one node to the other and
// returns the receive errors.
func deliver(from, to *testNode) []error {
	var errs []error
	for _, data := range from.wire.take() {
		errs = append(errs, to.m.OnMessageReceived(&transport.ReceivedMessage{Data: data, PeerAddr: from.addr}))
	}
	return errs
}

func mustDeliver(t *testing.T, from, to *testNode, want int) {
	t.Helper()
	errs := deliver(from, to)
	if len(errs) != want {
		t.Fatalf("delivered %d datagrams, want %d", len(errs), want)
	}
	for i, err := range errs {
		if err != nil {
			t.Fatalf("datagram %d: OnMessageReceived() error = %v", i, err)
		}
	}
}

// eventually polls cond; mock clock timers run on their own goroutines.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func (m *Manager) pendingRetransmits() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.retransmits.len()
}

func (m *Manager) pendingAcks() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.acks.len()
}
