package securechannel

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/backkem/mattersession/pkg/crypto"
	"github.com/backkem/mattersession/pkg/exchange"
	"github.com/backkem/mattersession/pkg/handshake"
	"github.com/backkem/mattersession/pkg/session"
	"github.com/backkem/mattersession/pkg/transport"
	"github.com/benbjohnson/clock"
	"github.com/pion/logging"
)

// events records callback invocations.
type events struct {
	mu          sync.Mutex
	established []*session.SecureSession
	failed      []error
	closed      []*session.SecureSession
}

func (e *events) callbacks() Callbacks {
	return Callbacks{
		OnSessionEstablished: func(sess *session.SecureSession) {
			e.mu.Lock()
			defer e.mu.Unlock()
			e.established = append(e.established, sess)
		},
		OnSessionError: func(_ session.PeerID, err error) {
			e.mu.Lock()
			defer e.mu.Unlock()
			e.failed = append(e.failed, err)
		},
		OnSessionClosed: func(sess *session.SecureSession) {
			e.mu.Lock()
			defer e.mu.Unlock()
			e.closed = append(e.closed, sess)
		},
	}
}

func (e *events) counts() (established, failed, closed int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.established), len(e.failed), len(e.closed)
}

type testNode struct {
	identity  handshake.Identity
	table     *session.Table
	exchanges *exchange.Manager
	udp       *transport.UDP
	sc        *Manager
	events    *events
	addr      transport.PeerAddress // where the other node reaches us
}

func (n *testNode) peerID() session.PeerID {
	return session.PeerID{Fabric: n.identity.Fabric, Node: n.identity.NodeID}
}

// newTestPair connects two nodes over a pipe that only moves datagrams
// while pumped. tweak adjusts node i's manager config.
func newTestPair(t *testing.T, tweak func(i int, c *ManagerConfig)) (*testNode, *testNode, *transport.Pipe, *clock.Mock) {
	t.Helper()
	mock := clock.NewMock()
	pipe := transport.NewPipeWithConfig(transport.PipeConfig{Seed: 1})
	t.Cleanup(func() { _ = pipe.Close() })

	nodes := [2]*testNode{}
	for i := range nodes {
		kp, err := crypto.GenerateKeyPair(nil)
		if err != nil {
			t.Fatalf("GenerateKeyPair() error = %v", err)
		}
		nodes[i] = &testNode{
			identity: handshake.Identity{Fabric: 1, NodeID: session.NodeID(0x1111 * (i + 1)), Key: kp},
			events:   &events{},
			addr:     pipe.Conn(1 - i).PeerAddress(),
		}
	}
	trust := handshake.StaticTrustStore{}
	for _, n := range nodes {
		trust[n.peerID()] = n.identity.Key.PublicKey()
	}

	for i, n := range nodes {
		n := n
		n.table = session.NewTable(session.TableConfig{
			Capacity: 4,
			Clock:    mock,
			OnRelease: func(ss *session.SecureSession) {
				n.exchanges.CloseSessionExchanges(ss.LocalSessionID())
			},
		})
		udp, err := transport.NewUDP(transport.UDPConfig{
			Conn: pipe.Conn(i),
			MessageHandler: func(msg *transport.ReceivedMessage) {
				_ = n.exchanges.OnMessageReceived(msg)
			},
		})
		if err != nil {
			t.Fatalf("NewUDP() error = %v", err)
		}
		n.udp = udp
		n.exchanges, err = exchange.NewManager(exchange.ManagerConfig{
			Sender:        udp,
			Sessions:      n.table,
			Clock:         mock,
			LoggerFactory: logging.NewDefaultLoggerFactory(),
		})
		if err != nil {
			t.Fatalf("exchange.NewManager() error = %v", err)
		}

		config := ManagerConfig{
			Exchanges: n.exchanges,
			Table:     n.table,
			Handshake: handshake.Config{
				TrustStore: trust,
				Identity:   n.identity,
			},
			Callbacks:     n.events.callbacks(),
			Clock:         mock,
			LoggerFactory: logging.NewDefaultLoggerFactory(),
		}
		if tweak != nil {
			tweak(i, &config)
		}
		if n.sc, err = NewManager(config); err != nil {
			t.Fatalf("NewManager() error = %v", err)
		}
		if err := udp.Start(); err != nil {
			t.Fatalf("Start() error = %v", err)
		}
		t.Cleanup(func() {
			n.sc.Close()
			n.exchanges.Close()
			_ = n.udp.Close()
		})
	}
	return nodes[0], nodes[1], pipe, mock
}

// pump moves datagrams through pipe until the test ends.
func pump(t *testing.T, pipe *transport.Pipe) {
	t.Helper()
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-stop:
				return
			default:
			}
			pipe.Process()
			time.Sleep(time.Millisecond)
		}
	}()
	t.Cleanup(func() {
		close(stop)
		<-done
	})
}

type establishResult struct {
	sess *session.SecureSession
	err  error
}

// establish runs EstablishSession in the background.
func establish(from, to *testNode) <-chan establishResult {
	out := make(chan establishResult, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		sess, err := from.sc.EstablishSession(ctx, to.peerID(), to.addr)
		out <- establishResult{sess, err}
	}()
	return out
}

func await(t *testing.T, ch <-chan establishResult) establishResult {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("EstablishSession did not return")
		return establishResult{}
	}
}

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

// armedTimers counts handshakes whose timeout timer is running.
func (m *Manager) armedTimers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for a := range m.inflight {
		if a.timer != nil {
			n++
		}
	}
	return n
}
