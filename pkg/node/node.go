package node

import (
	"context"
	"net"
	"sync"
	"sync/atomic"

	"github.com/backkem/mattersession/pkg/exchange"
	"github.com/backkem/mattersession/pkg/message"
	"github.com/backkem/mattersession/pkg/metrics"
	"github.com/backkem/mattersession/pkg/securechannel"
	"github.com/backkem/mattersession/pkg/session"
	"github.com/backkem/mattersession/pkg/transport"
	"github.com/pion/logging"
	"go.uber.org/multierr"
)

// Node is one endpoint of the secure session stack.
type Node struct {
	config  Config
	log     logging.LeveledLogger
	metrics *metrics.Metrics
	table   *session.Table

	// exchanges is read by the table's release hook, which may run on any
	// goroutine.
	exchanges atomic.Pointer[exchange.Manager]

	mu    sync.RWMutex
	state State
	udp   *transport.UDP
	sc    *securechannel.Manager
}

// New creates a node. Call Start to open the transport.
func New(config Config) (*Node, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	config.applyDefaults()

	m, err := metrics.New(config.Registerer)
	if err != nil {
		return nil, err
	}
	n := &Node{
		config:  config,
		metrics: m,
		state:   StateInitialized,
	}
	if config.LoggerFactory != nil {
		n.log = config.LoggerFactory.NewLogger("node")
	}
	n.table = session.NewTable(session.TableConfig{
		Capacity:      config.SessionCapacity,
		Clock:         config.Clock,
		OnRelease:     n.onSessionReleased,
		Metrics:       m,
		LoggerFactory: config.LoggerFactory,
	})
	return n, nil
}

// Start opens the transport and begins accepting handshakes.
func (n *Node) Start() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	switch n.state {
	case StateRunning:
		return ErrAlreadyStarted
	case StateStopped:
		return ErrAlreadyStopped
	}

	udp, err := transport.NewUDP(transport.UDPConfig{
		Conn:           n.config.Conn,
		ListenAddr:     n.config.ListenAddr,
		MessageHandler: n.onDatagram,
		LoggerFactory:  n.config.LoggerFactory,
	})
	if err != nil {
		return err
	}

	exchanges, err := exchange.NewManager(exchange.ManagerConfig{
		Sender:        udp,
		Sessions:      n.table,
		Clock:         n.config.Clock,
		Metrics:       n.metrics,
		LoggerFactory: n.config.LoggerFactory,
	})
	if err != nil {
		return multierr.Append(err, udp.Close())
	}

	hs := n.config.handshakeConfig()
	hs.Metrics = n.metrics
	sc, err := securechannel.NewManager(securechannel.ManagerConfig{
		Exchanges:               exchanges,
		Table:                   n.table,
		Handshake:               hs,
		MaxConcurrentHandshakes: n.config.MaxConcurrentHandshakes,
		HandshakeRate:           n.config.HandshakeRate,
		HandshakeTimeout:        n.config.HandshakeTimeout,
		Callbacks: securechannel.Callbacks{
			OnSessionEstablished: n.config.OnSessionEstablished,
			OnSessionError:       n.onSessionError,
			OnSessionClosed:      n.config.OnSessionClosed,
		},
		Clock:         n.config.Clock,
		Metrics:       n.metrics,
		LoggerFactory: n.config.LoggerFactory,
	})
	if err != nil {
		exchanges.Close()
		return multierr.Append(err, udp.Close())
	}
	exchanges.RegisterProtocol(message.ProtocolEcho, exchange.UnsolicitedHandlerFunc(n.onEchoRequest))

	n.exchanges.Store(exchanges)
	n.udp, n.sc = udp, sc
	if err := udp.Start(); err != nil {
		sc.Close()
		exchanges.Close()
		n.exchanges.Store(nil)
		return multierr.Append(err, udp.Close())
	}

	n.state = StateRunning
	if n.log != nil {
		n.log.Infof("node %s listening on %s", n.PeerID(), udp.LocalAddr())
	}
	return nil
}

// Connect returns an active session with peer, running a handshake to
// addr when there is none.
func (n *Node) Connect(ctx context.Context, peer session.PeerID, addr transport.PeerAddress) (*session.SecureSession, error) {
	sc, err := n.secureChannel()
	if err != nil {
		return nil, err
	}
	if sess, ok := n.table.FindByPeer(peer); ok {
		return sess, nil
	}
	return sc.EstablishSession(ctx, peer, addr)
}

// Disconnect closes every session with peer, telling the peer first.
func (n *Node) Disconnect(peer session.PeerID) error {
	sc, err := n.secureChannel()
	if err != nil {
		return err
	}
	for {
		sess, ok := n.table.FindByPeer(peer)
		if !ok {
			break
		}
		err = multierr.Append(err, sc.CloseSession(sess))
	}
	sc.ReleasePeer(peer)
	return err
}

// RevokeFabric releases every session and aborts every handshake on
// fabric. It returns the number of sessions released.
func (n *Node) RevokeFabric(fabric session.FabricIndex) (int, error) {
	sc, err := n.secureChannel()
	if err != nil {
		return 0, err
	}
	return sc.RevokeFabric(fabric), nil
}

// Session returns the most recently used active session with peer.
func (n *Node) Session(peer session.PeerID) (*session.SecureSession, bool) {
	return n.table.FindByPeer(peer)
}

// Sessions returns the active sessions.
func (n *Node) Sessions() []*session.SecureSession {
	return n.table.Active()
}

// PeerID returns the node's own identity as peers name it.
func (n *Node) PeerID() session.PeerID {
	return session.PeerID{Fabric: n.config.Identity.Fabric, Node: n.config.Identity.NodeID}
}

// LocalAddr returns the bound transport address, or nil before Start.
func (n *Node) LocalAddr() net.Addr {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.udp == nil {
		return nil
	}
	return n.udp.LocalAddr()
}

// State returns the lifecycle state.
func (n *Node) State() State {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.state
}

// Close tells every connected peer that its session is closing, then stops
// the secure channel, the exchange layer and the transport.
func (n *Node) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	switch n.state {
	case StateStopped:
		return ErrAlreadyStopped
	case StateInitialized:
		n.state = StateStopped
		n.table.Close()
		return nil
	}
	n.state = StateStopped

	var err error
	for _, sess := range n.table.Active() {
		err = multierr.Append(err, n.sc.CloseSession(sess))
	}
	n.sc.Close()
	if exchanges := n.exchanges.Swap(nil); exchanges != nil {
		exchanges.Close()
	}
	n.table.Close()
	err = multierr.Append(err, n.udp.Close())

	if n.log != nil {
		n.log.Info("node stopped")
	}
	return err
}

func (n *Node) secureChannel() (*securechannel.Manager, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.state != StateRunning {
		return nil, ErrNotStarted
	}
	return n.sc, nil
}

func (n *Node) onDatagram(msg *transport.ReceivedMessage) {
	exchanges := n.exchanges.Load()
	if exchanges == nil {
		return
	}
	if err := exchanges.OnMessageReceived(msg); err != nil && n.log != nil {
		n.log.Tracef("dropped datagram from %s: %v", msg.PeerAddr, err)
	}
}

func (n *Node) onSessionReleased(sess *session.SecureSession) {
	if exchanges := n.exchanges.Load(); exchanges != nil {
		exchanges.CloseSessionExchanges(sess.LocalSessionID())
	}
}

func (n *Node) onSessionError(peer session.PeerID, err error) {
	if n.log != nil {
		n.log.Debugf("handshake with %s failed: %v", peer, err)
	}
}
