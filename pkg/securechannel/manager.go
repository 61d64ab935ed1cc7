// Package securechannel establishes secure sessions on top of the exchange
// layer.
//
// The Manager starts initiator handshakes on request, deduplicating
// concurrent requests for the same peer, and answers unsolicited Sigma1
// messages with responder handshakes subject to an admission limit. Peers
// over the limit receive a Busy status report.
package securechannel

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/backkem/mattersession/pkg/exchange"
	"github.com/backkem/mattersession/pkg/handshake"
	"github.com/backkem/mattersession/pkg/message"
	"github.com/backkem/mattersession/pkg/metrics"
	"github.com/backkem/mattersession/pkg/retry"
	"github.com/backkem/mattersession/pkg/session"
	"github.com/backkem/mattersession/pkg/transport"
	"github.com/benbjohnson/clock"
	"github.com/pion/logging"
	"golang.org/x/time/rate"
)

const (
	// DefaultHandshakeTimeout bounds one handshake from start to completion.
	DefaultHandshakeTimeout = 60 * time.Second

	// DefaultBusyWait is advertised to initiators turned away as busy.
	DefaultBusyWait = 5 * time.Second

	// DefaultMaxPendingRequests bounds the peers with an outstanding
	// EstablishSession call.
	DefaultMaxPendingRequests = 8

	// DefaultMaxConcurrentHandshakes bounds in-flight responder handshakes.
	DefaultMaxConcurrentHandshakes = 4
)

// Callbacks receive handshake outcomes. They are called from a dedicated
// goroutine with no locks held. Any of them may be nil.
type Callbacks struct {
	// OnSessionEstablished is called for every session that became active,
	// in either role.
	OnSessionEstablished func(sess *session.SecureSession)

	// OnSessionError is called for every failed handshake. The peer is
	// zero for a responder that failed before the peer was authenticated.
	OnSessionError func(peer session.PeerID, err error)

	// OnSessionClosed is called when a peer closes a session.
	OnSessionClosed func(sess *session.SecureSession)
}

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	// Exchanges carries handshake messages. Required.
	Exchanges *exchange.Manager

	// Table holds the sessions being established. Required.
	Table *session.Table

	// Handshake configures every handshake. Its Clock, Metrics and
	// LoggerFactory default to the manager's.
	Handshake handshake.Config

	// MaxPendingRequests defaults to DefaultMaxPendingRequests.
	MaxPendingRequests int

	// MaxConcurrentHandshakes defaults to DefaultMaxConcurrentHandshakes.
	MaxConcurrentHandshakes int

	// HandshakeRate limits how often responder handshakes start. Zero
	// means unlimited.
	HandshakeRate rate.Limit

	// HandshakeBurst defaults to MaxConcurrentHandshakes.
	HandshakeBurst int

	// HandshakeTimeout defaults to DefaultHandshakeTimeout.
	HandshakeTimeout time.Duration

	// BusyWait defaults to DefaultBusyWait.
	BusyWait time.Duration

	Callbacks Callbacks

	Clock         clock.Clock
	Metrics       *metrics.Metrics
	LoggerFactory logging.LoggerFactory
}

func (c ManagerConfig) withDefaults() ManagerConfig {
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	if c.MaxPendingRequests <= 0 {
		c.MaxPendingRequests = DefaultMaxPendingRequests
	}
	if c.MaxConcurrentHandshakes <= 0 {
		c.MaxConcurrentHandshakes = DefaultMaxConcurrentHandshakes
	}
	if c.HandshakeRate == 0 {
		c.HandshakeRate = rate.Inf
	}
	if c.HandshakeBurst <= 0 {
		c.HandshakeBurst = c.MaxConcurrentHandshakes
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.BusyWait <= 0 {
		c.BusyWait = DefaultBusyWait
	}
	if c.Handshake.Clock == nil {
		c.Handshake.Clock = c.Clock
	}
	if c.Handshake.Metrics == nil {
		c.Handshake.Metrics = c.Metrics
	}
	if c.Handshake.LoggerFactory == nil {
		c.Handshake.LoggerFactory = c.LoggerFactory
	}
	return c
}

// attempt is one handshake tracked by the manager.
type attempt struct {
	hs   *handshake.Session
	role session.Role

	// peer is set for initiators only.
	peer session.PeerID

	// Guarded by Manager.mu.
	timer *clock.Timer
	cause error

	// Written once before done is closed.
	done chan struct{}
	sess *session.SecureSession
	err  error
}

func newAttempt(hs *handshake.Session) *attempt {
	return &attempt{hs: hs, role: hs.Role(), done: make(chan struct{})}
}

func (a *attempt) wait(ctx context.Context) (*session.SecureSession, error) {
	select {
	case <-a.done:
		return a.sess, a.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Manager runs session establishment. It is safe for concurrent use.
type Manager struct {
	config  ManagerConfig
	limiter *rate.Limiter
	log     logging.LeveledLogger

	mu         sync.Mutex
	pending    *retry.Cache[session.PeerID, *attempt]
	inflight   map[*attempt]struct{}
	responders int
	closed     bool
}

// NewManager creates a manager and registers it with the exchange manager
// for the secure channel protocol.
func NewManager(config ManagerConfig) (*Manager, error) {
	if config.Exchanges == nil || config.Table == nil {
		return nil, ErrInvalidConfig
	}
	config = config.withDefaults()

	m := &Manager{
		config:   config,
		limiter:  rate.NewLimiter(config.HandshakeRate, config.HandshakeBurst),
		inflight: make(map[*attempt]struct{}),
	}
	m.pending = retry.New[session.PeerID, *attempt](config.MaxPendingRequests, retry.LifetimeFuncs[*attempt]{
		OnAcquire: func(a *attempt) { config.Table.MarkPending(a.peer) },
		OnRelease: func(a *attempt) { config.Table.ClearPending(a.peer) },
	})
	if config.LoggerFactory != nil {
		m.log = config.LoggerFactory.NewLogger("securechannel")
	}
	config.Exchanges.RegisterProtocol(message.ProtocolSecureChannel, m)
	return m, nil
}

// EstablishSession returns a new secure session with peer, reached at
// addr. Concurrent calls for the same peer share one handshake. Cancelling
// ctx abandons the wait but not the handshake.
func (m *Manager) EstablishSession(ctx context.Context, peer session.PeerID, addr transport.PeerAddress) (*session.SecureSession, error) {
	if peer.IsZero() {
		return nil, ErrInvalidPeer
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	if a, ok := m.pending.Get(peer); ok {
		m.mu.Unlock()
		return a.wait(ctx)
	}
	a := newAttempt(handshake.NewInitiator(m.config.Handshake, peer))
	a.peer = peer
	if err := m.pending.Add(peer, a); err != nil {
		m.mu.Unlock()
		if errors.Is(err, retry.ErrNoMemory) {
			return nil, ErrTooManyPending
		}
		return nil, err
	}
	m.inflight[a] = struct{}{}
	m.mu.Unlock()

	go m.watch(a)

	if err := a.hs.AllocateSecureSession(m.config.Table, session.EvictPeer(peer)); err != nil {
		m.abandon(a, err)
		return a.wait(ctx)
	}
	ex, err := m.config.Exchanges.NewUnsecuredExchange(addr, message.ProtocolSecureChannel, nil)
	if err != nil {
		m.abandon(a, err)
		return a.wait(ctx)
	}
	m.start(a, ex)
	return a.wait(ctx)
}

// RevokeFabric aborts handshakes on fabric and releases its sessions. It
// returns the number of sessions released.
func (m *Manager) RevokeFabric(fabric session.FabricIndex) int {
	local := m.config.Handshake.Identity.Fabric == fabric
	m.abandonMatching(func(a *attempt) bool {
		return local || (a.role == session.RoleInitiator && a.peer.Fabric == fabric)
	}, ErrRevoked)
	return m.config.Table.ReleaseAllForFabric(fabric)
}

// ReleasePeer aborts a pending request for peer and releases its sessions.
// It returns the number of sessions released.
func (m *Manager) ReleasePeer(peer session.PeerID) int {
	m.abandonMatching(func(a *attempt) bool {
		return a.role == session.RoleInitiator && a.peer == peer
	}, ErrRevoked)
	return m.config.Table.ReleaseAllForPeer(peer)
}

// CloseSession tells the peer that sess is closing and releases it.
func (m *Manager) CloseSession(sess *session.SecureSession) error {
	ex, err := m.config.Exchanges.NewExchange(sess, message.ProtocolSecureChannel, nil)
	if err == nil {
		report := message.NewSecureChannelStatus(message.GeneralCodeSuccess, message.CodeCloseSession)
		err = ex.SendMessage(message.OpcodeStatusReport, report.Encode())
		ex.Close()
	}
	if relErr := m.config.Table.Release(sess.Handle()); relErr != nil && err == nil {
		err = relErr
	}
	return err
}

// PendingRequests returns the number of peers with an outstanding
// EstablishSession call.
func (m *Manager) PendingRequests() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pending.Len()
}

// Close aborts every handshake and stops accepting new ones. Established
// sessions are left to the table's owner.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.mu.Unlock()

	m.config.Exchanges.UnregisterProtocol(message.ProtocolSecureChannel)
	m.abandonMatching(func(*attempt) bool { return true }, ErrClosed)

	m.mu.Lock()
	m.pending.Close()
	m.mu.Unlock()
}

// start arms the handshake timer and attaches ex.
func (m *Manager) start(a *attempt, ex *exchange.Context) bool {
	m.mu.Lock()
	a.timer = m.config.Clock.AfterFunc(m.config.HandshakeTimeout, a.hs.OnTimeout)
	m.mu.Unlock()

	if err := a.hs.Start(ex); err != nil {
		// The handshake has already completed, possibly before the timer
		// was armed, in which case watch did not stop it. ex may never
		// have been attached.
		m.mu.Lock()
		a.timer.Stop()
		m.mu.Unlock()
		ex.Abort()
		return false
	}
	return true
}

// abandon completes a with err instead of the handshake's own error.
func (m *Manager) abandon(a *attempt, err error) {
	m.mu.Lock()
	if a.cause == nil {
		a.cause = err
	}
	m.mu.Unlock()
	a.hs.Clear()
}

func (m *Manager) abandonMatching(match func(*attempt) bool, err error) {
	m.mu.Lock()
	var victims []*attempt
	for a := range m.inflight {
		if match(a) {
			victims = append(victims, a)
		}
	}
	m.mu.Unlock()

	for _, a := range victims {
		m.abandon(a, err)
	}
}

// watch waits for a's handshake and reports the outcome.
func (m *Manager) watch(a *attempt) {
	r := <-a.hs.Done()

	var sess *session.SecureSession
	err := r.Err
	if err == nil {
		sess, err = m.config.Table.Session(r.Handle)
	}

	m.mu.Lock()
	if a.timer != nil {
		a.timer.Stop()
	}
	if err != nil && a.cause != nil {
		err = a.cause
	}
	delete(m.inflight, a)
	if a.role == session.RoleResponder {
		m.responders--
	} else if cur, ok := m.pending.Get(a.peer); ok && cur == a {
		_ = m.pending.Remove(a.peer)
	}
	a.sess, a.err = sess, err
	m.mu.Unlock()
	close(a.done)

	cb := m.config.Callbacks
	if err != nil {
		if cb.OnSessionError != nil {
			cb.OnSessionError(r.Peer, err)
		}
		return
	}
	if m.log != nil {
		m.log.Infof("session %d established with %s", sess.LocalSessionID(), sess.Peer())
	}
	if cb.OnSessionEstablished != nil {
		cb.OnSessionEstablished(sess)
	}
}
