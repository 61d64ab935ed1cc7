package exchange

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/backkem/mattersession/pkg/counter"
	"github.com/backkem/mattersession/pkg/message"
	"github.com/backkem/mattersession/pkg/metrics"
	"github.com/backkem/mattersession/pkg/session"
	"github.com/backkem/mattersession/pkg/transport"
	"github.com/benbjohnson/clock"
	"github.com/pion/logging"
)

// SessionStore resolves the local session ID of an inbound message and
// retires sessions that can no longer send. *session.Table implements it.
type SessionStore interface {
	FindByLocalID(id uint16) (*session.SecureSession, bool)
	MarkDefunct(h session.Handle) error
}

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	// Sender transmits datagrams. It must not call back into the manager
	// synchronously. Required.
	Sender transport.Sender

	// Sessions resolves secure sessions. Required.
	Sessions SessionStore

	// Clock drives acknowledgement and retransmission timers.
	Clock clock.Clock

	// Random supplies backoff jitter.
	Random RandomSource

	// MaxRetransmits bounds unacknowledged reliable messages across all
	// exchanges. Zero selects DefaultMaxRetransmits.
	MaxRetransmits int

	// Peers configures the reception windows of unsecured peers.
	Peers counter.PeerTableConfig

	Metrics       *metrics.Metrics
	LoggerFactory logging.LoggerFactory
}

// Manager routes messages between the transport and exchanges and runs
// the reliability protocol. It is safe for concurrent use.
type Manager struct {
	config   ManagerConfig
	log      logging.LeveledLogger
	peers    *counter.PeerTable
	outbound *counter.Outbound

	mu             sync.Mutex
	exchanges      map[exchangeKey]*Context
	handlers       map[message.ProtocolID]UnsolicitedHandler
	acks           *ackTable
	retransmits    *retransmitTable
	nextExchangeID uint16
	closed         bool
}

// NewManager creates a manager.
func NewManager(config ManagerConfig) (*Manager, error) {
	if config.Sender == nil || config.Sessions == nil {
		return nil, ErrInvalidConfig
	}
	if config.Clock == nil {
		config.Clock = clock.New()
	}
	if config.MaxRetransmits <= 0 {
		config.MaxRetransmits = DefaultMaxRetransmits
	}
	peers, err := counter.NewPeerTable(config.Peers)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	backoff := NewBackoffCalculator(config.Random)
	m := &Manager{
		config:         config,
		peers:          peers,
		outbound:       counter.NewRandomOutbound(),
		exchanges:      make(map[exchangeKey]*Context),
		handlers:       make(map[message.ProtocolID]UnsolicitedHandler),
		acks:           newAckTable(config.Clock),
		retransmits:    newRetransmitTable(config.Clock, backoff, config.MaxRetransmits),
		nextExchangeID: uint16(randomUint64()),
	}
	if config.LoggerFactory != nil {
		m.log = config.LoggerFactory.NewLogger("exchange")
	}
	return m, nil
}

// RegisterProtocol routes exchanges opened by peers for protocol to h.
func (m *Manager) RegisterProtocol(protocol message.ProtocolID, h UnsolicitedHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[protocol] = h
}

// UnregisterProtocol stops accepting exchanges for protocol.
func (m *Manager) UnregisterProtocol(protocol message.ProtocolID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.handlers, protocol)
}

// NewExchange opens an exchange over an active secure session.
func (m *Manager) NewExchange(sess *session.SecureSession, protocol message.ProtocolID, d Delegate) (*Context, error) {
	if sess == nil || sess.State() != session.StateActive {
		return nil, session.ErrNotActive
	}
	return m.open(exchangeKey{sessionID: sess.LocalSessionID()}, route{session: sess}, protocol, d)
}

// NewUnsecuredExchange opens an exchange to peer without a session, as
// used by session establishment.
func (m *Manager) NewUnsecuredExchange(peer transport.PeerAddress, protocol message.ProtocolID, d Delegate) (*Context, error) {
	if !peer.IsValid() {
		return nil, transport.ErrInvalidAddress
	}
	r := route{peer: peer, sourceNode: ephemeralNodeID()}
	return m.open(exchangeKey{peer: peer.String()}, r, protocol, d)
}

func (m *Manager) open(key exchangeKey, r route, protocol message.ProtocolID, d Delegate) (*Context, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrManagerClosed
	}
	key.role = RoleInitiator
	for i := 0; ; i++ {
		if i > 0xFFFF {
			return nil, ErrExchangeExists
		}
		key.id = m.nextExchangeID
		m.nextExchangeID++
		if _, taken := m.exchanges[key]; !taken {
			break
		}
	}

	c := &Context{
		manager:  m,
		key:      key,
		protocol: protocol,
		route:    r,
		state:    StateActive,
		delegate: d,
	}
	m.exchanges[key] = c
	return c, nil
}

// ExchangeCount returns the number of open exchanges, closing ones
// included.
func (m *Manager) ExchangeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.exchanges)
}

// CloseSessionExchanges closes every exchange of a secure session, for
// example after the session was released. Delegates of active exchanges
// get OnClose. It returns the number of exchanges closed.
func (m *Manager) CloseSessionExchanges(localSessionID uint16) int {
	m.mu.Lock()
	var closed []*Context
	for key, c := range m.exchanges {
		if key.peer == "" && key.sessionID == localSessionID {
			closed = append(closed, c)
		}
	}
	notify := m.finalizeAllLocked(closed)
	m.mu.Unlock()

	for _, d := range notify {
		d.OnClose()
	}
	return len(closed)
}

// Close closes every exchange and stops all timers. Delegates of active
// exchanges get OnClose.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	all := make([]*Context, 0, len(m.exchanges))
	for _, c := range m.exchanges {
		all = append(all, c)
	}
	notify := m.finalizeAllLocked(all)
	m.acks.clear()
	m.retransmits.close()
	m.mu.Unlock()

	m.peers.Flush()
	for _, d := range notify {
		d.OnClose()
	}
}

func (m *Manager) finalizeAllLocked(cs []*Context) []Delegate {
	var notify []Delegate
	for _, c := range cs {
		if c.state == StateActive && c.delegate != nil {
			notify = append(notify, c.delegate)
		}
		m.finalizeLocked(c)
	}
	return notify
}

func (m *Manager) finalizeLocked(c *Context) {
	c.state = StateClosed
	if m.exchanges[c.key] == c {
		delete(m.exchanges, c.key)
	}
	m.acks.take(c.key)
	m.retransmits.remove(c.key)
}

func (m *Manager) send(c *Context, opcode uint8, payload []byte) error {
	err := m.sendMessage(c, opcode, payload)
	if errors.Is(err, session.ErrCounterExhausted) {
		// Runs without m.mu: the table's release hook closes the session's
		// exchanges through this manager.
		m.retire(c.route.session)
	}
	return err
}

// retire marks a session whose outbound counter ran out as defunct so no
// further exchange picks it.
func (m *Manager) retire(sess *session.SecureSession) {
	if sess == nil {
		return
	}
	if err := m.config.Sessions.MarkDefunct(sess.Handle()); err != nil {
		return
	}
	if m.log != nil {
		m.log.Warnf("session %d to %s retired: outbound counter exhausted", sess.LocalSessionID(), sess.Peer())
	}
}

func (m *Manager) sendMessage(c *Context, opcode uint8, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch {
	case m.closed:
		return ErrManagerClosed
	case c.state == StateClosed:
		return ErrExchangeClosed
	case c.state == StateClosing:
		return ErrExchangeClosing
	case m.retransmits.pending(c.key):
		return ErrPendingRetransmit
	}

	proto := message.ProtocolHeader{
		Opcode:     opcode,
		ExchangeID: c.key.id,
		ProtocolID: c.protocol,
		Initiator:  c.key.role == RoleInitiator,
		Reliable:   true,
	}
	ackCounter, hasAck := m.acks.pending(c.key)
	if hasAck {
		proto.Ack = true
		proto.AckCounter = ackCounter
	}

	data, msgCounter, err := m.encodeLocked(c.route, &proto, payload)
	if err != nil {
		return err
	}
	e := &retransmitEntry{counter: msgCounter, data: data, route: c.route}
	if err := m.retransmits.add(c.key, e, m.retransmitHandler(c.key)); err != nil {
		return err
	}
	if hasAck {
		m.acks.take(c.key)
	}
	if err := m.transmitLocked(c.route, data); err != nil {
		m.retransmits.remove(c.key)
		return err
	}
	return nil
}

func (m *Manager) close(c *Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if c.state != StateActive {
		return nil
	}
	if ackCounter, ok := m.acks.take(c.key); ok {
		m.sendStandaloneAckLocked(c.key, c.route, ackCounter)
	}
	if m.retransmits.pending(c.key) {
		c.state = StateClosing
		return nil
	}
	m.finalizeLocked(c)
	return nil
}

func (m *Manager) abort(c *Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if c.state != StateClosed {
		m.finalizeLocked(c)
	}
}

// OnMessageReceived handles one datagram from the transport. The returned
// error says why a datagram was dropped; it is informational only.
func (m *Manager) OnMessageReceived(msg *transport.ReceivedMessage) error {
	h, aad, rest, err := message.DecodeHeader(msg.Data)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}

	var (
		sess  *session.SecureSession
		plain []byte
	)
	if h.IsSecure() {
		var ok bool
		if sess, ok = m.config.Sessions.FindByLocalID(h.SessionID); !ok {
			return ErrSessionNotFound
		}
		plain, err = sess.Open(h.MessageCounter, aad, rest)
		if err != nil {
			return err
		}
	} else {
		if !h.SourcePresent {
			return fmt.Errorf("%w: unsecured message without source node", ErrInvalidMessage)
		}
		plain = rest
	}

	proto, payload, err := message.DecodePayload(plain)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}

	duplicate, err := m.checkCounter(&h, sess)
	if err != nil {
		return err
	}
	if sess != nil {
		sess.Touch(true)
		sess.SetPeerAddress(msg.PeerAddr)
	}
	return m.dispatch(&h, &proto, payload, sess, msg.PeerAddr, duplicate)
}

// checkCounter runs the reception window of the message source and commits
// the counter. Only an authenticated message reaches it.
func (m *Manager) checkCounter(h *message.Header, sess *session.SecureSession) (bool, error) {
	var err error
	if sess != nil {
		err = sess.VerifyAndCommitCounter(h.MessageCounter)
	} else {
		err = m.peers.VerifyUnencrypted(h.SourceNodeID, h.MessageCounter)
	}

	switch {
	case err == nil:
		return false, nil
	case errors.Is(err, counter.ErrDuplicateMessage):
		m.config.Metrics.ReplayDropped("duplicate")
		return true, nil
	case errors.Is(err, counter.ErrOutOfWindow):
		m.config.Metrics.ReplayDropped("out_of_window")
		return true, nil
	}
	return false, err
}

func (m *Manager) dispatch(h *message.Header, proto *message.ProtocolHeader, payload []byte,
	sess *session.SecureSession, from transport.PeerAddress, duplicate bool) error {
	key := exchangeKey{id: proto.ExchangeID, role: RoleInitiator}
	if proto.Initiator {
		key.role = RoleResponder
	}
	r := route{session: sess}
	if sess != nil {
		key.sessionID = sess.LocalSessionID()
	} else {
		key.peer = from.String()
		r = route{peer: from, sourceNode: ephemeralNodeID()}
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrManagerClosed
	}

	if duplicate {
		if proto.Reliable {
			if c, ok := m.exchanges[key]; ok {
				r = c.route
			}
			m.sendStandaloneAckLocked(key, r, h.MessageCounter)
		}
		m.mu.Unlock()
		return ErrDuplicateMessage
	}

	if proto.Ack {
		m.onAckLocked(key, proto.AckCounter)
	}
	if proto.ProtocolID == message.ProtocolSecureChannel && proto.Opcode == message.OpcodeStandaloneAck {
		m.mu.Unlock()
		return nil
	}

	c, ok := m.exchanges[key]
	var handler UnsolicitedHandler
	switch {
	case ok && c.state.CanReceive():
	case ok || !proto.Initiator:
		if proto.Reliable {
			m.sendStandaloneAckLocked(key, r, h.MessageCounter)
		}
		m.mu.Unlock()
		if ok {
			return ErrExchangeClosing
		}
		return ErrUnsolicitedNotInitiator
	default:
		if handler = m.handlers[proto.ProtocolID]; handler == nil {
			if proto.Reliable {
				m.sendStandaloneAckLocked(key, r, h.MessageCounter)
			}
			m.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrNoHandler, proto.ProtocolID)
		}
		c = &Context{manager: m, key: key, protocol: proto.ProtocolID, route: r, state: StateActive}
		m.exchanges[key] = c
	}

	if proto.Reliable {
		m.scheduleAckLocked(c, h.MessageCounter)
	}
	d := c.delegate
	m.mu.Unlock()

	if handler != nil {
		handler.OnUnsolicited(c, proto.Opcode, payload)
	} else if d != nil {
		d.OnMessage(proto.Opcode, payload)
	}
	return nil
}

func (m *Manager) onAckLocked(key exchangeKey, ackCounter uint32) {
	if !m.retransmits.ack(key, ackCounter) {
		return
	}
	if c, ok := m.exchanges[key]; ok && c.state == StateClosing {
		m.finalizeLocked(c)
	}
}

func (m *Manager) scheduleAckLocked(c *Context, msgCounter uint32) {
	key := c.key
	displaced, had := m.acks.add(key, msgCounter, func(e *ackEntry) { m.onAckTimeout(key, e) })
	if had {
		m.sendStandaloneAckLocked(key, c.route, displaced.counter)
	}
}

func (m *Manager) onAckTimeout(key exchangeKey, e *ackEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed || !m.acks.takeIfCurrent(key, e) {
		return
	}
	if c, ok := m.exchanges[key]; ok {
		m.sendStandaloneAckLocked(key, c.route, e.counter)
	}
}

func (m *Manager) retransmitHandler(key exchangeKey) func(*retransmitEntry) {
	return func(e *retransmitEntry) { m.onRetransmitTimeout(key, e) }
}

func (m *Manager) onRetransmitTimeout(key exchangeKey, e *retransmitEntry) {
	m.mu.Lock()
	if m.closed || !m.retransmits.current(key, e) {
		m.mu.Unlock()
		return
	}

	if e.sends < MRPMaxTransmissions {
		e.sends++
		m.config.Metrics.Retransmitted()
		if m.log != nil {
			m.log.Debugf("retransmit %08x on exchange %d (send %d)", e.counter, key.id, e.sends)
		}
		if err := m.transmitLocked(e.route, e.data); err != nil && m.log != nil {
			m.log.Debugf("retransmit %08x: %v", e.counter, err)
		}
		m.retransmits.arm(e, m.retransmitHandler(key))
		m.mu.Unlock()
		return
	}

	m.retransmits.remove(key)
	m.config.Metrics.AckTimedOut()
	if m.log != nil {
		m.log.Warnf("message %08x on exchange %d not acknowledged after %d transmissions", e.counter, key.id, e.sends)
	}
	var d Delegate
	if c, ok := m.exchanges[key]; ok {
		if c.state == StateActive {
			d = c.delegate
		}
		m.finalizeLocked(c)
	}
	m.mu.Unlock()

	if d != nil {
		d.OnTimeout()
	}
}

func (m *Manager) sendStandaloneAckLocked(key exchangeKey, r route, ackCounter uint32) {
	proto := message.ProtocolHeader{
		Opcode:     message.OpcodeStandaloneAck,
		ExchangeID: key.id,
		ProtocolID: message.ProtocolSecureChannel,
		Initiator:  key.role == RoleInitiator,
		Ack:        true,
		AckCounter: ackCounter,
	}
	data, _, err := m.encodeLocked(r, &proto, nil)
	if err == nil {
		err = m.transmitLocked(r, data)
	}
	if err != nil && m.log != nil {
		m.log.Debugf("standalone ack %08x on exchange %d: %v", ackCounter, key.id, err)
	}
}

// encodeLocked frames a message for r, sealing it on secure routes, and
// returns the datagram with its message counter.
func (m *Manager) encodeLocked(r route, proto *message.ProtocolHeader, payload []byte) ([]byte, uint32, error) {
	if r.session == nil {
		msgCounter, err := m.outbound.Next()
		if err != nil {
			return nil, 0, err
		}
		f := message.Frame{
			Header: message.Header{
				MessageCounter: msgCounter,
				SourcePresent:  true,
				SourceNodeID:   r.sourceNode,
			},
			Protocol: *proto,
			Payload:  payload,
		}
		data, err := f.EncodeUnsecured()
		return data, msgCounter, err
	}

	msgCounter, err := r.session.NextCounter()
	if err != nil {
		return nil, 0, err
	}
	h := message.Header{
		SessionID:      r.session.PeerSessionID(),
		MessageCounter: msgCounter,
	}
	aad := h.Encode()
	sealed, err := r.session.Seal(msgCounter, aad, message.EncodePayload(proto, payload))
	if err != nil {
		return nil, 0, err
	}
	data := append(aad, sealed...)
	if len(data) > message.MaxMessageSize {
		return nil, 0, message.ErrMessageTooLong
	}
	return data, msgCounter, nil
}

func (m *Manager) transmitLocked(r route, data []byte) error {
	return m.config.Sender.Send(data, r.address())
}

// ephemeralNodeID picks a source node ID for unsecured messages from the
// temporary local node ID range.
func ephemeralNodeID() uint64 {
	return 0xFFFFFFFE_00000000 | randomUint64()&0xFFFFFFFF
}

func randomUint64() uint64 {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return binary.LittleEndian.Uint64(b[:])
}
