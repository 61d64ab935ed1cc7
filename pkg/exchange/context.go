package exchange

import (
	"github.com/backkem/mattersession/pkg/message"
	"github.com/backkem/mattersession/pkg/session"
	"github.com/backkem/mattersession/pkg/transport"
)

// Delegate receives the events of one exchange.
//
// Delegates are only ever called by the manager's receive path and timers,
// with no manager lock held. Context methods never call the delegate, so a
// delegate may hold its own lock while it sends, closes or aborts.
type Delegate interface {
	// OnMessage delivers a message received on the exchange.
	OnMessage(opcode uint8, payload []byte)

	// OnClose reports that the exchange was closed from underneath its
	// owner, because its session went away or the manager shut down.
	OnClose()

	// OnTimeout reports that a reliable message was never acknowledged.
	// The exchange is closed when this is called.
	OnTimeout()
}

// UnsolicitedHandler accepts exchanges opened by peers.
type UnsolicitedHandler interface {
	// OnUnsolicited is called with a new responder exchange and its first
	// message. The handler attaches a delegate, replies or closes it.
	OnUnsolicited(ex *Context, opcode uint8, payload []byte)
}

// UnsolicitedHandlerFunc adapts a function to UnsolicitedHandler.
type UnsolicitedHandlerFunc func(ex *Context, opcode uint8, payload []byte)

// OnUnsolicited implements UnsolicitedHandler.
func (f UnsolicitedHandlerFunc) OnUnsolicited(ex *Context, opcode uint8, payload []byte) {
	f(ex, opcode, payload)
}

// exchangeKey identifies an exchange. Secure exchanges are keyed by the
// local session ID; unsecured ones by the peer address.
type exchangeKey struct {
	sessionID uint16
	peer      string
	id        uint16
	role      Role
}

// route is where the messages of an exchange go.
type route struct {
	// session is nil on unsecured exchanges.
	session *session.SecureSession

	// peer and sourceNode address unsecured messages.
	peer       transport.PeerAddress
	sourceNode uint64
}

func (r route) address() transport.PeerAddress {
	if r.session != nil {
		return r.session.PeerAddress()
	}
	return r.peer
}

// peerParams returns the reliability parameters that time messages toward
// the peer. Unsecured peers have not advertised any.
func (r route) peerParams() (session.Params, bool) {
	if r.session != nil {
		return r.session.Params(), r.session.IsPeerActive()
	}
	return session.DefaultParams(), false
}

// Context is one exchange. Every message it sends is reliable.
type Context struct {
	manager  *Manager
	key      exchangeKey
	protocol message.ProtocolID
	route    route

	// Guarded by manager.mu.
	state    State
	delegate Delegate
}

// ID returns the exchange ID.
func (c *Context) ID() uint16 { return c.key.id }

// Role returns the local role in the exchange.
func (c *Context) Role() Role { return c.key.role }

// Protocol returns the protocol the exchange was opened for.
func (c *Context) Protocol() message.ProtocolID { return c.protocol }

// Session returns the secure session, or nil for an unsecured exchange.
func (c *Context) Session() *session.SecureSession { return c.route.session }

// PeerAddress returns the current destination of the exchange.
func (c *Context) PeerAddress() transport.PeerAddress { return c.route.address() }

// State returns the lifecycle state.
func (c *Context) State() State {
	c.manager.mu.Lock()
	defer c.manager.mu.Unlock()
	return c.state
}

// SetDelegate replaces the delegate. nil detaches it.
func (c *Context) SetDelegate(d Delegate) {
	c.manager.mu.Lock()
	defer c.manager.mu.Unlock()
	c.delegate = d
}

// SendMessage sends a reliable message, piggybacking any pending
// acknowledgement. Only one reliable message may be outstanding.
func (c *Context) SendMessage(opcode uint8, payload []byte) error {
	return c.manager.send(c, opcode, payload)
}

// Close ends the exchange gracefully. A pending acknowledgement is sent at
// once and an unacknowledged message keeps being retransmitted until it is
// acknowledged or given up. The delegate is not called.
func (c *Context) Close() error {
	return c.manager.close(c)
}

// Abort drops the exchange with its pending acknowledgement and
// retransmission. The delegate is not called.
func (c *Context) Abort() {
	c.manager.abort(c)
}
