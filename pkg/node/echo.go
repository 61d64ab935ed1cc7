package node

import (
	"context"

	"github.com/backkem/mattersession/pkg/exchange"
	"github.com/backkem/mattersession/pkg/message"
	"github.com/backkem/mattersession/pkg/session"
)

// Send delivers payload to peer as an echo request over the active session
// and returns the response payload.
func (n *Node) Send(ctx context.Context, peer session.PeerID, payload []byte) ([]byte, error) {
	if _, err := n.secureChannel(); err != nil {
		return nil, err
	}
	exchanges := n.exchanges.Load()
	if exchanges == nil {
		return nil, ErrNotStarted
	}
	sess, ok := n.table.FindByPeer(peer)
	if !ok {
		return nil, ErrNoSession
	}

	w := newResponseWaiter()
	ex, err := exchanges.NewExchange(sess, message.ProtocolEcho, w)
	if err != nil {
		return nil, err
	}
	if err := ex.SendMessage(message.OpcodeEchoRequest, payload); err != nil {
		ex.Abort()
		return nil, err
	}

	select {
	case r := <-w.result:
		ex.Close()
		return r.payload, r.err
	case <-ctx.Done():
		ex.Abort()
		return nil, ctx.Err()
	}
}

func (n *Node) onEchoRequest(ex *exchange.Context, opcode uint8, payload []byte) {
	sess := ex.Session()
	if sess == nil || opcode != message.OpcodeEchoRequest {
		ex.Close()
		return
	}
	resp := n.config.Handler(sess, payload)
	if err := ex.SendMessage(message.OpcodeEchoResponse, resp); err != nil && n.log != nil {
		n.log.Debugf("echo response to %s not sent: %v", sess.Peer(), err)
	}
	ex.Close()
}

type response struct {
	payload []byte
	err     error
}

// responseWaiter is the delegate of an outgoing echo exchange. It reports
// the first outcome only.
type responseWaiter struct {
	result chan response
}

func newResponseWaiter() *responseWaiter {
	return &responseWaiter{result: make(chan response, 1)}
}

func (w *responseWaiter) report(r response) {
	select {
	case w.result <- r:
	default:
	}
}

func (w *responseWaiter) OnMessage(opcode uint8, payload []byte) {
	if opcode != message.OpcodeEchoResponse {
		return
	}
	w.report(response{payload: append([]byte(nil), payload...)})
}

func (w *responseWaiter) OnClose() {
	w.report(response{err: ErrSessionClosed})
}

func (w *responseWaiter) OnTimeout() {
	w.report(response{err: ErrNoResponse})
}
