package securechannel

import (
	"time"

	"github.com/backkem/mattersession/pkg/exchange"
	"github.com/backkem/mattersession/pkg/handshake"
	"github.com/backkem/mattersession/pkg/message"
	"github.com/backkem/mattersession/pkg/session"
)

// OnUnsolicited implements exchange.UnsolicitedHandler for exchanges a
// peer opens on the secure channel protocol.
func (m *Manager) OnUnsolicited(ex *exchange.Context, opcode uint8, payload []byte) {
	switch {
	case opcode == message.OpcodeSigma1 && ex.Session() == nil:
		m.respond(ex, payload)
	case opcode == message.OpcodeStatusReport && ex.Session() != nil:
		m.handleSessionStatus(ex, payload)
	default:
		if m.log != nil {
			m.log.Debugf("dropping unsolicited opcode 0x%02X from %s", opcode, ex.PeerAddress())
		}
		ex.Close()
	}
}

// respond admits a responder handshake for Sigma1 or turns the initiator
// away as busy.
func (m *Manager) respond(ex *exchange.Context, sigma1 []byte) {
	m.mu.Lock()
	admit := !m.closed &&
		m.responders < m.config.MaxConcurrentHandshakes &&
		m.limiter.AllowN(m.config.Clock.Now(), 1)
	var a *attempt
	if admit {
		a = newAttempt(handshake.NewResponder(m.config.Handshake))
		m.responders++
		m.inflight[a] = struct{}{}
	}
	m.mu.Unlock()

	if !admit {
		m.reject(ex)
		return
	}
	go m.watch(a)

	var hint session.EvictionHint
	if peer, ok := m.config.Table.FindLeastRecentlyUsedPeer(); ok {
		hint = session.EvictPeer(peer)
	}
	if err := a.hs.AllocateSecureSession(m.config.Table, hint); err != nil {
		m.reject(ex)
		m.abandon(a, err)
		return
	}
	if m.start(a, ex) {
		a.hs.OnMessage(message.OpcodeSigma1, sigma1)
	}
}

// reject answers with a Busy status report carrying the wait hint.
func (m *Manager) reject(ex *exchange.Context) {
	m.config.Metrics.HandshakeRejected()

	wait := m.config.BusyWait / time.Millisecond
	if wait > 0xFFFF {
		wait = 0xFFFF
	}
	if m.log != nil {
		m.log.Infof("busy, turning away handshake from %s", ex.PeerAddress())
	}
	if err := ex.SendMessage(message.OpcodeStatusReport, message.StatusBusy(uint16(wait)).Encode()); err != nil && m.log != nil {
		m.log.Debugf("busy report not sent: %v", err)
	}
	ex.Close()
}

// handleSessionStatus processes a status report sent over an established
// session. Only CloseSession is acted upon.
func (m *Manager) handleSessionStatus(ex *exchange.Context, payload []byte) {
	sess := ex.Session()
	ex.Close()

	report, err := message.DecodeStatusReport(payload)
	if err != nil {
		if m.log != nil {
			m.log.Debugf("bad status report on session %d: %v", sess.LocalSessionID(), err)
		}
		return
	}
	if report.ProtocolID != uint32(message.ProtocolSecureChannel) ||
		report.ProtocolCode != uint16(message.CodeCloseSession) {
		if m.log != nil {
			m.log.Debugf("ignoring %s on session %d", report, sess.LocalSessionID())
		}
		return
	}

	if m.log != nil {
		m.log.Infof("peer %s closed session %d", sess.Peer(), sess.LocalSessionID())
	}
	if err := m.config.Table.Release(sess.Handle()); err != nil {
		return
	}
	if cb := m.config.Callbacks.OnSessionClosed; cb != nil {
		cb(sess)
	}
}
