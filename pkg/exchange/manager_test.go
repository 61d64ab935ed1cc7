package exchange

import (
	"errors"
	"testing"
	"time"

	"github.com/backkem/mattersession/pkg/message"
	"github.com/backkem/mattersession/pkg/session"
	"github.com/backkem/mattersession/pkg/transport"
)

// echoHandler answers each request and closes the exchange.
func echoHandler(t *testing.T) UnsolicitedHandler {
	return UnsolicitedHandlerFunc(func(ex *Context, opcode uint8, payload []byte) {
		if opcode != message.OpcodeEchoRequest {
			t.Errorf("unsolicited opcode = %#x, want EchoRequest", opcode)
		}
		if err := ex.SendMessage(message.OpcodeEchoResponse, payload); err != nil {
			t.Errorf("SendMessage() error = %v", err)
		}
		if err := ex.Close(); err != nil {
			t.Errorf("Close() error = %v", err)
		}
	})
}

func TestNewManagerValidation(t *testing.T) {
	if _, err := NewManager(ManagerConfig{Sessions: session.NewTable(session.TableConfig{})}); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("NewManager(no sender) error = %v, want %v", err, ErrInvalidConfig)
	}
	if _, err := NewManager(ManagerConfig{Sender: &wire{}}); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("NewManager(no sessions) error = %v, want %v", err, ErrInvalidConfig)
	}
}

func TestExchangeRequestResponse(t *testing.T) {
	a, b, _ := newTestPair(t)
	b.m.RegisterProtocol(message.ProtocolEcho, echoHandler(t))

	rec := &recorder{}
	ex, err := a.m.NewExchange(a.sess, message.ProtocolEcho, rec)
	if err != nil {
		t.Fatalf("NewExchange() error = %v", err)
	}
	if ex.Role() != RoleInitiator || ex.Session() != a.sess {
		t.Fatalf("exchange role = %s session = %p, want Initiator on %p", ex.Role(), ex.Session(), a.sess)
	}
	if err := ex.SendMessage(message.OpcodeEchoRequest, []byte("ping")); err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
	if err := ex.SendMessage(message.OpcodeEchoRequest, []byte("again")); !errors.Is(err, ErrPendingRetransmit) {
		t.Errorf("second SendMessage() error = %v, want %v", err, ErrPendingRetransmit)
	}

	mustDeliver(t, a, b, 1)
	// The response carries the acknowledgement of the request.
	mustDeliver(t, b, a, 1)

	msgs, _, _ := rec.snapshot()
	if len(msgs) != 1 || msgs[0] != "02:ping" {
		t.Fatalf("delivered = %v, want [02:ping]", msgs)
	}
	if n := a.m.pendingRetransmits(); n != 0 {
		t.Errorf("initiator pending retransmits = %d, want 0", n)
	}
	if n := b.m.ExchangeCount(); n != 1 {
		t.Errorf("responder exchanges = %d, want 1 while its response is unacknowledged", n)
	}

	// Closing flushes the pending acknowledgement as a standalone ack.
	if err := ex.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if ex.State() != StateClosed {
		t.Errorf("State() = %s, want Closed", ex.State())
	}
	mustDeliver(t, a, b, 1)
	if n := b.m.ExchangeCount(); n != 0 {
		t.Errorf("responder exchanges = %d, want 0", n)
	}
	if n := a.m.ExchangeCount(); n != 0 {
		t.Errorf("initiator exchanges = %d, want 0", n)
	}
	if _, closes, _ := rec.snapshot(); closes != 0 {
		t.Errorf("OnClose calls = %d, want 0 after owner Close", closes)
	}
	if err := ex.SendMessage(message.OpcodeEchoRequest, nil); !errors.Is(err, ErrExchangeClosed) {
		t.Errorf("SendMessage() after Close error = %v, want %v", err, ErrExchangeClosed)
	}
}

func TestExchangeRetransmitThenGiveUp(t *testing.T) {
	a, _, mock := newTestPair(t)

	rec := &recorder{}
	ex, err := a.m.NewExchange(a.sess, message.ProtocolEcho, rec)
	if err != nil {
		t.Fatalf("NewExchange() error = %v", err)
	}
	if err := ex.SendMessage(message.OpcodeEchoRequest, []byte("lost")); err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
	first := a.wire.take()
	if len(first) != 1 {
		t.Fatalf("sent %d datagrams, want 1", len(first))
	}

	// The peer is active, so timeouts start from the 300ms active interval.
	steps := []time.Duration{330, 330, 528, 845}
	for i, step := range steps {
		mock.Add(step*time.Millisecond + 5*time.Millisecond)
		eventually(t, "retransmission", func() bool { return a.wire.len() == 1 })
		again := a.wire.take()
		if string(again[0]) != string(first[0]) {
			t.Errorf("retransmission %d differs from the original", i+1)
		}
	}

	if _, _, timeouts := rec.snapshot(); timeouts != 0 {
		t.Fatalf("OnTimeout before the last timeout")
	}
	mock.Add(1352*time.Millisecond + 5*time.Millisecond)
	eventually(t, "give up", func() bool {
		_, _, timeouts := rec.snapshot()
		return timeouts == 1
	})
	if n := a.wire.len(); n != 0 {
		t.Errorf("sent %d datagrams after giving up, want 0", n)
	}
	if n := a.m.ExchangeCount(); n != 0 {
		t.Errorf("exchanges = %d, want 0", n)
	}
	if ex.State() != StateClosed {
		t.Errorf("State() = %s, want Closed", ex.State())
	}
}

func TestExchangeStandaloneAck(t *testing.T) {
	a, b, mock := newTestPair(t)

	got := make(chan *Context, 1)
	b.m.RegisterProtocol(message.ProtocolEcho, UnsolicitedHandlerFunc(func(ex *Context, _ uint8, _ []byte) {
		got <- ex
	}))

	ex, err := a.m.NewExchange(a.sess, message.ProtocolEcho, &recorder{})
	if err != nil {
		t.Fatalf("NewExchange() error = %v", err)
	}
	if err := ex.SendMessage(message.OpcodeEchoRequest, []byte("hi")); err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
	mustDeliver(t, a, b, 1)
	resp := <-got
	if resp.Role() != RoleResponder || resp.ID() != ex.ID() {
		t.Errorf("responder exchange = %s/%d, want Responder/%d", resp.Role(), resp.ID(), ex.ID())
	}
	if n := b.wire.len(); n != 0 {
		t.Fatalf("responder sent %d datagrams before the ack timeout", n)
	}

	mock.Add(MRPStandaloneAckTimeout)
	eventually(t, "standalone ack", func() bool { return b.wire.len() == 1 })
	if n := b.m.pendingAcks(); n != 0 {
		t.Errorf("responder pending acks = %d, want 0", n)
	}
	mustDeliver(t, b, a, 1)
	if n := a.m.pendingRetransmits(); n != 0 {
		t.Errorf("initiator pending retransmits = %d, want 0", n)
	}
}

func TestExchangeDuplicateIsReacked(t *testing.T) {
	a, b, _ := newTestPair(t)

	calls := 0
	b.m.RegisterProtocol(message.ProtocolEcho, UnsolicitedHandlerFunc(func(*Context, uint8, []byte) {
		calls++
	}))

	ex, err := a.m.NewExchange(a.sess, message.ProtocolEcho, &recorder{})
	if err != nil {
		t.Fatalf("NewExchange() error = %v", err)
	}
	if err := ex.SendMessage(message.OpcodeEchoRequest, []byte("once")); err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
	data := a.wire.take()[0]

	recv := func() error {
		return b.m.OnMessageReceived(&transport.ReceivedMessage{Data: data, PeerAddr: a.addr})
	}
	if err := recv(); err != nil {
		t.Fatalf("first OnMessageReceived() error = %v", err)
	}
	if err := recv(); !errors.Is(err, ErrDuplicateMessage) {
		t.Fatalf("second OnMessageReceived() error = %v, want %v", err, ErrDuplicateMessage)
	}
	if calls != 1 {
		t.Errorf("handler calls = %d, want 1", calls)
	}
	// The duplicate is acknowledged at once.
	mustDeliver(t, b, a, 1)
	if n := a.m.pendingRetransmits(); n != 0 {
		t.Errorf("initiator pending retransmits = %d, want 0", n)
	}
}

func TestExchangeRejectsTamperedMessage(t *testing.T) {
	a, b, _ := newTestPair(t)
	rec := &recorder{}
	b.m.RegisterProtocol(message.ProtocolEcho, UnsolicitedHandlerFunc(func(ex *Context, op uint8, p []byte) {
		rec.OnMessage(op, p)
	}))

	ex, err := a.m.NewExchange(a.sess, message.ProtocolEcho, nil)
	if err != nil {
		t.Fatalf("NewExchange() error = %v", err)
	}
	if err := ex.SendMessage(message.OpcodeEchoRequest, []byte("intact")); err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
	data := a.wire.take()[0]
	tampered := append([]byte(nil), data...)
	tampered[len(tampered)-1] ^= 0x01

	err = b.m.OnMessageReceived(&transport.ReceivedMessage{Data: tampered, PeerAddr: a.addr})
	if !errors.Is(err, session.ErrDecryptionFailed) {
		t.Fatalf("OnMessageReceived(tampered) error = %v, want %v", err, session.ErrDecryptionFailed)
	}
	if n := b.wire.len(); n != 0 {
		t.Errorf("tampered message was acknowledged")
	}

	// The counter of a forged copy is not consumed.
	if err := b.m.OnMessageReceived(&transport.ReceivedMessage{Data: data, PeerAddr: a.addr}); err != nil {
		t.Fatalf("OnMessageReceived(original) error = %v", err)
	}
	if msgs, _, _ := rec.snapshot(); len(msgs) != 1 {
		t.Errorf("delivered %d messages, want 1", len(msgs))
	}
}

func TestExchangeUnsolicitedWithoutHandler(t *testing.T) {
	a, b, _ := newTestPair(t)

	ex, err := a.m.NewExchange(a.sess, message.ProtocolEcho, &recorder{})
	if err != nil {
		t.Fatalf("NewExchange() error = %v", err)
	}
	if err := ex.SendMessage(message.OpcodeEchoRequest, nil); err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
	errs := deliver(a, b)
	if len(errs) != 1 || !errors.Is(errs[0], ErrNoHandler) {
		t.Fatalf("OnMessageReceived() errors = %v, want %v", errs, ErrNoHandler)
	}
	if n := b.m.ExchangeCount(); n != 0 {
		t.Errorf("responder exchanges = %d, want 0", n)
	}
	mustDeliver(t, b, a, 1)
	if n := a.m.pendingRetransmits(); n != 0 {
		t.Errorf("reliable message to an unknown protocol was not acknowledged")
	}
}

func TestExchangeUnsecured(t *testing.T) {
	a, b, _ := newTestPair(t)
	b.m.RegisterProtocol(message.ProtocolEcho, echoHandler(t))

	rec := &recorder{}
	ex, err := a.m.NewUnsecuredExchange(b.addr, message.ProtocolEcho, rec)
	if err != nil {
		t.Fatalf("NewUnsecuredExchange() error = %v", err)
	}
	if ex.Session() != nil {
		t.Error("unsecured exchange has a session")
	}
	if err := ex.SendMessage(message.OpcodeEchoRequest, []byte("clear")); err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}

	data := a.wire.take()
	f, err := message.DecodeUnsecured(data[0])
	if err != nil {
		t.Fatalf("DecodeUnsecured() error = %v", err)
	}
	if !f.Header.SourcePresent || f.Header.SessionID != 0 || string(f.Payload) != "clear" {
		t.Errorf("unsecured frame = %+v", f)
	}

	for i := 0; i < 2; i++ {
		err := b.m.OnMessageReceived(&transport.ReceivedMessage{Data: data[0], PeerAddr: a.addr})
		if i == 1 && !errors.Is(err, ErrDuplicateMessage) {
			t.Errorf("replayed OnMessageReceived() error = %v, want %v", err, ErrDuplicateMessage)
		}
	}

	// Response, then the immediate ack of the duplicate.
	mustDeliver(t, b, a, 2)
	msgs, _, _ := rec.snapshot()
	if len(msgs) != 1 || msgs[0] != "02:clear" {
		t.Fatalf("delivered = %v, want [02:clear]", msgs)
	}
	if n := a.m.pendingRetransmits(); n != 0 {
		t.Errorf("initiator pending retransmits = %d, want 0", n)
	}
}

func TestExchangeAbort(t *testing.T) {
	a, _, mock := newTestPair(t)

	rec := &recorder{}
	ex, err := a.m.NewExchange(a.sess, message.ProtocolEcho, rec)
	if err != nil {
		t.Fatalf("NewExchange() error = %v", err)
	}
	if err := ex.SendMessage(message.OpcodeEchoRequest, nil); err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
	a.wire.take()

	ex.Abort()
	ex.Abort()
	if n := a.m.pendingRetransmits(); n != 0 {
		t.Errorf("pending retransmits = %d, want 0", n)
	}
	if n := a.m.ExchangeCount(); n != 0 {
		t.Errorf("exchanges = %d, want 0", n)
	}

	mock.Add(time.Second)
	time.Sleep(10 * time.Millisecond)
	if n := a.wire.len(); n != 0 {
		t.Errorf("aborted exchange retransmitted %d times", n)
	}
	if _, closes, timeouts := rec.snapshot(); closes != 0 || timeouts != 0 {
		t.Errorf("delegate called after Abort: closes=%d timeouts=%d", closes, timeouts)
	}
}

func TestExchangeSendFailure(t *testing.T) {
	a, _, _ := newTestPair(t)
	a.wire.err = errors.New("link down")

	ex, err := a.m.NewExchange(a.sess, message.ProtocolEcho, nil)
	if err != nil {
		t.Fatalf("NewExchange() error = %v", err)
	}
	if err := ex.SendMessage(message.OpcodeEchoRequest, nil); err == nil {
		t.Fatal("SendMessage() error = nil, want transport error")
	}
	if n := a.m.pendingRetransmits(); n != 0 {
		t.Errorf("pending retransmits = %d after a failed send, want 0", n)
	}
}

func TestCloseSessionExchanges(t *testing.T) {
	a, _, _ := newTestPair(t)

	rec := &recorder{}
	ex, err := a.m.NewExchange(a.sess, message.ProtocolEcho, rec)
	if err != nil {
		t.Fatalf("NewExchange() error = %v", err)
	}
	other, err := a.m.NewUnsecuredExchange(udpAddr(9), message.ProtocolEcho, &recorder{})
	if err != nil {
		t.Fatalf("NewUnsecuredExchange() error = %v", err)
	}

	if n := a.m.CloseSessionExchanges(a.sess.LocalSessionID()); n != 1 {
		t.Errorf("CloseSessionExchanges() = %d, want 1", n)
	}
	if _, closes, _ := rec.snapshot(); closes != 1 {
		t.Errorf("OnClose calls = %d, want 1", closes)
	}
	if err := ex.SendMessage(message.OpcodeEchoRequest, nil); !errors.Is(err, ErrExchangeClosed) {
		t.Errorf("SendMessage() error = %v, want %v", err, ErrExchangeClosed)
	}
	if other.State() != StateActive {
		t.Errorf("unsecured exchange state = %s, want Active", other.State())
	}
}

func TestExchangeCounterExhaustionRetiresSession(t *testing.T) {
	a, _, _ := newTestPairAt(t, 0xFFFFFFFF)
	peer := a.sess.Peer()

	ex, err := a.m.NewExchange(a.sess, message.ProtocolEcho, &recorder{})
	if err != nil {
		t.Fatalf("NewExchange() error = %v", err)
	}
	if err := ex.SendMessage(message.OpcodeEchoRequest, []byte("last")); err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
	ex.Abort()

	next, err := a.m.NewExchange(a.sess, message.ProtocolEcho, &recorder{})
	if err != nil {
		t.Fatalf("NewExchange() error = %v", err)
	}
	if err := next.SendMessage(message.OpcodeEchoRequest, nil); !errors.Is(err, session.ErrCounterExhausted) {
		t.Fatalf("SendMessage() error = %v, want %v", err, session.ErrCounterExhausted)
	}
	if got := a.sess.State(); got != session.StateDefunct {
		t.Errorf("State() = %s, want %s", got, session.StateDefunct)
	}
	if _, ok := a.table.FindByPeer(peer); ok {
		t.Error("FindByPeer() found the exhausted session")
	}
	if _, err := a.m.NewExchange(a.sess, message.ProtocolEcho, nil); !errors.Is(err, session.ErrNotActive) {
		t.Errorf("NewExchange() error = %v, want %v", err, session.ErrNotActive)
	}
}

func TestManagerClose(t *testing.T) {
	a, _, _ := newTestPair(t)

	rec := &recorder{}
	if _, err := a.m.NewExchange(a.sess, message.ProtocolEcho, rec); err != nil {
		t.Fatalf("NewExchange() error = %v", err)
	}
	a.m.Close()
	a.m.Close()

	if _, closes, _ := rec.snapshot(); closes != 1 {
		t.Errorf("OnClose calls = %d, want 1", closes)
	}
	if _, err := a.m.NewExchange(a.sess, message.ProtocolEcho, nil); !errors.Is(err, ErrManagerClosed) {
		t.Errorf("NewExchange() after Close error = %v, want %v", err, ErrManagerClosed)
	}
}

func TestNewExchangeRequiresActiveSession(t *testing.T) {
	a, _, _ := newTestPair(t)
	if err := a.table.Release(a.sess.Handle()); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if _, err := a.m.NewExchange(a.sess, message.ProtocolEcho, nil); !errors.Is(err, session.ErrNotActive) {
		t.Errorf("NewExchange() error = %v, want %v", err, session.ErrNotActive)
	}
}
