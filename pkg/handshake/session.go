package handshake

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/backkem/mattersession/pkg/counter"
	"github.com/backkem/mattersession/pkg/crypto"
	"github.com/backkem/mattersession/pkg/message"
	"github.com/backkem/mattersession/pkg/session"
	"github.com/backkem/mattersession/pkg/transport"
	"github.com/pion/logging"
)

// Session drives one handshake for one role.
//
// For the initiator:
//  1. NewInitiator, then AllocateSecureSession
//  2. Start sends Sigma1
//  3. Sigma2 is answered with Sigma3
//  4. the closing StatusReport activates the session
//
// For the responder:
//  1. NewResponder, then AllocateSecureSession
//  2. Start attaches the exchange and waits for Sigma1
//  3. Sigma1 is answered with Sigma2
//  4. Sigma3 is answered with a StatusReport and activates the session
//
// Done delivers exactly one Result whatever happens.
type Session struct {
	config Config
	role   session.Role
	log    logging.LeveledLogger

	mu       sync.Mutex
	state    State
	expected uint8
	peer     session.PeerID
	table    *session.Table
	handle   session.Handle
	exchange Exchange
	started  time.Time

	localRandom   [RandomSize]byte
	ephKey        *crypto.KeyPair
	peerEph       []byte
	peerSessionID uint16
	peerParams    session.Params
	peerCATs      []uint32
	sharedSecret  []byte
	msg1          []byte
	msg2          []byte
	msg3          []byte

	done      chan Result
	completed bool
}

// NewInitiator creates the initiating side of a handshake with peer.
func NewInitiator(config Config, peer session.PeerID) *Session {
	s := newSession(config, session.RoleInitiator)
	s.peer = peer
	return s
}

// NewResponder creates the responding side. The peer is learned from
// Sigma3.
func NewResponder(config Config) *Session {
	return newSession(config, session.RoleResponder)
}

func newSession(config Config, role session.Role) *Session {
	s := &Session{
		config:     config.withDefaults(),
		role:       role,
		state:      StateIdle,
		peerParams: session.DefaultParams(),
		done:       make(chan Result, 1),
	}
	if config.LoggerFactory != nil {
		s.log = config.LoggerFactory.NewLogger("handshake")
	}
	return s
}

// Role returns the session's role.
func (s *Session) Role() session.Role {
	return s.role
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Expected returns the opcode awaited in StateAwaitingPeerMessage.
func (s *Session) Expected() uint8 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.expected
}

// Peer returns the peer, which for a responder is known only once Sigma3
// has been verified.
func (s *Session) Peer() session.PeerID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peer
}

// Handle returns the reserved slot.
func (s *Session) Handle() session.Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle
}

// Done is closed after the single Result has been delivered.
func (s *Session) Done() <-chan Result {
	return s.done
}

// AllocateSecureSession reserves a slot in table for this handshake. It
// returns session.ErrNoMemory when the table is full and nothing can be
// evicted for hint.
func (s *Session) AllocateSecureSession(table *session.Table, hint session.EvictionHint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateIdle || s.table != nil {
		return fmt.Errorf("%w: session already allocated", ErrInvalidState)
	}
	h, err := table.Allocate(s.role, hint)
	if err != nil {
		return err
	}
	s.table = table
	s.handle = h
	return nil
}

// Start attaches ex and, for the initiator, sends Sigma1. A failure to
// send completes the session.
func (s *Session) Start(ex Exchange) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateIdle || s.table == nil {
		return fmt.Errorf("%w: Start in %s", ErrInvalidState, s.state)
	}
	s.exchange = ex
	s.started = s.config.Clock.Now()
	ex.SetDelegate(s)

	if s.role == session.RoleResponder {
		s.awaitLocked(message.OpcodeSigma1)
		return nil
	}
	if err := s.sendSigma1Locked(); err != nil {
		s.failLocked(err)
		return err
	}
	return nil
}

// OnMessage handles a handshake message delivered by the exchange.
func (s *Session) OnMessage(opcode uint8, payload []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.IsTerminal() {
		return
	}
	if s.state != StateAwaitingPeerMessage {
		s.failLocked(fmt.Errorf("%w: %s in %s", ErrUnexpectedMessage, opcodeName(opcode), s.state))
		return
	}
	if opcode == message.OpcodeStatusReport && s.expected != message.OpcodeStatusReport {
		s.failLocked(peerAbort(payload))
		return
	}
	if opcode != s.expected {
		s.failLocked(fmt.Errorf("%w: got %s, want %s", ErrUnexpectedMessage, opcodeName(opcode), opcodeName(s.expected)))
		return
	}

	var err error
	switch opcode {
	case message.OpcodeSigma1:
		err = s.handleSigma1Locked(payload)
	case message.OpcodeSigma2:
		err = s.handleSigma2Locked(payload)
	case message.OpcodeSigma3:
		err = s.handleSigma3Locked(payload)
	case message.OpcodeStatusReport:
		err = s.handleStatusReportLocked(payload)
	}
	if err != nil {
		s.failLocked(err)
	}
}

// OnClose handles the exchange closing underneath the handshake.
func (s *Session) OnClose() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.IsTerminal() {
		return
	}
	s.exchange = nil
	s.failLocked(fmt.Errorf("%w: exchange closed", ErrAborted))
}

// OnTimeout handles an undeliverable message or an expired handshake timer.
func (s *Session) OnTimeout() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.IsTerminal() {
		return
	}
	s.failLocked(ErrTimeout)
}

// Finish detaches the exchange, activates the reserved slot and completes
// the session.
func (s *Session) Finish() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finishLocked()
}

// Clear aborts the handshake: the exchange is dropped without a graceful
// close and the reserved slot is released. A session that has not yet
// completed completes with ErrAborted. Clear after success leaves the
// active session alone.
func (s *Session) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.completed {
		s.dropExchangeLocked(false)
		return
	}
	s.failLocked(ErrAborted)
}

// ActivateSecureSession derives the session keys, builds the session's
// cipher and counters and then, as the last step, flips the reserved slot
// to active. Nothing after the flip can fail.
func (s *Session) ActivateSecureSession(peerAddr transport.PeerAddress) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activateLocked(peerAddr)
}

func (s *Session) activateLocked(peerAddr transport.PeerAddress) error {
	if s.table == nil || s.msg3 == nil {
		return fmt.Errorf("%w: nothing to activate", ErrInvalidState)
	}
	s.state = StateDerivingKeys

	th := crypto.TranscriptHash(s.msg1, s.msg2, s.msg3)
	keys, err := s.config.Provider.DeriveSessionKeys(s.sharedSecret, th[:])
	if err != nil {
		return err
	}
	defer keys.Zeroize()

	cc, err := crypto.NewSessionContext(keys, s.role == session.RoleInitiator)
	if err != nil {
		return err
	}
	window, err := counter.NewSyncedWindow(s.config.Window, counter.InitialSyncValue)
	if err != nil {
		cc.Zeroize()
		return err
	}

	s.state = StateActivating
	err = s.table.Activate(s.handle, session.Activation{
		PeerSessionID: s.peerSessionID,
		Peer:          s.peer,
		LocalNodeID:   s.config.Identity.NodeID,
		PeerAddress:   peerAddr,
		CATs:          s.peerCATs,
		PeerParams:    s.peerParams,
		Crypto:        cc,
		Window:        window,
		Outbound:      counter.NewRandomOutbound(),
	})
	if err != nil {
		cc.Zeroize()
		return err
	}
	// The slot now belongs to the table.
	s.table = nil
	return nil
}

func (s *Session) finishLocked() error {
	if s.completed {
		return fmt.Errorf("%w: already completed", ErrInvalidState)
	}
	ex := s.exchange
	if ex == nil {
		err := fmt.Errorf("%w: no exchange", ErrInvalidState)
		s.failLocked(err)
		return err
	}
	peerAddr := ex.PeerAddress()
	s.dropExchangeLocked(true)

	h := s.handle
	if err := s.activateLocked(peerAddr); err != nil {
		s.failLocked(err)
		return err
	}
	s.state = StateDone
	s.wipeLocked()
	if s.log != nil {
		s.log.Infof("%s established session %s with %s", s.role, h, s.peer)
	}
	s.completeLocked(Result{Role: s.role, Handle: h, Peer: s.peer})
	return nil
}

// failLocked completes the session with err, notifying the peer when the
// failure was detected locally.
func (s *Session) failLocked(err error) {
	if s.completed {
		return
	}
	s.state = StateFailed

	if ex := s.exchange; ex != nil && notifyPeer(err) {
		if sendErr := ex.SendMessage(message.OpcodeStatusReport, message.StatusInvalidParameter().Encode()); sendErr != nil && s.log != nil {
			s.log.Debugf("status report not sent: %v", sendErr)
		}
	}
	s.dropExchangeLocked(false)

	if s.table != nil {
		if relErr := s.table.Release(s.handle); relErr != nil && s.log != nil {
			s.log.Debugf("release %s: %v", s.handle, relErr)
		}
		s.table = nil
	}
	s.handle = session.Handle{}
	s.wipeLocked()

	if s.log != nil {
		s.log.Warnf("%s handshake with %s failed: %v", s.role, s.peer, err)
	}
	s.completeLocked(Result{Role: s.role, Peer: s.peer, Err: err})
}

func (s *Session) completeLocked(r Result) {
	if s.completed {
		return
	}
	s.completed = true

	var elapsed time.Duration
	if !s.started.IsZero() {
		elapsed = s.config.Clock.Since(s.started)
	}
	s.config.Metrics.HandshakeCompleted(s.role.String(), r.Err, elapsed)

	s.done <- r
	close(s.done)
}

func (s *Session) dropExchangeLocked(graceful bool) {
	ex := s.exchange
	if ex == nil {
		return
	}
	s.exchange = nil
	ex.SetDelegate(nil)
	if !graceful {
		ex.Abort()
		return
	}
	if err := ex.Close(); err != nil && s.log != nil {
		s.log.Debugf("close exchange: %v", err)
	}
}

func (s *Session) wipeLocked() {
	for i := range s.sharedSecret {
		s.sharedSecret[i] = 0
	}
	s.sharedSecret = nil
	s.ephKey = nil
}

func (s *Session) awaitLocked(opcode uint8) {
	s.state = StateAwaitingPeerMessage
	s.expected = opcode
}

func (s *Session) sendLocked(opcode uint8, payload []byte) error {
	if s.exchange == nil {
		return fmt.Errorf("%w: no exchange", ErrInvalidState)
	}
	return s.exchange.SendMessage(opcode, payload)
}

func (s *Session) localSessionIDLocked() (uint16, error) {
	ss, err := s.table.Session(s.handle)
	if err != nil {
		return 0, err
	}
	return ss.LocalSessionID(), nil
}

func (s *Session) newEphemeralLocked() error {
	if err := s.config.Provider.Random(s.localRandom[:]); err != nil {
		return err
	}
	kp, err := s.config.Provider.GenerateEphemeralKey()
	if err != nil {
		return err
	}
	s.ephKey = kp
	return nil
}

func (s *Session) sendSigma1Locked() error {
	localID, err := s.localSessionIDLocked()
	if err != nil {
		return err
	}
	if err := s.newEphemeralLocked(); err != nil {
		return err
	}

	m := &Sigma1{
		InitiatorSessionID: localID,
		DestinationID:      destinationID(s.localRandom[:], s.peer.Fabric, s.peer.Node),
		Params:             &s.config.Params,
	}
	m.InitiatorRandom = s.localRandom
	copy(m.InitiatorEphPubKey[:], s.ephKey.PublicKey())

	msg1, err := m.Encode()
	if err != nil {
		return err
	}
	s.msg1 = msg1
	if err := s.sendLocked(message.OpcodeSigma1, msg1); err != nil {
		return err
	}
	s.awaitLocked(message.OpcodeSigma2)
	return nil
}

func (s *Session) handleSigma1Locked(payload []byte) error {
	m, err := DecodeSigma1(payload)
	if err != nil {
		return err
	}
	id := s.config.Identity
	if want := destinationID(m.InitiatorRandom[:], id.Fabric, id.NodeID); m.DestinationID != want {
		return ErrNoSharedRoot
	}

	s.msg1 = payload
	s.peerSessionID = m.InitiatorSessionID
	s.peerEph = append([]byte(nil), m.InitiatorEphPubKey[:]...)
	if m.Params != nil {
		s.peerParams = *m.Params
	}

	localID, err := s.localSessionIDLocked()
	if err != nil {
		return err
	}
	if err := s.newEphemeralLocked(); err != nil {
		return err
	}
	ownEph := s.ephKey.PublicKey()

	s.sharedSecret, err = s.config.Provider.ECDH(s.ephKey, s.peerEph)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	encrypted2, err := s.sealIdentityLocked(ownEph, s.s2kSalt(s.localRandom[:], ownEph), s2kInfo, sigma2Nonce)
	if err != nil {
		return err
	}

	reply := &Sigma2{
		ResponderRandom:    s.localRandom,
		ResponderSessionID: localID,
		Encrypted2:         encrypted2,
		Params:             &s.config.Params,
	}
	copy(reply.ResponderEphPubKey[:], ownEph)

	msg2, err := reply.Encode()
	if err != nil {
		return err
	}
	s.msg2 = msg2
	if err := s.sendLocked(message.OpcodeSigma2, msg2); err != nil {
		return err
	}
	s.awaitLocked(message.OpcodeSigma3)
	return nil
}

func (s *Session) handleSigma2Locked(payload []byte) error {
	m, err := DecodeSigma2(payload)
	if err != nil {
		return err
	}
	s.msg2 = payload
	s.peerSessionID = m.ResponderSessionID
	s.peerEph = append([]byte(nil), m.ResponderEphPubKey[:]...)
	if m.Params != nil {
		s.peerParams = *m.Params
	}

	s.sharedSecret, err = s.config.Provider.ECDH(s.ephKey, s.peerEph)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	ident, err := s.openIdentityLocked(m.Encrypted2, s.s2kSalt(m.ResponderRandom[:], s.peerEph), s2kInfo, sigma2Nonce)
	if err != nil {
		return err
	}
	if ident.NodeID != s.peer.Node {
		return fmt.Errorf("%w: responder is node %016X", ErrUnknownPeer, uint64(ident.NodeID))
	}
	if err := s.verifyPeerLocked(s.peer, ident); err != nil {
		return err
	}
	s.peerCATs = ident.CATs

	ownEph := s.ephKey.PublicKey()
	encrypted3, err := s.sealIdentityLocked(ownEph, s.s3kSalt(), s3kInfo, sigma3Nonce)
	if err != nil {
		return err
	}
	msg3, err := (&Sigma3{Encrypted3: encrypted3}).Encode()
	if err != nil {
		return err
	}
	s.msg3 = msg3
	if err := s.sendLocked(message.OpcodeSigma3, msg3); err != nil {
		return err
	}
	s.awaitLocked(message.OpcodeStatusReport)
	return nil
}

func (s *Session) handleSigma3Locked(payload []byte) error {
	m, err := DecodeSigma3(payload)
	if err != nil {
		return err
	}
	ident, err := s.openIdentityLocked(m.Encrypted3, s.s3kSalt(), s3kInfo, sigma3Nonce)
	if err != nil {
		return err
	}
	peer := session.PeerID{Fabric: s.config.Identity.Fabric, Node: ident.NodeID}
	if err := s.verifyPeerLocked(peer, ident); err != nil {
		return err
	}
	s.peer = peer
	s.peerCATs = ident.CATs
	s.msg3 = payload

	if err := s.sendLocked(message.OpcodeStatusReport, message.StatusSuccess().Encode()); err != nil {
		return err
	}
	return s.finishLocked()
}

func (s *Session) handleStatusReportLocked(payload []byte) error {
	if err := peerAbort(payload); err != nil {
		return err
	}
	return s.finishLocked()
}

// sealIdentityLocked signs the local identity over both ephemeral keys and
// encrypts it under a key derived from the shared secret.
func (s *Session) sealIdentityLocked(ownEph, salt, info, nonce []byte) ([]byte, error) {
	id := s.config.Identity
	sig, err := s.config.Provider.Sign(id.Key, signedData(id.NodeID, ownEph, s.peerEph))
	if err != nil {
		return nil, err
	}
	plain := &identityData{NodeID: id.NodeID, CATs: id.CATs}
	copy(plain.Signature[:], sig)
	tbe, err := plain.encode()
	if err != nil {
		return nil, err
	}
	key, err := s.config.Provider.DeriveKey(s.sharedSecret, salt, info, crypto.KeySize)
	if err != nil {
		return nil, err
	}
	return s.config.Provider.Seal(key, nonce, tbe, nil)
}

func (s *Session) openIdentityLocked(ciphertext, salt, info, nonce []byte) (*identityData, error) {
	key, err := s.config.Provider.DeriveKey(s.sharedSecret, salt, info, crypto.KeySize)
	if err != nil {
		return nil, err
	}
	tbe, err := s.config.Provider.Open(key, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	return decodeIdentityData(tbe)
}

func (s *Session) verifyPeerLocked(peer session.PeerID, ident *identityData) error {
	if s.config.TrustStore == nil {
		return fmt.Errorf("%w: no trust store", ErrUnknownPeer)
	}
	pub, err := s.config.TrustStore.PublicKey(peer)
	if err != nil {
		if errors.Is(err, ErrUnknownPeer) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrUnknownPeer, err)
	}
	ownEph := s.ephKey.PublicKey()
	if err := s.config.Provider.Verify(pub, signedData(ident.NodeID, s.peerEph, ownEph), ident.Signature[:]); err != nil {
		return fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}
	return nil
}

// s2kSalt binds the Sigma2 key to the responder's contribution and Sigma1.
func (s *Session) s2kSalt(responderRandom, responderEph []byte) []byte {
	h := crypto.TranscriptHash(s.msg1)
	return bytes.Join([][]byte{responderRandom, responderEph, h[:]}, nil)
}

func (s *Session) s3kSalt() []byte {
	h := crypto.TranscriptHash(s.msg1, s.msg2)
	return h[:]
}

// peerAbort decodes a status report and returns nil only for success.
func peerAbort(payload []byte) error {
	report, err := message.DecodeStatusReport(payload)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if report.IsSuccess() {
		return nil
	}
	return &PeerStatusError{Report: report}
}

func notifyPeer(err error) bool {
	return !errors.Is(err, ErrPeerAborted) && !errors.Is(err, ErrTimeout) && !errors.Is(err, ErrAborted)
}

// PeerStatusError carries the status report a peer aborted with. It
// matches ErrPeerAborted.
type PeerStatusError struct {
	Report *message.StatusReport
}

func (e *PeerStatusError) Error() string {
	return fmt.Sprintf("%v: %s", ErrPeerAborted, e.Report)
}

// Is reports whether target is ErrPeerAborted.
func (e *PeerStatusError) Is(target error) bool {
	return target == ErrPeerAborted
}
