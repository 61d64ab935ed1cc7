package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/backkem/mattersession/pkg/counter"
	"github.com/backkem/mattersession/pkg/crypto"
	"github.com/backkem/mattersession/pkg/transport"
	"github.com/benbjohnson/clock"
)

// MaxCATCount is the most CASE authenticated tags kept per session.
const MaxCATCount = 3

// Activation is everything a handshake prepares before a reserved slot
// goes live. Every field is computed before Table.Activate so that the
// transition itself cannot fail half way.
type Activation struct {
	PeerSessionID uint16
	Peer          PeerID
	LocalNodeID   NodeID
	PeerAddress   transport.PeerAddress
	CATs          []uint32

	// PeerParams are the reliability parameters the peer advertised.
	PeerParams Params

	Crypto   *crypto.SessionContext
	Window   *counter.Window
	Outbound *counter.Outbound
}

func (a *Activation) validate() error {
	switch {
	case a.PeerSessionID == 0:
		return fmt.Errorf("%w: peer session ID is zero", ErrInvalidActivation)
	case a.Crypto == nil:
		return fmt.Errorf("%w: missing crypto context", ErrInvalidActivation)
	case a.Window == nil || !a.Window.Synced():
		return fmt.Errorf("%w: reception window not synchronized", ErrInvalidActivation)
	case a.Outbound == nil:
		return fmt.Errorf("%w: missing outbound counter", ErrInvalidActivation)
	}
	return nil
}

// SecureSession is one slot of a Table. Pointers returned by the table stay
// safe to call after the slot is released: every traffic operation then
// fails with ErrNotActive.
type SecureSession struct {
	handle         Handle
	role           Role
	localSessionID uint16
	clock          clock.Clock

	mu            sync.Mutex
	state         State
	peerSessionID uint16
	peer          PeerID
	localNodeID   NodeID
	peerAddress   transport.PeerAddress
	cats          []uint32
	params        Params

	crypto   *crypto.SessionContext
	window   *counter.Window
	outbound *counter.Outbound

	createdAt        time.Time
	sessionTimestamp time.Time
	activeTimestamp  time.Time
}

func newSecureSession(h Handle, role Role, localID uint16, clk clock.Clock) *SecureSession {
	now := clk.Now()
	return &SecureSession{
		handle:           h,
		role:             role,
		localSessionID:   localID,
		clock:            clk,
		state:            StateEstablishing,
		params:           DefaultParams(),
		createdAt:        now,
		sessionTimestamp: now,
		activeTimestamp:  now,
	}
}

// Handle returns the table handle of this session.
func (s *SecureSession) Handle() Handle { return s.handle }

// Role returns the local role.
func (s *SecureSession) Role() Role { return s.role }

// LocalSessionID is the ID peers put in messages addressed to us.
func (s *SecureSession) LocalSessionID() uint16 { return s.localSessionID }

// PeerSessionID is the ID we put in messages addressed to the peer.
func (s *SecureSession) PeerSessionID() uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peerSessionID
}

// State returns the lifecycle state.
func (s *SecureSession) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Peer returns the authenticated peer identity.
func (s *SecureSession) Peer() PeerID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peer
}

// LocalNodeID returns the node ID we authenticated as.
func (s *SecureSession) LocalNodeID() NodeID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.localNodeID
}

// PeerAddress returns the last known address of the peer.
func (s *SecureSession) PeerAddress() transport.PeerAddress {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peerAddress
}

// SetPeerAddress records a new address after an authenticated message
// arrived from it.
func (s *SecureSession) SetPeerAddress(addr transport.PeerAddress) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if addr.IsValid() {
		s.peerAddress = addr
	}
}

// CATs returns a copy of the peer's CASE authenticated tags.
func (s *SecureSession) CATs() []uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.cats) == 0 {
		return nil
	}
	return append([]uint32(nil), s.cats...)
}

// Params returns the peer's reliability parameters.
func (s *SecureSession) Params() Params {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.params
}

// IsPeerActive reports whether the peer sent something within its active
// threshold.
func (s *SecureSession) IsPeerActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clock.Since(s.activeTimestamp) < s.params.ActiveThreshold
}

// SessionTimestamp is the time of the last send or receive.
func (s *SecureSession) SessionTimestamp() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionTimestamp
}

// ActiveTimestamp is the time of the last receive.
func (s *SecureSession) ActiveTimestamp() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeTimestamp
}

// AttestationChallenge returns the challenge derived with the session keys.
func (s *SecureSession) AttestationChallenge() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateActive {
		return nil, ErrNotActive
	}
	return s.crypto.AttestationChallenge(), nil
}

// NextCounter returns the next outbound message counter.
func (s *SecureSession) NextCounter() (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateActive {
		return 0, ErrNotActive
	}
	c, err := s.outbound.Next()
	if err != nil {
		return 0, ErrCounterExhausted
	}
	return c, nil
}

// Seal encrypts an outbound payload. aad is the encoded message header,
// which must carry messageCounter.
func (s *SecureSession) Seal(messageCounter uint32, aad, plaintext []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateActive {
		return nil, ErrNotActive
	}
	nonce := crypto.BuildNonce(messageCounter, uint64(s.localNodeID))
	out := s.crypto.Seal(nil, nonce, plaintext, aad)
	s.sessionTimestamp = s.clock.Now()
	return out, nil
}

// Open authenticates and decrypts an inbound payload. It does not touch the
// reception window; callers verify the counter first and commit it after
// Open succeeds.
func (s *SecureSession) Open(messageCounter uint32, aad, ciphertext []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateActive {
		return nil, ErrNotActive
	}
	nonce := crypto.BuildNonce(messageCounter, uint64(s.peer.Node))
	out, err := s.crypto.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return out, nil
}

// VerifyCounter checks an inbound counter against the reception window.
func (s *SecureSession) VerifyCounter(messageCounter uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateActive {
		return ErrNotActive
	}
	return s.window.VerifyOrTrustFirst(messageCounter, false)
}

// CommitCounter records an authenticated inbound counter.
func (s *SecureSession) CommitCounter(messageCounter uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateActive {
		return
	}
	s.window.CommitWithRollover(messageCounter)
}

// VerifyAndCommitCounter verifies an authenticated inbound counter and
// commits it in one step, so concurrent receivers cannot both accept it.
func (s *SecureSession) VerifyAndCommitCounter(messageCounter uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateActive {
		return ErrNotActive
	}
	if err := s.window.VerifyOrTrustFirst(messageCounter, false); err != nil {
		return err
	}
	s.window.CommitWithRollover(messageCounter)
	return nil
}

// Touch records activity. receive marks the peer active.
func (s *SecureSession) Touch(receive bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	s.sessionTimestamp = now
	if receive {
		s.activeTimestamp = now
	}
}

func (s *SecureSession) activate(a *Activation) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	s.peerSessionID = a.PeerSessionID
	s.peer = a.Peer
	s.localNodeID = a.LocalNodeID
	s.peerAddress = a.PeerAddress
	if n := len(a.CATs); n > 0 {
		if n > MaxCATCount {
			n = MaxCATCount
		}
		s.cats = append([]uint32(nil), a.CATs[:n]...)
	}
	s.params = a.PeerParams.WithDefaults()
	s.crypto = a.Crypto
	s.window = a.Window
	s.outbound = a.Outbound
	s.sessionTimestamp = now
	s.activeTimestamp = now
	s.state = StateActive
}

// retire moves the session to Defunct and drops its key material. It
// reports whether the session was active.
func (s *SecureSession) retire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	wasActive := s.state == StateActive
	s.state = StateDefunct
	if s.crypto != nil {
		s.crypto.Zeroize()
		s.crypto = nil
	}
	s.window = nil
	s.outbound = nil
	return wasActive
}

// lastUsed returns the timestamp eviction orders by.
func (s *SecureSession) lastUsed() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionTimestamp
}
