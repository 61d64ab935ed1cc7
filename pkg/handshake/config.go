package handshake

import (
	"fmt"

	"github.com/backkem/mattersession/pkg/counter"
	"github.com/backkem/mattersession/pkg/crypto"
	"github.com/backkem/mattersession/pkg/exchange"
	"github.com/backkem/mattersession/pkg/metrics"
	"github.com/backkem/mattersession/pkg/session"
	"github.com/backkem/mattersession/pkg/transport"
	"github.com/benbjohnson/clock"
	"github.com/pion/logging"
)

// Exchange is the conversation a handshake runs over. Implementations
// must not call the delegate from inside these methods.
type Exchange interface {
	SendMessage(opcode uint8, payload []byte) error
	SetDelegate(d exchange.Delegate)

	// Close ends the exchange gracefully, flushing acknowledgements.
	Close() error

	// Abort drops the exchange and any pending retransmission.
	Abort()

	PeerAddress() transport.PeerAddress
}

// TrustStore resolves the signing key a peer must prove possession of.
type TrustStore interface {
	PublicKey(peer session.PeerID) ([]byte, error)
}

// StaticTrustStore is a fixed map of peers to uncompressed P-256 public keys.
type StaticTrustStore map[session.PeerID][]byte

// PublicKey implements TrustStore.
func (s StaticTrustStore) PublicKey(peer session.PeerID) ([]byte, error) {
	key, ok := s[peer]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPeer, peer)
	}
	return key, nil
}

// Identity is the local node's operational identity.
type Identity struct {
	Fabric session.FabricIndex
	NodeID session.NodeID
	Key    *crypto.KeyPair

	// CATs are disclosed to the peer inside the encrypted payload.
	CATs []uint32
}

// Config configures a Session.
type Config struct {
	// Provider defaults to crypto.NewProvider().
	Provider crypto.Provider

	TrustStore TrustStore
	Identity   Identity

	// Params are the local reliability parameters advertised to the peer.
	Params session.Params

	// Window configures the reception window of the established session.
	Window counter.WindowConfig

	// Clock defaults to the wall clock.
	Clock clock.Clock

	Metrics       *metrics.Metrics
	LoggerFactory logging.LoggerFactory
}

func (c Config) withDefaults() Config {
	if c.Provider == nil {
		c.Provider = crypto.NewProvider()
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	c.Params = c.Params.WithDefaults()
	return c
}

// Result is the single completion of a Session.
type Result struct {
	Role   session.Role
	Handle session.Handle
	Peer   session.PeerID
	Err    error
}
