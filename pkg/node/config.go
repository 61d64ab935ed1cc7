package node

import (
	"fmt"
	"net"
	"time"

	"github.com/backkem/mattersession/pkg/counter"
	"github.com/backkem/mattersession/pkg/crypto"
	"github.com/backkem/mattersession/pkg/handshake"
	"github.com/backkem/mattersession/pkg/session"
	"github.com/benbjohnson/clock"
	"github.com/pion/logging"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"
)

// RequestHandler answers an echo request received over sess. The default
// handler returns the payload unchanged.
type RequestHandler func(sess *session.SecureSession, payload []byte) []byte

// Config holds the configuration of a Node.
type Config struct {
	// Identity and TrustStore are required.
	Identity   handshake.Identity
	TrustStore handshake.TrustStore

	// Conn is an optional pre-opened socket. When nil a UDP socket is
	// opened on ListenAddr, which defaults to an ephemeral port.
	Conn       net.PacketConn
	ListenAddr string

	// SessionCapacity defaults to session.DefaultCapacity.
	SessionCapacity int

	// Params are the reliability parameters advertised to peers.
	Params session.Params

	// Window configures the reception windows of secure sessions.
	Window counter.WindowConfig

	// Handshake admission. Zero values select the securechannel defaults.
	MaxConcurrentHandshakes int
	HandshakeRate           rate.Limit
	HandshakeTimeout        time.Duration

	// Handler answers echo requests.
	Handler RequestHandler

	// Optional callbacks.
	OnSessionEstablished func(sess *session.SecureSession)
	OnSessionClosed      func(sess *session.SecureSession)

	// Registerer receives the node's metrics. Nil disables registration
	// but metrics are still collected.
	Registerer prometheus.Registerer

	Provider      crypto.Provider
	Clock         clock.Clock
	LoggerFactory logging.LoggerFactory
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	id := c.Identity
	switch {
	case id.Key == nil:
		return fmt.Errorf("%w: identity key is required", ErrInvalidConfig)
	case id.Fabric == 0 || id.NodeID == 0:
		return fmt.Errorf("%w: identity needs a fabric and node ID", ErrInvalidConfig)
	case c.TrustStore == nil:
		return fmt.Errorf("%w: trust store is required", ErrInvalidConfig)
	case c.SessionCapacity < 0:
		return fmt.Errorf("%w: negative session capacity", ErrInvalidConfig)
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	if c.ListenAddr == "" {
		c.ListenAddr = ":0"
	}
	if c.Handler == nil {
		c.Handler = func(_ *session.SecureSession, payload []byte) []byte { return payload }
	}
	c.Params = c.Params.WithDefaults()
}

func (c *Config) handshakeConfig() handshake.Config {
	return handshake.Config{
		Provider:      c.Provider,
		TrustStore:    c.TrustStore,
		Identity:      c.Identity,
		Params:        c.Params,
		Window:        c.Window,
		Clock:         c.Clock,
		LoggerFactory: c.LoggerFactory,
	}
}
