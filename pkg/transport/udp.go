package transport

import (
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/pion/logging"
)

// DefaultPort is the default listening port.
const DefaultPort = 5540

// UDP reads datagrams from a net.PacketConn and hands them to a
// MessageHandler. Any PacketConn works, including PipePacketConn.
type UDP struct {
	conn    net.PacketConn
	handler MessageHandler
	closeCh chan struct{}
	wg      sync.WaitGroup
	log     logging.LeveledLogger

	mu      sync.RWMutex
	started bool
	closed  bool
}

// UDPConfig configures the UDP transport.
type UDPConfig struct {
	// Conn is an optional pre-existing PacketConn. When nil a socket is
	// opened on ListenAddr.
	Conn net.PacketConn

	// ListenAddr defaults to an ephemeral port on all interfaces.
	ListenAddr string

	// MessageHandler is required.
	MessageHandler MessageHandler

	LoggerFactory logging.LoggerFactory
}

// NewUDP creates a UDP transport. Call Start to begin reading.
func NewUDP(config UDPConfig) (*UDP, error) {
	if config.MessageHandler == nil {
		return nil, ErrNoHandler
	}

	u := &UDP{
		conn:    config.Conn,
		handler: config.MessageHandler,
		closeCh: make(chan struct{}),
	}
	if config.LoggerFactory != nil {
		u.log = config.LoggerFactory.NewLogger("transport")
	}

	if u.conn == nil {
		addr := config.ListenAddr
		if addr == "" {
			addr = ":0"
		}
		conn, err := net.ListenPacket("udp", addr)
		if err != nil {
			return nil, err
		}
		u.conn = conn
	}

	return u, nil
}

// Start launches the read loop.
func (u *UDP) Start() error {
	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		return ErrClosed
	}
	if u.started {
		u.mu.Unlock()
		return ErrAlreadyStarted
	}
	u.started = true
	u.mu.Unlock()

	if u.log != nil {
		u.log.Infof("listening on %s", u.conn.LocalAddr())
	}

	u.wg.Add(1)
	go u.readLoop()
	return nil
}

// Close stops the read loop and closes the connection.
func (u *UDP) Close() error {
	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		return ErrClosed
	}
	u.closed = true
	u.mu.Unlock()

	close(u.closeCh)
	_ = u.conn.SetReadDeadline(time.Now())
	err := u.conn.Close()
	u.wg.Wait()
	return err
}

// Send writes one datagram to peer.
func (u *UDP) Send(data []byte, peer PeerAddress) error {
	u.mu.RLock()
	closed := u.closed
	u.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	if !peer.IsValid() {
		return ErrInvalidAddress
	}
	if len(data) > MaxMessageSize {
		return ErrMessageTooLarge
	}

	if _, err := u.conn.WriteTo(data, peer.Addr); err != nil {
		if u.log != nil {
			u.log.Warnf("send to %s failed: %v", peer, err)
		}
		return err
	}
	return nil
}

// LocalAddr returns the bound address.
func (u *UDP) LocalAddr() net.Addr {
	return u.conn.LocalAddr()
}

func (u *UDP) readLoop() {
	defer u.wg.Done()

	buf := make([]byte, MaxMessageSize)
	for {
		n, addr, err := u.conn.ReadFrom(buf)
		if err != nil {
			select {
			case <-u.closeCh:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
				return
			}
			if u.log != nil {
				u.log.Warnf("read error: %v", err)
			}
			continue
		}
		if n == 0 {
			continue
		}

		data := make([]byte, n)
		copy(data, buf[:n])
		u.handler(&ReceivedMessage{Data: data, PeerAddr: NewPeerAddress(addr)})
	}
}

var _ Sender = (*UDP)(nil)
