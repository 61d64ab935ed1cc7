package transport

import (
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/pion/transport/v3/test"
	"go.uber.org/multierr"
)

// NetworkCondition describes the lossiness applied to datagrams written
// into a Pipe.
type NetworkCondition struct {
	// DropRate is the probability of silently dropping a datagram.
	DropRate float64

	// DuplicateRate is the probability of delivering a datagram twice.
	DuplicateRate float64
}

// PipeConfig configures a Pipe.
type PipeConfig struct {
	// AutoProcess delivers queued datagrams from a background goroutine.
	AutoProcess bool

	// ProcessInterval defaults to 1ms.
	ProcessInterval time.Duration

	// Seed makes drop and duplicate decisions reproducible. Zero seeds from
	// the wall clock.
	Seed int64
}

// DefaultPipeConfig returns an auto-processing configuration.
func DefaultPipeConfig() PipeConfig {
	return PipeConfig{
		AutoProcess:     true,
		ProcessInterval: time.Millisecond,
	}
}

// Pipe is an in-memory datagram link between two endpoints built on the
// pion test bridge.
type Pipe struct {
	bridge *test.Bridge
	conns  [2]*PipePacketConn

	mu        sync.Mutex
	condition NetworkCondition
	rng       *rand.Rand
	closed    bool
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// NewPipe creates an auto-processing pipe.
func NewPipe() *Pipe {
	return NewPipeWithConfig(DefaultPipeConfig())
}

// NewPipeWithConfig creates a pipe with the given configuration.
func NewPipeWithConfig(config PipeConfig) *Pipe {
	seed := config.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	p := &Pipe{
		bridge: test.NewBridge(),
		rng:    rand.New(rand.NewSource(seed)),
		stopCh: make(chan struct{}),
	}
	p.conns[0] = &PipePacketConn{pipe: p, conn: p.bridge.GetConn0(), local: PipeAddr{ID: 0}, peer: PipeAddr{ID: 1}}
	p.conns[1] = &PipePacketConn{pipe: p, conn: p.bridge.GetConn1(), local: PipeAddr{ID: 1}, peer: PipeAddr{ID: 0}}

	if config.AutoProcess {
		interval := config.ProcessInterval
		if interval <= 0 {
			interval = time.Millisecond
		}
		p.wg.Add(1)
		go p.autoProcess(interval)
	}
	return p
}

func (p *Pipe) autoProcess(interval time.Duration) {
	defer p.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.bridge.Tick()
		}
	}
}

// Conn returns endpoint 0 or 1.
func (p *Pipe) Conn(id int) *PipePacketConn {
	return p.conns[id&1]
}

// SetCondition changes the network condition for both directions.
func (p *Pipe) SetCondition(cond NetworkCondition) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.condition = cond
}

// Process hands queued datagrams to endpoints with a blocked reader and
// returns how many moved. A datagram for an endpoint that is not currently
// reading stays queued until a later call.
func (p *Pipe) Process() int {
	count := 0
	for {
		n := p.bridge.Tick()
		if n == 0 {
			return count
		}
		count += n
	}
}

// Queued returns the number of datagrams waiting in both directions.
func (p *Pipe) Queued() int {
	return p.bridge.Len(0) + p.bridge.Len(1)
}

// Close stops processing and closes both endpoints.
func (p *Pipe) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.stopCh)
	p.mu.Unlock()

	p.wg.Wait()
	return multierr.Combine(
		p.bridge.GetConn0().Close(),
		p.bridge.GetConn1().Close(),
	)
}

// decide returns how many copies of a datagram to deliver.
func (p *Pipe) decide() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.condition.DropRate > 0 && p.rng.Float64() < p.condition.DropRate {
		return 0
	}
	if p.condition.DuplicateRate > 0 && p.rng.Float64() < p.condition.DuplicateRate {
		return 2
	}
	return 1
}

// PipeAddr is the net.Addr of a pipe endpoint.
type PipeAddr struct {
	ID int
}

// Network returns "pipe".
func (a PipeAddr) Network() string { return "pipe" }

func (a PipeAddr) String() string { return fmt.Sprintf("pipe:%d", a.ID) }

// PipePacketConn adapts one pipe endpoint to net.PacketConn so it can back
// a UDP transport.
type PipePacketConn struct {
	pipe  *Pipe
	conn  net.Conn
	local PipeAddr
	peer  PipeAddr
}

// PeerAddress returns the address of the opposite endpoint.
func (c *PipePacketConn) PeerAddress() PeerAddress {
	return NewPeerAddress(c.peer)
}

// ReadFrom reads one datagram. The source is always the opposite endpoint.
func (c *PipePacketConn) ReadFrom(b []byte) (int, net.Addr, error) {
	n, err := c.conn.Read(b)
	return n, c.peer, err
}

// WriteTo writes one datagram subject to the pipe's network condition. The
// address is ignored.
func (c *PipePacketConn) WriteTo(b []byte, _ net.Addr) (int, error) {
	for i := c.pipe.decide(); i > 0; i-- {
		if _, err := c.conn.Write(b); err != nil {
			return 0, err
		}
	}
	return len(b), nil
}

// Close closes this endpoint.
func (c *PipePacketConn) Close() error { return c.conn.Close() }

// LocalAddr returns this endpoint's address.
func (c *PipePacketConn) LocalAddr() net.Addr { return c.local }

// SetDeadline implements net.PacketConn.
func (c *PipePacketConn) SetDeadline(t time.Time) error { return c.conn.SetDeadline(t) }

// SetReadDeadline implements net.PacketConn.
func (c *PipePacketConn) SetReadDeadline(t time.Time) error { return c.conn.SetReadDeadline(t) }

// SetWriteDeadline implements net.PacketConn.
func (c *PipePacketConn) SetWriteDeadline(t time.Time) error { return c.conn.SetWriteDeadline(t) }

var _ net.PacketConn = (*PipePacketConn)(nil)
