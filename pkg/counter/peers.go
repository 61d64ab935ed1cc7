package counter

import (
	"strconv"
	"sync"
	"time"

	lrucache "github.com/cognusion/go-cache-lru"
)

const (
	// DefaultPeerTableSize bounds the number of tracked peers.
	DefaultPeerTableSize = 64

	// DefaultPeerTTL expires reception state of peers that went quiet.
	DefaultPeerTTL = 10 * time.Minute

	peerCleanupInterval = time.Minute
)

// PeerTableConfig configures a PeerTable.
type PeerTableConfig struct {
	// MaxPeers bounds the table; the least recently used peer is dropped
	// when it is full. Zero selects DefaultPeerTableSize.
	MaxPeers int

	// TTL expires idle peers. Zero selects DefaultPeerTTL.
	TTL time.Duration

	// WindowSize is the reception window size for each peer.
	WindowSize int
}

// PeerTable tracks reception windows of unauthenticated peers, keyed by
// source node ID. It is safe for concurrent use.
type PeerTable struct {
	mu     sync.Mutex
	cache  *lrucache.Cache
	ttl    time.Duration
	window WindowConfig
}

// NewPeerTable creates an empty peer table.
func NewPeerTable(config PeerTableConfig) (*PeerTable, error) {
	if config.MaxPeers == 0 {
		config.MaxPeers = DefaultPeerTableSize
	}
	if config.TTL == 0 {
		config.TTL = DefaultPeerTTL
	}
	window := WindowConfig{Size: config.WindowSize, TrustFirst: true}
	if _, err := NewWindow(window); err != nil {
		return nil, err
	}
	return &PeerTable{
		cache:  lrucache.NewWithLRU(config.TTL, peerCleanupInterval, config.MaxPeers),
		ttl:    config.TTL,
		window: window,
	}, nil
}

func peerKey(node uint64) string {
	return strconv.FormatUint(node, 16)
}

// VerifyUnencrypted checks and commits counter for an unauthenticated peer,
// re-seeding its window when the peer appears to have restarted. A peer
// seen for the first time is trusted.
func (p *PeerTable) VerifyUnencrypted(node uint64, counter uint32) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := peerKey(node)
	var w *Window
	if v, ok := p.cache.Get(key); ok {
		w = v.(*Window)
	} else {
		w, _ = NewWindow(p.window)
	}
	err := w.VerifyUnencrypted(counter)
	if err == nil {
		// Refresh the TTL on activity.
		p.cache.Set(key, w, p.ttl)
	}
	return err
}

// Len returns the number of tracked peers, including expired entries not
// yet purged.
func (p *PeerTable) Len() int {
	return p.cache.ItemCount()
}

// Flush drops all peers.
func (p *PeerTable) Flush() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cache.Flush()
}
