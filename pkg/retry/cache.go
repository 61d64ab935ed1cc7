package retry

// Lifetime receives the acquire and release events of cache payloads.
type Lifetime[P any] interface {
	// Acquire is called once when a payload is stored.
	Acquire(P)
	// Release is called once when a payload leaves the cache.
	Release(P)
}

// LifetimeFuncs adapts a pair of functions to Lifetime. Either may be nil.
type LifetimeFuncs[P any] struct {
	OnAcquire func(P)
	OnRelease func(P)
}

// Acquire implements Lifetime.
func (l LifetimeFuncs[P]) Acquire(p P) {
	if l.OnAcquire != nil {
		l.OnAcquire(p)
	}
}

// Release implements Lifetime.
func (l LifetimeFuncs[P]) Release(p P) {
	if l.OnRelease != nil {
		l.OnRelease(p)
	}
}

type entry[K comparable, P any] struct {
	key     K
	payload P
}

// Cache is a fixed-capacity keyed store that keeps insertion order.
//
// Adding a key that is already present fails with ErrKeyExists; the caller
// must Remove it first. Adding to a full cache fails with ErrNoMemory and
// never evicts.
//
// A Cache is not safe for concurrent use. Its owner serializes access, and
// lifetime hooks run synchronously inside the mutating call.
type Cache[K comparable, P any] struct {
	capacity int
	lifetime Lifetime[P]
	entries  []entry[K, P]
	closed   bool
}

// New creates a cache holding at most capacity entries. A nil lifetime
// disables hooks.
func New[K comparable, P any](capacity int, lifetime Lifetime[P]) *Cache[K, P] {
	if capacity < 0 {
		capacity = 0
	}
	if lifetime == nil {
		lifetime = LifetimeFuncs[P]{}
	}
	return &Cache[K, P]{
		capacity: capacity,
		lifetime: lifetime,
		entries:  make([]entry[K, P], 0, capacity),
	}
}

// Add stores payload under key and acquires it.
func (c *Cache[K, P]) Add(key K, payload P) error {
	if c.closed {
		return ErrClosed
	}
	if c.indexOf(key) >= 0 {
		return ErrKeyExists
	}
	if len(c.entries) >= c.capacity {
		return ErrNoMemory
	}
	c.entries = append(c.entries, entry[K, P]{key: key, payload: payload})
	c.lifetime.Acquire(payload)
	return nil
}

// Remove deletes the entry for key and releases its payload.
func (c *Cache[K, P]) Remove(key K) error {
	if c.closed {
		return ErrClosed
	}
	i := c.indexOf(key)
	if i < 0 {
		return ErrKeyNotFound
	}
	e := c.entries[i]
	c.deleteAt(i)
	c.lifetime.Release(e.payload)
	return nil
}

// RemoveMatching deletes every entry for which match returns true and
// returns how many were removed. Each entry is visited at most once; the
// hooks of removed entries run after the scan completes, in insertion order.
func (c *Cache[K, P]) RemoveMatching(match func(K, P) bool) int {
	if c.closed {
		return 0
	}

	var removed []P
	kept := c.entries[:0]
	for _, e := range c.entries {
		if match(e.key, e.payload) {
			removed = append(removed, e.payload)
			continue
		}
		kept = append(kept, e)
	}
	// Clear the tail so released payloads are not retained.
	var zero entry[K, P]
	for i := len(kept); i < len(c.entries); i++ {
		c.entries[i] = zero
	}
	c.entries = kept

	for _, p := range removed {
		c.lifetime.Release(p)
	}
	return len(removed)
}

// Find returns the first entry in insertion order that satisfies match.
func (c *Cache[K, P]) Find(match func(K, P) bool) (K, P, bool) {
	for _, e := range c.entries {
		if match(e.key, e.payload) {
			return e.key, e.payload, true
		}
	}
	var k K
	var p P
	return k, p, false
}

// Get returns the payload stored under key.
func (c *Cache[K, P]) Get(key K) (P, bool) {
	if i := c.indexOf(key); i >= 0 {
		return c.entries[i].payload, true
	}
	var p P
	return p, false
}

// Range calls fn for each entry in insertion order until fn returns false.
// fn must not mutate the cache.
func (c *Cache[K, P]) Range(fn func(K, P) bool) {
	for _, e := range c.entries {
		if !fn(e.key, e.payload) {
			return
		}
	}
}

// Len returns the number of stored entries.
func (c *Cache[K, P]) Len() int {
	return len(c.entries)
}

// Cap returns the capacity fixed at construction.
func (c *Cache[K, P]) Cap() int {
	return c.capacity
}

// Close releases every remaining entry. Further mutations fail with
// ErrClosed. Closing twice is a no-op.
func (c *Cache[K, P]) Close() {
	if c.closed {
		return
	}
	c.closed = true
	entries := c.entries
	c.entries = nil
	for _, e := range entries {
		c.lifetime.Release(e.payload)
	}
}

func (c *Cache[K, P]) indexOf(key K) int {
	for i := range c.entries {
		if c.entries[i].key == key {
			return i
		}
	}
	return -1
}

func (c *Cache[K, P]) deleteAt(i int) {
	copy(c.entries[i:], c.entries[i+1:])
	var zero entry[K, P]
	c.entries[len(c.entries)-1] = zero
	c.entries = c.entries[:len(c.entries)-1]
}
