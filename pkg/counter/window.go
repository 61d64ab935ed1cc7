package counter

import "fmt"

const (
	// DefaultWindowSize is the number of counters below the maximum that are
	// tracked for reordering.
	DefaultWindowSize = 32

	// MaxWindowSize is the widest window the bitmask can represent.
	MaxWindowSize = 64

	// InitialSyncValue is the counter a unicast window is synchronized to
	// when its session becomes active. Peers start their outbound counters
	// at a random value in [1, 2^28], which is always ahead of it.
	InitialSyncValue uint32 = 0
)

// WindowConfig configures a Window.
type WindowConfig struct {
	// Size is the number of counters below the maximum that are tracked.
	// Zero selects DefaultWindowSize.
	Size int

	// TrustFirst accepts the first counter of an unsynchronized window
	// in a group context and seeds the window with it.
	TrustFirst bool
}

// Window is the reception state for one peer.
//
// Bit k-1 of mask records whether maxCounter-k has been seen, for k in
// [1, size]. A Window is not safe for concurrent use; a session verifies and
// commits counters in delivery order from a single goroutine at a time.
type Window struct {
	size       uint32
	trustFirst bool

	synced     bool
	maxCounter uint32
	mask       uint64
}

// NewWindow creates an unsynchronized window.
func NewWindow(config WindowConfig) (*Window, error) {
	size := config.Size
	if size == 0 {
		size = DefaultWindowSize
	}
	if size < 1 || size > MaxWindowSize {
		return nil, fmt.Errorf("%w: %d", ErrInvalidWindowSize, config.Size)
	}
	return &Window{
		size:       uint32(size),
		trustFirst: config.TrustFirst,
	}, nil
}

// NewSyncedWindow creates a window already synchronized to max.
func NewSyncedWindow(config WindowConfig, max uint32) (*Window, error) {
	w, err := NewWindow(config)
	if err != nil {
		return nil, err
	}
	w.Synchronize(max)
	return w, nil
}

// Synchronize seeds the window with a known maximum counter. No counter at
// or below max is accepted afterwards, except those within the window that
// have not been seen.
func (w *Window) Synchronize(max uint32) {
	w.synced = true
	w.maxCounter = max
	w.mask = 0
}

// Reset drops all reception state.
func (w *Window) Reset() {
	w.synced = false
	w.maxCounter = 0
	w.mask = 0
}

// Synced reports whether the window has a reference counter.
func (w *Window) Synced() bool {
	return w.synced
}

// MaxCounter returns the highest committed counter.
func (w *Window) MaxCounter() uint32 {
	return w.maxCounter
}

// Size returns the window size.
func (w *Window) Size() int {
	return int(w.size)
}

// VerifyOrTrustFirst checks a counter against the window.
//
// An unsynchronized window accepts the first counter unconditionally when
// groupContext is set and the window trusts first messages; the window is
// seeded with that counter. Any other unsynchronized check fails with
// ErrNotSynchronized.
func (w *Window) VerifyOrTrustFirst(counter uint32, groupContext bool) error {
	if !w.synced {
		if groupContext && w.trustFirst {
			w.Synchronize(counter)
			return nil
		}
		return ErrNotSynchronized
	}
	return w.Verify(counter)
}

// Verify checks a counter against a synchronized window without modifying it.
func (w *Window) Verify(counter uint32) error {
	if !w.synced {
		return ErrNotSynchronized
	}

	diff := int32(counter - w.maxCounter)
	if diff > 0 {
		return nil
	}
	if diff == 0 {
		return ErrDuplicateMessage
	}

	behind := uint32(-int64(diff))
	if behind > w.size {
		return ErrOutOfWindow
	}
	if w.mask&(uint64(1)<<(behind-1)) != 0 {
		return ErrDuplicateMessage
	}
	return nil
}

// CommitWithRollover records a verified counter.
//
// A counter ahead of the maximum shifts the window forward, even when it is
// numerically smaller because the ring wrapped. A counter inside the window
// sets its bit. Counters equal to the maximum or older than the window leave
// the state unchanged, so committing the same counter twice is harmless.
func (w *Window) CommitWithRollover(counter uint32) {
	if !w.synced {
		w.Synchronize(counter)
		return
	}

	diff := int32(counter - w.maxCounter)
	switch {
	case diff > 0:
		w.advance(counter)
	case diff < 0:
		behind := uint32(-int64(diff))
		if behind <= w.size {
			w.mask |= uint64(1) << (behind - 1)
		}
	}
}

// VerifyUnencrypted checks and commits a counter from an unauthenticated
// peer. The first counter is trusted and duplicates inside the window are
// rejected. A counter behind the window re-seeds it, since unauthenticated
// peers may restart with a fresh counter.
func (w *Window) VerifyUnencrypted(counter uint32) error {
	if !w.synced {
		w.Synchronize(counter)
		return nil
	}

	switch err := w.Verify(counter); err {
	case nil:
		w.CommitWithRollover(counter)
		return nil
	case ErrOutOfWindow:
		w.Synchronize(counter)
		return nil
	default:
		return err
	}
}

func (w *Window) advance(newMax uint32) {
	shift := newMax - w.maxCounter
	if shift > w.size {
		w.mask = 0
	} else {
		// The previous maximum moves to offset shift.
		w.mask = (w.mask << shift) | (uint64(1) << (shift - 1))
	}
	w.mask &= w.bits()
	w.maxCounter = newMax
}

func (w *Window) bits() uint64 {
	if w.size == MaxWindowSize {
		return ^uint64(0)
	}
	return (uint64(1) << w.size) - 1
}
