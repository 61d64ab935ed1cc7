// Package retry provides a bounded keyed store with lifetime hooks.
//
// A Cache holds a fixed number of entries. Every entry added is acquired
// exactly once and released exactly once, whether it leaves the cache through
// Remove, RemoveMatching or Close. The exchange layer keeps unacknowledged
// reliable messages in a Cache; the secure channel keeps pending session
// establishment requests in one.
package retry

import "errors"

// Cache errors.
var (
	// ErrNoMemory is returned by Add when the cache is at capacity.
	ErrNoMemory = errors.New("retry: cache full")

	// ErrKeyExists is returned by Add when the key is already present.
	ErrKeyExists = errors.New("retry: key exists")

	// ErrKeyNotFound is returned by Remove when the key is not present.
	ErrKeyNotFound = errors.New("retry: key not found")

	// ErrClosed is returned for mutations after Close.
	ErrClosed = errors.New("retry: cache closed")
)
