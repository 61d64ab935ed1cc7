package exchange

import "errors"

// Errors returned by the exchange package.
var (
	// ErrExchangeClosed is returned when operating on a closed exchange.
	ErrExchangeClosed = errors.New("exchange: exchange is closed")

	// ErrExchangeClosing is returned when sending on a closing exchange.
	ErrExchangeClosing = errors.New("exchange: exchange is closing")

	// ErrNoHandler is returned when no handler is registered for the
	// protocol of an unsolicited message.
	ErrNoHandler = errors.New("exchange: no handler registered for protocol")

	// ErrExchangeExists is returned when an exchange key is already taken.
	ErrExchangeExists = errors.New("exchange: exchange already exists")

	// ErrSessionNotFound is returned for a message on an unknown session.
	ErrSessionNotFound = errors.New("exchange: session not found")

	// ErrPendingRetransmit is returned when sending while the previous
	// reliable message is still unacknowledged.
	ErrPendingRetransmit = errors.New("exchange: reliable message pending")

	// ErrDuplicateMessage is returned for a message already received.
	ErrDuplicateMessage = errors.New("exchange: duplicate message")

	// ErrInvalidMessage is returned for a message that fails to decode or
	// violates the framing rules.
	ErrInvalidMessage = errors.New("exchange: invalid message")

	// ErrUnsolicitedNotInitiator is returned for an unsolicited message
	// without the initiator flag.
	ErrUnsolicitedNotInitiator = errors.New("exchange: unsolicited message must have initiator flag")

	// ErrRetransmitTableFull is returned when no more reliable messages can
	// be outstanding.
	ErrRetransmitTableFull = errors.New("exchange: retransmission table full")

	// ErrInvalidConfig is returned by NewManager for a missing sender or
	// session table.
	ErrInvalidConfig = errors.New("exchange: invalid manager config")

	// ErrManagerClosed is returned after Manager.Close.
	ErrManagerClosed = errors.New("exchange: manager closed")
)
