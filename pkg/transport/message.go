package transport

// MaxMessageSize is the largest datagram sent or accepted (IPv6 minimum MTU).
const MaxMessageSize = 1280

// ReceivedMessage is one datagram as read from the network.
type ReceivedMessage struct {
	Data     []byte
	PeerAddr PeerAddress
}

// MessageHandler is called from the read loop for each received datagram.
// Handlers must not block for long.
type MessageHandler func(msg *ReceivedMessage)

// Sender is the send side of a transport, consumed by the exchange layer.
type Sender interface {
	Send(data []byte, peer PeerAddress) error
}
