// Package message encodes and decodes the unicast message framing: a
// cleartext packet header followed by a protocol header and payload. For
// secure sessions the protocol header and payload are sealed as one block
// with the encoded packet header as additional data.
package message

// Wire sizes.
const (
	// Version is the only supported framing version.
	Version uint8 = 0

	// MinHeaderSize is flags, session ID, security flags and counter.
	MinHeaderSize = 8

	// MinProtocolHeaderSize is exchange flags, opcode, exchange ID and
	// protocol ID.
	MinProtocolHeaderSize = 6

	// MaxMessageSize bounds an encoded datagram.
	MaxMessageSize = 1280

	nodeIDSize = 8
)

const (
	flagDSIZMask      uint8 = 0x03
	flagSourcePresent uint8 = 0x04
	flagVersionShift        = 4

	dsizNone   uint8 = 0
	dsizNodeID uint8 = 1

	// Session type group, extensions, control and privacy are not used on
	// unicast sessions.
	secFlagsUnsupported uint8 = 0xE3

	exchFlagInitiator   uint8 = 0x01
	exchFlagAck         uint8 = 0x02
	exchFlagReliability uint8 = 0x04
	exchFlagVendor      uint8 = 0x10
)

// ProtocolID identifies the protocol an opcode belongs to.
type ProtocolID uint16

const (
	ProtocolSecureChannel ProtocolID = 0x0000
	ProtocolEcho          ProtocolID = 0x0004
)

func (p ProtocolID) String() string {
	switch p {
	case ProtocolSecureChannel:
		return "SecureChannel"
	case ProtocolEcho:
		return "Echo"
	default:
		return "Unknown"
	}
}

// Secure channel opcodes.
const (
	OpcodeStandaloneAck uint8 = 0x10
	OpcodeSigma1        uint8 = 0x30
	OpcodeSigma2        uint8 = 0x31
	OpcodeSigma3        uint8 = 0x32
	OpcodeStatusReport  uint8 = 0x40
)

// Echo protocol opcodes.
const (
	OpcodeEchoRequest  uint8 = 0x01
	OpcodeEchoResponse uint8 = 0x02
)
