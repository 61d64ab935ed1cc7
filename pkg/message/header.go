package message

import "encoding/binary"

// Header is the cleartext packet header. All fields are little-endian on
// the wire.
type Header struct {
	// SessionID is the receiver's local session ID, or zero for the
	// unsecured session.
	SessionID uint16

	MessageCounter uint32

	SourcePresent bool
	SourceNodeID  uint64

	DestinationPresent bool
	DestinationNodeID  uint64
}

// Size returns the encoded size.
func (h *Header) Size() int {
	n := MinHeaderSize
	if h.SourcePresent {
		n += nodeIDSize
	}
	if h.DestinationPresent {
		n += nodeIDSize
	}
	return n
}

// IsSecure reports whether the message belongs to a secure session.
func (h *Header) IsSecure() bool {
	return h.SessionID != 0
}

// Encode returns the wire form, which doubles as the AEAD additional data.
func (h *Header) Encode() []byte {
	buf := make([]byte, h.Size())

	flags := Version << flagVersionShift
	if h.SourcePresent {
		flags |= flagSourcePresent
	}
	if h.DestinationPresent {
		flags |= dsizNodeID
	}
	buf[0] = flags
	binary.LittleEndian.PutUint16(buf[1:], h.SessionID)
	buf[3] = 0
	binary.LittleEndian.PutUint32(buf[4:], h.MessageCounter)

	off := MinHeaderSize
	if h.SourcePresent {
		binary.LittleEndian.PutUint64(buf[off:], h.SourceNodeID)
		off += nodeIDSize
	}
	if h.DestinationPresent {
		binary.LittleEndian.PutUint64(buf[off:], h.DestinationNodeID)
	}
	return buf
}

// Decode parses a header from data and returns the bytes consumed.
func (h *Header) Decode(data []byte) (int, error) {
	if len(data) < MinHeaderSize {
		return 0, ErrMessageTooShort
	}
	flags := data[0]
	if flags>>flagVersionShift != Version {
		return 0, ErrInvalidVersion
	}
	dsiz := flags & flagDSIZMask
	if dsiz != dsizNone && dsiz != dsizNodeID {
		return 0, ErrUnsupportedFlags
	}
	if data[3]&secFlagsUnsupported != 0 {
		return 0, ErrUnsupportedFlags
	}

	*h = Header{
		SessionID:          binary.LittleEndian.Uint16(data[1:]),
		MessageCounter:     binary.LittleEndian.Uint32(data[4:]),
		SourcePresent:      flags&flagSourcePresent != 0,
		DestinationPresent: dsiz == dsizNodeID,
	}
	if len(data) < h.Size() {
		return 0, ErrMessageTooShort
	}

	off := MinHeaderSize
	if h.SourcePresent {
		h.SourceNodeID = binary.LittleEndian.Uint64(data[off:])
		off += nodeIDSize
	}
	if h.DestinationPresent {
		h.DestinationNodeID = binary.LittleEndian.Uint64(data[off:])
		off += nodeIDSize
	}
	return off, nil
}
