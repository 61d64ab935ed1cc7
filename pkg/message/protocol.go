package message

import "encoding/binary"

// ProtocolHeader starts the message payload and routes it to an exchange.
type ProtocolHeader struct {
	Opcode     uint8
	ExchangeID uint16
	ProtocolID ProtocolID

	// VendorID is carried only when non-zero.
	VendorID uint16

	// Initiator is set on messages sent by the exchange initiator.
	Initiator bool

	// Reliable requests an acknowledgement.
	Reliable bool

	// Ack marks AckCounter as valid.
	Ack        bool
	AckCounter uint32
}

// Size returns the encoded size.
func (p *ProtocolHeader) Size() int {
	n := MinProtocolHeaderSize
	if p.VendorID != 0 {
		n += 2
	}
	if p.Ack {
		n += 4
	}
	return n
}

// AppendTo appends the wire form to buf.
func (p *ProtocolHeader) AppendTo(buf []byte) []byte {
	var flags uint8
	if p.Initiator {
		flags |= exchFlagInitiator
	}
	if p.Ack {
		flags |= exchFlagAck
	}
	if p.Reliable {
		flags |= exchFlagReliability
	}
	if p.VendorID != 0 {
		flags |= exchFlagVendor
	}

	buf = append(buf, flags, p.Opcode)
	buf = binary.LittleEndian.AppendUint16(buf, p.ExchangeID)
	if p.VendorID != 0 {
		buf = binary.LittleEndian.AppendUint16(buf, p.VendorID)
	}
	buf = binary.LittleEndian.AppendUint16(buf, uint16(p.ProtocolID))
	if p.Ack {
		buf = binary.LittleEndian.AppendUint32(buf, p.AckCounter)
	}
	return buf
}

// Decode parses a protocol header and returns the bytes consumed.
// Secured extensions are not supported and rejected.
func (p *ProtocolHeader) Decode(data []byte) (int, error) {
	if len(data) < MinProtocolHeaderSize {
		return 0, ErrPayloadTooShort
	}
	flags := data[0]
	if flags&^(exchFlagInitiator|exchFlagAck|exchFlagReliability|exchFlagVendor) != 0 {
		return 0, ErrUnsupportedFlags
	}

	*p = ProtocolHeader{
		Opcode:     data[1],
		ExchangeID: binary.LittleEndian.Uint16(data[2:]),
		Initiator:  flags&exchFlagInitiator != 0,
		Reliable:   flags&exchFlagReliability != 0,
		Ack:        flags&exchFlagAck != 0,
	}

	off := 4
	need := off + 2
	if flags&exchFlagVendor != 0 {
		need += 2
	}
	if p.Ack {
		need += 4
	}
	if len(data) < need {
		return 0, ErrPayloadTooShort
	}
	if flags&exchFlagVendor != 0 {
		p.VendorID = binary.LittleEndian.Uint16(data[off:])
		off += 2
	}
	p.ProtocolID = ProtocolID(binary.LittleEndian.Uint16(data[off:]))
	off += 2
	if p.Ack {
		p.AckCounter = binary.LittleEndian.Uint32(data[off:])
		off += 4
	}
	return off, nil
}
