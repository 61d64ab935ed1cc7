package message

// Frame is a decoded message.
type Frame struct {
	Header   Header
	Protocol ProtocolHeader
	Payload  []byte
}

// EncodePayload lays out the protocol header and application payload. On
// a secure session this block is what gets sealed.
func EncodePayload(p *ProtocolHeader, payload []byte) []byte {
	buf := make([]byte, 0, p.Size()+len(payload))
	buf = p.AppendTo(buf)
	return append(buf, payload...)
}

// DecodePayload splits a plaintext payload block.
func DecodePayload(data []byte) (ProtocolHeader, []byte, error) {
	var p ProtocolHeader
	n, err := p.Decode(data)
	if err != nil {
		return ProtocolHeader{}, nil, err
	}
	return p, data[n:], nil
}

// EncodeUnsecured encodes a frame for the unsecured session.
func (f *Frame) EncodeUnsecured() ([]byte, error) {
	out := append(f.Header.Encode(), EncodePayload(&f.Protocol, f.Payload)...)
	if len(out) > MaxMessageSize {
		return nil, ErrMessageTooLong
	}
	return out, nil
}

// DecodeHeader parses the packet header of a datagram. It returns the
// encoded header, which is the additional data for secure sessions, and
// the remaining payload block.
func DecodeHeader(data []byte) (Header, []byte, []byte, error) {
	if len(data) > MaxMessageSize {
		return Header{}, nil, nil, ErrMessageTooLong
	}
	var h Header
	n, err := h.Decode(data)
	if err != nil {
		return Header{}, nil, nil, err
	}
	return h, data[:n], data[n:], nil
}

// DecodeUnsecured decodes a complete unsecured datagram.
func DecodeUnsecured(data []byte) (*Frame, error) {
	h, _, rest, err := DecodeHeader(data)
	if err != nil {
		return nil, err
	}
	p, payload, err := DecodePayload(rest)
	if err != nil {
		return nil, err
	}
	return &Frame{Header: h, Protocol: p, Payload: payload}, nil
}
