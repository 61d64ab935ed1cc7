package handshake

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/backkem/mattersession/pkg/crypto"
	"github.com/backkem/mattersession/pkg/session"
	"github.com/backkem/mattersession/pkg/tlv"
)

// Field sizes.
const (
	RandomSize        = 32
	DestinationIDSize = crypto.HashSize
)

// Fixed AEAD nonces for the encrypted parts of Sigma2 and Sigma3. Each key
// seals exactly one message.
var (
	sigma2Nonce = []byte("Sigma2_Nonce")
	sigma3Nonce = []byte("Sigma3_Nonce")

	s2kInfo = []byte("Sigma2")
	s3kInfo = []byte("Sigma3")
)

// Sigma1 opens the handshake.
type Sigma1 struct {
	InitiatorRandom    [RandomSize]byte
	InitiatorSessionID uint16
	DestinationID      [DestinationIDSize]byte
	InitiatorEphPubKey [crypto.PublicKeySize]byte

	// Params are the initiator's reliability parameters, nil if absent.
	Params *session.Params
}

// Sigma2 answers Sigma1.
type Sigma2 struct {
	ResponderRandom    [RandomSize]byte
	ResponderSessionID uint16
	ResponderEphPubKey [crypto.PublicKeySize]byte
	Encrypted2         []byte
	Params             *session.Params
}

// Sigma3 carries the initiator's encrypted identity.
type Sigma3 struct {
	Encrypted3 []byte
}

// identityData is the plaintext sealed inside Sigma2 and Sigma3.
type identityData struct {
	NodeID    session.NodeID
	Signature [crypto.SignatureSize]byte
	CATs      []uint32
}

// Encode serializes Sigma1.
func (m *Sigma1) Encode() ([]byte, error) {
	w := tlv.NewWriter()
	if err := w.StartStructure(tlv.Anonymous()); err != nil {
		return nil, err
	}
	if err := w.PutBytes(tlv.ContextTag(1), m.InitiatorRandom[:]); err != nil {
		return nil, err
	}
	if err := w.PutUint(tlv.ContextTag(2), uint64(m.InitiatorSessionID)); err != nil {
		return nil, err
	}
	if err := w.PutBytes(tlv.ContextTag(3), m.DestinationID[:]); err != nil {
		return nil, err
	}
	if err := w.PutBytes(tlv.ContextTag(4), m.InitiatorEphPubKey[:]); err != nil {
		return nil, err
	}
	if m.Params != nil {
		if err := EncodeReliabilityParameters(w, tlv.ContextTag(5), *m.Params); err != nil {
			return nil, err
		}
	}
	if err := w.EndContainer(); err != nil {
		return nil, err
	}
	return w.Bytes()
}

// DecodeSigma1 parses Sigma1.
func DecodeSigma1(data []byte) (*Sigma1, error) {
	m := &Sigma1{}
	var seen uint8
	err := decodeStruct(data, func(r *tlv.Reader) error {
		switch {
		case r.Tag().IsContextTag(1):
			seen |= 1 << 1
			return readFixed(r, m.InitiatorRandom[:])
		case r.Tag().IsContextTag(2):
			seen |= 1 << 2
			id, err := readSessionID(r)
			m.InitiatorSessionID = id
			return err
		case r.Tag().IsContextTag(3):
			seen |= 1 << 3
			return readFixed(r, m.DestinationID[:])
		case r.Tag().IsContextTag(4):
			seen |= 1 << 4
			return readFixed(r, m.InitiatorEphPubKey[:])
		case r.Tag().IsContextTag(5):
			p, ok, err := DecodeReliabilityParametersIfPresent(r, tlv.ContextTag(5))
			if ok {
				m.Params = &p
			}
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if seen != 0x1E {
		return nil, fmt.Errorf("%w: Sigma1 missing required field", ErrMalformedMessage)
	}
	return m, nil
}

// Encode serializes Sigma2.
func (m *Sigma2) Encode() ([]byte, error) {
	w := tlv.NewWriter()
	if err := w.StartStructure(tlv.Anonymous()); err != nil {
		return nil, err
	}
	if err := w.PutBytes(tlv.ContextTag(1), m.ResponderRandom[:]); err != nil {
		return nil, err
	}
	if err := w.PutUint(tlv.ContextTag(2), uint64(m.ResponderSessionID)); err != nil {
		return nil, err
	}
	if err := w.PutBytes(tlv.ContextTag(3), m.ResponderEphPubKey[:]); err != nil {
		return nil, err
	}
	if err := w.PutBytes(tlv.ContextTag(4), m.Encrypted2); err != nil {
		return nil, err
	}
	if m.Params != nil {
		if err := EncodeReliabilityParameters(w, tlv.ContextTag(5), *m.Params); err != nil {
			return nil, err
		}
	}
	if err := w.EndContainer(); err != nil {
		return nil, err
	}
	return w.Bytes()
}

// DecodeSigma2 parses Sigma2.
func DecodeSigma2(data []byte) (*Sigma2, error) {
	m := &Sigma2{}
	var seen uint8
	err := decodeStruct(data, func(r *tlv.Reader) error {
		switch {
		case r.Tag().IsContextTag(1):
			seen |= 1 << 1
			return readFixed(r, m.ResponderRandom[:])
		case r.Tag().IsContextTag(2):
			seen |= 1 << 2
			id, err := readSessionID(r)
			m.ResponderSessionID = id
			return err
		case r.Tag().IsContextTag(3):
			seen |= 1 << 3
			return readFixed(r, m.ResponderEphPubKey[:])
		case r.Tag().IsContextTag(4):
			seen |= 1 << 4
			b, err := r.Bytes()
			if err != nil {
				return err
			}
			if len(b) <= crypto.TagSize {
				return fmt.Errorf("encrypted payload of %d bytes", len(b))
			}
			m.Encrypted2 = b
			return nil
		case r.Tag().IsContextTag(5):
			p, ok, err := DecodeReliabilityParametersIfPresent(r, tlv.ContextTag(5))
			if ok {
				m.Params = &p
			}
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if seen != 0x1E {
		return nil, fmt.Errorf("%w: Sigma2 missing required field", ErrMalformedMessage)
	}
	return m, nil
}

// Encode serializes Sigma3.
func (m *Sigma3) Encode() ([]byte, error) {
	w := tlv.NewWriter()
	if err := w.StartStructure(tlv.Anonymous()); err != nil {
		return nil, err
	}
	if err := w.PutBytes(tlv.ContextTag(1), m.Encrypted3); err != nil {
		return nil, err
	}
	if err := w.EndContainer(); err != nil {
		return nil, err
	}
	return w.Bytes()
}

// DecodeSigma3 parses Sigma3.
func DecodeSigma3(data []byte) (*Sigma3, error) {
	m := &Sigma3{}
	err := decodeStruct(data, func(r *tlv.Reader) error {
		if !r.Tag().IsContextTag(1) {
			return nil
		}
		b, err := r.Bytes()
		if err != nil {
			return err
		}
		if len(b) <= crypto.TagSize {
			return fmt.Errorf("encrypted payload of %d bytes", len(b))
		}
		m.Encrypted3 = b
		return nil
	})
	if err != nil {
		return nil, err
	}
	if m.Encrypted3 == nil {
		return nil, fmt.Errorf("%w: Sigma3 missing required field", ErrMalformedMessage)
	}
	return m, nil
}

func (d *identityData) encode() ([]byte, error) {
	w := tlv.NewWriter()
	if err := w.StartStructure(tlv.Anonymous()); err != nil {
		return nil, err
	}
	if err := w.PutUint(tlv.ContextTag(1), uint64(d.NodeID)); err != nil {
		return nil, err
	}
	if err := w.PutBytes(tlv.ContextTag(2), d.Signature[:]); err != nil {
		return nil, err
	}
	if len(d.CATs) > 0 {
		cats := make([]byte, 0, 4*len(d.CATs))
		for _, c := range d.CATs {
			cats = binary.LittleEndian.AppendUint32(cats, c)
		}
		if err := w.PutBytes(tlv.ContextTag(3), cats); err != nil {
			return nil, err
		}
	}
	if err := w.EndContainer(); err != nil {
		return nil, err
	}
	return w.Bytes()
}

func decodeIdentityData(data []byte) (*identityData, error) {
	d := &identityData{}
	var seen uint8
	err := decodeStruct(data, func(r *tlv.Reader) error {
		switch {
		case r.Tag().IsContextTag(1):
			seen |= 1 << 1
			v, err := r.Uint()
			d.NodeID = session.NodeID(v)
			return err
		case r.Tag().IsContextTag(2):
			seen |= 1 << 2
			return readFixed(r, d.Signature[:])
		case r.Tag().IsContextTag(3):
			b, err := r.Bytes()
			if err != nil {
				return err
			}
			if len(b)%4 != 0 || len(b)/4 > session.MaxCATCount {
				return fmt.Errorf("CAT list of %d bytes", len(b))
			}
			for i := 0; i < len(b); i += 4 {
				d.CATs = append(d.CATs, binary.LittleEndian.Uint32(b[i:]))
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if seen != 0x06 || d.NodeID == 0 {
		return nil, fmt.Errorf("%w: identity missing required field", ErrMalformedMessage)
	}
	return d, nil
}

// signedData is the byte string a node signs: its node ID followed by its
// own ephemeral key and then the peer's.
func signedData(node session.NodeID, ownEph, peerEph []byte) []byte {
	out := binary.LittleEndian.AppendUint64(make([]byte, 0, 8+len(ownEph)+len(peerEph)), uint64(node))
	out = append(out, ownEph...)
	return append(out, peerEph...)
}

// destinationID binds Sigma1 to one target node.
func destinationID(random []byte, fabric session.FabricIndex, node session.NodeID) [DestinationIDSize]byte {
	target := binary.LittleEndian.AppendUint64([]byte{byte(fabric)}, uint64(node))
	return crypto.TranscriptHash(random, target)
}

// decodeStruct enters the top level anonymous structure and calls field for
// every element in it. Decode errors come back wrapped in
// ErrMalformedMessage.
func decodeStruct(data []byte, field func(r *tlv.Reader) error) error {
	r := tlv.NewReader(data)
	if err := r.Next(); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if r.Type() != tlv.ElementTypeStruct {
		return fmt.Errorf("%w: not a structure", ErrMalformedMessage)
	}
	if err := r.EnterContainer(); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	for {
		err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedMessage, err)
		}
		if err := field(r); err != nil {
			if errors.Is(err, ErrMalformedMessage) {
				return err
			}
			return fmt.Errorf("%w: %v", ErrMalformedMessage, err)
		}
	}
	if err := r.ExitContainer(); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	return nil
}

func readFixed(r *tlv.Reader, dst []byte) error {
	b, err := r.Bytes()
	if err != nil {
		return err
	}
	if len(b) != len(dst) {
		return fmt.Errorf("field of %d bytes, want %d", len(b), len(dst))
	}
	copy(dst, b)
	return nil
}

func readSessionID(r *tlv.Reader) (uint16, error) {
	v, err := r.Uint()
	if err != nil {
		return 0, err
	}
	if v == 0 || v > 0xFFFF {
		return 0, fmt.Errorf("session ID %d", v)
	}
	return uint16(v), nil
}
