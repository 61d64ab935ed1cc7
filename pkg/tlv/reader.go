package tlv

import (
	"encoding/binary"
	"io"
)

type header struct {
	typ        ElementType
	tag        Tag
	valueStart int
	valueLen   int
	next       int // offset after the value; after the header for containers
}

func parseHeader(data []byte, p int) (header, error) {
	if p >= len(data) {
		return header{}, ErrUnexpectedEOF
	}
	ctrl := data[p]
	h := header{typ: ElementType(ctrl & 0x1F)}
	if !h.typ.IsValid() {
		return header{}, ErrInvalidElementType
	}
	tc := TagControl(ctrl >> 5)
	p++

	n := tc.size()
	if p+n > len(data) {
		return header{}, ErrUnexpectedEOF
	}
	h.tag.control = tc
	switch tc {
	case TagControlContext:
		h.tag.number = uint32(data[p])
	case TagControlCommonProfile2, TagControlImplicitProfile2:
		h.tag.number = uint32(binary.LittleEndian.Uint16(data[p:]))
	case TagControlCommonProfile4, TagControlImplicitProfile4:
		h.tag.number = binary.LittleEndian.Uint32(data[p:])
	case TagControlFullyQualified6:
		h.tag.number = uint32(binary.LittleEndian.Uint16(data[p+4:]))
	case TagControlFullyQualified8:
		h.tag.number = binary.LittleEndian.Uint32(data[p+4:])
	}
	p += n

	if ls := h.typ.lengthSize(); ls > 0 {
		if p+ls > len(data) {
			return header{}, ErrUnexpectedEOF
		}
		var length uint64
		switch ls {
		case 1:
			length = uint64(data[p])
		case 2:
			length = uint64(binary.LittleEndian.Uint16(data[p:]))
		case 4:
			length = uint64(binary.LittleEndian.Uint32(data[p:]))
		case 8:
			length = binary.LittleEndian.Uint64(data[p:])
		}
		p += ls
		if length > uint64(len(data)-p) {
			return header{}, ErrUnexpectedEOF
		}
		h.valueLen = int(length)
	} else {
		h.valueLen = h.typ.valueSize()
		if p+h.valueLen > len(data) {
			return header{}, ErrUnexpectedEOF
		}
	}
	h.valueStart = p
	h.next = p + h.valueLen
	return h, nil
}

// skipContainer returns the offset just past the end marker of the
// container whose contents begin at p.
func skipContainer(data []byte, p int) (int, error) {
	for {
		h, err := parseHeader(data, p)
		if err != nil {
			return 0, err
		}
		switch {
		case h.typ == ElementTypeEnd:
			return h.next, nil
		case h.typ.IsContainer():
			if p, err = skipContainer(data, h.next); err != nil {
				return 0, err
			}
		default:
			p = h.next
		}
	}
}

// Reader decodes TLV elements from a byte slice.
//
// Next advances to the next element of the current container and returns
// io.EOF once the container (or the top level) has no more elements.
// Containers that are not entered are skipped whole.
type Reader struct {
	data    []byte
	pos     int
	depth   int
	cur     header
	valid   bool
	entered bool
	ended   bool
}

// NewReader creates a reader over data.
func NewReader(data []byte) *Reader {
	return &Reader{data: data}
}

// Next advances to the next element.
func (r *Reader) Next() error {
	if r.valid && r.cur.typ.IsContainer() && !r.entered {
		end, err := skipContainer(r.data, r.cur.next)
		if err != nil {
			return err
		}
		r.pos = end
	}
	r.valid = false
	r.entered = false

	if r.ended {
		return io.EOF
	}
	if r.pos >= len(r.data) {
		if r.depth > 0 {
			return ErrUnexpectedEOF
		}
		return io.EOF
	}

	h, err := parseHeader(r.data, r.pos)
	if err != nil {
		return err
	}
	if h.typ == ElementTypeEnd {
		if r.depth == 0 {
			return ErrUnexpectedEndOfContainer
		}
		r.pos = h.next
		r.ended = true
		return io.EOF
	}

	r.cur = h
	r.valid = true
	r.pos = h.next
	return nil
}

// HasElement reports whether Next positioned the reader on an element.
func (r *Reader) HasElement() bool {
	return r.valid
}

// Type returns the type of the current element.
func (r *Reader) Type() ElementType {
	return r.cur.typ
}

// Tag returns the tag of the current element.
func (r *Reader) Tag() Tag {
	return r.cur.tag
}

func (r *Reader) value() []byte {
	return r.data[r.cur.valueStart : r.cur.valueStart+r.cur.valueLen]
}

// Uint returns the current unsigned integer.
func (r *Reader) Uint() (uint64, error) {
	if !r.valid {
		return 0, ErrNoElement
	}
	if !r.cur.typ.IsUnsignedInt() {
		return 0, ErrTypeMismatch
	}
	v := r.value()
	switch len(v) {
	case 1:
		return uint64(v[0]), nil
	case 2:
		return uint64(binary.LittleEndian.Uint16(v)), nil
	case 4:
		return uint64(binary.LittleEndian.Uint32(v)), nil
	default:
		return binary.LittleEndian.Uint64(v), nil
	}
}

// Bool returns the current boolean.
func (r *Reader) Bool() (bool, error) {
	if !r.valid {
		return false, ErrNoElement
	}
	switch r.cur.typ {
	case ElementTypeTrue:
		return true, nil
	case ElementTypeFalse:
		return false, nil
	}
	return false, ErrTypeMismatch
}

// Bytes returns a copy of the current octet string.
func (r *Reader) Bytes() ([]byte, error) {
	if !r.valid {
		return nil, ErrNoElement
	}
	if !r.cur.typ.IsBytes() {
		return nil, ErrTypeMismatch
	}
	out := make([]byte, r.cur.valueLen)
	copy(out, r.value())
	return out, nil
}

// EnterContainer descends into the current container element.
func (r *Reader) EnterContainer() error {
	if !r.valid {
		return ErrNoElement
	}
	if !r.cur.typ.IsContainer() {
		return ErrTypeMismatch
	}
	r.entered = true
	r.depth++
	return nil
}

// ExitContainer skips any remaining elements of the current container and
// returns to its parent.
func (r *Reader) ExitContainer() error {
	if r.depth == 0 {
		return ErrNotInContainer
	}
	for !r.ended {
		if err := r.Next(); err != nil && err != io.EOF {
			return err
		}
	}
	r.depth--
	r.ended = false
	r.valid = false
	return nil
}

// Depth returns the number of entered containers.
func (r *Reader) Depth() int {
	return r.depth
}
