package tlv

import "encoding/binary"

// Writer encodes TLV elements into an in-memory buffer.
type Writer struct {
	buf   []byte
	depth int
}

// NewWriter creates an empty writer.
func NewWriter() *Writer {
	return &Writer{}
}

func (w *Writer) putHeader(t ElementType, tag Tag) error {
	switch tag.control {
	case TagControlAnonymous:
		w.buf = append(w.buf, byte(t))
	case TagControlContext:
		w.buf = append(w.buf, byte(TagControlContext)<<5|byte(t), byte(tag.number))
	default:
		return ErrUnsupportedTag
	}
	return nil
}

// PutUint writes an unsigned integer using the smallest width that fits.
func (w *Writer) PutUint(tag Tag, v uint64) error {
	switch {
	case v <= 0xFF:
		if err := w.putHeader(ElementTypeUInt8, tag); err != nil {
			return err
		}
		w.buf = append(w.buf, byte(v))
	case v <= 0xFFFF:
		if err := w.putHeader(ElementTypeUInt16, tag); err != nil {
			return err
		}
		w.buf = binary.LittleEndian.AppendUint16(w.buf, uint16(v))
	case v <= 0xFFFFFFFF:
		if err := w.putHeader(ElementTypeUInt32, tag); err != nil {
			return err
		}
		w.buf = binary.LittleEndian.AppendUint32(w.buf, uint32(v))
	default:
		if err := w.putHeader(ElementTypeUInt64, tag); err != nil {
			return err
		}
		w.buf = binary.LittleEndian.AppendUint64(w.buf, v)
	}
	return nil
}

// PutBool writes a boolean.
func (w *Writer) PutBool(tag Tag, v bool) error {
	if v {
		return w.putHeader(ElementTypeTrue, tag)
	}
	return w.putHeader(ElementTypeFalse, tag)
}

// PutBytes writes an octet string.
func (w *Writer) PutBytes(tag Tag, v []byte) error {
	n := uint64(len(v))
	switch {
	case n <= 0xFF:
		if err := w.putHeader(ElementTypeBytes1, tag); err != nil {
			return err
		}
		w.buf = append(w.buf, byte(n))
	case n <= 0xFFFF:
		if err := w.putHeader(ElementTypeBytes2, tag); err != nil {
			return err
		}
		w.buf = binary.LittleEndian.AppendUint16(w.buf, uint16(n))
	default:
		if err := w.putHeader(ElementTypeBytes4, tag); err != nil {
			return err
		}
		w.buf = binary.LittleEndian.AppendUint32(w.buf, uint32(n))
	}
	w.buf = append(w.buf, v...)
	return nil
}

// StartStructure opens a structure.
func (w *Writer) StartStructure(tag Tag) error {
	if err := w.putHeader(ElementTypeStruct, tag); err != nil {
		return err
	}
	w.depth++
	return nil
}

// EndContainer closes the innermost open container.
func (w *Writer) EndContainer() error {
	if w.depth == 0 {
		return ErrNotInContainer
	}
	w.buf = append(w.buf, byte(ElementTypeEnd))
	w.depth--
	return nil
}

// Bytes returns the encoding. All containers must be closed.
func (w *Writer) Bytes() ([]byte, error) {
	if w.depth != 0 {
		return nil, ErrContainerNotClosed
	}
	return w.buf, nil
}
