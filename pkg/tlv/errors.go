package tlv

import "errors"

var (
	// ErrUnexpectedEOF is returned when the input ends inside an element.
	ErrUnexpectedEOF = errors.New("tlv: unexpected end of input")

	// ErrInvalidElementType is returned for reserved element types.
	ErrInvalidElementType = errors.New("tlv: invalid element type")

	// ErrTypeMismatch is returned when reading a value as the wrong type.
	ErrTypeMismatch = errors.New("tlv: type mismatch")

	// ErrNotInContainer is returned when exiting with no open container.
	ErrNotInContainer = errors.New("tlv: not in container")

	// ErrUnexpectedEndOfContainer is returned for an end marker at top level.
	ErrUnexpectedEndOfContainer = errors.New("tlv: unexpected end of container")

	// ErrContainerNotClosed is returned when Bytes is called with open containers.
	ErrContainerNotClosed = errors.New("tlv: container not closed")

	// ErrNoElement is returned when no element is current.
	ErrNoElement = errors.New("tlv: no current element")

	// ErrUnsupportedTag is returned when writing a tag form the writer does not emit.
	ErrUnsupportedTag = errors.New("tlv: unsupported tag")
)
