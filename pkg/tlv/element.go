// Package tlv implements the subset of Matter TLV encoding used by session
// establishment: unsigned integers, booleans, octet strings and structures
// with context tags.
//
// The Reader understands every element type and tag form so that unknown
// fields, including nested containers, can be skipped.
package tlv

// ElementType is the low five bits of a control octet.
type ElementType uint8

const (
	ElementTypeInt8    ElementType = 0x00
	ElementTypeInt16   ElementType = 0x01
	ElementTypeInt32   ElementType = 0x02
	ElementTypeInt64   ElementType = 0x03
	ElementTypeUInt8   ElementType = 0x04
	ElementTypeUInt16  ElementType = 0x05
	ElementTypeUInt32  ElementType = 0x06
	ElementTypeUInt64  ElementType = 0x07
	ElementTypeFalse   ElementType = 0x08
	ElementTypeTrue    ElementType = 0x09
	ElementTypeFloat32 ElementType = 0x0A
	ElementTypeFloat64 ElementType = 0x0B
	ElementTypeUTF8_1  ElementType = 0x0C
	ElementTypeUTF8_8  ElementType = 0x0F
	ElementTypeBytes1  ElementType = 0x10
	ElementTypeBytes2  ElementType = 0x11
	ElementTypeBytes4  ElementType = 0x12
	ElementTypeBytes8  ElementType = 0x13
	ElementTypeNull    ElementType = 0x14
	ElementTypeStruct  ElementType = 0x15
	ElementTypeArray   ElementType = 0x16
	ElementTypeList    ElementType = 0x17
	ElementTypeEnd     ElementType = 0x18
)

// IsValid reports whether the type is defined.
func (e ElementType) IsValid() bool {
	return e <= ElementTypeEnd
}

// IsUnsignedInt reports whether the element is an unsigned integer.
func (e ElementType) IsUnsignedInt() bool {
	return e >= ElementTypeUInt8 && e <= ElementTypeUInt64
}

// IsBytes reports whether the element is an octet string.
func (e ElementType) IsBytes() bool {
	return e >= ElementTypeBytes1 && e <= ElementTypeBytes8
}

// IsContainer reports whether the element opens a container.
func (e ElementType) IsContainer() bool {
	return e == ElementTypeStruct || e == ElementTypeArray || e == ElementTypeList
}

// valueSize is the size of the fixed value, or 0.
func (e ElementType) valueSize() int {
	switch {
	case e <= ElementTypeUInt64:
		return 1 << (e & 0x03)
	case e == ElementTypeFloat32:
		return 4
	case e == ElementTypeFloat64:
		return 8
	}
	return 0
}

// lengthSize is the size of the length prefix of strings, or 0.
func (e ElementType) lengthSize() int {
	if e >= ElementTypeUTF8_1 && e <= ElementTypeBytes8 {
		return 1 << ((e - ElementTypeUTF8_1) & 0x03)
	}
	return 0
}

// TagControl is the high three bits of a control octet.
type TagControl uint8

const (
	TagControlAnonymous        TagControl = 0
	TagControlContext          TagControl = 1
	TagControlCommonProfile2   TagControl = 2
	TagControlCommonProfile4   TagControl = 3
	TagControlImplicitProfile2 TagControl = 4
	TagControlImplicitProfile4 TagControl = 5
	TagControlFullyQualified6  TagControl = 6
	TagControlFullyQualified8  TagControl = 7
)

// size returns the number of tag octets following the control octet.
func (tc TagControl) size() int {
	return [...]int{0, 1, 2, 4, 2, 4, 6, 8}[tc&0x07]
}

// Tag identifies an element within its container.
type Tag struct {
	control TagControl
	number  uint32
}

// Anonymous returns the anonymous tag.
func Anonymous() Tag {
	return Tag{control: TagControlAnonymous}
}

// ContextTag returns a context-specific tag.
func ContextTag(n uint8) Tag {
	return Tag{control: TagControlContext, number: uint32(n)}
}

// Control returns the tag form.
func (t Tag) Control() TagControl {
	return t.control
}

// IsContext reports whether t is a context-specific tag.
func (t Tag) IsContext() bool {
	return t.control == TagControlContext
}

// Number returns the tag number. Profile and vendor parts of profile tags
// are not retained.
func (t Tag) Number() uint32 {
	return t.number
}

// IsContextTag reports whether t is the context tag n.
func (t Tag) IsContextTag(n uint8) bool {
	return t.control == TagControlContext && t.number == uint32(n)
}
