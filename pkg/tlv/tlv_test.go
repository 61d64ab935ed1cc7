package tlv

import (
	"bytes"
	"encoding/hex"
	"errors"
	"io"
	"testing"
)

func mustHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	if err != nil {
		t.Fatalf("bad hex %q: %v", s, err)
	}
	return b
}

func TestWriterEncoding(t *testing.T) {
	w := NewWriter()
	w.StartStructure(Anonymous())
	w.PutUint(ContextTag(1), 5)
	w.PutUint(ContextTag(2), 300)
	w.PutUint(ContextTag(3), 70000)
	w.PutUint(ContextTag(4), 1<<40)
	w.PutBool(ContextTag(5), true)
	w.PutBytes(ContextTag(6), []byte{0xAA, 0xBB})
	w.EndContainer()

	got, err := w.Bytes()
	if err != nil {
		t.Fatalf("Bytes() error = %v", err)
	}
	want := mustHex(t, "15"+
		"240105"+
		"25022c01"+
		"260370110100"+
		"27040000000000010000"+
		"2905"+
		"3006"+"02aabb"+
		"18")
	if !bytes.Equal(got, want) {
		t.Errorf("Bytes() = %x, want %x", got, want)
	}
}

func TestWriterErrors(t *testing.T) {
	w := NewWriter()
	if err := w.EndContainer(); !errors.Is(err, ErrNotInContainer) {
		t.Errorf("EndContainer() = %v, want ErrNotInContainer", err)
	}
	w.StartStructure(Anonymous())
	if _, err := w.Bytes(); !errors.Is(err, ErrContainerNotClosed) {
		t.Errorf("Bytes() = %v, want ErrContainerNotClosed", err)
	}
	if err := w.PutUint(Tag{control: TagControlFullyQualified8}, 1); !errors.Is(err, ErrUnsupportedTag) {
		t.Errorf("PutUint(profile tag) = %v, want ErrUnsupportedTag", err)
	}
}

func TestRoundTrip(t *testing.T) {
	payload := bytes.Repeat([]byte{0x5A}, 300)

	w := NewWriter()
	w.StartStructure(Anonymous())
	w.PutUint(ContextTag(1), 0xFFFFFFFF)
	w.StartStructure(ContextTag(2))
	w.PutBool(ContextTag(1), false)
	w.EndContainer()
	w.PutBytes(ContextTag(3), payload)
	w.EndContainer()
	data, _ := w.Bytes()

	r := NewReader(data)
	if err := r.Next(); err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	if err := r.EnterContainer(); err != nil {
		t.Fatalf("EnterContainer() error = %v", err)
	}

	r.Next()
	if v, err := r.Uint(); err != nil || v != 0xFFFFFFFF {
		t.Errorf("Uint() = %d, %v", v, err)
	}

	r.Next()
	if !r.Tag().IsContextTag(2) || r.Type() != ElementTypeStruct {
		t.Fatalf("element = %v/%v, want context 2 struct", r.Tag(), r.Type())
	}
	r.EnterContainer()
	r.Next()
	if v, err := r.Bool(); err != nil || v {
		t.Errorf("Bool() = %v, %v, want false", v, err)
	}
	if err := r.Next(); err != io.EOF {
		t.Errorf("Next() at end of inner = %v, want io.EOF", err)
	}
	if err := r.ExitContainer(); err != nil {
		t.Fatalf("ExitContainer() error = %v", err)
	}

	r.Next()
	if v, err := r.Bytes(); err != nil || !bytes.Equal(v, payload) {
		t.Errorf("Bytes() = %d bytes, %v", len(v), err)
	}
	if err := r.Next(); err != io.EOF {
		t.Errorf("Next() at end = %v, want io.EOF", err)
	}
	if err := r.ExitContainer(); err != nil {
		t.Errorf("ExitContainer() error = %v", err)
	}
	if err := r.Next(); err != io.EOF {
		t.Errorf("Next() at top level end = %v, want io.EOF", err)
	}
}

func TestReaderSkipsUnknownElements(t *testing.T) {
	// A structure with one known field surrounded by every other kind of
	// element a newer peer might send.
	data := mustHex(t, "15"+
		"44"+"3412"+"07"+ // common profile tag, uint8
		"c4"+"f1ff0100"+"0900"+"08"+ // fully qualified 6-byte tag, uint8
		"2a02"+"0000803f"+ // float32
		"2c03"+"026869"+ // utf8 "hi"
		"3404"+ // null
		"3605"+"0401"+"0402"+"18"+ // array of two uints
		"3506"+"3501"+"240107"+"18"+"18"+ // nested structs
		"240a2a"+ // the known field, tag 10 = 42
		"2907"+ // true
		"18")

	r := NewReader(data)
	r.Next()
	r.EnterContainer()

	var found bool
	for {
		err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Next() error = %v", err)
		}
		if r.Tag().IsContextTag(10) {
			v, err := r.Uint()
			if err != nil || v != 42 {
				t.Errorf("Uint() = %d, %v, want 42", v, err)
			}
			found = true
		}
	}
	if !found {
		t.Error("known field not found")
	}
	if err := r.ExitContainer(); err != nil {
		t.Errorf("ExitContainer() error = %v", err)
	}
}

func TestExitContainerSkipsRest(t *testing.T) {
	data := mustHex(t, "15"+"240101"+"3502"+"240103"+"18"+"240304"+"18"+"0405")
	r := NewReader(data)
	r.Next()
	r.EnterContainer()
	r.Next()
	if err := r.ExitContainer(); err != nil {
		t.Fatalf("ExitContainer() error = %v", err)
	}
	if r.HasElement() {
		t.Error("HasElement() = true after ExitContainer")
	}
	if err := r.Next(); err != nil {
		t.Fatalf("Next() after exit error = %v", err)
	}
	if !r.HasElement() {
		t.Error("HasElement() = false after Next")
	}
	if v, _ := r.Uint(); v != 5 {
		t.Errorf("Uint() = %d, want 5", v)
	}
}

func TestReaderErrors(t *testing.T) {
	tests := []struct {
		name string
		data string
		want error
	}{
		{"truncated value", "2501ff", ErrUnexpectedEOF},
		{"truncated tag", "24", ErrUnexpectedEOF},
		{"truncated length", "3101ff", ErrUnexpectedEOF},
		{"length past end", "3001ff00", ErrUnexpectedEOF},
		{"reserved type", "1f", ErrInvalidElementType},
		{"end at top level", "18", ErrUnexpectedEndOfContainer},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewReader(mustHex(t, tt.data))
			if err := r.Next(); !errors.Is(err, tt.want) {
				t.Errorf("Next() = %v, want %v", err, tt.want)
			}
		})
	}

	t.Run("unterminated container", func(t *testing.T) {
		r := NewReader(mustHex(t, "15240101"))
		r.Next()
		r.EnterContainer()
		r.Next()
		if err := r.Next(); !errors.Is(err, ErrUnexpectedEOF) {
			t.Errorf("Next() = %v, want ErrUnexpectedEOF", err)
		}
	})

	t.Run("skip truncated container", func(t *testing.T) {
		r := NewReader(mustHex(t, "152401"))
		r.Next()
		if err := r.Next(); !errors.Is(err, ErrUnexpectedEOF) {
			t.Errorf("Next() = %v, want ErrUnexpectedEOF", err)
		}
	})

	t.Run("type mismatch", func(t *testing.T) {
		r := NewReader(mustHex(t, "2901"))
		if _, err := r.Uint(); !errors.Is(err, ErrNoElement) {
			t.Errorf("Uint() before Next = %v, want ErrNoElement", err)
		}
		r.Next()
		if _, err := r.Uint(); !errors.Is(err, ErrTypeMismatch) {
			t.Errorf("Uint() = %v, want ErrTypeMismatch", err)
		}
		if _, err := r.Bytes(); !errors.Is(err, ErrTypeMismatch) {
			t.Errorf("Bytes() = %v, want ErrTypeMismatch", err)
		}
		if err := r.EnterContainer(); !errors.Is(err, ErrTypeMismatch) {
			t.Errorf("EnterContainer() = %v, want ErrTypeMismatch", err)
		}
		if err := r.ExitContainer(); !errors.Is(err, ErrNotInContainer) {
			t.Errorf("ExitContainer() = %v, want ErrNotInContainer", err)
		}
	})
}
