package value

import (
	"encoding/hex"
	"fmt"
	"math"
	"strconv"
)

// LocalizedText is a text with an optional locale. A nil pointer means the part
// is absent, which is distinct from an empty string.
type LocalizedText struct {
	Locale *string
	Text   *string
}

// Copy returns a LocalizedText that shares no pointers with t.
func (t LocalizedText) Copy() LocalizedText {
	return LocalizedText{Locale: cloneString(t.Locale), Text: cloneString(t.Text)}
}

// Equal compares both parts including their presence.
func (t LocalizedText) Equal(o LocalizedText) bool {
	return equalStringPtr(t.Locale, o.Locale) && equalStringPtr(t.Text, o.Text)
}

func (t LocalizedText) String() string {
	locale, text := "<null>", "<null>"
	if t.Locale != nil {
		locale = *t.Locale
	}
	if t.Text != nil {
		text = strconv.Quote(*t.Text)
	}
	return fmt.Sprintf("[%s] %s", locale, text)
}

// Scalar holds exactly one primitive value of the kind reported by Type.
type Scalar struct {
	typ Type
	b   bool
	i   int64
	u   uint64
	f   float64
	s   *string
	bs  []byte
	lt  LocalizedText
}

func NewBoolean(v bool) *Scalar  { return &Scalar{typ: TypeBoolean, b: v} }
func NewSByte(v int8) *Scalar    { return &Scalar{typ: TypeSByte, i: int64(v)} }
func NewByte(v uint8) *Scalar    { return &Scalar{typ: TypeByte, u: uint64(v)} }
func NewInt16(v int16) *Scalar   { return &Scalar{typ: TypeInt16, i: int64(v)} }
func NewUInt16(v uint16) *Scalar { return &Scalar{typ: TypeUInt16, u: uint64(v)} }
func NewInt32(v int32) *Scalar   { return &Scalar{typ: TypeInt32, i: int64(v)} }
func NewUInt32(v uint32) *Scalar { return &Scalar{typ: TypeUInt32, u: uint64(v)} }
func NewInt64(v int64) *Scalar   { return &Scalar{typ: TypeInt64, i: v} }
func NewUInt64(v uint64) *Scalar { return &Scalar{typ: TypeUInt64, u: v} }
func NewFloat(v float32) *Scalar { return &Scalar{typ: TypeFloat, f: float64(v)} }
func NewDouble(v float64) *Scalar {
	return &Scalar{typ: TypeDouble, f: v}
}

// NewString creates a non-null string scalar.
func NewString(v string) *Scalar {
	return &Scalar{typ: TypeString, s: &v}
}

// NewNullString creates a string scalar without a value.
func NewNullString() *Scalar {
	return &Scalar{typ: TypeString}
}

// NewByteString copies v. A nil slice yields a null byte string, an empty
// non-nil slice an empty one.
func NewByteString(v []byte) *Scalar {
	return &Scalar{typ: TypeByteString, bs: cloneBytes(v)}
}

// NewLocalizedText copies locale and text; either may be nil.
func NewLocalizedText(locale, text *string) *Scalar {
	return &Scalar{typ: TypeLocalizedText, lt: LocalizedText{Locale: cloneString(locale), Text: cloneString(text)}}
}

func (s *Scalar) Kind() Kind { return KindScalar }

// Type returns the active kind.
func (s *Scalar) Type() Type { return s.typ }

// Copy returns a deep copy.
func (s *Scalar) Copy() Value {
	c := *s
	c.s = cloneString(s.s)
	c.bs = cloneBytes(s.bs)
	c.lt = s.lt.Copy()
	return &c
}

// Assign replaces the receiver's kind and payload with a copy of src.
func (s *Scalar) Assign(src *Scalar) {
	*s = *(src.Copy().(*Scalar))
}

// IsNull reports whether a nullable kind carries no payload. Localized texts
// are null when both locale and text are absent.
func (s *Scalar) IsNull() bool {
	switch s.typ {
	case TypeString:
		return s.s == nil
	case TypeByteString:
		return s.bs == nil
	case TypeLocalizedText:
		return s.lt.Locale == nil && s.lt.Text == nil
	}
	return false
}

// Boolean returns the value of a TypeBoolean scalar.
func (s *Scalar) Boolean() (bool, bool) {
	return s.b, s.typ == TypeBoolean
}

// Int64 returns any integer kind as int64. It fails for unsigned values above
// math.MaxInt64 and for non-integer kinds.
func (s *Scalar) Int64() (int64, bool) {
	if !s.typ.IsInteger() {
		return 0, false
	}
	if s.typ.IsSigned() {
		return s.i, true
	}
	if s.u > math.MaxInt64 {
		return 0, false
	}
	return int64(s.u), true
}

// UInt64 returns any integer kind as uint64. It fails for negative values and
// for non-integer kinds.
func (s *Scalar) UInt64() (uint64, bool) {
	if !s.typ.IsInteger() {
		return 0, false
	}
	if s.typ.IsSigned() {
		if s.i < 0 {
			return 0, false
		}
		return uint64(s.i), true
	}
	return s.u, true
}

// Float64 returns a TypeFloat or TypeDouble scalar.
func (s *Scalar) Float64() (float64, bool) {
	return s.f, s.typ == TypeFloat || s.typ == TypeDouble
}

// StringValue returns the string payload. ok is false when the scalar is not a
// string or the string is null.
func (s *Scalar) StringValue() (v string, ok bool) {
	if s.typ != TypeString || s.s == nil {
		return "", false
	}
	return *s.s, true
}

// ByteString returns a copy of the byte string payload. ok is false when the
// scalar is not a byte string or it is null.
func (s *Scalar) ByteString() ([]byte, bool) {
	if s.typ != TypeByteString || s.bs == nil {
		return nil, false
	}
	return cloneBytes(s.bs), true
}

// LocalizedText returns a copy of the localized text payload.
func (s *Scalar) LocalizedText() (LocalizedText, bool) {
	if s.typ != TypeLocalizedText {
		return LocalizedText{}, false
	}
	return s.lt.Copy(), true
}

// Equal compares kind and payload, including null-ness.
func (s *Scalar) Equal(o *Scalar) bool {
	if o == nil || s.typ != o.typ {
		return false
	}
	switch s.typ {
	case TypeBoolean:
		return s.b == o.b
	case TypeString:
		return equalStringPtr(s.s, o.s)
	case TypeByteString:
		if (s.bs == nil) != (o.bs == nil) {
			return false
		}
		return string(s.bs) == string(o.bs)
	case TypeLocalizedText:
		return s.lt.Equal(o.lt)
	case TypeFloat, TypeDouble:
		return s.f == o.f
	}
	if s.typ.IsSigned() {
		return s.i == o.i
	}
	return s.u == o.u
}

func (s *Scalar) String() string {
	switch s.typ {
	case TypeBoolean:
		return strconv.FormatBool(s.b)
	case TypeFloat:
		return strconv.FormatFloat(s.f, 'g', -1, 32)
	case TypeDouble:
		return strconv.FormatFloat(s.f, 'g', -1, 64)
	case TypeString:
		if s.s == nil {
			return "<null>"
		}
		return strconv.Quote(*s.s)
	case TypeByteString:
		if s.bs == nil {
			return "<null>"
		}
		return "0x" + hex.EncodeToString(s.bs)
	case TypeLocalizedText:
		return s.lt.String()
	}
	if s.typ.IsSigned() {
		return strconv.FormatInt(s.i, 10)
	}
	return strconv.FormatUint(s.u, 10)
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	c := *s
	return &c
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	c := make([]byte, len(b))
	copy(c, b)
	return c
}

func equalStringPtr(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
