package converter

import (
	"math"
	"time"

	"github.com/gopcua/opcua/ua"

	"opcua-gateway/errs"
	"opcua-gateway/value"
)

// nativeToInternal maps a decoded built-in value (as gopcua hands it out) of
// remote base type base to an internal value. nil is the null payload of the
// nullable types. Integer payloads are widened when the base is wider.
func nativeToInternal(x interface{}, base value.NodeID) (value.Value, error) {
	t, ok := internalType(base)
	if !ok {
		return nil, errs.Conversion("base type %s: %w", base, errs.ErrNoMapping)
	}
	if x == nil {
		switch t {
		case value.TypeString:
			return value.NewNullString(), nil
		case value.TypeByteString:
			return value.NewByteString(nil), nil
		case value.TypeLocalizedText:
			return value.NewLocalizedText(nil, nil), nil
		}
		return nil, errs.Conversion("null value for base type %s", base)
	}

	switch baseID(base) {
	case idDateTime, idUtcTime:
		tm, ok := x.(time.Time)
		if !ok {
			return nil, mismatch(x, base)
		}
		return value.NewInt64(TimeToMillis(tm)), nil
	}

	switch t {
	case value.TypeBoolean:
		if b, ok := x.(bool); ok {
			return value.NewBoolean(b), nil
		}
	case value.TypeFloat:
		if f, ok := x.(float32); ok {
			return value.NewFloat(f), nil
		}
	case value.TypeDouble:
		switch f := x.(type) {
		case float64:
			return value.NewDouble(f), nil
		case float32:
			return value.NewDouble(float64(f)), nil
		}
	case value.TypeString:
		if s, ok := x.(string); ok {
			return value.NewString(s), nil
		}
	case value.TypeByteString:
		if b, ok := x.([]byte); ok {
			return value.NewByteString(b), nil
		}
	case value.TypeLocalizedText:
		switch lt := x.(type) {
		case *ua.LocalizedText:
			return localizedTextToInternal(lt), nil
		case ua.LocalizedText:
			return localizedTextToInternal(&lt), nil
		}
	case value.TypeNodeID:
		switch n := x.(type) {
		case *ua.NodeID:
			return NodeIDToInternal(n)
		case *ua.ExpandedNodeID:
			return NodeIDToInternal(n.NodeID)
		}
	default:
		if t.IsInteger() {
			return integerToInternal(x, t, base)
		}
	}
	return nil, mismatch(x, base)
}

func mismatch(x interface{}, base value.NodeID) error {
	return errs.Conversion("unexpected payload %T for base type %s", x, base)
}

// integerToInternal widens any integer payload into t. A payload wider than t
// is accepted only when the value fits.
func integerToInternal(x interface{}, t value.Type, base value.NodeID) (value.Value, error) {
	var (
		i      int64
		u      uint64
		signed bool
	)
	switch n := x.(type) {
	case int8:
		i, signed = int64(n), true
	case int16:
		i, signed = int64(n), true
	case int32:
		i, signed = int64(n), true
	case int64:
		i, signed = n, true
	case uint8:
		u = uint64(n)
	case uint16:
		u = uint64(n)
	case uint32:
		u = uint64(n)
	case uint64:
		u = n
	default:
		return nil, mismatch(x, base)
	}
	var s *value.Scalar
	if signed {
		s = value.NewInt64(i)
	} else {
		s = value.NewUInt64(u)
	}
	out, err := coerceInteger(s, t)
	if err != nil {
		return nil, errs.Conversion("payload %v for base type %s: %w", x, base, err)
	}
	return out, nil
}

// coerceInteger converts an integer scalar to the integer kind t, failing
// with ErrOutOfRange when the value does not fit.
func coerceInteger(s *value.Scalar, t value.Type) (*value.Scalar, error) {
	if t.IsSigned() {
		i, ok := s.Int64()
		if !ok {
			return nil, errs.ErrOutOfRange
		}
		lo, hi := signedRange(t)
		if i < lo || i > hi {
			return nil, errs.ErrOutOfRange
		}
		switch t {
		case value.TypeSByte:
			return value.NewSByte(int8(i)), nil
		case value.TypeInt16:
			return value.NewInt16(int16(i)), nil
		case value.TypeInt32:
			return value.NewInt32(int32(i)), nil
		}
		return value.NewInt64(i), nil
	}
	u, ok := s.UInt64()
	if !ok || u > unsignedMax(t) {
		return nil, errs.ErrOutOfRange
	}
	switch t {
	case value.TypeByte:
		return value.NewByte(uint8(u)), nil
	case value.TypeUInt16:
		return value.NewUInt16(uint16(u)), nil
	case value.TypeUInt32:
		return value.NewUInt32(uint32(u)), nil
	}
	return value.NewUInt64(u), nil
}

func signedRange(t value.Type) (int64, int64) {
	switch t {
	case value.TypeSByte:
		return math.MinInt8, math.MaxInt8
	case value.TypeInt16:
		return math.MinInt16, math.MaxInt16
	case value.TypeInt32:
		return math.MinInt32, math.MaxInt32
	}
	return math.MinInt64, math.MaxInt64
}

func unsignedMax(t value.Type) uint64 {
	switch t {
	case value.TypeByte:
		return math.MaxUint8
	case value.TypeUInt16:
		return math.MaxUint16
	case value.TypeUInt32:
		return math.MaxUint32
	}
	return math.MaxUint64
}

func localizedTextToInternal(lt *ua.LocalizedText) *value.Scalar {
	var locale, text *string
	if lt.EncodingMask&ua.LocalizedTextLocale != 0 {
		l := lt.Locale
		locale = &l
	}
	if lt.EncodingMask&ua.LocalizedTextText != 0 {
		t := lt.Text
		text = &t
	}
	return value.NewLocalizedText(locale, text)
}

func localizedTextToRemote(lt value.LocalizedText) *ua.LocalizedText {
	out := &ua.LocalizedText{}
	if lt.Locale != nil {
		out.EncodingMask |= ua.LocalizedTextLocale
		out.Locale = *lt.Locale
	}
	if lt.Text != nil {
		out.EncodingMask |= ua.LocalizedTextText
		out.Text = *lt.Text
	}
	return out
}

// NodeIDToInternal converts a remote node id. Only numeric and string
// identifiers are supported.
func NodeIDToInternal(n *ua.NodeID) (value.NodeID, error) {
	if n == nil {
		return value.NodeID{}, errs.Conversion("null node id")
	}
	switch n.Type() {
	case ua.NodeIDTypeTwoByte, ua.NodeIDTypeFourByte, ua.NodeIDTypeNumeric:
		return value.NewNumericNodeID(n.Namespace(), n.IntID()), nil
	case ua.NodeIDTypeString:
		return value.NewStringNodeID(n.Namespace(), n.StringID()), nil
	}
	return value.NodeID{}, errs.Conversion("node id %s: unsupported identifier type", n)
}

// NodeIDToRemote is the inverse of NodeIDToInternal. Numeric identifiers are
// 32 bits wide on both sides, so the mapping is lossless.
func NodeIDToRemote(n value.NodeID) *ua.NodeID {
	if s, ok := n.StringID(); ok {
		return ua.NewStringNodeID(n.Namespace(), s)
	}
	num, _ := n.Numeric()
	return ua.NewNumericNodeID(n.Namespace(), uint32(num))
}

// defaultLocale is attached when a plain string is written to a
// LocalizedText node.
const defaultLocale = "en"

// scalarToRemote maps an internal scalar onto the Go type gopcua encodes for
// base. A nil result with a nil error is a null string.
func scalarToRemote(s *value.Scalar, base value.NodeID) (interface{}, error) {
	t, ok := internalType(base)
	if !ok {
		return nil, errs.Conversion("base type %s: %w", base, errs.ErrNoMapping)
	}

	switch baseID(base) {
	case idDateTime, idUtcTime:
		ms, ok := s.Int64()
		if !ok {
			return nil, errs.Conversion("cannot write %s to %s", s.Type(), base)
		}
		return MillisToTime(ms), nil
	}

	switch t {
	case value.TypeBoolean:
		if b, ok := s.Boolean(); ok {
			return b, nil
		}
	case value.TypeFloat:
		f, ok := floatOf(s)
		if !ok {
			break
		}
		if !math.IsInf(f, 0) && !math.IsNaN(f) && math.Abs(f) > math.MaxFloat32 {
			return nil, errs.Conversion("%s to %s: %w", s, base, errs.ErrOutOfRange)
		}
		return float32(f), nil
	case value.TypeDouble:
		if f, ok := floatOf(s); ok {
			return f, nil
		}
	case value.TypeString:
		if s.Type() != value.TypeString {
			break
		}
		if str, ok := s.StringValue(); ok {
			return str, nil
		}
		return nil, nil
	case value.TypeByteString:
		if s.Type() == value.TypeByteString {
			b, _ := s.ByteString()
			return b, nil
		}
	case value.TypeLocalizedText:
		switch s.Type() {
		case value.TypeLocalizedText:
			lt, _ := s.LocalizedText()
			return localizedTextToRemote(lt), nil
		case value.TypeString:
			locale := defaultLocale
			str, ok := s.StringValue()
			if !ok {
				return &ua.LocalizedText{}, nil
			}
			return localizedTextToRemote(value.LocalizedText{Locale: &locale, Text: &str}), nil
		}
	default:
		if t.IsInteger() && s.Type().IsInteger() {
			out, err := coerceInteger(s, t)
			if err != nil {
				return nil, errs.Conversion("%s to %s: %w", s, base, err)
			}
			return integerNative(out), nil
		}
	}
	return nil, errs.Conversion("cannot write %s to %s", s.Type(), base)
}

// floatOf widens floats and integers to float64.
func floatOf(s *value.Scalar) (float64, bool) {
	if f, ok := s.Float64(); ok {
		return f, true
	}
	if s.Type().IsSigned() {
		i, _ := s.Int64()
		return float64(i), true
	}
	if s.Type().IsInteger() {
		u, _ := s.UInt64()
		return float64(u), true
	}
	return 0, false
}

func integerNative(s *value.Scalar) interface{} {
	i, _ := s.Int64()
	u, _ := s.UInt64()
	switch s.Type() {
	case value.TypeSByte:
		return int8(i)
	case value.TypeByte:
		return uint8(u)
	case value.TypeInt16:
		return int16(i)
	case value.TypeUInt16:
		return uint16(u)
	case value.TypeInt32:
		return int32(i)
	case value.TypeUInt32:
		return uint32(u)
	case value.TypeInt64:
		return i
	}
	return u
}
