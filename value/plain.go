package value

// Plain converts v into nested Go builtins (bool, int64, uint64, float64,
// string, []byte, []interface{}, map[string]interface{}) for JSON or CBOR
// export. Null payloads become nil.
func Plain(v Value) interface{} {
	switch t := v.(type) {
	case nil:
		return nil
	case *Scalar:
		return plainScalar(t)
	case *Array:
		if t.IsNull() {
			return nil
		}
		out := make([]interface{}, t.Len())
		for i := range out {
			out[i] = Plain(t.At(i))
		}
		return out
	case *Structure:
		out := make(map[string]interface{}, t.Len())
		for _, n := range t.Names() {
			f, _ := t.Field(n)
			out[n] = Plain(f)
		}
		return out
	case NodeID:
		return t.String()
	case *EventData:
		fields := make(map[string]interface{}, len(t.Fields))
		for _, f := range t.Fields {
			fields[f.NodeID.String()] = Plain(f.Value)
		}
		return map[string]interface{}{
			"eventType": t.EventTypeID.String(),
			"source":    t.SourceNodeID.String(),
			"message":   t.Message,
			"severity":  t.Severity,
			"time":      t.Time,
			"fields":    fields,
		}
	default:
		return v.String()
	}
}

func plainScalar(s *Scalar) interface{} {
	switch s.Type() {
	case TypeBoolean:
		b, _ := s.Boolean()
		return b
	case TypeFloat, TypeDouble:
		f, _ := s.Float64()
		return f
	case TypeString:
		if str, ok := s.StringValue(); ok {
			return str
		}
		return nil
	case TypeByteString:
		if b, ok := s.ByteString(); ok {
			return b
		}
		return nil
	case TypeLocalizedText:
		lt, _ := s.LocalizedText()
		if lt.Locale == nil && lt.Text == nil {
			return nil
		}
		out := map[string]interface{}{}
		if lt.Locale != nil {
			out["locale"] = *lt.Locale
		}
		if lt.Text != nil {
			out["text"] = *lt.Text
		}
		return out
	}
	if s.Type().IsSigned() {
		i, _ := s.Int64()
		return i
	}
	u, _ := s.UInt64()
	return u
}

// FromPlain builds a value from a decoded JSON or CBOR document. Integral
// numbers become Int64 (or UInt64 above math.MaxInt64), other numbers Double,
// strings String, objects Structure of the given type and lists Arrays whose
// element type follows the first element. It is the inverse of Plain for the
// kinds JSON can express.
func FromPlain(v interface{}, structType NodeID) (Value, bool) {
	switch t := v.(type) {
	case nil:
		return NewNullString(), true
	case bool:
		return NewBoolean(t), true
	case string:
		return NewString(t), true
	case []byte:
		return NewByteString(t), true
	case int:
		return NewInt64(int64(t)), true
	case int64:
		return NewInt64(t), true
	case uint64:
		return NewUInt64(t), true
	case float64:
		if t == float64(int64(t)) && t >= -9.2e18 && t <= 9.2e18 {
			return NewInt64(int64(t)), true
		}
		return NewDouble(t), true
	case []interface{}:
		if len(t) == 0 {
			return NewArray(TypeInt64, nil), true
		}
		elems := make([]Value, 0, len(t))
		for _, e := range t {
			ev, ok := FromPlain(e, structType)
			if !ok {
				return nil, false
			}
			elems = append(elems, ev)
		}
		return NewArray(elemTypeOf(elems[0]), elems), true
	case map[string]interface{}:
		s := NewStructure(structType)
		for k, e := range t {
			ev, ok := FromPlain(e, structType)
			if !ok {
				return nil, false
			}
			s.Set(k, ev)
		}
		return s, true
	case map[interface{}]interface{}:
		m := make(map[string]interface{}, len(t))
		for k, e := range t {
			ks, ok := k.(string)
			if !ok {
				return nil, false
			}
			m[ks] = e
		}
		return FromPlain(m, structType)
	}
	return nil, false
}

func elemTypeOf(v Value) Type {
	switch t := v.(type) {
	case *Scalar:
		return t.Type()
	case *Structure:
		return TypeStructure
	case NodeID:
		return TypeNodeID
	}
	return TypeString
}
