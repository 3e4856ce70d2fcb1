package converter

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/gopcua/opcua/ua"

	"opcua-gateway/errs"
	"opcua-gateway/typecache"
	"opcua-gateway/value"
)

const nullLength = -1

func errUnregistered(eo *ua.ExtensionObject) error {
	id := "<none>"
	if eo.TypeID != nil && eo.TypeID.NodeID != nil {
		id = eo.TypeID.NodeID.String()
	}
	return errs.Conversion("extension object with encoding %s was not decoded", id)
}

// decodeStructure walks the body of an extension object field by field.
func (c *Converter) decodeStructure(ctx context.Context, eo *ua.ExtensionObject, typeID value.NodeID, depth int) (*value.Structure, error) {
	if eo == nil {
		return nil, errs.Conversion("null structure of type %s", typeID)
	}
	body, err := bodyOf(eo)
	if err != nil {
		return nil, err
	}
	buf := ua.NewBuffer(body)
	s, err := c.readStructure(ctx, buf, typeID, depth)
	if err != nil {
		return nil, err
	}
	if err := buf.Error(); err != nil {
		return nil, errs.Conversion("decode %s: %w", typeID, err)
	}
	return s, nil
}

func (c *Converter) readStructure(ctx context.Context, buf *ua.Buffer, typeID value.NodeID, depth int) (*value.Structure, error) {
	if depth > MaxDepth {
		return nil, errs.Conversion("structure %s: %w", typeID, errs.ErrDepthExceeded)
	}
	def, err := c.types.StructureDefinition(ctx, typeID)
	if err != nil {
		return nil, err
	}
	out := value.NewStructure(typeID)

	if def.Union {
		sw := buf.ReadUint32()
		if sw == 0 {
			return out, buf.Error()
		}
		if int(sw) > len(def.Fields) {
			return nil, errs.Conversion("union %s: switch %d out of range", typeID, sw)
		}
		f := def.Fields[sw-1]
		v, err := c.readField(ctx, buf, f, depth)
		if err != nil {
			return nil, err
		}
		out.Set(f.Name, v)
		return out, nil
	}

	var mask uint32
	if def.HasOptionalFields() {
		mask = buf.ReadUint32()
	}
	bit := 0
	for _, f := range def.Fields {
		if f.Optional {
			present := mask&(1<<uint(bit)) != 0
			bit++
			if !present {
				continue
			}
		}
		v, err := c.readField(ctx, buf, f, depth)
		if err != nil {
			return nil, err
		}
		out.Set(f.Name, v)
	}
	return out, buf.Error()
}

func (c *Converter) readField(ctx context.Context, buf *ua.Buffer, f typecache.FieldDefinition, depth int) (value.Value, error) {
	if !f.Array {
		v, err := c.readElement(ctx, buf, f.TypeID, depth)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", f.Name, err)
		}
		return v, nil
	}
	elemType, err := c.elemType(ctx, f.TypeID)
	if err != nil {
		return nil, err
	}
	n := buf.ReadInt32()
	if err := buf.Error(); err != nil {
		return nil, errs.Conversion("field %s: %w", f.Name, err)
	}
	if n == nullLength {
		return value.NewNullArray(elemType), nil
	}
	if n < 0 {
		return nil, errs.Conversion("field %s: invalid array length %d", f.Name, n)
	}
	arr := value.NewArray(elemType, nil)
	for i := int32(0); i < n; i++ {
		v, err := c.readElement(ctx, buf, f.TypeID, depth)
		if err != nil {
			return nil, fmt.Errorf("field %s[%d]: %w", f.Name, i, err)
		}
		arr.Append(v)
	}
	return arr, nil
}

func (c *Converter) readElement(ctx context.Context, buf *ua.Buffer, typeID value.NodeID, depth int) (value.Value, error) {
	base, err := c.types.BaseType(ctx, typeID)
	if err != nil {
		return nil, err
	}
	if typecache.IsStructured(base) {
		return c.readStructure(ctx, buf, typeID, depth+1)
	}
	x, err := readBuiltin(buf, base)
	if err != nil {
		return nil, err
	}
	return nativeToInternal(x, base)
}

// readBuiltin reads one built-in value in the representation gopcua uses for
// variants, so that nativeToInternal applies to both paths.
func readBuiltin(buf *ua.Buffer, base value.NodeID) (interface{}, error) {
	var x interface{}
	switch baseID(base) {
	case idBoolean:
		x = buf.ReadByte() != 0
	case idSByte:
		x = buf.ReadInt8()
	case idByte:
		x = buf.ReadByte()
	case idInt16:
		x = buf.ReadInt16()
	case idUInt16:
		x = buf.ReadUint16()
	case idInt32, idEnumeration:
		x = buf.ReadInt32()
	case idUInt32:
		x = buf.ReadUint32()
	case idInt64:
		x = buf.ReadInt64()
	case idUInt64:
		x = buf.ReadUint64()
	case idFloat:
		x = buf.ReadFloat32()
	case idDouble, idDuration:
		x = buf.ReadFloat64()
	case idDateTime, idUtcTime:
		ticks := buf.ReadInt64()
		if ticks == 0 {
			x = time.Time{}
		} else {
			x = MillisToTime(TicksToMillis(ticks))
		}
	case idString:
		if b := readNullableBytes(buf); b != nil {
			x = string(b)
		}
	case idByteString:
		if b := readNullableBytes(buf); b != nil {
			x = b
		}
	case idLocalizedText:
		lt := &ua.LocalizedText{EncodingMask: buf.ReadByte()}
		if lt.EncodingMask&ua.LocalizedTextLocale != 0 {
			lt.Locale = string(readNullableBytes(buf))
		}
		if lt.EncodingMask&ua.LocalizedTextText != 0 {
			lt.Text = string(readNullableBytes(buf))
		}
		x = lt
	case idNodeID:
		n := new(ua.NodeID)
		buf.ReadStruct(n)
		x = n
	default:
		return nil, errs.Conversion("base type %s: %w", base, errs.ErrNoMapping)
	}
	if err := buf.Error(); err != nil {
		return nil, errs.Conversion("decode %s: %w", base, err)
	}
	return x, nil
}

// readNullableBytes returns nil for a null string and a non-nil slice
// otherwise.
func readNullableBytes(buf *ua.Buffer) []byte {
	n := buf.ReadInt32()
	if n <= nullLength || buf.Error() != nil {
		return nil
	}
	b := buf.ReadN(int(n))
	if b == nil {
		return []byte{}
	}
	return append([]byte{}, b...)
}

// encodeStructure builds the extension object for s with the binary encoding
// of typeID.
func (c *Converter) encodeStructure(ctx context.Context, s *value.Structure, typeID value.NodeID, depth int) (*ua.ExtensionObject, error) {
	def, err := c.types.StructureDefinition(ctx, typeID)
	if err != nil {
		return nil, err
	}
	if def.EncodingID.IsZero() {
		return nil, errs.Conversion("structure %s has no binary encoding", typeID)
	}
	buf := ua.NewBuffer(nil)
	if err := c.writeStructure(ctx, buf, s, typeID, depth); err != nil {
		return nil, err
	}
	if err := buf.Error(); err != nil {
		return nil, errs.Conversion("encode %s: %w", typeID, err)
	}
	return &ua.ExtensionObject{
		EncodingMask: ua.ExtensionObjectBinary,
		TypeID:       &ua.ExpandedNodeID{NodeID: NodeIDToRemote(def.EncodingID)},
		Value:        &RawStructure{Body: buf.Bytes()},
	}, nil
}

func (c *Converter) writeStructure(ctx context.Context, buf *ua.Buffer, s *value.Structure, typeID value.NodeID, depth int) error {
	if depth > MaxDepth {
		return errs.Conversion("structure %s: %w", typeID, errs.ErrDepthExceeded)
	}
	def, err := c.types.StructureDefinition(ctx, typeID)
	if err != nil {
		return err
	}
	for _, name := range s.Names() {
		if _, _, ok := def.Field(name); !ok {
			return errs.Conversion("structure %s: unknown field %s", typeID, name)
		}
	}

	if def.Union {
		if s.Len() > 1 {
			return errs.Conversion("union %s: %d fields set, at most one allowed", typeID, s.Len())
		}
		for i, f := range def.Fields {
			v, ok := s.Field(f.Name)
			if !ok {
				continue
			}
			buf.WriteUint32(uint32(i + 1))
			return c.writeField(ctx, buf, f, v, depth)
		}
		buf.WriteUint32(0)
		return nil
	}

	if def.HasOptionalFields() {
		var mask uint32
		bit := 0
		for _, f := range def.Fields {
			if !f.Optional {
				continue
			}
			if _, ok := s.Field(f.Name); ok {
				mask |= 1 << uint(bit)
			}
			bit++
		}
		buf.WriteUint32(mask)
	}
	for _, f := range def.Fields {
		v, ok := s.Field(f.Name)
		if !ok {
			if f.Optional {
				continue
			}
			return errs.Conversion("structure %s field %s: %w", typeID, f.Name, errs.ErrMissingField)
		}
		if err := c.writeField(ctx, buf, f, v, depth); err != nil {
			return err
		}
	}
	return nil
}

func (c *Converter) writeField(ctx context.Context, buf *ua.Buffer, f typecache.FieldDefinition, v value.Value, depth int) error {
	if !f.Array {
		if err := c.writeElement(ctx, buf, f.TypeID, v, depth); err != nil {
			return fmt.Errorf("field %s: %w", f.Name, err)
		}
		return nil
	}
	arr, ok := v.(*value.Array)
	if !ok {
		return errs.Conversion("field %s expects an array, got %s", f.Name, v.Kind())
	}
	if arr.IsNull() {
		buf.WriteInt32(nullLength)
		return nil
	}
	if arr.Len() > math.MaxInt32 {
		return errs.Conversion("field %s: %w", f.Name, errs.ErrOutOfRange)
	}
	buf.WriteInt32(int32(arr.Len()))
	for i := 0; i < arr.Len(); i++ {
		if err := c.writeElement(ctx, buf, f.TypeID, arr.At(i), depth); err != nil {
			return fmt.Errorf("field %s[%d]: %w", f.Name, i, err)
		}
	}
	return nil
}

func (c *Converter) writeElement(ctx context.Context, buf *ua.Buffer, typeID value.NodeID, v value.Value, depth int) error {
	base, err := c.types.BaseType(ctx, typeID)
	if err != nil {
		return err
	}
	switch t := v.(type) {
	case *value.Structure:
		if !typecache.IsStructured(base) {
			return errs.Conversion("cannot write a structure to %s", typeID)
		}
		return c.writeStructure(ctx, buf, t, typeID, depth+1)
	case value.NodeID:
		if baseID(base) != idNodeID || base.Namespace() != 0 {
			return errs.Conversion("cannot write a node id to %s", typeID)
		}
		buf.WriteStruct(NodeIDToRemote(t))
		return nil
	case *value.Array:
		return errs.Conversion("element of %s: %w", typeID, errs.ErrNestedArray)
	case *value.Scalar:
		x, err := scalarToRemote(t, base)
		if err != nil {
			return err
		}
		return writeBuiltin(buf, x, base)
	}
	return errs.Conversion("cannot write %s to %s", v.Kind(), typeID)
}

func writeBuiltin(buf *ua.Buffer, x interface{}, base value.NodeID) error {
	switch n := x.(type) {
	case nil:
		buf.WriteInt32(nullLength)
	case bool:
		if n {
			buf.WriteUint8(1)
		} else {
			buf.WriteUint8(0)
		}
	case int8:
		buf.WriteInt8(n)
	case uint8:
		buf.WriteUint8(n)
	case int16:
		buf.WriteInt16(n)
	case uint16:
		buf.WriteUint16(n)
	case int32:
		buf.WriteInt32(n)
	case uint32:
		buf.WriteUint32(n)
	case int64:
		buf.WriteInt64(n)
	case uint64:
		buf.WriteUint64(n)
	case float32:
		buf.WriteFloat32(n)
	case float64:
		buf.WriteFloat64(n)
	case time.Time:
		if n.IsZero() {
			buf.WriteInt64(0)
		} else {
			buf.WriteInt64(MillisToTicks(n.UnixMilli()))
		}
	case string:
		buf.WriteByteString([]byte(n))
	case []byte:
		if n == nil {
			buf.WriteInt32(nullLength)
		} else {
			buf.WriteByteString(n)
		}
	case *ua.LocalizedText:
		buf.WriteUint8(n.EncodingMask)
		if n.EncodingMask&ua.LocalizedTextLocale != 0 {
			buf.WriteByteString([]byte(n.Locale))
		}
		if n.EncodingMask&ua.LocalizedTextText != 0 {
			buf.WriteByteString([]byte(n.Text))
		}
	default:
		return errs.Conversion("cannot encode %T as %s", x, base)
	}
	return nil
}
