// Package converter translates between OPC UA variants and the gateway's
// internal values.
//
// The mapping is driven by the remote data type of the node: the type cache
// resolves it to a namespace 0 base type, built-in bases map one to one onto
// scalar kinds and structured bases are walked field by field using the
// structure definition. Arrays are one-dimensional only.
//
// Example:
//
//	conv := converter.New(cache, log)
//	v, err := conv.ToInternal(ctx, variant, dataType)
package converter

import (
	"context"
	"reflect"

	"github.com/gopcua/opcua/ua"
	"github.com/sirupsen/logrus"

	"opcua-gateway/errs"
	"opcua-gateway/typecache"
	"opcua-gateway/value"
)

// MaxDepth bounds the nesting of structures within structures.
const MaxDepth = typecache.MaxDepth

// Types is the metadata the converter needs. *typecache.Cache implements it.
type Types interface {
	BaseType(ctx context.Context, typeID value.NodeID) (value.NodeID, error)
	StructureDefinition(ctx context.Context, typeID value.NodeID) (*typecache.StructureDefinition, error)
}

// Converter is stateless apart from the type lookups and safe for concurrent use.
type Converter struct {
	types Types
	log   logrus.FieldLogger
}

// New creates a converter resolving types through types.
func New(types Types, log logrus.FieldLogger) *Converter {
	return &Converter{types: types, log: log}
}

// ToInternal converts a variant read from a node of data type typeID.
//
// Args:
//
//	v:      the variant as decoded by gopcua; nil and empty variants are null
//	typeID: the DataType attribute of the node
//
// Returns a scalar, array, structure or node id, or a conversion error.
func (c *Converter) ToInternal(ctx context.Context, v *ua.Variant, typeID value.NodeID) (value.Value, error) {
	base, err := c.types.BaseType(ctx, typeID)
	if err != nil {
		return nil, err
	}
	var x interface{}
	if v != nil {
		if len(v.ArrayDimensions()) > 1 {
			return nil, errs.Conversion("value of %s: %w", typeID, errs.ErrNestedArray)
		}
		x = v.Value()
	}
	if isArray(x) || isByteArray(x, base) {
		return c.arrayToInternal(ctx, x, typeID, base)
	}
	return c.elementToInternal(ctx, x, typeID, base)
}

// isByteArray reports whether x is an array of Byte rather than a ByteString.
func isByteArray(x interface{}, base value.NodeID) bool {
	_, ok := x.([]byte)
	return ok && base.Namespace() == 0 && baseID(base) == idByte
}

func (c *Converter) elementToInternal(ctx context.Context, x interface{}, typeID, base value.NodeID) (value.Value, error) {
	if !typecache.IsStructured(base) {
		return nativeToInternal(x, base)
	}
	switch eo := x.(type) {
	case *ua.ExtensionObject:
		s, err := c.decodeStructure(ctx, eo, typeID, 0)
		if err != nil {
			c.log.Debugf("OPC-UA: cannot decode structure %s: %v", typeID, err)
			return nil, err
		}
		return s, nil
	case nil:
		return nil, errs.Conversion("null structure of type %s", typeID)
	}
	return nil, errs.Conversion("unexpected payload %T for structure %s", x, typeID)
}

// isArray reports whether x is a decoded variant array. A scalar ByteString
// is a []byte and is not an array.
func isArray(x interface{}) bool {
	if x == nil {
		return false
	}
	if _, ok := x.([]byte); ok {
		return false
	}
	return reflect.TypeOf(x).Kind() == reflect.Slice
}

func (c *Converter) arrayToInternal(ctx context.Context, x interface{}, typeID, base value.NodeID) (value.Value, error) {
	elemType, err := c.elemType(ctx, typeID)
	if err != nil {
		return nil, err
	}
	rv := reflect.ValueOf(x)
	out := value.NewArray(elemType, nil)
	for i := 0; i < rv.Len(); i++ {
		e := rv.Index(i).Interface()
		if isArray(e) {
			return nil, errs.Conversion("array of %s: %w", typeID, errs.ErrNestedArray)
		}
		v, err := c.elementToInternal(ctx, e, typeID, base)
		if err != nil {
			return nil, err
		}
		out.Append(v)
	}
	return out, nil
}

// elemType returns the internal element type for arrays of typeID.
func (c *Converter) elemType(ctx context.Context, typeID value.NodeID) (value.Type, error) {
	base, err := c.types.BaseType(ctx, typeID)
	if err != nil {
		return 0, err
	}
	t, ok := internalType(base)
	if !ok {
		return 0, errs.Conversion("base type %s of %s: %w", base, typeID, errs.ErrNoMapping)
	}
	return t, nil
}

// ToRemote converts v for writing to a node of data type typeID, or for an
// input argument of that type. Integer kinds are narrowed with a range check.
func (c *Converter) ToRemote(ctx context.Context, v value.Value, typeID value.NodeID) (*ua.Variant, error) {
	if v == nil {
		return nil, errs.Conversion("null value for %s", typeID)
	}
	base, err := c.types.BaseType(ctx, typeID)
	if err != nil {
		return nil, err
	}
	if arr, ok := v.(*value.Array); ok {
		return c.arrayToRemote(ctx, arr, typeID, base)
	}
	x, err := c.elementToRemote(ctx, v, typeID, base)
	if err != nil {
		return nil, err
	}
	if x == nil {
		return &ua.Variant{}, nil
	}
	return newVariant(x, typeID)
}

func newVariant(x interface{}, typeID value.NodeID) (*ua.Variant, error) {
	uv, err := ua.NewVariant(x)
	if err != nil {
		return nil, errs.Conversion("variant for %s: %w", typeID, err)
	}
	return uv, nil
}

func (c *Converter) elementToRemote(ctx context.Context, v value.Value, typeID, base value.NodeID) (interface{}, error) {
	switch t := v.(type) {
	case *value.Scalar:
		return scalarToRemote(t, base)
	case *value.Structure:
		if !typecache.IsStructured(base) {
			return nil, errs.Conversion("cannot write a structure to %s", typeID)
		}
		return c.encodeStructure(ctx, t, typeID, 0)
	case value.NodeID:
		if baseID(base) != idNodeID || base.Namespace() != 0 {
			return nil, errs.Conversion("cannot write a node id to %s", typeID)
		}
		return NodeIDToRemote(t), nil
	case *value.Array:
		return nil, errs.Conversion("element of %s: %w", typeID, errs.ErrNestedArray)
	}
	return nil, errs.Conversion("cannot write %s to %s: %w", v.Kind(), typeID, errs.ErrNoMapping)
}

// arrayToRemote builds a typed slice so that gopcua picks the element type
// from the slice type, also for empty arrays.
func (c *Converter) arrayToRemote(ctx context.Context, arr *value.Array, typeID, base value.NodeID) (*ua.Variant, error) {
	if arr.IsNull() {
		return &ua.Variant{}, nil
	}
	elem, ok := sliceElem(base)
	if !ok {
		return nil, errs.Conversion("array of %s: %w", typeID, errs.ErrNoMapping)
	}
	out := reflect.MakeSlice(reflect.SliceOf(elem), 0, arr.Len())
	for i := 0; i < arr.Len(); i++ {
		x, err := c.elementToRemote(ctx, arr.At(i), typeID, base)
		if err != nil {
			return nil, err
		}
		if x == nil {
			return nil, errs.Conversion("array of %s: null element at %d", typeID, i)
		}
		xv := reflect.ValueOf(x)
		if !xv.Type().AssignableTo(elem) {
			return nil, errs.Conversion("array of %s: element %d is %T", typeID, i, x)
		}
		out = reflect.Append(out, xv)
	}
	// gopcua sends a plain []byte as a ByteString.
	if baseID(base) == idByte {
		out = out.Convert(byteArrayType)
	}
	return newVariant(out.Interface(), typeID)
}

var byteArrayType = reflect.TypeOf(ua.ByteArray{})

var sliceElems = map[uint64]reflect.Type{
	idBoolean:       reflect.TypeOf(false),
	idSByte:         reflect.TypeOf(int8(0)),
	idByte:          reflect.TypeOf(uint8(0)),
	idInt16:         reflect.TypeOf(int16(0)),
	idUInt16:        reflect.TypeOf(uint16(0)),
	idInt32:         reflect.TypeOf(int32(0)),
	idEnumeration:   reflect.TypeOf(int32(0)),
	idUInt32:        reflect.TypeOf(uint32(0)),
	idInt64:         reflect.TypeOf(int64(0)),
	idUInt64:        reflect.TypeOf(uint64(0)),
	idFloat:         reflect.TypeOf(float32(0)),
	idDouble:        reflect.TypeOf(float64(0)),
	idDuration:      reflect.TypeOf(float64(0)),
	idString:        reflect.TypeOf(""),
	idByteString:    reflect.TypeOf([]byte(nil)),
	idLocalizedText: reflect.TypeOf((*ua.LocalizedText)(nil)),
	idNodeID:        reflect.TypeOf((*ua.NodeID)(nil)),
	idStructure:     reflect.TypeOf((*ua.ExtensionObject)(nil)),
	idUnion:         reflect.TypeOf((*ua.ExtensionObject)(nil)),
}

func sliceElem(base value.NodeID) (reflect.Type, bool) {
	if base.Namespace() != 0 {
		return nil, false
	}
	switch baseID(base) {
	case idDateTime, idUtcTime:
		return reflect.TypeOf(MillisToTime(0)), true
	}
	t, ok := sliceElems[baseID(base)]
	return t, ok
}
