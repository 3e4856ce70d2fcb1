package converter

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gopcua/opcua/ua"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"opcua-gateway/errs"
	"opcua-gateway/typecache"
	"opcua-gateway/value"
)

type fakeFetcher struct {
	defs   map[value.NodeID]*typecache.StructureDefinition
	supers map[value.NodeID][]value.NodeID
}

func (f *fakeFetcher) StructureDefinition(_ context.Context, id value.NodeID) (*typecache.StructureDefinition, error) {
	d, ok := f.defs[id]
	if !ok {
		return nil, errors.New("no definition")
	}
	return d, nil
}

func (f *fakeFetcher) SuperTypes(_ context.Context, id value.NodeID) ([]value.NodeID, error) {
	s, ok := f.supers[id]
	if !ok {
		return nil, errors.New("unknown type")
	}
	return s, nil
}

var (
	nsInt32    = value.NewNumericNodeID(0, idInt32)
	nsUInt16   = value.NewNumericNodeID(0, idUInt16)
	nsString   = value.NewNumericNodeID(0, idString)
	nsDouble   = value.NewNumericNodeID(0, idDouble)
	nsDateTime = value.NewNumericNodeID(0, idDateTime)
	nsLText    = value.NewNumericNodeID(0, idLocalizedText)
	nsBytes    = value.NewNumericNodeID(0, idByteString)
	nsByte     = value.NewNumericNodeID(0, idByte)
	nsBoolean  = value.NewNumericNodeID(0, idBoolean)
	nsSByte    = value.NewNumericNodeID(0, idSByte)
	nsInt16    = value.NewNumericNodeID(0, idInt16)
	nsUInt32   = value.NewNumericNodeID(0, idUInt32)
	nsInt64    = value.NewNumericNodeID(0, idInt64)
	nsUInt64   = value.NewNumericNodeID(0, idUInt64)
	nsFloat    = value.NewNumericNodeID(0, idFloat)
	nsUtcTime  = value.NewNumericNodeID(0, idUtcTime)
	nsDuration = value.NewNumericNodeID(0, idDuration)
	nsEnum     = value.NewNumericNodeID(0, idEnumeration)

	pointType = value.MustParseNodeID("ns=2;i=100")
	lineType  = value.MustParseNodeID("ns=2;i=200")
	unionType = value.MustParseNodeID("ns=2;i=300")
	myInt     = value.MustParseNodeID("ns=2;s=MyInt")
	flagsType = value.MustParseNodeID("ns=2;i=400")
)

func newTestConverter() *Converter {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	f := &fakeFetcher{
		defs: map[value.NodeID]*typecache.StructureDefinition{
			pointType: {
				TypeID:     pointType,
				EncodingID: value.MustParseNodeID("ns=2;i=101"),
				Fields: []typecache.FieldDefinition{
					{Name: "X", TypeID: nsInt32},
					{Name: "Label", TypeID: nsString, Optional: true},
					{Name: "Samples", TypeID: nsDouble, Array: true},
				},
			},
			lineType: {
				TypeID:     lineType,
				EncodingID: value.MustParseNodeID("ns=2;i=201"),
				Fields: []typecache.FieldDefinition{
					{Name: "From", TypeID: pointType},
					{Name: "To", TypeID: pointType},
					{Name: "Stamp", TypeID: nsDateTime},
				},
			},
			flagsType: {
				TypeID:     flagsType,
				EncodingID: value.MustParseNodeID("ns=2;i=401"),
				Fields: []typecache.FieldDefinition{
					{Name: "Enabled", TypeID: nsBoolean},
					{Name: "Level", TypeID: nsByte},
					{Name: "Offset", TypeID: nsSByte},
					{Name: "Caption", TypeID: nsLText},
				},
			},
			unionType: {
				TypeID:     unionType,
				EncodingID: value.MustParseNodeID("ns=2;i=301"),
				Union:      true,
				Fields: []typecache.FieldDefinition{
					{Name: "Number", TypeID: myInt},
					{Name: "Text", TypeID: nsLText},
				},
			},
		},
		supers: map[value.NodeID][]value.NodeID{
			flagsType: {typecache.StructureType},
			pointType: {typecache.StructureType},
			lineType:  {typecache.StructureType},
			unionType: {typecache.UnionType},
			myInt:     {nsInt32},
		},
	}
	return New(typecache.New(f, log), log)
}

func TestScalarRoundTrip(t *testing.T) {
	c := newTestConverter()
	ctx := context.Background()
	de, hallo := "de", "Hallo"

	cases := []struct {
		name   string
		v      value.Value
		typeID value.NodeID
	}{
		{"int32", value.NewInt32(-42), nsInt32},
		{"derived int", value.NewInt32(7), myInt},
		{"uint16", value.NewUInt16(65535), nsUInt16},
		{"string", value.NewString("hello"), nsString},
		{"empty string", value.NewString(""), nsString},
		{"double", value.NewDouble(2.5), nsDouble},
		{"bytes", value.NewByteString([]byte{1, 2, 3}), nsBytes},
		{"datetime", value.NewInt64(1700000000123), nsDateTime},
		{"boolean", value.NewBoolean(true), nsBoolean},
		{"sbyte", value.NewSByte(-128), nsSByte},
		{"byte", value.NewByte(255), nsByte},
		{"int16", value.NewInt16(-32768), nsInt16},
		{"uint32", value.NewUInt32(4294967295), nsUInt32},
		{"int64", value.NewInt64(-9223372036854775808), nsInt64},
		{"uint64", value.NewUInt64(18446744073709551615), nsUInt64},
		{"float", value.NewFloat(1.5), nsFloat},
		{"localized text", value.NewLocalizedText(&de, &hallo), nsLText},
		{"text without locale", value.NewLocalizedText(nil, &hallo), nsLText},
		{"utctime", value.NewInt64(1600000000000), nsUtcTime},
		{"duration", value.NewDouble(250.5), nsDuration},
		{"enumeration", value.NewInt32(3), nsEnum},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			uv, err := c.ToRemote(ctx, tc.v, tc.typeID)
			require.NoError(t, err)
			back, err := c.ToInternal(ctx, uv, tc.typeID)
			require.NoError(t, err)
			assert.True(t, back.(*value.Scalar).Equal(tc.v.(*value.Scalar)), "got %s want %s", back, tc.v)
		})
	}
}

func TestNullString(t *testing.T) {
	c := newTestConverter()
	ctx := context.Background()

	uv, err := c.ToRemote(ctx, value.NewNullString(), nsString)
	require.NoError(t, err)
	assert.Nil(t, uv.Value())

	back, err := c.ToInternal(ctx, uv, nsString)
	require.NoError(t, err)
	assert.True(t, back.(*value.Scalar).IsNull())
}

func TestNullByteString(t *testing.T) {
	c := newTestConverter()
	ctx := context.Background()

	uv, err := c.ToRemote(ctx, value.NewByteString(nil), nsBytes)
	require.NoError(t, err)
	back, err := c.ToInternal(ctx, uv, nsBytes)
	require.NoError(t, err)
	assert.True(t, back.(*value.Scalar).IsNull())

	back, err = c.ToInternal(ctx, &ua.Variant{}, nsBytes)
	require.NoError(t, err)
	assert.True(t, back.(*value.Scalar).IsNull())

	empty, err := c.ToRemote(ctx, value.NewByteString([]byte{}), nsBytes)
	require.NoError(t, err)
	back, err = c.ToInternal(ctx, empty, nsBytes)
	require.NoError(t, err)
	assert.False(t, back.(*value.Scalar).IsNull(), "empty is not null")
}

func TestNullLocalizedText(t *testing.T) {
	c := newTestConverter()
	ctx := context.Background()

	uv, err := c.ToRemote(ctx, value.NewLocalizedText(nil, nil), nsLText)
	require.NoError(t, err)
	lt, ok := uv.Value().(*ua.LocalizedText)
	require.True(t, ok)
	assert.Equal(t, uint8(0), lt.EncodingMask)

	back, err := c.ToInternal(ctx, uv, nsLText)
	require.NoError(t, err)
	assert.True(t, back.(*value.Scalar).IsNull())

	back, err = c.ToInternal(ctx, &ua.Variant{}, nsLText)
	require.NoError(t, err)
	assert.True(t, back.(*value.Scalar).IsNull())
}

func TestNullForNonNullableType(t *testing.T) {
	c := newTestConverter()
	_, err := c.ToInternal(context.Background(), &ua.Variant{}, nsInt32)
	assert.True(t, errs.IsConversion(err))
}

func TestIntegerNarrowing(t *testing.T) {
	c := newTestConverter()
	ctx := context.Background()

	_, err := c.ToRemote(ctx, value.NewInt64(100000), nsUInt16)
	require.Error(t, err)
	assert.True(t, errs.IsConversion(err))
	assert.ErrorIs(t, err, errs.ErrOutOfRange)

	_, err = c.ToRemote(ctx, value.NewInt64(-1), nsUInt16)
	assert.ErrorIs(t, err, errs.ErrOutOfRange)

	uv, err := c.ToRemote(ctx, value.NewInt64(100), nsUInt16)
	require.NoError(t, err)
	assert.Equal(t, uint16(100), uv.Value())
}

func TestWideningOnRead(t *testing.T) {
	c := newTestConverter()
	v, err := c.ToInternal(context.Background(), ua.MustVariant(uint16(9)), nsInt32)
	require.NoError(t, err)
	assert.Equal(t, value.TypeInt32, v.(*value.Scalar).Type())
}

func TestStringToLocalizedText(t *testing.T) {
	c := newTestConverter()
	uv, err := c.ToRemote(context.Background(), value.NewString("hi"), nsLText)
	require.NoError(t, err)
	lt, ok := uv.Value().(*ua.LocalizedText)
	require.True(t, ok)
	assert.Equal(t, "en", lt.Locale)
	assert.Equal(t, "hi", lt.Text)
}

func TestDateTimeEpoch(t *testing.T) {
	c := newTestConverter()
	ctx := context.Background()

	v, err := c.ToInternal(ctx, ua.MustVariant(time.Unix(0, 0).UTC()), nsDateTime)
	require.NoError(t, err)
	ms, _ := v.(*value.Scalar).Int64()
	assert.Equal(t, int64(0), ms)

	v, err = c.ToInternal(ctx, ua.MustVariant(time.Time{}), nsDateTime)
	require.NoError(t, err)
	ms, _ = v.(*value.Scalar).Int64()
	assert.Equal(t, -EpochOffsetMillis, ms)

	assert.Equal(t, int64(0), MillisToTicks(-EpochOffsetMillis))
	assert.Equal(t, EpochOffsetMillis*TicksPerMillisecond, MillisToTicks(0))
	assert.Equal(t, int64(1234), TicksToMillis(MillisToTicks(1234)))
}

func TestArrays(t *testing.T) {
	c := newTestConverter()
	ctx := context.Background()

	arr := value.NewArray(value.TypeInt32, []value.Value{value.NewInt32(1), value.NewInt32(2)})
	uv, err := c.ToRemote(ctx, arr, nsInt32)
	require.NoError(t, err)
	assert.Equal(t, []int32{1, 2}, uv.Value())

	back, err := c.ToInternal(ctx, uv, nsInt32)
	require.NoError(t, err)
	require.Equal(t, value.KindArray, back.Kind())
	assert.Equal(t, 2, back.(*value.Array).Len())

	bytes, err := c.ToInternal(ctx, ua.MustVariant([]byte{4, 5}), nsByte)
	require.NoError(t, err)
	assert.Equal(t, value.KindArray, bytes.Kind())

	nested := value.NewArray(value.TypeInt32, []value.Value{arr})
	_, err = c.ToRemote(ctx, nested, nsInt32)
	assert.ErrorIs(t, err, errs.ErrNestedArray)
}

func TestByteArrayToRemote(t *testing.T) {
	c := newTestConverter()
	ctx := context.Background()

	arr := value.NewArray(value.TypeByte, []value.Value{value.NewByte(1), value.NewByte(2)})
	uv, err := c.ToRemote(ctx, arr, nsByte)
	require.NoError(t, err)
	assert.Equal(t, ua.TypeIDByte, uv.Type())
	assert.Equal(t, int32(2), uv.ArrayLength())
	assert.Equal(t, ua.ByteArray{1, 2}, uv.Value())

	back, err := c.ToInternal(ctx, uv, nsByte)
	require.NoError(t, err)
	require.Equal(t, value.KindArray, back.Kind())
	got := back.(*value.Array)
	require.Equal(t, 2, got.Len())
	assert.True(t, got.At(1).(*value.Scalar).Equal(value.NewByte(2)))
}

func point(x int32, label *string, samples ...float64) *value.Structure {
	s := value.NewStructure(pointType)
	s.Set("X", value.NewInt32(x))
	if label != nil {
		s.Set("Label", value.NewString(*label))
	}
	elems := make([]value.Value, len(samples))
	for i, f := range samples {
		elems[i] = value.NewDouble(f)
	}
	s.Set("Samples", value.NewArray(value.TypeDouble, elems))
	return s
}

func TestStructureRoundTrip(t *testing.T) {
	c := newTestConverter()
	ctx := context.Background()
	label := "origin"

	line := value.NewStructure(lineType)
	line.Set("From", point(1, &label, 0.5, 1.5))
	line.Set("To", point(2, nil))
	line.Set("Stamp", value.NewInt64(1700000000000))

	uv, err := c.ToRemote(ctx, line, lineType)
	require.NoError(t, err)
	eo, ok := uv.Value().(*ua.ExtensionObject)
	require.True(t, ok)
	assert.Equal(t, uint32(201), eo.TypeID.NodeID.IntID())

	back, err := c.ToInternal(ctx, uv, lineType)
	require.NoError(t, err)
	s := back.(*value.Structure)
	assert.Equal(t, lineType, s.TypeID())

	from, _ := s.Field("From")
	got, ok := from.(*value.Structure).Field("Label")
	require.True(t, ok)
	str, _ := got.(*value.Scalar).StringValue()
	assert.Equal(t, "origin", str)

	to, _ := s.Field("To")
	_, ok = to.(*value.Structure).Field("Label")
	assert.False(t, ok, "absent optional field stays absent")

	samples, _ := from.(*value.Structure).Field("Samples")
	assert.Equal(t, 2, samples.(*value.Array).Len())
}

func TestStructureOfSingleByteFields(t *testing.T) {
	c := newTestConverter()
	ctx := context.Background()
	locale, text := "en", "ready"

	s := value.NewStructure(flagsType)
	s.Set("Enabled", value.NewBoolean(true))
	s.Set("Level", value.NewByte(200))
	s.Set("Offset", value.NewSByte(-3))
	s.Set("Caption", value.NewLocalizedText(&locale, &text))

	uv, err := c.ToRemote(ctx, s, flagsType)
	require.NoError(t, err)
	body := uv.Value().(*ua.ExtensionObject).Value.(*RawStructure).Body
	assert.Equal(t, []byte{1, 200, 0xfd, 3}, body[:4])

	back, err := c.ToInternal(ctx, uv, flagsType)
	require.NoError(t, err)
	got := back.(*value.Structure)
	for _, name := range s.Names() {
		want, _ := s.Field(name)
		v, ok := got.Field(name)
		require.True(t, ok, name)
		assert.True(t, v.(*value.Scalar).Equal(want.(*value.Scalar)), "%s: got %s", name, v)
	}
}

func TestStructureMissingMandatoryField(t *testing.T) {
	c := newTestConverter()
	s := value.NewStructure(pointType)
	s.Set("Samples", value.NewNullArray(value.TypeDouble))

	_, err := c.ToRemote(context.Background(), s, pointType)
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrMissingField)
}

func TestUnion(t *testing.T) {
	c := newTestConverter()
	ctx := context.Background()

	u := value.NewStructure(unionType)
	u.Set("Number", value.NewInt32(5))
	uv, err := c.ToRemote(ctx, u, unionType)
	require.NoError(t, err)

	back, err := c.ToInternal(ctx, uv, unionType)
	require.NoError(t, err)
	s := back.(*value.Structure)
	assert.Equal(t, []string{"Number"}, s.Names())

	empty, err := c.ToRemote(ctx, value.NewStructure(unionType), unionType)
	require.NoError(t, err)
	back, err = c.ToInternal(ctx, empty, unionType)
	require.NoError(t, err)
	assert.Equal(t, 0, back.(*value.Structure).Len())
}

func TestUnionWithSeveralFields(t *testing.T) {
	c := newTestConverter()
	u := value.NewStructure(unionType)
	u.Set("Number", value.NewInt32(5))
	u.Set("Text", value.NewString("five"))

	_, err := c.ToRemote(context.Background(), u, unionType)
	require.Error(t, err)
	assert.True(t, errs.IsConversion(err))
}

func TestUnknownStructureField(t *testing.T) {
	c := newTestConverter()
	ctx := context.Background()

	u := value.NewStructure(unionType)
	u.Set("Colour", value.NewString("red"))
	_, err := c.ToRemote(ctx, u, unionType)
	require.Error(t, err)
	assert.True(t, errs.IsConversion(err), "a union holding only an unknown field is not the empty union")

	p := point(1, nil, 2.0)
	p.Set("Z", value.NewInt32(3))
	_, err = c.ToRemote(ctx, p, pointType)
	require.Error(t, err)
	assert.True(t, errs.IsConversion(err))
	assert.Contains(t, err.Error(), "Z")

	line := value.NewStructure(lineType)
	inner := point(1, nil)
	inner.Set("Extra", value.NewBoolean(true))
	line.Set("From", inner)
	line.Set("To", point(2, nil))
	line.Set("Stamp", value.NewInt64(0))
	_, err = c.ToRemote(ctx, line, lineType)
	assert.True(t, errs.IsConversion(err), "nested structures are checked too")
}

func TestUndecodedExtensionObject(t *testing.T) {
	c := newTestConverter()
	eo := &ua.ExtensionObject{
		EncodingMask: ua.ExtensionObjectBinary,
		TypeID:       &ua.ExpandedNodeID{NodeID: ua.NewNumericNodeID(2, 999)},
	}
	_, err := c.ToInternal(context.Background(), ua.MustVariant(eo), pointType)
	assert.True(t, errs.IsConversion(err))
}

func TestUnknownType(t *testing.T) {
	c := newTestConverter()
	_, err := c.ToInternal(context.Background(), ua.MustVariant(int32(1)), value.MustParseNodeID("ns=3;i=1"))
	assert.True(t, errs.IsConversion(err))
}

func TestNodeIDValues(t *testing.T) {
	c := newTestConverter()
	ctx := context.Background()
	nsNodeID := value.NewNumericNodeID(0, idNodeID)

	id := value.NewStringNodeID(4, "Machine.Speed")
	uv, err := c.ToRemote(ctx, id, nsNodeID)
	require.NoError(t, err)
	back, err := c.ToInternal(ctx, uv, nsNodeID)
	require.NoError(t, err)
	assert.Equal(t, id, back)

	_, err = c.ToRemote(ctx, id, nsInt32)
	assert.True(t, errs.IsConversion(err))

	widest := value.NewNumericNodeID(3, 4294967295)
	remote := NodeIDToRemote(widest)
	assert.Equal(t, uint32(4294967295), remote.IntID())
	back, err = NodeIDToInternal(remote)
	require.NoError(t, err)
	assert.Equal(t, widest, back)
}
