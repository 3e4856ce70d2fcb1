package converter

import (
	"time"

	"opcua-gateway/value"
)

// Namespace 0 data type ids the converter dispatches on.
const (
	idBoolean       = 1
	idSByte         = 2
	idByte          = 3
	idInt16         = 4
	idUInt16        = 5
	idInt32         = 6
	idUInt32        = 7
	idInt64         = 8
	idUInt64        = 9
	idFloat         = 10
	idDouble        = 11
	idString        = 12
	idDateTime      = 13
	idByteString    = 15
	idNodeID        = 17
	idLocalizedText = 21
	idStructure     = 22
	idEnumeration   = 29
	idDuration      = 290
	idUtcTime       = 294
	idUnion         = 12756
)

// builtins maps a remote base type to the internal element type.
var builtins = map[uint64]value.Type{
	idBoolean:       value.TypeBoolean,
	idSByte:         value.TypeSByte,
	idByte:          value.TypeByte,
	idInt16:         value.TypeInt16,
	idUInt16:        value.TypeUInt16,
	idInt32:         value.TypeInt32,
	idEnumeration:   value.TypeInt32,
	idUInt32:        value.TypeUInt32,
	idInt64:         value.TypeInt64,
	idUInt64:        value.TypeUInt64,
	idFloat:         value.TypeFloat,
	idDouble:        value.TypeDouble,
	idDuration:      value.TypeDouble,
	idString:        value.TypeString,
	idDateTime:      value.TypeInt64,
	idUtcTime:       value.TypeInt64,
	idByteString:    value.TypeByteString,
	idNodeID:        value.TypeNodeID,
	idLocalizedText: value.TypeLocalizedText,
	idStructure:     value.TypeStructure,
	idUnion:         value.TypeStructure,
}

// internalType returns the internal element type for a namespace 0 base type.
func internalType(base value.NodeID) (value.Type, bool) {
	n, ok := base.Numeric()
	if !ok || base.Namespace() != 0 {
		return 0, false
	}
	t, ok := builtins[n]
	return t, ok
}

func baseID(base value.NodeID) uint64 {
	n, _ := base.Numeric()
	return n
}

// EpochOffsetMillis is the distance between the OPC UA epoch (1601-01-01) and
// the Unix epoch (1970-01-01) in milliseconds.
const EpochOffsetMillis int64 = 11644473600000

// TicksPerMillisecond is the number of 100 ns OPC UA DateTime ticks per millisecond.
const TicksPerMillisecond int64 = 10000

// TicksToMillis converts OPC UA DateTime ticks to Unix milliseconds.
func TicksToMillis(ticks int64) int64 {
	return ticks/TicksPerMillisecond - EpochOffsetMillis
}

// MillisToTicks converts Unix milliseconds to OPC UA DateTime ticks. Times
// before 1601 are clamped to 0, the OPC UA minimum.
func MillisToTicks(ms int64) int64 {
	if ms <= -EpochOffsetMillis {
		return 0
	}
	return (ms + EpochOffsetMillis) * TicksPerMillisecond
}

// TimeToMillis converts a decoded DateTime to Unix milliseconds. The zero time
// is the OPC UA minimum date.
func TimeToMillis(t time.Time) int64 {
	if t.IsZero() {
		return -EpochOffsetMillis
	}
	return t.UnixMilli()
}

// MillisToTime is the inverse of TimeToMillis.
func MillisToTime(ms int64) time.Time {
	if ms <= -EpochOffsetMillis {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
