// Package value holds the protocol-independent representation of everything the
// gateway moves between the OPC UA server and local callers.
//
// Values are immutable once handed to a caller. Every constructor copies the
// payload it is given, and Copy returns a deep copy that shares nothing with
// the source.
package value

import "fmt"

// Kind identifies the concrete shape of a Value.
type Kind int

const (
	KindScalar Kind = iota
	KindArray
	KindStructure
	KindNodeID
	KindEventData
)

func (k Kind) String() string {
	switch k {
	case KindScalar:
		return "Scalar"
	case KindArray:
		return "Array"
	case KindStructure:
		return "Structure"
	case KindNodeID:
		return "NodeId"
	case KindEventData:
		return "EventData"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Value is implemented by Scalar, Array, Structure, NodeID and EventData.
type Value interface {
	Kind() Kind
	// Copy returns a deep copy whose lifetime is independent of the receiver.
	Copy() Value
	// String renders the value for diagnostics. It never fails.
	String() string
}

// Type is the element type of a scalar or an array.
type Type int

const (
	TypeBoolean Type = iota
	TypeSByte
	TypeByte
	TypeInt16
	TypeUInt16
	TypeInt32
	TypeUInt32
	TypeInt64
	TypeUInt64
	TypeFloat
	TypeDouble
	TypeString
	TypeByteString
	TypeLocalizedText
	// array element types only
	TypeStructure
	TypeNodeID
)

var typeNames = map[Type]string{
	TypeBoolean:       "Boolean",
	TypeSByte:         "SByte",
	TypeByte:          "Byte",
	TypeInt16:         "Int16",
	TypeUInt16:        "UInt16",
	TypeInt32:         "Int32",
	TypeUInt32:        "UInt32",
	TypeInt64:         "Int64",
	TypeUInt64:        "UInt64",
	TypeFloat:         "Float",
	TypeDouble:        "Double",
	TypeString:        "String",
	TypeByteString:    "ByteString",
	TypeLocalizedText: "LocalizedText",
	TypeStructure:     "Structure",
	TypeNodeID:        "NodeId",
}

func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("Type(%d)", int(t))
}

// IsScalar reports whether t can be the active kind of a Scalar.
func (t Type) IsScalar() bool {
	return t >= TypeBoolean && t <= TypeLocalizedText
}

// IsInteger reports whether t is one of the signed or unsigned integer kinds.
func (t Type) IsInteger() bool {
	return t >= TypeSByte && t <= TypeUInt64
}

// IsSigned reports whether t is a signed integer kind.
func (t Type) IsSigned() bool {
	switch t {
	case TypeSByte, TypeInt16, TypeInt32, TypeInt64:
		return true
	}
	return false
}

// NodeData pairs a node with its current value.
type NodeData struct {
	NodeID NodeID
	Value  Value
}

// Copy returns a deep copy of the pair.
func (d NodeData) Copy() NodeData {
	out := NodeData{NodeID: d.NodeID}
	if d.Value != nil {
		out.Value = d.Value.Copy()
	}
	return out
}

func (d NodeData) String() string {
	return fmt.Sprintf("%s=%s", d.NodeID, display(d.Value))
}

// display renders v, tolerating nil.
func display(v Value) string {
	if v == nil {
		return "<nil>"
	}
	return v.String()
}
