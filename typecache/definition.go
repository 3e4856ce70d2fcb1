package typecache

import (
	"fmt"
	"strings"

	"opcua-gateway/value"
)

// Well-known namespace 0 data types the cache and the converter dispatch on.
var (
	StructureType   = value.NewNumericNodeID(0, 22)
	UnionType       = value.NewNumericNodeID(0, 12756)
	EnumerationType = value.NewNumericNodeID(0, 29)
)

// FieldDefinition describes one field of a structured data type.
type FieldDefinition struct {
	Name     string
	TypeID   value.NodeID
	Optional bool
	Array    bool
}

// StructureDefinition is the schema of a structured data type.
type StructureDefinition struct {
	TypeID value.NodeID
	// EncodingID is the node id of the binary encoding used on the wire.
	EncodingID value.NodeID
	Union      bool
	Fields     []FieldDefinition
}

// Field returns the field with the given name and its position.
func (d *StructureDefinition) Field(name string) (FieldDefinition, int, bool) {
	for i, f := range d.Fields {
		if f.Name == name {
			return f, i, true
		}
	}
	return FieldDefinition{}, -1, false
}

// HasOptionalFields reports whether any field is optional. Such structures
// carry an encoding mask on the wire.
func (d *StructureDefinition) HasOptionalFields() bool {
	for _, f := range d.Fields {
		if f.Optional {
			return true
		}
	}
	return false
}

func (d *StructureDefinition) String() string {
	parts := make([]string, len(d.Fields))
	for i, f := range d.Fields {
		p := f.Name + ":" + f.TypeID.String()
		if f.Array {
			p += "[]"
		}
		if f.Optional {
			p += "?"
		}
		parts[i] = p
	}
	kind := "struct"
	if d.Union {
		kind = "union"
	}
	return fmt.Sprintf("%s %s{%s}", kind, d.TypeID, strings.Join(parts, ", "))
}

// IsBase reports whether id is a namespace 0 type that ends a super-type walk:
// the built-in types 1..29 (including the abstract Number branch), Duration,
// UtcTime and Union.
func IsBase(id value.NodeID) bool {
	if id.Namespace() != 0 {
		return false
	}
	n, ok := id.Numeric()
	if !ok {
		return false
	}
	return (n >= 1 && n <= 29) || n == 290 || n == 294 || n == 12756
}

// IsStructured reports whether a built-in base type is decoded field by field.
func IsStructured(base value.NodeID) bool {
	return base == StructureType || base == UnionType
}
