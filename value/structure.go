package value

import "strings"

// Structure is a typed, ordered set of named fields. Unions use the same type
// with at most one populated field.
type Structure struct {
	typeID NodeID
	names  []string
	fields map[string]Value
}

// NewStructure creates an empty structure of the given data type.
func NewStructure(typeID NodeID) *Structure {
	return &Structure{typeID: typeID, fields: make(map[string]Value)}
}

func (s *Structure) Kind() Kind { return KindStructure }

// TypeID returns the data type of the structure.
func (s *Structure) TypeID() NodeID { return s.typeID }

// Set stores a copy of v under name. A new name is appended to the field order.
func (s *Structure) Set(name string, v Value) {
	if _, ok := s.fields[name]; !ok {
		s.names = append(s.names, name)
	}
	s.fields[name] = copyOrNil(v)
}

// Field returns the value stored under name. The value belongs to the structure.
func (s *Structure) Field(name string) (Value, bool) {
	v, ok := s.fields[name]
	return v, ok
}

// Delete removes a field.
func (s *Structure) Delete(name string) {
	if _, ok := s.fields[name]; !ok {
		return
	}
	delete(s.fields, name)
	for i, n := range s.names {
		if n == name {
			s.names = append(s.names[:i], s.names[i+1:]...)
			break
		}
	}
}

// Names returns the field names in insertion order.
func (s *Structure) Names() []string {
	out := make([]string, len(s.names))
	copy(out, s.names)
	return out
}

// Len returns the number of populated fields.
func (s *Structure) Len() int { return len(s.names) }

func (s *Structure) Copy() Value {
	c := NewStructure(s.typeID)
	for _, n := range s.names {
		c.Set(n, s.fields[n])
	}
	return c
}

func (s *Structure) String() string {
	var b strings.Builder
	b.WriteString(s.typeID.String())
	b.WriteString("{")
	for i, n := range s.names {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(n)
		b.WriteString(": ")
		b.WriteString(display(s.fields[n]))
	}
	b.WriteString("}")
	return b.String()
}
