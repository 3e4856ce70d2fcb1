package value

import "strings"

// Array is an ordered sequence of values sharing one element type. A null
// array (no sequence at all) is distinct from an empty one.
type Array struct {
	elemType Type
	elems    []Value
	null     bool
}

// NewArray copies elems into a new array of element type t.
func NewArray(t Type, elems []Value) *Array {
	a := &Array{elemType: t, elems: make([]Value, 0, len(elems))}
	for _, e := range elems {
		a.elems = append(a.elems, copyOrNil(e))
	}
	return a
}

// NewNullArray creates an array of element type t without a sequence.
func NewNullArray(t Type) *Array {
	return &Array{elemType: t, null: true}
}

func (a *Array) Kind() Kind { return KindArray }

// ElemType returns the element type.
func (a *Array) ElemType() Type { return a.elemType }

// IsNull reports whether the array has no sequence.
func (a *Array) IsNull() bool { return a.null }

// Len returns the number of elements; 0 for a null array.
func (a *Array) Len() int { return len(a.elems) }

// At returns the i-th element. The returned value belongs to the array.
func (a *Array) At(i int) Value { return a.elems[i] }

// Elements returns deep copies of all elements.
func (a *Array) Elements() []Value {
	if a.null {
		return nil
	}
	out := make([]Value, len(a.elems))
	for i, e := range a.elems {
		out[i] = copyOrNil(e)
	}
	return out
}

// Append adds a copy of v. Appending to a null array turns it into a regular one.
func (a *Array) Append(v Value) {
	a.null = false
	a.elems = append(a.elems, copyOrNil(v))
}

func (a *Array) Copy() Value {
	c := &Array{elemType: a.elemType, null: a.null}
	if !a.null {
		c.elems = make([]Value, len(a.elems))
		for i, e := range a.elems {
			c.elems[i] = copyOrNil(e)
		}
	}
	return c
}

func (a *Array) String() string {
	if a.null {
		return a.elemType.String() + "[<null>]"
	}
	parts := make([]string, len(a.elems))
	for i, e := range a.elems {
		parts[i] = display(e)
	}
	return a.elemType.String() + "[" + strings.Join(parts, ", ") + "]"
}

func copyOrNil(v Value) Value {
	if v == nil {
		return nil
	}
	return v.Copy()
}
