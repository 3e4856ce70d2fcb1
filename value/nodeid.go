package value

import (
	"fmt"
	"strconv"
	"strings"
)

// IDType tells whether a NodeID carries a numeric or a string identifier.
type IDType int

const (
	IDNumeric IDType = iota
	IDString
)

// NodeID identifies a node on the server. It is comparable and can be used as
// a map key.
type NodeID struct {
	ns   uint16
	kind IDType
	num  uint32
	str  string
}

// NewNumericNodeID creates a numeric node id. OPC UA numeric identifiers are
// 32 bits wide.
func NewNumericNodeID(ns uint16, id uint32) NodeID {
	return NodeID{ns: ns, kind: IDNumeric, num: id}
}

// NewStringNodeID creates a string node id.
func NewStringNodeID(ns uint16, id string) NodeID {
	return NodeID{ns: ns, kind: IDString, str: id}
}

// ParseNodeID parses the text form "ns=<n>;i=<n>" or "ns=<n>;s=<text>". The
// namespace part is optional and defaults to 0.
func ParseNodeID(s string) (NodeID, error) {
	var ns uint64
	rest := s
	if strings.HasPrefix(rest, "ns=") {
		idx := strings.Index(rest, ";")
		if idx < 0 {
			return NodeID{}, fmt.Errorf("invalid node id %q: missing identifier", s)
		}
		n, err := strconv.ParseUint(rest[3:idx], 10, 16)
		if err != nil {
			return NodeID{}, fmt.Errorf("invalid node id %q: bad namespace: %v", s, err)
		}
		ns = n
		rest = rest[idx+1:]
	}
	switch {
	case strings.HasPrefix(rest, "i="):
		n, err := strconv.ParseUint(rest[2:], 10, 32)
		if err != nil {
			return NodeID{}, fmt.Errorf("invalid node id %q: bad numeric identifier: %v", s, err)
		}
		return NewNumericNodeID(uint16(ns), uint32(n)), nil
	case strings.HasPrefix(rest, "s="):
		return NewStringNodeID(uint16(ns), rest[2:]), nil
	default:
		return NodeID{}, fmt.Errorf("invalid node id %q: only numeric and string identifiers are supported", s)
	}
}

// MustParseNodeID is like ParseNodeID but panics on error.
func MustParseNodeID(s string) NodeID {
	id, err := ParseNodeID(s)
	if err != nil {
		panic(err)
	}
	return id
}

func (n NodeID) Kind() Kind  { return KindNodeID }
func (n NodeID) Copy() Value { return n }

// IDType returns the identifier type.
func (n NodeID) IDType() IDType { return n.kind }

// Namespace returns the namespace index.
func (n NodeID) Namespace() uint16 { return n.ns }

// Numeric returns the numeric identifier; ok is false for string ids.
func (n NodeID) Numeric() (uint64, bool) { return uint64(n.num), n.kind == IDNumeric }

// StringID returns the string identifier; ok is false for numeric ids.
func (n NodeID) StringID() (string, bool) { return n.str, n.kind == IDString }

// IsZero reports whether n is the null node id ns=0;i=0.
func (n NodeID) IsZero() bool { return n == NodeID{} }

// Equal compares namespace, identifier type and identifier.
func (n NodeID) Equal(o NodeID) bool { return n == o }

func (n NodeID) String() string {
	if n.kind == IDString {
		return fmt.Sprintf("ns=%d;s=%s", n.ns, n.str)
	}
	return fmt.Sprintf("ns=%d;i=%d", n.ns, n.num)
}
