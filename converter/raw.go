package converter

import (
	"sync"

	"github.com/gopcua/opcua/ua"

	"opcua-gateway/value"
)

// RawStructure holds the undecoded binary body of a server-defined structure.
// It is registered with gopcua for every encoding id the session learns about,
// so that extension objects of those types survive decoding and the converter
// can walk the body with the structure definition.
type RawStructure struct {
	Body []byte
}

// Decode keeps the whole body.
func (r *RawStructure) Decode(b []byte) (int, error) {
	r.Body = append([]byte(nil), b...)
	return len(b), nil
}

// Encode returns the body as is.
func (r *RawStructure) Encode() ([]byte, error) {
	return r.Body, nil
}

var (
	registeredMu sync.Mutex
	registered   = map[value.NodeID]bool{}
)

// RegisterEncoding registers RawStructure as the decoder for the binary
// encoding id. Repeated calls for the same id are no-ops.
func RegisterEncoding(encodingID value.NodeID) {
	if encodingID.IsZero() || encodingID.Namespace() == 0 {
		return
	}
	registeredMu.Lock()
	defer registeredMu.Unlock()
	if registered[encodingID] {
		return
	}
	registered[encodingID] = true
	ua.RegisterExtensionObject(NodeIDToRemote(encodingID), new(RawStructure))
}

// bodyOf returns the binary body of an extension object. Namespace 0 types are
// decoded by gopcua into concrete structs and get re-encoded.
func bodyOf(eo *ua.ExtensionObject) ([]byte, error) {
	switch v := eo.Value.(type) {
	case *RawStructure:
		return v.Body, nil
	case nil:
		return nil, errUnregistered(eo)
	}
	return ua.Encode(eo.Value)
}
