package opcua

import (
	"context"
	"fmt"

	"github.com/gopcua/opcua/id"
	"github.com/gopcua/opcua/ua"

	"opcua-gateway/converter"
	"opcua-gateway/errs"
	"opcua-gateway/typecache"
	"opcua-gateway/value"
)

// SuperTypes walks the inverse HasSubtype references of typeID up to the
// namespace 0 base type. It implements typecache.Fetcher.
func (s *Session) SuperTypes(ctx context.Context, typeID value.NodeID) ([]value.NodeID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireOpen("superTypes"); err != nil {
		return nil, err
	}

	var chain []value.NodeID
	cur := typeID
	for !typecache.IsBase(cur) {
		if len(chain) >= typecache.MaxDepth {
			return nil, errs.Conversion("super types of %s: %w", typeID, errs.ErrDepthExceeded)
		}
		refs, err := s.browse(ctx, browseRequest(converter.NodeIDToRemote(cur), ua.BrowseDirectionInverse, id.HasSubtype, false, ua.NodeClassDataType))
		if err != nil {
			return nil, err
		}
		if len(refs) == 0 {
			return nil, errs.Session("superTypes", fmt.Errorf("%s has no super type", cur))
		}
		next, err := refNodeID(refs[0])
		if err != nil {
			return nil, errs.Session("superTypes", err)
		}
		chain = append(chain, next)
		cur = next
	}
	return chain, nil
}

// StructureDefinition reads the DataTypeDefinition attribute of typeID and
// registers its binary encoding so that gopcua keeps the raw body.
// It implements typecache.Fetcher.
func (s *Session) StructureDefinition(ctx context.Context, typeID value.NodeID) (*typecache.StructureDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireOpen("structureDefinition"); err != nil {
		return nil, err
	}

	res, err := s.readValues(ctx, "structureDefinition", readRequest([]*ua.NodeID{converter.NodeIDToRemote(typeID)}, ua.AttributeIDDataTypeDefinition))
	if err != nil {
		return nil, err
	}
	if statusErr(res[0].Status) != nil {
		return nil, errs.StatusError(errs.KindSession, "structureDefinition", res[0].Status)
	}
	eo, ok := variantValue(res[0]).(*ua.ExtensionObject)
	if !ok {
		return nil, errs.Session("structureDefinition", fmt.Errorf("%s: unexpected definition %T", typeID, variantValue(res[0])))
	}
	sd, ok := eo.Value.(*ua.StructureDefinition)
	if !ok {
		return nil, errs.Session("structureDefinition", fmt.Errorf("%s is not a structure (%T)", typeID, eo.Value))
	}
	return s.structureDefinition(typeID, sd)
}

func (s *Session) structureDefinition(typeID value.NodeID, sd *ua.StructureDefinition) (*typecache.StructureDefinition, error) {
	def := &typecache.StructureDefinition{
		TypeID: typeID,
		Union:  sd.StructureType == ua.StructureTypeUnion,
		Fields: make([]typecache.FieldDefinition, len(sd.Fields)),
	}
	if sd.DefaultEncodingID != nil {
		enc, err := converter.NodeIDToInternal(sd.DefaultEncodingID)
		if err != nil {
			return nil, errs.Session("structureDefinition", err)
		}
		def.EncodingID = enc
		converter.RegisterEncoding(enc)
	}
	optional := sd.StructureType == ua.StructureTypeStructureWithOptionalFields
	for i, f := range sd.Fields {
		ft, err := converter.NodeIDToInternal(f.DataType)
		if err != nil {
			return nil, errs.Session("structureDefinition", fmt.Errorf("field %s: %w", f.Name, err))
		}
		def.Fields[i] = typecache.FieldDefinition{
			Name:     f.Name,
			TypeID:   ft,
			Optional: optional && f.IsOptional,
			Array:    f.ValueRank >= 0,
		}
	}
	s.log.Debugf("OPC-UA: loaded structure definition %s", def)
	return def, nil
}

// eventFields collects the variables of an event type and of all its
// supertypes. Duplicate browse names keep the most derived declaration.
// Caller holds s.mu.
func (s *Session) eventFields(ctx context.Context, eventType value.NodeID) ([]EventField, error) {
	seen := make(map[string]bool)
	var out []EventField
	cur := eventType
	for depth := 0; ; depth++ {
		if depth > typecache.MaxDepth {
			return nil, errs.Session("eventFields", fmt.Errorf("%s: %w", eventType, errs.ErrDepthExceeded))
		}
		refs, err := s.browse(ctx, browseRequest(converter.NodeIDToRemote(cur), ua.BrowseDirectionBoth, id.HierarchicalReferences, true, ua.NodeClassVariable|ua.NodeClassObjectType))
		if err != nil {
			return nil, err
		}

		var super *value.NodeID
		var fields []EventField
		for _, r := range refs {
			n, err := refNodeID(r)
			if err != nil {
				s.log.Debugf("OPC-UA: skipping reference of %s: %v", cur, err)
				continue
			}
			if isSubtypeRef(r) {
				if !r.IsForward && super == nil {
					super = &n
				}
				continue
			}
			if r.NodeClass != ua.NodeClassVariable || r.BrowseName == nil {
				continue
			}
			key := fmt.Sprintf("%d:%s", r.BrowseName.NamespaceIndex, r.BrowseName.Name)
			if seen[key] {
				continue
			}
			seen[key] = true
			fields = append(fields, EventField{NodeID: n, Namespace: r.BrowseName.NamespaceIndex, BrowseName: r.BrowseName.Name})
		}
		if err := s.fieldTypes(ctx, fields); err != nil {
			return nil, err
		}
		out = append(out, fields...)

		if super == nil || cur == value.NewNumericNodeID(0, id.BaseEventType) {
			return out, nil
		}
		cur = *super
	}
}

func isSubtypeRef(r *ua.ReferenceDescription) bool {
	return r.ReferenceTypeID != nil && r.ReferenceTypeID.Namespace() == 0 && r.ReferenceTypeID.IntID() == id.HasSubtype
}

// fieldTypes reads the DataType attribute of every field.
func (s *Session) fieldTypes(ctx context.Context, fields []EventField) error {
	if len(fields) == 0 {
		return nil
	}
	nodes := make([]*ua.NodeID, len(fields))
	for i, f := range fields {
		nodes[i] = converter.NodeIDToRemote(f.NodeID)
	}
	res, err := s.readValues(ctx, "eventFields", readRequest(nodes, ua.AttributeIDDataType))
	if err != nil {
		return err
	}
	for i, dv := range res {
		if statusErr(dv.Status) != nil {
			fields[i].Err = errs.StatusError(errs.KindSession, "eventFields", dv.Status)
			continue
		}
		fields[i].DataType, err = nodeIDValue(dv)
		if err != nil {
			fields[i].Err = errs.Session("eventFields", fmt.Errorf("field %s: %w", fields[i].BrowseName, err))
		}
	}
	return nil
}

// MethodArguments reads the InputArguments and OutputArguments properties of
// a method. A method without arguments has no such property.
func (s *Session) MethodArguments(ctx context.Context, methodID value.NodeID) (in, out []Argument, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireOpen("methodArguments"); err != nil {
		return nil, nil, err
	}

	refs, err := s.browse(ctx, browseRequest(converter.NodeIDToRemote(methodID), ua.BrowseDirectionForward, id.HasProperty, false, ua.NodeClassVariable))
	if err != nil {
		return nil, nil, err
	}
	for _, r := range refs {
		if r.BrowseName == nil || r.BrowseName.NamespaceIndex != 0 {
			continue
		}
		var dst *[]Argument
		switch r.BrowseName.Name {
		case inputArgumentsName:
			dst = &in
		case outputArgumentsName:
			dst = &out
		default:
			continue
		}
		n, err := refNodeID(r)
		if err != nil {
			return nil, nil, errs.Session("methodArguments", err)
		}
		args, err := s.readArguments(ctx, n)
		if err != nil {
			return nil, nil, err
		}
		*dst = args
	}
	return in, out, nil
}

func (s *Session) readArguments(ctx context.Context, prop value.NodeID) ([]Argument, error) {
	res, err := s.readValues(ctx, "methodArguments", readRequest([]*ua.NodeID{converter.NodeIDToRemote(prop)}, ua.AttributeIDValue))
	if err != nil {
		return nil, err
	}
	if statusErr(res[0].Status) != nil {
		return nil, errs.StatusError(errs.KindSession, "methodArguments", res[0].Status)
	}
	eos, ok := variantValue(res[0]).([]*ua.ExtensionObject)
	if !ok {
		return nil, errs.Session("methodArguments", fmt.Errorf("unexpected arguments %T", variantValue(res[0])))
	}
	out := make([]Argument, 0, len(eos))
	for _, eo := range eos {
		a, ok := eo.Value.(*ua.Argument)
		if !ok {
			return nil, errs.Session("methodArguments", fmt.Errorf("unexpected argument %T", eo.Value))
		}
		dt, err := converter.NodeIDToInternal(a.DataType)
		if err != nil {
			return nil, errs.Session("methodArguments", fmt.Errorf("argument %s: %w", a.Name, err))
		}
		out = append(out, Argument{Name: a.Name, DataType: dt, Array: a.ValueRank >= 0})
	}
	return out, nil
}

// NamespaceTable reads the namespace array of the server.
func (s *Session) NamespaceTable(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireOpen("namespaces"); err != nil {
		return nil, err
	}
	res, err := s.readValues(ctx, "namespaces", readRequest([]*ua.NodeID{ua.NewNumericNodeID(0, id.Server_NamespaceArray)}, ua.AttributeIDValue))
	if err != nil {
		return nil, err
	}
	if statusErr(res[0].Status) != nil {
		return nil, errs.StatusError(errs.KindSession, "namespaces", res[0].Status)
	}
	ns, ok := variantValue(res[0]).([]string)
	if !ok {
		return nil, errs.Session("namespaces", fmt.Errorf("unexpected namespace array %T", variantValue(res[0])))
	}
	return ns, nil
}

// browse runs a single-node browse. Caller holds s.mu.
func (s *Session) browse(ctx context.Context, req *ua.BrowseRequest) ([]*ua.ReferenceDescription, error) {
	cctx, cancel := s.callCtx(ctx)
	defer cancel()
	resp, err := s.tr.Browse(cctx, req)
	if err != nil {
		return nil, errs.Session("browse", err)
	}
	if len(resp.Results) != 1 {
		return nil, errs.Session("browse", fmt.Errorf("expected 1 result, got %d", len(resp.Results)))
	}
	if statusErr(resp.Results[0].StatusCode) != nil {
		return nil, errs.StatusError(errs.KindSession, "browse", resp.Results[0].StatusCode)
	}
	return resp.Results[0].References, nil
}

func refNodeID(r *ua.ReferenceDescription) (value.NodeID, error) {
	if r.NodeID == nil || r.NodeID.NodeID == nil {
		return value.NodeID{}, fmt.Errorf("reference without target")
	}
	return converter.NodeIDToInternal(r.NodeID.NodeID)
}
