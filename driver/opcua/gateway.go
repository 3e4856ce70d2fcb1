package opcua

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gopcua/opcua/id"
	"github.com/gopcua/opcua/ua"
	"github.com/sirupsen/logrus"

	"opcua-gateway/converter"
	"opcua-gateway/errs"
	"opcua-gateway/typecache"
	"opcua-gateway/value"
)

// Base event fields that EventData carries as dedicated members.
var (
	fieldSourceNode = value.NewNumericNodeID(0, id.BaseEventType_SourceNode)
	fieldTime       = value.NewNumericNodeID(0, id.BaseEventType_Time)
	fieldMessage    = value.NewNumericNodeID(0, id.BaseEventType_Message)
	fieldSeverity   = value.NewNumericNodeID(0, id.BaseEventType_Severity)
)

// Result is the converted value of one node with its per-item error.
type Result struct {
	value.NodeData
	// SourceTime is in Unix milliseconds, 0 when the server sent none.
	SourceTime int64
	Err        error
}

// Description is what Describe reports about a node.
type Description struct {
	NodeID    value.NodeID
	NodeClass string
	// DataType is set for variables.
	DataType value.NodeID
	// InputArguments and OutputArguments are set for methods.
	InputArguments  []string
	OutputArguments []string
}

// Gateway couples a Session with the type cache and the converter. It turns
// the raw session notifications into internal values for its handlers.
type Gateway struct {
	session *Session
	cache   *typecache.Cache
	conv    *converter.Converter
	metrics *Metrics
	log     logrus.FieldLogger

	mu         sync.RWMutex
	handlers   []NotificationHandler
	namespaces []string
}

// NewGateway creates a closed gateway. metrics may be nil.
func NewGateway(opts Options, dial DialFunc, metrics *Metrics, log logrus.FieldLogger) *Gateway {
	g := &Gateway{metrics: metrics, log: log}
	g.session = NewSession(opts, dial, g, log)
	g.cache = typecache.New(g.session, log)
	g.conv = converter.New(g.cache, log)
	return g
}

// AddHandler registers h for notifications. Handlers are called in
// registration order on the notification goroutine.
func (g *Gateway) AddHandler(h NotificationHandler) {
	g.mu.Lock()
	g.handlers = append(g.handlers, h)
	g.mu.Unlock()
}

func (g *Gateway) handlersCopy() []NotificationHandler {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]NotificationHandler(nil), g.handlers...)
}

// Open opens the session and loads the namespace table.
func (g *Gateway) Open(ctx context.Context) error {
	start := time.Now()
	err := g.session.Open(ctx)
	g.metrics.observe("open", start, err)
	if err != nil {
		return err
	}
	g.loadNamespaces(ctx)
	return nil
}

func (g *Gateway) loadNamespaces(ctx context.Context) {
	ns, err := g.session.NamespaceTable(ctx)
	if err != nil {
		g.log.Warnf("OPC-UA: failed to read namespace table: %v", err)
		return
	}
	g.mu.Lock()
	g.namespaces = ns
	g.mu.Unlock()
	g.log.Infof("OPC-UA: %d namespaces loaded, default namespace %d", len(ns), g.DefaultNamespace())
}

// Close closes the session and drops all cached types.
func (g *Gateway) Close(ctx context.Context) error {
	err := g.session.Close(ctx)
	g.cache.Clear()
	g.metrics.setItems(0)
	return err
}

// State returns the session state.
func (g *Gateway) State() State {
	return g.session.State()
}

// Subscribed returns the node ids currently monitored.
func (g *Gateway) Subscribed() []value.NodeID {
	return g.session.Subscribed()
}

// Namespaces returns a copy of the namespace table read at Open.
func (g *Gateway) Namespaces() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]string(nil), g.namespaces...)
}

// DefaultNamespace is the index of the last namespace of the server, 0 when
// the table is unknown.
func (g *Gateway) DefaultNamespace() uint16 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if len(g.namespaces) == 0 {
		return 0
	}
	return uint16(len(g.namespaces) - 1)
}

// Read reads and converts the current values of the nodes.
func (g *Gateway) Read(ctx context.Context, ids []value.NodeID) (res []Result, err error) {
	defer func(start time.Time) { g.metrics.observe("read", start, err) }(time.Now())
	attrs, err := g.session.Read(ctx, ids)
	if err != nil {
		return nil, err
	}
	res = make([]Result, len(attrs))
	for i, a := range attrs {
		res[i] = g.result(ctx, a)
	}
	return res, nil
}

func (g *Gateway) result(ctx context.Context, a *NodeAttributes) Result {
	r := Result{NodeData: value.NodeData{NodeID: a.NodeID}, Err: a.Err}
	if r.Err != nil {
		return r
	}
	if !a.SourceTime.IsZero() {
		r.SourceTime = converter.TimeToMillis(a.SourceTime)
	}
	r.Value, r.Err = g.conv.ToInternal(ctx, a.Value, a.DataType)
	if r.Err != nil {
		g.metrics.conversionFailed("internal")
	}
	return r
}

// Write converts every value with the data type of its node and writes them.
// The returned slice holds one error per item.
func (g *Gateway) Write(ctx context.Context, data []value.NodeData) (out []error, err error) {
	defer func(start time.Time) { g.metrics.observe("write", start, err) }(time.Now())
	ids := make([]value.NodeID, len(data))
	for i, d := range data {
		ids[i] = d.NodeID
	}
	attrs, err := g.session.Read(ctx, ids)
	if err != nil {
		return nil, err
	}

	out = make([]error, len(data))
	var items []*WriteItem
	var index []int
	for i, a := range attrs {
		if a.Err != nil {
			out[i] = a.Err
			continue
		}
		if a.NodeClass != ua.NodeClassVariable {
			out[i] = errs.Session("write", fmt.Errorf("%s is not a variable", a.NodeID))
			continue
		}
		v, err := g.conv.ToRemote(ctx, data[i].Value, a.DataType)
		if err != nil {
			g.metrics.conversionFailed("remote")
			out[i] = err
			continue
		}
		items = append(items, &WriteItem{NodeID: a.NodeID, Value: v})
		index = append(index, i)
	}
	if len(items) == 0 {
		return out, nil
	}

	results, err := g.session.Write(ctx, items)
	if err != nil {
		return nil, err
	}
	for k, i := range index {
		out[i] = results[k]
	}
	return out, nil
}

// Call invokes a method. The arguments are converted with the declared
// argument types and must match them in number.
func (g *Gateway) Call(ctx context.Context, objectID, methodID value.NodeID, args []value.Value) (out []value.Value, err error) {
	defer func(start time.Time) { g.metrics.observe("call", start, err) }(time.Now())
	in, outArgs, err := g.session.MethodArguments(ctx, methodID)
	if err != nil {
		return nil, err
	}
	if len(args) != len(in) {
		return nil, errs.Session("call", fmt.Errorf("%s expects %d, got %d: %w", methodID, len(in), len(args), errs.ErrArgumentsCount))
	}

	variants := make([]*ua.Variant, len(args))
	for i, a := range args {
		if err := g.cache.Preload(ctx, in[i].DataType); err != nil {
			return nil, err
		}
		variants[i], err = g.conv.ToRemote(ctx, a, in[i].DataType)
		if err != nil {
			g.metrics.conversionFailed("remote")
			return nil, fmt.Errorf("argument %s: %w", in[i].Name, err)
		}
	}

	results, err := g.session.Call(ctx, objectID, methodID, variants)
	if err != nil {
		return nil, err
	}
	if len(results) > len(outArgs) {
		return nil, errs.Session("call", fmt.Errorf("%s returned %d outputs, %d declared", methodID, len(results), len(outArgs)))
	}
	out = make([]value.Value, len(results))
	for i, r := range results {
		out[i], err = g.conv.ToInternal(ctx, r, outArgs[i].DataType)
		if err != nil {
			g.metrics.conversionFailed("internal")
			return nil, fmt.Errorf("output argument %d: %w", i, err)
		}
	}
	return out, nil
}

// Subscribe monitors the nodes and returns their current values. Every type
// a later notification may carry is loaded into the cache first.
func (g *Gateway) Subscribe(ctx context.Context, ids []value.NodeID) (res []Result, err error) {
	defer func(start time.Time) { g.metrics.observe("subscribe", start, err) }(time.Now())
	attrs, fields, err := g.session.Subscribe(ctx, ids)
	if err != nil {
		return nil, err
	}
	for _, fs := range fields {
		for _, f := range fs {
			if err := g.cache.Preload(ctx, f.DataType); err != nil {
				g.log.Warnf("OPC-UA: failed to load type of event field %s: %v", f.BrowseName, err)
			}
		}
	}

	res = make([]Result, len(attrs))
	for i, a := range attrs {
		if a.Err == nil {
			if err := g.cache.Preload(ctx, a.DataType); err != nil {
				g.log.Warnf("OPC-UA: failed to load type %s of %s: %v", a.DataType, a.NodeID, err)
			}
		}
		res[i] = g.result(ctx, a)
	}
	g.metrics.setItems(len(g.session.Subscribed()))
	return res, nil
}

// Unsubscribe stops monitoring the nodes.
func (g *Gateway) Unsubscribe(ctx context.Context, ids []value.NodeID) (err error) {
	defer func(start time.Time) { g.metrics.observe("unsubscribe", start, err) }(time.Now())
	err = g.session.Unsubscribe(ctx, ids)
	g.metrics.setItems(len(g.session.Subscribed()))
	return err
}

// Describe reports the data type of a variable or the argument names of a method.
func (g *Gateway) Describe(ctx context.Context, nodeID value.NodeID) (*Description, error) {
	attrs, err := g.session.Read(ctx, []value.NodeID{nodeID})
	if err != nil {
		return nil, err
	}
	a := attrs[0]
	d := &Description{NodeID: nodeID, NodeClass: a.NodeClass.String()}
	switch a.NodeClass {
	case ua.NodeClassMethod:
		in, out, err := g.session.MethodArguments(ctx, nodeID)
		if err != nil {
			return nil, err
		}
		d.InputArguments = argumentNames(in)
		d.OutputArguments = argumentNames(out)
		return d, nil
	case ua.NodeClassVariable:
		if a.Err != nil {
			return nil, a.Err
		}
		d.DataType = a.DataType
		return d, nil
	}
	if a.Err != nil && a.NodeClass == 0 {
		return nil, a.Err
	}
	return d, nil
}

func argumentNames(args []Argument) []string {
	out := make([]string, len(args))
	for i, a := range args {
		out[i] = a.Name
	}
	return out
}

// ConnectionStatusChanged implements SessionCallback. A reconnect or a
// recreated subscription may come with changed server types, so the cache is
// cleared.
func (g *Gateway) ConnectionStatusChanged(status ConnectionStatus) {
	if status == StatusReconnected || status == StatusSubscriptionRecreated {
		g.cache.Clear()
	}
	g.metrics.statusChanged(status, g.session.State())
	for _, h := range g.handlersCopy() {
		h.ConnectionStatusChanged(status)
	}
}

// DataChanged implements SessionCallback.
func (g *Gateway) DataChanged(items []*NodeAttributes) {
	ctx, cancel := context.WithTimeout(context.Background(), g.session.opts.SendReceiveTimeout)
	defer cancel()

	data := make([]value.NodeData, 0, len(items))
	for _, it := range items {
		if it.Err != nil {
			g.log.Warnf("OPC-UA: bad value for %s: %v", it.NodeID, it.Err)
			continue
		}
		v, err := g.conv.ToInternal(ctx, it.Value, it.DataType)
		if err != nil {
			g.metrics.conversionFailed("internal")
			g.log.Errorf("OPC-UA: failed to convert value of %s: %v", it.NodeID, err)
			continue
		}
		data = append(data, value.NodeData{NodeID: it.NodeID, Value: v})
	}
	if len(data) == 0 {
		return
	}
	g.metrics.notified("data", len(data))
	for _, h := range g.handlersCopy() {
		h.DataChanged(data)
	}
}

// NewEvents implements SessionCallback.
func (g *Gateway) NewEvents(events []*Event) {
	ctx, cancel := context.WithTimeout(context.Background(), g.session.opts.SendReceiveTimeout)
	defer cancel()

	out := make([]*value.EventData, 0, len(events))
	for _, e := range events {
		out = append(out, g.eventData(ctx, e))
	}
	if len(out) == 0 {
		return
	}
	g.metrics.notified("event", len(out))
	for _, h := range g.handlersCopy() {
		h.NewEvents(out)
	}
}

// eventData fills the base event members from their namespace 0 fields and
// converts the fields of other namespaces. Fields that fail to convert are
// logged and left out.
func (g *Gateway) eventData(ctx context.Context, e *Event) *value.EventData {
	ed := &value.EventData{EventTypeID: e.EventTypeID}
	for _, f := range e.Fields {
		if f.Value == nil || f.Value.Value() == nil {
			continue
		}
		switch f.NodeID {
		case fieldSourceNode:
			if n, ok := f.Value.Value().(*ua.NodeID); ok {
				if src, err := converter.NodeIDToInternal(n); err == nil {
					ed.SourceNodeID = src
				}
			}
			continue
		case fieldTime:
			if t, ok := f.Value.Value().(time.Time); ok {
				ed.Time = converter.TimeToMillis(t)
			}
			continue
		case fieldMessage:
			if lt, ok := f.Value.Value().(*ua.LocalizedText); ok {
				ed.Message = lt.Text
			}
			continue
		case fieldSeverity:
			if sev, ok := f.Value.Value().(uint16); ok {
				ed.Severity = int(sev)
			}
			continue
		}
		if f.Namespace == 0 {
			continue
		}
		v, err := g.conv.ToInternal(ctx, f.Value, f.DataType)
		if err != nil {
			g.metrics.conversionFailed("internal")
			g.log.Errorf("OPC-UA: failed to convert event field %s: %v", f.BrowseName, err)
			continue
		}
		ed.Fields = append(ed.Fields, value.NodeData{NodeID: f.NodeID, Value: v})
	}
	return ed
}
