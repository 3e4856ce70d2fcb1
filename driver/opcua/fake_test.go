package opcua

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gopcua/opcua"
	"github.com/gopcua/opcua/ua"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/mock"

	"opcua-gateway/value"
)

// fakeNode is one node of the in-memory address space.
type fakeNode struct {
	class      ua.NodeClass
	value      *ua.Variant
	dataType   *ua.NodeID
	definition *ua.ExtensionObject
	status     ua.StatusCode
}

// fakeTransport is an in-memory OPC UA server. Every service call is recorded
// as a "begin"/"end" pair in calls.
type fakeTransport struct {
	mu sync.Mutex

	connects   int
	connectErr error
	state      opcua.ConnState
	delay      time.Duration
	calls      []string

	nodes       map[string]*fakeNode
	refs        map[string][]*ua.ReferenceDescription
	writeStatus map[string]ua.StatusCode
	written     map[string]*ua.Variant
	callResult  *ua.CallMethodResult
	lastCall    *ua.CallMethodRequest

	subscribeErr error
	monitorErr   error
	// monitorStatus overrides the result of a monitored item by node id.
	monitorStatus   map[string]ua.StatusCode
	unmonitorStatus ua.StatusCode
	subs            []*fakeSubscription
	notify          chan<- *opcua.PublishNotificationData
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		state:         opcua.Connected,
		nodes:         make(map[string]*fakeNode),
		refs:          make(map[string][]*ua.ReferenceDescription),
		writeStatus:   make(map[string]ua.StatusCode),
		written:       make(map[string]*ua.Variant),
		monitorStatus: make(map[string]ua.StatusCode),
	}
}

func (f *fakeTransport) dial(context.Context) (Transport, error) {
	return f, nil
}

func (f *fakeTransport) span(op string) func() {
	f.mu.Lock()
	f.calls = append(f.calls, "begin "+op)
	d := f.delay
	f.mu.Unlock()
	if d > 0 {
		time.Sleep(d)
	}
	return func() {
		f.mu.Lock()
		f.calls = append(f.calls, "end "+op)
		f.mu.Unlock()
	}
}

func (f *fakeTransport) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeTransport) addVariable(id string, v interface{}, dataType *ua.NodeID) {
	f.nodes[id] = &fakeNode{class: ua.NodeClassVariable, value: ua.MustVariant(v), dataType: dataType}
}

func (f *fakeTransport) addRefs(node *ua.NodeID, refType uint32, refs ...*ua.ReferenceDescription) {
	key := browseKey(node, refType)
	f.refs[key] = append(f.refs[key], refs...)
}

func browseKey(node *ua.NodeID, refType uint32) string {
	return fmt.Sprintf("%s|%d", node, refType)
}

func ref(target *ua.NodeID, refType uint32, forward bool, class ua.NodeClass, ns uint16, name string) *ua.ReferenceDescription {
	return &ua.ReferenceDescription{
		ReferenceTypeID: ua.NewNumericNodeID(0, refType),
		IsForward:       forward,
		NodeID:          &ua.ExpandedNodeID{NodeID: target},
		BrowseName:      &ua.QualifiedName{NamespaceIndex: ns, Name: name},
		NodeClass:       class,
	}
}

func (f *fakeTransport) Connect(context.Context) error {
	defer f.span("connect")()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	return f.connectErr
}

func (f *fakeTransport) Close(context.Context) error {
	defer f.span("close")()
	return nil
}

func (f *fakeTransport) State() opcua.ConnState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeTransport) setState(s opcua.ConnState) {
	f.mu.Lock()
	f.state = s
	f.mu.Unlock()
}

func (f *fakeTransport) Read(_ context.Context, req *ua.ReadRequest) (*ua.ReadResponse, error) {
	defer f.span("read")()
	f.mu.Lock()
	defer f.mu.Unlock()
	resp := &ua.ReadResponse{Results: make([]*ua.DataValue, len(req.NodesToRead))}
	for i, r := range req.NodesToRead {
		resp.Results[i] = f.readAttr(r)
	}
	return resp, nil
}

func (f *fakeTransport) readAttr(r *ua.ReadValueID) *ua.DataValue {
	n, ok := f.nodes[r.NodeID.String()]
	if !ok {
		return &ua.DataValue{Status: ua.StatusBadNodeIDUnknown}
	}
	var v *ua.Variant
	switch r.AttributeID {
	case ua.AttributeIDNodeClass:
		v = ua.MustVariant(int32(n.class))
	case ua.AttributeIDValue:
		if n.status != 0 {
			return &ua.DataValue{Status: n.status}
		}
		v = n.value
	case ua.AttributeIDDataType:
		if n.dataType != nil {
			v = ua.MustVariant(n.dataType)
		}
	case ua.AttributeIDDataTypeDefinition:
		if n.definition != nil {
			v = ua.MustVariant(n.definition)
		}
	}
	if v == nil {
		return &ua.DataValue{Status: ua.StatusBadAttributeIDInvalid}
	}
	return &ua.DataValue{EncodingMask: ua.DataValueValue, Value: v, Status: ua.StatusOK}
}

func (f *fakeTransport) Write(_ context.Context, req *ua.WriteRequest) (*ua.WriteResponse, error) {
	defer f.span("write")()
	f.mu.Lock()
	defer f.mu.Unlock()
	resp := &ua.WriteResponse{Results: make([]ua.StatusCode, len(req.NodesToWrite))}
	for i, w := range req.NodesToWrite {
		key := w.NodeID.String()
		if sc, ok := f.writeStatus[key]; ok {
			resp.Results[i] = sc
			continue
		}
		f.written[key] = w.Value.Value
	}
	return resp, nil
}

func (f *fakeTransport) Call(_ context.Context, req *ua.CallMethodRequest) (*ua.CallMethodResult, error) {
	defer f.span("call")()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastCall = req
	if f.callResult == nil {
		return nil, errors.New("no method")
	}
	return f.callResult, nil
}

func (f *fakeTransport) Browse(_ context.Context, req *ua.BrowseRequest) (*ua.BrowseResponse, error) {
	defer f.span("browse")()
	f.mu.Lock()
	defer f.mu.Unlock()
	resp := &ua.BrowseResponse{Results: make([]*ua.BrowseResult, len(req.NodesToBrowse))}
	for i, b := range req.NodesToBrowse {
		refs := f.refs[browseKey(b.NodeID, b.ReferenceTypeID.IntID())]
		resp.Results[i] = &ua.BrowseResult{StatusCode: ua.StatusOK, References: refs}
	}
	return resp, nil
}

func (f *fakeTransport) Subscribe(_ context.Context, params *opcua.SubscriptionParameters, notify chan<- *opcua.PublishNotificationData) (RemoteSubscription, error) {
	defer f.span("subscribe")()
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subscribeErr != nil {
		return nil, f.subscribeErr
	}
	s := &fakeSubscription{tr: f, id: uint32(len(f.subs) + 1), params: params, items: make(map[uint32]*ua.MonitoredItemCreateRequest)}
	f.subs = append(f.subs, s)
	f.notify = notify
	return s, nil
}

func (f *fakeTransport) lastSub() *fakeSubscription {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.subs) == 0 {
		return nil
	}
	return f.subs[len(f.subs)-1]
}

// subCounts returns how many subscriptions were created and canceled.
func (f *fakeTransport) subCounts() (created, canceled int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.subs {
		if s.canceled {
			canceled++
		}
	}
	return len(f.subs), canceled
}

func (f *fakeTransport) publish(n *opcua.PublishNotificationData) {
	f.mu.Lock()
	ch := f.notify
	f.mu.Unlock()
	ch <- n
}

// fakeSubscription records the monitored items by monitored item id.
type fakeSubscription struct {
	tr       *fakeTransport
	id       uint32
	params   *opcua.SubscriptionParameters
	nextItem uint32
	items    map[uint32]*ua.MonitoredItemCreateRequest
	canceled bool
}

func (s *fakeSubscription) ID() uint32 { return s.id }

func (s *fakeSubscription) Monitor(_ context.Context, _ ua.TimestampsToReturn, reqs ...*ua.MonitoredItemCreateRequest) (*ua.CreateMonitoredItemsResponse, error) {
	defer s.tr.span("monitor")()
	s.tr.mu.Lock()
	defer s.tr.mu.Unlock()
	if s.tr.monitorErr != nil {
		return nil, s.tr.monitorErr
	}
	resp := &ua.CreateMonitoredItemsResponse{Results: make([]*ua.MonitoredItemCreateResult, len(reqs))}
	for i, r := range reqs {
		if sc, ok := s.tr.monitorStatus[r.ItemToMonitor.NodeID.String()]; ok {
			resp.Results[i] = &ua.MonitoredItemCreateResult{StatusCode: sc}
			continue
		}
		s.nextItem++
		s.items[s.nextItem] = r
		resp.Results[i] = &ua.MonitoredItemCreateResult{StatusCode: ua.StatusOK, MonitoredItemID: s.nextItem}
	}
	return resp, nil
}

func (s *fakeSubscription) Unmonitor(_ context.Context, ids ...uint32) (*ua.DeleteMonitoredItemsResponse, error) {
	defer s.tr.span("unmonitor")()
	s.tr.mu.Lock()
	defer s.tr.mu.Unlock()
	resp := &ua.DeleteMonitoredItemsResponse{Results: make([]ua.StatusCode, len(ids))}
	for i, id := range ids {
		if s.tr.unmonitorStatus != 0 {
			resp.Results[i] = s.tr.unmonitorStatus
			continue
		}
		if _, ok := s.items[id]; !ok {
			resp.Results[i] = ua.StatusBadMonitoredItemIDInvalid
			continue
		}
		delete(s.items, id)
	}
	return resp, nil
}

func (s *fakeSubscription) Cancel(context.Context) error {
	defer s.tr.span("cancel")()
	s.tr.mu.Lock()
	defer s.tr.mu.Unlock()
	s.canceled = true
	return nil
}

func (s *fakeSubscription) itemCount() int {
	s.tr.mu.Lock()
	defer s.tr.mu.Unlock()
	return len(s.items)
}

func (s *fakeSubscription) isCanceled() bool {
	s.tr.mu.Lock()
	defer s.tr.mu.Unlock()
	return s.canceled
}

// callbackMock records the session callbacks.
type callbackMock struct {
	mock.Mock
}

func (m *callbackMock) ConnectionStatusChanged(status ConnectionStatus) { m.Called(status) }
func (m *callbackMock) DataChanged(items []*NodeAttributes)             { m.Called(items) }
func (m *callbackMock) NewEvents(events []*Event)                       { m.Called(events) }

// handlerMock records the gateway notifications.
type handlerMock struct {
	mock.Mock
}

func (m *handlerMock) ConnectionStatusChanged(status ConnectionStatus) { m.Called(status) }
func (m *handlerMock) DataChanged(data []value.NodeData)               { m.Called(data) }
func (m *handlerMock) NewEvents(events []*value.EventData)             { m.Called(events) }

func quietLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return log
}

func testOptions() Options {
	return Options{
		Endpoint:           "opc.tcp://fake:4840",
		ConnectTimeout:     time.Second,
		SendReceiveTimeout: time.Second,
		MaxReconnectDelay:  100 * time.Millisecond,
		WatchdogInterval:   10 * time.Millisecond,
		PublishingInterval: 100 * time.Millisecond,
	}
}
