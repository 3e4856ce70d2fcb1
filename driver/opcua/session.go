package opcua

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gopcua/opcua"
	"github.com/gopcua/opcua/id"
	"github.com/gopcua/opcua/ua"
	"github.com/sirupsen/logrus"

	"opcua-gateway/converter"
	"opcua-gateway/errs"
	"opcua-gateway/value"
)

// Session owns the connection to one OPC UA server. Every public operation
// holds the session mutex for its whole duration, so remote calls never
// overlap.
type Session struct {
	opts Options
	dial DialFunc
	cb   SessionCallback
	log  logrus.FieldLogger

	mu    sync.Mutex
	state atomic.Int32
	tr    Transport
	subs  *subscriptionManager

	stopWatch chan struct{}
	watchDone chan struct{}
}

// NewSession creates a closed session. cb may be nil.
func NewSession(opts Options, dial DialFunc, cb SessionCallback, log logrus.FieldLogger) *Session {
	opts.setDefaults()
	if cb == nil {
		cb = noopCallback{}
	}
	return &Session{opts: opts, dial: dial, cb: cb, log: log}
}

// State returns the current lifecycle state without waiting for a running call.
func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) setState(st State) {
	s.state.Store(int32(st))
}

// Open connects to the server, retrying with a linearly growing delay until
// ConnectTimeout elapses. Opening an open session does nothing.
func (s *Session) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.State() == StateOpen {
		return nil
	}
	s.setState(StateOpening)

	deadline := time.Now().Add(s.opts.ConnectTimeout)
	var delay time.Duration
	for {
		tr, err := s.connect(ctx, deadline)
		if err == nil {
			s.attach(tr)
			s.log.Infof("OPC-UA: connected to %s", s.opts.Endpoint)
			s.cb.ConnectionStatusChanged(StatusConnected)
			return nil
		}
		s.setState(StateReconnecting)
		s.log.Warnf("OPC-UA: failed to connect to %s: %v", s.opts.Endpoint, err)

		delay += time.Second
		if delay > s.opts.MaxReconnectDelay {
			delay = s.opts.MaxReconnectDelay
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			s.setState(StateClosed)
			return errs.Timeout("open", fmt.Errorf("no connection to %s within %v: %w", s.opts.Endpoint, s.opts.ConnectTimeout, err))
		}
		if delay > remaining {
			delay = remaining
		}
		select {
		case <-ctx.Done():
			s.setState(StateClosed)
			return errs.Session("open", ctx.Err())
		case <-time.After(delay):
		}
	}
}

func (s *Session) connect(ctx context.Context, deadline time.Time) (Transport, error) {
	cctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()
	tr, err := s.dial(cctx)
	if err != nil {
		return nil, err
	}
	if err := tr.Connect(cctx); err != nil {
		return nil, err
	}
	return tr, nil
}

// attach installs a connected transport. Caller holds s.mu.
func (s *Session) attach(tr Transport) {
	m := newSubscriptionManager(tr, s.opts, s.cb, s.log)
	m.requestHeal = func(deadID uint32) { go s.healSubscription(m, deadID) }
	m.start()
	s.tr, s.subs = tr, m

	s.stopWatch = make(chan struct{})
	s.watchDone = make(chan struct{})
	go s.watch(tr, s.stopWatch, s.watchDone)
	s.setState(StateOpen)
}

// Close removes all monitored items, stops the watchdog and disconnects.
// Closing a closed session does nothing.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.State() != StateOpen {
		s.mu.Unlock()
		return nil
	}
	s.setState(StateClosing)

	cctx, cancel := s.callCtx(ctx)
	defer cancel()

	subs := s.subs
	subs.shutdown(cctx)
	close(s.stopWatch)
	<-s.watchDone

	err := s.tr.Close(cctx)
	s.tr, s.subs = nil, nil
	s.setState(StateClosed)
	s.mu.Unlock()

	// The notification goroutine may be waiting for s.mu, so it is only
	// joined once the lock is released.
	subs.wait()
	s.cb.ConnectionStatusChanged(StatusClosed)
	s.log.Infof("OPC-UA: session to %s closed", s.opts.Endpoint)
	if err != nil {
		return errs.Session("close", err)
	}
	return nil
}

func (s *Session) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.opts.SendReceiveTimeout)
}

func (s *Session) requireOpen(op string) error {
	if s.State() != StateOpen || s.tr == nil {
		return errs.Session(op, errs.ErrSessionClosed)
	}
	return nil
}

// Read reads NodeClass, Value and DataType of every node. Event types get a
// dummy Byte value of 1. Per-node failures are set on NodeAttributes.Err.
func (s *Session) Read(ctx context.Context, ids []value.NodeID) ([]*NodeAttributes, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireOpen("read"); err != nil {
		return nil, err
	}
	return s.read(ctx, ids)
}

func (s *Session) read(ctx context.Context, ids []value.NodeID) ([]*NodeAttributes, error) {
	out := make([]*NodeAttributes, len(ids))
	nodes := make([]*ua.NodeID, len(ids))
	for i, n := range ids {
		out[i] = &NodeAttributes{NodeID: n}
		nodes[i] = converter.NodeIDToRemote(n)
	}
	if len(ids) == 0 {
		return out, nil
	}

	classes, err := s.readValues(ctx, "read", readRequest(nodes, ua.AttributeIDNodeClass))
	if err != nil {
		return nil, err
	}
	var pending []int
	for i, dv := range classes {
		if bad := statusErr(dv.Status); bad != nil {
			out[i].Err = errs.StatusError(errs.KindSession, "read", dv.Status)
			continue
		}
		nc, ok := variantValue(dv).(int32)
		if !ok {
			out[i].Err = errs.Session("read", fmt.Errorf("unexpected node class %T of %s", variantValue(dv), ids[i]))
			continue
		}
		out[i].NodeClass = ua.NodeClass(nc)
		if out[i].IsEventType() {
			out[i].Value = ua.MustVariant(byte(1))
			out[i].DataType = value.NewNumericNodeID(0, id.Byte)
			continue
		}
		pending = append(pending, i)
	}
	if len(pending) == 0 {
		return out, nil
	}

	sub := make([]*ua.NodeID, len(pending))
	for k, i := range pending {
		sub[k] = nodes[i]
	}
	res, err := s.readValues(ctx, "read", readRequest(sub, ua.AttributeIDValue, ua.AttributeIDDataType))
	if err != nil {
		return nil, err
	}
	for k, i := range pending {
		v, dt := res[2*k], res[2*k+1]
		if bad := statusErr(v.Status); bad != nil {
			out[i].Err = errs.StatusError(errs.KindSession, "read", v.Status)
			continue
		}
		if bad := statusErr(dt.Status); bad != nil {
			out[i].Err = errs.StatusError(errs.KindSession, "read", dt.Status)
			continue
		}
		typeID, err := nodeIDValue(dt)
		if err != nil {
			out[i].Err = errs.Session("read", fmt.Errorf("data type of %s: %w", ids[i], err))
			continue
		}
		out[i].DataType = typeID
		out[i].Value = v.Value
		out[i].SourceTime = v.SourceTimestamp
	}
	return out, nil
}

// readValues runs one read request and checks the result count.
func (s *Session) readValues(ctx context.Context, op string, req *ua.ReadRequest) ([]*ua.DataValue, error) {
	cctx, cancel := s.callCtx(ctx)
	defer cancel()
	resp, err := s.tr.Read(cctx, req)
	if err != nil {
		return nil, errs.Session(op, err)
	}
	if len(resp.Results) != len(req.NodesToRead) {
		return nil, errs.Session(op, fmt.Errorf("expected %d results, got %d", len(req.NodesToRead), len(resp.Results)))
	}
	return resp.Results, nil
}

func variantValue(dv *ua.DataValue) interface{} {
	if dv == nil || dv.Value == nil {
		return nil
	}
	return dv.Value.Value()
}

func nodeIDValue(dv *ua.DataValue) (value.NodeID, error) {
	n, ok := variantValue(dv).(*ua.NodeID)
	if !ok {
		return value.NodeID{}, fmt.Errorf("expected a node id, got %T", variantValue(dv))
	}
	return converter.NodeIDToInternal(n)
}

// Write writes the values. The returned slice holds one error per item.
func (s *Session) Write(ctx context.Context, items []*WriteItem) ([]error, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireOpen("write"); err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, nil
	}

	nodes := make([]*ua.NodeID, len(items))
	values := make([]*ua.Variant, len(items))
	for i, it := range items {
		nodes[i] = converter.NodeIDToRemote(it.NodeID)
		values[i] = it.Value
	}
	cctx, cancel := s.callCtx(ctx)
	defer cancel()
	resp, err := s.tr.Write(cctx, writeRequest(nodes, values))
	if err != nil {
		return nil, errs.Session("write", err)
	}
	if len(resp.Results) != len(items) {
		return nil, errs.Session("write", fmt.Errorf("expected %d results, got %d", len(items), len(resp.Results)))
	}
	out := make([]error, len(items))
	for i, sc := range resp.Results {
		if statusErr(sc) != nil {
			out[i] = errs.StatusError(errs.KindSession, "write", sc)
		}
	}
	return out, nil
}

// Call invokes methodID on objectID. A bad call status or a bad input argument
// status fails the whole call with the status attached.
func (s *Session) Call(ctx context.Context, objectID, methodID value.NodeID, args []*ua.Variant) ([]*ua.Variant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireOpen("call"); err != nil {
		return nil, err
	}

	req := &ua.CallMethodRequest{
		ObjectID:       converter.NodeIDToRemote(objectID),
		MethodID:       converter.NodeIDToRemote(methodID),
		InputArguments: args,
	}
	cctx, cancel := s.callCtx(ctx)
	defer cancel()
	res, err := s.tr.Call(cctx, req)
	if err != nil {
		return nil, errs.Session("call", err)
	}
	if statusErr(res.StatusCode) != nil {
		return nil, errs.StatusError(errs.KindSession, "call", res.StatusCode)
	}
	for _, sc := range res.InputArgumentResults {
		if statusErr(sc) != nil {
			return nil, errs.StatusError(errs.KindSession, "call", sc)
		}
	}
	return res.OutputArguments, nil
}

// Subscribe monitors the nodes: variables for data changes, event types for
// events. It returns the read attributes, with per-node failures in Err, and
// the selected fields of every event type.
func (s *Session) Subscribe(ctx context.Context, ids []value.NodeID) ([]*NodeAttributes, map[value.NodeID][]EventField, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireOpen("subscribe"); err != nil {
		return nil, nil, err
	}

	attrs, err := s.read(ctx, ids)
	if err != nil {
		return nil, nil, err
	}
	fields := make(map[value.NodeID][]EventField)
	var valid []*NodeAttributes
	for _, a := range attrs {
		if a.Err != nil {
			continue
		}
		if a.IsEventType() {
			fs, err := s.eventFields(ctx, a.NodeID)
			if err == nil {
				err = firstFieldErr(fs)
			}
			if err != nil {
				a.Err = err
				continue
			}
			fields[a.NodeID] = fs
		}
		valid = append(valid, a)
	}
	if len(valid) == 0 {
		return attrs, fields, nil
	}
	if err := s.subs.add(ctx, valid, fields); err != nil {
		return nil, nil, err
	}
	return attrs, fields, nil
}

func firstFieldErr(fs []EventField) error {
	for _, f := range fs {
		if f.Err != nil {
			return f.Err
		}
	}
	return nil
}

// Unsubscribe removes one monitored item per node id.
func (s *Session) Unsubscribe(ctx context.Context, ids []value.NodeID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireOpen("unsubscribe"); err != nil {
		return err
	}
	return s.subs.remove(ctx, ids)
}

// Subscribed returns the node ids currently monitored, in handle order.
func (s *Session) Subscribed() []value.NodeID {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subs == nil {
		return nil
	}
	return s.subs.nodeIDs()
}

// healSubscription recreates the remote subscription after the server
// dropped subscription deadID. It runs on its own goroutine and gives up when
// the session was closed or reopened or deadID was already replaced.
func (s *Session) healSubscription(m *subscriptionManager, deadID uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.State() != StateOpen || s.subs != m {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 4*s.opts.SendReceiveTimeout)
	defer cancel()
	if m.recreate(ctx, deadID) {
		s.cb.ConnectionStatusChanged(StatusSubscriptionRecreated)
	}
}

// watch polls the transport state and reports changes. It never takes s.mu.
func (s *Session) watch(tr Transport, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	t := time.NewTicker(s.opts.WatchdogInterval)
	defer t.Stop()

	last := opcua.Connected
	for {
		select {
		case <-stop:
			return
		case <-t.C:
		}
		cur := tr.State()
		if cur == last {
			continue
		}
		status, ok := connectionStatus(last, cur)
		last = cur
		if !ok {
			continue
		}
		s.log.Infof("OPC-UA: connection to %s is %s", s.opts.Endpoint, status)
		s.cb.ConnectionStatusChanged(status)
	}
}

func connectionStatus(prev, cur opcua.ConnState) (ConnectionStatus, bool) {
	switch cur {
	case opcua.Connected:
		if prev != opcua.Connected {
			return StatusReconnected, true
		}
	case opcua.Connecting, opcua.Reconnecting:
		return StatusReconnecting, true
	case opcua.Disconnected, opcua.Closed:
		return StatusDisconnected, true
	}
	return 0, false
}

type noopCallback struct{}

func (noopCallback) ConnectionStatusChanged(ConnectionStatus) {}
func (noopCallback) DataChanged([]*NodeAttributes)            {}
func (noopCallback) NewEvents([]*Event)                       {}
