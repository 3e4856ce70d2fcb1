package opcua

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/gopcua/opcua"
	"github.com/gopcua/opcua/id"
	"github.com/gopcua/opcua/ua"
	"github.com/sirupsen/logrus"

	"opcua-gateway/converter"
	"opcua-gateway/errs"
	"opcua-gateway/value"
)

// monitoredItem is one entry of the client handle table.
type monitoredItem struct {
	nodeID      value.NodeID
	nodeClass   ua.NodeClass
	dataType    value.NodeID
	eventFields []EventField
	// monitoredID is zero while the item is staged.
	monitoredID uint32
}

func (it *monitoredItem) isEvent() bool {
	return it.nodeClass == ua.NodeClassObjectType
}

// subscriptionManager owns the single remote subscription of a session and
// the table of monitored items. add, remove and recreate are called with the
// session mutex held. The notification goroutine only takes m.mu.
type subscriptionManager struct {
	tr   Transport
	opts Options
	cb   SessionCallback
	log  logrus.FieldLogger

	// requestHeal schedules recreate of the dead subscription on a separate
	// goroutine.
	requestHeal func(deadID uint32)

	mu         sync.Mutex
	items      map[uint32]*monitoredItem
	nextHandle uint32
	sub        RemoteSubscription

	notify   chan *opcua.PublishNotificationData
	done     chan struct{}
	loopDone chan struct{}
	stopOnce sync.Once
}

func newSubscriptionManager(tr Transport, opts Options, cb SessionCallback, log logrus.FieldLogger) *subscriptionManager {
	return &subscriptionManager{
		tr:          tr,
		opts:        opts,
		cb:          cb,
		log:         log,
		requestHeal: func(uint32) {},
		items:       make(map[uint32]*monitoredItem),
		notify:      make(chan *opcua.PublishNotificationData, notifyBufferSize),
		done:        make(chan struct{}),
		loopDone:    make(chan struct{}),
	}
}

func (m *subscriptionManager) start() {
	go m.run()
}

// add monitors every item. Per-item failures are stored in NodeAttributes.Err;
// a failure of the whole request is returned and nothing stays registered.
func (m *subscriptionManager) add(ctx context.Context, attrs []*NodeAttributes, fields map[value.NodeID][]EventField) error {
	if len(attrs) == 0 {
		return nil
	}

	m.mu.Lock()
	handles := make([]uint32, len(attrs))
	reqs := make([]*ua.MonitoredItemCreateRequest, len(attrs))
	for i, a := range attrs {
		m.nextHandle++
		h := m.nextHandle
		it := &monitoredItem{nodeID: a.NodeID, nodeClass: a.NodeClass, dataType: a.DataType}
		if a.IsEventType() {
			it.eventFields = fields[a.NodeID]
			reqs[i] = eventRequest(h, a.NodeID, it.eventFields)
		} else {
			reqs[i] = dataRequest(h, a.NodeID)
		}
		handles[i] = h
		m.items[h] = it
	}
	m.mu.Unlock()

	sub, err := m.ensureSubscription(ctx)
	if err != nil {
		m.discard(ctx, handles)
		return err
	}

	cctx, cancel := context.WithTimeout(ctx, m.opts.SendReceiveTimeout)
	defer cancel()
	resp, err := sub.Monitor(cctx, ua.TimestampsToReturnBoth, reqs...)
	if err == nil && len(resp.Results) != len(reqs) {
		err = fmt.Errorf("expected %d results, got %d", len(reqs), len(resp.Results))
	}
	if err != nil {
		m.discard(ctx, handles)
		return errs.Subscription("monitor", err)
	}

	var failed []uint32
	m.mu.Lock()
	for i, r := range resp.Results {
		if statusErr(r.StatusCode) != nil {
			attrs[i].Err = errs.StatusError(errs.KindSubscription, "monitor", r.StatusCode)
			failed = append(failed, handles[i])
			continue
		}
		m.items[handles[i]].monitoredID = r.MonitoredItemID
	}
	m.mu.Unlock()
	if len(failed) > 0 {
		m.discard(ctx, failed)
	}
	m.log.Debugf("OPC-UA: monitoring %d of %d items", len(reqs)-len(failed), len(reqs))
	return nil
}

// discard drops staged items and deletes the subscription when it is empty.
func (m *subscriptionManager) discard(ctx context.Context, handles []uint32) {
	m.mu.Lock()
	for _, h := range handles {
		delete(m.items, h)
	}
	m.mu.Unlock()
	m.deleteIfEmpty(ctx)
}

func dataRequest(handle uint32, n value.NodeID) *ua.MonitoredItemCreateRequest {
	return &ua.MonitoredItemCreateRequest{
		ItemToMonitor: &ua.ReadValueID{
			NodeID:       converter.NodeIDToRemote(n),
			AttributeID:  ua.AttributeIDValue,
			DataEncoding: &ua.QualifiedName{},
		},
		MonitoringMode: ua.MonitoringModeReporting,
		RequestedParameters: &ua.MonitoringParameters{
			ClientHandle:     handle,
			SamplingInterval: dataSamplingInterval,
			QueueSize:        monitoredQueueSize,
			DiscardOldest:    true,
		},
	}
}

// eventRequest monitors the Server object for events of eventType, selecting
// every field by browse name.
func eventRequest(handle uint32, eventType value.NodeID, fields []EventField) *ua.MonitoredItemCreateRequest {
	return &ua.MonitoredItemCreateRequest{
		ItemToMonitor: &ua.ReadValueID{
			NodeID:       ua.NewNumericNodeID(0, id.Server),
			AttributeID:  ua.AttributeIDEventNotifier,
			DataEncoding: &ua.QualifiedName{},
		},
		MonitoringMode: ua.MonitoringModeReporting,
		RequestedParameters: &ua.MonitoringParameters{
			ClientHandle:     handle,
			SamplingInterval: 0,
			QueueSize:        monitoredQueueSize,
			DiscardOldest:    true,
			Filter:           eventFilter(eventType, fields),
		},
	}
}

func eventFilter(eventType value.NodeID, fields []EventField) *ua.ExtensionObject {
	typeID := converter.NodeIDToRemote(eventType)
	selects := make([]*ua.SimpleAttributeOperand, len(fields))
	for i, f := range fields {
		selects[i] = &ua.SimpleAttributeOperand{
			TypeDefinitionID: ua.NewNumericNodeID(0, id.BaseEventType),
			BrowsePath:       []*ua.QualifiedName{{NamespaceIndex: f.Namespace, Name: f.BrowseName}},
			AttributeID:      ua.AttributeIDValue,
		}
	}
	where := &ua.ContentFilter{
		Elements: []*ua.ContentFilterElement{{
			FilterOperator: ua.FilterOperatorOfType,
			FilterOperands: []*ua.ExtensionObject{{
				EncodingMask: ua.ExtensionObjectBinary,
				TypeID:       &ua.ExpandedNodeID{NodeID: ua.NewNumericNodeID(0, id.LiteralOperand_Encoding_DefaultBinary)},
				Value:        ua.LiteralOperand{Value: ua.MustVariant(typeID)},
			}},
		}},
	}
	return &ua.ExtensionObject{
		EncodingMask: ua.ExtensionObjectBinary,
		TypeID:       &ua.ExpandedNodeID{NodeID: ua.NewNumericNodeID(0, id.EventFilter_Encoding_DefaultBinary)},
		Value:        ua.EventFilter{SelectClauses: selects, WhereClause: where},
	}
}

// ensureSubscription creates the remote subscription on first use.
func (m *subscriptionManager) ensureSubscription(ctx context.Context) (RemoteSubscription, error) {
	m.mu.Lock()
	sub := m.sub
	m.mu.Unlock()
	if sub != nil {
		return sub, nil
	}

	interval := m.opts.PublishingInterval
	params := &opcua.SubscriptionParameters{
		Interval:          interval,
		LifetimeCount:     uint32(SubscriptionTimeout / interval),
		MaxKeepAliveCount: uint32(KeepAliveInterval / interval),
	}
	cctx, cancel := context.WithTimeout(ctx, m.opts.SendReceiveTimeout)
	defer cancel()
	sub, err := m.tr.Subscribe(cctx, params, m.notify)
	if err != nil {
		return nil, errs.Subscription("createSubscription", err)
	}
	m.mu.Lock()
	m.sub = sub
	m.mu.Unlock()
	m.log.Infof("OPC-UA: created subscription %d (interval %v)", sub.ID(), interval)
	return sub, nil
}

// deleteIfEmpty cancels the remote subscription once no item is left.
func (m *subscriptionManager) deleteIfEmpty(ctx context.Context) {
	m.mu.Lock()
	sub := m.sub
	if sub == nil || len(m.items) > 0 {
		m.mu.Unlock()
		return
	}
	m.sub = nil
	m.mu.Unlock()

	cctx, cancel := context.WithTimeout(ctx, m.opts.SendReceiveTimeout)
	defer cancel()
	if err := sub.Cancel(cctx); err != nil {
		m.log.Warnf("OPC-UA: failed to delete subscription %d: %v", sub.ID(), err)
		return
	}
	m.log.Infof("OPC-UA: deleted subscription %d", sub.ID())
}

// remove deletes the first registered item of every node id in one request.
// Items the server refused to delete stay registered.
func (m *subscriptionManager) remove(ctx context.Context, ids []value.NodeID) error {
	m.mu.Lock()
	sub := m.sub
	picked := make(map[uint32]bool)
	var handles, monitored []uint32
	sorted := m.sortedHandles()
	for _, n := range ids {
		for _, h := range sorted {
			it := m.items[h]
			if picked[h] || it.nodeID != n || it.monitoredID == 0 {
				continue
			}
			picked[h] = true
			handles = append(handles, h)
			monitored = append(monitored, it.monitoredID)
			break
		}
	}
	m.mu.Unlock()
	if len(handles) == 0 || sub == nil {
		return nil
	}

	cctx, cancel := context.WithTimeout(ctx, m.opts.SendReceiveTimeout)
	defer cancel()
	resp, err := sub.Unmonitor(cctx, monitored...)
	if err == nil && len(resp.Results) != len(monitored) {
		err = fmt.Errorf("expected %d results, got %d", len(monitored), len(resp.Results))
	}
	if err != nil {
		return errs.Subscription("unmonitor", err)
	}

	var first error
	m.mu.Lock()
	for i, sc := range resp.Results {
		if statusErr(sc) != nil {
			if first == nil {
				first = errs.StatusError(errs.KindSubscription, "unmonitor", sc)
			}
			continue
		}
		delete(m.items, handles[i])
	}
	m.mu.Unlock()
	m.deleteIfEmpty(ctx)
	return first
}

// removeAll removes every registered item.
func (m *subscriptionManager) removeAll(ctx context.Context) error {
	return m.remove(ctx, m.nodeIDs())
}

// nodeIDs lists the node ids of all items in handle order.
func (m *subscriptionManager) nodeIDs() []value.NodeID {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]value.NodeID, 0, len(m.items))
	for _, h := range m.sortedHandles() {
		out = append(out, m.items[h].nodeID)
	}
	return out
}

// sortedHandles requires m.mu.
func (m *subscriptionManager) sortedHandles() []uint32 {
	hs := make([]uint32, 0, len(m.items))
	for h := range m.items {
		hs = append(hs, h)
	}
	sort.Slice(hs, func(i, j int) bool { return hs[i] < hs[j] })
	return hs
}

// recreate rebuilds the subscription after the server invalidated
// subscription deadID. It does nothing and returns false when the current
// subscription is no longer deadID, which happens when several notifications
// reported the same loss. Failures are logged.
func (m *subscriptionManager) recreate(ctx context.Context, deadID uint32) bool {
	m.mu.Lock()
	if m.sub == nil || m.sub.ID() != deadID {
		m.mu.Unlock()
		return false
	}
	var attrs []*NodeAttributes
	fields := make(map[value.NodeID][]EventField)
	for _, h := range m.sortedHandles() {
		it := m.items[h]
		attrs = append(attrs, &NodeAttributes{NodeID: it.nodeID, NodeClass: it.nodeClass, DataType: it.dataType})
		if it.isEvent() {
			fields[it.nodeID] = it.eventFields
		}
	}
	m.items = make(map[uint32]*monitoredItem)
	dead := m.sub
	m.sub = nil
	m.mu.Unlock()

	if dead != nil {
		cctx, cancel := context.WithTimeout(ctx, m.opts.SendReceiveTimeout)
		if err := dead.Cancel(cctx); err != nil {
			m.log.Debugf("OPC-UA: cancel of invalid subscription %d: %v", dead.ID(), err)
		}
		cancel()
	}

	m.log.Warnf("OPC-UA: recreating subscription with %d items", len(attrs))
	if err := m.add(ctx, attrs, fields); err != nil {
		m.log.Errorf("OPC-UA: failed to recreate subscription: %v", err)
		return true
	}
	for _, a := range attrs {
		if a.Err != nil {
			m.log.Errorf("OPC-UA: failed to monitor %s again: %v", a.NodeID, a.Err)
		}
	}
	return true
}

// shutdown removes all items, deletes the subscription and stops the
// notification goroutine without waiting for it.
func (m *subscriptionManager) shutdown(ctx context.Context) {
	if err := m.removeAll(ctx); err != nil {
		m.log.Warnf("OPC-UA: failed to remove monitored items: %v", err)
	}
	m.mu.Lock()
	m.items = make(map[uint32]*monitoredItem)
	m.mu.Unlock()
	m.deleteIfEmpty(ctx)
	m.stopOnce.Do(func() { close(m.done) })
}

// wait blocks until the notification goroutine has exited.
func (m *subscriptionManager) wait() {
	<-m.loopDone
}

func (m *subscriptionManager) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

func (m *subscriptionManager) run() {
	defer close(m.loopDone)
	for {
		select {
		case <-m.done:
			return
		case n := <-m.notify:
			if n != nil {
				m.dispatch(n)
			}
		}
	}
}

func (m *subscriptionManager) dispatch(n *opcua.PublishNotificationData) {
	m.mu.Lock()
	current := m.sub
	m.mu.Unlock()
	if current == nil || n.SubscriptionID != current.ID() {
		return
	}

	if n.Error != nil {
		if errors.Is(n.Error, ua.StatusBadSubscriptionIDInvalid) {
			m.log.Warnf("OPC-UA: subscription %d is no longer valid", n.SubscriptionID)
			m.requestHeal(n.SubscriptionID)
			return
		}
		m.log.Warnf("OPC-UA: publish error on subscription %d: %v", n.SubscriptionID, n.Error)
		return
	}

	switch v := n.Value.(type) {
	case *ua.DataChangeNotification:
		if items := m.dataChanges(v); len(items) > 0 {
			m.deliver(func() { m.cb.DataChanged(items) })
		}
	case *ua.EventNotificationList:
		if events := m.events(v); len(events) > 0 {
			m.deliver(func() { m.cb.NewEvents(events) })
		}
	case *ua.StatusChangeNotification:
		if v.Status == ua.StatusBadSubscriptionIDInvalid {
			m.log.Warnf("OPC-UA: subscription %d is no longer valid", n.SubscriptionID)
			m.requestHeal(n.SubscriptionID)
			return
		}
		m.log.Infof("OPC-UA: subscription %d status %v", n.SubscriptionID, v.Status)
	}
}

// deliver runs a callback and logs a panic instead of killing the goroutine.
func (m *subscriptionManager) deliver(f func()) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Errorf("OPC-UA: notification callback failed: %v", r)
		}
	}()
	f()
}

func (m *subscriptionManager) dataChanges(v *ua.DataChangeNotification) []*NodeAttributes {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*NodeAttributes, 0, len(v.MonitoredItems))
	for _, mi := range v.MonitoredItems {
		it, ok := m.items[mi.ClientHandle]
		if !ok || it.isEvent() {
			m.log.Debugf("OPC-UA: dropping data change for handle %d", mi.ClientHandle)
			continue
		}
		a := &NodeAttributes{NodeID: it.nodeID, NodeClass: it.nodeClass, DataType: it.dataType}
		switch {
		case mi.Value == nil:
			a.Err = errs.Subscription("dataChange", errs.ErrBadStatus)
		case statusErr(mi.Value.Status) != nil:
			a.Err = errs.StatusError(errs.KindSubscription, "dataChange", mi.Value.Status)
		default:
			a.Value = mi.Value.Value
			a.SourceTime = mi.Value.SourceTimestamp
		}
		out = append(out, a)
	}
	return out
}

func (m *subscriptionManager) events(v *ua.EventNotificationList) []*Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Event, 0, len(v.Events))
	for _, ev := range v.Events {
		it, ok := m.items[ev.ClientHandle]
		if !ok || !it.isEvent() {
			m.log.Debugf("OPC-UA: dropping event for handle %d", ev.ClientHandle)
			continue
		}
		e := &Event{EventTypeID: it.nodeID, Fields: make([]EventFieldValue, len(it.eventFields))}
		for j, f := range it.eventFields {
			e.Fields[j].EventField = f
			if j < len(ev.EventFields) {
				e.Fields[j].Value = ev.EventFields[j]
			}
		}
		out = append(out, e)
	}
	return out
}
