package opcua

import (
	"context"
	"testing"
	"time"

	"github.com/gopcua/opcua"
	"github.com/gopcua/opcua/id"
	"github.com/gopcua/opcua/ua"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"opcua-gateway/errs"
	"opcua-gateway/value"
)

var (
	levelID       = ua.NewStringNodeID(2, "Demo.Level")
	pressureField = ua.NewNumericNodeID(2, 501)

	counter  = value.NewStringNodeID(2, "Demo.Counter")
	setpoint = value.NewStringNodeID(2, "Demo.Setpoint")
	level    = value.NewStringNodeID(2, "Demo.Level")
	alarm    = value.NewNumericNodeID(2, 500)
)

// newSubscriptionFake serves three Int32 variables and an event type with one
// field of its own below BaseEventType.
func newSubscriptionFake() *fakeTransport {
	ft := newFakeTransport()
	ft.addVariable(counterID.String(), int32(1), int32TypeID)
	ft.addVariable(setpointID.String(), int32(2), int32TypeID)
	ft.addVariable(levelID.String(), int32(3), int32TypeID)

	ft.nodes[alarmTypeID.String()] = &fakeNode{class: ua.NodeClassObjectType}
	baseEvent := ua.NewNumericNodeID(0, id.BaseEventType)
	ft.addRefs(alarmTypeID, id.HierarchicalReferences,
		ref(pressureField, id.HasProperty, true, ua.NodeClassVariable, 2, "Pressure"),
		ref(baseEvent, id.HasSubtype, false, ua.NodeClassObjectType, 0, "BaseEventType"),
	)
	ft.addRefs(baseEvent, id.HierarchicalReferences,
		ref(ua.NewNumericNodeID(0, id.BaseEventType_SourceNode), id.HasProperty, true, ua.NodeClassVariable, 0, "SourceNode"),
		ref(ua.NewNumericNodeID(0, id.BaseEventType_Time), id.HasProperty, true, ua.NodeClassVariable, 0, "Time"),
		ref(ua.NewNumericNodeID(0, id.BaseEventType_Message), id.HasProperty, true, ua.NodeClassVariable, 0, "Message"),
		ref(ua.NewNumericNodeID(0, id.BaseEventType_Severity), id.HasProperty, true, ua.NodeClassVariable, 0, "Severity"),
		// a duplicate browse name is selected once
		ref(ua.NewNumericNodeID(2, 502), id.HasProperty, true, ua.NodeClassVariable, 2, "Pressure"),
	)
	fieldTypes := map[*ua.NodeID]uint32{
		pressureField: id.Double,
		ua.NewNumericNodeID(0, id.BaseEventType_SourceNode): id.NodeID,
		ua.NewNumericNodeID(0, id.BaseEventType_Time):       id.UtcTime,
		ua.NewNumericNodeID(0, id.BaseEventType_Message):    id.LocalizedText,
		ua.NewNumericNodeID(0, id.BaseEventType_Severity):   id.UInt16,
	}
	for n, dt := range fieldTypes {
		ft.nodes[n.String()] = &fakeNode{class: ua.NodeClassVariable, dataType: ua.NewNumericNodeID(0, dt)}
	}
	return ft
}

func statusCallback() *callbackMock {
	cb := &callbackMock{}
	cb.On("ConnectionStatusChanged", StatusConnected).Maybe()
	cb.On("ConnectionStatusChanged", StatusClosed).Maybe()
	return cb
}

func TestSubscribeDataItems(t *testing.T) {
	ft := newSubscriptionFake()
	s := openSession(t, ft, nil)

	attrs, fields, err := s.Subscribe(context.Background(), []value.NodeID{counter, setpoint, level})
	require.NoError(t, err)
	assert.Empty(t, fields)
	for _, a := range attrs {
		assert.NoError(t, a.Err)
	}
	assert.Equal(t, []value.NodeID{counter, setpoint, level}, s.Subscribed())

	sub := ft.lastSub()
	require.NotNil(t, sub)
	assert.Equal(t, 100*time.Millisecond, sub.params.Interval)
	assert.Equal(t, uint32(36000), sub.params.LifetimeCount)
	assert.Equal(t, uint32(50), sub.params.MaxKeepAliveCount)
	require.Equal(t, 3, sub.itemCount())

	for i := uint32(1); i <= 3; i++ {
		req := sub.items[i]
		assert.Equal(t, ua.AttributeIDValue, req.ItemToMonitor.AttributeID)
		assert.Equal(t, ua.MonitoringModeReporting, req.MonitoringMode)
		assert.Equal(t, i, req.RequestedParameters.ClientHandle)
		assert.Equal(t, float64(-1), req.RequestedParameters.SamplingInterval)
		assert.Equal(t, uint32(10), req.RequestedParameters.QueueSize)
		assert.True(t, req.RequestedParameters.DiscardOldest)
	}
}

func TestSubscribeEventType(t *testing.T) {
	ft := newSubscriptionFake()
	s := openSession(t, ft, nil)

	attrs, fields, err := s.Subscribe(context.Background(), []value.NodeID{alarm})
	require.NoError(t, err)
	require.NoError(t, attrs[0].Err)

	fs := fields[alarm]
	require.Len(t, fs, 5)
	names := make([]string, len(fs))
	for i, f := range fs {
		names[i] = f.BrowseName
		assert.NoError(t, f.Err)
	}
	assert.Equal(t, []string{"Pressure", "SourceNode", "Time", "Message", "Severity"}, names)
	assert.Equal(t, value.NewNumericNodeID(0, id.Double), fs[0].DataType)

	sub := ft.lastSub()
	require.Equal(t, 1, sub.itemCount())
	req := sub.items[1]
	assert.Equal(t, ua.NewNumericNodeID(0, id.Server).String(), req.ItemToMonitor.NodeID.String())
	assert.Equal(t, ua.AttributeIDEventNotifier, req.ItemToMonitor.AttributeID)
	assert.Equal(t, float64(0), req.RequestedParameters.SamplingInterval)

	filter, ok := req.RequestedParameters.Filter.Value.(ua.EventFilter)
	require.True(t, ok)
	require.Len(t, filter.SelectClauses, 5)
	assert.Equal(t, "Pressure", filter.SelectClauses[0].BrowsePath[0].Name)
	assert.Equal(t, uint16(2), filter.SelectClauses[0].BrowsePath[0].NamespaceIndex)
	require.Len(t, filter.WhereClause.Elements, 1)
	assert.Equal(t, ua.FilterOperatorOfType, filter.WhereClause.Elements[0].FilterOperator)
}

func TestSubscribePerItemFailure(t *testing.T) {
	ft := newSubscriptionFake()
	ft.monitorStatus[setpointID.String()] = ua.StatusBadMonitoredItemFilterUnsupported
	s := openSession(t, ft, nil)

	attrs, _, err := s.Subscribe(context.Background(), []value.NodeID{counter, setpoint, level})
	require.NoError(t, err)
	assert.NoError(t, attrs[0].Err)
	assert.True(t, errs.IsSubscription(attrs[1].Err))
	assert.Equal(t, ua.StatusBadMonitoredItemFilterUnsupported, errs.StatusOf(attrs[1].Err))
	assert.NoError(t, attrs[2].Err)
	assert.Equal(t, []value.NodeID{counter, level}, s.Subscribed())
}

func TestSubscribeFailureLeavesNothing(t *testing.T) {
	t.Run("all items refused", func(t *testing.T) {
		ft := newSubscriptionFake()
		ft.monitorStatus[counterID.String()] = ua.StatusBadNodeIDUnknown
		s := openSession(t, ft, nil)

		attrs, _, err := s.Subscribe(context.Background(), []value.NodeID{counter})
		require.NoError(t, err)
		assert.Error(t, attrs[0].Err)
		assert.Empty(t, s.Subscribed())
		assert.True(t, ft.lastSub().isCanceled())
	})

	t.Run("monitor call fails", func(t *testing.T) {
		ft := newSubscriptionFake()
		ft.monitorErr = ua.StatusBadTooManyMonitoredItems
		s := openSession(t, ft, nil)

		_, _, err := s.Subscribe(context.Background(), []value.NodeID{counter, setpoint})
		require.Error(t, err)
		assert.True(t, errs.IsSubscription(err))
		assert.Empty(t, s.Subscribed())
		assert.True(t, ft.lastSub().isCanceled())
	})

	t.Run("subscription refused", func(t *testing.T) {
		ft := newSubscriptionFake()
		ft.subscribeErr = ua.StatusBadTooManySubscriptions
		s := openSession(t, ft, nil)

		_, _, err := s.Subscribe(context.Background(), []value.NodeID{counter})
		require.Error(t, err)
		assert.True(t, errs.IsSubscription(err))
		assert.Empty(t, s.Subscribed())
	})
}

func TestUnsubscribeRemovesFirstMatch(t *testing.T) {
	ft := newSubscriptionFake()
	s := openSession(t, ft, nil)
	ctx := context.Background()

	_, _, err := s.Subscribe(ctx, []value.NodeID{counter, setpoint, counter})
	require.NoError(t, err)
	sub := ft.lastSub()
	require.Equal(t, 3, sub.itemCount())

	require.NoError(t, s.Unsubscribe(ctx, []value.NodeID{counter}))
	assert.Equal(t, []value.NodeID{setpoint, counter}, s.Subscribed())
	assert.Equal(t, 2, sub.itemCount())
	_, first := sub.items[1]
	assert.False(t, first)

	// unknown ids are ignored
	require.NoError(t, s.Unsubscribe(ctx, []value.NodeID{level}))
	assert.Len(t, s.Subscribed(), 2)

	require.NoError(t, s.Unsubscribe(ctx, []value.NodeID{setpoint, counter}))
	assert.Empty(t, s.Subscribed())
	assert.True(t, sub.isCanceled())
}

func TestUnsubscribeKeepsRefusedItems(t *testing.T) {
	ft := newSubscriptionFake()
	s := openSession(t, ft, nil)
	ctx := context.Background()

	_, _, err := s.Subscribe(ctx, []value.NodeID{counter})
	require.NoError(t, err)
	ft.mu.Lock()
	ft.unmonitorStatus = ua.StatusBadMonitoredItemIDInvalid
	ft.mu.Unlock()

	err = s.Unsubscribe(ctx, []value.NodeID{counter})
	require.Error(t, err)
	assert.True(t, errs.IsSubscription(err))
	assert.Equal(t, []value.NodeID{counter}, s.Subscribed())
	assert.False(t, ft.lastSub().isCanceled())

	ft.mu.Lock()
	ft.unmonitorStatus = 0
	ft.mu.Unlock()
}

func TestSelfHealing(t *testing.T) {
	tests := []struct {
		name string
		data *opcua.PublishNotificationData
	}{
		{"publish error", &opcua.PublishNotificationData{SubscriptionID: 1, Error: ua.StatusBadSubscriptionIDInvalid}},
		{"status change", &opcua.PublishNotificationData{SubscriptionID: 1, Value: &ua.StatusChangeNotification{Status: ua.StatusBadSubscriptionIDInvalid}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ft := newSubscriptionFake()
			cb := statusCallback()
			recreated := make(chan struct{})
			cb.On("ConnectionStatusChanged", StatusSubscriptionRecreated).Once().Run(func(mock.Arguments) { close(recreated) })
			s := openSession(t, ft, cb)

			_, _, err := s.Subscribe(context.Background(), []value.NodeID{counter, setpoint, alarm})
			require.NoError(t, err)
			dead := ft.lastSub()
			require.Equal(t, 3, dead.itemCount())

			ft.publish(tt.data)
			select {
			case <-recreated:
			case <-time.After(2 * time.Second):
				t.Fatal("subscription was not recreated")
			}

			assert.True(t, dead.isCanceled())
			healed := ft.lastSub()
			require.NotSame(t, dead, healed)
			assert.Equal(t, 3, healed.itemCount())
			assert.Equal(t, []value.NodeID{counter, setpoint, alarm}, s.Subscribed())
		})
	}
}

func TestRepeatedInvalidationHealsOnce(t *testing.T) {
	ft := newSubscriptionFake()
	cb := statusCallback()
	recreated := make(chan struct{})
	cb.On("ConnectionStatusChanged", StatusSubscriptionRecreated).Once().Run(func(mock.Arguments) { close(recreated) })
	s := openSession(t, ft, cb)

	_, _, err := s.Subscribe(context.Background(), []value.NodeID{counter, setpoint})
	require.NoError(t, err)
	dead := ft.lastSub()

	ft.publish(&opcua.PublishNotificationData{SubscriptionID: dead.ID(), Error: ua.StatusBadSubscriptionIDInvalid})
	ft.publish(&opcua.PublishNotificationData{SubscriptionID: dead.ID(), Value: &ua.StatusChangeNotification{Status: ua.StatusBadSubscriptionIDInvalid}})
	select {
	case <-recreated:
	case <-time.After(2 * time.Second):
		t.Fatal("subscription was not recreated")
	}
	// let a second heal run if one was scheduled
	time.Sleep(200 * time.Millisecond)

	created, canceled := ft.subCounts()
	assert.Equal(t, 2, created)
	assert.Equal(t, 1, canceled)
	healed := ft.lastSub()
	assert.False(t, healed.isCanceled())
	assert.Equal(t, 2, healed.itemCount())
	assert.Equal(t, []value.NodeID{counter, setpoint}, s.Subscribed())
}

func TestDataChangeDispatch(t *testing.T) {
	ft := newSubscriptionFake()
	cb := statusCallback()
	got := make(chan []*NodeAttributes, 1)
	cb.On("DataChanged", mock.Anything).Once().Run(func(args mock.Arguments) {
		got <- args.Get(0).([]*NodeAttributes)
	})
	s := openSession(t, ft, cb)

	_, _, err := s.Subscribe(context.Background(), []value.NodeID{counter, setpoint})
	require.NoError(t, err)

	stamp := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	// a notification of another subscription is dropped
	ft.publish(&opcua.PublishNotificationData{SubscriptionID: 42, Value: &ua.DataChangeNotification{
		MonitoredItems: []*ua.MonitoredItemNotification{{ClientHandle: 1, Value: &ua.DataValue{Value: ua.MustVariant(int32(0))}}},
	}})
	ft.publish(&opcua.PublishNotificationData{SubscriptionID: 1, Value: &ua.DataChangeNotification{
		MonitoredItems: []*ua.MonitoredItemNotification{
			{ClientHandle: 1, Value: &ua.DataValue{Value: ua.MustVariant(int32(10)), SourceTimestamp: stamp}},
			{ClientHandle: 99, Value: &ua.DataValue{Value: ua.MustVariant(int32(11))}},
			{ClientHandle: 2, Value: &ua.DataValue{Status: ua.StatusBadSensorFailure}},
		},
	}})

	select {
	case items := <-got:
		require.Len(t, items, 2)
		assert.Equal(t, counter, items[0].NodeID)
		assert.Equal(t, int32(10), items[0].Value.Value())
		assert.Equal(t, stamp, items[0].SourceTime)
		assert.Equal(t, value.NewNumericNodeID(0, id.Int32), items[0].DataType)
		assert.Equal(t, setpoint, items[1].NodeID)
		assert.Equal(t, ua.StatusBadSensorFailure, errs.StatusOf(items[1].Err))
	case <-time.After(time.Second):
		t.Fatal("no data change delivered")
	}
}

func TestCallbackPanicIsRecovered(t *testing.T) {
	ft := newSubscriptionFake()
	cb := statusCallback()
	second := make(chan struct{})
	cb.On("DataChanged", mock.Anything).Once().Run(func(mock.Arguments) { panic("handler bug") })
	cb.On("DataChanged", mock.Anything).Once().Run(func(mock.Arguments) { close(second) })
	s := openSession(t, ft, cb)

	_, _, err := s.Subscribe(context.Background(), []value.NodeID{counter})
	require.NoError(t, err)

	change := &opcua.PublishNotificationData{SubscriptionID: 1, Value: &ua.DataChangeNotification{
		MonitoredItems: []*ua.MonitoredItemNotification{{ClientHandle: 1, Value: &ua.DataValue{Value: ua.MustVariant(int32(5))}}},
	}}
	ft.publish(change)
	ft.publish(change)

	select {
	case <-second:
	case <-time.After(time.Second):
		t.Fatal("notification goroutine stopped after a panic")
	}
}

func TestEventDispatch(t *testing.T) {
	ft := newSubscriptionFake()
	cb := statusCallback()
	got := make(chan []*Event, 1)
	cb.On("NewEvents", mock.Anything).Once().Run(func(args mock.Arguments) {
		got <- args.Get(0).([]*Event)
	})
	s := openSession(t, ft, cb)

	_, _, err := s.Subscribe(context.Background(), []value.NodeID{alarm})
	require.NoError(t, err)

	ft.publish(&opcua.PublishNotificationData{SubscriptionID: 1, Value: &ua.EventNotificationList{
		Events: []*ua.EventFieldList{
			{ClientHandle: 1, EventFields: []*ua.Variant{
				ua.MustVariant(2.5),
				ua.MustVariant(ua.NewStringNodeID(2, "Boiler")),
				ua.MustVariant(time.Unix(1700000000, 0).UTC()),
				ua.MustVariant(&ua.LocalizedText{Text: "too hot"}),
				ua.MustVariant(uint16(700)),
			}},
			{ClientHandle: 7},
		},
	}})

	select {
	case events := <-got:
		require.Len(t, events, 1)
		e := events[0]
		assert.Equal(t, alarm, e.EventTypeID)
		require.Len(t, e.Fields, 5)
		assert.Equal(t, "Pressure", e.Fields[0].BrowseName)
		assert.Equal(t, 2.5, e.Fields[0].Value.Value())
		assert.Equal(t, uint16(700), e.Fields[4].Value.Value())
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}
}

func TestCloseRemovesItems(t *testing.T) {
	ft := newSubscriptionFake()
	s := NewSession(testOptions(), ft.dial, nil, quietLogger())
	ctx := context.Background()
	require.NoError(t, s.Open(ctx))

	_, _, err := s.Subscribe(ctx, []value.NodeID{counter, setpoint})
	require.NoError(t, err)
	sub := ft.lastSub()

	require.NoError(t, s.Close(ctx))
	assert.Equal(t, 0, sub.itemCount())
	assert.True(t, sub.isCanceled())
	assert.Nil(t, s.Subscribed())
}
