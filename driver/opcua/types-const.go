package opcua

import (
	"time"

	"github.com/gopcua/opcua/ua"

	"opcua-gateway/value"
)

// Remote subscription tuning.
const (
	SubscriptionTimeout = time.Hour
	KeepAliveInterval   = 5 * time.Second

	monitoredQueueSize = 10
	// dataSamplingInterval asks the server to sample at the publishing rate.
	dataSamplingInterval = -1
	notifyBufferSize     = 256
)

// Browse names of the method argument properties.
const (
	inputArgumentsName  = "InputArguments"
	outputArgumentsName = "OutputArguments"
)

// Options configures a Session.
type Options struct {
	// Endpoint is the server URL, e.g. opc.tcp://localhost:4840.
	Endpoint string
	Username string
	Password string

	SecurityMode   string
	SecurityPolicy string
	CertFile       string
	KeyFile        string

	ConnectTimeout     time.Duration
	SendReceiveTimeout time.Duration
	MaxReconnectDelay  time.Duration
	WatchdogInterval   time.Duration
	PublishingInterval time.Duration
}

func (o *Options) setDefaults() {
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 30 * time.Second
	}
	if o.SendReceiveTimeout <= 0 {
		o.SendReceiveTimeout = 10 * time.Second
	}
	if o.MaxReconnectDelay <= 0 {
		o.MaxReconnectDelay = 10 * time.Second
	}
	if o.WatchdogInterval <= 0 {
		o.WatchdogInterval = 5 * time.Second
	}
	if o.PublishingInterval <= 0 {
		o.PublishingInterval = 500 * time.Millisecond
	}
}

// State is the lifecycle state of a Session.
type State int

const (
	StateClosed State = iota
	StateOpening
	StateReconnecting
	StateOpen
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "Closed"
	case StateOpening:
		return "Opening"
	case StateReconnecting:
		return "Reconnecting"
	case StateOpen:
		return "Open"
	case StateClosing:
		return "Closing"
	}
	return "Unknown"
}

// ConnectionStatus is reported to the SessionCallback when the link changes.
type ConnectionStatus int

const (
	StatusConnected ConnectionStatus = iota
	StatusDisconnected
	StatusReconnecting
	StatusReconnected
	StatusSubscriptionRecreated
	StatusClosed
)

func (c ConnectionStatus) String() string {
	switch c {
	case StatusConnected:
		return "Connected"
	case StatusDisconnected:
		return "Disconnected"
	case StatusReconnecting:
		return "Reconnecting"
	case StatusReconnected:
		return "Reconnected"
	case StatusSubscriptionRecreated:
		return "SubscriptionRecreated"
	case StatusClosed:
		return "Closed"
	}
	return "Unknown"
}

// NodeAttributes is the raw result of reading or monitoring one node.
type NodeAttributes struct {
	NodeID    value.NodeID
	NodeClass ua.NodeClass
	DataType  value.NodeID
	Value     *ua.Variant
	// SourceTime is zero when the server sent no source timestamp.
	SourceTime time.Time
	Err        error
}

// IsEventType reports whether the node is an event type rather than a variable.
func (a *NodeAttributes) IsEventType() bool {
	return a.NodeClass == ua.NodeClassObjectType
}

// WriteItem is one value to write.
type WriteItem struct {
	NodeID value.NodeID
	Value  *ua.Variant
}

// EventField is a variable declared on an event type (or one of its
// supertypes) and selected when the type is monitored.
type EventField struct {
	NodeID     value.NodeID
	Namespace  uint16
	BrowseName string
	DataType   value.NodeID
	Err        error
}

// EventFieldValue pairs a selected field with the value the server reported.
type EventFieldValue struct {
	EventField
	Value *ua.Variant
}

// Event is one notification of a monitored event type.
type Event struct {
	EventTypeID value.NodeID
	Fields      []EventFieldValue
}

// Argument describes an input or output argument of a method.
type Argument struct {
	Name     string
	DataType value.NodeID
	Array    bool
}

// SessionCallback receives everything the session learns asynchronously.
// DataChanged and NewEvents run on the notification goroutine,
// ConnectionStatusChanged on the watchdog or self-healing goroutine.
type SessionCallback interface {
	ConnectionStatusChanged(status ConnectionStatus)
	DataChanged(items []*NodeAttributes)
	NewEvents(events []*Event)
}

// NotificationHandler receives converted notifications from a Gateway.
type NotificationHandler interface {
	ConnectionStatusChanged(status ConnectionStatus)
	DataChanged(data []value.NodeData)
	NewEvents(events []*value.EventData)
}
