package opcua

import (
	"context"

	"github.com/gopcua/opcua"
	"github.com/gopcua/opcua/ua"
)

// Transport is the subset of the OPC UA service set the session uses.
// *gopcua.Client satisfies it through clientTransport; tests use a fake.
type Transport interface {
	Connect(ctx context.Context) error
	Close(ctx context.Context) error
	State() opcua.ConnState

	Read(ctx context.Context, req *ua.ReadRequest) (*ua.ReadResponse, error)
	Write(ctx context.Context, req *ua.WriteRequest) (*ua.WriteResponse, error)
	Call(ctx context.Context, req *ua.CallMethodRequest) (*ua.CallMethodResult, error)
	Browse(ctx context.Context, req *ua.BrowseRequest) (*ua.BrowseResponse, error)

	Subscribe(ctx context.Context, params *opcua.SubscriptionParameters, notify chan<- *opcua.PublishNotificationData) (RemoteSubscription, error)
}

// RemoteSubscription is one subscription on the server.
type RemoteSubscription interface {
	ID() uint32
	Monitor(ctx context.Context, ts ua.TimestampsToReturn, items ...*ua.MonitoredItemCreateRequest) (*ua.CreateMonitoredItemsResponse, error)
	Unmonitor(ctx context.Context, ids ...uint32) (*ua.DeleteMonitoredItemsResponse, error)
	Cancel(ctx context.Context) error
}

// DialFunc creates a fresh, unconnected transport for every Open.
type DialFunc func(ctx context.Context) (Transport, error)
