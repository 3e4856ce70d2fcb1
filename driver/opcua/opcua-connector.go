package opcua

import (
	"context"
	"fmt"

	"github.com/gopcua/opcua"
	"github.com/gopcua/opcua/ua"
	"github.com/sirupsen/logrus"
)

// clientTransport adapts *opcua.Client to Transport.
type clientTransport struct {
	*opcua.Client
}

func (c clientTransport) Subscribe(ctx context.Context, params *opcua.SubscriptionParameters, notify chan<- *opcua.PublishNotificationData) (RemoteSubscription, error) {
	sub, err := c.Client.Subscribe(ctx, params, notify)
	if err != nil {
		return nil, err
	}
	return clientSubscription{sub}, nil
}

type clientSubscription struct {
	*opcua.Subscription
}

func (s clientSubscription) ID() uint32 { return s.SubscriptionID }

// Dial returns a DialFunc creating gopcua clients for opts.Endpoint.
// Certificates and identity are resolved once, every Open gets a new client.
func Dial(opts Options, log logrus.FieldLogger) (DialFunc, error) {
	opts.setDefaults()
	endpoint, err := ValidateEndpoint(opts.Endpoint)
	if err != nil {
		return nil, err
	}
	opts.Endpoint = endpoint
	clientOpts, err := clientOptions(opts, log)
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context) (Transport, error) {
		c, err := opcua.NewClient(opts.Endpoint, clientOpts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create OPC-UA client: %w", err)
		}
		return clientTransport{c}, nil
	}, nil
}

// browseRequest builds a single-node browse request returning all reference fields.
func browseRequest(node *ua.NodeID, dir ua.BrowseDirection, refType uint32, subtypes bool, mask ua.NodeClass) *ua.BrowseRequest {
	return &ua.BrowseRequest{
		View: &ua.ViewDescription{ViewID: ua.NewTwoByteNodeID(0)},
		NodesToBrowse: []*ua.BrowseDescription{{
			NodeID:          node,
			BrowseDirection: dir,
			ReferenceTypeID: ua.NewNumericNodeID(0, refType),
			IncludeSubtypes: subtypes,
			NodeClassMask:   uint32(mask),
			ResultMask:      uint32(ua.BrowseResultMaskAll),
		}},
	}
}

// readRequest reads the given attributes of every node, node-major.
func readRequest(nodes []*ua.NodeID, attrs ...ua.AttributeID) *ua.ReadRequest {
	req := &ua.ReadRequest{
		NodesToRead:        make([]*ua.ReadValueID, 0, len(nodes)*len(attrs)),
		TimestampsToReturn: ua.TimestampsToReturnBoth,
	}
	for _, n := range nodes {
		for _, a := range attrs {
			req.NodesToRead = append(req.NodesToRead, &ua.ReadValueID{NodeID: n, AttributeID: a})
		}
	}
	return req
}

// writeRequest builds a value write for every item.
func writeRequest(nodes []*ua.NodeID, values []*ua.Variant) *ua.WriteRequest {
	req := &ua.WriteRequest{NodesToWrite: make([]*ua.WriteValue, len(nodes))}
	for i, n := range nodes {
		req.NodesToWrite[i] = &ua.WriteValue{
			NodeID:      n,
			AttributeID: ua.AttributeIDValue,
			Value: &ua.DataValue{
				EncodingMask: ua.DataValueValue,
				Value:        values[i],
			},
		}
	}
	return req
}

// statusErr returns the status as an error, or nil when it is good.
func statusErr(sc ua.StatusCode) error {
	if uint32(sc)&0x80000000 == 0 {
		return nil
	}
	return sc
}
