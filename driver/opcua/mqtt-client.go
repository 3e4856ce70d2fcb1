package opcua

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	MQTT "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/packets"
	"github.com/sirupsen/logrus"

	"opcua-gateway/value"
)

// Publisher is the broker side of a Bridge.
type Publisher interface {
	Publish(topic string, payload []byte, retain bool, qos byte) error
	Subscribe(topic string, handler func(topic string, payload []byte)) error
	Close()
}

// Writer writes converted values. *Gateway implements it.
type Writer interface {
	Write(ctx context.Context, data []value.NodeData) ([]error, error)
}

// inlinePublisher publishes through the inline client of the embedded broker.
type inlinePublisher struct {
	server *MQTT.Server
	subID  int
}

// NewInlinePublisher wraps an embedded broker started with InlineClient enabled.
func NewInlinePublisher(server *MQTT.Server) Publisher {
	return &inlinePublisher{server: server, subID: 1}
}

func (p *inlinePublisher) Publish(topic string, payload []byte, retain bool, qos byte) error {
	return p.server.Publish(topic, payload, retain, qos)
}

func (p *inlinePublisher) Subscribe(topic string, handler func(topic string, payload []byte)) error {
	return p.server.Subscribe(topic, p.subID, func(cl *MQTT.Client, sub packets.Subscription, pk packets.Packet) {
		handler(pk.TopicName, pk.Payload)
	})
}

func (p *inlinePublisher) Close() {}

// pahoPublisher publishes to an external broker.
type pahoPublisher struct {
	client mqtt.Client
}

// NewPahoPublisher connects to an external broker. The client id is random so
// several gateways can share a broker.
func NewPahoPublisher(broker, username, password string, log logrus.FieldLogger) (Publisher, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID("opcua-gateway-" + uuid.NewString()).
		SetUsername(username).
		SetPassword(password).
		SetPingTimeout(10 * time.Second).
		SetAutoReconnect(true).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			log.Warnf("OPC-UA: connection to MQTT broker lost: %v", err)
		})

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker %s: %w", broker, token.Error())
	}
	log.Infof("OPC-UA: connected to MQTT broker %s", broker)
	return &pahoPublisher{client: client}, nil
}

func (p *pahoPublisher) Publish(topic string, payload []byte, retain bool, qos byte) error {
	token := p.client.Publish(topic, qos, retain, payload)
	token.Wait()
	return token.Error()
}

func (p *pahoPublisher) Subscribe(topic string, handler func(topic string, payload []byte)) error {
	token := p.client.Subscribe(topic, 1, func(_ mqtt.Client, m mqtt.Message) {
		handler(m.Topic(), m.Payload())
	})
	token.Wait()
	return token.Error()
}

func (p *pahoPublisher) Close() {
	p.client.Disconnect(250)
}

// Payload formats of a Bridge.
const (
	FormatJSON = "json"
	FormatCBOR = "cbor"
)

type dataMessage struct {
	NodeID    string      `json:"nodeId" cbor:"nodeId"`
	Value     interface{} `json:"value" cbor:"value"`
	Timestamp int64       `json:"timestamp" cbor:"timestamp"`
}

type writeMessage struct {
	NodeID string      `json:"nodeId" cbor:"nodeId"`
	Value  interface{} `json:"value" cbor:"value"`
}

type stateMessage struct {
	State     string `json:"state" cbor:"state"`
	Timestamp int64  `json:"timestamp" cbor:"timestamp"`
}

// Bridge publishes gateway notifications to MQTT and writes values received
// on <prefix>/write. It implements NotificationHandler.
type Bridge struct {
	pub    Publisher
	writer Writer
	prefix string
	format string
	log    logrus.FieldLogger

	// WriteTimeout bounds a write requested over MQTT.
	WriteTimeout time.Duration
}

// NewBridge creates a bridge. format is FormatJSON or FormatCBOR.
func NewBridge(pub Publisher, writer Writer, prefix, format string, log logrus.FieldLogger) (*Bridge, error) {
	switch format {
	case "":
		format = FormatJSON
	case FormatJSON, FormatCBOR:
	default:
		return nil, fmt.Errorf("unknown payload format %q", format)
	}
	return &Bridge{
		pub:          pub,
		writer:       writer,
		prefix:       strings.TrimSuffix(prefix, "/"),
		format:       format,
		log:          log,
		WriteTimeout: 10 * time.Second,
	}, nil
}

// Start subscribes the write topic.
func (b *Bridge) Start() error {
	topic := b.prefix + "/write"
	if err := b.pub.Subscribe(topic, b.handleWrite); err != nil {
		return fmt.Errorf("failed to subscribe to topic %s: %w", topic, err)
	}
	b.log.Infof("OPC-UA: listening for writes on %s", topic)
	return nil
}

func (b *Bridge) marshal(v interface{}) ([]byte, error) {
	if b.format == FormatCBOR {
		return cbor.Marshal(v)
	}
	return json.Marshal(v)
}

func (b *Bridge) unmarshal(data []byte, v interface{}) error {
	if b.format == FormatCBOR {
		return cbor.Unmarshal(data, v)
	}
	return json.Unmarshal(data, v)
}

// topicSegment makes a node id usable as a single topic level.
func topicSegment(s string) string {
	return strings.NewReplacer("/", "_", "+", "_", "#", "_").Replace(s)
}

func (b *Bridge) publish(topic string, v interface{}, retain bool) {
	payload, err := b.marshal(v)
	if err != nil {
		b.log.Errorf("OPC-UA: failed to marshal payload for %s: %v", topic, err)
		return
	}
	if err := b.pub.Publish(topic, payload, retain, 1); err != nil {
		b.log.Errorf("OPC-UA: failed to publish to %s: %v", topic, err)
	}
}

// PublishState publishes a retained state string to <prefix>/state.
func (b *Bridge) PublishState(state string) {
	b.publish(b.prefix+"/state", stateMessage{State: state, Timestamp: time.Now().UnixMilli()}, true)
}

func (b *Bridge) ConnectionStatusChanged(status ConnectionStatus) {
	b.PublishState(status.String())
}

func (b *Bridge) DataChanged(data []value.NodeData) {
	now := time.Now().UnixMilli()
	for _, d := range data {
		msg := dataMessage{NodeID: d.NodeID.String(), Value: value.Plain(d.Value), Timestamp: now}
		b.publish(b.prefix+"/data/"+topicSegment(msg.NodeID), msg, false)
	}
}

func (b *Bridge) NewEvents(events []*value.EventData) {
	for _, e := range events {
		b.publish(b.prefix+"/events/"+topicSegment(e.EventTypeID.String()), value.Plain(e), false)
	}
}

func (b *Bridge) handleWrite(topic string, payload []byte) {
	var msg writeMessage
	if err := b.unmarshal(payload, &msg); err != nil {
		b.log.Warnf("OPC-UA: failed to unmarshal MQTT message on %s: %v", topic, err)
		return
	}
	nodeID, err := value.ParseNodeID(msg.NodeID)
	if err != nil {
		b.log.Warnf("OPC-UA: invalid node id in write request: %v", err)
		return
	}
	v, ok := value.FromPlain(msg.Value, value.NodeID{})
	if !ok {
		b.log.Warnf("OPC-UA: unsupported value %T for %s", msg.Value, nodeID)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), b.WriteTimeout)
	defer cancel()
	results, err := b.writer.Write(ctx, []value.NodeData{{NodeID: nodeID, Value: v}})
	if err != nil {
		b.log.Warnf("OPC-UA: failed to write %s: %v", nodeID, err)
		return
	}
	if len(results) > 0 && results[0] != nil {
		b.log.Warnf("OPC-UA: failed to write %s: %v", nodeID, results[0])
		return
	}
	b.log.Debugf("OPC-UA: wrote %s = %s", nodeID, v)
}
