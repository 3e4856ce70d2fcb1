package webui

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"opcua-gateway/driver/opcua"
	"opcua-gateway/value"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

const (
	clientBuffer = 64
	pingInterval = 30 * time.Second
	writeWait    = 10 * time.Second
)

// streamMessage is what websocket clients receive.
type streamMessage struct {
	Type      string      `json:"type"`
	NodeID    string      `json:"nodeId,omitempty"`
	Value     interface{} `json:"value,omitempty"`
	Status    string      `json:"status,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

type wsClient struct {
	id   string
	conn *websocket.Conn
	send chan streamMessage
}

// Hub streams gateway notifications to websocket clients. It implements
// opcua.NotificationHandler. A client whose buffer is full misses messages
// rather than stalling the notification goroutine.
type Hub struct {
	mu      sync.Mutex
	clients map[string]*wsClient
	log     logrus.FieldLogger
}

func NewHub(log logrus.FieldLogger) *Hub {
	return &Hub{clients: make(map[string]*wsClient), log: log}
}

// Len returns the number of connected clients.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) ConnectionStatusChanged(status opcua.ConnectionStatus) {
	h.broadcast(streamMessage{Type: "status", Status: status.String(), Timestamp: time.Now().UnixMilli()})
}

func (h *Hub) DataChanged(data []value.NodeData) {
	now := time.Now().UnixMilli()
	for _, d := range data {
		h.broadcast(streamMessage{Type: "data", NodeID: d.NodeID.String(), Value: value.Plain(d.Value), Timestamp: now})
	}
}

func (h *Hub) NewEvents(events []*value.EventData) {
	for _, e := range events {
		h.broadcast(streamMessage{Type: "event", NodeID: e.SourceNodeID.String(), Value: value.Plain(e), Timestamp: e.Time})
	}
}

func (h *Hub) broadcast(msg streamMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, c := range h.clients {
		select {
		case c.send <- msg:
		default:
			h.log.Warnf("WEBUI: websocket client %s is too slow, dropping %s message", c.id, msg.Type)
		}
	}
}

func (h *Hub) register(conn *websocket.Conn) *wsClient {
	c := &wsClient{id: uuid.NewString(), conn: conn, send: make(chan streamMessage, clientBuffer)}
	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()
	return c
}

func (h *Hub) unregister(c *wsClient) {
	h.mu.Lock()
	if _, ok := h.clients[c.id]; ok {
		delete(h.clients, c.id)
		close(c.send)
	}
	h.mu.Unlock()
}

// CloseAll disconnects every client.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[string]*wsClient)
	h.mu.Unlock()
	for _, c := range clients {
		close(c.send)
	}
}

func (h *Hub) serveWS(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Errorf("WEBUI: error upgrading to WebSocket: %v", err)
		return
	}
	client := h.register(conn)
	h.log.Debugf("WEBUI: websocket client %s connected", client.id)

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.writeLoop(client)
	}()

	// The client only sends control frames; a read error means it is gone.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			h.log.Debugf("WEBUI: websocket client %s disconnected: %v", client.id, err)
			break
		}
	}
	h.unregister(client)
	<-done
}

func (h *Hub) writeLoop(c *wsClient) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		gracefulShutdown(c.conn)
	}()
	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				h.log.Warnf("WEBUI: error sending to websocket client %s: %v", c.id, err)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func gracefulShutdown(conn *websocket.Conn) {
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
	conn.Close()
}
