package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/mqttstream/internal/infrastructure/config"
	"github.com/nerrad567/mqttstream/internal/infrastructure/logging"
	"github.com/nerrad567/mqttstream/internal/infrastructure/mqtt"
)

// WebSocket message types.
const (
	WSTypeSubscribe   = "subscribe"
	WSTypeUnsubscribe = "unsubscribe"
	WSTypePing        = "ping"
	WSTypePong        = "pong"
	WSTypeEvent       = "event"
	WSTypeResponse    = "response"
	WSTypeError       = "error"

	// wsSendBufferSize is the per-client outbound message buffer size.
	wsSendBufferSize = 256
)

// Event types pushed to WebSocket clients.
const (
	// EventMessage carries an MQTT message matching one of the client's filters.
	EventMessage = "mqtt.message"

	// Server channels a client can subscribe to by name.
	ChannelConnectionState = "connection.state"
	ChannelSubacks         = "connection.subacks"
	ChannelErrors          = "connection.errors"
)

// WSMessage represents a message sent to/from a WebSocket client.
type WSMessage struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	EventType string `json:"event_type,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   any    `json:"payload,omitempty"`
}

// WSSubscribePayload is the payload for subscribe/unsubscribe messages.
//
// Filters are MQTT topic filters observed on the broker; Channels are the
// server event channels (connection.state, connection.subacks,
// connection.errors).
type WSSubscribePayload struct {
	Filters  []string `json:"filters,omitempty"`
	Channels []string `json:"channels,omitempty"`
	QoS      *int     `json:"qos,omitempty"`
}

// WSMQTTMessage is the payload of an mqtt.message event.
type WSMQTTMessage struct {
	Filter  string `json:"filter"`
	Topic   string `json:"topic"`
	Payload string `json:"payload"`
	QoS     int    `json:"qos"`
	Retain  bool   `json:"retain,omitempty"`
}

// Observer is the part of *mqtt.Client the hub needs.
type Observer interface {
	Observe(filter string, opts ...mqtt.SubscribeOption) (*mqtt.Stream[mqtt.Message], error)
}

// Hub manages WebSocket connections and broadcasts server events.
type Hub struct {
	cfg      config.WebSocketConfig
	logger   *logging.Logger
	observer Observer
	clients  map[*WSClient]struct{}
	mu       sync.RWMutex
}

// WSClient represents a connected WebSocket client.
//
// Every filter it subscribes to holds one reference on the client's
// subscription registry; the references are dropped when it unsubscribes
// or disconnects.
type WSClient struct {
	hub      *Hub
	conn     *websocket.Conn
	send     chan []byte
	channels map[string]struct{}
	streams  map[string]*mqtt.Stream[mqtt.Message]
	closed   bool
	mu       sync.RWMutex
}

// upgrader configures the WebSocket upgrader.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		// Origin checking is handled by CORS middleware
		return true
	},
}

// NewHub creates a new WebSocket hub observing filters through observer.
func NewHub(cfg config.WebSocketConfig, logger *logging.Logger, observer Observer) *Hub {
	return &Hub{
		cfg:      cfg,
		logger:   logger,
		observer: observer,
		clients:  make(map[*WSClient]struct{}),
	}
}

// Run blocks until the context is cancelled, then disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()
	h.closeAll()
}

// Register adds a client to the hub.
func (h *Hub) Register(client *WSClient) {
	h.mu.Lock()
	h.clients[client] = struct{}{}
	h.mu.Unlock()
	h.logger.Debug("websocket client connected", "clients", h.ClientCount())
}

// Unregister removes a client from the hub and releases its filters.
// Only the goroutine that successfully removes the client from the map
// closes the send channel.
func (h *Hub) Unregister(client *WSClient) {
	h.mu.Lock()
	_, existed := h.clients[client]
	delete(h.clients, client)
	h.mu.Unlock()

	client.closeStreams()
	if existed {
		close(client.send)
	}
	h.logger.Debug("websocket client disconnected", "clients", h.ClientCount())
}

// Broadcast sends an event to all clients subscribed to the given channel.
func (h *Hub) Broadcast(channel string, payload any) {
	data, err := encodeEvent(channel, payload)
	if err != nil {
		h.logger.Error("failed to marshal broadcast message", "error", err)
		return
	}

	// Snapshot client list under hub lock, then release before sending
	h.mu.RLock()
	clients := make([]*WSClient, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.mu.RUnlock()

	for _, client := range clients {
		if client.isSubscribed(channel) {
			client.trySend(data)
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// closeAll disconnects all clients and closes their send channels
// so writePump goroutines can exit cleanly.
func (h *Hub) closeAll() {
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[*WSClient]struct{})
	h.mu.Unlock()

	for client := range clients {
		client.closeStreams()
		close(client.send)
		if client.conn != nil {
			client.conn.Close()
		}
	}
}

func encodeEvent(eventType string, payload any) ([]byte, error) {
	return json.Marshal(WSMessage{
		Type:      WSTypeEvent,
		EventType: eventType,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Payload:   payload,
	})
}

// handleWebSocket upgrades the HTTP connection to a WebSocket connection.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := &WSClient{
		hub:      s.hub,
		conn:     conn,
		send:     make(chan []byte, wsSendBufferSize),
		channels: make(map[string]struct{}),
		streams:  make(map[string]*mqtt.Stream[mqtt.Message]),
	}

	s.hub.Register(client)

	// Start read/write pumps
	go client.writePump(s.wsCfg)
	go client.readPump(s.wsCfg)
}

// readPump reads messages from the WebSocket connection.
func (c *WSClient) readPump(cfg config.WebSocketConfig) {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(int64(cfg.MaxMessageSize))
	pingInterval := time.Duration(cfg.PingInterval) * time.Second
	pongWait := time.Duration(cfg.PongTimeout) * time.Second
	//nolint:errcheck // Best-effort deadline on connection setup
	c.conn.SetReadDeadline(time.Now().Add(pingInterval + pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pingInterval + pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("websocket read error", "error", err)
			} else {
				c.hub.logger.Debug("websocket closed", "error", err)
			}
			return
		}
		// Any client message resets the read deadline.
		//nolint:errcheck // Best-effort deadline reset
		c.conn.SetReadDeadline(time.Now().Add(pingInterval + pongWait))
		c.handleMessage(message)
	}
}

// writePump writes messages to the WebSocket connection.
func (c *WSClient) writePump(cfg config.WebSocketConfig) {
	pingInterval := time.Duration(cfg.PingInterval) * time.Second
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	pongWait := time.Duration(cfg.PongTimeout) * time.Second

	for {
		select {
		case message, ok := <-c.send:
			if !ok {
				// Hub closed the channel
				//nolint:errcheck // Best-effort close message
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			//nolint:errcheck // Best-effort deadline; write error caught below
			c.conn.SetWriteDeadline(time.Now().Add(pongWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			//nolint:errcheck // Best-effort deadline; ping error caught below
			c.conn.SetWriteDeadline(time.Now().Add(pongWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage processes an incoming WebSocket message.
func (c *WSClient) handleMessage(data []byte) {
	var msg WSMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.sendError("", "invalid JSON message")
		return
	}

	switch msg.Type {
	case WSTypeSubscribe:
		c.handleSubscribe(msg)
	case WSTypeUnsubscribe:
		c.handleUnsubscribe(msg)
	case WSTypePing:
		c.sendResponse(msg.ID, WSTypePong, nil)
	default:
		c.sendError(msg.ID, "unknown message type: "+msg.Type)
	}
}

func decodeSubscribePayload(msg WSMessage) (WSSubscribePayload, error) {
	var sub WSSubscribePayload
	payloadBytes, err := json.Marshal(msg.Payload)
	if err != nil {
		return sub, err
	}
	err = json.Unmarshal(payloadBytes, &sub)
	return sub, err
}

// handleSubscribe observes the requested filters and joins the requested
// server channels. Filters are validated before anything is registered.
func (c *WSClient) handleSubscribe(msg WSMessage) {
	sub, err := decodeSubscribePayload(msg)
	if err != nil {
		c.sendError(msg.ID, "invalid subscribe payload")
		return
	}

	for _, filter := range sub.Filters {
		if err := mqtt.ValidateFilter(filter); err != nil {
			c.sendError(msg.ID, filter+": "+err.Error())
			return
		}
	}

	var opts []mqtt.SubscribeOption
	if sub.QoS != nil {
		if *sub.QoS < 0 || *sub.QoS > int(mqtt.ExactlyOnce) {
			c.sendError(msg.ID, fmt.Sprintf("%v: %d", mqtt.ErrInvalidQoS, *sub.QoS))
			return
		}
		opts = append(opts, mqtt.WithSubscribeQoS(mqtt.QoS(*sub.QoS)))
	}

	for _, filter := range sub.Filters {
		c.mu.Lock()
		_, exists := c.streams[filter]
		c.mu.Unlock()
		if exists {
			continue
		}

		stream, err := c.hub.observer.Observe(filter, opts...)
		if err != nil {
			c.sendError(msg.ID, filter+": "+err.Error())
			return
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			stream.Close()
			return
		}
		c.streams[filter] = stream
		c.mu.Unlock()
		go c.forward(filter, stream)
	}

	c.mu.Lock()
	for _, ch := range sub.Channels {
		c.channels[ch] = struct{}{}
	}
	c.mu.Unlock()

	c.hub.logger.Info("websocket client subscribed", "filters", sub.Filters, "channels", sub.Channels)

	c.sendResponse(msg.ID, WSTypeResponse, map[string]any{
		"filters":  sub.Filters,
		"channels": sub.Channels,
	})
}

// handleUnsubscribe releases filters and leaves channels.
func (c *WSClient) handleUnsubscribe(msg WSMessage) {
	sub, err := decodeSubscribePayload(msg)
	if err != nil {
		c.sendError(msg.ID, "invalid unsubscribe payload")
		return
	}

	c.mu.Lock()
	var released []*mqtt.Stream[mqtt.Message]
	for _, filter := range sub.Filters {
		if stream, ok := c.streams[filter]; ok {
			released = append(released, stream)
			delete(c.streams, filter)
		}
	}
	for _, ch := range sub.Channels {
		delete(c.channels, ch)
	}
	c.mu.Unlock()

	for _, stream := range released {
		stream.Close()
	}

	c.sendResponse(msg.ID, WSTypeResponse, map[string]any{
		"unsubscribed_filters":  sub.Filters,
		"unsubscribed_channels": sub.Channels,
	})
}

// forward relays one filter's messages until its stream is closed.
func (c *WSClient) forward(filter string, stream *mqtt.Stream[mqtt.Message]) {
	for msg := range stream.C() {
		data, err := encodeEvent(EventMessage, WSMQTTMessage{
			Filter:  filter,
			Topic:   msg.Topic,
			Payload: string(msg.Payload),
			QoS:     int(msg.QoS),
			Retain:  msg.Retain,
		})
		if err != nil {
			continue
		}
		c.trySend(data)
	}
}

// closeStreams releases every filter the client observes.
func (c *WSClient) closeStreams() {
	c.mu.Lock()
	streams := c.streams
	c.streams = make(map[string]*mqtt.Stream[mqtt.Message])
	c.closed = true
	c.mu.Unlock()

	for _, stream := range streams {
		stream.Close()
	}
}

// trySend attempts to send data to the client's send channel.
// It silently handles closed channels (client disconnected during broadcast)
// and full buffers (slow client).
func (c *WSClient) trySend(data []byte) {
	defer func() {
		recover() //nolint:errcheck // Absorb send-on-closed-channel panic
	}()

	select {
	case c.send <- data:
	default:
		// Client buffer full, skip
	}
}

// isSubscribed checks if the client is subscribed to a channel.
func (c *WSClient) isSubscribed(channel string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.channels[channel]
	return ok
}

// sendResponse sends a response message to the client.
func (c *WSClient) sendResponse(id, msgType string, payload any) {
	msg := WSMessage{
		Type:      msgType,
		ID:        id,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Payload:   payload,
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	c.trySend(data)
}

// sendError sends an error message to the client.
func (c *WSClient) sendError(id, message string) {
	c.sendResponse(id, WSTypeError, map[string]string{"message": message})
}
