package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/flocklabs/flock/internal/common/logger"
	"github.com/flocklabs/flock/internal/events/bus"
)

const (
	// writeWait bounds a single message write to the peer.
	writeWait = 10 * time.Second
	// pongWait is how long to wait for the next pong.
	pongWait = 60 * time.Second
	// pingPeriod must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
	// maxMessageSize caps inbound client frames.
	maxMessageSize = 64 * 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// clientCommand is the inbound frame shape: channel subscription management.
type clientCommand struct {
	Action    string `json:"action"` // channel.subscribe, channel.unsubscribe
	ChannelID string `json:"channelId"`
}

// Hub fans fleet events out to websocket clients. Channel message events go
// only to clients subscribed to that channel; all other fleet events are
// broadcast.
type Hub struct {
	clients            map[*wsClient]bool
	channelSubscribers map[string]map[*wsClient]bool

	register   chan *wsClient
	unregister chan *wsClient
	events     chan bus.Event

	mu     sync.RWMutex
	bus    bus.EventBus
	logger *logger.Logger
}

// NewHub creates a hub over the fleet event bus. Bus may be nil; the hub
// then only serves explicit broadcasts.
func NewHub(eventBus bus.EventBus, log *logger.Logger) *Hub {
	if log == nil {
		log = logger.Default()
	}
	return &Hub{
		clients:            make(map[*wsClient]bool),
		channelSubscribers: make(map[string]map[*wsClient]bool),
		register:           make(chan *wsClient),
		unregister:         make(chan *wsClient),
		events:             make(chan bus.Event, 256),
		bus:                eventBus,
		logger:             log,
	}
}

// Run subscribes to fleet events and processes client churn until ctx ends.
func (h *Hub) Run(ctx context.Context) {
	var unsubscribe func()
	if h.bus != nil {
		var err error
		unsubscribe, err = h.bus.Subscribe("fleet.>", func(event bus.Event) {
			select {
			case h.events <- event:
			default:
				// slow hub: drop rather than block the bus
			}
		})
		if err != nil {
			h.logger.WithError(err).Warn("failed to subscribe hub to fleet events")
		}
	}
	h.logger.Info("websocket hub started")
	defer func() {
		if unsubscribe != nil {
			unsubscribe()
		}
		h.closeAll()
		h.logger.Info("websocket hub stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Debug("ws client connected", zap.String("clientId", client.id))
		case client := <-h.unregister:
			h.drop(client)
		case event := <-h.events:
			h.deliver(event)
		}
	}
}

// Serve upgrades the HTTP request and runs the client pumps.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithError(err).Warn("websocket upgrade failed")
		return
	}
	client := &wsClient{
		id:            uuid.NewString(),
		hub:           h,
		conn:          conn,
		send:          make(chan []byte, 256),
		subscriptions: make(map[string]bool),
	}
	h.register <- client
	go client.writePump()
	go client.readPump()
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) deliver(event bus.Event) {
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.WithError(err).Warn("failed to marshal fleet event")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	if event.Subject == bus.SubjectChannelMessage {
		if msg, decoded := channelMessagePayload(event.Payload); decoded {
			for client := range h.channelSubscribers[msg.ChannelID] {
				client.enqueue(data)
			}
			return
		}
	}
	for client := range h.clients {
		client.enqueue(data)
	}
}

// channelMessagePayload recovers the typed channel-message event from a bus
// payload. The in-process bus hands over the struct itself; NATS delivery
// decodes the payload into a generic map, so it is re-marshalled into the
// typed event.
func channelMessagePayload(payload any) (bus.ChannelMessageEvent, bool) {
	switch p := payload.(type) {
	case bus.ChannelMessageEvent:
		return p, true
	case *bus.ChannelMessageEvent:
		return *p, true
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return bus.ChannelMessageEvent{}, false
	}
	var msg bus.ChannelMessageEvent
	if err := json.Unmarshal(raw, &msg); err != nil || msg.ChannelID == "" {
		return bus.ChannelMessageEvent{}, false
	}
	return msg, true
}

func (h *Hub) subscribe(client *wsClient, channelID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.channelSubscribers[channelID] == nil {
		h.channelSubscribers[channelID] = make(map[*wsClient]bool)
	}
	h.channelSubscribers[channelID][client] = true
	client.subscriptions[channelID] = true
}

func (h *Hub) unsubscribe(client *wsClient, channelID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(client.subscriptions, channelID)
	if subs := h.channelSubscribers[channelID]; subs != nil {
		delete(subs, client)
		if len(subs) == 0 {
			delete(h.channelSubscribers, channelID)
		}
	}
}

func (h *Hub) drop(client *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, connected := h.clients[client]; !connected {
		return
	}
	delete(h.clients, client)
	close(client.send)
	for channelID := range client.subscriptions {
		if subs := h.channelSubscribers[channelID]; subs != nil {
			delete(subs, client)
			if len(subs) == 0 {
				delete(h.channelSubscribers, channelID)
			}
		}
	}
	h.logger.Debug("ws client disconnected", zap.String("clientId", client.id))
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
	}
	h.channelSubscribers = make(map[string]map[*wsClient]bool)
}

// wsClient is one websocket connection.
type wsClient struct {
	id            string
	hub           *Hub
	conn          *websocket.Conn
	send          chan []byte
	subscriptions map[string]bool
}

func (c *wsClient) enqueue(data []byte) {
	select {
	case c.send <- data:
	default:
		// buffer full; the write pump will clean the client up
	}
}

func (c *wsClient) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var cmd clientCommand
		if err := json.Unmarshal(raw, &cmd); err != nil || cmd.ChannelID == "" {
			continue
		}
		switch cmd.Action {
		case "channel.subscribe":
			c.hub.subscribe(c, cmd.ChannelID)
		case "channel.unsubscribe":
			c.hub.unsubscribe(c, cmd.ChannelID)
		}
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case message, open := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !open {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)
			// batch queued messages into the same frame
			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}
			if err := w.Close(); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
