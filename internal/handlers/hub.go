package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/railsignal/fleet-sentinel/internal/domain"
	"github.com/railsignal/fleet-sentinel/internal/metrics"
)

// FeedMessageType identifies a live-feed message
type FeedMessageType string

const (
	FeedThreatLevel   FeedMessageType = "threat_level"
	FeedSecurityEvent FeedMessageType = "security_event"
	FeedAlert         FeedMessageType = "alert"
)

// FeedMessage is one live-feed broadcast.
type FeedMessage struct {
	Type      FeedMessageType `json:"type"`
	Payload   interface{}     `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// Hub maintains the set of live-feed websocket clients and broadcasts
// feed messages to all of them.
type Hub struct {
	logger    *zap.Logger
	clock     domain.Clock
	collector *metrics.Collector

	register   chan *client
	unregister chan *client
	broadcast  chan FeedMessage

	mu      sync.Mutex
	clients map[*client]bool
	running bool
	stop    chan struct{}
	wg      sync.WaitGroup
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// NewHub creates a hub.
func NewHub(logger *zap.Logger, clock domain.Clock, collector *metrics.Collector) *Hub {
	return &Hub{
		logger:     logger,
		clock:      clock,
		collector:  collector,
		register:   make(chan *client),
		unregister: make(chan *client),
		broadcast:  make(chan FeedMessage, 64),
		clients:    make(map[*client]bool),
	}
}

// Start launches the broadcast loop. Idempotent.
func (h *Hub) Start(ctx context.Context) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running {
		return
	}
	h.running = true
	h.stop = make(chan struct{})

	h.wg.Add(1)
	go h.loop(ctx, h.stop)
}

// Stop closes every client connection and halts the loop. Idempotent.
func (h *Hub) Stop() {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return
	}
	h.running = false
	close(h.stop)
	h.mu.Unlock()
	h.wg.Wait()
}

func (h *Hub) loop(ctx context.Context, stop <-chan struct{}) {
	defer h.wg.Done()
	defer h.closeAll()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()
			h.collector.WebsocketClientConnected(1)
		case c := <-h.unregister:
			h.drop(c)
		case message := <-h.broadcast:
			payload, err := json.Marshal(message)
			if err != nil {
				h.logger.Warn("failed to marshal feed message", zap.Error(err))
				continue
			}
			h.mu.Lock()
			for c := range h.clients {
				select {
				case c.send <- payload:
				default:
					// Slow consumer; drop it rather than stall the feed.
					delete(h.clients, c)
					close(c.send)
					h.collector.WebsocketClientConnected(-1)
				}
			}
			h.mu.Unlock()
		}
	}
}

func (h *Hub) drop(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
		h.collector.WebsocketClientConnected(-1)
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		close(c.send)
		c.conn.Close()
		delete(h.clients, c)
		h.collector.WebsocketClientConnected(-1)
	}
}

// Broadcast queues a message for every connected client. Non-blocking; a
// full queue drops the message.
func (h *Hub) Broadcast(messageType FeedMessageType, payload interface{}) {
	message := FeedMessage{
		Type:      messageType,
		Payload:   payload,
		Timestamp: h.clock.Now(),
	}
	select {
	case h.broadcast <- message:
	default:
		h.logger.Warn("feed backlog full, dropping message",
			zap.String("type", string(messageType)))
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Operator panels are served from trusted origins behind the
		// gateway; tighten this when exposing the feed directly.
		return true
	},
}

// HandleFeed upgrades the request and attaches the client to the hub.
func (h *Hub) HandleFeed(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	c := &client{conn: conn, send: make(chan []byte, 32)}
	h.register <- c

	go h.writePump(c)
	go h.readPump(c)
}

func (h *Hub) writePump(c *client) {
	defer c.conn.Close()
	for payload := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			return
		}
	}
}

// readPump discards inbound frames; the feed is one-way. It exists to
// detect disconnects.
func (h *Hub) readPump(c *client) {
	defer func() {
		h.unregister <- c
		c.conn.Close()
	}()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
