package api

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Hub fans runtime events out to connected WebSocket clients. Client
// membership is mutex-guarded; only the broadcast path runs on the hub
// goroutine.
type Hub struct {
	mu      sync.Mutex
	clients map[*Client]bool

	broadcast chan []byte
	done      chan struct{}
	logger    *slog.Logger
}

// Client is one connected WebSocket consumer. The stream is one-way: the read
// pump exists only to service pongs and detect closes.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients:   make(map[*Client]bool),
		broadcast: make(chan []byte, 256),
		done:      make(chan struct{}),
		logger:    logger.With("component", "ws_hub"),
	}
}

// Run delivers broadcasts until Stop; call in a goroutine.
func (h *Hub) Run() {
	for {
		select {
		case <-h.done:
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return

		case data := <-h.broadcast:
			h.mu.Lock()
			for c := range h.clients {
				select {
				case c.send <- data:
				default:
					// Slow consumer, disconnect it.
					close(c.send)
					delete(h.clients, c)
				}
			}
			h.mu.Unlock()
		}
	}
}

func (h *Hub) Stop() {
	close(h.done)
}

// Emit builds the stream envelope, stamps it and broadcasts. Non-blocking: a
// full broadcast queue drops the event.
func (h *Hub) Emit(eventType string, data any) {
	raw, ok := h.encode(StreamEvent{Type: eventType, Timestamp: time.Now().UTC(), Data: data})
	if !ok {
		return
	}
	select {
	case h.broadcast <- raw:
	default:
		h.logger.Warn("broadcast queue full, dropping event", "type", eventType)
	}
}

func (h *Hub) encode(evt StreamEvent) ([]byte, bool) {
	raw, err := json.Marshal(evt)
	if err != nil {
		h.logger.Error("failed to marshal stream event", "type", evt.Type, "error", err)
		return nil, false
	}
	return raw, true
}

func (h *Hub) add(c *Client) {
	h.mu.Lock()
	h.clients[c] = true
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Info("client connected", "count", n)
}

func (h *Hub) remove(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Info("client disconnected", "count", n)
}

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512 * 1024
)

// deliver queues one pre-encoded event for this client. Reports false when
// the client's queue is full.
func (c *Client) deliver(data []byte) bool {
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
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

func (c *Client) readPump() {
	defer func() {
		c.hub.remove(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Error("websocket error", "error", err)
			}
			return
		}
	}
}

// NewClient registers a connection with the hub and starts its pumps.
func NewClient(hub *Hub, conn *websocket.Conn) *Client {
	c := &Client{
		hub:  hub,
		conn: conn,
		send: make(chan []byte, 256),
	}
	hub.add(c)
	go c.writePump()
	go c.readPump()
	return c
}
