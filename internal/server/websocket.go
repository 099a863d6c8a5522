package server

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket" //nolint:staticcheck // TODO: migrate to github.com/coder/websocket

	"github.com/scrypster/memvault/internal/breaker"
	"github.com/scrypster/memvault/internal/metrics"
)

// Message is one frame sent to event stream subscribers.
type Message struct {
	Type       string              `json:"type"` // "call" or "breaker"
	Event      *metrics.Event      `json:"event,omitempty"`
	Transition *breaker.Transition `json:"transition,omitempty"`
}

// EventHub streams metrics events to WebSocket clients. It is a
// metrics.Sink.
type EventHub struct {
	clients    map[*client]bool
	broadcast  chan Message
	register   chan *client
	unregister chan *client
	mu         sync.RWMutex
	ctx        context.Context
	cancel     context.CancelFunc
	origins    []string
}

var _ metrics.Sink = (*EventHub)(nil)

type client struct {
	hub  *EventHub
	conn *websocket.Conn
	send chan []byte
}

// NewEventHub creates a hub. originPatterns lists the cross-origin hosts
// allowed to subscribe; same-origin requests are always accepted.
func NewEventHub(originPatterns ...string) *EventHub {
	ctx, cancel := context.WithCancel(context.Background())
	return &EventHub{
		clients:    make(map[*client]bool),
		broadcast:  make(chan Message, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		ctx:        ctx,
		cancel:     cancel,
		origins:    originPatterns,
	}
}

// Run starts the hub's message processing loop. It returns after Stop.
func (h *EventHub) Run() {
	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			count := len(h.clients)
			h.mu.Unlock()
			log.Printf("server: event stream client connected (total: %d)", count)

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			count := len(h.clients)
			h.mu.Unlock()
			log.Printf("server: event stream client disconnected (total: %d)", count)

		case msg := <-h.broadcast:
			data, err := json.Marshal(msg)
			if err != nil {
				log.Printf("server: failed to marshal event: %v", err)
				continue
			}
			// Full lock: slow clients are dropped from the map.
			h.mu.Lock()
			for c := range h.clients {
				select {
				case c.send <- data:
				default:
					close(c.send)
					delete(h.clients, c)
				}
			}
			h.mu.Unlock()

		case <-h.ctx.Done():
			return
		}
	}
}

// Stop disconnects every client and ends Run.
func (h *EventHub) Stop() {
	h.cancel()

	h.mu.Lock()
	for c := range h.clients {
		close(c.send)
		_ = c.conn.Close(websocket.StatusGoingAway, "server stopping")
	}
	h.clients = make(map[*client]bool)
	h.mu.Unlock()
}

// Clients returns the number of connected subscribers.
func (h *EventHub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Record implements metrics.Sink.
func (h *EventHub) Record(e metrics.Event) {
	h.publish(Message{Type: "call", Event: &e})
}

// Transition implements metrics.Sink.
func (h *EventHub) Transition(t breaker.Transition) {
	h.publish(Message{Type: "breaker", Transition: &t})
}

func (h *EventHub) publish(msg Message) {
	if h.Clients() == 0 {
		return
	}
	select {
	case h.broadcast <- msg:
	default:
		log.Println("server: event stream buffer full, dropping message")
	}
}

func (h *EventHub) join(c *client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.ctx.Done():
		return false
	}
}

func (h *EventHub) leave(c *client) {
	select {
	case h.unregister <- c:
	case <-h.ctx.Done():
	}
}

// ServeHTTP handles WebSocket upgrade requests.
func (h *EventHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.origins})
	if err != nil {
		log.Printf("server: websocket upgrade failed: %v", err)
		return
	}

	c := &client{hub: h, conn: conn, send: make(chan []byte, 64)}
	if !h.join(c) {
		_ = conn.Close(websocket.StatusGoingAway, "server stopping")
		return
	}

	go c.writePump()
	go c.readPump()
}

// writePump sends messages to the WebSocket connection.
func (c *client) writePump() {
	defer func() {
		c.hub.leave(c)
		_ = c.conn.Close(websocket.StatusNormalClosure, "")
	}()

	for message := range c.send {
		ctx, cancel := context.WithTimeout(c.hub.ctx, 10*time.Second)
		err := c.conn.Write(ctx, websocket.MessageText, message)
		cancel()
		if err != nil {
			return
		}
	}
}

// readPump drains the connection to detect disconnections. Subscribers
// never send anything meaningful.
func (c *client) readPump() {
	defer c.hub.leave(c)
	for {
		if _, _, err := c.conn.Read(c.hub.ctx); err != nil {
			return
		}
	}
}
