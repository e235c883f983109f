package transport

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// EventType identifies the kind of lifecycle event broadcast to WebSocket
// clients.
type EventType string

const (
	EventVaultCreated       EventType = "vault_created"
	EventSigningStarted     EventType = "signing_started"
	EventSigningCompleted   EventType = "signing_completed"
	EventBlindNoncesSent    EventType = "blind_nonces_sent"
	EventBlindChallengeSent EventType = "blind_challenge_sent"
	EventHeirClaimReady     EventType = "heir_claim_ready"
	EventCheckinDue         EventType = "checkin_due"
)

// WSEvent is one message broadcast to every connected WebSocket client.
type WSEvent struct {
	Type EventType   `json:"type"`
	Data interface{} `json:"data"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The demo server is meant to run behind a caller-controlled reverse
	// proxy or on localhost; origin checking is the proxy's job.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// WSClient is one connected WebSocket subscriber.
type WSClient struct {
	conn *websocket.Conn
	send chan WSEvent
}

// WSHub tracks connected clients and fans out events to all of them,
// mirroring the teacher's broadcast hub shape (register/unregister/
// broadcast channels drained by a single goroutine so client maps are
// never touched concurrently).
type WSHub struct {
	clients    map[*WSClient]bool
	register   chan *WSClient
	unregister chan *WSClient
	broadcast  chan WSEvent
	mu         sync.RWMutex
}

// NewWSHub creates an empty hub. Call Run in a goroutine to start it.
func NewWSHub() *WSHub {
	return &WSHub{
		clients:    make(map[*WSClient]bool),
		register:   make(chan *WSClient),
		unregister: make(chan *WSClient),
		broadcast:  make(chan WSEvent, 64),
	}
}

// Run drains the hub's channels until the process exits. Meant to be
// started once, in its own goroutine.
func (h *WSHub) Run() {
	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()

		case event := <-h.broadcast:
			h.mu.RLock()
			for c := range h.clients {
				select {
				case c.send <- event:
				default:
					// Client's send buffer is full; drop the event rather
					// than block the hub on a slow reader.
					logger.Warn("dropping event for slow websocket client", "type", event.Type)
				}
			}
			h.mu.RUnlock()
		}
	}
}

// Broadcast queues an event for delivery to every connected client.
func (h *WSHub) Broadcast(eventType EventType, data interface{}) {
	h.broadcast <- WSEvent{Type: eventType, Data: data}
}

// ClientCount returns the number of currently connected clients.
func (h *WSHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeWS upgrades an HTTP connection to a WebSocket and registers it with
// the hub. Mount it at the server's /ws path.
func (h *WSHub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	client := &WSClient{conn: conn, send: make(chan WSEvent, 16)}
	h.register <- client

	go client.writePump()
	go client.readPump(h)
}

// writePump serializes outgoing events to the socket.
func (c *WSClient) writePump() {
	defer c.conn.Close()
	for event := range c.send {
		data, err := json.Marshal(event)
		if err != nil {
			logger.Error("failed to marshal websocket event", "error", err)
			continue
		}
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}
	}
}

// readPump discards inbound frames (clients only receive events) but must
// keep reading so gorilla/websocket processes control frames (ping/pong)
// and notices a closed connection.
func (c *WSClient) readPump(h *WSHub) {
	defer func() {
		h.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
