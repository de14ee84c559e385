package api

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"svs-binarizer/pkg/models"
	"svs-binarizer/pkg/progress"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

const (
	writeWait  = 10 * time.Second
	clientSend = 64
)

type WebSocketMessage struct {
	Type   string                 `json:"type"`
	Event  *models.ProgressEvent  `json:"event,omitempty"`
	Splits []models.ProgressEvent `json:"splits,omitempty"`
	Error  string                 `json:"error,omitempty"`
}

// Hub fans progress events out to every connected websocket client. It
// keeps the latest event of each split so late clients get a snapshot.
type Hub struct {
	mu      sync.Mutex
	clients map[*client]struct{}
	latest  map[string]models.ProgressEvent
}

var _ progress.Reporter = (*Hub)(nil)

type client struct {
	conn *websocket.Conn
	send chan WebSocketMessage
}

func NewHub() *Hub {
	return &Hub{
		clients: make(map[*client]struct{}),
		latest:  make(map[string]models.ProgressEvent),
	}
}

// Report broadcasts ev. Clients that cannot keep up miss events rather
// than slowing the run down.
func (h *Hub) Report(ev models.ProgressEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.latest[ev.Split] = ev
	msg := WebSocketMessage{Type: "progress", Event: &ev}
	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
			slog.Debug("websocket client is slow, dropping event", "split", ev.Split)
		}
	}
}

// Snapshot returns the latest event of every split seen so far.
func (h *Hub) Snapshot() []models.ProgressEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]models.ProgressEvent, 0, len(h.latest))
	for _, split := range []string{"valid", "train"} {
		if ev, ok := h.latest[split]; ok {
			out = append(out, ev)
		}
	}
	for split, ev := range h.latest {
		if split != "valid" && split != "train" {
			out = append(out, ev)
		}
	}
	return out
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

// Clients is the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Handlers) WebSocketHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	c := &client{conn: conn, send: make(chan WebSocketMessage, clientSend)}
	c.send <- WebSocketMessage{Type: "snapshot", Splits: h.hub.Snapshot()}
	h.hub.register(c)

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.writePump(c)
	}()

	for {
		var msg WebSocketMessage
		if err := conn.ReadJSON(&msg); err != nil {
			break
		}

		switch msg.Type {
		case "ping":
			h.sendMessage(c, WebSocketMessage{Type: "pong"})
		case "snapshot":
			h.sendMessage(c, WebSocketMessage{Type: "snapshot", Splits: h.hub.Snapshot()})
		default:
			h.sendMessage(c, WebSocketMessage{
				Type:  "error",
				Error: "Unknown message type",
			})
		}
	}

	h.hub.unregister(c)
	<-done
	conn.Close()
}

// writePump is the only writer of a connection.
func (h *Handlers) writePump(c *client) {
	for msg := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteJSON(msg); err != nil {
			slog.Debug("websocket write failed", "error", err)
			c.conn.Close()
			for range c.send {
			}
			return
		}
	}
}

func (h *Handlers) sendMessage(c *client, msg WebSocketMessage) {
	h.hub.mu.Lock()
	defer h.hub.mu.Unlock()
	if _, ok := h.hub.clients[c]; !ok {
		return
	}
	select {
	case c.send <- msg:
	default:
	}
}
