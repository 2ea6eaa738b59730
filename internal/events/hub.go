package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mbd888/taskescrow/internal/metrics"
)

var normalCloseCodes = []int{
	websocket.CloseNormalClosure,
	websocket.CloseGoingAway,
	websocket.CloseNoStatusReceived,
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		return origin == "http://"+r.Host || origin == "https://"+r.Host
	},
}

// Subscription narrows what a WebSocket client receives. Empty fields
// match everything; non-empty fields must all match.
type Subscription struct {
	Types      []MessageType `json:"types"`
	PaymentIDs []string      `json:"payment_ids"`
	TaskIDs    []string      `json:"task_ids"`
	Agents     []string      `json:"agents"`
}

// Matches reports whether msg passes the filter.
func (s Subscription) Matches(msg LifecycleMessage) bool {
	if len(s.Types) > 0 && !slices.Contains(s.Types, msg.Type) {
		return false
	}
	if len(s.PaymentIDs) > 0 && !slices.Contains(s.PaymentIDs, msg.PaymentID) {
		return false
	}
	if len(s.TaskIDs) > 0 && !slices.Contains(s.TaskIDs, msg.TaskID) {
		return false
	}
	if len(s.Agents) > 0 && !slices.Contains(s.Agents, msg.FromAgent) && !slices.Contains(s.Agents, msg.ToAgent) {
		return false
	}
	return true
}

type hubClient struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	mu   sync.RWMutex
	sub  Subscription
}

func (c *hubClient) subscription() Subscription {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sub
}

// MaxClients caps concurrent WebSocket connections.
const MaxClients = 10000

// Hub streams lifecycle messages to WebSocket clients. It is a Sink.
type Hub struct {
	clients    map[*hubClient]bool
	broadcast  chan WebhookPayload
	register   chan *hubClient
	unregister chan *hubClient
	mu         sync.RWMutex
	logger     *slog.Logger
	done       chan struct{}
	maxClients int

	delivered atomic.Int64
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients:    make(map[*hubClient]bool),
		broadcast:  make(chan WebhookPayload, 256),
		register:   make(chan *hubClient),
		unregister: make(chan *hubClient),
		logger:     logger,
		done:       make(chan struct{}),
		maxClients: MaxClients,
	}
}

func (h *Hub) Name() string { return "websocket" }

// Deliver queues msg for connected clients. A full queue drops it.
func (h *Hub) Deliver(_ context.Context, msg LifecycleMessage, tags []string) error {
	select {
	case h.broadcast <- WebhookPayload{Message: msg, Tags: tags}:
	default:
		h.logger.Warn("websocket hub queue full, dropping message", "message_id", msg.ID)
	}
	return nil
}

// Run owns the client set until ctx ends.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(0)
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			n := len(h.clients)
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(float64(n))

		case c := <-h.unregister:
			h.mu.Lock()
			if h.clients[c] {
				delete(h.clients, c)
				close(c.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(float64(n))

		case frame := <-h.broadcast:
			data, err := json.Marshal(frame)
			if err != nil {
				h.logger.Error("encode websocket frame", "error", err)
				continue
			}
			h.fanOut(frame.Message, data)
		}
	}
}

func (h *Hub) fanOut(msg LifecycleMessage, data []byte) {
	var slow []*hubClient
	h.mu.RLock()
	for c := range h.clients {
		if !c.subscription().Matches(msg) {
			continue
		}
		select {
		case c.send <- data:
			h.delivered.Add(1)
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	if len(slow) == 0 {
		return
	}
	h.mu.Lock()
	for _, c := range slow {
		if h.clients[c] {
			close(c.send)
			delete(h.clients, c)
		}
	}
	h.mu.Unlock()
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// HandleWebSocket upgrades the request and streams messages. Clients may
// send a Subscription JSON object at any time to change their filter.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	select {
	case <-h.done:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}
	if h.Clients() >= h.maxClients {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := &hubClient{hub: h, conn: conn, send: make(chan []byte, 256)}
	select {
	case h.register <- c:
	case <-h.done:
		_ = conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

func (c *hubClient) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(64 * 1024)
	_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, normalCloseCodes...) {
				c.hub.logger.Debug("websocket read error", "error", err)
			}
			return
		}
		var sub Subscription
		if err := json.Unmarshal(raw, &sub); err == nil {
			c.mu.Lock()
			c.sub = sub
			c.mu.Unlock()
		}
	}
}

func (c *hubClient) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
