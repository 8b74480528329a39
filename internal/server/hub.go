package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/deliverycart/cart-engine/internal/metrics"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

// WSMessage is a JSON message exchanged with WebSocket clients.
//
// Server to client: "cart_updated", "confirm", "checkout_completed".
// Client to server: "confirm_reply".
type WSMessage struct {
	Type       string `json:"type"`
	CartID     string `json:"cart_id,omitempty"`
	PromptID   string `json:"prompt_id,omitempty"`
	Message    string `json:"message,omitempty"`
	Accept     bool   `json:"accept,omitempty"`
	StoreID    *int64 `json:"store_id,omitempty"`
	Lines      int    `json:"lines,omitempty"`
	TotalPrice string `json:"total_price,omitempty"`
	CheckoutID string `json:"checkout_id,omitempty"`
}

type client struct {
	conn   *websocket.Conn
	cartID string
	send   chan []byte
}

type outbound struct {
	cartID string
	data   []byte
}

// Hub fans cart events out to the WebSocket clients watching each cart and
// routes confirmation prompts to them.
type Hub struct {
	clients    map[string]map[*client]bool
	broadcast  chan outbound
	register   chan *client
	unregister chan *client
	done       chan struct{}
	mu         sync.RWMutex

	promptTimeout time.Duration
	pmu           sync.Mutex
	pending       map[string]chan bool
}

// NewHub creates a hub. Prompts left unanswered for promptTimeout count as
// declined.
func NewHub(promptTimeout time.Duration) *Hub {
	return &Hub{
		clients:       make(map[string]map[*client]bool),
		broadcast:     make(chan outbound, 256),
		register:      make(chan *client),
		unregister:    make(chan *client),
		done:          make(chan struct{}),
		promptTimeout: promptTimeout,
		pending:       make(map[string]chan bool),
	}
}

// Run starts the hub's event loop and returns when ctx is done.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for _, set := range h.clients {
				for c := range set {
					close(c.send)
					metrics.WebSocketClients.Dec()
				}
			}
			h.clients = make(map[string]map[*client]bool)
			h.mu.Unlock()
			return

		case c := <-h.register:
			h.mu.Lock()
			set, ok := h.clients[c.cartID]
			if !ok {
				set = make(map[*client]bool)
				h.clients[c.cartID] = set
			}
			set[c] = true
			h.mu.Unlock()
			metrics.WebSocketClients.Inc()
			slog.Info("ws client connected", "cart_id", c.cartID, "watchers", len(set))

		case c := <-h.unregister:
			h.remove(c)

		case msg := <-h.broadcast:
			h.mu.RLock()
			var slow []*client
			for c := range h.clients[msg.cartID] {
				select {
				case c.send <- msg.data:
				default:
					slow = append(slow, c)
				}
			}
			h.mu.RUnlock()
			for _, c := range slow {
				h.remove(c)
			}
		}
	}
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.clients[c.cartID]
	if !ok || !set[c] {
		return
	}
	delete(set, c)
	if len(set) == 0 {
		delete(h.clients, c.cartID)
	}
	close(c.send)
	metrics.WebSocketClients.Dec()
}

// Watching reports whether any client is connected for cartID.
func (h *Hub) Watching(cartID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[cartID]) > 0
}

// Broadcast queues msg for every client watching cartID. Messages are
// dropped when the queue is full.
func (h *Hub) Broadcast(cartID string, msg WSMessage) {
	msg.CartID = cartID
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case h.broadcast <- outbound{cartID: cartID, data: data}:
	default:
		slog.Warn("ws broadcast dropped", "cart_id", cartID, "type", msg.Type)
	}
}

// Prompt asks the clients watching cartID a yes/no question and waits for
// the first reply. With nobody watching the answer is no. A prompt that
// times out returns false and the context error.
func (h *Hub) Prompt(ctx context.Context, cartID, message string) (bool, error) {
	if !h.Watching(cartID) {
		return false, nil
	}

	id := uuid.New().String()
	reply := make(chan bool, 1)
	h.pmu.Lock()
	h.pending[id] = reply
	h.pmu.Unlock()
	defer func() {
		h.pmu.Lock()
		delete(h.pending, id)
		h.pmu.Unlock()
	}()

	h.Broadcast(cartID, WSMessage{Type: "confirm", PromptID: id, Message: message})

	if h.promptTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.promptTimeout)
		defer cancel()
	}

	select {
	case ok := <-reply:
		return ok, nil
	case <-ctx.Done():
		return false, fmt.Errorf("prompt %s: %w", id, ctx.Err())
	}
}

func (h *Hub) resolve(promptID string, accept bool) {
	h.pmu.Lock()
	reply, ok := h.pending[promptID]
	h.pmu.Unlock()
	if !ok {
		return
	}
	select {
	case reply <- accept:
	default:
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true
	},
}

// ServeCart upgrades the request and attaches the connection to cartID.
func (h *Hub) ServeCart(w http.ResponseWriter, r *http.Request, cartID string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "cart_id", cartID, "err", err)
		return
	}

	c := &client{conn: conn, cartID: cartID, send: make(chan []byte, 16)}
	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}

	go h.writePump(c)
	go h.readPump(c)
}

// readPump handles confirm replies and detects disconnects.
func (h *Hub) readPump(c *client) {
	defer func() {
		select {
		case h.unregister <- c:
		case <-h.done:
		}
		c.conn.Close()
	}()
	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		var msg WSMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Warn("ws read failed", "cart_id", c.cartID, "err", err)
			}
			return
		}
		if msg.Type == "confirm_reply" {
			h.resolve(msg.PromptID, msg.Accept)
		}
	}
}

// writePump is the only writer on c.conn.
func (h *Hub) writePump(c *client) {
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
				c.conn.WriteMessage(websocket.CloseMessage, nil)
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
