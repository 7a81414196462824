// Package realtime pushes notifications to websocket subscribers watching an
// order or a customer.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dmehra2102/commerce-order-platform/internal/notification/domain"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	sendBuffer = 16
)

type client struct {
	topic string
	conn  *websocket.Conn
	send  chan []byte
}

// Hub tracks subscribers by topic. A topic is "order:<id>" or
// "customer:<id>".
type Hub struct {
	log      *slog.Logger
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]map[*client]struct{}
}

func NewHub(log *slog.Logger) *Hub {
	return &Hub{
		log: log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients: make(map[string]map[*client]struct{}),
	}
}

func OrderTopic(id string) string    { return "order:" + id }
func CustomerTopic(id string) string { return "customer:" + id }

func (h *Hub) Channel() domain.Channel { return domain.ChannelRealtime }

// Send queues n for every subscriber of its order and customer. Slow
// subscribers whose buffer is full are dropped.
func (h *Hub) Send(_ context.Context, n domain.Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return err
	}
	topics := []string{OrderTopic(n.OrderID)}
	if n.CustomerID != "" {
		topics = append(topics, CustomerTopic(n.CustomerID))
	}

	var slow []*client
	h.mu.RLock()
	for _, t := range topics {
		for c := range h.clients[t] {
			select {
			case c.send <- body:
			default:
				slow = append(slow, c)
			}
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.log.Warn("dropping slow subscriber", "topic", c.topic)
		h.unregister(c)
	}
	return nil
}

// Subscribers reports how many connections watch topic.
func (h *Hub) Subscribers(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[topic])
}

// ServeHTTP upgrades the request and subscribes it to ?order_id= or
// ?customer_id=.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var topic string
	switch {
	case r.URL.Query().Get("order_id") != "":
		topic = OrderTopic(r.URL.Query().Get("order_id"))
	case r.URL.Query().Get("customer_id") != "":
		topic = CustomerTopic(r.URL.Query().Get("customer_id"))
	default:
		http.Error(w, "order_id or customer_id is required", http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "err", err)
		return
	}
	c := &client{topic: topic, conn: conn, send: make(chan []byte, sendBuffer)}
	h.register(c)

	go h.writePump(c)
	h.readPump(c)
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.clients[c.topic]
	if !ok {
		set = make(map[*client]struct{})
		h.clients[c.topic] = set
	}
	set[c] = struct{}{}
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.clients[c.topic]
	if !ok {
		return
	}
	if _, ok := set[c]; !ok {
		return
	}
	delete(set, c)
	if len(set) == 0 {
		delete(h.clients, c.topic)
	}
	close(c.send)
}

// readPump only watches for close and pong frames; subscribers never send.
func (h *Hub) readPump(c *client) {
	defer func() {
		h.unregister(c)
		_ = c.conn.Close()
	}()
	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
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
