// Package stream pushes gateway events to websocket clients.
package stream

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"zigbee-gateway/internal/core"
)

// Hub manages websocket connections and broadcasts core events.
type Hub struct {
	clients map[*client]struct{}
	mu      sync.Mutex
	logger  *slog.Logger

	register   chan *client
	unregister chan *client
	broadcast  chan []byte

	allowedOrigins []string

	unsub    func()
	done     chan struct{}
	stopOnce sync.Once
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// NewHub creates a hub wired to the event bus.
func NewHub(bus *core.EventBus, allowedOrigins []string, logger *slog.Logger) *Hub {
	h := &Hub{
		clients:        make(map[*client]struct{}),
		logger:         logger.With("component", "stream"),
		register:       make(chan *client),
		unregister:     make(chan *client),
		broadcast:      make(chan []byte, 256),
		allowedOrigins: allowedOrigins,
		done:           make(chan struct{}),
	}
	h.unsub = bus.OnAll(func(event core.Event) {
		data, err := json.Marshal(event)
		if err != nil {
			h.logger.Error("marshal event", "err", err)
			return
		}
		select {
		case h.broadcast <- data:
		default:
			h.logger.Warn("broadcast channel full, dropping event", "type", event.Type)
		}
	})
	return h
}

// Run drives the hub until Stop is called.
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

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("client connected", "total", total)

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("client disconnected", "total", total)

		case data := <-h.broadcast:
			h.mu.Lock()
			var slow []*client
			for c := range h.clients {
				select {
				case c.send <- data:
				default:
					slow = append(slow, c)
				}
			}
			for _, c := range slow {
				delete(h.clients, c)
				close(c.send)
				h.logger.Warn("client evicted (too slow)")
			}
			h.mu.Unlock()
		}
	}
}

// Stop shuts the hub down. Safe to call multiple times.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() {
		if h.unsub != nil {
			h.unsub()
		}
		close(h.done)
	})
}

// ServeHTTP upgrades the request and streams events until the client
// disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	opts := &websocket.AcceptOptions{}
	if len(h.allowedOrigins) > 0 {
		opts.OriginPatterns = h.allowedOrigins
	}

	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		h.logger.Error("accept", "err", err)
		return
	}
	conn.SetReadLimit(4096)

	c := &client{
		conn: conn,
		send: make(chan []byte, 64),
	}

	select {
	case h.register <- c:
	case <-h.done:
		conn.Close(websocket.StatusGoingAway, "server shutdown")
		return
	}

	go h.writePump(c)
	h.readPump(c)
}

func (h *Hub) writePump(c *client) {
	for msg := range c.send {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := c.conn.Write(ctx, websocket.MessageText, msg)
		cancel()
		if err != nil {
			return
		}
	}
	c.conn.Close(websocket.StatusNormalClosure, "")
}

func (h *Hub) readPump(c *client) {
	defer func() {
		select {
		case h.unregister <- c:
		case <-h.done:
			c.conn.Close(websocket.StatusGoingAway, "server shutdown")
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		select {
		case <-h.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		// incoming messages are drained and ignored
		if _, _, err := c.conn.Read(ctx); err != nil {
			return
		}
	}
}
