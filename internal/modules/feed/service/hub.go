package service

import (
	"context"
	"copytrade_bot/internal/metrics"
	"copytrade_bot/pkg/logger"
	"net/http"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
)

const (
	EventPositionOpened = "position_opened"
	EventPositionClosed = "position_closed"
	EventDistributed    = "distribution_finished"

	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	writeWait  = 5 * time.Second
)

// Event — кадр живой ленты сделок.
type Event struct {
	Type string    `json:"type"`
	At   time.Time `json:"at"`
	Data any       `json:"data"`
}

type client struct {
	conn *websocket.Conn
	wmu  sync.Mutex // gorilla не допускает параллельных записей
}

func (c *client) write(messageType int, data []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(messageType, data)
}

// Hub — рассылка событий всем подключённым к /ws/trades.
type Hub struct {
	mu      sync.RWMutex
	clients map[*client]struct{}

	broadcast chan []byte
	upgrader  websocket.Upgrader
}

func NewHub() *Hub {
	return &Hub{
		clients:   make(map[*client]struct{}),
		broadcast: make(chan []byte, 256),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Run — цикл рассылки, до отмены ctx.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case msg := <-h.broadcast:
			for _, c := range h.snapshot() {
				if err := c.write(websocket.TextMessage, msg); err != nil {
					h.remove(c)
				}
			}
		}
	}
}

// Publish не блокирует: при переполненном буфере кадр теряется, торговля важнее ленты.
func (h *Hub) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	data, err := sonic.Marshal(ev)
	if err != nil {
		logger.Warn("feed: marshal %s: %v", ev.Type, err)
		return
	}
	select {
	case h.broadcast <- data:
	default:
		logger.Warn("feed: buffer full, dropped %s", ev.Type)
	}
}

func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// HandleWS — апгрейд GET /ws/trades.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("feed: ws upgrade failed: %v", err)
		return
	}
	c := &client{conn: conn}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	metrics.WebSocketClients.Set(float64(n))
	logger.Info("feed: client connected, total %d", n)

	// read pump: ловим отключение и pong
	go func() {
		defer h.remove(c)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for range ticker.C {
			if !h.has(c) {
				return
			}
			if err := c.write(websocket.PingMessage, nil); err != nil {
				h.remove(c)
				return
			}
		}
	}()
}

func (h *Hub) snapshot() []*client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		out = append(out, c)
	}
	return out
}

func (h *Hub) has(c *client) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.clients[c]
	return ok
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()
	if ok {
		_ = c.conn.Close()
		metrics.WebSocketClients.Set(float64(n))
	}
}

func (h *Hub) closeAll() {
	for _, c := range h.snapshot() {
		h.remove(c)
	}
}
