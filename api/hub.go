package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/gregtusar/tradedesk/pkg/models"
	"github.com/sirupsen/logrus"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	sendBuffer = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// origins are checked by the CORS layer and the token
		return true
	},
}

// PriceMessage is pushed to websocket clients for every ticker update.
type PriceMessage struct {
	Type  string                 `json:"type"`
	Price models.PriceCacheEntry `json:"price"`
}

type wsRequest struct {
	Op      string   `json:"op"`
	Symbols []string `json:"symbols"`
}

// Hub fans price updates out to websocket clients. A client with no
// subscriptions receives every symbol.
type Hub struct {
	mu      sync.RWMutex
	clients map[*wsClient]struct{}
	logger  *logrus.Logger
}

func NewHub(logger *logrus.Logger) *Hub {
	return &Hub{
		clients: make(map[*wsClient]struct{}),
		logger:  logger,
	}
}

// Run forwards prices until the source channel closes, then disconnects
// every client.
func (h *Hub) Run(prices <-chan models.PriceCacheEntry) {
	for entry := range prices {
		h.Broadcast(entry)
	}

	h.mu.Lock()
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

func (h *Hub) Broadcast(entry models.PriceCacheEntry) {
	message, err := json.Marshal(PriceMessage{Type: "price", Price: entry})
	if err != nil {
		h.logger.WithError(err).Error("Failed to marshal price message")
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	for c := range h.clients {
		if !c.wants(entry.Symbol) {
			continue
		}
		select {
		case c.send <- message:
		default:
			// slow consumer
			delete(h.clients, c)
			close(c.send)
			h.logger.WithField("client", c.id).Warn("Websocket client too slow, disconnecting")
		}
	}
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) register(c *wsClient) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.WithFields(logrus.Fields{"client": c.id, "total": n}).Info("Websocket client connected")
}

func (h *Hub) unregister(c *wsClient) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.WithFields(logrus.Fields{"client": c.id, "total": n}).Info("Websocket client disconnected")
}

// ServeWS upgrades the request and starts the client pumps.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithError(err).Warn("Websocket upgrade failed")
		return
	}

	c := &wsClient{
		hub:     h,
		conn:    conn,
		send:    make(chan []byte, sendBuffer),
		id:      conn.RemoteAddr().String(),
		symbols: make(map[string]bool),
	}
	h.register(c)

	go c.writePump()
	go c.readPump()
}

type wsClient struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	id   string

	subsMu  sync.RWMutex
	symbols map[string]bool
}

func (c *wsClient) wants(symbol string) bool {
	c.subsMu.RLock()
	defer c.subsMu.RUnlock()
	return len(c.symbols) == 0 || c.symbols[symbol]
}

func (c *wsClient) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.WithError(err).WithField("client", c.id).Warn("Websocket read error")
			}
			return
		}

		var req wsRequest
		if err := json.Unmarshal(message, &req); err != nil {
			c.hub.logger.WithField("client", c.id).Debug("Ignoring malformed websocket message")
			continue
		}

		c.subsMu.Lock()
		switch req.Op {
		case "subscribe":
			for _, s := range req.Symbols {
				c.symbols[models.NormalizeSymbol(s)] = true
			}
		case "unsubscribe":
			for _, s := range req.Symbols {
				delete(c.symbols, models.NormalizeSymbol(s))
			}
		}
		c.subsMu.Unlock()
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
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
