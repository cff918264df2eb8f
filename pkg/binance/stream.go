package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	StreamURL        = "wss://stream.binance.com:9443/ws"
	TestnetStreamURL = "wss://stream.testnet.binance.vision/ws"

	tickerSuffix = "@ticker"
)

type ControlMessage struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int64    `json:"id"`
}

// StreamMessage is the union of the frames the ticker stream emits.
type StreamMessage struct {
	EventType string          `json:"e"`
	EventTime int64           `json:"E"`
	Symbol    string          `json:"s"`
	LastPrice string          `json:"c"`
	Result    json.RawMessage `json:"result"`
	ID        *int64          `json:"id"`
}

func (m *StreamMessage) IsTicker() bool {
	return m.Symbol != "" && m.LastPrice != ""
}

func (m *StreamMessage) IsAck() bool {
	return m.ID != nil
}

func ParseStreamMessage(data []byte) (*StreamMessage, error) {
	var msg StreamMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to decode stream message: %w", err)
	}
	return &msg, nil
}

// StreamName maps BTCUSDT to btcusdt@ticker.
func StreamName(symbol string) string {
	return strings.ToLower(strings.TrimSpace(symbol)) + tickerSuffix
}

// SymbolFromStream maps btcusdt@ticker back to BTCUSDT.
func SymbolFromStream(stream string) string {
	return strings.ToUpper(strings.TrimSuffix(stream, tickerSuffix))
}

type StreamDialer struct {
	url              string
	handshakeTimeout time.Duration
	pingInterval     time.Duration
	logger           *logrus.Logger
}

func NewStreamDialer(url string, logger *logrus.Logger) *StreamDialer {
	if url == "" {
		url = StreamURL
	}
	return &StreamDialer{
		url:              url,
		handshakeTimeout: 10 * time.Second,
		pingInterval:     30 * time.Second,
		logger:           logger,
	}
}

func (d *StreamDialer) URL() string { return d.url }

func (d *StreamDialer) Dial(ctx context.Context) (*StreamConn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: d.handshakeTimeout,
	}

	conn, _, err := dialer.DialContext(ctx, d.url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to websocket: %w", err)
	}

	sc := &StreamConn{
		conn:   conn,
		done:   make(chan struct{}),
		logger: d.logger,
	}
	if d.pingInterval > 0 {
		go sc.keepAlive(d.pingInterval)
	}
	return sc, nil
}

// StreamConn wraps one websocket connection. Writes are serialised; reads
// must come from a single goroutine.
type StreamConn struct {
	conn      *websocket.Conn
	mu        sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
	logger    *logrus.Logger
}

func (c *StreamConn) Send(msg ControlMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return c.conn.WriteJSON(msg)
}

func (c *StreamConn) Read() ([]byte, error) {
	_, data, err := c.conn.ReadMessage()
	return data, err
}

func (c *StreamConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

func (c *StreamConn) keepAlive(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.mu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			c.mu.Unlock()
			if err != nil {
				c.logger.WithError(err).Warn("Failed to send ping")
				c.Close()
				return
			}
		}
	}
}
