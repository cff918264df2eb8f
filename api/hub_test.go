package api

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/gregtusar/tradedesk/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dialHub(t *testing.T, hub *Hub) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)
	return conn
}

func readPrice(t *testing.T, conn *websocket.Conn) PriceMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg PriceMessage
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func quietHub() *Hub {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return NewHub(logger)
}

func TestHubBroadcastsPrices(t *testing.T) {
	hub := quietHub()
	conn := dialHub(t, hub)

	prices := make(chan models.PriceCacheEntry, 1)
	go hub.Run(prices)

	prices <- models.PriceCacheEntry{Symbol: "BTCUSDT", LastPrice: decimal.RequireFromString("50000.5")}

	msg := readPrice(t, conn)
	assert.Equal(t, "price", msg.Type)
	assert.Equal(t, "BTCUSDT", msg.Price.Symbol)
	assert.Equal(t, "50000.5", msg.Price.LastPrice.String())

	close(prices)
	require.Eventually(t, func() bool { return hub.ClientCount() == 0 }, time.Second, 5*time.Millisecond)
}

func TestHubSymbolFilter(t *testing.T) {
	hub := quietHub()
	conn := dialHub(t, hub)

	require.NoError(t, conn.WriteJSON(wsRequest{Op: "subscribe", Symbols: []string{"ethusdt"}}))

	// the subscription is applied asynchronously by the read pump
	require.Eventually(t, func() bool {
		hub.mu.RLock()
		defer hub.mu.RUnlock()
		for c := range hub.clients {
			return !c.wants("BTCUSDT") && c.wants("ETHUSDT")
		}
		return false
	}, time.Second, 5*time.Millisecond)

	hub.Broadcast(models.PriceCacheEntry{Symbol: "BTCUSDT", LastPrice: decimal.NewFromInt(1)})
	hub.Broadcast(models.PriceCacheEntry{Symbol: "ETHUSDT", LastPrice: decimal.NewFromInt(2)})

	msg := readPrice(t, conn)
	assert.Equal(t, "ETHUSDT", msg.Price.Symbol)
}
