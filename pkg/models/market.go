package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// SymbolRules holds the exchange's trading constraints for one pair.
// Values are never mutated after construction; a refresh builds a new one.
type SymbolRules struct {
	Symbol            string
	BaseAsset         string
	QuoteAsset        string
	QuantityStep      decimal.Decimal
	MinQty            decimal.Decimal
	MaxQty            decimal.Decimal // zero means unbounded
	PriceTick         decimal.Decimal
	MinNotional       decimal.Decimal
	QuantityPrecision int32
	PricePrecision    int32
	FetchedAt         time.Time
}

type PriceCacheEntry struct {
	Symbol    string          `json:"symbol"`
	LastPrice decimal.Decimal `json:"last_price"`
	UpdatedAt time.Time       `json:"updated_at"`
}

type Balance struct {
	Asset  string
	Free   decimal.Decimal
	Locked decimal.Decimal
}

type Ticker struct {
	Symbol    string
	LastPrice decimal.Decimal
	Timestamp time.Time
}

type StreamState string

const (
	StreamDisconnected StreamState = "DISCONNECTED"
	StreamConnecting   StreamState = "CONNECTING"
	StreamSubscribed   StreamState = "SUBSCRIBED"
	StreamDegraded     StreamState = "DEGRADED"
)

type StreamStatus struct {
	State         StreamState `json:"state"`
	Active        []string    `json:"active"`
	Pending       []string    `json:"pending"`
	DynamicSymbol string      `json:"dynamic_symbol,omitempty"`
	Reconnects    int         `json:"reconnects"`
}
