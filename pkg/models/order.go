package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type ExchangeOrder struct {
	OrderID       int64           `json:"order_id"`
	ClientOrderID string          `json:"client_order_id"`
	Symbol        string          `json:"symbol"`
	Side          OrderSide       `json:"side"`
	Type          OrderType       `json:"type"`
	Status        OrderStatus     `json:"status"`
	Price         decimal.Decimal `json:"price"`
	RequestedQty  decimal.Decimal `json:"requested_qty"`
	ExecutedQty   decimal.Decimal `json:"executed_qty"`
	AvgPrice      decimal.Decimal `json:"avg_price"`
	QuoteValue    decimal.Decimal `json:"quote_value"`
	Attempts      int             `json:"attempts,omitempty"`
	Outcome       Outcome         `json:"outcome,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

func (s OrderSide) Valid() bool {
	return s == OrderSideBuy || s == OrderSideSell
}

type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)

func (t OrderType) Valid() bool {
	return t == OrderTypeMarket || t == OrderTypeLimit
}

type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "NEW"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCanceled        OrderStatus = "CANCELED"
	OrderStatusRejected        OrderStatus = "REJECTED"
	OrderStatusExpired         OrderStatus = "EXPIRED"
)

// Open reports whether the order may still trade on the book.
func (s OrderStatus) Open() bool {
	return s == OrderStatusNew || s == OrderStatusPartiallyFilled
}

// Outcome is the engine's verdict on an execution, separate from the
// exchange-reported status.
type Outcome string

const (
	OutcomeFilled          Outcome = "FILLED"
	OutcomePartiallyFilled Outcome = "PARTIALLY_FILLED"
	OutcomeLeftPending     Outcome = "LEFT_PENDING"
)

type OrderRequest struct {
	Symbol        string
	Side          OrderSide
	Type          OrderType
	Price         string
	Quantity      string
	TimeInForce   string
	ClientOrderID string
}

// Fill is one execution reported in a FULL order response.
type Fill struct {
	Price           decimal.Decimal
	Quantity        decimal.Decimal
	Commission      decimal.Decimal
	CommissionAsset string
}

// Remaining is the requested quantity not yet executed.
func (o *ExchangeOrder) Remaining() decimal.Decimal {
	rem := o.RequestedQty.Sub(o.ExecutedQty)
	if rem.IsNegative() {
		return decimal.Zero
	}
	return rem
}
